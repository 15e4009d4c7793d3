package silkdb

import (
	"path/filepath"
	"testing"
)

// tinyOptions is the small test configuration: one node, a few workers,
// everything rooted in the test's temp dir.
func tinyOptions(t *testing.T) *Options {
	t.Helper()
	dir := t.TempDir()
	opts := *DefaultOptions
	opts.Thread.GroupCount = 1
	opts.Thread.ThreadCountPerGroup = 4
	opts.Memory.PagePoolSizeMBPerNode = 16
	opts.Log.FolderPath = filepath.Join(dir, "logs")
	opts.Snapshot.FolderPathPattern = filepath.Join(dir, "snapshots", "node_$NODE$", "partition_$PARTITION$")
	opts.Savepoint.SavepointPath = filepath.Join(dir, "savepoint.xml")
	return &opts
}

func testEngine(t *testing.T) *Engine {
	t.Helper()
	engine, err := NewEngine(tinyOptions(t))
	if err != nil {
		t.Fatalf("engine setup: %v", err)
	}
	if err := engine.Initialize(); err != nil {
		t.Fatalf("engine initialize: %v", err)
	}
	t.Cleanup(func() {
		if engine.initialized {
			if err := engine.Uninitialize(); err != nil {
				t.Errorf("engine uninitialize: %v", err)
			}
		}
	})
	return engine
}
