package main

import (
	"flag"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"silkdb"
)

// Load driver: creates a masstree, hammers it with inserts from every
// worker, then reports committed inserts and throughput. It issues no reads.
// Exits non-zero on setup failure.

func main() {
	nodes := flag.Int("nodes", 1, "NUMA node count")
	workers := flag.Int("workers", 4, "workers per node")
	poolMB := flag.Int("pool-mb", 64, "page pool MB per node")
	records := flag.Int("records", 100000, "records per worker")
	logDir := flag.String("log-dir", "silkdb_logs", "log folder")
	flag.Parse()

	opts := *silkdb.DefaultOptions
	opts.Thread.GroupCount = *nodes
	opts.Thread.ThreadCountPerGroup = *workers
	opts.Memory.PagePoolSizeMBPerNode = *poolMB
	opts.Log.FolderPath = *logDir

	engine, err := silkdb.NewEngine(&opts)
	if err != nil {
		fmt.Fprintln(os.Stderr, "engine setup failed:", err)
		os.Exit(1)
	}
	if err := engine.Initialize(); err != nil {
		fmt.Fprintln(os.Stderr, "engine initialize failed:", err)
		os.Exit(1)
	}
	defer func() {
		if err := engine.Uninitialize(); err != nil {
			fmt.Fprintln(os.Stderr, "engine uninitialize failed:", err)
			os.Exit(1)
		}
	}()

	var tree *silkdb.MasstreeStorage
	err = engine.Impersonate(func(t *silkdb.Thread) error {
		var cerr error
		tree, _, cerr = engine.StorageManager().CreateMasstree(t, "bench")
		return cerr
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "storage create failed:", err)
		os.Exit(1)
	}

	totalWorkers := *nodes * *workers
	var committed uint64
	start := time.Now()
	var wg sync.WaitGroup
	for w := 0; w < totalWorkers; w++ {
		worker := w
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = engine.Impersonate(func(t *silkdb.Thread) error {
				for i := 0; i < *records; i++ {
					key := silkdb.NormalizePrimitive(uint64(worker)<<32 | uint64(i))
					value := uint64(i)
					if err := t.BeginXct(silkdb.Serializable); err != nil {
						return err
					}
					var buf [8]byte
					buf[0] = byte(value)
					if err := tree.InsertRecordNormalized(t, key, buf[:]); err != nil {
						_ = t.AbortXct()
						continue
					}
					if _, err := t.PrecommitXct(); err != nil {
						continue
					}
					atomic.AddUint64(&committed, 1)
				}
				return nil
			})
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)

	total := atomic.LoadUint64(&committed)
	mtps := float64(total) / elapsed.Seconds() / 1e6
	fmt.Printf("total=%d, MTPS=%.4f\n", total, mtps)
}
