package silkdb

import (
	"os"
	"testing"

	"github.com/pkg/errors"
	assertion "github.com/stretchr/testify/assert"
)

func TestEngineLifecycle(t *testing.T) {
	assert := assertion.New(t)
	engine, err := NewEngine(tinyOptions(t))
	assert.NoError(err)
	assert.NoError(engine.Initialize())

	// a second Initialize is rejected; use after teardown errors below
	assert.Error(engine.Initialize())

	assert.True(engine.CurrentEpoch().Valid())
	assert.NoError(engine.Uninitialize())
	assert.True(errors.Is(engine.Uninitialize(), ErrNotInitialized))

	_, err = engine.GetStorage(1)
	assert.True(errors.Is(err, ErrNotInitialized))
}

func TestCreateAndDropStorage(t *testing.T) {
	assert := assertion.New(t)
	engine := testEngine(t)

	var tree *MasstreeStorage
	var createEpoch Epoch
	err := engine.Impersonate(func(th *Thread) error {
		var cerr error
		tree, createEpoch, cerr = engine.StorageManager().CreateMasstree(th, "dd")
		return cerr
	})
	assert.NoError(err)
	assert.NotNil(tree)
	assert.True(createEpoch.Valid())

	byID, err := engine.GetStorage(tree.ID())
	assert.NoError(err)
	assert.Equal(tree.ID(), byID.ID())
	byName, err := engine.GetStorageByName("dd")
	assert.NoError(err)
	assert.Equal(tree.ID(), byName.ID())

	// unique names
	err = engine.Impersonate(func(th *Thread) error {
		_, _, cerr := engine.StorageManager().CreateMasstree(th, "dd")
		return cerr
	})
	assert.Equal(CodeAlreadyExists, CodeOf(err))

	free := engine.pool.node(0).freeCount()
	err = engine.Impersonate(func(th *Thread) error {
		dropEpoch, derr := engine.StorageManager().DropStorage(th, tree.ID())
		assert.True(dropEpoch.Valid())
		return derr
	})
	assert.NoError(err)
	assert.Greater(engine.pool.node(0).freeCount(), free)

	_, err = engine.GetStorageByName("dd")
	assert.Equal(CodeNotFound, CodeOf(err))
}

func TestSavepointWrittenOnCreate(t *testing.T) {
	assert := assertion.New(t)
	engine := testEngine(t)

	err := engine.Impersonate(func(th *Thread) error {
		if _, _, cerr := engine.StorageManager().CreateMasstree(th, "sp_tree"); cerr != nil {
			return cerr
		}
		_, _, cerr := engine.StorageManager().CreateArray(th, "sp_array", 16, 100)
		return cerr
	})
	assert.NoError(err)

	entries, err := engine.savepoint.read()
	assert.NoError(err)
	assert.Len(entries, 2)
	byName := map[string]savepointStorage{}
	for _, e := range entries {
		byName[e.Name] = e
	}
	assert.Equal("masstree", byName["sp_tree"].Type)
	assert.Equal("array", byName["sp_array"].Type)
	assert.Equal(uint16(16), byName["sp_array"].PayloadSize)
	assert.Equal(uint64(100), byName["sp_array"].ArraySize)
	assert.NotZero(byName["sp_tree"].RootPageID)
}

func TestSnapshotWritesPartitionFiles(t *testing.T) {
	assert := assertion.New(t)
	engine := testEngine(t)

	err := engine.Impersonate(func(th *Thread) error {
		tree, _, cerr := engine.StorageManager().CreateMasstree(th, "snap_tree")
		if cerr != nil {
			return cerr
		}
		if err := th.BeginXct(Serializable); err != nil {
			return err
		}
		if err := tree.InsertRecordNormalized(th, NormalizePrimitive(1), []byte("payload1")); err != nil {
			return err
		}
		_, perr := th.PrecommitXct()
		return perr
	})
	assert.NoError(err)

	assert.NoError(engine.TakeSnapshot())
	path := engine.snapshot.partitionPath(0, 0, 0)
	info, err := os.Stat(path)
	assert.NoError(err)
	assert.Greater(info.Size(), int64(snapshotPageHeaderSize))
}

func TestLogFilesWritten(t *testing.T) {
	assert := assertion.New(t)
	opts := tinyOptions(t)
	engine, err := NewEngine(opts)
	assert.NoError(err)
	assert.NoError(engine.Initialize())

	err = engine.Impersonate(func(th *Thread) error {
		tree, _, cerr := engine.StorageManager().CreateMasstree(th, "logged")
		if cerr != nil {
			return cerr
		}
		if err := th.BeginXct(Serializable); err != nil {
			return err
		}
		if err := tree.InsertRecordNormalized(th, NormalizePrimitive(77), []byte("12345678")); err != nil {
			return err
		}
		epoch, perr := th.PrecommitXct()
		if perr != nil {
			return perr
		}
		// durability: the epoch's records are on disk when this returns
		th.WaitForCommit(epoch)
		return nil
	})
	assert.NoError(err)
	assert.NoError(engine.Uninitialize())

	dir, err := os.ReadDir(opts.Log.FolderPath)
	assert.NoError(err)
	var total int64
	for _, entry := range dir {
		info, err := entry.Info()
		assert.NoError(err)
		total += info.Size()
	}
	assert.Greater(total, int64(0))
}
