package silkdb

import (
	"encoding/binary"
	"sync"
	"sync/atomic"
	"testing"

	assertion "github.com/stretchr/testify/assert"
)

// Two workers hammer the tree with keys that keep forcing foster splits up
// to the root; after quiescence the tree must be well-formed and hold
// exactly the committed records.
func TestMasstreeConcurrentGrow(t *testing.T) {
	assert := assertion.New(t)
	engine := testEngine(t)
	var tree *MasstreeStorage
	err := engine.Impersonate(func(th *Thread) error {
		var cerr error
		tree, _, cerr = engine.StorageManager().CreateMasstree(th, "grow")
		return cerr
	})
	assert.NoError(err)

	const workers = 2
	const perWorker = 1500
	var committed uint64
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		worker := uint64(w)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = engine.Impersonate(func(th *Thread) error {
				for i := uint64(0); i < perWorker; i++ {
					// golden-ratio scrambling spreads slices over the space
					key := NormalizePrimitive((worker*perWorker + i) * 0x9E3779B97F4A7C15)
					var payload [8]byte
					binary.LittleEndian.PutUint64(payload[:], worker<<32|i)
					// root swaps and splits surface as transient conflicts;
					// retry until the distinct key commits
					for attempt := 0; attempt < 1000; attempt++ {
						if err := th.BeginXct(Serializable); err != nil {
							return err
						}
						if err := tree.InsertRecordNormalized(th, key, payload[:]); err != nil {
							_ = th.AbortXct()
							continue
						}
						if _, err := th.PrecommitXct(); err != nil {
							continue
						}
						atomic.AddUint64(&committed, 1)
						break
					}
				}
				return nil
			})
		}()
	}
	wg.Wait()

	assert.NoError(tree.Verify())
	assert.Equal(int(atomic.LoadUint64(&committed)), tree.Count())
	// distinct keys: every insert should have committed
	assert.Equal(uint64(workers*perWorker), atomic.LoadUint64(&committed))
}

// A writer committing between a reader's read and its precommit must make
// the reader's validation fail, leaving no durable change from the loser.
func TestXctConflictAbort(t *testing.T) {
	assert := assertion.New(t)
	engine := testEngine(t)
	var tree *MasstreeStorage
	err := engine.Impersonate(func(th *Thread) error {
		var cerr error
		tree, _, cerr = engine.StorageManager().CreateMasstree(th, "conflict")
		return cerr
	})
	assert.NoError(err)

	key := NormalizePrimitive(42)
	err = engine.Impersonate(func(th *Thread) error {
		if err := th.BeginXct(Serializable); err != nil {
			return err
		}
		var payload [8]byte
		binary.LittleEndian.PutUint64(payload[:], 1)
		if err := tree.InsertRecordNormalized(th, key, payload[:]); err != nil {
			return err
		}
		_, err := th.PrecommitXct()
		return err
	})
	assert.NoError(err)

	err = engine.Impersonate(func(x *Thread) error {
		if err := x.BeginXct(Serializable); err != nil {
			return err
		}
		// X reads K and stages its own overwrite
		if _, err := MasstreeGetRecordPrimitiveNormalized[uint64](x, tree, key, 0); err != nil {
			return err
		}
		if err := MasstreeOverwriteRecordPrimitive(x, tree, sliceBytesOf(key), uint64(100), 0); err != nil {
			return err
		}

		// Y commits an overwrite of K in between
		yerr := engine.Impersonate(func(y *Thread) error {
			if err := y.BeginXct(Serializable); err != nil {
				return err
			}
			if err := MasstreeOverwriteRecordPrimitive(y, tree, sliceBytesOf(key), uint64(200), 0); err != nil {
				return err
			}
			_, err := y.PrecommitXct()
			return err
		})
		assert.NoError(yerr)

		// X's precommit must fail validation
		_, err := x.PrecommitXct()
		assert.Equal(CodeConflict, CodeOf(err))
		return nil
	})
	assert.NoError(err)

	// the loser left no change behind
	err = engine.Impersonate(func(th *Thread) error {
		if err := th.BeginXct(Serializable); err != nil {
			return err
		}
		got, err := MasstreeGetRecordPrimitiveNormalized[uint64](th, tree, key, 0)
		if err != nil {
			return err
		}
		assert.Equal(uint64(200), got)
		_, err = th.PrecommitXct()
		return err
	})
	assert.NoError(err)
}

// sliceBytesOf adapts a normalized key for the byte-key overwrite form.
func sliceBytesOf(key KeySlice) []byte {
	b := sliceBytes(key)
	return b[:]
}
