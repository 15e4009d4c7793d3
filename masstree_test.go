package silkdb

import (
	"encoding/binary"
	"testing"

	assertion "github.com/stretchr/testify/assert"
)

func TestMasstreeCreate(t *testing.T) {
	assert := assertion.New(t)
	engine := testEngine(t)
	var tree *MasstreeStorage
	err := engine.Impersonate(func(th *Thread) error {
		var cerr error
		tree, _, cerr = engine.StorageManager().CreateMasstree(th, "test")
		return cerr
	})
	assert.NoError(err)
	assert.NotNil(tree)
	assert.True(tree.IsInitialized())
	assert.NoError(tree.Verify())
}

func TestMasstreeInsertAndRead(t *testing.T) {
	assert := assertion.New(t)
	engine := testEngine(t)
	var tree *MasstreeStorage
	err := engine.Impersonate(func(th *Thread) error {
		var cerr error
		tree, _, cerr = engine.StorageManager().CreateMasstree(th, "ggg")
		return cerr
	})
	assert.NoError(err)

	key := NormalizePrimitive(12345)
	value := uint64(897565433333126)

	err = engine.Impersonate(func(th *Thread) error {
		if err := th.BeginXct(Serializable); err != nil {
			return err
		}
		var payload [8]byte
		binary.LittleEndian.PutUint64(payload[:], value)
		if err := tree.InsertRecordNormalized(th, key, payload[:]); err != nil {
			return err
		}
		epoch, err := th.PrecommitXct()
		if err != nil {
			return err
		}
		th.WaitForCommit(epoch)
		return nil
	})
	assert.NoError(err)

	err = engine.Impersonate(func(th *Thread) error {
		if err := th.BeginXct(Serializable); err != nil {
			return err
		}
		var buf [16]byte
		n, err := tree.GetRecordNormalized(th, key, buf[:])
		if err != nil {
			return err
		}
		assert.Equal(8, n)
		assert.Equal(value, binary.LittleEndian.Uint64(buf[:8]))
		_, err = th.PrecommitXct()
		return err
	})
	assert.NoError(err)
}

func TestMasstreeOverwriteThenRead(t *testing.T) {
	assert := assertion.New(t)
	engine := testEngine(t)
	var tree *MasstreeStorage
	err := engine.Impersonate(func(th *Thread) error {
		var cerr error
		tree, _, cerr = engine.StorageManager().CreateMasstree(th, "ggg")
		return cerr
	})
	assert.NoError(err)

	key := NormalizePrimitive(12345)
	err = engine.Impersonate(func(th *Thread) error {
		if err := th.BeginXct(Serializable); err != nil {
			return err
		}
		var payload [8]byte
		binary.LittleEndian.PutUint64(payload[:], 897565433333126)
		if err := tree.InsertRecordNormalized(th, key, payload[:]); err != nil {
			return err
		}
		if _, err := th.PrecommitXct(); err != nil {
			return err
		}

		if err := th.BeginXct(Serializable); err != nil {
			return err
		}
		var second [8]byte
		binary.LittleEndian.PutUint64(second[:], 321654987)
		if err := tree.OverwriteRecordNormalized(th, key, second[:], 0); err != nil {
			return err
		}
		if _, err := th.PrecommitXct(); err != nil {
			return err
		}

		if err := th.BeginXct(Serializable); err != nil {
			return err
		}
		got, err := MasstreeGetRecordPrimitiveNormalized[uint64](th, tree, key, 0)
		if err != nil {
			return err
		}
		assert.Equal(uint64(321654987), got)
		epoch, err := th.PrecommitXct()
		if err != nil {
			return err
		}
		th.WaitForCommit(epoch)
		return nil
	})
	assert.NoError(err)
}

func TestMasstreeNotFound(t *testing.T) {
	assert := assertion.New(t)
	engine := testEngine(t)
	var tree *MasstreeStorage
	err := engine.Impersonate(func(th *Thread) error {
		var cerr error
		tree, _, cerr = engine.StorageManager().CreateMasstree(th, "test2")
		return cerr
	})
	assert.NoError(err)

	err = engine.Impersonate(func(th *Thread) error {
		if err := th.BeginXct(Serializable); err != nil {
			return err
		}
		key := make([]byte, 100)
		buf := make([]byte, 16)
		_, err := tree.GetRecord(th, key, buf)
		assert.Equal(CodeNotFound, CodeOf(err))
		_, err = th.PrecommitXct()
		return err
	})
	assert.NoError(err)
}

func TestMasstreeDelete(t *testing.T) {
	assert := assertion.New(t)
	engine := testEngine(t)
	var tree *MasstreeStorage
	err := engine.Impersonate(func(th *Thread) error {
		var cerr error
		tree, _, cerr = engine.StorageManager().CreateMasstree(th, "del")
		return cerr
	})
	assert.NoError(err)

	key := NormalizePrimitive(777)
	err = engine.Impersonate(func(th *Thread) error {
		if err := th.BeginXct(Serializable); err != nil {
			return err
		}
		if err := tree.InsertRecordNormalized(th, key, []byte("12345678")); err != nil {
			return err
		}
		if _, err := th.PrecommitXct(); err != nil {
			return err
		}

		if err := th.BeginXct(Serializable); err != nil {
			return err
		}
		if err := tree.DeleteRecordNormalized(th, key); err != nil {
			return err
		}
		if _, err := th.PrecommitXct(); err != nil {
			return err
		}

		if err := th.BeginXct(Serializable); err != nil {
			return err
		}
		var buf [8]byte
		_, err := tree.GetRecordNormalized(th, key, buf[:])
		assert.Equal(CodeNotFound, CodeOf(err))
		_, err2 := th.PrecommitXct()
		return err2
	})
	assert.NoError(err)
	assert.Equal(0, tree.Count())
}

func TestMasstreeInsertDuplicate(t *testing.T) {
	assert := assertion.New(t)
	engine := testEngine(t)
	var tree *MasstreeStorage
	err := engine.Impersonate(func(th *Thread) error {
		var cerr error
		tree, _, cerr = engine.StorageManager().CreateMasstree(th, "dup")
		return cerr
	})
	assert.NoError(err)

	key := NormalizePrimitive(5)
	err = engine.Impersonate(func(th *Thread) error {
		if err := th.BeginXct(Serializable); err != nil {
			return err
		}
		if err := tree.InsertRecordNormalized(th, key, []byte("aaaaaaaa")); err != nil {
			return err
		}
		if _, err := th.PrecommitXct(); err != nil {
			return err
		}

		if err := th.BeginXct(Serializable); err != nil {
			return err
		}
		err := tree.InsertRecordNormalized(th, key, []byte("bbbbbbbb"))
		assert.Equal(CodeAlreadyExists, CodeOf(err))
		return th.AbortXct()
	})
	assert.NoError(err)
}

func TestMasstreeBufferTooSmall(t *testing.T) {
	assert := assertion.New(t)
	engine := testEngine(t)
	var tree *MasstreeStorage
	err := engine.Impersonate(func(th *Thread) error {
		var cerr error
		tree, _, cerr = engine.StorageManager().CreateMasstree(th, "small")
		return cerr
	})
	assert.NoError(err)

	key := NormalizePrimitive(9)
	err = engine.Impersonate(func(th *Thread) error {
		if err := th.BeginXct(Serializable); err != nil {
			return err
		}
		if err := tree.InsertRecordNormalized(th, key, []byte("0123456789abcdef")); err != nil {
			return err
		}
		if _, err := th.PrecommitXct(); err != nil {
			return err
		}

		if err := th.BeginXct(Serializable); err != nil {
			return err
		}
		var buf [4]byte
		n, err := tree.GetRecordNormalized(th, key, buf[:])
		assert.Equal(CodeBufferTooSmall, CodeOf(err))
		assert.Equal(16, n)
		return th.AbortXct()
	})
	assert.NoError(err)
}

// Key lengths around the slice boundary: exactly 8, exactly 9 (forces a
// next layer under a shared slice), and the configured maximum.
func TestMasstreeKeyLengthBoundaries(t *testing.T) {
	assert := assertion.New(t)
	engine := testEngine(t)
	var tree *MasstreeStorage
	err := engine.Impersonate(func(th *Thread) error {
		var cerr error
		tree, _, cerr = engine.StorageManager().CreateMasstree(th, "layers")
		return cerr
	})
	assert.NoError(err)

	key8 := []byte("exactly8")
	key9a := []byte("exactly8A")
	key9b := []byte("exactly8B")
	keyMax := make([]byte, MaxKeyLength)
	copy(keyMax, "exactly8")
	for i := 8; i < len(keyMax); i++ {
		keyMax[i] = byte(i % 251)
	}

	err = engine.Impersonate(func(th *Thread) error {
		for i, key := range [][]byte{key8, key9a, key9b, keyMax} {
			if err := th.BeginXct(Serializable); err != nil {
				return err
			}
			payload := []byte{byte(i), 0, 0, 0, 0, 0, 0, 0}
			if err := tree.InsertRecord(th, key, payload); err != nil {
				return err
			}
			if _, err := th.PrecommitXct(); err != nil {
				return err
			}
		}
		return nil
	})
	assert.NoError(err)
	assert.NoError(tree.Verify())
	assert.Equal(4, tree.Count())

	err = engine.Impersonate(func(th *Thread) error {
		if err := th.BeginXct(Serializable); err != nil {
			return err
		}
		for i, key := range [][]byte{key8, key9a, key9b, keyMax} {
			var buf [8]byte
			n, err := tree.GetRecord(th, key, buf[:])
			if err != nil {
				return err
			}
			assert.Equal(8, n)
			assert.Equal(byte(i), buf[0])
		}
		_, err := th.PrecommitXct()
		return err
	})
	assert.NoError(err)
}

// Fill a border page past its slot capacity to force a foster split, then
// verify both children accept subsequent inserts and everything reads
// back in key order.
func TestMasstreeSplitAndOrderedWalk(t *testing.T) {
	assert := assertion.New(t)
	engine := testEngine(t)
	var tree *MasstreeStorage
	err := engine.Impersonate(func(th *Thread) error {
		var cerr error
		tree, _, cerr = engine.StorageManager().CreateMasstree(th, "split")
		return cerr
	})
	assert.NoError(err)

	const total = 300
	err = engine.Impersonate(func(th *Thread) error {
		for i := 0; i < total; i++ {
			if err := th.BeginXct(Serializable); err != nil {
				return err
			}
			// scrambled order exercises splits on both sides
			key := NormalizePrimitive(uint64(i*7919) % 100000)
			var payload [8]byte
			binary.LittleEndian.PutUint64(payload[:], uint64(i))
			if err := tree.InsertRecordNormalized(th, key, payload[:]); err != nil {
				return err
			}
			if _, err := th.PrecommitXct(); err != nil {
				return err
			}
		}
		return nil
	})
	assert.NoError(err)

	assert.NoError(tree.Verify())
	assert.Equal(total, tree.Count())

	var keys []uint64
	tree.WalkRecords(func(key, payload []byte) bool {
		assert.Equal(8, len(key))
		keys = append(keys, binary.BigEndian.Uint64(key))
		return true
	})
	assert.Equal(total, len(keys))
	for i := 1; i < len(keys); i++ {
		assert.Less(keys[i-1], keys[i])
	}

	// read a sample back transactionally
	err = engine.Impersonate(func(th *Thread) error {
		if err := th.BeginXct(Serializable); err != nil {
			return err
		}
		for i := 0; i < total; i += 37 {
			key := NormalizePrimitive(uint64(i*7919) % 100000)
			got, err := MasstreeGetRecordPrimitiveNormalized[uint64](th, tree, key, 0)
			if err != nil {
				return err
			}
			assert.Equal(uint64(i), got)
		}
		_, err := th.PrecommitXct()
		return err
	})
	assert.NoError(err)
}
