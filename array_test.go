package silkdb

import (
	"testing"

	assertion "github.com/stretchr/testify/assert"
)

func TestArrayCreateGeometry(t *testing.T) {
	assert := assertion.New(t)
	// 8-byte payload: record = 8 owner + 8 payload; one leaf holds 253
	levels, intervals := arrayLevels(16, 8)
	assert.Equal(1, levels)
	assert.Equal(uint64(253), intervals[0])

	levels, intervals = arrayLevels(60000, 8)
	assert.Equal(2, levels)
	assert.Equal(uint64(253), intervals[0])
	assert.Equal(uint64(253*253), intervals[1])

	levels, _ = arrayLevels(100000, 8)
	assert.Equal(3, levels)
}

func TestArrayOverwriteAndRead(t *testing.T) {
	assert := assertion.New(t)
	engine := testEngine(t)

	var array *ArrayStorage
	err := engine.Impersonate(func(th *Thread) error {
		var cerr error
		array, _, cerr = engine.StorageManager().CreateArray(th, "test_array", 8, 16)
		return cerr
	})
	assert.NoError(err)
	assert.True(array.IsInitialized())
	assert.Equal(uint16(8), array.PayloadSize())
	assert.Equal(uint64(16), array.ArraySize())

	err = engine.Impersonate(func(th *Thread) error {
		if err := th.BeginXct(Serializable); err != nil {
			return err
		}
		if err := ArrayOverwriteRecordPrimitive(th, array, 3, uint64(0x1234), 0); err != nil {
			return err
		}
		_, err := th.PrecommitXct()
		return err
	})
	assert.NoError(err)

	err = engine.Impersonate(func(th *Thread) error {
		if err := th.BeginXct(Serializable); err != nil {
			return err
		}
		got, err := ArrayGetRecordPrimitive[uint64](th, array, 3, 0)
		if err != nil {
			return err
		}
		assert.Equal(uint64(0x1234), got)
		_, err = th.PrecommitXct()
		return err
	})
	assert.NoError(err)
}

func TestArrayIncrement(t *testing.T) {
	assert := assertion.New(t)
	engine := testEngine(t)

	var array *ArrayStorage
	err := engine.Impersonate(func(th *Thread) error {
		var cerr error
		array, _, cerr = engine.StorageManager().CreateArray(th, "inc_array", 8, 8)
		return cerr
	})
	assert.NoError(err)

	err = engine.Impersonate(func(th *Thread) error {
		if err := th.BeginXct(Serializable); err != nil {
			return err
		}
		if err := ArrayOverwriteRecordPrimitive(th, array, 2, uint64(40), 0); err != nil {
			return err
		}
		_, err := th.PrecommitXct()
		return err
	})
	assert.NoError(err)

	err = engine.Impersonate(func(th *Thread) error {
		if err := th.BeginXct(Serializable); err != nil {
			return err
		}
		next, err := ArrayIncrementRecord(th, array, 2, uint64(2), 0)
		if err != nil {
			return err
		}
		assert.Equal(uint64(42), next)
		_, err = th.PrecommitXct()
		return err
	})
	assert.NoError(err)

	// increment by zero bumps only the owner id
	err = engine.Impersonate(func(th *Thread) error {
		if err := th.BeginXct(Serializable); err != nil {
			return err
		}
		next, err := ArrayIncrementRecord(th, array, 2, uint64(0), 0)
		if err != nil {
			return err
		}
		assert.Equal(uint64(42), next)
		_, err = th.PrecommitXct()
		return err
	})
	assert.NoError(err)

	err = engine.Impersonate(func(th *Thread) error {
		if err := th.BeginXct(Serializable); err != nil {
			return err
		}
		got, err := ArrayGetRecordPrimitive[uint64](th, array, 2, 0)
		if err != nil {
			return err
		}
		assert.Equal(uint64(42), got)
		_, err = th.PrecommitXct()
		return err
	})
	assert.NoError(err)
}

func TestArrayBounds(t *testing.T) {
	assert := assertion.New(t)
	engine := testEngine(t)

	var array *ArrayStorage
	err := engine.Impersonate(func(th *Thread) error {
		var cerr error
		array, _, cerr = engine.StorageManager().CreateArray(th, "bounds_array", 8, 4)
		return cerr
	})
	assert.NoError(err)

	err = engine.Impersonate(func(th *Thread) error {
		if err := th.BeginXct(Serializable); err != nil {
			return err
		}
		defer func() { _ = th.AbortXct() }()

		// offset beyond the array
		var buf [8]byte
		err := array.GetRecord(th, 99, buf[:], 0)
		assert.Equal(CodeNotFound, CodeOf(err))

		// read past the payload
		err = array.GetRecord(th, 1, buf[:], 4)
		assert.Equal(CodeTooShortPayload, CodeOf(err))

		// write past the payload
		err = array.OverwriteRecord(th, 1, buf[:], 4)
		assert.Equal(CodeTooShortPayload, CodeOf(err))
		return nil
	})
	assert.NoError(err)
}

func TestArrayMultiLevel(t *testing.T) {
	assert := assertion.New(t)
	engine := testEngine(t)

	var array *ArrayStorage
	err := engine.Impersonate(func(th *Thread) error {
		var cerr error
		// two levels: more offsets than one leaf holds
		array, _, cerr = engine.StorageManager().CreateArray(th, "two_level", 8, 1000)
		return cerr
	})
	assert.NoError(err)
	assert.Equal(2, array.Levels())

	offsets := []uint64{0, 252, 253, 999}
	err = engine.Impersonate(func(th *Thread) error {
		if err := th.BeginXct(Serializable); err != nil {
			return err
		}
		for _, off := range offsets {
			if err := ArrayOverwriteRecordPrimitive(th, array, off, off+1, 0); err != nil {
				return err
			}
		}
		_, err := th.PrecommitXct()
		return err
	})
	assert.NoError(err)

	err = engine.Impersonate(func(th *Thread) error {
		if err := th.BeginXct(Serializable); err != nil {
			return err
		}
		for _, off := range offsets {
			got, err := ArrayGetRecordPrimitive[uint64](th, array, off, 0)
			if err != nil {
				return err
			}
			assert.Equal(off+1, got)
		}
		_, err := th.PrecommitXct()
		return err
	})
	assert.NoError(err)
}
