package silkdb

import (
	assertion "github.com/stretchr/testify/assert"
	"testing"
)

func TestXctIDFields(t *testing.T) {
	assert := assertion.New(t)
	id := makeXctID(Epoch(7), 42, true)
	assert.Equal(Epoch(7), id.Epoch())
	assert.Equal(uint32(42), id.Ordinal())
	assert.True(id.Deleted())
	assert.False(id.Locked())
	assert.False(id.Moved())
}

func TestXctIDMonotonicity(t *testing.T) {
	assert := assertion.New(t)
	// (epoch2, ordinal2) > (epoch1, ordinal1) lexicographically
	assert.True(makeXctID(2, 1, false).After(makeXctID(1, 99, false)))
	assert.True(makeXctID(2, 5, false).After(makeXctID(2, 4, false)))
	assert.False(makeXctID(2, 4, false).After(makeXctID(2, 4, false)))
	assert.False(makeXctID(1, 9, false).After(makeXctID(2, 0, false)))
}

func TestXctIDEqualsIgnoringLock(t *testing.T) {
	assert := assertion.New(t)
	var x XctID
	x.Store(makeXctID(3, 8, false))
	observed := x.Load()
	locked := x.Lock()
	assert.True(locked.Locked())
	assert.True(locked.EqualsIgnoringLock(observed))
	x.Unlock()
	assert.True(x.Load().EqualsIgnoringLock(observed))
	x.Store(makeXctID(3, 9, false))
	assert.False(x.Load().EqualsIgnoringLock(observed))
}

func TestXctIDBumpOrdinal(t *testing.T) {
	assert := assertion.New(t)
	id := makeXctID(5, 10, false)
	bumped := id.bumpOrdinal()
	assert.Equal(Epoch(5), bumped.Epoch())
	assert.Equal(uint32(11), bumped.Ordinal())

	// ordinal overflow wraps into the next epoch
	top := makeXctID(5, uint32(xidOrdinal), false)
	wrapped := top.bumpOrdinal()
	assert.Equal(Epoch(6), wrapped.Epoch())
	assert.Equal(uint32(0), wrapped.Ordinal())
}

func TestXctIDMovedFlag(t *testing.T) {
	assert := assertion.New(t)
	var x XctID
	x.Store(makeXctID(1, 1, false))
	x.SetMoved()
	snap := x.Load()
	assert.True(snap.Moved())
	assert.Equal(Epoch(1), snap.Epoch())
}
