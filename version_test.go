package silkdb

import (
	assertion "github.com/stretchr/testify/assert"
	"testing"
)

func TestVersionFlags(t *testing.T) {
	assert := assertion.New(t)
	var v PageVersion
	v.init(false, true, true, true)
	snap := v.Load()
	assert.False(snap.Locked())
	assert.True(snap.IsRoot())
	assert.True(snap.IsBorder())
	assert.True(snap.IsSupremum())
	assert.Equal(0, snap.KeyCount())
	assert.Equal(uint32(0), snap.SplitCounter())
}

func TestVersionLockUnlockCounters(t *testing.T) {
	assert := assertion.New(t)
	var v PageVersion
	v.init(false, false, true, false)

	v.Lock()
	assert.True(v.Load().Locked())
	v.SetInsertingAndIncrementKeyCount()
	assert.Equal(1, v.Load().KeyCount())
	v.Unlock()
	snap := v.Load()
	assert.False(snap.Locked())
	assert.False(snap.Inserting())
	assert.Equal(1, snap.InsertCounter())
	assert.Equal(uint32(0), snap.SplitCounter())

	v.Lock()
	v.SetSplitting()
	v.Unlock()
	snap = v.Load()
	assert.Equal(uint32(1), snap.SplitCounter())
	assert.False(snap.Splitting())
}

func TestVersionDiffRule(t *testing.T) {
	assert := assertion.New(t)
	var v PageVersion
	v.init(false, false, true, false)
	before := v.Load()

	// only the lock bit differing is not a meaningful change
	v.Lock()
	assert.False(v.Load().DiffersBeyondLock(before))
	v.SetInsertingAndIncrementKeyCount()
	assert.True(v.Load().DiffersBeyondLock(before))
	v.Unlock()
	assert.True(v.Load().DiffersBeyondLock(before))
}

func TestVersionStableSkipsLock(t *testing.T) {
	assert := assertion.New(t)
	var v PageVersion
	v.init(false, false, false, false)
	v.Lock()
	done := make(chan VersionSnap)
	go func() {
		done <- v.Stable()
	}()
	v.SetKeyCount(3)
	v.Unlock()
	snap := <-done
	assert.False(snap.Locked())
	assert.Equal(3, snap.KeyCount())
}
