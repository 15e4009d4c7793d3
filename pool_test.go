package silkdb

import (
	"testing"

	"github.com/pkg/errors"
	assertion "github.com/stretchr/testify/assert"
)

func TestNodePoolGrabRelease(t *testing.T) {
	assert := assertion.New(t)
	pool, err := newNodePool(0, 16)
	assert.NoError(err)
	defer pool.close()

	seen := map[PoolOffset]bool{}
	for i := 0; i < 15; i++ {
		off, err := pool.Grab()
		assert.NoError(err)
		assert.NotEqual(PoolOffset(0), off)
		assert.False(seen[off])
		seen[off] = true
	}
	// offset 0 is reserved; 15 usable slots in a 16-page arena
	_, err = pool.Grab()
	assert.True(errors.Is(err, ErrNoFreePages))

	for off := range seen {
		pool.Release(off)
	}
	assert.Equal(15, pool.freeCount())
}

func TestNodePoolDoubleReleasePanics(t *testing.T) {
	assert := assertion.New(t)
	pool, err := newNodePool(0, 8)
	assert.NoError(err)
	defer pool.close()
	off, err := pool.Grab()
	assert.NoError(err)
	pool.Release(off)
	assert.Panics(func() { pool.Release(off) })
}

func TestPagePoolResolve(t *testing.T) {
	assert := assertion.New(t)
	pool, err := newPagePool(2, 16)
	assert.NoError(err)
	defer pool.close()

	ptr, header, err := pool.Grab(1, 0)
	assert.NoError(err)
	assert.Equal(uint8(1), ptr.Node())
	header.StorageID = 7
	header.Type = PageTypeArrayLeaf
	resolved := pool.Resolve(ptr)
	assert.Equal(StorageID(7), resolved.StorageID)
	assert.Equal(PageTypeArrayLeaf, resolved.Type)
}

func TestGrabBatchRoundRobin(t *testing.T) {
	assert := assertion.New(t)
	pool, err := newPagePool(2, 16)
	assert.NoError(err)
	defer pool.close()

	batch := pool.NewGrabBatch()
	nodes := map[uint8]int{}
	for i := 0; i < 8; i++ {
		ptr, _, err := batch.Grab()
		assert.NoError(err)
		nodes[ptr.Node()]++
	}
	assert.Equal(4, nodes[0])
	assert.Equal(4, nodes[1])
}

func TestReleaseBatch(t *testing.T) {
	assert := assertion.New(t)
	pool, err := newPagePool(1, 16)
	assert.NoError(err)
	defer pool.close()

	batch := pool.NewReleaseBatch()
	for i := 0; i < 5; i++ {
		ptr, _, err := pool.Grab(0, 0)
		assert.NoError(err)
		batch.Add(ptr)
	}
	assert.Equal(10, pool.node(0).freeCount())
	batch.ReleaseAll()
	assert.Equal(15, pool.node(0).freeCount())
}

func TestVolatilePointerEncoding(t *testing.T) {
	assert := assertion.New(t)
	ptr := CombineVolatilePointer(3, VolatileFlagSwappable, 9, 1234)
	assert.Equal(uint8(3), ptr.Node())
	assert.True(ptr.IsSwappable())
	assert.Equal(uint16(9), ptr.ModCount())
	assert.Equal(PoolOffset(1234), ptr.Offset())
	assert.False(ptr.IsNull())

	stripped := ptr.withoutFlags()
	assert.Equal(uint8(3), stripped.Node())
	assert.False(stripped.IsSwappable())
	assert.Equal(uint16(0), stripped.ModCount())
	assert.Equal(PoolOffset(1234), stripped.Offset())
}
