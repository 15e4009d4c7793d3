package silkdb

import (
	"sync"
	"unsafe"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// debugPool enables the double-release free-marker; on by default in tests.
var debugPool = true

// NodePool is one node's page arena: an anonymous mmap region carved into
// 4 KiB slots with an O(1) free-list. Slot 0 is the null sentinel and is
// never handed out.
type NodePool struct {
	node  uint8
	arena []byte
	pages uint32

	mu    sync.Mutex
	free  []PoolOffset
	freed []bool // debug-only free markers, index=offset
}

func newNodePool(node uint8, pages uint32) (*NodePool, error) {
	if pages < 2 {
		return nil, errors.Errorf("node pool needs at least 2 pages, got %d", pages)
	}
	arena, err := unix.Mmap(
		-1, 0, int(pages)*PageSize,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, errors.Wrapf(err, "mmap of %d pages for node %d failed", pages, node)
	}
	p := &NodePool{
		node:  node,
		arena: arena,
		pages: pages,
		free:  make([]PoolOffset, 0, pages-1),
	}
	if debugPool {
		p.freed = make([]bool, pages)
	}
	// Hand out low offsets first; offset 0 stays reserved.
	for off := pages - 1; off >= 1; off-- {
		p.free = append(p.free, PoolOffset(off))
		if debugPool {
			p.freed[off] = true
		}
	}
	log.WithFields(log.Fields{"node": node, "pages": pages}).
		Debug("node page pool mapped")
	return p, nil
}

func (p *NodePool) close() error {
	if p.arena == nil {
		return nil
	}
	err := unix.Munmap(p.arena)
	p.arena = nil
	return errors.Wrap(err, "munmap of node pool failed")
}

// Grab returns a fresh offset. No zeroing; callers must initialize the page.
func (p *NodePool) Grab() (PoolOffset, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) == 0 {
		return 0, errors.Wrapf(ErrNoFreePages, "node %d", p.node)
	}
	off := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	if debugPool {
		p.freed[off] = false
	}
	return off, nil
}

// Release returns one page. Double-release is detected with the debug-only
// free marker.
func (p *NodePool) Release(off PoolOffset) {
	if off == 0 || uint32(off) >= p.pages {
		panic("release of an offset outside the pool")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if debugPool {
		if p.freed[off] {
			panic("double release of a pool page")
		}
		p.freed[off] = true
	}
	p.free = append(p.free, off)
}

func (p *NodePool) freeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// resolve translates a valid offset to the page address. Infallible for
// valid offsets; offset 0 or out-of-range is a caller bug.
func (p *NodePool) resolve(off PoolOffset) *PageHeader {
	if off == 0 || uint32(off) >= p.pages {
		panic("resolve of an offset outside the pool")
	}
	return (*PageHeader)(unsafe.Pointer(&p.arena[int(off)*PageSize]))
}

// PagePool groups the per-node arenas and resolves volatile pointers
// globally.
type PagePool struct {
	nodes []*NodePool
}

func newPagePool(nodeCount int, pagesPerNode uint32) (*PagePool, error) {
	pool := &PagePool{nodes: make([]*NodePool, nodeCount)}
	for n := 0; n < nodeCount; n++ {
		np, err := newNodePool(uint8(n), pagesPerNode)
		if err != nil {
			_ = pool.close()
			return nil, err
		}
		pool.nodes[n] = np
	}
	return pool, nil
}

func (p *PagePool) close() error {
	var first error
	for _, np := range p.nodes {
		if np == nil {
			continue
		}
		if err := np.close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (p *PagePool) node(n uint8) *NodePool { return p.nodes[n] }

// Resolve decomposes the pointer's node bits to pick the arena, then
// array-indexes. Resolution is infallible when the pointer is valid.
func (p *PagePool) Resolve(ptr VolatilePointer) *PageHeader {
	return p.nodes[ptr.Node()].resolve(ptr.Offset())
}

// Grab allocates on the given node and returns the combined pointer.
func (p *PagePool) Grab(node uint8, flags uint8) (VolatilePointer, *PageHeader, error) {
	off, err := p.nodes[node].Grab()
	if err != nil {
		return 0, nil, err
	}
	ptr := CombineVolatilePointer(node, flags, 0, off)
	return ptr, p.nodes[node].resolve(off), nil
}

// Release returns a single page to its owning node.
func (p *PagePool) Release(ptr VolatilePointer) {
	p.nodes[ptr.Node()].Release(ptr.Offset())
}

// GrabBatch rotates across nodes for bulk allocation, used at storage
// creation so large trees spread over every arena.
type GrabBatch struct {
	pool *PagePool
	next int
}

func (p *PagePool) NewGrabBatch() *GrabBatch {
	return &GrabBatch{pool: p}
}

func (b *GrabBatch) Grab() (VolatilePointer, *PageHeader, error) {
	start := b.next
	for {
		node := uint8(b.next % len(b.pool.nodes))
		b.next++
		ptr, page, err := b.pool.Grab(node, 0)
		if err == nil {
			return ptr, page, nil
		}
		if !errors.Is(err, ErrNoFreePages) {
			return 0, nil, err
		}
		if b.next-start >= len(b.pool.nodes) {
			return 0, nil, err
		}
	}
}

// ReleaseBatch collects pages and returns them to their owning nodes in one
// pass, amortizing the per-node lock. The caller must have retired every
// reference first.
type ReleaseBatch struct {
	pool    *PagePool
	pending []VolatilePointer
}

func (p *PagePool) NewReleaseBatch() *ReleaseBatch {
	return &ReleaseBatch{pool: p}
}

func (b *ReleaseBatch) Add(ptr VolatilePointer) {
	if ptr.IsNull() {
		return
	}
	b.pending = append(b.pending, ptr)
}

func (b *ReleaseBatch) ReleaseAll() {
	for _, ptr := range b.pending {
		b.pool.Release(ptr)
	}
	b.pending = b.pending[:0]
}
