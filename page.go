package silkdb

import (
	"sync/atomic"
	"unsafe"
)

const (
	// PageSize is the fixed size of every page slot in the pool arenas.
	PageSize = 4096
)

// StorageID identifies a storage; dense small integers assigned by the
// registry. 0 is invalid.
type StorageID uint32

type PageType uint8

const (
	PageTypeUnknown PageType = iota
	PageTypeArrayLeaf
	PageTypeArrayInterior
	PageTypeMasstreeBorder
	PageTypeMasstreeIntermediate
)

// PageHeader sits at the beginning of every page. Type and StorageID never
// change after initialization; Version is the page's sole synchronization
// point.
//
// size: 24, aligned: 8
type PageHeader struct {
	PageID    uint64 // the page's own volatile pointer word
	StorageID StorageID
	Type      PageType
	Layer     uint8
	reserved  uint16
	Version   PageVersion
}

// PoolOffset is a compact page slot index within one node arena. Offset 0
// denotes "no page" and is never handed out.
type PoolOffset uint32

// VolatilePointer packs (node, flags, mod count, offset) into one word so a
// pointer capture is a single atomic load.
//
// layout: [node 8][flags 8][mod_count 16][offset 32]
type VolatilePointer uint64

// VolatileFlagSwappable marks pointers that a root grow may CAS; readers
// capturing one must add it to the pointer-set.
const VolatileFlagSwappable uint8 = 0x02

func CombineVolatilePointer(node uint8, flags uint8, modCount uint16, offset PoolOffset) VolatilePointer {
	return VolatilePointer(uint64(node)<<56 | uint64(flags)<<48 | uint64(modCount)<<32 | uint64(offset))
}

func (p VolatilePointer) Node() uint8        { return uint8(p >> 56) }
func (p VolatilePointer) Flags() uint8       { return uint8(p >> 48) }
func (p VolatilePointer) ModCount() uint16   { return uint16(p >> 32) }
func (p VolatilePointer) Offset() PoolOffset { return PoolOffset(p & 0xFFFFFFFF) }
func (p VolatilePointer) IsNull() bool       { return p.Offset() == 0 }

func (p VolatilePointer) IsSwappable() bool {
	return p.Flags()&VolatileFlagSwappable != 0
}

// withoutFlags strips flags and mod count, the form stored inside interior
// pages where staleness is tracked by page versions instead.
func (p VolatilePointer) withoutFlags() VolatilePointer {
	return p & 0xFF000000FFFFFFFF
}

// DualPointer pairs a snapshot page ID with a volatile page reference.
// Either may be null; at least one is non-null for reachable pages.
//
// size: 16
type DualPointer struct {
	SnapshotID uint64
	volatile   uint64
}

func (dp *DualPointer) LoadVolatile() VolatilePointer {
	return VolatilePointer(atomic.LoadUint64(&dp.volatile))
}

func (dp *DualPointer) StoreVolatile(p VolatilePointer) {
	atomic.StoreUint64(&dp.volatile, uint64(p))
}

func (dp *DualPointer) CASVolatile(old, next VolatilePointer) bool {
	return atomic.CompareAndSwapUint64(&dp.volatile, uint64(old), uint64(next))
}

// volatileWordAddr exposes the raw word for pointer-set bookkeeping.
func (dp *DualPointer) volatileWordAddr() *uint64 { return &dp.volatile }

func (dp *DualPointer) IsBothNull() bool {
	return dp.SnapshotID == 0 && dp.LoadVolatile().IsNull()
}

// pageBytes views the whole 4 KiB slot behind a header, for snapshot
// writers.
func pageBytes(h *PageHeader) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(h)), PageSize)
}

func align8(v int) int { return (v + 7) &^ 7 }
