package silkdb

import (
	"sort"
	"sync/atomic"
	"unsafe"
)

// Masstree pages. A border (leaf) page holds up to 64 slots over one
// 8-byte slice layer; an intermediate page fans out through minipages.
// Both begin with the same fence/foster prefix so traversal code can treat
// them uniformly until it needs the body.

const (
	borderMaxKeys = 64
	// nextLayerMarker in RemainingKeyLen flags a slot that points to the
	// next layer's root instead of holding a record. Terminal for the slot.
	nextLayerMarker = 0xFFFF
	findKeyNotFound = -1

	maxIntermediateSeparators = 9  // up to 10 minipages per intermediate page
	maxMiniSeparators         = 15 // up to 16 pointers per minipage
)

// MasstreePage is the shared prefix of border and intermediate pages.
//
// size: 56
type MasstreePage struct {
	Header      PageHeader // 24
	LowFence    KeySlice   // inclusive
	HighFence   KeySlice   // exclusive unless the supremum flag is set
	FosterFence KeySlice
	foster      uint64 // VolatilePointer, atomic
}

func masstreePageOf(h *PageHeader) *MasstreePage {
	return (*MasstreePage)(unsafe.Pointer(h))
}

func (p *MasstreePage) version() *PageVersion { return &p.Header.Version }
func (p *MasstreePage) isBorder() bool        { return p.Header.Type == PageTypeMasstreeBorder }
func (p *MasstreePage) layer() int            { return int(p.Header.Layer) }

func (p *MasstreePage) loadFoster() VolatilePointer {
	return VolatilePointer(atomic.LoadUint64(&p.foster))
}

func (p *MasstreePage) storeFoster(ptr VolatilePointer) {
	atomic.StoreUint64(&p.foster, uint64(ptr))
}

// withinFences holds when the slice belongs to this page's key range.
func (p *MasstreePage) withinFences(slice KeySlice) bool {
	if slice < p.LowFence {
		return false
	}
	if p.version().Load().IsSupremum() {
		return true
	}
	return slice < p.HighFence
}

// withinFosterChild holds when a foster child exists and owns the slice.
func (p *MasstreePage) withinFosterChild(slice KeySlice) bool {
	return p.version().Load().HasFoster() && slice >= p.FosterFence
}

// collapseFoster removes the foster link once the sibling is reachable
// through the parent: the page's range shrinks to [low, foster_fence).
// Caller holds the page lock; the split counter bump on unlock sends
// every stale observation back to the layer root.
func (p *MasstreePage) collapseFoster() {
	p.HighFence = p.FosterFence
	p.storeFoster(0)
	v := p.version()
	v.SetSplitting()
	v.ClearFoster()
	v.ClearSupremum()
}

func (p *MasstreePage) initCommon(self VolatilePointer, storage StorageID, pageType PageType,
	layer int, isRoot bool, low, high KeySlice, supremum, locked bool) {
	p.Header.PageID = uint64(self)
	p.Header.StorageID = storage
	p.Header.Type = pageType
	p.Header.Layer = uint8(layer)
	p.Header.Version.init(locked, isRoot, pageType == PageTypeMasstreeBorder, supremum)
	p.LowFence = low
	p.HighFence = high
	p.FosterFence = low
	atomic.StoreUint64(&p.foster, 0)
}

// BorderPage is a Masstree leaf: fence keys, a foster pointer, an
// append-only slot array and a contiguous record area. A slot's suffix
// bytes are immutable once inserted; the owner word is the record's
// synchronization point.
type BorderPage struct {
	MasstreePage                       // 56
	DataUsed        uint16             // next free byte in Data
	pad             [6]byte            // 64
	Slices          [borderMaxKeys]KeySlice
	Owners          [borderMaxKeys]XctID
	RemainingKeyLen [borderMaxKeys]uint16
	PayloadLen      [borderMaxKeys]uint16
	Offsets         [borderMaxKeys]uint16
	Data            [PageSize - 1472]byte
}

func borderPageOf(h *PageHeader) *BorderPage {
	return (*BorderPage)(unsafe.Pointer(h))
}

func (p *BorderPage) asMasstreePage() *MasstreePage {
	return (*MasstreePage)(unsafe.Pointer(p))
}

func initBorderPage(h *PageHeader, self VolatilePointer, storage StorageID, layer int,
	isRoot bool, low, high KeySlice, supremum, locked bool) *BorderPage {
	p := borderPageOf(h)
	p.initCommon(self, storage, PageTypeMasstreeBorder, layer, isRoot, low, high, supremum, locked)
	p.DataUsed = 0
	for i := range p.RemainingKeyLen {
		p.RemainingKeyLen[i] = 0
		p.PayloadLen[i] = 0
		p.Offsets[i] = 0
		p.Slices[i] = 0
		p.Owners[i].Store(0)
	}
	return p
}

func (p *BorderPage) pointsToLayer(index int) bool {
	return p.RemainingKeyLen[index] == nextLayerMarker
}

func (p *BorderPage) suffixLen(index int) int {
	r := int(p.RemainingKeyLen[index])
	if r <= 8 {
		return 0
	}
	return r - 8
}

func (p *BorderPage) suffixAt(index int) []byte {
	n := p.suffixLen(index)
	if n == 0 {
		return nil
	}
	off := int(p.Offsets[index])
	return p.Data[off : off+n]
}

// payloadAt is the record's payload area; valid only for record slots.
func (p *BorderPage) payloadAt(index int) []byte {
	off := int(p.Offsets[index]) + align8(p.suffixLen(index))
	return p.Data[off : off+int(p.PayloadLen[index])]
}

// nextLayerAt reads the slot's layer pointer, stored at the slot's record
// offset once the slot converted.
func (p *BorderPage) nextLayerAt(index int) *DualPointer {
	return (*DualPointer)(unsafe.Pointer(&p.Data[int(p.Offsets[index])]))
}

// recordSpace reserves at least a dual pointer's worth of payload so a
// later create-next-layer conversion fits in place.
func recordSpace(remaining, payloadCount int) int {
	suffix := 0
	if remaining > 8 {
		suffix = remaining - 8
	}
	payload := payloadCount
	if payload < int(unsafe.Sizeof(DualPointer{})) {
		payload = int(unsafe.Sizeof(DualPointer{}))
	}
	return align8(suffix) + align8(payload)
}

func (p *BorderPage) canAccommodate(count, remaining, payloadCount int) bool {
	if count >= borderMaxKeys {
		return false
	}
	return int(p.DataUsed)+recordSpace(remaining, payloadCount) <= len(p.Data)
}

// reserveRecordSpace appends a new slot. Caller holds the page lock; the
// slot becomes visible only when the key count increments.
func (p *BorderPage) reserveRecordSpace(index int, owner XctIDSnap, slice KeySlice,
	suffix []byte, remaining, payloadCount int) {
	off := int(p.DataUsed)
	suffixLen := 0
	if remaining > 8 {
		suffixLen = remaining - 8
	}
	copy(p.Data[off:], suffix[:suffixLen])
	p.Slices[index] = slice
	p.RemainingKeyLen[index] = uint16(remaining)
	p.PayloadLen[index] = uint16(payloadCount)
	p.Offsets[index] = uint16(off)
	p.DataUsed = uint16(off + recordSpace(remaining, payloadCount))
	p.Owners[index].Store(owner)
}

// findKey scans slots up to count for an exact match or a matching layer
// pointer; called with a stable key count.
func (p *BorderPage) findKey(count int, slice KeySlice, suffix []byte, remaining int) int {
	for i := 0; i < count; i++ {
		if p.Slices[i] != slice {
			continue
		}
		if p.pointsToLayer(i) {
			if remaining > 8 {
				return i
			}
			continue
		}
		if int(p.RemainingKeyLen[i]) != remaining {
			continue
		}
		if remaining <= 8 || bytesEqual(p.suffixAt(i), suffix) {
			return i
		}
	}
	return findKeyNotFound
}

type findKeyMatch uint8

const (
	matchNotFound findKeyMatch = iota
	matchExactLocalRecord
	matchExactLayerPointer
	matchConflictingLocalRecord
)

// findKeyForReserve classifies the scan result for the write path. Two
// suffixed records under one slice can never coexist; that is the conflict
// that forces the next layer.
func (p *BorderPage) findKeyForReserve(from, to int, slice KeySlice, suffix []byte, remaining int) (findKeyMatch, int) {
	for i := from; i < to; i++ {
		if p.Slices[i] != slice {
			continue
		}
		if p.pointsToLayer(i) {
			if remaining > 8 {
				return matchExactLayerPointer, i
			}
			continue
		}
		slotRemaining := int(p.RemainingKeyLen[i])
		if slotRemaining == remaining &&
			(remaining <= 8 || bytesEqual(p.suffixAt(i), suffix)) {
			return matchExactLocalRecord, i
		}
		if slotRemaining > 8 && remaining > 8 {
			return matchConflictingLocalRecord, i
		}
	}
	return matchNotFound, findKeyNotFound
}

// copyRecordFrom migrates one slot during a split; the source owner word is
// held locked by the splitter.
func (p *BorderPage) copyRecordFrom(index int, src *BorderPage, srcIndex int, owner XctIDSnap) {
	if src.pointsToLayer(srcIndex) {
		p.Slices[index] = src.Slices[srcIndex]
		p.RemainingKeyLen[index] = nextLayerMarker
		p.PayloadLen[index] = 0
		off := align8(int(p.DataUsed))
		p.Offsets[index] = uint16(off)
		p.DataUsed = uint16(off + int(unsafe.Sizeof(DualPointer{})))
		dst := p.nextLayerAt(index)
		srcPtr := src.nextLayerAt(srcIndex)
		dst.SnapshotID = srcPtr.SnapshotID
		dst.StoreVolatile(srcPtr.LoadVolatile())
		p.Owners[index].Store(owner)
		return
	}
	remaining := int(src.RemainingKeyLen[srcIndex])
	payloadCount := int(src.PayloadLen[srcIndex])
	p.reserveRecordSpace(index, owner, src.Slices[srcIndex],
		src.suffixAt(srcIndex), remaining, payloadCount)
	copy(p.payloadAt(index), src.payloadAt(srcIndex))
}

// splitSlice picks the foster fence over the live slots: the median, or
// the trigger when it extends the range to the right. Capping at the
// trigger keeps the inserting key on the foster side, which is the side
// with room; the migrated-away left side is never re-split while its
// foster is pending.
func (p *BorderPage) splitSlice(count int, trigger KeySlice) KeySlice {
	slices := make([]KeySlice, 0, count)
	for i := 0; i < count; i++ {
		if p.Owners[i].Load().Moved() {
			continue
		}
		slices = append(slices, p.Slices[i])
	}
	if len(slices) == 0 {
		return trigger
	}
	sort.Slice(slices, func(i, j int) bool { return slices[i] < slices[j] })
	fence := slices[len(slices)/2]
	if trigger > slices[len(slices)-1] || trigger < fence {
		fence = trigger
	}
	if fence <= p.LowFence {
		// keep the fence strictly inside the range so parent separators
		// stay strictly ascending
		for _, s := range slices {
			if s > p.LowFence {
				return s
			}
		}
		return trigger + 1
	}
	return fence
}

// MiniPage is one second-level fanout unit of an intermediate page with its
// own version word, lock and key count.
//
// size: 384
type MiniPage struct {
	Version    PageVersion
	Separators [maxMiniSeparators]KeySlice
	Pointers   [maxMiniSeparators + 1]DualPointer
}

// findPointer picks the child for a slice given a stable key count.
// Separators within a minipage are strictly ascending.
func (m *MiniPage) findPointer(keyCount int, slice KeySlice) int {
	for i := 0; i < keyCount; i++ {
		if slice < m.Separators[i] {
			return i
		}
	}
	return keyCount
}

// IntermediatePage: fences, foster pointer and a two-level fanout of
// minipages. Minipage boundaries are strictly ascending across the outer
// level.
type IntermediatePage struct {
	MasstreePage                                       // 56
	pad          [8]byte                               // 64
	Separators   [maxIntermediateSeparators]KeySlice   // 136
	Minis        [maxIntermediateSeparators + 1]MiniPage
}

func intermediatePageOf(h *PageHeader) *IntermediatePage {
	return (*IntermediatePage)(unsafe.Pointer(h))
}

func (p *IntermediatePage) asMasstreePage() *MasstreePage {
	return (*MasstreePage)(unsafe.Pointer(p))
}

func initIntermediatePage(h *PageHeader, self VolatilePointer, storage StorageID, layer int,
	isRoot bool, low, high KeySlice, supremum, locked bool) *IntermediatePage {
	p := intermediatePageOf(h)
	p.initCommon(self, storage, PageTypeMasstreeIntermediate, layer, isRoot, low, high, supremum, locked)
	for i := range p.Minis {
		p.Minis[i].Version.init(false, false, false, false)
		for j := range p.Minis[i].Pointers {
			p.Minis[i].Pointers[j].SnapshotID = 0
			p.Minis[i].Pointers[j].StoreVolatile(0)
		}
	}
	return p
}

// findMinipage picks the minipage for a slice given the page's stable key
// count (= number of outer separators in use).
func (p *IntermediatePage) findMinipage(keyCount int, slice KeySlice) int {
	for i := 0; i < keyCount; i++ {
		if slice < p.Separators[i] {
			return i
		}
	}
	return keyCount
}
