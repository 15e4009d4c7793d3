package silkdb

import (
	"unsafe"
)

// Array pages: a leaf holds sequential records, each an owner word plus an
// 8-aligned payload; an interior holds a fixed fanout of dual pointers plus
// the covered offset range.

const (
	arrayPageHeaderSize = 48
	arrayPageDataSize   = PageSize - arrayPageHeaderSize
	// arrayInteriorFanout children per interior page.
	arrayInteriorFanout = arrayPageDataSize / int(unsafe.Sizeof(DualPointer{}))
	// arrayRecordOverhead is the owner word in front of each payload.
	arrayRecordOverhead = int(unsafe.Sizeof(XctID{}))
)

// ArrayRange is the half-open offset range a page covers.
type ArrayRange struct {
	Begin, End uint64
}

func (r ArrayRange) Contains(offset uint64) bool {
	return offset >= r.Begin && offset < r.End
}

type ArrayPage struct {
	Header      PageHeader
	Range       ArrayRange
	PayloadSize uint16
	pad         [6]byte
	Data        [arrayPageDataSize]byte
}

func arrayPageOf(h *PageHeader) *ArrayPage {
	return (*ArrayPage)(unsafe.Pointer(h))
}

func (p *ArrayPage) isLeaf() bool { return p.Header.Type == PageTypeArrayLeaf }

func (p *ArrayPage) recordSize() int {
	return arrayRecordOverhead + align8(int(p.PayloadSize))
}

// arrayLeafRecords is how many records one leaf holds for a payload size.
func arrayLeafRecords(payloadSize uint16) int {
	return arrayPageDataSize / (arrayRecordOverhead + align8(int(payloadSize)))
}

func (p *ArrayPage) ownerAt(index int) *XctID {
	return (*XctID)(unsafe.Pointer(&p.Data[index*p.recordSize()]))
}

func (p *ArrayPage) payloadAt(index int) []byte {
	base := index*p.recordSize() + arrayRecordOverhead
	return p.Data[base : base+int(p.PayloadSize)]
}

func (p *ArrayPage) childAt(index int) *DualPointer {
	return (*DualPointer)(unsafe.Pointer(&p.Data[index*int(unsafe.Sizeof(DualPointer{}))]))
}

// initArrayPage sets up a freshly grabbed page; the page is not yet
// published so plain stores suffice.
func initArrayPage(h *PageHeader, self VolatilePointer, storage StorageID, leaf bool,
	level uint8, payloadSize uint16, rng ArrayRange, initialEpoch Epoch) *ArrayPage {
	p := arrayPageOf(h)
	p.Header.PageID = uint64(self)
	p.Header.StorageID = storage
	p.Header.Layer = level
	if leaf {
		p.Header.Type = PageTypeArrayLeaf
	} else {
		p.Header.Type = PageTypeArrayInterior
	}
	p.Header.Version.init(false, false, leaf, false)
	p.Range = rng
	p.PayloadSize = payloadSize
	for i := range p.Data {
		p.Data[i] = 0
	}
	if leaf {
		n := int(rng.End - rng.Begin)
		for i := 0; i < n; i++ {
			p.ownerAt(i).Store(makeXctID(initialEpoch, 0, false))
		}
	}
	return p
}
