package silkdb

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// ArrayStorage is a fixed-fanout, fixed-depth tree over an integer offset
// space; the simplest storage exercising the transactional write path.
// Depth is determined at creation from array size and payload size and
// never changes.
type ArrayStorage struct {
	engine *Engine
	meta   Metadata

	rootPointer DualPointer
	levels      int
	// intervals[l] is the offset span one page covers at level l;
	// intervals[0] is the records per leaf.
	intervals   []uint64
	initialized bool
}

func (a *ArrayStorage) ID() StorageID       { return a.meta.ID }
func (a *ArrayStorage) Name() string        { return a.meta.Name }
func (a *ArrayStorage) Type() StorageType   { return StorageTypeArray }
func (a *ArrayStorage) IsInitialized() bool { return a.initialized }
func (a *ArrayStorage) Exists() bool        { return a.initialized }
func (a *ArrayStorage) Metadata() *Metadata { return &a.meta }
func (a *ArrayStorage) PayloadSize() uint16 { return a.meta.PayloadSize }
func (a *ArrayStorage) ArraySize() uint64   { return a.meta.ArraySize }
func (a *ArrayStorage) Levels() int         { return a.levels }

// arrayLevels computes the tree depth for a given geometry.
func arrayLevels(arraySize uint64, payloadSize uint16) (levels int, intervals []uint64) {
	perLeaf := uint64(arrayLeafRecords(payloadSize))
	intervals = []uint64{perLeaf}
	span := perLeaf
	for span < arraySize {
		span *= uint64(arrayInteriorFanout)
		intervals = append(intervals, span)
	}
	return len(intervals), intervals
}

// createArrayStorage allocates every page up front, leaves left-to-right,
// creating interior pages as each level's current page fills.
func createArrayStorage(t *Thread, meta *Metadata) (*ArrayStorage, error) {
	if meta.ArraySize == 0 || meta.PayloadSize == 0 {
		return nil, errors.Wrap(ErrConfValueOutOfRange, "array size and payload size must be positive")
	}
	if arrayLeafRecords(meta.PayloadSize) == 0 {
		return nil, errors.Wrapf(ErrTooLongPayload, "payload %d does not fit a page", meta.PayloadSize)
	}
	a := &ArrayStorage{engine: t.engine, meta: *meta}
	a.levels, a.intervals = arrayLevels(meta.ArraySize, meta.PayloadSize)
	initialEpoch := t.engine.xctMgr.CurrentEpoch()

	grab := t.engine.pool.NewGrabBatch()
	type cursor struct {
		page *ArrayPage
		ptr  VolatilePointer
		used int
	}
	current := make([]cursor, a.levels)

	newPage := func(level int, begin uint64) (*ArrayPage, VolatilePointer, error) {
		ptr, header, err := grab.Grab()
		if err != nil {
			return nil, 0, err
		}
		end := begin + a.intervals[level]
		if end > meta.ArraySize {
			end = meta.ArraySize
		}
		page := initArrayPage(header, ptr, meta.ID, level == 0, uint8(level),
			meta.PayloadSize, ArrayRange{Begin: begin, End: end}, initialEpoch)
		return page, ptr, nil
	}

	// left-most page of every level first
	for level := 0; level < a.levels; level++ {
		page, ptr, err := newPage(level, 0)
		if err != nil {
			return nil, err
		}
		current[level] = cursor{page: page, ptr: ptr}
		if level > 0 {
			child := current[level-1]
			page.childAt(0).StoreVolatile(child.ptr.withoutFlags())
			current[level].used = 1
		}
	}

	leafPages := (meta.ArraySize + a.intervals[0] - 1) / a.intervals[0]
	for leaf := uint64(1); leaf < leafPages; leaf++ {
		begin := current[0].page.Range.End
		page, ptr, err := newPage(0, begin)
		if err != nil {
			return nil, err
		}
		current[0] = cursor{page: page, ptr: ptr}

		// push up to the parent, potentially creating interiors up to root
		for level := 1; level < a.levels; level++ {
			if current[level].used == arrayInteriorFanout {
				ibegin := current[level].page.Range.End
				ipage, iptr, err := newPage(level, ibegin)
				if err != nil {
					return nil, err
				}
				ipage.childAt(0).StoreVolatile(current[level-1].ptr.withoutFlags())
				current[level] = cursor{page: ipage, ptr: iptr, used: 1}
				continue
			}
			current[level].page.childAt(current[level].used).
				StoreVolatile(current[level-1].ptr.withoutFlags())
			current[level].used++
			break
		}
	}

	a.rootPointer.StoreVolatile(current[a.levels-1].ptr)
	a.meta.RootPageID = uint64(current[a.levels-1].ptr)
	a.initialized = true
	log.WithFields(log.Fields{
		"storage": meta.Name,
		"levels":  a.levels,
		"leaves":  leafPages,
	}).Debug("created array pages")
	return a, nil
}

// lookup descends the fixed-depth tree using the pre-computed intervals.
// All pages are volatile here; an absent volatile pointer is an invariant
// violation, not a faultable snapshot page.
func (a *ArrayStorage) lookup(offset uint64) (*ArrayPage, int, error) {
	if !a.initialized {
		return nil, 0, errors.WithStack(ErrNotInitialized)
	}
	if offset >= a.meta.ArraySize {
		return nil, 0, errors.Wrapf(ErrNotFound, "offset %d beyond array size %d", offset, a.meta.ArraySize)
	}
	resolver := a.engine.pool
	page := arrayPageOf(resolver.Resolve(a.rootPointer.LoadVolatile()))
	for level := a.levels - 1; level > 0; level-- {
		child := int((offset - page.Range.Begin) / a.intervals[level-1])
		ptr := page.childAt(child).LoadVolatile()
		if ptr.IsNull() {
			panic("array interior holds a null volatile pointer")
		}
		page = arrayPageOf(resolver.Resolve(ptr))
	}
	return page, int(offset - page.Range.Begin), nil
}

// GetRecord copies payload bytes under the optimistic read protocol;
// len(buf) bytes starting at payloadOffset.
func (a *ArrayStorage) GetRecord(t *Thread, offset uint64, buf []byte, payloadOffset uint16) error {
	if int(payloadOffset)+len(buf) > int(a.meta.PayloadSize) {
		return errors.Wrapf(ErrTooShortPayload, "offset %d count %d payload %d",
			payloadOffset, len(buf), a.meta.PayloadSize)
	}
	page, index, err := a.lookup(offset)
	if err != nil {
		return err
	}
	payload := page.payloadAt(index)
	return t.currentXct().optimisticRead(a.meta.ID, page.ownerAt(index), func(XctIDSnap) error {
		copy(buf, payload[payloadOffset:int(payloadOffset)+len(buf)])
		return nil
	})
}

// OverwriteRecord stages an overwrite: a redo record plus a write-set
// entry. No data page is mutated until precommit.
func (a *ArrayStorage) OverwriteRecord(t *Thread, offset uint64, payload []byte, payloadOffset uint16) error {
	if int(payloadOffset)+len(payload) > int(a.meta.PayloadSize) {
		return errors.Wrapf(ErrTooShortPayload, "offset %d count %d payload %d",
			payloadOffset, len(payload), a.meta.PayloadSize)
	}
	page, index, err := a.lookup(offset)
	if err != nil {
		return err
	}
	logRec, err := t.logBuf.Reserve(&LogRecord{
		Type:          LogArrayOverwrite,
		StorageID:     a.meta.ID,
		ArrayOffset:   offset,
		PayloadOffset: payloadOffset,
		Payload:       append([]byte(nil), payload...),
	})
	if err != nil {
		return err
	}
	t.currentXct().addToWriteSet(a.meta.ID, page.ownerAt(index), page.payloadAt(index), logRec)
	return nil
}

// ArrayGetRecordPrimitive reads one numeric value at the payload offset.
func ArrayGetRecordPrimitive[T Primitive](t *Thread, a *ArrayStorage, offset uint64, payloadOffset uint16) (T, error) {
	var buf [8]byte
	size := primitiveSize[T]()
	if err := a.GetRecord(t, offset, buf[:size], payloadOffset); err != nil {
		var zero T
		return zero, err
	}
	return decodePrimitive[T](buf[:size]), nil
}

// ArrayOverwriteRecordPrimitive stages a numeric overwrite.
func ArrayOverwriteRecordPrimitive[T Primitive](t *Thread, a *ArrayStorage, offset uint64, value T, payloadOffset uint16) error {
	var buf [8]byte
	size := primitiveSize[T]()
	encodePrimitive(value, buf[:size])
	return a.OverwriteRecord(t, offset, buf[:size], payloadOffset)
}

// ArrayIncrementRecord reads, adds and stages the overwrite as one logical
// action within the transaction; the read is idempotent so protocol
// retries never double-apply the delta.
func ArrayIncrementRecord[T Primitive](t *Thread, a *ArrayStorage, offset uint64, delta T, payloadOffset uint16) (T, error) {
	old, err := ArrayGetRecordPrimitive[T](t, a, offset, payloadOffset)
	if err != nil {
		var zero T
		return zero, err
	}
	next := addPrimitive(old, delta)
	if err := ArrayOverwriteRecordPrimitive(t, a, offset, next, payloadOffset); err != nil {
		var zero T
		return zero, err
	}
	return next, nil
}

func (a *ArrayStorage) drop(t *Thread) error {
	if !a.initialized {
		return nil
	}
	batch := a.engine.pool.NewReleaseBatch()
	a.releaseRecursive(batch, a.rootPointer.LoadVolatile())
	batch.ReleaseAll()
	a.rootPointer.StoreVolatile(0)
	a.initialized = false
	return nil
}

func (a *ArrayStorage) releaseRecursive(batch *ReleaseBatch, ptr VolatilePointer) {
	if ptr.IsNull() {
		return
	}
	page := arrayPageOf(a.engine.pool.Resolve(ptr))
	if !page.isLeaf() {
		for i := 0; i < arrayInteriorFanout; i++ {
			child := page.childAt(i).LoadVolatile()
			if child.IsNull() {
				break
			}
			a.releaseRecursive(batch, child)
			page.childAt(i).StoreVolatile(0)
		}
	}
	batch.Add(ptr)
}

func (a *ArrayStorage) eachPage(fn func(ptr VolatilePointer, page *PageHeader) error) error {
	if !a.initialized {
		return nil
	}
	return a.walkPages(a.rootPointer.LoadVolatile(), fn)
}

func (a *ArrayStorage) walkPages(ptr VolatilePointer, fn func(VolatilePointer, *PageHeader) error) error {
	if ptr.IsNull() {
		return nil
	}
	header := a.engine.pool.Resolve(ptr)
	if err := fn(ptr, header); err != nil {
		return err
	}
	page := arrayPageOf(header)
	if page.isLeaf() {
		return nil
	}
	for i := 0; i < arrayInteriorFanout; i++ {
		child := page.childAt(i).LoadVolatile()
		if child.IsNull() {
			break
		}
		if err := a.walkPages(child, fn); err != nil {
			return err
		}
	}
	return nil
}
