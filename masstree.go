package silkdb

import (
	"sort"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// MasstreeStorage is a layered B+-tree-of-tries over variable-length byte
// keys. Keys longer than 8 bytes are split into 8-byte slices; layer k is
// indexed by the k-th slice, and conflicting suffixed records under one
// slice push a new layer root.
type MasstreeStorage struct {
	engine *Engine
	meta   Metadata

	firstRoot   DualPointer
	initialized bool
}

func (m *MasstreeStorage) ID() StorageID       { return m.meta.ID }
func (m *MasstreeStorage) Name() string        { return m.meta.Name }
func (m *MasstreeStorage) Type() StorageType   { return StorageTypeMasstree }
func (m *MasstreeStorage) IsInitialized() bool { return m.initialized }
func (m *MasstreeStorage) Exists() bool        { return m.initialized }
func (m *MasstreeStorage) Metadata() *Metadata { return &m.meta }

// retryBound caps descent restarts before the transient surfaces as a
// user-visible conflict.
const retryBound = 4096

func createMasstreeStorage(t *Thread, meta *Metadata) (*MasstreeStorage, error) {
	m := &MasstreeStorage{engine: t.engine, meta: *meta}
	ptr, header, err := t.engine.pool.Grab(t.node, VolatileFlagSwappable)
	if err != nil {
		return nil, err
	}
	initBorderPage(header, ptr, meta.ID, 0, true, InfimumSlice, SupremumSlice, true, false)
	m.firstRoot.StoreVolatile(ptr)
	m.meta.RootPageID = uint64(ptr)
	m.initialized = true
	return m, nil
}

// getFirstRoot loads the first-layer root, growing the tree when the root
// carries a foster child, and records the swappable pointer observation.
func (m *MasstreeStorage) getFirstRoot(t *Thread) (*MasstreePage, error) {
	for {
		ptr := m.firstRoot.LoadVolatile()
		page := masstreePageOf(m.engine.pool.Resolve(ptr))
		if page.version().Stable().HasFoster() {
			if err := m.growRoot(t, &m.firstRoot, ptr, page); err != nil {
				if errors.Is(err, ErrRetry) {
					continue
				}
				return nil, err
			}
			continue
		}
		t.currentXct().addToPointerSet(m.firstRoot.volatileWordAddr(), ptr)
		return page, nil
	}
}

// followLayer descends into a border slot's next-layer root, growing it
// first when it carries a foster child. The in-layer root pointer is
// swappable, so it joins the pointer-set.
func (m *MasstreeStorage) followLayer(t *Thread, border *BorderPage, index int) (*MasstreePage, error) {
	pointer := border.nextLayerAt(index)
	for {
		ptr := pointer.LoadVolatile()
		page := masstreePageOf(m.engine.pool.Resolve(ptr))
		if page.version().Stable().HasFoster() {
			if err := m.growRoot(t, pointer, ptr, page); err != nil {
				if errors.Is(err, ErrRetry) {
					continue
				}
				return nil, err
			}
			continue
		}
		t.currentXct().addToPointerSet(pointer.volatileWordAddr(), ptr)
		return page, nil
	}
}

// findBorder walks from a layer root to the border page owning the slice,
// with hand-over-hand version verification at every step.
func (m *MasstreeStorage) findBorder(t *Thread, layerRoot *MasstreePage, slice KeySlice) (*BorderPage, VersionSnap, error) {
	for {
		stable := layerRoot.version().Stable()
		var border *BorderPage
		var borderStable VersionSnap
		var err error
		if layerRoot.isBorder() {
			border, borderStable, err = m.findBorderLeaf(
				borderPageOf(&layerRoot.Header), stable, slice)
		} else {
			border, borderStable, err = m.findBorderDescend(
				t, intermediatePageOf(&layerRoot.Header), stable, slice)
		}
		if errors.Is(err, ErrRetry) {
			continue
		}
		return border, borderStable, err
	}
}

func (m *MasstreeStorage) findBorderDescend(t *Thread, cur *IntermediatePage,
	curStable VersionSnap, slice KeySlice) (*BorderPage, VersionSnap, error) {
	for {
		curPage := cur.asMasstreePage()
		if curStable.HasFoster() && slice >= cur.FosterFence {
			// follow the foster chain
			next := intermediatePageOf(m.engine.pool.Resolve(curPage.loadFoster()))
			nextStable := next.version().Stable()
			if !curPage.version().Load().DiffersBeyondLock(curStable) {
				cur = next
				curStable = nextStable
				continue
			}
			reread := curPage.version().Stable()
			if reread.SplitCounter() != curStable.SplitCounter() {
				return nil, 0, errors.WithStack(ErrRetry)
			}
			curStable = reread
			continue
		}

		miniIndex := cur.findMinipage(curStable.KeyCount(), slice)
		mini := &cur.Minis[miniIndex]
		miniStable := mini.Version.Stable()
		pointerIndex := mini.findPointer(miniStable.KeyCount(), slice)
		ptr := mini.Pointers[pointerIndex].LoadVolatile()
		if ptr.IsNull() {
			// the verification below rejects whatever we raced with
			reread := curPage.version().Stable()
			if reread.SplitCounter() != curStable.SplitCounter() {
				return nil, 0, errors.WithStack(ErrRetry)
			}
			curStable = reread
			continue
		}
		next := masstreePageOf(m.engine.pool.Resolve(ptr))

		if next.version().Stable().HasFoster() {
			// the child carries a foster child: adopt it before moving on
			err := m.adoptFromChild(t, cur, curStable, miniIndex, miniStable, pointerIndex, next)
			if err != nil && !errors.Is(err, ErrRetry) {
				return nil, 0, err
			}
			curStable = curPage.version().Stable()
			continue
		}

		nextStable := next.version().Stable()

		// hand-over-hand: re-verify both the page and its minipage
		if !curPage.version().Load().DiffersBeyondLock(curStable) &&
			!mini.Version.Load().DiffersBeyondLock(miniStable) {
			if next.isBorder() {
				return m.findBorderLeaf(borderPageOf(&next.Header), nextStable, slice)
			}
			cur = intermediatePageOf(&next.Header)
			curStable = nextStable
			continue
		}
		reread := curPage.version().Stable()
		if reread.SplitCounter() != curStable.SplitCounter() {
			// structure changed beneath us; restart from the layer root
			return nil, 0, errors.WithStack(ErrRetry)
		}
		curStable = reread
	}
}

func (m *MasstreeStorage) findBorderLeaf(cur *BorderPage, curStable VersionSnap,
	slice KeySlice) (*BorderPage, VersionSnap, error) {
	for {
		curPage := cur.asMasstreePage()
		if !curStable.HasFoster() || slice < cur.FosterFence {
			return cur, curStable, nil
		}
		next := borderPageOf(m.engine.pool.Resolve(curPage.loadFoster()))
		nextStable := next.version().Stable()
		if !curPage.version().Load().DiffersBeyondLock(curStable) {
			cur = next
			curStable = nextStable
			continue
		}
		reread := curPage.version().Stable()
		if reread.SplitCounter() != curStable.SplitCounter() {
			return nil, 0, errors.WithStack(ErrRetry)
		}
		curStable = reread
	}
}

// locateRecord finds the border page and slot index holding the key, or
// NOT_FOUND. A miss records the border version in the node-set as the
// (incomplete) phantom guard.
func (m *MasstreeStorage) locateRecord(t *Thread, key []byte) (*BorderPage, int, error) {
	if len(key) == 0 || len(key) > MaxKeyLength {
		return nil, 0, errors.Wrapf(ErrNotFound, "key length %d out of range", len(key))
	}
	layerRoot, err := m.getFirstRoot(t)
	if err != nil {
		return nil, 0, err
	}
	for layer := 0; ; layer++ {
		slice := sliceLayer(key, layer)
		suffix := suffixOf(key, layer)
		remaining := remainingLength(len(key), layer)
		border, borderStable, err := m.findBorder(t, layerRoot, slice)
		if err != nil {
			return nil, 0, err
		}
		index := border.findKey(borderStable.KeyCount(), slice, suffix, remaining)
		if index == findKeyNotFound {
			t.currentXct().addToNodeSet(border.version(), borderStable)
			return nil, 0, errors.Wrap(ErrNotFound, "no matching slot")
		}
		if border.pointsToLayer(index) {
			layerRoot, err = m.followLayer(t, border, index)
			if err != nil {
				return nil, 0, err
			}
			continue
		}
		return border, index, nil
	}
}

// reserveRecord locates the slot for a key, creating a reserved-deleted
// record, a next layer or a foster split as needed.
func (m *MasstreeStorage) reserveRecord(t *Thread, key []byte, payloadCount int) (*BorderPage, int, error) {
	layerRoot, err := m.getFirstRoot(t)
	if err != nil {
		return nil, 0, err
	}
	for layer := 0; ; layer++ {
		slice := sliceLayer(key, layer)
		suffix := suffixOf(key, layer)
		remaining := remainingLength(len(key), layer)
		border, version, err := m.findBorder(t, layerRoot, slice)
		if err != nil {
			return nil, 0, err
		}
		descended := false
		for !descended {
			if version.HasFoster() && slice >= border.FosterFence {
				border, version, err = m.findBorderLeaf(border, version, slice)
				if err != nil {
					return nil, 0, err
				}
				continue
			}
			count := version.KeyCount()
			match, index := border.findKeyForReserve(0, count, slice, suffix, remaining)
			switch match {
			case matchExactLayerPointer:
				layerRoot, err = m.followLayer(t, border, index)
				if err != nil {
					return nil, 0, err
				}
				descended = true
				continue
			case matchExactLocalRecord:
				return border, index, nil
			}

			// no matching key observed without the lock; take the lock and
			// finalize the version before appending
			pageVersion := border.version()
			pageVersion.Lock()
			locked := pageVersion.Load()
			if locked.SplitCounter() != version.SplitCounter() ||
				!border.withinFences(slice) ||
				border.withinFosterChild(slice) {
				pageVersion.Unlock()
				return nil, 0, errors.WithStack(ErrRetry)
			}
			if newCount := locked.KeyCount(); newCount != count {
				// someone slipped new slots in; rescan just those
				match, index = border.findKeyForReserve(count, newCount, slice, suffix, remaining)
				count = newCount
			}
			switch match {
			case matchExactLayerPointer:
				pageVersion.Unlock()
				layerRoot, err = m.followLayer(t, border, index)
				if err != nil {
					return nil, 0, err
				}
				descended = true
				continue
			case matchExactLocalRecord:
				pageVersion.Unlock()
				return border, index, nil
			case matchConflictingLocalRecord:
				// same slice, different suffix: push the incumbent down a
				// layer and follow it
				err = m.createNextLayer(t, border, index)
				pageVersion.Unlock()
				if err != nil {
					return nil, 0, err
				}
				layerRoot, err = m.followLayer(t, border, index)
				if err != nil {
					return nil, 0, err
				}
				descended = true
				continue
			}

			// surely a new record
			page, idx, err := m.reserveNewRecord(t, border, slice, suffix, remaining, payloadCount)
			pageVersion.Unlock()
			return page, idx, err
		}
	}
}

// reserveNewRecord appends a reserved-deleted slot, splitting first when
// the page has no room. Caller holds the border lock; on split the foster
// side receives the key.
func (m *MasstreeStorage) reserveNewRecord(t *Thread, border *BorderPage, slice KeySlice,
	suffix []byte, remaining, payloadCount int) (*BorderPage, int, error) {
	version := border.version()
	count := version.Load().KeyCount()
	if border.canAccommodate(count, remaining, payloadCount) {
		m.reserveNewRecordApply(t, border, count, slice, suffix, remaining, payloadCount)
		return border, count, nil
	}
	if version.Load().HasFoster() {
		// full and already split; the next descent adopts the foster and
		// retries against the collapsed range
		return nil, 0, errors.WithStack(ErrRetry)
	}
	foster, err := m.splitFosterBorder(t, border, slice)
	if err != nil {
		return nil, 0, err
	}
	target := border
	if slice >= border.FosterFence {
		target = foster
	}
	count = target.version().Load().KeyCount()
	if !target.canAccommodate(count, remaining, payloadCount) {
		// not enough space even after a split; the payload itself is the
		// problem
		foster.version().Unlock()
		log.WithFields(log.Fields{"storage": m.meta.Name, "payload": payloadCount}).
			Warn("payload does not fit even after split")
		return nil, 0, errors.Wrapf(ErrTooLongPayload, "payload %d", payloadCount)
	}
	m.reserveNewRecordApply(t, target, count, slice, suffix, remaining, payloadCount)
	foster.version().Unlock()
	return target, count, nil
}

func (m *MasstreeStorage) reserveNewRecordApply(t *Thread, target *BorderPage, index int,
	slice KeySlice, suffix []byte, remaining, payloadCount int) {
	initial := makeXctID(t.engine.xctMgr.CurrentEpoch(), 0, true)
	target.reserveRecordSpace(index, initial, slice, suffix, remaining, payloadCount)
	target.version().SetInsertingAndIncrementKeyCount()
}

func (m *MasstreeStorage) drop(t *Thread) error {
	if !m.initialized {
		return nil
	}
	batch := m.engine.pool.NewReleaseBatch()
	m.releaseRecursive(batch, m.firstRoot.LoadVolatile())
	batch.ReleaseAll()
	m.firstRoot.StoreVolatile(0)
	m.initialized = false
	return nil
}

func (m *MasstreeStorage) releaseRecursive(batch *ReleaseBatch, ptr VolatilePointer) {
	if ptr.IsNull() {
		return
	}
	header := m.engine.pool.Resolve(ptr)
	page := masstreePageOf(header)
	if foster := page.loadFoster(); !foster.IsNull() {
		m.releaseRecursive(batch, foster)
		page.storeFoster(0)
	}
	if page.isBorder() {
		border := borderPageOf(header)
		count := border.version().Load().KeyCount()
		for i := 0; i < count; i++ {
			if border.pointsToLayer(i) {
				m.releaseRecursive(batch, border.nextLayerAt(i).LoadVolatile())
			}
		}
	} else {
		inter := intermediatePageOf(header)
		ptrs, _ := inter.intermediateEntries()
		for i := range ptrs {
			m.releaseRecursive(batch, ptrs[i].LoadVolatile())
		}
	}
	batch.Add(ptr)
}

func (m *MasstreeStorage) eachPage(fn func(ptr VolatilePointer, page *PageHeader) error) error {
	if !m.initialized {
		return nil
	}
	return m.walkPages(m.firstRoot.LoadVolatile(), fn)
}

func (m *MasstreeStorage) walkPages(ptr VolatilePointer, fn func(VolatilePointer, *PageHeader) error) error {
	if ptr.IsNull() {
		return nil
	}
	header := m.engine.pool.Resolve(ptr)
	if err := fn(ptr, header); err != nil {
		return err
	}
	page := masstreePageOf(header)
	if foster := page.loadFoster(); !foster.IsNull() {
		if err := m.walkPages(foster, fn); err != nil {
			return err
		}
	}
	if page.isBorder() {
		border := borderPageOf(header)
		count := border.version().Load().KeyCount()
		for i := 0; i < count; i++ {
			if border.pointsToLayer(i) {
				if err := m.walkPages(border.nextLayerAt(i).LoadVolatile(), fn); err != nil {
					return err
				}
			}
		}
		return nil
	}
	inter := intermediatePageOf(header)
	ptrs, _ := inter.intermediateEntries()
	for i := range ptrs {
		if err := m.walkPages(ptrs[i].LoadVolatile(), fn); err != nil {
			return err
		}
	}
	return nil
}

// WalkRecords yields every live record in ascending key order. Meant for
// quiescent verification (Count and tests), not for transactional reads.
func (m *MasstreeStorage) WalkRecords(fn func(key, payload []byte) bool) {
	m.walkRecordsPage(m.firstRoot.LoadVolatile(), nil, fn)
}

type walkEntry struct {
	key     []byte
	payload []byte
}

func (m *MasstreeStorage) walkRecordsPage(ptr VolatilePointer, prefix []byte,
	fn func(key, payload []byte) bool) bool {
	if ptr.IsNull() {
		return true
	}
	header := m.engine.pool.Resolve(ptr)
	page := masstreePageOf(header)
	if !page.isBorder() {
		inter := intermediatePageOf(header)
		ptrs, _ := inter.intermediateEntries()
		for i := range ptrs {
			if !m.walkRecordsPage(ptrs[i].LoadVolatile(), prefix, fn) {
				return false
			}
		}
		if foster := page.loadFoster(); !foster.IsNull() {
			return m.walkRecordsPage(foster, prefix, fn)
		}
		return true
	}

	border := borderPageOf(header)
	count := border.version().Load().KeyCount()
	var entries []walkEntry
	for i := 0; i < count; i++ {
		owner := border.Owners[i].Load()
		if owner.Moved() {
			continue
		}
		sliceB := sliceBytes(border.Slices[i])
		if border.pointsToLayer(i) {
			sub := append(append([]byte(nil), prefix...), sliceB[:]...)
			var subEntries []walkEntry
			m.walkRecordsPage(border.nextLayerAt(i).LoadVolatile(), sub,
				func(k, p []byte) bool {
					subEntries = append(subEntries, walkEntry{key: k, payload: p})
					return true
				})
			entries = append(entries, subEntries...)
			continue
		}
		if owner.Deleted() {
			continue
		}
		remaining := int(border.RemainingKeyLen[i])
		keyTail := remaining
		if keyTail > 8 {
			keyTail = 8
		}
		key := append(append([]byte(nil), prefix...), sliceB[:keyTail]...)
		key = append(key, border.suffixAt(i)...)
		payload := append([]byte(nil), border.payloadAt(i)...)
		entries = append(entries, walkEntry{key: key, payload: payload})
	}
	sort.Slice(entries, func(i, j int) bool {
		return bytesCompare(entries[i].key, entries[j].key) < 0
	})
	for _, e := range entries {
		if !fn(e.key, e.payload) {
			return false
		}
	}
	if foster := page.loadFoster(); !foster.IsNull() {
		return m.walkRecordsPage(foster, prefix, fn)
	}
	return true
}
