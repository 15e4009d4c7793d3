package silkdb

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Structural changes: foster splits, adoption and root growth. A foster
// child is a transient right sibling installed by a split; the parent's key
// range is split at the foster fence until a descending reader adopts the
// child into the grandparent or grows the tree at the root.

// splitFosterBorder splits a locked border page, returning the foster child
// still locked. After the split neither page contains a foster child of its
// own beyond the fresh link on the source.
func (m *MasstreeStorage) splitFosterBorder(t *Thread, page *BorderPage, trigger KeySlice) (*BorderPage, error) {
	version := page.version()
	count := version.Load().KeyCount()
	fosterFence := page.splitSlice(count, trigger)

	ptr, header, err := t.GrabFreePage(0)
	if err != nil {
		return nil, err
	}
	supremum := version.Load().IsSupremum()
	foster := initBorderPage(header, ptr, m.meta.ID, page.layer(),
		false, fosterFence, page.HighFence, supremum, true)

	version.SetSplitting()

	// Migrate the right half. Each migrated owner word is taken through its
	// key lock so an in-flight committer finishes first; the moved bit then
	// sends every holder of the old address back through navigation.
	fosterCount := 0
	for i := 0; i < count; i++ {
		if page.Slices[i] < fosterFence {
			continue
		}
		owner := page.Owners[i].Lock()
		if owner.Moved() {
			// migrated by an earlier split round already
			page.Owners[i].Unlock()
			continue
		}
		foster.copyRecordFrom(fosterCount, page, i, XctIDSnap(uint64(owner)&^xidLocked))
		fosterCount++
		page.Owners[i].Store(XctIDSnap(uint64(owner) &^ xidLocked | xidMoved))
	}
	foster.version().SetKeyCount(fosterCount)

	page.FosterFence = fosterFence
	page.storeFoster(ptr)
	version.SetHasFoster()

	log.WithFields(log.Fields{
		"storage": m.meta.Name,
		"layer":   page.layer(),
		"moved":   fosterCount,
	}).Debug("border split installed foster child")
	return foster, nil
}

// intermediateEntries flattens the two-level fanout into (pointers, keys)
// where keys[i] separates pointers[i] and pointers[i+1].
func (p *IntermediatePage) intermediateEntries() (ptrs []DualPointer, keys []KeySlice) {
	outer := p.version().Load().KeyCount()
	for mi := 0; mi <= outer; mi++ {
		mini := &p.Minis[mi]
		miniCount := mini.Version.Load().KeyCount()
		if mi > 0 {
			keys = append(keys, p.Separators[mi-1])
		}
		for j := 0; j <= miniCount; j++ {
			ptrs = append(ptrs, mini.Pointers[j])
			if j < miniCount {
				keys = append(keys, mini.Separators[j])
			}
		}
	}
	return ptrs, keys
}

// repack lays out pointers and separators into minipages, filling each in
// turn. Caller holds the page lock; every touched minipage version gets a
// bumped split counter so stale observations fail verification.
func (p *IntermediatePage) repack(ptrs []DualPointer, keys []KeySlice) {
	miniCount := (len(ptrs) + maxMiniSeparators) / (maxMiniSeparators + 1)
	if miniCount == 0 {
		miniCount = 1
	}
	next := 0
	for mi := 0; mi < miniCount; mi++ {
		mini := &p.Minis[mi]
		take := len(ptrs) - next
		if take > maxMiniSeparators+1 {
			take = maxMiniSeparators + 1
		}
		if mi > 0 {
			p.Separators[mi-1] = keys[next-1]
		}
		for j := 0; j < take; j++ {
			mini.Pointers[j] = ptrs[next+j]
			if j < take-1 {
				mini.Separators[j] = keys[next+j]
			}
		}
		mini.Version.ResetForRepack(mini.Version.Load(), take-1)
		next += take
	}
	p.version().SetKeyCount(miniCount - 1)
}

// splitFosterIntermediate splits a locked intermediate page at the outer
// granularity, reassigning separators and pointers between the page and a
// new foster child. Adopters take only minipage locks, so every minipage is
// locked before the flatten; the repack stores fresh unlocked version
// words, which releases them.
func (m *MasstreeStorage) splitFosterIntermediate(t *Thread, page *IntermediatePage) error {
	for i := range page.Minis {
		page.Minis[i].Version.Lock()
	}
	ptrs, keys := page.intermediateEntries()
	if len(ptrs) < 2 {
		for i := range page.Minis {
			page.Minis[i].Version.Unlock()
		}
		return nil
	}
	mid := len(ptrs) / 2
	fosterFence := keys[mid-1]

	ptr, header, err := t.GrabFreePage(0)
	if err != nil {
		for i := range page.Minis {
			page.Minis[i].Version.Unlock()
		}
		return err
	}
	supremum := page.version().Load().IsSupremum()
	foster := initIntermediatePage(header, ptr, m.meta.ID, page.layer(),
		false, fosterFence, page.HighFence, supremum, false)
	foster.repack(ptrs[mid:], keys[mid:])

	page.version().SetSplitting()
	page.repack(ptrs[:mid], keys[:mid-1])
	// minis beyond the repacked count are still locked; reseed them too
	repacked := (mid + maxMiniSeparators) / (maxMiniSeparators + 1)
	for i := repacked; i < len(page.Minis); i++ {
		mini := &page.Minis[i].Version
		mini.ResetForRepack(mini.Load(), 0)
	}
	page.FosterFence = fosterFence
	page.storeFoster(ptr)
	page.version().SetHasFoster()

	log.WithFields(log.Fields{
		"storage": m.meta.Name,
		"layer":   page.layer(),
	}).Debug("intermediate split installed foster child")
	return nil
}

// adoptFromChild inserts a child's foster fence and pointer into the
// parent's minipage and clears the child's foster link, collapsing the
// child's range to [low, foster_fence). Idempotent-safe: a concurrent
// adopter's work is detected by version change and the loser retries.
func (m *MasstreeStorage) adoptFromChild(t *Thread, parent *IntermediatePage,
	parentStable VersionSnap, miniIndex int, miniStable VersionSnap,
	pointerIndex int, child *MasstreePage) error {
	mini := &parent.Minis[miniIndex]
	mini.Version.Lock()
	if mini.Version.Load().DiffersBeyondLock(miniStable) ||
		parent.version().Load().DiffersBeyondLock(parentStable) {
		mini.Version.Unlock()
		return errors.WithStack(ErrRetry)
	}

	miniCount := mini.Version.Load().KeyCount()
	if miniCount >= maxMiniSeparators {
		// minipage full: split the intermediate page itself via foster and
		// let the retrying descent adopt into the new shape
		mini.Version.Unlock()
		parent.version().Lock()
		var err error
		if !parent.version().Load().HasFoster() {
			err = m.splitFosterIntermediate(t, parent)
		}
		parent.version().Unlock()
		if err != nil {
			return err
		}
		return errors.WithStack(ErrRetry)
	}

	child.version().Lock()
	if !child.version().Load().HasFoster() {
		// someone else adopted already
		child.version().Unlock()
		mini.Version.Unlock()
		return nil
	}
	fosterPtr := child.loadFoster()
	fosterFence := child.FosterFence

	mini.Version.SetInserting()
	for j := miniCount; j > pointerIndex; j-- {
		mini.Pointers[j+1] = mini.Pointers[j]
	}
	for j := miniCount - 1; j >= pointerIndex; j-- {
		mini.Separators[j+1] = mini.Separators[j]
	}
	mini.Separators[pointerIndex] = fosterFence
	mini.Pointers[pointerIndex+1].SnapshotID = 0
	mini.Pointers[pointerIndex+1].StoreVolatile(fosterPtr.withoutFlags())
	mini.Version.SetKeyCount(miniCount + 1)

	child.collapseFoster()
	child.version().Unlock()
	mini.Version.Unlock()
	return nil
}

// growRoot replaces a layer root carrying a foster child with a fresh
// intermediate page holding {old root, foster child}. The swappable root
// pointer is CASed; losing a concurrent grow means retrying the descent.
func (m *MasstreeStorage) growRoot(t *Thread, rootPointer *DualPointer,
	observed VolatilePointer, root *MasstreePage) error {
	if root.layer() == 0 {
		log.WithField("storage", m.meta.Name).Info("growing tree at first-layer root")
	} else {
		log.WithFields(log.Fields{"storage": m.meta.Name, "layer": root.layer()}).
			Debug("growing tree at in-layer root")
	}
	root.version().Lock()
	if !root.version().Load().HasFoster() {
		// someone else has already grown the tree here
		root.version().Unlock()
		return errors.WithStack(ErrRetry)
	}
	off, err := t.engine.pool.node(t.node).Grab()
	if err != nil {
		root.version().Unlock()
		return err
	}
	newPtr := CombineVolatilePointer(t.node, VolatileFlagSwappable, observed.ModCount()+1, off)
	header := t.engine.pool.Resolve(newPtr)

	supremum := root.version().Load().IsSupremum()
	newRoot := initIntermediatePage(header, newPtr, m.meta.ID, root.layer(),
		true, root.LowFence, root.HighFence, supremum, true)
	mini := &newRoot.Minis[0]
	mini.Version.SetKeyCount(1)
	mini.Pointers[0].SnapshotID = 0
	mini.Pointers[0].StoreVolatile(observed.withoutFlags())
	mini.Pointers[1].SnapshotID = 0
	mini.Pointers[1].StoreVolatile(root.loadFoster().withoutFlags())
	mini.Separators[0] = root.FosterFence
	newRoot.version().SetKeyCount(0)

	if !rootPointer.CASVolatile(observed, newPtr) {
		// a concurrent grow won the swap; undo and retry from descent
		root.version().Unlock()
		t.engine.pool.node(t.node).Release(off)
		return errors.WithStack(ErrRetry)
	}
	// the old root is an inner child now
	root.collapseFoster()
	root.version().ClearRoot()
	root.version().Unlock()
	newRoot.version().Unlock()

	// update our own observation to avoid aborting ourselves at precommit
	t.currentXct().overwritePointerSet(rootPointer.volatileWordAddr(), newPtr)
	return nil
}

// createNextLayer resolves a conflicting local record by pushing it into a
// fresh layer root; the parent slot becomes a next-layer pointer and is
// never demoted afterward. Runs as a system transaction under the record's
// key lock.
func (m *MasstreeStorage) createNextLayer(t *Thread, parent *BorderPage, index int) error {
	off, err := t.engine.pool.node(t.node).Grab()
	if err != nil {
		return err
	}
	ptr := CombineVolatilePointer(t.node, 0, 0, off)
	header := t.engine.pool.Resolve(ptr)

	owner := &parent.Owners[index]
	locked := owner.Lock()
	if parent.pointsToLayer(index) {
		// a concurrent thread has already made the next layer
		log.WithField("storage", m.meta.Name).Debug("next layer already created by a peer")
		t.engine.pool.node(t.node).Release(off)
		owner.Unlock()
		return nil
	}

	root := initBorderPage(header, ptr, m.meta.ID, parent.layer()+1,
		true, InfimumSlice, SupremumSlice, true, true)

	// move the existing record down: its first suffix bytes become the
	// next layer's slice
	suffix := parent.suffixAt(index)
	remaining := int(parent.RemainingKeyLen[index]) - 8
	var padded [8]byte
	copy(padded[:], suffix)
	childSlice := sliceLayer(padded[:], 0)
	var childSuffix []byte
	if len(suffix) > 8 {
		childSuffix = suffix[8:]
	}
	payload := parent.payloadAt(index)
	childOwner := XctIDSnap(uint64(locked) &^ xidLocked)
	root.reserveRecordSpace(0, childOwner, childSlice, childSuffix, remaining, len(payload))
	copy(root.payloadAt(0), payload)
	root.version().SetKeyCount(1)
	root.version().Unlock()

	// flip the parent slot to a layer pointer
	dp := parent.nextLayerAt(index)
	dp.SnapshotID = 0
	dp.StoreVolatile(ptr)
	parent.RemainingKeyLen[index] = nextLayerMarker
	parent.PayloadLen[index] = 0

	// bump the id so concurrent validators notice; logically nothing
	// changed, so commit order does not apply
	next := locked.bumpOrdinal()
	next = XctIDSnap(uint64(next) &^ xidDeleted)
	owner.Store(next)
	return nil
}
