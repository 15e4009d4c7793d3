package silkdb

import (
	"github.com/pkg/errors"
)

// Verify checks the structural invariants of the whole tree: fence
// containment, strictly ascending separators, foster fence consistency and
// slice membership of every live record. Meant for quiescent trees; tests
// call it after concurrent phases settle.
func (m *MasstreeStorage) Verify() error {
	if !m.initialized {
		return errors.WithStack(ErrNotInitialized)
	}
	return m.verifyPage(m.firstRoot.LoadVolatile(), InfimumSlice, SupremumSlice, true)
}

// Count returns the number of live records across all layers; quiescent
// use only.
func (m *MasstreeStorage) Count() int {
	n := 0
	m.WalkRecords(func(key, payload []byte) bool {
		n++
		return true
	})
	return n
}

func (m *MasstreeStorage) verifyPage(ptr VolatilePointer, low, high KeySlice, highSupremum bool) error {
	if ptr.IsNull() {
		return nil
	}
	header := m.engine.pool.Resolve(ptr)
	page := masstreePageOf(header)
	version := page.version().Load()

	if page.LowFence != low {
		return errors.Errorf("page %x low fence %x, parent range starts at %x",
			uint64(ptr), uint64(page.LowFence), uint64(low))
	}
	if version.IsSupremum() != highSupremum {
		return errors.Errorf("page %x supremum flag %v does not match parent", uint64(ptr), version.IsSupremum())
	}
	if !highSupremum && page.HighFence != high {
		return errors.Errorf("page %x high fence %x, parent range ends at %x",
			uint64(ptr), uint64(page.HighFence), uint64(high))
	}

	if version.HasFoster() {
		foster := page.loadFoster()
		if foster.IsNull() {
			return errors.Errorf("page %x has the foster flag but no foster pointer", uint64(ptr))
		}
		fosterPage := masstreePageOf(m.engine.pool.Resolve(foster))
		// after a split, old.foster_fence == new.low_fence and the new
		// page inherits the old high fence
		if fosterPage.LowFence != page.FosterFence {
			return errors.Errorf("foster of %x starts at %x, fence says %x",
				uint64(ptr), uint64(fosterPage.LowFence), uint64(page.FosterFence))
		}
		if err := m.verifyPage(foster, page.FosterFence, high, highSupremum); err != nil {
			return err
		}
		high = page.FosterFence
		highSupremum = false
	}

	if page.isBorder() {
		return m.verifyBorder(borderPageOf(header), high, highSupremum)
	}
	return m.verifyIntermediate(intermediatePageOf(header), high, highSupremum)
}

func (m *MasstreeStorage) verifyBorder(border *BorderPage, high KeySlice, highSupremum bool) error {
	count := border.version().Load().KeyCount()
	for i := 0; i < count; i++ {
		owner := border.Owners[i].Load()
		if owner.Moved() {
			continue
		}
		slice := border.Slices[i]
		if slice < border.LowFence || (!highSupremum && slice >= high) {
			return errors.Errorf("border slot %d slice %x outside fences [%x,%x)",
				i, uint64(slice), uint64(border.LowFence), uint64(high))
		}
		if border.pointsToLayer(i) {
			child := border.nextLayerAt(i).LoadVolatile()
			if child.IsNull() {
				return errors.Errorf("border slot %d is a null layer pointer", i)
			}
			if err := m.verifyPage(child, InfimumSlice, SupremumSlice, true); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *MasstreeStorage) verifyIntermediate(inter *IntermediatePage, high KeySlice, highSupremum bool) error {
	outer := inter.version().Load().KeyCount()
	prevBoundary := inter.LowFence
	for i := 0; i < outer; i++ {
		if i > 0 && inter.Separators[i] <= inter.Separators[i-1] {
			return errors.Errorf("outer separators not ascending at %d", i)
		}
	}
	for mi := 0; mi <= outer; mi++ {
		mini := &inter.Minis[mi]
		miniCount := mini.Version.Load().KeyCount()
		miniLow := prevBoundary
		miniHigh := high
		miniHighSupremum := highSupremum
		if mi < outer {
			miniHigh = inter.Separators[mi]
			miniHighSupremum = false
		}
		childLow := miniLow
		for j := 0; j <= miniCount; j++ {
			if j < miniCount {
				if mini.Separators[j] <= childLow {
					return errors.Errorf("minipage %d separators not ascending at %d", mi, j)
				}
			}
			childHigh := miniHigh
			childSupremum := miniHighSupremum
			if j < miniCount {
				childHigh = mini.Separators[j]
				childSupremum = false
			}
			// each child's fence range is a subrange of its parent's
			if err := m.verifyPage(mini.Pointers[j].LoadVolatile(), childLow, childHigh, childSupremum); err != nil {
				return err
			}
			childLow = childHigh
		}
		if mi < outer {
			prevBoundary = inter.Separators[mi]
		}
	}
	return nil
}
