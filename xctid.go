package silkdb

import (
	"sync/atomic"
)

// Owner-id word layout:
//
//	bit 63     locked (record-level key lock)
//	bit 62     deleted
//	bit 61     moved (record migrated by a split; readers renavigate)
//	bits 24-55 epoch (32 bits)
//	bits 0-23  in-epoch ordinal (24 bits)
const (
	xidLocked  uint64 = 1 << 63
	xidDeleted uint64 = 1 << 62
	xidMoved   uint64 = 1 << 61

	xidEpochShift        = 24
	xidEpochMask  uint64 = 0xFFFFFFFF << xidEpochShift
	xidOrdinal    uint64 = 0xFFFFFF

	xidFlagsMask uint64 = xidLocked | xidDeleted | xidMoved
)

// XctID is the per-record 64-bit owner word: committer's epoch, ordinal and
// status bits plus the record-level lock. Monotone under commits within a
// record. Lives inside pages; shared by all threads.
type XctID struct {
	word uint64
}

// XctIDSnap is an observed owner word value.
type XctIDSnap uint64

func (s XctIDSnap) Locked() bool    { return uint64(s)&xidLocked != 0 }
func (s XctIDSnap) Deleted() bool   { return uint64(s)&xidDeleted != 0 }
func (s XctIDSnap) Moved() bool     { return uint64(s)&xidMoved != 0 }
func (s XctIDSnap) Epoch() Epoch    { return Epoch(uint64(s) & xidEpochMask >> xidEpochShift) }
func (s XctIDSnap) Ordinal() uint32 { return uint32(uint64(s) & xidOrdinal) }

// EqualsIgnoringLock compares two observations with the lock bit masked, the
// read-set validation rule.
func (s XctIDSnap) EqualsIgnoringLock(other XctIDSnap) bool {
	return (uint64(s)&^xidLocked)^(uint64(other)&^xidLocked) == 0
}

// After reports lexicographic (epoch, ordinal) order; the owner-id
// monotonicity invariant across commits on one record.
func (s XctIDSnap) After(other XctIDSnap) bool {
	if s.Epoch() != other.Epoch() {
		return other.Epoch().Before(s.Epoch())
	}
	return s.Ordinal() > other.Ordinal()
}

func makeXctID(epoch Epoch, ordinal uint32, deleted bool) XctIDSnap {
	w := uint64(epoch)<<xidEpochShift | uint64(ordinal)&xidOrdinal
	if deleted {
		w |= xidDeleted
	}
	return XctIDSnap(w)
}

func (x *XctID) Load() XctIDSnap {
	return XctIDSnap(atomic.LoadUint64(&x.word))
}

// Store publishes a new owner word; release semantics so payload bytes
// written before it are visible to any reader that observes it.
func (x *XctID) Store(s XctIDSnap) {
	atomic.StoreUint64(&x.word, uint64(s))
}

// LoadStable spins past a held key lock and returns an unlocked observation.
func (x *XctID) LoadStable() XctIDSnap {
	var snap XctIDSnap
	spinWait(func() bool {
		snap = x.Load()
		return !snap.Locked()
	})
	return snap
}

// Lock acquires the record key lock unconditionally, returning the word as
// observed under the lock.
func (x *XctID) Lock() XctIDSnap {
	var locked uint64
	spinWait(func() bool {
		cur := atomic.LoadUint64(&x.word)
		if cur&xidLocked != 0 {
			return false
		}
		locked = cur | xidLocked
		return atomic.CompareAndSwapUint64(&x.word, cur, locked)
	})
	return XctIDSnap(locked)
}

// TryLock attempts one acquisition round without spinning. Precommit does
// not use it; it takes write-set locks with Lock in address order.
func (x *XctID) TryLock() (XctIDSnap, bool) {
	cur := atomic.LoadUint64(&x.word)
	if cur&xidLocked != 0 {
		return 0, false
	}
	if atomic.CompareAndSwapUint64(&x.word, cur, cur|xidLocked) {
		return XctIDSnap(cur | xidLocked), true
	}
	return 0, false
}

// Unlock clears only the lock bit, keeping every other field.
func (x *XctID) Unlock() {
	cur := atomic.LoadUint64(&x.word)
	atomic.StoreUint64(&x.word, cur&^xidLocked)
}

func (x *XctID) SetMoved() {
	cur := atomic.LoadUint64(&x.word)
	atomic.StoreUint64(&x.word, cur|xidMoved)
}

// bumpOrdinal produces the next id for a system transaction that changed
// nothing logically: ordinal+1, wrapping into the next epoch on overflow.
func (s XctIDSnap) bumpOrdinal() XctIDSnap {
	w := uint64(s) &^ xidLocked
	ordinal := w & xidOrdinal
	if ordinal != xidOrdinal {
		return XctIDSnap(w&^xidOrdinal | (ordinal + 1))
	}
	epoch := XctIDSnap(w).Epoch().Next()
	return XctIDSnap(w&^(xidEpochMask|xidOrdinal) | uint64(epoch)<<xidEpochShift)
}
