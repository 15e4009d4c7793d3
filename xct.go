package silkdb

import (
	"sort"
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"
)

type Isolation uint8

const (
	// Serializable is the only isolation the engine offers.
	Serializable Isolation = iota
)

type readEntry struct {
	storage  StorageID
	owner    *XctID
	observed XctIDSnap
}

type writeEntry struct {
	storage StorageID
	owner   *XctID
	record  []byte
	log     *LogRecord
	locked  bool
}

type pointerEntry struct {
	addr     *uint64
	observed uint64
}

type nodeEntry struct {
	version  *PageVersion
	observed VersionSnap
}

// Xct is a worker's transaction context: read-set, write-set, pointer-set,
// node-set and the log-buffer reservation. All entries are append-only
// within a transaction and discarded on abort.
type Xct struct {
	thread    *Thread
	active    bool
	isolation Isolation

	reads    []readEntry
	writes   []writeEntry
	pointers []pointerEntry
	nodes    []nodeEntry
	logMark  int
}

func (x *Xct) begin(isolation Isolation) {
	x.active = true
	x.isolation = isolation
	x.reads = x.reads[:0]
	x.writes = x.writes[:0]
	x.pointers = x.pointers[:0]
	x.nodes = x.nodes[:0]
	x.logMark = x.thread.logBuf.mark()
}

// optimisticRead runs the optimistic read protocol against one owner word:
// spin past a held lock, let copyFn copy under the observation, then
// re-read; a change repeats the copy. copyFn must be idempotent and must
// not mutate caller state before success.
func (x *Xct) optimisticRead(storage StorageID, owner *XctID, copyFn func(observed XctIDSnap) error) error {
	for {
		observed := owner.LoadStable()
		if observed.Moved() {
			// the record migrated; the caller re-navigates
			return ErrRetry
		}
		if err := copyFn(observed); err != nil {
			return err
		}
		reread := owner.Load()
		if !reread.Locked() && reread.EqualsIgnoringLock(observed) {
			x.reads = append(x.reads, readEntry{storage: storage, owner: owner, observed: observed})
			return nil
		}
	}
}

func (x *Xct) addToWriteSet(storage StorageID, owner *XctID, record []byte, logRec *LogRecord) {
	x.writes = append(x.writes, writeEntry{
		storage: storage,
		owner:   owner,
		record:  record,
		log:     logRec,
	})
}

// addToPointerSet records a swappable pointer observation so a concurrent
// root swap aborts us.
func (x *Xct) addToPointerSet(addr *uint64, observed VolatilePointer) {
	x.pointers = append(x.pointers, pointerEntry{addr: addr, observed: uint64(observed)})
}

// overwritePointerSet updates our own observation after we performed the
// swap ourselves, so a root grow does not abort its grower.
func (x *Xct) overwritePointerSet(addr *uint64, observed VolatilePointer) {
	for i := range x.pointers {
		if x.pointers[i].addr == addr {
			x.pointers[i].observed = uint64(observed)
			return
		}
	}
	x.pointers = append(x.pointers, pointerEntry{addr: addr, observed: uint64(observed)})
}

// addToNodeSet records a border version at a miss boundary; incomplete
// phantom protection, validated exactly at precommit.
func (x *Xct) addToNodeSet(version *PageVersion, observed VersionSnap) {
	x.nodes = append(x.nodes, nodeEntry{version: version, observed: observed})
}

// ownerAddr orders write-set locks; ascending address acquisition prevents
// deadlock between concurrent precommits.
func ownerAddr(e *writeEntry) uintptr {
	return uintptr(unsafe.Pointer(e.owner))
}

// precommit runs the validation-and-publish pipeline. On success the commit
// epoch is returned; on conflict every side effect is rolled back and
// ErrConflict surfaces.
func (x *Xct) precommit() (Epoch, error) {
	mgr := x.thread.engine.xctMgr

	// Phase 1: lock the write-set in ascending owner-address order. The
	// stable sort keeps same-record entries in staging order; only the
	// first of a run takes the lock.
	sort.SliceStable(x.writes, func(i, j int) bool {
		return ownerAddr(&x.writes[i]) < ownerAddr(&x.writes[j])
	})
	for i := range x.writes {
		w := &x.writes[i]
		if i > 0 && x.writes[i-1].owner == w.owner {
			continue
		}
		locked := w.owner.Lock()
		w.locked = true
		if locked.Moved() {
			x.abort()
			return EpochInvalid, errors.Wrap(ErrConflict, "write target moved by a split")
		}
	}

	// Phase 2: assign the commit epoch and ordinal. The epoch read lock
	// keeps the assignment and the log enqueue inside one epoch window so
	// the durable watermark stays exact. sync/atomic's sequential
	// consistency provides the fence between lock acquisition and epoch
	// publication.
	mgr.epochLock.RLock()
	commitEpoch := mgr.CurrentEpoch()
	for i := range x.reads {
		commitEpoch = maxEpoch(commitEpoch, x.reads[i].observed.Epoch())
	}
	ordinal := x.thread.nextOrdinal(commitEpoch)
	// The ordinal exceeds every same-epoch owner id this transaction read
	// or overwrites, so each commit on a record stores a larger id than the
	// one it replaced, whichever thread committed before.
	for i := range x.reads {
		if o := x.reads[i].observed; o.Epoch() == commitEpoch && o.Ordinal() >= ordinal {
			ordinal = o.Ordinal() + 1
		}
	}
	for i := range x.writes {
		if o := x.writes[i].owner.Load(); o.Epoch() == commitEpoch && o.Ordinal() >= ordinal {
			ordinal = o.Ordinal() + 1
		}
	}
	x.thread.ordinal = ordinal

	// Phase 3: validate the read-set, lock bit masked.
	for i := range x.reads {
		r := &x.reads[i]
		if !r.owner.Load().EqualsIgnoringLock(r.observed) {
			mgr.epochLock.RUnlock()
			x.abort()
			return EpochInvalid, errors.Wrap(ErrConflict, "read-set validation failed")
		}
	}

	// Phase 4: pointer-set and node-set need exact equality.
	for i := range x.pointers {
		p := &x.pointers[i]
		if atomic.LoadUint64(p.addr) != p.observed {
			mgr.epochLock.RUnlock()
			x.abort()
			return EpochInvalid, errors.Wrap(ErrConflict, "pointer-set validation failed")
		}
	}
	for i := range x.nodes {
		n := &x.nodes[i]
		if n.version.Load() != n.observed {
			mgr.epochLock.RUnlock()
			x.abort()
			return EpochInvalid, errors.Wrap(ErrConflict, "node-set validation failed")
		}
	}

	// Phase 5: apply and publish. All of a record's redo records apply
	// before its owner word is stored once; the store clears the lock
	// while publishing the new (epoch, ordinal, flags) word.
	for i := range x.writes {
		w := &x.writes[i]
		w.log.applyTo(w.record)
		w.locked = false
		if i+1 < len(x.writes) && x.writes[i+1].owner == w.owner {
			continue
		}
		deleted := w.log.Type == LogMasstreeDelete
		w.owner.Store(makeXctID(commitEpoch, ordinal, deleted))
	}

	// Phase 6: hand the committed prefix to the logger.
	x.thread.logBuf.commit(commitEpoch, ordinal)
	mgr.epochLock.RUnlock()

	x.clear()
	return commitEpoch, nil
}

// abort releases acquired locks in reverse order, rolls back the log-buffer
// reservation and clears all sets.
func (x *Xct) abort() {
	for i := len(x.writes) - 1; i >= 0; i-- {
		w := &x.writes[i]
		if w.locked {
			w.owner.Unlock()
			w.locked = false
		}
	}
	x.thread.logBuf.rollback(x.logMark)
	x.clear()
}

func (x *Xct) clear() {
	x.active = false
	x.reads = x.reads[:0]
	x.writes = x.writes[:0]
	x.pointers = x.pointers[:0]
	x.nodes = x.nodes[:0]
}
