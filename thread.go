package silkdb

import (
	"runtime"

	"github.com/pkg/errors"
)

// Thread is a worker context pinned to a node: its free-page source, log
// buffer and current transaction. Threads are created at engine
// initialization and handed out through Impersonate.
type Thread struct {
	engine *Engine
	id     int
	node   uint8

	logBuf *LogBuffer
	xct    Xct

	lastEpoch Epoch
	ordinal   uint32

	tasks chan impersonateTask
}

type impersonateTask struct {
	fn   func(*Thread) error
	done chan error
}

func newThread(engine *Engine, id int, node uint8) *Thread {
	t := &Thread{
		engine: engine,
		id:     id,
		node:   node,
		logBuf: engine.logMgr.newLogBuffer(node, id),
		tasks:  make(chan impersonateTask),
	}
	t.xct.thread = t
	return t
}

// run is the worker loop; the OS thread stays locked so the node pinning of
// page allocations is stable for the task's lifetime.
func (t *Thread) run(stop <-chan struct{}) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	for {
		select {
		case <-stop:
			return
		case task := <-t.tasks:
			task.done <- task.fn(t)
		}
	}
}

func (t *Thread) Engine() *Engine { return t.engine }
func (t *Thread) Node() uint8     { return t.node }

// GrabFreePage allocates from the thread's node pool.
func (t *Thread) GrabFreePage(flags uint8) (VolatilePointer, *PageHeader, error) {
	return t.engine.pool.Grab(t.node, flags)
}

// ReleaseFreePage returns a page grabbed but never published.
func (t *Thread) ReleaseFreePage(ptr VolatilePointer) {
	t.engine.pool.Release(ptr)
}

// BeginXct starts a transaction on this thread. Only serializable isolation
// exists.
func (t *Thread) BeginXct(isolation Isolation) error {
	if t.xct.active {
		return errors.WithStack(ErrActiveXct)
	}
	t.xct.begin(isolation)
	return nil
}

// PrecommitXct validates and publishes the transaction, returning the
// commit epoch.
func (t *Thread) PrecommitXct() (Epoch, error) {
	if !t.xct.active {
		return EpochInvalid, errors.WithStack(ErrNoActiveXct)
	}
	return t.xct.precommit()
}

// AbortXct discards the transaction; all staged effects vanish.
func (t *Thread) AbortXct() error {
	if !t.xct.active {
		return errors.WithStack(ErrNoActiveXct)
	}
	t.xct.abort()
	return nil
}

// WaitForCommit blocks until the epoch's log records are durable.
func (t *Thread) WaitForCommit(epoch Epoch) {
	t.engine.logMgr.WaitForCommit(epoch)
}

func (t *Thread) currentXct() *Xct { return &t.xct }

// nextOrdinal hands out the in-epoch ordinal, monotone within an epoch.
func (t *Thread) nextOrdinal(epoch Epoch) uint32 {
	if t.lastEpoch != epoch {
		t.lastEpoch = epoch
		t.ordinal = 0
	}
	t.ordinal++
	return t.ordinal
}
