package silkdb

import (
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Engine is the process-wide state: page pools, storage registry, current
// epoch, logger threads, savepoint and snapshot managers. Use of any API
// before Initialize or after Uninitialize is a programming error.
type Engine struct {
	opts *Options

	pool      *PagePool
	storages  *StorageManager
	xctMgr    *XctManager
	logMgr    *LogManager
	savepoint *SavepointManager
	snapshot  *SnapshotManager

	threads     []*Thread
	idleThreads chan *Thread
	stopWorkers chan struct{}
	workerWG    sync.WaitGroup

	initialized bool
}

// NewEngine validates the options and builds an engine; Initialize brings
// it up.
func NewEngine(opts *Options) (*Engine, error) {
	if opts == nil {
		opts = DefaultOptions
	}
	opts = opts.clone()
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &Engine{opts: opts}, nil
}

func (e *Engine) Options() *Options { return e.opts }

// Initialize maps the arenas, starts the epoch manager, loggers, worker
// contexts and the snapshot trigger.
func (e *Engine) Initialize() error {
	if e.initialized {
		return errors.New("engine already initialized")
	}
	e.opts.applyLogging()
	log.WithFields(log.Fields{
		"nodes":   e.opts.Thread.GroupCount,
		"workers": e.opts.Thread.ThreadCountPerGroup,
		"pool_mb": e.opts.Memory.PagePoolSizeMBPerNode,
	}).Info("initializing engine")

	pool, err := newPagePool(e.opts.Thread.GroupCount, e.opts.pagesPerNode())
	if err != nil {
		return err
	}
	e.pool = pool

	e.xctMgr = newXctManager()
	e.xctMgr.initialize()

	e.logMgr = newLogManager(&e.opts.Log, e.opts.Thread.GroupCount, e.xctMgr)
	if err := e.logMgr.initialize(); err != nil {
		_ = e.xctMgr.uninitialize()
		_ = e.pool.close()
		return err
	}
	e.savepoint = newSavepointManager(&e.opts.Savepoint)
	if err := e.savepoint.initialize(); err != nil {
		_ = e.logMgr.uninitialize()
		_ = e.xctMgr.uninitialize()
		_ = e.pool.close()
		return err
	}
	e.storages = newStorageManager(e)

	e.snapshot = newSnapshotManager(e, &e.opts.Snapshot)
	e.snapshot.initialize()

	total := e.opts.Thread.GroupCount * e.opts.Thread.ThreadCountPerGroup
	e.threads = make([]*Thread, 0, total)
	e.idleThreads = make(chan *Thread, total)
	e.stopWorkers = make(chan struct{})
	id := 0
	for node := 0; node < e.opts.Thread.GroupCount; node++ {
		for w := 0; w < e.opts.Thread.ThreadCountPerGroup; w++ {
			t := newThread(e, id, uint8(node))
			e.threads = append(e.threads, t)
			e.idleThreads <- t
			e.workerWG.Add(1)
			go func() {
				defer e.workerWG.Done()
				t.run(e.stopWorkers)
			}()
			id++
		}
	}

	e.initialized = true
	log.Info("engine initialized")
	return nil
}

// Uninitialize drops all storages, flushes and stops the loggers, stops
// the workers and unmaps the arenas.
func (e *Engine) Uninitialize() error {
	if !e.initialized {
		return errors.WithStack(ErrNotInitialized)
	}
	e.initialized = false
	log.Info("uninitializing engine")

	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}

	keep(e.snapshot.uninitialize())

	// releasing pages wants a thread context; borrow the first worker's
	// identity without its goroutine
	keep(e.storages.dropAll(e.threads[0]))

	close(e.stopWorkers)
	e.workerWG.Wait()

	keep(e.logMgr.uninitialize())
	keep(e.xctMgr.uninitialize())
	keep(e.pool.close())

	log.Info("engine uninitialized")
	return first
}

// Impersonate borrows an idle worker context, runs fn on its pinned
// goroutine and returns fn's error.
func (e *Engine) Impersonate(fn func(*Thread) error) error {
	if !e.initialized {
		return errors.WithStack(ErrNotInitialized)
	}
	t := <-e.idleThreads
	defer func() { e.idleThreads <- t }()
	done := make(chan error, 1)
	t.tasks <- impersonateTask{fn: fn, done: done}
	return <-done
}

// StorageManager exposes the registry.
func (e *Engine) StorageManager() *StorageManager { return e.storages }

// GetStorage resolves a storage by id.
func (e *Engine) GetStorage(id StorageID) (Storage, error) {
	if !e.initialized {
		return nil, errors.WithStack(ErrNotInitialized)
	}
	return e.storages.Get(id)
}

// GetStorageByName resolves a storage by its unique name.
func (e *Engine) GetStorageByName(name string) (Storage, error) {
	if !e.initialized {
		return nil, errors.WithStack(ErrNotInitialized)
	}
	return e.storages.GetByName(name)
}

// TakeSnapshot forces a snapshot outside the periodic cadence.
func (e *Engine) TakeSnapshot() error {
	if !e.initialized {
		return errors.WithStack(ErrNotInitialized)
	}
	return e.snapshot.TakeSnapshot()
}

// CurrentEpoch reads the global epoch.
func (e *Engine) CurrentEpoch() Epoch { return e.xctMgr.CurrentEpoch() }
