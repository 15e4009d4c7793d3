package silkdb

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

type StorageType uint8

const (
	StorageTypeArray StorageType = iota + 1
	StorageTypeMasstree
	// reserved tags; these storage kinds live outside this engine core
	StorageTypeHash
	StorageTypeSequential
)

var storageTypeNames = map[StorageType]string{
	StorageTypeArray:      "array",
	StorageTypeMasstree:   "masstree",
	StorageTypeHash:       "hash",
	StorageTypeSequential: "sequential",
}

func (t StorageType) String() string {
	if n, ok := storageTypeNames[t]; ok {
		return n
	}
	return "unknown"
}

// Metadata is the persisted description of one storage; the savepoint
// document serializes the registry's list of these.
type Metadata struct {
	ID   StorageID
	Name string
	Type StorageType

	// array storages
	PayloadSize uint16
	ArraySize   uint64

	RootPageID uint64
}

// Storage is the capability set the registry stores, dispatched statically
// per operation site through the concrete types.
type Storage interface {
	ID() StorageID
	Name() string
	Type() StorageType
	IsInitialized() bool
	Exists() bool
	Metadata() *Metadata

	drop(t *Thread) error
	// eachPage walks every volatile page for the snapshot writer.
	eachPage(fn func(ptr VolatilePointer, page *PageHeader) error) error
}

type storageView struct {
	byID   map[StorageID]Storage
	byName map[string]Storage
}

// StorageManager maps storage ID and unique name to handles. Registration
// is single-writer under mu; readers use the snapshot-consistent view
// republished at each metadata change.
type StorageManager struct {
	engine *Engine

	mu     sync.Mutex
	nextID StorageID
	view   atomic.Pointer[storageView]
}

func newStorageManager(engine *Engine) *StorageManager {
	m := &StorageManager{engine: engine, nextID: 1}
	m.view.Store(&storageView{
		byID:   map[StorageID]Storage{},
		byName: map[string]Storage{},
	})
	return m
}

func (m *StorageManager) Get(id StorageID) (Storage, error) {
	if s, ok := m.view.Load().byID[id]; ok {
		return s, nil
	}
	return nil, errors.Wrapf(ErrNotFound, "storage id %d", id)
}

func (m *StorageManager) GetByName(name string) (Storage, error) {
	if s, ok := m.view.Load().byName[name]; ok {
		return s, nil
	}
	return nil, errors.Wrapf(ErrNotFound, "storage %q", name)
}

func (m *StorageManager) all() []Storage {
	v := m.view.Load()
	out := make([]Storage, 0, len(v.byID))
	for _, s := range v.byID {
		out = append(out, s)
	}
	return out
}

// register publishes a new view with the storage added. Caller holds mu.
func (m *StorageManager) register(s Storage) {
	old := m.view.Load()
	next := &storageView{
		byID:   make(map[StorageID]Storage, len(old.byID)+1),
		byName: make(map[string]Storage, len(old.byName)+1),
	}
	for k, v := range old.byID {
		next.byID[k] = v
	}
	for k, v := range old.byName {
		next.byName[k] = v
	}
	next.byID[s.ID()] = s
	next.byName[s.Name()] = s
	m.view.Store(next)
}

func (m *StorageManager) unregister(s Storage) {
	old := m.view.Load()
	next := &storageView{
		byID:   make(map[StorageID]Storage, len(old.byID)),
		byName: make(map[string]Storage, len(old.byName)),
	}
	for k, v := range old.byID {
		if k != s.ID() {
			next.byID[k] = v
		}
	}
	for k, v := range old.byName {
		if k != s.Name() {
			next.byName[k] = v
		}
	}
	m.view.Store(next)
}

// CreateArray creates and registers an array storage, returning its handle
// and the commit epoch of the creation.
func (m *StorageManager) CreateArray(t *Thread, name string, payloadSize uint16, arraySize uint64) (*ArrayStorage, Epoch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.view.Load().byName[name]; ok {
		return nil, EpochInvalid, errors.Wrapf(ErrAlreadyExists, "storage %q", name)
	}
	meta := &Metadata{
		ID:          m.nextID,
		Name:        name,
		Type:        StorageTypeArray,
		PayloadSize: payloadSize,
		ArraySize:   arraySize,
	}
	st, err := createArrayStorage(t, meta)
	if err != nil {
		return nil, EpochInvalid, err
	}
	m.nextID++
	m.register(st)
	epoch := m.engine.xctMgr.CurrentEpoch()
	if err := m.engine.savepoint.write(m.all()); err != nil {
		log.WithError(err).Warn("savepoint write after create failed")
	}
	log.WithFields(log.Fields{"id": meta.ID, "name": name, "type": "array"}).
		Info("created storage")
	return st, epoch, nil
}

// CreateMasstree creates and registers a masstree storage.
func (m *StorageManager) CreateMasstree(t *Thread, name string) (*MasstreeStorage, Epoch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.view.Load().byName[name]; ok {
		return nil, EpochInvalid, errors.Wrapf(ErrAlreadyExists, "storage %q", name)
	}
	meta := &Metadata{
		ID:   m.nextID,
		Name: name,
		Type: StorageTypeMasstree,
	}
	st, err := createMasstreeStorage(t, meta)
	if err != nil {
		return nil, EpochInvalid, err
	}
	m.nextID++
	m.register(st)
	epoch := m.engine.xctMgr.CurrentEpoch()
	if err := m.engine.savepoint.write(m.all()); err != nil {
		log.WithError(err).Warn("savepoint write after create failed")
	}
	log.WithFields(log.Fields{"id": meta.ID, "name": name, "type": "masstree"}).
		Info("created storage")
	return st, epoch, nil
}

// DropStorage unregisters the storage and returns its pages to the pools.
func (m *StorageManager) DropStorage(t *Thread, id StorageID) (Epoch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.view.Load().byID[id]
	if !ok {
		return EpochInvalid, errors.Wrapf(ErrNotFound, "storage id %d", id)
	}
	m.unregister(s)
	if err := s.drop(t); err != nil {
		return EpochInvalid, err
	}
	epoch := m.engine.xctMgr.CurrentEpoch()
	if err := m.engine.savepoint.write(m.all()); err != nil {
		log.WithError(err).Warn("savepoint write after drop failed")
	}
	log.WithFields(log.Fields{"id": id}).Info("dropped storage")
	return epoch, nil
}

// dropAll releases every storage at engine teardown.
func (m *StorageManager) dropAll(t *Thread) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var first error
	for _, s := range m.all() {
		m.unregister(s)
		if err := s.drop(t); err != nil && first == nil {
			first = err
		}
	}
	return first
}
