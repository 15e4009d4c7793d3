package silkdb

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// epochAdvanceInterval paces the global epoch. Shorter means lower commit
// latency for WaitForCommit, at the cost of more epoch boundaries.
const epochAdvanceInterval = 10 * time.Millisecond

// XctManager owns the global epoch and the goroutine that advances it;
// transactions begin, precommit and abort through Thread. The epoch
// advances only while no precommit holds the read lock,
// which is what lets loggers treat "current-1" as closed.
type XctManager struct {
	epoch     uint64 // Epoch, atomic
	epochLock sync.RWMutex

	stop  chan struct{}
	group *errgroup.Group
}

func newXctManager() *XctManager {
	m := &XctManager{stop: make(chan struct{})}
	atomic.StoreUint64(&m.epoch, uint64(EpochInitial))
	return m
}

func (m *XctManager) CurrentEpoch() Epoch {
	return Epoch(atomic.LoadUint64(&m.epoch))
}

func (m *XctManager) initialize() {
	m.group = &errgroup.Group{}
	m.group.Go(m.run)
}

func (m *XctManager) run() error {
	ticker := time.NewTicker(epochAdvanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return nil
		case <-ticker.C:
			m.advanceEpoch()
		}
	}
}

func (m *XctManager) advanceEpoch() {
	m.epochLock.Lock()
	next := m.CurrentEpoch().Next()
	atomic.StoreUint64(&m.epoch, uint64(next))
	m.epochLock.Unlock()
}

func (m *XctManager) uninitialize() error {
	close(m.stop)
	return m.group.Wait()
}
