package silkdb

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// SnapshotManager dumps every volatile page into per-node-partition binary
// files. Triggered periodically, by a low free-page ratio, or explicitly.
// Recovery replay of these files is out of scope here; the format is
// page-aligned records with per-page checksums so a gleaner can consume
// them.
type SnapshotManager struct {
	engine *Engine
	opts   *SnapshotOptions

	mu       sync.Mutex
	sequence int

	stop  chan struct{}
	group *errgroup.Group
}

func newSnapshotManager(engine *Engine, opts *SnapshotOptions) *SnapshotManager {
	return &SnapshotManager{engine: engine, opts: opts, stop: make(chan struct{})}
}

func (s *SnapshotManager) initialize() {
	s.group = &errgroup.Group{}
	if s.opts.SnapshotIntervalMilliseconds > 0 || s.opts.SnapshotTriggerPagePoolPercent > 0 {
		s.group.Go(s.run)
	}
}

func (s *SnapshotManager) run() error {
	interval := time.Duration(s.opts.SnapshotIntervalMilliseconds) * time.Millisecond
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return nil
		case <-ticker.C:
			if s.opts.SnapshotIntervalMilliseconds > 0 || s.poolPressure() {
				if err := s.TakeSnapshot(); err != nil {
					log.WithError(err).Error("periodic snapshot failed")
				}
			}
		}
	}
}

// poolPressure checks the free-page trigger against every node pool.
func (s *SnapshotManager) poolPressure() bool {
	if s.opts.SnapshotTriggerPagePoolPercent <= 0 {
		return false
	}
	for _, np := range s.engine.pool.nodes {
		freePercent := 100 * np.freeCount() / int(np.pages)
		if freePercent < s.opts.SnapshotTriggerPagePoolPercent {
			return true
		}
	}
	return false
}

// partitionPath substitutes the $NODE$ and $PARTITION$ placeholders.
func (s *SnapshotManager) partitionPath(node uint8, partition, sequence int) string {
	p := s.opts.FolderPathPattern
	p = strings.ReplaceAll(p, "$NODE$", strconv.Itoa(int(node)))
	p = strings.ReplaceAll(p, "$PARTITION$", strconv.Itoa(partition))
	return filepath.Join(p, "snapshot_"+strconv.Itoa(sequence)+".silksnap")
}

// snapshotPageHeader precedes each page in a partition file:
// [u64 page id][u64 xxhash of raw page][u32 compressed len][u32 raw len].
const snapshotPageHeaderSize = 24

// TakeSnapshot writes all pages of all storages, partitioned by owning
// node, one writer goroutine per node.
func (s *SnapshotManager) TakeSnapshot() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sequence := s.sequence
	s.sequence++

	compress, _ := s.opts.Compression.codec()
	nodeCount := len(s.engine.pool.nodes)
	partitions := s.opts.PartitionsPerNode
	type pageCopy struct {
		id  uint64
		raw []byte
	}
	buckets := make([][][]pageCopy, nodeCount)
	for n := range buckets {
		buckets[n] = make([][]pageCopy, partitions)
	}

	for _, st := range s.engine.storages.all() {
		err := st.eachPage(func(ptr VolatilePointer, page *PageHeader) error {
			raw := pageBytes(page)
			node := int(ptr.Node())
			partition := int(ptr.Offset()) % partitions
			buckets[node][partition] = append(buckets[node][partition], pageCopy{
				id:  uint64(ptr),
				raw: append([]byte(nil), raw...),
			})
			return nil
		})
		if err != nil {
			return err
		}
	}

	group := &errgroup.Group{}
	for n := 0; n < nodeCount; n++ {
		node := uint8(n)
		nodeBuckets := buckets[n]
		group.Go(func() error {
			for partition, pages := range nodeBuckets {
				path := s.partitionPath(node, partition, sequence)
				if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
					return errors.Wrapf(err, "cannot create snapshot folder for %s", path)
				}
				f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
				if err != nil {
					return errors.Wrapf(err, "cannot open snapshot file %s", path)
				}
				for _, pc := range pages {
					compressed := compress(pc.raw)
					var header [snapshotPageHeaderSize]byte
					binary.LittleEndian.PutUint64(header[0:], pc.id)
					binary.LittleEndian.PutUint64(header[8:], xxhash.Sum64(pc.raw))
					binary.LittleEndian.PutUint32(header[16:], uint32(len(compressed)))
					binary.LittleEndian.PutUint32(header[20:], uint32(len(pc.raw)))
					if _, err := f.Write(header[:]); err != nil {
						_ = f.Close()
						return errors.Wrap(err, "snapshot page header write failed")
					}
					if _, err := f.Write(compressed); err != nil {
						_ = f.Close()
						return errors.Wrap(err, "snapshot page write failed")
					}
					// zero-pad so the next record starts on a page boundary
					if pad := (PageSize - (snapshotPageHeaderSize+len(compressed))%PageSize) % PageSize; pad > 0 {
						if _, err := f.Write(make([]byte, pad)); err != nil {
							_ = f.Close()
							return errors.Wrap(err, "snapshot page padding write failed")
						}
					}
				}
				if err := f.Sync(); err != nil {
					_ = f.Close()
					return errors.Wrap(err, "snapshot fsync failed")
				}
				if err := f.Close(); err != nil {
					return errors.Wrap(err, "snapshot close failed")
				}
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}
	log.WithField("sequence", sequence).Info("snapshot written")
	return nil
}

func (s *SnapshotManager) uninitialize() error {
	close(s.stop)
	if s.group == nil {
		return nil
	}
	return s.group.Wait()
}
