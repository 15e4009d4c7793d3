package silkdb

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

type LogType uint8

const (
	LogArrayOverwrite LogType = iota + 1
	LogMasstreeInsert
	LogMasstreeDelete
	LogMasstreeOverwrite
)

// LogRecord is a typed redo record. Records are staged in the worker's log
// buffer at operation time and applied to data pages only at precommit.
type LogRecord struct {
	Type      LogType
	StorageID StorageID
	Epoch     Epoch
	Ordinal   uint32

	ArrayOffset   uint64 // array records
	Key           []byte // masstree records: full key bytes
	Layer         uint8
	PayloadOffset uint16
	Payload       []byte
}

// applyTo redoes the record against the record's payload area. The caller
// holds the record's key lock.
func (l *LogRecord) applyTo(record []byte) {
	switch l.Type {
	case LogArrayOverwrite, LogMasstreeOverwrite:
		copy(record[l.PayloadOffset:], l.Payload)
	case LogMasstreeInsert:
		copy(record, l.Payload)
	case LogMasstreeDelete:
		// logical delete; the owner word carries the state
	}
}

func (l *LogRecord) approxSize() int {
	return 32 + len(l.Key) + len(l.Payload)
}

// encode appends the record in varint framing.
func (l *LogRecord) encode(buf *bytes.Buffer) {
	var tmp [binary.MaxVarintLen64]byte
	put := func(v uint64) {
		n := binary.PutUvarint(tmp[:], v)
		buf.Write(tmp[:n])
	}
	buf.WriteByte(byte(l.Type))
	put(uint64(l.StorageID))
	put(uint64(l.Epoch))
	put(uint64(l.Ordinal))
	buf.WriteByte(l.Layer)
	put(l.ArrayOffset)
	put(uint64(l.PayloadOffset))
	put(uint64(len(l.Key)))
	buf.Write(l.Key)
	put(uint64(len(l.Payload)))
	buf.Write(l.Payload)
}

func decodeLogRecord(r *bytes.Reader) (*LogRecord, error) {
	typeByte, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	rec := &LogRecord{Type: LogType(typeByte)}
	get := func() (uint64, error) { return binary.ReadUvarint(r) }
	sid, err := get()
	if err != nil {
		return nil, errors.Wrap(err, "failed to read storage id")
	}
	rec.StorageID = StorageID(sid)
	epoch, err := get()
	if err != nil {
		return nil, errors.Wrap(err, "failed to read epoch")
	}
	rec.Epoch = Epoch(epoch)
	ordinal, err := get()
	if err != nil {
		return nil, errors.Wrap(err, "failed to read ordinal")
	}
	rec.Ordinal = uint32(ordinal)
	layer, err := r.ReadByte()
	if err != nil {
		return nil, errors.Wrap(err, "failed to read layer")
	}
	rec.Layer = layer
	if rec.ArrayOffset, err = get(); err != nil {
		return nil, errors.Wrap(err, "failed to read array offset")
	}
	poff, err := get()
	if err != nil {
		return nil, errors.Wrap(err, "failed to read payload offset")
	}
	rec.PayloadOffset = uint16(poff)
	keyLen, err := get()
	if err != nil {
		return nil, errors.Wrap(err, "failed to read key length")
	}
	rec.Key = make([]byte, keyLen)
	if _, err = r.Read(rec.Key); err != nil && keyLen > 0 {
		return nil, errors.Wrap(err, "failed to read key")
	}
	payloadLen, err := get()
	if err != nil {
		return nil, errors.Wrap(err, "failed to read payload length")
	}
	rec.Payload = make([]byte, payloadLen)
	if _, err = r.Read(rec.Payload); err != nil && payloadLen > 0 {
		return nil, errors.Wrap(err, "failed to read payload")
	}
	return rec, nil
}

// LogBuffer is a worker's staging area: single producer (the worker),
// single consumer (its logger). The head only advances past records whose
// transaction precommitted.
type LogBuffer struct {
	logger      *Logger
	capacity    int
	stagedBytes int
	staged      []*LogRecord
}

// Reserve stages a typed record and returns it for population.
func (b *LogBuffer) Reserve(rec *LogRecord) (*LogRecord, error) {
	sz := rec.approxSize()
	if b.stagedBytes+sz > b.capacity {
		return nil, errors.Wrapf(ErrBufferTooSmall, "log buffer full at %d bytes", b.stagedBytes)
	}
	b.stagedBytes += sz
	b.staged = append(b.staged, rec)
	return rec, nil
}

// mark and rollback bracket a transaction's reservation.
func (b *LogBuffer) mark() int { return len(b.staged) }

func (b *LogBuffer) rollback(mark int) {
	for _, rec := range b.staged[mark:] {
		b.stagedBytes -= rec.approxSize()
	}
	b.staged = b.staged[:mark]
}

// commit stamps the committed prefix and hands it to the logger; the buffer
// head advances past it.
func (b *LogBuffer) commit(epoch Epoch, ordinal uint32) {
	for _, rec := range b.staged {
		rec.Epoch = epoch
		rec.Ordinal = ordinal
		b.stagedBytes -= rec.approxSize()
	}
	b.logger.enqueue(b.staged)
	b.staged = nil
}

// Logger drains committed records from its workers' buffers into log files,
// one compressed checksummed block per flush.
type Logger struct {
	node     uint8
	index    int
	opts     *LogOptions
	compress Compressor

	mu    sync.Mutex
	queue []*LogRecord

	file     *os.File
	fileSize int64
	fileSeq  int

	durable uint64 // Epoch, atomic
}

func newLogger(node uint8, index int, opts *LogOptions) *Logger {
	comp, _ := opts.Compression.codec()
	return &Logger{node: node, index: index, opts: opts, compress: comp}
}

func (l *Logger) enqueue(records []*LogRecord) {
	l.mu.Lock()
	l.queue = append(l.queue, records...)
	l.mu.Unlock()
}

func (l *Logger) takeQueue() []*LogRecord {
	l.mu.Lock()
	q := l.queue
	l.queue = nil
	l.mu.Unlock()
	return q
}

func (l *Logger) openNextFile() error {
	if l.file != nil {
		if err := l.file.Close(); err != nil {
			return errors.Wrap(err, "log file close failed")
		}
	}
	name := fmt.Sprintf("log_node%d_logger%d_%04d.silklog", l.node, l.index, l.fileSeq)
	l.fileSeq++
	path := filepath.Join(l.opts.FolderPath, name)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return errors.Wrapf(err, "cannot open log file %s", path)
	}
	l.file = f
	l.fileSize = 0
	return nil
}

// flush writes one block: [u32 compressed len][u32 raw len][u64 xxhash of
// compressed bytes][compressed bytes].
func (l *Logger) flush(currentEpoch Epoch) error {
	records := l.takeQueue()
	if len(records) > 0 {
		raw := &bytes.Buffer{}
		for _, rec := range records {
			rec.encode(raw)
		}
		compressed := l.compress(raw.Bytes())
		var header [16]byte
		binary.LittleEndian.PutUint32(header[0:], uint32(len(compressed)))
		binary.LittleEndian.PutUint32(header[4:], uint32(raw.Len()))
		binary.LittleEndian.PutUint64(header[8:], xxhash.Sum64(compressed))
		if l.file == nil || l.fileSize >= int64(l.opts.LogFileSizeMB)*(1<<20) {
			if err := l.openNextFile(); err != nil {
				return err
			}
		}
		if _, err := l.file.Write(header[:]); err != nil {
			return errors.Wrap(err, "log block header write failed")
		}
		n, err := l.file.Write(compressed)
		if err != nil {
			return errors.Wrap(err, "log block write failed")
		}
		if err := l.file.Sync(); err != nil {
			return errors.Wrap(err, "log fsync failed")
		}
		l.fileSize += int64(n) + int64(len(header))
	}
	// Everything at or below currentEpoch-1 was enqueued before we sampled
	// the epoch (enqueue happens under the epoch read lock), so it is now on
	// disk.
	if currentEpoch > EpochInitial {
		atomic.StoreUint64(&l.durable, uint64(currentEpoch-1))
	}
	return nil
}

func (l *Logger) durableEpoch() Epoch {
	return Epoch(atomic.LoadUint64(&l.durable))
}

func (l *Logger) close() error {
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return errors.Wrap(err, "log file close failed")
}

const loggerFlushInterval = 5 * time.Millisecond

// LogManager owns the loggers and the durable-epoch watermark feeding
// WaitForCommit.
type LogManager struct {
	opts    *LogOptions
	loggers []*Logger

	durableMu   sync.Mutex
	durableCond *sync.Cond
	durable     Epoch

	stop   chan struct{}
	group  *errgroup.Group
	epochs interface{ CurrentEpoch() Epoch }
}

func newLogManager(opts *LogOptions, nodeCount int, epochs interface{ CurrentEpoch() Epoch }) *LogManager {
	m := &LogManager{opts: opts, stop: make(chan struct{}), epochs: epochs}
	m.durableCond = sync.NewCond(&m.durableMu)
	for node := 0; node < nodeCount; node++ {
		for i := 0; i < opts.LoggersPerNode; i++ {
			m.loggers = append(m.loggers, newLogger(uint8(node), i, opts))
		}
	}
	return m
}

// loggerFor assigns a worker to a logger on its node.
func (m *LogManager) loggerFor(node uint8, thread int) *Logger {
	base := int(node) * m.opts.LoggersPerNode
	return m.loggers[base+thread%m.opts.LoggersPerNode]
}

func (m *LogManager) newLogBuffer(node uint8, thread int) *LogBuffer {
	return &LogBuffer{
		logger:   m.loggerFor(node, thread),
		capacity: m.opts.LogBufferKB * 1024,
	}
}

func (m *LogManager) initialize() error {
	if err := os.MkdirAll(m.opts.FolderPath, 0755); err != nil {
		return errors.Wrapf(err, "cannot create log folder %s", m.opts.FolderPath)
	}
	m.group = &errgroup.Group{}
	for _, l := range m.loggers {
		logger := l
		m.group.Go(func() error { return m.run(logger) })
	}
	return nil
}

func (m *LogManager) run(l *Logger) error {
	ticker := time.NewTicker(loggerFlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			if m.opts.FlushAtShutdown {
				if err := l.flush(m.epochs.CurrentEpoch()); err != nil {
					return err
				}
			}
			return l.close()
		case <-ticker.C:
			if err := l.flush(m.epochs.CurrentEpoch()); err != nil {
				log.WithFields(log.Fields{"node": l.node, "logger": l.index}).
					WithError(err).Error("log flush failed")
				return err
			}
			m.publishDurable()
		}
	}
}

func (m *LogManager) publishDurable() {
	min := Epoch(^uint32(0))
	for _, l := range m.loggers {
		if d := l.durableEpoch(); d.Before(min) {
			min = d
		}
	}
	m.durableMu.Lock()
	if m.durable.Before(min) {
		m.durable = min
		m.durableCond.Broadcast()
	}
	m.durableMu.Unlock()
}

// WaitForCommit blocks until every logger has flushed all records of the
// given epoch.
func (m *LogManager) WaitForCommit(epoch Epoch) {
	m.durableMu.Lock()
	for m.durable.Before(epoch) {
		m.durableCond.Wait()
	}
	m.durableMu.Unlock()
}

func (m *LogManager) uninitialize() error {
	close(m.stop)
	return m.group.Wait()
}
