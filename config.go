package silkdb

import (
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Options represents the options that can be set when creating an engine.
// DefaultOptions holds a working value for every field; NewEngine uses it
// only when given nil. Zero-value sub-structs are not filled in and fail
// validation.
type Options struct {
	Thread    ThreadOptions    `validate:"required"`
	Memory    MemoryOptions    `validate:"required"`
	Log       LogOptions       `validate:"required"`
	Snapshot  SnapshotOptions  `validate:"required"`
	Savepoint SavepointOptions `validate:"required"`
	Debugging DebuggingOptions
}

type ThreadOptions struct {
	// GroupCount is the number of NUMA nodes the engine spreads over.
	GroupCount int `validate:"min=1,max=64"`
	// ThreadCountPerGroup is the number of worker contexts per node.
	ThreadCountPerGroup int `validate:"min=1,max=256"`
}

type MemoryOptions struct {
	// PagePoolSizeMBPerNode is the per-node arena size. The arena is carved
	// into 4 KiB page slots; slot 0 is reserved as the null page.
	PagePoolSizeMBPerNode int `validate:"min=1,max=1048576"`
}

type LogOptions struct {
	LoggersPerNode int    `validate:"min=1,max=16"`
	LogBufferKB    int    `validate:"min=4,max=1048576"`
	LogFileSizeMB  int    `validate:"min=1,max=1048576"`
	FolderPath     string `validate:"required"`
	// Compression selects the block codec for flushed log files.
	Compression     CompressAlgorithm `validate:"max=2"`
	FlushAtShutdown bool
}

type SnapshotOptions struct {
	// FolderPathPattern is a path template; $NODE$ and $PARTITION$ are
	// substituted per snapshot file.
	FolderPathPattern string `validate:"required,contains=$NODE$"`
	PartitionsPerNode int    `validate:"min=1,max=256"`
	// SnapshotIntervalMilliseconds <= 0 disables the periodic trigger.
	SnapshotIntervalMilliseconds int `validate:"min=0"`
	// SnapshotTriggerPagePoolPercent triggers a snapshot when the free-page
	// ratio of any node pool drops below the percentage. 0 disables.
	SnapshotTriggerPagePoolPercent int               `validate:"min=0,max=100"`
	Compression                    CompressAlgorithm `validate:"max=2"`
}

type SavepointOptions struct {
	SavepointPath string `validate:"required"`
}

type DebuggingOptions struct {
	DebugLogMinThreshold string `validate:"omitempty,oneof=debug info warn error"`
	VerboseModules       string
	VerboseLogLevel      int `validate:"min=0,max=2"`
	// LogPath, when set, routes engine logs through a rotating file instead
	// of stderr.
	LogPath string
}

// DefaultOptions is sized for tests and small loads; production deployments
// override at least the memory and log sections.
var DefaultOptions = &Options{
	Thread: ThreadOptions{
		GroupCount:          1,
		ThreadCountPerGroup: 2,
	},
	Memory: MemoryOptions{
		PagePoolSizeMBPerNode: 4,
	},
	Log: LogOptions{
		LoggersPerNode:  1,
		LogBufferKB:     256,
		LogFileSizeMB:   16,
		FolderPath:      "silkdb_logs",
		Compression:     CompSnappy,
		FlushAtShutdown: true,
	},
	Snapshot: SnapshotOptions{
		FolderPathPattern:              "silkdb_snapshots/node_$NODE$/partition_$PARTITION$",
		PartitionsPerNode:              1,
		SnapshotIntervalMilliseconds:   0,
		SnapshotTriggerPagePoolPercent: 0,
		Compression:                    CompSnappy,
	},
	Savepoint: SavepointOptions{
		SavepointPath: "silkdb_savepoint.xml",
	},
	Debugging: DebuggingOptions{
		DebugLogMinThreshold: "info",
	},
}

var validate = validator.New()

// Validate checks all option ranges. Violations map to CONF_VALUE_OUTOFRANGE
// with the offending field named.
func (o *Options) Validate() error {
	if err := validate.Struct(o); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return errors.Wrapf(ErrConfValueOutOfRange, "%s", verrs[0].Namespace())
		}
		return errors.Wrap(ErrConfValueOutOfRange, err.Error())
	}
	return nil
}

// clone returns a deep copy so a running engine never observes caller edits.
func (o *Options) clone() *Options {
	c := *o
	return &c
}

func (o *Options) pagesPerNode() uint32 {
	return uint32(o.Memory.PagePoolSizeMBPerNode) * (1 << 20) / PageSize
}

func (o *Options) applyLogging() {
	level, err := log.ParseLevel(o.Debugging.DebugLogMinThreshold)
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)
	if o.Debugging.LogPath != "" {
		log.SetOutput(&lumberjack.Logger{
			Filename:   o.Debugging.LogPath,
			MaxSize:    64, // MB
			MaxBackups: 4,
		})
	}
}
