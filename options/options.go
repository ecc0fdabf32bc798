package options

import (
	"hash"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ckvdb/ckv/comparer"
	"github.com/ckvdb/ckv/filter"
	"github.com/ckvdb/ckv/logger"
	"github.com/ckvdb/ckv/storage"
)

const KLevelNum = 7
const KLevel0CompactionTrigger = 4
const KLevel0SlowDownTrigger = 8
const KLevel0StopWriteTrigger = 12
const KManifestSizeThreshold = 1 << 26 // 64m
const KMemTableWriteBufferSize = 1 << 21

const KLevel1SizeThreshold = 10 * (1 << 20) // 10m
const KWriteBatchSeqSize = 8
const KWriteBatchCountSize = 4
const KWriteBatchHeaderSize = 12 // first 8 bytes represent sequence, last 4 bytes represent batch count
// KTypeDel sorts below KTypeValue so a tombstone is still at or after a
// seek key carrying the same sequence in the descending trailer order.
const KTypeDel = 0
const KTypeValue = 1
const KTypeSeek = KTypeValue
const KDefaultCacheFileNums = 1000

// MaxBytesForLevel returns the target byte size of a level, growing by
// a factor of 10 per level below L1. Level 0 is scored by file count,
// not bytes.
func MaxBytesForLevel(level int) uint64 {
	result := uint64(KLevel1SizeThreshold)
	for level > 1 {
		result *= 10
		level--
	}
	return result
}

type CompressionType uint8

const (
	CompressionNone CompressionType = iota
	CompressionSnappy
)

type WALSyncPolicy uint8

const (
	// SyncEveryWrite fsyncs the journal before a write is acknowledged.
	SyncEveryWrite WALSyncPolicy = iota
	// SyncInterval leaves durability to the OS between periodic syncs,
	// trading the tail of the journal for throughput.
	SyncInterval
)

// Options open db options
type Options struct {

	// if missing current file point to manifest, set true will create a new one
	CreateIfMissingCurrent bool

	// user key order comparer, set default bytewise comparer
	Comparer comparer.Comparer

	// filter keys policy, set default bloom filter built from
	// BloomFalsePositiveRate
	FilterPolicy filter.IFilter

	// target false positive rate for the default bloom filter, set default 0.01
	BloomFalsePositiveRate float64

	// set the storage to support data persist, set default fileStorage
	Storage storage.Storage

	// NewHash32 builds the hash used by an lru cache to route keys to
	// shards. Each cache gets its own instance, the hash carries state.
	// Set default fnv32a.
	NewHash32 func() hash.Hash32

	// max manifest file bytes size, set default 64m
	MaxManifestFileSize int64

	// max open sst file readers in the table cache, set default 1000
	MaxOpenFiles uint32

	// amount of data to build up in memory before a memtable freeze, set default 2m
	WriteBufferSize uint32

	// values at least this long are stored in the value log and the table
	// keeps a pointer. Zero disables separation.
	ValueSeparationThreshold uint32

	// value log segment rotation size, set default 64m
	VlogSegmentSize uint64

	// a value log segment whose discardable fraction exceeds this ratio is
	// rewritten by the vlog gc pass, set default 0.5
	VlogGCDiscardRatio float64

	// capacity in bytes of the decoded block cache, set default 4m
	BlockCacheSize uint64

	// on sst format, every RestartNums of entry build a restart group, set default 16
	BlockRestartInterval uint8

	// sst block size, set default 4k
	BlockSize uint32

	// sst max estimate file size, table size always effect when persist block, set default 2m
	MaxEstimateFileSize uint32

	// data block compression, set default snappy
	Compression CompressionType

	// VerifyCheckSum verify the sst data block content check sum, set default true
	VerifyCheckSum bool

	// compaction input's overlapped with grand parent level table count, set default 10
	GPOverlappedLimit int

	// max compaction limit factor, set default 25
	MaxCompactionLimitFactor uint32

	// journal fsync policy, set default SyncEveryWrite
	WALSyncPolicy WALSyncPolicy

	// engine logger, set default nop
	Logger logger.Logger

	// when non nil the engine registers its prometheus collectors here
	MetricsRegisterer prometheus.Registerer
}
