package ckv

import (
	"container/list"
	"context"
	"hash"
	"hash/fnv"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/ckvdb/ckv/comparer"
	"github.com/ckvdb/ckv/errors"
	"github.com/ckvdb/ckv/filter"
	"github.com/ckvdb/ckv/iterator"
	"github.com/ckvdb/ckv/logger"
	"github.com/ckvdb/ckv/options"
	"github.com/ckvdb/ckv/storage"
	"github.com/ckvdb/ckv/wal"
)

// DB is a persistent ordered key value store. All methods are safe for
// concurrent use.
type DB struct {
	opt     *options.Options
	icmp    *iComparer
	s       storage.Storage
	logger  logger.Logger
	metrics *engineMetrics

	rwMutex    sync.RWMutex
	versionSet *VersionSet

	// compactionMu serializes everything that writes the manifest after
	// open: the background cycle, CompactRange and the vlog gc drop.
	// Ordering: compactionMu before rwMutex.
	compactionMu sync.Mutex

	journalWriter *wal.JournalWriter
	journalFd     storage.Fd
	frozenSeq     sequence

	seqNum sequence

	mem *MemDB
	imm *MemDB

	// atomic state
	hasImm   uint32
	shutdown uint32

	scratchBatch *WriteBatch
	writers      *list.List

	backgroundWorkFinishedSignal *sync.Cond
	bgErr                        error

	tableOperation *tableOperation
	tableCache     *tableCache
	snapshots      *list.List

	vlogWriter    *vlogWriter
	vlogReader    *vlogReader
	pendingVlogs  []vlogFile
	vlogDiscardMu sync.Mutex
	vlogDiscard   map[uint64]uint64

	pendingOutputs map[uint64]struct{}

	bgGroup     *errgroup.Group
	compactionC chan struct{}
	vlogGCC     chan struct{}
	closeC      chan struct{}
	closeOnce   sync.Once
	closeErr    error
}

// Open opens or creates the store rooted at dirpath. The directory is
// locked against concurrent opens until Close.
func Open(dirpath string, opt *options.Options) (*DB, error) {
	opt, err := sanitizeOptions(dirpath, opt)
	if err != nil {
		return nil, err
	}

	icmp := &iComparer{ucmp: opt.Comparer}
	iflt := iFilter{opt.FilterPolicy}
	tableCache := newTableCache(opt, opt.Storage, icmp, iflt)

	db := &DB{
		opt:            opt,
		icmp:           icmp,
		s:              opt.Storage,
		logger:         opt.Logger,
		metrics:        newEngineMetrics(opt.MetricsRegisterer),
		versionSet:     newVersionSet(opt, opt.Storage, icmp, tableCache),
		tableCache:     tableCache,
		scratchBatch:   NewWriteBatch(),
		writers:        list.New(),
		snapshots:      list.New(),
		vlogReader:     newVlogReader(opt.Storage),
		vlogDiscard:    make(map[uint64]uint64),
		pendingOutputs: make(map[uint64]struct{}),
		compactionC:    make(chan struct{}, 1),
		vlogGCC:        make(chan struct{}, 1),
		closeC:         make(chan struct{}),
	}
	db.backgroundWorkFinishedSignal = sync.NewCond(&db.rwMutex)
	db.tableOperation = newTableOperation(opt, opt.Storage, tableCache)

	db.rwMutex.Lock()
	defer db.rwMutex.Unlock()

	edit := &VersionEdit{}
	if err := db.recover(edit); err != nil {
		db.releaseOnFailedOpen()
		return nil, err
	}

	mem := NewMemTable(0, db.icmp)
	mem.Ref()
	db.mem = mem

	journalFd := storage.Fd{
		FileType: storage.KJournalFile,
		Num:      db.versionSet.allocFileNum(),
	}
	journalFile, err := db.s.NewAppendableFile(journalFd)
	if err != nil {
		db.releaseOnFailedOpen()
		return nil, err
	}
	db.journalFd = journalFd
	db.journalWriter = wal.NewJournalWriter(journalFile)

	if opt.ValueSeparationThreshold > 0 {
		vw, vErr := newVlogWriter(db.s, db.versionSet.allocFileNum())
		if vErr != nil {
			db.releaseOnFailedOpen()
			return nil, vErr
		}
		db.vlogWriter = vw
	}

	edit.setLogNum(db.journalFd.Num)
	edit.setLastSeq(db.seqNum)
	if db.vlogWriter != nil {
		edit.addVlog(db.vlogWriter.fd.Num, int64(db.vlogWriter.size()))
	}
	if err := db.versionSet.logAndApply(edit, &db.rwMutex); err != nil {
		db.releaseOnFailedOpen()
		return nil, err
	}

	if err := db.removeObsoleteFiles(); err != nil {
		db.logger.Warnf("open: remove obsolete files: %v", err)
	}

	group, _ := errgroup.WithContext(context.Background())
	db.bgGroup = group
	group.Go(db.compactionWorker)
	group.Go(db.vlogGCWorker)

	db.maybeScheduleCompaction()
	db.logger.Infof("open %s, last sequence %d", dirpath, db.seqNum)
	return db, nil
}

func sanitizeOptions(dirpath string, src *options.Options) (*options.Options, error) {
	opt := &options.Options{}
	if src != nil {
		*opt = *src
	}
	if opt.Comparer == nil {
		opt.Comparer = comparer.DefaultComparer
	}
	if opt.BloomFalsePositiveRate == 0 {
		opt.BloomFalsePositiveRate = 0.01
	}
	if opt.FilterPolicy == nil {
		opt.FilterPolicy = filter.NewBloomFilterFromRate(opt.BloomFalsePositiveRate)
	}
	if opt.Storage == nil {
		s, err := storage.OpenPath(dirpath)
		if err != nil {
			return nil, err
		}
		opt.Storage = s
	}
	if opt.NewHash32 == nil {
		opt.NewHash32 = func() hash.Hash32 { return fnv.New32a() }
	}
	if opt.MaxManifestFileSize == 0 {
		opt.MaxManifestFileSize = options.KManifestSizeThreshold
	}
	if opt.MaxOpenFiles == 0 {
		opt.MaxOpenFiles = options.KDefaultCacheFileNums
	}
	if opt.WriteBufferSize == 0 {
		opt.WriteBufferSize = options.KMemTableWriteBufferSize
	}
	if opt.VlogSegmentSize == 0 {
		opt.VlogSegmentSize = 1 << 26
	}
	if opt.VlogGCDiscardRatio == 0 {
		opt.VlogGCDiscardRatio = 0.5
	}
	if opt.BlockCacheSize == 0 {
		opt.BlockCacheSize = 4 << 20
	}
	if opt.BlockRestartInterval == 0 {
		opt.BlockRestartInterval = 16
	}
	if opt.BlockSize == 0 {
		opt.BlockSize = 4 << 10
	}
	if opt.MaxEstimateFileSize == 0 {
		opt.MaxEstimateFileSize = 2 << 20
	}
	if opt.GPOverlappedLimit == 0 {
		opt.GPOverlappedLimit = 10
	}
	if opt.MaxCompactionLimitFactor == 0 {
		opt.MaxCompactionLimitFactor = 25
	}
	if opt.Logger == nil {
		opt.Logger = logger.Nop()
	}
	return opt, nil
}

// Put stores key -> value.
func (db *DB) Put(key, value []byte) error {
	wb := NewWriteBatch()
	wb.Put(key, value)
	return db.Write(wb)
}

// Delete removes key. Deleting an absent key succeeds.
func (db *DB) Delete(key []byte) error {
	wb := NewWriteBatch()
	wb.Delete(key)
	return db.Write(wb)
}

// Write applies the batch atomically: either every op is visible or none.
func (db *DB) Write(batch *WriteBatch) error {
	return db.write(batch)
}

// Get returns the value of key, ErrNotFound when absent.
func (db *DB) Get(key []byte) ([]byte, error) {
	db.rwMutex.RLock()
	if db.isClosed() {
		db.rwMutex.RUnlock()
		return nil, errors.ErrClosed
	}
	seq := db.seqNum
	db.rwMutex.RUnlock()
	return db.getAtSeq(key, seq)
}

// Scan returns an iterator over user keys in [start, end), end exclusive.
// A nil bound is unbounded. The iterator reads at an implicit snapshot and
// must be released via UnRef.
func (db *DB) Scan(start, end []byte) (iterator.Iterator, error) {
	return db.newDBIter(start, end)
}

// CompactRange merges every table overlapping [start, end] down the tree,
// dropping shadowed entries and dead tombstones. Nil bounds compact
// everything.
func (db *DB) CompactRange(start, end []byte) error {
	db.compactionMu.Lock()
	defer db.compactionMu.Unlock()

	db.rwMutex.Lock()
	defer db.rwMutex.Unlock()

	if db.isClosed() {
		return errors.ErrClosed
	}

	// flush the mutable memtable so its entries take part
	if db.mem != nil && db.mem.Len() > 0 {
		if err := db.freezeMemTable(); err != nil {
			return err
		}
	}
	if db.imm != nil {
		db.compactMemTable()
		db.backgroundWorkFinishedSignal.Broadcast()
		if db.bgErr != nil {
			return db.bgErr
		}
	}

	for level := 0; level < options.KLevelNum-1; level++ {
		c := db.versionSet.pickRangeCompaction(level, start, end)
		if c == nil {
			continue
		}
		err := db.doCompactionWork(c)
		c.release()
		if err != nil {
			db.recordBackgroundError(err)
			return err
		}
	}
	return db.removeObsoleteFiles()
}

// Close stops background work, syncs the journal and releases the
// directory lock. Idempotent.
func (db *DB) Close() error {
	db.closeOnce.Do(func() {
		atomic.StoreUint32(&db.shutdown, 1)
		close(db.closeC)

		db.rwMutex.Lock()
		db.backgroundWorkFinishedSignal.Broadcast()
		db.rwMutex.Unlock()

		if db.bgGroup != nil {
			_ = db.bgGroup.Wait()
		}

		db.rwMutex.Lock()
		defer db.rwMutex.Unlock()

		if db.journalWriter != nil {
			if err := db.journalWriter.Sync(); err != nil && db.closeErr == nil {
				db.closeErr = err
			}
			_ = db.journalWriter.Close()
			db.journalWriter = nil
		}
		if db.vlogWriter != nil {
			if err := db.vlogWriter.sync(); err != nil && db.closeErr == nil {
				db.closeErr = err
			}
			_ = db.vlogWriter.close()
			db.vlogWriter = nil
		}
		if db.versionSet.manifestWriter != nil {
			_ = db.versionSet.manifestWriter.Close()
			db.versionSet.manifestWriter = nil
		}
		if db.mem != nil {
			db.mem.UnRef()
			db.mem = nil
		}
		if db.imm != nil {
			db.imm.UnRef()
			db.imm = nil
		}
		db.vlogReader.close()
		db.tableCache.close()
		if err := db.s.Close(); err != nil && db.closeErr == nil {
			db.closeErr = err
		}
		db.logger.Infof("closed, last sequence %d", db.seqNum)
	})
	return db.closeErr
}

func (db *DB) isClosed() bool {
	return atomic.LoadUint32(&db.shutdown) == 1
}

// releaseOnFailedOpen unwinds a partially opened store. Requires the
// engine mutex held.
func (db *DB) releaseOnFailedOpen() {
	atomic.StoreUint32(&db.shutdown, 1)
	if db.journalWriter != nil {
		_ = db.journalWriter.Close()
	}
	if db.vlogWriter != nil {
		_ = db.vlogWriter.close()
	}
	if db.versionSet.manifestWriter != nil {
		_ = db.versionSet.manifestWriter.Close()
	}
	if db.mem != nil {
		db.mem.UnRef()
	}
	db.vlogReader.close()
	db.tableCache.close()
	_ = db.s.Close()
}
