package ckv

import (
	"sort"

	"github.com/ckvdb/ckv/comparer"
	"github.com/ckvdb/ckv/errors"
	"github.com/ckvdb/ckv/iterator"
	"github.com/ckvdb/ckv/options"
	"github.com/ckvdb/ckv/storage"
	"github.com/ckvdb/ckv/table"
	"github.com/ckvdb/ckv/utils"
)

type tFile struct {
	fd         storage.Fd
	iMin       internalKey
	iMax       internalKey
	size       int64
	allowSeeks int32
}

type tFiles []tFile

func (tfs tFiles) size() (size int64) {
	for _, tf := range tfs {
		size += tf.size
	}
	return
}

// overlapped reports whether the file's user key range intersects
// [umin, umax]. A nil bound is unbounded.
func (tf tFile) overlapped(ucmp comparer.BasicComparer, umin, umax []byte) bool {
	if umin != nil && ucmp.Compare(tf.iMax.userKey(), umin) < 0 {
		return false
	}
	if umax != nil && ucmp.Compare(tf.iMin.userKey(), umax) > 0 {
		return false
	}
	return true
}

// getOverlapped appends to dst the files intersecting [umin, umax].
// When expand is set (level 0, files may overlap each other), the range
// grows to cover every transitively overlapping file and the scan restarts.
func (tfs tFiles) getOverlapped(dst tFiles, ucmp comparer.BasicComparer, umin, umax []byte, expand bool) tFiles {
	if expand {
		i := 0
		for i < len(tfs) {
			tf := tfs[i]
			if tf.overlapped(ucmp, umin, umax) {
				restart := false
				if umin != nil && ucmp.Compare(tf.iMin.userKey(), umin) < 0 {
					umin = tf.iMin.userKey()
					restart = true
				}
				if umax != nil && ucmp.Compare(tf.iMax.userKey(), umax) > 0 {
					umax = tf.iMax.userKey()
					restart = true
				}
				if restart {
					dst = dst[:0]
					i = 0
					continue
				}
				dst = append(dst, tf)
			}
			i++
		}
		return dst
	}

	// sorted disjoint level, binary search both bounds
	begin := 0
	if umin != nil {
		begin = sort.Search(len(tfs), func(i int) bool {
			return ucmp.Compare(tfs[i].iMax.userKey(), umin) >= 0
		})
	}
	end := len(tfs)
	if umax != nil {
		end = sort.Search(len(tfs), func(i int) bool {
			return ucmp.Compare(tfs[i].iMin.userKey(), umax) > 0
		})
	}
	if begin < end {
		dst = append(dst, tfs[begin:end]...)
	}
	return dst
}

// getRange widens imin/imax to cover every file. Nil bounds are replaced.
func (tfs tFiles) getRange(icmp *iComparer, imin, imax internalKey) (internalKey, internalKey) {
	for _, tf := range tfs {
		if imin == nil || icmp.Compare(tf.iMin, imin) < 0 {
			imin = tf.iMin
		}
		if imax == nil || icmp.Compare(tf.iMax, imax) > 0 {
			imax = tf.iMax
		}
	}
	return imin, imax
}

// tableOperation builds new sstables on storage.
type tableOperation struct {
	opt        *options.Options
	s          storage.Storage
	tableCache *tableCache
}

func newTableOperation(opt *options.Options, s storage.Storage, tableCache *tableCache) *tableOperation {
	return &tableOperation{
		opt:        opt,
		s:          s,
		tableCache: tableCache,
	}
}

func (op *tableOperation) create(fileNum uint64) (*tWriter, error) {
	fd := storage.Fd{FileType: storage.KTableFile, Num: fileNum}
	w, err := op.s.NewWritableFile(fd)
	if err != nil {
		return nil, err
	}
	return &tWriter{
		op: op,
		fd: fd,
		w:  w,
		tw: table.NewWriter(w, op.tableCache.icmp, op.tableCache.filter, op.opt),
	}, nil
}

// tWriter drives one sstable build and records its key range.
type tWriter struct {
	op *tableOperation
	fd storage.Fd
	w  storage.SequentialWriter
	tw *table.Writer

	first, last internalKey
}

func (t *tWriter) append(ikey internalKey, value []byte) error {
	if t.first == nil {
		t.first = append(internalKey(nil), ikey...)
	}
	t.last = append(t.last[:0], ikey...)
	return t.tw.Append(ikey, value)
}

func (t *tWriter) empty() bool {
	return t.first == nil
}

func (t *tWriter) approximateSize() int {
	return t.tw.ApproximateSize()
}

// finish seals the table and returns its metadata. The table is opened
// through the cache once, verifying it reads back.
func (t *tWriter) finish() (tFile, error) {
	if err := t.tw.Finish(); err != nil {
		return tFile{}, err
	}
	if err := t.w.Close(); err != nil {
		return tFile{}, err
	}
	size, err := t.op.s.FileSize(t.fd)
	if err != nil {
		return tFile{}, err
	}
	tf := tFile{
		fd:   t.fd,
		iMin: t.first,
		iMax: t.last,
		size: size,
	}
	iter, err := t.op.tableCache.newIterator(tf)
	if err != nil {
		return tFile{}, err
	}
	iter.UnRef()
	return tf, nil
}

// abandon drops a partially written table.
func (t *tWriter) abandon() {
	_ = t.w.Close()
	_ = t.op.s.Remove(t.fd)
}

// tFileArrIteratorIndexer walks a sorted run of disjoint tables, opening
// each table's iterator on demand.
type tFileArrIteratorIndexer struct {
	*utils.BasicReleaser
	err        error
	tFiles     tFiles
	tableIter  iterator.Iterator
	tableCache *tableCache
	icmp       *iComparer
	index      int
}

func newTFileArrIteratorIndexer(tFiles tFiles, tableCache *tableCache, icmp *iComparer) iterator.IteratorIndexer {
	indexer := &tFileArrIteratorIndexer{
		tFiles:        tFiles,
		tableCache:    tableCache,
		icmp:          icmp,
		BasicReleaser: &utils.BasicReleaser{},
	}
	indexer.RegisterCleanUp(func() {
		if indexer.tableIter != nil {
			indexer.tableIter.UnRef()
			indexer.tableIter = nil
		}
		indexer.tFiles = nil
	})
	indexer.Ref()
	return indexer
}

func (indexer *tFileArrIteratorIndexer) Next() bool {
	if indexer.err != nil {
		return false
	}
	if indexer.Released() {
		indexer.err = errors.ErrReleased
		return false
	}

	if indexer.index < len(indexer.tFiles) {
		iter, err := indexer.tableCache.newIterator(indexer.tFiles[indexer.index])
		if err != nil {
			indexer.err = err
			return false
		}
		if indexer.tableIter != nil {
			indexer.tableIter.UnRef()
		}
		indexer.tableIter = iter
		indexer.index++
		return true
	}
	return false
}

func (indexer *tFileArrIteratorIndexer) SeekFirst() bool {
	if indexer.err != nil {
		return false
	}
	if indexer.Released() {
		indexer.err = errors.ErrReleased
		return false
	}
	indexer.index = 0
	if indexer.tableIter != nil {
		indexer.tableIter.UnRef()
		indexer.tableIter = nil
	}
	return indexer.Next()
}

func (indexer *tFileArrIteratorIndexer) Seek(key []byte) bool {
	if indexer.err != nil {
		return false
	}
	if indexer.Released() {
		indexer.err = errors.ErrReleased
		return false
	}

	n := sort.Search(len(indexer.tFiles), func(i int) bool {
		return indexer.icmp.Compare(indexer.tFiles[i].iMax, key) >= 0
	})
	if n == len(indexer.tFiles) {
		return false
	}
	if indexer.tableIter != nil {
		indexer.tableIter.UnRef()
		indexer.tableIter = nil
	}
	indexer.index = n + 1
	indexer.tableIter, indexer.err = indexer.tableCache.newIterator(indexer.tFiles[n])
	return indexer.err == nil
}

func (indexer *tFileArrIteratorIndexer) Get() iterator.Iterator {
	return indexer.tableIter
}

func (indexer *tFileArrIteratorIndexer) Valid() error {
	return indexer.err
}
