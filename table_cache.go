package ckv

import (
	"encoding/binary"
	"sync/atomic"

	"github.com/ckvdb/ckv/cache"
	"github.com/ckvdb/ckv/errors"
	"github.com/ckvdb/ckv/filter"
	"github.com/ckvdb/ckv/iterator"
	"github.com/ckvdb/ckv/options"
	"github.com/ckvdb/ckv/storage"
	"github.com/ckvdb/ckv/table"
)

// tableCache keeps open table readers, charged one unit per file. The
// readers share a block cache; each gets a distinct cache id so block keys
// never collide across files.
type tableCache struct {
	cache      cache.Cache
	blockCache cache.Cache
	s          storage.Storage
	icmp       *iComparer
	filter     filter.IFilter
	opt        *options.Options

	nextCacheID uint64
}

func newTableCache(opt *options.Options, s storage.Storage, icmp *iComparer, iflt filter.IFilter) *tableCache {
	var blockCache cache.Cache
	if opt.BlockCacheSize > 0 {
		blockCache = cache.NewCache(uint32(opt.BlockCacheSize), opt.NewHash32())
	}
	return &tableCache{
		cache:      cache.NewCache(opt.MaxOpenFiles, opt.NewHash32()),
		blockCache: blockCache,
		s:          s,
		icmp:       icmp,
		filter:     iflt,
		opt:        opt,
	}
}

func (tc *tableCache) lookupKey(fileNum uint64) []byte {
	key := make([]byte, 8)
	binary.LittleEndian.PutUint64(key, fileNum)
	return key
}

// find returns a pinned handle whose value is the file's *table.TableReader.
// The caller unpins via tc.cache.UnRef.
func (tc *tableCache) find(tf tFile) (*cache.LRUHandle, error) {
	key := tc.lookupKey(tf.fd.Num)
	handle, err := tc.cache.Lookup(key)
	if err != nil {
		return nil, err
	}
	if handle != nil {
		return handle, nil
	}

	r, err := tc.s.NewRandomAccessReader(tf.fd)
	if err != nil {
		return nil, errors.Wrapf(err, "table cache open %s", tf.fd.String())
	}
	cacheID := atomic.AddUint64(&tc.nextCacheID, 1)
	tr, err := table.NewTableReader(r, tf.size, tc.icmp, tc.filter, tc.blockCache, cacheID, tc.opt)
	if err != nil {
		_ = r.Close()
		return nil, err
	}
	return tc.cache.Insert(key, 1, tr, func(key []byte, value interface{}) {
		value.(*table.TableReader).UnRef()
	})
}

// get runs a filtered point lookup against one table. fn sees the raw
// internal key and stored value of the winning entry, if any.
func (tc *tableCache) get(ikey internalKey, tf tFile, fn func(rkey internalKey, value []byte, err error)) error {
	handle, err := tc.find(tf)
	if err != nil {
		return err
	}
	defer tc.cache.UnRef(handle)

	tr := handle.Value().(*table.TableReader)
	rKey, rValue, rErr := tr.Get(ikey)
	if rErr != nil && !errors.Is(rErr, errors.ErrNotFound) {
		return rErr
	}
	fn(rKey, append([]byte(nil), rValue...), rErr)
	return nil
}

// newIterator opens a whole-table iterator. The cache handle stays pinned
// for the iterator's lifetime.
func (tc *tableCache) newIterator(tf tFile) (iterator.Iterator, error) {
	handle, err := tc.find(tf)
	if err != nil {
		return nil, err
	}
	tr := handle.Value().(*table.TableReader)
	iter := tr.NewIterator().(*iterator.IndexedIterator)
	iter.RegisterCleanUp(func() {
		tc.cache.UnRef(handle)
	})
	return iter, nil
}

// evict drops a deleted file's reader.
func (tc *tableCache) evict(fileNum uint64) {
	_ = tc.cache.Erase(tc.lookupKey(fileNum))
}

func (tc *tableCache) close() {
	tc.cache.Close()
	if tc.blockCache != nil {
		tc.blockCache.Close()
	}
}
