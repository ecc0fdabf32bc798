package iterator

import (
	"github.com/ckvdb/ckv/collections"
	"github.com/ckvdb/ckv/comparer"
	"github.com/ckvdb/ckv/errors"
	"github.com/ckvdb/ckv/utils"
)

type Direction int

const (
	DirSOI     Direction = 1
	DirForward Direction = 2
	DirEOI     Direction = 3
)

type CommonIterator interface {
	utils.Releaser
	// Seek positions at the first entry with key >= key
	Seek(key []byte) bool
	SeekFirst() bool
	Next() bool
	Valid() error
}

type Iterator interface {
	CommonIterator
	Key() []byte
	Value() []byte
}

// IteratorIndexer iterates over index entries, Get opens the data iterator
// the current index entry points at.
type IteratorIndexer interface {
	CommonIterator
	Get() Iterator
}

type EmptyIterator struct {
	Err error
}

func (ei *EmptyIterator) Seek(key []byte) bool { return false }

func (ei *EmptyIterator) SeekFirst() bool { return false }

func (ei *EmptyIterator) Next() bool { return false }

func (ei *EmptyIterator) Key() []byte { return nil }

func (ei *EmptyIterator) Value() []byte { return nil }

func (ei *EmptyIterator) Ref() int32 { return 0 }

func (ei *EmptyIterator) UnRef() int32 { return 0 }

func (ei *EmptyIterator) Valid() error { return ei.Err }

// IndexedIterator walks a two level structure, advancing the index iterator
// and draining the data iterator it yields at every position.
type IndexedIterator struct {
	*utils.BasicReleaser
	indexed IteratorIndexer
	data    Iterator
	err     error
}

func NewIndexedIterator(indexed IteratorIndexer) Iterator {
	ii := &IndexedIterator{
		indexed: indexed,
		BasicReleaser: &utils.BasicReleaser{
			OnClose: func() {
				indexed.UnRef()
			},
		},
	}
	ii.Ref()
	return ii
}

func (iter *IndexedIterator) clearData() {
	if iter.data != nil {
		iter.data.UnRef()
		iter.data = nil
	}
}

func (iter *IndexedIterator) setData() {
	iter.clearData()
	iter.data = iter.indexed.Get()
}

func (iter *IndexedIterator) Next() bool {

	if iter.err != nil {
		return false
	}

	if iter.Released() {
		iter.err = errors.ErrReleased
		return false
	}

	if iter.data != nil && iter.data.Next() {
		return true
	}

	if iter.data != nil {
		if dErr := iter.data.Valid(); dErr != nil {
			iter.err = dErr
			return false
		}
	}

	iter.clearData()

	if !iter.indexed.Next() {
		if iErr := iter.indexed.Valid(); iErr != nil {
			iter.err = iErr
		}
		return false
	}

	iter.setData()
	return iter.Next()
}

func (iter *IndexedIterator) SeekFirst() bool {

	if iter.err != nil {
		return false
	}

	if iter.Released() {
		iter.err = errors.ErrReleased
		return false
	}

	iter.clearData()
	if !iter.indexed.SeekFirst() {
		if iErr := iter.indexed.Valid(); iErr != nil {
			iter.err = iErr
		}
		return false
	}

	iter.setData()
	return iter.Next()
}

func (iter *IndexedIterator) Seek(key []byte) bool {
	if iter.err != nil {
		return false
	}

	if iter.Released() {
		iter.err = errors.ErrReleased
		return false
	}

	iter.clearData()

	if !iter.indexed.Seek(key) {
		if iErr := iter.indexed.Valid(); iErr != nil {
			iter.err = iErr
		}
		return false
	}

	iter.setData()

	if !iter.data.Seek(key) {
		// key is past this data block, move to the next one
		iter.clearData()
		if !iter.indexed.Next() {
			return false
		}
		iter.setData()
		return iter.Next()
	}

	return true
}

func (iter *IndexedIterator) Key() []byte {
	if iter.data != nil {
		return iter.data.Key()
	}
	return nil
}

func (iter *IndexedIterator) Value() []byte {
	if iter.data != nil {
		return iter.data.Value()
	}
	return nil
}

func (iter *IndexedIterator) Valid() error {
	return iter.err
}

// MergeIterator yields the union of its inputs in comparer order. Ties
// between inputs resolve toward the earlier iterator, so callers must order
// inputs newest first when keys can repeat.
type MergeIterator struct {
	*utils.BasicReleaser
	err   error
	iters []Iterator
	heap  *collections.Heap
	keys  [][]byte
	dir   Direction
	ikey  []byte
	value []byte
	cmp   comparer.BasicComparer
}

func NewMergeIterator(cmp comparer.BasicComparer, iters []Iterator) *MergeIterator {

	mi := &MergeIterator{
		iters:         iters,
		keys:          make([][]byte, len(iters)),
		cmp:           cmp,
		dir:           DirSOI,
		BasicReleaser: &utils.BasicReleaser{},
	}

	mi.heap = collections.InitHeap(mi.minHeapLess)
	mi.OnClose = func() {
		mi.heap.Clear()
		for i := range iters {
			iters[i].UnRef()
		}
		mi.keys = nil
		mi.ikey = nil
		mi.value = nil
	}
	mi.Ref()
	return mi
}

func (mi *MergeIterator) SeekFirst() bool {

	if mi.err != nil {
		return false
	}

	if mi.Released() {
		mi.err = errors.ErrReleased
		return false
	}

	mi.heap.Clear()
	for i := 0; i < len(mi.iters); i++ {
		iter := mi.iters[i]
		if !iter.SeekFirst() {
			if vErr := iter.Valid(); vErr != nil {
				mi.err = vErr
				return false
			}
			mi.keys[i] = nil
			continue
		}
		mi.keys[i] = iter.Key()
		mi.heap.Push(i)
	}

	return mi.next()
}

func (mi *MergeIterator) Next() bool {

	if mi.err != nil {
		return false
	}

	if mi.Released() {
		mi.err = errors.ErrReleased
		return false
	}

	switch mi.dir {
	case DirForward:
		return mi.next()
	case DirEOI:
		return false
	default:
		return mi.SeekFirst()
	}
}

func (mi *MergeIterator) Seek(key []byte) bool {

	if mi.err != nil {
		return false
	}
	if mi.Released() {
		mi.err = errors.ErrReleased
		return false
	}

	mi.heap.Clear()
	for i := range mi.iters {
		iter := mi.iters[i]
		if !iter.Seek(key) {
			if vErr := iter.Valid(); vErr != nil {
				mi.err = vErr
				return false
			}
			mi.keys[i] = nil
			continue
		}
		mi.keys[i] = iter.Key()
		mi.heap.Push(i)
	}
	return mi.next()
}

func (mi *MergeIterator) Key() []byte {
	return mi.ikey
}

func (mi *MergeIterator) Value() []byte {
	return mi.value
}

func (mi *MergeIterator) next() bool {
	mi.dir = DirForward
	idx := mi.heap.Pop()
	if idx == nil {
		mi.dir = DirEOI
		return false
	}
	i := idx.(int)
	iter := mi.iters[i]
	mi.ikey = append(mi.ikey[:0], iter.Key()...)
	mi.value = append(mi.value[:0], iter.Value()...)
	if iter.Next() {
		mi.keys[i] = iter.Key()
		mi.heap.Push(i)
	} else {
		if vErr := iter.Valid(); vErr != nil {
			mi.err = vErr
			return false
		}
		mi.keys[i] = nil
	}
	return true
}

func (mi *MergeIterator) Valid() error {
	return mi.err
}

func (mi *MergeIterator) minHeapLess(data []interface{}, i, j int) bool {

	indexi := data[i].(int)
	indexj := data[j].(int)

	keyi := mi.keys[indexi]
	keyj := mi.keys[indexj]

	r := mi.cmp.Compare(keyi, keyj)
	if r != 0 {
		return r < 0
	}
	// equal keys, prefer the earlier (newer) input
	return indexi < indexj
}
