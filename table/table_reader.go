package table

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"sort"

	"github.com/golang/snappy"

	"github.com/ckvdb/ckv/cache"
	"github.com/ckvdb/ckv/comparer"
	"github.com/ckvdb/ckv/errors"
	"github.com/ckvdb/ckv/filter"
	"github.com/ckvdb/ckv/iterator"
	"github.com/ckvdb/ckv/options"
	"github.com/ckvdb/ckv/storage"
	"github.com/ckvdb/ckv/utils"
)

type dataBlock struct {
	*utils.BasicReleaser
	cmp                comparer.BasicComparer
	data               []byte
	restartPointOffset int
	restartPointNums   int
}

func newDataBlock(data []byte, cmp comparer.BasicComparer) (*dataBlock, error) {
	dataLen := len(data)
	if dataLen < 4 {
		return nil, errors.NewErrCorruption("block too short")
	}
	restartPointNums := int(binary.LittleEndian.Uint32(data[dataLen-4:]))
	restartPointOffset := dataLen - (restartPointNums+1)*4
	if restartPointNums <= 0 || restartPointOffset < 0 {
		return nil, errors.NewErrCorruption("block restart trailer out of range")
	}
	block := &dataBlock{
		BasicReleaser:      &utils.BasicReleaser{},
		cmp:                cmp,
		data:               data,
		restartPointNums:   restartPointNums,
		restartPointOffset: restartPointOffset,
	}
	block.OnClose = func() {
		block.data = nil
	}
	block.Ref()
	return block, nil
}

func (br *dataBlock) entry(offset int) (entryLen, shareKeyLen int, unShareKey, value []byte, err error) {
	if offset >= br.restartPointOffset {
		err = errors.ErrIterOutOfRange
		return
	}
	shareKeyLenU, n := binary.Uvarint(br.data[offset:])
	shareKeyLen = int(shareKeyLenU)
	unShareKeyLenU, m := binary.Uvarint(br.data[offset+n:])
	unShareKeyLen := int(unShareKeyLenU)
	vLenU, k := binary.Uvarint(br.data[offset+n+m:])
	vLen := int(vLenU)
	if n <= 0 || m <= 0 || k <= 0 ||
		offset+n+m+k+unShareKeyLen+vLen > br.restartPointOffset {
		err = errors.NewErrCorruption("block entry overflows block")
		return
	}
	unShareKey = br.data[offset+n+m+k : offset+n+m+k+unShareKeyLen]
	value = br.data[offset+n+m+k+unShareKeyLen : offset+n+m+k+unShareKeyLen+vLen]
	entryLen = n + m + k + unShareKeyLen + vLen
	return
}

func (br *dataBlock) restartPoint(i int) int {
	return int(binary.LittleEndian.Uint32(br.data[br.restartPointOffset+i*4:]))
}

// readRestartKey reads the full key stored at a restart point, restart
// entries never share a prefix.
func (br *dataBlock) readRestartKey(restartPoint int) []byte {
	_, n := binary.Uvarint(br.data[restartPoint:])
	unShareKeyLen, m := binary.Uvarint(br.data[restartPoint+n:])
	_, k := binary.Uvarint(br.data[restartPoint+n+m:])
	return br.data[restartPoint+n+m+k : restartPoint+n+m+k+int(unShareKeyLen)]
}

// seekRestartPoint returns the offset of the last restart group whose first
// key is <= key, so a forward scan from there finds key.
func (br *dataBlock) seekRestartPoint(key []byte) int {

	n := sort.Search(br.restartPointNums, func(i int) bool {
		restartKey := br.readRestartKey(br.restartPoint(i))
		return br.cmp.Compare(restartKey, key) > 0
	})

	if n == 0 {
		return br.restartPoint(0)
	}
	return br.restartPoint(n - 1)
}

type blockIter struct {
	*dataBlock
	*utils.BasicReleaser
	offset  int
	prevKey []byte
	err     error
	ikey    []byte
	value   []byte
}

// newBlockIter takes over one reference on releaser, dropped when the iter
// is released.
func newBlockIter(block *dataBlock, release func()) *blockIter {
	bi := &blockIter{
		dataBlock: block,
		BasicReleaser: &utils.BasicReleaser{
			OnClose: release,
		},
	}
	bi.Ref()
	return bi
}

func (bi *blockIter) SeekFirst() bool {
	bi.offset = 0
	bi.prevKey = bi.prevKey[:0]
	return bi.Next()
}

func (bi *blockIter) Seek(key []byte) bool {

	if bi.err != nil {
		return false
	}

	bi.offset = bi.seekRestartPoint(key)
	bi.prevKey = bi.prevKey[:0]

	for bi.Next() {
		if bi.cmp.Compare(bi.ikey, key) >= 0 {
			return true
		}
	}
	return false
}

func (bi *blockIter) Next() bool {

	if bi.err != nil {
		return false
	}
	if bi.Released() {
		bi.err = errors.ErrReleased
		return false
	}

	if bi.offset >= bi.restartPointOffset {
		return false
	}

	entryLen, shareKeyLen, unShareKey, value, err := bi.entry(bi.offset)
	if err != nil {
		bi.err = err
		return false
	}

	if len(bi.prevKey) < shareKeyLen {
		bi.err = errors.ErrIterSharedKey
		return false
	}

	bi.prevKey = append(bi.prevKey[:shareKeyLen], unShareKey...)
	bi.ikey = bi.prevKey
	bi.value = value

	bi.offset += entryLen
	return true
}

func (bi *blockIter) Valid() error {
	return bi.err
}

func (bi *blockIter) Key() []byte {
	return bi.ikey
}

func (bi *blockIter) Value() []byte {
	return bi.value
}

// TableReader serves point lookups and scans over one sstable. Decoded
// blocks round trip through the shared block cache when one is configured.
type TableReader struct {
	*utils.BasicReleaser
	r          storage.RandomAccessReader
	tableSize  int64
	cmp        comparer.BasicComparer
	filterData []byte
	iFilter    filter.IFilter

	blockCache cache.Cache
	cacheID    uint64

	indexBlock  *dataBlock
	indexBH     blockHandle
	metaIndexBH blockHandle

	opt *options.Options
}

func NewTableReader(r storage.RandomAccessReader, fileSize int64, cmp comparer.BasicComparer,
	filterPolicy filter.IFilter, blockCache cache.Cache, cacheID uint64,
	opt *options.Options) (*TableReader, error) {

	if fileSize < kTableFooterLen {
		return nil, errors.NewErrCorruption("table smaller than footer")
	}

	tr := &TableReader{
		r:          r,
		tableSize:  fileSize,
		cmp:        cmp,
		iFilter:    filterPolicy,
		blockCache: blockCache,
		cacheID:    cacheID,
		opt:        opt,
		BasicReleaser: &utils.BasicReleaser{
			OnClose: func() {
				_ = r.Close()
			},
		},
	}
	tr.Ref()

	if err := tr.readFooter(); err != nil {
		tr.UnRef()
		return nil, err
	}

	// the index block lives as long as the reader
	indexBlock, err := tr.readRawBlock(tr.indexBH, true)
	if err != nil {
		tr.UnRef()
		return nil, err
	}
	tr.indexBlock = indexBlock
	tr.RegisterCleanUp(func() {
		indexBlock.UnRef()
	})

	if err := tr.readFilter(); err != nil {
		tr.UnRef()
		return nil, err
	}

	return tr, nil
}

func (tr *TableReader) readFooter() error {
	scratch := make([]byte, kTableFooterLen)
	footer, err := tr.r.Pread(tr.tableSize-kTableFooterLen, scratch)
	if err != nil {
		return errors.Wrapf(err, "table read footer")
	}

	if !bytes.Equal(footer[40:48], magicByte) {
		return errors.NewErrCorruption("footer magic mismatch")
	}

	bhLen, indexBH := readBH(footer)
	tr.indexBH = indexBH
	_, tr.metaIndexBH = readBH(footer[bhLen:])
	return nil
}

func (tr *TableReader) readFilter() error {

	metaBlock, err := tr.readRawBlock(tr.metaIndexBH, true)
	if err != nil {
		return err
	}
	defer metaBlock.UnRef()

	metaIter := newBlockIter(metaBlock, nil)
	metaBlock.Ref()
	metaIter.RegisterCleanUp(func() { metaBlock.UnRef() })
	defer metaIter.UnRef()

	want := append([]byte("filter."), tr.iFilter.Name()...)
	for metaIter.Next() {
		if !bytes.Equal(metaIter.Key(), want) {
			continue
		}
		_, bh := readBH(metaIter.Value())
		filterBlockData := make([]byte, bh.length)
		data, rErr := tr.r.Pread(int64(bh.offset), filterBlockData)
		if rErr != nil {
			return errors.Wrapf(rErr, "table read filter block")
		}
		tr.filterData = append([]byte(nil), data...)
		return metaIter.Valid()
	}
	// tables written without this policy just skip the filter probe
	return metaIter.Valid()
}

// readRawBlock reads and verifies the block at bh. verifyChecksum only
// plays for non cached reads, cached blocks were verified on the way in.
func (tr *TableReader) readRawBlock(bh blockHandle, verifyChecksum bool) (*dataBlock, error) {

	scratch := make([]byte, bh.length+kBlockTailLen)
	data, err := tr.r.Pread(int64(bh.offset), scratch)
	if err != nil {
		return nil, errors.Wrapf(err, "table read block offset=%d len=%d", bh.offset, bh.length)
	}
	if len(data) < kBlockTailLen {
		return nil, errors.NewErrCorruption("block shorter than trailer")
	}

	raw := data[:len(data)-kBlockTailLen]
	tail := data[len(data)-kBlockTailLen:]

	if verifyChecksum && tr.opt.VerifyCheckSum {
		if crc32.ChecksumIEEE(raw) != binary.LittleEndian.Uint32(tail[:4]) {
			return nil, errors.NewErrCorruption("block checksum mismatch")
		}
	}

	switch tail[4] {
	case kCompressionTypeNone:
		// raw may alias mmap memory, keep our own copy
		raw = append([]byte(nil), raw...)
	case kCompressionTypeSnappy:
		decoded, dErr := snappy.Decode(nil, raw)
		if dErr != nil {
			return nil, errors.NewErrCorruption("block snappy decode failed")
		}
		raw = decoded
	default:
		return nil, errors.ErrUnsupportedCompression
	}

	return newDataBlock(raw, tr.cmp)
}

// openBlock returns the decoded block at bh plus the release hook the
// caller must run when done with it.
func (tr *TableReader) openBlock(bh blockHandle) (*dataBlock, func(), error) {

	if tr.blockCache == nil {
		block, err := tr.readRawBlock(bh, true)
		if err != nil {
			return nil, nil, err
		}
		return block, func() { block.UnRef() }, nil
	}

	var cacheKey [16]byte
	binary.LittleEndian.PutUint64(cacheKey[:8], tr.cacheID)
	binary.LittleEndian.PutUint64(cacheKey[8:], bh.offset)

	handle, err := tr.blockCache.Lookup(cacheKey[:])
	if err != nil {
		return nil, nil, err
	}
	if handle == nil {
		block, rErr := tr.readRawBlock(bh, true)
		if rErr != nil {
			return nil, nil, rErr
		}
		handle, err = tr.blockCache.Insert(cacheKey[:], uint32(len(block.data)), block,
			func(key []byte, value interface{}) {
				value.(*dataBlock).UnRef()
			})
		if err != nil {
			// cache closed underneath us, serve the block uncached
			return block, func() { block.UnRef() }, nil
		}
	}

	block := handle.Value().(*dataBlock)
	blockCache := tr.blockCache
	return block, func() { blockCache.UnRef(handle) }, nil
}

// find positions at the first entry with key >= ikey. When filtered is set
// the bloom filter may prove absence without touching a data block.
func (tr *TableReader) find(ikey []byte, noValue bool, filtered bool) (rKey, value []byte, err error) {

	indexIter := newBlockIter(tr.indexBlock, nil)
	defer indexIter.UnRef()

	if !indexIter.Seek(ikey) {
		if vErr := indexIter.Valid(); vErr != nil {
			return nil, nil, vErr
		}
		return nil, nil, errors.ErrNotFound
	}

	if filtered && !tr.mayContain(ikey) {
		return nil, nil, errors.ErrNotFound
	}

	_, bh := readBH(indexIter.Value())

	rKey, value, found, err := tr.findInBlock(bh, ikey, noValue)
	if err != nil {
		return nil, nil, err
	}
	if found {
		return rKey, value, nil
	}

	/**
	special case
	0..block last  abcd
	1..block first abcz
	the index separator may be abce
	a seek for abcf lands on block 0 but every key there is smaller,
	the answer is the first key of the next block
	*/
	if !indexIter.Next() {
		return nil, nil, errors.ErrNotFound
	}

	_, bh = readBH(indexIter.Value())
	rKey, value, found, err = tr.findInBlock(bh, ikey, noValue)
	if err != nil {
		return nil, nil, err
	}
	if !found {
		return nil, nil, errors.ErrNotFound
	}
	return rKey, value, nil
}

func (tr *TableReader) findInBlock(bh blockHandle, ikey []byte, noValue bool) (rKey, value []byte, found bool, err error) {

	block, release, err := tr.openBlock(bh)
	if err != nil {
		return nil, nil, false, err
	}

	iter := newBlockIter(block, release)
	defer iter.UnRef()

	if !iter.Seek(ikey) {
		return nil, nil, false, iter.Valid()
	}

	rKey = append([]byte(nil), iter.Key()...)
	if !noValue {
		value = append([]byte(nil), iter.Value()...)
	}
	return rKey, value, true, nil
}

func (tr *TableReader) mayContain(ikey []byte) bool {
	if len(tr.filterData) == 0 {
		return true
	}
	return tr.iFilter.MayContains(tr.filterData, ikey)
}

// Find returns the first entry with key >= ikey, ErrNotFound past the end.
func (tr *TableReader) Find(ikey []byte) (rKey, value []byte, err error) {
	return tr.find(ikey, false, false)
}

func (tr *TableReader) FindKey(ikey []byte) (rKey []byte, err error) {
	rKey, _, err = tr.find(ikey, true, false)
	return
}

// Get is Find for point lookups, letting the bloom filter prove absence
// before any data block is read.
func (tr *TableReader) Get(ikey []byte) (rKey, value []byte, err error) {
	return tr.find(ikey, false, true)
}

// NewIterator iterates the whole table in key order. The iterator holds a
// reference on the reader until released.
func (tr *TableReader) NewIterator() iterator.Iterator {
	return iterator.NewIndexedIterator(newIndexIter(tr))
}

type indexIter struct {
	*blockIter
	tr *TableReader
}

func newIndexIter(tr *TableReader) *indexIter {
	tr.Ref()
	bi := newBlockIter(tr.indexBlock, func() {
		tr.UnRef()
	})
	return &indexIter{
		blockIter: bi,
		tr:        tr,
	}
}

func (ii *indexIter) Get() iterator.Iterator {
	value := ii.Value()
	if value == nil {
		return nil
	}

	_, bh := readBH(value)

	block, release, err := ii.tr.openBlock(bh)
	if err != nil {
		ii.err = err
		return &iterator.EmptyIterator{Err: err}
	}

	return newBlockIter(block, release)
}
