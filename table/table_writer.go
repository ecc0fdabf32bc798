package table

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"

	"github.com/golang/snappy"

	"github.com/ckvdb/ckv/comparer"
	"github.com/ckvdb/ckv/errors"
	"github.com/ckvdb/ckv/filter"
	"github.com/ckvdb/ckv/options"
	"github.com/ckvdb/ckv/storage"
)

type blockWriter struct {
	uVarIntScratch   [binary.MaxVarintLen64]byte
	data             *bytes.Buffer
	prevKey          []byte
	entries          int
	restarts         []int
	restartThreshold int
	comparer         comparer.Comparer
}

func newBlockWriter(blockRestartInterval int, cmp comparer.Comparer) *blockWriter {
	return &blockWriter{
		data:             bytes.NewBuffer(nil),
		restartThreshold: blockRestartInterval,
		comparer:         cmp,
	}
}

func (bw *blockWriter) append(key []byte, value []byte) {

	var shareKey []byte
	if bw.entries%bw.restartThreshold == 0 {
		bw.restarts = append(bw.restarts, bw.data.Len())
	} else {
		shareKey = bw.comparer.Prefix(bw.prevKey, key)
	}

	bw.writeEntry(shareKey, key, value)
	bw.entries++
	bw.prevKey = append(bw.prevKey[:0], key...)
}

func (bw *blockWriter) writeEntry(shareKey, key, value []byte) {

	var (
		shareKeyLen   = len(shareKey)
		unShareKey    = key[shareKeyLen:]
		unShareKeyLen = len(unShareKey)
	)

	s1 := binary.PutUvarint(bw.uVarIntScratch[:], uint64(shareKeyLen))
	bw.data.Write(bw.uVarIntScratch[:s1])

	s2 := binary.PutUvarint(bw.uVarIntScratch[:], uint64(unShareKeyLen))
	bw.data.Write(bw.uVarIntScratch[:s2])

	s3 := binary.PutUvarint(bw.uVarIntScratch[:], uint64(len(value)))
	bw.data.Write(bw.uVarIntScratch[:s3])

	bw.data.Write(unShareKey)
	bw.data.Write(value)
}

func (bw *blockWriter) finish() {

	if bw.entries == 0 {
		bw.restarts = append(bw.restarts, 0)
	}
	var buf4 [4]byte
	for _, v := range bw.restarts {
		binary.LittleEndian.PutUint32(buf4[:], uint32(v))
		bw.data.Write(buf4[:])
	}
	binary.LittleEndian.PutUint32(buf4[:], uint32(len(bw.restarts)))
	bw.data.Write(buf4[:])
}

// bytesLen is the block size once the restart trailer lands.
func (bw *blockWriter) bytesLen() int {
	restartsLen := len(bw.restarts)
	if restartsLen == 0 {
		restartsLen = 1
	}
	return bw.data.Len() + restartsLen*4 + 4
}

func (bw *blockWriter) reset() {
	bw.data.Reset()
	bw.prevKey = bw.prevKey[:0]
	bw.restarts = bw.restarts[:0]
	bw.entries = 0
}

// filterWriter accumulates every key of the table into one filter block.
type filterWriter struct {
	data            *bytes.Buffer
	nkeys           int
	filterGenerator filter.IFilterGenerator
}

func newFilterWriter(iFilter filter.IFilter) *filterWriter {
	return &filterWriter{
		data:            bytes.NewBuffer(nil),
		filterGenerator: iFilter.NewGenerator(),
	}
}

func (fw *filterWriter) addKey(key []byte) {
	fw.filterGenerator.AddKey(key)
	fw.nkeys++
}

func (fw *filterWriter) finish() {
	fw.filterGenerator.Generate(fw.data)
}

// Writer builds an sstable. Keys must arrive in comparer order.
type Writer struct {
	writer           storage.SequentialWriter
	dataBlockWriter  *blockWriter
	indexBlockWriter *blockWriter
	metaBlockWriter  *blockWriter
	filterWriter     *filterWriter
	filterPolicy     filter.IFilter

	pendingBH   *blockHandle
	lastKey     []byte
	offset      int
	entries     int
	compression byte

	bhScratch       []byte
	compressScratch []byte
	comparer        comparer.Comparer

	opt *options.Options
}

func NewWriter(writer storage.SequentialWriter, cmp comparer.Comparer,
	filterPolicy filter.IFilter, opt *options.Options) *Writer {

	compression := kCompressionTypeNone
	if opt.Compression == options.CompressionSnappy {
		compression = kCompressionTypeSnappy
	}

	return &Writer{
		writer:           writer,
		dataBlockWriter:  newBlockWriter(int(opt.BlockRestartInterval), cmp),
		indexBlockWriter: newBlockWriter(1, cmp),
		metaBlockWriter:  newBlockWriter(1, cmp),
		filterWriter:     newFilterWriter(filterPolicy),
		filterPolicy:     filterPolicy,
		compression:      compression,
		comparer:         cmp,
		opt:              opt,
	}
}

func (tw *Writer) Append(key, value []byte) error {

	if tw.entries > 0 && tw.comparer.Compare(tw.lastKey, key) >= 0 {
		return errors.Wrapf(errors.NewErrCorruption("table writer keys out of order"),
			"append key %x", key)
	}

	tw.flushPendingBH(key)
	tw.dataBlockWriter.append(key, value)
	tw.filterWriter.addKey(key)
	tw.lastKey = append(tw.lastKey[:0], key...)
	tw.entries++

	if tw.dataBlockWriter.bytesLen() >= int(tw.opt.BlockSize) {
		return tw.finishDataBlock()
	}

	return nil
}

// Finish completes the table: trailing data block, filter block, meta index
// block, index block and footer. The writer is unusable afterwards.
func (tw *Writer) Finish() error {

	if tw.dataBlockWriter.entries > 0 {
		if err := tw.finishDataBlock(); err != nil {
			return err
		}
	}

	tw.flushPendingBH(nil)

	// filter block, uncompressed so readers probe without a decode
	tw.filterWriter.finish()
	filterBH, err := tw.writeRawBlock(tw.filterWriter.data.Bytes(), kCompressionTypeNone)
	if err != nil {
		return err
	}

	// meta index block
	metaKey := append([]byte("filter."), tw.filterPolicy.Name()...)
	tw.metaBlockWriter.append(metaKey, writeBH(tw.bhScratch, filterBH))
	tw.metaBlockWriter.finish()
	metaBH, err := tw.writeRawBlock(tw.metaBlockWriter.data.Bytes(), kCompressionTypeNone)
	if err != nil {
		return err
	}

	// index block
	tw.indexBlockWriter.finish()
	indexBH, err := tw.writeRawBlock(tw.indexBlockWriter.data.Bytes(), kCompressionTypeNone)
	if err != nil {
		return err
	}

	return tw.writeFooter(indexBH, metaBH)
}

func (tw *Writer) finishDataBlock() error {

	tw.dataBlockWriter.finish()
	bh, err := tw.writeBlock(tw.dataBlockWriter.data.Bytes())
	if err != nil {
		return err
	}
	tw.pendingBH = &bh
	tw.dataBlockWriter.reset()
	return nil
}

// writeBlock persists a data block with the configured compression,
// falling back to none when snappy does not shrink the payload.
func (tw *Writer) writeBlock(data []byte) (blockHandle, error) {

	compression := tw.compression
	if compression == kCompressionTypeSnappy {
		compressed := snappy.Encode(tw.compressScratch[:cap(tw.compressScratch)], data)
		if len(compressed) < len(data) {
			tw.compressScratch = compressed
			return tw.writeRawBlock(compressed, kCompressionTypeSnappy)
		}
	}
	return tw.writeRawBlock(data, kCompressionTypeNone)
}

func (tw *Writer) writeRawBlock(data []byte, compression byte) (blockHandle, error) {

	bh := blockHandle{
		offset: uint64(tw.offset),
		length: uint64(len(data)),
	}

	var blockTail [kBlockTailLen]byte
	binary.LittleEndian.PutUint32(blockTail[:4], crc32.ChecksumIEEE(data))
	blockTail[4] = compression

	if _, err := tw.writer.Write(data); err != nil {
		return blockHandle{}, err
	}
	if _, err := tw.writer.Write(blockTail[:]); err != nil {
		return blockHandle{}, err
	}

	tw.offset += len(data) + kBlockTailLen
	return bh, nil
}

// flushPendingBH emits the index entry of the block finished before key
// arrived, so the separator can stop short of key.
func (tw *Writer) flushPendingBH(key []byte) {

	if tw.pendingBH == nil {
		return
	}

	var separator []byte
	if len(key) == 0 {
		separator = tw.comparer.Successor(tw.lastKey)
	} else {
		separator = tw.comparer.Separator(tw.lastKey, key)
	}
	tw.bhScratch = writeBH(tw.bhScratch, *tw.pendingBH)
	tw.indexBlockWriter.append(separator, tw.bhScratch)
	tw.pendingBH = nil
}

func (tw *Writer) writeFooter(indexBH, metaBH blockHandle) error {
	footer := make([]byte, kTableFooterLen)
	n1 := copy(footer, writeBH(tw.bhScratch, indexBH))
	copy(footer[n1:], writeBH(tw.bhScratch, metaBH))
	copy(footer[40:], magicByte)

	if _, err := tw.writer.Write(footer); err != nil {
		return err
	}
	if err := tw.writer.Sync(); err != nil {
		return err
	}

	tw.offset += kTableFooterLen
	return nil
}

// ApproximateSize is the bytes written plus the data block being built.
func (tw *Writer) ApproximateSize() int {
	return tw.offset + tw.dataBlockWriter.bytesLen()
}

func (tw *Writer) Entries() int {
	return tw.entries
}
