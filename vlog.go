package ckv

import (
	"encoding/binary"
	"hash/crc32"
	"sync"

	"github.com/ckvdb/ckv/errors"
	"github.com/ckvdb/ckv/storage"
)

// Values at or above the separation threshold live in value log segments.
// The memtable and tables then store a tagged pointer instead of the bytes.
//
// segment record: uvarint klen | key | uvarint vlen | value | 4 byte crc32c
// of everything before it. A pointer addresses the whole record.

const (
	valueTagInline byte = 1
	valueTagPtr    byte = 2
)

var vlogCRCTable = crc32.MakeTable(crc32.Castagnoli)

type valuePtr struct {
	fileNum uint64
	offset  uint64
	length  uint32
}

func appendInlineValue(dst, value []byte) []byte {
	dst = append(dst, valueTagInline)
	return append(dst, value...)
}

func appendValuePtr(dst []byte, vp valuePtr) []byte {
	var scratch [binary.MaxVarintLen64]byte
	dst = append(dst, valueTagPtr)
	n := binary.PutUvarint(scratch[:], vp.fileNum)
	dst = append(dst, scratch[:n]...)
	n = binary.PutUvarint(scratch[:], vp.offset)
	dst = append(dst, scratch[:n]...)
	n = binary.PutUvarint(scratch[:], uint64(vp.length))
	return append(dst, scratch[:n]...)
}

// decodeTaggedValue splits a stored value into its inline bytes or pointer.
func decodeTaggedValue(tagged []byte) (inline []byte, vp *valuePtr, err error) {
	if len(tagged) == 0 {
		err = errors.NewErrCorruption("tagged value empty")
		return
	}
	switch tagged[0] {
	case valueTagInline:
		inline = tagged[1:]
		return
	case valueTagPtr:
		rest := tagged[1:]
		fileNum, n := binary.Uvarint(rest)
		if n <= 0 {
			err = errors.NewErrCorruption("value pointer bad file num")
			return
		}
		rest = rest[n:]
		offset, n := binary.Uvarint(rest)
		if n <= 0 {
			err = errors.NewErrCorruption("value pointer bad offset")
			return
		}
		rest = rest[n:]
		length, n := binary.Uvarint(rest)
		if n <= 0 {
			err = errors.NewErrCorruption("value pointer bad length")
			return
		}
		vp = &valuePtr{fileNum: fileNum, offset: offset, length: uint32(length)}
		return
	default:
		err = errors.NewErrCorruption("unknown value tag")
		return
	}
}

// vlogWriter appends records to the active segment. Only the group commit
// leader touches it, so it carries no lock.
type vlogWriter struct {
	s       storage.Storage
	fd      storage.Fd
	w       storage.SequentialWriter
	offset  uint64
	scratch [binary.MaxVarintLen64]byte
	buf     []byte
}

func newVlogWriter(s storage.Storage, fileNum uint64) (*vlogWriter, error) {
	fd := storage.Fd{FileType: storage.KVLogFile, Num: fileNum}
	w, err := s.NewAppendableFile(fd)
	if err != nil {
		return nil, err
	}
	size, err := s.FileSize(fd)
	if err != nil {
		_ = w.Close()
		return nil, err
	}
	return &vlogWriter{s: s, fd: fd, w: w, offset: uint64(size)}, nil
}

func (vw *vlogWriter) append(key, value []byte) (valuePtr, error) {
	vw.buf = vw.buf[:0]
	n := binary.PutUvarint(vw.scratch[:], uint64(len(key)))
	vw.buf = append(vw.buf, vw.scratch[:n]...)
	vw.buf = append(vw.buf, key...)
	n = binary.PutUvarint(vw.scratch[:], uint64(len(value)))
	vw.buf = append(vw.buf, vw.scratch[:n]...)
	vw.buf = append(vw.buf, value...)
	checksum := crc32.Checksum(vw.buf, vlogCRCTable)
	vw.buf = binary.LittleEndian.AppendUint32(vw.buf, checksum)

	vp := valuePtr{
		fileNum: vw.fd.Num,
		offset:  vw.offset,
		length:  uint32(len(vw.buf)),
	}
	if _, err := vw.w.Write(vw.buf); err != nil {
		return valuePtr{}, errors.Wrapf(err, "vlog append %s", vw.fd.String())
	}
	vw.offset += uint64(len(vw.buf))
	return vp, nil
}

func (vw *vlogWriter) size() uint64 {
	return vw.offset
}

// flush pushes buffered records to the OS. Pointer resolution reads the
// segment through a separate descriptor, so records must be flushed before
// the write that stored their pointer is acknowledged.
func (vw *vlogWriter) flush() error {
	return vw.w.Flush()
}

func (vw *vlogWriter) sync() error {
	if err := vw.w.Flush(); err != nil {
		return err
	}
	return vw.w.Sync()
}

func (vw *vlogWriter) close() error {
	if err := vw.w.Flush(); err != nil {
		return err
	}
	return vw.w.Close()
}

// vlogReader resolves value pointers, keeping one random access reader per
// segment open.
type vlogReader struct {
	s storage.Storage

	mutex   sync.Mutex
	readers map[uint64]storage.RandomAccessReader
}

func newVlogReader(s storage.Storage) *vlogReader {
	return &vlogReader{
		s:       s,
		readers: make(map[uint64]storage.RandomAccessReader),
	}
}

func (vr *vlogReader) segment(fileNum uint64) (storage.RandomAccessReader, error) {
	vr.mutex.Lock()
	defer vr.mutex.Unlock()
	if r, ok := vr.readers[fileNum]; ok {
		return r, nil
	}
	r, err := vr.s.NewRandomAccessReader(storage.Fd{FileType: storage.KVLogFile, Num: fileNum})
	if err != nil {
		return nil, err
	}
	vr.readers[fileNum] = r
	return r, nil
}

// resolve reads the record a pointer addresses and returns its key and
// value. A missing segment or short read is a dangling pointer, a checksum
// or format mismatch is corruption.
func (vr *vlogReader) resolve(vp valuePtr) (key, value []byte, err error) {
	r, sErr := vr.segment(vp.fileNum)
	if sErr != nil {
		err = errors.Wrapf(errors.NewErrDanglingPointer(vp.fileNum, int(vp.offset), int(vp.length)),
			"open segment: %v", sErr)
		return
	}
	scratch := make([]byte, vp.length)
	data, rErr := r.Pread(int64(vp.offset), scratch)
	if rErr != nil || len(data) < int(vp.length) {
		err = errors.NewErrDanglingPointer(vp.fileNum, int(vp.offset), int(vp.length))
		return
	}
	if vp.length < 4 {
		err = errors.NewErrCorruption("vlog record shorter than checksum")
		return
	}
	payload := data[:vp.length-4]
	expected := binary.LittleEndian.Uint32(data[vp.length-4:])
	if crc32.Checksum(payload, vlogCRCTable) != expected {
		err = errors.NewErrCorruption("vlog record checksum mismatch")
		return
	}

	kLen, n := binary.Uvarint(payload)
	if n <= 0 || int(kLen) > len(payload)-n {
		err = errors.NewErrCorruption("vlog record bad key length")
		return
	}
	payload = payload[n:]
	key = append([]byte(nil), payload[:kLen]...)
	payload = payload[kLen:]
	vLen, n := binary.Uvarint(payload)
	if n <= 0 || int(vLen) != len(payload)-n {
		err = errors.NewErrCorruption("vlog record bad value length")
		return
	}
	value = make([]byte, vLen)
	copy(value, payload[n:])
	return
}

// evict drops the cached reader of a deleted segment.
func (vr *vlogReader) evict(fileNum uint64) {
	vr.mutex.Lock()
	defer vr.mutex.Unlock()
	if r, ok := vr.readers[fileNum]; ok {
		_ = r.Close()
		delete(vr.readers, fileNum)
	}
}

func (vr *vlogReader) close() {
	vr.mutex.Lock()
	defer vr.mutex.Unlock()
	for num, r := range vr.readers {
		_ = r.Close()
		delete(vr.readers, num)
	}
}

// vlogRecordIter walks a whole segment front to back, used by the gc
// rewrite pass.
type vlogRecordIter struct {
	r      storage.RandomAccessReader
	size   int64
	offset int64

	key    []byte
	value  []byte
	length uint32
	err    error
}

func newVlogRecordIter(s storage.Storage, fileNum uint64) (*vlogRecordIter, error) {
	fd := storage.Fd{FileType: storage.KVLogFile, Num: fileNum}
	size, err := s.FileSize(fd)
	if err != nil {
		return nil, err
	}
	r, err := s.NewRandomAccessReader(fd)
	if err != nil {
		return nil, err
	}
	return &vlogRecordIter{r: r, size: size}, nil
}

func (it *vlogRecordIter) next() bool {
	if it.err != nil || it.offset >= it.size {
		return false
	}

	// key length, then the value length varint sitting behind the key
	head := make([]byte, binary.MaxVarintLen64)
	if int64(len(head)) > it.size-it.offset {
		head = head[:it.size-it.offset]
	}
	data, err := it.r.Pread(it.offset, head)
	if err != nil {
		it.err = err
		return false
	}
	kLen, n := binary.Uvarint(data)
	if n <= 0 {
		it.err = errors.NewErrCorruption("vlog segment bad key length")
		return false
	}
	vHead := make([]byte, binary.MaxVarintLen64)
	vOff := it.offset + int64(n) + int64(kLen)
	if vOff >= it.size {
		it.err = errors.NewErrCorruption("vlog segment truncated record")
		return false
	}
	if int64(len(vHead)) > it.size-vOff {
		vHead = vHead[:it.size-vOff]
	}
	data, err = it.r.Pread(vOff, vHead)
	if err != nil {
		it.err = err
		return false
	}
	vLen, m := binary.Uvarint(data)
	if m <= 0 {
		it.err = errors.NewErrCorruption("vlog segment bad value length")
		return false
	}
	total := int64(n) + int64(kLen) + int64(m) + int64(vLen) + 4
	if it.offset+total > it.size {
		it.err = errors.NewErrCorruption("vlog segment truncated record")
		return false
	}
	record, err := it.r.Pread(it.offset, make([]byte, total))
	if err != nil {
		it.err = err
		return false
	}
	payload := record[:total-4]
	expected := binary.LittleEndian.Uint32(record[total-4:])
	if crc32.Checksum(payload, vlogCRCTable) != expected {
		it.err = errors.NewErrCorruption("vlog segment checksum mismatch")
		return false
	}
	keyEnd := int64(n) + int64(kLen)
	it.key = append(it.key[:0], payload[n:keyEnd]...)
	it.value = append(it.value[:0], payload[keyEnd+int64(m):]...)
	it.length = uint32(total)
	it.offset += total
	return true
}

func (it *vlogRecordIter) close() {
	_ = it.r.Close()
}
