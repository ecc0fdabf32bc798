package wal

import (
	"encoding/binary"
	"hash/crc32"
	"io"

	"github.com/ckvdb/ckv/errors"
	"github.com/ckvdb/ckv/storage"
)

/**
journal:
each block is 32kb, a record is split into one or more chunks, chunk header is
		checksum      len  type
	/--------------/------/--/
	|	  4B	   |  2B  |1B|
	/--------------/------/--/

	type full means the chunk holds a whole record
	type first/middle/last mark the fragments of a record crossing blocks

	a block tail shorter than the chunk header is zero padded
**/

const kJournalBlockSize = 1 << 15
const journalBlockHeaderLen = 7

const (
	kRecordFull   = byte(1)
	kRecordFirst  = byte(2)
	kRecordMiddle = byte(3)
	kRecordLast   = byte(4)

	kRecordMaxType = kRecordLast
	kBadRecord     = kRecordMaxType + 1
	kEof           = kRecordMaxType + 2
)

type JournalWriter struct {
	err         error
	w           storage.SequentialWriter
	blockOffset int
	size        int64
}

func NewJournalWriter(writer storage.SequentialWriter) *JournalWriter {
	return &JournalWriter{
		w: writer,
	}
}

// Write appends record as one journal record, fragmenting across block
// boundaries as needed.
func (jw *JournalWriter) Write(record []byte) (err error) {

	if jw.err != nil {
		return jw.err
	}

	var (
		written   int
		fragments int
		chunkType byte
	)

	for {

		blockRemain := kJournalBlockSize - jw.blockOffset

		if blockRemain < journalBlockHeaderLen {
			// pad the tail, header never splits
			if blockRemain > 0 {
				if _, jw.err = jw.w.Write(zeroPad[:blockRemain]); jw.err != nil {
					return jw.err
				}
				jw.size += int64(blockRemain)
			}
			jw.blockOffset = 0
			blockRemain = kJournalBlockSize
		}

		avail := blockRemain - journalBlockHeaderLen
		fragment := len(record) - written
		if fragment > avail {
			fragment = avail
		}

		last := written+fragment == len(record)
		if fragments == 0 {
			if last {
				chunkType = kRecordFull
			} else {
				chunkType = kRecordFirst
			}
		} else {
			if last {
				chunkType = kRecordLast
			} else {
				chunkType = kRecordMiddle
			}
		}

		if jw.err = jw.writePhysicalRecord(record[written:written+fragment], chunkType); jw.err != nil {
			return jw.err
		}
		written += fragment
		fragments++

		if last {
			return nil
		}
	}
}

var zeroPad [journalBlockHeaderLen]byte

func (jw *JournalWriter) writePhysicalRecord(data []byte, chunkType byte) error {
	var header [journalBlockHeaderLen]byte
	binary.LittleEndian.PutUint32(header[:4], crc32.ChecksumIEEE(data))
	binary.LittleEndian.PutUint16(header[4:6], uint16(len(data)))
	header[6] = chunkType

	if _, err := jw.w.Write(header[:]); err != nil {
		return err
	}
	if _, err := jw.w.Write(data); err != nil {
		return err
	}
	jw.blockOffset += journalBlockHeaderLen + len(data)
	jw.size += int64(journalBlockHeaderLen + len(data))
	return jw.w.Flush()
}

func (jw *JournalWriter) Sync() error {
	if jw.err != nil {
		return jw.err
	}
	return jw.w.Sync()
}

func (jw *JournalWriter) Close() error {
	_ = jw.w.Sync()
	return jw.w.Close()
}

// Size is the journal byte size written so far, padding included.
func (jw *JournalWriter) Size() int64 {
	return jw.size
}

// JournalReader replays a journal record by record.
//
//	jr := NewJournalReader(r)
//	for {
//		rec, err := jr.Next()
//		if err == io.EOF {
//			break
//		}
//		if err != nil {
//			return err
//		}
//		process rec
//	}
//
// A truncated or torn tail behind at least one good record ends the replay
// with io.EOF. Damage in the middle of the journal, or before the first
// record was ever read, surfaces as ErrCorruption.
type JournalReader struct {
	src         *blockReader
	scratch     []byte
	returnedAny bool
}

func NewJournalReader(reader storage.SequentialReader) *JournalReader {
	return &JournalReader{
		src: &blockReader{
			SequentialReader: reader,
		},
	}
}

// Next returns the next complete record. The returned slice is only valid
// until the following Next call.
func (jr *JournalReader) Next() ([]byte, error) {

	jr.scratch = jr.scratch[:0]
	inFragmented := false

	for {
		recordType, fragment, err := jr.src.readPhysicalRecord()
		switch recordType {
		case kEof:
			// a record cut off mid way is a torn tail write, drop it
			return nil, io.EOF
		case kBadRecord:
			// tail damage behind at least one good record is a torn write,
			// damage before the first record means the journal itself is bad
			if jr.src.eof && jr.returnedAny {
				return nil, io.EOF
			}
			return nil, err
		case kRecordFull:
			if inFragmented {
				return nil, errors.NewErrCorruption("journal: full chunk inside fragmented record")
			}
			jr.scratch = append(jr.scratch, fragment...)
			jr.returnedAny = true
			return jr.scratch, nil
		case kRecordFirst:
			if inFragmented {
				return nil, errors.NewErrCorruption("journal: first chunk inside fragmented record")
			}
			inFragmented = true
			jr.scratch = append(jr.scratch, fragment...)
		case kRecordMiddle:
			if !inFragmented {
				return nil, errors.NewErrCorruption("journal: orphan middle chunk")
			}
			jr.scratch = append(jr.scratch, fragment...)
		case kRecordLast:
			if !inFragmented {
				return nil, errors.NewErrCorruption("journal: orphan last chunk")
			}
			jr.scratch = append(jr.scratch, fragment...)
			jr.returnedAny = true
			return jr.scratch, nil
		}
	}
}

func (jr *JournalReader) Close() error {
	jr.scratch = nil
	return nil
}

type blockReader struct {
	storage.SequentialReader
	readOffset int // cursor inside buf
	n          int // valid bytes in buf
	buf        [kJournalBlockSize]byte
	eof        bool // the final, possibly partial, block is in buf
}

func (s *blockReader) readPhysicalRecord() (recordType byte, fragment []byte, err error) {

	for {
		if s.readOffset+journalBlockHeaderLen > s.n {
			if s.eof {
				return kEof, nil, nil
			}
			n, rErr := io.ReadFull(s.SequentialReader, s.buf[:])
			s.n = n
			s.readOffset = 0
			if rErr == io.ErrUnexpectedEOF || rErr == io.EOF || n < kJournalBlockSize {
				s.eof = true
			} else if rErr != nil {
				return kBadRecord, nil, rErr
			}
			if n == 0 {
				return kEof, nil, nil
			}
			continue
		}

		expectedSum := binary.LittleEndian.Uint32(s.buf[s.readOffset : s.readOffset+4])
		dataLen := int(binary.LittleEndian.Uint16(s.buf[s.readOffset+4 : s.readOffset+6]))
		recordType = s.buf[s.readOffset+6]

		// zero padding at the block tail
		if recordType == 0 && dataLen == 0 && expectedSum == 0 {
			s.readOffset = s.n
			continue
		}

		if s.readOffset+journalBlockHeaderLen+dataLen > s.n {
			s.readOffset = s.n
			return kBadRecord, nil, errors.NewErrCorruption("journal: chunk length overflows block")
		}

		if recordType > kRecordMaxType {
			s.readOffset = s.n
			return kBadRecord, nil, errors.NewErrCorruption("journal: unknown chunk type")
		}

		payload := s.buf[s.readOffset+journalBlockHeaderLen : s.readOffset+journalBlockHeaderLen+dataLen]
		if crc32.ChecksumIEEE(payload) != expectedSum {
			s.readOffset = s.n
			return kBadRecord, nil, errors.NewErrCorruption("journal: chunk checksum mismatch")
		}

		s.readOffset += journalBlockHeaderLen + dataLen
		return recordType, payload, nil
	}
}
