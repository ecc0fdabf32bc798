package ckv

import (
	"bytes"
	"encoding/binary"

	"github.com/ckvdb/ckv/errors"
	"github.com/ckvdb/ckv/wal"
)

// manifest record field tags
const (
	kComparerName = iota + 1
	kJournalNum
	kNextFileNum
	kSeqNum
	kCompact
	kDelTable
	kAddTable
	kAddVlog
	kDelVlog
)

type compactPtr struct {
	level int
	ikey  internalKey
}

type delTable struct {
	level  int
	number uint64
}

type addTable struct {
	level  int
	size   int64
	number uint64
	imin   internalKey
	imax   internalKey
}

type vlogFile struct {
	number uint64
	size   int64
}

// VersionEdit is one manifest record, a tagged delta against the current
// version.
type VersionEdit struct {
	scratch      [binary.MaxVarintLen64]byte
	rec          uint64
	comparerName []byte
	journalNum   uint64
	nextFileNum  uint64
	lastSeq      sequence
	compactPtrs  []compactPtr
	delTables    []delTable
	addedTables  []addTable
	addedVlogs   []vlogFile
	delVlogs     []uint64
	err          error
	buffer       []byte
}

func (edit *VersionEdit) reset() {
	edit.rec = 0
	edit.comparerName = nil
	edit.journalNum = 0
	edit.nextFileNum = 0
	edit.lastSeq = 0
	edit.compactPtrs = nil
	edit.delTables = nil
	edit.addedTables = nil
	edit.addedVlogs = nil
	edit.delVlogs = nil
	edit.buffer = edit.buffer[:0]
	edit.err = nil
}

func (edit *VersionEdit) hasRec(bitPos uint8) bool {
	return edit.rec&(1<<bitPos) != 0
}

func (edit *VersionEdit) setRec(bitPos uint8) {
	edit.rec |= 1 << bitPos
}

func (edit *VersionEdit) setComparerName(cmpName []byte) {
	edit.setRec(kComparerName)
	edit.comparerName = cmpName
}

func (edit *VersionEdit) setLogNum(logNum uint64) {
	edit.setRec(kJournalNum)
	edit.journalNum = logNum
}

func (edit *VersionEdit) setNextFile(nextFileNum uint64) {
	edit.setRec(kNextFileNum)
	edit.nextFileNum = nextFileNum
}

func (edit *VersionEdit) setLastSeq(seq sequence) {
	edit.setRec(kSeqNum)
	edit.lastSeq = seq
}

func (edit *VersionEdit) addCompactPtr(level int, ikey internalKey) {
	edit.setRec(kCompact)
	edit.compactPtrs = append(edit.compactPtrs, compactPtr{
		level: level,
		ikey:  append(internalKey(nil), ikey...),
	})
}

func (edit *VersionEdit) addDelTable(level int, number uint64) {
	edit.setRec(kDelTable)
	edit.delTables = append(edit.delTables, delTable{
		level:  level,
		number: number,
	})
}

func (edit *VersionEdit) addNewTable(level int, size int64, fileNumber uint64, imin, imax internalKey) {
	edit.setRec(kAddTable)
	edit.addedTables = append(edit.addedTables, addTable{
		level:  level,
		size:   size,
		number: fileNumber,
		imin:   append(internalKey(nil), imin...),
		imax:   append(internalKey(nil), imax...),
	})
}

func (edit *VersionEdit) addVlog(number uint64, size int64) {
	edit.setRec(kAddVlog)
	edit.addedVlogs = append(edit.addedVlogs, vlogFile{number: number, size: size})
}

func (edit *VersionEdit) addDelVlog(number uint64) {
	edit.setRec(kDelVlog)
	edit.delVlogs = append(edit.delVlogs, number)
}

// EncodeTo writes the edit as one journal record.
func (edit *VersionEdit) EncodeTo(jw *wal.JournalWriter) error {
	edit.buffer = edit.buffer[:0]

	if edit.hasRec(kComparerName) {
		edit.putVarInt(kComparerName)
		edit.writeBytes(edit.comparerName)
	}
	if edit.hasRec(kJournalNum) {
		edit.putVarInt(kJournalNum)
		edit.putUVarInt(edit.journalNum)
	}
	if edit.hasRec(kNextFileNum) {
		edit.putVarInt(kNextFileNum)
		edit.putUVarInt(edit.nextFileNum)
	}
	if edit.hasRec(kSeqNum) {
		edit.putVarInt(kSeqNum)
		edit.putUVarInt(uint64(edit.lastSeq))
	}
	if edit.hasRec(kCompact) {
		for _, cPtr := range edit.compactPtrs {
			edit.putVarInt(kCompact)
			edit.putVarInt(cPtr.level)
			edit.writeBytes(cPtr.ikey)
		}
	}
	if edit.hasRec(kDelTable) {
		for _, dt := range edit.delTables {
			edit.putVarInt(kDelTable)
			edit.putVarInt(dt.level)
			edit.putUVarInt(dt.number)
		}
	}
	if edit.hasRec(kAddTable) {
		for _, at := range edit.addedTables {
			edit.putVarInt(kAddTable)
			edit.putVarInt(at.level)
			edit.putUVarInt(uint64(at.size))
			edit.putUVarInt(at.number)
			edit.writeBytes(at.imin)
			edit.writeBytes(at.imax)
		}
	}
	if edit.hasRec(kAddVlog) {
		for _, vf := range edit.addedVlogs {
			edit.putVarInt(kAddVlog)
			edit.putUVarInt(vf.number)
			edit.putUVarInt(uint64(vf.size))
		}
	}
	if edit.hasRec(kDelVlog) {
		for _, num := range edit.delVlogs {
			edit.putVarInt(kDelVlog)
			edit.putUVarInt(num)
		}
	}

	return jw.Write(edit.buffer)
}

// DecodeFrom rebuilds the edit from one journal record.
func (edit *VersionEdit) DecodeFrom(record []byte) error {
	src := bytes.NewReader(record)

	for src.Len() > 0 {
		typ := edit.readVarInt(src)
		if edit.err != nil {
			return edit.err
		}

		switch typ {
		case kComparerName:
			cName := edit.readBytes(src)
			if edit.err != nil {
				return edit.err
			}
			edit.comparerName = cName
			edit.setRec(kComparerName)
		case kJournalNum:
			edit.journalNum = edit.readUVarInt(src)
			if edit.err != nil {
				return edit.err
			}
			edit.setRec(kJournalNum)
		case kNextFileNum:
			edit.nextFileNum = edit.readUVarInt(src)
			if edit.err != nil {
				return edit.err
			}
			edit.setRec(kNextFileNum)
		case kSeqNum:
			edit.lastSeq = sequence(edit.readUVarInt(src))
			if edit.err != nil {
				return edit.err
			}
			edit.setRec(kSeqNum)
		case kCompact:
			level := edit.readVarInt(src)
			ikey := edit.readBytes(src)
			if edit.err != nil {
				return edit.err
			}
			edit.compactPtrs = append(edit.compactPtrs, compactPtr{level: level, ikey: ikey})
			edit.setRec(kCompact)
		case kDelTable:
			level := edit.readVarInt(src)
			fileNum := edit.readUVarInt(src)
			if edit.err != nil {
				return edit.err
			}
			edit.delTables = append(edit.delTables, delTable{level: level, number: fileNum})
			edit.setRec(kDelTable)
		case kAddTable:
			level := edit.readVarInt(src)
			size := edit.readUVarInt(src)
			fileNum := edit.readUVarInt(src)
			imin := edit.readBytes(src)
			imax := edit.readBytes(src)
			if edit.err != nil {
				return edit.err
			}
			edit.addedTables = append(edit.addedTables, addTable{
				level:  level,
				size:   int64(size),
				number: fileNum,
				imin:   imin,
				imax:   imax,
			})
			edit.setRec(kAddTable)
		case kAddVlog:
			num := edit.readUVarInt(src)
			size := edit.readUVarInt(src)
			if edit.err != nil {
				return edit.err
			}
			edit.addedVlogs = append(edit.addedVlogs, vlogFile{number: num, size: int64(size)})
			edit.setRec(kAddVlog)
		case kDelVlog:
			num := edit.readUVarInt(src)
			if edit.err != nil {
				return edit.err
			}
			edit.delVlogs = append(edit.delVlogs, num)
			edit.setRec(kDelVlog)
		default:
			return errors.NewErrCorruption("manifest record unknown field tag")
		}
	}
	return nil
}

func (edit *VersionEdit) writeBytes(value []byte) {
	edit.putVarInt(len(value))
	edit.buffer = append(edit.buffer, value...)
}

func (edit *VersionEdit) putVarInt(value int) {
	n := binary.PutVarint(edit.scratch[:], int64(value))
	edit.buffer = append(edit.buffer, edit.scratch[:n]...)
}

func (edit *VersionEdit) putUVarInt(value uint64) {
	n := binary.PutUvarint(edit.scratch[:], value)
	edit.buffer = append(edit.buffer, edit.scratch[:n]...)
}

func (edit *VersionEdit) readVarInt(src *bytes.Reader) int {
	value, err := binary.ReadVarint(src)
	if err != nil {
		edit.err = errors.NewErrCorruption("manifest record truncated varint")
	}
	return int(value)
}

func (edit *VersionEdit) readUVarInt(src *bytes.Reader) uint64 {
	value, err := binary.ReadUvarint(src)
	if err != nil {
		edit.err = errors.NewErrCorruption("manifest record truncated uvarint")
	}
	return value
}

func (edit *VersionEdit) readBytes(src *bytes.Reader) []byte {
	size, err := binary.ReadVarint(src)
	if err != nil {
		edit.err = errors.NewErrCorruption("manifest record truncated varint")
		return nil
	}
	if size < 0 || int64(src.Len()) < size {
		edit.err = errors.NewErrCorruption("manifest record bad byte length")
		return nil
	}
	b := make([]byte, size)
	if _, err := src.Read(b); err != nil {
		edit.err = errors.NewErrCorruption("manifest record short read")
		return nil
	}
	return b
}
