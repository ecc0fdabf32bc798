package ckv

import (
	"encoding/binary"
	"sync"

	"github.com/ckvdb/ckv/errors"
	"github.com/ckvdb/ckv/options"
)

// WriteBatch collects updates applied atomically: one journal record, one
// contiguous sequence range, one memtable apply.
//
// rep layout: 8 byte seq | 4 byte count | ops. Each op is a 1 byte key
// type, uvarint klen, key and, for puts, uvarint vlen and value.
type WriteBatch struct {
	seq     sequence
	count   int
	scratch [binary.MaxVarintLen64]byte
	rep     []byte
}

func NewWriteBatch() *WriteBatch {
	return &WriteBatch{}
}

func (wb *WriteBatch) init() {
	if len(wb.rep) == 0 {
		wb.rep = append(wb.rep, make([]byte, options.KWriteBatchHeaderSize)...)
	}
}

func (wb *WriteBatch) Put(key, value []byte) {
	wb.init()
	wb.rep = append(wb.rep, byte(keyTypeValue))
	n := binary.PutUvarint(wb.scratch[:], uint64(len(key)))
	wb.rep = append(wb.rep, wb.scratch[:n]...)
	wb.rep = append(wb.rep, key...)
	n = binary.PutUvarint(wb.scratch[:], uint64(len(value)))
	wb.rep = append(wb.rep, wb.scratch[:n]...)
	wb.rep = append(wb.rep, value...)
	wb.count++
}

func (wb *WriteBatch) Delete(key []byte) {
	wb.init()
	wb.rep = append(wb.rep, byte(keyTypeDel))
	n := binary.PutUvarint(wb.scratch[:], uint64(len(key)))
	wb.rep = append(wb.rep, wb.scratch[:n]...)
	wb.rep = append(wb.rep, key...)
	wb.count++
}

func (wb *WriteBatch) SetSequence(seq sequence) {
	wb.init()
	wb.seq = seq
	binary.LittleEndian.PutUint64(wb.rep[:options.KWriteBatchSeqSize], uint64(seq))
}

// Contents stamps the header and returns the full encoded batch.
func (wb *WriteBatch) Contents() []byte {
	wb.init()
	binary.LittleEndian.PutUint32(wb.rep[options.KWriteBatchSeqSize:options.KWriteBatchHeaderSize],
		uint32(wb.count))
	return wb.rep
}

// SetContents replaces the batch with a previously encoded rep, as read
// back from the journal.
func (wb *WriteBatch) SetContents(rep []byte) error {
	if len(rep) < options.KWriteBatchHeaderSize {
		return errors.ErrBatchTooSmall
	}
	wb.rep = append(wb.rep[:0], rep...)
	wb.seq = sequence(binary.LittleEndian.Uint64(rep[:options.KWriteBatchSeqSize]))
	wb.count = int(binary.LittleEndian.Uint32(rep[options.KWriteBatchSeqSize:options.KWriteBatchHeaderSize]))
	return nil
}

// Len reports the op count.
func (wb *WriteBatch) Len() int {
	return wb.count
}

// Size reports the encoded byte size.
func (wb *WriteBatch) Size() int {
	if len(wb.rep) == 0 {
		return options.KWriteBatchHeaderSize
	}
	return len(wb.rep)
}

func (wb *WriteBatch) Reset() {
	wb.seq = 0
	wb.count = 0
	wb.rep = wb.rep[:0]
}

// append merges src's ops behind wb's, keeping wb's sequence.
func (wb *WriteBatch) append(src *WriteBatch) {
	wb.init()
	if len(src.rep) > options.KWriteBatchHeaderSize {
		wb.rep = append(wb.rep, src.rep[options.KWriteBatchHeaderSize:]...)
	}
	wb.count += src.count
}

// foreach walks the ops in insertion order. i is the op index, so the op's
// sequence is wb.seq + i. value is nil for deletes.
func (wb *WriteBatch) foreach(fn func(i int, kt keyType, ukey, value []byte) error) error {
	pos := options.KWriteBatchHeaderSize
	for i := 0; i < wb.count; i++ {
		if pos >= len(wb.rep) {
			return errors.NewErrCorruption("write batch truncated op")
		}
		kt := keyType(wb.rep[pos])
		pos++
		kLen, n := binary.Uvarint(wb.rep[pos:])
		if n <= 0 {
			return errors.NewErrCorruption("write batch bad key length")
		}
		pos += n
		if pos+int(kLen) > len(wb.rep) {
			return errors.NewErrCorruption("write batch key overruns rep")
		}
		key := wb.rep[pos : pos+int(kLen)]
		pos += int(kLen)

		var value []byte
		switch kt {
		case keyTypeValue:
			vLen, n := binary.Uvarint(wb.rep[pos:])
			if n <= 0 {
				return errors.NewErrCorruption("write batch bad value length")
			}
			pos += n
			if pos+int(vLen) > len(wb.rep) {
				return errors.NewErrCorruption("write batch value overruns rep")
			}
			value = wb.rep[pos : pos+int(vLen)]
			pos += int(vLen)
		case keyTypeDel:
		default:
			return errors.NewErrCorruption("write batch invalid key type")
		}

		if err := fn(i, kt, key, value); err != nil {
			return err
		}
	}
	return nil
}

// insertInto applies the batch to a memtable. The values must already be
// tagged, inline or pointer.
func (wb *WriteBatch) insertInto(mem *MemDB) error {
	return wb.foreach(func(i int, kt keyType, ukey, value []byte) error {
		if kt == keyTypeDel {
			return mem.Del(ukey, wb.seq+sequence(i))
		}
		return mem.Put(ukey, wb.seq+sequence(i), value)
	})
}

// writer is a queued write waiting its turn in the group commit line.
type writer struct {
	batch *WriteBatch
	done  bool
	err   error
	cv    *sync.Cond
}

func newWriter(batch *WriteBatch, mutex *sync.RWMutex) *writer {
	return &writer{
		batch: batch,
		cv:    sync.NewCond(mutex),
	}
}
