package ckv

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ckvdb/ckv/comparer"
	"github.com/ckvdb/ckv/errors"
	"github.com/ckvdb/ckv/options"
)

type batchOp struct {
	kt    keyType
	key   string
	value string
}

func collectOps(t *testing.T, wb *WriteBatch) []batchOp {
	t.Helper()
	var ops []batchOp
	err := wb.foreach(func(i int, kt keyType, ukey, value []byte) error {
		require.Equal(t, len(ops), i)
		ops = append(ops, batchOp{kt: kt, key: string(ukey), value: string(value)})
		return nil
	})
	require.NoError(t, err)
	return ops
}

func TestWriteBatchForeachOrder(t *testing.T) {
	wb := NewWriteBatch()
	wb.Put([]byte("a"), []byte("1"))
	wb.Delete([]byte("b"))
	wb.Put([]byte("c"), []byte("3"))

	require.Equal(t, 3, wb.Len())
	require.Equal(t, []batchOp{
		{keyTypeValue, "a", "1"},
		{keyTypeDel, "b", ""},
		{keyTypeValue, "c", "3"},
	}, collectOps(t, wb))
}

func TestWriteBatchContentsRoundTrip(t *testing.T) {
	wb := NewWriteBatch()
	wb.Put([]byte("key"), []byte("value"))
	wb.Delete([]byte("dead"))
	wb.SetSequence(42)

	decoded := NewWriteBatch()
	require.NoError(t, decoded.SetContents(wb.Contents()))
	require.Equal(t, sequence(42), decoded.seq)
	require.Equal(t, 2, decoded.Len())
	require.Equal(t, collectOps(t, wb), collectOps(t, decoded))
}

func TestWriteBatchSetContentsTooSmall(t *testing.T) {
	wb := NewWriteBatch()
	err := wb.SetContents(make([]byte, options.KWriteBatchHeaderSize-1))
	require.ErrorIs(t, err, errors.ErrBatchTooSmall)
}

func TestWriteBatchAppend(t *testing.T) {
	dst := NewWriteBatch()
	dst.Put([]byte("a"), []byte("1"))
	dst.SetSequence(7)

	src := NewWriteBatch()
	src.Put([]byte("b"), []byte("2"))
	src.Delete([]byte("c"))

	dst.append(src)
	require.Equal(t, 3, dst.Len())
	require.Equal(t, sequence(7), dst.seq)
	require.Equal(t, []batchOp{
		{keyTypeValue, "a", "1"},
		{keyTypeValue, "b", "2"},
		{keyTypeDel, "c", ""},
	}, collectOps(t, dst))

	// appending an empty batch is a no-op
	dst.append(NewWriteBatch())
	require.Equal(t, 3, dst.Len())
}

func TestWriteBatchInsertInto(t *testing.T) {
	wb := NewWriteBatch()
	wb.Put([]byte("a"), []byte("1"))
	wb.Put([]byte("b"), []byte("2"))
	wb.Delete([]byte("a"))
	wb.SetSequence(10)

	mem := NewMemTable(0, &iComparer{ucmp: comparer.DefaultComparer})
	defer mem.UnRef()
	require.NoError(t, wb.insertInto(mem))

	// the delete at sequence 12 shadows the put at sequence 10
	seek := buildInternalKey(nil, []byte("a"), keyTypeSeek, kMaxSequence)
	_, _, err := mem.Find(seek)
	require.ErrorIs(t, err, errors.ErrKeyDel)

	seek = buildInternalKey(nil, []byte("a"), keyTypeSeek, 11)
	_, value, err := mem.Find(seek)
	require.NoError(t, err)
	require.Equal(t, []byte("1"), value)

	seek = buildInternalKey(nil, []byte("b"), keyTypeSeek, kMaxSequence)
	rkey, value, err := mem.Find(seek)
	require.NoError(t, err)
	require.Equal(t, []byte("2"), value)
	require.Equal(t, sequence(11), rkey.seq())
}

func TestWriteBatchReset(t *testing.T) {
	wb := NewWriteBatch()
	wb.Put([]byte("a"), []byte("1"))
	wb.SetSequence(5)
	wb.Reset()

	require.Zero(t, wb.Len())
	require.Equal(t, options.KWriteBatchHeaderSize, wb.Size())
	require.Empty(t, collectOps(t, wb))
}
