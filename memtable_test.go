package ckv

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ckvdb/ckv/comparer"
	"github.com/ckvdb/ckv/errors"
)

func newTestMemTable(t *testing.T) *MemDB {
	t.Helper()
	mem := NewMemTable(0, &iComparer{ucmp: comparer.DefaultComparer})
	t.Cleanup(func() { mem.UnRef() })
	return mem
}

func TestMemTableFindNewestVisible(t *testing.T) {
	mem := newTestMemTable(t)

	require.NoError(t, mem.Put([]byte("k"), 1, []byte("one")))
	require.NoError(t, mem.Put([]byte("k"), 3, []byte("three")))

	seek := buildInternalKey(nil, []byte("k"), keyTypeSeek, kMaxSequence)
	_, value, err := mem.Find(seek)
	require.NoError(t, err)
	require.Equal(t, []byte("three"), value)

	// a reader pinned at sequence 2 still sees the older entry
	seek = buildInternalKey(nil, []byte("k"), keyTypeSeek, 2)
	rkey, value, err := mem.Find(seek)
	require.NoError(t, err)
	require.Equal(t, []byte("one"), value)
	require.Equal(t, sequence(1), rkey.seq())

	// and nothing is visible before the first write
	seek = buildInternalKey(nil, []byte("k"), keyTypeSeek, 0)
	_, _, err = mem.Find(seek)
	require.ErrorIs(t, err, errors.ErrNotFound)
}

func TestMemTableTombstone(t *testing.T) {
	mem := newTestMemTable(t)

	require.NoError(t, mem.Put([]byte("k"), 1, []byte("v")))
	require.NoError(t, mem.Del([]byte("k"), 2))

	seek := buildInternalKey(nil, []byte("k"), keyTypeSeek, kMaxSequence)
	_, _, err := mem.Find(seek)
	require.ErrorIs(t, err, errors.ErrKeyDel)

	seek = buildInternalKey(nil, []byte("k"), keyTypeSeek, 1)
	_, value, err := mem.Find(seek)
	require.NoError(t, err)
	require.Equal(t, []byte("v"), value)
}

func TestMemTableTombstoneAtReadSequence(t *testing.T) {
	mem := newTestMemTable(t)

	require.NoError(t, mem.Put([]byte("k"), 1, []byte("v")))
	require.NoError(t, mem.Del([]byte("k"), 2))

	// a read pinned exactly at the delete's sequence must see the tombstone,
	// not the older put
	seek := buildInternalKey(nil, []byte("k"), keyTypeSeek, 2)
	_, _, err := mem.Find(seek)
	require.ErrorIs(t, err, errors.ErrKeyDel)
}

func TestInternalKeyTombstoneOrder(t *testing.T) {
	icmp := &iComparer{ucmp: comparer.DefaultComparer}

	tomb := buildInternalKey(nil, []byte("k"), keyTypeDel, 7)
	seek := buildInternalKey(nil, []byte("k"), keyTypeSeek, 7)
	val := buildInternalKey(nil, []byte("k"), keyTypeValue, 7)

	// the tombstone sorts at or after the seek key of the same sequence
	require.Equal(t, 1, icmp.Compare(tomb, seek))
	require.Equal(t, 0, icmp.Compare(val, seek))
	// and before any entry of an older sequence
	older := buildInternalKey(nil, []byte("k"), keyTypeValue, 6)
	require.Equal(t, -1, icmp.Compare(tomb, older))
}

func TestMemTableFindMiss(t *testing.T) {
	mem := newTestMemTable(t)

	require.NoError(t, mem.Put([]byte("bbb"), 1, []byte("v")))

	for _, ukey := range []string{"aaa", "bb", "bbbb", "zzz"} {
		seek := buildInternalKey(nil, []byte(ukey), keyTypeSeek, kMaxSequence)
		_, _, err := mem.Find(seek)
		require.ErrorIs(t, err, errors.ErrNotFound, "ukey=%s", ukey)
	}
}

func TestMemTableApproximateSizeGrows(t *testing.T) {
	mem := newTestMemTable(t)

	before := mem.ApproximateSize()
	require.NoError(t, mem.Put([]byte("key"), 1, make([]byte, 100)))
	require.Greater(t, mem.ApproximateSize(), before)
}
