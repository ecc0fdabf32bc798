package collections

import (
	"fmt"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ckvdb/ckv/comparer"
	"github.com/ckvdb/ckv/errors"
)

func TestSkipListPutGet(t *testing.T) {
	skl := NewSkipList(1, 1<<16, comparer.DefaultComparer)
	defer skl.UnRef()

	for i := 0; i < 1000; i++ {
		key := []byte(fmt.Sprintf("key%06d", i))
		value := []byte(fmt.Sprintf("value%06d", i))
		require.NoError(t, skl.Put(key, value))
	}

	require.Equal(t, 1000, skl.Len())

	for i := 0; i < 1000; i++ {
		key := []byte(fmt.Sprintf("key%06d", i))
		v, err := skl.Get(key)
		require.NoError(t, err)
		require.Equal(t, []byte(fmt.Sprintf("value%06d", i)), v)
	}

	_, err := skl.Get([]byte("absent"))
	require.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestSkipListUpdateInPlace(t *testing.T) {
	skl := NewSkipList(1, 1<<10, comparer.DefaultComparer)
	defer skl.UnRef()

	require.NoError(t, skl.Put([]byte("k"), []byte("longvalue")))
	require.NoError(t, skl.Put([]byte("k"), []byte("short")))
	v, err := skl.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("short"), v)

	require.NoError(t, skl.Put([]byte("k"), []byte("a value longer than both")))
	v, err = skl.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("a value longer than both"), v)
	require.Equal(t, 1, skl.Len())
}

func TestSkipListDel(t *testing.T) {
	skl := NewSkipList(7, 1<<12, comparer.DefaultComparer)
	defer skl.UnRef()

	for i := 0; i < 100; i++ {
		require.NoError(t, skl.Put([]byte(fmt.Sprintf("k%03d", i)), []byte("v")))
	}

	updated, err := skl.Del([]byte("k050"))
	require.NoError(t, err)
	require.True(t, updated)

	updated, err = skl.Del([]byte("k050"))
	require.NoError(t, err)
	require.False(t, updated)

	_, err = skl.Get([]byte("k050"))
	require.True(t, errors.Is(err, errors.ErrNotFound))
	require.Equal(t, 99, skl.Len())

	_, err = skl.Get([]byte("k049"))
	require.NoError(t, err)
	_, err = skl.Get([]byte("k051"))
	require.NoError(t, err)
}

func TestSkipListIterOrder(t *testing.T) {
	skl := NewSkipList(42, 1<<16, comparer.DefaultComparer)
	defer skl.UnRef()

	keys := make([]string, 0, 500)
	for i := 0; i < 500; i++ {
		k := fmt.Sprintf("key%06d", (i*7919)%500)
		keys = append(keys, k)
		require.NoError(t, skl.Put([]byte(k), []byte("v")))
	}
	sort.Strings(keys)
	keys = dedup(keys)

	iter := skl.NewIterator()
	defer iter.UnRef()

	got := make([]string, 0, len(keys))
	for iter.Next() {
		got = append(got, string(iter.Key()))
	}
	require.NoError(t, iter.Valid())
	require.Equal(t, keys, got)
}

func TestSkipListIterSeek(t *testing.T) {
	skl := NewSkipList(3, 1<<12, comparer.DefaultComparer)
	defer skl.UnRef()

	for _, k := range []string{"a", "c", "e", "g"} {
		require.NoError(t, skl.Put([]byte(k), []byte("v"+k)))
	}

	iter := skl.NewIterator()
	defer iter.UnRef()

	require.True(t, iter.Seek([]byte("c")))
	require.Equal(t, []byte("c"), iter.Key())

	require.True(t, iter.Seek([]byte("d")))
	require.Equal(t, []byte("e"), iter.Key())

	require.False(t, iter.Seek([]byte("z")))

	require.True(t, iter.SeekFirst())
	require.Equal(t, []byte("a"), iter.Key())
	require.True(t, iter.Next())
	require.Equal(t, []byte("c"), iter.Key())
}

func TestSkipListReleased(t *testing.T) {
	skl := NewSkipList(1, 1<<10, comparer.DefaultComparer)
	require.NoError(t, skl.Put([]byte("k"), []byte("v")))
	skl.UnRef()

	require.True(t, errors.Is(skl.Put([]byte("k2"), []byte("v")), errors.ErrReleased))
	_, err := skl.Get([]byte("k"))
	require.True(t, errors.Is(err, errors.ErrReleased))
}

func dedup(sorted []string) []string {
	out := sorted[:0]
	for i, s := range sorted {
		if i == 0 || s != sorted[i-1] {
			out = append(out, s)
		}
	}
	return out
}
