package iterator

import (
	"fmt"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ckvdb/ckv/collections"
	"github.com/ckvdb/ckv/comparer"
)

func newListIter(t *testing.T, kvs map[string]string) Iterator {
	t.Helper()
	skl := collections.NewSkipList(1, 1<<12, comparer.DefaultComparer)
	for k, v := range kvs {
		require.NoError(t, skl.Put([]byte(k), []byte(v)))
	}
	iter := skl.NewIterator()
	skl.UnRef() // iterator keeps its own ref
	return iter
}

func TestMergeIteratorOrder(t *testing.T) {
	a := newListIter(t, map[string]string{"a": "1", "d": "4", "g": "7"})
	b := newListIter(t, map[string]string{"b": "2", "e": "5"})
	c := newListIter(t, map[string]string{"c": "3", "f": "6", "h": "8"})

	mi := NewMergeIterator(comparer.DefaultComparer, []Iterator{a, b, c})
	defer mi.UnRef()

	var keys, values []string
	for mi.Next() {
		keys = append(keys, string(mi.Key()))
		values = append(values, string(mi.Value()))
	}
	require.NoError(t, mi.Valid())
	require.Equal(t, []string{"a", "b", "c", "d", "e", "f", "g", "h"}, keys)
	require.Equal(t, []string{"1", "2", "3", "4", "5", "6", "7", "8"}, values)
}

func TestMergeIteratorDuplicatePrefersEarlierInput(t *testing.T) {
	newer := newListIter(t, map[string]string{"k": "new"})
	older := newListIter(t, map[string]string{"k": "old"})

	mi := NewMergeIterator(comparer.DefaultComparer, []Iterator{newer, older})
	defer mi.UnRef()

	require.True(t, mi.Next())
	require.Equal(t, "new", string(mi.Value()))
	require.True(t, mi.Next())
	require.Equal(t, "old", string(mi.Value()))
	require.False(t, mi.Next())
}

func TestMergeIteratorEmptyInputs(t *testing.T) {
	a := newListIter(t, nil)
	b := newListIter(t, map[string]string{"x": "1"})

	mi := NewMergeIterator(comparer.DefaultComparer, []Iterator{a, b})
	defer mi.UnRef()

	require.True(t, mi.Next())
	require.Equal(t, "x", string(mi.Key()))
	require.False(t, mi.Next())

	empty := NewMergeIterator(comparer.DefaultComparer, []Iterator{newListIter(t, nil)})
	defer empty.UnRef()
	require.False(t, empty.Next())
	require.NoError(t, empty.Valid())
}

func TestMergeIteratorSeek(t *testing.T) {
	a := newListIter(t, map[string]string{"a": "1", "m": "2"})
	b := newListIter(t, map[string]string{"f": "3", "z": "4"})

	mi := NewMergeIterator(comparer.DefaultComparer, []Iterator{a, b})
	defer mi.UnRef()

	require.True(t, mi.Seek([]byte("g")))
	require.Equal(t, "m", string(mi.Key()))
	require.True(t, mi.Next())
	require.Equal(t, "z", string(mi.Key()))
	require.False(t, mi.Next())
}

func TestMergeIteratorLarge(t *testing.T) {
	sources := make([]Iterator, 0, 4)
	var all []string
	for s := 0; s < 4; s++ {
		kvs := make(map[string]string)
		for i := s; i < 400; i += 4 {
			k := fmt.Sprintf("key%06d", i)
			kvs[k] = fmt.Sprintf("%d", i)
			all = append(all, k)
		}
		sources = append(sources, newListIter(t, kvs))
	}
	sort.Strings(all)

	mi := NewMergeIterator(comparer.DefaultComparer, sources)
	defer mi.UnRef()

	var got []string
	for mi.Next() {
		got = append(got, string(mi.Key()))
	}
	require.NoError(t, mi.Valid())
	require.Equal(t, all, got)
}
