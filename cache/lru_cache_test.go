package cache

import (
	"fmt"
	"hash/fnv"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestCache(capacity uint32) Cache {
	return NewCache(capacity, fnv.New32())
}

func TestCacheInsertLookup(t *testing.T) {
	c := newTestCache(1 << 20)
	defer c.Close()

	h, err := c.Insert([]byte("k1"), 1, "v1", nil)
	require.NoError(t, err)
	c.UnRef(h)

	h, err = c.Lookup([]byte("k1"))
	require.NoError(t, err)
	require.NotNil(t, h)
	require.Equal(t, "v1", h.Value())
	c.UnRef(h)

	h, err = c.Lookup([]byte("absent"))
	require.NoError(t, err)
	require.Nil(t, h)
}

func TestCacheInsertReplaces(t *testing.T) {
	c := newTestCache(1 << 20)
	defer c.Close()

	deleted := make(map[string]int)
	deleter := func(key []byte, value interface{}) {
		deleted[string(key)+"="+value.(string)]++
	}

	h, err := c.Insert([]byte("k"), 1, "old", deleter)
	require.NoError(t, err)
	c.UnRef(h)

	h, err = c.Insert([]byte("k"), 1, "new", deleter)
	require.NoError(t, err)
	c.UnRef(h)

	require.Equal(t, 1, deleted["k=old"])

	h, err = c.Lookup([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, "new", h.Value())
	c.UnRef(h)
}

func TestCacheEviction(t *testing.T) {
	// single shard worth of charge so eviction is deterministic per key slot
	c := newTestCache(kNumShards * 2)
	defer c.Close()

	deleted := 0
	deleter := func(key []byte, value interface{}) { deleted++ }

	for i := 0; i < 100; i++ {
		h, err := c.Insert([]byte(fmt.Sprintf("key-%04d", i)), 1, i, deleter)
		require.NoError(t, err)
		c.UnRef(h)
	}

	require.Greater(t, deleted, 0)
	require.LessOrEqual(t, c.Usage(), uint64(kNumShards*2))
}

func TestCachePinnedEntriesSurviveEviction(t *testing.T) {
	c := newTestCache(kNumShards) // one unit per shard
	defer c.Close()

	pinned, err := c.Insert([]byte("pinned"), 1, "v", nil)
	require.NoError(t, err)

	// flood the cache, the pinned handle must stay readable
	for i := 0; i < 200; i++ {
		h, err := c.Insert([]byte(fmt.Sprintf("f%04d", i)), 1, i, nil)
		require.NoError(t, err)
		c.UnRef(h)
	}

	require.Equal(t, "v", pinned.Value())
	c.UnRef(pinned)
}

func TestCacheErase(t *testing.T) {
	c := newTestCache(1 << 20)
	defer c.Close()

	deleted := 0
	h, err := c.Insert([]byte("k"), 1, "v", func(key []byte, value interface{}) { deleted++ })
	require.NoError(t, err)
	c.UnRef(h)

	require.NoError(t, c.Erase([]byte("k")))
	require.Equal(t, 1, deleted)

	h, err = c.Lookup([]byte("k"))
	require.NoError(t, err)
	require.Nil(t, h)
}

func TestCachePrune(t *testing.T) {
	c := newTestCache(1 << 20)
	defer c.Close()

	for i := 0; i < 50; i++ {
		h, err := c.Insert([]byte(fmt.Sprintf("k%03d", i)), 10, i, nil)
		require.NoError(t, err)
		c.UnRef(h)
	}
	require.Equal(t, uint64(500), c.Usage())

	c.Prune()
	require.Equal(t, uint64(0), c.Usage())
}

func TestHandleTableResize(t *testing.T) {
	ht := NewHandleTable(htInitSlots)

	handles := make([]*LRUHandle, 0, 1000)
	for i := 0; i < 1000; i++ {
		h := &LRUHandle{key: []byte(fmt.Sprintf("key-%04d", i)), hash: uint32(i * 2654435761)}
		handles = append(handles, h)
		require.Nil(t, ht.Insert(h))
	}

	for _, h := range handles {
		require.Equal(t, h, ht.Lookup(h.key, h.hash))
	}

	for _, h := range handles[:500] {
		require.Equal(t, h, ht.Erase(h.key, h.hash))
	}
	for _, h := range handles[:500] {
		require.Nil(t, ht.Lookup(h.key, h.hash))
	}
	for _, h := range handles[500:] {
		require.Equal(t, h, ht.Lookup(h.key, h.hash))
	}
}
