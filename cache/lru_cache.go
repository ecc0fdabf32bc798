package cache

import (
	"bytes"
	hash2 "hash"
	"sync"

	"github.com/ckvdb/ckv/errors"
	"github.com/ckvdb/ckv/utils"
)

const htInitSlots = uint32(1 << 5)

type Cache interface {
	Insert(key []byte, charge uint32, value interface{}, deleter func(key []byte, value interface{})) (*LRUHandle, error)
	Lookup(key []byte) (*LRUHandle, error)
	Erase(key []byte) error
	Prune()
	Usage() uint64
	Close()
	UnRef(h *LRUHandle)
}

// LRUHandle is a refcounted cache entry. Entries referenced by callers sit
// on the inUse list and are never evicted, entries only held by the cache
// sit on the lru list in eviction order.
type LRUHandle struct {
	nextHash *LRUHandle

	next *LRUHandle
	prev *LRUHandle

	hash  uint32
	ref   uint32
	value interface{}
	key   []byte

	inCache bool
	deleter func(key []byte, value interface{})
	charge  uint32
}

func (lh *LRUHandle) Value() interface{} {
	return lh.value
}

type HandleTable struct {
	list  []*LRUHandle
	slots uint32
	size  uint32
}

func NewHandleTable(slots uint32) *HandleTable {
	realSlots := htInitSlots
	for i := htInitSlots; i < 32; i++ {
		if slots < 1<<i {
			realSlots = 1 << i
			break
		}
	}

	return &HandleTable{
		list:  make([]*LRUHandle, realSlots),
		slots: realSlots,
		size:  0,
	}
}

// Insert adds handle, returning the entry it displaced if the key was
// already present.
func (ht *HandleTable) Insert(handle *LRUHandle) *LRUHandle {
	ptr := ht.FindPointer(handle.key, handle.hash)
	old := *ptr

	if old != nil {
		handle.nextHash = old.nextHash
	}
	*ptr = handle

	if old == nil {
		ht.size++
		if ht.size > ht.slots {
			ht.Resize(true)
		}
	}

	return old
}

func (ht *HandleTable) Lookup(key []byte, hash uint32) *LRUHandle {
	return *ht.FindPointer(key, hash)
}

func (ht *HandleTable) Erase(key []byte, hash uint32) *LRUHandle {
	ptr := ht.FindPointer(key, hash)
	old := *ptr
	if old != nil {
		*ptr = old.nextHash
		ht.size--
		if ht.size < ht.slots>>1 && ht.slots > htInitSlots {
			ht.Resize(false)
		}
	}
	return old
}

func (ht *HandleTable) FindPointer(key []byte, hash uint32) **LRUHandle {
	ptr := &ht.list[hash&(ht.slots-1)]
	for *ptr != nil && ((*ptr).hash != hash || !bytes.Equal((*ptr).key, key)) {
		ptr = &(*ptr).nextHash
	}
	return ptr
}

func (ht *HandleTable) Resize(growth bool) {

	newSlots := ht.slots
	if growth {
		newSlots <<= 1
	} else {
		newSlots >>= 1
		utils.Assert(newSlots >= htInitSlots)
	}

	newList := make([]*LRUHandle, newSlots)

	for i := uint32(0); i < ht.slots; i++ {
		h := ht.list[i]
		for h != nil {
			next := h.nextHash
			head := &newList[h.hash&(newSlots-1)]
			h.nextHash = *head
			*head = h
			h = next
		}
	}

	ht.list = newList
	ht.slots = newSlots
}

type LRUCache struct {
	mutex sync.Mutex
	table *HandleTable

	capacity uint32
	usage    uint32

	// dummy heads
	inUse LRUHandle
	lru   LRUHandle

	closed bool
}

func newCache(capacity uint32) *LRUCache {
	c := &LRUCache{
		capacity: capacity,
		table:    NewHandleTable(uint32(1 << 8)),
	}

	c.inUse.next = &c.inUse
	c.inUse.prev = &c.inUse

	c.lru.next = &c.lru
	c.lru.prev = &c.lru
	return c
}

func (c *LRUCache) Insert(key []byte, hash uint32, charge uint32,
	value interface{}, deleter func(key []byte, value interface{})) (*LRUHandle, error) {

	c.mutex.Lock()

	if c.closed {
		c.mutex.Unlock()
		return nil, errors.ErrClosed
	}

	handle := &LRUHandle{
		hash:    hash,
		ref:     2, // one for the cache, one for the caller
		value:   value,
		key:     append([]byte(nil), key...),
		inCache: true,
		deleter: deleter,
		charge:  charge,
	}

	c.usage += charge
	lruAppend(&c.inUse, handle)

	var dead []*LRUHandle
	if old := c.table.Insert(handle); old != nil {
		if h := c.finishErase(old); h != nil {
			dead = append(dead, h)
		}
	}

	for c.usage > c.capacity && c.lru.next != &c.lru {
		victim := c.lru.next
		if h := c.finishErase(c.table.Erase(victim.key, victim.hash)); h != nil {
			dead = append(dead, h)
		}
	}

	c.mutex.Unlock()
	runDeleters(dead)
	return handle, nil
}

func (c *LRUCache) Lookup(key []byte, hash uint32) (*LRUHandle, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.closed {
		return nil, errors.ErrClosed
	}
	h := c.table.Lookup(key, hash)
	if h != nil {
		c.ref(h)
	}
	return h, nil
}

func (c *LRUCache) Erase(key []byte, hash uint32) error {
	c.mutex.Lock()
	if c.closed {
		c.mutex.Unlock()
		return errors.ErrClosed
	}
	h := c.finishErase(c.table.Erase(key, hash))
	c.mutex.Unlock()
	if h != nil {
		runDeleters([]*LRUHandle{h})
	}
	return nil
}

func (c *LRUCache) Prune() {
	c.mutex.Lock()

	if c.closed {
		c.mutex.Unlock()
		return
	}

	var dead []*LRUHandle
	for c.lru.next != &c.lru {
		victim := c.lru.next
		if h := c.finishErase(c.table.Erase(victim.key, victim.hash)); h != nil {
			dead = append(dead, h)
		}
	}
	c.mutex.Unlock()
	runDeleters(dead)
}

func (c *LRUCache) Close() {
	c.mutex.Lock()

	if c.closed {
		c.mutex.Unlock()
		return
	}

	c.closed = true

	var dead []*LRUHandle
	for c.lru.next != &c.lru {
		victim := c.lru.next
		if h := c.finishErase(c.table.Erase(victim.key, victim.hash)); h != nil {
			dead = append(dead, h)
		}
	}
	// pinned entries drop the cache ref, callers still hold theirs
	for c.inUse.next != &c.inUse {
		victim := c.inUse.next
		if h := c.finishErase(c.table.Erase(victim.key, victim.hash)); h != nil {
			dead = append(dead, h)
		}
	}
	c.mutex.Unlock()
	runDeleters(dead)
}

func (c *LRUCache) UsageLocked() uint32 {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.usage
}

func lruAppend(lru *LRUHandle, h *LRUHandle) {
	h.next = lru
	h.prev = lru.prev
	lru.prev.next = h
	lru.prev = h
}

func lruRemove(h *LRUHandle) {
	h.prev.next = h.next
	h.next.prev = h.prev
	h.next = nil
	h.prev = nil
}

// finishErase detaches h from the cache, returning it when the cache ref
// was the last one so the caller can run the deleter outside the lock.
// Requires mutex held.
func (c *LRUCache) finishErase(h *LRUHandle) *LRUHandle {
	if h == nil || !h.inCache {
		return nil
	}
	h.inCache = false
	lruRemove(h)
	c.usage -= h.charge
	return c.unref(h)
}

// requires mutex held
func (c *LRUCache) unref(h *LRUHandle) *LRUHandle {
	utils.Assert(h.ref > 0)
	h.ref--
	if h.ref == 0 {
		return h
	}
	if h.ref == 1 && h.inCache {
		lruRemove(h)
		lruAppend(&c.lru, h)
	}
	return nil
}

// requires mutex held
func (c *LRUCache) ref(h *LRUHandle) {
	if h.ref == 1 && h.inCache {
		lruRemove(h)
		lruAppend(&c.inUse, h)
	}
	h.ref++
}

func (c *LRUCache) UnRef(h *LRUHandle) {
	c.mutex.Lock()
	dead := c.unref(h)
	c.mutex.Unlock()
	if dead != nil {
		runDeleters([]*LRUHandle{dead})
	}
}

func runDeleters(dead []*LRUHandle) {
	for _, h := range dead {
		if h.deleter != nil {
			h.deleter(h.key, h.value)
		}
	}
}

const kNumShardBits = 4
const kNumShards = 1 << kNumShardBits

type ShardedLRUCache struct {
	caches [kNumShards]*LRUCache
	mutex  sync.Mutex
	hash32 hash2.Hash32
}

func NewCache(capacity uint32, hash32 hash2.Hash32) Cache {

	perShard := (capacity + kNumShards - 1) / kNumShards
	caches := [kNumShards]*LRUCache{}
	for i := 0; i < kNumShards; i++ {
		caches[i] = newCache(perShard)
	}
	return &ShardedLRUCache{
		caches: caches,
		hash32: hash32,
	}
}

func (c *ShardedLRUCache) Insert(key []byte, charge uint32,
	value interface{}, deleter func(key []byte, value interface{})) (*LRUHandle, error) {
	hash := c.hash(key)
	return c.caches[hash&(kNumShards-1)].Insert(key, hash, charge, value, deleter)
}

func (c *ShardedLRUCache) Lookup(key []byte) (*LRUHandle, error) {
	hash := c.hash(key)
	return c.caches[hash&(kNumShards-1)].Lookup(key, hash)
}

func (c *ShardedLRUCache) Erase(key []byte) error {
	hash := c.hash(key)
	return c.caches[hash&(kNumShards-1)].Erase(key, hash)
}

func (c *ShardedLRUCache) Prune() {
	for _, cache := range c.caches {
		cache.Prune()
	}
}

func (c *ShardedLRUCache) Usage() uint64 {
	var usage uint64
	for _, cache := range c.caches {
		usage += uint64(cache.UsageLocked())
	}
	return usage
}

func (c *ShardedLRUCache) Close() {
	for _, cache := range c.caches {
		cache.Close()
	}
}

func (c *ShardedLRUCache) UnRef(h *LRUHandle) {
	c.caches[h.hash&(kNumShards-1)].UnRef(h)
}

func (c *ShardedLRUCache) hash(key []byte) uint32 {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.hash32.Reset()
	_, _ = c.hash32.Write(key)
	return c.hash32.Sum32()
}
