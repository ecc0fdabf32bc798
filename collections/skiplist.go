package collections

import (
	"math/rand"
	"sync"

	"github.com/ckvdb/ckv/comparer"
	"github.com/ckvdb/ckv/errors"
	"github.com/ckvdb/ckv/utils"
)

const (
	kMaxHeight = 12
	kBranching = 4
)

// SkipList is an append-only arena backed skiplist. Keys and values live in
// one contiguous kvData buffer, nodes only hold offsets. Writers must be
// externally serialized, readers may run concurrently with one writer.
type SkipList struct {
	*utils.BasicReleaser
	level     int8
	rand      *rand.Rand
	seed      int64
	dummyHead *skipListNode
	tail      *skipListNode
	kvData    []byte
	length    int

	updateScratch [kMaxHeight]*skipListNode

	comparer.BasicComparer
	rwMutex sync.RWMutex
}

func NewSkipList(seed int64, capacity int, cmp comparer.BasicComparer) *SkipList {
	skl := &SkipList{
		BasicReleaser: &utils.BasicReleaser{},
		rand:          rand.New(rand.NewSource(seed)),
		seed:          seed,
		dummyHead:     &skipListNode{level: skipListNodeLevel{maxLevel: kMaxHeight, next: make([]*skipListNode, kMaxHeight)}},
		kvData:        make([]byte, 0, capacity),
		BasicComparer: cmp,
	}
	skl.Ref()
	return skl
}

func (skl *SkipList) Put(key, value []byte) (err error) {
	if skl.Released() {
		return errors.ErrReleased
	}
	skl.rwMutex.Lock()
	defer skl.rwMutex.Unlock()

	updates := skl.findLT(key)

	// if key exists, just update the value
	if next := updates[0].next(0); next != nil && skl.Compare(next.key(skl.kvData), key) == 0 {

		replaceNode := next

		// reuse the slot when the new value fits
		if replaceNode.valLen >= len(value) {
			nodeKvData := skl.kvData[replaceNode.kvOffset+replaceNode.keyLen : replaceNode.kvOffset+replaceNode.keyLen+replaceNode.valLen]
			m := copy(nodeKvData, value)
			replaceNode.valLen = m
			return
		}

		replaceNode.kvOffset = len(skl.kvData)
		skl.kvData = append(skl.kvData, key...)
		skl.kvData = append(skl.kvData, value...)
		replaceNode.valLen = len(value)
		return
	}

	level := skl.randLevel()

	for i := skl.level; i < level; i++ {
		updates[i] = skl.dummyHead
	}

	if level > skl.level {
		skl.level = level
	}

	newNode := &skipListNode{
		kvOffset: len(skl.kvData),
		keyLen:   len(key),
		valLen:   len(value),
		level: skipListNodeLevel{
			maxLevel: level,
			next:     make([]*skipListNode, level),
		},
	}

	for l := int8(0); l < level; l++ {
		newNode.level.next[l] = updates[l].next(l)
		updates[l].level.next[l] = newNode
	}

	// update backward
	if next := newNode.next(0); next != nil {
		next.backward = newNode
	} else {
		skl.tail = newNode
	}

	if updates[0] != skl.dummyHead {
		newNode.backward = updates[0]
	}

	skl.kvData = append(skl.kvData, key...)
	skl.kvData = append(skl.kvData, value...)
	skl.length++
	return
}

func (skl *SkipList) Del(key []byte) (updated bool, err error) {

	if skl.Released() {
		return false, errors.ErrReleased
	}

	skl.rwMutex.Lock()
	defer skl.rwMutex.Unlock()

	updates := skl.findLT(key)

	foundNode := updates[0].next(0)
	if foundNode == nil || skl.Compare(foundNode.key(skl.kvData), key) != 0 {
		return false, nil
	}

	for i := int8(0); i < foundNode.level.maxLevel; i++ {
		if updates[i].next(i) == foundNode {
			updates[i].level.next[i] = foundNode.next(i)
		}
	}

	// shrink skl level if the top levels emptied
	for skl.level > 1 && skl.dummyHead.next(skl.level-1) == nil {
		skl.level--
	}

	// update backward links
	prev := foundNode.backward
	next := foundNode.next(0)

	if next != nil {
		next.backward = prev
	} else {
		skl.tail = prev
	}

	skl.length--
	return true, nil
}

func (skl *SkipList) Get(key []byte) ([]byte, error) {
	n, found, err := skl.FindGreaterOrEqual(key)
	if err != nil {
		return nil, err
	}
	if found {
		return n.value(skl.kvData), nil
	}
	return nil, errors.ErrNotFound
}

// FindGreaterOrEqual returns the first node whose key is >= key, with
// found reporting an exact match. Node is nil when every key is smaller.
func (skl *SkipList) FindGreaterOrEqual(key []byte) (*skipListNode, bool, error) {
	if skl.Released() {
		return nil, false, errors.ErrReleased
	}

	skl.rwMutex.RLock()
	defer skl.rwMutex.RUnlock()
	n := skl.dummyHead
	for i := skl.level - 1; i >= 0; i-- {
		for n.next(i) != nil && skl.Compare(n.next(i).key(skl.kvData), key) < 0 {
			n = n.next(i)
		}
		if n.next(i) != nil && skl.Compare(n.next(i).key(skl.kvData), key) == 0 {
			return n.next(i), true, nil
		}
	}
	if next := n.next(0); next != nil {
		return next, false, nil
	}
	return nil, false, nil
}

// Size is the arena byte size, including slots orphaned by in-place updates.
func (skl *SkipList) Size() int {
	skl.rwMutex.RLock()
	defer skl.rwMutex.RUnlock()
	return len(skl.kvData)
}

func (skl *SkipList) Capacity() int {
	skl.rwMutex.RLock()
	defer skl.rwMutex.RUnlock()
	return cap(skl.kvData)
}

func (skl *SkipList) Len() int {
	skl.rwMutex.RLock()
	defer skl.rwMutex.RUnlock()
	return skl.length
}

func (skl *SkipList) Reset() {
	skl.rwMutex.Lock()
	defer skl.rwMutex.Unlock()
	skl.level = 0
	skl.kvData = skl.kvData[:0]
	skl.dummyHead = &skipListNode{level: skipListNodeLevel{maxLevel: kMaxHeight, next: make([]*skipListNode, kMaxHeight)}}
	skl.tail = nil
	skl.length = 0
	skl.seed = skl.seed>>17 | skl.seed<<15 + 0xf175
	skl.rand = rand.New(rand.NewSource(skl.seed))
}

// NewIterator returns an iter holding a ref on the list.
// Caller should call UnRef after iterate end.
func (skl *SkipList) NewIterator() *SkipListIter {
	skl.Ref()
	sklIter := &SkipListIter{
		skl:           skl,
		BasicReleaser: &utils.BasicReleaser{},
	}
	sklIter.OnClose = func() {
		skl.UnRef()
	}
	sklIter.Ref()
	return sklIter
}

const (
	dirSOI = iota
	dirForward
	dirEOI
)

type SkipListIter struct {
	skl *SkipList
	n   *skipListNode
	dir int
	*utils.BasicReleaser
	iterErr error
}

func (sklIter *SkipListIter) SeekFirst() bool {
	if sklIter.Released() {
		sklIter.iterErr = errors.ErrReleased
		return false
	}

	skl := sklIter.skl
	skl.rwMutex.RLock()
	defer skl.rwMutex.RUnlock()

	n := skl.dummyHead.next(0)
	if n == nil {
		sklIter.dir = dirEOI
		return false
	}
	sklIter.n = n
	sklIter.dir = dirForward
	return true
}

func (sklIter *SkipListIter) Next() bool {
	if sklIter.Released() {
		sklIter.iterErr = errors.ErrReleased
		return false
	}
	if sklIter.dir == dirEOI {
		return false
	}
	if sklIter.dir == dirSOI {
		return sklIter.SeekFirst()
	}

	skl := sklIter.skl
	skl.rwMutex.RLock()
	defer skl.rwMutex.RUnlock()

	n := sklIter.n.next(0)
	if n == nil {
		sklIter.dir = dirEOI
		return false
	}
	sklIter.n = n
	return true
}

func (sklIter *SkipListIter) Valid() error {
	if sklIter.iterErr != nil {
		return sklIter.iterErr
	}
	if sklIter.Released() {
		return errors.ErrReleased
	}
	return nil
}

func (sklIter *SkipListIter) Seek(key []byte) bool {

	if sklIter.Released() {
		sklIter.iterErr = errors.ErrReleased
		return false
	}

	node, _, err := sklIter.skl.FindGreaterOrEqual(key)
	if err != nil {
		sklIter.iterErr = err
		return false
	}

	if node == nil {
		sklIter.dir = dirEOI
		return false
	}
	sklIter.n = node
	sklIter.dir = dirForward
	return true
}

func (sklIter *SkipListIter) Key() []byte {
	if sklIter.n == nil {
		return nil
	}
	return sklIter.n.key(sklIter.skl.kvData)
}

func (sklIter *SkipListIter) Value() []byte {
	if sklIter.n == nil {
		return nil
	}
	return sklIter.n.value(sklIter.skl.kvData)
}

// findLT fills updateScratch with the rightmost node < key on every level.
// Requires write lock held.
func (skl *SkipList) findLT(key []byte) []*skipListNode {

	updates := skl.updateScratch[:]
	n := skl.dummyHead
	for i := int8(kMaxHeight) - 1; i >= 0; i-- {
		if i < skl.level {
			for n.next(i) != nil && skl.Compare(n.next(i).key(skl.kvData), key) < 0 {
				n = n.next(i)
			}
		}
		updates[i] = n
	}

	return updates
}

type skipListNode struct {
	kvOffset int // offset in skipList kvData
	keyLen   int
	valLen   int
	level    skipListNodeLevel
	backward *skipListNode
}

func (node *skipListNode) next(i int8) *skipListNode {
	utils.Assert(i < node.level.maxLevel)
	return node.level.next[i]
}

type skipListNodeLevel struct {
	next     []*skipListNode
	maxLevel int8
}

// required mutex held
func (skl *SkipList) randLevel() int8 {
	height := int8(1)
	// p=1/4 gives expected node count 4^kMaxHeight before height caps out
	for height < kMaxHeight && skl.rand.Int()%kBranching == 0 {
		height++
	}
	utils.Assert(height <= kMaxHeight)
	return height
}

func (skl *SkipList) Key(node *skipListNode) []byte {
	skl.rwMutex.RLock()
	defer skl.rwMutex.RUnlock()
	return node.key(skl.kvData)
}

func (skl *SkipList) Value(node *skipListNode) []byte {
	skl.rwMutex.RLock()
	defer skl.rwMutex.RUnlock()
	return node.value(skl.kvData)
}

func (node *skipListNode) key(kvData []byte) []byte {
	utils.Assert(node.kvOffset <= len(kvData))
	return kvData[node.kvOffset : node.kvOffset+node.keyLen]
}

func (node *skipListNode) value(kvData []byte) []byte {
	utils.Assert(node.kvOffset <= len(kvData))
	return kvData[node.kvOffset+node.keyLen : node.kvOffset+node.keyLen+node.valLen]
}
