package ckv

import (
	"time"

	"github.com/ckvdb/ckv/collections"
	"github.com/ckvdb/ckv/errors"
	"github.com/ckvdb/ckv/utils"
)

// MemDB is a refcounted memtable over the skiplist, keyed by internal key.
// Values carry the storage tag, inline bytes or a value log pointer.
type MemDB struct {
	cmp *iComparer
	*collections.SkipList
	*utils.BasicReleaser
}

func NewMemTable(capacity int, cmp *iComparer) *MemDB {
	memDB := &MemDB{
		cmp:           cmp,
		SkipList:      collections.NewSkipList(time.Now().UnixNano(), capacity, cmp),
		BasicReleaser: &utils.BasicReleaser{},
	}
	memDB.OnClose = func() {
		memDB.SkipList.UnRef()
	}
	return memDB
}

func (memTable *MemDB) Put(ukey []byte, seq sequence, value []byte) error {
	ikey := buildInternalKey(nil, ukey, keyTypeValue, seq)
	return memTable.SkipList.Put(ikey, value)
}

func (memTable *MemDB) Del(ukey []byte, seq sequence) error {
	ikey := buildInternalKey(nil, ukey, keyTypeDel, seq)
	return memTable.SkipList.Put(ikey, nil)
}

// Find locates the newest entry visible at ikey's sequence whose user key
// equals ikey's. A tombstone reports ErrKeyDel, absence ErrNotFound.
func (memTable *MemDB) Find(ikey internalKey) (rkey internalKey, value []byte, err error) {
	node, _, err := memTable.SkipList.FindGreaterOrEqual(ikey)
	if err != nil {
		return
	}
	if node != nil {
		foundKey := internalKey(memTable.SkipList.Key(node))
		ukey, kt, _, pErr := parseInternalKey(foundKey)
		if pErr != nil {
			return nil, nil, pErr
		}
		if memTable.cmp.ucmp.Compare(ukey, ikey.userKey()) == 0 {
			rkey = foundKey
			if kt == keyTypeDel {
				err = errors.ErrKeyDel
				return
			}
			value = memTable.SkipList.Value(node)
			return
		}
	}
	err = errors.ErrNotFound
	return
}

func (memTable *MemDB) ApproximateSize() int {
	return memTable.SkipList.Size()
}
