package ckv

import (
	"github.com/ckvdb/ckv/comparer"
	"github.com/ckvdb/ckv/errors"
	"github.com/ckvdb/ckv/iterator"
	"github.com/ckvdb/ckv/utils"
)

// newDBIter opens a merged view over memtables and tables at the current
// sequence. start is inclusive, end exclusive, either may be nil.
func (db *DB) newDBIter(start, end []byte) (iterator.Iterator, error) {
	db.rwMutex.RLock()
	if db.isClosed() {
		db.rwMutex.RUnlock()
		return nil, errors.ErrClosed
	}
	seq := db.seqNum
	db.rwMutex.RUnlock()
	return db.newDBIterAtSeq(start, end, seq)
}

func (db *DB) newDBIterAtSeq(start, end []byte, seq sequence) (iterator.Iterator, error) {
	db.rwMutex.RLock()
	if db.isClosed() {
		db.rwMutex.RUnlock()
		return nil, errors.ErrClosed
	}

	v := db.versionSet.getCurrent()
	mem := db.mem
	imm := db.imm
	v.Ref()
	mem.Ref()
	if imm != nil {
		imm.Ref()
	}

	// newest source first, the merge tie break keeps the first input
	iters := make([]iterator.Iterator, 0, 4)
	iters = append(iters, mem.NewIterator())
	if imm != nil {
		iters = append(iters, imm.NewIterator())
	}
	for _, tf := range v.levels[0] {
		iter, err := db.tableCache.newIterator(tf)
		if err != nil {
			db.rwMutex.RUnlock()
			for _, it := range iters {
				it.UnRef()
			}
			releasePinned(db, v, mem, imm)
			return nil, err
		}
		iters = append(iters, iter)
	}
	for level := 1; level < len(v.levels); level++ {
		if len(v.levels[level]) == 0 {
			continue
		}
		indexer := newTFileArrIteratorIndexer(v.levels[level], db.tableCache, db.icmp)
		iters = append(iters, iterator.NewIndexedIterator(indexer))
	}
	db.rwMutex.RUnlock()

	miter := iterator.NewMergeIterator(db.icmp, iters)
	dIter := &dbIter{
		db:            db,
		miter:         miter,
		ucmp:          db.opt.Comparer,
		seq:           seq,
		start:         append([]byte(nil), start...),
		end:           append([]byte(nil), end...),
		BasicReleaser: &utils.BasicReleaser{},
	}
	dIter.OnClose = func() {
		miter.UnRef()
		releasePinned(db, v, mem, imm)
	}
	dIter.Ref()
	return dIter, nil
}

func releasePinned(db *DB, v *Version, mem, imm *MemDB) {
	mem.UnRef()
	if imm != nil {
		imm.UnRef()
	}
	db.rwMutex.Lock()
	v.UnRef()
	db.rwMutex.Unlock()
}

// dbIter narrows the raw merged stream to one entry per user key: the
// newest entry at or below the iterator's sequence wins, tombstones
// suppress the key.
type dbIter struct {
	*utils.BasicReleaser
	db    *DB
	miter *iterator.MergeIterator
	ucmp  comparer.Comparer
	seq   sequence

	start []byte
	end   []byte

	dir      iterator.Direction
	hasLast  bool
	lastUKey []byte
	key      []byte
	tagged   []byte
	value    []byte
	resolved bool
	err      error
}

func (dIter *dbIter) SeekFirst() bool {
	if dIter.Released() {
		dIter.err = errors.ErrReleased
		return false
	}
	dIter.hasLast = false
	var ok bool
	if len(dIter.start) > 0 {
		ok = dIter.miter.Seek(buildInternalKey(nil, dIter.start, keyTypeSeek, dIter.seq))
	} else {
		ok = dIter.miter.SeekFirst()
	}
	return dIter.settle(ok)
}

func (dIter *dbIter) Seek(ukey []byte) bool {
	if dIter.Released() {
		dIter.err = errors.ErrReleased
		return false
	}
	if len(dIter.start) > 0 && dIter.ucmp.Compare(ukey, dIter.start) < 0 {
		ukey = dIter.start
	}
	dIter.hasLast = false
	ok := dIter.miter.Seek(buildInternalKey(nil, ukey, keyTypeSeek, dIter.seq))
	return dIter.settle(ok)
}

func (dIter *dbIter) Next() bool {
	if dIter.Released() {
		dIter.err = errors.ErrReleased
		return false
	}
	switch dIter.dir {
	case iterator.DirEOI:
		return false
	case iterator.DirForward:
		return dIter.settle(dIter.miter.Next())
	default:
		return dIter.SeekFirst()
	}
}

// settle consumes the merge iterator's current entry and keeps advancing
// until a visible one remains. positioned reports whether the underlying
// iterator sits on an entry at all.
func (dIter *dbIter) settle(positioned bool) bool {
	for positioned {
		ikey := internalKey(dIter.miter.Key())
		ukey, kt, seq, pErr := parseInternalKey(ikey)
		if pErr != nil {
			dIter.err = pErr
			dIter.dir = iterator.DirEOI
			return false
		}

		switch {
		case seq > dIter.seq:
			// newer than the view, the key may still surface below
		case dIter.hasLast && dIter.ucmp.Compare(ukey, dIter.lastUKey) == 0:
			// shadowed by a newer entry already emitted or suppressed
		default:
			dIter.hasLast = true
			dIter.lastUKey = append(dIter.lastUKey[:0], ukey...)
			if kt != keyTypeDel {
				if len(dIter.end) > 0 && dIter.ucmp.Compare(ukey, dIter.end) >= 0 {
					dIter.dir = iterator.DirEOI
					return false
				}
				dIter.key = append(dIter.key[:0], ukey...)
				dIter.tagged = append(dIter.tagged[:0], dIter.miter.Value()...)
				dIter.resolved = false
				dIter.dir = iterator.DirForward
				return true
			}
		}
		positioned = dIter.miter.Next()
	}

	if mErr := dIter.miter.Valid(); mErr != nil {
		dIter.err = mErr
	}
	dIter.dir = iterator.DirEOI
	return false
}

func (dIter *dbIter) Key() []byte {
	if dIter.dir != iterator.DirForward {
		return nil
	}
	return dIter.key
}

// Value resolves a separated value through the value log on first access.
func (dIter *dbIter) Value() []byte {
	if dIter.dir != iterator.DirForward {
		return nil
	}
	if !dIter.resolved {
		inline, vp, err := decodeTaggedValue(dIter.tagged)
		if err != nil {
			dIter.err = err
			return nil
		}
		if vp == nil {
			dIter.value = append(dIter.value[:0], inline...)
		} else {
			_, value, rErr := dIter.db.vlogReader.resolve(*vp)
			if rErr != nil {
				dIter.err = rErr
				return nil
			}
			dIter.value = value
		}
		dIter.resolved = true
	}
	return dIter.value
}

func (dIter *dbIter) Valid() error {
	return dIter.err
}
