package ckv

import (
	"container/list"
	"sync"

	"github.com/ckvdb/ckv/errors"
	"github.com/ckvdb/ckv/iterator"
)

// snapshotElement pins a sequence in the snapshot list. The oldest pinned
// sequence is the floor below which compaction may not collapse history.
type snapshotElement struct {
	seq     sequence
	element *list.Element
	ref     int
}

// acquireSnapshot requires the engine mutex held.
func (db *DB) acquireSnapshot() *snapshotElement {
	if e := db.snapshots.Back(); e != nil {
		se := e.Value.(*snapshotElement)
		if se.seq == db.seqNum {
			se.ref++
			return se
		}
	}
	se := &snapshotElement{
		seq: db.seqNum,
		ref: 1,
	}
	se.element = db.snapshots.PushBack(se)
	return se
}

// releaseSnapshot requires the engine mutex held.
func (db *DB) releaseSnapshot(se *snapshotElement) {
	se.ref--
	if se.ref == 0 {
		db.snapshots.Remove(se.element)
		se.element = nil
	}
}

// Snapshot reads the store as of a fixed sequence.
type Snapshot struct {
	mu       sync.Mutex
	db       *DB
	ele      *snapshotElement
	released bool
}

// GetSnapshot pins the current sequence. Release it when done, pinned
// snapshots hold back garbage collection of overwritten values.
func (db *DB) GetSnapshot() (*Snapshot, error) {
	db.rwMutex.Lock()
	defer db.rwMutex.Unlock()
	if db.isClosed() {
		return nil, errors.ErrClosed
	}
	return &Snapshot{
		db:  db,
		ele: db.acquireSnapshot(),
	}, nil
}

// Get reads key as of the snapshot's sequence.
func (snap *Snapshot) Get(key []byte) ([]byte, error) {
	snap.mu.Lock()
	defer snap.mu.Unlock()
	if snap.released {
		return nil, errors.ErrReleased
	}
	return snap.db.getAtSeq(key, snap.ele.seq)
}

// Scan iterates [start, end) as of the snapshot's sequence.
func (snap *Snapshot) Scan(start, end []byte) (iterator.Iterator, error) {
	snap.mu.Lock()
	defer snap.mu.Unlock()
	if snap.released {
		return nil, errors.ErrReleased
	}
	return snap.db.newDBIterAtSeq(start, end, snap.ele.seq)
}

// Release unpins the snapshot. Idempotent.
func (snap *Snapshot) Release() {
	snap.mu.Lock()
	defer snap.mu.Unlock()
	if snap.released {
		return
	}
	snap.released = true
	snap.db.rwMutex.Lock()
	snap.db.releaseSnapshot(snap.ele)
	snap.db.rwMutex.Unlock()
}
