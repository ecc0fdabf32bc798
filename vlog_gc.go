package ckv

import (
	"sync/atomic"

	"github.com/ckvdb/ckv/errors"
	"github.com/ckvdb/ckv/utils"
)

// maybeRotateVlog seals the active value log segment once it crosses the
// segment size and opens a fresh one. Sealed segments wait in pendingVlogs
// until the next flush publishes them in the manifest. Requires the engine
// mutex held.
func (db *DB) maybeRotateVlog() error {
	utils.AssertMutexHeld(&db.rwMutex)
	if db.vlogWriter == nil || db.vlogWriter.size() < db.opt.VlogSegmentSize {
		return nil
	}

	old := db.vlogWriter
	if err := old.sync(); err != nil {
		return err
	}
	if err := old.close(); err != nil {
		return err
	}
	db.pendingVlogs = append(db.pendingVlogs, vlogFile{
		number: old.fd.Num,
		size:   int64(old.size()),
	})

	vw, err := newVlogWriter(db.s, db.versionSet.allocFileNum())
	if err != nil {
		return err
	}
	db.vlogWriter = vw
	db.logger.Infof("value log rotated %s -> %s", old.fd.String(), vw.fd.String())
	return nil
}

// vlogGCWorker rewrites mostly dead value log segments. It runs on its
// own goroutine because rewriting re-puts live records through the normal
// write path, which may block on compaction work.
func (db *DB) vlogGCWorker() error {
	for {
		select {
		case <-db.closeC:
			return nil
		case <-db.vlogGCC:
		}
		if err := db.maybeRewriteVlog(); err != nil {
			db.rwMutex.Lock()
			db.recordBackgroundError(err)
			db.rwMutex.Unlock()
		}
	}
}

// pickVlogGCVictim returns the sealed segment with the highest discard
// ratio at or above the threshold, 0 when none qualifies.
func (db *DB) pickVlogGCVictim() uint64 {
	db.rwMutex.RLock()
	defer db.rwMutex.RUnlock()

	if db.isClosed() || db.bgErr != nil {
		return 0
	}
	// an open snapshot may still read pointers into the victim
	if db.snapshots.Len() > 0 {
		return 0
	}

	current := db.versionSet.getCurrent()
	var (
		victim    uint64
		bestRatio float64
	)
	db.vlogDiscardMu.Lock()
	for num, size := range current.vlogs {
		if db.vlogWriter != nil && num == db.vlogWriter.fd.Num {
			continue
		}
		if size <= 0 {
			continue
		}
		ratio := float64(db.vlogDiscard[num]) / float64(size)
		if ratio >= db.opt.VlogGCDiscardRatio && ratio > bestRatio {
			victim = num
			bestRatio = ratio
		}
	}
	db.vlogDiscardMu.Unlock()
	return victim
}

func (db *DB) maybeRewriteVlog() error {
	victim := db.pickVlogGCVictim()
	if victim == 0 {
		return nil
	}
	if err := db.rewriteVlogSegment(victim); err != nil {
		return err
	}
	db.metrics.rewriteDone()
	return nil
}

// rewriteVlogSegment walks the victim segment, re-puts records the store
// still points at, then drops the segment from the manifest. A re-put
// gets a new sequence and lands in the active segment, so the old pointer
// goes dead before the drop.
func (db *DB) rewriteVlogSegment(fileNum uint64) error {
	iter, err := newVlogRecordIter(db.s, fileNum)
	if err != nil {
		return err
	}
	defer iter.close()

	var moved int
	var offset uint64
	for iter.next() {
		recordOffset := offset
		offset += uint64(iter.length)
		if atomic.LoadUint32(&db.shutdown) == 1 {
			return nil
		}

		db.rwMutex.RLock()
		seq := db.seqNum
		db.rwMutex.RUnlock()

		tagged, gErr := db.getTagged(iter.key, seq)
		if gErr != nil {
			if errors.Is(gErr, errors.ErrNotFound) {
				continue
			}
			return gErr
		}
		_, vp, dErr := decodeTaggedValue(tagged)
		if dErr != nil {
			return dErr
		}
		if vp == nil || vp.fileNum != fileNum || vp.offset != recordOffset {
			continue
		}

		if pErr := db.Put(iter.key, iter.value); pErr != nil {
			return pErr
		}
		moved++
	}
	if iter.err != nil {
		return iter.err
	}

	db.compactionMu.Lock()
	defer db.compactionMu.Unlock()
	db.rwMutex.Lock()
	defer db.rwMutex.Unlock()

	if db.isClosed() {
		return nil
	}
	edit := &VersionEdit{}
	edit.addDelVlog(fileNum)
	if err := db.versionSet.logAndApply(edit, &db.rwMutex); err != nil {
		return err
	}
	db.vlogDiscardMu.Lock()
	delete(db.vlogDiscard, fileNum)
	db.vlogDiscardMu.Unlock()
	db.logger.Infof("value log gc dropped segment %d, rewrote %d records", fileNum, moved)
	return db.removeObsoleteFiles()
}
