package ckv

import (
	"io"
	"os"
	"sort"
	"sync/atomic"
	"time"

	"github.com/ckvdb/ckv/errors"
	"github.com/ckvdb/ckv/options"
	"github.com/ckvdb/ckv/storage"
	"github.com/ckvdb/ckv/utils"
	"github.com/ckvdb/ckv/wal"
)

// write runs the group commit protocol: queued writers elect the front as
// leader, the leader merges the line into one journal record, applies it
// to the memtable and hands out results.
func (db *DB) write(batch *WriteBatch) error {
	if db.isClosed() {
		return errors.ErrClosed
	}
	if batch == nil || batch.Len() == 0 {
		return nil
	}

	w := newWriter(batch, &db.rwMutex)
	db.rwMutex.Lock()
	db.writers.PushBack(w)

	for !w.done && db.writers.Front().Value.(*writer) != w {
		w.cv.Wait()
	}
	if w.done {
		db.rwMutex.Unlock()
		return w.err
	}

	// w is the leader
	err := db.makeRoomForWrite()
	lastWriter := w
	lastSequence := db.seqNum

	if err == nil && db.isClosed() {
		err = errors.ErrClosed
	}
	if err == nil {
		err = db.maybeRotateVlog()
	}

	if err == nil {
		merged := db.mergeWriteBatch(&lastWriter)
		merged.SetSequence(lastSequence + 1)
		lastSequence += sequence(merged.Len())
		mem := db.mem
		mem.Ref()
		db.rwMutex.Unlock()

		// expensive io runs unlocked, followers park on their cond
		var stamped *WriteBatch
		stamped, err = db.separateValues(merged)
		if err == nil && db.vlogWriter != nil {
			if db.opt.WALSyncPolicy == options.SyncEveryWrite {
				err = db.vlogWriter.sync()
			} else {
				err = db.vlogWriter.flush()
			}
		}
		if err == nil {
			err = db.journalWriter.Write(stamped.Contents())
		}
		if err == nil && db.opt.WALSyncPolicy == options.SyncEveryWrite {
			err = db.journalWriter.Sync()
		}
		if err == nil {
			err = stamped.insertInto(mem)
		}
		mem.UnRef()

		db.rwMutex.Lock()
		if err == nil {
			db.seqNum = lastSequence
			db.metrics.writeDone(merged.Len(), merged.Size())
		} else {
			db.recordBackgroundError(err)
		}
		if merged == db.scratchBatch {
			db.scratchBatch.Reset()
		}

		for {
			ready := db.writers.Front()
			readyW := ready.Value.(*writer)
			db.writers.Remove(ready)
			if readyW != w {
				readyW.done = true
				readyW.err = err
				readyW.cv.Signal()
			}
			if readyW == lastWriter {
				break
			}
		}
		if front := db.writers.Front(); front != nil {
			front.Value.(*writer).cv.Signal()
		}
	} else {
		db.writers.Remove(db.writers.Front())
		if front := db.writers.Front(); front != nil {
			front.Value.(*writer).cv.Signal()
		}
	}

	db.rwMutex.Unlock()
	return err
}

// separateValues rewrites a raw batch into its tagged form: large values
// move to the value log, the rest inline. The tagged batch is what the
// journal persists, so replay never re-appends to the value log.
func (db *DB) separateValues(src *WriteBatch) (*WriteBatch, error) {
	threshold := db.opt.ValueSeparationThreshold
	tagged := NewWriteBatch()
	err := src.foreach(func(i int, kt keyType, ukey, value []byte) error {
		if kt == keyTypeDel {
			tagged.Delete(ukey)
			return nil
		}
		if db.vlogWriter != nil && threshold > 0 && uint32(len(value)) >= threshold {
			vp, vErr := db.vlogWriter.append(ukey, value)
			if vErr != nil {
				return vErr
			}
			tagged.Put(ukey, appendValuePtr(nil, vp))
			return nil
		}
		tagged.Put(ukey, appendInlineValue(nil, value))
		return nil
	})
	if err != nil {
		return nil, err
	}
	tagged.SetSequence(src.seq)
	return tagged, nil
}

// mergeWriteBatch coalesces queued writers behind the leader into one
// batch, capped so a huge line does not starve the writers at the back.
func (db *DB) mergeWriteBatch(lastWriter **writer) *WriteBatch {
	utils.AssertMutexHeld(&db.rwMutex)
	utils.Assert(db.writers.Len() > 0)

	front := db.writers.Front()
	firstBatch := front.Value.(*writer).batch
	size := firstBatch.Size()

	maxSize := 1 << 20
	if size < 128<<10 {
		maxSize = size + 128<<10
	}

	result := firstBatch
	for e := front.Next(); e != nil; e = e.Next() {
		wr := e.Value.(*writer)
		if size+wr.batch.Size() > maxSize {
			break
		}
		if result == firstBatch {
			result = db.scratchBatch
			result.append(firstBatch)
		}
		result.append(wr.batch)
		size += wr.batch.Size()
		*lastWriter = wr
	}
	return result
}

// makeRoomForWrite blocks until the memtable accepts the write: slowdown
// at the level 0 soft trigger, freeze and rotate when the buffer is full,
// hard stall while the frozen table drains or level 0 is saturated.
func (db *DB) makeRoomForWrite() error {
	utils.AssertMutexHeld(&db.rwMutex)
	allowDelay := true

	for {
		if db.bgErr != nil {
			return db.bgErr
		} else if db.isClosed() {
			return errors.ErrClosed
		} else if allowDelay && db.versionSet.levelFilesNum(0) >= options.KLevel0SlowDownTrigger {
			allowDelay = false
			db.rwMutex.Unlock()
			time.Sleep(time.Millisecond)
			db.rwMutex.Lock()
		} else if db.mem.ApproximateSize() <= int(db.opt.WriteBufferSize) {
			break
		} else if db.imm != nil {
			db.backgroundWorkFinishedSignal.Wait()
		} else if db.versionSet.levelFilesNum(0) >= options.KLevel0StopWriteTrigger {
			db.backgroundWorkFinishedSignal.Wait()
		} else {
			if err := db.freezeMemTable(); err != nil {
				return err
			}
			db.maybeScheduleCompaction()
		}
	}
	return nil
}

// freezeMemTable rotates the journal and swaps the mutable memtable to
// imm. Requires the engine mutex held.
func (db *DB) freezeMemTable() error {
	utils.Assert(db.imm == nil)

	journalFd := storage.Fd{
		FileType: storage.KJournalFile,
		Num:      db.versionSet.allocFileNum(),
	}
	w, err := db.s.NewAppendableFile(journalFd)
	if err != nil {
		db.versionSet.reuseFileNum(journalFd.Num)
		return err
	}

	_ = db.journalWriter.Sync()
	_ = db.journalWriter.Close()
	db.frozenSeq = db.seqNum
	db.journalFd = journalFd
	db.journalWriter = wal.NewJournalWriter(w)

	db.imm = db.mem
	atomic.StoreUint32(&db.hasImm, 1)
	mem := NewMemTable(0, db.icmp)
	mem.Ref()
	db.mem = mem
	return nil
}

// getAtSeq reads key as of seq, resolving value pointers.
func (db *DB) getAtSeq(key []byte, seq sequence) ([]byte, error) {
	tagged, err := db.getTagged(key, seq)
	if err != nil {
		return nil, err
	}
	db.metrics.readDone()
	inline, vp, err := decodeTaggedValue(tagged)
	if err != nil {
		return nil, err
	}
	if vp == nil {
		return append([]byte(nil), inline...), nil
	}
	_, value, err := db.vlogReader.resolve(*vp)
	return value, err
}

// getTagged reads the stored (tagged) value of key as of seq.
func (db *DB) getTagged(key []byte, seq sequence) ([]byte, error) {
	db.rwMutex.RLock()
	v := db.versionSet.getCurrent()
	mem := db.mem
	imm := db.imm
	v.Ref()
	mem.Ref()
	if imm != nil {
		imm.Ref()
	}
	db.rwMutex.RUnlock()

	defer func() {
		mem.UnRef()
		if imm != nil {
			imm.UnRef()
		}
		db.rwMutex.Lock()
		v.UnRef()
		db.rwMutex.Unlock()
	}()

	ikey := buildInternalKey(nil, key, keyTypeSeek, seq)
	var (
		value []byte
		mErr  error
	)
	if memGet(mem, ikey, &value, &mErr) {
	} else if imm != nil && memGet(imm, ikey, &value, &mErr) {
	} else {
		mErr = v.get(ikey, &value)
	}
	if mErr != nil {
		return nil, mErr
	}
	return value, nil
}

// memGet reports whether mem settled the lookup: a hit, a tombstone or a
// real error all stop the search.
func memGet(mem *MemDB, ikey internalKey, value *[]byte, err *error) bool {
	_, rValue, rErr := mem.Find(ikey)
	if rErr != nil {
		if errors.Is(rErr, errors.ErrNotFound) {
			return false
		}
		if errors.Is(rErr, errors.ErrKeyDel) {
			*err = errors.ErrNotFound
			return true
		}
		*err = rErr
		return true
	}
	*value = append([]byte(nil), rValue...)
	return true
}

func (db *DB) recordBackgroundError(err error) {
	utils.AssertMutexHeld(&db.rwMutex)
	if db.bgErr == nil {
		db.bgErr = err
		db.logger.Warnf("background error: %v", err)
		db.backgroundWorkFinishedSignal.Broadcast()
	}
}

// maybeScheduleCompaction pokes the background worker. Requires the
// engine mutex held.
func (db *DB) maybeScheduleCompaction() {
	utils.AssertMutexHeld(&db.rwMutex)
	if db.bgErr != nil || db.isClosed() {
		return
	}
	if atomic.LoadUint32(&db.hasImm) == 0 && !db.versionSet.needCompaction() {
		return
	}
	select {
	case db.compactionC <- struct{}{}:
	default:
	}
}

// compactionWorker is the single background compaction goroutine. All
// manifest writes after open funnel through it, CompactRange or the vlog
// gc drop, serialized by compactionMu.
func (db *DB) compactionWorker() error {
	for {
		select {
		case <-db.closeC:
			return nil
		case <-db.compactionC:
		}

		db.compactionMu.Lock()
		db.rwMutex.Lock()
		if db.bgErr == nil && !db.isClosed() {
			db.backgroundCompaction()
		}
		db.backgroundWorkFinishedSignal.Broadcast()
		needMore := db.bgErr == nil && !db.isClosed() &&
			(atomic.LoadUint32(&db.hasImm) == 1 || db.versionSet.needCompaction())
		db.rwMutex.Unlock()
		db.compactionMu.Unlock()

		if needMore {
			select {
			case db.compactionC <- struct{}{}:
			default:
			}
		}
		select {
		case db.vlogGCC <- struct{}{}:
		default:
		}
	}
}

// backgroundCompaction runs one cycle: drain the frozen memtable first,
// else the best size triggered table compaction. Requires the engine
// mutex held.
func (db *DB) backgroundCompaction() {
	utils.AssertMutexHeld(&db.rwMutex)

	if db.imm != nil {
		db.compactMemTable()
		return
	}

	c := db.versionSet.pickCompaction()
	if c == nil {
		return
	}
	defer c.release()

	if c.trivial() {
		tf := c.inputs[0][0]
		c.edit.addDelTable(c.level, tf.fd.Num)
		c.edit.addNewTable(c.level+1, tf.size, tf.fd.Num, tf.iMin, tf.iMax)
		c.edit.addCompactPtr(c.level, tf.iMax)
		db.versionSet.compactPtrs[c.level] = compactPtr{level: c.level, ikey: tf.iMax}
		if err := db.versionSet.logAndApply(&c.edit, &db.rwMutex); err != nil {
			db.recordBackgroundError(err)
			return
		}
		db.logger.Infof("compaction trivial move %s level %d -> %d",
			tf.fd.String(), c.level, c.level+1)
	} else {
		if err := db.doCompactionWork(c); err != nil {
			db.recordBackgroundError(err)
			return
		}
	}

	if err := db.removeObsoleteFiles(); err != nil {
		db.logger.Warnf("remove obsolete files: %v", err)
	}
}

// compactMemTable flushes imm to a level 0 table and installs it together
// with the value log segments written since the last flush. Requires the
// engine mutex held.
func (db *DB) compactMemTable() {
	utils.AssertMutexHeld(&db.rwMutex)
	utils.Assert(db.imm != nil)

	edit := &VersionEdit{}
	err := db.writeLevel0Table(db.imm, edit)
	if err == nil {
		edit.setLogNum(db.journalFd.Num)
		edit.setLastSeq(db.frozenSeq)
		if db.vlogWriter != nil {
			edit.addVlog(db.vlogWriter.fd.Num, int64(db.vlogWriter.size()))
		}
		for _, vf := range db.pendingVlogs {
			edit.addVlog(vf.number, vf.size)
		}
		err = db.versionSet.logAndApply(edit, &db.rwMutex)
	}
	if err == nil {
		db.pendingVlogs = nil
		imm := db.imm
		db.imm = nil
		atomic.StoreUint32(&db.hasImm, 0)
		imm.UnRef()
		db.metrics.flushDone()
		err = db.removeObsoleteFiles()
	}
	if err != nil {
		db.recordBackgroundError(err)
	}
}

// writeLevel0Table builds one table from a memtable. The engine mutex is
// released around the build.
func (db *DB) writeLevel0Table(memDb *MemDB, edit *VersionEdit) error {
	utils.AssertMutexHeld(&db.rwMutex)

	fileNum := db.versionSet.allocFileNum()
	db.pendingOutputs[fileNum] = struct{}{}
	defer delete(db.pendingOutputs, fileNum)

	db.rwMutex.Unlock()
	defer db.rwMutex.Lock()

	tWriter, err := db.tableOperation.create(fileNum)
	if err != nil {
		return err
	}

	iter := memDb.NewIterator()
	for iter.Next() {
		if err = tWriter.append(iter.Key(), iter.Value()); err != nil {
			break
		}
	}
	if err == nil {
		err = iter.Valid()
	}
	iter.UnRef()
	if err != nil {
		tWriter.abandon()
		return err
	}

	tf, err := tWriter.finish()
	if err != nil {
		return err
	}
	edit.addNewTable(0, tf.size, tf.fd.Num, tf.iMin, tf.iMax)
	db.logger.Infof("flushed %s, %d bytes", tf.fd.String(), tf.size)
	return nil
}

// recover loads CURRENT's manifest, verifies the referenced files exist
// and replays journals newer than the manifest's journal number.
func (db *DB) recover(edit *VersionEdit) error {
	current, err := db.s.GetCurrent()
	if err != nil {
		if !os.IsNotExist(err) && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		if !db.opt.CreateIfMissingCurrent {
			return errors.ErrMissingCurrent
		}
		if err := db.newDb(); err != nil {
			return err
		}
		if current, err = db.s.GetCurrent(); err != nil {
			return err
		}
	}

	if err := db.versionSet.recover(current); err != nil {
		return err
	}
	db.seqNum = db.versionSet.stSeqNum

	fds, err := db.s.List()
	if err != nil {
		return err
	}

	expectedTables := make(map[uint64]struct{})
	db.versionSet.addLiveFiles(expectedTables)
	expectedVlogs := make(map[uint64]struct{})
	db.versionSet.addLiveVlogs(expectedVlogs)

	var logFds []storage.Fd
	for _, fd := range fds {
		switch fd.FileType {
		case storage.KTableFile:
			delete(expectedTables, fd.Num)
		case storage.KVLogFile:
			delete(expectedVlogs, fd.Num)
		case storage.KJournalFile:
			if fd.Num >= db.versionSet.stJournalNum {
				logFds = append(logFds, fd)
			}
		}
	}
	if len(expectedTables) > 0 {
		return errors.NewErrCorruption("missing table file referenced by manifest")
	}
	for num := range expectedVlogs {
		return errors.NewErrDanglingPointer(num, 0, 0)
	}

	sort.Slice(logFds, func(i, j int) bool {
		return logFds[i].Num < logFds[j].Num
	})
	refVlogs := make(map[uint64]struct{})
	for _, fd := range logFds {
		if err := db.recoverLogFile(fd, edit, refVlogs); err != nil {
			return err
		}
		db.versionSet.markFileUsed(fd.Num)
	}

	// segments written after the last flush are absent from the manifest
	// but the replayed batches still point into them
	liveVlogs := make(map[uint64]struct{})
	db.versionSet.addLiveVlogs(liveVlogs)
	for num := range refVlogs {
		if _, live := liveVlogs[num]; live {
			continue
		}
		size, sErr := db.s.FileSize(storage.Fd{FileType: storage.KVLogFile, Num: num})
		if sErr != nil {
			return errors.NewErrDanglingPointer(num, 0, 0)
		}
		edit.addVlog(num, size)
		db.versionSet.markFileUsed(num)
	}
	return nil
}

// newDb seeds an empty store: manifest 1, CURRENT pointing at it.
func (db *DB) newDb() (err error) {
	manifestFd := storage.Fd{
		FileType: storage.KDescriptorFile,
		Num:      1,
	}
	w, err := db.s.NewWritableFile(manifestFd)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = w.Close()
			_ = db.s.Remove(manifestFd)
		}
	}()

	jw := wal.NewJournalWriter(w)
	var edit VersionEdit
	edit.setComparerName(db.icmp.Name())
	edit.setLogNum(0)
	edit.setLastSeq(0)
	edit.setNextFile(2)
	if err = edit.EncodeTo(jw); err != nil {
		return err
	}
	if err = jw.Sync(); err != nil {
		return err
	}
	if err = jw.Close(); err != nil {
		return err
	}
	return db.s.SetCurrent(manifestFd.Num)
}

// recoverLogFile replays one journal into fresh memtables, spilling full
// ones to level 0. The journal's tail may be torn, replay stops cleanly
// at the damage.
func (db *DB) recoverLogFile(fd storage.Fd, edit *VersionEdit, refVlogs map[uint64]struct{}) error {
	reader, err := db.s.NewSequentialReader(fd)
	if err != nil {
		return err
	}

	journalReader := wal.NewJournalReader(reader)
	memDB := NewMemTable(0, db.icmp)
	memDB.Ref()
	defer func() {
		memDB.UnRef()
		_ = reader.Close()
	}()

	var batch WriteBatch
	for {
		record, rErr := journalReader.Next()
		if rErr == io.EOF {
			break
		}
		if rErr != nil {
			return rErr
		}
		if err := batch.SetContents(record); err != nil {
			return err
		}
		if err := batch.foreach(func(i int, kt keyType, ukey, value []byte) error {
			if kt != keyTypeValue {
				return nil
			}
			if _, vp, dErr := decodeTaggedValue(value); dErr == nil && vp != nil {
				refVlogs[vp.fileNum] = struct{}{}
			}
			return nil
		}); err != nil {
			return err
		}

		if memDB.ApproximateSize() > int(db.opt.WriteBufferSize) {
			if err := db.writeLevel0Table(memDB, edit); err != nil {
				return err
			}
			memDB.UnRef()
			memDB = NewMemTable(0, db.icmp)
			memDB.Ref()
		}

		if err := batch.insertInto(memDB); err != nil {
			return err
		}
		if last := batch.seq + sequence(batch.Len()) - 1; last > db.seqNum {
			db.seqNum = last
		}
	}

	if memDB.Len() > 0 {
		if err := db.writeLevel0Table(memDB, edit); err != nil {
			return err
		}
	}
	return nil
}

// removeObsoleteFiles deletes files no live version references. Requires
// the engine mutex held; it is released around the deletes.
func (db *DB) removeObsoleteFiles() error {
	utils.AssertMutexHeld(&db.rwMutex)

	fds, err := db.s.List()
	if err != nil {
		return err
	}

	liveTables := make(map[uint64]struct{})
	db.versionSet.addLiveFiles(liveTables)
	for num := range db.pendingOutputs {
		liveTables[num] = struct{}{}
	}
	liveVlogs := make(map[uint64]struct{})
	db.versionSet.addLiveVlogs(liveVlogs)
	if db.vlogWriter != nil {
		liveVlogs[db.vlogWriter.fd.Num] = struct{}{}
	}
	for _, vf := range db.pendingVlogs {
		liveVlogs[vf.number] = struct{}{}
	}

	var toClean []storage.Fd
	for _, fd := range fds {
		var keep bool
		switch fd.FileType {
		case storage.KDescriptorFile:
			keep = fd.Num >= db.versionSet.manifestFd.Num
		case storage.KJournalFile:
			keep = fd.Num >= db.versionSet.stJournalNum || fd.Num == db.journalFd.Num
		case storage.KTableFile:
			_, keep = liveTables[fd.Num]
		case storage.KVLogFile:
			_, keep = liveVlogs[fd.Num]
		default:
			keep = true
		}
		if !keep {
			toClean = append(toClean, fd)
		}
	}

	db.rwMutex.Unlock()
	defer db.rwMutex.Lock()

	for _, fd := range toClean {
		if rErr := db.s.Remove(fd); rErr != nil {
			err = rErr
			continue
		}
		switch fd.FileType {
		case storage.KTableFile:
			db.tableCache.evict(fd.Num)
		case storage.KVLogFile:
			db.vlogReader.evict(fd.Num)
			db.vlogDiscardMu.Lock()
			delete(db.vlogDiscard, fd.Num)
			db.vlogDiscardMu.Unlock()
		}
		db.logger.Debugf("removed obsolete %s", fd.String())
	}
	return err
}
