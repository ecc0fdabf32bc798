package ckv

import (
	"sort"
	"sync/atomic"

	"github.com/ckvdb/ckv/errors"
	"github.com/ckvdb/ckv/iterator"
	"github.com/ckvdb/ckv/options"
	"github.com/ckvdb/ckv/utils"
)

// compaction carries the inputs and running state of one level-n to
// level-n+1 merge.
type compaction struct {
	level   int
	inputs  [2]tFiles
	version *Version

	// grandparent overlap, bounds output file spread into level+2
	gp                tFiles
	gpOverlappedBytes int64
	gpOverlappedLimit int64
	gpIndex           int

	minSeq  sequence
	tWriter *tWriter
	edit    VersionEdit

	baseLevelI [options.KLevelNum]int

	// finished outputs, compaction stats
	outputs tFiles
}

// pickCompaction selects the next size-triggered compaction, nil when no
// level is over target. File selection round robins through the level via
// the persisted compact pointer.
func (vSet *VersionSet) pickCompaction() *compaction {
	v := vSet.current
	if v == nil || v.cScore < 1 {
		return nil
	}

	level := v.cLevel
	utils.Assert(level+1 < options.KLevelNum)

	files := v.levels[level]
	if len(files) == 0 {
		return nil
	}

	inputs := make(tFiles, 0, 1)
	cPtr := vSet.compactPtrs[level]
	if cPtr.ikey != nil {
		idx := sort.Search(len(files), func(i int) bool {
			return vSet.icmp.Compare(files[i].iMax, cPtr.ikey) > 0
		})
		if idx < len(files) {
			inputs = append(inputs, files[idx])
		}
	}
	if len(inputs) == 0 {
		inputs = append(inputs, files[0])
	}

	return vSet.setupCompaction(level, inputs)
}

// pickRangeCompaction selects every table of a level overlapping the user
// key range, nil when the level is clean.
func (vSet *VersionSet) pickRangeCompaction(level int, umin, umax []byte) *compaction {
	v := vSet.current
	ucmp := vSet.opt.Comparer
	inputs := v.levels[level].getOverlapped(nil, ucmp, umin, umax, level == 0)
	if len(inputs) == 0 {
		return nil
	}
	return vSet.setupCompaction(level, inputs)
}

func (vSet *VersionSet) setupCompaction(level int, inputs tFiles) *compaction {
	v := vSet.current
	v.Ref()
	c := &compaction{
		level:             level,
		version:           v,
		gpOverlappedLimit: int64(vSet.opt.GPOverlappedLimit) * int64(vSet.opt.MaxEstimateFileSize),
	}
	c.inputs[0] = inputs
	c.expand()
	return c
}

// expand grows the inputs: level 0 pulls in transitively overlapping files,
// level+1 pulls in everything the merged range covers, then input 0 may
// grow again while the input 1 set stays fixed.
func (c *compaction) expand() {
	vSet := c.version.vSet
	icmp := vSet.icmp
	ucmp := vSet.opt.Comparer

	t0, t1 := c.inputs[0], c.inputs[1]
	vs0, vs1 := c.version.levels[c.level], c.version.levels[c.level+1]

	imin, imax := t0.getRange(icmp, nil, nil)
	if c.level == 0 {
		t0 = vs0.getOverlapped(nil, ucmp, imin.userKey(), imax.userKey(), true)
		imin, imax = t0.getRange(icmp, nil, nil)
	}

	t1 = vs1.getOverlapped(nil, ucmp, imin.userKey(), imax.userKey(), false)
	imin, imax = append(append(tFiles(nil), t0...), t1...).getRange(icmp, imin, imax)

	if len(t1) > 0 {
		grown := vs0.getOverlapped(nil, ucmp, imin.userKey(), imax.userKey(), c.level == 0)
		if len(grown) > len(t0) {
			amin, amax := append(append(tFiles(nil), grown...), t1...).getRange(icmp, nil, nil)
			regrown := vs1.getOverlapped(nil, ucmp, amin.userKey(), amax.userKey(), false)
			limit := int64(vSet.opt.MaxCompactionLimitFactor) * int64(vSet.opt.MaxEstimateFileSize)
			// only take the wider input 0 when level+1 stays unchanged
			if len(regrown) == len(t1) && grown.size()+t1.size() < limit {
				t0 = grown
				imin, imax = amin, amax
			}
		}
	}

	if gpLevel := c.level + 2; gpLevel < options.KLevelNum {
		c.gp = c.version.levels[gpLevel].getOverlapped(nil, ucmp, imin.userKey(), imax.userKey(), false)
	}

	c.inputs[0], c.inputs[1] = t0, t1
}

// trivial reports whether the single input can move down untouched.
func (c *compaction) trivial() bool {
	return len(c.inputs[0]) == 1 && len(c.inputs[1]) == 0 &&
		c.gp.size() <= c.gpOverlappedLimit
}

// shouldStopBefore caps how much of level+2 a single output may overlap.
func (c *compaction) shouldStopBefore(nextKey internalKey) bool {
	icmp := c.version.vSet.icmp
	for c.gpIndex < len(c.gp) {
		if icmp.Compare(nextKey, c.gp[c.gpIndex].iMax) <= 0 {
			break
		}
		c.gpOverlappedBytes += c.gp[c.gpIndex].size
		c.gpIndex++
	}
	if c.gpOverlappedBytes > c.gpOverlappedLimit {
		c.gpOverlappedBytes = 0
		return true
	}
	return false
}

// isBaseLevelForKey reports that no level below the output can hold the
// user key, so its tombstone may be dropped.
func (c *compaction) isBaseLevelForKey(ukey []byte) bool {
	ucmp := c.version.vSet.opt.Comparer
	for levelI := c.level + 2; levelI < len(c.version.levels); levelI++ {
		level := c.version.levels[levelI]
		for c.baseLevelI[levelI] < len(level) {
			tf := level[c.baseLevelI[levelI]]
			if ucmp.Compare(ukey, tf.iMax.userKey()) > 0 {
				c.baseLevelI[levelI]++
			} else if ucmp.Compare(ukey, tf.iMin.userKey()) < 0 {
				break
			} else {
				return false
			}
		}
	}
	return true
}

func (c *compaction) release() {
	c.version.UnRef()
}

// makeInputIterator merges every input table. Level 0 files each get their
// own iterator, sorted runs share an indexed one.
func (vSet *VersionSet) makeInputIterator(c *compaction) (iterator.Iterator, error) {
	iters := make([]iterator.Iterator, 0, len(c.inputs[0])+1)

	var err error
	defer func() {
		if err != nil {
			for _, it := range iters {
				it.UnRef()
			}
		}
	}()

	for which, inputs := range c.inputs {
		if len(inputs) == 0 {
			continue
		}
		if c.level+which == 0 {
			for _, input := range inputs {
				var it iterator.Iterator
				it, err = vSet.tableCache.newIterator(input)
				if err != nil {
					return nil, err
				}
				iters = append(iters, it)
			}
		} else {
			iters = append(iters, iterator.NewIndexedIterator(
				newTFileArrIteratorIndexer(inputs, vSet.tableCache, vSet.icmp)))
		}
	}

	return iterator.NewMergeIterator(vSet.icmp, iters), nil
}

// doCompactionWork merges the inputs into level+1 outputs, dropping
// shadowed entries and dead tombstones, then installs the edit. Requires
// the engine mutex held; it is released around the merge.
func (db *DB) doCompactionWork(c *compaction) error {
	utils.AssertMutexHeld(&db.rwMutex)

	if db.snapshots.Len() == 0 {
		c.minSeq = db.seqNum
	} else {
		c.minSeq = db.snapshots.Front().Value.(*snapshotElement).seq
	}

	iter, iterErr := db.versionSet.makeInputIterator(c)
	if iterErr != nil {
		return iterErr
	}

	db.rwMutex.Unlock()

	var (
		err      error
		lastUKey []byte
		hasUKey  bool
		lastSeq  sequence
	)

	for iter.Next() && atomic.LoadUint32(&db.shutdown) == 0 {

		// give a frozen memtable priority over the merge
		if atomic.LoadUint32(&db.hasImm) == 1 {
			db.rwMutex.Lock()
			if db.imm != nil {
				db.compactMemTable()
				db.backgroundWorkFinishedSignal.Broadcast()
			}
			db.rwMutex.Unlock()
		}

		inputKey := internalKey(iter.Key())
		value := iter.Value()

		if c.tWriter != nil && !c.tWriter.empty() && c.shouldStopBefore(inputKey) {
			if err = db.finishCompactionOutputFile(c); err != nil {
				break
			}
		}

		var drop bool
		ukey, kt, seq, parseErr := parseInternalKey(inputKey)
		if parseErr != nil {
			// keep unparsable entries, let them surface on read
			hasUKey = false
			lastSeq = kMaxSequence
		} else {
			ucmp := db.opt.Comparer
			if !hasUKey || ucmp.Compare(ukey, lastUKey) != 0 {
				lastUKey = append(lastUKey[:0], ukey...)
				hasUKey = true
				lastSeq = kMaxSequence
			}
			if lastSeq <= c.minSeq {
				// shadowed by a newer entry every snapshot can see
				drop = true
			} else if kt == keyTypeDel && seq <= c.minSeq && c.isBaseLevelForKey(ukey) {
				drop = true
			}
			lastSeq = seq
		}

		if drop {
			db.accountDiscardedValue(value)
			continue
		}

		if c.tWriter != nil && c.tWriter.approximateSize() > int(db.opt.MaxEstimateFileSize) {
			if err = db.finishCompactionOutputFile(c); err != nil {
				break
			}
		}
		if c.tWriter == nil {
			db.rwMutex.Lock()
			fileNum := db.versionSet.allocFileNum()
			db.pendingOutputs[fileNum] = struct{}{}
			db.rwMutex.Unlock()
			if c.tWriter, err = db.tableOperation.create(fileNum); err != nil {
				break
			}
		}
		if err = c.tWriter.append(inputKey, value); err != nil {
			break
		}
	}

	if err == nil {
		err = iter.Valid()
	}
	if err == nil && atomic.LoadUint32(&db.shutdown) == 1 {
		err = errors.ErrClosed
	}
	if err == nil && c.tWriter != nil {
		err = db.finishCompactionOutputFile(c)
	}
	var abandoned uint64
	if err != nil && c.tWriter != nil {
		abandoned = c.tWriter.fd.Num
		c.tWriter.abandon()
		c.tWriter = nil
	}

	iter.UnRef()

	db.rwMutex.Lock()

	if abandoned != 0 {
		delete(db.pendingOutputs, abandoned)
	}

	if err == nil {
		for _, tf := range c.inputs[0] {
			c.edit.addDelTable(c.level, tf.fd.Num)
		}
		for _, tf := range c.inputs[1] {
			c.edit.addDelTable(c.level+1, tf.fd.Num)
		}
		if len(c.outputs) > 0 {
			last := c.outputs[len(c.outputs)-1]
			c.edit.addCompactPtr(c.level, last.iMax)
			db.versionSet.compactPtrs[c.level] = compactPtr{level: c.level, ikey: last.iMax}
		}
		err = db.versionSet.logAndApply(&c.edit, &db.rwMutex)
	}

	for _, tf := range c.outputs {
		delete(db.pendingOutputs, tf.fd.Num)
	}

	if err == nil {
		db.metrics.compactionDone(c.level, int64(len(c.outputs)))
		db.logger.Infof("compaction level %d done, inputs %d+%d outputs %d",
			c.level, len(c.inputs[0]), len(c.inputs[1]), len(c.outputs))
	}

	return err
}

func (db *DB) finishCompactionOutputFile(c *compaction) error {
	utils.Assert(c.tWriter != nil)
	tf, err := c.tWriter.finish()
	c.tWriter = nil
	if err != nil {
		return err
	}
	c.outputs = append(c.outputs, tf)
	c.edit.addNewTable(c.level+1, tf.size, tf.fd.Num, tf.iMin, tf.iMax)
	return nil
}

// accountDiscardedValue feeds the vlog gc stats when a dropped entry held
// a value pointer.
func (db *DB) accountDiscardedValue(tagged []byte) {
	_, vp, err := decodeTaggedValue(tagged)
	if err != nil || vp == nil {
		return
	}
	db.vlogDiscardMu.Lock()
	db.vlogDiscard[vp.fileNum] += uint64(vp.length)
	db.vlogDiscardMu.Unlock()
}
