package ckv

import (
	"bytes"
	"container/list"
	"io"
	"sort"
	"sync"

	"github.com/ckvdb/ckv/errors"
	"github.com/ckvdb/ckv/options"
	"github.com/ckvdb/ckv/storage"
	"github.com/ckvdb/ckv/utils"
	"github.com/ckvdb/ckv/wal"
)

// VersionSet owns the manifest and the chain of live versions. All fields
// are guarded by the engine mutex except where noted.
type VersionSet struct {
	versions    *list.List
	current     *Version
	compactPtrs [options.KLevelNum]compactPtr

	icmp *iComparer
	opt  *options.Options

	nextFileNum  uint64
	stJournalNum uint64
	stSeqNum     sequence

	manifestFd     storage.Fd
	manifestWriter *wal.JournalWriter

	tableCache *tableCache
	storage    storage.Storage
}

func newVersionSet(opt *options.Options, s storage.Storage, icmp *iComparer, tableCache *tableCache) *VersionSet {
	return &VersionSet{
		versions:   list.New(),
		icmp:       icmp,
		opt:        opt,
		storage:    s,
		tableCache: tableCache,
	}
}

// Version is an immutable snapshot of the file tree: per-level tables plus
// the live value log segments.
type Version struct {
	element *list.Element
	vSet    *VersionSet
	*utils.BasicReleaser

	levels [options.KLevelNum]tFiles
	vlogs  map[uint64]int64

	// compaction score, precomputed by finalize
	cScore float64
	cLevel int
}

func newVersion(vSet *VersionSet) *Version {
	return &Version{
		vSet:          vSet,
		vlogs:         make(map[uint64]int64),
		BasicReleaser: &utils.BasicReleaser{},
	}
}

// UnRef drops a reference, requires the engine mutex held.
func (v *Version) UnRef() int32 {
	res := v.BasicReleaser.UnRef()
	if res == 0 && v.element != nil {
		v.vSet.versions.Remove(v.element)
		v.element = nil
	}
	return res
}

// vBuilder accumulates edits against a base version.
type vBuilder struct {
	vSet     *VersionSet
	base     *Version
	inserted [options.KLevelNum]tFiles
	deleted  [options.KLevelNum]map[uint64]struct{}

	addedVlogs map[uint64]int64
	delVlogs   map[uint64]struct{}
}

func newBuilder(vSet *VersionSet, base *Version) *vBuilder {
	builder := &vBuilder{
		vSet:       vSet,
		base:       base,
		addedVlogs: make(map[uint64]int64),
		delVlogs:   make(map[uint64]struct{}),
	}
	for i := 0; i < options.KLevelNum; i++ {
		builder.deleted[i] = make(map[uint64]struct{})
	}
	return builder
}

func (builder *vBuilder) apply(edit *VersionEdit) {
	for _, cPtr := range edit.compactPtrs {
		builder.vSet.compactPtrs[cPtr.level] = cPtr
	}
	for _, dt := range edit.delTables {
		builder.deleted[dt.level][dt.number] = struct{}{}
	}
	for _, at := range edit.addedTables {
		delete(builder.deleted[at.level], at.number)
		builder.inserted[at.level] = append(builder.inserted[at.level], tFile{
			fd:   storage.Fd{FileType: storage.KTableFile, Num: at.number},
			iMin: at.imin,
			iMax: at.imax,
			size: at.size,
		})
	}
	for _, vf := range edit.addedVlogs {
		delete(builder.delVlogs, vf.number)
		builder.addedVlogs[vf.number] = vf.size
	}
	for _, num := range edit.delVlogs {
		delete(builder.addedVlogs, num)
		builder.delVlogs[num] = struct{}{}
	}
}

func (builder *vBuilder) saveTo(v *Version) {
	for level := 0; level < options.KLevelNum; level++ {
		merged := make(tFiles, 0, len(builder.inserted[level]))
		if builder.base != nil {
			for _, tf := range builder.base.levels[level] {
				if _, del := builder.deleted[level][tf.fd.Num]; del {
					continue
				}
				merged = append(merged, tf)
			}
		}
		merged = append(merged, builder.inserted[level]...)

		if level == 0 {
			// newest file first, lookups scan in file number order
			sort.Slice(merged, func(i, j int) bool {
				return merged[i].fd.Num > merged[j].fd.Num
			})
		} else {
			icmp := builder.vSet.icmp
			sort.Slice(merged, func(i, j int) bool {
				return icmp.Compare(merged[i].iMin, merged[j].iMin) < 0
			})
			for i := 1; i < len(merged); i++ {
				utils.Assert(icmp.Compare(merged[i-1].iMax, merged[i].iMin) < 0,
					"version builder leveled files overlap")
			}
		}
		v.levels[level] = merged
	}

	if builder.base != nil {
		for num, size := range builder.base.vlogs {
			if _, del := builder.delVlogs[num]; del {
				continue
			}
			v.vlogs[num] = size
		}
	}
	for num, size := range builder.addedVlogs {
		v.vlogs[num] = size
	}
}

// finalize computes the next compaction target. Level 0 scores by file
// count, lower levels by byte size against their target.
func finalize(v *Version) {
	var (
		bestLevel int
		bestScore float64
	)
	for level := 0; level < options.KLevelNum-1; level++ {
		var score float64
		if level == 0 {
			score = float64(len(v.levels[level])) / float64(options.KLevel0CompactionTrigger)
		} else {
			score = float64(v.levels[level].size()) / float64(options.MaxBytesForLevel(level))
		}
		if score > bestScore {
			bestScore = score
			bestLevel = level
		}
	}
	v.cScore = bestScore
	v.cLevel = bestLevel
}

// logAndApply installs an edit: builds the successor version, persists the
// edit to the manifest (rolling it over past the size threshold) and swaps
// current. The mutex is released around manifest I/O; compactions are
// serialized so no concurrent logAndApply can run.
func (vSet *VersionSet) logAndApply(edit *VersionEdit, mutex *sync.RWMutex) error {
	utils.AssertMutexHeld(mutex)

	if edit.hasRec(kJournalNum) {
		utils.Assert(edit.journalNum >= vSet.stJournalNum)
		utils.Assert(edit.journalNum < vSet.nextFileNum)
	} else {
		edit.setLogNum(vSet.stJournalNum)
	}
	if edit.hasRec(kSeqNum) {
		utils.Assert(edit.lastSeq >= vSet.stSeqNum)
	} else {
		edit.setLastSeq(vSet.stSeqNum)
	}

	v := newVersion(vSet)
	builder := newBuilder(vSet, vSet.current)
	builder.apply(edit)
	builder.saveTo(v)
	finalize(v)

	var (
		manifestWriter = vSet.manifestWriter
		manifestFd     = vSet.manifestFd
		newManifest    = manifestWriter == nil
	)
	if manifestWriter != nil && manifestWriter.Size() >= vSet.opt.MaxManifestFileSize {
		newManifest = true
		manifestFd = storage.Fd{FileType: storage.KDescriptorFile, Num: vSet.allocFileNum()}
	}
	edit.setNextFile(vSet.nextFileNum)

	mutex.Unlock()

	var err error
	if newManifest {
		var w storage.SequentialWriter
		w, err = vSet.storage.NewWritableFile(manifestFd)
		if err == nil {
			manifestWriter = wal.NewJournalWriter(w)
			err = vSet.writeSnapshot(manifestWriter)
		}
	}
	if err == nil {
		err = edit.EncodeTo(manifestWriter)
	}
	if err == nil {
		err = manifestWriter.Sync()
	}
	if err == nil && newManifest {
		err = vSet.storage.SetCurrent(manifestFd.Num)
	}

	mutex.Lock()

	if err != nil {
		if newManifest && manifestFd.Num != vSet.manifestFd.Num {
			_ = vSet.storage.Remove(manifestFd)
		}
		return err
	}

	if newManifest {
		if vSet.manifestWriter != nil {
			_ = vSet.manifestWriter.Close()
		}
		vSet.manifestFd = manifestFd
		vSet.manifestWriter = manifestWriter
	}

	vSet.appendVersion(v)
	vSet.stSeqNum = edit.lastSeq
	vSet.stJournalNum = edit.journalNum
	return nil
}

// appendVersion swaps current, requires the engine mutex held.
func (vSet *VersionSet) appendVersion(v *Version) {
	v.element = vSet.versions.PushFront(v)
	old := vSet.current
	vSet.current = v
	v.Ref()
	if old != nil {
		old.UnRef()
	}
}

// writeSnapshot records the full current state as the first records of a
// fresh manifest.
func (vSet *VersionSet) writeSnapshot(jw *wal.JournalWriter) error {
	var edit VersionEdit
	edit.setComparerName(vSet.icmp.Name())
	edit.setLogNum(vSet.stJournalNum)
	edit.setLastSeq(vSet.stSeqNum)
	edit.setNextFile(vSet.nextFileNum)
	for level, cPtr := range vSet.compactPtrs {
		if cPtr.ikey != nil {
			edit.addCompactPtr(level, cPtr.ikey)
		}
	}
	if vSet.current != nil {
		for level, files := range vSet.current.levels {
			for _, tf := range files {
				edit.addNewTable(level, tf.size, tf.fd.Num, tf.iMin, tf.iMax)
			}
		}
		for num, size := range vSet.current.vlogs {
			edit.addVlog(num, size)
		}
	}
	return edit.EncodeTo(jw)
}

// recover replays the manifest named by CURRENT and rebuilds the version
// chain.
func (vSet *VersionSet) recover(manifestFd storage.Fd) error {
	reader, err := vSet.storage.NewSequentialReader(manifestFd)
	if err != nil {
		return err
	}
	defer func() { _ = reader.Close() }()

	var (
		hasComparerName, hasJournalNum, hasNextFileNum, hasSeqNum bool
		journalNum, nextFileNum                                   uint64
		lastSeq                                                   sequence
	)

	builder := newBuilder(vSet, nil)
	journalReader := wal.NewJournalReader(reader)
	for {
		record, rErr := journalReader.Next()
		if rErr == io.EOF {
			break
		}
		if rErr != nil {
			return rErr
		}

		var edit VersionEdit
		if dErr := edit.DecodeFrom(record); dErr != nil {
			return dErr
		}

		if edit.hasRec(kComparerName) {
			if !bytes.Equal(edit.comparerName, vSet.icmp.Name()) {
				return errors.NewErrCorruption("manifest comparer mismatch")
			}
			hasComparerName = true
		}
		if edit.hasRec(kJournalNum) {
			journalNum = edit.journalNum
			hasJournalNum = true
		}
		if edit.hasRec(kNextFileNum) {
			nextFileNum = edit.nextFileNum
			hasNextFileNum = true
		}
		if edit.hasRec(kSeqNum) {
			lastSeq = edit.lastSeq
			hasSeqNum = true
		}
		builder.apply(&edit)
	}

	if !hasComparerName {
		return errors.NewErrCorruption("manifest missing comparer name")
	}
	if !hasJournalNum {
		return errors.NewErrCorruption("manifest missing journal num")
	}
	if !hasNextFileNum {
		return errors.NewErrCorruption("manifest missing next file num")
	}
	if !hasSeqNum {
		return errors.NewErrCorruption("manifest missing last sequence")
	}

	vSet.nextFileNum = nextFileNum
	vSet.markFileUsed(journalNum)
	vSet.markFileUsed(manifestFd.Num)

	v := newVersion(vSet)
	builder.saveTo(v)
	finalize(v)
	vSet.appendVersion(v)

	vSet.manifestFd = manifestFd
	vSet.stJournalNum = journalNum
	vSet.stSeqNum = lastSeq
	return nil
}

func (vSet *VersionSet) getCurrent() *Version {
	return vSet.current
}

func (vSet *VersionSet) levelFilesNum(level int) int {
	return len(vSet.current.levels[level])
}

func (vSet *VersionSet) needCompaction() bool {
	return vSet.current != nil && vSet.current.cScore >= 1
}

// addLiveFiles collects the table file numbers referenced by any live
// version.
func (vSet *VersionSet) addLiveFiles(expected map[uint64]struct{}) {
	for ele := vSet.versions.Front(); ele != nil; ele = ele.Next() {
		ver := ele.Value.(*Version)
		for _, level := range ver.levels {
			for _, tf := range level {
				expected[tf.fd.Num] = struct{}{}
			}
		}
	}
}

// addLiveVlogs collects the value log segments referenced by any live
// version.
func (vSet *VersionSet) addLiveVlogs(expected map[uint64]struct{}) {
	for ele := vSet.versions.Front(); ele != nil; ele = ele.Next() {
		ver := ele.Value.(*Version)
		for num := range ver.vlogs {
			expected[num] = struct{}{}
		}
	}
}

func (vSet *VersionSet) allocFileNum() uint64 {
	nextFileNum := vSet.nextFileNum
	vSet.nextFileNum++
	return nextFileNum
}

func (vSet *VersionSet) reuseFileNum(fileNum uint64) bool {
	if vSet.nextFileNum-1 == fileNum {
		vSet.nextFileNum = fileNum
		return true
	}
	return false
}

func (vSet *VersionSet) markFileUsed(fileNum uint64) bool {
	if vSet.nextFileNum <= fileNum {
		vSet.nextFileNum = fileNum + 1
		return true
	}
	return false
}

type getStat uint8

const (
	kStatNotFound getStat = iota
	kStatFound
	kStatDelete
	kStatCorruption
)

// get looks ikey up through the levels, newest first. The returned value
// still carries its storage tag.
func (v *Version) get(ikey internalKey, value *[]byte) (err error) {
	userKey := ikey.userKey()
	ucmp := v.vSet.opt.Comparer
	stat := kStatNotFound

	match := func(level int, tf tFile) bool {
		getErr := v.vSet.tableCache.get(ikey, tf, func(rkey internalKey, rValue []byte, rErr error) {
			if rErr != nil {
				stat = kStatNotFound
				return
			}
			ukey, kt, _, pErr := parseInternalKey(rkey)
			if pErr != nil {
				stat = kStatCorruption
				return
			}
			if ucmp.Compare(ukey, userKey) != 0 {
				stat = kStatNotFound
				return
			}
			switch kt {
			case keyTypeValue:
				*value = rValue
				stat = kStatFound
			case keyTypeDel:
				stat = kStatDelete
			}
		})
		if getErr != nil {
			err = getErr
			return false
		}
		return stat == kStatNotFound
	}

	v.foreachOverlapping(ikey, match)

	if err != nil {
		return err
	}
	switch stat {
	case kStatFound:
		return nil
	case kStatCorruption:
		return errors.NewErrCorruption("version get malformed entry")
	default:
		return errors.ErrNotFound
	}
}

// foreachOverlapping visits the tables that may hold ikey's user key, level
// 0 newest file first, then one candidate per deeper level. f returning
// false stops the walk.
func (v *Version) foreachOverlapping(ikey internalKey, f func(level int, tf tFile) bool) {
	ukey := ikey.userKey()
	ucmp := v.vSet.opt.Comparer

	l0 := make(tFiles, 0, len(v.levels[0]))
	for _, tf := range v.levels[0] {
		if ucmp.Compare(tf.iMin.userKey(), ukey) <= 0 && ucmp.Compare(tf.iMax.userKey(), ukey) >= 0 {
			l0 = append(l0, tf)
		}
	}
	sort.Slice(l0, func(i, j int) bool {
		return l0[i].fd.Num > l0[j].fd.Num
	})
	for _, tf := range l0 {
		if !f(0, tf) {
			return
		}
	}

	for level := 1; level < len(v.levels); level++ {
		lf := v.levels[level]
		idx := sort.Search(len(lf), func(i int) bool {
			return ucmp.Compare(lf[i].iMax.userKey(), ukey) >= 0
		})
		if idx < len(lf) && ucmp.Compare(lf[idx].iMin.userKey(), ukey) <= 0 {
			if !f(level, lf[idx]) {
				return
			}
		}
	}
}
