package ckv

import (
	"bytes"
	"fmt"
	"hash"
	"hash/fnv"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ckvdb/ckv/errors"
	"github.com/ckvdb/ckv/options"
)

func openTestDB(t *testing.T, dir string, mut func(*options.Options)) *DB {
	t.Helper()
	opt := &options.Options{CreateIfMissingCurrent: true}
	if mut != nil {
		mut(opt)
	}
	db, err := Open(dir, opt)
	require.NoError(t, err)
	return db
}

func TestReadYourWrites(t *testing.T) {
	db := openTestDB(t, t.TempDir(), nil)
	defer func() { require.NoError(t, db.Close()) }()

	require.NoError(t, db.Put([]byte("alpha"), []byte("one")))
	got, err := db.Get([]byte("alpha"))
	require.NoError(t, err)
	require.Equal(t, []byte("one"), got)

	require.NoError(t, db.Put([]byte("alpha"), []byte("two")))
	got, err = db.Get([]byte("alpha"))
	require.NoError(t, err)
	require.Equal(t, []byte("two"), got)

	_, err = db.Get([]byte("missing"))
	require.ErrorIs(t, err, errors.ErrNotFound)
}

func TestDeleteHidesKey(t *testing.T) {
	db := openTestDB(t, t.TempDir(), nil)
	defer func() { require.NoError(t, db.Close()) }()

	require.NoError(t, db.Put([]byte("k"), []byte("v")))
	require.NoError(t, db.Delete([]byte("k")))
	_, err := db.Get([]byte("k"))
	require.ErrorIs(t, err, errors.ErrNotFound)

	// deleting an absent key succeeds
	require.NoError(t, db.Delete([]byte("never-written")))
}

func TestBatchAtomicVisibility(t *testing.T) {
	db := openTestDB(t, t.TempDir(), nil)
	defer func() { require.NoError(t, db.Close()) }()

	require.NoError(t, db.Put([]byte("gone"), []byte("x")))

	wb := NewWriteBatch()
	wb.Put([]byte("a"), []byte("1"))
	wb.Put([]byte("b"), []byte("2"))
	wb.Delete([]byte("gone"))
	require.NoError(t, db.Write(wb))

	got, err := db.Get([]byte("a"))
	require.NoError(t, err)
	require.Equal(t, []byte("1"), got)
	got, err = db.Get([]byte("b"))
	require.NoError(t, err)
	require.Equal(t, []byte("2"), got)
	_, err = db.Get([]byte("gone"))
	require.ErrorIs(t, err, errors.ErrNotFound)
}

func TestConcurrentWriters(t *testing.T) {
	db := openTestDB(t, t.TempDir(), nil)
	defer func() { require.NoError(t, db.Close()) }()

	const workers, perWorker = 8, 50
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				key := []byte(fmt.Sprintf("w%02d-k%03d", w, i))
				if err := db.Put(key, []byte(fmt.Sprintf("v-%d-%d", w, i))); err != nil {
					t.Error(err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	for w := 0; w < workers; w++ {
		for i := 0; i < perWorker; i++ {
			key := []byte(fmt.Sprintf("w%02d-k%03d", w, i))
			got, err := db.Get(key)
			require.NoError(t, err)
			require.Equal(t, []byte(fmt.Sprintf("v-%d-%d", w, i)), got)
		}
	}
}

func TestEachCacheOwnsItsHash(t *testing.T) {
	var instances []hash.Hash32
	db := openTestDB(t, t.TempDir(), func(opt *options.Options) {
		opt.NewHash32 = func() hash.Hash32 {
			h := fnv.New32a()
			instances = append(instances, h)
			return h
		}
	})
	defer func() { require.NoError(t, db.Close()) }()

	// block cache and table cache route shards through separate hash state
	require.Len(t, instances, 2)
	require.NotSame(t, instances[0], instances[1])

	for i := 0; i < 50; i++ {
		require.NoError(t, db.Put([]byte(fmt.Sprintf("h-%03d", i)), []byte("v")))
	}
	require.NoError(t, db.CompactRange(nil, nil))

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				if _, err := db.Get([]byte(fmt.Sprintf("h-%03d", i))); err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()
}

func TestReopenRecoversFromJournal(t *testing.T) {
	dir := t.TempDir()

	db := openTestDB(t, dir, nil)
	require.NoError(t, db.Put([]byte("persist"), []byte("me")))
	require.NoError(t, db.Put([]byte("drop"), []byte("me")))
	require.NoError(t, db.Delete([]byte("drop")))
	require.NoError(t, db.Close())

	db = openTestDB(t, dir, nil)
	defer func() { require.NoError(t, db.Close()) }()

	got, err := db.Get([]byte("persist"))
	require.NoError(t, err)
	require.Equal(t, []byte("me"), got)
	_, err = db.Get([]byte("drop"))
	require.ErrorIs(t, err, errors.ErrNotFound)
}

func TestReopenAfterFlush(t *testing.T) {
	dir := t.TempDir()

	db := openTestDB(t, dir, nil)
	for i := 0; i < 100; i++ {
		require.NoError(t, db.Put([]byte(fmt.Sprintf("key-%03d", i)), []byte(fmt.Sprintf("val-%03d", i))))
	}
	require.NoError(t, db.CompactRange(nil, nil))
	require.NoError(t, db.Close())

	db = openTestDB(t, dir, nil)
	defer func() { require.NoError(t, db.Close()) }()

	for i := 0; i < 100; i++ {
		got, err := db.Get([]byte(fmt.Sprintf("key-%03d", i)))
		require.NoError(t, err)
		require.Equal(t, []byte(fmt.Sprintf("val-%03d", i)), got)
	}
}

func TestTruncatedJournalTail(t *testing.T) {
	dir := t.TempDir()

	db := openTestDB(t, dir, nil)
	require.NoError(t, db.Put([]byte("first"), []byte("ok")))
	require.NoError(t, db.Put([]byte("second"), []byte("torn")))
	require.NoError(t, db.Close())

	// tear the tail of the newest journal, the last record is lost
	journals, err := filepath.Glob(filepath.Join(dir, "*.wal"))
	require.NoError(t, err)
	require.NotEmpty(t, journals)
	victim := journals[len(journals)-1]
	info, err := os.Stat(victim)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(victim, info.Size()-4))

	db = openTestDB(t, dir, nil)
	defer func() { require.NoError(t, db.Close()) }()

	got, err := db.Get([]byte("first"))
	require.NoError(t, err)
	require.Equal(t, []byte("ok"), got)
	_, err = db.Get([]byte("second"))
	require.ErrorIs(t, err, errors.ErrNotFound)
}

func TestScanOrderAndBounds(t *testing.T) {
	db := openTestDB(t, t.TempDir(), nil)
	defer func() { require.NoError(t, db.Close()) }()

	for _, k := range []string{"e", "a", "c", "b", "d", "f"} {
		require.NoError(t, db.Put([]byte(k), []byte("v-"+k)))
	}
	require.NoError(t, db.Delete([]byte("c")))
	require.NoError(t, db.Put([]byte("d"), []byte("v-d2")))

	iter, err := db.Scan([]byte("b"), []byte("f"))
	require.NoError(t, err)
	defer iter.UnRef()

	var keys, values []string
	for iter.Next() {
		keys = append(keys, string(iter.Key()))
		values = append(values, string(iter.Value()))
	}
	require.NoError(t, iter.Valid())
	require.Equal(t, []string{"b", "d", "e"}, keys)
	require.Equal(t, []string{"v-b", "v-d2", "v-e"}, values)
}

func TestScanSeesFlushedAndUnflushed(t *testing.T) {
	db := openTestDB(t, t.TempDir(), nil)
	defer func() { require.NoError(t, db.Close()) }()

	require.NoError(t, db.Put([]byte("disk"), []byte("old")))
	require.NoError(t, db.CompactRange(nil, nil))
	require.NoError(t, db.Put([]byte("mem"), []byte("new")))
	require.NoError(t, db.Put([]byte("disk"), []byte("shadowed")))

	iter, err := db.Scan(nil, nil)
	require.NoError(t, err)
	defer iter.UnRef()

	got := map[string]string{}
	for iter.Next() {
		got[string(iter.Key())] = string(iter.Value())
	}
	require.NoError(t, iter.Valid())
	require.Equal(t, map[string]string{"disk": "shadowed", "mem": "new"}, got)
}

func TestSnapshotIsolation(t *testing.T) {
	db := openTestDB(t, t.TempDir(), nil)
	defer func() { require.NoError(t, db.Close()) }()

	require.NoError(t, db.Put([]byte("k"), []byte("old")))
	require.NoError(t, db.Put([]byte("gone"), []byte("still-here")))

	snap, err := db.GetSnapshot()
	require.NoError(t, err)
	defer snap.Release()

	require.NoError(t, db.Put([]byte("k"), []byte("new")))
	require.NoError(t, db.Delete([]byte("gone")))
	require.NoError(t, db.Put([]byte("later"), []byte("invisible")))

	got, err := snap.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("old"), got)
	got, err = snap.Get([]byte("gone"))
	require.NoError(t, err)
	require.Equal(t, []byte("still-here"), got)
	_, err = snap.Get([]byte("later"))
	require.ErrorIs(t, err, errors.ErrNotFound)

	iter, err := snap.Scan(nil, nil)
	require.NoError(t, err)
	defer iter.UnRef()
	seen := map[string]string{}
	for iter.Next() {
		seen[string(iter.Key())] = string(iter.Value())
	}
	require.NoError(t, iter.Valid())
	require.Equal(t, map[string]string{"k": "old", "gone": "still-here"}, seen)

	// the live view moved on
	got, err = db.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("new"), got)
}

func TestSnapshotReleaseIdempotent(t *testing.T) {
	db := openTestDB(t, t.TempDir(), nil)
	defer func() { require.NoError(t, db.Close()) }()

	snap, err := db.GetSnapshot()
	require.NoError(t, err)
	snap.Release()
	snap.Release()
	_, err = snap.Get([]byte("k"))
	require.ErrorIs(t, err, errors.ErrReleased)
}

func TestCompactRangeDropsTombstones(t *testing.T) {
	db := openTestDB(t, t.TempDir(), func(opt *options.Options) {
		opt.WriteBufferSize = 4 << 10
	})
	defer func() { require.NoError(t, db.Close()) }()

	for i := 0; i < 200; i++ {
		require.NoError(t, db.Put([]byte(fmt.Sprintf("key-%03d", i)), []byte(fmt.Sprintf("val-%03d", i))))
	}
	require.NoError(t, db.CompactRange(nil, nil))

	for i := 0; i < 200; i += 2 {
		require.NoError(t, db.Delete([]byte(fmt.Sprintf("key-%03d", i))))
	}
	require.NoError(t, db.CompactRange(nil, nil))
	require.NoError(t, db.CompactRange(nil, nil))

	for i := 0; i < 200; i++ {
		got, err := db.Get([]byte(fmt.Sprintf("key-%03d", i)))
		if i%2 == 0 {
			require.ErrorIs(t, err, errors.ErrNotFound)
		} else {
			require.NoError(t, err)
			require.Equal(t, []byte(fmt.Sprintf("val-%03d", i)), got)
		}
	}

	db.rwMutex.RLock()
	l0 := db.versionSet.levelFilesNum(0)
	db.rwMutex.RUnlock()
	require.Zero(t, l0)
}

func TestBackgroundFlushUnderLoad(t *testing.T) {
	db := openTestDB(t, t.TempDir(), func(opt *options.Options) {
		opt.WriteBufferSize = 4 << 10
	})
	defer func() { require.NoError(t, db.Close()) }()

	value := make([]byte, 128)
	for i := range value {
		value[i] = byte('a' + i%26)
	}
	for i := 0; i < 500; i++ {
		require.NoError(t, db.Put([]byte(fmt.Sprintf("load-%04d", i)), value))
	}
	for i := 0; i < 500; i++ {
		got, err := db.Get([]byte(fmt.Sprintf("load-%04d", i)))
		require.NoError(t, err)
		require.Equal(t, value, got)
	}
}

func TestValueSeparationRoundTrip(t *testing.T) {
	dir := t.TempDir()

	db := openTestDB(t, dir, func(opt *options.Options) {
		opt.ValueSeparationThreshold = 32
	})
	big := make([]byte, 500)
	for i := range big {
		big[i] = byte(i)
	}
	require.NoError(t, db.Put([]byte("big"), big))
	require.NoError(t, db.Put([]byte("small"), []byte("inline")))

	got, err := db.Get([]byte("big"))
	require.NoError(t, err)
	require.Equal(t, big, got)

	// survives a flush and a reopen
	require.NoError(t, db.CompactRange(nil, nil))
	got, err = db.Get([]byte("big"))
	require.NoError(t, err)
	require.Equal(t, big, got)
	require.NoError(t, db.Close())

	db = openTestDB(t, dir, func(opt *options.Options) {
		opt.ValueSeparationThreshold = 32
	})
	defer func() { require.NoError(t, db.Close()) }()
	got, err = db.Get([]byte("big"))
	require.NoError(t, err)
	require.Equal(t, big, got)
	got, err = db.Get([]byte("small"))
	require.NoError(t, err)
	require.Equal(t, []byte("inline"), got)

	iter, err := db.Scan(nil, nil)
	require.NoError(t, err)
	defer iter.UnRef()
	seen := map[string]int{}
	for iter.Next() {
		seen[string(iter.Key())] = len(iter.Value())
	}
	require.NoError(t, iter.Valid())
	require.Equal(t, map[string]int{"big": len(big), "small": len("inline")}, seen)
}

func TestDanglingValuePointer(t *testing.T) {
	dir := t.TempDir()

	db := openTestDB(t, dir, func(opt *options.Options) {
		opt.ValueSeparationThreshold = 16
	})
	require.NoError(t, db.Put([]byte("k"), make([]byte, 100)))
	require.NoError(t, db.Close())

	segments, err := filepath.Glob(filepath.Join(dir, "*.vlog"))
	require.NoError(t, err)
	require.NotEmpty(t, segments)
	for _, seg := range segments {
		require.NoError(t, os.Remove(seg))
	}

	opt := &options.Options{
		CreateIfMissingCurrent:   true,
		ValueSeparationThreshold: 16,
	}
	_, err = Open(dir, opt)
	require.Error(t, err)
	require.True(t, errors.IsDanglingPointer(err))
}

func TestOpenMissingCurrent(t *testing.T) {
	_, err := Open(t.TempDir(), &options.Options{})
	require.ErrorIs(t, err, errors.ErrMissingCurrent)
}

func TestDoubleOpenLocked(t *testing.T) {
	dir := t.TempDir()
	db := openTestDB(t, dir, nil)
	defer func() { require.NoError(t, db.Close()) }()

	_, err := Open(dir, &options.Options{CreateIfMissingCurrent: true})
	require.Error(t, err)
	require.ErrorIs(t, err, errors.ErrLocked)
}

type foldCaseComparer struct{}

func (foldCaseComparer) Compare(a, b []byte) int {
	return bytes.Compare(bytes.ToLower(a), bytes.ToLower(b))
}

func (foldCaseComparer) Name() []byte { return []byte("test.foldcase") }

func (foldCaseComparer) Separator(a, b []byte) []byte { return a }

func (foldCaseComparer) Successor(a []byte) []byte { return a }

func (foldCaseComparer) Prefix(a, b []byte) []byte { return nil }

func TestCustomComparerEquality(t *testing.T) {
	db := openTestDB(t, t.TempDir(), func(opt *options.Options) {
		opt.Comparer = foldCaseComparer{}
	})
	defer func() { require.NoError(t, db.Close()) }()

	// the delete must shadow a put whose key differs only by case
	require.NoError(t, db.Put([]byte("Key"), []byte("v1")))
	require.NoError(t, db.Delete([]byte("KEY")))
	_, err := db.Get([]byte("key"))
	require.ErrorIs(t, err, errors.ErrNotFound)

	// the newest case variant wins and scans emit it once
	require.NoError(t, db.Put([]byte("Alpha"), []byte("a1")))
	require.NoError(t, db.Put([]byte("ALPHA"), []byte("a2")))
	got, err := db.Get([]byte("alpha"))
	require.NoError(t, err)
	require.Equal(t, []byte("a2"), got)

	iter, err := db.Scan(nil, nil)
	require.NoError(t, err)
	defer iter.UnRef()
	var keys, values []string
	for iter.Next() {
		keys = append(keys, string(iter.Key()))
		values = append(values, string(iter.Value()))
	}
	require.NoError(t, iter.Valid())
	require.Equal(t, []string{"ALPHA"}, keys)
	require.Equal(t, []string{"a2"}, values)
}

func TestCloseIdempotent(t *testing.T) {
	db := openTestDB(t, t.TempDir(), nil)
	require.NoError(t, db.Put([]byte("k"), []byte("v")))
	require.NoError(t, db.Close())
	require.NoError(t, db.Close())

	_, err := db.Get([]byte("k"))
	require.ErrorIs(t, err, errors.ErrClosed)
	require.ErrorIs(t, db.Put([]byte("k"), []byte("v2")), errors.ErrClosed)
	_, err = db.Scan(nil, nil)
	require.ErrorIs(t, err, errors.ErrClosed)
}
