package wal

import (
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ckvdb/ckv/errors"
	"github.com/ckvdb/ckv/storage"
	"github.com/ckvdb/ckv/utils"
)

func newTestJournal(t *testing.T) (storage.Storage, storage.Fd) {
	t.Helper()
	fs, err := storage.OpenPath(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = fs.Close() })
	return fs, storage.Fd{FileType: storage.KJournalFile, Num: 1}
}

func writeRecords(t *testing.T, fs storage.Storage, fd storage.Fd, records [][]byte) {
	t.Helper()
	w, err := fs.NewWritableFile(fd)
	require.NoError(t, err)
	jw := NewJournalWriter(w)
	for _, rec := range records {
		require.NoError(t, jw.Write(rec))
	}
	require.NoError(t, jw.Sync())
	require.NoError(t, jw.Close())
}

func readAllRecords(t *testing.T, fs storage.Storage, fd storage.Fd) ([][]byte, error) {
	t.Helper()
	r, err := fs.NewSequentialReader(fd)
	require.NoError(t, err)
	defer r.Close()

	jr := NewJournalReader(r)
	defer jr.Close()

	var records [][]byte
	for {
		rec, err := jr.Next()
		if err == io.EOF {
			return records, nil
		}
		if err != nil {
			return records, err
		}
		records = append(records, append([]byte(nil), rec...))
	}
}

func TestJournalRoundTrip(t *testing.T) {
	fs, fd := newTestJournal(t)

	records := [][]byte{
		[]byte("small"),
		[]byte(utils.RandStringByLen(100)),
		[]byte(utils.RandStringByLen(kJournalBlockSize / 2)),
		[]byte(utils.RandStringByLen(kJournalBlockSize * 3)), // crosses blocks
		[]byte(utils.RandStringByLen(7)),
	}
	writeRecords(t, fs, fd, records)

	got, err := readAllRecords(t, fs, fd)
	require.NoError(t, err)
	require.Equal(t, records, got)
}

func TestJournalManySmallRecords(t *testing.T) {
	fs, fd := newTestJournal(t)

	records := make([][]byte, 0, 5000)
	for i := 0; i < 5000; i++ {
		records = append(records, []byte(utils.RandStringByLen(1+i%64)))
	}
	writeRecords(t, fs, fd, records)

	got, err := readAllRecords(t, fs, fd)
	require.NoError(t, err)
	require.Equal(t, records, got)
}

func TestJournalTruncatedTail(t *testing.T) {
	fs, fd := newTestJournal(t)

	records := [][]byte{
		[]byte("alpha"),
		[]byte("beta"),
		[]byte(utils.RandStringByLen(kJournalBlockSize * 2)),
	}
	writeRecords(t, fs, fd, records)

	size, err := fs.FileSize(fd)
	require.NoError(t, err)

	// chop the tail record in half, replay keeps the intact prefix
	truncateFile(t, fs, fd, size-kJournalBlockSize)

	got, err := readAllRecords(t, fs, fd)
	require.NoError(t, err)
	require.Equal(t, records[:2], got)
}

func TestJournalCorruptMiddle(t *testing.T) {
	fs, fd := newTestJournal(t)

	records := [][]byte{
		[]byte(utils.RandStringByLen(kJournalBlockSize)),
		[]byte(utils.RandStringByLen(kJournalBlockSize)),
		[]byte(utils.RandStringByLen(kJournalBlockSize)),
	}
	writeRecords(t, fs, fd, records)

	// flip payload bytes in the first block
	corruptFile(t, fs, fd, 100)

	_, err := readAllRecords(t, fs, fd)
	require.True(t, errors.IsCorruption(err), "got %v", err)
}

func TestJournalCorruptFirstRecord(t *testing.T) {
	fs, fd := newTestJournal(t)

	writeRecords(t, fs, fd, [][]byte{[]byte(utils.RandStringByLen(100))})

	// damage before any record was read is corruption, not a torn tail
	corruptFile(t, fs, fd, journalBlockHeaderLen+2)

	got, err := readAllRecords(t, fs, fd)
	require.Empty(t, got)
	require.True(t, errors.IsCorruption(err), "got %v", err)
}

func TestJournalEmpty(t *testing.T) {
	fs, fd := newTestJournal(t)
	writeRecords(t, fs, fd, nil)

	got, err := readAllRecords(t, fs, fd)
	require.NoError(t, err)
	require.Empty(t, got)
}

func truncateFile(t *testing.T, fs storage.Storage, fd storage.Fd, size int64) {
	t.Helper()
	r, err := fs.NewRandomAccessReader(fd)
	require.NoError(t, err)
	content := make([]byte, size)
	data, err := r.Pread(0, content)
	require.NoError(t, err)
	// Pread may alias reader-owned memory, copy before the close unmaps it
	buf := append([]byte(nil), data...)
	require.NoError(t, r.Close())

	w, err := fs.NewWritableFile(fd)
	require.NoError(t, err)
	_, err = w.Write(buf)
	require.NoError(t, err)
	require.NoError(t, w.Close())
}

func corruptFile(t *testing.T, fs storage.Storage, fd storage.Fd, offset int64) {
	t.Helper()
	size, err := fs.FileSize(fd)
	require.NoError(t, err)

	r, err := fs.NewRandomAccessReader(fd)
	require.NoError(t, err)
	content := make([]byte, size)
	data, err := r.Pread(0, content)
	require.NoError(t, err)
	buf := append([]byte(nil), data...)
	require.NoError(t, r.Close())

	for i := offset; i < offset+16; i++ {
		buf[i] ^= 0xff
	}

	w, err := fs.NewWritableFile(fd)
	require.NoError(t, err)
	_, err = w.Write(buf)
	require.NoError(t, err)
	require.NoError(t, w.Close())
}
