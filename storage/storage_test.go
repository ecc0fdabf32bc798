package storage

import (
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ckvdb/ckv/errors"
)

func TestParseFd(t *testing.T) {
	cases := []struct {
		name string
		fd   Fd
	}{
		{"CURRENT", Fd{FileType: KCurrentFile}},
		{"LOCK", Fd{FileType: KDBLockFile}},
		{"MANIFEST-000007", Fd{FileType: KDescriptorFile, Num: 7}},
		{"000012.wal", Fd{FileType: KJournalFile, Num: 12}},
		{"000101.sst", Fd{FileType: KTableFile, Num: 101}},
		{"000003.vlog", Fd{FileType: KVLogFile, Num: 3}},
		{"000042.tmp", Fd{FileType: KDBTempFile, Num: 42}},
	}
	for _, c := range cases {
		fd, err := ParseFd(c.name)
		require.NoError(t, err, c.name)
		require.Equal(t, c.fd, fd, c.name)
		require.Equal(t, c.name, fd.String())
	}

	_, err := ParseFd("garbage")
	require.Error(t, err)
	_, err = ParseFd("000001.xyz")
	require.Error(t, err)
}

func TestCurrentRoundTrip(t *testing.T) {
	fs, err := OpenPath(t.TempDir())
	require.NoError(t, err)
	defer fs.Close()

	_, err = fs.GetCurrent()
	require.Error(t, err)

	require.NoError(t, fs.SetCurrent(5))
	fd, err := fs.GetCurrent()
	require.NoError(t, err)
	require.Equal(t, Fd{FileType: KDescriptorFile, Num: 5}, fd)

	require.NoError(t, fs.SetCurrent(9))
	fd, err = fs.GetCurrent()
	require.NoError(t, err)
	require.Equal(t, uint64(9), fd.Num)
}

func TestLockExcludesSecondOpen(t *testing.T) {
	dir := t.TempDir()
	fs, err := OpenPath(dir)
	require.NoError(t, err)

	_, err = OpenPath(dir)
	require.True(t, errors.Is(err, errors.ErrLocked))

	require.NoError(t, fs.Close())

	fs2, err := OpenPath(dir)
	require.NoError(t, err)
	require.NoError(t, fs2.Close())
}

func TestWritableFileReadBack(t *testing.T) {
	fs, err := OpenPath(t.TempDir())
	require.NoError(t, err)
	defer fs.Close()

	fd := Fd{FileType: KJournalFile, Num: 1}
	w, err := fs.NewWritableFile(fd)
	require.NoError(t, err)

	payload := make([]byte, kWritableBufferSize*2+17)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	n, err := w.Write(payload)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
	require.NoError(t, w.Sync())
	require.NoError(t, w.Close())

	size, err := fs.FileSize(fd)
	require.NoError(t, err)
	require.Equal(t, int64(len(payload)), size)

	r, err := fs.NewSequentialReader(fd)
	require.NoError(t, err)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, payload, got)
	require.NoError(t, r.Close())

	ra, err := fs.NewRandomAccessReader(fd)
	require.NoError(t, err)
	scratch := make([]byte, 17)
	data, err := ra.Pread(int64(len(payload)-17), scratch)
	require.NoError(t, err)
	require.Equal(t, payload[len(payload)-17:], data)
	require.NoError(t, ra.Close())
}

func TestListAndRemove(t *testing.T) {
	fs, err := OpenPath(t.TempDir())
	require.NoError(t, err)
	defer fs.Close()

	fd := Fd{FileType: KTableFile, Num: 3}
	w, err := fs.NewWritableFile(fd)
	require.NoError(t, err)
	_, err = w.Write([]byte("x"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	fds, err := fs.List()
	require.NoError(t, err)
	require.Contains(t, fds, fd)

	require.NoError(t, fs.Remove(fd))
	fds, err = fs.List()
	require.NoError(t, err)
	require.NotContains(t, fds, fd)
}
