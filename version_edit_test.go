package ckv

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ckvdb/ckv/errors"
	"github.com/ckvdb/ckv/storage"
	"github.com/ckvdb/ckv/wal"
)

func TestVersionEditRoundTrip(t *testing.T) {
	s, _ := newTestStorage(t)
	fd := storage.Fd{FileType: storage.KDescriptorFile, Num: 1}

	edit := &VersionEdit{}
	edit.setComparerName([]byte("ckv.internal"))
	edit.setLogNum(12)
	edit.setNextFile(42)
	edit.setLastSeq(900)
	edit.addCompactPtr(2, buildInternalKey(nil, []byte("cursor"), keyTypeSeek, 55))
	edit.addDelTable(1, 7)
	edit.addNewTable(2, 4096, 8,
		buildInternalKey(nil, []byte("aaa"), keyTypeSeek, 30),
		buildInternalKey(nil, []byte("zzz"), keyTypeSeek, 20))
	edit.addVlog(9, 1<<20)
	edit.addDelVlog(4)

	w, err := s.NewWritableFile(fd)
	require.NoError(t, err)
	jw := wal.NewJournalWriter(w)
	require.NoError(t, edit.EncodeTo(jw))
	require.NoError(t, jw.Sync())
	require.NoError(t, jw.Close())

	r, err := s.NewSequentialReader(fd)
	require.NoError(t, err)
	defer r.Close()
	jr := wal.NewJournalReader(r)
	defer jr.Close()
	record, err := jr.Next()
	require.NoError(t, err)

	decoded := &VersionEdit{}
	require.NoError(t, decoded.DecodeFrom(record))

	require.Equal(t, edit.comparerName, decoded.comparerName)
	require.Equal(t, edit.journalNum, decoded.journalNum)
	require.Equal(t, edit.nextFileNum, decoded.nextFileNum)
	require.Equal(t, edit.lastSeq, decoded.lastSeq)
	require.Equal(t, edit.compactPtrs, decoded.compactPtrs)
	require.Equal(t, edit.delTables, decoded.delTables)
	require.Equal(t, edit.addedTables, decoded.addedTables)
	require.Equal(t, edit.addedVlogs, decoded.addedVlogs)
	require.Equal(t, edit.delVlogs, decoded.delVlogs)
}

func TestVersionEditDecodeUnknownTag(t *testing.T) {
	edit := &VersionEdit{}
	err := edit.DecodeFrom([]byte{0x28}) // varint 20, past every known tag
	require.True(t, errors.IsCorruption(err))
}

func TestVersionEditDecodeTruncated(t *testing.T) {
	s, _ := newTestStorage(t)
	fd := storage.Fd{FileType: storage.KDescriptorFile, Num: 2}

	edit := &VersionEdit{}
	edit.setComparerName([]byte("ckv.internal"))
	edit.setNextFile(5)

	w, err := s.NewWritableFile(fd)
	require.NoError(t, err)
	jw := wal.NewJournalWriter(w)
	require.NoError(t, edit.EncodeTo(jw))
	require.NoError(t, jw.Sync())
	require.NoError(t, jw.Close())

	r, err := s.NewSequentialReader(fd)
	require.NoError(t, err)
	defer r.Close()
	jr := wal.NewJournalReader(r)
	defer jr.Close()
	record, err := jr.Next()
	require.NoError(t, err)

	decoded := &VersionEdit{}
	err = decoded.DecodeFrom(record[:len(record)-1])
	require.True(t, errors.IsCorruption(err))
}

func TestVersionEditReset(t *testing.T) {
	edit := &VersionEdit{}
	edit.setLogNum(3)
	edit.addDelVlog(8)
	edit.reset()

	require.False(t, edit.hasRec(kJournalNum))
	require.False(t, edit.hasRec(kDelVlog))
	require.Zero(t, edit.journalNum)
	require.Empty(t, edit.delVlogs)
}
