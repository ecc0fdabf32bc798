package storage

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
)

type FileType int

const (
	KDescriptorFile FileType = 1 << iota
	KTableFile
	KJournalFile
	KVLogFile
	KCurrentFile
	KDBLockFile
	KDBTempFile
)

type Fd struct {
	FileType
	Num uint64
}

func (fd Fd) String() string {
	switch fd.FileType {
	case KDescriptorFile:
		return fmt.Sprintf("MANIFEST-%06d", fd.Num)
	case KJournalFile:
		return fmt.Sprintf("%06d.wal", fd.Num)
	case KTableFile:
		return fmt.Sprintf("%06d.sst", fd.Num)
	case KVLogFile:
		return fmt.Sprintf("%06d.vlog", fd.Num)
	case KDBLockFile:
		return "LOCK"
	case KCurrentFile:
		return "CURRENT"
	case KDBTempFile:
		return fmt.Sprintf("%06d.tmp", fd.Num)
	default:
		return fmt.Sprintf("%x-%06d", fd.FileType, fd.Num)
	}
}

// ParseFd parse file fd
//  filename format
// CURRENT
// LOCK
// MANIFEST-%06d
// %06d.wal
// %06d.sst
// %06d.vlog
// %06d.tmp
func ParseFd(fileName string) (fd Fd, err error) {

	if fileName == "CURRENT" {
		fd.FileType = KCurrentFile
	} else if fileName == "LOCK" {
		fd.FileType = KDBLockFile
	} else if strings.HasPrefix(fileName, "MANIFEST-") {
		if _, sErr := fmt.Sscanf(fileName, "MANIFEST-%d", &fd.Num); sErr != nil {
			err = sErr
			return
		}
		fd.FileType = KDescriptorFile
	} else {

		var ft string

		if _, sErr := fmt.Sscanf(fileName, "%d.%s", &fd.Num, &ft); sErr != nil {
			err = sErr
			return
		}

		switch ft {
		case "sst":
			fd.FileType = KTableFile
		case "wal":
			fd.FileType = KJournalFile
		case "vlog":
			fd.FileType = KVLogFile
		case "tmp":
			fd.FileType = KDBTempFile
		default:
			err = errors.Newf("storage: undefined filetype %q", ft)
		}
	}
	return
}

func FileLockFd() Fd {
	return Fd{
		FileType: KDBLockFile,
	}
}
