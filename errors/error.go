package errors

import (
	"github.com/cockroachdb/errors"
)

var (
	ErrNotFound       = errors.New("ckv: not found")
	ErrKeyDel         = errors.New("ckv: key deleted")
	ErrClosed         = errors.New("ckv: engine closed")
	ErrReleased       = errors.New("ckv: resource released")
	ErrBatchTooSmall  = errors.New("ckv/batch: contents shorter than header")
	ErrJournalSkipped = errors.New("ckv/wal: chunk skipped")
	ErrMissingChunk   = errors.New("ckv/wal: chunk missing")
	ErrMissingCurrent = errors.New("ckv: missing CURRENT, set CreateIfMissing to initialize a new store")
	ErrLocked         = errors.New("ckv/storage: directory already locked")
	ErrFileIsDir      = errors.New("ckv/storage: path is a directory")
	ErrIterOutOfRange = errors.New("ckv/table: iterator offset out of range")
	ErrIterSharedKey  = errors.New("ckv/table: iterator invalid shared key")
	ErrUnsupportedCompression = errors.New("ckv/table: unsupported compression type")

	// errCorruption and errDanglingPointer are reference markers, every
	// concrete instance carries its own message and is matched via Is.
	errCorruption      = errors.New("ckv: corruption")
	errDanglingPointer = errors.New("ckv/vlog: dangling value pointer")
)

// NewErrCorruption reports damage on fully written data (checksum mismatch,
// malformed block or manifest record). A truncated journal tail is not
// corruption and is reported as end of log instead.
func NewErrCorruption(msg string) error {
	return errors.Mark(errors.Newf("ckv: corruption: %s", msg), errCorruption)
}

func IsCorruption(err error) bool {
	return errors.Is(err, errCorruption)
}

// NewErrDanglingPointer reports a value-log pointer whose target record can
// no longer be read. This implies lost data and is fatal for the pointing key.
func NewErrDanglingPointer(fileNum uint64, offset, length int) error {
	return errors.Mark(
		errors.Newf("ckv/vlog: dangling pointer fileNum=%d offset=%d len=%d", fileNum, offset, length),
		errDanglingPointer)
}

func IsDanglingPointer(err error) bool {
	return errors.Is(err, errDanglingPointer)
}

func Is(err, reference error) bool {
	return errors.Is(err, reference)
}

func Wrapf(err error, format string, args ...interface{}) error {
	return errors.Wrapf(err, format, args...)
}
