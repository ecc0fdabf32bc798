//go:build windows

package storage

import (
	"syscall"

	"github.com/ckvdb/ckv/errors"
)

type windowsFileLock struct {
	handle syscall.Handle
}

func (fileLock *windowsFileLock) Release() {
	_ = syscall.Close(fileLock.handle)
}

// lockFile opens the lock file with an empty share mode so a second open
// of the same directory fails until the handle is closed.
func lockFile(path string) (FileLock, error) {
	pathp, err := syscall.UTF16PtrFromString(path)
	if err != nil {
		return nil, err
	}
	handle, err := syscall.CreateFile(pathp,
		syscall.GENERIC_READ|syscall.GENERIC_WRITE, 0, nil,
		syscall.OPEN_ALWAYS, syscall.FILE_ATTRIBUTE_NORMAL, 0)
	if err != nil {
		return nil, errors.ErrLocked
	}
	return &windowsFileLock{handle: handle}, nil
}
