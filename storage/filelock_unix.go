//go:build darwin || freebsd || linux

package storage

import (
	"os"
	"syscall"

	"github.com/ckvdb/ckv/errors"
)

type unixFileLock struct {
	file *os.File
}

func (fileLock *unixFileLock) Release() {
	setFileLock(fileLock.file, false)
	_ = fileLock.file.Close()
}

func lockFile(path string) (FileLock, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	if ok := setFileLock(file, true); !ok {
		_ = file.Close()
		return nil, errors.ErrLocked
	}
	return &unixFileLock{file: file}, nil
}

func setFileLock(file *os.File, lock bool) bool {
	how := syscall.LOCK_UN
	if lock {
		how = syscall.LOCK_EX
	}
	if err := syscall.Flock(int(file.Fd()), how|syscall.LOCK_NB); err != nil {
		return false
	}
	return true
}
