//go:build darwin || freebsd || linux

package storage

import (
	"math"
	"os"
	"runtime"
	"syscall"
	"unsafe"

	"github.com/cockroachdb/errors"
)

type posixMMAPReadableFile struct {
	limiter *Limiter
	data    []byte
	fs      *FileStorage
}

func newPosixMMAPReadableFile(fs *FileStorage, file *os.File, fileSize int, limiter *Limiter) (*posixMMAPReadableFile, error) {

	if err := fs.ref(); err != nil {
		return nil, err
	}

	data, err := syscall.Mmap(int(file.Fd()), 0, fileSize, syscall.PROT_READ, syscall.MAP_SHARED)
	if err != nil {
		_ = fs.unRef()
		return nil, err
	}
	// the mapping outlives the fd
	_ = file.Close()
	r := &posixMMAPReadableFile{
		limiter: limiter,
		data:    data,
		fs:      fs,
	}
	runtime.SetFinalizer(r, (*posixMMAPReadableFile).Close)
	return r, nil
}

func (r *posixMMAPReadableFile) Pread(offset int64, scratch []byte) ([]byte, error) {
	end := offset + int64(len(scratch))
	if offset < 0 || end > int64(len(r.data)) {
		return nil, errors.New("storage: mmap read out of bounds")
	}
	return r.data[offset:end:end], nil
}

func (r *posixMMAPReadableFile) Close() error {
	_ = r.fs.unRef()
	r.limiter.Release()
	runtime.SetFinalizer(r, nil)
	return syscall.Munmap(r.data)
}

type posixRandomAccessFileReader struct {
	limiter      *Limiter
	hasPermanent bool
	file         *os.File
	filePath     string
	fs           *FileStorage
}

func newPosixRandomAccessFileReader(fs *FileStorage, file *os.File, filePath string, limiter *Limiter) (*posixRandomAccessFileReader, error) {

	if err := fs.ref(); err != nil {
		return nil, err
	}

	r := &posixRandomAccessFileReader{
		limiter:  limiter,
		filePath: filePath,
		fs:       fs,
	}
	if limiter.Acquire() {
		r.hasPermanent = true
		r.file = file
		runtime.SetFinalizer(r, (*posixRandomAccessFileReader).Close)
		return r, nil
	}

	// fd limit reached, reopen on every read instead
	runtime.SetFinalizer(r, (*posixRandomAccessFileReader).Close)
	return r, file.Close()
}

func (r *posixRandomAccessFileReader) Pread(offset int64, scratch []byte) ([]byte, error) {
	file := r.file
	if !r.hasPermanent {
		f, err := os.OpenFile(r.filePath, os.O_RDONLY, 0644)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		file = f
	}
	n, err := file.ReadAt(scratch, offset)
	if err != nil {
		return nil, err
	}
	return scratch[:n], nil
}

func (r *posixRandomAccessFileReader) Close() error {
	_ = r.fs.unRef()
	runtime.SetFinalizer(r, nil)
	if r.hasPermanent {
		r.limiter.Release()
		return r.file.Close()
	}
	return nil
}

func (fs *FileStorage) NewRandomAccessReader(fd Fd) (RandomAccessReader, error) {

	filePath := fs.filePath(fd)

	file, err := os.OpenFile(filePath, os.O_RDONLY, 0644)
	if err != nil {
		return nil, err
	}

	if !fs.mmapLimiter.Acquire() {
		return newPosixRandomAccessFileReader(fs, file, filePath, fs.fdLimiter)
	}

	fInfo, sErr := file.Stat()
	if sErr != nil {
		fs.mmapLimiter.Release()
		_ = file.Close()
		return nil, sErr
	}

	// mmap of a zero length file fails with EINVAL
	if fInfo.Size() == 0 {
		fs.mmapLimiter.Release()
		return newPosixRandomAccessFileReader(fs, file, filePath, fs.fdLimiter)
	}

	r, mErr := newPosixMMAPReadableFile(fs, file, int(fInfo.Size()), fs.mmapLimiter)
	if mErr != nil {
		fs.mmapLimiter.Release()
		_ = file.Close()
		return nil, mErr
	}
	return r, nil
}

func maxOpenFile() int {
	rlimit := new(syscall.Rlimit)
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, rlimit); err != nil {
		return 50
	}
	if rlimit.Cur == math.MaxUint64 {
		return math.MaxInt32
	}
	return int(rlimit.Cur / 5)
}

func mmapOpenFile() int {
	var p uintptr
	if unsafe.Sizeof(p) == 8 {
		return 1000
	}
	return 0
}
