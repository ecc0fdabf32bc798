//go:build windows

package storage

import (
	"os"
	"runtime"
)

type randomAccessFileReader struct {
	file *os.File
	fs   *FileStorage
}

func (r *randomAccessFileReader) Pread(offset int64, scratch []byte) ([]byte, error) {
	n, err := r.file.ReadAt(scratch, offset)
	if err != nil {
		return nil, err
	}
	return scratch[:n], nil
}

func (r *randomAccessFileReader) Close() error {
	_ = r.fs.unRef()
	runtime.SetFinalizer(r, nil)
	return r.file.Close()
}

func (fs *FileStorage) NewRandomAccessReader(fd Fd) (RandomAccessReader, error) {

	if err := fs.ref(); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(fs.filePath(fd), os.O_RDONLY, 0644)
	if err != nil {
		_ = fs.unRef()
		return nil, err
	}
	r := &randomAccessFileReader{file: file, fs: fs}
	runtime.SetFinalizer(r, (*randomAccessFileReader).Close)
	return r, nil
}

func maxOpenFile() int { return 1000 }

func mmapOpenFile() int { return 0 }
