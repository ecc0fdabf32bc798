package storage

import (
	"bytes"
	"io"
	"os"
	"path"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/ckvdb/ckv/errors"
	"github.com/ckvdb/ckv/utils"
)

type SequentialWriter interface {
	io.Writer
	io.Closer
	Syncer
	Flusher
}

type SequentialReader interface {
	io.Reader
	io.Closer
	io.ByteReader
}

type RandomAccessReader interface {
	// Pread reads len(scratch) bytes at offset. The returned slice holds the
	// data and may alias scratch or memory owned by the reader, valid until
	// the next Pread or Close.
	Pread(offset int64, scratch []byte) ([]byte, error)
	io.Closer
}

type Flusher interface {
	Flush() error
}

type Syncer interface {
	Sync() error
}

type Storage interface {
	NewAppendableFile(fd Fd) (SequentialWriter, error)

	NewWritableFile(fd Fd) (SequentialWriter, error)

	NewSequentialReader(fd Fd) (SequentialReader, error)

	NewRandomAccessReader(fd Fd) (RandomAccessReader, error)

	SetCurrent(num uint64) error

	GetCurrent() (Fd, error)

	FileSize(fd Fd) (int64, error)

	Remove(fd Fd) error

	Rename(src Fd, target Fd) error

	List() ([]Fd, error)

	Close() error
}

type FileStorage struct {
	dbPath   string
	fileLock FileLock

	mmapLimiter *Limiter
	fdLimiter   *Limiter

	mutex sync.RWMutex
	open  int32
}

type FileLock interface {
	Release()
}

func OpenPath(dbPath string) (Storage, error) {

	if err := os.MkdirAll(dbPath, 0755); err != nil {
		return nil, err
	}

	fileLock, err := lockFile(path.Join(dbPath, FileLockFd().String()))
	if err != nil {
		return nil, err
	}
	fs := &FileStorage{
		dbPath:      dbPath,
		fileLock:    fileLock,
		mmapLimiter: NewLimiter(int32(mmapOpenFile())),
		fdLimiter:   NewLimiter(int32(maxOpenFile())),
	}
	runtime.SetFinalizer(fs, (*FileStorage).Close)
	return fs, nil
}

func (fs *FileStorage) Close() error {

	fs.mutex.Lock()
	defer fs.mutex.Unlock()
	if fs.open == -1 {
		return errors.ErrClosed
	}
	fs.open = -1
	fs.fileLock.Release()
	runtime.SetFinalizer(fs, nil)
	return nil
}

// SetCurrent atomically points CURRENT at MANIFEST-num via a temp file
// rename, then syncs the directory.
func (fs *FileStorage) SetCurrent(num uint64) (err error) {

	currentFile := path.Join(fs.dbPath, Fd{FileType: KCurrentFile}.String())
	dbTmpFile := path.Join(fs.dbPath, Fd{FileType: KDBTempFile, Num: num}.String())
	content := Fd{FileType: KDescriptorFile, Num: num}.String() + "\n"

	tmp, err := os.OpenFile(dbTmpFile, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}

	defer func() {
		if err != nil {
			_ = os.Remove(dbTmpFile)
		}
	}()

	if _, err = tmp.Write([]byte(content)); err != nil {
		_ = tmp.Close()
		return err
	}

	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}

	if err = tmp.Close(); err != nil {
		return err
	}

	if err = os.Rename(dbTmpFile, currentFile); err != nil {
		return err
	}

	return fs.syncDir()
}

// GetCurrent returns the manifest fd named by CURRENT. A missing CURRENT
// reports os.ErrNotExist so callers can distinguish a fresh directory.
func (fs *FileStorage) GetCurrent() (fd Fd, err error) {

	current := path.Join(fs.dbPath, Fd{FileType: KCurrentFile}.String())
	fInfo, sErr := os.Stat(current)
	if sErr != nil {
		err = sErr
		return
	}

	if fInfo.IsDir() {
		err = errors.ErrFileIsDir
		return
	}

	content, rErr := os.ReadFile(current)
	if rErr != nil {
		err = rErr
		return
	}

	if len(content) == 0 || !bytes.HasSuffix(content, []byte("\n")) {
		err = errors.NewErrCorruption("invalid current file content")
		return
	}

	currentFd, parseErr := ParseFd(strings.TrimSuffix(string(content), "\n"))
	if parseErr != nil {
		err = errors.NewErrCorruption("current file names an unparseable manifest")
		return
	}

	if currentFd.FileType != KDescriptorFile {
		err = errors.NewErrCorruption("current file does not name a manifest")
		return
	}

	fd = currentFd
	return
}

func (fs *FileStorage) syncDir() error {
	dir, err := os.Open(fs.dbPath)
	if err != nil {
		return err
	}
	defer dir.Close()
	return dir.Sync()
}

type Limiter struct {
	allowsAcquired int32
}

func NewLimiter(allowsAcquired int32) *Limiter {
	return &Limiter{allowsAcquired: allowsAcquired}
}

func (l *Limiter) Acquire() bool {
	if atomic.AddInt32(&l.allowsAcquired, -1) >= 0 {
		return true
	}
	atomic.AddInt32(&l.allowsAcquired, 1)
	return false
}

func (l *Limiter) Release() {
	atomic.AddInt32(&l.allowsAcquired, 1)
}

const kWritableBufferSize = 1 << 16

type WritableFile struct {
	file       *os.File
	buf        [kWritableBufferSize]byte
	pos        int
	isManifest bool
	dbPath     string
	fd         Fd
	fs         *FileStorage
}

func (w *WritableFile) Write(p []byte) (n int, err error) {
	return w.append(p)
}

func (w *WritableFile) Flush() (err error) {
	_, err = w.flushBuffer()
	return
}

func (w *WritableFile) Sync() (err error) {
	err = w.syncDirIfIsManifest()
	if err != nil {
		return
	}

	_, err = w.flushBuffer()
	if err != nil {
		return
	}

	return w.file.Sync()
}

func (w *WritableFile) Close() (err error) {
	_, err = w.flushBuffer()
	_ = w.fs.unRef()
	runtime.SetFinalizer(w, nil)
	if cErr := w.file.Close(); err == nil {
		err = cErr
	}
	return
}

func (w *WritableFile) syncDirIfIsManifest() (err error) {
	if !w.isManifest {
		return
	}
	return w.fs.syncDir()
}

func newWritableFile(fs *FileStorage, file *os.File, dbPath string, fd Fd) *WritableFile {
	w := &WritableFile{
		file:       file,
		pos:        0,
		dbPath:     dbPath,
		fd:         fd,
		isManifest: fd.FileType == KDescriptorFile,
		fs:         fs,
	}

	runtime.SetFinalizer(w, (*WritableFile).Close)

	return w
}

func (w *WritableFile) append(p []byte) (n int, err error) {

	writeSize := len(p)
	n0 := copy(w.buf[w.pos:], p)
	w.pos += n0

	n += n0

	if n0 == writeSize {
		return
	}

	p = p[n:]

	// buf is full and flush it
	_, err = w.flushBuffer()
	if err != nil {
		return
	}

	// small write into buf
	if len(p) <= kWritableBufferSize {
		n1 := copy(w.buf[w.pos:], p)
		w.pos += n1
		n += n1
		return
	}

	// big write into filesystem
	n2, err := w.writeData(p)
	n += n2
	return
}

func (w *WritableFile) flushBuffer() (n int, err error) {
	if w.pos == 0 {
		return
	}
	n, err = w.file.Write(w.buf[:w.pos])
	if err == nil {
		w.pos = 0
	}
	return
}

func (w *WritableFile) writeData(p []byte) (n int, err error) {
	n0, err := w.flushBuffer()
	if err != nil {
		n = n0
		return
	}
	n1, err := w.file.Write(p)
	if err == nil {
		n = n0 + n1
	}
	return
}

type FileWrapper struct {
	*os.File
	fs      *FileStorage
	byteBuf [1]byte
}

func (fw *FileWrapper) Close() error {
	_ = fw.fs.unRef()
	runtime.SetFinalizer(fw, nil)
	return fw.File.Close()
}

func (fw *FileWrapper) ReadByte() (b byte, err error) {
	n, err := fw.File.Read(fw.byteBuf[:])
	if err != nil {
		return
	}
	if n == 0 {
		err = io.EOF
		return
	}
	b = fw.byteBuf[0]
	return
}

func (fs *FileStorage) NewAppendableFile(fd Fd) (w SequentialWriter, err error) {

	if err = fs.ref(); err != nil {
		return
	}

	file, fErr := os.OpenFile(fs.filePath(fd), os.O_CREATE|os.O_APPEND|os.O_RDWR, 0644)
	if fErr != nil {
		_ = fs.unRef()
		err = fErr
		return
	}
	w = newWritableFile(fs, file, fs.dbPath, fd)
	return
}

func (fs *FileStorage) NewWritableFile(fd Fd) (w SequentialWriter, err error) {
	if err = fs.ref(); err != nil {
		return
	}

	file, fErr := os.OpenFile(fs.filePath(fd), os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0644)
	if fErr != nil {
		_ = fs.unRef()
		err = fErr
		return
	}
	w = newWritableFile(fs, file, fs.dbPath, fd)
	return
}

func (fs *FileStorage) NewSequentialReader(fd Fd) (r SequentialReader, err error) {

	if err = fs.ref(); err != nil {
		return
	}

	file, fErr := os.OpenFile(fs.filePath(fd), os.O_RDONLY, 0644)
	if fErr != nil {
		_ = fs.unRef()
		err = fErr
		return
	}

	fw := &FileWrapper{
		File: file,
		fs:   fs,
	}

	runtime.SetFinalizer(fw, (*FileWrapper).Close)
	r = fw
	return
}

func (fs *FileStorage) filePath(fd Fd) string {
	return path.Join(fs.dbPath, fd.String())
}

func (fs *FileStorage) FileSize(fd Fd) (int64, error) {
	fInfo, err := os.Stat(fs.filePath(fd))
	if err != nil {
		return 0, err
	}
	return fInfo.Size(), nil
}

func (fs *FileStorage) Remove(fd Fd) error {
	return os.Remove(fs.filePath(fd))
}

func (fs *FileStorage) Rename(src Fd, target Fd) error {
	srcPath := fs.filePath(src)
	targetPath := fs.filePath(target)
	return os.Rename(srcPath, targetPath)
}

func (fs *FileStorage) List() (fds []Fd, err error) {

	entries, err := os.ReadDir(fs.dbPath)
	if err != nil {
		return
	}

	for _, entry := range entries {
		fd, pErr := ParseFd(entry.Name())
		if pErr != nil {
			continue
		}
		fds = append(fds, fd)
	}

	return
}

func (fs *FileStorage) ref() (err error) {
	fs.mutex.Lock()
	defer fs.mutex.Unlock()
	if fs.open < 0 {
		return errors.ErrClosed
	}
	fs.open++
	return
}

func (fs *FileStorage) unRef() (err error) {
	fs.mutex.Lock()
	defer fs.mutex.Unlock()
	if fs.open < 0 {
		return errors.ErrClosed
	}
	fs.open--
	utils.Assert(fs.open >= 0)
	return
}
