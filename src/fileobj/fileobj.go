// Package fileobj declares the file-object collaborator consumed by the
// exec-loader and mmap paths, plus MemFile, an in-memory simulator for
// tests. The method shapes mirror io.ReaderAt/io.WriterAt, the same stdlib
// convention the retrieval pack's storage-layer code reaches for whenever a
// file needs concurrent, offset-addressed access instead of a single
// seek-then-read cursor.
package fileobj

import (
	"io"
	"sync"
)

// File is a reference-counted, randomly-addressable backing file. vmcore
// never assumes a single os.File underneath: the exec loader and every
// mmap'd region hold their own File, reopened from the original inode so
// that closing one does not affect another's position.
type File interface {
	// ReadAt and WriteAt follow io.ReaderAt/io.WriterAt: no implicit seek,
	// safe to call concurrently from different goroutines on the same File.
	ReadAt(p []byte, off int64) (n int, err error)
	WriteAt(p []byte, off int64) (n int, err error)

	// Length returns the file's current size in bytes.
	Length() int64

	// Reopen returns a new File referring to the same underlying inode,
	// positioned independently. vmcore calls this once per mmap so the
	// mapping survives the caller's own fd being closed.
	Reopen() (File, error)

	// Close releases this File's reference to the underlying inode.
	Close() error
}

// MemFile is an in-memory File backed by a byte slice, used by tests and by
// any embedder without a real filesystem underneath.
type MemFile struct {
	mu      sync.RWMutex
	data    []byte
	closed  bool
	refcnt  *int
	refLock *sync.Mutex
}

// NewMemFile returns a File whose contents are a copy of data.
func NewMemFile(data []byte) *MemFile {
	buf := make([]byte, len(data))
	copy(buf, data)
	n := 1
	return &MemFile{data: buf, refcnt: &n, refLock: &sync.Mutex{}}
}

func (f *MemFile) ReadAt(p []byte, off int64) (int, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return 0, io.ErrClosedPipe
	}
	if off < 0 || off >= int64(len(f.data)) {
		if off == int64(len(f.data)) {
			return 0, io.EOF
		}
		return 0, io.EOF
	}
	n := copy(p, f.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (f *MemFile) WriteAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, io.ErrClosedPipe
	}
	need := off + int64(len(p))
	if need > int64(len(f.data)) {
		grown := make([]byte, need)
		copy(grown, f.data)
		f.data = grown
	}
	n := copy(f.data[off:], p)
	return n, nil
}

func (f *MemFile) Length() int64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return int64(len(f.data))
}

func (f *MemFile) Reopen() (File, error) {
	f.refLock.Lock()
	*f.refcnt++
	f.refLock.Unlock()
	return &MemFile{data: f.data, refcnt: f.refcnt, refLock: f.refLock}, nil
}

func (f *MemFile) Close() error {
	f.refLock.Lock()
	defer f.refLock.Unlock()
	*f.refcnt--
	f.closed = true
	return nil
}
