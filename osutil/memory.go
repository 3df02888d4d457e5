package osutil

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
)

// InMemory is a map backed OSUtils. Files created through it become visible
// with their final content once the writer is closed.
// Thread-safe.
type InMemory struct {
	files map[string][]byte
	mu    sync.RWMutex
}

// NewInMemory creates an InMemory file system holding a copy of files.
func NewInMemory(files map[string][]byte) *InMemory {
	m := &InMemory{files: make(map[string][]byte, len(files))}
	for name, data := range files {
		m.files[name] = append([]byte(nil), data...)
	}
	return m
}

// File returns the content of the named file.
func (m *InMemory) File(name string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.files[name]
	return data, ok
}

// Names returns the names of all files.
func (m *InMemory) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.files))
	for name := range m.files {
		names = append(names, name)
	}
	return names
}

// FileSize ...
func (m *InMemory) FileSize(name string) (int64, error) {
	data, err := m.lookup(name)
	if err != nil {
		return 0, err
	}
	return int64(len(data)), nil
}

// OpenChunk ...
func (m *InMemory) OpenChunk(name string, startByte, size int64) (io.ReadSeekCloser, error) {
	data, err := m.lookup(name)
	if err != nil {
		return nil, err
	}

	r := memReader{bytes.NewReader(data)}
	if _, err := r.Seek(startByte, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek %s to %d: %w", name, startByte, err)
	}
	return r, nil
}

// Open ...
func (m *InMemory) Open(name string) (io.ReadSeekCloser, error) {
	data, err := m.lookup(name)
	if err != nil {
		return nil, err
	}
	return memReader{bytes.NewReader(data)}, nil
}

// Create ...
func (m *InMemory) Create(name string) (WriteAtCloser, error) {
	m.store(name, nil)
	return &memWriter{
		fs:   m,
		name: name,
		buf:  manager.NewWriteAtBuffer(nil),
	}, nil
}

// Remove ...
func (m *InMemory) Remove(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.files[name]; !ok {
		return fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	delete(m.files, name)
	return nil
}

// Rename ...
func (m *InMemory) Rename(oldpath, newpath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, ok := m.files[oldpath]
	if !ok {
		return fmt.Errorf("%s: %w", oldpath, ErrNotFound)
	}
	delete(m.files, oldpath)
	m.files[newpath] = data
	return nil
}

func (m *InMemory) lookup(name string) ([]byte, error) {
	data, ok := m.File(name)
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	return data, nil
}

func (m *InMemory) store(name string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[name] = append([]byte{}, data...)
}

type memReader struct {
	*bytes.Reader
}

func (memReader) Close() error { return nil }

// memWriter buffers writes in a manager.WriteAtBuffer, which already
// serializes concurrent WriteAt calls.
type memWriter struct {
	fs     *InMemory
	name   string
	buf    *manager.WriteAtBuffer
	closed bool
}

func (w *memWriter) WriteAt(p []byte, off int64) (int, error) {
	return w.buf.WriteAt(p, off)
}

func (w *memWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	w.fs.store(w.name, w.buf.Bytes())
	return nil
}
