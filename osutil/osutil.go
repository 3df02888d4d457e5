// Package osutil abstracts the file system access of the transfer engine,
// so chunk readers and transfers can be exercised against memory instead of disk.
package osutil

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
)

// ErrNotFound is returned (wrapped) when a local source does not exist.
var ErrNotFound = errors.New("file not found")

// WriteAtCloser is a download destination, written at the offsets of the received ranges.
type WriteAtCloser interface {
	io.WriterAt
	io.Closer
}

// OSUtils defines the subset of file system operations used by transfers.
type OSUtils interface {
	// FileSize returns the total byte length of the file.
	FileSize(name string) (int64, error)

	// OpenChunk returns a plain stream positioned at startByte.
	// Offsets passed to Seek on the returned stream are absolute offsets within the file.
	// The stream is not bounded to size: bounding is the caller's job.
	OpenChunk(name string, startByte, size int64) (io.ReadSeekCloser, error)

	// Open returns the whole file for sequential access.
	Open(name string) (io.ReadSeekCloser, error)

	// Create creates or truncates the named file.
	Create(name string) (WriteAtCloser, error)

	Remove(name string) error
	Rename(oldpath, newpath string) error
}

// RealOS is the default implementation that delegates to the real os package.
type RealOS struct{}

// FileSize ...
func (RealOS) FileSize(name string) (int64, error) {
	info, err := os.Stat(name)
	if err != nil {
		return 0, wrapNotExist(name, err)
	}
	if info.IsDir() {
		return 0, fmt.Errorf("%s is a directory", name)
	}
	return info.Size(), nil
}

// OpenChunk ...
func (RealOS) OpenChunk(name string, startByte, size int64) (io.ReadSeekCloser, error) {
	file, err := os.Open(name)
	if err != nil {
		return nil, wrapNotExist(name, err)
	}
	if _, err := file.Seek(startByte, io.SeekStart); err != nil {
		file.Close() //nolint:errcheck
		return nil, fmt.Errorf("seek %s to %d: %w", name, startByte, err)
	}
	return file, nil
}

// Open ...
func (RealOS) Open(name string) (io.ReadSeekCloser, error) {
	file, err := os.Open(name)
	if err != nil {
		return nil, wrapNotExist(name, err)
	}
	return file, nil
}

// Create ...
func (RealOS) Create(name string) (WriteAtCloser, error) {
	file, err := os.Create(name)
	if err != nil {
		return nil, err
	}
	return file, nil
}

// Remove ...
func (RealOS) Remove(name string) error {
	return wrapNotExist(name, os.Remove(name))
}

// Rename ...
func (RealOS) Rename(oldpath, newpath string) error {
	return wrapNotExist(oldpath, os.Rename(oldpath, newpath))
}

func wrapNotExist(name string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%s: %w: %w", name, ErrNotFound, err)
	}
	return err
}
