package transfer

import (
	"fmt"
	"io"
	"sync"

	"github.com/bitrise-io/go-s3transfer/osutil"
)

// ReadFileChunk presents a fixed byte window of a file as a restartable stream.
// It is the request body of a part upload: Len gives the content length without
// reading ahead, and Seek lets the HTTP layer replay the body on retries.
//
// The reader exclusively owns its underlying file handle until Close.
type ReadFileChunk struct {
	mu     sync.Mutex
	raw    io.ReadSeekCloser
	window ChunkSpec
	cursor int64
	meter  progressMeter
	closed bool
}

// NewReadFileChunk opens the window [startByte, startByte+chunkSize) of the named file,
// clamped to the end of the file.
func NewReadFileChunk(osUtils osutil.OSUtils, name string, startByte, chunkSize int64, callback ProgressFunc) (*ReadFileChunk, error) {
	if startByte < 0 || chunkSize < 0 {
		return nil, fmt.Errorf("%w: negative window (start %d, size %d)", ErrInvalidSeek, startByte, chunkSize)
	}

	size, err := osUtils.FileSize(name)
	if err != nil {
		return nil, fmt.Errorf("get size of %s: %w", name, err)
	}
	window := ChunkSpec{Start: startByte, Size: chunkSize}.Clamp(size)

	raw, err := osUtils.OpenChunk(name, startByte, window.Size)
	if err != nil {
		return nil, fmt.Errorf("open chunk of %s: %w", name, err)
	}

	return &ReadFileChunk{
		raw:    raw,
		window: window,
		meter:  progressMeter{callback: callback},
	}, nil
}

// Read never returns bytes past the end of the window; at the end it returns io.EOF,
// on every further call as well.
func (c *ReadFileChunk) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.raw == nil {
		return 0, ErrReaderClosed
	}

	remaining := c.window.Size - c.cursor
	if remaining <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > remaining {
		p = p[:remaining]
	}

	n, err := c.raw.Read(p)
	c.meter.read(c.cursor, n)
	c.cursor += int64(n)

	if err == io.EOF && c.cursor < c.window.Size {
		// The file shrank since the window was computed.
		if n == 0 {
			return 0, io.ErrUnexpectedEOF
		}
		return n, nil
	}
	return n, err
}

// ReadAll returns every unread byte of the window.
func (c *ReadFileChunk) ReadAll() ([]byte, error) {
	return io.ReadAll(c)
}

// Seek moves the cursor within the window. The resulting position must be in [0, Len()].
func (c *ReadFileChunk) Seek(offset int64, whence int) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.raw == nil {
		return 0, ErrReaderClosed
	}

	var pos int64
	switch whence {
	case io.SeekStart:
		pos = offset
	case io.SeekCurrent:
		pos = c.cursor + offset
	case io.SeekEnd:
		pos = c.window.Size + offset
	default:
		return 0, fmt.Errorf("%w: unknown whence %d", ErrInvalidSeek, whence)
	}

	if pos < 0 || pos > c.window.Size {
		return 0, fmt.Errorf("%w: offset %d is outside of [0, %d]", ErrInvalidSeek, pos, c.window.Size)
	}

	if _, err := c.raw.Seek(c.window.Start+pos, io.SeekStart); err != nil {
		return 0, fmt.Errorf("seek underlying stream: %w", err)
	}
	c.cursor = pos
	c.meter.seek(pos)

	return pos, nil
}

// Tell returns the cursor position within the window.
func (c *ReadFileChunk) Tell() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cursor
}

// Len returns the window length, fixed for the reader's lifetime.
func (c *ReadFileChunk) Len() int64 {
	return c.window.Size
}

// Close releases the underlying handle. Calling it again is a no-op.
func (c *ReadFileChunk) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	if c.raw == nil {
		return nil
	}
	return c.raw.Close()
}
