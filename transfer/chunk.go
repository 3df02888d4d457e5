package transfer

import (
	"fmt"
	"io"
)

// ChunkSpec is the byte window [Start, Start+Size) of a source.
type ChunkSpec struct {
	Start int64
	Size  int64
}

// Clamp bounds the window to a source of total bytes.
// A window starting at or past the end of the source has zero size.
func (c ChunkSpec) Clamp(total int64) ChunkSpec {
	if c.Start >= total {
		return ChunkSpec{Start: c.Start, Size: 0}
	}
	if remaining := total - c.Start; c.Size > remaining {
		c.Size = remaining
	}
	return c
}

// End returns the offset right after the last byte of the window.
func (c ChunkSpec) End() int64 {
	return c.Start + c.Size
}

// RangeHeader returns the HTTP Range header value selecting the window.
func (c ChunkSpec) RangeHeader() string {
	return fmt.Sprintf("bytes=%d-%d", c.Start, c.End()-1)
}

// Bound limits r to the size of the window.
func (c ChunkSpec) Bound(r io.Reader) io.Reader {
	return io.LimitReader(r, c.Size)
}

// Partition splits [0, total) into windows of partSize bytes; the last one may be shorter.
// An empty source still yields a single empty window.
func Partition(total, partSize int64) []ChunkSpec {
	if total <= 0 || partSize <= 0 {
		return []ChunkSpec{{Start: 0, Size: 0}}
	}

	count := (total + partSize - 1) / partSize
	chunks := make([]ChunkSpec, 0, count)
	for start := int64(0); start < total; start += partSize {
		chunks = append(chunks, ChunkSpec{Start: start, Size: partSize}.Clamp(total))
	}
	return chunks
}
