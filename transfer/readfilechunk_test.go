package transfer

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitrise-io/go-s3transfer/osutil"
)

const testContent = "onetwothreefourfivesixseveneightnineten"

func newTestFS() *osutil.InMemory {
	return osutil.NewInMemory(map[string][]byte{"foo": []byte(testContent)})
}

type progressRecorder struct {
	calls []int64
}

func (r *progressRecorder) callback(n int64) {
	r.calls = append(r.calls, n)
}

func (r *progressRecorder) sum() int64 {
	var s int64
	for _, n := range r.calls {
		s += n
	}
	return s
}

func TestReadFileChunk_Window(t *testing.T) {
	tests := []struct {
		name      string
		startByte int64
		chunkSize int64
		wantLen   int64
		wantData  string
	}{
		{name: "middle", startByte: 11, chunkSize: 4, wantLen: 4, wantData: "four"},
		{name: "clamped at end", startByte: 36, chunkSize: 100000, wantLen: 3, wantData: "ten"},
		{name: "whole file", startByte: 0, chunkSize: 39, wantLen: 39, wantData: testContent},
		{name: "starts at end", startByte: 39, chunkSize: 10, wantLen: 0, wantData: ""},
		{name: "starts past end", startByte: 100, chunkSize: 10, wantLen: 0, wantData: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chunk, err := NewReadFileChunk(newTestFS(), "foo", tt.startByte, tt.chunkSize, nil)
			require.NoError(t, err)
			defer chunk.Close() //nolint:errcheck

			assert.Equal(t, tt.wantLen, chunk.Len())

			data, err := chunk.ReadAll()
			require.NoError(t, err)
			assert.Equal(t, tt.wantData, string(data))
		})
	}
}

func TestReadFileChunk_LenProperty(t *testing.T) {
	size := int64(len(testContent))
	fs := newTestFS()

	for start := int64(0); start <= size+2; start++ {
		for chunkSize := int64(1); chunkSize <= size+2; chunkSize += 3 {
			chunk, err := NewReadFileChunk(fs, "foo", start, chunkSize, nil)
			require.NoError(t, err)

			want := min(chunkSize, size-start)
			if want < 0 {
				want = 0
			}
			assert.Equal(t, want, chunk.Len(), "start=%d size=%d", start, chunkSize)
			require.NoError(t, chunk.Close())
		}
	}
}

func TestReadFileChunk_RealFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "foo")
	require.NoError(t, os.WriteFile(path, []byte(testContent), 0644))

	chunk, err := NewReadFileChunk(osutil.RealOS{}, path, 11, 4, nil)
	require.NoError(t, err)
	defer chunk.Close() //nolint:errcheck

	data, err := chunk.ReadAll()
	require.NoError(t, err)
	assert.Equal(t, "four", string(data))
}

func TestReadFileChunk_ReadAfterEnd(t *testing.T) {
	chunk, err := NewReadFileChunk(newTestFS(), "foo", 36, 100000, nil)
	require.NoError(t, err)
	defer chunk.Close() //nolint:errcheck

	data, err := chunk.ReadAll()
	require.NoError(t, err)
	assert.Equal(t, "ten", string(data))

	for i := 0; i < 3; i++ {
		data, err = chunk.ReadAll()
		require.NoError(t, err)
		assert.Empty(t, data)

		n, err := chunk.Read(make([]byte, 10))
		assert.Equal(t, 0, n)
		assert.Equal(t, io.EOF, err)
	}
}

func TestReadFileChunk_ReadAmount(t *testing.T) {
	chunk, err := NewReadFileChunk(newTestFS(), "foo", 0, 3, nil)
	require.NoError(t, err)
	defer chunk.Close() //nolint:errcheck

	buf := make([]byte, 2)
	n, err := chunk.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "on", string(buf[:n]))

	// Never reads past the window, even with a larger buffer.
	buf = make([]byte, 10)
	n, err = chunk.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "e", string(buf[:n]))
}

func TestReadFileChunk_SeekRestarts(t *testing.T) {
	chunk, err := NewReadFileChunk(newTestFS(), "foo", 0, 3, nil)
	require.NoError(t, err)
	defer chunk.Close() //nolint:errcheck

	first, err := chunk.ReadAll()
	require.NoError(t, err)
	assert.Equal(t, int64(3), chunk.Tell())

	pos, err := chunk.Seek(0, io.SeekStart)
	require.NoError(t, err)
	assert.Equal(t, int64(0), pos)
	assert.Equal(t, int64(0), chunk.Tell())

	second, err := chunk.ReadAll()
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, "one", string(second))
}

func TestReadFileChunk_SeekWhence(t *testing.T) {
	chunk, err := NewReadFileChunk(newTestFS(), "foo", 11, 4, nil)
	require.NoError(t, err)
	defer chunk.Close() //nolint:errcheck

	pos, err := chunk.Seek(-1, io.SeekEnd)
	require.NoError(t, err)
	assert.Equal(t, int64(3), pos)

	pos, err = chunk.Seek(-2, io.SeekCurrent)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pos)

	data, err := chunk.ReadAll()
	require.NoError(t, err)
	assert.Equal(t, "our", string(data))

	pos, err = chunk.Seek(0, io.SeekEnd)
	require.NoError(t, err)
	assert.Equal(t, chunk.Len(), pos)
}

func TestReadFileChunk_InvalidSeek(t *testing.T) {
	chunk, err := NewReadFileChunk(newTestFS(), "foo", 11, 4, nil)
	require.NoError(t, err)
	defer chunk.Close() //nolint:errcheck

	_, err = chunk.Seek(-1, io.SeekStart)
	assert.ErrorIs(t, err, ErrInvalidSeek)

	_, err = chunk.Seek(5, io.SeekStart)
	assert.ErrorIs(t, err, ErrInvalidSeek)

	_, err = chunk.Seek(0, 42)
	assert.ErrorIs(t, err, ErrInvalidSeek)

	assert.Equal(t, int64(0), chunk.Tell())
}

func TestReadFileChunk_TellAfterRead(t *testing.T) {
	chunk, err := NewReadFileChunk(newTestFS(), "foo", 0, 20, nil)
	require.NoError(t, err)
	defer chunk.Close() //nolint:errcheck

	_, err = io.ReadFull(chunk, make([]byte, 7))
	require.NoError(t, err)
	assert.Equal(t, int64(7), chunk.Tell())
}

func TestReadFileChunk_Closed(t *testing.T) {
	chunk, err := NewReadFileChunk(newTestFS(), "foo", 0, 3, nil)
	require.NoError(t, err)

	require.NoError(t, chunk.Close())
	require.NoError(t, chunk.Close())

	_, err = chunk.Read(make([]byte, 1))
	assert.ErrorIs(t, err, ErrReaderClosed)

	_, err = chunk.ReadAll()
	assert.ErrorIs(t, err, ErrReaderClosed)

	_, err = chunk.Seek(0, io.SeekStart)
	assert.ErrorIs(t, err, ErrReaderClosed)
}

func TestReadFileChunk_NotFound(t *testing.T) {
	_, err := NewReadFileChunk(newTestFS(), "bar", 0, 3, nil)
	assert.ErrorIs(t, err, osutil.ErrNotFound)
}

func TestReadFileChunk_CallbackPerRead(t *testing.T) {
	recorder := &progressRecorder{}
	chunk, err := NewReadFileChunk(newTestFS(), "foo", 0, 3, recorder.callback)
	require.NoError(t, err)
	defer chunk.Close() //nolint:errcheck

	for i := 0; i < 3; i++ {
		n, err := chunk.Read(make([]byte, 1))
		require.NoError(t, err)
		require.Equal(t, 1, n)
	}

	assert.Equal(t, []int64{1, 1, 1}, recorder.calls)
	assert.Equal(t, chunk.Len(), recorder.sum())
}

func TestReadFileChunk_CallbackSkipsZeroLengthReads(t *testing.T) {
	recorder := &progressRecorder{}
	chunk, err := NewReadFileChunk(newTestFS(), "foo", 36, 100000, recorder.callback)
	require.NoError(t, err)
	defer chunk.Close() //nolint:errcheck

	_, err = chunk.ReadAll()
	require.NoError(t, err)
	calls := len(recorder.calls)

	// End of window reads return nothing and report nothing.
	_, err = chunk.ReadAll()
	require.NoError(t, err)
	n, err := chunk.Read(make([]byte, 4))
	assert.Equal(t, 0, n)
	assert.Equal(t, io.EOF, err)
	n, err = chunk.Read(nil)
	assert.Equal(t, 0, n)
	assert.Equal(t, io.EOF, err)

	assert.Len(t, recorder.calls, calls)
	assert.NotContains(t, recorder.calls, int64(0))
	assert.Equal(t, int64(3), recorder.sum())
}

func TestReadFileChunk_CallbackRewind(t *testing.T) {
	recorder := &progressRecorder{}
	chunk, err := NewReadFileChunk(newTestFS(), "foo", 0, 10, recorder.callback)
	require.NoError(t, err)
	defer chunk.Close() //nolint:errcheck

	_, err = chunk.ReadAll()
	require.NoError(t, err)
	assert.Equal(t, int64(10), recorder.sum())

	_, err = chunk.Seek(0, io.SeekStart)
	require.NoError(t, err)
	assert.Equal(t, int64(-10), recorder.calls[len(recorder.calls)-1])
	assert.Equal(t, int64(0), recorder.sum())

	_, err = chunk.ReadAll()
	require.NoError(t, err)
	assert.Equal(t, chunk.Len(), recorder.sum())
}

func TestReadFileChunk_CallbackLengthProbe(t *testing.T) {
	recorder := &progressRecorder{}
	chunk, err := NewReadFileChunk(newTestFS(), "foo", 0, 10, recorder.callback)
	require.NoError(t, err)
	defer chunk.Close() //nolint:errcheck

	// HTTP clients probe the length by seeking to the end and back.
	end, err := chunk.Seek(0, io.SeekEnd)
	require.NoError(t, err)
	assert.Equal(t, int64(10), end)
	_, err = chunk.Seek(0, io.SeekStart)
	require.NoError(t, err)

	assert.Empty(t, recorder.calls)

	_, err = chunk.ReadAll()
	require.NoError(t, err)
	assert.Equal(t, int64(10), recorder.sum())
}

func TestReadFileChunk_CallbackAfterSeekForward(t *testing.T) {
	recorder := &progressRecorder{}
	chunk, err := NewReadFileChunk(newTestFS(), "foo", 0, 10, recorder.callback)
	require.NoError(t, err)
	defer chunk.Close() //nolint:errcheck

	_, err = chunk.Seek(5, io.SeekStart)
	require.NoError(t, err)

	data, err := chunk.ReadAll()
	require.NoError(t, err)
	assert.Equal(t, "othre", string(data))
	assert.Equal(t, int64(5), recorder.sum())
	assert.NotContains(t, recorder.calls, int64(10))

	_, err = chunk.Seek(0, io.SeekStart)
	require.NoError(t, err)
	assert.Equal(t, int64(-5), recorder.calls[len(recorder.calls)-1])
	assert.Equal(t, int64(0), recorder.sum())
}
