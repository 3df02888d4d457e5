package transfer

import (
	"bytes"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamReaderProgress_PassThrough(t *testing.T) {
	recorder := &progressRecorder{}
	stream := NewStreamReaderProgress(strings.NewReader(testContent), recorder.callback)

	buf := make([]byte, 10)
	n, err := stream.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "onetwothre", string(buf[:n]))
	assert.Equal(t, []int64{10}, recorder.calls)

	rest, err := io.ReadAll(stream)
	require.NoError(t, err)
	assert.Equal(t, testContent[10:], string(rest))
	assert.Equal(t, int64(len(testContent)), recorder.sum())
	assert.NotContains(t, recorder.calls, int64(0))
}

func TestStreamReaderProgress_NoCallback(t *testing.T) {
	stream := NewStreamReaderProgress(strings.NewReader(testContent), nil)

	data, err := io.ReadAll(stream)
	require.NoError(t, err)
	assert.Equal(t, testContent, string(data))
}

func TestStreamReaderProgress_Seek(t *testing.T) {
	recorder := &progressRecorder{}
	source := bytes.NewReader([]byte(testContent))
	_, err := source.Seek(3, io.SeekStart)
	require.NoError(t, err)

	stream := NewStreamReaderProgress(source, recorder.callback)

	_, err = io.ReadFull(stream, make([]byte, 5))
	require.NoError(t, err)
	assert.Equal(t, []int64{5}, recorder.calls)

	pos, err := stream.Seek(3, io.SeekStart)
	require.NoError(t, err)
	assert.Equal(t, int64(3), pos)
	assert.Equal(t, []int64{5, -5}, recorder.calls)

	data, err := io.ReadAll(stream)
	require.NoError(t, err)
	assert.Equal(t, testContent[3:], string(data))
	assert.Equal(t, int64(len(testContent)-3), recorder.sum())
}

func TestStreamReaderProgress_SeekForwardReportsReadBytes(t *testing.T) {
	recorder := &progressRecorder{}
	stream := NewStreamReaderProgress(strings.NewReader("0123456789"), recorder.callback)

	_, err := stream.Seek(5, io.SeekStart)
	require.NoError(t, err)
	assert.Empty(t, recorder.calls)

	buf := make([]byte, 5)
	n, err := stream.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "56789", string(buf[:n]))
	assert.Equal(t, []int64{5}, recorder.calls)

	// Only the 2 delivered bytes past position 8 are taken back.
	_, err = stream.Seek(8, io.SeekStart)
	require.NoError(t, err)
	assert.Equal(t, []int64{5, -2}, recorder.calls)

	// Nothing was delivered before position 5.
	_, err = stream.Seek(0, io.SeekStart)
	require.NoError(t, err)
	assert.Equal(t, []int64{5, -2, -3}, recorder.calls)
	assert.Equal(t, int64(0), recorder.sum())
}

func TestProgressMeter_Gaps(t *testing.T) {
	recorder := &progressRecorder{}
	meter := progressMeter{callback: recorder.callback}

	meter.read(0, 5)
	meter.read(8, 2)
	meter.seek(6)
	assert.Equal(t, []int64{5, 2, -2}, recorder.calls)

	meter.read(6, 4)
	meter.seek(3)
	assert.Equal(t, []int64{5, 2, -2, 4, -6}, recorder.calls)
	assert.Equal(t, int64(3), recorder.sum())

	meter.read(3, 0)
	meter.seek(3)
	assert.Len(t, recorder.calls, 5)
}

func TestStreamReaderProgress_NotSeekable(t *testing.T) {
	stream := NewStreamReaderProgress(io.LimitReader(strings.NewReader(testContent), 3), nil)

	_, err := stream.Seek(0, io.SeekStart)
	assert.ErrorIs(t, err, ErrNotSeekable)
}

func TestProgressRelay_Concurrent(t *testing.T) {
	var active atomic.Int32
	var overlapped atomic.Bool
	var total int64

	relay := newProgressRelay(func(n int64) {
		if active.Add(1) > 1 {
			overlapped.Store(true)
		}
		total += n
		active.Add(-1)
	})

	const workers = 16
	const reportsPerWorker = 1000

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < reportsPerWorker; j++ {
				relay.report(3)
				relay.report(-1)
			}
		}()
	}
	wg.Wait()
	relay.close()

	assert.False(t, overlapped.Load())
	assert.Equal(t, int64(workers*reportsPerWorker*2), total)
	assert.Equal(t, total, relay.Total())

	// Reports after close are counted but not delivered.
	relay.report(5)
	relay.close()
	assert.Equal(t, total+5, relay.Total())
}

func TestProgressRelay_NilCallback(t *testing.T) {
	relay := newProgressRelay(nil)
	relay.report(4)
	relay.report(0)
	relay.close()

	assert.Equal(t, int64(4), relay.Total())
}
