package transfer

import (
	"io"
	"sync"
	"sync/atomic"
)

// ProgressFunc receives the number of bytes transferred since the previous call.
// A negative value takes back bytes that will be sent again (the source was rewound).
type ProgressFunc func(bytes int64)

type span struct {
	start, end int64
}

// progressMeter reports the bytes each read returned and remembers where they came
// from, so a rewind takes back exactly the delivered bytes past the new position.
// Zero deltas are never reported.
type progressMeter struct {
	callback  ProgressFunc
	delivered []span
}

// read records n bytes delivered from pos.
func (m *progressMeter) read(pos int64, n int) {
	if m.callback == nil || n <= 0 {
		return
	}
	end := pos + int64(n)
	if last := len(m.delivered) - 1; last >= 0 && m.delivered[last].end == pos {
		m.delivered[last].end = end
	} else {
		m.delivered = append(m.delivered, span{start: pos, end: end})
	}
	m.callback(int64(n))
}

// seek takes back the delivered bytes at or after pos.
// Spans stay sorted: reads only happen at or after the last rewind position.
func (m *progressMeter) seek(pos int64) {
	if m.callback == nil {
		return
	}
	var taken int64
	for len(m.delivered) > 0 {
		last := &m.delivered[len(m.delivered)-1]
		if last.end <= pos {
			break
		}
		if last.start >= pos {
			taken += last.end - last.start
			m.delivered = m.delivered[:len(m.delivered)-1]
			continue
		}
		taken += last.end - pos
		last.end = pos
		break
	}
	if taken > 0 {
		m.callback(-taken)
	}
}

// StreamReaderProgress wraps a stream and reports the bytes read through it.
// Data passes through unchanged.
type StreamReaderProgress struct {
	r     io.Reader
	pos   int64
	meter progressMeter
}

// NewStreamReaderProgress ...
func NewStreamReaderProgress(r io.Reader, callback ProgressFunc) *StreamReaderProgress {
	s := &StreamReaderProgress{r: r, meter: progressMeter{callback: callback}}
	if seeker, ok := r.(io.Seeker); ok {
		if pos, err := seeker.Seek(0, io.SeekCurrent); err == nil {
			s.pos = pos
		}
	}
	return s
}

// Read delegates to the wrapped stream and reports the number of bytes returned.
func (s *StreamReaderProgress) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if n > 0 {
		s.meter.read(s.pos, n)
		s.pos += int64(n)
	}
	return n, err
}

// Seek is supported when the wrapped stream is an io.Seeker.
// Moving back reports the delivered bytes past the new position as a negative delta.
func (s *StreamReaderProgress) Seek(offset int64, whence int) (int64, error) {
	seeker, ok := s.r.(io.Seeker)
	if !ok {
		return 0, ErrNotSeekable
	}

	pos, err := seeker.Seek(offset, whence)
	if err != nil {
		return 0, err
	}
	s.pos = pos
	s.meter.seek(pos)
	return pos, nil
}

// progressRelay fans in progress from concurrent workers. Updates are delivered to
// the callback by a single goroutine, in arrival order, so the callback never runs
// concurrently with itself.
type progressRelay struct {
	callback ProgressFunc
	total    atomic.Int64

	updates chan int64
	done    chan struct{}
	mu      sync.RWMutex
	closed  bool
}

func newProgressRelay(callback ProgressFunc) *progressRelay {
	r := &progressRelay{callback: callback}
	if callback == nil {
		return r
	}

	r.updates = make(chan int64, 64)
	r.done = make(chan struct{})
	go func() {
		defer close(r.done)
		for n := range r.updates {
			r.callback(n)
		}
	}()
	return r
}

// report is safe for concurrent use.
func (r *progressRelay) report(n int64) {
	if n == 0 {
		return
	}
	r.total.Add(n)
	if r.updates == nil {
		return
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	r.updates <- n
}

// Total returns the sum of all reported deltas.
func (r *progressRelay) Total() int64 {
	return r.total.Load()
}

// close waits until every accepted update reached the callback.
func (r *progressRelay) close() {
	if r.updates == nil {
		return
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.updates)
	r.mu.Unlock()

	<-r.done
}
