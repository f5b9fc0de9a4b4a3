package playback

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/seance/pkg/audio"
)

// ErrSinkClosed is returned by [Sink.Play] after Close.
var ErrSinkClosed = errors.New("playback: sink closed")

// Sink renders scheduled segments.
type Sink interface {
	// Play accepts one scheduled segment. Segments arrive in timeline order.
	Play(Scheduled) error

	// Close flushes or discards pending audio and releases the sink.
	Close() error
}

// Compile-time interface assertions.
var (
	_ Sink = (*WriterSink)(nil)
	_ Sink = (*WAVFileSink)(nil)
)

// gapSamples converts the distance between the previous segment's end and
// the next segment's start into a count of silent samples at rate.
func gapSamples(prevEnd, start time.Time, rate int) int {
	if prevEnd.IsZero() || !start.After(prevEnd) {
		return 0
	}
	return int(start.Sub(prevEnd) * time.Duration(rate) / time.Second)
}

// ── WriterSink ──────────────────────────────────────────────────────────────

// WriterOption configures a [WriterSink].
type WriterOption func(*WriterSink)

// WithDiscardOnClose makes Close drop queued segments instead of writing them.
// Live devices use this so shutdown does not wait for buffered speech.
func WithDiscardOnClose() WriterOption {
	return func(w *WriterSink) {
		w.discard = true
	}
}

// WriterSink streams the timeline to an [io.Writer] as mono s16le PCM at a
// fixed rate. Writes happen on a background dispatch goroutine so a slow
// device never blocks the caller of Play.
type WriterSink struct {
	w       io.Writer
	rate    int
	discard bool

	mu      sync.Mutex
	queue   []Scheduled
	cursor  time.Time // end of the last rendered segment
	err     error     // first write error; sticky
	closed  bool
	notify  chan struct{}
	done    chan struct{}
	stopped chan struct{}
}

// NewWriterSink starts a WriterSink rendering at rate Hz into w. Segments at
// other rates are resampled before writing.
func NewWriterSink(w io.Writer, rate int, opts ...WriterOption) *WriterSink {
	s := &WriterSink{
		w:       w,
		rate:    rate,
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	go s.dispatch()
	return s
}

// Play queues sc for rendering.
func (s *WriterSink) Play(sc Scheduled) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSinkClosed
	}
	if s.err != nil {
		return s.err
	}
	s.queue = append(s.queue, sc)

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return nil
}

// Close stops the dispatch goroutine after the queue is flushed (or dropped,
// with [WithDiscardOnClose]). If the writer is an [io.Closer] it is closed
// too. Close is idempotent.
func (s *WriterSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.discard {
		s.queue = nil
	}
	s.mu.Unlock()

	close(s.done)
	<-s.stopped

	if c, ok := s.w.(io.Closer); ok {
		if err := c.Close(); err != nil {
			return fmt.Errorf("playback: close writer: %w", err)
		}
	}
	return nil
}

// Err returns the first write error, if any.
func (s *WriterSink) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *WriterSink) dispatch() {
	defer close(s.stopped)
	for {
		for {
			sc, ok := s.pop()
			if !ok {
				break
			}
			if err := s.render(sc); err != nil {
				s.mu.Lock()
				s.err = err
				s.queue = nil
				s.mu.Unlock()
				slog.Error("playback: write failed, dropping output", "err", err)
				return
			}
		}

		select {
		case <-s.done:
			// Flush whatever arrived between the last pop and Close.
			for {
				sc, ok := s.pop()
				if !ok {
					return
				}
				if err := s.render(sc); err != nil {
					return
				}
			}
		case <-s.notify:
		}
	}
}

func (s *WriterSink) pop() (Scheduled, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return Scheduled{}, false
	}
	sc := s.queue[0]
	s.queue = s.queue[1:]
	return sc, true
}

func (s *WriterSink) render(sc Scheduled) error {
	samples := sc.Segment.Resample(s.rate).Samples
	if n := gapSamples(s.cursor, sc.Start, s.rate); n > 0 {
		if _, err := s.w.Write(audio.EncodeFloat32(audio.Silence(n))); err != nil {
			return fmt.Errorf("playback: write silence: %w", err)
		}
	}
	buf := make([]float32, len(samples))
	copy(buf, samples)
	if _, err := s.w.Write(audio.EncodeFloat32(audio.Clamp(buf))); err != nil {
		return fmt.Errorf("playback: write segment: %w", err)
	}
	s.cursor = sc.End
	return nil
}
