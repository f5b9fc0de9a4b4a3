// Package playback places decoded output audio on a gapless timeline and
// renders that timeline to an output device or file.
//
// The [Scheduler] owns a single cursor, the end time of the last scheduled
// segment. Each new segment starts at max(now, cursor), so consecutive
// segments that arrive faster than real time play back-to-back while late
// segments start immediately. A [Sink] turns the resulting [Scheduled] values
// into a continuous PCM stream, filling any gaps with silence.
package playback

import (
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/seance/pkg/audio"
)

// Scheduled is a segment together with its assigned place on the timeline.
type Scheduled struct {
	Segment audio.Segment
	Start   time.Time
	End     time.Time
}

// Duration returns End - Start.
func (s Scheduled) Duration() time.Duration { return s.End.Sub(s.Start) }

// Option configures a [Scheduler] during construction.
type Option func(*Scheduler)

// WithClock replaces the wall clock. Tests use a [ManualClock].
func WithClock(c Clock) Option {
	return func(s *Scheduler) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithSink forwards every scheduled segment to sink.
func WithSink(sink Sink) Option {
	return func(s *Scheduler) {
		s.sink = sink
	}
}

// Scheduler assigns start times to output segments.
//
// All exported methods are safe for concurrent use, although the session
// drives a scheduler from a single goroutine.
type Scheduler struct {
	clock Clock
	sink  Sink

	mu   sync.Mutex
	next time.Time // end of the last scheduled segment; zero before the first
}

// NewScheduler creates a Scheduler. Without options it uses the wall clock
// and no sink.
func NewScheduler(opts ...Option) *Scheduler {
	s := &Scheduler{clock: WallClock{}}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Enqueue places seg at max(now, next), advances the cursor by the segment's
// duration, and hands the result to the sink (if any). A sink failure is
// logged; the timeline is advanced regardless.
func (s *Scheduler) Enqueue(seg audio.Segment) Scheduled {
	s.mu.Lock()
	now := s.clock.Now()
	start := now
	if s.next.After(now) {
		start = s.next
	}
	end := start.Add(seg.Duration())
	s.next = end
	s.mu.Unlock()

	sc := Scheduled{Segment: seg, Start: start, End: end}
	if s.sink != nil {
		if err := s.sink.Play(sc); err != nil {
			slog.Warn("playback: sink rejected segment", "err", err)
		}
	}
	return sc
}

// Next returns the end of the last scheduled segment.
func (s *Scheduler) Next() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

// Lead returns how far the timeline extends past the current time. It is
// zero when playback has caught up.
func (s *Scheduler) Lead() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d := s.next.Sub(s.clock.Now()); d > 0 {
		return d
	}
	return 0
}

// Reset forgets the cursor so the next segment starts at the current time.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next = time.Time{}
}
