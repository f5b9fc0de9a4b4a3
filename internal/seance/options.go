package seance

import (
	"github.com/MrWong99/seance/internal/observe"
	"github.com/MrWong99/seance/pkg/audio/playback"
)

const (
	defaultInputRate     = 48000
	defaultDeviceRate    = 24000
	defaultFrameQueue    = 32
	defaultOutboundQueue = 64
)

// Option configures a [Session].
type Option func(*Session)

// WithInputRate sets the native rate of samples passed to SendMicFrame.
// Default: 48000 Hz.
func WithInputRate(hz int) Option {
	return func(s *Session) {
		if hz > 0 {
			s.inputRate = hz
		}
	}
}

// WithDeviceRate sets the rate segments are resampled to before scheduling.
// Default: 24000 Hz.
func WithDeviceRate(hz int) Option {
	return func(s *Session) {
		if hz > 0 {
			s.deviceRate = hz
		}
	}
}

// WithScheduler supplies the playback scheduler, typically one wired to an
// output sink. By default a sink-less scheduler on the wall clock is used.
func WithScheduler(sched *playback.Scheduler) Option {
	return func(s *Session) {
		if sched != nil {
			s.sched = sched
		}
	}
}

// WithMetrics sets the metrics recorder. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Session) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithID sets the session id used in logs. Default: a random UUID.
func WithID(id string) Option {
	return func(s *Session) {
		if id != "" {
			s.id = id
		}
	}
}

// WithFrameQueue sets how many captured frames may wait for encoding before
// new frames are dropped. Default: 32.
func WithFrameQueue(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.frameQueue = n
		}
	}
}

// WithOutboundQueue sets the capacity of the ordered send queue.
// Default: 64.
func WithOutboundQueue(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.outboundQueue = n
		}
	}
}
