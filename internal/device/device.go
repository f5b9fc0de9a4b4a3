// Package device connects the voice session to local audio hardware.
//
// Capture backends implement [Source] and deliver mono float32 buffers at
// their native rate; the session resamples them for transport. Playback
// backends are [playback.Sink] implementations built on the scheduler's
// writer sink.
package device

import (
	"context"

	"github.com/MrWong99/seance/pkg/audio/playback"
)

// Source produces captured microphone audio.
type Source interface {
	// SampleRate returns the native rate of the delivered samples in Hz.
	SampleRate() int

	// Open acquires the device. It returns once the first buffer is ready or
	// with the error that keeps the device from producing one. ctx bounds the
	// acquisition only; the returned Capture lives until it is closed.
	Open(ctx context.Context) (Capture, error)
}

// Capture is an acquired device.
type Capture interface {
	// Run captures until ctx is cancelled, the capture is closed or the input
	// is exhausted, calling deliver once per buffer. deliver must not retain
	// the slice. Run returns nil when stopped by ctx or Close.
	Run(ctx context.Context, deliver func(samples []float32)) error

	// Close releases the device. It is safe to call more than once and
	// concurrently with Run.
	Close() error
}

// Compile-time interface assertions.
var (
	_ Source        = (*FFmpegSource)(nil)
	_ Source        = (*WAVSource)(nil)
	_ Capture       = (*ffmpegCapture)(nil)
	_ Capture       = (*wavCapture)(nil)
	_ playback.Sink = (*playback.WriterSink)(nil)
)
