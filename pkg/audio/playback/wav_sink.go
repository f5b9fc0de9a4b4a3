package playback

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/gopxl/beep"
	"github.com/gopxl/beep/wav"

	"github.com/MrWong99/seance/pkg/audio"
)

// WAVFileSink records the timeline into a 16-bit mono WAV file. Audio is
// buffered in memory and encoded when the sink is closed.
type WAVFileSink struct {
	path   string
	format beep.Format

	mu     sync.Mutex
	buf    *beep.Buffer
	cursor time.Time
	closed bool
}

// NewWAVFileSink creates a sink that writes to path on Close. The file is
// created eagerly so permission problems surface before the session starts.
func NewWAVFileSink(path string, rate int) (*WAVFileSink, error) {
	if rate <= 0 {
		return nil, fmt.Errorf("playback: invalid sample rate %d", rate)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("playback: create %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("playback: create %s: %w", path, err)
	}

	format := beep.Format{
		SampleRate:  beep.SampleRate(rate),
		NumChannels: 1,
		Precision:   audio.TransportBitDepth / 8,
	}
	return &WAVFileSink{
		path:   path,
		format: format,
		buf:    beep.NewBuffer(format),
	}, nil
}

// Play appends sc (preceded by any gap as silence) to the recording.
func (s *WAVFileSink) Play(sc Scheduled) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSinkClosed
	}
	rate := int(s.format.SampleRate)
	samples := sc.Segment.Resample(rate).Samples
	if n := gapSamples(s.cursor, sc.Start, rate); n > 0 {
		s.buf.Append(audio.NewMonoStreamer(audio.Silence(n)))
	}
	s.buf.Append(audio.NewMonoStreamer(samples))
	s.cursor = sc.End
	return nil
}

// Len returns the number of recorded samples.
func (s *WAVFileSink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Len()
}

// Close encodes the recording into the target file. Close is idempotent.
func (s *WAVFileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	f, err := os.Create(s.path)
	if err != nil {
		return fmt.Errorf("playback: open %s: %w", s.path, err)
	}
	if err := wav.Encode(f, s.buf.Streamer(0, s.buf.Len()), s.format); err != nil {
		_ = f.Close()
		return fmt.Errorf("playback: encode %s: %w", s.path, err)
	}
	return f.Close()
}
