package device

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/gopxl/beep"
	"github.com/gopxl/beep/wav"
)

// WAVSource replays a WAV file as if it were a microphone. Stereo files are
// down-mixed to mono.
type WAVSource struct {
	path      string
	rate      int
	frameSize int
	realtime  bool
}

// WAVOption configures a [WAVSource].
type WAVOption func(*WAVSource)

// WithRealtime controls whether buffers are paced at their playback duration.
// The default is true.
func WithRealtime(on bool) WAVOption {
	return func(s *WAVSource) { s.realtime = on }
}

// WithWAVFrameSize sets the samples per delivered buffer.
func WithWAVFrameSize(n int) WAVOption {
	return func(s *WAVSource) {
		if n > 0 {
			s.frameSize = n
		}
	}
}

// NewWAVSource opens path to read its format. The file is opened again on
// every Open.
func NewWAVSource(path string, opts ...WAVOption) (*WAVSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("device: open %q: %w", path, err)
	}
	defer f.Close()

	stream, format, err := wav.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("device: decode %q: %w", path, err)
	}
	_ = stream.Close()

	s := &WAVSource{
		path:      path,
		rate:      int(format.SampleRate),
		frameSize: DefaultFrameSize,
		realtime:  true,
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// SampleRate implements [Source].
func (s *WAVSource) SampleRate() int { return s.rate }

// Open implements [Source]. It opens and decodes the file header.
func (s *WAVSource) Open(context.Context) (Capture, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("device: open %q: %w", s.path, err)
	}
	// The decoder owns f from here on and closes it on error or Close.
	stream, format, err := wav.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("device: decode %q: %w", s.path, err)
	}
	return &wavCapture{
		path:      s.path,
		stream:    stream,
		format:    format,
		frameSize: s.frameSize,
		realtime:  s.realtime,
		done:      make(chan struct{}),
	}, nil
}

// wavCapture replays one opened WAV file.
type wavCapture struct {
	path      string
	stream    beep.StreamSeekCloser
	format    beep.Format
	frameSize int
	realtime  bool

	mu        sync.Mutex // guards stream against Close during Run
	done      chan struct{}
	closeOnce sync.Once
}

// Run implements [Capture]. It returns nil at end of file.
func (c *wavCapture) Run(ctx context.Context, deliver func([]float32)) error {
	var ticker *time.Ticker
	if c.realtime {
		ticker = time.NewTicker(c.format.SampleRate.D(c.frameSize))
		defer ticker.Stop()
	}

	buf := make([][2]float64, c.frameSize)
	out := make([]float32, c.frameSize)
	total := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		c.mu.Lock()
		select {
		case <-c.done:
			c.mu.Unlock()
			return nil
		default:
		}
		n, ok := c.stream.Stream(buf)
		c.mu.Unlock()
		if n > 0 {
			downmix(out, buf[:n], c.format)
			deliver(out[:n])
			total += n
		}
		if !ok {
			break
		}
		if ticker != nil {
			select {
			case <-ctx.Done():
				return nil
			case <-c.done:
				return nil
			case <-ticker.C:
			}
		}
	}
	if err := c.stream.Err(); err != nil {
		return fmt.Errorf("device: decode %q: %w", c.path, err)
	}
	slog.Debug("wav source finished", "path", c.path, "samples", total)
	return nil
}

// Close implements [Capture].
func (c *wavCapture) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		close(c.done)
		err = c.stream.Close()
	})
	return err
}

func downmix(dst []float32, src [][2]float64, format beep.Format) {
	for i, s := range src {
		if format.NumChannels == 1 {
			dst[i] = float32(s[0])
		} else {
			dst[i] = float32((s[0] + s[1]) / 2)
		}
	}
}
