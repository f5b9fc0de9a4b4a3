package device

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

// DefaultFrameSize is the number of samples per captured buffer.
const DefaultFrameSize = 4096

// FFmpegSource captures a live input device through an ffmpeg subprocess
// emitting raw little-endian float32 mono PCM on stdout.
type FFmpegSource struct {
	path      string
	driver    string
	device    string
	rate      int
	frameSize int
}

// FFmpegOption configures an [FFmpegSource].
type FFmpegOption func(*FFmpegSource)

// WithFFmpegPath overrides the ffmpeg binary. Empty values are ignored.
func WithFFmpegPath(path string) FFmpegOption {
	return func(s *FFmpegSource) {
		if path != "" {
			s.path = path
		}
	}
}

// WithFrameSize sets the samples per delivered buffer. Non-positive values
// are ignored.
func WithFrameSize(n int) FFmpegOption {
	return func(s *FFmpegSource) {
		if n > 0 {
			s.frameSize = n
		}
	}
}

// NewFFmpegSource returns a capture source reading device through the given
// ffmpeg input format (e.g. "pulse", "alsa", "avfoundation").
func NewFFmpegSource(driver, device string, sampleRate int, opts ...FFmpegOption) (*FFmpegSource, error) {
	if driver == "" {
		return nil, errors.New("device: ffmpeg input driver is required")
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("device: invalid sample rate %d", sampleRate)
	}
	s := &FFmpegSource{
		path:      "ffmpeg",
		driver:    driver,
		device:    device,
		rate:      sampleRate,
		frameSize: DefaultFrameSize,
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// SampleRate implements [Source].
func (s *FFmpegSource) SampleRate() int { return s.rate }

// Args returns the ffmpeg argument list.
func (s *FFmpegSource) Args() []string {
	dev := s.device
	if dev == "" {
		dev = "default"
	}
	return []string{
		"-hide_banner",
		"-loglevel", "error",
		"-f", s.driver,
		"-i", dev,
		"-ac", "1",
		"-ar", strconv.Itoa(s.rate),
		"-f", "f32le",
		"-",
	}
}

// Open implements [Source]. It starts ffmpeg and waits until the first
// samples arrive. A device that is busy, missing or denied makes ffmpeg exit,
// and its last diagnostic line is included in the returned error.
func (s *FFmpegSource) Open(ctx context.Context) (Capture, error) {
	cmd := exec.Command(s.path, s.Args()...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("device: ffmpeg stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("device: ffmpeg stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("device: start ffmpeg: %w", err)
	}
	c := &ffmpegCapture{
		cmd:       cmd,
		out:       bufio.NewReaderSize(stdout, s.frameSize*4),
		stderr:    drainStderr("ffmpeg", stderr),
		frameSize: s.frameSize,
	}

	ready := make(chan error, 1)
	go func() {
		_, err := c.out.Peek(4)
		ready <- err
	}()

	select {
	case err := <-ready:
		if err != nil {
			if waitErr := c.wait(); waitErr != nil {
				err = waitErr
			}
			if line := c.stderr.Last(); line != "" {
				return nil, fmt.Errorf("device: open %s %q: %w: %s", s.driver, s.device, err, line)
			}
			return nil, fmt.Errorf("device: open %s %q: %w", s.driver, s.device, err)
		}
	case <-ctx.Done():
		c.kill()
		<-ready
		_ = c.wait()
		return nil, fmt.Errorf("device: open %s %q: %w", s.driver, s.device, ctx.Err())
	}

	slog.Info("microphone capture started", "driver", s.driver, "device", s.device, "sample_rate", s.rate)
	return c, nil
}

// ffmpegCapture is a running ffmpeg capture process.
type ffmpegCapture struct {
	cmd       *exec.Cmd
	out       *bufio.Reader
	stderr    *stderrLog
	frameSize int

	started atomic.Bool
	closed  atomic.Bool

	waitOnce sync.Once
	waitErr  error
}

// Run implements [Capture].
func (c *ffmpegCapture) Run(ctx context.Context, deliver func([]float32)) error {
	if !c.started.CompareAndSwap(false, true) {
		return nil
	}
	stop := context.AfterFunc(ctx, c.kill)
	defer stop()

	readErr := ReadFrames(c.out, c.frameSize, deliver)
	waitErr := c.wait()

	if ctx.Err() != nil || c.closed.Load() {
		return nil
	}
	if readErr != nil {
		return fmt.Errorf("device: read capture: %w", readErr)
	}
	if waitErr != nil {
		if line := c.stderr.Last(); line != "" {
			return fmt.Errorf("device: ffmpeg exited: %w: %s", waitErr, line)
		}
		return fmt.Errorf("device: ffmpeg exited: %w", waitErr)
	}
	return nil
}

// Close implements [Capture]. A running Run reaps the process itself.
func (c *ffmpegCapture) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.kill()
	if c.started.CompareAndSwap(false, true) {
		_ = c.wait()
	}
	return nil
}

func (c *ffmpegCapture) kill() {
	if err := c.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		slog.Debug("kill ffmpeg", "err", err)
	}
}

// wait reaps the process once stderr has been drained.
func (c *ffmpegCapture) wait() error {
	c.waitOnce.Do(func() {
		c.stderr.Wait()
		c.waitErr = c.cmd.Wait()
	})
	return c.waitErr
}

// ReadFrames decodes little-endian float32 samples from r in buffers of
// frameSize samples and hands each to deliver. A short final buffer is
// delivered as-is. It returns nil at EOF.
func ReadFrames(r io.Reader, frameSize int, deliver func([]float32)) error {
	if frameSize <= 0 {
		frameSize = DefaultFrameSize
	}
	raw := make([]byte, frameSize*4)
	samples := make([]float32, frameSize)
	for {
		n, err := io.ReadFull(r, raw)
		if whole := n / 4; whole > 0 {
			for i := range whole {
				samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
			}
			deliver(samples[:whole])
		}
		switch {
		case err == nil:
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			return nil
		default:
			return err
		}
	}
}

// stderrLog forwards subprocess diagnostics to the debug log and keeps the
// last line for error messages.
type stderrLog struct {
	name string
	done chan struct{}
	last string
}

func drainStderr(name string, r io.Reader) *stderrLog {
	l := &stderrLog{name: name, done: make(chan struct{})}
	go l.run(r)
	return l
}

func (l *stderrLog) run(r io.Reader) {
	defer close(l.done)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			slog.Debug("device subprocess output", "process", l.name, "line", line)
			l.last = line
		}
	}
}

// Wait blocks until the pipe reached EOF. exec.Cmd.Wait must not run before
// that, since it closes the pipe.
func (l *stderrLog) Wait() { <-l.done }

// Last waits for EOF and returns the final diagnostic line.
func (l *stderrLog) Last() string {
	<-l.done
	return l.last
}
