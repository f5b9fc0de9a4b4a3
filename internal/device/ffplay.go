package device

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"time"

	"github.com/MrWong99/seance/pkg/audio/playback"
)

// ffplayExitGrace bounds how long Close waits for ffplay to drain stdin.
const ffplayExitGrace = 3 * time.Second

// FFplayArgs returns the ffplay argument list for headerless s16le mono PCM
// at sampleRate read from stdin.
func FFplayArgs(sampleRate int) []string {
	return []string{
		"-hide_banner",
		"-loglevel", "error",
		"-nostats",
		"-nodisp",
		"-autoexit",
		"-f", "s16le",
		"-ch_layout", "mono",
		"-ar", strconv.Itoa(sampleRate),
		"-i", "-",
	}
}

// NewFFplaySink starts ffplay and returns a playback sink that streams
// scheduled segments to its stdin. Closing the sink waits for ffplay to play
// out what it already received.
func NewFFplaySink(ffplayPath string, sampleRate int) (*playback.WriterSink, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("device: invalid sample rate %d", sampleRate)
	}
	if ffplayPath == "" {
		ffplayPath = "ffplay"
	}
	cmd := exec.Command(ffplayPath, FFplayArgs(sampleRate)...)
	if runtime.GOOS == "darwin" && os.Getenv("SDL_AUDIODRIVER") == "" {
		// SDL may pick a silent dummy backend on macOS.
		cmd.Env = append(os.Environ(), "SDL_AUDIODRIVER=coreaudio")
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("device: ffplay stdin: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("device: ffplay stderr: %w", err)
	}
	cmd.Stdout = io.Discard
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("device: start ffplay: %w", err)
	}
	errLog := drainStderr("ffplay", stderr)
	slog.Info("speaker playback started", "sample_rate", sampleRate)

	return playback.NewWriterSink(&process{cmd: cmd, stdin: stdin, stderr: errLog}, sampleRate), nil
}

// process adapts a running player subprocess to io.WriteCloser.
type process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr *stderrLog
}

func (p *process) Write(b []byte) (int, error) { return p.stdin.Write(b) }

func (p *process) Close() error {
	closeErr := p.stdin.Close()

	done := make(chan error, 1)
	go func() {
		p.stderr.Wait()
		done <- p.cmd.Wait()
	}()

	select {
	case err := <-done:
		var exitErr *exec.ExitError
		if err != nil && !errors.As(err, &exitErr) {
			return err
		}
	case <-time.After(ffplayExitGrace):
		_ = p.cmd.Process.Kill()
		<-done
	}
	return closeErr
}
