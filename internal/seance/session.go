package seance

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/seance/internal/observe"
	"github.com/MrWong99/seance/internal/project"
	"github.com/MrWong99/seance/pkg/audio"
	"github.com/MrWong99/seance/pkg/audio/playback"
	"github.com/MrWong99/seance/pkg/provider/s2s"
)

// Session is one live conversation. Create it with [Open]; all methods are
// safe for concurrent use.
type Session struct {
	id      string
	cfg     Config
	project project.Project
	cb      Callbacks
	prompts prompter

	inputRate     int
	deviceRate    int
	frameQueue    int
	outboundQueue int
	sched         *playback.Scheduler
	metrics       *observe.Metrics
	log           *slog.Logger

	handle s2s.SessionHandle
	state  atomic.Int32

	frames   chan []float32
	outbound chan outboundItem
	pending  pendingSlot

	// done is closed when the session starts closing.
	done        chan struct{}
	workers     sync.WaitGroup
	inboundDone chan struct{}
	// dispatching is set while the inbound goroutine runs callbacks.
	dispatching atomic.Bool

	stopOnce  sync.Once
	closeErr  error
	micWarned atomic.Bool
}

// Open connects to provider, sends the bootstrap turns and returns an open
// session. The connection is not retried; a failed connect or bootstrap is
// returned and the session never becomes usable.
func Open(ctx context.Context, provider s2s.Provider, proj project.Project, cfg Config, cb Callbacks, opts ...Option) (*Session, error) {
	s := &Session{
		id:            uuid.NewString(),
		cfg:           cfg,
		project:       proj,
		cb:            cb,
		prompts:       newPrompter(cfg),
		inputRate:     defaultInputRate,
		deviceRate:    defaultDeviceRate,
		frameQueue:    defaultFrameQueue,
		outboundQueue: defaultOutboundQueue,
		done:          make(chan struct{}),
		inboundDone:   make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.sched == nil {
		s.sched = playback.NewScheduler()
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	s.frames = make(chan []float32, s.frameQueue)
	s.outbound = make(chan outboundItem, s.outboundQueue)

	ctx, span := observe.StartSpan(ctx, "seance.open",
		trace.WithAttributes(
			attribute.String("session.id", s.id),
			attribute.Int("project.files", len(proj.Files)),
			attribute.String("session.language", string(cfg.language())),
		),
	)
	defer span.End()
	s.log = observe.Logger(ctx, "session_id", s.id)

	s.setState(StateConnecting)
	s.logf(slog.LevelInfo, "connecting", "voice", cfg.Voice(), "language", string(cfg.language()), "files", len(proj.Files))

	start := time.Now()
	handle, err := provider.Connect(ctx, s2s.SessionConfig{
		Voice:           cfg.Voice(),
		Instructions:    s.prompts.System(proj.Names()),
		LanguageCode:    cfg.language().code(),
		InputSampleRate: audio.TransportSampleRate,
	})
	s.metrics.ConnectDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		s.setState(StateClosed)
		span.RecordError(err)
		span.SetStatus(codes.Error, "connect failed")
		s.logf(slog.LevelError, "connect failed", "err", err)
		return nil, fmt.Errorf("seance: connect: %w", err)
	}
	s.handle = handle
	s.logf(slog.LevelInfo, "connected", "connect_ms", time.Since(start).Milliseconds())

	if err := s.bootstrap(ctx); err != nil {
		_ = handle.Close()
		s.setState(StateClosed)
		span.RecordError(err)
		span.SetStatus(codes.Error, "bootstrap failed")
		return nil, fmt.Errorf("seance: bootstrap: %w", err)
	}

	s.setState(StateOpen)
	s.metrics.ActiveSessions.Add(ctx, 1)

	s.workers.Add(2)
	go s.encodeLoop()
	go s.writeLoop()
	go s.inboundLoop()

	s.logf(slog.LevelInfo, "session open")
	return s, nil
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Scheduler returns the playback scheduler fed by this session.
func (s *Session) Scheduler() *playback.Scheduler { return s.sched }

func (s *Session) setState(st State) { s.state.Store(int32(st)) }

func (s *Session) open() bool { return s.State() == StateOpen }

// SendMicFrame hands captured samples at the input rate to the encoder. It
// never blocks: when the encoder falls behind the frame is dropped. The
// caller may reuse samples after SendMicFrame returns.
func (s *Session) SendMicFrame(samples []float32) {
	if len(samples) == 0 {
		return
	}
	if !s.open() {
		if s.micWarned.CompareAndSwap(false, true) {
			s.logf(slog.LevelWarn, "microphone frame ignored: session not open", "state", s.State().String())
		}
		s.metrics.RecordFrameDropped(context.Background(), "not_open")
		return
	}
	select {
	case s.frames <- slices.Clone(samples):
	default:
		s.metrics.RecordFrameDropped(context.Background(), "queue_full")
		s.log.Debug("microphone frame dropped: encoder behind", "samples", len(samples))
	}
}

// SendContext injects a text turn. When turnComplete is false the engine
// waits for more input before replying. The turn joins the ordered send
// queue and is written asynchronously; the outcome is logged. Once the
// session has left the open state the turn is dropped with a warning.
func (s *Session) SendContext(text string, turnComplete bool) {
	s.enqueueContext("text", text, turnComplete)
}

// SendFileContext announces a file with its full content without completing
// the user turn. Like [Session.SendContext] it is a logged no-op once the
// session is no longer open.
func (s *Session) SendFileContext(fileName, content string) {
	s.enqueueContext("file", s.prompts.File(fileName, content), false)
}

// SetPendingFileContext arranges for a file excerpt to be sent right before
// the next microphone frame. An unconsumed earlier value is replaced.
func (s *Session) SetPendingFileContext(fileName, content string) {
	if s.pending.Set(PendingFile{FileName: fileName, Content: content}) {
		s.log.Debug("pending file context replaced before it was sent", "file", fileName)
	}
	s.logf(slog.LevelInfo, "file context pending", "file", fileName, "chars", len([]rune(content)))
}

// ClearPendingFileContext discards file context that has not ridden along
// with a microphone frame yet. It reports whether there was one.
func (s *Session) ClearPendingFileContext() bool {
	f := s.pending.Take()
	if f == nil {
		return false
	}
	s.logf(slog.LevelInfo, "pending file context cleared", "file", f.FileName)
	return true
}

// Close ends the session and waits for its goroutines. It is idempotent and
// safe to call after the remote side has already closed. Called from
// OnAudioSegment or OnTranscript it does not wait for the inbound goroutine,
// which finishes once the callback returns.
func (s *Session) Close() error {
	if s.stop() {
		s.logf(slog.LevelInfo, "session closed locally")
	}
	s.workers.Wait()
	if !s.dispatching.Load() {
		<-s.inboundDone
	}
	s.setState(StateClosed)
	return s.closeErr
}

// stop moves the session to closing and releases the transport exactly once.
// It reports whether this call did so.
func (s *Session) stop() bool {
	first := false
	s.stopOnce.Do(func() {
		first = true
		s.setState(StateClosing)
		close(s.done)
		if err := s.handle.Close(); err != nil {
			s.closeErr = fmt.Errorf("seance: close transport: %w", err)
		}
		s.metrics.ActiveSessions.Add(context.Background(), -1)
	})
	return first
}

// logf logs through slog and mirrors the line to OnLog.
func (s *Session) logf(level slog.Level, msg string, args ...any) {
	s.log.Log(context.Background(), level, msg, args...)
	if s.cb.OnLog == nil {
		return
	}
	var b strings.Builder
	b.WriteString(msg)
	for i := 0; i+1 < len(args); i += 2 {
		fmt.Fprintf(&b, " %v=%v", args[i], args[i+1])
	}
	s.cb.OnLog(b.String())
}
