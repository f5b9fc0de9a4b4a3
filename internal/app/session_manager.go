package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/seance/internal/observe"
	"github.com/MrWong99/seance/internal/project"
	"github.com/MrWong99/seance/internal/seance"
	"github.com/MrWong99/seance/internal/transcript"
	"github.com/MrWong99/seance/pkg/audio/playback"
	"github.com/MrWong99/seance/pkg/provider/s2s"
)

// ErrNoSession is returned by operations that need a running séance when none
// has been started or the last one has ended.
var ErrNoSession = errors.New("app: no active session")

// SessionInfo holds metadata about the current or last séance.
type SessionInfo struct {
	// SessionID is the unique identifier of the session.
	SessionID string

	// StartedAt is when the session finished bootstrapping.
	StartedAt time.Time

	// Files is the number of project files the session was primed with.
	Files int
}

// SessionManagerConfig holds the dependencies of a [SessionManager].
type SessionManagerConfig struct {
	Provider s2s.Provider
	Session  seance.Config
	Project  project.Project

	// Sink receives scheduled spirit audio. Nil discards it.
	Sink playback.Sink

	// InputRate is the native microphone rate; DeviceRate the speaker rate.
	InputRate  int
	DeviceRate int

	// ConnectTimeout bounds Open. Zero means no extra bound.
	ConnectTimeout time.Duration

	Metrics *observe.Metrics

	// OnEntry receives every committed transcript entry along with the id of
	// the session that produced it.
	OnEntry func(sessionID string, e transcript.Entry)

	// OnLog receives the session's telemetry lines.
	OnLog func(line string)
}

// SessionManager owns at most one live [seance.Session] and the transcript
// reducer that belongs to it. All exported methods are safe for concurrent
// use.
type SessionManager struct {
	cfg SessionManagerConfig

	mu      sync.Mutex
	project project.Project
	reducer *transcript.Reducer
	info    SessionInfo

	current atomic.Pointer[seance.Session]
	ended   chan struct{}
}

// NewSessionManager creates an idle SessionManager.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	return &SessionManager{
		cfg:     cfg,
		project: cfg.Project,
		ended:   make(chan struct{}, 1),
	}
}

// Start opens a new session with the current project. It fails if one is
// already active.
func (sm *SessionManager) Start(ctx context.Context) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if cur := sm.current.Load(); cur != nil {
		return fmt.Errorf("app: a session is already active (id=%s)", cur.ID())
	}

	id := uuid.NewString()
	reducer := transcript.NewReducer(transcript.OnCommit(func(e transcript.Entry) {
		if sm.cfg.OnEntry != nil {
			sm.cfg.OnEntry(id, e)
		}
	}))

	var schedOpts []playback.Option
	if sm.cfg.Sink != nil {
		schedOpts = append(schedOpts, playback.WithSink(sm.cfg.Sink))
	}

	cb := seance.Callbacks{
		OnAudioSegment: func(playback.Scheduled) {
			reducer.Apply(transcript.Event{Speaker: transcript.Spirit, Kind: transcript.Audio})
		},
		OnTranscript: func(sp transcript.Speaker, text string) {
			reducer.Apply(transcript.Event{Speaker: sp, Kind: transcript.Text, Text: text})
		},
		OnLog:   sm.cfg.OnLog,
		OnClose: func() { sm.remoteClosed(id) },
	}

	if sm.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, sm.cfg.ConnectTimeout)
		defer cancel()
	}

	sess, err := seance.Open(ctx, sm.cfg.Provider, sm.project, sm.cfg.Session, cb,
		seance.WithID(id),
		seance.WithScheduler(playback.NewScheduler(schedOpts...)),
		seance.WithMetrics(sm.cfg.Metrics),
		seance.WithInputRate(sm.cfg.InputRate),
		seance.WithDeviceRate(sm.cfg.DeviceRate),
	)
	if err != nil {
		return fmt.Errorf("app: open session: %w", err)
	}

	sm.reducer = reducer
	sm.info = SessionInfo{SessionID: id, StartedAt: time.Now(), Files: len(sm.project.Files)}
	sm.current.Store(sess)
	slog.Info("session started", "session_id", id, "files", len(sm.project.Files))
	return nil
}

// Stop closes the active session, if any, and commits its open transcript
// entry.
func (sm *SessionManager) Stop() error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.stopLocked()
}

func (sm *SessionManager) stopLocked() error {
	sess := sm.current.Swap(nil)
	if sess == nil {
		return nil
	}
	err := sess.Close()
	sm.reducer.Flush()
	slog.Info("session stopped", "session_id", sess.ID())
	return err
}

// Restart closes the active session and opens a fresh one with the current
// project.
func (sm *SessionManager) Restart(ctx context.Context) error {
	if err := sm.Stop(); err != nil {
		slog.Warn("error closing previous session", "err", err)
	}
	return sm.Start(ctx)
}

// remoteClosed runs on the session's inbound goroutine after the engine
// ended the conversation.
func (sm *SessionManager) remoteClosed(id string) {
	sm.mu.Lock()
	if cur := sm.current.Load(); cur != nil && cur.ID() == id {
		_ = sm.stopLocked()
	}
	sm.mu.Unlock()

	select {
	case sm.ended <- struct{}{}:
	default:
	}
}

// Ended fires whenever a session is closed by the remote side.
func (sm *SessionManager) Ended() <-chan struct{} { return sm.ended }

// SetProject replaces the project used by the next Start.
func (sm *SessionManager) SetProject(p project.Project) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.project = p
}

// Project returns the project used by the next Start.
func (sm *SessionManager) Project() project.Project {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.project
}

// Info returns the metadata of the current or last session. ok is false
// before the first Start.
func (sm *SessionManager) Info() (info SessionInfo, ok bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.info, sm.info.SessionID != ""
}

// Session returns the active session, or nil.
func (sm *SessionManager) Session() *seance.Session { return sm.current.Load() }

// State reports the lifecycle state of the active session, or "closed".
func (sm *SessionManager) State() string {
	if s := sm.current.Load(); s != nil {
		return s.State().String()
	}
	return seance.StateClosed.String()
}

// Entries returns the transcript of the current or last session.
func (sm *SessionManager) Entries() []transcript.Entry {
	sm.mu.Lock()
	r := sm.reducer
	sm.mu.Unlock()
	if r == nil {
		return nil
	}
	return r.Entries()
}

// SendMicFrame forwards captured samples to the active session. Without one
// the frame is discarded.
func (sm *SessionManager) SendMicFrame(samples []float32) {
	if s := sm.current.Load(); s != nil {
		s.SendMicFrame(samples)
	}
}

// SetPendingFile attaches file context to the next microphone frame.
func (sm *SessionManager) SetPendingFile(name, content string) error {
	s := sm.current.Load()
	if s == nil {
		return ErrNoSession
	}
	s.SetPendingFileContext(name, content)
	return nil
}

// ClearPendingFile drops a file attached with [SessionManager.SetPendingFile]
// that no microphone frame has carried yet. It reports whether one was
// dropped.
func (sm *SessionManager) ClearPendingFile() (bool, error) {
	s := sm.current.Load()
	if s == nil {
		return false, ErrNoSession
	}
	return s.ClearPendingFileContext(), nil
}

// Submit sends a typed turn and records it as a USER transcript entry. It
// returns "" when there was nothing to send or the session closed before the
// turn was queued.
func (sm *SessionManager) Submit(staged []seance.StagedFile, question string) (string, error) {
	sm.mu.Lock()
	s, r := sm.current.Load(), sm.reducer
	sm.mu.Unlock()
	if s == nil {
		return "", ErrNoSession
	}

	display := s.SubmitTurn(staged, question)
	if display == "" {
		return "", nil
	}
	r.Submit(transcript.User, display)
	return display, nil
}
