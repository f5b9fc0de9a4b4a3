// Package app wires the séance subsystems into a running application.
//
// New loads the project and connects the transcript archive. Run opens the
// session and drives microphone capture, the operator console and the ops
// HTTP server until the session ends, the operator quits, or ctx is
// cancelled. Shutdown tears everything down in reverse construction order.
//
// For testing, inject doubles via functional options (WithSessionStore,
// WithProject, WithConsole, …). When an option is not provided, New builds
// the real implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/seance/internal/config"
	"github.com/MrWong99/seance/internal/device"
	"github.com/MrWong99/seance/internal/health"
	"github.com/MrWong99/seance/internal/observe"
	"github.com/MrWong99/seance/internal/project"
	"github.com/MrWong99/seance/internal/seance"
	"github.com/MrWong99/seance/internal/transcript"
	"github.com/MrWong99/seance/pkg/audio/playback"
	"github.com/MrWong99/seance/pkg/memory"
	"github.com/MrWong99/seance/pkg/memory/postgres"
	"github.com/MrWong99/seance/pkg/provider/s2s"
)

const (
	opsShutdownTimeout = 5 * time.Second

	// captureOpenTimeout bounds the wait for the microphone's first buffer.
	captureOpenTimeout = 5 * time.Second
)

// Providers holds the backends built by main.go via the config registry.
type Providers struct {
	// S2S is the conversational engine. Required.
	S2S s2s.Provider

	// Capture is the microphone. Nil runs a console-only séance.
	Capture device.Source

	// Playback is the speaker. Nil discards the spirit's audio.
	Playback playback.Sink
}

// pinger is implemented by archives that can report their reachability.
type pinger interface {
	Ping(ctx context.Context) error
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	// Injected or built in New.
	archive    memory.SessionStore
	project    *project.Project
	level      *slog.LevelVar
	metrics    *observe.Metrics
	consoleIn  io.Reader
	consoleOut io.Writer

	archiver *archiver
	manager  *SessionManager
	console  *Console
	ops      *http.Server

	// closers run in reverse order during Shutdown.
	closers  []func() error
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithSessionStore injects a transcript archive instead of connecting to
// archive.postgres_dsn.
func WithSessionStore(s memory.SessionStore) Option {
	return func(a *App) { a.archive = s }
}

// WithProject injects the project instead of loading project.dir.
func WithProject(p project.Project) Option {
	return func(a *App) { a.project = &p }
}

// WithConsole enables the operator console on in/out.
func WithConsole(in io.Reader, out io.Writer) Option {
	return func(a *App) {
		a.consoleIn = in
		a.consoleOut = out
	}
}

// WithLevelVar lets config reloads adjust the level of the process logger.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithMetrics sets the metrics recorder. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App. It performs all initialisation synchronously: archive
// connection, project loading, and construction of the session manager,
// console and ops server. The session itself is opened by Run.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.S2S == nil {
		return nil, errors.New("app: an s2s provider is required")
	}
	a := &App{cfg: cfg, providers: providers}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if providers.Playback != nil {
		a.closers = append(a.closers, providers.Playback.Close)
	}

	// ── 1. Transcript archive ────────────────────────────────────────────
	if err := a.initArchive(ctx); err != nil {
		return nil, fmt.Errorf("app: init archive: %w", err)
	}

	// ── 2. Project ───────────────────────────────────────────────────────
	proj, err := a.initProject()
	if err != nil {
		_ = a.runClosers(context.Background())
		return nil, fmt.Errorf("app: load project: %w", err)
	}

	// ── 3. Session manager + console ─────────────────────────────────────
	a.manager = NewSessionManager(SessionManagerConfig{
		Provider:       providers.S2S,
		Session:        SessionConfig(cfg),
		Project:        proj,
		Sink:           providers.Playback,
		InputRate:      a.inputRate(),
		DeviceRate:     cfg.Audio.Output.SampleRate,
		ConnectTimeout: cfg.Session.ConnectTimeout,
		Metrics:        a.metrics,
		OnEntry:        a.onEntry,
		OnLog:          a.onLog,
	})
	if a.consoleIn != nil {
		a.console = NewConsole(a.consoleIn, a.consoleOut, a.manager)
	}

	// ── 4. Ops server ────────────────────────────────────────────────────
	if cfg.Server.ListenAddr != "" {
		a.ops = &http.Server{
			Addr:              cfg.Server.ListenAddr,
			Handler:           a.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	return a, nil
}

// initArchive connects the PostgreSQL archive unless one was injected.
func (a *App) initArchive(ctx context.Context) error {
	if a.archive == nil {
		dsn := a.cfg.Archive.PostgresDSN
		if dsn == "" {
			slog.Debug("transcript archive disabled")
			return nil
		}
		store, err := postgres.NewStore(ctx, dsn)
		if err != nil {
			return err
		}
		a.archive = store
		a.closers = append(a.closers, func() error {
			store.Close()
			return nil
		})
		slog.Info("transcript archive connected")
	}
	a.archiver = newArchiver(a.archive, a.metrics)
	a.closers = append(a.closers, a.archiver.Close)
	return nil
}

// initProject returns the injected project or loads project.dir. A
// directory without usable files yields an empty project.
func (a *App) initProject() (project.Project, error) {
	if a.project != nil {
		return *a.project, nil
	}
	return loadProject(a.cfg.Project)
}

func loadProject(pc config.ProjectConfig) (project.Project, error) {
	if pc.Dir == "" {
		return project.Project{}, nil
	}
	p, err := project.Load(pc.Dir, project.LoadOptions{
		Extensions:   pc.Extensions,
		MaxFileBytes: pc.MaxFileBytes,
		MaxFiles:     pc.MaxFiles,
	})
	if errors.Is(err, project.ErrNoFiles) {
		slog.Warn("project directory has no usable files, starting without project context", "dir", pc.Dir)
		return project.Project{}, nil
	}
	if err != nil {
		return project.Project{}, err
	}
	slog.Info("project loaded", "dir", pc.Dir, "files", len(p.Files))
	return p, nil
}

// SessionConfig maps the session section of cfg to a [seance.Config].
func SessionConfig(cfg *config.Config) seance.Config {
	return seance.Config{
		SpokenLanguage: seance.Language(cfg.Session.SpokenLanguage),
		VoiceID:        cfg.Session.VoiceID,
		Persona: seance.Persona{
			Name:       cfg.Session.Persona.Name,
			Role:       cfg.Session.Persona.Role,
			DeathCause: cfg.Session.Persona.DeathCause,
			Gender:     string(cfg.Session.Persona.Gender),
		},
	}
}

func (a *App) inputRate() int {
	if a.providers.Capture != nil {
		return a.providers.Capture.SampleRate()
	}
	return a.cfg.Audio.Input.SampleRate
}

func (a *App) onEntry(sessionID string, e transcript.Entry) {
	if a.console != nil {
		a.console.PrintEntry(e)
	}
	if a.archiver != nil {
		a.archiver.Enqueue(sessionID, e)
	}
}

func (a *App) onLog(line string) {
	if a.console != nil {
		a.console.PrintLog(line)
	}
}

// Manager returns the session manager.
func (a *App) Manager() *SessionManager { return a.manager }

// Handler returns the ops HTTP handler: /healthz, /readyz and /metrics.
func (a *App) Handler() http.Handler {
	checkers := []health.Checker{health.StateChecker("session", a.stateOrClosed, seance.StateOpen.String())}
	if p, ok := a.archive.(pinger); ok {
		checkers = append(checkers, health.Checker{Name: "archive", Check: p.Ping})
	}

	mux := http.NewServeMux()
	health.New(checkers...).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	return observe.Middleware(a.metrics)(mux)
}

func (a *App) stateOrClosed() string {
	if a.manager == nil {
		return seance.StateClosed.String()
	}
	return a.manager.State()
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run acquires the microphone, opens the session and blocks until it ends.
// A microphone that cannot be acquired fails Run before the engine is
// contacted. It returns nil when the session was closed by the remote side,
// the operator quit, or console input ended; ctx.Err() when ctx was
// cancelled; and the first subsystem error otherwise.
func (a *App) Run(ctx context.Context) error {
	var capture device.Capture
	if a.providers.Capture != nil {
		octx, ocancel := context.WithTimeout(ctx, captureOpenTimeout)
		c, err := a.providers.Capture.Open(octx)
		ocancel()
		if err != nil {
			return fmt.Errorf("app: acquire microphone: %w", err)
		}
		defer c.Close()
		capture = c
	}

	if err := a.manager.Start(ctx); err != nil {
		return err
	}

	var ln net.Listener
	if a.ops != nil {
		var err error
		if ln, err = net.Listen("tcp", a.ops.Addr); err != nil {
			return fmt.Errorf("app: ops listen: %w", err)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	if capture != nil {
		g.Go(func() error {
			err := capture.Run(gctx, a.manager.SendMicFrame)
			if err != nil && gctx.Err() == nil {
				return fmt.Errorf("app: capture: %w", err)
			}
			slog.Info("microphone capture stopped")
			return nil
		})
	}

	if a.console != nil {
		g.Go(func() error {
			err := a.console.Run(gctx)
			if errors.Is(err, ErrQuit) || err == nil {
				cancel()
				return nil
			}
			return err
		})
	}

	if ln != nil {
		g.Go(func() error {
			slog.Info("ops server listening", "addr", ln.Addr().String())
			if err := a.ops.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: ops server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, scancel := context.WithTimeout(context.Background(), opsShutdownTimeout)
			defer scancel()
			return a.ops.Shutdown(sctx)
		})
	}

	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-a.manager.Ended():
			slog.Info("the spirit has left the session")
			cancel()
		}
		return nil
	})

	slog.Info("app running", "capture", capture != nil, "console", a.console != nil)
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// ApplyConfig reacts to a reloaded configuration. The log level and the
// project are applied live; the project takes effect on the next session.
// Every other change is logged as requiring a restart.
func (a *App) ApplyConfig(_, next *config.Config, diff config.ConfigDiff) {
	if diff.LogLevelChanged && a.level != nil {
		a.level.Set(diff.NewLogLevel.SlogLevel())
		slog.Info("log level changed", "level", diff.NewLogLevel)
	}
	if diff.ProjectChanged {
		p, err := loadProject(next.Project)
		if err != nil {
			slog.Warn("project reload failed, keeping the previous files", "err", err)
		} else {
			a.manager.SetProject(p)
			slog.Info("project reloaded, use /reconnect to prime a new session", "files", len(p.Files))
		}
	}
	for _, key := range diff.RestartRequired {
		slog.Warn("config change requires a restart", "key", key)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown closes the session and then every subsystem in reverse order. If
// ctx expires first, remaining closers are skipped and the context error is
// returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		if err := a.manager.Stop(); err != nil {
			slog.Warn("session close error", "err", err)
		}
		if a.ops != nil {
			if err := a.ops.Shutdown(ctx); err != nil {
				slog.Warn("ops server shutdown error", "err", err)
			}
		}
		shutdownErr = a.runClosers(ctx)
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

func (a *App) runClosers(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if ctx.Err() != nil {
			slog.Warn("shutdown deadline exceeded", "remaining", i+1)
			return errors.Join(append(errs, ctx.Err())...)
		}
		if err := a.closers[i](); err != nil {
			slog.Warn("closer error", "index", i, "err", err)
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
