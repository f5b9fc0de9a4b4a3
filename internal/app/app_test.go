package app_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/seance/internal/app"
	"github.com/MrWong99/seance/internal/config"
	"github.com/MrWong99/seance/internal/device"
	"github.com/MrWong99/seance/internal/project"
	"github.com/MrWong99/seance/internal/seance"
	"github.com/MrWong99/seance/pkg/audio"
	"github.com/MrWong99/seance/pkg/memory"
	memorymock "github.com/MrWong99/seance/pkg/memory/mock"
	"github.com/MrWong99/seance/pkg/provider/s2s"
	"github.com/MrWong99/seance/pkg/provider/s2s/mock"
)

// fakeSource delivers a fixed number of frames and then waits for ctx. It
// is its own capture.
type fakeSource struct {
	rate    int
	frames  int
	size    int
	openErr error

	opened atomic.Int32
	closed atomic.Int32
}

func (f *fakeSource) SampleRate() int { return f.rate }

func (f *fakeSource) Open(context.Context) (device.Capture, error) {
	if f.openErr != nil {
		return nil, f.openErr
	}
	f.opened.Add(1)
	return f, nil
}

func (f *fakeSource) Run(ctx context.Context, deliver func([]float32)) error {
	for range f.frames {
		deliver(make([]float32, f.size))
	}
	<-ctx.Done()
	return nil
}

func (f *fakeSource) Close() error {
	f.closed.Add(1)
	return nil
}

func TestNew_RequiresProvider(t *testing.T) {
	t.Parallel()
	if _, err := app.New(context.Background(), testConfig(), &app.Providers{}); err == nil {
		t.Fatal("expected error without an s2s provider")
	}
	if _, err := app.New(context.Background(), testConfig(), nil); err == nil {
		t.Fatal("expected error with nil providers")
	}
}

func TestNew_ProjectFromConfig(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := testConfig()
	cfg.Project.Dir = dir

	prov, _ := newProvider()
	m, _ := testMetrics(t)
	a, err := app.New(context.Background(), cfg, &app.Providers{S2S: prov}, app.WithMetrics(m))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := a.Manager().Project().Names(); len(got) != 1 || got[0] != "main.go" {
		t.Errorf("project files = %v, want [main.go]", got)
	}
}

func TestNew_EmptyProjectDirIsNotFatal(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Project.Dir = t.TempDir()

	prov, _ := newProvider()
	m, _ := testMetrics(t)
	a, err := app.New(context.Background(), cfg, &app.Providers{S2S: prov}, app.WithMetrics(m))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !a.Manager().Project().Empty() {
		t.Error("expected an empty project")
	}
}

func TestRun_ConsoleTurnIsSentAndArchived(t *testing.T) {
	t.Parallel()
	prov, sess := newProvider()
	m, _ := testMetrics(t)
	store := &memorymock.SessionStore{}
	in, inW := io.Pipe()
	t.Cleanup(func() { _ = inW.Close() })
	out := &syncBuffer{}

	a, err := app.New(context.Background(), testConfig(), &app.Providers{S2S: prov},
		app.WithMetrics(m),
		app.WithSessionStore(store),
		app.WithProject(project.Project{}),
		app.WithConsole(in, out),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	done := runApp(t, context.Background(), a)

	if _, err := io.WriteString(inW, "hello spirit\n"); err != nil {
		t.Fatalf("write console: %v", err)
	}
	calls := sess.WaitForCalls(2, waitTimeout)
	if len(calls) != 2 {
		t.Fatalf("got %d calls, want intro + typed turn", len(calls))
	}
	if c := calls[1].Context; c.Text != "hello spirit" || !c.TurnComplete {
		t.Errorf("typed turn = %+v", c)
	}

	sess.Emit(s2s.ServerEvent{OutputTranscript: "Who disturbs my rest?"})
	waitFor(t, "spirit entry", func() bool { return len(a.Manager().Entries()) == 2 })

	if _, err := io.WriteString(inW, "/quit\n"); err != nil {
		t.Fatalf("write console: %v", err)
	}
	if err := waitRun(t, done); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	info, _ := a.Manager().Info()
	entries, _ := store.Entries(context.Background(), info.SessionID)
	want := []memory.TranscriptEntry{
		{Speaker: "USER", Kind: "TEXT", Text: "hello spirit"},
		{Speaker: "SPIRIT", Kind: "TEXT", Text: "Who disturbs my rest?"},
	}
	if len(entries) != len(want) {
		t.Fatalf("archived %d entries, want %d: %+v", len(entries), len(want), entries)
	}
	for i, w := range want {
		if entries[i].Speaker != w.Speaker || entries[i].Kind != w.Kind || entries[i].Text != w.Text {
			t.Errorf("entry %d = %+v, want %+v", i, entries[i], w)
		}
	}
	for _, line := range []string{"[USER] hello spirit", "[SPIRIT] Who disturbs my rest?", "introduction requested"} {
		if !strings.Contains(out.String(), line) {
			t.Errorf("console output missing %q:\n%s", line, out.String())
		}
	}
}

func TestRun_RemoteCloseEndsRun(t *testing.T) {
	t.Parallel()
	prov, sess := newProvider()
	m, _ := testMetrics(t)
	a, err := app.New(context.Background(), testConfig(), &app.Providers{S2S: prov}, app.WithMetrics(m))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	done := runApp(t, context.Background(), a)

	sess.End(errors.New("goaway"))
	if err := waitRun(t, done); err != nil {
		t.Errorf("Run after remote close = %v, want nil", err)
	}
	if got := a.Manager().State(); got != "closed" {
		t.Errorf("State = %q, want closed", got)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}

func TestRun_ContextCancel(t *testing.T) {
	t.Parallel()
	prov, sess := newProvider()
	m, _ := testMetrics(t)
	a, err := app.New(context.Background(), testConfig(), &app.Providers{S2S: prov}, app.WithMetrics(m))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := runApp(t, ctx, a)

	cancel()
	if err := waitRun(t, done); !errors.Is(err, context.Canceled) {
		t.Errorf("Run = %v, want context.Canceled", err)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
	if sess.CloseCount() != 1 {
		t.Errorf("transport closed %d times, want 1", sess.CloseCount())
	}
}

func TestRun_CaptureFeedsSession(t *testing.T) {
	t.Parallel()
	prov, sess := newProvider()
	m, _ := testMetrics(t)
	src := &fakeSource{rate: audio.TransportSampleRate, frames: 3, size: 160}
	a, err := app.New(context.Background(), testConfig(), &app.Providers{S2S: prov, Capture: src}, app.WithMetrics(m))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := runApp(t, ctx, a)

	calls := sess.WaitForCalls(4, waitTimeout)
	audioCalls := 0
	for _, c := range calls {
		if c.Kind == mock.CallAudio {
			audioCalls++
			if len(c.Audio) != 320 {
				t.Errorf("audio chunk = %d bytes, want 320", len(c.Audio))
			}
		}
	}
	if audioCalls != 3 {
		t.Errorf("got %d audio calls, want 3", audioCalls)
	}

	cancel()
	_ = waitRun(t, done)
	_ = a.Shutdown(context.Background())
	if o, c := src.opened.Load(), src.closed.Load(); o != 1 || c != 1 {
		t.Errorf("capture opened %d and closed %d times, want 1 and 1", o, c)
	}
}

func TestRun_CaptureFailureIsFatalBeforeConnect(t *testing.T) {
	t.Parallel()
	prov, _ := newProvider()
	m, _ := testMetrics(t)
	busy := errors.New("device or resource busy")
	src := &fakeSource{rate: 48000, openErr: busy}
	a, err := app.New(context.Background(), testConfig(), &app.Providers{S2S: prov, Capture: src}, app.WithMetrics(m))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := a.Run(context.Background()); !errors.Is(err, busy) {
		t.Fatalf("Run = %v, want %v", err, busy)
	}
	if n := len(prov.Connects()); n != 0 {
		t.Errorf("Connect called %d times, want 0 when the microphone is unavailable", n)
	}
	if a.Manager().Session() != nil {
		t.Error("a session was started without a microphone")
	}
}

func TestRun_OpenFailure(t *testing.T) {
	t.Parallel()
	boom := errors.New("dial refused")
	m, _ := testMetrics(t)
	a, err := app.New(context.Background(), testConfig(), &app.Providers{S2S: &mock.Provider{ConnectErr: boom}}, app.WithMetrics(m))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Run(context.Background()); !errors.Is(err, boom) {
		t.Errorf("Run = %v, want %v", err, boom)
	}
}

func TestHandler(t *testing.T) {
	t.Parallel()
	prov, _ := newProvider()
	m, _ := testMetrics(t)
	a, err := app.New(context.Background(), testConfig(), &app.Providers{S2S: prov}, app.WithMetrics(m))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)

	get := func(path string) int {
		t.Helper()
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		_ = resp.Body.Close()
		return resp.StatusCode
	}

	if code := get("/healthz"); code != http.StatusOK {
		t.Errorf("/healthz = %d, want 200", code)
	}
	if code := get("/readyz"); code != http.StatusServiceUnavailable {
		t.Errorf("/readyz before the session opened = %d, want 503", code)
	}
	if code := get("/metrics"); code != http.StatusOK {
		t.Errorf("/metrics = %d, want 200", code)
	}

	if err := a.Manager().Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	if code := get("/readyz"); code != http.StatusOK {
		t.Errorf("/readyz with an open session = %d, want 200", code)
	}
}

func TestApplyConfig(t *testing.T) {
	t.Parallel()
	prov, _ := newProvider()
	m, _ := testMetrics(t)
	level := new(slog.LevelVar)
	a, err := app.New(context.Background(), testConfig(), &app.Providers{S2S: prov}, app.WithMetrics(m), app.WithLevelVar(level))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	dir := t.TempDir()
	for _, name := range []string{"a.go", "b.go"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("package x\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	next := testConfig()
	next.Server.LogLevel = config.LogDebug
	next.Project.Dir = dir

	a.ApplyConfig(testConfig(), next, config.Diff(testConfig(), next))

	if level.Level() != slog.LevelDebug {
		t.Errorf("level = %v, want debug", level.Level())
	}
	if n := len(a.Manager().Project().Files); n != 2 {
		t.Errorf("project has %d files after reload, want 2", n)
	}
}

func TestSessionConfig(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Session.SpokenLanguage = config.LanguageSpanish
	cfg.Session.VoiceID = "Kore"
	cfg.Session.Persona.Role = "arquitecta"

	got := app.SessionConfig(cfg)
	want := seance.Config{
		SpokenLanguage: seance.LanguageSpanish,
		VoiceID:        "Kore",
		Persona:        seance.Persona{Name: "Ada", Role: "arquitecta", Gender: "female"},
	}
	if got != want {
		t.Errorf("SessionConfig = %+v, want %+v", got, want)
	}
}

func TestArchiveFailureIsCounted(t *testing.T) {
	t.Parallel()
	prov, _ := newProvider()
	m, reader := testMetrics(t)
	store := &memorymock.SessionStore{WriteEntryErr: errors.New("disk full")}
	a, err := app.New(context.Background(), testConfig(), &app.Providers{S2S: prov},
		app.WithMetrics(m),
		app.WithSessionStore(store),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Manager().Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := a.Manager().Submit(nil, "anyone there?"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	// Shutdown drains the archive queue before returning.
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if got := store.CallCount("WriteEntry"); got != 1 {
		t.Errorf("WriteEntry called %d times, want 1", got)
	}
	if got := counter(t, reader, "seance.archive.errors"); got != 1 {
		t.Errorf("seance.archive.errors = %d, want 1", got)
	}
}

func counter(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, mt := range sm.Metrics {
			if mt.Name != name {
				continue
			}
			if sum, ok := mt.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
			}
		}
	}
	return total
}
