package app_test

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/seance/internal/app"
	"github.com/MrWong99/seance/internal/config"
	"github.com/MrWong99/seance/internal/observe"
	"github.com/MrWong99/seance/pkg/provider/s2s/mock"
)

const waitTimeout = 2 * time.Second

// syncBuffer is a bytes.Buffer safe for one writer and concurrent readers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func testConfig() *config.Config {
	return &config.Config{
		Server:   config.ServerConfig{LogLevel: config.LogInfo},
		Provider: config.ProviderEntry{Name: "gemini-live", APIKey: "test"},
		Session: config.SessionConfig{
			SpokenLanguage: config.LanguageEnglish,
			Persona:        config.PersonaConfig{Name: "Ada", Gender: config.GenderFemale},
		},
		Audio: config.AudioConfig{
			Input:  config.AudioInputConfig{Kind: config.KindNone, SampleRate: 16000, FrameSize: 160},
			Output: config.AudioOutputConfig{Kind: config.KindNone, SampleRate: 24000},
		},
	}
}

func testMetrics(t *testing.T) (*observe.Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// waitFor polls cond until it holds or the timeout passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// runApp starts a.Run in the background and waits for the session to open.
func runApp(t *testing.T, ctx context.Context, a *app.App) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	waitFor(t, "session open", func() bool { return a.Manager().Session() != nil })
	return done
}

func waitRun(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(waitTimeout):
		t.Fatal("Run did not return")
		return nil
	}
}

func newProvider() (*mock.Provider, *mock.Session) {
	sess := mock.NewSession()
	return &mock.Provider{Session: sess}, sess
}
