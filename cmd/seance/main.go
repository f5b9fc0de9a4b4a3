// Command seance opens a live voice conversation with a speech-to-speech
// engine that plays a deceased developer haunting the user's project.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/seance/internal/app"
	"github.com/MrWong99/seance/internal/config"
	"github.com/MrWong99/seance/internal/device"
	"github.com/MrWong99/seance/internal/observe"
	"github.com/MrWong99/seance/pkg/audio/playback"
	"github.com/MrWong99/seance/pkg/provider/s2s"
	geminilive "github.com/MrWong99/seance/pkg/provider/s2s/gemini"
	openairt "github.com/MrWong99/seance/pkg/provider/s2s/openai"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	projectDir := flag.String("project", "", "project directory to discuss (overrides project.dir)")
	watch := flag.Bool("watch", true, "reload log level and project files when the config file changes")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "seance: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "seance: %v\n", err)
		}
		return 1
	}
	if *projectDir != "" {
		cfg.Project.Dir = *projectDir
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.SlogLevel())
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("seance starting",
		"version", version,
		"config", *configPath,
		"project", cfg.Project.Dir,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers,
		app.WithConsole(os.Stdin, os.Stdout),
		app.WithLevelVar(level),
		app.WithMetrics(observe.DefaultMetrics()),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot-reload ─────────────────────────────────────────────────────
	if *watch {
		w, err := config.NewWatcher(*configPath, func(old, next *config.Config, diff config.ConfigDiff) {
			if *projectDir != "" {
				prev := *old
				prev.Project.Dir = *projectDir
				next.Project.Dir = *projectDir
				diff = config.Diff(&prev, next)
			}
			application.ApplyConfig(old, next, diff)
		})
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			defer w.Stop()
		}
	}

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("closing the séance…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires the engine and device backends that ship
// with seance into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── S2S ───────────────────────────────────────────────────────────────────

	reg.RegisterS2S("gemini-live", func(entry config.ProviderEntry) (s2s.Provider, error) {
		var opts []geminilive.Option
		if entry.Model != "" {
			opts = append(opts, geminilive.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, geminilive.WithBaseURL(entry.BaseURL))
		}
		if d := optDuration(entry.Options, "setup_timeout"); d > 0 {
			opts = append(opts, geminilive.WithSetupTimeout(d))
		}
		return geminilive.New(entry.APIKey, opts...), nil
	})

	reg.RegisterS2S("openai-realtime", func(entry config.ProviderEntry) (s2s.Provider, error) {
		var opts []openairt.Option
		if entry.Model != "" {
			opts = append(opts, openairt.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, openairt.WithBaseURL(entry.BaseURL))
		}
		if d := optDuration(entry.Options, "setup_timeout"); d > 0 {
			opts = append(opts, openairt.WithSetupTimeout(d))
		}
		if m, ok := entry.Options["transcription_model"].(string); ok {
			opts = append(opts, openairt.WithTranscriptionModel(m))
		}
		return openairt.New(entry.APIKey, opts...), nil
	})

	// ── Capture ───────────────────────────────────────────────────────────────

	reg.RegisterCapture("ffmpeg", func(ac config.AudioConfig) (device.Source, error) {
		return device.NewFFmpegSource(ac.Input.Driver, ac.Input.Device, ac.Input.SampleRate,
			device.WithFFmpegPath(ac.FFmpegPath),
			device.WithFrameSize(ac.Input.FrameSize),
		)
	})

	reg.RegisterCapture("wav", func(ac config.AudioConfig) (device.Source, error) {
		return device.NewWAVSource(ac.Input.Device,
			device.WithRealtime(true),
			device.WithWAVFrameSize(ac.Input.FrameSize),
		)
	})

	reg.RegisterCapture(config.KindNone, func(config.AudioConfig) (device.Source, error) {
		return nil, nil
	})

	// ── Playback ──────────────────────────────────────────────────────────────

	reg.RegisterPlayback("ffplay", func(ac config.AudioConfig) (playback.Sink, error) {
		return device.NewFFplaySink(ac.FFplayPath, ac.Output.SampleRate)
	})

	reg.RegisterPlayback("wav", func(ac config.AudioConfig) (playback.Sink, error) {
		return playback.NewWAVFileSink(ac.Output.Path, ac.Output.SampleRate)
	})

	reg.RegisterPlayback(config.KindNone, func(config.AudioConfig) (playback.Sink, error) {
		return nil, nil
	})
}

// buildProviders instantiates the engine and the audio devices named in cfg.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}

	p, err := reg.CreateS2S(cfg.Provider)
	if err != nil {
		return nil, fmt.Errorf("create s2s provider %q: %w", cfg.Provider.Name, err)
	}
	ps.S2S = p
	slog.Info("provider created", "kind", "s2s", "name", cfg.Provider.Name)

	src, err := reg.CreateCapture(cfg.Audio)
	if err != nil {
		return nil, fmt.Errorf("create capture %q: %w", cfg.Audio.Input.Kind, err)
	}
	if src != nil {
		ps.Capture = src
		slog.Info("microphone ready", "kind", cfg.Audio.Input.Kind, "sample_rate", src.SampleRate())
	}

	sink, err := reg.CreatePlayback(cfg.Audio)
	if err != nil {
		return nil, fmt.Errorf("create playback %q: %w", cfg.Audio.Output.Kind, err)
	}
	if sink != nil {
		ps.Playback = sink
		slog.Info("speaker ready", "kind", cfg.Audio.Output.Kind, "sample_rate", cfg.Audio.Output.SampleRate)
	}
	return ps, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         seance · startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Engine", cfg.Provider.Name, cfg.Provider.Model)
	printRow("Spirit", cfg.Session.Persona.Name, string(cfg.Session.SpokenLanguage))
	printRow("Microphone", cfg.Audio.Input.Kind, cfg.Audio.Input.Device)
	printRow("Speaker", cfg.Audio.Output.Kind, cfg.Audio.Output.Path)
	printRow("Project", cfg.Project.Dir, "")
	if cfg.Archive.PostgresDSN != "" {
		printRow("Archive", "postgres", "")
	} else {
		printRow("Archive", "", "")
	}
	if cfg.Server.ListenAddr != "" {
		printRow("Listen addr", cfg.Server.ListenAddr, "")
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(kind, name, detail string) {
	value := name
	if value == "" {
		value = "(disabled)"
	} else if detail != "" {
		value = name + " / " + detail
	}
	if r := []rune(value); len(r) > 19 {
		value = string(r[:18]) + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optDuration reads a duration from a provider Options map. Strings are
// parsed with [time.ParseDuration]; integers are seconds. Anything else
// yields zero.
func optDuration(opts map[string]any, key string) time.Duration {
	switch v := opts[key].(type) {
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0
		}
		return d
	case int:
		return time.Duration(v) * time.Second
	default:
		return 0
	}
}
