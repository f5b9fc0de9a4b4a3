package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultInputSampleRate  = 48000
	DefaultOutputSampleRate = 24000
	DefaultFrameSize        = 4096
	DefaultConnectTimeout   = 15 * time.Second
)

// Environment variables consulted when provider.api_key is empty.
const (
	GeminiAPIKeyEnv = "GEMINI_API_KEY"
	OpenAIAPIKeyEnv = "OPENAI_API_KEY"
)

// apiKeyEnv maps the engines that need a key to their fallback variable.
var apiKeyEnv = map[string]string{
	"gemini-live":     GeminiAPIKeyEnv,
	"openai-realtime": OpenAIAPIKeyEnv,
}

// Backend kinds with no device attached.
const KindNone = "none"

// ValidProviderNames lists known backend names per kind.
// Used by [Validate] to warn about unrecognised provider names and to reject
// unknown device kinds.
var ValidProviderNames = map[string][]string{
	"s2s":      {"gemini-live", "openai-realtime"},
	"capture":  {"ffmpeg", "wav", KindNone},
	"playback": {"ffplay", "wav", KindNone},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills in defaults and
// validates the result. Unknown keys are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills unset fields with their documented defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Provider.Name == "" {
		cfg.Provider.Name = "gemini-live"
	}
	if env, ok := apiKeyEnv[cfg.Provider.Name]; ok && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = os.Getenv(env)
	}
	if cfg.Session.SpokenLanguage == "" {
		cfg.Session.SpokenLanguage = LanguageEnglish
	}
	if cfg.Session.ConnectTimeout <= 0 {
		cfg.Session.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.Audio.Input.Kind == "" {
		cfg.Audio.Input.Kind = "ffmpeg"
	}
	if cfg.Audio.Input.SampleRate == 0 {
		cfg.Audio.Input.SampleRate = DefaultInputSampleRate
	}
	if cfg.Audio.Input.FrameSize == 0 {
		cfg.Audio.Input.FrameSize = DefaultFrameSize
	}
	if cfg.Audio.Output.Kind == "" {
		cfg.Audio.Output.Kind = "ffplay"
	}
	if cfg.Audio.Output.SampleRate == 0 {
		cfg.Audio.Output.SampleRate = DefaultOutputSampleRate
	}
	if cfg.Audio.FFmpegPath == "" {
		cfg.Audio.FFmpegPath = "ffmpeg"
	}
	if cfg.Audio.FFplayPath == "" {
		cfg.Audio.FFplayPath = "ffplay"
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Provider
	if cfg.Provider.Name == "" {
		errs = append(errs, errors.New("provider.name is required"))
	} else {
		validateProviderName("s2s", cfg.Provider.Name)
	}
	if env, ok := apiKeyEnv[cfg.Provider.Name]; ok && cfg.Provider.APIKey == "" {
		errs = append(errs, fmt.Errorf("provider.api_key is required for %s (or set %s)", cfg.Provider.Name, env))
	}

	// Session
	if cfg.Session.SpokenLanguage != "" && !cfg.Session.SpokenLanguage.IsValid() {
		errs = append(errs, fmt.Errorf("session.spoken_language %q is invalid; valid values: en, es", cfg.Session.SpokenLanguage))
	}
	if cfg.Session.Persona.Name == "" {
		errs = append(errs, errors.New("session.persona.name is required"))
	}
	if g := cfg.Session.Persona.Gender; g != "" && !g.IsValid() {
		errs = append(errs, fmt.Errorf("session.persona.gender %q is invalid; valid values: female, male", g))
	}
	if cfg.Session.Persona.Role == "" {
		slog.Warn("session.persona.role is empty; the persona will introduce itself without a role")
	}

	// Project
	if cfg.Project.MaxFileBytes < 0 {
		errs = append(errs, fmt.Errorf("project.max_file_bytes %d must not be negative", cfg.Project.MaxFileBytes))
	}
	if cfg.Project.MaxFiles < 0 {
		errs = append(errs, fmt.Errorf("project.max_files %d must not be negative", cfg.Project.MaxFiles))
	}
	if cfg.Project.Dir == "" {
		slog.Warn("project.dir is empty; the session will start without source files")
	}

	// Audio
	in, out := cfg.Audio.Input, cfg.Audio.Output
	if !slices.Contains(ValidProviderNames["capture"], in.Kind) {
		errs = append(errs, fmt.Errorf("audio.input.kind %q is invalid; valid values: %v", in.Kind, ValidProviderNames["capture"]))
	}
	if in.Kind == "ffmpeg" && in.Driver == "" {
		errs = append(errs, errors.New("audio.input.driver is required when kind is ffmpeg"))
	}
	if in.Kind == "wav" && in.Device == "" {
		errs = append(errs, errors.New("audio.input.device must name a file when kind is wav"))
	}
	if in.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.input.sample_rate %d must be positive", in.SampleRate))
	}
	if in.FrameSize <= 0 {
		errs = append(errs, fmt.Errorf("audio.input.frame_size %d must be positive", in.FrameSize))
	}
	if !slices.Contains(ValidProviderNames["playback"], out.Kind) {
		errs = append(errs, fmt.Errorf("audio.output.kind %q is invalid; valid values: %v", out.Kind, ValidProviderNames["playback"]))
	}
	if out.Kind == "wav" && out.Path == "" {
		errs = append(errs, errors.New("audio.output.path is required when kind is wav"))
	}
	if out.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.output.sample_rate %d must be positive", out.SampleRate))
	}

	// Archive
	if cfg.Archive.PostgresDSN == "" {
		slog.Debug("archive.postgres_dsn is empty; transcripts will not be archived")
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or a third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
