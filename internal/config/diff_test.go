package config_test

import (
	"slices"
	"testing"

	"github.com/MrWong99/seance/internal/config"
)

func baseConfig() *config.Config {
	return &config.Config{
		Server:   config.ServerConfig{LogLevel: config.LogInfo, ListenAddr: ":9090"},
		Provider: config.ProviderEntry{Name: "gemini-live", APIKey: "k", Options: map[string]any{"x": 1}},
		Session: config.SessionConfig{
			SpokenLanguage: config.LanguageEnglish,
			Persona:        config.PersonaConfig{Name: "Ada", Gender: config.GenderFemale},
		},
		Project: config.ProjectConfig{Dir: "./src", Extensions: []string{".go"}},
		Audio:   config.AudioConfig{Input: config.AudioInputConfig{Kind: "none", SampleRate: 48000}},
	}
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	d := config.Diff(baseConfig(), baseConfig())
	if !d.Empty() {
		t.Errorf("expected empty diff for identical configs, got %+v", d)
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Server.LogLevel = config.LogDebug

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("expected NewLogLevel=debug, got %q", d.NewLogLevel)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("log level is hot-reloadable, got RestartRequired=%v", d.RestartRequired)
	}
}

func TestDiff_ProjectChanged(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Project.Extensions = append(new.Project.Extensions, ".ts")

	d := config.Diff(old, new)
	if !d.ProjectChanged {
		t.Error("expected ProjectChanged=true")
	}
	if d.LogLevelChanged {
		t.Error("expected LogLevelChanged=false")
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"listen addr", func(c *config.Config) { c.Server.ListenAddr = ":9191" }, "server.listen_addr"},
		{"provider options", func(c *config.Config) { c.Provider.Options["x"] = 2 }, "provider"},
		{"persona", func(c *config.Config) { c.Session.Persona.Name = "Grace" }, "session"},
		{"audio", func(c *config.Config) { c.Audio.Input.SampleRate = 44100 }, "audio"},
		{"archive", func(c *config.Config) { c.Archive.PostgresDSN = "postgres://localhost/x" }, "archive"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			old, new := baseConfig(), baseConfig()
			tt.mutate(new)
			d := config.Diff(old, new)
			if !slices.Equal(d.RestartRequired, []string{tt.want}) {
				t.Errorf("RestartRequired = %v, want [%s]", d.RestartRequired, tt.want)
			}
			if d.Empty() {
				t.Error("Empty() = true, want false")
			}
		})
	}
}
