package seance

import (
	"strings"
	"testing"

	"github.com/MrWong99/seance/internal/project"
)

func TestExcerpt(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		n    int
		want string
	}{
		{"short", "abc", 5, "abc"},
		{"exact", "abcde", 5, "abcde"},
		{"cut", "abcdef", 3, "abc"},
		{"runes", "ñañañaña", 4, "ñaña"},
		{"negative keeps all", "abc", -1, "abc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := excerpt(tt.in, tt.n); got != tt.want {
				t.Errorf("excerpt(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
			}
		})
	}
}

func TestPrompter_ProjectTruncatesLongFiles(t *testing.T) {
	t.Parallel()
	p := newPrompter(Config{})

	long := strings.Repeat("a", projectExcerptRunes) + "TAIL"
	text := p.Project([]project.File{
		{Name: "big.go", Content: long, Language: "go"},
		{Name: "small.go", Content: "package small", Language: "go"},
	})

	if strings.Contains(text, "TAIL") {
		t.Error("content beyond the excerpt limit leaked into the prompt")
	}
	if strings.Count(text, "... (truncated)") != 1 {
		t.Errorf("want exactly one truncation marker:\n%s", text)
	}
	if !strings.Contains(text, "[FILE: small.go]\npackage small") {
		t.Errorf("small file missing:\n%s", text)
	}
	if !strings.Contains(text, "The user loaded 2 files") {
		t.Errorf("file count missing:\n%s", text)
	}
}

func TestPrompter_PendingLimit(t *testing.T) {
	t.Parallel()
	p := newPrompter(Config{})

	text := p.Pending(PendingFile{FileName: "x.go", Content: strings.Repeat("Z", pendingExcerptRunes+10)})
	if got := strings.Count(text, "Z"); got != pendingExcerptRunes {
		t.Errorf("pending excerpt has %d runes of content, want %d", got, pendingExcerptRunes)
	}
}

func TestPrompter_PersonaDefaults(t *testing.T) {
	t.Parallel()

	en := newPrompter(Config{})
	if sys := en.System(nil); !strings.Contains(sys, "The Ghost") || !strings.Contains(sys, "senior developer") {
		t.Errorf("english defaults missing:\n%s", sys)
	}
	if sys := en.System(nil); strings.Contains(sys, "PROJECT FILES") {
		t.Error("system prompt should omit the file list when there are no files")
	}

	es := newPrompter(Config{SpokenLanguage: LanguageSpanish, Persona: Persona{Role: "arquitecta"}})
	sys := es.System([]string{"main.go"})
	for _, want := range []string{"El Fantasma", "arquitecta", "main.go", "solo español"} {
		if !strings.Contains(sys, want) {
			t.Errorf("spanish system prompt missing %q:\n%s", want, sys)
		}
	}
}

func TestPrompter_IntroPlural(t *testing.T) {
	t.Parallel()
	p := newPrompter(Config{Persona: Persona{Name: "Linus"}})

	if got := p.Intro(1); !strings.Contains(got, "1 file from") {
		t.Errorf("Intro(1) = %q", got)
	}
	if got := p.Intro(3); !strings.Contains(got, "3 files from") {
		t.Errorf("Intro(3) = %q", got)
	}
}

func TestParseIntent(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    Intent
		wantErr bool
	}{
		{"", IntentExplain, false},
		{"roast", IntentRoast, false},
		{"  MIGRATE ", IntentMigrate, false},
		{"Refactor", IntentRefactor, false},
		{"risk", IntentRisk, false},
		{"summon", "", true},
	}
	for _, tt := range tests {
		got, err := ParseIntent(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseIntent(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseIntent(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestConfigVoice(t *testing.T) {
	t.Parallel()

	tests := []struct {
		cfg  Config
		want string
	}{
		{Config{}, VoiceMale},
		{Config{Persona: Persona{Gender: "female"}}, VoiceFemale},
		{Config{Persona: Persona{Gender: "male"}}, VoiceMale},
		{Config{VoiceID: "Charon", Persona: Persona{Gender: "female"}}, "Charon"},
	}
	for _, tt := range tests {
		if got := tt.cfg.Voice(); got != tt.want {
			t.Errorf("%+v.Voice() = %q, want %q", tt.cfg, got, tt.want)
		}
	}
}

func TestPendingSlot(t *testing.T) {
	t.Parallel()
	var s pendingSlot

	if s.Take() != nil {
		t.Fatal("empty slot returned a value")
	}
	if s.Set(PendingFile{FileName: "a"}) {
		t.Error("first Set reported a replacement")
	}
	if !s.Set(PendingFile{FileName: "b"}) {
		t.Error("second Set should report a replacement")
	}
	if got := s.Take(); got == nil || got.FileName != "b" {
		t.Errorf("Take = %+v, want b", got)
	}
	if s.Take() != nil {
		t.Error("slot should be empty after Take")
	}
}

func TestStateString(t *testing.T) {
	t.Parallel()
	want := map[State]string{
		StateIdle:       "idle",
		StateConnecting: "connecting",
		StateOpen:       "open",
		StateClosing:    "closing",
		StateClosed:     "closed",
		State(42):       "unknown",
	}
	for st, s := range want {
		if st.String() != s {
			t.Errorf("State(%d).String() = %q, want %q", int(st), st.String(), s)
		}
	}
}
