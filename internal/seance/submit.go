package seance

import (
	"fmt"
	"log/slog"
	"strings"
)

// Intent is what the user wants done with a staged file.
type Intent string

const (
	IntentExplain  Intent = "explain"
	IntentRisk     Intent = "risk"
	IntentMigrate  Intent = "migrate"
	IntentRoast    Intent = "roast"
	IntentRefactor Intent = "refactor"
)

// Intents lists every recognised intent.
var Intents = []Intent{IntentExplain, IntentRisk, IntentMigrate, IntentRoast, IntentRefactor}

// ParseIntent accepts an intent name case-insensitively. The empty string
// means [IntentExplain].
func ParseIntent(s string) (Intent, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return IntentExplain, nil
	}
	for _, in := range Intents {
		if string(in) == s {
			return in, nil
		}
	}
	return "", fmt.Errorf("seance: unknown intent %q", s)
}

// StagedFile is a file the user offers with their next typed turn.
type StagedFile struct {
	Name    string
	Content string
	Intent  Intent
}

// SubmitTurn sends a typed turn: every staged file as a file announcement,
// then one instruction that completes the turn. It returns the text to show
// as the user's transcript entry. With no files and a blank question, or when
// the session is no longer open, nothing is sent and it returns "".
func (s *Session) SubmitTurn(staged []StagedFile, question string) string {
	question = strings.TrimSpace(question)
	if len(staged) == 0 && question == "" {
		return ""
	}
	if !s.open() {
		s.logf(slog.LevelWarn, "turn not submitted: session not open", "state", s.State().String())
		return ""
	}

	names := make([]string, len(staged))
	intents := make([]string, len(staged))
	for i, f := range staged {
		if !s.enqueueContext("file", s.prompts.File(f.Name, f.Content), false) {
			return ""
		}
		s.logf(slog.LevelInfo, "file staged into context", "index", i+1, "file", f.Name, "chars", len([]rune(f.Content)))
		names[i] = f.Name
		in := f.Intent
		if in == "" {
			in = IntentExplain
		}
		intents[i] = strings.ToUpper(string(in))
	}

	joined := strings.Join(names, ", ")
	text := s.prompts.Instruction(joined, len(staged), strings.Join(intents, ", "), question)
	if !s.enqueueContext("instruction", text, true) {
		return ""
	}

	display := question
	if len(staged) > 0 {
		display = strings.TrimSpace(fmt.Sprintf("[📄 %s] %s", joined, question))
	}
	return display
}
