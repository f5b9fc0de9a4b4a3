// Package seance runs one real-time voice conversation about a code project.
//
// A [Session] owns a single duplex connection to a speech-to-speech engine.
// Outbound it interleaves microphone audio with text context turns on one
// ordered queue; inbound it decodes synthesised speech into gapless playback
// segments and forwards transcript fragments of both speakers.
//
// Goroutine layout of an open session:
//
//	SendMicFrame ─▶ frames ─▶ encodeLoop ─┐
//	SendContext / SendFileContext ───────┴▶ outbound ─▶ writeLoop ─▶ transport
//	transport events ─▶ inboundLoop ─▶ scheduler ─▶ OnAudioSegment / OnTranscript
//
// The writer goroutine is the only one that touches the transport's send
// side, and the inbound goroutine is the only one that touches the playback
// scheduler.
package seance

import (
	"github.com/MrWong99/seance/internal/transcript"
	"github.com/MrWong99/seance/pkg/audio/playback"
)

// State is the lifecycle phase of a [Session].
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Language is the spoken language of the conversation.
type Language string

const (
	LanguageEnglish Language = "en"
	LanguageSpanish Language = "es"
)

// code returns the BCP-47 tag handed to the speech synthesiser.
func (l Language) code() string {
	if l == LanguageSpanish {
		return "es-ES"
	}
	return "en-US"
}

// Prebuilt voices used when no voice id is configured.
const (
	VoiceFemale = "Aoede"
	VoiceMale   = "Puck"
)

// Persona is the character the engine plays.
type Persona struct {
	Name       string
	Role       string
	DeathCause string

	// Gender selects the default voice: "female" picks [VoiceFemale], anything
	// else [VoiceMale].
	Gender string
}

// Config shapes one conversation.
type Config struct {
	// SpokenLanguage selects prompt language and speech locale. Empty means
	// English.
	SpokenLanguage Language

	// VoiceID overrides the persona's default voice.
	VoiceID string

	Persona Persona
}

// Voice returns the effective voice name.
func (c Config) Voice() string {
	if c.VoiceID != "" {
		return c.VoiceID
	}
	if c.Persona.Gender == "female" {
		return VoiceFemale
	}
	return VoiceMale
}

// language returns the effective spoken language.
func (c Config) language() Language {
	if c.SpokenLanguage == LanguageSpanish {
		return LanguageSpanish
	}
	return LanguageEnglish
}

// Callbacks receive the session's outputs. Every field is optional.
//
// All callbacks run on session goroutines and must not block. OnAudioSegment
// and OnTranscript run on the inbound goroutine and may call [Session.Close];
// Close then returns without waiting for that goroutine, and no later event
// is delivered. OnLog may run on any session goroutine and must not call
// Close. OnClose runs after the session's goroutines have stopped and may
// call Close.
type Callbacks struct {
	// OnAudioSegment receives each decoded segment together with its slot on
	// the playback timeline.
	OnAudioSegment func(playback.Scheduled)

	// OnTranscript receives incremental transcript fragments.
	OnTranscript func(speaker transcript.Speaker, text string)

	// OnLog receives human-readable telemetry lines.
	OnLog func(line string)

	// OnClose fires once when the connection ends from the remote side. It
	// does not fire for a local Close.
	OnClose func()
}
