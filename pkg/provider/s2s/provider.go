// Package s2s defines the Provider interface for real-time speech-to-speech
// backends.
//
// An S2S provider wraps a live conversational voice service over one
// persistent duplex connection. The client streams microphone audio and text
// context turns upstream; the service streams synthesised speech and
// transcripts of both sides of the conversation back.
//
// The central abstraction is SessionHandle. Outbound calls return once the
// payload has been handed to the transport; inbound traffic is delivered as
// [ServerEvent] values on a single channel so that the order of one server
// message's parts is preserved.
//
// All implementations must be safe for concurrent use.
package s2s

import "context"

// ContextItem is one text turn injected into the conversation.
//
// A ContextItem with TurnComplete=false adds to the model's context without
// prompting a reply; it must eventually be followed by an item with
// TurnComplete=true (or by user speech) for the model to respond.
type ContextItem struct {
	// Text is the content of the turn, sent with the user role.
	Text string

	// TurnComplete signals that the user's turn is finished.
	TurnComplete bool
}

// AudioChunk is one piece of synthesised speech as received from the wire:
// headerless s16le mono PCM.
type AudioChunk struct {
	Data []byte

	// SampleRate is the rate announced by the provider for this chunk.
	SampleRate int
}

// ServerEvent is the decoded content of one inbound server message. Any
// combination of fields may be set; consumers handle each independently.
type ServerEvent struct {
	// Audio holds the inline audio parts of the model turn, in order.
	Audio []AudioChunk

	// InputTranscript is a fragment of the transcription of the user's speech.
	InputTranscript string

	// OutputTranscript is a fragment of the transcription of the model's speech.
	OutputTranscript string

	// TurnComplete is set when the model has finished its turn.
	TurnComplete bool

	// Interrupted is set when the model's generation was cut short by user
	// speech.
	Interrupted bool
}

// Empty reports whether the event carries nothing a consumer acts on.
func (e ServerEvent) Empty() bool {
	return len(e.Audio) == 0 && e.InputTranscript == "" && e.OutputTranscript == "" &&
		!e.TurnComplete && !e.Interrupted
}

// SessionConfig is the initial configuration for a new S2S session.
type SessionConfig struct {
	// Voice is the provider-specific prebuilt voice name. Empty selects the
	// provider default.
	Voice string

	// Instructions is the system instruction for the session.
	Instructions string

	// LanguageCode is an optional BCP-47 code for speech synthesis.
	LanguageCode string

	// InputSampleRate is the rate of the PCM passed to SendAudio.
	InputSampleRate int
}

// Capabilities describes static properties of the S2S provider.
type Capabilities struct {
	// InputSampleRate is the audio rate the provider expects from the client.
	InputSampleRate int

	// OutputSampleRate is the default rate of synthesised audio.
	OutputSampleRate int

	// MaxSessionDurationMs is the hard upper bound on session lifetime in
	// milliseconds, as imposed by the provider. Zero means no documented limit.
	MaxSessionDurationMs int

	// Voices lists the prebuilt voice names available for this provider.
	Voices []string
}

// SessionHandle represents an open S2S session. It is an interface so that test
// code can supply mock implementations without a live provider connection.
//
// Callers must call Close when the session is no longer needed.
type SessionHandle interface {
	// SendAudio delivers a raw s16le PCM chunk at the negotiated input rate.
	// It returns once the chunk has been written to the transport.
	SendAudio(chunk []byte) error

	// SendContext delivers one text turn. It returns once the turn has been
	// written to the transport.
	SendContext(item ContextItem) error

	// Events returns the inbound event stream. The channel is closed when the
	// session ends; call Err afterwards to learn why.
	Events() <-chan ServerEvent

	// Err returns the error that ended the session, or nil if it was closed
	// locally or ended cleanly.
	Err() error

	// Close terminates the session and closes the Events channel. Calling
	// Close more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any S2S backend.
type Provider interface {
	// Connect establishes a new session and blocks until the provider has
	// acknowledged the setup. The caller owns the SessionHandle.
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)

	// Capabilities returns static metadata about this provider.
	Capabilities() Capabilities
}
