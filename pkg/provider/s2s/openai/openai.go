// Package openai implements the s2s.Provider interface for OpenAI's Realtime API.
//
// It establishes a bidirectional WebSocket connection to the Realtime endpoint
// and exchanges JSON events according to the Realtime protocol. Audio travels
// as base64-encoded PCM16 at 24 kHz in both directions; microphone audio at
// any other rate is resampled before it is appended to the input buffer.
//
// A text context turn becomes a conversation.item.create event; a turn that
// completes the user's input is followed by response.create. Connect returns
// only after the server has confirmed the session.update with
// session.updated, so a rejected voice, model or key fails fast.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/seance/pkg/audio"
	"github.com/MrWong99/seance/pkg/provider/s2s"
)

// Compile-time assertions that Provider and session satisfy the s2s interfaces.
var _ s2s.Provider = (*Provider)(nil)
var _ s2s.SessionHandle = (*session)(nil)

// ErrSetupRejected is returned by Connect when the server answers the
// session.update with anything but session.updated.
var ErrSetupRejected = errors.New("openai: session update not acknowledged")

const (
	defaultModel              = "gpt-4o-realtime-preview"
	defaultBaseURL            = "wss://api.openai.com/v1/realtime"
	defaultTranscriptionModel = "whisper-1"

	// wireSampleRate is the fixed rate of the pcm16 audio format.
	wireSampleRate = 24000

	defaultSetupTimeout = 15 * time.Second
	eventBuffer         = 64
)

// voices lists the prebuilt Realtime voices.
var voices = []string{"alloy", "ash", "ballad", "coral", "echo", "sage", "shimmer", "verse"}

// voiceAliases maps the persona defaults chosen for other engines onto the
// closest Realtime voice.
var voiceAliases = map[string]string{
	"aoede": "shimmer",
	"puck":  "echo",
}

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the OpenAI model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) {
		if model != "" {
			p.model = model
		}
	}
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) {
		if url != "" {
			p.baseURL = url
		}
	}
}

// WithSetupTimeout bounds how long Connect waits for session.updated.
func WithSetupTimeout(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.setupTimeout = d
		}
	}
}

// WithTranscriptionModel selects the model that transcribes the user's
// speech. The default is whisper-1.
func WithTranscriptionModel(model string) Option {
	return func(p *Provider) {
		if model != "" {
			p.transcriptionModel = model
		}
	}
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements s2s.Provider for OpenAI's Realtime API.
type Provider struct {
	apiKey             string
	model              string
	baseURL            string
	setupTimeout       time.Duration
	transcriptionModel string
}

// New creates a new OpenAI Realtime Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:             apiKey,
		model:              defaultModel,
		baseURL:            defaultBaseURL,
		setupTimeout:       defaultSetupTimeout,
		transcriptionModel: defaultTranscriptionModel,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Model returns the configured model name.
func (p *Provider) Model() string { return p.model }

// Capabilities returns static metadata about the OpenAI Realtime provider.
func (p *Provider) Capabilities() s2s.Capabilities {
	return s2s.Capabilities{
		InputSampleRate:      wireSampleRate,
		OutputSampleRate:     wireSampleRate,
		MaxSessionDurationMs: 30 * 60 * 1000,
		Voices:               slices.Clone(voices),
	}
}

// Connect dials the Realtime endpoint, sends session.update and waits for
// session.updated. An error event, any other reply, or none within the setup
// timeout fails the connect.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	wsURL := fmt.Sprintf("%s?model=%s", p.baseURL, url.QueryEscape(p.model))

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + p.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai: dial: %w", err)
	}
	// A single audio delta can exceed the default 32 KiB read limit.
	conn.SetReadLimit(16 << 20)

	inputRate := cfg.InputSampleRate
	if inputRate <= 0 {
		inputRate = audio.TransportSampleRate
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:      conn,
		resampler: audio.Resampler{From: inputRate, To: wireSampleRate},
		events:    make(chan s2s.ServerEvent, eventBuffer),
		ctx:       sessCtx,
		cancel:    sessCancel,
	}

	fail := func(err error) (s2s.SessionHandle, error) {
		sessCancel()
		conn.Close(websocket.StatusPolicyViolation, "setup failed")
		return nil, err
	}

	if err := sess.writeJSON(ctx, p.sessionUpdate(cfg)); err != nil {
		return fail(fmt.Errorf("openai: session update: %w", err))
	}

	ackCtx, ackCancel := context.WithTimeout(ctx, p.setupTimeout)
	defer ackCancel()
	if err := sess.awaitSessionUpdated(ackCtx); err != nil {
		return fail(err)
	}

	go sess.receiveLoop()

	return sess, nil
}

// sessionUpdate builds the session.update event for cfg.
func (p *Provider) sessionUpdate(cfg s2s.SessionConfig) sessionUpdateMessage {
	params := sessionParams{
		Modalities:        []string{"audio", "text"},
		Voice:             realtimeVoice(cfg.Voice),
		Instructions:      cfg.Instructions,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
		InputAudioTranscription: &transcriptionParams{
			Model:    p.transcriptionModel,
			Language: languageOf(cfg.LanguageCode),
		},
		TurnDetection: &turnDetection{Type: "server_vad"},
	}
	return sessionUpdateMessage{Type: "session.update", Session: params}
}

// realtimeVoice returns the Realtime voice for name, or "" for the server
// default when there is no match.
func realtimeVoice(name string) string {
	n := strings.ToLower(strings.TrimSpace(name))
	if n == "" {
		return ""
	}
	if slices.Contains(voices, n) {
		return n
	}
	if alias, ok := voiceAliases[n]; ok {
		return alias
	}
	slog.Debug("openai: unknown voice, using server default", "voice", name)
	return ""
}

// languageOf reduces a BCP-47 tag to the ISO-639-1 code the transcriber takes.
func languageOf(tag string) string {
	lang, _, _ := strings.Cut(tag, "-")
	return strings.ToLower(lang)
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities              []string             `json:"modalities"`
	Voice                   string               `json:"voice,omitempty"`
	Instructions            string               `json:"instructions,omitempty"`
	InputAudioFormat        string               `json:"input_audio_format"`
	OutputAudioFormat       string               `json:"output_audio_format"`
	InputAudioTranscription *transcriptionParams `json:"input_audio_transcription,omitempty"`
	TurnDetection           *turnDetection       `json:"turn_detection,omitempty"`
}

type transcriptionParams struct {
	Model    string `json:"model"`
	Language string `json:"language,omitempty"`
}

type turnDetection struct {
	Type string `json:"type"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

type createConversationItemMessage struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type conversationItem struct {
	Type    string             `json:"type"`
	Role    string             `json:"role"`
	Content []conversationPart `json:"content"`
}

type conversationPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type responseCreateMessage struct {
	Type string `json:"type"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta / response.audio_transcript.delta
	Delta string `json:"delta,omitempty"`

	// conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`

	// error
	Error *serverError `json:"error,omitempty"`
}

// serverError is the nested error object of an error event:
// {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverError struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e *serverError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "unknown error"
	}
	if e.Code != "" {
		return fmt.Sprintf("openai: %s (%s)", msg, e.Code)
	}
	return "openai: " + msg
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn      *websocket.Conn
	resampler audio.Resampler
	events    chan s2s.ServerEvent

	mu     sync.Mutex
	errVal error
	closed bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// awaitSessionUpdated reads until the server confirms the session.update.
// session.created, which the server sends on connect, is skipped.
func (s *session) awaitSessionUpdated(ctx context.Context) error {
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("openai: await session.updated: %w", err)
		}
		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			return fmt.Errorf("%w: malformed message: %v", ErrSetupRejected, err)
		}
		switch evt.Type {
		case "session.created":
			continue
		case "session.updated":
			return nil
		case "error":
			if evt.Error == nil {
				evt.Error = &serverError{}
			}
			return fmt.Errorf("%w: %w", ErrSetupRejected, evt.Error)
		default:
			return fmt.Errorf("%w: unexpected %q", ErrSetupRejected, evt.Type)
		}
	}
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// receiveLoop reads events from the WebSocket and dispatches them.
// It owns the events channel and closes it when it exits.
func (s *session) receiveLoop() {
	defer s.closeChannels()

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.setErr(fmt.Errorf("openai: receive: %w", err))
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			slog.Debug("openai: skipping malformed event", "err", err, "bytes", len(data))
			continue
		}

		ev, ok := toEvent(&evt)
		if !ok {
			continue
		}
		select {
		case s.events <- ev:
		case <-s.ctx.Done():
			return
		}
	}
}

// toEvent maps one Realtime server event onto an s2s.ServerEvent. It reports
// false for events a consumer has no use for.
func toEvent(evt *serverEvent) (s2s.ServerEvent, bool) {
	var ev s2s.ServerEvent
	switch evt.Type {
	case "response.audio.delta":
		pcm, err := audio.DecodeBase64(evt.Delta)
		if err != nil || len(pcm) == 0 {
			slog.Debug("openai: skipping undecodable audio delta", "err", err)
			return ev, false
		}
		ev.Audio = []s2s.AudioChunk{{Data: pcm, SampleRate: wireSampleRate}}

	case "response.audio_transcript.delta":
		ev.OutputTranscript = evt.Delta

	case "conversation.item.input_audio_transcription.completed":
		ev.InputTranscript = evt.Transcript

	case "input_audio_buffer.speech_started":
		// Server VAD cancels the response in flight when the user speaks.
		ev.Interrupted = true

	case "response.done":
		ev.TurnComplete = true

	case "error":
		if evt.Error == nil {
			evt.Error = &serverError{}
		}
		slog.Warn("openai: server reported error", "type", evt.Error.Type, "err", evt.Error)
		return ev, false
	}
	return ev, !ev.Empty()
}

func (s *session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

func (s *session) closeChannels() {
	s.closeOnce.Do(func() {
		close(s.events)
	})
}

func (s *session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ── SessionHandle methods ──────────────────────────────────────────────────────

// SendAudio appends a raw PCM16 chunk to the input buffer, resampled to the
// wire rate.
func (s *session) SendAudio(chunk []byte) error {
	if s.isClosed() {
		return fmt.Errorf("openai: session closed")
	}

	pcm := chunk
	if !s.resampler.Passthrough() {
		pcm = audio.EncodeFloat32(s.resampler.Process(audio.DecodeFloat32(chunk)))
	}
	return s.writeJSON(s.ctx, appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: audio.EncodeBase64(pcm),
	})
}

// SendContext adds item as a user message. When it completes the turn a
// response is requested as well.
func (s *session) SendContext(item s2s.ContextItem) error {
	if s.isClosed() {
		return fmt.Errorf("openai: session closed")
	}

	msg := createConversationItemMessage{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type:    "message",
			Role:    "user",
			Content: []conversationPart{{Type: "input_text", Text: item.Text}},
		},
	}
	if err := s.writeJSON(s.ctx, msg); err != nil {
		return err
	}
	if !item.TurnComplete {
		return nil
	}
	return s.writeJSON(s.ctx, responseCreateMessage{Type: "response.create"})
}

// Events returns the inbound event channel.
func (s *session) Events() <-chan s2s.ServerEvent { return s.events }

// Err returns the first non-nil error that caused the session to terminate.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close terminates the session and releases all resources. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
