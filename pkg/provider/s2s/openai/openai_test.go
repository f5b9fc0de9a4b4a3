package openai_test

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/seance/pkg/provider/s2s"
	"github.com/MrWong99/seance/pkg/provider/s2s/openai"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startOpenAIServer launches a test WebSocket server. The handler function
// receives the accepted *websocket.Conn. The server is automatically closed
// when the test finishes.
func startOpenAIServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readJSON reads one WebSocket text frame and decodes it into v.
func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Errorf("readJSON: %v", err)
		return
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Errorf("readJSON unmarshal: %v", err)
	}
}

// writeJSON marshals v and sends it as a text frame.
func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

// acceptSession reads session.update and acknowledges it the way the
// Realtime server does, with session.created first.
func acceptSession(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	var raw map[string]any
	readJSON(t, conn, &raw)
	writeJSON(t, conn, map[string]any{"type": "session.created"})
	writeJSON(t, conn, map[string]any{"type": "session.updated"})
}

// newProvider creates a Provider pointing at the given test server.
func newProvider(srv *httptest.Server) *openai.Provider {
	return openai.New("test-api-key", openai.WithBaseURL(wsURL(srv)))
}

func pcm16(samples ...int16) []byte {
	b := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(b[i*2:], uint16(s))
	}
	return b
}

// nextEvent waits for one event or fails the test.
func nextEvent(t *testing.T, h s2s.SessionHandle) s2s.ServerEvent {
	t.Helper()
	select {
	case ev, ok := <-h.Events():
		if !ok {
			t.Fatal("events channel closed unexpectedly")
		}
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for event")
	}
	return s2s.ServerEvent{}
}

// ── Option constructor tests ───────────────────────────────────────────────────

func TestNew_DefaultModel(t *testing.T) {
	t.Parallel()
	if got := openai.New("k").Model(); got != "gpt-4o-realtime-preview" {
		t.Errorf("default model = %q", got)
	}
	if openai.New("k", openai.WithModel("")).Model() == "" {
		t.Error("empty WithModel should keep the default")
	}
}

func TestConnect_ModelAndHeaders(t *testing.T) {
	t.Parallel()

	reqCh := make(chan *http.Request, 1)
	srv := startOpenAIServer(t, func(conn *websocket.Conn, r *http.Request) {
		reqCh <- r
		acceptSession(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	p := openai.New("test-api-key", openai.WithModel("gpt-realtime"), openai.WithBaseURL(wsURL(srv)))
	handle, err := p.Connect(context.Background(), s2s.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	r := <-reqCh
	if got := r.URL.Query().Get("model"); got != "gpt-realtime" {
		t.Errorf("model = %q, want gpt-realtime", got)
	}
	if got := r.Header.Get("Authorization"); got != "Bearer test-api-key" {
		t.Errorf("Authorization = %q", got)
	}
	if got := r.Header.Get("OpenAI-Beta"); got != "realtime=v1" {
		t.Errorf("OpenAI-Beta = %q", got)
	}
}

// ── Capabilities ───────────────────────────────────────────────────────────────

func TestCapabilities(t *testing.T) {
	t.Parallel()
	caps := openai.New("key").Capabilities()
	if caps.InputSampleRate != 24000 || caps.OutputSampleRate != 24000 {
		t.Errorf("rates = %d/%d, want 24000/24000", caps.InputSampleRate, caps.OutputSampleRate)
	}
	if len(caps.Voices) == 0 {
		t.Error("no voices listed")
	}
}

// ── Setup ──────────────────────────────────────────────────────────────────────

type sessionUpdate struct {
	Type    string `json:"type"`
	Session struct {
		Modalities              []string `json:"modalities"`
		Voice                   string   `json:"voice"`
		Instructions            string   `json:"instructions"`
		InputAudioFormat        string   `json:"input_audio_format"`
		OutputAudioFormat       string   `json:"output_audio_format"`
		InputAudioTranscription *struct {
			Model    string `json:"model"`
			Language string `json:"language"`
		} `json:"input_audio_transcription"`
		TurnDetection *struct {
			Type string `json:"type"`
		} `json:"turn_detection"`
	} `json:"session"`
}

func TestConnect_SendsSessionUpdate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		voice     string
		wantVoice string
	}{
		{name: "realtime voice", voice: "coral", wantVoice: "coral"},
		{name: "aliased voice", voice: "Aoede", wantVoice: "shimmer"},
		{name: "unknown voice", voice: "Charon", wantVoice: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			received := make(chan sessionUpdate, 1)
			srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
				var msg sessionUpdate
				readJSON(t, conn, &msg)
				received <- msg
				writeJSON(t, conn, map[string]any{"type": "session.updated"})
				<-conn.CloseRead(context.Background()).Done()
			})

			handle, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{
				Voice:        tt.voice,
				Instructions: "You are the spirit of the original programmer.",
				LanguageCode: "es-ES",
			})
			if err != nil {
				t.Fatalf("Connect: %v", err)
			}
			defer handle.Close()

			msg := <-received
			s := msg.Session
			if msg.Type != "session.update" {
				t.Errorf("type = %q", msg.Type)
			}
			if s.Voice != tt.wantVoice {
				t.Errorf("voice = %q, want %q", s.Voice, tt.wantVoice)
			}
			if s.Instructions != "You are the spirit of the original programmer." {
				t.Errorf("instructions = %q", s.Instructions)
			}
			if s.InputAudioFormat != "pcm16" || s.OutputAudioFormat != "pcm16" {
				t.Errorf("formats = %q/%q", s.InputAudioFormat, s.OutputAudioFormat)
			}
			if s.InputAudioTranscription == nil || s.InputAudioTranscription.Model != "whisper-1" ||
				s.InputAudioTranscription.Language != "es" {
				t.Errorf("input transcription = %+v", s.InputAudioTranscription)
			}
			if s.TurnDetection == nil || s.TurnDetection.Type != "server_vad" {
				t.Errorf("turn detection = %+v", s.TurnDetection)
			}
			if len(s.Modalities) != 2 {
				t.Errorf("modalities = %v", s.Modalities)
			}
		})
	}
}

func TestConnect_SetupRejected(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		reply   string
		wantMsg string
	}{
		{
			name:    "error event",
			reply:   `{"type":"error","error":{"type":"invalid_request_error","code":"invalid_value","message":"Invalid voice"}}`,
			wantMsg: "Invalid voice",
		},
		{
			name:    "unexpected event",
			reply:   `{"type":"response.done"}`,
			wantMsg: "response.done",
		},
		{
			name:    "malformed message",
			reply:   `{not json`,
			wantMsg: "malformed",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
				var raw map[string]any
				readJSON(t, conn, &raw)
				ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
				defer cancel()
				_ = conn.Write(ctx, websocket.MessageText, []byte(tt.reply))
				<-conn.CloseRead(context.Background()).Done()
			})

			_, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{})
			if !errors.Is(err, openai.ErrSetupRejected) {
				t.Fatalf("Connect err = %v, want ErrSetupRejected", err)
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("error %q should mention %q", err, tt.wantMsg)
			}
		})
	}
}

func TestConnect_SetupTimeout(t *testing.T) {
	t.Parallel()

	srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		writeJSON(t, conn, map[string]any{"type": "session.created"})
		<-conn.CloseRead(context.Background()).Done()
	})

	p := openai.New("k", openai.WithBaseURL(wsURL(srv)), openai.WithSetupTimeout(100*time.Millisecond))
	start := time.Now()
	if _, err := p.Connect(context.Background(), s2s.SessionConfig{}); err == nil {
		t.Fatal("expected timeout error")
	}
	if time.Since(start) > 2*time.Second {
		t.Error("Connect did not honour the setup timeout")
	}
}

func TestConnect_CancelledContext_ReturnsError(t *testing.T) {
	t.Parallel()

	srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
		<-conn.CloseRead(context.Background()).Done()
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := newProvider(srv).Connect(ctx, s2s.SessionConfig{}); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}

// ── Outbound ───────────────────────────────────────────────────────────────────

func TestSendAudio_ResamplesToWireRate(t *testing.T) {
	t.Parallel()

	type appendMsg struct {
		Type  string `json:"type"`
		Audio string `json:"audio"`
	}

	tests := []struct {
		name      string
		inputRate int
		samples   int
		wantBytes int
	}{
		{name: "16 kHz microphone", inputRate: 16000, samples: 320, wantBytes: 480 * 2},
		{name: "already 24 kHz", inputRate: 24000, samples: 240, wantBytes: 240 * 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := make(chan appendMsg, 1)
			srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
				acceptSession(t, conn)
				var msg appendMsg
				readJSON(t, conn, &msg)
				got <- msg
				<-conn.CloseRead(context.Background()).Done()
			})

			handle, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{InputSampleRate: tt.inputRate})
			if err != nil {
				t.Fatalf("Connect: %v", err)
			}
			defer handle.Close()

			chunk := pcm16(make([]int16, tt.samples)...)
			if err := handle.SendAudio(chunk); err != nil {
				t.Fatalf("SendAudio: %v", err)
			}

			msg := <-got
			if msg.Type != "input_audio_buffer.append" {
				t.Errorf("type = %q", msg.Type)
			}
			data, err := base64.StdEncoding.DecodeString(msg.Audio)
			if err != nil {
				t.Fatalf("decode audio: %v", err)
			}
			if len(data) != tt.wantBytes {
				t.Errorf("payload = %d bytes, want %d", len(data), tt.wantBytes)
			}
		})
	}
}

func TestSendContext_ItemAndResponseTrigger(t *testing.T) {
	t.Parallel()

	type clientMsg struct {
		Type string `json:"type"`
		Item struct {
			Type    string `json:"type"`
			Role    string `json:"role"`
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		} `json:"item"`
	}
	got := make(chan clientMsg, 3)
	srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSession(t, conn)
		for range 3 {
			var msg clientMsg
			readJSON(t, conn, &msg)
			got <- msg
		}
		<-conn.CloseRead(context.Background()).Done()
	})

	handle, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	if err := handle.SendContext(s2s.ContextItem{Text: "manifest", TurnComplete: false}); err != nil {
		t.Fatalf("SendContext: %v", err)
	}
	if err := handle.SendContext(s2s.ContextItem{Text: "introduce yourself", TurnComplete: true}); err != nil {
		t.Fatalf("SendContext: %v", err)
	}

	first, second, third := <-got, <-got, <-got
	if first.Type != "conversation.item.create" || first.Item.Role != "user" || first.Item.Type != "message" {
		t.Errorf("first = %+v", first)
	}
	if len(first.Item.Content) != 1 || first.Item.Content[0].Type != "input_text" ||
		first.Item.Content[0].Text != "manifest" {
		t.Errorf("first content = %+v", first.Item.Content)
	}
	if second.Type != "conversation.item.create" || second.Item.Content[0].Text != "introduce yourself" {
		t.Errorf("second = %+v", second)
	}
	if third.Type != "response.create" {
		t.Errorf("third type = %q, want response.create", third.Type)
	}
}

func TestSend_AfterClose(t *testing.T) {
	t.Parallel()

	srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSession(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	handle, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := handle.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := handle.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := handle.SendAudio(pcm16(1)); err == nil {
		t.Error("SendAudio after Close should fail")
	}
	if err := handle.SendContext(s2s.ContextItem{Text: "x"}); err == nil {
		t.Error("SendContext after Close should fail")
	}
	select {
	case _, ok := <-handle.Events():
		if ok {
			t.Error("events channel should be closed after Close")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for events channel close")
	}
	if err := handle.Err(); err != nil {
		t.Errorf("Err after local close = %v, want nil", err)
	}
}

// ── Inbound ────────────────────────────────────────────────────────────────────

func TestEvents_Mapping(t *testing.T) {
	t.Parallel()

	audioData := pcm16(100, -100, 200)
	srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSession(t, conn)
		writeJSON(t, conn, map[string]any{"type": "response.created"})
		writeJSON(t, conn, map[string]any{"type": "response.audio.delta", "delta": base64.StdEncoding.EncodeToString(audioData)})
		writeJSON(t, conn, map[string]any{"type": "response.audio_transcript.delta", "delta": "Hola, "})
		writeJSON(t, conn, map[string]any{"type": "error", "error": map[string]any{"message": "rate limited"}})
		writeJSON(t, conn, map[string]any{"type": "conversation.item.input_audio_transcription.completed", "transcript": "what does main do"})
		writeJSON(t, conn, map[string]any{"type": "input_audio_buffer.speech_started"})
		writeJSON(t, conn, map[string]any{"type": "response.done"})
		<-conn.CloseRead(context.Background()).Done()
	})

	handle, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	ev := nextEvent(t, handle)
	if len(ev.Audio) != 1 || string(ev.Audio[0].Data) != string(audioData) || ev.Audio[0].SampleRate != 24000 {
		t.Errorf("audio event = %+v", ev)
	}
	if ev := nextEvent(t, handle); ev.OutputTranscript != "Hola, " {
		t.Errorf("output transcript event = %+v", ev)
	}
	if ev := nextEvent(t, handle); ev.InputTranscript != "what does main do" {
		t.Errorf("input transcript event = %+v", ev)
	}
	if ev := nextEvent(t, handle); !ev.Interrupted {
		t.Errorf("speech_started event = %+v, want Interrupted", ev)
	}
	if ev := nextEvent(t, handle); !ev.TurnComplete {
		t.Errorf("response.done event = %+v, want TurnComplete", ev)
	}
}

func TestEvents_SkipsMalformedFrames(t *testing.T) {
	t.Parallel()

	srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSession(t, conn)
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = conn.Write(ctx, websocket.MessageText, []byte("{not json"))
		writeJSON(t, conn, map[string]any{"type": "response.audio_transcript.delta", "delta": "still here"})
		<-conn.CloseRead(context.Background()).Done()
	})

	handle, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	if ev := nextEvent(t, handle); ev.OutputTranscript != "still here" {
		t.Errorf("event = %+v", ev)
	}
}

func TestEvents_RemoteCloseSetsErr(t *testing.T) {
	t.Parallel()

	srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSession(t, conn)
		conn.Close(websocket.StatusGoingAway, "bye")
	})

	handle, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	select {
	case _, ok := <-handle.Events():
		if ok {
			t.Fatal("expected channel close")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for remote close")
	}
	if handle.Err() == nil {
		t.Error("Err should report the remote close")
	}
}
