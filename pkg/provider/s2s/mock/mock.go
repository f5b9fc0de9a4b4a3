// Package mock provides test doubles for the s2s package interfaces.
//
// Use Provider to verify Connect calls and feed controlled S2S sessions.
// Use Session to drive the inbound event stream and inspect the exact order
// of outbound payloads.
//
// Example:
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.Connect(ctx, cfg)
//	sess.Emit(s2s.ServerEvent{OutputTranscript: "hello"})
//	calls := sess.WaitForCalls(2, time.Second)
package mock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MrWong99/seance/pkg/provider/s2s"
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Connect.
	Cfg s2s.SessionConfig
}

// Provider is a mock implementation of s2s.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is the SessionHandle returned by Connect. If nil, Connect returns
	// a new default Session.
	Session s2s.SessionHandle

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// ProviderCapabilities is returned by Capabilities.
	ProviderCapabilities s2s.Capabilities

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall
}

// Connect records the call and returns Session, ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	if p.Session != nil {
		return p.Session, nil
	}
	return NewSession(), nil
}

// Capabilities returns ProviderCapabilities.
func (p *Provider) Capabilities() s2s.Capabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ProviderCapabilities
}

// Connects returns a copy of the recorded Connect calls. Thread-safe.
func (p *Provider) Connects() []ConnectCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ConnectCall, len(p.ConnectCalls))
	copy(out, p.ConnectCalls)
	return out
}

// Ensure Provider implements s2s.Provider at compile time.
var _ s2s.Provider = (*Provider)(nil)

// CallKind distinguishes outbound payload types.
type CallKind int

const (
	// CallAudio is a SendAudio call.
	CallAudio CallKind = iota
	// CallContext is a SendContext call.
	CallContext
)

// Call records one outbound payload in the order it was sent.
type Call struct {
	Kind CallKind

	// Audio is a copy of the chunk for CallAudio.
	Audio []byte

	// Context is the item for CallContext.
	Context s2s.ContextItem
}

// ErrClosed is returned by Send methods after Close.
var ErrClosed = errors.New("mock: session closed")

// Session is a mock implementation of s2s.SessionHandle.
type Session struct {
	mu sync.Mutex

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// SendContextErr, if non-nil, is returned by every SendContext call.
	SendContextErr error

	// SendDelay, if non-zero, is slept inside every Send call to simulate a
	// slow transport.
	SendDelay time.Duration

	calls     []Call
	events    chan s2s.ServerEvent
	errVal    error
	closed    bool
	endOnce   sync.Once
	closeCall int
}

// NewSession creates a Session with a buffered event channel.
func NewSession() *Session {
	return &Session{events: make(chan s2s.ServerEvent, 64)}
}

// Ensure Session implements s2s.SessionHandle at compile time.
var _ s2s.SessionHandle = (*Session)(nil)

// SendAudio records the chunk.
func (s *Session) SendAudio(chunk []byte) error {
	if d := s.delay(); d > 0 {
		time.Sleep(d)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.SendAudioErr != nil {
		return s.SendAudioErr
	}
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.calls = append(s.calls, Call{Kind: CallAudio, Audio: cp})
	return nil
}

// SendContext records the item.
func (s *Session) SendContext(item s2s.ContextItem) error {
	if d := s.delay(); d > 0 {
		time.Sleep(d)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.SendContextErr != nil {
		return s.SendContextErr
	}
	s.calls = append(s.calls, Call{Kind: CallContext, Context: item})
	return nil
}

func (s *Session) delay() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.SendDelay
}

// Events returns the inbound event channel.
func (s *Session) Events() <-chan s2s.ServerEvent { return s.events }

// Err returns the error passed to End.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Emit delivers ev to the consumer. It is a no-op after the session ended.
func (s *Session) Emit(ev s2s.ServerEvent) {
	s.mu.Lock()
	ended := s.closed || s.errVal != nil
	s.mu.Unlock()
	if ended {
		return
	}
	s.events <- ev
}

// End simulates a connection-level termination: err is recorded and the
// event channel is closed.
func (s *Session) End(err error) {
	s.mu.Lock()
	if s.errVal == nil {
		s.errVal = err
	}
	s.mu.Unlock()
	s.endOnce.Do(func() { close(s.events) })
}

// Close marks the session closed and closes the event channel. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	s.closeCall++
	s.closed = true
	s.mu.Unlock()
	s.endOnce.Do(func() { close(s.events) })
	return nil
}

// Calls returns a copy of every outbound payload in send order.
func (s *Session) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

// CloseCount returns the number of Close invocations.
func (s *Session) CloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCall
}

// WaitForCalls polls until at least n payloads were sent or timeout passes,
// then returns what was recorded.
func (s *Session) WaitForCalls(n int, timeout time.Duration) []Call {
	deadline := time.Now().Add(timeout)
	for {
		calls := s.Calls()
		if len(calls) >= n || time.Now().After(deadline) {
			return calls
		}
		time.Sleep(2 * time.Millisecond)
	}
}
