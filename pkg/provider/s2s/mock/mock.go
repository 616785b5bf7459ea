// Package mock provides test doubles for the s2s package interfaces.
//
// Use Provider to verify Connect calls and feed controlled S2S sessions.
// Use Session to script the inbound event stream and inspect which frames
// were sent by the session controller.
//
// Example:
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.Connect(ctx, cfg)
//	sess.Emit(s2s.Event{Kind: s2s.EventAudio, Audio: pcm, MIMEType: "audio/pcm;rate=24000"})
//	sess.Fail(errors.New("connection reset"))
package mock

import (
	"context"
	"sync"

	"github.com/medilearn/livevoice/pkg/audio"
	"github.com/medilearn/livevoice/pkg/provider/s2s"
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

	// Session is the SessionHandle returned by Connect. If nil, Connect
	// returns a fresh Session on every call.
	Session s2s.SessionHandle

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// Gate, if non-nil, makes Connect wait until it is closed or the context
	// is cancelled. It lets tests observe the Connecting state.
	Gate chan struct{}

	// ProviderCapabilities is returned by Capabilities.
	ProviderCapabilities s2s.Capabilities

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall

	// CapabilitiesCallCount is the number of times Capabilities was called.
	CapabilitiesCallCount int

	sessions []*Session
}

// Connect records the call and returns Session, ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	p.mu.Lock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	gate := p.Gate
	p.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	if p.Session != nil {
		return p.Session, nil
	}
	s := NewSession()
	p.sessions = append(p.sessions, s)
	return s, nil
}

// Capabilities records the call and returns ProviderCapabilities.
func (p *Provider) Capabilities() s2s.Capabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CapabilitiesCallCount++
	return p.ProviderCapabilities
}

// CallCount returns the number of Connect calls. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ConnectCalls)
}

// LastSession returns the most recent Session created by Connect, or nil.
func (p *Provider) LastSession() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.sessions) == 0 {
		return nil
	}
	return p.sessions[len(p.sessions)-1]
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = nil
	p.CapabilitiesCallCount = 0
	p.sessions = nil
}

// Ensure Provider implements s2s.Provider at compile time.
var _ s2s.Provider = (*Provider)(nil)

// Session is a mock implementation of s2s.SessionHandle. The event stream is
// driven by the test through Emit, Fail and RemoteClose.
type Session struct {
	stream *s2s.Stream

	mu sync.Mutex

	// SendAudioErr, if non-nil, is returned by every SendAudio call while
	// the session is open.
	SendAudioErr error

	// CloseErr, if non-nil, is returned by the first Close.
	CloseErr error

	sent       []audio.AudioFrame
	closeCalls int
	sentSignal chan struct{}
}

// NewSession returns an open session with a 64-slot event buffer.
func NewSession() *Session {
	return &Session{
		stream:     s2s.NewStream(64),
		sentSignal: make(chan struct{}, 1),
	}
}

// Emit appends a non-terminal event to the stream. It blocks while the
// consumer is behind, like a real backend.
func (s *Session) Emit(ev s2s.Event) bool { return s.stream.Emit(ev) }

// Fail terminates the stream with an [s2s.EventError].
func (s *Session) Fail(err error) {
	s.stream.Finish(s2s.Event{Kind: s2s.EventError, Err: err})
}

// RemoteClose terminates the stream with an [s2s.EventClosed], as if the
// endpoint hung up.
func (s *Session) RemoteClose() {
	s.stream.Finish(s2s.Event{Kind: s2s.EventClosed})
}

// SendAudio records a copy of the frame and returns SendAudioErr, or
// [s2s.ErrSessionClosed] once the stream has finished.
func (s *Session) SendAudio(frame audio.AudioFrame) error {
	if s.stream.Finished() {
		return s2s.ErrSessionClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := frame
	cp.Data = append([]byte(nil), frame.Data...)
	s.sent = append(s.sent, cp)
	select {
	case s.sentSignal <- struct{}{}:
	default:
	}
	return s.SendAudioErr
}

// Events returns the scripted event stream.
func (s *Session) Events() <-chan s2s.Event { return s.stream.C() }

// Close records the call and finishes the stream with [s2s.EventClosed] if
// it is still open.
func (s *Session) Close() error {
	s.stream.Finish(s2s.Event{Kind: s2s.EventClosed})
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCalls++
	if s.closeCalls == 1 {
		return s.CloseErr
	}
	return nil
}

// Sent returns a copy of every frame passed to SendAudio, in order.
func (s *Session) Sent() []audio.AudioFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]audio.AudioFrame, len(s.sent))
	copy(out, s.sent)
	return out
}

// SentSignal receives a value (coalesced) whenever a frame is sent.
func (s *Session) SentSignal() <-chan struct{} { return s.sentSignal }

// CloseCallCount returns the number of Close calls.
func (s *Session) CloseCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCalls
}

// Closed reports whether the event stream has finished for any reason.
func (s *Session) Closed() bool { return s.stream.Finished() }

// Ensure Session implements s2s.SessionHandle at compile time.
var _ s2s.SessionHandle = (*Session)(nil)
