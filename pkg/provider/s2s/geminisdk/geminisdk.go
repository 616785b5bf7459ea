// Package geminisdk implements the s2s.Provider interface on top of the
// official google.golang.org/genai client. It talks to the same Gemini Live
// endpoint as package gemini but lets the SDK own the wire protocol.
package geminisdk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/genai"

	"github.com/medilearn/livevoice/pkg/audio"
	"github.com/medilearn/livevoice/pkg/memory"
	"github.com/medilearn/livevoice/pkg/provider/s2s"
	"github.com/medilearn/livevoice/pkg/provider/s2s/gemini"
)

var _ s2s.Provider = (*Provider)(nil)
var _ s2s.SessionHandle = (*session)(nil)

const defaultSetupTimeout = 10 * time.Second

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the Gemini model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithSetupTimeout bounds how long Connect waits for the setup acknowledgement.
func WithSetupTimeout(d time.Duration) Option {
	return func(p *Provider) { p.setupTimeout = d }
}

// Provider implements s2s.Provider with the genai SDK.
type Provider struct {
	client       *genai.Client
	model        string
	setupTimeout time.Duration
}

// New creates a genai client for the Gemini API backend.
func New(ctx context.Context, apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("geminisdk: api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("geminisdk: new client: %w", err)
	}
	p := &Provider{
		client:       client,
		model:        gemini.DefaultModel,
		setupTimeout: defaultSetupTimeout,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Capabilities returns the same static metadata as the raw WebSocket backend.
func (p *Provider) Capabilities() s2s.Capabilities {
	return s2s.Capabilities{
		InputFormat:          gemini.InputFormat,
		OutputFormat:         gemini.OutputFormat,
		MaxSessionDurationMs: 15 * 60 * 1000,
		Voices:               gemini.Voices(),
	}
}

// Connect opens a Live session and waits for the setup acknowledgement.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	live, err := p.client.Live.Connect(ctx, p.model, liveConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("geminisdk: connect: %w", err)
	}

	sess := &session{
		live:   live,
		events: s2s.NewStream(64),
	}

	setupCtx, cancel := context.WithTimeout(ctx, p.setupTimeout)
	defer cancel()
	if err := sess.awaitSetupComplete(setupCtx); err != nil {
		live.Close()
		return nil, fmt.Errorf("geminisdk: setup: %w", err)
	}

	go sess.receiveLoop()
	return sess, nil
}

// liveConfig maps a session config onto the SDK's connect config.
func liveConfig(cfg s2s.SessionConfig) *genai.LiveConnectConfig {
	lc := &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{genai.ModalityAudio},
	}
	if cfg.Instructions != "" {
		lc.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: cfg.Instructions}},
		}
	}
	if cfg.Voice.ID != "" {
		lc.SpeechConfig = &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: cfg.Voice.ID},
			},
		}
	}
	if cfg.InputTranscription {
		lc.InputAudioTranscription = &genai.AudioTranscriptionConfig{}
	}
	if cfg.OutputTranscription {
		lc.OutputAudioTranscription = &genai.AudioTranscriptionConfig{}
	}
	return lc
}

type session struct {
	live   *genai.Session
	events *s2s.Stream

	mu     sync.Mutex
	closed bool
}

// awaitSetupComplete reads until SetupComplete. Receive has no context, so a
// timeout closes the session to unblock it.
func (s *session) awaitSetupComplete(ctx context.Context) error {
	result := make(chan error, 1)
	go func() {
		for {
			msg, err := s.live.Receive()
			if err != nil {
				result <- err
				return
			}
			if msg.SetupComplete != nil {
				result <- nil
				return
			}
		}
	}()
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		s.live.Close()
		<-result
		return ctx.Err()
	}
}

func (s *session) receiveLoop() {
	for {
		msg, err := s.live.Receive()
		if err != nil {
			if s.markClosed() {
				s.events.Finish(s2s.Event{Kind: s2s.EventError, Err: fmt.Errorf("geminisdk: receive: %w", err)})
			}
			return
		}
		for _, ev := range translate(msg) {
			if !s.events.Emit(ev) {
				return
			}
		}
	}
}

// translate turns one server message into events, in the order the raw
// WebSocket backend uses: transcripts, audio, interruption, turn end.
func translate(msg *genai.LiveServerMessage) []s2s.Event {
	if msg == nil {
		return nil
	}
	if msg.GoAway != nil {
		slog.Warn("geminisdk: server is about to disconnect")
	}
	sc := msg.ServerContent
	if sc == nil {
		return nil
	}

	var out []s2s.Event
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		out = append(out, s2s.Event{Kind: s2s.EventTranscript, Speaker: memory.SpeakerRemote, Text: sc.OutputTranscription.Text})
	}
	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		out = append(out, s2s.Event{Kind: s2s.EventTranscript, Speaker: memory.SpeakerCaller, Text: sc.InputTranscription.Text})
	}
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p == nil || p.InlineData == nil || len(p.InlineData.Data) == 0 {
				continue
			}
			mimeType := p.InlineData.MIMEType
			if mimeType == "" {
				mimeType = gemini.OutputFormat.MIMEType()
			}
			out = append(out, s2s.Event{Kind: s2s.EventAudio, Audio: p.InlineData.Data, MIMEType: mimeType})
		}
	}
	if sc.Interrupted {
		out = append(out, s2s.Event{Kind: s2s.EventInterrupted})
	}
	if sc.TurnComplete {
		out = append(out, s2s.Event{Kind: s2s.EventTurnComplete})
	}
	return out
}

func (s *session) markClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	return true
}

func (s *session) SendAudio(frame audio.AudioFrame) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return s2s.ErrSessionClosed
	}
	f := frame.Format()
	if !f.Valid() {
		f = gemini.InputFormat
	}
	err := s.live.SendRealtimeInput(genai.LiveRealtimeInput{
		Media: &genai.Blob{MIMEType: f.MIMEType(), Data: frame.Data},
	})
	if err != nil {
		return fmt.Errorf("geminisdk: send audio: %w", err)
	}
	return nil
}

func (s *session) Events() <-chan s2s.Event { return s.events.C() }

func (s *session) Close() error {
	if !s.markClosed() {
		return nil
	}
	s.events.Finish(s2s.Event{Kind: s2s.EventClosed})
	if err := s.live.Close(); err != nil {
		slog.Debug("geminisdk: close", "err", err)
	}
	return nil
}
