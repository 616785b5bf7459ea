// Package openai implements the s2s.Provider interface for OpenAI's Realtime API.
//
// It establishes a bidirectional WebSocket connection to the OpenAI Realtime
// endpoint and exchanges JSON events according to the Realtime API protocol.
// Audio is transmitted as base64-encoded PCM16 chunks at 24 kHz mono in both
// directions. Server-side voice activity detection drives barge-in: the
// endpoint's speech_started notification is surfaced as an interruption.
package openai

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/coder/websocket"

	"github.com/medilearn/livevoice/pkg/audio"
	"github.com/medilearn/livevoice/pkg/memory"
	"github.com/medilearn/livevoice/pkg/provider/s2s"
)

// Compile-time assertions that Provider and session satisfy the s2s interfaces.
var _ s2s.Provider = (*Provider)(nil)
var _ s2s.SessionHandle = (*session)(nil)

const (
	defaultModel        = "gpt-4o-realtime-preview"
	defaultBaseURL      = "wss://api.openai.com/v1/realtime"
	defaultSetupTimeout = 10 * time.Second
	transcriptionModel  = "whisper-1"

	readLimit   = 16 << 20
	eventBuffer = 64
)

// Format is the PCM16 format the Realtime API uses in both directions.
var Format = audio.Format{SampleRate: 24000, Channels: 1}

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the OpenAI model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithSetupTimeout bounds how long Connect waits for session.updated.
func WithSetupTimeout(d time.Duration) Option {
	return func(p *Provider) { p.setupTimeout = d }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements s2s.Provider for OpenAI's Realtime API.
type Provider struct {
	apiKey       string
	model        string
	baseURL      string
	setupTimeout time.Duration
}

// New creates a new OpenAI Realtime Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:       apiKey,
		model:        defaultModel,
		baseURL:      defaultBaseURL,
		setupTimeout: defaultSetupTimeout,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Capabilities returns static metadata about the OpenAI Realtime provider.
func (p *Provider) Capabilities() s2s.Capabilities {
	return s2s.Capabilities{
		InputFormat:          Format,
		OutputFormat:         Format,
		MaxSessionDurationMs: 30 * 60 * 1000,
		Voices: []s2s.VoiceProfile{
			{ID: "alloy", Name: "Alloy"},
			{ID: "ash", Name: "Ash"},
			{ID: "ballad", Name: "Ballad"},
			{ID: "coral", Name: "Coral"},
			{ID: "echo", Name: "Echo"},
			{ID: "sage", Name: "Sage"},
			{ID: "shimmer", Name: "Shimmer"},
			{ID: "verse", Name: "Verse"},
		},
	}
}

// Connect establishes a new OpenAI Realtime session with the given
// configuration. It returns once the endpoint has confirmed the
// session.update with session.updated.
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
	conn.SetReadLimit(readLimit)

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:             conn,
		events:           s2s.NewStream(eventBuffer),
		outputTranscript: cfg.OutputTranscription,
		ctx:              sessCtx,
		cancel:           sessCancel,
	}

	setupCtx, cancel := context.WithTimeout(ctx, p.setupTimeout)
	defer cancel()

	if err := sess.sendSessionUpdate(setupCtx, cfg); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("openai: session update: %w", err)
	}
	if err := sess.awaitSessionUpdated(setupCtx); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("openai: session update: %w", err)
	}

	go sess.receiveLoop()

	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Voice                   string                   `json:"voice,omitempty"`
	Instructions            string                   `json:"instructions,omitempty"`
	InputAudioFormat        string                   `json:"input_audio_format"`
	OutputAudioFormat       string                   `json:"output_audio_format"`
	InputAudioTranscription *inputAudioTranscription `json:"input_audio_transcription,omitempty"`
	TurnDetection           *turnDetection           `json:"turn_detection,omitempty"`
}

type inputAudioTranscription struct {
	Model string `json:"model"`
}

type turnDetection struct {
	Type string `json:"type"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

// serverErrorDetail represents the nested error object in an OpenAI Realtime
// error event: {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e *serverErrorDetail) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "unknown error"
	}
	if e.Code != "" {
		return fmt.Sprintf("openai: %s (%s)", msg, e.Code)
	}
	return "openai: " + msg
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta / response.audio_transcript.delta
	Delta string `json:"delta,omitempty"`

	// response.audio_transcript.done /
	// conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`

	// error event
	Error *serverErrorDetail `json:"error,omitempty"`
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn   *websocket.Conn
	events *s2s.Stream

	outputTranscript bool

	mu     sync.Mutex
	closed bool

	// currentTxText accumulates response.audio_transcript.delta events until
	// response.audio_transcript.done is received. Only the receive loop
	// touches it.
	currentTxText string

	ctx    context.Context
	cancel context.CancelFunc
}

// sendSessionUpdate sends a session.update event to configure voice,
// instructions, transcription and audio formats.
func (s *session) sendSessionUpdate(ctx context.Context, cfg s2s.SessionConfig) error {
	params := sessionParams{
		Voice:             cfg.Voice.ID,
		Instructions:      cfg.Instructions,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
		TurnDetection:     &turnDetection{Type: "server_vad"},
	}
	if cfg.InputTranscription {
		params.InputAudioTranscription = &inputAudioTranscription{Model: transcriptionModel}
	}
	return s.writeJSON(ctx, sessionUpdateMessage{Type: "session.update", Session: params})
}

// awaitSessionUpdated blocks until the endpoint confirms the session.update.
func (s *session) awaitSessionUpdated(ctx context.Context) error {
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("await session.updated: %w", err)
		}
		var evt serverEvent
		if err := sonic.Unmarshal(data, &evt); err != nil {
			continue
		}
		switch evt.Type {
		case "session.updated":
			return nil
		case "error":
			if evt.Error == nil {
				return fmt.Errorf("openai: unknown error")
			}
			return evt.Error
		}
	}
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(ctx context.Context, v any) error {
	data, err := sonic.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// receiveLoop reads events from the WebSocket and dispatches them. It always
// finishes the event stream before returning.
func (s *session) receiveLoop() {
	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			s.markClosed()
			switch {
			case s.ctx.Err() != nil, websocket.CloseStatus(err) == websocket.StatusNormalClosure:
				s.events.Finish(s2s.Event{Kind: s2s.EventClosed})
			default:
				s.events.Finish(s2s.Event{Kind: s2s.EventError, Err: fmt.Errorf("openai: read: %w", err)})
			}
			s.cancel()
			return
		}

		var evt serverEvent
		if err := sonic.Unmarshal(data, &evt); err != nil {
			continue
		}

		if !s.handleServerEvent(&evt) {
			return
		}
	}
}

// handleServerEvent translates one server event. It returns false once the
// event stream has finished.
func (s *session) handleServerEvent(evt *serverEvent) bool {
	switch evt.Type {
	case "response.audio.delta":
		if evt.Delta == "" {
			return true
		}
		data, err := base64.StdEncoding.DecodeString(evt.Delta)
		if err != nil || len(data) == 0 {
			return true
		}
		return s.events.Emit(s2s.Event{Kind: s2s.EventAudio, Audio: data, MIMEType: Format.MIMEType()})

	case "response.audio_transcript.delta":
		s.currentTxText += evt.Delta

	case "response.audio_transcript.done":
		text := evt.Transcript
		if text == "" {
			text = s.currentTxText
		}
		s.currentTxText = ""
		if text == "" || !s.outputTranscript {
			return true
		}
		return s.events.Emit(s2s.Event{Kind: s2s.EventTranscript, Speaker: memory.SpeakerRemote, Text: text})

	case "conversation.item.input_audio_transcription.completed":
		if evt.Transcript == "" {
			return true
		}
		return s.events.Emit(s2s.Event{Kind: s2s.EventTranscript, Speaker: memory.SpeakerCaller, Text: evt.Transcript})

	case "input_audio_buffer.speech_started":
		return s.events.Emit(s2s.Event{Kind: s2s.EventInterrupted})

	case "response.done":
		return s.events.Emit(s2s.Event{Kind: s2s.EventTurnComplete})

	case "error":
		// Realtime errors after setup concern individual client events and
		// leave the session usable.
		if evt.Error != nil {
			slog.Warn("openai: server error", "err", evt.Error)
		}
	}
	return true
}

// markClosed flips the session to closed and reports whether this call did it.
func (s *session) markClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	return true
}

// ── SessionHandle methods ──────────────────────────────────────────────────────

// SendAudio appends one PCM16 frame to the endpoint's input audio buffer.
// Frames must be 24 kHz mono; frames without a format are assumed to be.
func (s *session) SendAudio(frame audio.AudioFrame) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return s2s.ErrSessionClosed
	}

	if f := frame.Format(); f.Valid() && f != Format {
		return fmt.Errorf("openai: input must be %s, got %s", Format, f)
	}

	err := s.writeJSON(s.ctx, appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(frame.Data),
	})
	if err != nil {
		if s.ctx.Err() != nil {
			return s2s.ErrSessionClosed
		}
		return fmt.Errorf("openai: send audio: %w", err)
	}
	return nil
}

// Events returns the session's ordered inbound event stream.
func (s *session) Events() <-chan s2s.Event { return s.events.C() }

// Close terminates the session and releases all resources. Idempotent.
func (s *session) Close() error {
	if !s.markClosed() {
		return nil
	}
	s.events.Finish(s2s.Event{Kind: s2s.EventClosed})
	s.cancel()
	if err := s.conn.Close(websocket.StatusNormalClosure, "session closed"); err != nil {
		slog.Debug("openai: close", "err", err)
	}
	return nil
}
