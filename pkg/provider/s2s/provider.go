// Package s2s defines the Provider interface for speech-to-speech backends.
//
// An S2S provider wraps a real-time conversational voice model that accepts
// raw audio input and streams synthesised audio and transcript fragments
// back over one long-lived duplex channel. Examples include Gemini Live and
// the OpenAI Realtime API.
//
// The central abstraction is [SessionHandle]: outbound audio goes in through
// SendAudio, and everything the endpoint says comes out of a single ordered
// [Event] stream. Consumers run one loop over Events instead of juggling
// per-kind callbacks, so there is exactly one place where arrival order is
// observed.
//
// All implementations must be safe for concurrent use.
package s2s

import (
	"context"
	"errors"

	"github.com/medilearn/livevoice/pkg/audio"
)

// ErrSessionClosed is returned by SendAudio once the session has closed,
// whether by Close, by the remote side, or after a transport failure.
var ErrSessionClosed = errors.New("s2s: session closed")

// VoiceProfile names a voice offered by a provider.
type VoiceProfile struct {
	// ID is the provider-specific voice name, e.g. "Zephyr" or "alloy".
	ID string

	// Name is a human-readable label.
	Name string

	// Language is a BCP-47 tag, empty when the voice is multilingual.
	Language string
}

// SessionConfig is the initial configuration for a new S2S session.
type SessionConfig struct {
	// Voice selects the voice used for synthesised speech.
	Voice VoiceProfile

	// Instructions is the system prompt.
	Instructions string

	// InputTranscription asks the endpoint to transcribe caller speech.
	InputTranscription bool

	// OutputTranscription asks the endpoint to transcribe its own speech.
	OutputTranscription bool
}

// Capabilities describes static properties of an S2S provider. The values
// are constant for the lifetime of the Provider instance.
type Capabilities struct {
	// InputFormat is the audio format SendAudio expects.
	InputFormat audio.Format

	// OutputFormat is the format of [EventAudio] payloads when the endpoint
	// does not state one in the MIME type.
	OutputFormat audio.Format

	// MaxSessionDurationMs is the provider's hard upper bound on session
	// lifetime. Zero means no documented limit.
	MaxSessionDurationMs int

	// Voices lists the voices available for this provider.
	Voices []VoiceProfile
}

// SessionHandle is an open S2S session. It is an interface so that test
// code can supply mock implementations without a live provider connection.
//
// Callers must call Close when the session is no longer needed.
type SessionHandle interface {
	// SendAudio hands one frame in the provider's input format to the
	// endpoint. It is fire-and-forget: it never waits for the endpoint to
	// act on the frame. Returns [ErrSessionClosed] once the session has
	// closed.
	SendAudio(frame audio.AudioFrame) error

	// Events returns the inbound event stream. Events arrive strictly in
	// the order the endpoint sent them and the stream has a single
	// consumer. The last event is always [EventError] or [EventClosed],
	// after which the channel is closed. Consumers must drain the channel
	// promptly to avoid stalling the provider's receive loop.
	Events() <-chan Event

	// Close terminates the session and releases all resources. If no
	// terminal event has been emitted yet, [EventClosed] is emitted. It is
	// safe to call Close more than once; subsequent calls return nil.
	Close() error
}

// Provider is the abstraction over any S2S backend.
type Provider interface {
	// Connect opens a session and returns once the endpoint has
	// acknowledged the setup, i.e. when the channel is open. A failed
	// setup never yields a handle.
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)

	// Capabilities returns static metadata about the provider.
	Capabilities() Capabilities
}
