package memory

import (
	"fmt"
	"time"
)

// Speaker identifies which side of a live session produced a transcript
// fragment.
type Speaker int

const (
	// SpeakerCaller is the local participant speaking into the microphone.
	SpeakerCaller Speaker = iota + 1

	// SpeakerRemote is the conversational model.
	SpeakerRemote
)

// String returns "caller", "remote" or "unknown".
func (s Speaker) String() string {
	switch s {
	case SpeakerCaller:
		return "caller"
	case SpeakerRemote:
		return "remote"
	default:
		return "unknown"
	}
}

// MarshalText implements [encoding.TextMarshaler].
func (s Speaker) MarshalText() ([]byte, error) {
	if s != SpeakerCaller && s != SpeakerRemote {
		return nil, fmt.Errorf("memory: invalid speaker %d", int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements [encoding.TextUnmarshaler].
func (s *Speaker) UnmarshalText(b []byte) error {
	v, err := ParseSpeaker(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseSpeaker parses the output of [Speaker.String].
func ParseSpeaker(v string) (Speaker, error) {
	switch v {
	case "caller":
		return SpeakerCaller, nil
	case "remote":
		return SpeakerRemote, nil
	}
	return 0, fmt.Errorf("memory: unknown speaker %q", v)
}

// TranscriptEntry is one transcript fragment as delivered by the remote
// endpoint. Entries are never merged or edited after they are appended.
type TranscriptEntry struct {
	// Speaker is the side that produced the fragment.
	Speaker Speaker `json:"speaker"`

	// Text is the fragment exactly as received.
	Text string `json:"text"`

	// Sequence is the 1-based arrival index among fragments of the same
	// speaker within one session.
	Sequence int `json:"sequence"`

	// SessionID identifies the session attempt that produced the entry.
	SessionID string `json:"session_id"`

	// Timestamp is when the fragment was appended.
	Timestamp time.Time `json:"timestamp"`
}

// SessionStatus is a point-in-time view of a session attempt, published
// whenever the session changes state.
type SessionStatus struct {
	SessionID string    `json:"session_id"`
	State     string    `json:"state"`
	Persona   string    `json:"persona"`
	Provider  string    `json:"provider"`
	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Entries   int       `json:"entries"`

	// Error is the terminal error of a failed or transport-lost attempt.
	Error string `json:"error,omitempty"`
}

// Active reports whether the status describes a session that has not ended.
func (s SessionStatus) Active() bool {
	switch s.State {
	case "Connecting", "Active", "Closing":
		return true
	}
	return false
}
