package s2s

import (
	"fmt"
	"sync"

	"github.com/medilearn/livevoice/pkg/memory"
)

// EventKind classifies an inbound [Event].
type EventKind int

const (
	// EventAudio carries one chunk of synthesised speech.
	EventAudio EventKind = iota + 1

	// EventTranscript carries one transcript fragment.
	EventTranscript

	// EventInterrupted signals that the endpoint stopped its current turn
	// because the caller started speaking. Not an error.
	EventInterrupted

	// EventTurnComplete signals the end of the endpoint's turn.
	EventTurnComplete

	// EventError reports a transport failure. Terminal.
	EventError

	// EventClosed reports a clean close. Terminal.
	EventClosed
)

// String returns the human-readable name of the event kind.
func (k EventKind) String() string {
	switch k {
	case EventAudio:
		return "AUDIO"
	case EventTranscript:
		return "TRANSCRIPT"
	case EventInterrupted:
		return "INTERRUPTED"
	case EventTurnComplete:
		return "TURN_COMPLETE"
	case EventError:
		return "ERROR"
	case EventClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether no event can follow one of this kind.
func (k EventKind) Terminal() bool {
	return k == EventError || k == EventClosed
}

// Event is one inbound message from the endpoint. Only the fields relevant
// to Kind are set.
type Event struct {
	Kind EventKind

	// Audio is the raw payload of an [EventAudio]; opaque to the channel.
	Audio []byte

	// MIMEType describes Audio, e.g. "audio/pcm;rate=24000".
	MIMEType string

	// Speaker and Text describe an [EventTranscript].
	Speaker memory.Speaker
	Text    string

	// Err is the cause of an [EventError].
	Err error
}

// String implements [fmt.Stringer] for logging.
func (e Event) String() string {
	switch e.Kind {
	case EventAudio:
		return fmt.Sprintf("%s(%d bytes, %s)", e.Kind, len(e.Audio), e.MIMEType)
	case EventTranscript:
		return fmt.Sprintf("%s(%s: %q)", e.Kind, e.Speaker, e.Text)
	case EventError:
		return fmt.Sprintf("%s(%v)", e.Kind, e.Err)
	default:
		return e.Kind.String()
	}
}

// Stream is the event plumbing shared by the backends: an ordered channel
// that accepts events until a terminal one is emitted, then closes.
// Emitting blocks while the consumer is behind, so no event is ever
// dropped.
//
// The zero value is not usable; create one with [NewStream].
type Stream struct {
	ch   chan Event
	done chan struct{}

	mu        sync.Mutex
	finished  bool
	closeOnce sync.Once
}

// NewStream returns a stream with the given channel capacity.
func NewStream(capacity int) *Stream {
	return &Stream{
		ch:   make(chan Event, capacity),
		done: make(chan struct{}),
	}
}

// C returns the consumer side of the stream.
func (s *Stream) C() <-chan Event { return s.ch }

// Emit appends a non-terminal event. It returns false when the stream has
// already finished, in which case the event is discarded.
func (s *Stream) Emit(ev Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return false
	}
	select {
	case s.ch <- ev:
		return true
	case <-s.done:
		return false
	}
}

// Finish emits a terminal event and closes the channel. It never blocks:
// pending Emit calls are abandoned, and a full channel receives the terminal
// event as soon as the consumer reads. Only the first call has any effect;
// it reports whether this call finished the stream.
func (s *Stream) Finish(ev Event) bool {
	s.closeOnce.Do(func() { close(s.done) })
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return false
	}
	s.finished = true
	select {
	case s.ch <- ev:
		close(s.ch)
	default:
		// The consumer is behind; deliver once it catches up.
		go func() {
			s.ch <- ev
			close(s.ch)
		}()
	}
	return true
}

// Finished reports whether a terminal event has been emitted.
func (s *Stream) Finished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}
