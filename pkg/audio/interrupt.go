package audio

// InterruptReason identifies why scheduled playback was cut short.
type InterruptReason int

const (
	// ServerInterrupted indicates the remote endpoint signalled that its
	// turn was interrupted because the caller started speaking (barge-in).
	ServerInterrupted InterruptReason = iota

	// SessionStopped indicates the caller stopped the session.
	SessionStopped

	// TransportLost indicates the channel to the remote endpoint failed or
	// was closed by the remote side.
	TransportLost
)

// String returns the human-readable name of the interrupt reason.
func (r InterruptReason) String() string {
	switch r {
	case ServerInterrupted:
		return "SERVER_INTERRUPTED"
	case SessionStopped:
		return "SESSION_STOPPED"
	case TransportLost:
		return "TRANSPORT_LOST"
	default:
		return "UNKNOWN"
	}
}

// Interrupter halts all pending and playing output at once.
//
// Interrupt stops every scheduled voice, discards anything still waiting to
// be scheduled and resets the playback cursor. It returns the number of
// sources that were stopped. An interruption never ends the session.
type Interrupter interface {
	Interrupt(reason InterruptReason) int
}
