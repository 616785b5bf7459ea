package session

import (
	"context"
	"errors"

	"github.com/looplab/fsm"
)

// State is the lifecycle stage of a [Controller].
type State string

const (
	Idle       State = "Idle"
	Connecting State = "Connecting"
	Active     State = "Active"
	Closing    State = "Closing"
	Failed     State = "Failed"
)

// String implements [fmt.Stringer].
func (s State) String() string { return string(s) }

// Lifecycle events.
const (
	evStart   = "start"
	evOpen    = "open"
	evFail    = "fail"
	evClose   = "close"
	evCleanup = "cleanup"
	evReset   = "reset"
)

var (
	// ErrPermissionDenied is returned by [Controller.Start] when the
	// microphone could not be opened. Capture never started.
	ErrPermissionDenied = errors.New("session: microphone unavailable")

	// ErrConnectionFailed is returned by [Controller.Start] when the remote
	// endpoint could not be reached or rejected the setup.
	ErrConnectionFailed = errors.New("session: connection failed")

	// ErrTransport is reported through [Controller.Err] when an active
	// session ended because the channel failed or the remote side closed it.
	ErrTransport = errors.New("session: transport lost")

	// ErrAlreadyStarted is returned by [Controller.Start] while an attempt
	// is connecting, active or closing.
	ErrAlreadyStarted = errors.New("session: already started")
)

// newFSM builds the lifecycle machine:
//
//	Idle -start-> Connecting -open-> Active -close-> Closing -cleanup-> Idle
//	              Connecting -fail-> Failed -reset-> Idle
func newFSM(after func(from, to State)) *fsm.FSM {
	return fsm.NewFSM(
		string(Idle),
		fsm.Events{
			{Name: evStart, Src: []string{string(Idle)}, Dst: string(Connecting)},
			{Name: evOpen, Src: []string{string(Connecting)}, Dst: string(Active)},
			{Name: evFail, Src: []string{string(Connecting)}, Dst: string(Failed)},
			{Name: evClose, Src: []string{string(Active)}, Dst: string(Closing)},
			{Name: evCleanup, Src: []string{string(Closing)}, Dst: string(Idle)},
			{Name: evReset, Src: []string{string(Failed)}, Dst: string(Idle)},
		},
		fsm.Callbacks{
			"after_event": func(_ context.Context, e *fsm.Event) {
				after(State(e.Src), State(e.Dst))
			},
		},
	)
}
