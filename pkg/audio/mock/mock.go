// Package mock provides in-memory implementations of [audio.Microphone] and
// [audio.OutputDevice] for use in unit tests.
//
// All mocks are safe for concurrent use. They record every call so that
// tests can assert on call counts and arguments, and they expose exported
// fields that the test can set to control return values.
//
// Typical usage:
//
//	mic := &mock.Microphone{Format: audio.Format{SampleRate: 16000, Channels: 1}}
//	out := mock.NewOutputDevice(audio.Format{SampleRate: 24000, Channels: 1})
//	out.SetNow(100 * time.Millisecond)
//	... run the code under test ...
//	mic.Emit(make([]float32, 4096))
//	calls := out.Scheduled()
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/medilearn/livevoice/pkg/audio"
)

// ─── Microphone ──────────────────────────────────────────────────────────────

// Microphone is a mock implementation of [audio.Microphone].
type Microphone struct {
	mu sync.Mutex

	// Format is reported by opened streams. Defaults to 16 kHz mono.
	Format audio.Format

	// OpenErr is returned by [Microphone.Open] when non-nil.
	OpenErr error

	// CloseErr is returned by [CaptureStream.Close].
	CloseErr error

	// CallCountOpen records how many times Open was called.
	CallCountOpen int

	// LastConfig is the CaptureConfig passed to the most recent Open.
	LastConfig audio.CaptureConfig

	streams []*CaptureStream
}

var _ audio.Microphone = (*Microphone)(nil)

// Open implements [audio.Microphone].
func (m *Microphone) Open(_ context.Context, cfg audio.CaptureConfig, fn audio.CaptureFunc) (audio.CaptureStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallCountOpen++
	m.LastConfig = cfg
	if m.OpenErr != nil {
		return nil, m.OpenErr
	}
	f := m.Format
	if !f.Valid() {
		f = audio.Format{SampleRate: 16000, Channels: 1}
	}
	s := &CaptureStream{format: f, fn: fn, closeErr: m.CloseErr}
	m.streams = append(m.streams, s)
	return s, nil
}

// Emit delivers samples to every open stream, as the host audio thread
// would. Closed streams are skipped.
func (m *Microphone) Emit(samples []float32) {
	m.mu.Lock()
	streams := append([]*CaptureStream(nil), m.streams...)
	m.mu.Unlock()
	for _, s := range streams {
		s.emit(samples)
	}
}

// Streams returns every stream opened so far.
func (m *Microphone) Streams() []*CaptureStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*CaptureStream(nil), m.streams...)
}

// CaptureStream is returned by [Microphone.Open].
type CaptureStream struct {
	mu       sync.Mutex
	format   audio.Format
	fn       audio.CaptureFunc
	closed   bool
	closes   int
	closeErr error
}

// Format implements [audio.CaptureStream].
func (s *CaptureStream) Format() audio.Format { return s.format }

// Close implements [audio.CaptureStream].
func (s *CaptureStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	s.closed = true
	return s.closeErr
}

// Closed reports whether Close has been called.
func (s *CaptureStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// CallCountClose returns how many times Close was called.
func (s *CaptureStream) CallCountClose() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

func (s *CaptureStream) emit(samples []float32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.fn == nil {
		return
	}
	s.fn(samples)
}

// ─── OutputDevice ────────────────────────────────────────────────────────────

// ScheduleCall records one call to [OutputDevice.Schedule].
type ScheduleCall struct {
	Buffer audio.Buffer
	At     time.Duration
	Voice  *Voice
}

// OutputDevice is a mock implementation of [audio.OutputDevice] with a
// manually driven clock.
type OutputDevice struct {
	mu     sync.Mutex
	format audio.Format
	now    time.Duration
	calls  []ScheduleCall
	closed bool

	// ScheduleErr is returned by Schedule when non-nil.
	ScheduleErr error

	// CloseErr is returned by Close.
	CloseErr error
}

var _ audio.OutputDevice = (*OutputDevice)(nil)

// NewOutputDevice returns a device reporting format f with its clock at 0.
func NewOutputDevice(f audio.Format) *OutputDevice {
	return &OutputDevice{format: f}
}

// SetNow sets the device clock.
func (d *OutputDevice) SetNow(t time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.now = t
}

// Now implements [audio.OutputDevice].
func (d *OutputDevice) Now() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.now
}

// Format implements [audio.OutputDevice].
func (d *OutputDevice) Format() audio.Format { return d.format }

// Schedule implements [audio.OutputDevice]. The returned voice never ends on
// its own; call [Voice.End] to simulate natural completion.
func (d *OutputDevice) Schedule(buf audio.Buffer, at time.Duration, onEnded func()) (audio.Voice, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ScheduleErr != nil {
		return nil, d.ScheduleErr
	}
	if d.closed {
		return nil, audio.ErrDeviceClosed
	}
	v := &Voice{onEnded: onEnded, at: at, dur: buf.Duration()}
	d.calls = append(d.calls, ScheduleCall{Buffer: buf, At: at, Voice: v})
	return v, nil
}

// Scheduled returns a copy of every Schedule call, in order.
func (d *OutputDevice) Scheduled() []ScheduleCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]ScheduleCall(nil), d.calls...)
}

// Close implements [audio.OutputDevice].
func (d *OutputDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return d.CloseErr
}

// Closed reports whether Close has been called.
func (d *OutputDevice) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// Voice is returned by [OutputDevice.Schedule].
type Voice struct {
	mu      sync.Mutex
	onEnded func()
	at, dur time.Duration
	stopped bool
	ended   bool
}

var _ audio.Voice = (*Voice)(nil)

// Stop implements [audio.Voice]. It invokes onEnded once.
func (v *Voice) Stop() {
	v.mu.Lock()
	v.stopped = true
	v.mu.Unlock()
	v.End()
}

// End simulates the voice reaching the end of its buffer.
func (v *Voice) End() {
	v.mu.Lock()
	if v.ended {
		v.mu.Unlock()
		return
	}
	v.ended = true
	fn := v.onEnded
	v.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Stopped reports whether Stop was called.
func (v *Voice) Stopped() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.stopped
}

// Start returns the start time the voice was scheduled at.
func (v *Voice) Start() time.Duration { return v.at }

// Duration returns the length of the scheduled buffer.
func (v *Voice) Duration() time.Duration { return v.dur }
