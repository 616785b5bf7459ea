// Package audio defines the audio types and device abstractions used by a
// live voice session.
//
// The two primary abstractions are:
//
//   - [Microphone] opens a capture stream that delivers float32 sample
//     blocks to a [CaptureFunc] from the host audio thread.
//   - [OutputDevice] owns a monotonic playback clock and accepts decoded
//     [Buffer] values scheduled at absolute start times on that clock.
//
// Implementations live in sub-packages: audio/native (malgo microphone, oto
// speaker), audio/wav, audio/discord and the audio/timeline software mixer
// they share. This package lives under pkg/ because external code is
// expected to implement these interfaces.
package audio

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrPermissionDenied is returned by [Microphone.Open] when the host
	// refuses access to the capture device.
	ErrPermissionDenied = errors.New("audio: permission denied")

	// ErrNoDevice is returned when the requested device does not exist or
	// cannot be initialised.
	ErrNoDevice = errors.New("audio: no device")

	// ErrDeviceClosed is returned by operations on a closed device.
	ErrDeviceClosed = errors.New("audio: device closed")
)

// CaptureFunc receives one block of interleaved samples in [-1, 1]. It is
// called on the host audio thread and must not block. The slice is only
// valid for the duration of the call.
type CaptureFunc func(samples []float32)

// CaptureConfig requests a capture format. Devices may deliver a different
// format; the one actually in use is reported by [CaptureStream.Format].
type CaptureConfig struct {
	// SampleRate in Hz. Zero selects the device default.
	SampleRate int

	// Channels requested. Zero means mono.
	Channels int

	// FramesPerCallback is a hint for the callback period. Zero lets the
	// device choose.
	FramesPerCallback int
}

// CaptureStream is an open microphone. Closing it releases the device and
// guarantees the [CaptureFunc] is not invoked afterwards.
type CaptureStream interface {
	// Format returns the format of the samples delivered to the CaptureFunc.
	Format() Format

	// Close stops capture. It is safe to call more than once.
	Close() error
}

// Microphone is a source of capture streams.
//
// Open must report permission and device failures synchronously, wrapping
// [ErrPermissionDenied] or [ErrNoDevice].
type Microphone interface {
	Open(ctx context.Context, cfg CaptureConfig, fn CaptureFunc) (CaptureStream, error)
}

// Voice is a buffer bound to an [OutputDevice] at a fixed start time.
type Voice interface {
	// Stop silences the voice immediately, whether it is playing or still
	// waiting for its start time. Stopping an ended voice is a no-op.
	Stop()
}

// OutputDevice plays scheduled buffers against a sample-accurate clock.
//
// Implementations must be safe for concurrent use.
type OutputDevice interface {
	// Now returns the current device time: the position of the next sample
	// to be rendered, measured from when the device was opened.
	Now() time.Duration

	// Schedule binds buf to start at device time at. When at is already in
	// the past, the part of buf that should have played by now is skipped,
	// so the voice still ends at at plus the buffer length. onEnded, if
	// non-nil, is invoked
	// exactly once when the voice finishes or is stopped, on a goroutine
	// owned by the device; it must not block.
	Schedule(buf Buffer, at time.Duration, onEnded func()) (Voice, error)

	// Format returns the device's native playback format.
	Format() Format

	// Close stops every voice and releases the device.
	Close() error
}
