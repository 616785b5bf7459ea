package audio

import "time"

// AudioFrame is a single block of audio flowing through a voice session.
// Frames are produced by the capture encoder (outbound) and by the remote
// endpoint (inbound). A frame is treated as immutable once handed off:
// neither the session channel nor the scheduler mutates Data in place.
type AudioFrame struct {
	// Data is interleaved little-endian int16 PCM.
	Data []byte

	// SampleRate in Hz (16000 for outbound Gemini audio, 24000 for model output).
	SampleRate int

	// Channels is the interleaved channel count; voice sessions are mono.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	// Zero for inbound frames.
	Timestamp time.Duration
}

// Format returns the sample rate and channel count of the frame.
func (f AudioFrame) Format() Format {
	return Format{SampleRate: f.SampleRate, Channels: f.Channels}
}

// Duration returns the playback length of the frame's PCM payload.
func (f AudioFrame) Duration() time.Duration {
	return f.Format().Duration(len(f.Data))
}

// Buffer is a decoded, device-ready block of interleaved int16 samples.
// It is what a [Decoder]-style step hands to an [OutputDevice].
type Buffer struct {
	Samples []int16
	Format  Format
}

// Frames returns the number of sample frames (samples per channel).
func (b Buffer) Frames() int {
	if b.Format.Channels <= 0 {
		return 0
	}
	return len(b.Samples) / b.Format.Channels
}

// Duration returns the playback length of the buffer.
func (b Buffer) Duration() time.Duration {
	return b.Format.FrameTime(int64(b.Frames()))
}

// Skip returns the buffer without its first d of audio, rounded to the
// nearest frame. The result shares Samples with b and is empty when d covers
// the whole buffer.
func (b Buffer) Skip(d time.Duration) Buffer {
	n := b.Frames()
	if d <= 0 || n == 0 {
		return b
	}
	rate := int64(b.Format.SampleRate)
	skip := int((int64(d)*rate + int64(time.Second)/2) / int64(time.Second))
	skip = min(skip, n)
	return Buffer{Samples: b.Samples[skip*b.Format.Channels:], Format: b.Format}
}
