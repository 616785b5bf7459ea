package audio

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrMalformedPCM is returned when a PCM payload does not hold a whole
// number of sample frames or carries an invalid format.
var ErrMalformedPCM = errors.New("audio: malformed pcm")

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// Valid reports whether f has a positive rate and channel count.
func (f Format) Valid() bool {
	return f.SampleRate > 0 && f.Channels > 0
}

// String returns e.g. "48000Hz stereo".
func (f Format) String() string {
	ch := "mono"
	switch {
	case f.Channels == 2:
		ch = "stereo"
	case f.Channels > 2:
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}

// Converter converts sample blocks to a target format. It logs once on the
// first format mismatch so that a misconfigured device is visible without
// flooding the log from an audio thread.
//
// Create one per stream; a Converter is not designed for shared use across
// goroutines.
type Converter struct {
	Target Format
	warned sync.Once
}

// Convert returns samples (interleaved, in format src) converted to the
// target format. If src already matches, samples is returned unchanged.
// Resampling happens before channel conversion so that a stereo stream
// headed for mono is only resampled once per frame.
func (c *Converter) Convert(samples []int16, src Format) []int16 {
	if src == c.Target || !src.Valid() || !c.Target.Valid() {
		return samples
	}
	c.warned.Do(func() {
		slog.Debug("audio: converting stream format", "from", src, "to", c.Target)
	})
	out := Resample(samples, src.Channels, src.SampleRate, c.Target.SampleRate)
	return Remix(out, src.Channels, c.Target.Channels)
}

// DecodePCM decodes a little-endian int16 payload in format src into a
// [Buffer] in format dst. It fails with [ErrMalformedPCM] when the payload
// is empty, not frame aligned, or either format is invalid.
func DecodePCM(data []byte, src, dst Format) (Buffer, error) {
	if !src.Valid() || !dst.Valid() {
		return Buffer{}, fmt.Errorf("%w: format %s to %s", ErrMalformedPCM, src, dst)
	}
	if len(data) == 0 || len(data)%(2*src.Channels) != 0 {
		return Buffer{}, fmt.Errorf("%w: %d bytes is not a whole number of %s frames", ErrMalformedPCM, len(data), src)
	}
	samples := PCM16ToInt16(nil, data)
	conv := Converter{Target: dst}
	return Buffer{Samples: conv.Convert(samples, src), Format: dst}, nil
}

// Remix converts interleaved samples from one channel count to another.
// Mono is duplicated into every output channel, multi-channel input mixed
// down to mono is averaged, and any other combination keeps the leading
// channels (padding missing ones with the first channel).
func Remix(samples []int16, from, to int) []int16 {
	if from == to || from <= 0 || to <= 0 {
		return samples
	}
	frames := len(samples) / from
	out := make([]int16, frames*to)
	for i := range frames {
		in := samples[i*from : i*from+from]
		dst := out[i*to : i*to+to]
		if to == 1 {
			var sum int32
			for _, s := range in {
				sum += int32(s)
			}
			dst[0] = clamp16(sum / int32(from))
			continue
		}
		for ch := range dst {
			if ch < from {
				dst[ch] = in[ch]
			} else {
				dst[ch] = in[0]
			}
		}
	}
	return out
}

// Resample converts interleaved samples with the given channel count from
// srcRate to dstRate using linear interpolation per channel. If the rates
// match, the input is returned unchanged.
func Resample(samples []int16, channels, srcRate, dstRate int) []int16 {
	if srcRate <= 0 || dstRate <= 0 || channels <= 0 || srcRate == dstRate {
		return samples
	}
	srcFrames := len(samples) / channels
	if srcFrames == 0 {
		return nil
	}
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}
	out := make([]int16, dstFrames*channels)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstFrames {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		next := idx + 1
		if next >= srcFrames {
			next = idx
		}
		for ch := range channels {
			s0 := float64(samples[idx*channels+ch])
			s1 := float64(samples[next*channels+ch])
			out[i*channels+ch] = int16(s0 + (s1-s0)*frac)
		}
	}
	return out
}

func clamp16(v int32) int16 {
	switch {
	case v > 32767:
		return 32767
	case v < -32768:
		return -32768
	}
	return int16(v)
}
