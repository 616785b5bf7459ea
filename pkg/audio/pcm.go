package audio

import (
	"encoding/binary"
	"fmt"
	"mime"
	"strconv"
	"time"
)

// PCMMIMEType is the media type used for raw PCM16LE audio on the wire.
const PCMMIMEType = "audio/pcm"

// Duration returns the playback length of nbytes of PCM16 data in format f.
// Returns zero for an invalid format.
func (f Format) Duration(nbytes int) time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	return f.FrameTime(int64(f.Frames(nbytes)))
}

// Frames returns the number of whole sample frames in nbytes of PCM16 data
// in format f.
func (f Format) Frames(nbytes int) int {
	if f.Channels <= 0 {
		return 0
	}
	return nbytes / (2 * f.Channels)
}

// FrameTime returns the offset of frame n from the start of a stream in
// format f, rounded down to the nanosecond. Offsets computed from a frame
// count do not accumulate rounding error the way summed durations do.
func (f Format) FrameTime(n int64) time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(n * int64(time.Second) / int64(f.SampleRate))
}

// FrameAt returns the index of the frame that starts at offset d, rounding
// up, so FrameAt(FrameTime(n)) == n.
func (f Format) FrameAt(d time.Duration) int64 {
	if f.SampleRate <= 0 || d <= 0 {
		return 0
	}
	return (int64(d)*int64(f.SampleRate) + int64(time.Second) - 1) / int64(time.Second)
}

// Bytes returns the PCM16 byte count needed to hold d of audio in format f,
// rounded down to a whole sample frame.
func (f Format) Bytes(d time.Duration) int {
	if f.SampleRate <= 0 || f.Channels <= 0 || d <= 0 {
		return 0
	}
	frames := int(int64(d) * int64(f.SampleRate) / int64(time.Second))
	return frames * f.Channels * 2
}

// MIMEType renders f as a wire media type, e.g. "audio/pcm;rate=16000".
// The channel count is only included when it is not mono.
func (f Format) MIMEType() string {
	s := PCMMIMEType + ";rate=" + strconv.Itoa(f.SampleRate)
	if f.Channels > 1 {
		s += ";channels=" + strconv.Itoa(f.Channels)
	}
	return s
}

// ParseMIMEType parses a PCM media type such as "audio/pcm;rate=24000".
// When rate or channels are absent, the values of fallback are used.
func ParseMIMEType(s string, fallback Format) (Format, error) {
	if s == "" {
		return fallback, nil
	}
	mt, params, err := mime.ParseMediaType(s)
	if err != nil {
		return Format{}, fmt.Errorf("audio: parse mime type %q: %w", s, err)
	}
	if mt != PCMMIMEType && mt != "audio/l16" {
		return Format{}, fmt.Errorf("audio: unsupported mime type %q", mt)
	}
	f := fallback
	if v, ok := params["rate"]; ok {
		if f.SampleRate, err = strconv.Atoi(v); err != nil || f.SampleRate <= 0 {
			return Format{}, fmt.Errorf("audio: invalid rate %q in %q", v, s)
		}
	}
	if v, ok := params["channels"]; ok {
		if f.Channels, err = strconv.Atoi(v); err != nil || f.Channels <= 0 {
			return Format{}, fmt.Errorf("audio: invalid channels %q in %q", v, s)
		}
	}
	return f, nil
}

// Float32ToPCM16 encodes samples in [-1, 1] as little-endian int16 into dst,
// growing it only when its capacity is too small. Out-of-range samples are
// clamped. It returns the encoded slice.
func Float32ToPCM16(dst []byte, src []float32) []byte {
	n := len(src) * 2
	if cap(dst) < n {
		dst = make([]byte, n)
	}
	dst = dst[:n]
	for i, s := range src {
		var v int16
		switch {
		case s >= 1:
			v = 32767
		case s <= -1:
			v = -32768
		case s < 0:
			v = int16(s * 32768)
		default:
			v = int16(s * 32767)
		}
		binary.LittleEndian.PutUint16(dst[i*2:], uint16(v))
	}
	return dst
}

// PCM16ToInt16 decodes little-endian int16 bytes into dst. A trailing odd
// byte is ignored.
func PCM16ToInt16(dst []int16, src []byte) []int16 {
	n := len(src) / 2
	if cap(dst) < n {
		dst = make([]int16, n)
	}
	dst = dst[:n]
	for i := range dst {
		dst[i] = int16(binary.LittleEndian.Uint16(src[i*2:]))
	}
	return dst
}

// Int16ToPCM16 encodes int16 samples as little-endian bytes into dst.
func Int16ToPCM16(dst []byte, src []int16) []byte {
	n := len(src) * 2
	if cap(dst) < n {
		dst = make([]byte, n)
	}
	dst = dst[:n]
	for i, s := range src {
		binary.LittleEndian.PutUint16(dst[i*2:], uint16(s))
	}
	return dst
}

// Int16ToFloat32 converts int16 samples to float32 in [-1, 1) into dst.
func Int16ToFloat32(dst []float32, src []int16) []float32 {
	if cap(dst) < len(src) {
		dst = make([]float32, len(src))
	}
	dst = dst[:len(src)]
	for i, s := range src {
		dst[i] = float32(s) / 32768
	}
	return dst
}
