// Package timeline provides a software [audio.OutputDevice] whose clock is
// the number of sample frames it has rendered.
//
// A sink drives the clock by pulling audio: the oto speaker reads it as an
// [io.Reader], while the Discord and WAV sinks call [Device.Pump] to render
// fixed periods in real time. Voices scheduled on the timeline are mixed
// into the rendered output at sample-accurate positions.
package timeline

import (
	"context"
	"fmt"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/medilearn/livevoice/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.OutputDevice = (*Device)(nil)
	_ io.Reader          = (*Device)(nil)
)

// Device is a pull-driven output device. It is safe for concurrent use.
type Device struct {
	format audio.Format

	mu     sync.Mutex
	pos    int64 // frames rendered so far
	voices []*voice
	closed bool
}

type voice struct {
	dev     *Device
	start   int64 // absolute start frame
	samples []int16
	onEnded func()
	once    sync.Once
}

// New returns a device rendering in format f.
func New(f audio.Format) *Device {
	return &Device{format: f}
}

// Format implements [audio.OutputDevice].
func (d *Device) Format() audio.Format { return d.format }

// Now implements [audio.OutputDevice].
func (d *Device) Now() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.frameTime(d.pos)
}

// Schedule implements [audio.OutputDevice]. Buffers in a foreign format are
// converted to the device format first.
func (d *Device) Schedule(buf audio.Buffer, at time.Duration, onEnded func()) (audio.Voice, error) {
	samples := buf.Samples
	if buf.Format != d.format {
		conv := audio.Converter{Target: d.format}
		samples = conv.Convert(samples, buf.Format)
	}
	v := &voice{dev: d, samples: samples, onEnded: onEnded}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, audio.ErrDeviceClosed
	}
	// A start in the past loses its head rather than shifting, so the voice
	// keeps its end frame and never runs into the next one.
	v.start = d.timeFrame(at)
	if late := d.pos - v.start; late > 0 {
		skip := min(late*int64(d.format.Channels), int64(len(samples)))
		v.samples = samples[skip:]
		v.start = d.pos
	}
	if len(v.samples) < d.format.Channels {
		d.mu.Unlock()
		v.finish()
		return v, nil
	}
	d.voices = append(d.voices, v)
	d.mu.Unlock()
	return v, nil
}

// Stop implements [audio.Voice].
func (v *voice) Stop() {
	d := v.dev
	d.mu.Lock()
	d.voices = slices.DeleteFunc(d.voices, func(x *voice) bool { return x == v })
	d.mu.Unlock()
	v.finish()
}

func (v *voice) finish() {
	v.once.Do(func() {
		if v.onEnded != nil {
			v.onEnded()
		}
	})
}

func (v *voice) frames(ch int) int64 { return int64(len(v.samples) / ch) }

// Render mixes the next len(dst)/channels frames into dst and advances the
// clock. Frames with no scheduled voice are silent. Voices that finish
// within the rendered period are removed and their onEnded callbacks run
// after the lock is released. It returns the number of frames rendered.
func (d *Device) Render(dst []int16) int {
	ch := d.format.Channels
	n := int64(len(dst) / ch)
	clear(dst)

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return 0
	}
	from, to := d.pos, d.pos+n
	var ended []*voice
	mix := make([]int32, n*int64(ch))
	d.voices = slices.DeleteFunc(d.voices, func(v *voice) bool {
		end := v.start + v.frames(ch)
		lo, hi := max(v.start, from), min(end, to)
		for f := lo; f < hi; f++ {
			src := v.samples[(f-v.start)*int64(ch):]
			out := mix[(f-from)*int64(ch):]
			for c := range ch {
				out[c] += int32(src[c])
			}
		}
		if end <= to {
			ended = append(ended, v)
			return true
		}
		return false
	})
	d.pos = to
	d.mu.Unlock()

	for i, s := range mix {
		dst[i] = clamp16(s)
	}
	for _, v := range ended {
		v.finish()
	}
	return int(n)
}

// Read implements [io.Reader] for pull-based sinks. It renders whole frames
// of little-endian int16 PCM and returns [io.EOF] once the device is closed.
func (d *Device) Read(p []byte) (int, error) {
	frameBytes := 2 * d.format.Channels
	n := len(p) / frameBytes
	if n == 0 {
		return 0, nil
	}
	samples := make([]int16, n*d.format.Channels)
	if d.Render(samples) == 0 {
		return 0, io.EOF
	}
	audio.Int16ToPCM16(p[:0], samples)
	return n * frameBytes, nil
}

// Pump renders period-sized blocks on a real-time ticker and passes each
// to write until ctx is cancelled, write fails, or the device is closed.
func (d *Device) Pump(ctx context.Context, period time.Duration, write func([]int16) error) error {
	frames := d.format.SampleRate * int(period) / int(time.Second)
	if frames <= 0 {
		return fmt.Errorf("timeline: period %v is shorter than one frame", period)
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		block := make([]int16, frames*d.format.Channels)
		if d.Render(block) == 0 {
			return nil
		}
		if err := write(block); err != nil {
			return err
		}
	}
}

// Pending returns the number of voices scheduled or playing.
func (d *Device) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.voices)
}

// Close implements [audio.OutputDevice]. Every remaining voice is stopped.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	voices := d.voices
	d.voices = nil
	d.mu.Unlock()
	for _, v := range voices {
		v.finish()
	}
	return nil
}

func (d *Device) frameTime(frames int64) time.Duration {
	return d.format.FrameTime(frames)
}

// timeFrame rounds up so that timeFrame(frameTime(n)) == n. A cursor built
// from truncated frame times therefore lands on the frame it names.
func (d *Device) timeFrame(t time.Duration) int64 {
	return d.format.FrameAt(t)
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
