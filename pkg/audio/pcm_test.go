package audio_test

import (
	"slices"
	"testing"
	"time"

	"github.com/medilearn/livevoice/pkg/audio"
)

func TestFloat32ToPCM16(t *testing.T) {
	t.Parallel()

	in := []float32{0, 1, -1, 1.5, -2, 0.5}
	want := []int16{0, 32767, -32768, 32767, -32768, 16383}

	dst := make([]byte, 0, 64)
	out := audio.Float32ToPCM16(dst, in)
	if &out[0] != &dst[:1][0] {
		t.Error("expected the destination buffer to be reused")
	}
	if got := audio.PCM16ToInt16(nil, out); !slices.Equal(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestInt16ToFloat32(t *testing.T) {
	t.Parallel()
	got := audio.Int16ToFloat32(nil, []int16{0, -32768, 16384})
	want := []float32{0, -1, 0.5}
	if !slices.Equal(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestFormatDuration(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		format audio.Format
		bytes  int
		want   time.Duration
	}{
		{name: "half second at 24k", format: mono24k, bytes: 24000, want: 500 * time.Millisecond},
		{name: "block of 4096 at 16k", format: mono16k, bytes: 8192, want: 256 * time.Millisecond},
		{name: "20ms stereo 48k", format: stereo48k, bytes: 3840, want: 20 * time.Millisecond},
		{name: "invalid format", format: audio.Format{}, bytes: 100, want: 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := tc.format.Duration(tc.bytes); got != tc.want {
				t.Errorf("Duration(%d) = %v, want %v", tc.bytes, got, tc.want)
			}
			if tc.want > 0 {
				if got := tc.format.Bytes(tc.want); got != tc.bytes {
					t.Errorf("Bytes(%v) = %d, want %d", tc.want, got, tc.bytes)
				}
			}
		})
	}
}

func TestParseMIMEType(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    audio.Format
		wantErr bool
	}{
		{in: "audio/pcm;rate=24000", want: mono24k},
		{in: "audio/pcm; rate=48000; channels=2", want: stereo48k},
		{in: "audio/pcm", want: mono16k},
		{in: "", want: mono16k},
		{in: "audio/opus", wantErr: true},
		{in: "audio/pcm;rate=fast", wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			t.Parallel()
			got, err := audio.ParseMIMEType(tc.in, mono16k)
			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tc.wantErr)
			}
			if !tc.wantErr && got != tc.want {
				t.Errorf("got %v, want %v", got, tc.want)
			}
		})
	}
	if got := mono16k.MIMEType(); got != "audio/pcm;rate=16000" {
		t.Errorf("MIMEType() = %q", got)
	}
}

func TestFormatFrameAtInvertsFrameTime(t *testing.T) {
	t.Parallel()
	for _, f := range []audio.Format{mono16k, mono24k, stereo48k, {SampleRate: 44100, Channels: 1}} {
		for n := int64(0); n < 5000; n++ {
			if got := f.FrameAt(f.FrameTime(n)); got != n {
				t.Fatalf("%s: FrameAt(FrameTime(%d)) = %d", f, n, got)
			}
		}
	}
	if got := mono24k.FrameTime(5); got != 208333 {
		t.Errorf("FrameTime(5) at 24k = %d, want 208333ns", got)
	}
}

func TestBufferSkip(t *testing.T) {
	t.Parallel()
	f := audio.Format{SampleRate: 1000, Channels: 2}
	buf := audio.Buffer{Samples: []int16{1, 1, 2, 2, 3, 3, 4, 4}, Format: f}

	tests := []struct {
		skip time.Duration
		want []int16
	}{
		{0, []int16{1, 1, 2, 2, 3, 3, 4, 4}},
		{1 * time.Millisecond, []int16{2, 2, 3, 3, 4, 4}},
		{2400 * time.Microsecond, []int16{3, 3, 4, 4}},
		{2600 * time.Microsecond, []int16{4, 4}},
		{time.Second, []int16{}},
	}
	for _, tc := range tests {
		if got := buf.Skip(tc.skip).Samples; !slices.Equal(got, tc.want) {
			t.Errorf("Skip(%v) = %v, want %v", tc.skip, got, tc.want)
		}
	}
}
