package wav_test

import (
	"bytes"
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/medilearn/livevoice/pkg/audio"
	"github.com/medilearn/livevoice/pkg/audio/wav"
)

func sine(n, rate int) []int16 {
	s := make([]int16, n)
	for i := range s {
		s[i] = int16(16383 * math.Sin(2*math.Pi*440*float64(i)/float64(rate)))
	}
	return s
}

func TestEncodeDecode(t *testing.T) {
	t.Parallel()
	f := audio.Format{SampleRate: 8000, Channels: 1}
	samples := sine(800, f.SampleRate)

	var buf bytes.Buffer
	if err := wav.Encode(&buf, samples, f); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if got, want := buf.Len(), 44+len(samples)*2; got != want {
		t.Errorf("encoded size = %d, want %d", got, want)
	}

	got, gotFormat, err := wav.Decode(buf.Bytes())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if gotFormat != f {
		t.Errorf("format = %v, want %v", gotFormat, f)
	}
	if !slices.Equal(got, samples) {
		t.Error("decoded samples differ from the encoded ones")
	}
}

func TestDecode_SkipsUnknownChunks(t *testing.T) {
	t.Parallel()
	f := audio.Format{SampleRate: 16000, Channels: 2}
	var buf bytes.Buffer
	_ = wav.Encode(&buf, []int16{1, 2, 3, 4}, f)
	raw := buf.Bytes()

	// Splice a LIST chunk with an odd size (padded) between fmt and data.
	list := []byte{'L', 'I', 'S', 'T', 3, 0, 0, 0, 'a', 'b', 'c', 0}
	spliced := slices.Concat(raw[:36], list, raw[36:])

	got, gotFormat, err := wav.Decode(spliced)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if gotFormat != f || !slices.Equal(got, []int16{1, 2, 3, 4}) {
		t.Errorf("got %v %v", gotFormat, got)
	}
}

func TestDecode_Invalid(t *testing.T) {
	t.Parallel()
	for name, data := range map[string][]byte{
		"empty":      nil,
		"not riff":   []byte("RIFX0000WAVE"),
		"no data":    []byte("RIFF0000WAVE"),
		"data first": append([]byte("RIFF0000WAVEdata\x02\x00\x00\x00"), 0, 0),
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			if _, _, err := wav.Decode(data); !errors.Is(err, wav.ErrInvalid) {
				t.Errorf("err = %v, want ErrInvalid", err)
			}
		})
	}
}

func TestMicrophone(t *testing.T) {
	t.Parallel()
	f := audio.Format{SampleRate: 1000, Channels: 1}
	path := filepath.Join(t.TempDir(), "in.wav")
	var buf bytes.Buffer
	_ = wav.Encode(&buf, sine(50, f.SampleRate), f)
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}

	var (
		mu     sync.Mutex
		frames int
	)
	gotAll := make(chan struct{})
	mic := &wav.Microphone{Path: path}
	stream, err := mic.Open(context.Background(), audio.CaptureConfig{FramesPerCallback: 10}, func(s []float32) {
		mu.Lock()
		defer mu.Unlock()
		frames += len(s)
		if frames == 50 {
			close(gotAll)
		}
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer stream.Close()

	if stream.Format() != f {
		t.Errorf("Format = %v, want %v", stream.Format(), f)
	}
	select {
	case <-gotAll:
	case <-time.After(2 * time.Second):
		t.Fatal("did not receive the whole file")
	}
	if err := stream.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestMicrophone_MissingFile(t *testing.T) {
	t.Parallel()
	mic := &wav.Microphone{Path: filepath.Join(t.TempDir(), "missing.wav")}
	_, err := mic.Open(context.Background(), audio.CaptureConfig{}, func([]float32) {})
	if !errors.Is(err, audio.ErrNoDevice) {
		t.Fatalf("err = %v, want ErrNoDevice", err)
	}
}

func TestRecorder(t *testing.T) {
	t.Parallel()
	f := audio.Format{SampleRate: 1000, Channels: 1}
	path := filepath.Join(t.TempDir(), "out.wav")

	rec, err := wav.OpenRecorder(path, f, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("OpenRecorder: %v", err)
	}
	ended := make(chan struct{})
	buf := audio.Buffer{Samples: []int16{9, 9, 9}, Format: f}
	if _, err := rec.Schedule(buf, 0, func() { close(ended) }); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	select {
	case <-ended:
	case <-time.After(2 * time.Second):
		t.Fatal("voice never ended")
	}
	if err := rec.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	samples, got, err := wav.Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got != f {
		t.Errorf("format = %v, want %v", got, f)
	}
	if !slices.Contains(samples, 9) {
		t.Error("recorded file does not contain the scheduled voice")
	}
}
