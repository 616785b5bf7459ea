package wav

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/medilearn/livevoice/pkg/audio"
	"github.com/medilearn/livevoice/pkg/audio/timeline"
)

// Compile-time interface assertions.
var (
	_ audio.Microphone   = (*Microphone)(nil)
	_ audio.OutputDevice = (*Recorder)(nil)
)

// ─── Microphone ──────────────────────────────────────────────────────────────

// Microphone replays a WAV file as if it were captured live. Samples are
// delivered in blocks of FramesPerCallback frames at the file's real-time
// rate. When the file is exhausted the stream goes silent unless Loop is set.
type Microphone struct {
	Path string
	Loop bool
}

type fileStream struct {
	format audio.Format
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Open implements [audio.Microphone]. The requested sample rate is ignored:
// the stream reports the file's own format.
func (m *Microphone) Open(ctx context.Context, cfg audio.CaptureConfig, fn audio.CaptureFunc) (audio.CaptureStream, error) {
	data, err := os.ReadFile(m.Path)
	if err != nil {
		if errors.Is(err, os.ErrPermission) {
			return nil, fmt.Errorf("wav: open %s: %w: %w", m.Path, audio.ErrPermissionDenied, err)
		}
		return nil, fmt.Errorf("wav: open %s: %w: %w", m.Path, audio.ErrNoDevice, err)
	}
	samples, f, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("wav: open %s: %w: %w", m.Path, audio.ErrNoDevice, err)
	}

	block := cfg.FramesPerCallback
	if block <= 0 {
		block = f.SampleRate / 50
	}
	period := time.Duration(block) * time.Second / time.Duration(f.SampleRate)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &fileStream{format: f, cancel: cancel, done: make(chan struct{})}
	go s.run(runCtx, samples, block*f.Channels, period, m.Loop, fn)
	return s, nil
}

func (s *fileStream) run(ctx context.Context, samples []int16, blockLen int, period time.Duration, loop bool, fn audio.CaptureFunc) {
	defer close(s.done)
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	out := make([]float32, blockLen)
	pos := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if pos >= len(samples) {
			if !loop {
				slog.Debug("wav: microphone input exhausted")
				<-ctx.Done()
				return
			}
			pos = 0
		}
		end := min(pos+blockLen, len(samples))
		out = audio.Int16ToFloat32(out[:0], samples[pos:end])
		pos = end
		fn(out)
	}
}

func (s *fileStream) Format() audio.Format { return s.format }

// Close stops replay and waits for the delivery goroutine, so fn is never
// called after Close returns.
func (s *fileStream) Close() error {
	s.once.Do(func() {
		s.cancel()
		<-s.done
	})
	return nil
}

// ─── Recorder ────────────────────────────────────────────────────────────────

// Recorder is an output device that renders its timeline in real time and
// writes the result to a WAV file when closed.
type Recorder struct {
	*timeline.Device
	path string

	mu      sync.Mutex
	samples []int16

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	err    error
}

// OpenRecorder starts a recorder rendering in format f every period
// (20 ms when zero). The file at path is written on Close.
func OpenRecorder(path string, f audio.Format, period time.Duration) (*Recorder, error) {
	if !f.Valid() {
		return nil, fmt.Errorf("wav: recorder: invalid format %s", f)
	}
	if period <= 0 {
		period = 20 * time.Millisecond
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Recorder{
		Device: timeline.New(f),
		path:   path,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		defer close(r.done)
		_ = r.Pump(ctx, period, func(block []int16) error {
			r.mu.Lock()
			r.samples = append(r.samples, block...)
			r.mu.Unlock()
			return nil
		})
	}()
	return r, nil
}

// Close stops every voice, stops rendering and writes the file.
func (r *Recorder) Close() error {
	r.once.Do(func() {
		r.cancel()
		<-r.done
		_ = r.Device.Close()

		r.mu.Lock()
		samples := r.samples
		r.mu.Unlock()

		var buf bytes.Buffer
		if err := Encode(&buf, samples, r.Format()); err != nil {
			r.err = err
			return
		}
		if err := os.WriteFile(r.path, buf.Bytes(), 0o644); err != nil {
			r.err = fmt.Errorf("wav: write %s: %w", r.path, err)
		}
	})
	return r.err
}
