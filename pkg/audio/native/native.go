// Package native binds the session to the host's sound hardware: the
// microphone is captured through miniaudio (github.com/gen2brain/malgo) and
// the speaker is driven by oto, which pulls rendered PCM from a
// [timeline.Device].
package native

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"
	ma "github.com/gen2brain/malgo"

	"github.com/medilearn/livevoice/pkg/audio"
	"github.com/medilearn/livevoice/pkg/audio/timeline"
)

// Defaults used when a [audio.CaptureConfig] leaves fields zero.
const (
	DefaultCaptureRate = 16000
	defaultPeriod      = 4096
)

// Compile-time interface assertions.
var (
	_ audio.Microphone    = (*Microphone)(nil)
	_ audio.CaptureStream = (*captureStream)(nil)
	_ audio.OutputDevice  = (*Speaker)(nil)
)

// ─── Microphone ──────────────────────────────────────────────────────────────

// Microphone opens the host's default capture device.
type Microphone struct{}

// NewMicrophone returns a Microphone for the default capture device.
func NewMicrophone() *Microphone { return &Microphone{} }

type captureStream struct {
	format audio.Format
	ctx    *ma.AllocatedContext
	dev    *ma.Device
	once   sync.Once
}

// Open implements [audio.Microphone]. Samples are captured as 32-bit float
// and handed to fn without intermediate buffering.
func (m *Microphone) Open(_ context.Context, cfg audio.CaptureConfig, fn audio.CaptureFunc) (audio.CaptureStream, error) {
	rate := cfg.SampleRate
	if rate <= 0 {
		rate = DefaultCaptureRate
	}
	channels := max(cfg.Channels, 1)
	period := cfg.FramesPerCallback
	if period <= 0 {
		period = defaultPeriod
	}

	mctx, err := ma.InitContext(nil, ma.ContextConfig{ThreadPriority: ma.ThreadPriorityRealtime}, nil)
	if err != nil {
		return nil, fmt.Errorf("native: init audio context: %w", classify(err))
	}

	devCfg := ma.DefaultDeviceConfig(ma.Capture)
	devCfg.Capture.Format = ma.FormatF32
	devCfg.Capture.Channels = uint32(channels)
	devCfg.SampleRate = uint32(rate)
	devCfg.PeriodSizeInFrames = uint32(period)

	var scratch []float32
	callbacks := ma.DeviceCallbacks{
		Data: func(_, in []byte, _ uint32) {
			n := len(in) / 4
			if cap(scratch) < n {
				scratch = make([]float32, n)
			}
			scratch = scratch[:n]
			for i := range scratch {
				scratch[i] = math.Float32frombits(binary.LittleEndian.Uint32(in[i*4:]))
			}
			fn(scratch)
		},
	}

	dev, err := ma.InitDevice(mctx.Context, devCfg, callbacks)
	if err != nil {
		_ = mctx.Uninit()
		mctx.Free()
		return nil, fmt.Errorf("native: init capture device: %w", classify(err))
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		_ = mctx.Uninit()
		mctx.Free()
		return nil, fmt.Errorf("native: start capture device: %w", classify(err))
	}

	slog.Debug("native: microphone opened", "rate", rate, "channels", channels, "period", period)
	return &captureStream{
		format: audio.Format{SampleRate: rate, Channels: channels},
		ctx:    mctx,
		dev:    dev,
	}, nil
}

func (s *captureStream) Format() audio.Format { return s.format }

func (s *captureStream) Close() error {
	var err error
	s.once.Do(func() {
		s.dev.Uninit()
		err = s.ctx.Uninit()
		s.ctx.Free()
	})
	return err
}

// classify maps miniaudio result errors onto the audio sentinels. miniaudio
// reports permission problems as "access denied" on every backend.
func classify(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "access denied"), strings.Contains(msg, "permission"):
		return fmt.Errorf("%w: %w", audio.ErrPermissionDenied, err)
	case strings.Contains(msg, "no device"), strings.Contains(msg, "does not exist"), strings.Contains(msg, "no backend"):
		return fmt.Errorf("%w: %w", audio.ErrNoDevice, err)
	}
	return err
}

// ─── Speaker ─────────────────────────────────────────────────────────────────

var (
	otoOnce   sync.Once
	otoCtx    *oto.Context
	otoErr    error
	otoFormat audio.Format
)

// errFormatLocked is returned when a second speaker asks for a format
// different from the one the process-wide oto context was opened with.
var errFormatLocked = errors.New("native: oto context already opened with a different format")

// Speaker is an [audio.OutputDevice] playing through the host's default
// output device. Its clock advances as oto pulls audio, so it runs ahead of
// what is audible by at most the oto buffer size.
type Speaker struct {
	*timeline.Device
	player *oto.Player
	once   sync.Once
}

// OpenSpeaker opens the default output device in format f. bufferSize
// bounds oto's internal buffer; zero selects 100 ms.
//
// oto allows one context per process, so every speaker must share the
// format of the first one opened.
func OpenSpeaker(f audio.Format, bufferSize time.Duration) (*Speaker, error) {
	if bufferSize <= 0 {
		bufferSize = 100 * time.Millisecond
	}
	otoOnce.Do(func() {
		var ready chan struct{}
		otoCtx, ready, otoErr = oto.NewContext(&oto.NewContextOptions{
			SampleRate:   f.SampleRate,
			ChannelCount: f.Channels,
			Format:       oto.FormatSignedInt16LE,
			BufferSize:   bufferSize,
		})
		if otoErr == nil {
			<-ready
			otoFormat = f
		}
	})
	if otoErr != nil {
		return nil, fmt.Errorf("native: open speaker: %w: %w", audio.ErrNoDevice, otoErr)
	}
	if f != otoFormat {
		return nil, fmt.Errorf("%w: have %s, want %s", errFormatLocked, otoFormat, f)
	}

	dev := timeline.New(f)
	player := otoCtx.NewPlayer(dev)
	player.Play()
	return &Speaker{Device: dev, player: player}, nil
}

// Close stops every voice and the oto player.
func (s *Speaker) Close() error {
	var err error
	s.once.Do(func() {
		err = errors.Join(s.Device.Close(), s.player.Close())
	})
	return err
}
