// Package capture turns microphone sample blocks into outbound audio frames.
//
// An [Encoder] sits between the host audio thread and the session channel.
// [Encoder.Write] is handed to the microphone as its [audio.CaptureFunc]; it
// accumulates fixed-size blocks, converts them to PCM16 in the endpoint's
// input format and queues them without ever blocking. [Encoder.Run] drains
// the queue into a [Sink] on its own goroutine.
package capture

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"

	"github.com/medilearn/livevoice/internal/observe"
	"github.com/medilearn/livevoice/pkg/audio"
	"github.com/medilearn/livevoice/pkg/provider/s2s"
)

const (
	// DefaultBlockSize is the number of sample frames per outbound block.
	DefaultBlockSize = 4096

	// DefaultQueueSize is the number of blocks that may wait for Run.
	DefaultQueueSize = 8
)

// Sink receives encoded frames. [s2s.SessionHandle] satisfies it.
type Sink interface {
	SendAudio(frame audio.AudioFrame) error
}

// Option configures an [Encoder].
type Option func(*Encoder)

// WithBlockSize sets the number of sample frames per block. Values below 1
// are ignored.
func WithBlockSize(n int) Option {
	return func(e *Encoder) {
		if n > 0 {
			e.blockSize = n
		}
	}
}

// WithQueueSize sets the hand-off queue capacity. Values below 1 are ignored.
func WithQueueSize(n int) Option {
	return func(e *Encoder) {
		if n > 0 {
			e.queueSize = n
		}
	}
}

// WithFormat sets both the device format of the samples passed to Write and
// the format sent to the sink. Default: 16 kHz mono for both.
func WithFormat(source, target audio.Format) Option {
	return func(e *Encoder) {
		e.source = source
		e.conv.Target = target
	}
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Encoder) { e.metrics = m }
}

// Encoder accumulates, converts and forwards captured audio.
//
// Write must only be called from one goroutine at a time (the audio thread);
// every other method is safe for concurrent use.
type Encoder struct {
	sink      Sink
	blockSize int
	queueSize int
	source    audio.Format
	metrics   *observe.Metrics

	// Owned by the Write goroutine.
	block  []float32
	filled int
	pcm    []byte
	conv   audio.Converter
	frames int64

	queue   chan audio.AudioFrame
	open    atomic.Bool
	dropped atomic.Uint64
	sent    atomic.Uint64
}

// New creates an encoder that forwards to sink. It starts closed; call
// SetOpen(true) once the session is active.
func New(sink Sink, opts ...Option) *Encoder {
	mono16k := audio.Format{SampleRate: 16000, Channels: 1}
	e := &Encoder{
		sink:      sink,
		blockSize: DefaultBlockSize,
		queueSize: DefaultQueueSize,
		source:    mono16k,
	}
	e.conv.Target = mono16k
	for _, o := range opts {
		o(e)
	}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}
	if !e.source.Valid() {
		e.source = mono16k
	}
	if !e.conv.Target.Valid() {
		e.conv.Target = e.source
	}
	e.block = make([]float32, e.blockSize*e.source.Channels)
	e.pcm = make([]byte, 0, len(e.block)*2)
	e.queue = make(chan audio.AudioFrame, e.queueSize)
	return e
}

// Write implements [audio.CaptureFunc]. It copies samples into the current
// block and emits every block it completes. It never blocks.
func (e *Encoder) Write(samples []float32) {
	for len(samples) > 0 {
		n := copy(e.block[e.filled:], samples)
		e.filled += n
		samples = samples[n:]
		if e.filled == len(e.block) {
			e.emit()
			e.filled = 0
		}
	}
}

func (e *Encoder) emit() {
	ctx := context.Background()
	ts := e.source.Duration(int(e.frames) * 2 * e.source.Channels)
	e.frames += int64(e.blockSize)
	e.metrics.FramesCaptured.Add(ctx, 1)

	if !e.open.Load() {
		e.dropped.Add(1)
		e.metrics.RecordDropped(ctx, "closed")
		return
	}

	e.pcm = audio.Float32ToPCM16(e.pcm, e.block)
	var data []byte
	if e.source == e.conv.Target {
		data = append([]byte(nil), e.pcm...)
	} else {
		samples := e.conv.Convert(audio.PCM16ToInt16(nil, e.pcm), e.source)
		data = audio.Int16ToPCM16(nil, samples)
	}

	frame := audio.AudioFrame{
		Data:       data,
		SampleRate: e.conv.Target.SampleRate,
		Channels:   e.conv.Target.Channels,
		Timestamp:  ts,
	}
	select {
	case e.queue <- frame:
	default:
		e.dropped.Add(1)
		e.metrics.RecordDropped(ctx, "queue_full")
	}
}

// SetOpen gates forwarding. Blocks completed while closed are dropped.
func (e *Encoder) SetOpen(open bool) { e.open.Store(open) }

// Open reports whether blocks are currently forwarded.
func (e *Encoder) Open() bool { return e.open.Load() }

// Dropped returns the number of blocks dropped because the encoder was
// closed or the queue was full.
func (e *Encoder) Dropped() uint64 { return e.dropped.Load() }

// Sent returns the number of blocks the sink accepted.
func (e *Encoder) Sent() uint64 { return e.sent.Load() }

// Run forwards queued blocks to the sink in capture order until ctx is
// done. Send errors are logged and the block is discarded. Run returns nil
// when ctx is cancelled.
func (e *Encoder) Run(ctx context.Context) error {
	log := observe.Logger(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case f := <-e.queue:
			if err := e.sink.SendAudio(f); err != nil {
				e.metrics.RecordSent(ctx, "error")
				if errors.Is(err, s2s.ErrSessionClosed) {
					log.Debug("capture: send after close", "err", err)
				} else {
					log.Warn("capture: send failed", "err", err)
				}
				continue
			}
			e.sent.Add(1)
			e.metrics.RecordSent(ctx, "ok")
		}
	}
}
