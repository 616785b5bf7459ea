// Package playback turns the inbound audio chunks of a live session into a
// gapless, in-order sequence of voices on an [audio.OutputDevice].
//
// The [Scheduler] reserves a slot on the device clock for every chunk the
// moment it arrives, then decodes chunks on a bounded worker pool. Because
// slots are reserved in arrival order, chunks play in arrival order no
// matter which decode finishes first. Every chunk that has been reserved but
// not yet finished playing lives in the scheduler's arena until the device
// reports it ended or an interruption clears it.
//
// The [Interrupter] fans a barge-in or teardown out to one or more
// schedulers and records it.
package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/medilearn/livevoice/internal/observe"
	"github.com/medilearn/livevoice/pkg/audio"
)

// ErrDecode is reported for inbound chunks that cannot be turned into a
// playable buffer. Such chunks are dropped; the session carries on.
var ErrDecode = errors.New("playback: decode failed")

// Decoder turns one inbound chunk into a device-ready buffer.
//
// Implementations must be safe for concurrent use; the scheduler calls
// Decode from several workers at once.
type Decoder interface {
	Decode(ctx context.Context, frame audio.AudioFrame) (audio.Buffer, error)
}

// PCMDecoder decodes little-endian PCM16 chunks into Target, resampling and
// remixing as needed.
type PCMDecoder struct {
	Target audio.Format
}

var _ Decoder = PCMDecoder{}

// Decode implements [Decoder].
func (d PCMDecoder) Decode(_ context.Context, frame audio.AudioFrame) (audio.Buffer, error) {
	buf, err := audio.DecodePCM(frame.Data, frame.Format(), d.Target)
	if err != nil {
		return audio.Buffer{}, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return buf, nil
}

// SourceState is the lifecycle stage of a [Source].
type SourceState int

const (
	// SourceDecoding means the slot is reserved but the buffer is not yet
	// bound to the device.
	SourceDecoding SourceState = iota

	// SourceScheduled means the device owns a voice for the source. It may
	// be waiting for its start time or already playing.
	SourceScheduled
)

// String returns "decoding" or "scheduled".
func (s SourceState) String() string {
	if s == SourceScheduled {
		return "scheduled"
	}
	return "decoding"
}

// Source is a snapshot of one live chunk.
type Source struct {
	ID       uint64
	Start    time.Duration
	Duration time.Duration
	State    SourceState
}

// End returns the device time at which the source stops playing.
func (s Source) End() time.Duration { return s.Start + s.Duration }

// Reservation describes the slot [Scheduler.Enqueue] handed to a chunk.
type Reservation struct {
	// ID identifies the source in [Scheduler.Live]. Zero when Dropped.
	ID uint64

	// Start and Duration are the reserved slot on the device clock.
	Start    time.Duration
	Duration time.Duration

	// Late is set when the chunk arrived after the previous slot had
	// already finished, i.e. the device ran dry.
	Late bool

	// Dropped is set when the chunk was rejected outright.
	Dropped bool
}

// source is the arena record behind a [Source].
type source struct {
	id       uint64
	frame    audio.AudioFrame
	start    time.Duration
	duration time.Duration
	state    SourceState
	voice    audio.Voice
}

const defaultWorkers = 4

// Option configures a [Scheduler].
type Option func(*Scheduler)

// WithDecoder replaces the default [PCMDecoder] targeting the device format.
func WithDecoder(d Decoder) Option {
	return func(s *Scheduler) { s.decoder = d }
}

// WithWorkers bounds the number of concurrent decodes. Values below 1 are
// ignored. Default: 4, capped at GOMAXPROCS.
func WithWorkers(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithLogger sets the logger. Default: [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.log = l }
}

// Scheduler binds inbound chunks to an output device in arrival order.
//
// All methods are safe for concurrent use. The arena and the cursor are
// guarded by one mutex. It is never held while scheduling or stopping
// voices, whose callbacks re-enter the scheduler; the device clock is read
// before it is taken.
type Scheduler struct {
	device  audio.OutputDevice
	decoder Decoder
	workers int
	metrics *observe.Metrics
	log     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	g      *errgroup.Group

	mu     sync.Mutex
	cursor time.Duration
	// The cursor is anchor plus the frames reserved since, so truncated
	// per-chunk durations never add up to drift.
	anchor       time.Duration
	anchorFrames int64
	anchorFormat audio.Format
	nextID       uint64
	arena  map[uint64]*source
	inTurn bool
	closed bool
}

var _ audio.Interrupter = (*Scheduler)(nil)

// New creates a scheduler that plays on device. Close it to stop the decode
// workers; closing does not close the device.
func New(device audio.OutputDevice, opts ...Option) *Scheduler {
	s := &Scheduler{
		device:  device,
		decoder: PCMDecoder{Target: device.Format()},
		workers: min(defaultWorkers, runtime.GOMAXPROCS(0)),
		arena:   make(map[uint64]*source),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.g = &errgroup.Group{}
	s.g.SetLimit(s.workers)
	return s
}

// Enqueue reserves the next slot for frame and starts decoding it. It must
// be called in arrival order; it returns before the decode finishes, but
// may wait for a free worker.
//
// The slot starts at the later of the cursor and the device clock, so a
// chunk that arrives after the device ran dry starts now instead of in the
// past. The cursor then advances to the end of the slot.
func (s *Scheduler) Enqueue(frame audio.AudioFrame) Reservation {
	f := frame.Format()
	frames := int64(f.Frames(len(frame.Data)))
	now := s.device.Now()

	s.mu.Lock()
	if s.closed || frame.Duration() <= 0 {
		closed := s.closed
		s.mu.Unlock()
		s.metrics.DecodeErrors.Add(s.ctx, 1)
		if closed {
			s.log.Debug("playback: chunk after close", "bytes", len(frame.Data))
		} else {
			s.log.Warn("playback: dropping chunk without playable audio", "bytes", len(frame.Data), "format", frame.Format())
		}
		return Reservation{Dropped: true}
	}

	late := s.inTurn && now > s.cursor
	if now > s.cursor || f != s.anchorFormat {
		s.cursor = max(s.cursor, now)
		s.anchor, s.anchorFrames, s.anchorFormat = s.cursor, 0, f
	}
	start := s.cursor
	s.anchorFrames += frames
	s.cursor = s.anchor + f.FrameTime(s.anchorFrames)
	dur := s.cursor - start
	s.inTurn = true
	s.nextID++
	src := &source{
		id:       s.nextID,
		frame:    frame,
		start:    start,
		duration: dur,
		state:    SourceDecoding,
	}
	s.arena[src.id] = src
	s.mu.Unlock()

	s.metrics.ChunksReceived.Add(s.ctx, 1)
	if late {
		s.metrics.Underruns.Add(s.ctx, 1)
		s.log.Debug("playback: underrun", "now", now, "start", start)
	}

	s.g.Go(func() error {
		s.decode(src)
		return nil
	})
	return Reservation{ID: src.id, Start: start, Duration: dur, Late: late}
}

// decode runs on a worker. It never returns an error; failures drop the
// chunk and leave its slot silent.
//
// A chunk whose slot has already begun when its decode finishes starts at
// once without the part that should have played, so it still ends where its
// slot ends and never overlaps the next one. A chunk whose slot is over is
// dropped.
func (s *Scheduler) decode(src *source) {
	buf, err := s.decoder.Decode(s.ctx, src.frame)

	s.mu.Lock()
	if s.arena[src.id] != src {
		// Interrupted while decoding.
		s.mu.Unlock()
		return
	}
	if err != nil {
		delete(s.arena, src.id)
		s.mu.Unlock()
		s.metrics.DecodeErrors.Add(s.ctx, 1)
		s.log.Warn("playback: dropping undecodable chunk", "id", src.id, "err", err)
		return
	}
	at, end := src.start, src.start+src.duration
	s.mu.Unlock()

	if now := s.device.Now(); now > at {
		buf = buf.Skip(now - at)
		at = now
		if now >= end || buf.Frames() == 0 {
			s.mu.Lock()
			if s.arena[src.id] == src {
				delete(s.arena, src.id)
			}
			s.mu.Unlock()
			s.log.Debug("playback: chunk decoded after its slot", "id", src.id, "now", now, "end", end)
			return
		}
	}
	voice, err := s.device.Schedule(buf, at, func() { s.ended(src) })
	if err != nil {
		s.mu.Lock()
		if s.arena[src.id] == src {
			delete(s.arena, src.id)
		}
		s.mu.Unlock()
		s.log.Warn("playback: schedule failed", "id", src.id, "err", err)
		return
	}

	s.mu.Lock()
	if s.arena[src.id] != src {
		s.mu.Unlock()
		voice.Stop()
		return
	}
	src.voice = voice
	src.state = SourceScheduled
	src.start, src.duration = at, end-at
	s.mu.Unlock()
	s.metrics.SourcesScheduled.Add(s.ctx, 1)
}

func (s *Scheduler) ended(src *source) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.arena[src.id] == src {
		delete(s.arena, src.id)
	}
}

// Interrupt stops every live source, whether playing, waiting for its start
// time, or still decoding, and resets the cursor to zero. Decodes still in
// flight are discarded when they finish. It returns the number of sources
// that were live.
func (s *Scheduler) Interrupt(reason audio.InterruptReason) int {
	s.mu.Lock()
	n := len(s.arena)
	voices := make([]audio.Voice, 0, n)
	for _, src := range s.arena {
		if src.voice != nil {
			voices = append(voices, src.voice)
		}
	}
	clear(s.arena)
	s.cursor = 0
	s.anchorFormat = audio.Format{}
	s.inTurn = false
	s.mu.Unlock()

	// Stop outside the lock: voices call back into ended.
	for _, v := range voices {
		v.Stop()
	}
	if n > 0 {
		s.log.Debug("playback: interrupted", "reason", reason, "stopped", n)
	}
	return n
}

// EndTurn marks the end of the remote turn. The silence that follows is
// expected and is not reported as an underrun when the next turn begins.
func (s *Scheduler) EndTurn() {
	s.mu.Lock()
	s.inTurn = false
	s.mu.Unlock()
}

// Cursor returns the device time at which the next chunk would start if the
// device had not yet caught up with it.
func (s *Scheduler) Cursor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// Live returns a snapshot of the arena ordered by start time.
func (s *Scheduler) Live() []Source {
	s.mu.Lock()
	out := make([]Source, 0, len(s.arena))
	for _, src := range s.arena {
		out = append(out, Source{ID: src.id, Start: src.start, Duration: src.duration, State: src.state})
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}

// Close rejects further chunks, stops everything live and waits for the
// decode workers to return.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.Interrupt(audio.SessionStopped)
	s.cancel()
	return s.g.Wait()
}
