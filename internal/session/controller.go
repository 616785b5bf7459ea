// Package session owns the lifecycle of one live voice session.
//
// A [Controller] wires the microphone, the capture encoder, the duplex
// channel to the remote endpoint, the playback scheduler and the transcript
// aggregator together for the duration of one attempt, and tears all of them
// down again when the caller stops or the channel fails. Its lifecycle is a
// small state machine:
//
//	Idle -> Connecting -> Active -> Closing -> Idle
//	        Connecting -> Failed -> Idle
//
// Audio is only sent or scheduled while the controller is Active. There is
// no automatic reconnect; a failed or lost session has to be started again
// by the caller.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/medilearn/livevoice/internal/capture"
	"github.com/medilearn/livevoice/internal/observe"
	"github.com/medilearn/livevoice/internal/playback"
	"github.com/medilearn/livevoice/internal/transcript"
	"github.com/medilearn/livevoice/pkg/audio"
	"github.com/medilearn/livevoice/pkg/memory"
	"github.com/medilearn/livevoice/pkg/provider/s2s"
)

// Config describes one session attempt.
type Config struct {
	// SessionID identifies the attempt. Empty generates a random UUID.
	SessionID string

	// Session is passed to the provider on connect.
	Session s2s.SessionConfig

	// Labels name the two speakers in transcript lines.
	Labels transcript.Labels

	// Capture is the requested microphone format. Zero fields default to
	// the provider's input format.
	Capture audio.CaptureConfig
}

// Option configures a [Controller].
type Option func(*Controller)

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithProviderName labels session metrics and status with the provider.
func WithProviderName(name string) Option {
	return func(c *Controller) { c.providerName = name }
}

// WithTranscriptObserver adds an observer that sees every transcript entry
// of every attempt.
func WithTranscriptObserver(o transcript.Observer) Option {
	return func(c *Controller) { c.observers = append(c.observers, o) }
}

// WithBlockSize sets the capture block size in sample frames.
func WithBlockSize(n int) Option {
	return func(c *Controller) { c.blockSize = n }
}

// WithDecodeWorkers bounds concurrent playback decodes.
func WithDecodeWorkers(n int) Option {
	return func(c *Controller) { c.decodeWorkers = n }
}

// Controller runs live voice sessions, one at a time.
//
// All methods are safe for concurrent use. State change listeners run while
// the controller holds its lifecycle lock: they may call State, SessionID,
// Transcript and Line, but must not call Start or Stop.
type Controller struct {
	provider s2s.Provider
	mic      audio.Microphone
	out      audio.OutputDevice

	metrics       *observe.Metrics
	providerName  string
	observers     []transcript.Observer
	blockSize     int
	decodeWorkers int

	agg *transcript.Aggregator

	// mu serialises lifecycle transitions and guards the fields below.
	mu        sync.Mutex
	fsm       *fsm.FSM
	listeners []func(from, to State)
	run       *run
	abort     context.CancelFunc
	settled   chan struct{}

	resMu sync.Mutex
	done  chan struct{}
	err   error
}

// run is everything that exists only while one attempt is active.
type run struct {
	ctx      context.Context
	cancel   context.CancelFunc
	handle   s2s.SessionHandle
	stream   audio.CaptureStream
	enc      *capture.Encoder
	sched    *playback.Scheduler
	intr     *playback.Interrupter
	caps     s2s.Capabilities
	stopping atomic.Bool
	started  time.Time
}

// New creates an idle controller. mic and out are borrowed: the controller
// opens and closes capture streams on mic and schedules voices on out, but
// never closes out itself.
func New(provider s2s.Provider, mic audio.Microphone, out audio.OutputDevice, opts ...Option) *Controller {
	c := &Controller{
		provider:     provider,
		mic:          mic,
		out:          out,
		providerName: "s2s",
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	aggOpts := []transcript.AggregatorOption{transcript.WithMetrics(c.metrics)}
	for _, o := range c.observers {
		aggOpts = append(aggOpts, transcript.WithObserver(o))
	}
	c.agg = transcript.NewAggregator("", aggOpts...)
	c.fsm = newFSM(c.notify)

	done := make(chan struct{})
	close(done)
	c.done = done
	return c
}

// State returns the current lifecycle state.
func (c *Controller) State() State { return State(c.fsm.Current()) }

// OnStateChange registers fn to run after every transition.
func (c *Controller) OnStateChange(fn func(from, to State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

func (c *Controller) notify(from, to State) {
	slog.Debug("session: state change", "session_id", c.agg.SessionID(), "from", from, "to", to)
	for _, fn := range c.listeners {
		fn(from, to)
	}
}

// SessionID returns the ID of the current or most recent attempt.
func (c *Controller) SessionID() string { return c.agg.SessionID() }

// Transcript returns a snapshot of the current attempt's transcript.
func (c *Controller) Transcript() []memory.TranscriptEntry { return c.agg.Entries() }

// Line renders a transcript entry with the current attempt's labels.
func (c *Controller) Line(e memory.TranscriptEntry) string { return c.agg.Line(e) }

// Done is closed when the current attempt has ended, whether Start failed,
// the caller stopped it or the channel was lost. Before the first Start it
// returns a closed channel.
func (c *Controller) Done() <-chan struct{} {
	c.resMu.Lock()
	defer c.resMu.Unlock()
	return c.done
}

// Err returns why the most recent attempt ended: nil after a clean Stop,
// the Start error after a failed start, or an error wrapping [ErrTransport]
// when the channel failed or the remote side closed it.
func (c *Controller) Err() error {
	c.resMu.Lock()
	defer c.resMu.Unlock()
	return c.err
}

// event fires a transition. Must be called with c.mu held.
func (c *Controller) event(ctx context.Context, name string) {
	if err := c.fsm.Event(context.WithoutCancel(ctx), name); err != nil {
		slog.Error("session: invalid transition", "event", name, "state", c.fsm.Current(), "err", err)
	}
}

func (c *Controller) finish(done chan struct{}, err error) {
	c.resMu.Lock()
	c.err = err
	c.resMu.Unlock()
	close(done)
}

// Start opens the microphone and connects to the remote endpoint. It
// returns once the session is Active, or with an error wrapping
// [ErrPermissionDenied] or [ErrConnectionFailed] after moving to Failed.
// ctx bounds the connect only; the session runs until Stop or until the
// channel ends.
//
// Start from Failed begins a fresh attempt. Start while Connecting, Active
// or Closing returns [ErrAlreadyStarted].
func (c *Controller) Start(ctx context.Context, cfg Config) error {
	c.mu.Lock()
	switch c.State() {
	case Failed:
		c.event(ctx, evReset)
	case Idle:
	default:
		c.mu.Unlock()
		c.metrics.RecordSessionAttempt(ctx, c.providerName, "already_started")
		return ErrAlreadyStarted
	}

	id := cfg.SessionID
	if id == "" {
		id = uuid.NewString()
	}
	c.agg.Reset(id)
	c.agg.SetLabels(cfg.Labels)

	done := make(chan struct{})
	c.resMu.Lock()
	c.done, c.err = done, nil
	c.resMu.Unlock()

	connectCtx, abort := context.WithCancel(observe.WithSessionID(ctx, id))
	c.abort = abort
	settled := make(chan struct{})
	c.settled = settled
	c.event(ctx, evStart)
	c.mu.Unlock()

	r, err := c.connect(connectCtx, id, cfg)
	abort()

	c.mu.Lock()
	defer c.mu.Unlock()
	defer close(settled)
	c.abort = nil
	if err != nil {
		c.event(ctx, evFail)
		c.finish(done, err)
		return err
	}

	c.run = r
	c.event(ctx, evOpen)
	r.enc.SetOpen(true)
	c.metrics.ActiveSessions.Add(ctx, 1)
	observe.Logger(r.ctx).Info("session: active", "provider", c.providerName, "voice", cfg.Session.Voice.ID)

	g, gctx := errgroup.WithContext(r.ctx)
	g.Go(func() error { return r.enc.Run(gctx) })
	g.Go(func() error { return c.consume(gctx, r) })
	go func() {
		c.teardown(r, done, g.Wait())
	}()
	return nil
}

// connect performs the Connecting phase: microphone first, then the
// channel. On failure everything acquired so far is released.
func (c *Controller) connect(ctx context.Context, id string, cfg Config) (*run, error) {
	ctx, span := observe.StartSpan(ctx, "session.connect")
	defer span.End()
	log := observe.Logger(ctx)

	caps := c.provider.Capabilities()
	capCfg := cfg.Capture
	if capCfg.SampleRate == 0 {
		capCfg.SampleRate = caps.InputFormat.SampleRate
	}
	if capCfg.Channels == 0 {
		capCfg.Channels = max(caps.InputFormat.Channels, 1)
	}

	// The microphone is opened before the encoder exists; blocks only flow
	// once the channel is up.
	var enc atomic.Pointer[capture.Encoder]
	stream, err := c.mic.Open(ctx, capCfg, func(samples []float32) {
		if e := enc.Load(); e != nil {
			e.Write(samples)
		}
	})
	if err != nil {
		span.SetStatus(codes.Error, "microphone")
		c.metrics.RecordSessionAttempt(ctx, c.providerName, "permission_denied")
		log.Warn("session: microphone unavailable", "err", err)
		return nil, fmt.Errorf("%w: %w", ErrPermissionDenied, err)
	}

	t0 := time.Now()
	handle, err := c.provider.Connect(ctx, cfg.Session)
	if err != nil {
		span.SetStatus(codes.Error, "connect")
		if cerr := stream.Close(); cerr != nil {
			log.Debug("session: close microphone", "err", cerr)
		}
		c.metrics.RecordSessionAttempt(ctx, c.providerName, "connection_failed")
		log.Warn("session: connect failed", "err", err)
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	c.metrics.ConnectDuration.Record(ctx, time.Since(t0).Seconds())
	c.metrics.RecordSessionAttempt(ctx, c.providerName, "ok")

	input := caps.InputFormat
	if !input.Valid() {
		input = stream.Format()
	}
	encOpts := []capture.Option{
		capture.WithFormat(stream.Format(), input),
		capture.WithMetrics(c.metrics),
	}
	if c.blockSize > 0 {
		encOpts = append(encOpts, capture.WithBlockSize(c.blockSize))
	}
	e := capture.New(handle, encOpts...)
	enc.Store(e)

	schedOpts := []playback.Option{playback.WithMetrics(c.metrics)}
	if c.decodeWorkers > 0 {
		schedOpts = append(schedOpts, playback.WithWorkers(c.decodeWorkers))
	}
	sched := playback.New(c.out, schedOpts...)

	runCtx, cancel := context.WithCancel(observe.WithSessionID(context.Background(), id))
	return &run{
		ctx:     runCtx,
		cancel:  cancel,
		handle:  handle,
		stream:  stream,
		enc:     e,
		sched:   sched,
		intr:    playback.NewInterrupter(c.metrics, sched),
		caps:    caps,
		started: time.Now(),
	}, nil
}

// consume is the single reader of the session's event stream.
func (c *Controller) consume(ctx context.Context, r *run) error {
	log := observe.Logger(ctx)
	for ev := range r.handle.Events() {
		switch ev.Kind {
		case s2s.EventAudio:
			if c.State() != Active {
				continue
			}
			f, err := audio.ParseMIMEType(ev.MIMEType, r.caps.OutputFormat)
			if err != nil {
				c.metrics.DecodeErrors.Add(ctx, 1)
				log.Warn("session: dropping audio chunk", "err", err)
				continue
			}
			r.sched.Enqueue(audio.AudioFrame{Data: ev.Audio, SampleRate: f.SampleRate, Channels: f.Channels})
		case s2s.EventTranscript:
			c.agg.Append(ev.Speaker, ev.Text)
		case s2s.EventInterrupted:
			r.intr.Interrupt(audio.ServerInterrupted)
		case s2s.EventTurnComplete:
			r.sched.EndTurn()
		case s2s.EventError:
			if r.stopping.Load() {
				return nil
			}
			return fmt.Errorf("%w: %w", ErrTransport, ev.Err)
		case s2s.EventClosed:
			if r.stopping.Load() {
				return nil
			}
			return fmt.Errorf("%w: remote closed: %w", ErrTransport, s2s.ErrSessionClosed)
		}
	}
	if r.stopping.Load() {
		return nil
	}
	return fmt.Errorf("%w: event stream ended", ErrTransport)
}

// teardown releases the attempt once its run group has exited and returns
// the controller to Idle. Every release runs even if an earlier one fails.
func (c *Controller) teardown(r *run, done chan struct{}, runErr error) {
	r.cancel()

	c.mu.Lock()
	defer c.mu.Unlock()
	reason, cause := audio.TransportLost, "transport"
	if r.stopping.Load() {
		reason, cause, runErr = audio.SessionStopped, "stopped", nil
	} else if errors.Is(runErr, s2s.ErrSessionClosed) {
		cause = "remote_closed"
	}
	if c.State() == Active {
		c.event(r.ctx, evClose)
	}
	r.enc.SetOpen(false)

	var errs []error
	if err := r.handle.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close channel: %w", err))
	}
	if err := r.stream.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close microphone: %w", err))
	}
	r.intr.Interrupt(reason)
	if err := r.sched.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close playback: %w", err))
	}
	audio.Drain(r.handle.Events())

	log := observe.Logger(r.ctx)
	if err := errors.Join(errs...); err != nil {
		log.Warn("session: cleanup", "err", err)
	}
	if runErr != nil {
		log.Warn("session: ended", "err", runErr, "duration", time.Since(r.started))
	} else {
		log.Info("session: stopped", "duration", time.Since(r.started), "dropped_frames", r.enc.Dropped())
	}

	c.metrics.ActiveSessions.Add(r.ctx, -1)
	c.metrics.RecordSessionEnd(r.ctx, cause)
	c.run = nil
	c.event(r.ctx, evCleanup)
	c.finish(done, runErr)
}

// Stop ends the current attempt and returns once the controller is Idle.
// Stop is idempotent: from Idle it does nothing, and from Failed it only
// moves back to Idle. Stop while Connecting aborts the connect. Release
// errors are logged, not returned; the only error is ctx expiring while
// waiting for teardown.
//
// Stop silences and releases every voice the attempt scheduled but never
// closes the output device. The device belongs to the caller and outlives
// the session, so the next Start plays through it again; close it after the
// final Stop.
func (c *Controller) Stop(ctx context.Context) error {
	for {
		c.mu.Lock()
		switch c.State() {
		case Idle:
			c.mu.Unlock()
			return nil
		case Failed:
			c.event(ctx, evReset)
			c.mu.Unlock()
			return nil
		case Connecting:
			abort, settled := c.abort, c.settled
			c.mu.Unlock()
			if abort != nil {
				abort()
			}
			select {
			case <-settled:
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		case Active:
			r := c.run
			r.stopping.Store(true)
			c.event(ctx, evClose)
			c.mu.Unlock()
			r.enc.SetOpen(false)
			if err := r.handle.Close(); err != nil {
				observe.Logger(r.ctx).Debug("session: close channel", "err", err)
			}
			r.cancel()
			return c.waitDone(ctx)
		default: // Closing
			c.mu.Unlock()
			return c.waitDone(ctx)
		}
	}
}

func (c *Controller) waitDone(ctx context.Context) error {
	select {
	case <-c.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
