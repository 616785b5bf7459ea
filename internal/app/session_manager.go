package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/medilearn/livevoice/internal/config"
	"github.com/medilearn/livevoice/internal/health"
	"github.com/medilearn/livevoice/internal/observe"
	"github.com/medilearn/livevoice/internal/resilience"
	"github.com/medilearn/livevoice/internal/session"
	"github.com/medilearn/livevoice/pkg/memory"
)

var (
	// ErrNotActive is returned by [SessionManager.Stop] when no session is
	// connecting or running.
	ErrNotActive = errors.New("app: no active session")

	// ErrUnknownPersona is returned by [SessionManager.Start] for a persona
	// name that is neither built in nor configured.
	ErrUnknownPersona = errors.New("app: unknown persona")
)

// SessionInfo holds metadata about the current or most recent session.
type SessionInfo struct {
	// SessionID is the unique identifier of the attempt.
	SessionID string

	// Persona is the name of the persona the session was started with.
	Persona string

	// Provider is the configured speech-to-speech backend.
	Provider string

	// StartedAt is when Start was called.
	StartedAt time.Time
}

// SessionManagerConfig holds all dependencies for a [SessionManager].
type SessionManagerConfig struct {
	Config    *config.Config
	Providers *Providers

	// Store archives transcripts and status. Nil disables archiving.
	Store memory.SessionStore

	// Metrics overrides the default metrics sink.
	Metrics *observe.Metrics

	// Console receives transcript lines and session notices. Nil discards
	// them.
	Console io.Writer

	// Now overrides time.Now. Used by tests.
	Now func() time.Time
}

// SessionManager runs one live voice session at a time on top of a
// [session.Controller]. It resolves personas from the current config, guards
// connects with a circuit breaker, prints transcript lines to the console and
// archives entries and status changes to the session store.
//
// All exported methods are safe for concurrent use.
type SessionManager struct {
	ctrl     *session.Controller
	breaker  *resilience.CircuitBreaker
	archive  *archiver
	console  *console
	provider string
	now      func() time.Time

	mu       sync.Mutex
	cfg      *config.Config
	info     SessionInfo
	starting bool
}

// NewSessionManager creates a SessionManager with the given dependencies.
func NewSessionManager(smc SessionManagerConfig) *SessionManager {
	cfg := smc.Config
	if cfg == nil {
		cfg = &config.Config{}
	}
	out := smc.Console
	if out == nil {
		out = io.Discard
	}
	now := smc.Now
	if now == nil {
		now = time.Now
	}

	sm := &SessionManager{
		console:  &console{w: out},
		provider: smc.Providers.Name,
		now:      now,
		cfg:      cfg,
	}
	if smc.Store != nil {
		sm.archive = newArchiver(smc.Store)
	}
	sm.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:        "connect",
		MaxFailures: cfg.Resilience.MaxConnectFailures,
		Cooldown:    cfg.Resilience.Cooldown,
		Trips:       isConnectFailure,
		Now:         now,
	})

	opts := []session.Option{
		session.WithProviderName(sm.provider),
		session.WithTranscriptObserver(sm.onEntry),
	}
	if smc.Metrics != nil {
		opts = append(opts, session.WithMetrics(smc.Metrics))
	}
	if cfg.Audio.BlockSize > 0 {
		opts = append(opts, session.WithBlockSize(cfg.Audio.BlockSize))
	}
	sm.ctrl = session.New(smc.Providers.S2S, smc.Providers.Mic, smc.Providers.Out, opts...)
	sm.ctrl.OnStateChange(sm.onStateChange)
	return sm
}

// isConnectFailure reports whether err should count against the connect
// breaker. A denied microphone or a cancelled connect says nothing about the
// endpoint.
func isConnectFailure(err error) bool {
	return errors.Is(err, session.ErrConnectionFailed) && !errors.Is(err, context.Canceled)
}

// Start begins a new session with the named persona. An empty name selects
// the configured default. Start blocks until the session is Active or the
// attempt has failed.
func (sm *SessionManager) Start(ctx context.Context, persona string) (SessionInfo, error) {
	sm.mu.Lock()
	if sm.starting || busy(sm.ctrl.State()) {
		sm.mu.Unlock()
		return SessionInfo{}, session.ErrAlreadyStarted
	}
	p, ok := sm.cfg.Persona(persona)
	if !ok {
		sm.mu.Unlock()
		return SessionInfo{}, fmt.Errorf("%w: %q", ErrUnknownPersona, persona)
	}
	info := SessionInfo{
		SessionID: uuid.NewString(),
		Persona:   p.Name,
		Provider:  sm.provider,
		StartedAt: sm.now().UTC(),
	}
	sm.info = info
	sm.starting = true
	sm.mu.Unlock()

	defer func() {
		sm.mu.Lock()
		sm.starting = false
		sm.mu.Unlock()
	}()

	err := sm.breaker.Execute(func() error {
		return sm.ctrl.Start(ctx, session.Config{
			SessionID: info.SessionID,
			Session:   p.SessionConfig(),
			Labels:    p.Labels(),
		})
	})
	if err != nil {
		if !errors.Is(err, resilience.ErrCircuitOpen) {
			sm.publish(info, session.Failed, err)
		}
		sm.console.Printf("[could not start session: %v]", err)
		return info, fmt.Errorf("app: start session: %w", err)
	}

	slog.Info("app: session started",
		"session_id", info.SessionID,
		"persona", info.Persona,
		"provider", info.Provider,
	)
	sm.console.Printf("[connected as %s, speak now]", p.Label)
	go sm.watch(info, sm.ctrl.Done())
	return info, nil
}

// watch reports how a running session ended.
func (sm *SessionManager) watch(info SessionInfo, done <-chan struct{}) {
	<-done
	err := sm.ctrl.Err()
	sm.publish(info, session.Idle, err)
	if err != nil {
		slog.Warn("app: session lost", "session_id", info.SessionID, "err", err)
		sm.console.Printf("[connection lost: %v]", err)
		return
	}
	sm.console.Printf("[session ended]")
}

// Stop ends the current session. From Failed it only clears the failure.
// It returns [ErrNotActive] when there is nothing to stop.
func (sm *SessionManager) Stop(ctx context.Context) error {
	if sm.ctrl.State() == session.Idle {
		return ErrNotActive
	}
	if err := sm.ctrl.Stop(ctx); err != nil {
		return fmt.Errorf("app: stop session: %w", err)
	}
	slog.Info("app: session stopped", "session_id", sm.ctrl.SessionID())
	return nil
}

// Toggle stops a connecting or running session and starts one with the
// default persona otherwise. It reports whether a session was started.
func (sm *SessionManager) Toggle(ctx context.Context) (bool, error) {
	if busy(sm.ctrl.State()) {
		return false, sm.Stop(ctx)
	}
	_, err := sm.Start(ctx, "")
	return err == nil, err
}

// SetConfig replaces the config used to resolve personas. It takes effect
// on the next Start.
func (sm *SessionManager) SetConfig(cfg *config.Config) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.cfg = cfg
}

// State returns the lifecycle state of the controller.
func (sm *SessionManager) State() session.State { return sm.ctrl.State() }

// IsActive reports whether a session is connecting or running.
func (sm *SessionManager) IsActive() bool { return busy(sm.ctrl.State()) }

// Info returns metadata about the current or most recent session.
func (sm *SessionManager) Info() SessionInfo {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.info
}

// Transcript returns a snapshot of the current session's transcript.
func (sm *SessionManager) Transcript() []memory.TranscriptEntry { return sm.ctrl.Transcript() }

// BreakerState returns the state of the connect circuit breaker.
func (sm *SessionManager) BreakerState() resilience.State { return sm.breaker.State() }

// Status reports the live session for the /status endpoint.
func (sm *SessionManager) Status() health.Status {
	st := health.Status{
		State:             sm.ctrl.State().String(),
		SessionID:         sm.ctrl.SessionID(),
		Persona:           sm.Info().Persona,
		TranscriptEntries: len(sm.ctrl.Transcript()),
	}
	if err := sm.ctrl.Err(); err != nil {
		st.Error = err.Error()
	}
	return st
}

// Close stops a running session and flushes pending archive writes.
func (sm *SessionManager) Close(ctx context.Context) error {
	var errs []error
	if err := sm.ctrl.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if sm.archive != nil {
		if err := sm.archive.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flush archive: %w", err))
		}
	}
	return errors.Join(errs...)
}

// onEntry runs on the session's event goroutine for every transcript entry.
func (sm *SessionManager) onEntry(e memory.TranscriptEntry) {
	sm.console.Printf("%s", sm.ctrl.Line(e))
	if sm.archive != nil {
		sm.archive.Entry(e)
	}
}

// onStateChange runs with the controller's lifecycle lock held; it must not
// call Start or Stop.
func (sm *SessionManager) onStateChange(from, to session.State) {
	slog.Debug("app: session state", "from", from, "to", to, "session_id", sm.ctrl.SessionID())
	sm.publish(sm.Info(), to, nil)
}

func (sm *SessionManager) publish(info SessionInfo, state session.State, err error) {
	if sm.archive == nil || info.SessionID == "" {
		return
	}
	st := memory.SessionStatus{
		SessionID: info.SessionID,
		State:     state.String(),
		Persona:   info.Persona,
		Provider:  info.Provider,
		StartedAt: info.StartedAt,
		UpdatedAt: sm.now().UTC(),
		Entries:   len(sm.ctrl.Transcript()),
	}
	if err != nil {
		st.Error = err.Error()
	}
	sm.archive.Status(st)
}

func busy(s session.State) bool {
	switch s {
	case session.Connecting, session.Active, session.Closing:
		return true
	}
	return false
}

// console serialises writes from the session goroutines.
type console struct {
	mu sync.Mutex
	w  io.Writer
}

func (c *console) Printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.w, format+"\n", args...)
}
