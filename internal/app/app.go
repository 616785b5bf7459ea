// Package app wires all livevoice subsystems into a running application.
//
// The App struct owns the full lifecycle: New opens the transcript archive
// and builds the [SessionManager], Run serves the ops HTTP API until the
// context is cancelled, and Shutdown tears everything down in order.
//
// For testing, inject mock implementations via functional options
// (WithSessionStore, WithConsole, etc.). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/medilearn/livevoice/internal/config"
	"github.com/medilearn/livevoice/internal/health"
	"github.com/medilearn/livevoice/internal/observe"
	"github.com/medilearn/livevoice/pkg/audio"
	"github.com/medilearn/livevoice/pkg/memory"
	"github.com/medilearn/livevoice/pkg/memory/postgres"
	"github.com/medilearn/livevoice/pkg/memory/redis"
	"github.com/medilearn/livevoice/pkg/provider/s2s"
)

// Providers holds the remote endpoint and the audio devices. Populated by
// main.go via the config registry.
type Providers struct {
	// Name is the configured backend name, used in logs, metrics and status.
	Name string

	S2S s2s.Provider
	Mic audio.Microphone

	// Out is owned by the App and closed on Shutdown.
	Out audio.OutputDevice
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	store          memory.SessionStore
	checkers       []health.Checker
	sessions       *SessionManager
	metrics        *observe.Metrics
	metricsHandler http.Handler
	console        io.Writer
	level          *slog.LevelVar
	server         *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithSessionStore injects a session store instead of opening the configured
// backends. The App does not close an injected store.
func WithSessionStore(s memory.SessionStore) Option {
	return func(a *App) { a.store = s }
}

// WithTelemetry records session and HTTP metrics to t and serves its
// Prometheus handler at /metrics.
func WithTelemetry(t *observe.Telemetry) Option {
	return func(a *App) {
		a.metrics = t.Metrics
		a.metricsHandler = t.Handler
	}
}

// WithConsole sets where transcript lines and session notices are printed.
func WithConsole(w io.Writer) Option {
	return func(a *App) { a.console = w }
}

// WithLogLevel lets config reloads change the log level at runtime.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry).
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.S2S == nil {
		return nil, errors.New("app: a speech-to-speech provider is required")
	}
	if providers.Mic == nil || providers.Out == nil {
		return nil, errors.New("app: an input and an output device are required")
	}

	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}

	if err := a.initStore(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init storage: %w", err)
	}

	a.sessions = NewSessionManager(SessionManagerConfig{
		Config:    cfg,
		Providers: providers,
		Store:     a.store,
		Metrics:   a.metrics,
		Console:   a.console,
	})
	a.closers = append(a.closers, providers.Out.Close)
	return a, nil
}

// initStore opens the configured archive backends. Postgres answers reads
// when both are configured; redis then only mirrors writes for the live view.
func (a *App) initStore(ctx context.Context) error {
	a.checkers = append(a.checkers, health.ProviderConfigured(a.providers.Name))
	if a.store != nil {
		a.checkers = append(a.checkers, health.Ping("store", a.store))
		return nil
	}

	var stores []memory.SessionStore
	if dsn := a.cfg.Storage.PostgresDSN; dsn != "" {
		pg, err := postgres.NewStore(ctx, dsn)
		if err != nil {
			return err
		}
		stores = append(stores, pg)
		a.closers = append(a.closers, pg.Close)
		a.checkers = append(a.checkers, health.Ping("postgres", pg))
		slog.Info("app: transcript archive enabled", "backend", "postgres")
	}
	if url := a.cfg.Storage.RedisURL; url != "" {
		rd, err := redis.NewStore(ctx, url, a.cfg.Storage.RedisTTL)
		if err != nil {
			return err
		}
		stores = append(stores, rd)
		a.closers = append(a.closers, rd.Close)
		a.checkers = append(a.checkers, health.Ping("redis", rd))
		slog.Info("app: live session status enabled", "backend", "redis")
	}
	a.store = combineStores(stores...)
	return nil
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the ops HTTP API, if a listen address is configured, and blocks
// until ctx is cancelled. It returns ctx.Err(), or the listen error.
func (a *App) Run(ctx context.Context) error {
	if addr := a.cfg.Server.ListenAddr; addr != "" {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("app: listen %s: %w", addr, err)
		}
		a.server = &http.Server{
			Handler:           a.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("app: ops server", "err", err)
			}
		}()
		slog.Info("app: ops server listening", "addr", ln.Addr().String())
	}

	slog.Info("app running", "provider", a.providers.Name)
	<-ctx.Done()
	return ctx.Err()
}

// Sessions returns the session manager.
func (a *App) Sessions() *SessionManager { return a.sessions }

// ApplyConfig hot-applies a config change: the log level immediately, persona
// changes on the next session start.
func (a *App) ApplyConfig(d config.ConfigDiff, cfg *config.Config) {
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.Level())
		slog.Info("app: log level changed", "level", d.NewLogLevel)
	}
	if d.PersonasChanged || d.DefaultPersonaChanged {
		a.sessions.SetConfig(cfg)
		slog.Info("app: personas reloaded",
			"changed", len(d.PersonaChanges),
			"default", cfg.DefaultPersona,
		)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the running session, the ops server, and then the storage
// and devices. It respects the context deadline: if ctx expires before all
// closers finish, remaining closers are skipped and the context error is
// returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if err := a.sessions.Close(ctx); err != nil {
			slog.Warn("session close error", "err", err)
		}
		if a.server != nil {
			if err := a.server.Shutdown(ctx); err != nil {
				slog.Warn("ops server shutdown error", "err", err)
			}
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// closeAll releases whatever New acquired before failing.
func (a *App) closeAll() {
	for _, closer := range a.closers {
		_ = closer()
	}
}
