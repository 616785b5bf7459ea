package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/medilearn/livevoice/pkg/provider/s2s"
)

// ErrAllFailed is returned when every backend of a [Failover] failed or had
// an open circuit breaker.
var ErrAllFailed = errors.New("resilience: all providers failed")

// ErrFormatMismatch is returned by [Failover.AddFallback] when the fallback
// speaks a different audio format than the primary.
var ErrFormatMismatch = errors.New("resilience: fallback audio format differs from primary")

type failoverEntry struct {
	name     string
	provider s2s.Provider
	breaker  *CircuitBreaker
}

// Failover implements [s2s.Provider] by trying Connect on a primary backend
// and then on each fallback in registration order. Each backend has its own
// circuit breaker. Only the connect is covered: once a session is open,
// transport loss is reported to the caller as usual.
//
// All backends must share the primary's input and output formats, since the
// capture pipeline is configured from [Failover.Capabilities] before Connect.
type Failover struct {
	cfg     CircuitBreakerConfig
	entries []failoverEntry
}

var _ s2s.Provider = (*Failover)(nil)

// NewFailover wraps primary. cfg configures every per-backend breaker; its
// Name is replaced with the backend name.
func NewFailover(primary s2s.Provider, primaryName string, cfg CircuitBreakerConfig) *Failover {
	f := &Failover{cfg: cfg}
	f.add(primaryName, primary)
	return f
}

// AddFallback appends a backend. It fails with [ErrFormatMismatch] when the
// backend's formats differ from the primary's.
func (f *Failover) AddFallback(name string, p s2s.Provider) error {
	want, got := f.entries[0].provider.Capabilities(), p.Capabilities()
	if want.InputFormat != got.InputFormat || want.OutputFormat != got.OutputFormat {
		return fmt.Errorf("%w: %s has in %s out %s, want in %s out %s", ErrFormatMismatch,
			name, got.InputFormat, got.OutputFormat, want.InputFormat, want.OutputFormat)
	}
	f.add(name, p)
	return nil
}

func (f *Failover) add(name string, p s2s.Provider) {
	cfg := f.cfg
	cfg.Name = name
	f.entries = append(f.entries, failoverEntry{name: name, provider: p, breaker: NewCircuitBreaker(cfg)})
}

// Connect opens a session on the first backend that accepts it. A cancelled
// ctx stops the walk immediately.
func (f *Failover) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	var lastErr error
	for i := range f.entries {
		e := &f.entries[i]
		var h s2s.SessionHandle
		err := e.breaker.Execute(func() error {
			var err error
			h, err = e.provider.Connect(ctx, cfg)
			return err
		})
		if err == nil {
			if i > 0 {
				slog.Info("resilience: connected via fallback", "provider", e.name)
			}
			return h, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, err
		}
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("resilience: skipping provider, circuit open", "provider", e.name)
		} else {
			slog.Warn("resilience: provider failed, trying next", "provider", e.name, "err", err)
		}
	}
	return nil, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}

// Capabilities returns the primary's capabilities.
func (f *Failover) Capabilities() s2s.Capabilities {
	return f.entries[0].provider.Capabilities()
}

// Names lists the backends in the order they are tried.
func (f *Failover) Names() []string {
	names := make([]string, len(f.entries))
	for i, e := range f.entries {
		names[i] = e.name
	}
	return names
}
