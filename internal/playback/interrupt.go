package playback

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/medilearn/livevoice/internal/observe"
	"github.com/medilearn/livevoice/pkg/audio"
)

// Interrupter pre-empts every registered target at once and records the
// interruption. It never ends a session; callers decide what happens next.
type Interrupter struct {
	metrics *observe.Metrics
	targets []audio.Interrupter

	mu        sync.Mutex
	listeners []func(audio.InterruptReason, int)
}

var _ audio.Interrupter = (*Interrupter)(nil)

// NewInterrupter returns an Interrupter over targets. A nil m selects
// [observe.DefaultMetrics].
func NewInterrupter(m *observe.Metrics, targets ...audio.Interrupter) *Interrupter {
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return &Interrupter{metrics: m, targets: targets}
}

// OnInterrupt registers fn to run after every interruption with the reason
// and the number of sources stopped. fn runs on the interrupting goroutine.
func (i *Interrupter) OnInterrupt(fn func(reason audio.InterruptReason, stopped int)) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.listeners = append(i.listeners, fn)
}

// Interrupt stops every target and returns the total number of sources
// stopped.
func (i *Interrupter) Interrupt(reason audio.InterruptReason) int {
	n := 0
	for _, t := range i.targets {
		n += t.Interrupt(reason)
	}
	i.metrics.RecordInterruption(context.Background(), strings.ToLower(reason.String()), n)
	slog.Debug("playback: interruption", "reason", reason, "stopped", n)

	i.mu.Lock()
	listeners := append([]func(audio.InterruptReason, int)(nil), i.listeners...)
	i.mu.Unlock()
	for _, fn := range listeners {
		fn(reason, n)
	}
	return n
}
