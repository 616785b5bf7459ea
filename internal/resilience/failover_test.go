package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/medilearn/livevoice/pkg/audio"
	"github.com/medilearn/livevoice/pkg/provider/s2s"
	s2smock "github.com/medilearn/livevoice/pkg/provider/s2s/mock"
)

var geminiCaps = s2s.Capabilities{
	InputFormat:  audio.Format{SampleRate: 16000, Channels: 1},
	OutputFormat: audio.Format{SampleRate: 24000, Channels: 1},
}

func TestFailover_PrimarySuccess(t *testing.T) {
	t.Parallel()
	primary := &s2smock.Provider{ProviderCapabilities: geminiCaps}
	secondary := &s2smock.Provider{ProviderCapabilities: geminiCaps}

	f := NewFailover(primary, "gemini-live", CircuitBreakerConfig{MaxFailures: 3})
	if err := f.AddFallback("gemini-sdk", secondary); err != nil {
		t.Fatalf("AddFallback: %v", err)
	}

	h, err := f.Connect(context.Background(), s2s.SessionConfig{})
	if err != nil || h == nil {
		t.Fatalf("Connect = %v, %v", h, err)
	}
	if primary.CallCount() != 1 || secondary.CallCount() != 0 {
		t.Errorf("calls: primary %d, secondary %d; want 1, 0", primary.CallCount(), secondary.CallCount())
	}
}

func TestFailover_FallsBackOnConnectError(t *testing.T) {
	t.Parallel()
	primary := &s2smock.Provider{ProviderCapabilities: geminiCaps, ConnectErr: errors.New("dial refused")}
	secondary := &s2smock.Provider{ProviderCapabilities: geminiCaps}

	f := NewFailover(primary, "gemini-live", CircuitBreakerConfig{MaxFailures: 1, Cooldown: time.Hour})
	if err := f.AddFallback("gemini-sdk", secondary); err != nil {
		t.Fatalf("AddFallback: %v", err)
	}

	for i := range 2 {
		if _, err := f.Connect(context.Background(), s2s.SessionConfig{}); err != nil {
			t.Fatalf("Connect %d: %v", i, err)
		}
	}
	// The primary's breaker opened after the first failure.
	if primary.CallCount() != 1 {
		t.Errorf("primary calls = %d, want 1", primary.CallCount())
	}
	if secondary.CallCount() != 2 {
		t.Errorf("secondary calls = %d, want 2", secondary.CallCount())
	}
}

func TestFailover_AllFailed(t *testing.T) {
	t.Parallel()
	errDown := errors.New("endpoint down")
	f := NewFailover(&s2smock.Provider{ConnectErr: errDown}, "a", CircuitBreakerConfig{})
	if err := f.AddFallback("b", &s2smock.Provider{ConnectErr: errDown}); err != nil {
		t.Fatalf("AddFallback: %v", err)
	}

	_, err := f.Connect(context.Background(), s2s.SessionConfig{})
	if !errors.Is(err, ErrAllFailed) || !errors.Is(err, errDown) {
		t.Errorf("err = %v, want ErrAllFailed wrapping the last error", err)
	}
}

func TestFailover_CancelledContextStopsWalk(t *testing.T) {
	t.Parallel()
	gate := make(chan struct{})
	primary := &s2smock.Provider{Gate: gate}
	secondary := &s2smock.Provider{}
	f := NewFailover(primary, "a", CircuitBreakerConfig{})
	if err := f.AddFallback("b", secondary); err != nil {
		t.Fatalf("AddFallback: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.Connect(ctx, s2s.SessionConfig{})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if secondary.CallCount() != 0 {
		t.Error("fallback tried after cancellation")
	}
}

func TestFailover_RejectsFormatMismatch(t *testing.T) {
	t.Parallel()
	f := NewFailover(&s2smock.Provider{ProviderCapabilities: geminiCaps}, "gemini-live", CircuitBreakerConfig{})
	openaiCaps := s2s.Capabilities{
		InputFormat:  audio.Format{SampleRate: 24000, Channels: 1},
		OutputFormat: audio.Format{SampleRate: 24000, Channels: 1},
	}
	err := f.AddFallback("openai-realtime", &s2smock.Provider{ProviderCapabilities: openaiCaps})
	if !errors.Is(err, ErrFormatMismatch) {
		t.Errorf("err = %v, want ErrFormatMismatch", err)
	}
	if got := f.Names(); len(got) != 1 || got[0] != "gemini-live" {
		t.Errorf("Names = %v", got)
	}
	if caps := f.Capabilities(); caps.InputFormat != geminiCaps.InputFormat || caps.OutputFormat != geminiCaps.OutputFormat {
		t.Error("Capabilities should be the primary's")
	}
}
