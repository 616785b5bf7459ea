package observe

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// newTestTracerProvider returns a TracerProvider with an in-memory exporter
// for inspecting recorded spans.
func newTestTracerProvider(t *testing.T) (*sdktrace.TracerProvider, *tracetest.InMemoryExporter) {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return tp, exp
}

// captureLogs redirects the default logger into a buffer for the test.
func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})))
	t.Cleanup(func() { slog.SetDefault(orig) })
	return &buf
}

func TestCorrelationID_EmptyByDefault(t *testing.T) {
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID(background) = %q, want empty", got)
	}
}

func TestStartSpan_TagsSessionID(t *testing.T) {
	tp, exp := newTestTracerProvider(t)
	origTP := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(origTP) })

	ctx := WithSessionID(context.Background(), "sess-42")
	ctx, span := StartSpan(ctx, "session.connect")
	if len(CorrelationID(ctx)) != 32 {
		t.Errorf("correlation ID = %q, want 32 hex chars", CorrelationID(ctx))
	}
	span.End()

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	if spans[0].Name != "session.connect" {
		t.Errorf("span name = %q", spans[0].Name)
	}
	var tagged bool
	for _, a := range spans[0].Attributes {
		if a.Key == "session.id" && a.Value.AsString() == "sess-42" {
			tagged = true
		}
	}
	if !tagged {
		t.Error("span missing session.id attribute")
	}
}

func TestSessionID_RoundTrip(t *testing.T) {
	if got := SessionID(context.Background()); got != "" {
		t.Errorf("SessionID(background) = %q", got)
	}
	if got := SessionID(WithSessionID(context.Background(), "abc")); got != "abc" {
		t.Errorf("SessionID = %q, want abc", got)
	}
}

func TestLogger(t *testing.T) {
	tp, _ := newTestTracerProvider(t)

	tests := []struct {
		name    string
		ctx     func() (context.Context, func())
		want    []string
		notWant []string
	}{
		{
			name:    "bare context",
			ctx:     func() (context.Context, func()) { return context.Background(), func() {} },
			notWant: []string{"trace_id", "session_id"},
		},
		{
			name: "session only",
			ctx: func() (context.Context, func()) {
				return WithSessionID(context.Background(), "s1"), func() {}
			},
			want:    []string{"session_id=s1"},
			notWant: []string{"trace_id"},
		},
		{
			name: "session and span",
			ctx: func() (context.Context, func()) {
				ctx, span := tp.Tracer("test").Start(WithSessionID(context.Background(), "s2"), "op")
				return ctx, func() { span.End() }
			},
			want: []string{"session_id=s2", "trace_id=", "span_id="},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			buf := captureLogs(t)
			ctx, done := tc.ctx()
			defer done()

			Logger(ctx).Info("test message")

			logged := buf.String()
			for _, w := range tc.want {
				if !bytes.Contains([]byte(logged), []byte(w)) {
					t.Errorf("log output missing %q, got: %s", w, logged)
				}
			}
			for _, nw := range tc.notWant {
				if bytes.Contains([]byte(logged), []byte(nw)) {
					t.Errorf("log output should not contain %q, got: %s", nw, logged)
				}
			}
		})
	}
}
