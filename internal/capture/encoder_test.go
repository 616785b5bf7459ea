package capture_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/medilearn/livevoice/internal/capture"
	"github.com/medilearn/livevoice/internal/observe"
	"github.com/medilearn/livevoice/pkg/audio"
	"github.com/medilearn/livevoice/pkg/provider/s2s/mock"
)

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func ramp(n int, start float32) []float32 {
	s := make([]float32, n)
	for i := range s {
		s[i] = start
	}
	return s
}

func runEncoder(t *testing.T, e *capture.Encoder) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Run: %v", err)
		}
	})
}

func waitSent(t *testing.T, sess *mock.Session, n int) []audio.AudioFrame {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if sent := sess.Sent(); len(sent) >= n {
			return sent
		}
		select {
		case <-sess.SentSignal():
		case <-deadline:
			t.Fatalf("sent %d frames, want %d", len(sess.Sent()), n)
		}
	}
}

func TestWrite_AccumulatesWholeBlocks(t *testing.T) {
	t.Parallel()
	sess := mock.NewSession()
	e := capture.New(sess, capture.WithBlockSize(4), capture.WithMetrics(testMetrics(t)))
	e.SetOpen(true)
	runEncoder(t, e)

	// Uneven callback sizes: 3 + 3 + 2 samples make two 4-sample blocks.
	e.Write(ramp(3, 0.5))
	e.Write(ramp(3, 0.5))
	e.Write(ramp(2, -0.5))

	sent := waitSent(t, sess, 2)
	if len(sent) != 2 {
		t.Fatalf("sent %d frames, want 2", len(sent))
	}
	for i, f := range sent {
		if len(f.Data) != 8 {
			t.Errorf("frame %d: %d bytes, want 8", i, len(f.Data))
		}
		if f.SampleRate != 16000 || f.Channels != 1 {
			t.Errorf("frame %d: format %s", i, f.Format())
		}
	}
	if sent[1].Timestamp != sent[0].Timestamp+250*time.Microsecond {
		t.Errorf("timestamps %v, %v not one block apart", sent[0].Timestamp, sent[1].Timestamp)
	}
	last := audio.PCM16ToInt16(nil, sent[1].Data)
	if last[3] >= 0 || last[0] <= 0 {
		t.Errorf("second block samples = %v, want positive then negative", last)
	}
}

func TestWrite_ClosedEncoderDropsBlocks(t *testing.T) {
	t.Parallel()
	sess := mock.NewSession()
	e := capture.New(sess, capture.WithBlockSize(4), capture.WithMetrics(testMetrics(t)))
	runEncoder(t, e)

	e.Write(ramp(8, 0.1))
	if got := e.Dropped(); got != 2 {
		t.Errorf("Dropped = %d, want 2", got)
	}

	e.SetOpen(true)
	e.Write(ramp(4, 0.1))
	waitSent(t, sess, 1)
	time.Sleep(10 * time.Millisecond)
	if got := len(sess.Sent()); got != 1 {
		t.Errorf("sent %d frames, want only the block captured while open", got)
	}
}

func TestWrite_FullQueueDropsWithoutBlocking(t *testing.T) {
	t.Parallel()
	sess := mock.NewSession()
	e := capture.New(sess,
		capture.WithBlockSize(2),
		capture.WithQueueSize(3),
		capture.WithMetrics(testMetrics(t)),
	)
	e.SetOpen(true)

	// Nothing drains the queue: three blocks fit, two are dropped.
	done := make(chan struct{})
	go func() {
		e.Write(ramp(10, 0.2))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Write blocked on a full queue")
	}
	if got := e.Dropped(); got != 2 {
		t.Errorf("Dropped = %d, want 2", got)
	}

	runEncoder(t, e)
	if got := len(waitSent(t, sess, 3)); got != 3 {
		t.Errorf("sent %d, want 3", got)
	}
}

func TestWrite_ResamplesToTargetFormat(t *testing.T) {
	t.Parallel()
	sess := mock.NewSession()
	e := capture.New(sess,
		capture.WithBlockSize(480),
		capture.WithFormat(
			audio.Format{SampleRate: 48000, Channels: 1},
			audio.Format{SampleRate: 16000, Channels: 1},
		),
		capture.WithMetrics(testMetrics(t)),
	)
	e.SetOpen(true)
	runEncoder(t, e)

	e.Write(ramp(480, 0.25))
	f := waitSent(t, sess, 1)[0]
	if f.SampleRate != 16000 {
		t.Errorf("rate = %d, want 16000", f.SampleRate)
	}
	if got := f.Duration(); got != 10*time.Millisecond {
		t.Errorf("duration = %v, want 10ms", got)
	}
}

func TestRun_SendErrorsAreNotFatal(t *testing.T) {
	t.Parallel()
	sess := mock.NewSession()
	sess.SendAudioErr = errors.New("socket hiccup")
	e := capture.New(sess, capture.WithBlockSize(2), capture.WithMetrics(testMetrics(t)))
	e.SetOpen(true)
	runEncoder(t, e)

	e.Write(ramp(4, 0.3))
	waitSent(t, sess, 2)
	if got := e.Sent(); got != 0 {
		t.Errorf("Sent = %d, want 0 after failing sends", got)
	}
}

func TestRun_PreservesCaptureOrder(t *testing.T) {
	t.Parallel()
	sess := mock.NewSession()
	e := capture.New(sess, capture.WithBlockSize(1), capture.WithQueueSize(64), capture.WithMetrics(testMetrics(t)))
	e.SetOpen(true)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := range 32 {
			e.Write([]float32{float32(i) / 100})
		}
	}()
	wg.Wait()
	runEncoder(t, e)

	sent := waitSent(t, sess, 32)
	for i := 1; i < len(sent); i++ {
		if sent[i].Timestamp <= sent[i-1].Timestamp {
			t.Fatalf("frame %d out of order: %v after %v", i, sent[i].Timestamp, sent[i-1].Timestamp)
		}
	}
}
