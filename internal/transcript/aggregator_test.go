package transcript_test

import (
	"sync"
	"testing"
	"time"

	"github.com/medilearn/livevoice/internal/transcript"
	"github.com/medilearn/livevoice/pkg/memory"
)

func fixedClock() func() time.Time {
	t0 := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	return func() time.Time { return t0 }
}

func TestAppend_KeepsEveryFragmentVerbatim(t *testing.T) {
	t.Parallel()
	a := transcript.NewAggregator("s1", transcript.WithClock(fixedClock()))

	fragments := []struct {
		speaker memory.Speaker
		text    string
		seq     int
	}{
		{memory.SpeakerCaller, "Hel", 1},
		{memory.SpeakerCaller, "lo", 2},
		{memory.SpeakerRemote, " Hi there ", 1},
		{memory.SpeakerRemote, " Hi there ", 2},
		{memory.SpeakerCaller, "", 3},
	}
	for _, f := range fragments {
		e := a.Append(f.speaker, f.text)
		if e.Sequence != f.seq {
			t.Errorf("Append(%v, %q).Sequence = %d, want %d", f.speaker, f.text, e.Sequence, f.seq)
		}
		if e.SessionID != "s1" {
			t.Errorf("SessionID = %q", e.SessionID)
		}
	}

	got := a.Entries()
	if len(got) != len(fragments) || a.Len() != len(fragments) {
		t.Fatalf("Entries = %d, Len = %d, want %d", len(got), a.Len(), len(fragments))
	}
	for i, f := range fragments {
		if got[i].Speaker != f.speaker || got[i].Text != f.text {
			t.Errorf("entry %d = %+v, want %v %q", i, got[i], f.speaker, f.text)
		}
	}
}

func TestEntries_IsASnapshot(t *testing.T) {
	t.Parallel()
	a := transcript.NewAggregator("s1")
	a.Append(memory.SpeakerCaller, "one")

	snap := a.Entries()
	snap[0].Text = "mutated"
	a.Append(memory.SpeakerCaller, "two")

	if a.Entries()[0].Text != "one" {
		t.Error("mutating a snapshot changed the log")
	}
	if len(snap) != 1 {
		t.Error("snapshot grew after a later Append")
	}
}

func TestReset_StartsFreshLog(t *testing.T) {
	t.Parallel()
	a := transcript.NewAggregator("s1")
	a.Append(memory.SpeakerRemote, "first attempt")
	before := a.Entries()

	a.Reset("s2")
	if a.Len() != 0 || a.SessionID() != "s2" {
		t.Fatalf("after Reset: Len = %d, SessionID = %q", a.Len(), a.SessionID())
	}
	e := a.Append(memory.SpeakerRemote, "second attempt")
	if e.Sequence != 1 || e.SessionID != "s2" {
		t.Errorf("entry after Reset = %+v", e)
	}
	if len(before) != 1 || before[0].SessionID != "s1" {
		t.Error("Reset altered an earlier snapshot")
	}
}

func TestObserversSeeEntriesInOrder(t *testing.T) {
	t.Parallel()
	var (
		mu   sync.Mutex
		seen []string
	)
	a := transcript.NewAggregator("s1",
		transcript.WithObserver(func(e memory.TranscriptEntry) {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, e.Text)
		}),
	)
	a.Append(memory.SpeakerCaller, "a")
	a.Append(memory.SpeakerRemote, "b")

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 || seen[0] != "a" || seen[1] != "b" {
		t.Errorf("observer saw %v", seen)
	}
}

func TestObserverMayReadAggregator(t *testing.T) {
	t.Parallel()
	var a *transcript.Aggregator
	var lens []int
	a = transcript.NewAggregator("s1", transcript.WithObserver(func(memory.TranscriptEntry) {
		lens = append(lens, a.Len())
	}))
	a.Append(memory.SpeakerCaller, "x")
	a.Append(memory.SpeakerCaller, "y")
	if len(lens) != 2 || lens[0] != 1 || lens[1] != 2 {
		t.Errorf("Len seen by observer = %v, want [1 2]", lens)
	}
}

func TestLabelAndLine(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		opts    []transcript.AggregatorOption
		speaker memory.Speaker
		want    string
	}{
		{"caller default", nil, memory.SpeakerCaller, "You: hi"},
		{"remote default", nil, memory.SpeakerRemote, "Gemini: hi"},
		{"persona label", []transcript.AggregatorOption{transcript.WithLabels(transcript.Labels{Remote: "Mentor"})}, memory.SpeakerRemote, "Mentor: hi"},
		{"caller kept", []transcript.AggregatorOption{transcript.WithLabels(transcript.Labels{Remote: "Mentor"})}, memory.SpeakerCaller, "You: hi"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			a := transcript.NewAggregator("s1", tc.opts...)
			e := a.Append(tc.speaker, "hi")
			if got := a.Line(e); got != tc.want {
				t.Errorf("Line = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestAppend_ConcurrentSequencesStayDense(t *testing.T) {
	t.Parallel()
	a := transcript.NewAggregator("s1")
	var wg sync.WaitGroup
	for _, sp := range []memory.Speaker{memory.SpeakerCaller, memory.SpeakerRemote} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				a.Append(sp, "x")
			}
		}()
	}
	wg.Wait()

	seen := map[memory.Speaker]map[int]bool{
		memory.SpeakerCaller: {},
		memory.SpeakerRemote: {},
	}
	for _, e := range a.Entries() {
		seen[e.Speaker][e.Sequence] = true
	}
	for sp, seqs := range seen {
		for i := 1; i <= 50; i++ {
			if !seqs[i] {
				t.Errorf("%v missing sequence %d", sp, i)
			}
		}
	}
}

func TestSetLabels_KeepsUnsetFields(t *testing.T) {
	t.Parallel()
	a := transcript.NewAggregator("s1", transcript.WithLabels(transcript.Labels{Caller: "Student"}))
	a.SetLabels(transcript.Labels{Remote: "Mentor"})
	if got := a.Label(memory.SpeakerCaller); got != "Student" {
		t.Errorf("caller label = %q, want Student", got)
	}
	if got := a.Label(memory.SpeakerRemote); got != "Mentor" {
		t.Errorf("remote label = %q, want Mentor", got)
	}
}

func TestSetLabels_EmptyFieldsRevertToBase(t *testing.T) {
	t.Parallel()
	a := transcript.NewAggregator("s1", transcript.WithLabels(transcript.Labels{Caller: "Student"}))
	a.SetLabels(transcript.Labels{Caller: "Learner", Remote: "Mentor"})
	a.SetLabels(transcript.Labels{})

	if got := a.Label(memory.SpeakerCaller); got != "Student" {
		t.Errorf("caller label = %q, want Student", got)
	}
	if got := a.Label(memory.SpeakerRemote); got != "Gemini" {
		t.Errorf("remote label = %q, want Gemini", got)
	}
	e := a.Append(memory.SpeakerRemote, "hi")
	if got := a.Line(e); got != "Gemini: hi" {
		t.Errorf("Line = %q, want %q", got, "Gemini: hi")
	}
}
