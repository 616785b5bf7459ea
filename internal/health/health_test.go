package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

type pingFunc func(context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func serve(t *testing.T, h *Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	mux := http.NewServeMux()
	h.Register(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
	return rec
}

func TestHealthz_AlwaysReturns200(t *testing.T) {
	t.Parallel()
	rec := serve(t, New(nil), "/healthz")

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q, want %q", body.Status, "ok")
	}
}

func TestReadyz(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		checkers   []Checker
		wantCode   int
		wantStatus string
		wantChecks map[string]string
	}{
		{
			name:       "no checkers",
			wantCode:   http.StatusOK,
			wantStatus: "ok",
		},
		{
			name: "all pass",
			checkers: []Checker{
				ProviderConfigured("gemini-live"),
				Ping("postgres", pingFunc(func(context.Context) error { return nil })),
			},
			wantCode:   http.StatusOK,
			wantStatus: "ok",
			wantChecks: map[string]string{"provider": "ok", "postgres": "ok"},
		},
		{
			name: "provider missing",
			checkers: []Checker{
				ProviderConfigured(""),
				Ping("redis", pingFunc(func(context.Context) error { return nil })),
			},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "fail",
			wantChecks: map[string]string{
				"provider": "fail: no speech-to-speech provider configured",
				"redis":    "ok",
			},
		},
		{
			name: "storage unreachable",
			checkers: []Checker{
				Ping("postgres", pingFunc(func(context.Context) error { return errors.New("connection refused") })),
			},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "fail",
			wantChecks: map[string]string{"postgres": "fail: connection refused"},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			rec := serve(t, New(nil, tc.checkers...), "/readyz")
			if rec.Code != tc.wantCode {
				t.Errorf("status = %d, want %d", rec.Code, tc.wantCode)
			}
			var body result
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
				t.Fatalf("decode JSON: %v", err)
			}
			if body.Status != tc.wantStatus {
				t.Errorf("status = %q, want %q", body.Status, tc.wantStatus)
			}
			for k, v := range tc.wantChecks {
				if body.Checks[k] != v {
					t.Errorf("check %q = %q, want %q", k, body.Checks[k], v)
				}
			}
		})
	}
}

func TestReadyz_RespectsContextCancellation(t *testing.T) {
	t.Parallel()
	h := New(nil, Checker{Name: "slow", Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	req := httptest.NewRequest("GET", "/readyz", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	h.Readyz(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

func TestStatus(t *testing.T) {
	t.Parallel()
	t.Run("no source", func(t *testing.T) {
		t.Parallel()
		var st Status
		if err := json.NewDecoder(serve(t, New(nil), "/status").Body).Decode(&st); err != nil {
			t.Fatalf("decode JSON: %v", err)
		}
		if st.State != "Idle" {
			t.Errorf("state = %q, want Idle", st.State)
		}
	})
	t.Run("active session", func(t *testing.T) {
		t.Parallel()
		h := New(func() Status {
			return Status{State: "Active", SessionID: "sess-1", Persona: "consultant", TranscriptEntries: 4}
		})
		var st Status
		if err := json.NewDecoder(serve(t, h, "/status").Body).Decode(&st); err != nil {
			t.Fatalf("decode JSON: %v", err)
		}
		want := Status{State: "Active", SessionID: "sess-1", Persona: "consultant", TranscriptEntries: 4}
		if st != want {
			t.Errorf("status = %+v, want %+v", st, want)
		}
	})
}
