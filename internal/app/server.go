package app

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/medilearn/livevoice/internal/health"
	"github.com/medilearn/livevoice/internal/observe"
	"github.com/medilearn/livevoice/internal/resilience"
	"github.com/medilearn/livevoice/internal/session"
	"github.com/medilearn/livevoice/pkg/memory"
)

// Handler returns the ops HTTP API:
//
//	GET  /healthz, /readyz, /status     probes and live session status
//	GET  /metrics                       Prometheus exposition (with telemetry)
//	POST /session/start?persona=NAME    start a session
//	POST /session/stop                  stop the running session
//	GET  /session/transcript            transcript of the current session
//	GET  /sessions/{id}                 archived status (with a store)
//	GET  /sessions/{id}/transcript      archived transcript (with a store)
//	GET  /sessions/search?q=...         keyword search (with a store)
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	health.New(a.sessions.Status, a.checkers...).Register(mux)
	if a.metricsHandler != nil {
		mux.Handle("GET /metrics", a.metricsHandler)
	}

	mux.HandleFunc("POST /session/start", a.handleStart)
	mux.HandleFunc("POST /session/stop", a.handleStop)
	mux.HandleFunc("GET /session/transcript", a.handleLiveTranscript)

	if a.store != nil {
		mux.HandleFunc("GET /sessions/search", a.handleSearch)
		mux.HandleFunc("GET /sessions/{id}", a.handleStatus)
		mux.HandleFunc("GET /sessions/{id}/transcript", a.handleTranscript)
	}

	if a.metrics == nil {
		return mux
	}
	return observe.Middleware(a.metrics)(mux)
}

type startResponse struct {
	SessionID string `json:"session_id"`
	Persona   string `json:"persona"`
	Provider  string `json:"provider"`
}

func (a *App) handleStart(w http.ResponseWriter, r *http.Request) {
	info, err := a.sessions.Start(r.Context(), r.URL.Query().Get("persona"))
	if err != nil {
		writeError(w, startErrorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, startResponse{
		SessionID: info.SessionID,
		Persona:   info.Persona,
		Provider:  info.Provider,
	})
}

func startErrorStatus(err error) int {
	switch {
	case errors.Is(err, ErrUnknownPersona):
		return http.StatusNotFound
	case errors.Is(err, session.ErrAlreadyStarted):
		return http.StatusConflict
	case errors.Is(err, resilience.ErrCircuitOpen):
		return http.StatusServiceUnavailable
	case errors.Is(err, session.ErrPermissionDenied):
		return http.StatusFailedDependency
	case errors.Is(err, session.ErrConnectionFailed):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (a *App) handleStop(w http.ResponseWriter, r *http.Request) {
	err := a.sessions.Stop(r.Context())
	switch {
	case errors.Is(err, ErrNotActive):
		writeError(w, http.StatusConflict, err)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (a *App) handleLiveTranscript(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.sessions.Transcript())
}

func (a *App) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, ok, err := a.store.Status(r.Context(), r.PathValue("id"))
	switch {
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
	case !ok:
		writeError(w, http.StatusNotFound, errors.New("unknown session"))
	default:
		writeJSON(w, http.StatusOK, st)
	}
}

func (a *App) handleTranscript(w http.ResponseWriter, r *http.Request) {
	entries, err := a.store.Entries(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// handleSearch accepts q (required), session, speaker ("caller" or "remote")
// and limit.
func (a *App) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := q.Get("q")
	if query == "" {
		writeError(w, http.StatusBadRequest, errors.New("missing query parameter q"))
		return
	}
	opts := memory.SearchOpts{SessionID: q.Get("session")}
	if v := q.Get("speaker"); v != "" {
		sp, err := memory.ParseSpeaker(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		opts.Speaker = sp
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a non-negative integer"))
			return
		}
		opts.Limit = n
	}

	entries, err := a.store.Search(r.Context(), query, opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
