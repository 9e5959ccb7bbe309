package runtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/dictation"
	"github.com/loqalabs/loqa-dictate/internal/eventstore"
	"github.com/loqalabs/loqa-dictate/internal/presence"
)

type statusResponse struct {
	Dictation dictation.Snapshot          `json:"dictation"`
	Running   bool                        `json:"running"`
	ExitError string                      `json:"exit_error,omitempty"`
	Bus       bool                        `json:"bus_connected"`
	Sessions  []eventstore.SessionSummary `json:"sessions,omitempty"`
	Nodes     []presence.NodeInfo         `json:"nodes,omitempty"`
}

type timelineEvent struct {
	ID        int64           `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

func (r *Runtime) routes(metrics http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", r.handleHealth)
	mux.HandleFunc("GET /readyz", r.handleReady)
	if metrics != nil {
		mux.Handle("GET /metrics", metrics)
	}
	mux.HandleFunc("GET /v1/dictation", r.handleStatus)
	mux.HandleFunc("POST /v1/dictation/start", r.handleStart)
	mux.HandleFunc("POST /v1/dictation/stop", r.handleStop)
	mux.HandleFunc("GET /v1/dictation/sessions/{id}/events", r.handleSessionEvents)
	return mux
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && (r.bus == nil || r.bus.Healthy()) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) handleStatus(w http.ResponseWriter, req *http.Request) {
	resp := statusResponse{
		Dictation: r.orch.Snapshot(),
		Running:   r.ctrl.Running(),
		Bus:       r.bus.Healthy(),
	}
	if err := r.ctrl.Err(); err != nil {
		resp.ExitError = err.Error()
	}
	limit := 10
	if v := req.URL.Query().Get("sessions"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	sessions, err := r.store.ListSessions(req.Context(), limit)
	if err != nil {
		r.logger.Warn("list sessions failed", slog.String("error", err.Error()))
	}
	resp.Sessions = sessions
	if r.presence != nil {
		resp.Nodes = r.presence.Query(nil)
	}
	r.writeJSON(w, http.StatusOK, resp)
}

func (r *Runtime) handleStart(w http.ResponseWriter, _ *http.Request) {
	if !r.ctrl.Start() {
		r.writeJSON(w, http.StatusConflict, map[string]any{"started": false, "error": "dictation already running"})
		return
	}
	r.writeJSON(w, http.StatusAccepted, map[string]any{"started": true})
}

func (r *Runtime) handleStop(w http.ResponseWriter, req *http.Request) {
	ctx, cancel := context.WithTimeout(req.Context(), time.Duration(r.cfg.Orchestrator.ShutdownTimeoutMS)*time.Millisecond)
	defer cancel()
	if err := r.ctrl.Stop(ctx); err != nil {
		r.writeJSON(w, http.StatusGatewayTimeout, map[string]any{"stopped": false, "error": err.Error()})
		return
	}
	r.writeJSON(w, http.StatusOK, map[string]any{"stopped": true})
}

func (r *Runtime) handleSessionEvents(w http.ResponseWriter, req *http.Request) {
	limit := 0
	if v := req.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	evts, err := r.store.ListSessionEvents(req.Context(), req.PathValue("id"), limit)
	if err != nil {
		r.writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	out := make([]timelineEvent, 0, len(evts))
	for _, e := range evts {
		payload := json.RawMessage(e.Payload)
		if !json.Valid(payload) {
			payload = json.RawMessage("null")
		}
		out = append(out, timelineEvent{ID: e.ID, Type: e.Type, Payload: payload, CreatedAt: e.CreatedAt})
	}
	r.writeJSON(w, http.StatusOK, out)
}

func (r *Runtime) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		r.logger.Warn("failed to encode response", slog.String("error", err.Error()))
	}
}
