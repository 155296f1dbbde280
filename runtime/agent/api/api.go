// Package api implements the thin HTTP/SSE surface over the Engine:
// create/list/get tasks, approve/deny/cancel, an event stream endpoint,
// and a handful of read-only diagnostic endpoints.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/codemate/gateway/runtime/agent/engine"
	"github.com/codemate/gateway/runtime/agent/eventhub"
	"github.com/codemate/gateway/runtime/agent/store"
	"github.com/codemate/gateway/runtime/agent/stream"
	"github.com/codemate/gateway/runtime/agent/task"
	"github.com/codemate/gateway/runtime/agent/telemetry"
)

// Server wires the Engine, EventHub and Store into a net/http.Handler.
type Server struct {
	engine *engine.Engine
	hub    *eventhub.Hub
	store  *store.Store
	logger telemetry.Logger
	mux    *http.ServeMux
}

// Option configures a Server at construction time.
type Option func(*Server)

// WithLogger overrides the default no-op Logger.
func WithLogger(l telemetry.Logger) Option { return func(s *Server) { s.logger = l } }

// New builds a Server and registers every route from the external
// interface table.
func New(eng *engine.Engine, hub *eventhub.Hub, st *store.Store, opts ...Option) *Server {
	s := &Server{
		engine: eng,
		hub:    hub,
		store:  st,
		logger: telemetry.NewNoopLogger(),
		mux:    http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /v1/health", s.handleHealth)
	s.mux.HandleFunc("GET /v1/tasks", s.handleListTasks)
	s.mux.HandleFunc("POST /v1/tasks", s.handleCreateTask)
	s.mux.HandleFunc("GET /v1/tasks/{id}", s.handleGetTask)
	s.mux.HandleFunc("POST /v1/tasks/{id}/approve", s.handleApprove)
	s.mux.HandleFunc("POST /v1/tasks/{id}/deny", s.handleDeny)
	s.mux.HandleFunc("POST /v1/tasks/{id}/cancel", s.handleCancel)
	s.mux.HandleFunc("GET /v1/tasks/{id}/events", s.handleEvents)
	s.mux.HandleFunc("GET /v1/risk-table", s.handleRiskTable)
	s.mux.HandleFunc("GET /v1/tasks/{id}/steps/{step_id}/tool_runs", s.handleToolRuns)
	s.mux.HandleFunc("GET /v1/tasks/{id}/memory", s.handleMemory)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"service": "codemate-gateway",
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 || v > 100 {
			writeError(w, http.StatusBadRequest, "limit must be an integer in [1,100]")
			return
		}
		limit = v
	}
	tasks, err := s.engine.ListTasks(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

type createTaskRequest struct {
	Goal          string         `json:"goal"`
	Context       map[string]any `json:"context"`
	MaxSteps      int            `json:"max_steps"`
	TimeBudgetSec int            `json:"time_budget_sec"`
	TokenBudget   int            `json:"token_budget"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var body createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	snap, err := s.engine.CreateTask(r.Context(), task.CreateRequest{
		Goal:          body.Goal,
		Context:       body.Context,
		MaxSteps:      body.MaxSteps,
		TimeBudgetSec: body.TimeBudgetSec,
		TokenBudget:   body.TokenBudget,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	snap, err := s.engine.Snapshot(r.Context(), id)
	if err != nil {
		s.writeSnapshotErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	snap, err := s.engine.Approve(r.Context(), id)
	if err != nil {
		if errors.Is(err, engine.ErrNoPendingApproval) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		s.writeSnapshotErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type denyRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleDeny(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var body denyRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
			return
		}
	}
	snap, err := s.engine.Deny(r.Context(), id, body.Reason)
	if err != nil {
		s.writeSnapshotErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	snap, err := s.engine.Cancel(r.Context(), id)
	if err != nil {
		s.writeSnapshotErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleEvents streams a snapshot followed by live events for one task
// over SSE. The snapshot doubles as scoping: a subscriber connecting
// before the task exists gets a 404 and never sees it, per the scoping
// property in the data model.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	snap, err := s.engine.Snapshot(r.Context(), id)
	if err != nil {
		s.writeSnapshotErr(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	writeSSE(w, map[string]any{"event_type": string(stream.EventSnapshot), "payload": snap})
	flusher.Flush()

	handle := s.hub.Subscribe(id)
	defer s.hub.Unsubscribe(handle)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-handle.Events():
			if !ok {
				return
			}
			writeSSE(w, map[string]any{"event_type": string(ev.Type), "payload": ev.Payload})
			flusher.Flush()
		}
	}
}

func (s *Server) handleRiskTable(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"risk_table": engine.RiskTable()})
}

func (s *Server) handleToolRuns(w http.ResponseWriter, r *http.Request) {
	stepID := r.PathValue("step_id")
	runs, err := s.engine.ToolRuns(r.Context(), stepID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tool_runs": runs})
}

func (s *Server) handleMemory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	items, err := s.engine.MemoryItems(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"memory": items})
}

func (s *Server) writeSnapshotErr(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

func writeSSE(w http.ResponseWriter, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	w.Write([]byte("data: "))
	w.Write(b)
	w.Write([]byte("\n\n"))
}
