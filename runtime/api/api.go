// Package api exposes the run controller over HTTP. The surface is the thin
// shell around the controller: auth is an injected access check, routing is
// stdlib, and the stream endpoint speaks Server-Sent Events with buffering
// and caching disabled.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"goa.design/agentflow/runtime/controller"
	"goa.design/agentflow/runtime/run"
	"goa.design/agentflow/runtime/stream"
	"goa.design/agentflow/runtime/telemetry"
	"goa.design/agentflow/runtime/thread"
)

type (
	// AccessChecker verifies that the authenticated caller may act on a
	// thread. Implementations return ErrAccessDenied to produce a 403.
	AccessChecker func(ctx context.Context, r *http.Request, threadID string) error

	// Service wires the controller into HTTP handlers.
	Service struct {
		ctrl   *controller.Controller
		access AccessChecker
		logger telemetry.Logger
	}

	// Option configures a Service.
	Option func(*Service)

	// runView is the JSON projection of a run record.
	runView struct {
		ID          string         `json:"id"`
		ThreadID    string         `json:"thread_id"`
		Status      string         `json:"status"`
		StartedAt   time.Time      `json:"started_at"`
		CompletedAt *time.Time     `json:"completed_at,omitempty"`
		Error       string         `json:"error,omitempty"`
		Responses   []stream.Event `json:"responses,omitempty"`
	}
)

// ErrAccessDenied is returned by access checkers to reject a caller.
var ErrAccessDenied = errors.New("access denied")

// WithLogger configures the service logger. Nil keeps the no-op default.
func WithLogger(logger telemetry.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New returns a service around the controller. A nil access checker allows
// every caller; production deployments inject one backed by their auth layer.
func New(ctrl *controller.Controller, access AccessChecker, opts ...Option) *Service {
	if access == nil {
		access = func(context.Context, *http.Request, string) error { return nil }
	}
	s := &Service{
		ctrl:   ctrl,
		access: access,
		logger: telemetry.NewNoopLogger(),
	}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	return s
}

// Handler returns the HTTP routes of the agent run surface.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /thread/{thread_id}/agent/start", s.startAgent)
	mux.HandleFunc("GET /thread/{thread_id}/agent-runs", s.listRuns)
	mux.HandleFunc("POST /agent-run/{agent_run_id}/stop", s.stopAgent)
	mux.HandleFunc("GET /agent-run/{agent_run_id}", s.getRun)
	mux.HandleFunc("GET /agent-run/{agent_run_id}/stream", s.streamRun)
	return mux
}

func (s *Service) startAgent(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("thread_id")
	if !s.authorize(w, r, threadID) {
		return
	}
	runID, err := s.ctrl.Start(r.Context(), threadID)
	if err != nil {
		if errors.Is(err, thread.ErrNotFound) {
			httpError(w, http.StatusNotFound, "thread not found")
			return
		}
		s.logger.Error(r.Context(), "start agent failed", "thread_id", threadID, "err", err)
		httpError(w, http.StatusInternalServerError, "failed to start agent")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"agent_run_id": runID,
		"status":       string(run.StatusRunning),
	})
}

func (s *Service) stopAgent(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("agent_run_id")
	rec, ok := s.loadAuthorized(w, r, runID)
	if !ok {
		return
	}
	if err := s.ctrl.Stop(r.Context(), rec.ID); err != nil {
		s.logger.Error(r.Context(), "stop agent failed", "run_id", runID, "err", err)
		httpError(w, http.StatusInternalServerError, "failed to stop agent")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(run.StatusStopped)})
}

func (s *Service) listRuns(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("thread_id")
	if !s.authorize(w, r, threadID) {
		return
	}
	recs, err := s.ctrl.ListByThread(r.Context(), threadID)
	if err != nil {
		s.logger.Error(r.Context(), "list runs failed", "thread_id", threadID, "err", err)
		httpError(w, http.StatusInternalServerError, "failed to list agent runs")
		return
	}
	views := make([]runView, 0, len(recs))
	for _, rec := range recs {
		views = append(views, view(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{"agent_runs": views})
}

func (s *Service) getRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("agent_run_id")
	rec, ok := s.loadAuthorized(w, r, runID)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, view(rec))
}

// streamRun serves the run's event stream as SSE. The token query parameter
// carries credentials for clients that cannot set headers on EventSource
// connections; the access checker decides how to honor it.
func (s *Service) streamRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("agent_run_id")
	rec, ok := s.loadAuthorized(w, r, runID)
	if !ok {
		return
	}

	flusher, canFlush := w.(http.Flusher)
	if !canFlush {
		httpError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache, no-transform")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	err := s.ctrl.Stream(r.Context(), rec.ID, func(ev stream.Event) error {
		payload, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("encode stream event: %w", err)
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn(r.Context(), "stream ended with error", "run_id", runID, "err", err)
	}
}

// authorize runs the access check and writes the 403 on rejection.
func (s *Service) authorize(w http.ResponseWriter, r *http.Request, threadID string) bool {
	if err := s.access(r.Context(), r, threadID); err != nil {
		httpError(w, http.StatusForbidden, "access denied")
		return false
	}
	return true
}

// loadAuthorized resolves a run and authorizes the caller against its thread.
func (s *Service) loadAuthorized(w http.ResponseWriter, r *http.Request, runID string) (run.Record, bool) {
	rec, err := s.ctrl.Get(r.Context(), runID)
	if err != nil {
		if errors.Is(err, run.ErrNotFound) {
			httpError(w, http.StatusNotFound, "agent run not found")
			return run.Record{}, false
		}
		s.logger.Error(r.Context(), "load run failed", "run_id", runID, "err", err)
		httpError(w, http.StatusInternalServerError, "failed to load agent run")
		return run.Record{}, false
	}
	if !s.authorize(w, r, rec.ThreadID) {
		return run.Record{}, false
	}
	return rec, true
}

func view(rec run.Record) runView {
	v := runView{
		ID:        rec.ID,
		ThreadID:  rec.ThreadID,
		Status:    string(rec.Status),
		StartedAt: rec.StartedAt,
		Error:     rec.Error,
		Responses: rec.Responses,
	}
	if !rec.CompletedAt.IsZero() {
		t := rec.CompletedAt
		v.CompletedAt = &t
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func httpError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
