package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/rendis/agentflow/internal/store"
	"github.com/rendis/agentflow/pkg/schema"
)

type createRunRequest struct {
	WorkflowID string         `json:"workflow_id"`
	Inputs     map[string]any `json:"inputs"`
}

type createRunResponse struct {
	ID         string           `json:"id"`
	WorkflowID string           `json:"workflow_id"`
	Status     schema.RunStatus `json:"status"`
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeFlowError(w, r, err)
		return
	}
	if req.WorkflowID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "workflow_id is required", Code: schema.ErrCodeValidation})
		return
	}
	run, err := s.svc.CreateRun(r.Context(), req.WorkflowID, req.Inputs)
	if err != nil {
		s.writeFlowError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, createRunResponse{ID: run.ID, WorkflowID: run.WorkflowID, Status: run.Status})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	filter := store.RunFilter{
		WorkflowID: r.URL.Query().Get("workflow_id"),
		Limit:      queryInt(r, "limit", 50),
		Offset:     queryInt(r, "offset", 0),
	}
	if st := r.URL.Query().Get("status"); st != "" {
		status := schema.RunStatus(st)
		filter.Status = &status
	}
	runs, err := s.svc.ListRuns(r.Context(), filter)
	if err != nil {
		s.writeFlowError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.svc.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeFlowError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.svc.RunEvents(r.Context(), chi.URLParam(r, "id"), int64(queryInt(r, "since", 0)))
	if err != nil {
		s.writeFlowError(w, r, err)
		return
	}
	envs := make([]store.Envelope, len(events))
	for i, e := range events {
		envs[i] = store.NewEnvelope(e)
	}
	writeJSON(w, http.StatusOK, envs)
}

// handleRunLogs streams the run's events as SSE data frames until the run
// ends, the client disconnects or the tail cap elapses. A reconnecting client
// passes the last sequence it saw as since.
func (s *Server) handleRunLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.svc.GetRun(r.Context(), id); err != nil {
		s.writeFlowError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	// Disable write timeout for long-lived SSE connections.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		s.logger.Error("set write deadline for SSE", "error", err)
	}

	w.WriteHeader(http.StatusOK)
	_ = rc.Flush()

	err := s.svc.TailRun(r.Context(), id, int64(queryInt(r, "since", 0)), func(e *store.Event) error {
		if _, err := io.WriteString(w, store.NewEnvelope(e).String()); err != nil {
			return err
		}
		return rc.Flush()
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn("log stream ended", "run_id", id, "error", err)
	}
}
