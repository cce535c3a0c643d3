package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/rendis/agentflow/internal/engine"
	"github.com/rendis/agentflow/pkg/schema"
)

type resetResponse struct {
	Success  bool                         `json:"success"`
	Message  string                       `json:"message"`
	NewState *engine.CircuitBreakerStatus `json:"new_state,omitempty"`
}

type jobUpdateRequest struct {
	Enabled *bool `json:"enabled"`
}

func (s *Server) handleBreakerHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.monitor.CircuitBreakers())
}

func (s *Server) handleLimiterHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.monitor.Limiters())
}

func (s *Server) handleSystemHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.monitor.System())
}

// handleResetBreaker forces the breaker named by breaker_name (default the
// executor breaker) back to closed.
func (s *Server) handleResetBreaker(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("breaker_name")
	if name == "" {
		name = engine.ExecutorBreakerName
	}
	st, err := s.monitor.ResetBreaker(name)
	if err != nil {
		if schema.HasCode(err, schema.ErrCodeNotFound) {
			writeJSON(w, http.StatusNotFound, resetResponse{Message: "Unknown circuit breaker: " + name})
			return
		}
		s.writeFlowError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resetResponse{
		Success:  true,
		Message:  "Circuit breaker " + name + " reset to CLOSED",
		NewState: &st,
	})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.jobs.ListJobs(r.Context(), r.URL.Query().Get("workflow_id"))
	if err != nil {
		s.writeFlowError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleUpdateJob(w http.ResponseWriter, r *http.Request) {
	var req jobUpdateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeFlowError(w, r, err)
		return
	}
	if req.Enabled == nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "enabled is required", Code: schema.ErrCodeValidation})
		return
	}
	job, err := s.jobs.SetJobEnabled(r.Context(), chi.URLParam(r, "id"), *req.Enabled)
	if err != nil {
		s.writeFlowError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}
