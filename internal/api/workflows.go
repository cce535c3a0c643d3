package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/rendis/agentflow/internal/store"
	"github.com/rendis/agentflow/pkg/schema"
)

// workflowResponse is a stored workflow plus the non-fatal validation issues
// found when it was written.
type workflowResponse struct {
	*store.Workflow
	Warnings []schema.ValidationIssue `json:"warnings,omitempty"`
}

type validateResponse struct {
	Valid    bool                     `json:"valid"`
	Errors   []schema.ValidationIssue `json:"errors"`
	Warnings []schema.ValidationIssue `json:"warnings"`
}

func (s *Server) handleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var def schema.WorkflowDefinition
	if err := decodeJSON(w, r, &def); err != nil {
		s.writeFlowError(w, r, err)
		return
	}
	wf, warnings, err := s.svc.CreateWorkflow(r.Context(), def)
	if err != nil {
		s.writeFlowError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, workflowResponse{Workflow: wf, Warnings: warnings})
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	wfs, err := s.svc.ListWorkflows(r.Context(), store.WorkflowFilter{
		Name:   r.URL.Query().Get("name"),
		Limit:  queryInt(r, "limit", 50),
		Offset: queryInt(r, "offset", 0),
	})
	if err != nil {
		s.writeFlowError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wfs)
}

func (s *Server) handleValidateWorkflow(w http.ResponseWriter, r *http.Request) {
	var def schema.WorkflowDefinition
	if err := decodeJSON(w, r, &def); err != nil {
		s.writeFlowError(w, r, err)
		return
	}
	res := s.svc.ValidateWorkflow(&def)
	resp := validateResponse{Valid: res.Valid(), Errors: res.Errors, Warnings: res.Warnings}
	if resp.Errors == nil {
		resp.Errors = []schema.ValidationIssue{}
	}
	if resp.Warnings == nil {
		resp.Warnings = []schema.ValidationIssue{}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := s.svc.GetWorkflow(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeFlowError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (s *Server) handleUpdateWorkflow(w http.ResponseWriter, r *http.Request) {
	var def schema.WorkflowDefinition
	if err := decodeJSON(w, r, &def); err != nil {
		s.writeFlowError(w, r, err)
		return
	}
	wf, warnings, err := s.svc.UpdateWorkflow(r.Context(), chi.URLParam(r, "id"), def)
	if err != nil {
		s.writeFlowError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, workflowResponse{Workflow: wf, Warnings: warnings})
}

func (s *Server) handleDeleteWorkflow(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.DeleteWorkflow(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeFlowError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
