package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/agentflow/internal/store"
	"github.com/rendis/agentflow/pkg/schema"
)

// handleRun creates a run and returns immediately. When agent_id is given the
// agent's session is notified once the run reaches a terminal status.
func (s *Server) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	inputs := mcp.ParseStringMap(req, "inputs", nil)
	agentID := req.GetString("agent_id", "")

	run, runErr := s.svc.CreateRun(ctx, workflowID, inputs)
	if runErr != nil {
		return toolError(runErr), nil
	}

	result := map[string]any{
		"run_id":      run.ID,
		"workflow_id": run.WorkflowID,
		"status":      run.Status,
	}
	if agentID != "" {
		s.watchFor(ctx, agentID, run.ID)
		if err := s.svc.Dispatcher().Go(ctx, func(ctx context.Context) { s.watchRun(ctx, agentID, run) }); err != nil {
			s.sessions.Done(agentID, run.ID)
			s.logger.Warn("run watcher not started", slog.String("run_id", run.ID), slog.String("error", err.Error()))
		}
		result["watching"] = s.sessions.Watching(agentID)
	}
	return marshalResult(result)
}

// watchRun follows run until it ends and notifies agentID of the outcome.
func (s *Server) watchRun(ctx context.Context, agentID string, run *store.Run) {
	defer s.sessions.Done(agentID, run.ID)

	var last *store.Event
	err := s.svc.TailRun(ctx, run.ID, 0, func(e *store.Event) error {
		last = e
		return nil
	})
	if err != nil {
		s.logger.Warn("run watch ended", slog.String("run_id", run.ID), slog.String("error", err.Error()))
		return
	}

	notice := RunNotice{Type: NoticeRunFinished, RunID: run.ID, WorkflowID: run.WorkflowID}
	if last != nil && last.Kind == schema.EventTimeout {
		notice.Type = NoticeWatchTimeout
	}
	if current, err := s.svc.GetRun(ctx, run.ID); err == nil {
		notice.Status = current.Status
		notice.Error = current.Error
	}
	if err := s.notifier.Notify(ctx, agentID, notice); err != nil {
		s.logger.Warn("agent notification failed", slog.String("agent_id", agentID), slog.String("error", err.Error()))
	}
}

// handleStatus returns the current state of a run.
func (s *Server) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	run, runErr := s.svc.GetRun(ctx, runID)
	if runErr != nil {
		return toolError(runErr), nil
	}
	return marshalResult(run)
}

// handleEvents returns the run's events after since as wire envelopes.
func (s *Server) handleEvents(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	since := int64(req.GetInt("since", 0))

	events, evErr := s.svc.RunEvents(ctx, runID, since)
	if evErr != nil {
		return toolError(evErr), nil
	}
	out := make([]store.Envelope, len(events))
	for i, e := range events {
		out[i] = store.NewEnvelope(e)
	}
	next := since
	if n := len(events); n > 0 {
		next = events[n-1].Sequence
	}
	return marshalResult(map[string]any{"events": out, "next_since": next})
}

// handleHealth returns the combined system health.
func (s *Server) handleHealth(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.monitor == nil {
		return mcp.NewToolResultError("monitoring is not configured"), nil
	}
	return marshalResult(s.monitor.System())
}

// handleWorkflows dispatches on action.
func (s *Server) handleWorkflows(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	action, err := req.RequireString("action")
	if err != nil {
		return mcp.NewToolResultError("action is required"), nil
	}

	switch action {
	case "list":
		wfs, listErr := s.svc.ListWorkflows(ctx, store.WorkflowFilter{Limit: req.GetInt("limit", 50)})
		if listErr != nil {
			return toolError(listErr), nil
		}
		return marshalResult(map[string]any{"workflows": wfs})
	case "get":
		id := req.GetString("workflow_id", "")
		if id == "" {
			return mcp.NewToolResultError("workflow_id is required for get"), nil
		}
		wf, getErr := s.svc.GetWorkflow(ctx, id)
		if getErr != nil {
			return toolError(getErr), nil
		}
		return marshalResult(wf)
	case "define":
		return s.defineWorkflow(ctx, req)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown action: %s", action)), nil
	}
}

func (s *Server) defineWorkflow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	defRaw := mcp.ParseStringMap(req, "definition", nil)
	if defRaw == nil {
		return mcp.NewToolResultError("definition is required for define"), nil
	}

	// Marshal then unmarshal the definition to get a proper WorkflowDefinition.
	defBytes, marshalErr := json.Marshal(defRaw)
	if marshalErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", marshalErr)), nil
	}
	var def schema.WorkflowDefinition
	if unmarshalErr := json.Unmarshal(defBytes, &def); unmarshalErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", unmarshalErr)), nil
	}

	wf, warnings, createErr := s.svc.CreateWorkflow(ctx, def)
	if createErr != nil {
		return toolError(createErr), nil
	}
	return marshalResult(map[string]any{
		"workflow_id": wf.ID,
		"name":        wf.Name,
		"warnings":    warnings,
	})
}

// watchFor records that agentID waits on runID, binding the agent to the
// calling MCP session when there is one.
func (s *Server) watchFor(ctx context.Context, agentID, runID string) {
	var sessionID string
	if session := server.ClientSessionFromContext(ctx); session != nil {
		sessionID = session.SessionID()
	}
	s.sessions.Watch(agentID, sessionID, runID)
}

// toolError renders err as a tool-level error, keeping the code of a FlowError.
func toolError(err error) *mcp.CallToolResult {
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		return mcp.NewToolResultError(fmt.Sprintf("%s: %s", fe.Code, fe.Message))
	}
	return mcp.NewToolResultError(err.Error())
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
