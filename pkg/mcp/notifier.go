package mcp

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/agentflow/pkg/schema"
)

const (
	notificationMethod = "notifications/message"
	notificationLogger = "agentflow"
)

// Notice types.
const (
	NoticeRunFinished  = "run_finished"
	NoticeWatchTimeout = "run_watch_timeout"
)

// RunNotice tells an agent how a run it started ended.
type RunNotice struct {
	Type       string           `json:"type"`
	RunID      string           `json:"run_id"`
	WorkflowID string           `json:"workflow_id,omitempty"`
	Status     schema.RunStatus `json:"status,omitempty"`
	Error      string           `json:"error,omitempty"`
}

// level maps the outcome to an MCP logging level.
func (n RunNotice) level() string {
	switch {
	case n.Type == NoticeWatchTimeout:
		return "warning"
	case n.Status == schema.RunStatusError:
		return "error"
	default:
		return "info"
	}
}

// AgentNotifier pushes run notices to connected agents.
type AgentNotifier interface {
	Notify(ctx context.Context, agentID string, notice RunNotice) error
}

// MCPNotifier sends notices as MCP logging notifications to the session bound
// to the agent.
type MCPNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
}

// NewMCPNotifier creates a notifier over the given server and session map.
func NewMCPNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *MCPNotifier {
	return &MCPNotifier{mcpServer: mcpServer, sessions: sessions}
}

// Notify sends notice to the agent's session. It returns nil when the agent
// has no live session.
func (n *MCPNotifier) Notify(_ context.Context, agentID string, notice RunNotice) error {
	sessionID, ok := n.sessions.SessionFor(agentID)
	if !ok {
		return nil
	}
	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, notificationMethod, map[string]any{
		"level":  notice.level(),
		"logger": notificationLogger,
		"data":   notice,
	})
	if errors.Is(err, server.ErrSessionNotFound) {
		n.sessions.DropSession(sessionID)
		return nil
	}
	return err
}
