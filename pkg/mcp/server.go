package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/agentflow/internal/service"
)

// ServerDeps holds the dependencies for creating a Server. Notifier defaults
// to pushing MCP notifications to the session that started a run.
type ServerDeps struct {
	Service  *service.Service
	Monitor  *service.Monitor
	Notifier AgentNotifier
	Logger   *slog.Logger
}

// Server wraps an MCP server with agentflow tool handlers.
type Server struct {
	svc       *service.Service
	monitor   *service.Monitor
	sessions  *SessionRegistry
	notifier  AgentNotifier
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewServer creates a new Server with all tools registered.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &Server{
		svc:      deps.Service,
		monitor:  deps.Monitor,
		sessions: NewSessionRegistry(),
		logger:   logger,
	}

	mcpSrv := server.NewMCPServer(
		"agentflow",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("agentflow runs multi-step research, qualification and outreach workflows. Use agentflow.workflows to list or define workflows, agentflow.run to start a run, agentflow.status and agentflow.events to follow it, and agentflow.health to check circuit breakers and capacity."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv

	s.notifier = deps.Notifier
	if s.notifier == nil {
		s.notifier = NewMCPNotifier(mcpSrv, s.sessions)
	}
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// tools returns the registered MCP tools as ServerTool entries.
func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: eventsTool(), Handler: s.handleEvents},
		{Tool: healthTool(), Handler: s.handleHealth},
		{Tool: workflowsTool(), Handler: s.handleWorkflows},
	}
}

// --- Tool definitions ---

func runTool() mcp.Tool {
	return mcp.NewTool("agentflow.run",
		mcp.WithDescription("Start a run of a stored workflow"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow to run")),
		mcp.WithObject("inputs", mcp.Required(), mcp.Description("Run inputs; company is required")),
		mcp.WithString("agent_id", mcp.Description("ID of the calling agent; it is notified when the run ends")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("agentflow.status",
		mcp.WithDescription("Get the status and output of a run"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to query")),
	)
}

func eventsTool() mcp.Tool {
	return mcp.NewTool("agentflow.events",
		mcp.WithDescription("Read the event log of a run"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run")),
		mcp.WithNumber("since", mcp.Description("Return events after this sequence number (default 0)")),
	)
}

func healthTool() mcp.Tool {
	return mcp.NewTool("agentflow.health",
		mcp.WithDescription("Report circuit breaker and limiter health"),
	)
}

func workflowsTool() mcp.Tool {
	return mcp.NewTool("agentflow.workflows",
		mcp.WithDescription("List, get or define workflows"),
		mcp.WithString("action", mcp.Required(),
			mcp.Enum("list", "get", "define"),
			mcp.Description("Operation to perform"),
		),
		mcp.WithString("workflow_id", mcp.Description("Workflow ID (get)")),
		mcp.WithObject("definition", mcp.Description("Workflow definition object (define)")),
		mcp.WithNumber("limit", mcp.Description("Maximum workflows to list (default 50)")),
	)
}
