package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/flowtrack/internal/engine"
	"github.com/rendis/flowtrack/internal/streaming"
)

// Version is reported to MCP clients on initialize.
const Version = "0.1.0"

// FlowtrackServerDeps holds the dependencies for creating a FlowtrackServer.
type FlowtrackServerDeps struct {
	Service engine.Service
	Hub     streaming.EventHub // optional; enables flowtrack.watch
	Logger  *slog.Logger
}

// FlowtrackServer wraps an MCP server with flowtrack tool handlers.
type FlowtrackServer struct {
	service   engine.Service
	hub       streaming.EventHub
	logger    *slog.Logger
	mcpServer *server.MCPServer
	watches   *WatchRegistry
	forwarder *Forwarder
}

// NewFlowtrackServer creates a FlowtrackServer with every tool registered.
func NewFlowtrackServer(deps FlowtrackServerDeps) *FlowtrackServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &FlowtrackServer{
		service: deps.Service,
		hub:     deps.Hub,
		logger:  logger,
		watches: NewWatchRegistry(),
	}

	hooks := &server.Hooks{}
	hooks.AddOnUnregisterSession(func(_ context.Context, session server.ClientSession) {
		s.watches.RemoveSession(session.SessionID())
	})

	mcpSrv := server.NewMCPServer(
		"flowtrack",
		Version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithHooks(hooks),
		server.WithInstructions("Flowtrack tracks workflow executions that run elsewhere. Use flowtrack.define to register a workflow, flowtrack.start to open an execution, flowtrack.step to report step progress, flowtrack.finalize to close it, flowtrack.status to read or query its state, flowtrack.watch to receive its events as notifications, and flowtrack.query to list stored workflows and executions."),
	)
	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv

	if deps.Hub != nil {
		s.forwarder = NewForwarder(deps.Hub, s.watches, NewMCPNotifier(mcpSrv, s.watches), logger)
	}
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or
// stdin closes. Watched execution events are forwarded while it runs.
func (s *FlowtrackServer) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if s.forwarder != nil {
		go func() {
			if err := s.forwarder.Run(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("event forwarder stopped", "error", err)
			}
		}()
	}

	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *FlowtrackServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *FlowtrackServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: validateTool(), Handler: s.handleValidate},
		{Tool: defineTool(), Handler: s.handleDefine},
		{Tool: startTool(), Handler: s.handleStart},
		{Tool: stepTool(), Handler: s.handleStep},
		{Tool: finalizeTool(), Handler: s.handleFinalize},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: watchTool(), Handler: s.handleWatch},
		{Tool: diagramTool(), Handler: s.handleDiagram},
		{Tool: queryTool(), Handler: s.handleQuery},
		{Tool: deleteTool(), Handler: s.handleDelete},
	}
}

// --- Tool definitions ---

func validateTool() mcp.Tool {
	return mcp.NewTool("flowtrack.validate",
		mcp.WithDescription("Validate a workflow definition without storing it"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Workflow definition object")),
	)
}

func defineTool() mcp.Tool {
	return mcp.NewTool("flowtrack.define",
		mcp.WithDescription("Validate and register a workflow definition"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Workflow definition object: name, steps, output, timeout, metadata")),
	)
}

func startTool() mcp.Tool {
	return mcp.NewTool("flowtrack.start",
		mcp.WithDescription("Start tracking a new execution of a registered workflow"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID returned by flowtrack.define")),
	)
}

func stepTool() mcp.Tool {
	return mcp.NewTool("flowtrack.step",
		mcp.WithDescription("Report a step transition for a running execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution")),
		mcp.WithString("step_key", mcp.Required(), mcp.Description("Key of the step")),
		mcp.WithString("action", mcp.Required(),
			mcp.Enum("start", "complete", "fail", "skip", "retry", "should_run"),
			mcp.Description("Transition to apply, or should_run to evaluate the step condition"),
		),
		mcp.WithObject("output", mcp.Description("Step output (complete)")),
		mcp.WithString("error", mcp.Description("Error message (fail)")),
		mcp.WithString("reason", mcp.Description("Skip reason (skip)")),
		mcp.WithNumber("attempt", mcp.Description("Retry attempt number (retry)")),
	)
}

func finalizeTool() mcp.Tool {
	return mcp.NewTool("flowtrack.finalize",
		mcp.WithDescription("Finish an execution with a terminal status"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution")),
		mcp.WithString("status", mcp.Required(),
			mcp.Enum("completed", "failed", "cancelled", "timeout"),
			mcp.Description("Terminal status"),
		),
		mcp.WithObject("output", mcp.Description("Execution output; defaults to the workflow output expression")),
		mcp.WithString("error", mcp.Description("Execution-level error message")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("flowtrack.status",
		mcp.WithDescription("Get execution status, optionally filtered through a jq query"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution")),
		mcp.WithString("query", mcp.Description("jq expression evaluated over the status document")),
	)
}

func watchTool() mcp.Tool {
	return mcp.NewTool("flowtrack.watch",
		mcp.WithDescription("Receive status and step events of an execution as notifications"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution")),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("flowtrack.diagram",
		mcp.WithDescription("Render a workflow DAG as ASCII art, a Mermaid flowchart or a PNG image. With execution_id, step statuses are overlaid"),
		mcp.WithString("workflow_id", mcp.Description("Workflow to diagram")),
		mcp.WithString("execution_id", mcp.Description("Execution to diagram with its step statuses; takes precedence over workflow_id")),
		mcp.WithString("format", mcp.Required(),
			mcp.Enum("ascii", "mermaid", "image"),
			mcp.Description("Output format: ascii (text), mermaid (flowchart syntax), or image (PNG)"),
		),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("flowtrack.query",
		mcp.WithDescription("List stored workflows or executions, newest first"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("workflows", "executions"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (name, workflow_id, status, since, limit, offset)")),
	)
}

func deleteTool() mcp.Tool {
	return mcp.NewTool("flowtrack.delete",
		mcp.WithDescription("Delete a workflow definition and its persisted executions"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("Workflow to delete; it must have no live executions")),
	)
}
