package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rendis/drip/internal/catalog"
	"github.com/rendis/drip/internal/store"
	"github.com/rendis/drip/internal/streaming"
	"github.com/rendis/drip/internal/validation"
	"github.com/rendis/drip/pkg/schema"
)

// Dispatcher starts runs and exposes the loaded catalog.
type Dispatcher interface {
	Dispatch(ctx context.Context, workflowID string, payload map[string]any) (string, error)
	DispatchPath(ctx context.Context, method, path string, payload map[string]any) (string, error)
	Catalog() *catalog.Snapshot
}

// Canceller stops waiting runs.
type Canceller interface {
	Cancel(ctx context.Context, runID string) error
}

// RunReader is the read side of the run and event stores.
type RunReader interface {
	GetRun(ctx context.Context, id string) (*schema.Run, error)
	ListRuns(ctx context.Context, filter store.RunFilter) ([]*schema.Run, error)
	GetEvents(ctx context.Context, runID string, since int64) ([]*store.Event, error)
	GetEventsByType(ctx context.Context, eventType string, filter store.EventFilter) ([]*store.Event, error)
}

// DripServerDeps holds the dependencies for creating a DripServer.
type DripServerDeps struct {
	Dispatcher Dispatcher
	Canceller  Canceller
	Runs       RunReader
	Validator  validation.Validator
	Hub        streaming.Hub
	Logger     *slog.Logger
}

// DripServer wraps an MCP server with drip-specific tool handlers.
type DripServer struct {
	dispatcher Dispatcher
	canceller  Canceller
	runs       RunReader
	validator  validation.Validator
	hub        streaming.Hub
	logger     *slog.Logger
	sessions   *SessionRegistry
	notifier   *MCPNotifier
	mcpServer  *server.MCPServer
}

// NewDripServer creates a new DripServer with all 6 tools registered.
func NewDripServer(deps DripServerDeps) *DripServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &DripServer{
		dispatcher: deps.Dispatcher,
		canceller:  deps.Canceller,
		runs:       deps.Runs,
		validator:  deps.Validator,
		hub:        deps.Hub,
		logger:     logger,
		sessions:   NewSessionRegistry(),
	}

	hooks := &server.Hooks{}
	hooks.AddOnUnregisterSession(func(_ context.Context, session server.ClientSession) {
		s.sessions.Remove(session.SessionID())
	})

	mcpSrv := server.NewMCPServer(
		"drip",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithHooks(hooks),
		server.WithInstructions("Drip runs messaging automation workflows. Use drip.dispatch to start a run, drip.status to inspect it and its fan-out siblings, drip.cancel to stop a waiting run, drip.query to list runs, events or workflows, drip.validate to check a definition before deploying it, and drip.diagram to render a workflow."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewMCPNotifier(mcpSrv, s.sessions)
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or
// stdin closes. With a hub configured, run events are pushed to the
// sessions that asked to watch them.
func (s *DripServer) Serve(ctx context.Context) error {
	if s.hub != nil {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			if err := s.notifier.Watch(ctx, s.hub); err != nil {
				s.logger.Warn("run notifications stopped", "error", err)
			}
		}()
	}
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *DripServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Notifier returns the notifier that forwards run events to watching sessions.
func (s *DripServer) Notifier() *MCPNotifier {
	return s.notifier
}

func (s *DripServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: dispatchTool(), Handler: s.handleDispatch},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: queryTool(), Handler: s.handleQuery},
		{Tool: validateTool(), Handler: s.handleValidate},
		{Tool: diagramTool(), Handler: s.handleDiagram},
	}
}

// --- Tool definitions ---

func dispatchTool() mcp.Tool {
	return mcp.NewTool("drip.dispatch",
		mcp.WithDescription("Start a workflow run with a trigger payload"),
		mcp.WithString("workflow_id", mcp.Description("ID of the workflow to run")),
		mcp.WithString("path", mcp.Description("Webhook path to match instead of workflow_id")),
		mcp.WithString("method", mcp.Description("HTTP method used with path (default: POST)")),
		mcp.WithObject("payload", mcp.Description("Trigger payload bound to the trigger node")),
		mcp.WithBoolean("watch", mcp.Description("Push run events of the new run to this session")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("drip.status",
		mcp.WithDescription("Get a run and its fan-out siblings"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to query")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("drip.cancel",
		mcp.WithDescription("Cancel a waiting run"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to cancel")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("drip.query",
		mcp.WithDescription("Query runs, events, or workflows"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("runs", "events", "workflows"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (workflow_id, status, prefix, run_id, event_type, since, limit)")),
	)
}

func validateTool() mcp.Tool {
	return mcp.NewTool("drip.validate",
		mcp.WithDescription("Validate a workflow definition without loading it"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Workflow definition object")),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("drip.diagram",
		mcp.WithDescription("Generate a visual diagram of a workflow. Returns ASCII art, Mermaid flowchart syntax, or a PNG image"),
		mcp.WithString("workflow_id", mcp.Description("Workflow to diagram (default: the workflow of run_id)")),
		mcp.WithString("run_id", mcp.Description("Run whose progress, and that of its siblings, is overlaid")),
		mcp.WithString("format", mcp.Required(),
			mcp.Enum("ascii", "mermaid", "image"),
			mcp.Description("Output format: ascii (text), mermaid (flowchart syntax), or image (PNG)"),
		),
	)
}
