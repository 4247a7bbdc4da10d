// Package webhook serves inbound trigger webhooks and a small operator API
// over HTTP.
package webhook

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	"github.com/rendis/drip/internal/catalog"
	"github.com/rendis/drip/internal/store"
	"github.com/rendis/drip/internal/streaming"
	"github.com/rendis/drip/pkg/schema"
)

// maxBodyBytes caps trigger payloads.
const maxBodyBytes = 1 << 20

// Dispatcher starts runs. *dispatcher.Dispatcher satisfies it.
type Dispatcher interface {
	Dispatch(ctx context.Context, workflowID string, payload map[string]any) (string, error)
	DispatchPath(ctx context.Context, method, path string, payload map[string]any) (string, error)
	Catalog() *catalog.Snapshot
}

// Canceller stops waiting runs. *scheduler.Scheduler satisfies it.
type Canceller interface {
	Cancel(ctx context.Context, runID string) error
}

// RunReader is the read side of the run store.
type RunReader interface {
	GetRun(ctx context.Context, id string) (*schema.Run, error)
	ListRuns(ctx context.Context, filter store.RunFilter) ([]*schema.Run, error)
	GetEvents(ctx context.Context, runID string, since int64) ([]*store.Event, error)
}

// Deps holds the collaborators of the HTTP server. Hub and Metrics are
// optional; their routes answer 404 when unset.
type Deps struct {
	Dispatcher Dispatcher
	Canceller  Canceller
	Runs       RunReader
	Hub        streaming.Hub
	Metrics    http.Handler
	Logger     *slog.Logger
}

// Server serves webhook triggers and the operator API.
type Server struct {
	deps Deps
}

// NewServer creates a Server.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Server{deps: deps}
}

// Handler returns the HTTP handler for all routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Inbound triggers. The trigger's method decides which requests match.
	mux.HandleFunc("/webhook/{path...}", s.handleWebhook)

	// Operator API.
	mux.HandleFunc("GET /api/workflows", s.handleListWorkflows)
	mux.HandleFunc("GET /api/workflows/{id}", s.handleGetWorkflow)
	mux.HandleFunc("GET /api/workflows/{id}/diagram", s.handleDiagram)
	mux.HandleFunc("POST /api/workflows/{id}/dispatch", s.handleDispatch)
	mux.HandleFunc("GET /api/runs", s.handleListRuns)
	mux.HandleFunc("GET /api/runs/{id}", s.handleGetRun)
	mux.HandleFunc("GET /api/runs/{id}/events", s.handleRunEvents)
	mux.HandleFunc("POST /api/runs/{id}/cancel", s.handleCancelRun)

	// Live event stream.
	mux.HandleFunc("GET /sse/runs", s.handleSSE)

	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.deps.Metrics != nil {
		mux.Handle("GET /metrics", s.deps.Metrics)
	}
	return mux
}
