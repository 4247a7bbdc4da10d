// Package dispatcher turns trigger events into runs.
package dispatcher

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/rendis/drip/internal/catalog"
	"github.com/rendis/drip/internal/engine"
	"github.com/rendis/drip/internal/logging"
	"github.com/rendis/drip/pkg/schema"
)

// Runner drives a freshly created run. *scheduler.Scheduler satisfies it.
type Runner interface {
	Run(ctx context.Context, g *engine.Graph, run *schema.Run) error
}

// Config wires a Dispatcher.
type Config struct {
	Catalog *catalog.Holder
	Runner  Runner
	Clock   engine.Clock
	Logger  *slog.Logger
	// NewID generates run ids. Defaults to uuid v4.
	NewID func() string
}

// Dispatcher creates runs from trigger payloads and owns the published
// workflow catalog.
type Dispatcher struct {
	catalog *catalog.Holder
	runner  Runner
	clock   engine.Clock
	logger  *slog.Logger
	newID   func() string

	mu     sync.Mutex
	onSwap []func(*catalog.Snapshot) error
}

// New creates a Dispatcher.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.Catalog == nil || cfg.Runner == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "dispatcher requires a catalog and a runner")
	}
	if cfg.Clock == nil {
		cfg.Clock = engine.SystemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	return &Dispatcher{
		catalog: cfg.Catalog,
		runner:  cfg.Runner,
		clock:   cfg.Clock,
		logger:  cfg.Logger,
		newID:   cfg.NewID,
	}, nil
}

// Dispatch starts a run of workflowID with payload bound under the trigger
// node and drives it until it first suspends or finishes. The run id is
// returned even when the run failed; execution failures are recorded on the
// run. Only lease and persistence errors are returned.
func (d *Dispatcher) Dispatch(ctx context.Context, workflowID string, payload map[string]any) (string, error) {
	g, ok := d.catalog.Graph(workflowID)
	if !ok || !g.Active() {
		return "", unknownWorkflow(workflowID)
	}
	return d.start(ctx, g, payload)
}

// DispatchPath starts a run of the active workflow whose trigger listens on
// method and path.
func (d *Dispatcher) DispatchPath(ctx context.Context, method, path string, payload map[string]any) (string, error) {
	g, ok := d.catalog.Current().ByPath(method, path)
	if !ok {
		return "", schema.NewErrorf(schema.ErrCodeUnknownWorkflow, "no active workflow handles %s /%s", method, path).
			WithDetails(map[string]any{"method": method, "path": path})
	}
	return d.start(ctx, g, payload)
}

func (d *Dispatcher) start(ctx context.Context, g *engine.Graph, payload map[string]any) (string, error) {
	now := d.clock.Now()
	trigger := g.Trigger().Name
	run := &schema.Run{
		ID:              d.newID(),
		WorkflowID:      g.ID(),
		WorkflowVersion: g.Version(),
		CurrentNode:     trigger,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if payload == nil {
		payload = map[string]any{}
	}
	run.Bind(trigger, schema.CloneMap(payload))

	// The run outlives the caller: a dropped webhook request must not abort
	// sends or the suspend write.
	ctx = logging.WithRun(context.WithoutCancel(ctx), run.ID, run.WorkflowID)
	if err := d.runner.Run(ctx, g, run); err != nil {
		d.logger.ErrorContext(ctx, "dispatch failed", "error", err)
		return run.ID, err
	}
	d.logger.InfoContext(ctx, "dispatched", "status", run.Status, "current_node", run.CurrentNode)
	return run.ID, nil
}

// Graph returns the workflow from the current catalog.
func (d *Dispatcher) Graph(workflowID string) (*engine.Graph, bool) {
	return d.catalog.Graph(workflowID)
}

// Catalog returns the current snapshot.
func (d *Dispatcher) Catalog() *catalog.Snapshot {
	return d.catalog.Current()
}

// OnSwap registers fn to run after every Swap with the new snapshot.
func (d *Dispatcher) OnSwap(fn func(*catalog.Snapshot) error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onSwap = append(d.onSwap, fn)
}

// Swap publishes s. Runs already in flight keep the graph they loaded; new
// dispatches and resumes see s. Hook errors are joined and returned after
// the swap took effect.
func (d *Dispatcher) Swap(s *catalog.Snapshot) error {
	d.catalog.Swap(s)

	d.mu.Lock()
	hooks := append([]func(*catalog.Snapshot) error(nil), d.onSwap...)
	d.mu.Unlock()

	var errs []error
	for _, fn := range hooks {
		if err := fn(d.catalog.Current()); err != nil {
			errs = append(errs, err)
		}
	}
	d.logger.Info("catalog swapped", "workflows", d.catalog.Current().Len())
	return errors.Join(errs...)
}

func unknownWorkflow(id string) *schema.DripError {
	return schema.NewErrorf(schema.ErrCodeUnknownWorkflow, "workflow %q is not loaded or not active", id).
		WithDetails(map[string]any{"workflow_id": id})
}
