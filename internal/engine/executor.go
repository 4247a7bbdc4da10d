package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/rendis/drip/internal/expressions"
	"github.com/rendis/drip/internal/logging"
	"github.com/rendis/drip/internal/messaging"
	"github.com/rendis/drip/internal/metrics"
	"github.com/rendis/drip/pkg/schema"
)

// ExecutorConfig wires an Executor's collaborators. Only Senders is required.
type ExecutorConfig struct {
	Evaluator *expressions.Evaluator
	Engines   *expressions.Engines
	Senders   messaging.Sender
	Breakers  *CircuitBreakerRegistry
	Events    EventAppender
	Clock     Clock
	Logger    *slog.Logger
	Metrics   *metrics.Metrics

	// Sleep waits between dispatch attempts. Defaults to WaitForBackoff.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Executor advances a run by exactly one node. It never persists and never
// touches leases: the scheduler owns the run while Advance runs.
type Executor struct {
	evaluator *expressions.Evaluator
	engines   *expressions.Engines
	senders   messaging.Sender
	breakers  *CircuitBreakerRegistry
	fsm       *RunFSM
	clock     Clock
	logger    *slog.Logger
	metrics   *metrics.Metrics
	sleep     func(ctx context.Context, d time.Duration) error
}

// NewExecutor creates an Executor, filling unset collaborators with defaults.
func NewExecutor(cfg ExecutorConfig) (*Executor, error) {
	if cfg.Senders == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "executor requires a message sender")
	}
	if cfg.Engines == nil {
		engines, err := expressions.NewEngines()
		if err != nil {
			return nil, err
		}
		cfg.Engines = engines
	}
	if cfg.Evaluator == nil {
		cfg.Evaluator = expressions.NewEvaluator(nil)
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Breakers == nil {
		cfg.Breakers = NewCircuitBreakerRegistry(DefaultCircuitBreakerConfig(), cfg.Clock)
	}
	if cfg.Sleep == nil {
		cfg.Sleep = WaitForBackoff
	}
	return &Executor{
		evaluator: cfg.Evaluator,
		engines:   cfg.Engines,
		senders:   cfg.Senders,
		breakers:  cfg.Breakers,
		fsm:       NewRunFSM(cfg.Events, cfg.Clock, cfg.Logger),
		clock:     cfg.Clock,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		sleep:     cfg.Sleep,
	}, nil
}

// FSM returns the state machine the executor emits events through.
func (e *Executor) FSM() *RunFSM { return e.fsm }

// Clock returns the executor's clock.
func (e *Executor) Clock() Clock { return e.clock }

// Advance executes run.CurrentNode and reports what happens next. The node's
// output is bound on run; the caller applies the outcome.
func (e *Executor) Advance(ctx context.Context, g *Graph, run *schema.Run) Outcome {
	node, ok := g.Node(run.CurrentNode)
	if !ok {
		return Failed(schema.NewErrorf(schema.ErrCodeExecution, "node %q not found in workflow %s v%d",
			run.CurrentNode, g.ID(), g.Version()).WithNode(run.CurrentNode))
	}
	ctx = logging.WithNode(ctx, node.Name)
	scope := expressions.NewScope(run, g.Meta())

	var out Outcome
	switch p := node.Params.(type) {
	case *schema.TriggerParams:
		out = e.trigger(g, node, run)
	case *schema.TransformParams:
		out = e.transform(ctx, g, node, p, run, scope)
	case *schema.ConditionalParams:
		out = e.conditional(ctx, g, node, p, run, scope)
	case *schema.DelayParams:
		out = e.delay(node, p, run)
	case *schema.ActionParams:
		out = e.action(ctx, g, node, p, run, scope)
	default:
		out = Failed(schema.NewErrorf(schema.ErrCodeExecution, "node %q has no executor for params %T", node.Name, p))
	}

	switch out.Kind {
	case OutcomeFailed:
		out.Err = attachNode(out.Err, node.Name)
		e.logger.WarnContext(ctx, "node failed", "kind", node.Kind, "error", out.Err)
	case OutcomeSuspend:
		e.logger.DebugContext(ctx, "node suspended", "kind", node.Kind, "wake_at", out.WakeAt)
	default:
		e.fsm.Emit(ctx, run, node.Name, schema.EventNodeCompleted, map[string]any{
			"kind": string(node.Kind),
			"next": out.Next,
		})
		e.logger.DebugContext(ctx, "node completed", "kind", node.Kind, "next", out.Next)
	}
	return out
}

func (e *Executor) trigger(g *Graph, node *GraphNode, run *schema.Run) Outcome {
	if _, ok := run.Bindings[node.Name]; !ok {
		run.Bind(node.Name, map[string]any{})
	}
	return Continue(g.Targets(node.Name, schema.PortMain)...)
}

func (e *Executor) transform(ctx context.Context, g *Graph, node *GraphNode, p *schema.TransformParams, run *schema.Run, scope *expressions.Scope) Outcome {
	out := make(map[string]any, len(p.Assignments))
	for _, a := range p.Assignments {
		local := scope.WithNode(node.Name, out)

		var (
			val any
			err error
		)
		if a.Expression != "" {
			eng, ok := e.engines.ByName(a.Engine)
			if !ok {
				return Failed(schema.NewErrorf(schema.ErrCodeExpression, "assignment %q: unknown engine %q", a.Key, a.Engine))
			}
			val, err = eng.Evaluate(ctx, a.Expression, local.Data())
		} else {
			val, err = e.evaluator.RenderValue(ctx, a.Value, local)
		}
		if err != nil {
			return Failed(err)
		}
		out[a.Key] = val
	}

	run.Bind(node.Name, out)
	return Continue(g.Targets(node.Name, schema.PortMain)...)
}

func (e *Executor) conditional(ctx context.Context, g *Graph, node *GraphNode, p *schema.ConditionalParams, run *schema.Run, scope *expressions.Scope) Outcome {
	var (
		result bool
		err    error
	)
	if p.Structured() {
		result, err = e.compare(ctx, p, scope)
	} else {
		result, err = e.engines.CEL.EvaluateBool(ctx, p.Expression, scope.Data())
	}
	if err != nil {
		return Failed(err)
	}

	run.Bind(node.Name, map[string]any{"result": result})
	port := schema.PortFalse
	if result {
		port = schema.PortTrue
	}
	return Continue(g.Targets(node.Name, port)...)
}

func (e *Executor) compare(ctx context.Context, p *schema.ConditionalParams, scope *expressions.Scope) (bool, error) {
	left, err := e.evaluator.Render(ctx, p.Value, scope)
	if err != nil {
		// A missing field is exactly what exists/not_exists test for.
		if !expressions.UnaryOperator(p.Operator) || !schema.HasCode(err, schema.ErrCodeUnresolvedReference) {
			return false, err
		}
		left = nil
	}

	var right any
	if !expressions.UnaryOperator(p.Operator) {
		right, err = e.evaluator.RenderValue(ctx, p.Operand, scope)
		if err != nil {
			return false, err
		}
	}
	return expressions.Compare(p.Operator, left, right)
}

func (e *Executor) delay(node *GraphNode, p *schema.DelayParams, run *schema.Run) Outcome {
	d, err := p.Duration()
	if err != nil {
		return Failed(schema.NewError(schema.ErrCodeExecution, err.Error()))
	}
	wakeAt := e.clock.Now().Add(d)
	run.Bind(node.Name, map[string]any{"wake_at": wakeAt.UTC().Format(time.RFC3339Nano)})
	return Suspend(wakeAt)
}

// ResumeDelay records the resume time on a Delay node's output and returns
// the node's continuation.
func (e *Executor) ResumeDelay(g *Graph, run *schema.Run, resumedAt time.Time) Outcome {
	out := map[string]any{}
	if prev, ok := run.Bindings[run.CurrentNode].(map[string]any); ok {
		for k, v := range prev {
			out[k] = v
		}
	}
	out["resumed_at"] = resumedAt.UTC().Format(time.RFC3339Nano)
	run.Bind(run.CurrentNode, out)
	return Continue(g.Targets(run.CurrentNode, schema.PortMain)...)
}

// attachNode returns err as a DripError naming node. The original error is
// copied, not mutated.
func attachNode(err error, node string) error {
	if err == nil {
		return nil
	}
	de := schema.AsError(err)
	if de == nil {
		return schema.NewError(schema.ErrCodeExecution, err.Error()).WithCause(err).WithNode(node)
	}
	cp := *de
	if cp.Node == "" {
		cp.Node = node
	}
	return &cp
}
