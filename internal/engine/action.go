package engine

import (
	"context"

	"github.com/rendis/drip/internal/expressions"
	"github.com/rendis/drip/internal/messaging"
	"github.com/rendis/drip/pkg/schema"
)

// action renders and sends one message, retrying retriable failures with
// backoff. Nothing is sent if any template fails to render.
func (e *Executor) action(ctx context.Context, g *Graph, node *GraphNode, p *schema.ActionParams, run *schema.Run, scope *expressions.Scope) Outcome {
	msg, err := e.renderMessage(ctx, p, scope)
	if err != nil {
		return Failed(err)
	}
	msg.RunID = run.ID
	msg.Node = node.Name

	settings := g.Settings()
	policy := schema.ResolveRetry(p.Retry, settings.Retry)

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		setAttempts(run, node.Name, attempt)

		sendErr := e.breakers.AllowRequest(p.Channel)
		if sendErr == nil {
			var receipt messaging.Receipt
			receipt, sendErr = e.senders.Send(ctx, msg)
			if sendErr == nil {
				e.breakers.RecordSuccess(p.Channel)
				e.metrics.Message(p.Channel, "sent")
				run.Bind(node.Name, map[string]any{})
				e.fsm.Emit(ctx, run, node.Name, schema.EventMessageDispatched, map[string]any{
					"channel":    p.Channel,
					"recipient":  msg.Recipient,
					"receipt_id": receipt.ID,
					"attempt":    attempt,
				})
				return Continue(g.Targets(node.Name, schema.PortMain)...)
			}

			switch classifyDispatch(ctx, sendErr) {
			case dispatchCancelled:
				return Failed(schema.NewErrorf(schema.ErrCodeCancelled, "send on %s interrupted: %s", p.Channel, sendErr.Error()).
					WithCause(sendErr).
					WithDetails(map[string]any{"attempts": attempt}))
			case dispatchFatal:
				e.metrics.Message(p.Channel, "fatal")
				return Failed(withAttempts(sendErr, attempt))
			}

			e.metrics.Message(p.Channel, "retriable")
			if e.breakers.RecordFailure(p.Channel) == CircuitOpen {
				e.fsm.Emit(ctx, run, node.Name, schema.EventCircuitOpened, map[string]any{"channel": p.Channel})
			}
		} else {
			e.metrics.Message(p.Channel, "circuit_open")
		}

		lastErr = sendErr
		if attempt == policy.MaxAttempts {
			break
		}

		delay := ComputeBackoff(&policy, attempt-1)
		e.fsm.Emit(ctx, run, node.Name, schema.EventNodeRetrying, map[string]any{
			"attempt": attempt,
			"delay":   delay.String(),
			"error":   sendErr.Error(),
		})
		e.logger.InfoContext(ctx, "retrying message dispatch",
			"channel", p.Channel, "attempt", attempt, "delay", delay, "error", sendErr)
		if err := e.sleep(ctx, delay); err != nil {
			return Failed(schema.NewErrorf(schema.ErrCodeCancelled, "retry of %s interrupted: %s", p.Channel, err.Error()).
				WithCause(err).
				WithDetails(map[string]any{"attempts": attempt}))
		}
	}

	return Failed(schema.RetriableError("%s: gave up after %d attempts: %s", p.Channel, policy.MaxAttempts, lastErr.Error()).
		WithCause(lastErr).
		WithDetails(map[string]any{
			"attempts":   policy.MaxAttempts,
			"channel":    p.Channel,
			"last_error": lastErr.Error(),
		}))
}

func (e *Executor) renderMessage(ctx context.Context, p *schema.ActionParams, scope *expressions.Scope) (messaging.Message, error) {
	recipient, err := e.evaluator.RenderString(ctx, p.Recipient, scope)
	if err != nil {
		return messaging.Message{}, err
	}
	body, err := e.evaluator.RenderString(ctx, p.Body, scope)
	if err != nil {
		return messaging.Message{}, err
	}

	var creds map[string]string
	if len(p.Credentials) > 0 {
		creds = make(map[string]string, len(p.Credentials))
		for k, tpl := range p.Credentials {
			v, err := e.evaluator.RenderString(ctx, tpl, scope)
			if err != nil {
				return messaging.Message{}, err
			}
			creds[k] = v
		}
	}

	return messaging.Message{
		Channel:     p.Channel,
		Recipient:   recipient,
		Body:        body,
		Credentials: creds,
	}, nil
}

func setAttempts(run *schema.Run, node string, n int) {
	if run.Attempts == nil {
		run.Attempts = make(map[string]int)
	}
	run.Attempts[node] = n
}

func withAttempts(err error, attempts int) error {
	de := schema.AsError(err)
	if de == nil {
		return schema.FatalError("%s", err.Error()).WithCause(err).WithDetails(map[string]any{"attempts": attempts})
	}
	cp := *de
	cp.Details = schema.CloneMap(de.Details)
	if cp.Details == nil {
		cp.Details = map[string]any{}
	}
	cp.Details["attempts"] = attempts
	return &cp
}
