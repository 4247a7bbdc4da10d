package engine

import (
	"context"
	"log/slog"

	"github.com/rendis/drip/internal/store"
	"github.com/rendis/drip/internal/xjson"
	"github.com/rendis/drip/pkg/schema"
)

// EventAppender is satisfied by every store that keeps a run event log.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

type runTransition struct {
	from, to schema.RunStatus
}

// runTransitions is the closed table of legal status changes. The empty
// status is a run that has not been started yet.
var runTransitions = map[runTransition]string{
	{"", schema.RunStatusRunning}:                        schema.EventRunStarted,
	{schema.RunStatusRunning, schema.RunStatusWaiting}:   schema.EventRunSuspended,
	{schema.RunStatusRunning, schema.RunStatusCompleted}: schema.EventRunCompleted,
	{schema.RunStatusRunning, schema.RunStatusFailed}:    schema.EventRunFailed,
	{schema.RunStatusWaiting, schema.RunStatusRunning}:   schema.EventRunResumed,
	{schema.RunStatusWaiting, schema.RunStatusCancelled}: schema.EventRunCancelled,
	{schema.RunStatusWaiting, schema.RunStatusFailed}:    schema.EventRunFailed,
}

// CanTransition reports whether a run may move from one status to another.
func CanTransition(from, to schema.RunStatus) bool {
	_, ok := runTransitions[runTransition{from, to}]
	return ok
}

// RunFSM validates run status changes and records them in the event log.
// The caller persists the run; the FSM only mutates Status, UpdatedAt and,
// for terminal states, CompletedAt.
type RunFSM struct {
	events EventAppender
	clock  Clock
	logger *slog.Logger
}

// NewRunFSM creates a RunFSM. events may be nil, in which case nothing is recorded.
func NewRunFSM(events EventAppender, clock Clock, logger *slog.Logger) *RunFSM {
	if clock == nil {
		clock = SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RunFSM{events: events, clock: clock, logger: logger}
}

// Transition moves run to status to. An illegal change returns
// INVALID_TRANSITION and leaves the run untouched.
func (f *RunFSM) Transition(ctx context.Context, run *schema.Run, to schema.RunStatus, payload map[string]any) error {
	from := run.Status
	eventType, ok := runTransitions[runTransition{from, to}]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition, "invalid run transition: %s -> %s", statusName(from), to).
			WithDetails(map[string]any{"run_id": run.ID, "from": string(from), "to": string(to)})
	}

	now := f.clock.Now()
	run.Status = to
	run.UpdatedAt = now
	if to.Terminal() {
		run.CompletedAt = &now
	}

	f.Emit(ctx, run, run.CurrentNode, eventType, payload)
	return nil
}

// Emit appends an event for run. Event logging is best-effort: a failed
// append is logged and never changes the run's outcome.
func (f *RunFSM) Emit(ctx context.Context, run *schema.Run, node, eventType string, payload map[string]any) {
	if f.events == nil {
		return
	}
	ev := &store.Event{
		RunID:      run.ID,
		WorkflowID: run.WorkflowID,
		Node:       node,
		Type:       eventType,
		Timestamp:  f.clock.Now(),
	}
	if len(payload) > 0 {
		raw, err := xjson.Marshal(payload)
		if err != nil {
			f.logger.WarnContext(ctx, "encode event payload", "run_id", run.ID, "event_type", eventType, "error", err)
		} else {
			ev.Payload = raw
		}
	}
	if err := f.events.AppendEvent(ctx, ev); err != nil {
		f.logger.WarnContext(ctx, "append run event", "run_id", run.ID, "event_type", eventType, "error", err)
	}
}

func statusName(s schema.RunStatus) string {
	if s == "" {
		return "new"
	}
	return string(s)
}
