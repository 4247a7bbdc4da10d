package scheduler

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/drip/internal/engine"
	"github.com/rendis/drip/internal/validation"
	"github.com/rendis/drip/pkg/schema"
)

// Dispatcher starts a run of a workflow for a trigger payload.
type Dispatcher interface {
	Dispatch(ctx context.Context, workflowID string, payload map[string]any) (string, error)
}

// CronTriggers fires Trigger nodes that carry a schedule. Each tick
// dispatches the workflow with {"scheduled_at": <RFC3339>}.
type CronTriggers struct {
	cron       *cron.Cron
	dispatcher Dispatcher
	logger     *slog.Logger

	mu      sync.Mutex
	ctx     context.Context
	entries map[string]cron.EntryID // workflow id -> entry
}

// NewCronTriggers creates an idle CronTriggers. Call Sync to register
// schedules and Start to begin firing.
func NewCronTriggers(d Dispatcher, logger *slog.Logger) *CronTriggers {
	if logger == nil {
		logger = slog.Default()
	}
	return &CronTriggers{
		cron:       cron.New(cron.WithLocation(time.UTC)),
		dispatcher: d,
		logger:     logger,
		ctx:        context.Background(),
		entries:    make(map[string]cron.EntryID),
	}
}

// Sync replaces every registered schedule with those of the given graphs.
// Inactive workflows and triggers without a schedule are skipped.
func (c *CronTriggers) Sync(graphs []*engine.Graph) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id, entry := range c.entries {
		c.cron.Remove(entry)
		delete(c.entries, id)
	}

	for _, g := range graphs {
		if !g.Active() {
			continue
		}
		p, ok := g.Trigger().Params.(*schema.TriggerParams)
		if !ok || p.Schedule == "" {
			continue
		}
		sched, err := validation.ParseSchedule(p.Schedule)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeInvalidWorkflow, "workflow %s: schedule %q: %s", g.ID(), p.Schedule, err.Error()).
				WithReason(schema.ReasonMalformedParams)
		}
		workflowID := g.ID()
		c.entries[workflowID] = c.cron.Schedule(sched, cron.FuncJob(func() { c.fire(workflowID) }))
	}
	c.logger.Info("cron triggers synced", "count", len(c.entries))
	return nil
}

func (c *CronTriggers) fire(workflowID string) {
	c.mu.Lock()
	ctx := c.ctx
	c.mu.Unlock()

	scheduledAt := time.Now().UTC()
	runID, err := c.dispatcher.Dispatch(ctx, workflowID, map[string]any{
		"scheduled_at": scheduledAt.Format(time.RFC3339),
	})
	if err != nil {
		c.logger.Error("scheduled dispatch failed", "workflow_id", workflowID, "error", err)
		return
	}
	c.logger.Info("scheduled dispatch", "workflow_id", workflowID, "run_id", runID)
}

// Scheduled lists the workflow ids that currently have a schedule.
func (c *CronTriggers) Scheduled() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.entries))
	for id := range c.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Next returns when the workflow's schedule fires next.
func (c *CronTriggers) Next(workflowID string) (time.Time, bool) {
	c.mu.Lock()
	entry, ok := c.entries[workflowID]
	c.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	return c.cron.Entry(entry).Schedule.Next(time.Now().UTC()), true
}

// Start begins firing schedules. Dispatches use ctx.
func (c *CronTriggers) Start(ctx context.Context) {
	c.mu.Lock()
	c.ctx = ctx
	c.mu.Unlock()
	c.cron.Start()
}

// Stop halts the cron loop and waits for running dispatches.
func (c *CronTriggers) Stop() {
	<-c.cron.Stop().Done()
}
