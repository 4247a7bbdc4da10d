package dispatcher

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/drip/internal/catalog"
	"github.com/rendis/drip/internal/engine"
	"github.com/rendis/drip/internal/messaging"
	"github.com/rendis/drip/internal/scheduler"
	"github.com/rendis/drip/internal/store"
	"github.com/rendis/drip/pkg/schema"
)

var t0 = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type scriptedSender struct {
	mu   sync.Mutex
	errs []error
	sent []messaging.Message
}

func (s *scriptedSender) Send(ctx context.Context, msg messaging.Message) (messaging.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return messaging.Receipt{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		return messaging.Receipt{}, err
	}
	s.sent = append(s.sent, msg)
	return messaging.Receipt{ID: "rcpt", Channel: msg.Channel}, nil
}

func (s *scriptedSender) Sent() []messaging.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]messaging.Message(nil), s.sent...)
}

type env struct {
	dispatcher *Dispatcher
	sched      *scheduler.Scheduler
	store      *store.MemoryStore
	clock      *engine.ManualClock
	sender     *scriptedSender
}

func newEnv(t *testing.T, snapshot *catalog.Snapshot, errs ...error) *env {
	t.Helper()
	e := &env{
		store:  store.NewMemoryStore(),
		clock:  engine.NewManualClock(t0),
		sender: &scriptedSender{errs: errs},
	}
	holder := catalog.NewHolder(snapshot)

	exec, err := engine.NewExecutor(engine.ExecutorConfig{
		Senders: e.sender,
		Events:  e.store,
		Clock:   e.clock,
		Logger:  discardLogger(),
		Sleep:   func(context.Context, time.Duration) error { return nil },
	})
	require.NoError(t, err)

	e.sched, err = scheduler.New(scheduler.Config{
		Store:    e.store,
		Executor: exec,
		Graphs:   holder,
		Logger:   discardLogger(),
		PoolSize: 4,
	})
	require.NoError(t, err)

	e.dispatcher, err = New(Config{
		Catalog: holder,
		Runner:  e.sched,
		Clock:   e.clock,
		Logger:  discardLogger(),
	})
	require.NoError(t, err)
	return e
}

func builtinEnv(t *testing.T, errs ...error) *env {
	t.Helper()
	s, err := catalog.Builtin()
	require.NoError(t, err)
	return newEnv(t, s, errs...)
}

func (e *env) get(t *testing.T, id string) *schema.Run {
	t.Helper()
	run, err := e.store.GetRun(context.Background(), id)
	require.NoError(t, err)
	return run
}

// sweepAt moves the clock to at and resumes everything due.
func (e *env) sweepAt(t *testing.T, at time.Time) int {
	t.Helper()
	e.clock.Set(at)
	n, err := e.sched.Sweep(context.Background())
	require.NoError(t, err)
	return n
}

func TestScenario_WelcomeSequence(t *testing.T) {
	e := builtinEnv(t)
	ctx := context.Background()

	id, err := e.dispatcher.Dispatch(ctx, "welcome_sequence", map[string]any{
		"contact": map[string]any{"phone": "910000000021", "name": "John"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	sent := e.sender.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "whatsapp", sent[0].Channel)
	assert.Equal(t, "910000000021", sent[0].Recipient)
	assert.Contains(t, sent[0].Body, "John")

	run := e.get(t, id)
	assert.Equal(t, schema.RunStatusWaiting, run.Status)
	assert.Equal(t, "Wait", run.CurrentNode)
	require.NotNil(t, run.WakeAt)
	assert.Equal(t, t0.Add(2*time.Hour), *run.WakeAt)

	assert.Zero(t, e.sweepAt(t, t0.Add(time.Hour)), "not due yet")
	assert.Len(t, e.sender.Sent(), 1)

	assert.Equal(t, 1, e.sweepAt(t, t0.Add(2*time.Hour+time.Second)))
	sent = e.sender.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, "910000000021", sent[1].Recipient)
	assert.Contains(t, sent[1].Body, "John")

	run = e.get(t, id)
	assert.Equal(t, schema.RunStatusCompleted, run.Status)
	require.NotNil(t, run.ResumedAt)
	assert.False(t, run.ResumedAt.Before(t0.Add(2*time.Hour)), "resumed at or after wake time")
	assert.NotNil(t, run.CompletedAt)
}

func TestScenario_LeadNurturingBranches(t *testing.T) {
	tests := []struct {
		name       string
		score      float64
		wantBody   string
		wantStatus schema.RunStatus
	}{
		{name: "qualified", score: 75, wantBody: "personalized offer", wantStatus: schema.RunStatusCompleted},
		{name: "cold", score: 10, wantBody: "guide", wantStatus: schema.RunStatusWaiting},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := builtinEnv(t)
			id, err := e.dispatcher.Dispatch(context.Background(), "lead_nurturing", map[string]any{
				"lead": map[string]any{"score": tt.score, "email": "ana@example.com", "name": "Ana"},
			})
			require.NoError(t, err)

			sent := e.sender.Sent()
			require.Len(t, sent, 1)
			assert.Equal(t, "ana@example.com", sent[0].Recipient)
			assert.Contains(t, sent[0].Body, tt.wantBody)
			assert.Equal(t, tt.wantStatus, e.get(t, id).Status)
		})
	}
}

const retryDoc = `{
  "id": "notify",
  "version": 1,
  "active": true,
  "settings": {"retry": {"max_attempts": 5, "backoff": "exponential", "delay": "1s"}},
  "nodes": [
    {"name": "Webhook", "kind": "trigger", "params": {"path": "notify"}},
    {"name": "Send", "kind": "action", "params": {"channel": "sms", "recipient": "${{nodes.Webhook.phone}}", "body": "Order shipped"}}
  ],
  "connections": [{"from": "Webhook", "to": "Send"}]
}`

func retriable(n int) []error {
	errs := make([]error, n)
	for i := range errs {
		errs[i] = schema.RetriableError("gateway timeout %d", i+1)
	}
	return errs
}

func TestScenario_RetryThenSucceed(t *testing.T) {
	s, err := catalog.Load([]byte(retryDoc))
	require.NoError(t, err)
	e := newEnv(t, s, retriable(3)...)

	id, err := e.dispatcher.Dispatch(context.Background(), "notify", map[string]any{"phone": "+5511"})
	require.NoError(t, err)

	run := e.get(t, id)
	assert.Equal(t, schema.RunStatusCompleted, run.Status)
	assert.Nil(t, run.LastError)
	assert.Len(t, e.sender.Sent(), 1)
}

func TestScenario_RetryExhausted(t *testing.T) {
	s, err := catalog.Load([]byte(retryDoc))
	require.NoError(t, err)
	e := newEnv(t, s, retriable(5)...)

	id, err := e.dispatcher.Dispatch(context.Background(), "notify", map[string]any{"phone": "+5511"})
	require.NoError(t, err, "execution failures are recorded, not returned")

	run := e.get(t, id)
	assert.Equal(t, schema.RunStatusFailed, run.Status)
	require.NotNil(t, run.LastError)
	assert.Equal(t, schema.ErrCodeDispatchRetriable, run.LastError.Code)
	assert.Equal(t, "Send", run.LastError.Node)
	assert.Contains(t, run.LastError.Details["last_error"], "gateway timeout 5")
	assert.Empty(t, e.sender.Sent())
}

func TestScenario_AbandonedCart(t *testing.T) {
	e := builtinEnv(t)
	id, err := e.dispatcher.Dispatch(context.Background(), "abandoned_cart", map[string]any{
		"customer": map[string]any{"phone": "+5511", "email": "li@example.com"},
		"cart": map[string]any{"items": []any{
			map[string]any{"price": 60.0, "qty": 1.0},
			map[string]any{"price": 25.0, "qty": 2.0},
		}},
	})
	require.NoError(t, err)
	assert.Empty(t, e.sender.Sent())

	e.sweepAt(t, t0.Add(time.Hour))
	sent := e.sender.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "sms", sent[0].Channel)
	assert.Contains(t, sent[0].Body, "2 item(s)")

	e.sweepAt(t, t0.Add(25*time.Hour))
	sent = e.sender.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, "li@example.com", sent[1].Recipient)
	assert.Contains(t, sent[1].Body, "110")
	assert.Equal(t, schema.RunStatusCompleted, e.get(t, id).Status)
}

func TestScenario_AppointmentFanOut(t *testing.T) {
	e := builtinEnv(t)
	ctx := context.Background()
	id, err := e.dispatcher.Dispatch(ctx, "appointment_reminder", map[string]any{
		"patient": map[string]any{"phone": "+5511", "name": "Rui", "email": "rui@example.com"},
		"slot":    "2024-06-03 10:00",
	})
	require.NoError(t, err)
	require.Len(t, e.sender.Sent(), 1)

	assert.Equal(t, 1, e.sweepAt(t, t0.Add(24*time.Hour)))

	sent := e.sender.Sent()
	require.Len(t, sent, 3)
	channels := []string{sent[1].Channel, sent[2].Channel}
	assert.ElementsMatch(t, []string{"sms", "email"}, channels)

	runs, err := e.store.ListRuns(ctx, store.RunFilter{Prefix: id})
	require.NoError(t, err)
	require.Len(t, runs, 2, "the delay fans out into one sibling")
	for _, r := range runs {
		assert.Equal(t, schema.RunStatusCompleted, r.Status, r.ID)
	}
}

const branchDoc = `{
  "id": "branches",
  "version": 1,
  "active": true,
  "nodes": [
    {"name": "Webhook", "kind": "trigger", "params": {"path": "branches"}},
    {"name": "Left", "kind": "transform", "params": {"assignments": [{"key": "side", "value": "left"}]}},
    {"name": "Right", "kind": "transform", "params": {"assignments": [{"key": "side", "value": "right"}]}},
    {"name": "WaitLeft", "kind": "delay", "params": {"amount": 1, "unit": "hours"}},
    {"name": "WaitRight", "kind": "delay", "params": {"amount": 2, "unit": "hours"}}
  ],
  "connections": [
    {"from": "Webhook", "to": "Left"},
    {"from": "Webhook", "to": "Right"},
    {"from": "Left", "to": "WaitLeft"},
    {"from": "Right", "to": "WaitRight"}
  ]
}`

func TestDispatch_SiblingsHaveIndependentBindings(t *testing.T) {
	s, err := catalog.Load([]byte(branchDoc))
	require.NoError(t, err)
	e := newEnv(t, s)

	id, err := e.dispatcher.Dispatch(context.Background(), "branches", map[string]any{"n": 1.0})
	require.NoError(t, err)

	parent := e.get(t, id)
	sibling := e.get(t, id+".1")

	assert.Equal(t, "WaitLeft", parent.CurrentNode)
	assert.Contains(t, parent.Bindings, "Left")
	assert.NotContains(t, parent.Bindings, "Right")

	assert.Equal(t, id, sibling.ParentID)
	assert.Equal(t, "WaitRight", sibling.CurrentNode)
	assert.Contains(t, sibling.Bindings, "Right")
	assert.NotContains(t, sibling.Bindings, "Left")
	assert.Equal(t, parent.Bindings["Webhook"], sibling.Bindings["Webhook"])
}

func TestDispatch_ResumeIsIdempotent(t *testing.T) {
	e := builtinEnv(t)
	id, err := e.dispatcher.Dispatch(context.Background(), "welcome_sequence", map[string]any{
		"contact": map[string]any{"phone": "1", "name": "Eve"},
	})
	require.NoError(t, err)

	at := t0.Add(3 * time.Hour)
	assert.Equal(t, 1, e.sweepAt(t, at))
	assert.Zero(t, e.sweepAt(t, at))

	resumed, err := e.sched.Resume(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, resumed)
	assert.Len(t, e.sender.Sent(), 2)
}

func TestDispatch_PayloadIsCopied(t *testing.T) {
	e := builtinEnv(t)
	contact := map[string]any{"phone": "1", "name": "Eve"}
	payload := map[string]any{"contact": contact}

	id, err := e.dispatcher.Dispatch(context.Background(), "welcome_sequence", payload)
	require.NoError(t, err)
	contact["name"] = "Mallory"

	run := e.get(t, id)
	bound := run.Bindings["Webhook"].(map[string]any)["contact"].(map[string]any)
	assert.Equal(t, "Eve", bound["name"])
}

func TestDispatch_UnknownOrInactiveWorkflow(t *testing.T) {
	inactive := strings.Replace(retryDoc, `"active": true`, `"active": false`, 1)
	s, err := catalog.Load([]byte(inactive))
	require.NoError(t, err)
	e := newEnv(t, s)
	ctx := context.Background()

	_, err = e.dispatcher.Dispatch(ctx, "missing", nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeUnknownWorkflow))

	_, err = e.dispatcher.Dispatch(ctx, "notify", nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeUnknownWorkflow))

	_, err = e.dispatcher.DispatchPath(ctx, "POST", "notify", nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeUnknownWorkflow))

	runs, err := e.store.ListRuns(ctx, store.RunFilter{})
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestDispatch_ByPath(t *testing.T) {
	e := builtinEnv(t)
	id, err := e.dispatcher.DispatchPath(context.Background(), "POST", "/orders/delivered", map[string]any{
		"order_id": "A-7",
		"customer": map[string]any{"phone": "+5511"},
	})
	require.NoError(t, err)

	run := e.get(t, id)
	assert.Equal(t, "feedback_collection", run.WorkflowID)
	assert.Equal(t, schema.RunStatusWaiting, run.Status)

	e.sweepAt(t, t0.Add(24*time.Hour))
	sent := e.sender.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "sms", sent[0].Channel, "customers without email get asked over sms")
	assert.Contains(t, sent[0].Body, "A-7")
}

func TestDispatch_SwapRunsHooks(t *testing.T) {
	e := builtinEnv(t)

	var seen []int
	e.dispatcher.OnSwap(func(s *catalog.Snapshot) error {
		seen = append(seen, s.Len())
		return nil
	})
	e.dispatcher.OnSwap(func(*catalog.Snapshot) error { return errors.New("cron down") })

	next, err := catalog.Load([]byte(retryDoc))
	require.NoError(t, err)
	err = e.dispatcher.Swap(next)
	assert.ErrorContains(t, err, "cron down")

	assert.Equal(t, []int{1}, seen)
	assert.Equal(t, 1, e.dispatcher.Catalog().Len())
	_, ok := e.dispatcher.Graph("welcome_sequence")
	assert.False(t, ok)
	_, ok = e.dispatcher.Graph("notify")
	assert.True(t, ok)
}

type failingRunner struct{}

func (failingRunner) Run(context.Context, *engine.Graph, *schema.Run) error {
	return schema.PersistenceError("put run", errors.New("disk full"))
}

func TestDispatch_ReturnsPersistenceErrors(t *testing.T) {
	s, err := catalog.Builtin()
	require.NoError(t, err)
	d, err := New(Config{Catalog: catalog.NewHolder(s), Runner: failingRunner{}, NewID: func() string { return "fixed" }})
	require.NoError(t, err)

	id, err := d.Dispatch(context.Background(), "welcome_sequence", nil)
	assert.Equal(t, "fixed", id)
	assert.True(t, schema.HasCode(err, schema.ErrCodePersistence))
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Config{})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestDispatch_OutlivesCallerContext(t *testing.T) {
	e := builtinEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	id, err := e.dispatcher.Dispatch(ctx, "welcome_sequence", map[string]any{
		"contact": map[string]any{"phone": "910000000021", "name": "John"},
	})
	require.NoError(t, err)

	require.Len(t, e.sender.Sent(), 1, "a gone caller does not abort the run")
	run := e.get(t, id)
	assert.Equal(t, schema.RunStatusWaiting, run.Status)
	assert.Equal(t, "Wait", run.CurrentNode)
	assert.Nil(t, run.LastError)
}
