package engine

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/rendis/drip/internal/messaging"
	"github.com/rendis/drip/internal/store"
	"github.com/rendis/drip/pkg/schema"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedSender returns the scripted errors in order, then succeeds.
type scriptedSender struct {
	mu    sync.Mutex
	errs  []error
	calls int
	sent  []messaging.Message
}

func (s *scriptedSender) Send(_ context.Context, msg messaging.Message) (messaging.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		return messaging.Receipt{}, err
	}
	s.sent = append(s.sent, msg)
	return messaging.Receipt{ID: "rcpt", Channel: msg.Channel}, nil
}

func (s *scriptedSender) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type eventRecorder struct {
	mu     sync.Mutex
	events []*store.Event
	fail   error
}

func (r *eventRecorder) AppendEvent(_ context.Context, ev *store.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.events = append(r.events, ev)
	return nil
}

func (r *eventRecorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

type testExecutor struct {
	*Executor
	clock  *ManualClock
	sender *scriptedSender
	events *eventRecorder
	sleeps []time.Duration
}

func newTestExecutor(t *testing.T, sendErrs ...error) *testExecutor {
	t.Helper()
	te := &testExecutor{
		clock:  NewManualClock(t0),
		sender: &scriptedSender{errs: sendErrs},
		events: &eventRecorder{},
	}
	exec, err := NewExecutor(ExecutorConfig{
		Senders: te.sender,
		Events:  te.events,
		Clock:   te.clock,
		Logger:  discardLogger(),
		Sleep: func(_ context.Context, d time.Duration) error {
			te.sleeps = append(te.sleeps, d)
			return nil
		},
	})
	require.NoError(t, err)
	te.Executor = exec
	return te
}

func mustLoad(t *testing.T, doc string) *Graph {
	t.Helper()
	g, err := Load([]byte(doc))
	require.NoError(t, err)
	return g
}

func newRun(g *Graph, payload map[string]any) *schema.Run {
	trigger := g.Trigger().Name
	run := &schema.Run{
		ID:              "run-1",
		WorkflowID:      g.ID(),
		WorkflowVersion: g.Version(),
		CurrentNode:     trigger,
		Status:          schema.RunStatusRunning,
		CreatedAt:       t0,
		UpdatedAt:       t0,
	}
	if payload != nil {
		run.Bind(trigger, payload)
	}
	return run
}

// welcomeDoc is a webhook-triggered flow: reshape, branch on a tag, message.
const welcomeDoc = `{
  "id": "welcome",
  "name": "Welcome",
  "version": 2,
  "active": true,
  "nodes": [
    {"name": "Webhook", "kind": "trigger", "params": {"path": "welcome"}},
    {"name": "Shape", "kind": "transform", "params": {"assignments": [
      {"key": "first", "value": "${{nodes.Webhook.contact.name}}"},
      {"key": "greeting", "expression": "'Hi ' + nodes.Shape.first", "engine": "expr"},
      {"key": "tags", "expression": ".nodes.Webhook.contact.tags | length", "engine": "jq"}
    ]}},
    {"name": "IsVIP", "kind": "conditional", "params": {"value": "${{nodes.Webhook.contact.tier}}", "operator": "eq", "operand": "vip"}},
    {"name": "SendVIP", "kind": "action", "params": {"channel": "whatsapp", "recipient": "${{nodes.Webhook.contact.phone}}", "body": "${{nodes.Shape.greeting}}, welcome to VIP"}},
    {"name": "Wait", "kind": "delay", "params": {"amount": 2, "unit": "hours"}},
    {"name": "SendLater", "kind": "action", "params": {"channel": "sms", "recipient": "${{nodes.Webhook.contact.phone}}", "body": "Still there?"}}
  ],
  "connections": [
    {"from": "Webhook", "to": "Shape"},
    {"from": "Shape", "to": "IsVIP"},
    {"from": "IsVIP", "port": "true", "to": "SendVIP"},
    {"from": "IsVIP", "port": "false", "to": "Wait"},
    {"from": "Wait", "to": "SendLater"}
  ]
}`

var contact = map[string]any{
	"contact": map[string]any{
		"name":  "John",
		"phone": "910000000021",
		"tier":  "vip",
		"tags":  []any{"a", "b", "c"},
	},
}
