package mcp

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/server"
	"github.com/rendis/drip/internal/store"
	"github.com/rendis/drip/internal/streaming"
)

// RunNotifier pushes run events to the sessions watching them.
type RunNotifier interface {
	Notify(ctx context.Context, runID string, payload map[string]any) error
}

// MCPNotifier implements RunNotifier with MCP server notifications.
type MCPNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
}

// NewMCPNotifier creates a notifier that pushes to registered sessions.
func NewMCPNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *MCPNotifier {
	return &MCPNotifier{mcpServer: mcpServer, sessions: sessions}
}

// Notify sends a notification to the session watching runID.
// Best-effort: returns nil if nobody watches the run.
func (n *MCPNotifier) Notify(_ context.Context, runID string, payload map[string]any) error {
	sessionID, ok := n.sessions.SessionFor(runID)
	if !ok {
		return nil
	}
	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		// Session went away between lookup and send.
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}

// Watch forwards hub events to watching sessions until ctx is done. It
// returns an error only when the subscription cannot be made.
func (n *MCPNotifier) Watch(ctx context.Context, hub streaming.Hub) error {
	ch, cancel, err := hub.Subscribe(ctx, streaming.Filter{})
	if err != nil {
		return err
	}
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-ch:
			if !ok {
				return nil
			}
			// A failed push only affects that session.
			_ = n.Notify(ctx, event.RunID, eventPayload(event))
		}
	}
}

func eventPayload(e *store.Event) map[string]any {
	data := map[string]any{
		"run_id":     e.RunID,
		"event_type": e.Type,
		"sequence":   e.Sequence,
		"timestamp":  e.Timestamp,
	}
	if e.WorkflowID != "" {
		data["workflow_id"] = e.WorkflowID
	}
	if e.Node != "" {
		data["node"] = e.Node
	}
	if len(e.Payload) > 0 {
		data["payload"] = e.Payload
	}
	return map[string]any{"level": "info", "logger": "drip", "data": data}
}
