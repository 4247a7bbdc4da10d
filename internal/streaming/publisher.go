package streaming

import (
	"context"
	"log/slog"

	"github.com/rendis/drip/internal/store"
)

// Appender is the write side of an event log.
type Appender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

// Publisher appends events to the log and then publishes them on a Hub.
// Only events the log accepted are published.
type Publisher struct {
	next   Appender
	hub    Hub
	logger *slog.Logger
}

// NewPublisher wraps next so every appended event also reaches hub.
func NewPublisher(next Appender, hub Hub, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{next: next, hub: hub, logger: logger}
}

func (p *Publisher) AppendEvent(ctx context.Context, event *store.Event) error {
	if err := p.next.AppendEvent(ctx, event); err != nil {
		return err
	}
	cp := *event
	if err := p.hub.Publish(context.WithoutCancel(ctx), &cp); err != nil {
		p.logger.WarnContext(ctx, "publish event", "event_type", event.Type, "error", err)
	}
	return nil
}
