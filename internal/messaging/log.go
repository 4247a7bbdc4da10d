package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// LogSender logs every message and keeps a copy. It backs channels with no
// configured gateway and the builtin demo flows.
type LogSender struct {
	logger *slog.Logger

	mu   sync.Mutex
	sent []Message
}

// NewLogSender creates a LogSender. A nil logger uses slog.Default.
func NewLogSender(logger *slog.Logger) *LogSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(ctx context.Context, msg Message) (Receipt, error) {
	s.mu.Lock()
	s.sent = append(s.sent, msg)
	n := len(s.sent)
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "message sent",
		"channel", msg.Channel,
		"recipient", msg.Recipient,
		"body_len", len(msg.Body),
	)
	return Receipt{ID: fmt.Sprintf("log-%d", n), Channel: msg.Channel}, nil
}

// Sent returns a copy of every message sent so far.
func (s *LogSender) Sent() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.sent))
	copy(out, s.sent)
	return out
}
