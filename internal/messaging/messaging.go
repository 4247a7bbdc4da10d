// Package messaging defines the outbound message-dispatch contract and the
// senders that implement it. The engine never talks to a transport directly.
package messaging

import "context"

// Message is one rendered outbound message.
type Message struct {
	Channel     string            `json:"channel"`
	Recipient   string            `json:"recipient"`
	Body        string            `json:"body"`
	Credentials map[string]string `json:"credentials,omitempty"`

	// RunID and Node identify the sending action for gateways that dedupe.
	RunID string `json:"run_id,omitempty"`
	Node  string `json:"node,omitempty"`
}

// Receipt is what a channel returns for an accepted message.
type Receipt struct {
	ID      string `json:"id,omitempty"`
	Channel string `json:"channel"`
}

// Sender delivers messages on one channel.
//
// A failed Send returns a schema.DripError with code DISPATCH_RETRIABLE for
// transient failures (network, rate limit) or DISPATCH_FATAL for permanent
// ones (invalid recipient, revoked credentials). Unclassified errors are
// treated as retriable by the engine.
type Sender interface {
	Send(ctx context.Context, msg Message) (Receipt, error)
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, msg Message) (Receipt, error)

func (f SenderFunc) Send(ctx context.Context, msg Message) (Receipt, error) {
	return f(ctx, msg)
}
