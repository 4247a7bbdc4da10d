package messaging

import (
	"context"
	"sort"
	"sync"

	"github.com/rendis/drip/pkg/schema"
)

// Registry maps channel names to senders. It is safe for concurrent use and
// is itself a Sender that routes by Message.Channel.
type Registry struct {
	mu      sync.RWMutex
	senders map[string]Sender
	// fallback handles channels with no registered sender; nil rejects them.
	fallback Sender
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{senders: make(map[string]Sender)}
}

// Register adds a sender for channel. Returns CONFLICT on duplicate names.
func (r *Registry) Register(channel string, s Sender) error {
	if channel == "" {
		return schema.NewError(schema.ErrCodeValidation, "channel name is empty")
	}
	if s == nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "sender for channel %q is nil", channel)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.senders[channel]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "channel %q already registered", channel)
	}
	r.senders[channel] = s
	return nil
}

// SetFallback sets the sender used for unregistered channels.
func (r *Registry) SetFallback(s Sender) {
	r.mu.Lock()
	r.fallback = s
	r.mu.Unlock()
}

// Get returns the sender for channel, or the fallback.
func (r *Registry) Get(channel string) (Sender, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.senders[channel]; ok {
		return s, true
	}
	if r.fallback != nil {
		return r.fallback, true
	}
	return nil, false
}

// Channels lists registered channel names, sorted.
func (r *Registry) Channels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.senders))
	for name := range r.senders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Send routes msg to its channel's sender. An unknown channel is a fatal
// dispatch error: retrying cannot make it appear.
func (r *Registry) Send(ctx context.Context, msg Message) (Receipt, error) {
	s, ok := r.Get(msg.Channel)
	if !ok {
		return Receipt{}, schema.FatalError("no sender registered for channel %q", msg.Channel).
			WithDetails(map[string]any{"channel": msg.Channel, "available": r.Channels()})
	}
	return s.Send(ctx, msg)
}

var _ Sender = (*Registry)(nil)
