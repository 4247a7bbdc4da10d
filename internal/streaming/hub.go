// Package streaming fans run events out to live subscribers.
package streaming

import (
	"context"
	"strings"

	"github.com/rendis/drip/internal/store"
)

// Filter selects which run events a subscriber receives. Zero fields match
// everything. RunPrefix matches a run together with its fan-out siblings.
type Filter struct {
	WorkflowID string   `json:"workflow_id,omitempty"`
	RunPrefix  string   `json:"run_prefix,omitempty"`
	Types      []string `json:"types,omitempty"`
}

// Hub provides pub/sub for run events.
type Hub interface {
	Publish(ctx context.Context, event *store.Event) error
	Subscribe(ctx context.Context, filter Filter) (<-chan *store.Event, func(), error)
}

// Matches reports whether e passes f.
func (f Filter) Matches(e *store.Event) bool {
	if f.WorkflowID != "" && f.WorkflowID != e.WorkflowID {
		return false
	}
	if f.RunPrefix != "" && !strings.HasPrefix(e.RunID, f.RunPrefix) {
		return false
	}
	if len(f.Types) == 0 {
		return true
	}
	for _, t := range f.Types {
		if t == e.Type {
			return true
		}
	}
	return false
}
