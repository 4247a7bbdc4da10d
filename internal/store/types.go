package store

import (
	"time"

	"github.com/rendis/drip/internal/xjson"
	"github.com/rendis/drip/pkg/schema"
)

// Event is one entry of a run's append-only event log.
type Event struct {
	ID         int64            `json:"id"`
	RunID      string           `json:"run_id"`
	WorkflowID string           `json:"workflow_id,omitempty"`
	Node       string           `json:"node,omitempty"`
	Type       string           `json:"event_type"`
	Payload    xjson.RawMessage `json:"payload,omitempty"`
	Timestamp  time.Time        `json:"timestamp"`
	Sequence   int64            `json:"sequence"`
}

// EventFilter selects events by type and time.
type EventFilter struct {
	RunID      string     `json:"run_id,omitempty"`
	WorkflowID string     `json:"workflow_id,omitempty"`
	EventType  string     `json:"event_type,omitempty"`
	Since      *time.Time `json:"since,omitempty"`
	Limit      int        `json:"limit,omitempty"`
}

// RunFilter selects runs for ListRuns. Zero fields match everything.
type RunFilter struct {
	WorkflowID string           `json:"workflow_id,omitempty"`
	Status     schema.RunStatus `json:"status,omitempty"`
	Prefix     string           `json:"prefix,omitempty"` // run id prefix, selects a run and its fan-out siblings
	Limit      int              `json:"limit,omitempty"`
}

// Matches reports whether run satisfies the filter (Limit is ignored).
func (f RunFilter) Matches(run *schema.Run) bool {
	if f.WorkflowID != "" && run.WorkflowID != f.WorkflowID {
		return false
	}
	if f.Status != "" && run.Status != f.Status {
		return false
	}
	if f.Prefix != "" && (len(run.ID) < len(f.Prefix) || run.ID[:len(f.Prefix)] != f.Prefix) {
		return false
	}
	return true
}

// DefaultListLimit bounds ListRuns when no limit is given.
const DefaultListLimit = 100

func limitOrDefault(n int) int {
	if n <= 0 {
		return DefaultListLimit
	}
	return n
}

func encodeRun(run *schema.Run) ([]byte, error) {
	return xjson.Marshal(run)
}

func decodeRun(data []byte) (*schema.Run, error) {
	var run schema.Run
	if err := xjson.Unmarshal(data, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

func storeNotFound(entity, id string) error {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", entity, id)
}
