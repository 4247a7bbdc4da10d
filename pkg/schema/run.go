package schema

import (
	"fmt"
	"time"

	"github.com/rendis/drip/internal/xjson"
)

// Run is one execution of a workflow definition for one triggering event.
//
// While Waiting, CurrentNode is the Delay node that suspended the run. In any
// other non-terminal state it is the next node to execute.
type Run struct {
	ID              string         `json:"id"`
	ParentID        string         `json:"parent_id,omitempty"`
	WorkflowID      string         `json:"workflow_id"`
	WorkflowVersion int            `json:"workflow_version"`
	CurrentNode     string         `json:"current_node"`
	Status          RunStatus      `json:"status"`
	Bindings        map[string]any `json:"bindings"`
	WakeAt          *time.Time     `json:"wake_at,omitempty"`
	SuspendedAt     *time.Time     `json:"suspended_at,omitempty"`
	ResumedAt       *time.Time     `json:"resumed_at,omitempty"`
	Attempts        map[string]int `json:"attempts,omitempty"`
	Forks           int            `json:"forks,omitempty"`
	LastError       *RunError      `json:"last_error,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
}

// RunError is the persisted form of the error that failed a run.
type RunError struct {
	Code    string         `json:"code"`
	Reason  string         `json:"reason,omitempty"`
	Message string         `json:"message"`
	Node    string         `json:"node,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// Error makes a RunError usable where an error is expected.
func (e *RunError) Error() string {
	if e.Node != "" {
		return fmt.Sprintf("[%s] node %s: %s", e.Code, e.Node, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// NewRunError converts any error into its persisted form.
func NewRunError(err error, node string) *RunError {
	if err == nil {
		return nil
	}
	if de := AsError(err); de != nil {
		re := &RunError{
			Code:    de.Code,
			Reason:  de.Reason,
			Message: de.Message,
			Node:    de.Node,
			Details: CloneMap(de.Details),
		}
		if re.Node == "" {
			re.Node = node
		}
		return re
	}
	return &RunError{Code: ErrCodeExecution, Message: err.Error(), Node: node}
}

// Bind records the output of a node, replacing any previous value.
func (r *Run) Bind(node string, output any) {
	if r.Bindings == nil {
		r.Bindings = make(map[string]any)
	}
	r.Bindings[node] = output
}

// Fork creates a sibling continuation at node. The sibling shares the run id
// prefix and gets an independent deep copy of the bindings.
func (r *Run) Fork(node string, now time.Time) *Run {
	r.Forks++
	return &Run{
		ID:              fmt.Sprintf("%s.%d", r.ID, r.Forks),
		ParentID:        r.ID,
		WorkflowID:      r.WorkflowID,
		WorkflowVersion: r.WorkflowVersion,
		CurrentNode:     node,
		Status:          RunStatusRunning,
		Bindings:        CloneMap(r.Bindings),
		Attempts:        map[string]int{},
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// Clone returns a deep copy of the run.
func (r *Run) Clone() *Run {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Bindings = CloneMap(r.Bindings)
	if r.Attempts != nil {
		cp.Attempts = make(map[string]int, len(r.Attempts))
		for k, v := range r.Attempts {
			cp.Attempts[k] = v
		}
	}
	cp.WakeAt = cloneTime(r.WakeAt)
	cp.SuspendedAt = cloneTime(r.SuspendedAt)
	cp.ResumedAt = cloneTime(r.ResumedAt)
	cp.CompletedAt = cloneTime(r.CompletedAt)
	if r.LastError != nil {
		le := *r.LastError
		le.Details = CloneMap(r.LastError.Details)
		cp.LastError = &le
	}
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// --- Deep copy utilities ---

// CloneMap creates a deep copy of a map[string]any.
func CloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = CloneValue(v)
	}
	return cp
}

// CloneValue recursively deep-copies a decoded JSON value.
func CloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return CloneMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = CloneValue(item)
		}
		return cp
	case []map[string]any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = CloneMap(item)
		}
		return cp
	case xjson.RawMessage:
		if val == nil {
			return nil
		}
		cp := make(xjson.RawMessage, len(val))
		copy(cp, val)
		return cp
	default:
		return v
	}
}
