package expressions

import (
	"time"

	"github.com/rendis/drip/pkg/schema"
)

// Scope holds all data available for reference resolution within one run.
//
// Nodes maps node name to that node's output. Run and Workflow carry
// read-only metadata. A Scope is a snapshot: NewScope deep-copies the run's
// bindings so evaluation can never mutate the run.
type Scope struct {
	Nodes    map[string]any
	Run      map[string]any
	Workflow map[string]any
}

// WorkflowMeta is the workflow metadata exposed under the "workflow" namespace.
type WorkflowMeta struct {
	ID      string
	Name    string
	Version int
}

// NewScope builds a Scope from the current state of a run.
func NewScope(run *schema.Run, wf WorkflowMeta) *Scope {
	s := &Scope{
		Nodes: schema.CloneMap(run.Bindings),
		Run: map[string]any{
			"id":           run.ID,
			"parent_id":    run.ParentID,
			"workflow_id":  run.WorkflowID,
			"current_node": run.CurrentNode,
			"created_at":   run.CreatedAt.UTC().Format(time.RFC3339),
		},
		Workflow: map[string]any{
			"id":      wf.ID,
			"name":    wf.Name,
			"version": wf.Version,
		},
	}
	if s.Nodes == nil {
		s.Nodes = map[string]any{}
	}
	return s
}

// WithNode returns a shallow copy of the scope with one node output replaced.
// Used by transforms so later assignments see earlier keys of the same node.
func (s *Scope) WithNode(name string, output any) *Scope {
	nodes := make(map[string]any, len(s.Nodes)+1)
	for k, v := range s.Nodes {
		nodes[k] = v
	}
	nodes[name] = output
	return &Scope{Nodes: nodes, Run: s.Run, Workflow: s.Workflow}
}

// Data returns the scope as the variable map handed to expression engines.
func (s *Scope) Data() map[string]any {
	return map[string]any{
		"nodes":    orEmpty(s.Nodes),
		"run":      orEmpty(s.Run),
		"workflow": orEmpty(s.Workflow),
	}
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// normalizeJQ converts Go numeric types to float64 so gojq sees plain JSON numbers.
func normalizeJQ(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalizeJQ(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeJQ(item)
		}
		return out
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case int32:
		return float64(val)
	case float32:
		return float64(val)
	case uint:
		return float64(val)
	default:
		return v
	}
}
