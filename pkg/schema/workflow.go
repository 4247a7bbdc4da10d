package schema

import "encoding/json"

// WorkflowDefinition is the JSON-serializable graph of a messaging workflow.
// It is loaded once, validated as a whole, and never mutated during execution.
type WorkflowDefinition struct {
	ID          string           `json:"id"`
	Name        string           `json:"name,omitempty"`
	Version     int              `json:"version"`
	Active      bool             `json:"active"`
	Nodes       []NodeDefinition `json:"nodes"`
	Connections []Connection     `json:"connections"`
	Settings    Settings         `json:"settings,omitempty"`
}

// NodeDefinition describes a single step in a workflow graph.
type NodeDefinition struct {
	Name   string          `json:"name"`
	Kind   NodeKind        `json:"kind"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Connection is a directed edge from a source node's output port to a target node.
type Connection struct {
	From string `json:"from"`
	Port string `json:"port,omitempty"` // default: main
	To   string `json:"to"`
}

// Settings holds workflow-wide execution options.
type Settings struct {
	PersistProgress bool         `json:"persist_progress,omitempty"` // checkpoint the run after every node
	Retry           *RetryPolicy `json:"retry,omitempty"`            // default policy for action nodes
}

// NodeKind enumerates the closed set of node kinds.
type NodeKind string

const (
	KindTrigger     NodeKind = "trigger"
	KindTransform   NodeKind = "transform"
	KindConditional NodeKind = "conditional"
	KindDelay       NodeKind = "delay"
	KindAction      NodeKind = "action"
)

// Kinds lists every valid node kind.
var Kinds = []NodeKind{KindTrigger, KindTransform, KindConditional, KindDelay, KindAction}

// Valid reports whether k is one of the known kinds.
func (k NodeKind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// Output ports.
const (
	PortMain  = "main"
	PortTrue  = "true"
	PortFalse = "false"
)

// TriggerParams configures the entry point.
type TriggerParams struct {
	Path     string `json:"path,omitempty"`     // webhook path segment
	Method   string `json:"method,omitempty"`   // default POST
	Schedule string `json:"schedule,omitempty"` // 5-field cron expression
}

// TransformParams binds computed values under the node's name.
type TransformParams struct {
	Assignments []Assignment `json:"assignments"`
}

// Assignment computes a single key. Either Value (a template) or Expression is set.
type Assignment struct {
	Key        string `json:"key"`
	Value      any    `json:"value,omitempty"`
	Expression string `json:"expression,omitempty"`
	Engine     string `json:"engine,omitempty"` // expr | jq
}

// ConditionalParams routes via the "true" or "false" port.
// Either the structured comparison (Value/Operator/Operand) or a CEL Expression is set.
type ConditionalParams struct {
	Value      string `json:"value,omitempty"`
	Operator   string `json:"operator,omitempty"`
	Operand    any    `json:"operand,omitempty"`
	Expression string `json:"expression,omitempty"`
}

// DelayParams suspends the run for Amount units.
type DelayParams struct {
	Amount float64 `json:"amount"`
	Unit   string  `json:"unit"` // seconds | minutes | hours | days
}

// ActionParams sends one outbound message.
type ActionParams struct {
	Channel     string            `json:"channel"`
	Recipient   string            `json:"recipient"`
	Body        string            `json:"body"`
	Credentials map[string]string `json:"credentials,omitempty"`
	Retry       *RetryPolicy      `json:"retry,omitempty"`
}

// RetryPolicy configures retry behavior for action nodes.
type RetryPolicy struct {
	MaxAttempts int    `json:"max_attempts,omitempty"` // total attempts, capped at MaxAttemptsCap
	Backoff     string `json:"backoff,omitempty"`      // none | constant | linear | exponential
	Delay       string `json:"delay,omitempty"`        // initial delay (e.g. "1s")
	MaxDelay    string `json:"max_delay,omitempty"`    // cap on a single backoff
}

// MaxAttemptsCap bounds the number of dispatch attempts for a single action.
const MaxAttemptsCap = 5

// DefaultRetryPolicy is applied when neither the node nor the workflow sets one.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: MaxAttemptsCap,
		Backoff:     "exponential",
		Delay:       "1s",
		MaxDelay:    "1m",
	}
}
