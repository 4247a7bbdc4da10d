// Package diagram renders workflow graphs, optionally overlaid with the
// progress of runs, as Mermaid, ASCII or PNG.
package diagram

// NodeKind classifies a diagram node.
type NodeKind string

const (
	NodeKindTrigger     NodeKind = "trigger"
	NodeKindTransform   NodeKind = "transform"
	NodeKindConditional NodeKind = "conditional"
	NodeKindDelay       NodeKind = "delay"
	NodeKindAction      NodeKind = "action"
	NodeKindEnd         NodeKind = "end"
)

// Status values used by overlays.
const (
	StatusDone    = "done"
	StatusWaiting = "waiting"
	StatusRunning = "running"
	StatusFailed  = "failed"
)

// DiagramModel is the intermediate representation used by all renderers.
type DiagramModel struct {
	Title  string
	Nodes  []*Node
	Edges  []Edge
	Levels [][]string
}

// Node is one workflow node.
type Node struct {
	ID     string
	Label  string
	Detail string
	Kind   NodeKind
	Status *StatusOverlay
}

// StatusOverlay carries runtime state for a node.
type StatusOverlay struct {
	Status string
	Runs   int // runs currently parked here
	Error  string
}

// Edge is a connection between two nodes. Label carries the port of a
// conditional.
type Edge struct {
	From  string
	To    string
	Label string
}
