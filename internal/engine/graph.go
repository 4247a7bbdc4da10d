package engine

import (
	"sync"

	"github.com/rendis/drip/internal/expressions"
	"github.com/rendis/drip/internal/validation"
	"github.com/rendis/drip/internal/xjson"
	"github.com/rendis/drip/pkg/schema"
)

// GraphNode is one node of a loaded graph. ID is its dense index in
// declaration order.
type GraphNode struct {
	ID     int
	Name   string
	Kind   schema.NodeKind
	Params schema.Params
}

type portKey struct {
	src  int
	port string
}

// Graph is the validated, immutable in-memory form of a workflow definition.
// Nodes live in an arena indexed by integer id and edges are keyed by
// (source id, port). A Graph is safe for concurrent use.
type Graph struct {
	def       schema.WorkflowDefinition
	nodes     []GraphNode
	byName    map[string]int
	edges     map[portKey][]int
	trigger   int
	canonical []byte
	warnings  []schema.ValidationIssue
}

// Loader validates definitions and builds graphs from them.
type Loader struct {
	validator validation.Validator
}

// NewLoader creates a Loader around v.
func NewLoader(v validation.Validator) *Loader {
	return &Loader{validator: v}
}

var defaultLoader = sync.OnceValues(func() (*Loader, error) {
	engines, err := expressions.NewEngines()
	if err != nil {
		return nil, err
	}
	v, err := validation.NewWorkflowValidator(engines)
	if err != nil {
		return nil, err
	}
	return NewLoader(v), nil
})

// Load validates a JSON workflow document and builds its graph with the
// default validator.
func Load(data []byte) (*Graph, error) {
	l, err := defaultLoader()
	if err != nil {
		return nil, err
	}
	return l.Load(data)
}

// BuildGraph validates an already decoded definition and builds its graph
// with the default validator.
func BuildGraph(def *schema.WorkflowDefinition) (*Graph, error) {
	l, err := defaultLoader()
	if err != nil {
		return nil, err
	}
	return l.Build(def)
}

// Load validates data and builds the graph. Every issue found is reported in
// the returned INVALID_WORKFLOW error.
func (l *Loader) Load(data []byte) (*Graph, error) {
	def, result := l.validator.ValidateBytes(data)
	if err := result.ToError(); err != nil {
		return nil, err
	}
	return newGraph(def, result.Warnings)
}

// Build validates def and builds the graph.
func (l *Loader) Build(def *schema.WorkflowDefinition) (*Graph, error) {
	result := l.validator.Validate(def)
	if err := result.ToError(); err != nil {
		return nil, err
	}
	return newGraph(def, result.Warnings)
}

// newGraph assumes def has passed validation.
func newGraph(def *schema.WorkflowDefinition, warnings []schema.ValidationIssue) (*Graph, error) {
	g := &Graph{
		def:      *def,
		nodes:    make([]GraphNode, len(def.Nodes)),
		byName:   make(map[string]int, len(def.Nodes)),
		edges:    make(map[portKey][]int),
		trigger:  -1,
		warnings: warnings,
	}

	normalized := *def
	normalized.Nodes = make([]schema.NodeDefinition, len(def.Nodes))
	normalized.Connections = make([]schema.Connection, len(def.Connections))

	for i, n := range def.Nodes {
		params, err := schema.DecodeParams(n.Kind, n.Params)
		if err != nil {
			return nil, err
		}
		raw, err := xjson.Marshal(params)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeInvalidWorkflow, "encode params of node %q: %s", n.Name, err.Error()).
				WithReason(schema.ReasonMalformedParams)
		}

		g.nodes[i] = GraphNode{ID: i, Name: n.Name, Kind: n.Kind, Params: params}
		g.byName[n.Name] = i
		if n.Kind == schema.KindTrigger {
			g.trigger = i
		}
		normalized.Nodes[i] = schema.NodeDefinition{Name: n.Name, Kind: n.Kind, Params: raw}
	}

	for i, c := range def.Connections {
		if c.Port == "" {
			c.Port = schema.PortMain
		}
		normalized.Connections[i] = c
		key := portKey{src: g.byName[c.From], port: c.Port}
		g.edges[key] = append(g.edges[key], g.byName[c.To])
	}

	if g.trigger < 0 {
		return nil, schema.NewError(schema.ErrCodeInvalidWorkflow, "workflow has no trigger node").
			WithReason(schema.ReasonMissingTrigger)
	}

	canonical, err := xjson.Marshal(normalized)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidWorkflow, "encode canonical workflow: %s", err.Error()).
			WithReason(schema.ReasonMalformedDefinition)
	}
	g.def = normalized
	g.canonical = canonical
	return g, nil
}

// ID returns the workflow id.
func (g *Graph) ID() string { return g.def.ID }

// Version returns the workflow version.
func (g *Graph) Version() int { return g.def.Version }

// Active reports whether the workflow accepts new dispatches.
func (g *Graph) Active() bool { return g.def.Active }

// Settings returns the workflow-wide execution options.
func (g *Graph) Settings() schema.Settings { return g.def.Settings }

// Meta returns the metadata exposed to templates as workflow.*.
func (g *Graph) Meta() expressions.WorkflowMeta {
	return expressions.WorkflowMeta{ID: g.def.ID, Name: g.def.Name, Version: g.def.Version}
}

// Name returns the workflow's display name.
func (g *Graph) Name() string { return g.def.Name }

// Trigger returns the single trigger node.
func (g *Graph) Trigger() *GraphNode { return &g.nodes[g.trigger] }

// Nodes returns every node in declaration order. The slice must not be modified.
func (g *Graph) Nodes() []GraphNode { return g.nodes }

// Node looks a node up by name.
func (g *Graph) Node(name string) (*GraphNode, bool) {
	id, ok := g.byName[name]
	if !ok {
		return nil, false
	}
	return &g.nodes[id], true
}

// Targets returns the names of the nodes connected to name's port, in
// connection declaration order.
func (g *Graph) Targets(name, port string) []string {
	id, ok := g.byName[name]
	if !ok {
		return nil
	}
	ids := g.edges[portKey{src: id, port: port}]
	if len(ids) == 0 {
		return nil
	}
	out := make([]string, len(ids))
	for i, t := range ids {
		out[i] = g.nodes[t].Name
	}
	return out
}

// Warnings returns the non-fatal issues found at load.
func (g *Graph) Warnings() []schema.ValidationIssue { return g.warnings }

// Definition returns a copy of the normalized definition.
func (g *Graph) Definition() schema.WorkflowDefinition {
	def := g.def
	def.Nodes = append([]schema.NodeDefinition(nil), g.def.Nodes...)
	def.Connections = append([]schema.Connection(nil), g.def.Connections...)
	return def
}

// Canonical returns the normalized definition as JSON. Loading the same
// document twice yields byte-equal output.
func (g *Graph) Canonical() []byte {
	out := make([]byte, len(g.canonical))
	copy(out, g.canonical)
	return out
}
