package diagram

import (
	"fmt"
	"sort"

	"github.com/rendis/drip/internal/engine"
	"github.com/rendis/drip/pkg/schema"
)

const endID = "__end__"

// Build constructs a DiagramModel from g. When runs are given, nodes that
// any of them already executed are marked done and the node each run is
// parked on carries its status. Pass a run together with its fan-out
// siblings to see every branch.
func Build(g *engine.Graph, runs []*schema.Run) *DiagramModel {
	model := &DiagramModel{Title: title(g)}
	index := make(map[string]*Node, len(g.Nodes())+1)

	for _, n := range g.Nodes() {
		node := &Node{
			ID:     n.Name,
			Label:  n.Name,
			Detail: detail(n.Params),
			Kind:   NodeKind(n.Kind),
		}
		model.Nodes = append(model.Nodes, node)
		index[n.Name] = node
	}

	needsEnd := false
	for _, n := range g.Nodes() {
		ports := []string{schema.PortMain}
		if n.Kind == schema.KindConditional {
			ports = []string{schema.PortTrue, schema.PortFalse}
		}
		hasOut := false
		for _, port := range ports {
			label := ""
			if port != schema.PortMain {
				label = port
			}
			for _, target := range g.Targets(n.Name, port) {
				model.Edges = append(model.Edges, Edge{From: n.Name, To: target, Label: label})
				hasOut = true
			}
		}
		if !hasOut {
			model.Edges = append(model.Edges, Edge{From: n.Name, To: endID})
			needsEnd = true
		}
	}
	if needsEnd {
		end := &Node{ID: endID, Label: "End", Kind: NodeKindEnd}
		model.Nodes = append(model.Nodes, end)
		index[endID] = end
	}

	overlay(index, runs)
	model.Levels = levels(g.Trigger().Name, model.Edges, index)
	return model
}

func title(g *engine.Graph) string {
	name := g.Name()
	if name == "" {
		name = g.ID()
	}
	return fmt.Sprintf("%s v%d", name, g.Version())
}

func detail(p schema.Params) string {
	switch v := p.(type) {
	case *schema.TriggerParams:
		switch {
		case v.Schedule != "":
			return "cron " + v.Schedule
		case v.Path != "":
			return v.HTTPMethod() + " /" + v.Path
		}
	case *schema.TransformParams:
		return fmt.Sprintf("%d assignments", len(v.Assignments))
	case *schema.ConditionalParams:
		if !v.Structured() {
			return v.Expression
		}
		return fmt.Sprintf("%s %s", v.Value, v.Operator)
	case *schema.DelayParams:
		return fmt.Sprintf("wait %v %s", v.Amount, v.Unit)
	case *schema.ActionParams:
		return v.Channel
	}
	return ""
}

func overlay(index map[string]*Node, runs []*schema.Run) {
	for _, run := range runs {
		for name := range run.Bindings {
			if n, ok := index[name]; ok && n.Status == nil {
				n.Status = &StatusOverlay{Status: StatusDone}
			}
		}
		n, ok := index[run.CurrentNode]
		if !ok {
			continue
		}
		status := ""
		switch run.Status {
		case schema.RunStatusWaiting:
			status = StatusWaiting
		case schema.RunStatusRunning:
			status = StatusRunning
		case schema.RunStatusFailed:
			status = StatusFailed
		default:
			continue
		}
		if n.Status == nil || n.Status.Status == StatusDone {
			n.Status = &StatusOverlay{Status: status}
		}
		n.Status.Runs++
		if run.LastError != nil && run.LastError.Node == n.ID {
			n.Status.Status = StatusFailed
			n.Status.Error = run.LastError.Message
		}
	}
}

// levels assigns every node its breadth-first depth from the trigger.
// Unreachable nodes go last.
func levels(root string, edges []Edge, index map[string]*Node) [][]string {
	out := make(map[string][]string)
	for _, e := range edges {
		out[e.From] = append(out[e.From], e.To)
	}

	depth := map[string]int{root: 0}
	queue := []string{root}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range out[cur] {
			if _, seen := depth[next]; seen {
				continue
			}
			depth[next] = depth[cur] + 1
			queue = append(queue, next)
		}
	}

	// The end marker always sits alone on the last level.
	maxDepth := 0
	for id, d := range depth {
		if id != endID {
			maxDepth = max(maxDepth, d)
		}
	}
	if _, ok := depth[endID]; ok {
		maxDepth++
		depth[endID] = maxDepth
	}

	result := make([][]string, maxDepth+1)
	var unreachable []string
	for id := range index {
		d, ok := depth[id]
		if !ok {
			unreachable = append(unreachable, id)
			continue
		}
		result[d] = append(result[d], id)
	}
	for _, level := range result {
		sort.Strings(level)
	}
	if len(unreachable) > 0 {
		sort.Strings(unreachable)
		result = append(result, unreachable)
	}
	return result
}
