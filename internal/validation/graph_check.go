package validation

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rendis/drip/pkg/schema"
)

// validateGraph rejects cycles that do not pass through a Delay node and
// warns about nodes the trigger cannot reach. It assumes semantic checks
// passed, so every endpoint exists.
func validateGraph(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	kinds := make(map[string]schema.NodeKind, len(def.Nodes))
	for _, n := range def.Nodes {
		kinds[n.Name] = n.Kind
	}

	// Out-edges of delay nodes are removed before the cycle check: a loop
	// through a delay always suspends instead of spinning.
	out := make(map[string][]string, len(def.Nodes))
	all := make(map[string][]string, len(def.Nodes))
	inDegree := make(map[string]int, len(def.Nodes))
	for name := range kinds {
		inDegree[name] = 0
	}
	for _, c := range def.Connections {
		all[c.From] = append(all[c.From], c.To)
		if kinds[c.From] == schema.KindDelay {
			continue
		}
		out[c.From] = append(out[c.From], c.To)
		inDegree[c.To]++
	}

	// Kahn's algorithm.
	queue := make([]string, 0, len(kinds))
	for name, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, name)
		}
	}
	sort.Strings(queue)

	visited := 0
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range out[node] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if visited != len(kinds) {
		var cyclic []string
		for name, deg := range inDegree {
			if deg > 0 {
				cyclic = append(cyclic, name)
			}
		}
		sort.Strings(cyclic)
		result.AddErrorf("connections", schema.ReasonUnconditionedCycle,
			"cycle without a delay node among [%s]", strings.Join(cyclic, ", "))
		return result
	}

	var trigger string
	for _, n := range def.Nodes {
		if n.Kind == schema.KindTrigger {
			trigger = n.Name
			break
		}
	}
	if trigger == "" {
		return result
	}

	reachable := map[string]bool{trigger: true}
	bfs := []string{trigger}
	for len(bfs) > 0 {
		node := bfs[0]
		bfs = bfs[1:]
		for _, next := range all[node] {
			if !reachable[next] {
				reachable[next] = true
				bfs = append(bfs, next)
			}
		}
	}

	for i, n := range def.Nodes {
		if !reachable[n.Name] {
			result.AddWarning(fmt.Sprintf("nodes[%d]", i), "unreachable",
				fmt.Sprintf("node %q is unreachable from trigger %q", n.Name, trigger))
		}
	}
	return result
}
