package catalog

import (
	"strings"

	"github.com/rendis/drip/internal/engine"
	"github.com/rendis/drip/pkg/schema"
)

// Summary is the listing form of a loaded workflow.
type Summary struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	Version  int    `json:"version"`
	Active   bool   `json:"active"`
	Method   string `json:"method,omitempty"`
	Path     string `json:"path,omitempty"`
	Schedule string `json:"schedule,omitempty"`
	Nodes    int    `json:"nodes"`
	Warnings int    `json:"warnings,omitempty"`
}

// Summarize describes g. Path is the public webhook route.
func Summarize(g *engine.Graph) Summary {
	sum := Summary{
		ID:       g.ID(),
		Name:     g.Name(),
		Version:  g.Version(),
		Active:   g.Active(),
		Nodes:    len(g.Nodes()),
		Warnings: len(g.Warnings()),
	}
	if p, ok := g.Trigger().Params.(*schema.TriggerParams); ok {
		sum.Schedule = p.Schedule
		if p.Path != "" {
			sum.Method = p.HTTPMethod()
			sum.Path = "/webhook/" + strings.Trim(p.Path, "/")
		}
	}
	return sum
}

// Summaries describes every workflow in s, sorted by id.
func (s *Snapshot) Summaries() []Summary {
	graphs := s.Graphs()
	out := make([]Summary, 0, len(graphs))
	for _, g := range graphs {
		out = append(out, Summarize(g))
	}
	return out
}
