// Package catalog holds the set of loaded workflow graphs and indexes them
// by id and by webhook route.
package catalog

import (
	"embed"
	"io/fs"
	"os"
	"sort"
	"strings"

	"github.com/rendis/drip/internal/engine"
	"github.com/rendis/drip/pkg/schema"
)

//go:embed flows/*.json
var builtinFlows embed.FS

type route struct {
	method string
	path   string
}

// Snapshot is an immutable set of graphs. Lookups never block.
type Snapshot struct {
	byID    map[string]*engine.Graph
	byRoute map[route]*engine.Graph
	ids     []string
}

// NewSnapshot indexes graphs. Duplicate workflow ids and two active
// workflows claiming the same webhook route are rejected with CONFLICT.
func NewSnapshot(graphs ...*engine.Graph) (*Snapshot, error) {
	s := &Snapshot{
		byID:    make(map[string]*engine.Graph, len(graphs)),
		byRoute: make(map[route]*engine.Graph),
		ids:     make([]string, 0, len(graphs)),
	}
	for _, g := range graphs {
		if _, dup := s.byID[g.ID()]; dup {
			return nil, schema.NewErrorf(schema.ErrCodeConflict, "duplicate workflow id %q", g.ID()).
				WithDetails(map[string]any{"workflow_id": g.ID()})
		}
		s.byID[g.ID()] = g
		s.ids = append(s.ids, g.ID())

		r, ok := routeOf(g)
		if !ok || !g.Active() {
			continue
		}
		if other, taken := s.byRoute[r]; taken {
			return nil, schema.NewErrorf(schema.ErrCodeConflict, "workflows %q and %q both handle %s /%s",
				other.ID(), g.ID(), r.method, r.path).
				WithDetails(map[string]any{"method": r.method, "path": r.path})
		}
		s.byRoute[r] = g
	}
	sort.Strings(s.ids)
	return s, nil
}

func routeOf(g *engine.Graph) (route, bool) {
	p, ok := g.Trigger().Params.(*schema.TriggerParams)
	if !ok || p.Path == "" {
		return route{}, false
	}
	return route{method: p.HTTPMethod(), path: cleanPath(p.Path)}, true
}

func cleanPath(p string) string {
	return strings.Trim(p, "/")
}

// Graph returns the workflow with the given id.
func (s *Snapshot) Graph(id string) (*engine.Graph, bool) {
	g, ok := s.byID[id]
	return g, ok
}

// ByPath returns the active workflow whose trigger listens on method and
// path. Leading and trailing slashes are ignored; an empty method means POST.
func (s *Snapshot) ByPath(method, p string) (*engine.Graph, bool) {
	if method == "" {
		method = "POST"
	}
	g, ok := s.byRoute[route{method: strings.ToUpper(method), path: cleanPath(p)}]
	return g, ok
}

// Graphs returns every graph ordered by workflow id.
func (s *Snapshot) Graphs() []*engine.Graph {
	out := make([]*engine.Graph, 0, len(s.ids))
	for _, id := range s.ids {
		out = append(out, s.byID[id])
	}
	return out
}

// Len returns the number of workflows.
func (s *Snapshot) Len() int { return len(s.ids) }

// Load builds graphs from raw definition documents and indexes them.
func Load(docs ...[]byte) (*Snapshot, error) {
	graphs := make([]*engine.Graph, 0, len(docs))
	for _, doc := range docs {
		g, err := engine.Load(doc)
		if err != nil {
			return nil, err
		}
		graphs = append(graphs, g)
	}
	return NewSnapshot(graphs...)
}

// LoadFS loads every *.json file at the root of fsys. Errors name the
// offending file.
func LoadFS(fsys fs.FS) (*Snapshot, error) {
	names, err := fs.Glob(fsys, "*.json")
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "list workflow files: %s", err.Error()).WithCause(err)
	}
	sort.Strings(names)

	graphs := make([]*engine.Graph, 0, len(names))
	for _, name := range names {
		data, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "read %s: %s", name, err.Error()).WithCause(err)
		}
		g, err := engine.Load(data)
		if err != nil {
			if de := schema.AsError(err); de != nil {
				if de.Details == nil {
					de.Details = map[string]any{}
				}
				de.Details["file"] = name
			}
			return nil, err
		}
		graphs = append(graphs, g)
	}
	return NewSnapshot(graphs...)
}

// LoadDir loads every *.json workflow in dir. A missing dir is an error,
// not an empty catalog.
func LoadDir(dir string) (*Snapshot, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "catalog dir: %s", err.Error()).WithCause(err)
	}
	if !info.IsDir() {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "catalog dir %s is not a directory", dir)
	}
	return LoadFS(os.DirFS(dir))
}

// Builtin loads the bundled messaging flows.
func Builtin() (*Snapshot, error) {
	sub, err := fs.Sub(builtinFlows, "flows")
	if err != nil {
		return nil, err
	}
	return LoadFS(sub)
}
