package webhook

import (
	"net/http"

	"github.com/rendis/drip/internal/diagram"
	"github.com/rendis/drip/internal/store"
	"github.com/rendis/drip/pkg/schema"
)

// handleDiagram renders a workflow as mermaid (default), ascii or png. With
// ?run=<id> the run and its fan-out siblings are overlaid.
func (s *Server) handleDiagram(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")
	g, ok := s.deps.Dispatcher.Catalog().Graph(id)
	if !ok {
		writeError(w, schema.NewErrorf(schema.ErrCodeUnknownWorkflow, "workflow %q is not loaded", id))
		return
	}

	var runs []*schema.Run
	if runID := r.URL.Query().Get("run"); runID != "" {
		list, err := s.deps.Runs.ListRuns(ctx, store.RunFilter{Prefix: runID, WorkflowID: id})
		if err != nil {
			writeError(w, err)
			return
		}
		if len(list) == 0 {
			writeError(w, schema.NewErrorf(schema.ErrCodeNotFound, "run %q of workflow %q not found", runID, id))
			return
		}
		runs = list
	}
	model := diagram.Build(g, runs)

	switch format := r.URL.Query().Get("format"); format {
	case "", "mermaid":
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte(diagram.RenderMermaid(model)))
	case "ascii":
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte(diagram.RenderASCII(model)))
	case "png":
		png, err := diagram.RenderImage(ctx, model)
		if err != nil {
			writeError(w, schema.NewErrorf(schema.ErrCodeExecution, "render diagram: %s", err.Error()).WithCause(err))
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write(png)
	default:
		badRequest(w, "format must be mermaid, ascii or png, got %q", format)
	}
}
