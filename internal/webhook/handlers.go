package webhook

import (
	"net/http"

	"github.com/rendis/drip/internal/catalog"
	"github.com/rendis/drip/internal/store"
	"github.com/rendis/drip/pkg/schema"
)

// dispatchResponse reports the run a trigger started and where it stopped.
type dispatchResponse struct {
	RunID       string           `json:"run_id"`
	WorkflowID  string           `json:"workflow_id,omitempty"`
	Status      schema.RunStatus `json:"status,omitempty"`
	CurrentNode string           `json:"current_node,omitempty"`
}

// handleWebhook matches the request against HTTP triggers by method and path.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := readPayload(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	runID, err := s.deps.Dispatcher.DispatchPath(r.Context(), r.Method, r.PathValue("path"), payload)
	s.respondDispatch(w, r, runID, err)
}

// handleDispatch starts a run of a workflow by id.
func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	payload, err := readPayload(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	runID, err := s.deps.Dispatcher.Dispatch(r.Context(), r.PathValue("id"), payload)
	s.respondDispatch(w, r, runID, err)
}

func (s *Server) respondDispatch(w http.ResponseWriter, r *http.Request, runID string, err error) {
	if err != nil {
		s.deps.Logger.WarnContext(r.Context(), "dispatch rejected", "path", r.URL.Path, "error", err)
		writeError(w, err)
		return
	}
	resp := dispatchResponse{RunID: runID}
	if run, err := s.deps.Runs.GetRun(r.Context(), runID); err == nil {
		resp.WorkflowID = run.WorkflowID
		resp.Status = run.Status
		resp.CurrentNode = run.CurrentNode
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"workflows": s.deps.Dispatcher.Catalog().Summaries()})
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	g, ok := s.deps.Dispatcher.Catalog().Graph(id)
	if !ok {
		writeError(w, schema.NewErrorf(schema.ErrCodeUnknownWorkflow, "workflow %q is not loaded", id))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"summary":    catalog.Summarize(g),
		"definition": g.Definition(),
		"warnings":   g.Warnings(),
	})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.RunFilter{
		WorkflowID: q.Get("workflow_id"),
		Status:     schema.RunStatus(q.Get("status")),
		Prefix:     q.Get("prefix"),
		Limit:      queryInt(r, "limit", store.DefaultListLimit),
	}
	runs, err := s.deps.Runs.ListRuns(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	if runs == nil {
		runs = []*schema.Run{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs, "count": len(runs)})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.deps.Runs.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.deps.Runs.GetRun(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	events, err := s.deps.Runs.GetEvents(r.Context(), id, int64(queryInt(r, "since", 0)))
	if err != nil {
		writeError(w, err)
		return
	}
	if events == nil {
		events = []*store.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")
	if err := s.deps.Canceller.Cancel(ctx, id); err != nil {
		writeError(w, err)
		return
	}
	run, err := s.deps.Runs.GetRun(ctx, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "run_id": id, "status": run.Status})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"workflows": s.deps.Dispatcher.Catalog().Len(),
	})
}
