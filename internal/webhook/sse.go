package webhook

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/rendis/drip/internal/streaming"
	"github.com/rendis/drip/internal/xjson"
	"github.com/rendis/drip/pkg/schema"
)

// handleSSE streams run events via Server-Sent Events. Query params
// workflow_id, run (id prefix) and type (comma separated) narrow the stream.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	if s.deps.Hub == nil {
		writeError(w, schema.NewError(schema.ErrCodeNotFound, "event streaming is disabled"))
		return
	}
	q := r.URL.Query()
	filter := streaming.Filter{
		WorkflowID: q.Get("workflow_id"),
		RunPrefix:  q.Get("run"),
	}
	if types := q.Get("type"); types != "" {
		filter.Types = strings.Split(types, ",")
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	ch, cancel, err := s.deps.Hub.Subscribe(r.Context(), filter)
	if err != nil {
		s.deps.Logger.Error("SSE subscribe failed", "error", err)
		http.Error(w, "subscribe failed", http.StatusInternalServerError)
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			data, err := xjson.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", event.ID, event.Type, data)
			flusher.Flush()
		}
	}
}
