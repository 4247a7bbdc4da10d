package catalog

import (
	"sync/atomic"

	"github.com/rendis/drip/internal/engine"
)

// Holder publishes the current Snapshot. Readers see either the old or the
// new snapshot in full; runs already in flight keep the graph version they
// loaded.
type Holder struct {
	current atomic.Pointer[Snapshot]
}

// NewHolder creates a Holder serving s. A nil s serves an empty catalog.
func NewHolder(s *Snapshot) *Holder {
	h := &Holder{}
	h.Swap(s)
	return h
}

// Current returns the published snapshot.
func (h *Holder) Current() *Snapshot {
	return h.current.Load()
}

// Swap publishes s and returns the snapshot it replaced.
func (h *Holder) Swap(s *Snapshot) *Snapshot {
	if s == nil {
		s, _ = NewSnapshot()
	}
	return h.current.Swap(s)
}

// Graph looks id up in the current snapshot.
func (h *Holder) Graph(id string) (*engine.Graph, bool) {
	return h.Current().Graph(id)
}
