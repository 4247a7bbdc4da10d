package main

import (
	"net/http"
	"sync"
	"sync/atomic"
)

// liveRoutes serves the app's HTTP routes and rebuilds the mux when /metrics
// is toggled, so a reload never restarts the listener.
type liveRoutes struct {
	build func(withMetrics bool) http.Handler

	mu      sync.Mutex // serializes rebuilds
	metrics bool
	current atomic.Pointer[http.Handler]
}

func newLiveRoutes(build func(withMetrics bool) http.Handler, withMetrics bool) *liveRoutes {
	r := &liveRoutes{build: build, metrics: withMetrics}
	h := build(withMetrics)
	r.current.Store(&h)
	return r
}

func (r *liveRoutes) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	(*r.current.Load()).ServeHTTP(w, req)
}

// SetMetrics mounts or unmounts /metrics. It reports whether the routes
// changed.
func (r *liveRoutes) SetMetrics(on bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.metrics == on {
		return false
	}
	h := r.build(on)
	r.current.Store(&h)
	r.metrics = on
	return true
}
