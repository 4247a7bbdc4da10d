package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// PoolStats counts resume pool activity.
type PoolStats struct {
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"` // includes panics
	Panics    int64 `json:"panics"`
	Skipped   int64 `json:"skipped"` // run already had a task
}

// ErrPoolClosed is returned by Go after Close.
var ErrPoolClosed = errors.New("resume pool is closed")

// PoolHooks observe a ResumePool. Both are optional.
type PoolHooks struct {
	// Active receives the active task count after every change.
	Active func(active int64)
	// Panic receives the run id and recovered value of a panicking task.
	Panic func(runID string, recovered any)
}

// ResumePool runs per-run tasks with bounded concurrency and at most one
// task per run id at a time.
type ResumePool struct {
	slots chan struct{}
	hooks PoolHooks
	wg    sync.WaitGroup
	stop  chan struct{}

	mu      sync.Mutex
	running map[string]struct{}
	closed  bool

	active, completed, failed, panics, skipped atomic.Int64
}

// NewResumePool creates a pool running at most size tasks at once.
func NewResumePool(size int, hooks PoolHooks) *ResumePool {
	if size <= 0 {
		size = 1
	}
	return &ResumePool{
		slots:   make(chan struct{}, size),
		hooks:   hooks,
		stop:    make(chan struct{}),
		running: make(map[string]struct{}),
	}
}

// Size returns the concurrency bound.
func (p *ResumePool) Size() int { return cap(p.slots) }

// Go starts fn for runID once a slot is free, blocking while the pool is
// full. It reports false without starting anything when runID already has a
// task in this pool.
func (p *ResumePool) Go(ctx context.Context, runID string, fn func(ctx context.Context) error) (bool, error) {
	if !p.claim(runID) {
		p.skipped.Add(1)
		return false, nil
	}

	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		p.unclaim(runID)
		return false, ctx.Err()
	case <-p.stop:
		p.unclaim(runID)
		return false, ErrPoolClosed
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.slots
		p.unclaim(runID)
		return false, ErrPoolClosed
	}
	// Add under the lock so Close cannot miss the task.
	p.wg.Add(1)
	p.mu.Unlock()
	p.setActive(p.active.Add(1))

	go func() {
		defer func() {
			if r := recover(); r != nil {
				p.panics.Add(1)
				p.failed.Add(1)
				if p.hooks.Panic != nil {
					p.hooks.Panic(runID, r)
				}
			}
			p.setActive(p.active.Add(-1))
			<-p.slots
			p.unclaim(runID)
			p.wg.Done()
		}()

		if err := fn(ctx); err != nil {
			p.failed.Add(1)
			return
		}
		p.completed.Add(1)
	}()
	return true, nil
}

func (p *ResumePool) claim(runID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return true // Go reports ErrPoolClosed
	}
	if _, busy := p.running[runID]; busy {
		return false
	}
	p.running[runID] = struct{}{}
	return true
}

func (p *ResumePool) unclaim(runID string) {
	p.mu.Lock()
	delete(p.running, runID)
	p.mu.Unlock()
}

func (p *ResumePool) setActive(n int64) {
	if p.hooks.Active != nil {
		p.hooks.Active(n)
	}
}

// Busy reports whether runID has a task in the pool.
func (p *ResumePool) Busy(runID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.running[runID]
	return ok
}

// Wait blocks until every started task has returned.
func (p *ResumePool) Wait() { p.wg.Wait() }

// Close rejects further tasks and waits for the running ones.
func (p *ResumePool) Close() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.stop)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

// Stats returns a snapshot of the counters.
func (p *ResumePool) Stats() PoolStats {
	return PoolStats{
		Active:    p.active.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Panics:    p.panics.Load(),
		Skipped:   p.skipped.Load(),
	}
}
