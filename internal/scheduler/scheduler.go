package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/drip/internal/engine"
	"github.com/rendis/drip/internal/logging"
	"github.com/rendis/drip/internal/metrics"
	"github.com/rendis/drip/internal/store"
	"github.com/rendis/drip/pkg/schema"
)

// Defaults applied by New for zero Config fields.
const (
	DefaultPoolSize      = 8
	DefaultSweepInterval = time.Second
	DefaultLeaseTTL      = 30 * time.Second
	DefaultStaleAfter    = 5 * time.Minute
	DefaultSweepLimit    = 256
)

// GraphSource resolves the current graph of a workflow.
type GraphSource interface {
	Graph(workflowID string) (*engine.Graph, bool)
}

// Config wires a Scheduler. Store, Executor and Graphs are required.
type Config struct {
	Store    store.RunStore
	Executor *engine.Executor
	Graphs   GraphSource
	Logger   *slog.Logger
	Metrics  *metrics.Metrics

	PoolSize      int
	SweepInterval time.Duration
	LeaseTTL      time.Duration
	StaleAfter    time.Duration
	SweepLimit    int

	// Owner identifies this process in leases; every acquisition appends its
	// own token. Defaults to "drip-<uuid>".
	Owner string
}

// Scheduler drives runs under a store lease, parks them at Delay nodes and
// resumes them once their wake time has passed. Waiting runs live only in
// the store.
type Scheduler struct {
	store   store.RunStore
	exec    *engine.Executor
	fsm     *engine.RunFSM
	clock   engine.Clock
	graphs  GraphSource
	logger  *slog.Logger
	metrics *metrics.Metrics
	pool    *engine.ResumePool

	owner         string
	sweepInterval time.Duration
	leaseTTL      time.Duration
	staleAfter    time.Duration
	sweepLimit    int

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Scheduler.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Store == nil || cfg.Executor == nil || cfg.Graphs == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "scheduler requires a store, an executor and a graph source")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = DefaultLeaseTTL
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.SweepLimit <= 0 {
		cfg.SweepLimit = DefaultSweepLimit
	}
	if cfg.Owner == "" {
		cfg.Owner = "drip-" + uuid.NewString()
	}

	logger := cfg.Logger
	pool := engine.NewResumePool(cfg.PoolSize, engine.PoolHooks{
		Active: cfg.Metrics.PoolActive,
		Panic: func(runID string, recovered any) {
			logger.Error("resume panicked", "run_id", runID, "panic", recovered)
		},
	})

	return &Scheduler{
		store:         cfg.Store,
		exec:          cfg.Executor,
		fsm:           cfg.Executor.FSM(),
		clock:         cfg.Executor.Clock(),
		graphs:        cfg.Graphs,
		logger:        cfg.Logger,
		metrics:       cfg.Metrics,
		pool:          pool,
		owner:         cfg.Owner,
		sweepInterval: cfg.SweepInterval,
		leaseTTL:      cfg.LeaseTTL,
		staleAfter:    cfg.StaleAfter,
		sweepLimit:    cfg.SweepLimit,
	}, nil
}

// Owner returns the lease owner id of this scheduler.
func (s *Scheduler) Owner() string { return s.owner }

// Run takes the lease on run and drives it until it suspends, completes or
// fails. Siblings forked along the way are driven afterwards, each under its
// own lease. Execution failures are recorded on the run; only lease and
// persistence errors are returned.
func (s *Scheduler) Run(ctx context.Context, g *engine.Graph, run *schema.Run) error {
	var forks []*schema.Run
	acquired, err := s.withLease(ctx, run.ID, func(ctx context.Context) error {
		var derr error
		forks, derr = s.drive(ctx, g, run, nil)
		return derr
	})
	if !acquired && err == nil {
		return leaseHeld(run.ID)
	}
	return errors.Join(err, s.runForks(ctx, g, forks))
}

func (s *Scheduler) runForks(ctx context.Context, g *engine.Graph, forks []*schema.Run) error {
	var errs []error
	for _, fork := range forks {
		if err := s.Run(ctx, g, fork); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Resume continues a waiting run whose wake time has passed. It reports
// false without error when the run is leased elsewhere, no longer waiting or
// not yet due.
func (s *Scheduler) Resume(ctx context.Context, runID string) (bool, error) {
	var (
		resumed bool
		g       *engine.Graph
		forks   []*schema.Run
	)
	acquired, err := s.withLease(ctx, runID, func(ctx context.Context) error {
		run, err := s.store.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		if run.Status != schema.RunStatusWaiting {
			return nil
		}
		now := s.clock.Now()
		if run.WakeAt != nil && run.WakeAt.After(now) {
			return nil
		}
		resumed = true
		ctx = logging.WithRun(ctx, run.ID, run.WorkflowID)

		var ok bool
		g, ok = s.graphs.Graph(run.WorkflowID)
		if !ok {
			return s.finish(ctx, run, schema.RunStatusFailed,
				schema.NewErrorf(schema.ErrCodeUnknownWorkflow, "workflow %q is no longer loaded", run.WorkflowID))
		}
		if _, ok := g.Node(run.CurrentNode); !ok {
			return s.finish(ctx, run, schema.RunStatusFailed,
				schema.NewErrorf(schema.ErrCodeExecution, "delay node %q not found in workflow %s v%d",
					run.CurrentNode, g.ID(), g.Version()))
		}
		if g.Version() != run.WorkflowVersion {
			s.logger.WarnContext(ctx, "resuming run on a newer workflow version",
				"run_version", run.WorkflowVersion, "current_version", g.Version())
		}

		var lag time.Duration
		if run.WakeAt != nil {
			lag = now.Sub(*run.WakeAt)
		}
		s.metrics.ResumeLag(lag)
		if err := s.fsm.Transition(ctx, run, schema.RunStatusRunning, map[string]any{"lag": lag.String()}); err != nil {
			return err
		}
		run.ResumedAt = &now
		run.WakeAt = nil

		first := s.exec.ResumeDelay(g, run, now)
		forks, err = s.drive(ctx, g, run, &first)
		return err
	})
	if !acquired {
		return false, err
	}
	return resumed, errors.Join(err, s.runForks(ctx, g, forks))
}

// Cancel stops a waiting run. Cancelling an already cancelled run is a
// no-op; completed and failed runs return INVALID_TRANSITION and runs that
// are executing return LEASE_HELD. Messages already sent stay sent.
func (s *Scheduler) Cancel(ctx context.Context, runID string) error {
	acquired, err := s.withLease(ctx, runID, func(ctx context.Context) error {
		run, err := s.store.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		ctx = logging.WithRun(ctx, run.ID, run.WorkflowID)
		switch run.Status {
		case schema.RunStatusCancelled:
			return nil
		case schema.RunStatusRunning:
			return leaseHeld(runID)
		}
		if err := s.fsm.Transition(ctx, run, schema.RunStatusCancelled, nil); err != nil {
			return err
		}
		run.WakeAt = nil
		if err := s.store.PutRun(ctx, run); err != nil {
			return schema.PersistenceError("cancel run "+runID, err)
		}
		s.metrics.RunFinished(run.WorkflowID, string(run.Status))
		s.logger.InfoContext(ctx, "run cancelled")
		return nil
	})
	if !acquired && err == nil {
		return leaseHeld(runID)
	}
	return err
}

// drive advances run until it leaves the running state. first, when set, is
// applied before any node executes. It returns the siblings forked on the way.
func (s *Scheduler) drive(ctx context.Context, g *engine.Graph, run *schema.Run, first *engine.Outcome) ([]*schema.Run, error) {
	ctx = logging.WithRun(ctx, run.ID, run.WorkflowID)
	if run.Status == "" {
		if err := s.fsm.Transition(ctx, run, schema.RunStatusRunning, map[string]any{
			"workflow_version": run.WorkflowVersion,
		}); err != nil {
			return nil, err
		}
		s.metrics.RunStarted(run.WorkflowID)
	}

	var forks []*schema.Run
	for {
		var out engine.Outcome
		if first != nil {
			out, first = *first, nil
		} else {
			out = s.exec.Advance(ctx, g, run)
		}

		switch out.Kind {
		case engine.OutcomeContinue:
			children, perr := s.fork(ctx, run, out.Next[1:])
			forks = append(forks, children...)
			if perr != nil {
				return forks, s.failPersist(ctx, run, perr)
			}
			run.CurrentNode = out.Next[0]
			run.UpdatedAt = s.clock.Now()
			if g.Settings().PersistProgress {
				if err := s.store.PutRun(ctx, run); err != nil {
					return forks, schema.PersistenceError("checkpoint run "+run.ID, err)
				}
			}

		case engine.OutcomeSuspend:
			return forks, s.suspend(ctx, run, out.WakeAt)

		case engine.OutcomeTerminal:
			return forks, s.finish(ctx, run, schema.RunStatusCompleted, nil)

		case engine.OutcomeFailed:
			if ctx.Err() != nil && schema.HasCode(out.Err, schema.ErrCodeCancelled) {
				// Shutdown mid-node: keep the run running so recovery re-drives it.
				return forks, s.checkpoint(run, ctx.Err())
			}
			return forks, s.finish(ctx, run, schema.RunStatusFailed, out.Err)
		}
	}
}

// fork creates and persists one sibling per extra target.
func (s *Scheduler) fork(ctx context.Context, run *schema.Run, targets []string) ([]*schema.Run, *schema.DripError) {
	if len(targets) == 0 {
		return nil, nil
	}
	now := s.clock.Now()
	forks := make([]*schema.Run, 0, len(targets))
	for _, target := range targets {
		child := run.Fork(target, now)
		if err := s.store.PutRun(ctx, child); err != nil {
			return forks, schema.PersistenceError("persist fork "+child.ID, err)
		}
		s.fsm.Emit(ctx, child, target, schema.EventRunForked, map[string]any{"parent_id": run.ID})
		s.metrics.RunStarted(child.WorkflowID)
		forks = append(forks, child)
	}
	s.logger.DebugContext(ctx, "run forked", "siblings", len(forks))
	return forks, nil
}

// suspend parks run at its Delay node. A failed write fails the run with
// PERSISTENCE_ERROR; the failure itself is persisted best-effort.
func (s *Scheduler) suspend(ctx context.Context, run *schema.Run, wakeAt time.Time) error {
	now := s.clock.Now()
	run.WakeAt = &wakeAt
	run.SuspendedAt = &now
	if err := s.fsm.Transition(ctx, run, schema.RunStatusWaiting, map[string]any{
		"wake_at": wakeAt.UTC().Format(time.RFC3339Nano),
	}); err != nil {
		return err
	}

	err := s.store.PutRun(ctx, run)
	if err == nil {
		s.logger.InfoContext(ctx, "run suspended", "node", run.CurrentNode, "wake_at", wakeAt)
		return nil
	}

	return s.failPersist(ctx, run, schema.PersistenceError("suspend run "+run.ID, err))
}

// failPersist fails run after a store write was lost and persists the
// failure best-effort.
func (s *Scheduler) failPersist(ctx context.Context, run *schema.Run, perr *schema.DripError) error {
	run.WakeAt = nil
	run.LastError = schema.NewRunError(perr, run.CurrentNode)
	if terr := s.fsm.Transition(ctx, run, schema.RunStatusFailed, map[string]any{"code": perr.Code}); terr != nil {
		return errors.Join(perr, terr)
	}
	s.metrics.RunFinished(run.WorkflowID, string(run.Status))
	if werr := s.store.PutRun(context.WithoutCancel(ctx), run); werr != nil {
		s.logger.ErrorContext(ctx, "persist failed run", "error", werr)
	}
	s.logger.ErrorContext(ctx, "run failed on persistence", "error", perr)
	return perr
}

// finish moves run to a terminal status and persists it.
func (s *Scheduler) finish(ctx context.Context, run *schema.Run, status schema.RunStatus, cause error) error {
	var payload map[string]any
	if cause != nil {
		run.LastError = schema.NewRunError(cause, run.CurrentNode)
		payload = map[string]any{"code": run.LastError.Code, "message": run.LastError.Message}
	}
	if err := s.fsm.Transition(ctx, run, status, payload); err != nil {
		return err
	}
	run.WakeAt = nil
	if err := s.store.PutRun(ctx, run); err != nil {
		return schema.PersistenceError("persist run "+run.ID, err)
	}
	s.metrics.RunFinished(run.WorkflowID, string(status))
	if cause != nil {
		s.logger.WarnContext(ctx, "run failed", "node", run.CurrentNode, "error", cause)
	} else {
		s.logger.InfoContext(ctx, "run completed")
	}
	return nil
}

// checkpoint saves a running run after its context was cancelled.
func (s *Scheduler) checkpoint(run *schema.Run, cause error) error {
	run.UpdatedAt = s.clock.Now()
	if err := s.store.PutRun(context.Background(), run); err != nil {
		return errors.Join(cause, schema.PersistenceError("checkpoint run "+run.ID, err))
	}
	return cause
}

// withLease runs fn while holding the lease on id, renewing it in the
// background. Each call leases under its own token, so two callers in this
// process exclude each other like two processes do. It reports false when
// the lease is held by anyone else.
func (s *Scheduler) withLease(ctx context.Context, id string, fn func(ctx context.Context) error) (bool, error) {
	token := s.owner + "/" + uuid.NewString()
	ok, err := s.store.TryAcquireLease(ctx, id, token, s.leaseTTL)
	if err != nil {
		return false, schema.PersistenceError("acquire lease "+id, err)
	}
	if !ok {
		return false, nil
	}

	keepCtx, stop := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.keepalive(keepCtx, id, token)
	}()
	defer func() {
		stop()
		wg.Wait()
		if err := s.store.ReleaseLease(context.WithoutCancel(ctx), id, token); err != nil {
			s.logger.WarnContext(ctx, "release lease", "run_id", id, "error", err)
		}
	}()

	return true, fn(ctx)
}

func (s *Scheduler) keepalive(ctx context.Context, id, token string) {
	ticker := time.NewTicker(s.leaseTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			renewed, err := s.store.RenewLease(ctx, id, token, s.leaseTTL)
			if err != nil && ctx.Err() == nil {
				s.logger.WarnContext(ctx, "renew lease", "run_id", id, "error", err)
			} else if err == nil && !renewed {
				s.logger.WarnContext(ctx, "lease lost", "run_id", id)
				return
			}
		}
	}
}

// Sweep resumes every due run on the worker pool and returns how many were
// resumed.
func (s *Scheduler) Sweep(ctx context.Context) (int, error) {
	start := time.Now()
	defer func() { s.metrics.SweepDuration(time.Since(start)) }()

	due, err := s.store.ListDue(ctx, s.clock.Now(), s.sweepLimit)
	if err != nil {
		return 0, err
	}

	var (
		wg      sync.WaitGroup
		resumed atomic.Int64
	)
	for _, run := range due {
		id := run.ID
		wg.Add(1)
		started, err := s.pool.Go(ctx, id, func(ctx context.Context) error {
			defer wg.Done()
			ok, err := s.Resume(ctx, id)
			if err != nil {
				s.logger.ErrorContext(ctx, "resume run", "run_id", id, "error", err)
				return err
			}
			if ok {
				resumed.Add(1)
			}
			return nil
		})
		if !started {
			wg.Done()
		}
		if err != nil {
			wg.Wait()
			return int(resumed.Load()), fmt.Errorf("submit resume: %w", err)
		}
	}
	wg.Wait()
	return int(resumed.Load()), nil
}

// RecoverStale re-drives running runs that nobody holds and that have not
// been updated for StaleAfter, starting from their current node. Delivery
// of the interrupted node is at-least-once.
func (s *Scheduler) RecoverStale(ctx context.Context) (int, error) {
	runs, err := s.store.ListRuns(ctx, store.RunFilter{Status: schema.RunStatusRunning, Limit: s.sweepLimit})
	if err != nil {
		return 0, err
	}
	cutoff := s.clock.Now().Add(-s.staleAfter)

	recovered := 0
	var errs []error
	for _, candidate := range runs {
		if candidate.UpdatedAt.After(cutoff) {
			continue
		}
		ok, err := s.recover(ctx, candidate.ID, cutoff)
		if err != nil {
			errs = append(errs, err)
		}
		if ok {
			recovered++
		}
	}
	if recovered > 0 {
		s.logger.InfoContext(ctx, "recovered stale runs", "count", recovered)
	}
	return recovered, errors.Join(errs...)
}

func (s *Scheduler) recover(ctx context.Context, id string, cutoff time.Time) (bool, error) {
	var (
		recovered bool
		g         *engine.Graph
		forks     []*schema.Run
	)
	_, err := s.withLease(ctx, id, func(ctx context.Context) error {
		// Re-read under the lease: the listing may be stale.
		run, err := s.store.GetRun(ctx, id)
		if err != nil {
			return err
		}
		if run.Status != schema.RunStatusRunning || run.UpdatedAt.After(cutoff) {
			return nil
		}
		recovered = true
		ctx = logging.WithRun(ctx, run.ID, run.WorkflowID)
		s.logger.WarnContext(ctx, "re-driving stale run", "node", run.CurrentNode, "updated_at", run.UpdatedAt)

		var ok bool
		if g, ok = s.graphs.Graph(run.WorkflowID); !ok {
			return s.finish(ctx, run, schema.RunStatusFailed,
				schema.NewErrorf(schema.ErrCodeUnknownWorkflow, "workflow %q is no longer loaded", run.WorkflowID))
		}
		forks, err = s.drive(ctx, g, run, nil)
		return err
	})
	return recovered, errors.Join(err, s.runForks(ctx, g, forks))
}

// Start launches the background loop: an immediate recovery pass and sweep,
// then a sweep every SweepInterval and a stale-run pass every StaleAfter/2.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(loopCtx)
	s.logger.Info("scheduler started", "owner", s.owner, "sweep_interval", s.sweepInterval)
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	lastRecover := time.Now()
	s.tick(ctx, true)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			recoverNow := time.Since(lastRecover) >= s.staleAfter/2
			if recoverNow {
				lastRecover = time.Now()
			}
			s.tick(ctx, recoverNow)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, recoverStale bool) {
	if recoverStale {
		if _, err := s.RecoverStale(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("recover stale runs", "error", err)
		}
	}
	if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("sweep due runs", "error", err)
	}
}

// Stop halts the loop and waits for in-flight resumes to finish.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}

func leaseHeld(id string) error {
	return schema.NewErrorf(schema.ErrCodeLeaseHeld, "run %s is leased by another worker", id).
		WithDetails(map[string]any{"run_id": id})
}
