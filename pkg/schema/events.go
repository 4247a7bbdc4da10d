package schema

// Event type constants for the per-run event log.
const (
	EventRunStarted   = "run_started"
	EventRunSuspended = "run_suspended"
	EventRunResumed   = "run_resumed"
	EventRunCompleted = "run_completed"
	EventRunFailed    = "run_failed"
	EventRunCancelled = "run_cancelled"
	EventRunForked    = "run_forked"

	EventNodeCompleted     = "node_completed"
	EventNodeRetrying      = "node_retrying"
	EventMessageDispatched = "message_dispatched"

	EventCircuitOpened = "circuit_opened"
)

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusWaiting   RunStatus = "waiting"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether no further transitions are possible from s.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}
