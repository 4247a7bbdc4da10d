package engine

import "time"

// OutcomeKind discriminates the result of advancing a run by one node.
type OutcomeKind int

const (
	// OutcomeContinue moves the run to Next. More than one target fans out.
	OutcomeContinue OutcomeKind = iota
	// OutcomeSuspend parks the run until WakeAt.
	OutcomeSuspend
	// OutcomeTerminal completes the run.
	OutcomeTerminal
	// OutcomeFailed fails the run with Err.
	OutcomeFailed
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeContinue:
		return "continue"
	case OutcomeSuspend:
		return "suspend"
	case OutcomeTerminal:
		return "terminal"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Outcome is what Executor.Advance decided for the current node.
type Outcome struct {
	Kind   OutcomeKind
	Next   []string
	WakeAt time.Time
	Err    error
}

// Continue moves to the given targets. With no targets the run is complete.
func Continue(next ...string) Outcome {
	if len(next) == 0 {
		return Terminal()
	}
	return Outcome{Kind: OutcomeContinue, Next: next}
}

// Suspend parks the run until wakeAt.
func Suspend(wakeAt time.Time) Outcome {
	return Outcome{Kind: OutcomeSuspend, WakeAt: wakeAt}
}

// Terminal completes the run.
func Terminal() Outcome {
	return Outcome{Kind: OutcomeTerminal}
}

// Failed fails the run.
func Failed(err error) Outcome {
	return Outcome{Kind: OutcomeFailed, Err: err}
}
