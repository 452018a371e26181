// README: Dispatch outcomes and batch accounting.
package dispatch

import "hatid/internal/types"

// Outcome classifies one evaluation pass over one task.
type Outcome string

const (
	// OutcomeNoop: nothing to do, or another trigger already acted
	// (conditional-write contention is expected and silent).
	OutcomeNoop Outcome = "noop"
	// OutcomeNotified: an open task was offered to its first-ranked runner.
	OutcomeNotified Outcome = "notified"
	// OutcomeReassigned: a timed-out offer moved to the next candidate.
	OutcomeReassigned Outcome = "reassigned"
	// OutcomeCleared: a timed-out offer had no further candidate; the task
	// returned to open with an enlarged exclusion set.
	OutcomeCleared Outcome = "cleared"
	// OutcomeSkipped: the pool could not be computed this pass (missing
	// location); the task is left untouched for the next trigger.
	OutcomeSkipped Outcome = "skipped"
	// OutcomeError: an upstream failure; the task is left untouched.
	OutcomeError Outcome = "error"
)

// Result is the outcome of evaluating a single task.
type Result struct {
	Outcome  Outcome
	RunnerID *types.ID
}

// BatchResult tallies a bounded sweep pass. Per-task errors never abort the
// batch; they are counted here instead.
type BatchResult struct {
	Evaluated  int
	Notified   int
	Reassigned int
	Cleared    int
	Skipped    int
	Errored    int
}
