// README: Task aggregate (errand/commission variants) and status definitions.
package task

import (
	"time"

	"hatid/internal/types"
)

// Kind discriminates the two task variants. They share one shape; the only
// variant-specific field is DeclinedRunnerID, which commissions track so the
// most recent decliner can be surfaced to the requester.
type Kind string

const (
	KindErrand     Kind = "errand"
	KindCommission Kind = "commission"
)

type Status string

const (
	StatusOpen      Status = "open"
	StatusNotified  Status = "notified"
	StatusAssigned  Status = "assigned"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Task is a requester's service request to be fulfilled by one runner.
//
// NotifiedRunnerID and NotifiedAt are non-nil iff Status is StatusNotified.
// NotifiedAt doubles as the optimistic version token: every write that touches
// the notify fields must go through the store's conditional-update methods,
// which compare it against the value the writer read. A write path that
// bypasses that check breaks dispatch safety under concurrent triggers.
type Task struct {
	ID          types.ID
	RequesterID types.ID
	Kind        Kind
	Category    string
	Detail      string
	Status      Status

	NotifiedRunnerID *types.ID
	NotifiedAt       *time.Time
	AssignedRunnerID *types.ID
	// DeclinedRunnerID is the most recent explicit decliner (commission only).
	DeclinedRunnerID *types.ID
	// ExcludedRunnerIDs grows monotonically: every runner who timed out or
	// declined this task instance. The current notified runner is never a
	// member; it joins the set only when it stops being the notified runner.
	ExcludedRunnerIDs []types.ID

	CreatedAt   time.Time
	AssignedAt  *time.Time
	CompletedAt *time.Time
	CancelledAt *time.Time
}

// Excluded reports whether the runner is in the task's exclusion set.
func (t *Task) Excluded(id types.ID) bool {
	for _, x := range t.ExcludedRunnerIDs {
		if x == id {
			return true
		}
	}
	return false
}

type Event struct {
	ID         int64
	TaskID     types.ID
	FromStatus Status
	ToStatus   Status
	ActorType  string
	ActorID    *types.ID
	CreatedAt  time.Time
}

// AllowedTransitions represents the task state flow as code. The notified
// self-loop is the reassignment path; notified→open is decline or clear.
var AllowedTransitions = map[Status][]Status{
	StatusOpen:     {StatusNotified, StatusCancelled},
	StatusNotified: {StatusNotified, StatusAssigned, StatusOpen, StatusCancelled},
	StatusAssigned: {StatusCompleted, StatusCancelled},
}

func CanTransition(from, to Status) bool {
	next, ok := AllowedTransitions[from]
	if !ok {
		return false
	}
	for _, s := range next {
		if s == to {
			return true
		}
	}
	return false
}
