// README: Task service implements lifecycle transitions and persistence.
package task

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"hatid/internal/types"
)

var (
	ErrInvalidState = errors.New("invalid state transition")
	ErrNotFound     = errors.New("task not found")
	ErrConflict     = errors.New("task state conflict")
	ErrBadRequest   = errors.New("bad request")
	ErrNotOffered   = errors.New("task is not offered to this runner")
)

// History records completed-task categories per runner; the ranking engine
// reads them back as the runner's affinity document.
type History interface {
	AppendCompleted(ctx context.Context, runnerID, taskID types.ID, category string, at time.Time) error
}

type Service struct {
	store   *Store
	history History
	now     func() time.Time
}

func NewService(store *Store, history History) *Service {
	return &Service{store: store, history: history, now: time.Now}
}

type CreateCommand struct {
	RequesterID types.ID
	Kind        Kind
	Category    string
	Detail      string
}

type AcceptCommand struct {
	TaskID   types.ID
	RunnerID types.ID
}

type DeclineCommand struct {
	TaskID   types.ID
	RunnerID types.ID
}

type CompleteCommand struct {
	TaskID   types.ID
	RunnerID types.ID
}

type CancelCommand struct {
	TaskID      types.ID
	RequesterID types.ID
	Reason      string
}

func (s *Service) Create(ctx context.Context, cmd CreateCommand) (types.ID, error) {
	if cmd.RequesterID == "" || cmd.Category == "" {
		return "", ErrBadRequest
	}
	if cmd.Kind != KindErrand && cmd.Kind != KindCommission {
		return "", ErrBadRequest
	}

	now := s.now()
	t := &Task{
		ID:                types.ID(uuid.NewString()),
		RequesterID:       cmd.RequesterID,
		Kind:              cmd.Kind,
		Category:          cmd.Category,
		Detail:            cmd.Detail,
		Status:            StatusOpen,
		ExcludedRunnerIDs: []types.ID{},
		CreatedAt:         now,
	}
	if err := s.store.Create(ctx, t); err != nil {
		return "", err
	}
	_ = s.store.AppendEvent(ctx, &Event{
		TaskID:     t.ID,
		FromStatus: Status(""),
		ToStatus:   StatusOpen,
		ActorType:  "requester",
		ActorID:    &cmd.RequesterID,
		CreatedAt:  now,
	})
	return t.ID, nil
}

// Accept is the notified runner taking the offer. It is version-checked
// against the notified_at the runner's offer was stamped with, so a
// concurrently fired timeout reassignment cannot hand the task to someone
// else while the accept is in flight.
func (s *Service) Accept(ctx context.Context, cmd AcceptCommand) error {
	t, err := s.store.Get(ctx, cmd.TaskID)
	if err != nil {
		return err
	}
	if t.Status != StatusNotified {
		return ErrInvalidState
	}
	if t.NotifiedRunnerID == nil || *t.NotifiedRunnerID != cmd.RunnerID {
		return ErrNotOffered
	}
	ok, err := s.store.Assign(ctx, t.ID, cmd.RunnerID, t.NotifiedAt, s.now())
	if err != nil {
		return err
	}
	if !ok {
		return ErrConflict
	}
	_ = s.store.AppendEvent(ctx, &Event{
		TaskID:     t.ID,
		FromStatus: StatusNotified,
		ToStatus:   StatusAssigned,
		ActorType:  "runner",
		ActorID:    &cmd.RunnerID,
		CreatedAt:  s.now(),
	})
	return nil
}

func (s *Service) Decline(ctx context.Context, cmd DeclineCommand) error {
	t, err := s.store.Get(ctx, cmd.TaskID)
	if err != nil {
		return err
	}
	if t.Status != StatusNotified {
		return ErrInvalidState
	}
	if t.NotifiedRunnerID == nil || *t.NotifiedRunnerID != cmd.RunnerID {
		return ErrNotOffered
	}
	ok, err := s.store.Decline(ctx, t.ID, cmd.RunnerID, t.NotifiedAt)
	if err != nil {
		return err
	}
	if !ok {
		return ErrConflict
	}
	_ = s.store.AppendEvent(ctx, &Event{
		TaskID:     t.ID,
		FromStatus: StatusNotified,
		ToStatus:   StatusOpen,
		ActorType:  "runner",
		ActorID:    &cmd.RunnerID,
		CreatedAt:  s.now(),
	})
	return nil
}

func (s *Service) Complete(ctx context.Context, cmd CompleteCommand) error {
	t, err := s.store.Get(ctx, cmd.TaskID)
	if err != nil {
		return err
	}
	if !CanTransition(t.Status, StatusCompleted) {
		return ErrInvalidState
	}
	if t.AssignedRunnerID == nil || *t.AssignedRunnerID != cmd.RunnerID {
		return ErrNotOffered
	}
	now := s.now()
	ok, err := s.store.Complete(ctx, t.ID, cmd.RunnerID, now)
	if err != nil {
		return err
	}
	if !ok {
		return ErrConflict
	}
	if s.history != nil {
		_ = s.history.AppendCompleted(ctx, cmd.RunnerID, t.ID, t.Category, now)
	}
	_ = s.store.AppendEvent(ctx, &Event{
		TaskID:     t.ID,
		FromStatus: StatusAssigned,
		ToStatus:   StatusCompleted,
		ActorType:  "runner",
		ActorID:    &cmd.RunnerID,
		CreatedAt:  now,
	})
	return nil
}

func (s *Service) Cancel(ctx context.Context, cmd CancelCommand) error {
	t, err := s.store.Get(ctx, cmd.TaskID)
	if err != nil {
		return err
	}
	if t.RequesterID != cmd.RequesterID {
		return ErrBadRequest
	}
	if !CanTransition(t.Status, StatusCancelled) {
		return ErrInvalidState
	}
	ok, err := s.store.Cancel(ctx, t.ID, s.now())
	if err != nil {
		return err
	}
	if !ok {
		return ErrConflict
	}
	_ = s.store.AppendEvent(ctx, &Event{
		TaskID:     t.ID,
		FromStatus: t.Status,
		ToStatus:   StatusCancelled,
		ActorType:  "requester",
		ActorID:    &cmd.RequesterID,
		CreatedAt:  s.now(),
	})
	return nil
}

func (s *Service) Get(ctx context.Context, id types.ID) (*Task, error) {
	return s.store.Get(ctx, id)
}

// Offers returns the tasks currently offered to the runner.
func (s *Service) Offers(ctx context.Context, runnerID types.ID) ([]*Task, error) {
	return s.store.OffersForRunner(ctx, runnerID)
}
