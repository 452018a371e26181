// README: Dispatch coordinator: the notify/timeout/reassign state machine.
package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"hatid/internal/config"
	"hatid/internal/modules/location"
	"hatid/internal/modules/ranking"
	"hatid/internal/modules/task"
	"hatid/internal/notify"
	"hatid/internal/types"
)

// TaskStore is the conditional-write contract the coordinator depends on.
// Notify, Reassign and Clear must compare the stored notified_at against
// expected and mutate atomically, returning false on mismatch. At most one
// writer can succeed per state transition; everyone else no-ops.
type TaskStore interface {
	Get(ctx context.Context, id types.ID) (*task.Task, error)
	DueForEvaluation(ctx context.Context, cutoff time.Time, limit int) ([]types.ID, error)
	Notify(ctx context.Context, id types.ID, expected *time.Time, runnerID types.ID, at time.Time) (bool, error)
	Reassign(ctx context.Context, id types.ID, expected *time.Time, exclude, runnerID types.ID, at time.Time) (bool, error)
	Clear(ctx context.Context, id types.ID, expected *time.Time, exclude types.ID) (bool, error)
}

// CandidateSource abstracts the pool for testing.
type CandidateSource interface {
	Eligible(ctx context.Context, t *task.Task, now time.Time) ([]ranking.Candidate, error)
}

// Coordinator evaluates tasks; it is the single pure evaluation path shared by
// the on-demand check and the scheduled sweep. It holds no locks and no state
// between calls; safety under overlapping triggers rests entirely on the
// TaskStore conditional writes.
type Coordinator struct {
	tasks    TaskStore
	pool     CandidateSource
	notifier notify.Notifier
	cfg      config.DispatchConfig
	now      func() time.Time
}

func NewCoordinator(tasks TaskStore, pool CandidateSource, notifier notify.Notifier, cfg config.DispatchConfig) *Coordinator {
	return &Coordinator{
		tasks:    tasks,
		pool:     pool,
		notifier: notifier,
		cfg:      cfg,
		now:      time.Now,
	}
}

// Evaluate runs one dispatch pass over one task.
func (c *Coordinator) Evaluate(ctx context.Context, id types.ID) (Result, error) {
	t, err := c.tasks.Get(ctx, id)
	if err != nil {
		return Result{Outcome: OutcomeError}, err
	}

	switch t.Status {
	case task.StatusOpen:
		return c.evaluateOpen(ctx, t)
	case task.StatusNotified:
		return c.evaluateNotified(ctx, t)
	default:
		// Terminal and assigned states are read-only inputs here.
		return Result{Outcome: OutcomeNoop}, nil
	}
}

func (c *Coordinator) evaluateOpen(ctx context.Context, t *task.Task) (Result, error) {
	now := c.now()
	candidates, err := c.pool.Eligible(ctx, t, now)
	if err != nil {
		return c.poolFailure(ctx, t, err)
	}
	ranked := ranking.Rank(t.Category, candidates)
	if len(ranked) == 0 {
		if len(t.ExcludedRunnerIDs) > 0 {
			log.Ctx(ctx).Info().Str("task", string(t.ID)).
				Int("excluded", len(t.ExcludedRunnerIDs)).
				Msg("no eligible runner left for task")
		}
		return Result{Outcome: OutcomeNoop}, nil
	}

	top := ranked[0]
	ok, err := c.tasks.Notify(ctx, t.ID, t.NotifiedAt, top.ID, now)
	if err != nil {
		return Result{Outcome: OutcomeError}, err
	}
	if !ok {
		// Another trigger already acted; expected contention.
		return Result{Outcome: OutcomeNoop}, nil
	}
	c.offer(ctx, t, top)
	runnerID := top.ID
	return Result{Outcome: OutcomeNotified, RunnerID: &runnerID}, nil
}

func (c *Coordinator) evaluateNotified(ctx context.Context, t *task.Task) (Result, error) {
	now := c.now()
	if now.Sub(*t.NotifiedAt) < c.cfg.NotifyWindow {
		return Result{Outcome: OutcomeNoop}, nil
	}

	// Timeout: the notified runner never responded.
	prev := *t.NotifiedRunnerID
	candidates, err := c.pool.Eligible(ctx, t, now)
	if err != nil {
		return c.poolFailure(ctx, t, err)
	}
	ranked := ranking.Rank(t.Category, candidates)

	if len(ranked) == 0 {
		ok, err := c.tasks.Clear(ctx, t.ID, t.NotifiedAt, prev)
		if err != nil {
			return Result{Outcome: OutcomeError}, err
		}
		if !ok {
			return Result{Outcome: OutcomeNoop}, nil
		}
		return Result{Outcome: OutcomeCleared}, nil
	}

	top := ranked[0]
	ok, err := c.tasks.Reassign(ctx, t.ID, t.NotifiedAt, prev, top.ID, now)
	if err != nil {
		return Result{Outcome: OutcomeError}, err
	}
	if !ok {
		return Result{Outcome: OutcomeNoop}, nil
	}
	c.offer(ctx, t, top)
	runnerID := top.ID
	return Result{Outcome: OutcomeReassigned, RunnerID: &runnerID}, nil
}

// poolFailure maps a missing requester location to a skip; anything else is a
// real upstream failure.
func (c *Coordinator) poolFailure(ctx context.Context, t *task.Task, err error) (Result, error) {
	if errors.Is(err, location.ErrNoLocation) {
		log.Ctx(ctx).Debug().Str("task", string(t.ID)).Msg("requester location unavailable; skipping pass")
		return Result{Outcome: OutcomeSkipped}, nil
	}
	return Result{Outcome: OutcomeError}, err
}

// offer hands the new assignment to the delivery layer. Only the conditional
// write needs to succeed; delivery is fire-and-forget.
func (c *Coordinator) offer(ctx context.Context, t *task.Task, top ranking.Scored) {
	if c.notifier == nil {
		return
	}
	err := c.notifier.TaskOffered(ctx, notify.TaskOffer{
		TaskID:   t.ID,
		RunnerID: top.ID,
		Kind:     string(t.Kind),
		Category: t.Category,
	})
	if err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("task", string(t.ID)).Str("runner", string(top.ID)).
			Msg("offer notification failed")
	}
}

// EvaluateBatch runs one bounded sweep pass. A failure on one task never
// blocks the rest of the batch.
func (c *Coordinator) EvaluateBatch(ctx context.Context, limit int) (BatchResult, error) {
	cutoff := c.now().Add(-c.cfg.NotifyWindow)
	ids, err := c.tasks.DueForEvaluation(ctx, cutoff, limit)
	if err != nil {
		return BatchResult{}, err
	}

	var batch BatchResult
	for _, id := range ids {
		batch.Evaluated++
		res, err := c.Evaluate(ctx, id)
		if err != nil {
			batch.Errored++
			log.Ctx(ctx).Warn().Err(err).Str("task", string(id)).Msg("task evaluation failed")
			continue
		}
		switch res.Outcome {
		case OutcomeNotified:
			batch.Notified++
		case OutcomeReassigned:
			batch.Reassigned++
		case OutcomeCleared:
			batch.Cleared++
		case OutcomeSkipped:
			batch.Skipped++
		}
	}
	return batch, nil
}
