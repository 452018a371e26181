// README: Candidate pool: eligibility filtering over live runner presence.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"hatid/internal/config"
	"hatid/internal/modules/location"
	"hatid/internal/modules/ranking"
	"hatid/internal/modules/runner"
	"hatid/internal/modules/task"
	"hatid/internal/types"
)

// Directory lists the persisted profiles with the dispatchable-worker role.
type Directory interface {
	ListRunners(ctx context.Context) ([]runner.Profile, error)
}

// Presence reads live runner state, always fresh per evaluation.
type Presence interface {
	Snapshot(ctx context.Context, ids []types.ID) (map[types.ID]location.Presence, error)
}

// History reads a runner's completed-task category bag.
type History interface {
	CompletedCategories(ctx context.Context, runnerID types.ID) ([]string, error)
}

// Locator resolves the requester's position.
type Locator interface {
	Acquire(ctx context.Context, sub location.Subject) (location.Fix, error)
}

// Pool assembles the eligible candidates for a task. Candidate data is
// transient: rebuilt from the stores on every evaluation so a stale
// availability flag or position can never leak between passes.
type Pool struct {
	directory Directory
	presence  Presence
	history   History
	locator   Locator
	cfg       config.DispatchConfig
}

func NewPool(directory Directory, presence Presence, history History, locator Locator, cfg config.DispatchConfig) *Pool {
	return &Pool{
		directory: directory,
		presence:  presence,
		history:   history,
		locator:   locator,
		cfg:       cfg,
	}
}

// Eligible returns the ranked-ready candidates for the task at evaluation time
// now. A location.ErrNoLocation from the requester propagates wrapped so the
// coordinator can skip the task for this pass.
func (p *Pool) Eligible(ctx context.Context, t *task.Task, now time.Time) ([]ranking.Candidate, error) {
	origin, err := p.locator.Acquire(ctx, location.Subject{ID: t.RequesterID})
	if err != nil {
		return nil, fmt.Errorf("resolving requester location: %w", err)
	}

	profiles, err := p.directory.ListRunners(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing runners: %w", err)
	}
	ids := make([]types.ID, len(profiles))
	for i, pr := range profiles {
		ids[i] = pr.ID
	}
	live, err := p.presence.Snapshot(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("reading presence: %w", err)
	}

	var candidates []ranking.Candidate
	for _, pr := range profiles {
		if !p.admissible(t, pr.ID) {
			continue
		}
		presence, ok := live[pr.ID]
		if !ok || !presence.Available {
			continue
		}
		// Presence filter: a stale location means offline, whatever the
		// availability flag says.
		if now.Sub(presence.UpdatedAt) > p.cfg.PresenceWindow {
			continue
		}
		dist := location.DistanceMeters(origin.Point, presence.Point)
		if dist > p.cfg.RadiusMeters {
			continue
		}
		history, err := p.history.CompletedCategories(ctx, pr.ID)
		if err != nil {
			return nil, fmt.Errorf("reading history for %s: %w", pr.ID, err)
		}
		candidates = append(candidates, ranking.Candidate{
			ID:             pr.ID,
			Point:          presence.Point,
			Rating:         pr.Rating,
			History:        history,
			DistanceMeters: dist,
			DistanceScore:  location.DistanceScore(dist, p.cfg.RadiusMeters),
		})
	}
	return candidates, nil
}

// admissible applies the task-side exclusions: the currently notified runner,
// the monotone exclusion set, and the commission's most recent decliner.
func (p *Pool) admissible(t *task.Task, id types.ID) bool {
	if t.NotifiedRunnerID != nil && *t.NotifiedRunnerID == id {
		return false
	}
	if t.Excluded(id) {
		return false
	}
	if t.DeclinedRunnerID != nil && *t.DeclinedRunnerID == id {
		return false
	}
	return true
}
