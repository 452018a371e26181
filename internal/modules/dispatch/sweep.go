// README: Periodic sweep: re-evaluates due tasks on a fixed interval.
package dispatch

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"hatid/internal/config"
)

// Sweeper drives the coordinator from the scheduled context. Timeouts are
// wall-clock comparisons against stored timestamps, so a missed tick or a
// process restart only delays reassignment, never loses it.
type Sweeper struct {
	coord *Coordinator
	cfg   config.DispatchConfig
}

func NewSweeper(coord *Coordinator, cfg config.DispatchConfig) *Sweeper {
	return &Sweeper{coord: coord, cfg: cfg}
}

func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			batch, err := s.coord.EvaluateBatch(ctx, s.cfg.SweepBatch)
			if err != nil {
				log.Ctx(ctx).Warn().Err(err).Msg("dispatch sweep failed")
				continue
			}
			if batch.Notified+batch.Reassigned+batch.Cleared+batch.Errored > 0 {
				log.Ctx(ctx).Info().
					Int("evaluated", batch.Evaluated).
					Int("notified", batch.Notified).
					Int("reassigned", batch.Reassigned).
					Int("cleared", batch.Cleared).
					Int("skipped", batch.Skipped).
					Int("errored", batch.Errored).
					Msg("dispatch sweep")
			}
		}
	}
}
