// README: Bounded-retry location acquisition with stored-coordinate fallback.
package location

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"hatid/internal/config"
	"hatid/internal/types"
)

// ErrNoLocation means neither a live fix nor stored coordinates exist for the
// subject. Callers must treat it as "no location", never as zero coordinates.
var ErrNoLocation = errors.New("no location available")

type Source string

const (
	SourceGPS    Source = "gps"
	SourceStored Source = "stored"
)

// Fix is an acquired position with its accuracy estimate and provenance.
type Fix struct {
	Point     types.Point
	AccuracyM float64
	Source    Source
}

// Subject identifies whose position is being acquired.
type Subject struct {
	ID types.ID
}

// Provider produces a live position fix for a subject.
type Provider interface {
	Locate(ctx context.Context, sub Subject) (types.Point, float64, error)
}

// StoredReader reads the subject's last stored coordinates; nil means absent.
type StoredReader interface {
	StoredPoint(ctx context.Context, id types.ID) (*types.Point, error)
}

// Geolocator acquires a subject's current coordinates: up to cfg.Attempts
// provider reads, waiting RetryBase×n before retry n. A fix whose accuracy is
// worse than MaxAccuracyM is discarded while attempts remain and accepted on
// the final attempt. Only when every read fails outright does it fall back to
// the subject's stored coordinates.
type Geolocator struct {
	provider Provider
	stored   StoredReader
	cfg      config.GeoConfig

	// sleep is swappable in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func NewGeolocator(provider Provider, stored StoredReader, cfg config.GeoConfig) *Geolocator {
	return &Geolocator{
		provider: provider,
		stored:   stored,
		cfg:      cfg,
		sleep:    sleepCtx,
	}
}

func (g *Geolocator) Acquire(ctx context.Context, sub Subject) (Fix, error) {
	var lastErr error
	for attempt := 0; attempt < g.cfg.Attempts; attempt++ {
		if attempt > 0 {
			if err := g.sleep(ctx, g.cfg.RetryBase*time.Duration(attempt)); err != nil {
				lastErr = err
				break
			}
		}
		pt, accuracy, err := g.provider.Locate(ctx, sub)
		if err != nil {
			lastErr = err
			continue
		}
		if accuracy > g.cfg.MaxAccuracyM && attempt < g.cfg.Attempts-1 {
			// Discard and retry; a better fix may still arrive.
			continue
		}
		return Fix{Point: pt, AccuracyM: accuracy, Source: SourceGPS}, nil
	}

	pt, err := g.stored.StoredPoint(ctx, sub.ID)
	if err != nil {
		return Fix{}, err
	}
	if pt != nil {
		return Fix{Point: *pt, Source: SourceStored}, nil
	}
	if lastErr != nil {
		log.Ctx(ctx).Debug().Str("subject", string(sub.ID)).Err(lastErr).Msg("location acquisition exhausted")
	}
	return Fix{}, ErrNoLocation
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
