// README: Location providers: client-reported fixes with a Maps Geolocation fallback.
package location

import (
	"context"
	"errors"
	"time"

	"hatid/internal/types"
)

var errNoLiveFix = errors.New("no live fix reported")

// reportWindow is how recent a client-reported fix must be to count as a live
// read rather than history.
const reportWindow = 30 * time.Second

// PresenceProvider serves the subject's most recent client-reported position
// as a live fix. Devices report through Service.Update; this is the primary
// location channel.
type PresenceProvider struct {
	store *Store
	now   func() time.Time
}

func NewPresenceProvider(store *Store) *PresenceProvider {
	return &PresenceProvider{store: store, now: time.Now}
}

func (p *PresenceProvider) Locate(ctx context.Context, sub Subject) (types.Point, float64, error) {
	pt, accuracy, at, ok, err := p.store.LiveFix(ctx, sub.ID)
	if err != nil {
		return types.Point{}, 0, err
	}
	if !ok || p.now().Sub(at) > reportWindow {
		return types.Point{}, 0, errNoLiveFix
	}
	return pt, accuracy, nil
}

// ChainProvider tries each provider in order and returns the first fix.
type ChainProvider []Provider

func (c ChainProvider) Locate(ctx context.Context, sub Subject) (types.Point, float64, error) {
	var lastErr error = errNoLiveFix
	for _, p := range c {
		pt, accuracy, err := p.Locate(ctx, sub)
		if err == nil {
			return pt, accuracy, nil
		}
		lastErr = err
	}
	return types.Point{}, 0, lastErr
}
