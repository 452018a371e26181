// README: Runner profile model (role, rating, stored last-known position).
package runner

import (
	"time"

	"hatid/internal/types"
)

type Role string

const (
	RoleRequester Role = "requester"
	RoleRunner    Role = "runner"
)

// Profile is the persisted side of a runner: identity, quality rating and the
// last stored coordinates used as the geolocation fallback. Live position and
// availability live in the presence store and are read fresh per evaluation.
type Profile struct {
	ID          types.ID
	Role        Role
	DisplayName string
	// Rating is the 0-5 quality rating; nil when the runner has never been rated.
	Rating    *float64
	StoredLat *float64
	StoredLng *float64
	CreatedAt time.Time
}

// StoredPoint returns the last stored coordinates, or nil when either
// component is missing.
func (p *Profile) StoredPoint() *types.Point {
	if p.StoredLat == nil || p.StoredLng == nil {
		return nil
	}
	return &types.Point{Lat: *p.StoredLat, Lng: *p.StoredLng}
}
