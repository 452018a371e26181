// README: Presence snapshot model for runner liveness checks.
package location

import (
	"time"

	"hatid/internal/types"
)

// Presence is one runner's live state as last reported: position, accuracy,
// availability flag and the freshness timestamp the presence filter is
// evaluated against.
type Presence struct {
	Point     types.Point
	AccuracyM float64
	Available bool
	UpdatedAt time.Time
}
