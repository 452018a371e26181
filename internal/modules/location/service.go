// README: Location service handles high-frequency presence updates.
package location

import (
	"context"
	"errors"
	"time"

	"hatid/internal/types"
)

var ErrBadUpdate = errors.New("invalid location update")

type Service struct {
	store *Store
	now   func() time.Time
}

func NewService(store *Store) *Service {
	return &Service{store: store, now: time.Now}
}

// Update is one position report from a client device.
type Update struct {
	UserID    types.ID
	Point     types.Point
	AccuracyM float64
}

func (s *Service) Update(ctx context.Context, u Update) error {
	if u.UserID == "" {
		return ErrBadUpdate
	}
	if u.Point.Lat < -90 || u.Point.Lat > 90 || u.Point.Lng < -180 || u.Point.Lng > 180 {
		return ErrBadUpdate
	}
	return s.store.Report(ctx, u.UserID, u.Point, u.AccuracyM, s.now())
}

func (s *Service) SetAvailability(ctx context.Context, id types.ID, available bool) error {
	if id == "" {
		return ErrBadUpdate
	}
	return s.store.SetAvailability(ctx, id, available)
}
