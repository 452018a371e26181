// README: Presence store backed by Redis GEO and a Postgres stored-coordinate fallback.
package location

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"hatid/internal/types"
)

const (
	geoKey            = "presence:runners"
	presenceKeyPrefix = "presence:runner:%s"
	// TTL for presence hashes; well beyond the freshness window, only housekeeping.
	presenceTTL = 24 * time.Hour
)

type Store struct {
	db    *pgxpool.Pool
	redis *redis.Client
}

func NewStore(db *pgxpool.Pool, redis *redis.Client) *Store {
	return &Store{db: db, redis: redis}
}

// Report records a live position fix: GEO member plus a presence hash in
// Redis, and the Postgres stored coordinates used as the geolocation fallback.
func (s *Store) Report(ctx context.Context, id types.ID, pt types.Point, accuracyM float64, at time.Time) error {
	pipe := s.redis.Pipeline()
	pipe.GeoAdd(ctx, geoKey, &redis.GeoLocation{
		Name:      string(id),
		Longitude: pt.Lng,
		Latitude:  pt.Lat,
	})
	key := presenceKey(id)
	pipe.HSet(ctx, key, map[string]interface{}{
		"accuracy_m": strconv.FormatFloat(accuracyM, 'f', -1, 64),
		"updated_ms": strconv.FormatInt(at.UnixMilli(), 10),
	})
	pipe.Expire(ctx, key, presenceTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}

	_, err := s.db.Exec(ctx, `
        UPDATE profiles SET stored_lat = $2, stored_lng = $3 WHERE id = $1`,
		string(id), pt.Lat, pt.Lng)
	return err
}

// SetAvailability flips the runner's availability flag.
func (s *Store) SetAvailability(ctx context.Context, id types.ID, available bool) error {
	key := presenceKey(id)
	pipe := s.redis.Pipeline()
	pipe.HSet(ctx, key, "available", boolField(available))
	pipe.Expire(ctx, key, presenceTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Snapshot reads the live presence of the given runners in one round trip.
// Runners with no presence data at all are absent from the result.
func (s *Store) Snapshot(ctx context.Context, ids []types.ID) (map[types.ID]Presence, error) {
	if len(ids) == 0 {
		return map[types.ID]Presence{}, nil
	}
	members := make([]string, len(ids))
	for i, id := range ids {
		members[i] = string(id)
	}

	pipe := s.redis.Pipeline()
	posCmd := pipe.GeoPos(ctx, geoKey, members...)
	hashCmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		hashCmds[i] = pipe.HGetAll(ctx, presenceKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}

	positions, err := posCmd.Result()
	if err != nil {
		return nil, err
	}

	out := make(map[types.ID]Presence, len(ids))
	for i, id := range ids {
		if positions[i] == nil {
			continue
		}
		fields, err := hashCmds[i].Result()
		if err != nil {
			return nil, err
		}
		p := Presence{
			Point: types.Point{Lat: positions[i].Latitude, Lng: positions[i].Longitude},
		}
		if v, ok := fields["accuracy_m"]; ok {
			p.AccuracyM, _ = strconv.ParseFloat(v, 64)
		}
		if v, ok := fields["updated_ms"]; ok {
			ms, _ := strconv.ParseInt(v, 10, 64)
			p.UpdatedAt = time.UnixMilli(ms)
		}
		p.Available = fields["available"] == "1"
		out[id] = p
	}
	return out, nil
}

// LiveFix returns the subject's last reported position, if any.
func (s *Store) LiveFix(ctx context.Context, id types.ID) (types.Point, float64, time.Time, bool, error) {
	snap, err := s.Snapshot(ctx, []types.ID{id})
	if err != nil {
		return types.Point{}, 0, time.Time{}, false, err
	}
	p, ok := snap[id]
	if !ok {
		return types.Point{}, 0, time.Time{}, false, nil
	}
	return p.Point, p.AccuracyM, p.UpdatedAt, true, nil
}

// StoredPoint reads the last stored coordinates from Postgres; nil when either
// component is missing.
func (s *Store) StoredPoint(ctx context.Context, id types.ID) (*types.Point, error) {
	row := s.db.QueryRow(ctx, `
        SELECT stored_lat, stored_lng FROM profiles WHERE id = $1`, string(id))
	var lat, lng *float64
	if err := row.Scan(&lat, &lng); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if lat == nil || lng == nil {
		return nil, nil
	}
	return &types.Point{Lat: *lat, Lng: *lng}, nil
}

func presenceKey(id types.ID) string {
	return fmt.Sprintf(presenceKeyPrefix, string(id))
}

func boolField(v bool) string {
	if v {
		return "1"
	}
	return "0"
}
