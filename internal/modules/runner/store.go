// README: Runner store backed by PostgreSQL: profiles and completed-category history.
package runner

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"hatid/internal/types"
)

var ErrNotFound = errors.New("profile not found")

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

func (s *Store) Get(ctx context.Context, id types.ID) (*Profile, error) {
	row := s.db.QueryRow(ctx, `
        SELECT id, role, display_name, rating, stored_lat, stored_lng, created_at
        FROM profiles WHERE id = $1`, string(id))

	var p Profile
	err := row.Scan(&p.ID, &p.Role, &p.DisplayName, &p.Rating, &p.StoredLat, &p.StoredLng, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ListRunners returns every profile with the dispatchable-worker role.
// Availability and freshness are presence-store concerns layered on top.
func (s *Store) ListRunners(ctx context.Context) ([]Profile, error) {
	rows, err := s.db.Query(ctx, `
        SELECT id, role, display_name, rating, stored_lat, stored_lng, created_at
        FROM profiles WHERE role = $1`, string(RoleRunner))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Profile
	for rows.Next() {
		var p Profile
		if err := rows.Scan(&p.ID, &p.Role, &p.DisplayName, &p.Rating, &p.StoredLat, &p.StoredLng, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// DeviceToken returns the runner's registered push token, empty when absent.
func (s *Store) DeviceToken(ctx context.Context, id types.ID) (string, error) {
	row := s.db.QueryRow(ctx, `SELECT device_token FROM profiles WHERE id = $1`, string(id))
	var token *string
	if err := row.Scan(&token); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", err
	}
	if token == nil {
		return "", nil
	}
	return *token, nil
}

// AppendCompleted records a finished task's category in the runner's history.
func (s *Store) AppendCompleted(ctx context.Context, runnerID, taskID types.ID, category string, at time.Time) error {
	_, err := s.db.Exec(ctx, `
        INSERT INTO runner_history (runner_id, task_id, category, completed_at)
        VALUES ($1, $2, $3, $4)`,
		string(runnerID), string(taskID), category, at)
	return err
}

// CompletedCategories returns the bag of category labels from the runner's
// completed tasks, duplicates included (term frequency matters downstream).
func (s *Store) CompletedCategories(ctx context.Context, runnerID types.ID) ([]string, error) {
	rows, err := s.db.Query(ctx, `
        SELECT category FROM runner_history WHERE runner_id = $1`, string(runnerID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
