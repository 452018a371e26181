// README: Task store backed by PostgreSQL; conditional writes keyed on notified_at.
package task

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"hatid/internal/types"
)

// Store persists tasks. Every method that mutates the notify fields
// (notified_runner_id, notified_at, excluded_runner_ids) takes the notified_at
// value the caller read and executes a single UPDATE guarded by
// `notified_at IS NOT DISTINCT FROM expected`; it returns false when another
// writer got there first. This is the sole concurrency-control contract the
// dispatch coordinator depends on.
type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

func (s *Store) Create(ctx context.Context, t *Task) error {
	_, err := s.db.Exec(ctx, `
        INSERT INTO tasks (
            id, requester_id, kind, category, detail, status,
            excluded_runner_ids, created_at
        ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		string(t.ID),
		string(t.RequesterID),
		string(t.Kind),
		t.Category,
		t.Detail,
		string(t.Status),
		idsToStrings(t.ExcludedRunnerIDs),
		t.CreatedAt,
	)
	return err
}

const taskColumns = `
        id, requester_id, kind, category, detail, status,
        notified_runner_id, notified_at, assigned_runner_id, declined_runner_id,
        excluded_runner_ids, created_at, assigned_at, completed_at, cancelled_at`

func (s *Store) Get(ctx context.Context, id types.ID) (*Task, error) {
	row := s.db.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, string(id))
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

// DueForEvaluation returns the IDs of tasks worth one dispatch pass: open
// tasks and notified tasks whose offer is older than the cutoff, oldest first.
func (s *Store) DueForEvaluation(ctx context.Context, cutoff time.Time, limit int) ([]types.ID, error) {
	rows, err := s.db.Query(ctx, `
        SELECT id FROM tasks
        WHERE status = 'open' OR (status = 'notified' AND notified_at <= $1)
        ORDER BY created_at
        LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []types.ID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, types.ID(id))
	}
	return ids, rows.Err()
}

// OffersForRunner returns the tasks currently offered to the runner.
func (s *Store) OffersForRunner(ctx context.Context, runnerID types.ID) ([]*Task, error) {
	rows, err := s.db.Query(ctx, `
        SELECT `+taskColumns+` FROM tasks
        WHERE status = 'notified' AND notified_runner_id = $1
        ORDER BY notified_at`, string(runnerID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Notify moves an open task to notified for the given runner. expected is the
// notified_at the caller read (nil for a never/just-cleared task).
func (s *Store) Notify(ctx context.Context, id types.ID, expected *time.Time, runnerID types.ID, at time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
        UPDATE tasks
        SET status = 'notified', notified_runner_id = $2, notified_at = $3
        WHERE id = $1 AND status = 'open'
          AND notified_at IS NOT DISTINCT FROM $4::timestamptz`,
		string(id), string(runnerID), at, expected)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// Reassign moves the offer from the timed-out runner to the next candidate in
// one atomic step: the previous runner joins the exclusion set and the notify
// fields switch to the new runner.
func (s *Store) Reassign(ctx context.Context, id types.ID, expected *time.Time, exclude, runnerID types.ID, at time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
        UPDATE tasks
        SET notified_runner_id = $2,
            notified_at = $3,
            excluded_runner_ids = CASE
                WHEN $4::text = ANY(excluded_runner_ids) THEN excluded_runner_ids
                ELSE array_append(excluded_runner_ids, $4::text)
            END
        WHERE id = $1 AND status = 'notified'
          AND notified_at IS NOT DISTINCT FROM $5::timestamptz`,
		string(id), string(runnerID), at, string(exclude), expected)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// Clear returns a notified task to open when no further candidate exists,
// adding the timed-out runner to the exclusion set.
func (s *Store) Clear(ctx context.Context, id types.ID, expected *time.Time, exclude types.ID) (bool, error) {
	tag, err := s.db.Exec(ctx, `
        UPDATE tasks
        SET status = 'open',
            notified_runner_id = NULL,
            notified_at = NULL,
            excluded_runner_ids = CASE
                WHEN $2::text = ANY(excluded_runner_ids) THEN excluded_runner_ids
                ELSE array_append(excluded_runner_ids, $2::text)
            END
        WHERE id = $1 AND status = 'notified'
          AND notified_at IS NOT DISTINCT FROM $3::timestamptz`,
		string(id), string(exclude), expected)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// Assign records the notified runner's acceptance.
func (s *Store) Assign(ctx context.Context, id types.ID, runnerID types.ID, expected *time.Time, at time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
        UPDATE tasks
        SET status = 'assigned', assigned_runner_id = $2, assigned_at = $3,
            notified_runner_id = NULL, notified_at = NULL
        WHERE id = $1 AND status = 'notified' AND notified_runner_id = $2
          AND notified_at IS NOT DISTINCT FROM $4::timestamptz`,
		string(id), string(runnerID), at, expected)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// Decline records the notified runner's explicit refusal. The runner joins the
// exclusion set; commissions additionally remember the most recent decliner.
func (s *Store) Decline(ctx context.Context, id types.ID, runnerID types.ID, expected *time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
        UPDATE tasks
        SET status = 'open',
            notified_runner_id = NULL,
            notified_at = NULL,
            excluded_runner_ids = CASE
                WHEN $2::text = ANY(excluded_runner_ids) THEN excluded_runner_ids
                ELSE array_append(excluded_runner_ids, $2::text)
            END,
            declined_runner_id = CASE WHEN kind = 'commission' THEN $2::text ELSE declined_runner_id END
        WHERE id = $1 AND status = 'notified' AND notified_runner_id = $2
          AND notified_at IS NOT DISTINCT FROM $3::timestamptz`,
		string(id), string(runnerID), expected)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// Complete closes an assigned task.
func (s *Store) Complete(ctx context.Context, id types.ID, runnerID types.ID, at time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
        UPDATE tasks
        SET status = 'completed', completed_at = $3
        WHERE id = $1 AND status = 'assigned' AND assigned_runner_id = $2`,
		string(id), string(runnerID), at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// Cancel terminates a task from any non-terminal state.
func (s *Store) Cancel(ctx context.Context, id types.ID, at time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
        UPDATE tasks
        SET status = 'cancelled', cancelled_at = $2,
            notified_runner_id = NULL, notified_at = NULL
        WHERE id = $1 AND status IN ('open', 'notified', 'assigned')`,
		string(id), at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) AppendEvent(ctx context.Context, e *Event) error {
	_, err := s.db.Exec(ctx, `
        INSERT INTO task_state_events (
            task_id, from_status, to_status, actor_type, actor_id, created_at
        ) VALUES ($1, $2, $3, $4, $5, $6)`,
		string(e.TaskID),
		string(e.FromStatus),
		string(e.ToStatus),
		e.ActorType,
		idPtrToStringPtr(e.ActorID),
		e.CreatedAt,
	)
	return err
}

func idsToStrings(ids []types.ID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}

func idPtrToStringPtr(v *types.ID) *string {
	if v == nil {
		return nil
	}
	s := string(*v)
	return &s
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var (
		t                          Task
		notifiedRunner             *string
		assignedRunner             *string
		declinedRunner             *string
		excluded                   []string
		notifiedAt                 *time.Time
		assignedAt, completedAt    *time.Time
		cancelledAt                *time.Time
	)
	err := row.Scan(
		&t.ID, &t.RequesterID, &t.Kind, &t.Category, &t.Detail, &t.Status,
		&notifiedRunner, &notifiedAt, &assignedRunner, &declinedRunner,
		&excluded, &t.CreatedAt, &assignedAt, &completedAt, &cancelledAt,
	)
	if err != nil {
		return nil, err
	}
	t.NotifiedRunnerID = stringPtrToIDPtr(notifiedRunner)
	t.AssignedRunnerID = stringPtrToIDPtr(assignedRunner)
	t.DeclinedRunnerID = stringPtrToIDPtr(declinedRunner)
	t.NotifiedAt = notifiedAt
	t.AssignedAt = assignedAt
	t.CompletedAt = completedAt
	t.CancelledAt = cancelledAt
	t.ExcludedRunnerIDs = make([]types.ID, len(excluded))
	for i, v := range excluded {
		t.ExcludedRunnerIDs[i] = types.ID(v)
	}
	return &t, nil
}

func stringPtrToIDPtr(v *string) *types.ID {
	if v == nil {
		return nil
	}
	id := types.ID(*v)
	return &id
}
