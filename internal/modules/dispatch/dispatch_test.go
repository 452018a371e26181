// README: Coordinator tests over an in-memory conditional-write store.
package dispatch

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"hatid/internal/config"
	"hatid/internal/modules/location"
	"hatid/internal/modules/ranking"
	"hatid/internal/modules/task"
	"hatid/internal/notify"
	"hatid/internal/types"
)

// memTaskStore is an in-memory TaskStore with the same conditional-write
// semantics as the SQL store: every mutation compares the stored notified_at
// against the caller's expectation under one lock.
type memTaskStore struct {
	mu    sync.Mutex
	tasks map[types.ID]*task.Task
}

func newMemTaskStore(tasks ...*task.Task) *memTaskStore {
	s := &memTaskStore{tasks: map[types.ID]*task.Task{}}
	for _, t := range tasks {
		s.tasks[t.ID] = t
	}
	return s
}

func (s *memTaskStore) Get(ctx context.Context, id types.ID) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, task.ErrNotFound
	}
	cp := *t
	cp.ExcludedRunnerIDs = append([]types.ID(nil), t.ExcludedRunnerIDs...)
	return &cp, nil
}

func (s *memTaskStore) DueForEvaluation(ctx context.Context, cutoff time.Time, limit int) ([]types.ID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []types.ID
	for _, t := range s.tasks {
		if len(ids) >= limit {
			break
		}
		switch {
		case t.Status == task.StatusOpen:
			ids = append(ids, t.ID)
		case t.Status == task.StatusNotified && !t.NotifiedAt.After(cutoff):
			ids = append(ids, t.ID)
		}
	}
	return ids, nil
}

func sameStamp(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func (s *memTaskStore) Notify(ctx context.Context, id types.ID, expected *time.Time, runnerID types.ID, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok || t.Status != task.StatusOpen || !sameStamp(t.NotifiedAt, expected) {
		return false, nil
	}
	t.Status = task.StatusNotified
	t.NotifiedRunnerID = &runnerID
	stamp := at
	t.NotifiedAt = &stamp
	return true, nil
}

func (s *memTaskStore) Reassign(ctx context.Context, id types.ID, expected *time.Time, exclude, runnerID types.ID, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok || t.Status != task.StatusNotified || !sameStamp(t.NotifiedAt, expected) {
		return false, nil
	}
	if !t.Excluded(exclude) {
		t.ExcludedRunnerIDs = append(t.ExcludedRunnerIDs, exclude)
	}
	t.NotifiedRunnerID = &runnerID
	stamp := at
	t.NotifiedAt = &stamp
	return true, nil
}

func (s *memTaskStore) Clear(ctx context.Context, id types.ID, expected *time.Time, exclude types.ID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok || t.Status != task.StatusNotified || !sameStamp(t.NotifiedAt, expected) {
		return false, nil
	}
	if !t.Excluded(exclude) {
		t.ExcludedRunnerIDs = append(t.ExcludedRunnerIDs, exclude)
	}
	t.Status = task.StatusOpen
	t.NotifiedRunnerID = nil
	t.NotifiedAt = nil
	return true, nil
}

// stubPool returns a fixed candidate list, minus whoever the task excludes or
// currently holds the offer, mirroring the real pool's admissibility filter.
type stubPool struct {
	candidates []ranking.Candidate
	err        error
}

func (p *stubPool) Eligible(ctx context.Context, t *task.Task, now time.Time) ([]ranking.Candidate, error) {
	if p.err != nil {
		return nil, p.err
	}
	var out []ranking.Candidate
	for _, c := range p.candidates {
		if t.Excluded(c.ID) {
			continue
		}
		if t.NotifiedRunnerID != nil && *t.NotifiedRunnerID == c.ID {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

type capturedOffer struct {
	offer notify.TaskOffer
}

type recordingNotifier struct {
	mu     sync.Mutex
	offers []capturedOffer
}

func (n *recordingNotifier) TaskOffered(ctx context.Context, offer notify.TaskOffer) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.offers = append(n.offers, capturedOffer{offer: offer})
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.offers)
}

func testDispatchConfig() config.DispatchConfig {
	return config.DispatchConfig{
		NotifyWindow:   60 * time.Second,
		PresenceWindow: 90 * time.Second,
		RadiusMeters:   500,
		SweepInterval:  15 * time.Second,
		SweepBatch:     32,
	}
}

func poolCandidate(id string, distM float64, rating float64) ranking.Candidate {
	r := rating
	return ranking.Candidate{
		ID:             types.ID(id),
		Rating:         &r,
		DistanceMeters: distM,
		DistanceScore:  1 - distM/500,
	}
}

func openTask(id string) *task.Task {
	return &task.Task{
		ID:          types.ID(id),
		RequesterID: "u1",
		Kind:        task.KindErrand,
		Category:    "grocery run",
		Status:      task.StatusOpen,
		CreatedAt:   time.Now(),
	}
}

func notifiedTask(id string, runnerID types.ID, at time.Time) *task.Task {
	t := openTask(id)
	t.Status = task.StatusNotified
	t.NotifiedRunnerID = &runnerID
	t.NotifiedAt = &at
	return t
}

func newTestCoordinator(store TaskStore, pool CandidateSource, n notify.Notifier, now time.Time) *Coordinator {
	c := NewCoordinator(store, pool, n, testDispatchConfig())
	c.now = func() time.Time { return now }
	return c
}

func TestEvaluateOpenNotifiesTopRunner(t *testing.T) {
	store := newMemTaskStore(openTask("t1"))
	pool := &stubPool{candidates: []ranking.Candidate{
		poolCandidate("r_far", 400, 3.0),
		poolCandidate("r_near", 50, 3.0),
	}}
	notifier := &recordingNotifier{}
	now := time.Now()
	coord := newTestCoordinator(store, pool, notifier, now)

	res, err := coord.Evaluate(context.Background(), "t1")
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if res.Outcome != OutcomeNotified {
		t.Fatalf("outcome = %s, want notified", res.Outcome)
	}
	if res.RunnerID == nil || *res.RunnerID != "r_near" {
		t.Fatalf("notified runner = %v, want r_near", res.RunnerID)
	}

	got, _ := store.Get(context.Background(), "t1")
	if got.Status != task.StatusNotified {
		t.Fatalf("status = %s, want notified", got.Status)
	}
	if got.NotifiedAt == nil || !got.NotifiedAt.Equal(now) {
		t.Fatalf("notified_at = %v, want %v", got.NotifiedAt, now)
	}
	if notifier.count() != 1 {
		t.Fatalf("expected 1 offer notification, got %d", notifier.count())
	}
}

func TestEvaluateOpenEmptyPoolIsNoop(t *testing.T) {
	store := newMemTaskStore(openTask("t1"))
	coord := newTestCoordinator(store, &stubPool{}, nil, time.Now())

	res, err := coord.Evaluate(context.Background(), "t1")
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if res.Outcome != OutcomeNoop {
		t.Fatalf("outcome = %s, want noop", res.Outcome)
	}
	got, _ := store.Get(context.Background(), "t1")
	if got.Status != task.StatusOpen {
		t.Fatalf("status = %s, want open (untouched)", got.Status)
	}
}

func TestEvaluateNotifiedWindowBoundary(t *testing.T) {
	now := time.Now()
	cases := []struct {
		name    string
		elapsed time.Duration
		want    Outcome
	}{
		{"just inside window", 60*time.Second - 100*time.Millisecond, OutcomeNoop},
		{"exactly at window", 60 * time.Second, OutcomeReassigned},
		{"past window", 61 * time.Second, OutcomeReassigned},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := newMemTaskStore(notifiedTask("t1", "r1", now.Add(-tc.elapsed)))
			pool := &stubPool{candidates: []ranking.Candidate{poolCandidate("r2", 100, 4.0)}}
			coord := newTestCoordinator(store, pool, nil, now)

			res, err := coord.Evaluate(context.Background(), "t1")
			if err != nil {
				t.Fatalf("evaluate: %v", err)
			}
			if res.Outcome != tc.want {
				t.Fatalf("outcome = %s, want %s", res.Outcome, tc.want)
			}
		})
	}
}

func TestEvaluateTimeoutReassignsAndExcludes(t *testing.T) {
	now := time.Now()
	store := newMemTaskStore(notifiedTask("t1", "r1", now.Add(-2*time.Minute)))
	pool := &stubPool{candidates: []ranking.Candidate{
		poolCandidate("r1", 10, 5.0), // stale offer holder, filtered by the pool
		poolCandidate("r2", 100, 4.0),
	}}
	notifier := &recordingNotifier{}
	coord := newTestCoordinator(store, pool, notifier, now)

	res, err := coord.Evaluate(context.Background(), "t1")
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if res.Outcome != OutcomeReassigned || res.RunnerID == nil || *res.RunnerID != "r2" {
		t.Fatalf("got %s/%v, want reassigned to r2", res.Outcome, res.RunnerID)
	}

	got, _ := store.Get(context.Background(), "t1")
	if !got.Excluded("r1") {
		t.Fatal("expected timed-out runner in the exclusion set")
	}
	if got.NotifiedRunnerID == nil || *got.NotifiedRunnerID != "r2" {
		t.Fatalf("notified runner = %v, want r2", got.NotifiedRunnerID)
	}
	if got.NotifiedAt == nil || !got.NotifiedAt.Equal(now) {
		t.Fatal("expected notified_at restamped to evaluation time")
	}
	if notifier.count() != 1 {
		t.Fatalf("expected 1 offer notification, got %d", notifier.count())
	}
}

func TestEvaluateTimeoutClearsWhenPoolEmpty(t *testing.T) {
	now := time.Now()
	store := newMemTaskStore(notifiedTask("t1", "r1", now.Add(-2*time.Minute)))
	coord := newTestCoordinator(store, &stubPool{}, nil, now)

	res, err := coord.Evaluate(context.Background(), "t1")
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if res.Outcome != OutcomeCleared {
		t.Fatalf("outcome = %s, want cleared", res.Outcome)
	}

	got, _ := store.Get(context.Background(), "t1")
	if got.Status != task.StatusOpen {
		t.Fatalf("status = %s, want open", got.Status)
	}
	if got.NotifiedRunnerID != nil || got.NotifiedAt != nil {
		t.Fatal("expected notify fields cleared")
	}
	if !got.Excluded("r1") {
		t.Fatal("expected timed-out runner in the exclusion set")
	}
}

// Once excluded, a runner never receives the same task instance again, even
// when it is the only one left.
func TestExclusionIsPermanent(t *testing.T) {
	now := time.Now()
	tsk := notifiedTask("t1", "r1", now.Add(-2*time.Minute))
	store := newMemTaskStore(tsk)
	pool := &stubPool{candidates: []ranking.Candidate{poolCandidate("r1", 10, 5.0)}}
	coord := newTestCoordinator(store, pool, nil, now)

	res, err := coord.Evaluate(context.Background(), "t1")
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if res.Outcome != OutcomeCleared {
		t.Fatalf("outcome = %s, want cleared (r1 holds the stale offer)", res.Outcome)
	}

	// Next pass: the task is open again and r1 is excluded.
	coord2 := newTestCoordinator(store, pool, nil, now.Add(time.Minute))
	res, err = coord2.Evaluate(context.Background(), "t1")
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if res.Outcome != OutcomeNoop {
		t.Fatalf("outcome = %s, want noop (no admissible runner left)", res.Outcome)
	}
}

func TestEvaluateSkipsWhenRequesterHasNoLocation(t *testing.T) {
	store := newMemTaskStore(openTask("t1"))
	pool := &stubPool{err: location.ErrNoLocation}
	coord := newTestCoordinator(store, pool, nil, time.Now())

	res, err := coord.Evaluate(context.Background(), "t1")
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if res.Outcome != OutcomeSkipped {
		t.Fatalf("outcome = %s, want skipped", res.Outcome)
	}
}

func TestEvaluatePropagatesPoolFailure(t *testing.T) {
	boom := errors.New("redis down")
	store := newMemTaskStore(openTask("t1"))
	coord := newTestCoordinator(store, &stubPool{err: boom}, nil, time.Now())

	res, err := coord.Evaluate(context.Background(), "t1")
	if !errors.Is(err, boom) {
		t.Fatalf("error = %v, want the pool failure", err)
	}
	if res.Outcome != OutcomeError {
		t.Fatalf("outcome = %s, want error", res.Outcome)
	}
}

func TestEvaluateAssignedAndTerminalAreNoops(t *testing.T) {
	for _, status := range []task.Status{task.StatusAssigned, task.StatusCompleted, task.StatusCancelled} {
		tsk := openTask("t1")
		tsk.Status = status
		store := newMemTaskStore(tsk)
		coord := newTestCoordinator(store, &stubPool{}, nil, time.Now())

		res, err := coord.Evaluate(context.Background(), "t1")
		if err != nil {
			t.Fatalf("evaluate %s: %v", status, err)
		}
		if res.Outcome != OutcomeNoop {
			t.Fatalf("outcome for %s = %s, want noop", status, res.Outcome)
		}
	}
}

// TestConcurrentEvaluations fires many overlapping passes at one open task.
// The conditional write lets exactly one notify through; the rest observe the
// new state or lose the compare and no-op.
func TestConcurrentEvaluations(t *testing.T) {
	store := newMemTaskStore(openTask("t1"))
	pool := &stubPool{candidates: []ranking.Candidate{
		poolCandidate("r1", 50, 4.0),
		poolCandidate("r2", 150, 4.5),
	}}
	now := time.Now()

	const passes = 16
	var wg sync.WaitGroup
	outcomes := make(chan Outcome, passes)

	for i := 0; i < passes; i++ {
		coord := newTestCoordinator(store, pool, nil, now)
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := coord.Evaluate(context.Background(), "t1")
			if err != nil {
				t.Errorf("evaluate: %v", err)
				return
			}
			outcomes <- res.Outcome
		}()
	}

	wg.Wait()
	close(outcomes)

	notified := 0
	for o := range outcomes {
		switch o {
		case OutcomeNotified:
			notified++
		case OutcomeNoop:
		default:
			t.Fatalf("unexpected outcome %s", o)
		}
	}
	if notified != 1 {
		t.Fatalf("expected exactly 1 notify, got %d", notified)
	}

	got, _ := store.Get(context.Background(), "t1")
	if got.Status != task.StatusNotified || got.NotifiedRunnerID == nil {
		t.Fatalf("unexpected final state: %s / %v", got.Status, got.NotifiedRunnerID)
	}
}

// TestConcurrentTimeoutReassign races overlapping sweeps over one timed-out
// offer: only one reassignment may land.
func TestConcurrentTimeoutReassign(t *testing.T) {
	now := time.Now()
	store := newMemTaskStore(notifiedTask("t1", "r1", now.Add(-2*time.Minute)))
	pool := &stubPool{candidates: []ranking.Candidate{poolCandidate("r2", 100, 4.0)}}

	const passes = 12
	var wg sync.WaitGroup
	outcomes := make(chan Outcome, passes)

	for i := 0; i < passes; i++ {
		coord := newTestCoordinator(store, pool, nil, now)
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := coord.Evaluate(context.Background(), "t1")
			if err != nil {
				t.Errorf("evaluate: %v", err)
				return
			}
			outcomes <- res.Outcome
		}()
	}

	wg.Wait()
	close(outcomes)

	reassigned := 0
	for o := range outcomes {
		switch o {
		case OutcomeReassigned:
			reassigned++
		case OutcomeNoop:
		default:
			t.Fatalf("unexpected outcome %s", o)
		}
	}
	if reassigned != 1 {
		t.Fatalf("expected exactly 1 reassignment, got %d", reassigned)
	}

	got, _ := store.Get(context.Background(), "t1")
	if got.NotifiedRunnerID == nil || *got.NotifiedRunnerID != "r2" {
		t.Fatalf("notified runner = %v, want r2", got.NotifiedRunnerID)
	}
	if len(got.ExcludedRunnerIDs) != 1 {
		t.Fatalf("exclusion set = %v, want exactly [r1]", got.ExcludedRunnerIDs)
	}
}

func TestEvaluateBatchCounts(t *testing.T) {
	now := time.Now()
	store := newMemTaskStore(
		openTask("t_open"),                                     // → notified
		notifiedTask("t_stale", "r1", now.Add(-2*time.Minute)), // → reassigned
		notifiedTask("t_fresh", "r1", now.Add(-time.Second)),   // inside window, not due
	)
	pool := &stubPool{candidates: []ranking.Candidate{poolCandidate("r2", 100, 4.0)}}
	coord := newTestCoordinator(store, pool, nil, now)

	batch, err := coord.EvaluateBatch(context.Background(), 10)
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if batch.Evaluated != 2 {
		t.Fatalf("evaluated = %d, want 2 (fresh offer is not due)", batch.Evaluated)
	}
	if batch.Notified != 1 || batch.Reassigned != 1 {
		t.Fatalf("batch = %+v, want 1 notified and 1 reassigned", batch)
	}
	if batch.Errored != 0 || batch.Skipped != 0 || batch.Cleared != 0 {
		t.Fatalf("batch = %+v, unexpected extra counts", batch)
	}
}

func TestEvaluateBatchContinuesPastFailures(t *testing.T) {
	now := time.Now()
	store := newMemTaskStore(openTask("t_a"), openTask("t_b"))
	pool := &stubPool{err: errors.New("redis down")}
	coord := newTestCoordinator(store, pool, nil, now)

	batch, err := coord.EvaluateBatch(context.Background(), 10)
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if batch.Evaluated != 2 || batch.Errored != 2 {
		t.Fatalf("batch = %+v, want both tasks evaluated and errored", batch)
	}
}

// TestEvaluateBatchLogsFailures verifies failed evaluations reach the logger
// wired into the context, not just the error counter: both entry points hand
// the coordinator a context carrying the process logger, and this is the
// contract that makes that wiring load-bearing.
func TestEvaluateBatchLogsFailures(t *testing.T) {
	var buf bytes.Buffer
	ctx := zerolog.New(&buf).WithContext(context.Background())

	store := newMemTaskStore(openTask("t1"))
	coord := newTestCoordinator(store, &stubPool{err: errors.New("redis down")}, nil, time.Now())

	batch, err := coord.EvaluateBatch(ctx, 10)
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if batch.Errored != 1 {
		t.Fatalf("errored = %d, want 1", batch.Errored)
	}
	logged := buf.String()
	if !strings.Contains(logged, "task evaluation failed") {
		t.Fatalf("expected evaluation failure in log output, got %q", logged)
	}
	if !strings.Contains(logged, "redis down") {
		t.Fatalf("expected underlying error in log output, got %q", logged)
	}
}

// Starvation must be visible too: a task that has excluded every candidate
// logs when a pass finds nobody left.
func TestEvaluateLogsStarvation(t *testing.T) {
	var buf bytes.Buffer
	ctx := zerolog.New(&buf).WithContext(context.Background())

	tsk := openTask("t1")
	tsk.ExcludedRunnerIDs = []types.ID{"r1", "r2"}
	store := newMemTaskStore(tsk)
	coord := newTestCoordinator(store, &stubPool{}, nil, time.Now())

	res, err := coord.Evaluate(ctx, "t1")
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if res.Outcome != OutcomeNoop {
		t.Fatalf("outcome = %s, want noop", res.Outcome)
	}
	if !strings.Contains(buf.String(), "no eligible runner left for task") {
		t.Fatalf("expected starvation signal in log output, got %q", buf.String())
	}
}

func TestSweeperRunsUntilCancelled(t *testing.T) {
	store := newMemTaskStore(openTask("t1"))
	pool := &stubPool{candidates: []ranking.Candidate{poolCandidate("r1", 100, 4.0)}}
	coord := NewCoordinator(store, pool, nil, testDispatchConfig())

	cfg := testDispatchConfig()
	cfg.SweepInterval = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		NewSweeper(coord, cfg).Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for {
		got, _ := store.Get(context.Background(), "t1")
		if got.Status == task.StatusNotified {
			break
		}
		select {
		case <-deadline:
			t.Fatal("sweeper never notified the open task")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop on cancel")
	}
}

func TestEvaluateBatchHonorsLimit(t *testing.T) {
	now := time.Now()
	store := newMemTaskStore(openTask("t_a"), openTask("t_b"), openTask("t_c"))
	pool := &stubPool{candidates: []ranking.Candidate{poolCandidate("r1", 100, 4.0)}}
	coord := newTestCoordinator(store, pool, nil, now)

	batch, err := coord.EvaluateBatch(context.Background(), 2)
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if batch.Evaluated != 2 {
		t.Fatalf("evaluated = %d, want limit of 2", batch.Evaluated)
	}
}
