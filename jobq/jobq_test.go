package jobq_test

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/manuscript/dbopen"
	"github.com/hazyhaar/manuscript/idgen"
	"github.com/hazyhaar/manuscript/jobq"
)

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	return dbopen.OpenMemory(t)
}

func newQ(t *testing.T, db *sql.DB) *jobq.Queue {
	t.Helper()
	q := jobq.New(db, jobq.WithIDGenerator(idgen.Sequence("job_")))
	if err := q.EnsureTable(context.Background()); err != nil {
		t.Fatal(err)
	}
	return q
}

func newWorker(q *jobq.Queue, gate *jobq.Gate) *jobq.Worker {
	return jobq.NewWorker(q, gate, jobq.WorkerOptions{
		Name:        "test",
		BackoffBase: time.Millisecond,
		BackoffMax:  5 * time.Millisecond,
		Lease:       time.Minute,
	})
}

type rateErr struct{ reset time.Time }

func (e *rateErr) Error() string      { return "provider rate limited" }
func (e *rateErr) ResetAt() time.Time { return e.reset }

func mustStatus(t *testing.T, q *jobq.Queue, id string, want jobq.Status) *jobq.Job {
	t.Helper()
	job, err := q.Get(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != want {
		t.Fatalf("job %s status = %s, want %s (error=%q)", id, job.Status, want, job.Error)
	}
	return job
}

func TestCreateAndClaim(t *testing.T) {
	q := newQ(t, openDB(t))
	ctx := context.Background()

	id, err := q.CreateJob(ctx, "generate_chapter", "book_1", jobq.WithPayload(map[string]int{"chapter": 3}))
	if err != nil {
		t.Fatal(err)
	}
	job := mustStatus(t, q, id, jobq.StatusPending)
	if job.Attempts != 0 {
		t.Fatalf("attempts = %d, want 0", job.Attempts)
	}

	claimed, err := q.Claim(ctx, "w1", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if claimed == nil || claimed.ID != id {
		t.Fatalf("claimed %+v, want %s", claimed, id)
	}
	if claimed.Status != jobq.StatusRunning || claimed.Worker != "w1" || claimed.StartedAt == nil {
		t.Fatalf("claimed job not running: %+v", claimed)
	}
	var p struct{ Chapter int }
	if err := claimed.DecodePayload(&p); err != nil || p.Chapter != 3 {
		t.Fatalf("payload = %+v, %v", p, err)
	}

	again, err := q.Claim(ctx, "w2", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if again != nil {
		t.Fatalf("second claim returned %s, want nil", again.ID)
	}
}

func TestCreateJobRequiresTypeAndTarget(t *testing.T) {
	q := newQ(t, openDB(t))
	if _, err := q.CreateJob(context.Background(), "", "book_1"); err == nil {
		t.Fatal("expected error for empty type")
	}
	if _, err := q.CreateJob(context.Background(), "generate_chapter", ""); err == nil {
		t.Fatal("expected error for empty target")
	}
}

func TestTransitionsOnlyFromRunning(t *testing.T) {
	q := newQ(t, openDB(t))
	ctx := context.Background()

	id, _ := q.CreateJob(ctx, "update_states", "book_1")
	if err := q.Complete(ctx, id); !errors.Is(err, jobq.ErrInvalidTransition) {
		t.Fatalf("Complete(pending) = %v, want ErrInvalidTransition", err)
	}
	if err := q.Fail(ctx, id, "x"); !errors.Is(err, jobq.ErrInvalidTransition) {
		t.Fatalf("Fail(pending) = %v, want ErrInvalidTransition", err)
	}

	q.Claim(ctx, "w", time.Minute)
	if err := q.Complete(ctx, id); err != nil {
		t.Fatal(err)
	}
	job := mustStatus(t, q, id, jobq.StatusCompleted)
	if job.CompletedAt == nil {
		t.Fatal("completed_at not set")
	}
	if err := q.Complete(ctx, id); !errors.Is(err, jobq.ErrInvalidTransition) {
		t.Fatalf("Complete(completed) = %v, want ErrInvalidTransition", err)
	}
	if _, err := q.Get(ctx, "job_missing"); !errors.Is(err, jobq.ErrNotFound) {
		t.Fatalf("Get(missing) = %v, want ErrNotFound", err)
	}
}

func TestConcurrentClaimRunsOnce(t *testing.T) {
	// WHAT: Many workers racing on one pending job, exactly one wins.
	// WHY: Pickup must be a conditional transition, never read-then-write.
	path := filepath.Join(t.TempDir(), "jobs.db")
	db, err := dbopen.Open(path, dbopen.WithImmediateTx())
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	q := newQ(t, db)
	ctx := context.Background()

	for range 5 {
		if _, err := q.CreateJob(ctx, "analyze_book", idgen.New()); err != nil {
			t.Fatal(err)
		}
	}

	var mu sync.Mutex
	claimed := map[string]int{}
	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				job, err := q.Claim(ctx, "w", time.Minute)
				if err != nil {
					t.Errorf("claim: %v", err)
					return
				}
				if job == nil {
					return
				}
				mu.Lock()
				claimed[job.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(claimed) != 5 {
		t.Fatalf("claimed %d distinct jobs, want 5", len(claimed))
	}
	for id, n := range claimed {
		if n != 1 {
			t.Errorf("job %s claimed %d times", id, n)
		}
	}
}

func TestPerTargetOrdering(t *testing.T) {
	// WHAT: A later job for the same target waits for the earlier one, even
	// across a failed attempt of the earlier job.
	// WHY: generate_summary must never run before generate_chapter.
	q := newQ(t, openDB(t))
	w := jobq.NewWorker(q, nil, jobq.WorkerOptions{BackoffBase: 50 * time.Millisecond})
	ctx := context.Background()

	var order []string
	var chapterCalls int
	w.Handle("generate_chapter", func(ctx context.Context, job *jobq.Job) error {
		chapterCalls++
		order = append(order, job.Type)
		if chapterCalls == 1 {
			return errors.New("transient")
		}
		return nil
	})
	w.Handle("generate_summary", func(ctx context.Context, job *jobq.Job) error {
		order = append(order, job.Type)
		return nil
	})

	chID, _ := q.CreateJob(ctx, "generate_chapter", "book_1")
	sumID, _ := q.CreateJob(ctx, "generate_summary", "book_1")

	// First attempt fails and goes back to pending with backoff.
	if ok, err := w.ProcessOne(ctx); !ok || err != nil {
		t.Fatalf("ProcessOne = %v, %v", ok, err)
	}
	mustStatus(t, q, chID, jobq.StatusPending)

	// The summary is not eligible while the chapter is still pending.
	if ok, _ := w.ProcessOne(ctx); ok {
		t.Fatalf("a job ran during chapter backoff: order=%v", order)
	}

	time.Sleep(60 * time.Millisecond)
	for range 2 {
		if ok, err := w.ProcessOne(ctx); !ok || err != nil {
			t.Fatalf("ProcessOne = %v, %v (order=%v)", ok, err, order)
		}
	}
	mustStatus(t, q, chID, jobq.StatusCompleted)
	mustStatus(t, q, sumID, jobq.StatusCompleted)

	want := []string{"generate_chapter", "generate_chapter", "generate_summary"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestOtherTargetsNotBlocked(t *testing.T) {
	q := newQ(t, openDB(t))
	ctx := context.Background()

	q.CreateJob(ctx, "generate_chapter", "book_1")
	q.CreateJob(ctx, "generate_summary", "book_1")
	other, _ := q.CreateJob(ctx, "generate_chapter", "book_2")

	first, _ := q.Claim(ctx, "w", time.Minute)
	second, _ := q.Claim(ctx, "w", time.Minute)
	if first == nil || second == nil {
		t.Fatal("expected two claims")
	}
	if second.ID != other {
		t.Fatalf("second claim = %s (%s), want book_2 job", second.ID, second.TargetID)
	}
}

func TestRetryThenFailAfterMaxAttempts(t *testing.T) {
	q := newQ(t, openDB(t))
	w := newWorker(q, nil)
	ctx := context.Background()

	var hookCalls atomic.Int32
	w.Handle("update_states", func(ctx context.Context, job *jobq.Job) error {
		return errors.New("boom")
	})
	w.OnFailed("update_states", func(ctx context.Context, job *jobq.Job, cause error) {
		hookCalls.Add(1)
	})

	id, _ := q.CreateJob(ctx, "update_states", "book_1")
	for attempt := 1; attempt <= 3; attempt++ {
		ok, err := w.ProcessOne(ctx)
		if err != nil || !ok {
			t.Fatalf("attempt %d: ProcessOne = %v, %v", attempt, ok, err)
		}
		job, _ := q.Get(ctx, id)
		if job.Attempts != attempt {
			t.Fatalf("attempts = %d, want %d", job.Attempts, attempt)
		}
		if attempt < 3 {
			if job.Status != jobq.StatusPending {
				t.Fatalf("attempt %d: status = %s, want pending", attempt, job.Status)
			}
			time.Sleep(10 * time.Millisecond)
		}
	}
	job := mustStatus(t, q, id, jobq.StatusFailed)
	if job.Error != "boom" {
		t.Fatalf("error = %q, want boom", job.Error)
	}
	if hookCalls.Load() != 1 {
		t.Fatalf("failure hook ran %d times, want 1", hookCalls.Load())
	}
}

func TestPermanentErrorFailsImmediately(t *testing.T) {
	q := newQ(t, openDB(t))
	w := newWorker(q, nil)
	ctx := context.Background()

	w.Handle("analyze_book", func(ctx context.Context, job *jobq.Job) error {
		return jobq.Permanent(errors.New("book has no chapters"))
	})
	id, _ := q.CreateJob(ctx, "analyze_book", "book_1")
	w.ProcessOne(ctx)

	job := mustStatus(t, q, id, jobq.StatusFailed)
	if job.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", job.Attempts)
	}
}

func TestRateLimitPausesWithoutChargingAttempt(t *testing.T) {
	// WHAT: A rate-limited job goes back to pending with attempts unchanged,
	// pickups pause until reset, then the same job resumes.
	// WHY: Provider quota exhaustion is not the job's fault.
	q := newQ(t, openDB(t))
	gate := jobq.NewGate()
	w := newWorker(q, gate)
	ctx := context.Background()

	var calls atomic.Int32
	w.Handle("generate_chapter", func(ctx context.Context, job *jobq.Job) error {
		if calls.Add(1) == 1 {
			return &rateErr{reset: time.Now().Add(50 * time.Millisecond)}
		}
		return nil
	})
	w.Handle("update_states", func(ctx context.Context, job *jobq.Job) error { return nil })

	id, _ := q.CreateJob(ctx, "generate_chapter", "book_1")
	otherID, _ := q.CreateJob(ctx, "update_states", "book_2")

	if ok, err := w.ProcessOne(ctx); !ok || err != nil {
		t.Fatalf("ProcessOne = %v, %v", ok, err)
	}
	job := mustStatus(t, q, id, jobq.StatusPending)
	if job.Attempts != 0 {
		t.Fatalf("attempts = %d after rate limit, want 0", job.Attempts)
	}
	if !gate.IsLimited() {
		t.Fatal("gate not limited after rate-limit error")
	}

	// Paused: even the unrelated target's job is not picked up.
	if ok, _ := w.ProcessOne(ctx); ok {
		t.Fatal("job picked up while rate limited")
	}
	mustStatus(t, q, otherID, jobq.StatusPending)

	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := gate.Wait(waitCtx); err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)

	for range 2 {
		if ok, err := w.ProcessOne(ctx); !ok || err != nil {
			t.Fatalf("ProcessOne after reset = %v, %v", ok, err)
		}
	}
	mustStatus(t, q, id, jobq.StatusCompleted)
	mustStatus(t, q, otherID, jobq.StatusCompleted)
	if calls.Load() != 2 {
		t.Fatalf("generate_chapter ran %d times, want 2", calls.Load())
	}
}

func TestWrappedRateLimitDetected(t *testing.T) {
	err := errors.Join(errors.New("chapter 3"), &rateErr{reset: time.Unix(100, 0)})
	rl, ok := jobq.AsRateLimited(err)
	if !ok {
		t.Fatal("wrapped rate limit not detected")
	}
	if !rl.ResetAt().Equal(time.Unix(100, 0)) {
		t.Fatalf("ResetAt = %v", rl.ResetAt())
	}
	if _, ok := jobq.AsRateLimited(errors.New("plain")); ok {
		t.Fatal("plain error detected as rate limit")
	}
}

func TestChainDependencyFailure(t *testing.T) {
	q := newQ(t, openDB(t))
	w := newWorker(q, nil)
	ctx := context.Background()

	ran := map[string]bool{}
	w.Handle("generate_chapter", func(ctx context.Context, job *jobq.Job) error {
		return jobq.Permanent(errors.New("no outline"))
	})
	w.Handle("generate_summary", func(ctx context.Context, job *jobq.Job) error {
		ran[job.Type] = true
		return nil
	})

	ids, err := q.EnqueueChain(ctx, "book_1", "generate_chapter", "generate_summary")
	if err != nil {
		t.Fatal(err)
	}
	w.ProcessOne(ctx)
	w.ProcessOne(ctx)

	mustStatus(t, q, ids[0], jobq.StatusFailed)
	dep := mustStatus(t, q, ids[1], jobq.StatusFailed)
	if ran["generate_summary"] {
		t.Fatal("dependent handler ran after its dependency failed")
	}
	if dep.DependsOn != ids[0] {
		t.Fatalf("depends_on = %q, want %q", dep.DependsOn, ids[0])
	}
}

func TestRecoverExpiredLease(t *testing.T) {
	q := newQ(t, openDB(t))
	ctx := context.Background()

	id, _ := q.CreateJob(ctx, "generate_chapter", "book_1")
	if job, _ := q.Claim(ctx, "crashed", -time.Second); job == nil {
		t.Fatal("expected claim")
	}
	n, err := q.RecoverExpired(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("recovered %d, want 1", n)
	}
	job := mustStatus(t, q, id, jobq.StatusPending)
	if job.Attempts != 0 {
		t.Fatalf("attempts = %d, want 0", job.Attempts)
	}

	// A live lease is left alone.
	q.Claim(ctx, "alive", time.Minute)
	if n, _ := q.RecoverExpired(ctx); n != 0 {
		t.Fatalf("recovered %d live jobs", n)
	}
	if err := q.Extend(ctx, id, time.Minute); err != nil {
		t.Fatal(err)
	}
}

func TestHandlerPanicCountsAsFailure(t *testing.T) {
	q := newQ(t, openDB(t))
	w := newWorker(q, nil)
	ctx := context.Background()

	w.Handle("condense_chapter", func(ctx context.Context, job *jobq.Job) error {
		panic("nil outline")
	})
	id, _ := q.CreateJob(ctx, "condense_chapter", "prop_1")
	if _, err := w.ProcessOne(ctx); err != nil {
		t.Fatal(err)
	}
	job := mustStatus(t, q, id, jobq.StatusPending)
	if job.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", job.Attempts)
	}
}

func TestUnhandledTypesAreNotClaimed(t *testing.T) {
	q := newQ(t, openDB(t))
	w := newWorker(q, nil)
	ctx := context.Background()

	w.Handle("generate_chapter", func(ctx context.Context, job *jobq.Job) error { return nil })
	id, _ := q.CreateJob(ctx, "analyze_book", "book_1")
	if ok, _ := w.ProcessOne(ctx); ok {
		t.Fatal("claimed a job without a handler")
	}
	mustStatus(t, q, id, jobq.StatusPending)
}

func TestBackoffCapped(t *testing.T) {
	w := jobq.NewWorker(nil, nil, jobq.WorkerOptions{})
	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{20, 5 * time.Minute},
	}
	for _, c := range cases {
		if got := w.Backoff(c.attempts); got != c.want {
			t.Errorf("Backoff(%d) = %v, want %v", c.attempts, got, c.want)
		}
	}
}

func TestStatsAndListByTarget(t *testing.T) {
	q := newQ(t, openDB(t))
	ctx := context.Background()

	q.EnqueueChain(ctx, "book_1", "generate_chapter", "generate_summary", "update_states")
	q.CreateJob(ctx, "analyze_book", "book_2")
	q.Claim(ctx, "w", time.Minute)

	s, err := q.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if s.Running != 1 || s.Pending != 3 {
		t.Fatalf("stats = %+v, want running=1 pending=3", s)
	}
	if s.Eligible != 1 {
		t.Fatalf("eligible = %d, want 1 (book_2 only)", s.Eligible)
	}

	jobs, err := q.ListByTarget(ctx, "book_1")
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 3 || jobs[0].Type != "generate_chapter" || jobs[2].Type != "update_states" {
		t.Fatalf("ListByTarget = %d jobs", len(jobs))
	}
	active, _ := q.HasActive(ctx, "book_1")
	if !active {
		t.Fatal("HasActive(book_1) = false")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	q := newQ(t, openDB(t))
	w := jobq.NewWorker(q, nil, jobq.WorkerOptions{PollInterval: 5 * time.Millisecond, Concurrency: 2})
	ctx, cancel := context.WithCancel(context.Background())

	var done atomic.Int32
	w.Handle("generate_chapter", func(ctx context.Context, job *jobq.Job) error {
		done.Add(1)
		return nil
	})
	for range 3 {
		q.CreateJob(ctx, "generate_chapter", idgen.New())
	}

	errc := make(chan error, 1)
	go func() { errc <- w.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for done.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run = %v, want context.Canceled", err)
	}
	if done.Load() != 3 {
		t.Fatalf("processed %d jobs, want 3", done.Load())
	}
}
