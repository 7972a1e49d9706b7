// Package jobq implements the durable background job queue backed by SQLite.
//
// The jobs table is the queue: a crash between enqueue and pickup loses
// nothing, and several worker processes may share one database. Exactly one
// worker runs a given job because pickup is a single conditional UPDATE
// (status='pending' → 'running') that succeeds for at most one caller.
//
// Status machine:
//
//	pending → running → completed
//	                  → pending   (retry with backoff, rate-limit release, lease expiry)
//	                  → failed    (attempts exhausted, permanent error)
//
// Ordering: for one target_id, jobs run in creation order. A pending job is
// only eligible when no earlier job for the same target is still pending or
// running, and when its explicit dependency (depends_on) has settled.
// Ordering across targets is FIFO by sequence but not guaranteed.
//
// Expected schema (created by EnsureTable):
//
//	CREATE TABLE IF NOT EXISTS jobs (
//	    seq          INTEGER PRIMARY KEY AUTOINCREMENT,
//	    id           TEXT NOT NULL UNIQUE,
//	    type         TEXT NOT NULL,
//	    target_id    TEXT NOT NULL,
//	    payload      TEXT NOT NULL DEFAULT '{}',
//	    depends_on   TEXT,
//	    status       TEXT NOT NULL DEFAULT 'pending',
//	    attempts     INTEGER NOT NULL DEFAULT 0,
//	    error        TEXT NOT NULL DEFAULT '',
//	    run_after    INTEGER NOT NULL DEFAULT 0,  -- milliseconds since epoch
//	    lease_until  INTEGER,
//	    worker       TEXT NOT NULL DEFAULT '',
//	    created_at   INTEGER NOT NULL,
//	    started_at   INTEGER,
//	    completed_at INTEGER
//	);
package jobq

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hazyhaar/manuscript/dbopen"
	"github.com/hazyhaar/manuscript/idgen"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Job is a row in the jobs table.
type Job struct {
	ID          string          `json:"id"`
	Seq         int64           `json:"seq"`
	Type        string          `json:"type"`
	TargetID    string          `json:"target_id"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	DependsOn   string          `json:"depends_on,omitempty"`
	Status      Status          `json:"status"`
	Attempts    int             `json:"attempts"`
	Error       string          `json:"error,omitempty"`
	RunAfter    time.Time       `json:"run_after"`
	Worker      string          `json:"worker,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// Schema is the jobs DDL applied by EnsureTable.
const Schema = `
CREATE TABLE IF NOT EXISTS jobs (
    seq          INTEGER PRIMARY KEY AUTOINCREMENT,
    id           TEXT NOT NULL UNIQUE,
    type         TEXT NOT NULL,
    target_id    TEXT NOT NULL,
    payload      TEXT NOT NULL DEFAULT '{}',
    depends_on   TEXT,
    status       TEXT NOT NULL DEFAULT 'pending'
                 CHECK (status IN ('pending','running','completed','failed')),
    attempts     INTEGER NOT NULL DEFAULT 0,
    error        TEXT NOT NULL DEFAULT '',
    run_after    INTEGER NOT NULL DEFAULT 0,
    lease_until  INTEGER,
    worker       TEXT NOT NULL DEFAULT '',
    created_at   INTEGER NOT NULL,
    started_at   INTEGER,
    completed_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_jobs_pickup ON jobs (status, run_after, seq);
CREATE INDEX IF NOT EXISTS idx_jobs_target ON jobs (target_id, seq);
CREATE INDEX IF NOT EXISTS idx_jobs_depends ON jobs (depends_on);
`

// Queue is the job store handle.
type Queue struct {
	db    *sql.DB
	newID idgen.Generator
	now   func() time.Time
}

// Option configures a Queue.
type Option func(*Queue)

// WithIDGenerator overrides the job ID generator.
func WithIDGenerator(gen idgen.Generator) Option {
	return func(q *Queue) { q.newID = gen }
}

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// New creates a queue handle. Call EnsureTable once at startup.
func New(db *sql.DB, opts ...Option) *Queue {
	q := &Queue{
		db:    db,
		newID: idgen.For(idgen.PrefixJob),
		now:   time.Now,
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// EnsureTable creates the jobs table and indexes if they don't exist.
func (q *Queue) EnsureTable(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, Schema)
	return err
}

// DB returns the underlying database handle.
func (q *Queue) DB() *sql.DB { return q.db }

// JobOption configures a single job at creation.
type JobOption func(*newJob)

type newJob struct {
	payload   any
	dependsOn string
	runAfter  time.Time
}

// WithPayload attaches a structured payload, serialised to JSON at insert.
func WithPayload(v any) JobOption { return func(n *newJob) { n.payload = v } }

// WithDependsOn adds an explicit dependency edge on another job.
func WithDependsOn(jobID string) JobOption { return func(n *newJob) { n.dependsOn = jobID } }

// WithRunAfter delays first eligibility.
func WithRunAfter(t time.Time) JobOption { return func(n *newJob) { n.runAfter = t } }

// CreateJob inserts a pending job with attempts=0 and returns its ID.
func (q *Queue) CreateJob(ctx context.Context, jobType, targetID string, opts ...JobOption) (string, error) {
	var id string
	err := dbopen.RunTx(ctx, q.db, func(tx *sql.Tx) error {
		var err error
		id, err = q.CreateJobTx(ctx, tx, jobType, targetID, opts...)
		return err
	})
	return id, err
}

// CreateJobTx inserts a job inside the caller's transaction, so enqueueing
// can commit atomically with the domain write that caused it.
func (q *Queue) CreateJobTx(ctx context.Context, tx *sql.Tx, jobType, targetID string, opts ...JobOption) (string, error) {
	if jobType == "" || targetID == "" {
		return "", fmt.Errorf("jobq: create job: type and target are required")
	}
	var n newJob
	for _, o := range opts {
		o(&n)
	}
	payload := []byte("{}")
	if n.payload != nil {
		b, err := json.Marshal(n.payload)
		if err != nil {
			return "", fmt.Errorf("jobq: marshal payload: %w", err)
		}
		payload = b
	}
	var dependsOn sql.NullString
	if n.dependsOn != "" {
		dependsOn = sql.NullString{String: n.dependsOn, Valid: true}
	}
	var runAfter int64
	if !n.runAfter.IsZero() {
		runAfter = n.runAfter.UnixMilli()
	}

	id := q.newID()
	_, err := tx.ExecContext(ctx,
		`INSERT INTO jobs (id, type, target_id, payload, depends_on, status, run_after, created_at)
		 VALUES (?, ?, ?, ?, ?, 'pending', ?, ?)`,
		id, jobType, targetID, string(payload), dependsOn, runAfter, q.now().UnixMilli())
	if err != nil {
		return "", fmt.Errorf("jobq: insert job: %w", err)
	}
	return id, nil
}

// EnqueueChain creates one job per type for targetID in a single transaction.
// Each job depends on the previous one, on top of the per-target creation
// ordering.
func (q *Queue) EnqueueChain(ctx context.Context, targetID string, types ...string) ([]string, error) {
	var ids []string
	err := dbopen.RunTx(ctx, q.db, func(tx *sql.Tx) error {
		var err error
		ids, err = q.EnqueueChainTx(ctx, tx, targetID, types...)
		return err
	})
	return ids, err
}

// EnqueueChainTx is EnqueueChain inside the caller's transaction.
func (q *Queue) EnqueueChainTx(ctx context.Context, tx *sql.Tx, targetID string, types ...string) ([]string, error) {
	ids := make([]string, 0, len(types))
	prev := ""
	for _, t := range types {
		var opts []JobOption
		if prev != "" {
			opts = append(opts, WithDependsOn(prev))
		}
		id, err := q.CreateJobTx(ctx, tx, t, targetID, opts...)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
		prev = id
	}
	return ids, nil
}

const jobColumns = `id, seq, type, target_id, payload, depends_on, status, attempts, error,
	run_after, worker, created_at, started_at, completed_at`

// eligible is the pickup predicate shared by Claim and Stats.
const eligible = `
	j.status = 'pending' AND j.run_after <= ?
	AND NOT EXISTS (
		SELECT 1 FROM jobs e
		WHERE e.target_id = j.target_id AND e.seq < j.seq
		  AND e.status IN ('pending', 'running'))
	AND (j.depends_on IS NULL OR EXISTS (
		SELECT 1 FROM jobs d
		WHERE d.id = j.depends_on AND d.status IN ('completed', 'failed')))`

// Claim atomically picks the oldest eligible job of one of the given types,
// moves it to running with a lease, and returns it. Returns nil, nil when no
// job is eligible. With no types, any type may be claimed.
func (q *Queue) Claim(ctx context.Context, worker string, lease time.Duration, types ...string) (*Job, error) {
	now := q.now()
	args := []any{string(StatusRunning), now.UnixMilli(), now.Add(lease).UnixMilli(), worker, now.UnixMilli()}

	typeFilter := ""
	if len(types) > 0 {
		typeFilter = " AND j.type IN (" + strings.TrimSuffix(strings.Repeat("?,", len(types)), ",") + ")"
		for _, t := range types {
			args = append(args, t)
		}
	}

	row := q.db.QueryRowContext(ctx, `
		UPDATE jobs
		SET status = ?, started_at = ?, lease_until = ?, worker = ?
		WHERE status = 'pending' AND id = (
			SELECT j.id FROM jobs j
			WHERE `+eligible+typeFilter+`
			ORDER BY j.seq ASC
			LIMIT 1
		)
		RETURNING `+jobColumns, args...)

	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("jobq: claim: %w", err)
	}
	return job, nil
}

// Complete moves a running job to completed.
func (q *Queue) Complete(ctx context.Context, id string) error {
	now := q.now().UnixMilli()
	return q.transition(ctx, id, `
		UPDATE jobs SET status = 'completed', completed_at = ?, lease_until = NULL, error = ''
		WHERE id = ? AND status = 'running'`, now, id)
}

// Retry records a failed attempt. While attempts stay below maxAttempts the
// job returns to pending, eligible again at runAfter; otherwise it becomes
// failed. It reports the resulting status.
func (q *Queue) Retry(ctx context.Context, id, errMsg string, maxAttempts int, runAfter time.Time) (Status, error) {
	now := q.now().UnixMilli()
	var status string
	err := q.db.QueryRowContext(ctx, `
		UPDATE jobs SET
			attempts = attempts + 1,
			error = ?,
			lease_until = NULL,
			status = CASE WHEN attempts + 1 >= ? THEN 'failed' ELSE 'pending' END,
			run_after = ?,
			completed_at = CASE WHEN attempts + 1 >= ? THEN ? ELSE NULL END
		WHERE id = ? AND status = 'running'
		RETURNING status`,
		errMsg, maxAttempts, runAfter.UnixMilli(), maxAttempts, now, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", q.transitionError(ctx, id)
	}
	if err != nil {
		return "", fmt.Errorf("jobq: retry %s: %w", id, err)
	}
	return Status(status), nil
}

// Fail moves a running job straight to failed, charging one attempt.
func (q *Queue) Fail(ctx context.Context, id, errMsg string) error {
	now := q.now().UnixMilli()
	return q.transition(ctx, id, `
		UPDATE jobs SET status = 'failed', attempts = attempts + 1, error = ?,
			completed_at = ?, lease_until = NULL
		WHERE id = ? AND status = 'running'`, errMsg, now, id)
}

// Release returns a running job to pending without charging an attempt.
// Used for provider rate limits and worker shutdown.
func (q *Queue) Release(ctx context.Context, id, reason string, runAfter time.Time) error {
	return q.transition(ctx, id, `
		UPDATE jobs SET status = 'pending', error = ?, run_after = ?,
			lease_until = NULL, worker = '', started_at = NULL
		WHERE id = ? AND status = 'running'`, reason, runAfter.UnixMilli(), id)
}

// Extend pushes the lease of a running job forward (heartbeat).
func (q *Queue) Extend(ctx context.Context, id string, lease time.Duration) error {
	until := q.now().Add(lease).UnixMilli()
	return q.transition(ctx, id, `
		UPDATE jobs SET lease_until = ? WHERE id = ? AND status = 'running'`, until, id)
}

// RecoverExpired returns running jobs whose lease has expired to pending.
// A worker that crashed mid-handler is not charged an attempt.
func (q *Queue) RecoverExpired(ctx context.Context) (int64, error) {
	now := q.now().UnixMilli()
	res, err := dbopen.Exec(ctx, q.db, `
		UPDATE jobs SET status = 'pending', lease_until = NULL, worker = '',
			started_at = NULL, error = 'lease expired'
		WHERE status = 'running' AND lease_until IS NOT NULL AND lease_until < ?`, now)
	if err != nil {
		return 0, fmt.Errorf("jobq: recover expired: %w", err)
	}
	return res.RowsAffected()
}

func (q *Queue) transition(ctx context.Context, id, query string, args ...any) error {
	res, err := dbopen.Exec(ctx, q.db, query, args...)
	if err != nil {
		return fmt.Errorf("jobq: update %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return q.transitionError(ctx, id)
	}
	return nil
}

func (q *Queue) transitionError(ctx context.Context, id string) error {
	job, err := q.Get(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: job %s is %s", ErrInvalidTransition, id, job.Status)
}

// Get returns a job by ID.
func (q *Queue) Get(ctx context.Context, id string) (*Job, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return job, err
}

// ListByTarget returns every job recorded for a target, oldest first.
func (q *Queue) ListByTarget(ctx context.Context, targetID string) ([]*Job, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE target_id = ? ORDER BY seq ASC`, targetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// HasActive reports whether the target has a pending or running job.
func (q *Queue) HasActive(ctx context.Context, targetID string) (bool, error) {
	return hasActive(ctx, q.db, targetID)
}

// HasActiveTx is HasActive inside the caller's transaction.
func (q *Queue) HasActiveTx(ctx context.Context, tx *sql.Tx, targetID string) (bool, error) {
	return hasActive(ctx, tx, targetID)
}

func hasActive(ctx context.Context, db interface {
	QueryRowContext(context.Context, string, ...any) *sql.Row
}, targetID string) (bool, error) {
	var n int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs WHERE target_id = ? AND status IN ('pending', 'running')`,
		targetID).Scan(&n)
	return n > 0, err
}

// Stats is a point-in-time count of jobs per status.
type Stats struct {
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Eligible  int `json:"eligible"`
}

// Stats counts jobs per status.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	rows, err := q.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return s, err
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return s, err
		}
		switch Status(status) {
		case StatusPending:
			s.Pending = n
		case StatusRunning:
			s.Running = n
		case StatusCompleted:
			s.Completed = n
		case StatusFailed:
			s.Failed = n
		}
	}
	if err := rows.Err(); err != nil {
		return s, err
	}
	rows.Close()

	err = q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs j WHERE `+eligible, q.now().UnixMilli()).Scan(&s.Eligible)
	return s, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var j Job
	var payload string
	var dependsOn sql.NullString
	var runAfter, createdAt int64
	var startedAt, completedAt sql.NullInt64
	var status string
	if err := row.Scan(&j.ID, &j.Seq, &j.Type, &j.TargetID, &payload, &dependsOn, &status,
		&j.Attempts, &j.Error, &runAfter, &j.Worker, &createdAt, &startedAt, &completedAt); err != nil {
		return nil, err
	}
	j.Status = Status(status)
	j.Payload = json.RawMessage(payload)
	j.DependsOn = dependsOn.String
	j.RunAfter = time.UnixMilli(runAfter)
	j.CreatedAt = time.UnixMilli(createdAt)
	if startedAt.Valid {
		t := time.UnixMilli(startedAt.Int64)
		j.StartedAt = &t
	}
	if completedAt.Valid {
		t := time.UnixMilli(completedAt.Int64)
		j.CompletedAt = &t
	}
	return &j, nil
}

// DecodePayload unmarshals the job payload into v.
func (j *Job) DecodePayload(v any) error {
	if len(j.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(j.Payload, v)
}
