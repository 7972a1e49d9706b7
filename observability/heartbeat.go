package observability

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"time"
)

// QueueProbe reports queue depth and rate-limit state for a heartbeat row.
type QueueProbe func(ctx context.Context) (pending, running int, rateLimited bool, err error)

// HeartbeatWriter writes periodic liveness rows to worker_heartbeats.
type HeartbeatWriter struct {
	db         *sql.DB
	workerName string
	hostname   string
	workerPID  int
	interval   time.Duration
	probe      QueueProbe
	logger     *slog.Logger
}

// NewHeartbeatWriter creates a writer. Recommended interval: 15s.
// probe may be nil.
func NewHeartbeatWriter(db *sql.DB, workerName string, interval time.Duration, probe QueueProbe) *HeartbeatWriter {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &HeartbeatWriter{
		db:         db,
		workerName: workerName,
		hostname:   hostname,
		workerPID:  os.Getpid(),
		interval:   interval,
		probe:      probe,
		logger:     slog.Default(),
	}
}

// WriteHeartbeat writes a single heartbeat row.
func (hw *HeartbeatWriter) WriteHeartbeat(ctx context.Context) error {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	var pending, running sql.NullInt64
	var limited bool
	if hw.probe != nil {
		p, r, l, err := hw.probe(ctx)
		if err != nil {
			hw.logger.Warn("heartbeat probe failed", "error", err, "worker", hw.workerName)
		} else {
			pending = sql.NullInt64{Int64: int64(p), Valid: true}
			running = sql.NullInt64{Int64: int64(r), Valid: true}
			limited = l
		}
	}

	_, err := hw.db.ExecContext(ctx, `
		INSERT INTO worker_heartbeats (
			worker_name, hostname, worker_pid, timestamp,
			goroutines_count, memory_alloc_mb, jobs_pending, jobs_running, rate_limited
		) VALUES (?,?,?,?,?,?,?,?,?)`,
		hw.workerName, hw.hostname, hw.workerPID, time.Now().UnixMilli(),
		runtime.NumGoroutine(), float64(mem.Alloc)/1024/1024, pending, running, limited)
	if err != nil {
		return fmt.Errorf("insert heartbeat: %w", err)
	}
	return nil
}

// Run writes one heartbeat immediately, then one per interval until ctx is done.
func (hw *HeartbeatWriter) Run(ctx context.Context) error {
	ticker := time.NewTicker(hw.interval)
	defer ticker.Stop()

	for {
		if err := hw.WriteHeartbeat(ctx); err != nil && ctx.Err() == nil {
			hw.logger.Error("heartbeat write failed", "error", err, "worker", hw.workerName)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// HeartbeatStatus is the latest heartbeat for a worker with a staleness check.
type HeartbeatStatus struct {
	WorkerName  string    `json:"worker_name"`
	Hostname    string    `json:"hostname"`
	PID         int       `json:"pid"`
	Timestamp   time.Time `json:"timestamp"`
	Goroutines  int       `json:"goroutines"`
	JobsPending int64     `json:"jobs_pending"`
	JobsRunning int64     `json:"jobs_running"`
	RateLimited bool      `json:"rate_limited"`
	Alive       bool      `json:"alive"`
}

// LatestHeartbeat returns the most recent heartbeat for the worker.
// stalenessThreshold is typically 3× the interval. Returns nil, nil if no
// heartbeat has been recorded yet.
func LatestHeartbeat(ctx context.Context, db *sql.DB, workerName string, stalenessThreshold time.Duration) (*HeartbeatStatus, error) {
	var hs HeartbeatStatus
	var ts int64
	var pending, running sql.NullInt64
	err := db.QueryRowContext(ctx, `
		SELECT worker_name, hostname, worker_pid, timestamp, goroutines_count,
		       jobs_pending, jobs_running, rate_limited
		FROM worker_heartbeats
		WHERE worker_name = ?
		ORDER BY timestamp DESC, heartbeat_id DESC LIMIT 1`, workerName).
		Scan(&hs.WorkerName, &hs.Hostname, &hs.PID, &ts, &hs.Goroutines, &pending, &running, &hs.RateLimited)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query latest heartbeat: %w", err)
	}
	hs.Timestamp = time.UnixMilli(ts)
	hs.JobsPending = pending.Int64
	hs.JobsRunning = running.Int64
	hs.Alive = time.Since(hs.Timestamp) <= stalenessThreshold
	return &hs, nil
}
