package trace

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/manuscript/dbopen"
)

// Schema for the trace database. It lives apart from the manuscript
// database so flushing never competes with job claims for the write lock.
const Schema = `
CREATE TABLE IF NOT EXISTS sql_traces (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	request_id  TEXT    NOT NULL DEFAULT '',
	op          TEXT    NOT NULL,
	query       TEXT    NOT NULL,
	duration_us INTEGER NOT NULL,
	error       TEXT    NOT NULL DEFAULT '',
	timestamp   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sql_traces_ts ON sql_traces(timestamp);
CREATE INDEX IF NOT EXISTS idx_sql_traces_duration ON sql_traces(duration_us);
`

const (
	queueSize  = 1024
	batchSize  = 64
	flushEvery = time.Second
)

// Store buffers entries and writes them in batches from one goroutine. Its
// db must be opened with the plain driver or each flush traces itself.
type Store struct {
	db      *sql.DB
	queue   chan *Entry
	stopped chan struct{}
	close   sync.Once
	dropped atomic.Int64
}

// NewStore starts the writer. Call Init before the first entry arrives.
func NewStore(db *sql.DB) *Store {
	s := &Store{db: db, queue: make(chan *Entry, queueSize), stopped: make(chan struct{})}
	go s.run()
	return s
}

func (s *Store) Init() error {
	_, err := s.db.Exec(Schema)
	return err
}

// RecordAsync never blocks: with the buffer full the entry is counted in
// Dropped and discarded.
func (s *Store) RecordAsync(e *Entry) {
	select {
	case s.queue <- e:
	default:
		s.dropped.Add(1)
	}
}

// Dropped reports how many entries RecordAsync discarded.
func (s *Store) Dropped() int64 { return s.dropped.Load() }

// Close writes what is still buffered and stops the writer. Safe to call
// more than once.
func (s *Store) Close() error {
	s.close.Do(func() {
		close(s.queue)
		<-s.stopped
	})
	return nil
}

func (s *Store) run() {
	defer close(s.stopped)
	tick := time.NewTicker(flushEvery)
	defer tick.Stop()

	var pending []*Entry
	flush := func() {
		if len(pending) > 0 {
			s.write(pending)
			pending = pending[:0]
		}
	}
	for {
		select {
		case e, ok := <-s.queue:
			if !ok {
				flush()
				return
			}
			if pending = append(pending, e); len(pending) >= batchSize {
				flush()
			}
		case <-tick.C:
			flush()
		}
	}
}

func (s *Store) write(batch []*Entry) {
	err := dbopen.RunTx(context.Background(), s.db, func(tx *sql.Tx) error {
		ins, err := tx.Prepare(`INSERT INTO sql_traces (request_id, op, query, duration_us, error, timestamp)
			VALUES (?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer ins.Close()
		for _, e := range batch {
			if _, err := ins.Exec(e.RequestID, e.Op, e.Query, e.DurationUs, e.Error, e.Timestamp); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		slog.Error("trace: flush failed", "entries", len(batch), "error", err)
	}
}

// Slowest returns the slowest statements recorded since since, failures
// included. limit <= 0 means 20.
func (s *Store) Slowest(ctx context.Context, since time.Time, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT request_id, op, query, duration_us, error, timestamp
		FROM sql_traces
		WHERE timestamp >= ?
		ORDER BY duration_us DESC
		LIMIT ?`, since.UnixMicro(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.RequestID, &e.Op, &e.Query, &e.DurationUs, &e.Error, &e.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// QueryStat aggregates the recorded occurrences of one statement.
type QueryStat struct {
	Query    string `json:"query"`
	Count    int    `json:"count"`
	Failures int    `json:"failures"`
	MaxUs    int64  `json:"max_us"`
	AvgUs    int64  `json:"avg_us"`
}

// ByQuery groups entries since since by statement text, worst total time
// first.
func (s *Store) ByQuery(ctx context.Context, since time.Time, limit int) ([]QueryStat, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT query, COUNT(*), SUM(error != ''), MAX(duration_us), CAST(AVG(duration_us) AS INTEGER)
		FROM sql_traces
		WHERE timestamp >= ?
		GROUP BY query
		ORDER BY SUM(duration_us) DESC
		LIMIT ?`, since.UnixMicro(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []QueryStat
	for rows.Next() {
		var q QueryStat
		if err := rows.Scan(&q.Query, &q.Count, &q.Failures, &q.MaxUs, &q.AvgUs); err != nil {
			return nil, err
		}
		q.Query = compact(q.Query)
		out = append(out, q)
	}
	return out, rows.Err()
}

// Prune deletes entries older than retention.
func (s *Store) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	res, err := dbopen.Exec(ctx, s.db, `DELETE FROM sql_traces WHERE timestamp < ?`,
		time.Now().Add(-retention).UnixMicro())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
