package trace

import (
	"context"
	"database/sql"
	"slices"
	"testing"
	"time"

	"github.com/hazyhaar/manuscript/dbopen"
	"github.com/hazyhaar/manuscript/kit"

	_ "modernc.org/sqlite"
)

func newStore(t *testing.T) (*Store, *sql.DB) {
	t.Helper()
	db := dbopen.OpenMemory(t)
	s := NewStore(db)
	if err := s.Init(); err != nil {
		t.Fatal(err)
	}
	return s, db
}

func tracedDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open(DriverName, "file::memory:")
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestDriverRegistered(t *testing.T) {
	if !slices.Contains(sql.Drivers(), DriverName) {
		t.Fatalf("%s not registered", DriverName)
	}
}

func TestStore_FlushOnClose(t *testing.T) {
	s, db := newStore(t)
	for i := 0; i < 100; i++ {
		s.RecordAsync(&Entry{Op: "Exec", Query: "INSERT INTO chapters VALUES (?)", DurationUs: int64(i), Timestamp: time.Now().UnixMicro()})
	}
	s.Close()

	var n int
	db.QueryRow("SELECT COUNT(*) FROM sql_traces").Scan(&n)
	if n != 100 {
		t.Fatalf("traces = %d, want 100", n)
	}
}

func TestStore_SlowestAndPrune(t *testing.T) {
	s, db := newStore(t)
	now := time.Now()
	old := now.Add(-48 * time.Hour).UnixMicro()
	for _, e := range []Entry{
		{Op: "Query", Query: "SELECT fast", DurationUs: 10, Timestamp: now.UnixMicro()},
		{Op: "Query", Query: "SELECT slow", DurationUs: 900_000, Timestamp: now.UnixMicro(), RequestID: "req-1"},
		{Op: "Exec", Query: "UPDATE old", DurationUs: 5_000_000, Timestamp: old},
	} {
		s.RecordAsync(&e)
	}
	s.Close()

	// Close stopped the loop; read through a fresh Store on the same db.
	r := &Store{db: db}
	got, err := r.Slowest(context.Background(), now.Add(-time.Hour), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Query != "SELECT slow" || got[0].RequestID != "req-1" {
		t.Fatalf("slowest = %+v", got)
	}

	n, err := r.Prune(context.Background(), 24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("pruned = %d, want 1", n)
	}
}

func TestStore_ByQuery(t *testing.T) {
	s, db := newStore(t)
	now := time.Now().UnixMicro()
	for _, e := range []Entry{
		{Op: "Exec", Query: "UPDATE jobs\n  SET status = ?", DurationUs: 300, Timestamp: now},
		{Op: "Exec", Query: "UPDATE jobs\n  SET status = ?", DurationUs: 100, Timestamp: now, Error: "SQLITE_BUSY"},
		{Op: "Query", Query: "SELECT 1", DurationUs: 50, Timestamp: now},
	} {
		s.RecordAsync(&e)
	}
	s.Close()

	stats, err := (&Store{db: db}).ByQuery(context.Background(), time.Now().Add(-time.Minute), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(stats) != 2 {
		t.Fatalf("stats = %+v", stats)
	}
	top := stats[0]
	if top.Query != "UPDATE jobs SET status = ?" || top.Count != 2 || top.Failures != 1 || top.MaxUs != 300 || top.AvgUs != 200 {
		t.Fatalf("top = %+v", top)
	}
}

func TestStore_DropsWhenFull(t *testing.T) {
	s := &Store{queue: make(chan *Entry, 1)}
	s.RecordAsync(&Entry{})
	s.RecordAsync(&Entry{})
	if s.Dropped() != 1 {
		t.Fatalf("dropped = %d, want 1", s.Dropped())
	}
}

func TestTracingDriver_PersistsSlowAndFailed(t *testing.T) {
	// WHAT: statements over the threshold and failed ones reach the store,
	// tagged with the request ID of the calling context.
	s, traceDB := newStore(t)
	SetStore(s)
	defer SetStore(nil)

	db := tracedDB(t)
	ctx := kit.WithRequestID(context.Background(), "req-42")
	if _, err := db.ExecContext(ctx, "CREATE TABLE books (id TEXT)"); err != nil {
		t.Fatal(err)
	}
	if _, err := db.ExecContext(ctx, "INSERT INTO missing VALUES (1)"); err == nil {
		t.Fatal("expected error from missing table")
	}

	SetSlowThreshold(time.Nanosecond)
	defer SetSlowThreshold(0)
	var n int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM books").Scan(&n); err != nil {
		t.Fatal(err)
	}
	s.Close()

	rows, err := traceDB.Query("SELECT request_id, query, error FROM sql_traces ORDER BY id")
	if err != nil {
		t.Fatal(err)
	}
	defer rows.Close()
	var failed, slow bool
	for rows.Next() {
		var rid, q, e string
		rows.Scan(&rid, &q, &e)
		if rid != "req-42" {
			t.Errorf("request_id = %q", rid)
		}
		if e != "" {
			failed = true
		}
		if q == "SELECT COUNT(*) FROM books" {
			slow = true
		}
	}
	if !failed || !slow {
		t.Fatalf("failed=%v slow=%v", failed, slow)
	}
}

func TestTracingDriver_Transactions(t *testing.T) {
	// WHY: the wrapper must not break BeginTx; every store write runs in one.
	db := tracedDB(t)
	ctx := context.Background()
	db.Exec("CREATE TABLE t (v INTEGER)")
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	tx.ExecContext(ctx, "INSERT INTO t VALUES (1)")
	if err := tx.Rollback(); err != nil {
		t.Fatal(err)
	}
	var n int
	db.QueryRow("SELECT COUNT(*) FROM t").Scan(&n)
	if n != 0 {
		t.Fatalf("rows after rollback = %d", n)
	}
}

func TestCompact(t *testing.T) {
	if got := compact("SELECT a,\n\t\tb\n  FROM t"); got != "SELECT a, b FROM t" {
		t.Fatalf("compact = %q", got)
	}
}
