package observability

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/manuscript/dbopen"
	"github.com/hazyhaar/manuscript/idgen"
)

func setupObsDB(t *testing.T) *sql.DB {
	t.Helper()
	db := dbopen.OpenMemory(t)
	if err := Init(db); err != nil {
		t.Fatal(err)
	}
	return db
}

func TestInit_CreatesTables(t *testing.T) {
	db := setupObsDB(t)
	for _, table := range []string{"worker_heartbeats", "business_event_logs"} {
		var count int
		db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		if count != 1 {
			t.Fatalf("table %s not found", table)
		}
	}
}

func TestNewLogger_LevelVar(t *testing.T) {
	var buf bytes.Buffer
	lv := new(slog.LevelVar)
	lv.Set(slog.LevelWarn)
	log := NewLogger(&buf, "json", lv)

	log.Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("info written at warn level: %s", buf.String())
	}

	lv.Set(ParseLevel("debug"))
	log.Debug("shown", "k", "v")
	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("not JSON: %q", buf.String())
	}
	if rec["msg"] != "shown" || rec["k"] != "v" {
		t.Fatalf("record = %v", rec)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug, "INFO": slog.LevelInfo, "warning": slog.LevelWarn,
		"error": slog.LevelError, "": slog.LevelInfo, "bogus": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestEventLogger_LogAndRecent(t *testing.T) {
	db := setupObsDB(t)
	l := NewEventLogger(db, "manuscript", WithEventIDGenerator(idgen.Sequence("evt_")))
	ctx := context.Background()

	l.LogEvent(ctx, BusinessEvent{
		EventType: "version.created", EntityType: "book", EntityID: "book_1",
		Action: "create", Details: map[string]int{"version_number": 2}, Success: true,
	})
	l.LogEvent(ctx, BusinessEvent{EventType: "job.failed", EntityType: "job", EntityID: "job_9", Action: "fail"})

	events, err := l.RecentEvents(ctx, "book_1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	if events[0].Details != `{"version_number":2}` || !events[0].Success {
		t.Fatalf("event = %+v", events[0])
	}

	all, _ := l.RecentEvents(ctx, "", 0)
	if len(all) != 2 {
		t.Fatalf("all events = %d, want 2", len(all))
	}
}

func TestEventLogger_NilIsNoop(t *testing.T) {
	var l *EventLogger
	l.LogEvent(context.Background(), BusinessEvent{EventType: "x", Action: "y"})
}

func TestEventLogger_BrokenTableDoesNotPanic(t *testing.T) {
	// WHAT: A missing table is logged, not propagated.
	// WHY: Observability must never block a job from settling.
	db := dbopen.OpenMemory(t)
	l := NewEventLogger(db, "manuscript")
	l.LogEvent(context.Background(), BusinessEvent{EventType: "x", Action: "y"})
}

func TestHeartbeatWriter_WriteAndLatest(t *testing.T) {
	db := setupObsDB(t)
	probe := func(ctx context.Context) (int, int, bool, error) { return 4, 1, true, nil }
	hw := NewHeartbeatWriter(db, "worker-a", time.Second, probe)
	ctx := context.Background()

	if err := hw.WriteHeartbeat(ctx); err != nil {
		t.Fatal(err)
	}
	hs, err := LatestHeartbeat(ctx, db, "worker-a", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if hs == nil || !hs.Alive {
		t.Fatalf("heartbeat = %+v, want alive", hs)
	}
	if hs.JobsPending != 4 || hs.JobsRunning != 1 || !hs.RateLimited {
		t.Fatalf("probe values not stored: %+v", hs)
	}

	none, err := LatestHeartbeat(ctx, db, "nobody", time.Minute)
	if err != nil || none != nil {
		t.Fatalf("LatestHeartbeat(nobody) = %+v, %v", none, err)
	}
}

func TestHeartbeatWriter_RunStopsOnCancel(t *testing.T) {
	db := setupObsDB(t)
	hw := NewHeartbeatWriter(db, "worker-b", 10*time.Millisecond, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 35*time.Millisecond)
	defer cancel()

	if err := hw.Run(ctx); err != nil {
		t.Fatal(err)
	}
	var n int
	db.QueryRow(`SELECT COUNT(*) FROM worker_heartbeats WHERE worker_name = 'worker-b'`).Scan(&n)
	if n < 2 {
		t.Fatalf("heartbeats = %d, want >= 2", n)
	}
}

func TestCleanup(t *testing.T) {
	db := setupObsDB(t)
	old := time.Now().Add(-48 * time.Hour).UnixMilli()
	db.Exec(`INSERT INTO business_event_logs (event_id, event_type, service_name, action, created_at) VALUES ('e1','x','s','a',?)`, old)
	db.Exec(`INSERT INTO business_event_logs (event_id, event_type, service_name, action, created_at) VALUES ('e2','x','s','a',?)`, time.Now().UnixMilli())

	if err := Cleanup(context.Background(), db, 24*time.Hour, 0); err != nil {
		t.Fatal(err)
	}
	var n int
	db.QueryRow(`SELECT COUNT(*) FROM business_event_logs`).Scan(&n)
	if n != 1 {
		t.Fatalf("events after cleanup = %d, want 1", n)
	}
}
