package dbopen_test

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/manuscript/dbopen"
)

func TestOpenMemoryPragmas(t *testing.T) {
	db := dbopen.OpenMemory(t)

	var fk int
	if err := db.QueryRow("PRAGMA foreign_keys").Scan(&fk); err != nil {
		t.Fatal(err)
	}
	if fk != 1 {
		t.Fatalf("foreign_keys = %d, want 1", fk)
	}

	var busyTimeout int
	if err := db.QueryRow("PRAGMA busy_timeout").Scan(&busyTimeout); err != nil {
		t.Fatal(err)
	}
	if busyTimeout != 10_000 {
		t.Fatalf("busy_timeout = %d, want 10000", busyTimeout)
	}

	var sync int
	if err := db.QueryRow("PRAGMA synchronous").Scan(&sync); err != nil {
		t.Fatal(err)
	}
	if sync != 1 {
		t.Fatalf("synchronous = %d, want 1 (NORMAL)", sync)
	}
}

func TestWithoutForeignKeys(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithoutForeignKeys())

	var fk int
	if err := db.QueryRow("PRAGMA foreign_keys").Scan(&fk); err != nil {
		t.Fatal(err)
	}
	if fk != 0 {
		t.Fatalf("foreign_keys = %d, want 0", fk)
	}
}

func TestWithSchema(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(`CREATE TABLE books (id TEXT PRIMARY KEY, title TEXT)`))

	if _, err := db.Exec(`INSERT INTO books (id, title) VALUES ('b1', 'Dune')`); err != nil {
		t.Fatalf("insert into schema-created table: %v", err)
	}
	var title string
	if err := db.QueryRow(`SELECT title FROM books WHERE id = 'b1'`).Scan(&title); err != nil {
		t.Fatal(err)
	}
	if title != "Dune" {
		t.Fatalf("title = %q, want Dune", title)
	}
}

func TestFileDatabaseEveryConnectionHasPragmas(t *testing.T) {
	// WHAT: Pragmas reach every pooled connection, not only the first one.
	// WHY: busy_timeout and foreign_keys are per-connection in SQLite.
	path := filepath.Join(t.TempDir(), "sub", "m.db")
	db, err := dbopen.Open(path, dbopen.WithMkdirAll(), dbopen.WithImmediateTx())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	if _, err := os.Stat(filepath.Dir(path)); err != nil {
		t.Fatalf("directory not created: %v", err)
	}

	ctx := context.Background()
	conns := make([]*sql.Conn, 3)
	for i := range conns {
		c, err := db.Conn(ctx)
		if err != nil {
			t.Fatal(err)
		}
		conns[i] = c
	}
	for i, c := range conns {
		var fk int
		if err := c.QueryRowContext(ctx, "PRAGMA foreign_keys").Scan(&fk); err != nil {
			t.Fatal(err)
		}
		if fk != 1 {
			t.Errorf("conn %d: foreign_keys = %d, want 1", i, fk)
		}
		c.Close()
	}
}

func TestImmediateTxSerialisesWriters(t *testing.T) {
	// WHAT: Concurrent read-then-write transactions never lose an increment.
	// WHY: Version number allocation is a read-then-write in one transaction.
	path := filepath.Join(t.TempDir(), "counter.db")
	db, err := dbopen.Open(path, dbopen.WithImmediateTx(),
		dbopen.WithSchema(`CREATE TABLE IF NOT EXISTS counter (n INTEGER NOT NULL); INSERT INTO counter (n) VALUES (0);`))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	ctx := context.Background()
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := dbopen.RunTx(ctx, db, func(tx *sql.Tx) error {
				var n int
				if err := tx.QueryRow(`SELECT n FROM counter`).Scan(&n); err != nil {
					return err
				}
				_, err := tx.Exec(`UPDATE counter SET n = ?`, n+1)
				return err
			})
			if err != nil {
				t.Errorf("RunTx: %v", err)
			}
		}()
	}
	wg.Wait()

	var n int
	if err := db.QueryRow(`SELECT n FROM counter`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 8 {
		t.Fatalf("counter = %d, want 8", n)
	}
}

func TestIsBusy(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("some other error"), false},
		{errors.New("SQLITE_BUSY"), true},
		{errors.New("database is locked"), true},
		{errors.New("database table is locked"), true},
		{errors.New("prefix: SQLITE_BUSY (5)"), true},
	}
	for _, tt := range tests {
		if got := dbopen.IsBusy(tt.err); got != tt.want {
			t.Errorf("IsBusy(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestIsUniqueViolation(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(`CREATE TABLE u (id TEXT PRIMARY KEY, k TEXT UNIQUE)`))
	if _, err := db.Exec(`INSERT INTO u (id, k) VALUES ('1', 'a')`); err != nil {
		t.Fatal(err)
	}
	_, err := db.Exec(`INSERT INTO u (id, k) VALUES ('2', 'a')`)
	if !dbopen.IsUniqueViolation(err) {
		t.Fatalf("IsUniqueViolation(%v) = false, want true", err)
	}
	if dbopen.IsUniqueViolation(errors.New("no such table")) {
		t.Fatal("unrelated error reported as unique violation")
	}
}

func TestRunTxRollback(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(`CREATE TABLE tx_rb (id TEXT PRIMARY KEY)`))
	ctx := context.Background()

	sentinel := errors.New("rollback me")
	err := dbopen.RunTx(ctx, db, func(tx *sql.Tx) error {
		tx.Exec(`INSERT INTO tx_rb (id) VALUES ('1')`)
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("RunTx error = %v, want sentinel", err)
	}

	var count int
	db.QueryRow(`SELECT COUNT(*) FROM tx_rb`).Scan(&count)
	if count != 0 {
		t.Fatalf("count = %d, want 0 after rollback", count)
	}
}

func TestExec(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(`CREATE TABLE exec_test (id TEXT PRIMARY KEY)`))

	if _, err := dbopen.Exec(context.Background(), db, `INSERT INTO exec_test (id) VALUES (?)`, "1"); err != nil {
		t.Fatalf("Exec: %v", err)
	}
	var count int
	db.QueryRow(`SELECT COUNT(*) FROM exec_test`).Scan(&count)
	if count != 1 {
		t.Fatalf("count = %d, want 1", count)
	}
}

func TestRunTxContextCancelled(t *testing.T) {
	db := dbopen.OpenMemory(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := dbopen.RunTx(ctx, db, func(tx *sql.Tx) error { return nil })
	if err == nil {
		t.Fatal("expected error on cancelled context")
	}
}

func TestRunTxRetriesBusy(t *testing.T) {
	// WHAT: a BUSY failure reruns fn; any other error stops at once.
	db := dbopen.OpenMemory(t)
	calls := 0
	err := dbopen.RunTx(context.Background(), db, func(tx *sql.Tx) error {
		calls++
		if calls < 3 {
			return errors.New("database is locked (5) (SQLITE_BUSY)")
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Fatalf("err=%v calls=%d, want nil after 3", err, calls)
	}

	calls = 0
	plain := errors.New("boom")
	err = dbopen.RunTx(context.Background(), db, func(tx *sql.Tx) error {
		calls++
		return plain
	})
	if !errors.Is(err, plain) || calls != 1 {
		t.Fatalf("err=%v calls=%d, want boom after 1", err, calls)
	}
}

func TestRunTxGivesUpOnPersistentBusy(t *testing.T) {
	db := dbopen.OpenMemory(t)
	calls := 0
	err := dbopen.RunTx(context.Background(), db, func(tx *sql.Tx) error {
		calls++
		return errors.New("SQLITE_BUSY")
	})
	if !dbopen.IsBusy(err) {
		t.Fatalf("err = %v, want busy", err)
	}
	if calls != 4 {
		t.Fatalf("calls = %d, want 4", calls)
	}
}
