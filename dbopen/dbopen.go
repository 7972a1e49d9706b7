// Package dbopen opens the manuscript SQLite database.
//
// Every connection in the pool gets foreign_keys=ON and busy_timeout=10000
// through the DSN; journal_mode=WAL and synchronous=NORMAL are database-wide
// and set once after opening.
//
//	import _ "modernc.org/sqlite"
//	db, err := dbopen.Open("data/manuscript.db", dbopen.WithMkdirAll(), dbopen.WithImmediateTx())
//
// Tests use dbopen.OpenMemory(t).
package dbopen

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const busyTimeoutMS = 10_000

type options struct {
	driver      string
	foreignKeys bool
	mkdirAll    bool
	immediateTx bool
	maxConns    int
	schemas     []string
}

// Option adjusts Open.
type Option func(*options)

// WithDriver opens through another registered database/sql driver, such as
// the tracing wrapper in package trace. Default "sqlite".
func WithDriver(name string) Option { return func(o *options) { o.driver = name } }

// WithMkdirAll creates the parent directory of the database file.
func WithMkdirAll() Option { return func(o *options) { o.mkdirAll = true } }

// WithImmediateTx makes BeginTx issue BEGIN IMMEDIATE. Transactions that read
// then write (version numbering, job claims) wait on busy_timeout for the
// write lock instead of failing on upgrade.
func WithImmediateTx() Option { return func(o *options) { o.immediateTx = true } }

// WithMaxOpenConns caps the pool.
func WithMaxOpenConns(n int) Option { return func(o *options) { o.maxConns = n } }

// WithSchema runs ddl after the pragmas. May be given several times.
func WithSchema(ddl string) Option { return func(o *options) { o.schemas = append(o.schemas, ddl) } }

// WithoutForeignKeys leaves foreign key enforcement off.
func WithoutForeignKeys() Option { return func(o *options) { o.foreignKeys = false } }

// Open opens (creating if needed) the database at path. The driver must be
// registered by the caller.
func Open(path string, opts ...Option) (*sql.DB, error) {
	o := options{driver: "sqlite", foreignKeys: true}
	for _, fn := range opts {
		fn(&o)
	}

	if o.mkdirAll && !isMemory(path) {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("dbopen: create dir for %s: %w", path, err)
		}
	}

	db, err := sql.Open(o.driver, o.dsn(path))
	if err != nil {
		return nil, fmt.Errorf("dbopen: open: %w", err)
	}
	if o.maxConns > 0 {
		db.SetMaxOpenConns(o.maxConns)
	}
	if err := o.prepare(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// OpenMemory returns a private in-memory database closed at test cleanup.
// The pool holds one connection since each ":memory:" connection is its own
// database.
func OpenMemory(t testing.TB, opts ...Option) *sql.DB {
	t.Helper()
	db, err := Open(":memory:", append([]Option{WithMaxOpenConns(1)}, opts...)...)
	if err != nil {
		t.Fatalf("dbopen.OpenMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func isMemory(path string) bool {
	return path == ":memory:" || strings.HasPrefix(path, "file::memory:")
}

// dsn appends modernc's _pragma and _txlock parameters, which the driver
// replays on each new connection.
func (o *options) dsn(path string) string {
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("foreign_keys(%d)", boolInt(o.foreignKeys)))
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busyTimeoutMS))
	if o.immediateTx {
		q.Set("_txlock", "immediate")
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + q.Encode()
}

func (o *options) prepare(db *sql.DB) error {
	stmts := []string{
		fmt.Sprintf("PRAGMA foreign_keys = %d", boolInt(o.foreignKeys)),
		fmt.Sprintf("PRAGMA busy_timeout = %d", busyTimeoutMS),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return fmt.Errorf("dbopen: %s: %w", s, err)
		}
	}
	for _, ddl := range o.schemas {
		if _, err := db.Exec(ddl); err != nil {
			return fmt.Errorf("dbopen: schema: %w", err)
		}
	}
	if err := db.Ping(); err != nil {
		return fmt.Errorf("dbopen: ping: %w", err)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
