// Package store provides the data access layer for manuscript books,
// chapters, versions, revision sessions and completion records.
//
// Every method runs against either the database or, after WithTx, a
// transaction, so multi-step domain operations compose inside one RunTx.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/manuscript/dbopen"
	"github.com/hazyhaar/manuscript/idgen"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("store: not found")

// DBTX is the subset of *sql.DB and *sql.Tx the store needs.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// IDFunc returns a new ID for an entity prefix (idgen.PrefixBook, ...).
type IDFunc func(prefix string) string

// Store wraps the manuscript database.
type Store struct {
	DB    *sql.DB
	q     DBTX
	newID IDFunc
	now   func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithIDFunc overrides ID generation (tests).
func WithIDFunc(f IDFunc) Option { return func(s *Store) { s.newID = f } }

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

// NewStore creates a Store from an already-opened database connection.
func NewStore(db *sql.DB, opts ...Option) *Store {
	s := &Store{
		DB:    db,
		q:     db,
		newID: func(prefix string) string { return idgen.For(prefix)() },
		now:   time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// WithTx returns a Store bound to tx.
func (s *Store) WithTx(tx *sql.Tx) *Store {
	cp := *s
	cp.q = tx
	return &cp
}

// InTx runs fn in a transaction with SQLITE_BUSY retry. fn must use the
// Store it receives; touching s.DB inside fn would deadlock a single
// connection pool.
func (s *Store) InTx(ctx context.Context, fn func(*Store) error) error {
	return dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		return fn(s.WithTx(tx))
	})
}

// NewID returns a new ID for the entity prefix.
func (s *Store) NewID(prefix string) string { return s.newID(prefix) }

// Now returns the current time in milliseconds.
func (s *Store) Now() int64 { return s.now().UnixMilli() }

type rowScanner interface {
	Scan(dest ...any) error
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func marshalList(v []string) string {
	if v == nil {
		return "[]"
	}
	b, _ := json.Marshal(v)
	return string(b)
}

// unmarshalList decodes a JSON string array column; column names the field
// in the error.
func unmarshalList(column, s string) ([]string, error) {
	var v []string
	if s != "" {
		if err := json.Unmarshal([]byte(s), &v); err != nil {
			return nil, fmt.Errorf("decode %s: %w", column, err)
		}
	}
	if v == nil {
		v = []string{}
	}
	return v, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

func intPtr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}
