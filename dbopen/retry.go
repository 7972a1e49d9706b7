package dbopen

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
)

// Busy retry schedule: 4 tries, 50ms doubling up to 400ms. busy_timeout has
// already waited inside SQLite before an attempt reports BUSY.
const (
	busyAttempts = 4
	busyDelay    = 50 * time.Millisecond
	busyMaxDelay = 400 * time.Millisecond
)

// IsBusy reports whether err is SQLITE_BUSY or a locked-table error, which
// includes the snapshot conflict a deferred transaction hits on upgrade.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	for _, s := range []string{"SQLITE_BUSY", "database is locked", "database table is locked"} {
		if strings.Contains(err.Error(), s) {
			return true
		}
	}
	return false
}

// IsUniqueViolation reports whether err is a UNIQUE or PRIMARY KEY failure.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	for _, s := range []string{"UNIQUE constraint failed", "SQLITE_CONSTRAINT_UNIQUE", "SQLITE_CONSTRAINT_PRIMARYKEY"} {
		if strings.Contains(err.Error(), s) {
			return true
		}
	}
	return false
}

func busyRetry(ctx context.Context) []retry.Option {
	return []retry.Option{
		retry.Context(ctx),
		retry.Attempts(busyAttempts),
		retry.Delay(busyDelay),
		retry.MaxDelay(busyMaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(IsBusy),
		retry.LastErrorOnly(true),
	}
}

// RunTx runs fn in a transaction and commits it, starting over while SQLite
// reports BUSY. fn may therefore run more than once and must keep its effects
// inside tx. An error from fn is returned as is.
func RunTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	return retry.Do(func() error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("dbopen: begin: %w", err)
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("dbopen: commit: %w", err)
		}
		return nil
	}, busyRetry(ctx)...)
}

// Exec is db.ExecContext retried on BUSY.
func Exec(ctx context.Context, db *sql.DB, query string, args ...any) (sql.Result, error) {
	return retry.DoWithData(func() (sql.Result, error) {
		return db.ExecContext(ctx, query, args...)
	}, busyRetry(ctx)...)
}
