// Package trace registers a "sqlite-trace" database/sql driver that wraps
// modernc.org/sqlite and logs every statement through slog, tagged with the
// request ID carried by the context.
//
// Open the manuscript database with dbopen.WithDriver(trace.DriverName) to
// enable it. Statements slower than the threshold are logged at warn and,
// when a Store is installed with SetStore, persisted for later inspection
// with "manuscript traces".
package trace

import (
	"database/sql"
	"sync/atomic"
	"time"

	sqlite "modernc.org/sqlite"
)

// DriverName is the database/sql driver name registered by this package.
const DriverName = "sqlite-trace"

// DefaultSlowThreshold is the warn level cutoff.
const DefaultSlowThreshold = 100 * time.Millisecond

// Entry is one slow or failed statement.
type Entry struct {
	RequestID  string `json:"request_id,omitempty"`
	Op         string `json:"op"` // Exec, Query or Prepare
	Query      string `json:"query"`
	DurationUs int64  `json:"duration_us"`
	Error      string `json:"error,omitempty"`
	Timestamp  int64  `json:"timestamp"` // unix microseconds
}

// Recorder persists entries without blocking the caller. *Store is the
// SQLite implementation.
type Recorder interface {
	RecordAsync(e *Entry)
}

type recorderBox struct{ r Recorder }

var (
	recorder  atomic.Pointer[recorderBox]
	slowNanos atomic.Int64
)

// SetStore installs where slow or failed statements go. nil stops
// persisting; logging continues.
func SetStore(r Recorder) {
	if r == nil {
		recorder.Store(nil)
		return
	}
	recorder.Store(&recorderBox{r})
}

func getStore() Recorder {
	if b := recorder.Load(); b != nil {
		return b.r
	}
	return nil
}

// SetSlowThreshold sets the duration from which a statement logs at warn
// and is persisted. d <= 0 restores DefaultSlowThreshold.
func SetSlowThreshold(d time.Duration) {
	if d <= 0 {
		d = DefaultSlowThreshold
	}
	slowNanos.Store(int64(d))
}

func slowThreshold() time.Duration { return time.Duration(slowNanos.Load()) }

func init() {
	SetSlowThreshold(0)
	sql.Register(DriverName, &TracingDriver{Driver: &sqlite.Driver{}})
}
