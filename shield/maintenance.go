package shield

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// Schema holds the maintenance flag in a single row.
const Schema = `
CREATE TABLE IF NOT EXISTS maintenance (
    id         INTEGER PRIMARY KEY CHECK (id = 1),
    active     INTEGER NOT NULL DEFAULT 0,
    message    TEXT    NOT NULL DEFAULT 'maintenance in progress',
    updated_at INTEGER NOT NULL DEFAULT 0
);
INSERT OR IGNORE INTO maintenance (id) VALUES (1);
`

// Init creates the maintenance table.
func Init(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}

// MaintenanceState is the stored flag.
type MaintenanceState struct {
	Active    bool      `json:"active"`
	Message   string    `json:"message"`
	UpdatedAt time.Time `json:"updated_at,omitzero"`
}

// ReadMaintenance loads the flag. A missing table or row reads as off.
func ReadMaintenance(ctx context.Context, db *sql.DB) MaintenanceState {
	var (
		active  int
		message string
		updated int64
	)
	err := db.QueryRowContext(ctx, `SELECT active, message, updated_at FROM maintenance WHERE id = 1`).
		Scan(&active, &message, &updated)
	if err != nil {
		return MaintenanceState{}
	}
	st := MaintenanceState{Active: active == 1, Message: message}
	if updated > 0 {
		st.UpdatedAt = time.UnixMilli(updated).UTC()
	}
	return st
}

// SetMaintenance writes the flag. An empty message keeps the stored one.
func SetMaintenance(ctx context.Context, db *sql.DB, active bool, message string) error {
	on := 0
	if active {
		on = 1
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO maintenance (id, active, message, updated_at)
		VALUES (1, ?1, COALESCE(NULLIF(?2, ''), 'maintenance in progress'), ?3)
		ON CONFLICT(id) DO UPDATE SET
			active     = excluded.active,
			message    = CASE WHEN ?2 = '' THEN maintenance.message ELSE excluded.message END,
			updated_at = excluded.updated_at`,
		on, message, time.Now().UnixMilli())
	return err
}

// MaintenanceMode caches the flag for the middleware. The CLI flips it in
// the database; a running server notices on its next Reload.
type MaintenanceMode struct {
	db      *sql.DB
	state   atomic.Pointer[MaintenanceState]
	exclude []string
}

// NewMaintenanceMode loads the flag once. Paths under any of exclude are
// never blocked.
func NewMaintenanceMode(db *sql.DB, exclude ...string) *MaintenanceMode {
	m := &MaintenanceMode{db: db, exclude: exclude}
	m.state.Store(&MaintenanceState{Message: "maintenance in progress"})
	m.Reload()
	return m
}

func (m *MaintenanceMode) Active() bool    { return m.state.Load().Active }
func (m *MaintenanceMode) Message() string { return m.state.Load().Message }

// Reload reads the flag and logs transitions.
func (m *MaintenanceMode) Reload() {
	next := ReadMaintenance(context.Background(), m.db)
	prev := m.state.Load()
	if next.Message == "" {
		next.Message = prev.Message
	}
	m.state.Store(&next)
	switch {
	case next.Active && !prev.Active:
		slog.Warn("maintenance on", "message", next.Message)
	case !next.Active && prev.Active:
		slog.Info("maintenance off")
	}
}

// Watch reloads every interval until ctx is done.
func (m *MaintenanceMode) Watch(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			m.Reload()
		}
	}
}

// Middleware answers a JSON 503 while the flag is on.
func (m *MaintenanceMode) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		st := m.state.Load()
		if !st.Active || m.excluded(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", "300")
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"error": "maintenance", "message": st.Message})
	})
}

func (m *MaintenanceMode) excluded(path string) bool {
	for _, p := range m.exclude {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}
