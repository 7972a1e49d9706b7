// Package observability provides the process logger plus SQLite-backed
// business events and worker heartbeats.
//
// Event and heartbeat writes never block or fail the caller: a broken
// observability table is logged through slog and otherwise ignored.
package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/hazyhaar/manuscript/idgen"
)

// NewLogger builds the process logger. format is "json" (default) or "text".
// The level is read through a LevelVar so it can be changed at runtime.
func NewLogger(w io.Writer, format string, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if strings.EqualFold(format, "text") {
		h = slog.NewTextHandler(w, opts)
	} else {
		h = slog.NewJSONHandler(w, opts)
	}
	return slog.New(h)
}

// ParseLevel maps debug/info/warn/error to a slog level. Unknown values are info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// BusinessEvent is a domain-level event to record.
type BusinessEvent struct {
	EventType  string // e.g. "job.failed", "version.created", "revision.approved"
	EntityType string // "book", "chapter", "job", "revision"
	EntityID   string
	Action     string
	Details    any // marshalled to JSON when non-nil
	Success    bool
}

// EventLogger writes business events to business_event_logs.
type EventLogger struct {
	db      *sql.DB
	service string
	newID   idgen.Generator
	logger  *slog.Logger
}

// EventLoggerOption configures an EventLogger.
type EventLoggerOption func(*EventLogger)

// WithEventIDGenerator sets a custom ID generator for event IDs.
func WithEventIDGenerator(gen idgen.Generator) EventLoggerOption {
	return func(l *EventLogger) { l.newID = gen }
}

// WithEventSlog mirrors every event to the given logger at debug level.
func WithEventSlog(logger *slog.Logger) EventLoggerOption {
	return func(l *EventLogger) { l.logger = logger }
}

// NewEventLogger creates an event logger for a named service.
func NewEventLogger(db *sql.DB, service string, opts ...EventLoggerOption) *EventLogger {
	l := &EventLogger{
		db:      db,
		service: service,
		newID:   idgen.For(idgen.PrefixEvent),
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// LogEvent records a business event. A nil receiver is a no-op.
func (l *EventLogger) LogEvent(ctx context.Context, ev BusinessEvent) {
	if l == nil {
		return
	}
	var details sql.NullString
	if ev.Details != nil {
		if b, err := json.Marshal(ev.Details); err == nil {
			details = sql.NullString{String: string(b), Valid: true}
		}
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO business_event_logs (
			event_id, event_type, service_name, entity_type, entity_id,
			action, details, success, created_at
		) VALUES (?,?,?,?,?,?,?,?,?)`,
		l.newID(), ev.EventType, l.service, ev.EntityType, ev.EntityID,
		ev.Action, details, ev.Success, time.Now().UnixMilli())
	if err != nil {
		l.logger.Error("observability: event log failed", "error", err, "event_type", ev.EventType)
		return
	}
	l.logger.Debug("event", "type", ev.EventType, "entity", ev.EntityID, "action", ev.Action, "success", ev.Success)
}

// Event is a stored business event.
type Event struct {
	ID         string    `json:"id"`
	EventType  string    `json:"event_type"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Action     string    `json:"action"`
	Details    string    `json:"details,omitempty"`
	Success    bool      `json:"success"`
	CreatedAt  time.Time `json:"created_at"`
}

// RecentEvents returns the latest events for an entity, newest first.
// An empty entityID returns events for every entity.
func (l *EventLogger) RecentEvents(ctx context.Context, entityID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT event_id, event_type, COALESCE(entity_type,''), COALESCE(entity_id,''),
		       action, COALESCE(details,''), success, created_at
		FROM business_event_logs
		WHERE ? = '' OR entity_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?`, entityID, entityID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var ts int64
		if err := rows.Scan(&e.ID, &e.EventType, &e.EntityType, &e.EntityID,
			&e.Action, &e.Details, &e.Success, &ts); err != nil {
			return nil, err
		}
		e.CreatedAt = time.UnixMilli(ts)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Cleanup deletes events and heartbeats older than the given retention.
// Zero disables cleanup for that table.
func Cleanup(ctx context.Context, db *sql.DB, eventsRetention, heartbeatsRetention time.Duration) error {
	now := time.Now()
	if eventsRetention > 0 {
		if _, err := db.ExecContext(ctx, `DELETE FROM business_event_logs WHERE created_at < ?`,
			now.Add(-eventsRetention).UnixMilli()); err != nil {
			return err
		}
	}
	if heartbeatsRetention > 0 {
		if _, err := db.ExecContext(ctx, `DELETE FROM worker_heartbeats WHERE timestamp < ?`,
			now.Add(-heartbeatsRetention).UnixMilli()); err != nil {
			return err
		}
	}
	return nil
}
