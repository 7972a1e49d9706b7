package trace

import (
	"context"
	"database/sql/driver"
	"log/slog"
	"strings"
	"time"

	"github.com/hazyhaar/manuscript/kit"
)

// TracingDriver wraps another driver and times every statement.
type TracingDriver struct {
	driver.Driver
}

func (d *TracingDriver) Open(name string) (driver.Conn, error) {
	conn, err := d.Driver.Open(name)
	if err != nil {
		return nil, err
	}
	return &tconn{Conn: conn}, nil
}

// tconn exposes ExecerContext and QueryerContext so database/sql does not
// force every statement through Prepare.
type tconn struct {
	driver.Conn
}

func (c *tconn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	ex, ok := c.Conn.(driver.ExecerContext)
	if !ok {
		return nil, driver.ErrSkip
	}
	done := observe(ctx, "Exec", query)
	res, err := ex.ExecContext(ctx, query, args)
	done(err)
	return res, err
}

func (c *tconn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	q, ok := c.Conn.(driver.QueryerContext)
	if !ok {
		return nil, driver.ErrSkip
	}
	done := observe(ctx, "Query", query)
	rows, err := q.QueryContext(ctx, query, args)
	done(err)
	return rows, err
}

func (c *tconn) PrepareContext(ctx context.Context, query string) (driver.Stmt, error) {
	var (
		st  driver.Stmt
		err error
	)
	if pc, ok := c.Conn.(driver.ConnPrepareContext); ok {
		st, err = pc.PrepareContext(ctx, query)
	} else {
		st, err = c.Conn.Prepare(query)
	}
	if err != nil {
		observe(ctx, "Prepare", query)(err)
		return nil, err
	}
	return &stmt{Stmt: st, query: query}, nil
}

func (c *tconn) BeginTx(ctx context.Context, opts driver.TxOptions) (driver.Tx, error) {
	if bc, ok := c.Conn.(driver.ConnBeginTx); ok {
		return bc.BeginTx(ctx, opts)
	}
	return c.Conn.Begin()
}

func (c *tconn) ResetSession(ctx context.Context) error {
	if rs, ok := c.Conn.(driver.SessionResetter); ok {
		return rs.ResetSession(ctx)
	}
	return nil
}

type stmt struct {
	driver.Stmt
	query string
}

func (s *stmt) ExecContext(ctx context.Context, args []driver.NamedValue) (driver.Result, error) {
	done := observe(ctx, "Exec", s.query)
	var (
		res driver.Result
		err error
	)
	if ec, ok := s.Stmt.(driver.StmtExecContext); ok {
		res, err = ec.ExecContext(ctx, args)
	} else {
		res, err = s.Stmt.Exec(values(args))
	}
	done(err)
	return res, err
}

func (s *stmt) QueryContext(ctx context.Context, args []driver.NamedValue) (driver.Rows, error) {
	done := observe(ctx, "Query", s.query)
	var (
		rows driver.Rows
		err  error
	)
	if qc, ok := s.Stmt.(driver.StmtQueryContext); ok {
		rows, err = qc.QueryContext(ctx, args)
	} else {
		rows, err = s.Stmt.Query(values(args))
	}
	done(err)
	return rows, err
}

// observe starts the clock for one statement; the returned func logs it and
// hands slow or failed statements to the installed Recorder.
func observe(ctx context.Context, op, query string) func(error) {
	start := time.Now()
	return func(err error) {
		if err == driver.ErrSkip {
			return
		}
		d := time.Since(start)
		slow := d >= slowThreshold()
		// PRAGMA polling from the maintenance reloader is noise unless it misbehaves.
		if err == nil && !slow && strings.HasPrefix(query, "PRAGMA ") {
			return
		}

		level := slog.LevelDebug
		if err != nil {
			level = slog.LevelError
		} else if slow {
			level = slog.LevelWarn
		}
		attrs := []slog.Attr{
			slog.String("component", "sql"),
			slog.String("op", op),
			slog.String("query", compact(query)),
			slog.Duration("duration", d),
		}
		reqID := kit.GetRequestID(ctx)
		if reqID != "" {
			attrs = append(attrs, slog.String("request_id", reqID))
		}
		e := &Entry{RequestID: reqID, Op: op, Query: query, DurationUs: d.Microseconds(), Timestamp: start.UnixMicro()}
		if err != nil {
			e.Error = err.Error()
			attrs = append(attrs, slog.String("error", e.Error))
		}
		slog.LogAttrs(ctx, level, "sql", attrs...)

		if err != nil || slow {
			if r := getStore(); r != nil {
				r.RecordAsync(e)
			}
		}
	}
}

// compact folds multi-line statements onto one line for logs.
func compact(q string) string {
	return strings.Join(strings.Fields(q), " ")
}

func values(named []driver.NamedValue) []driver.Value {
	out := make([]driver.Value, len(named))
	for i, nv := range named {
		out[i] = nv.Value
	}
	return out
}
