// Package shield holds the HTTP middleware in front of the manuscript ops
// router and MCP endpoint.
//
//	r := chi.NewRouter()
//	stack, mm := shield.DefaultStack(db, logger)
//	go mm.Watch(ctx, 5*time.Second)
//	r.Use(stack...)
package shield

import (
	"database/sql"
	"log/slog"
	"net/http"
)

type contextKey string

// LoggerKey is the context key for the per-request structured logger.
const LoggerKey contextKey = "shield_logger"

// DefaultMaxBody caps request bodies, MCP messages included.
const DefaultMaxBody = 4 << 20

// Middleware is the chi-compatible middleware signature.
type Middleware = func(http.Handler) http.Handler

// DefaultStack returns, outermost first: maintenance switch, HEAD as GET,
// API headers, body cap, request ID. /healthz and /status stay reachable
// during maintenance.
func DefaultStack(db *sql.DB, logger *slog.Logger) ([]Middleware, *MaintenanceMode) {
	mm := NewMaintenanceMode(db, "/healthz", "/status")
	return []Middleware{
		mm.Middleware,
		HeadToGet,
		APIHeaders,
		MaxBody(DefaultMaxBody),
		RequestID(logger),
	}, mm
}

// apiHeaders suit JSON responses that are never framed or cached.
var apiHeaders = map[string]string{
	"Content-Security-Policy": "default-src 'none'; frame-ancestors 'none'",
	"X-Frame-Options":         "DENY",
	"X-Content-Type-Options":  "nosniff",
	"Referrer-Policy":         "no-referrer",
	"Cache-Control":           "no-store",
}

// APIHeaders sets the security and caching headers on every response.
func APIHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for k, v := range apiHeaders {
			w.Header().Set(k, v)
		}
		next.ServeHTTP(w, r)
	})
}

// HeadToGet routes HEAD probes to GET handlers; net/http discards the body.
func HeadToGet(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			r.Method = http.MethodGet
		}
		next.ServeHTTP(w, r)
	})
}

// MaxBody wraps non-empty bodies in http.MaxBytesReader.
func MaxBody(limit int64) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil && r.Body != http.NoBody {
				r.Body = http.MaxBytesReader(w, r.Body, limit)
			}
			next.ServeHTTP(w, r)
		})
	}
}
