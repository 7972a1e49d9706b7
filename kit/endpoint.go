// Package kit holds the transport-agnostic endpoint shape used by the MCP
// tools and the middleware applied to every operation call.
package kit

import (
	"context"
	"log/slog"
	"time"

	"github.com/hazyhaar/manuscript/idgen"
)

// Endpoint is one operation: decoded request in, response out.
type Endpoint func(ctx context.Context, req any) (any, error)

// Middleware wraps an Endpoint.
type Middleware func(Endpoint) Endpoint

// Chain composes middlewares so the first one is outermost.
func Chain(mws ...Middleware) Middleware {
	return func(next Endpoint) Endpoint {
		for i := len(mws) - 1; i >= 0; i-- {
			next = mws[i](next)
		}
		return next
	}
}

// WithRequestIDs assigns a request ID to calls that arrive without one.
func WithRequestIDs() Middleware {
	return func(next Endpoint) Endpoint {
		return func(ctx context.Context, req any) (any, error) {
			if GetRequestID(ctx) == "" {
				ctx = WithRequestID(ctx, idgen.New())
			}
			return next(ctx, req)
		}
	}
}

// Logging logs each call with its duration and outcome.
func Logging(logger *slog.Logger, operation string) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next Endpoint) Endpoint {
		return func(ctx context.Context, req any) (any, error) {
			start := time.Now()
			resp, err := next(ctx, req)
			attrs := append([]any{
				"operation", operation,
				"duration_ms", time.Since(start).Milliseconds(),
			}, LogAttrs(ctx)...)
			if err != nil {
				logger.Warn("call failed", append(attrs, "error", err)...)
			} else {
				logger.Debug("call", attrs...)
			}
			return resp, err
		}
	}
}
