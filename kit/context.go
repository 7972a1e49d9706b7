package kit

import "context"

// Call metadata travels in the context so endpoints, SQL tracing and logs
// agree on who made a call and how.
type ctxKey int

const (
	transportKey ctxKey = iota
	requestIDKey
	sessionIDKey
	remoteAddrKey
)

func with(ctx context.Context, k ctxKey, v string) context.Context {
	return context.WithValue(ctx, k, v)
}

func get(ctx context.Context, k ctxKey) string {
	v, _ := ctx.Value(k).(string)
	return v
}

// WithTransport records how a call arrived: "cli", "http", "mcp" or "mcp_quic".
func WithTransport(ctx context.Context, t string) context.Context {
	return with(ctx, transportKey, t)
}

// GetTransport defaults to "cli" when nothing set it.
func GetTransport(ctx context.Context) string {
	if t := get(ctx, transportKey); t != "" {
		return t
	}
	return "cli"
}

func hasTransport(ctx context.Context) bool { return get(ctx, transportKey) != "" }

func WithRequestID(ctx context.Context, id string) context.Context {
	return with(ctx, requestIDKey, id)
}

func GetRequestID(ctx context.Context) string { return get(ctx, requestIDKey) }

// WithSessionID tags calls made over one long-lived MCP session.
func WithSessionID(ctx context.Context, id string) context.Context {
	return with(ctx, sessionIDKey, id)
}

func GetSessionID(ctx context.Context) string { return get(ctx, sessionIDKey) }

func WithRemoteAddr(ctx context.Context, addr string) context.Context {
	return with(ctx, remoteAddrKey, addr)
}

func GetRemoteAddr(ctx context.Context) string { return get(ctx, remoteAddrKey) }

// LogAttrs returns the call metadata as slog key/value pairs, skipping
// session and remote address when unset.
func LogAttrs(ctx context.Context) []any {
	attrs := []any{"transport", GetTransport(ctx), "request_id", GetRequestID(ctx)}
	if s := GetSessionID(ctx); s != "" {
		attrs = append(attrs, "session_id", s)
	}
	if a := GetRemoteAddr(ctx); a != "" {
		attrs = append(attrs, "remote_addr", a)
	}
	return attrs
}
