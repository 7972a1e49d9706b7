package kit

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func TestChain_Order(t *testing.T) {
	var order []string

	mw := func(name string) Middleware {
		return func(next Endpoint) Endpoint {
			return func(ctx context.Context, req any) (any, error) {
				order = append(order, name+"_before")
				resp, err := next(ctx, req)
				order = append(order, name+"_after")
				return resp, err
			}
		}
	}

	base := func(_ context.Context, _ any) (any, error) {
		order = append(order, "endpoint")
		return "ok", nil
	}

	chained := Chain(mw("a"), mw("b"), mw("c"))(base)
	resp, err := chained(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if resp != "ok" {
		t.Fatalf("response: got %v", resp)
	}

	expected := []string{"a_before", "b_before", "c_before", "endpoint", "c_after", "b_after", "a_after"}
	if len(order) != len(expected) {
		t.Fatalf("order length: got %d, want %d", len(order), len(expected))
	}
	for i, v := range expected {
		if order[i] != v {
			t.Fatalf("order[%d]: got %q, want %q", i, order[i], v)
		}
	}
}

func TestChain_ErrorPropagation(t *testing.T) {
	errFail := errors.New("fail")
	base := func(_ context.Context, _ any) (any, error) {
		return nil, errFail
	}

	chained := Chain(Logging(nil, "test"), WithRequestIDs())(base)
	_, err := chained(context.Background(), nil)
	if !errors.Is(err, errFail) {
		t.Fatalf("error: got %v, want %v", err, errFail)
	}
}

func TestWithRequestIDs(t *testing.T) {
	var seen string
	ep := WithRequestIDs()(func(ctx context.Context, _ any) (any, error) {
		seen = GetRequestID(ctx)
		return nil, nil
	})

	ep(context.Background(), nil)
	if seen == "" {
		t.Fatal("request id not assigned")
	}
	ep(WithRequestID(context.Background(), "req-1"), nil)
	if seen != "req-1" {
		t.Fatalf("existing request id replaced: %q", seen)
	}
}

func TestContext_TransportDefault(t *testing.T) {
	if v := GetTransport(context.Background()); v != "cli" {
		t.Fatalf("default transport: got %q", v)
	}
	if v := GetTransport(WithTransport(context.Background(), "mcp")); v != "mcp" {
		t.Fatalf("transport: got %q", v)
	}
}

func TestDecodeArgs(t *testing.T) {
	type args struct {
		BookID string `json:"book_id"`
	}
	got, err := decodeArgs[args](json.RawMessage(`{"book_id":"book_1"}`))
	if err != nil {
		t.Fatal(err)
	}
	if got.BookID != "book_1" {
		t.Fatalf("book_id: got %q", got.BookID)
	}

	if _, err := decodeArgs[args](json.RawMessage(`{"book_id":`)); err == nil {
		t.Fatal("expected error for malformed arguments")
	}
	for _, raw := range []json.RawMessage{nil, json.RawMessage("null")} {
		empty, err := decodeArgs[args](raw)
		if err != nil || empty == nil || empty.BookID != "" {
			t.Fatalf("empty arguments %q: %+v, %v", raw, empty, err)
		}
	}
}

func TestInputSchema(t *testing.T) {
	s := InputSchema(map[string]any{"book_id": map[string]any{"type": "string"}}, "book_id")
	if s["type"] != "object" {
		t.Fatalf("type: got %v", s["type"])
	}
	if req, _ := s["required"].([]string); len(req) != 1 || req[0] != "book_id" {
		t.Fatalf("required: got %v", s["required"])
	}
}

func TestContext_SessionAndRemote(t *testing.T) {
	ctx := WithRemoteAddr(WithSessionID(context.Background(), "quic_1"), "10.0.0.2:4433")
	if v := GetSessionID(ctx); v != "quic_1" {
		t.Fatalf("session id: got %q", v)
	}
	if v := GetRemoteAddr(ctx); v != "10.0.0.2:4433" {
		t.Fatalf("remote addr: got %q", v)
	}
	if GetSessionID(context.Background()) != "" {
		t.Fatal("session id should be empty by default")
	}
}

func TestLogAttrs(t *testing.T) {
	// WHAT: session and remote address appear only when set.
	base := LogAttrs(WithRequestID(context.Background(), "r1"))
	if len(base) != 4 || base[1] != "cli" || base[3] != "r1" {
		t.Fatalf("attrs = %v", base)
	}
	ctx := WithSessionID(WithTransport(context.Background(), "mcp_quic"), "quic_9")
	full := LogAttrs(ctx)
	if len(full) != 6 || full[1] != "mcp_quic" || full[5] != "quic_9" {
		t.Fatalf("attrs = %v", full)
	}
}
