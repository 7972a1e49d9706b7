package shield

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/manuscript/dbopen"
	"github.com/hazyhaar/manuscript/kit"
)

func setupDB(t *testing.T) *sql.DB {
	t.Helper()
	db := dbopen.OpenMemory(t)
	if err := Init(db); err != nil {
		t.Fatal(err)
	}
	return db
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
}

func serve(h http.Handler, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(method, path, nil))
	return w
}

func TestMaintenance_Off(t *testing.T) {
	mm := NewMaintenanceMode(setupDB(t))

	w := serve(mm.Middleware(okHandler()), "POST", "/mcp")
	if w.Code != http.StatusOK {
		t.Errorf("expected 200 when maintenance off, got %d", w.Code)
	}
}

func TestMaintenance_OnAnswersJSON(t *testing.T) {
	// WHAT: an active flag blocks non-excluded paths with a JSON 503.
	// WHY: MCP clients parse JSON; an HTML page would surface as a decode error.
	db := setupDB(t)
	if err := SetMaintenance(context.Background(), db, true, "migrating"); err != nil {
		t.Fatal(err)
	}
	mm := NewMaintenanceMode(db, "/healthz")

	w := serve(mm.Middleware(okHandler()), "POST", "/mcp")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("body not JSON: %v", err)
	}
	if body["message"] != "migrating" {
		t.Errorf("message = %q", body["message"])
	}
	if ra := w.Header().Get("Retry-After"); ra != "300" {
		t.Errorf("Retry-After = %q", ra)
	}

	if w := serve(mm.Middleware(okHandler()), "GET", "/healthz"); w.Code != http.StatusOK {
		t.Errorf("/healthz should bypass maintenance, got %d", w.Code)
	}
}

func TestMaintenance_NoTable(t *testing.T) {
	mm := NewMaintenanceMode(dbopen.OpenMemory(t))
	if mm.Active() {
		t.Error("expected maintenance off when table missing")
	}
}

func TestMaintenance_ToggleKeepsMessage(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	mm := NewMaintenanceMode(db)

	if err := SetMaintenance(ctx, db, true, "upgrade"); err != nil {
		t.Fatal(err)
	}
	mm.Reload()
	if !mm.Active() || mm.Message() != "upgrade" {
		t.Fatalf("after on: active=%v message=%q", mm.Active(), mm.Message())
	}

	if err := SetMaintenance(ctx, db, false, ""); err != nil {
		t.Fatal(err)
	}
	mm.Reload()
	if mm.Active() {
		t.Fatal("expected off after second toggle")
	}
	if mm.Message() != "upgrade" {
		t.Errorf("empty message should keep the stored one, got %q", mm.Message())
	}
	if st := ReadMaintenance(ctx, db); st.Active || st.UpdatedAt.IsZero() {
		t.Errorf("stored state = %+v", st)
	}
}

func TestMaintenance_Watch(t *testing.T) {
	db := setupDB(t)
	mm := NewMaintenanceMode(db)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- mm.Watch(ctx, 10*time.Millisecond) }()

	if err := SetMaintenance(ctx, db, true, ""); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for !mm.Active() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !mm.Active() {
		t.Fatal("watch did not pick up the flag")
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("watch returned %v", err)
	}
}

func TestDefaultStack(t *testing.T) {
	// WHAT: the stack sets headers, echoes an inbound request ID and exposes
	// it to handlers through kit.
	// WHY: the MCP endpoint logs with kit.GetRequestID; HTTP and tool logs must
	// share one ID.
	stack, _ := DefaultStack(setupDB(t), nil)
	var seen string
	var h http.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = kit.GetRequestID(r.Context())
		if kit.GetTransport(r.Context()) != "http" {
			t.Errorf("transport = %q", kit.GetTransport(r.Context()))
		}
	})
	for i := len(stack) - 1; i >= 0; i-- {
		h = stack[i](h)
	}

	req := httptest.NewRequest("HEAD", "/status", nil)
	req.Header.Set(RequestIDHeader, "req-42")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if seen != "req-42" {
		t.Errorf("request id in context = %q", seen)
	}
	if got := w.Header().Get(RequestIDHeader); got != "req-42" {
		t.Errorf("echoed request id = %q", got)
	}
	if got := w.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q", got)
	}
	if got := w.Header().Get("Cache-Control"); got != "no-store" {
		t.Errorf("Cache-Control = %q", got)
	}
}

func TestRequestID_Generated(t *testing.T) {
	h := RequestID(nil)(okHandler())
	w := serve(h, "GET", "/")
	if id := w.Header().Get(RequestIDHeader); strings.TrimSpace(id) == "" {
		t.Error("expected a generated request id")
	}
}

func TestMaxBody(t *testing.T) {
	h := MaxBody(8)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, 64)
		_, err := r.Body.Read(buf)
		for err == nil {
			_, err = r.Body.Read(buf)
		}
		if !strings.Contains(err.Error(), "too large") {
			t.Errorf("expected body limit error, got %v", err)
		}
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("POST", "/mcp", strings.NewReader(strings.Repeat("x", 64))))
}
