package idgen

import (
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
)

func TestNew_IsSortableUUIDv7(t *testing.T) {
	prev := New()
	u, err := uuid.Parse(prev)
	if err != nil || u.Version() != 7 {
		t.Fatalf("New() = %q: version %v, err %v", prev, u.Version(), err)
	}
	for i := 0; i < 100; i++ {
		id := New()
		if id <= prev {
			t.Fatalf("not increasing: %q after %q", id, prev)
		}
		prev = id
	}
}

func TestFor_Prefix(t *testing.T) {
	id := For(PrefixVersion)()
	rest, ok := strings.CutPrefix(id, "ver_")
	if !ok {
		t.Fatalf("For: expected prefix ver_, got %q", id)
	}
	if _, err := uuid.Parse(rest); err != nil {
		t.Fatalf("suffix of %q: %v", id, err)
	}
}

func TestSequence_Concurrent(t *testing.T) {
	// WHAT: 50 concurrent calls yield 50 distinct IDs.
	gen := Sequence("job-")
	var mu sync.Mutex
	seen := map[string]bool{}
	var wg sync.WaitGroup
	for range 50 {
		wg.Go(func() {
			id := gen()
			mu.Lock()
			defer mu.Unlock()
			if seen[id] {
				t.Errorf("duplicate %q", id)
			}
			seen[id] = true
		})
	}
	wg.Wait()
	if len(seen) != 50 || !seen["job-50"] {
		t.Fatalf("got %d ids", len(seen))
	}
}
