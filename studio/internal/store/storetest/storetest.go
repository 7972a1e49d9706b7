// Package storetest builds in-memory manuscript databases for tests.
package storetest

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/manuscript/dbopen"
	"github.com/hazyhaar/manuscript/idgen"
	"github.com/hazyhaar/manuscript/studio/internal/store"
)

// New returns a Store over a fresh in-memory database with the domain
// schema applied. IDs are sequential per prefix ("book_1", "ch_2", ...).
func New(t testing.TB) *store.Store {
	t.Helper()
	return Wrap(t, dbopen.OpenMemory(t))
}

// Wrap applies the domain schema to db and returns a Store over it.
func Wrap(t testing.TB, db *sql.DB) *store.Store {
	t.Helper()
	if err := store.ApplySchema(db); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	var mu sync.Mutex
	gens := map[string]idgen.Generator{}
	return store.NewStore(db, store.WithIDFunc(func(prefix string) string {
		mu.Lock()
		defer mu.Unlock()
		g, ok := gens[prefix]
		if !ok {
			g = idgen.Sequence(prefix)
			gens[prefix] = g
		}
		return g()
	}))
}

// Words returns a text of n words.
func Words(n int) string {
	return strings.TrimSpace(strings.Repeat("word ", n))
}

// SeedBook creates a project and a book with one legacy (unversioned)
// chapter per entry of wordCounts. A positive count gives a completed
// chapter with that many words; zero gives an empty pending chapter.
func SeedBook(t testing.TB, s *store.Store, wordCounts ...int) (*store.Book, []*store.Chapter) {
	t.Helper()
	ctx := context.Background()
	p, err := s.InsertProject(ctx, "Project")
	if err != nil {
		t.Fatal(err)
	}
	b := &store.Book{ProjectID: p.ID, Title: "Book", Plot: "A plot."}
	for i := range wordCounts {
		b.Outline = append(b.Outline, store.OutlineEntry{Number: i + 1, Title: "Chapter"})
	}
	if err := s.InsertBook(ctx, b); err != nil {
		t.Fatal(err)
	}
	var chapters []*store.Chapter
	for i, wc := range wordCounts {
		c := &store.Chapter{BookID: b.ID, ChapterNumber: i + 1, Title: "Chapter", Outline: "outline"}
		if wc > 0 {
			c.Content = Words(wc)
			c.WordCount = wc
			c.Status = store.ChapterCompleted
		}
		if err := s.InsertChapter(ctx, c); err != nil {
			t.Fatal(err)
		}
		chapters = append(chapters, c)
	}
	return b, chapters
}
