package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// run executes the CLI against dbFile and returns stdout.
func run(t *testing.T, dbFile string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&bytes.Buffer{})
	full := append([]string{"--db", dbFile, "--config", filepath.Join(filepath.Dir(dbFile), "absent.yaml"), "-o", "json"}, args...)
	rootCmd.SetArgs(full)
	err := rootCmd.Execute()
	return out.String(), err
}

func mustRun(t *testing.T, dbFile string, args ...string) string {
	t.Helper()
	out, err := run(t, dbFile, args...)
	if err != nil {
		t.Fatalf("%v: %v", args, err)
	}
	return out
}

func TestCLI_BookLifecycle(t *testing.T) {
	// WHAT: the commands that need no provider create, queue and inspect a book
	// against a real database file.
	dir := t.TempDir()
	dbFile := filepath.Join(dir, "books.db")

	var project struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal([]byte(mustRun(t, dbFile, "project", "create", "Saga")), &project); err != nil {
		t.Fatal(err)
	}
	if project.ID == "" {
		t.Fatal("project id empty")
	}

	bookYAML := filepath.Join(dir, "book.yaml")
	os.WriteFile(bookYAML, []byte(`
title: The Long Winter
plot: A town cut off by snow.
outline:
  - title: Snowfall
    summary: The roads close.
  - title: Thaw
    summary: Help arrives.
`), 0o644)
	var view struct {
		Book struct {
			ID string `json:"id"`
		} `json:"book"`
		Chapters []struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"chapters"`
	}
	out := mustRun(t, dbFile, "book", "create", "--project", project.ID, bookYAML)
	if err := json.Unmarshal([]byte(out), &view); err != nil {
		t.Fatalf("book create output: %v\n%s", err, out)
	}
	if len(view.Chapters) != 2 || view.Chapters[0].Status != "pending" {
		t.Fatalf("chapters = %+v", view.Chapters)
	}

	var res struct {
		ChaptersQueued int `json:"chapters_queued"`
		JobsCreated    int `json:"jobs_created"`
	}
	json.Unmarshal([]byte(mustRun(t, dbFile, "queue-book", view.Book.ID)), &res)
	if res.ChaptersQueued != 2 || res.JobsCreated != 6 {
		t.Fatalf("queue-book = %+v", res)
	}

	var st struct {
		Queue struct {
			Pending int `json:"pending"`
		} `json:"queue"`
	}
	json.Unmarshal([]byte(mustRun(t, dbFile, "status")), &st)
	if st.Queue.Pending != 6 {
		t.Fatalf("pending = %d", st.Queue.Pending)
	}

	var versions []map[string]any
	json.Unmarshal([]byte(mustRun(t, dbFile, "versions", "list", view.Book.ID)), &versions)
	if len(versions) != 1 {
		t.Fatalf("versions = %d", len(versions))
	}

	// WHY: a revision needs written chapters; the error must reach the exit code.
	if _, err := run(t, dbFile, "revise", "start", view.Book.ID, "100"); err == nil {
		t.Fatal("revise start on an unwritten book should fail")
	}

	out = mustRun(t, dbFile, "maintenance", "on", "--message", "upgrade")
	if !strings.Contains(out, `"active": true`) || !strings.Contains(out, `"message": "upgrade"`) {
		t.Fatalf("maintenance output: %s", out)
	}
}

func TestCLI_UnknownBook(t *testing.T) {
	dbFile := filepath.Join(t.TempDir(), "books.db")
	if _, err := run(t, dbFile, "book", "show", "book_missing"); err == nil {
		t.Fatal("expected not found")
	}
}

func TestRender(t *testing.T) {
	v := map[string]any{"book_id": "b1", "words": 300}
	var buf bytes.Buffer
	if err := render(&buf, "yaml", v); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "book_id: b1") {
		t.Fatalf("yaml: %s", buf.String())
	}
	buf.Reset()
	if err := render(&buf, "json", v); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), `"words": 300`) {
		t.Fatalf("json: %s", buf.String())
	}
	if err := render(&buf, "xml", v); err == nil {
		t.Fatal("expected unsupported format error")
	}
}

func TestReadBookFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "b.yaml")
	os.WriteFile(path, []byte("project_id: prj_1\ntitle: T\noutline:\n  - number: 3\n    title: Three\n"), 0o644)
	in, err := readBookFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if in.ProjectID != "prj_1" || len(in.Outline) != 1 || in.Outline[0].Number != 3 {
		t.Fatalf("input = %+v", in)
	}
	if _, err := readBookFile(filepath.Join(t.TempDir(), "none.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
