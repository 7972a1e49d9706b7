package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hazyhaar/manuscript/idgen"
)

// InsertProject creates a project and returns it.
func (s *Store) InsertProject(ctx context.Context, title string) (*Project, error) {
	p := &Project{ID: s.NewID(idgen.PrefixProject), Title: title, CreatedAt: s.Now()}
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO projects (id, title, created_at) VALUES (?, ?, ?)`,
		p.ID, p.Title, p.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert project: %w", err)
	}
	return p, nil
}

// GetProject returns a project by ID.
func (s *Store) GetProject(ctx context.Context, id string) (*Project, error) {
	var p Project
	err := s.q.QueryRowContext(ctx,
		`SELECT id, title, created_at FROM projects WHERE id = ?`, id,
	).Scan(&p.ID, &p.Title, &p.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

// InsertBook creates a book. ID and timestamps are filled in when empty.
func (s *Store) InsertBook(ctx context.Context, b *Book) error {
	if b.ID == "" {
		b.ID = s.NewID(idgen.PrefixBook)
	}
	now := s.Now()
	b.CreatedAt, b.UpdatedAt = now, now
	if len(b.StoryState) == 0 {
		b.StoryState = json.RawMessage(`{}`)
	}
	outline, err := marshalOutline(b.Outline)
	if err != nil {
		return err
	}
	_, err = s.q.ExecContext(ctx,
		`INSERT INTO books (id, project_id, title, plot, outline, story_state, is_complete, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.ProjectID, b.Title, b.Plot, outline, string(b.StoryState), b.IsComplete, now, now)
	if err != nil {
		return fmt.Errorf("insert book: %w", err)
	}
	return nil
}

const bookColumns = `id, project_id, title, plot, outline, story_state, is_complete, created_at, updated_at`

// GetBook returns a book by ID.
func (s *Store) GetBook(ctx context.Context, id string) (*Book, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+bookColumns+` FROM books WHERE id = ?`, id)
	b, err := scanBook(row)
	if err != nil {
		return nil, notFound(err)
	}
	return b, nil
}

// ListBooks returns the books of a project, oldest first.
func (s *Store) ListBooks(ctx context.Context, projectID string) ([]*Book, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+bookColumns+` FROM books WHERE project_id = ? ORDER BY created_at, id`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Book
	for rows.Next() {
		b, err := scanBook(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// UpdateStoryState replaces a book's story state document.
func (s *Store) UpdateStoryState(ctx context.Context, bookID string, state json.RawMessage) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE books SET story_state = ?, updated_at = ? WHERE id = ?`,
		string(state), s.Now(), bookID)
	if err != nil {
		return fmt.Errorf("update story state: %w", err)
	}
	return expectOne(res)
}

// UpdateOutline replaces a book's plot and outline.
func (s *Store) UpdateOutline(ctx context.Context, bookID, plot string, outline Outline) error {
	raw, err := marshalOutline(outline)
	if err != nil {
		return err
	}
	res, err := s.q.ExecContext(ctx,
		`UPDATE books SET plot = ?, outline = ?, updated_at = ? WHERE id = ?`,
		plot, raw, s.Now(), bookID)
	if err != nil {
		return fmt.Errorf("update outline: %w", err)
	}
	return expectOne(res)
}

// SetBookComplete flips is_complete from false to true. It reports whether
// this call made the change.
func (s *Store) SetBookComplete(ctx context.Context, bookID string) (bool, error) {
	res, err := s.q.ExecContext(ctx,
		`UPDATE books SET is_complete = 1, updated_at = ? WHERE id = ? AND is_complete = 0`,
		s.Now(), bookID)
	if err != nil {
		return false, fmt.Errorf("set book complete: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// ClearBookComplete resets is_complete, used when a chapter is regenerated.
func (s *Store) ClearBookComplete(ctx context.Context, bookID string) error {
	_, err := s.q.ExecContext(ctx,
		`UPDATE books SET is_complete = 0, updated_at = ? WHERE id = ?`, s.Now(), bookID)
	return err
}

func scanBook(sc rowScanner) (*Book, error) {
	var b Book
	var outline, state string
	if err := sc.Scan(&b.ID, &b.ProjectID, &b.Title, &b.Plot, &outline, &state,
		&b.IsComplete, &b.CreatedAt, &b.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(outline), &b.Outline); err != nil {
		return nil, fmt.Errorf("book %s outline: %w", b.ID, err)
	}
	b.StoryState = json.RawMessage(state)
	return &b, nil
}

func marshalOutline(o Outline) (string, error) {
	if o == nil {
		return "[]", nil
	}
	b, err := json.Marshal(o)
	if err != nil {
		return "", fmt.Errorf("marshal outline: %w", err)
	}
	return string(b), nil
}

func unmarshalOutline(s string) Outline {
	var o Outline
	json.Unmarshal([]byte(s), &o)
	return o
}

func expectOne(res interface{ RowsAffected() (int64, error) }) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
