package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hazyhaar/manuscript/idgen"
)

// InsertEdit records a chapter edit.
func (s *Store) InsertEdit(ctx context.Context, e *ChapterEdit) error {
	if e.ID == "" {
		e.ID = s.NewID(idgen.PrefixEdit)
	}
	e.CreatedAt = s.Now()
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO chapter_edits (id, chapter_id, version_id, edit_type, previous_content, new_content, notes, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.ChapterID, nullString(e.VersionID), e.EditType, e.PreviousContent, e.NewContent, e.Notes, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert edit: %w", err)
	}
	return nil
}

// ListEdits returns a chapter's edit history, oldest first.
func (s *Store) ListEdits(ctx context.Context, chapterID string) ([]*ChapterEdit, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, chapter_id, version_id, edit_type, previous_content, new_content, notes, created_at
		 FROM chapter_edits WHERE chapter_id = ? ORDER BY created_at, id`, chapterID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*ChapterEdit
	for rows.Next() {
		var e ChapterEdit
		var version sql.NullString
		if err := rows.Scan(&e.ID, &e.ChapterID, &version, &e.EditType,
			&e.PreviousContent, &e.NewContent, &e.Notes, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.VersionID = version.String
		out = append(out, &e)
	}
	return out, rows.Err()
}

// DeleteEditsByVersion removes the edit rows tagged with a version.
func (s *Store) DeleteEditsByVersion(ctx context.Context, versionID string) error {
	_, err := s.q.ExecContext(ctx, `DELETE FROM chapter_edits WHERE version_id = ?`, versionID)
	return err
}
