package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hazyhaar/manuscript/idgen"
)

const versionColumns = `id, book_id, version_number, version_name, plot_snapshot, outline_snapshot,
	is_active, auto_created, word_count, chapter_count, created_at, completed_at`

// InsertVersion creates a version row. VersionNumber must already be set.
func (s *Store) InsertVersion(ctx context.Context, v *Version) error {
	if v.ID == "" {
		v.ID = s.NewID(idgen.PrefixVersion)
	}
	v.CreatedAt = s.Now()
	outline, err := marshalOutline(v.OutlineSnapshot)
	if err != nil {
		return err
	}
	_, err = s.q.ExecContext(ctx,
		`INSERT INTO book_versions (`+versionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.BookID, v.VersionNumber, v.VersionName, v.PlotSnapshot, outline,
		v.IsActive, v.AutoCreated, v.WordCount, v.ChapterCount, v.CreatedAt, nullInt(v.CompletedAt))
	if err != nil {
		return fmt.Errorf("insert version %d: %w", v.VersionNumber, err)
	}
	return nil
}

// GetVersion returns a version by ID.
func (s *Store) GetVersion(ctx context.Context, id string) (*Version, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+versionColumns+` FROM book_versions WHERE id = ?`, id)
	v, err := scanVersion(row)
	if err != nil {
		return nil, notFound(err)
	}
	return v, nil
}

// ActiveVersion returns the active version of a book, or ErrNotFound.
func (s *Store) ActiveVersion(ctx context.Context, bookID string) (*Version, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+versionColumns+` FROM book_versions WHERE book_id = ? AND is_active = 1`, bookID)
	v, err := scanVersion(row)
	if err != nil {
		return nil, notFound(err)
	}
	return v, nil
}

// ListVersions returns a book's versions by version number.
func (s *Store) ListVersions(ctx context.Context, bookID string) ([]*Version, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+versionColumns+` FROM book_versions WHERE book_id = ? ORDER BY version_number`, bookID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Version
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// CountVersions returns the number of versions of a book.
func (s *Store) CountVersions(ctx context.Context, bookID string) (int, error) {
	var n int
	err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM book_versions WHERE book_id = ?`, bookID).Scan(&n)
	return n, err
}

// NextVersionNumber returns max(version_number)+1 for a book, starting at 1.
func (s *Store) NextVersionNumber(ctx context.Context, bookID string) (int, error) {
	var n int
	err := s.q.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version_number), 0) + 1 FROM book_versions WHERE book_id = ?`, bookID).Scan(&n)
	return n, err
}

// DeactivateVersions clears the active flag on every version of a book.
func (s *Store) DeactivateVersions(ctx context.Context, bookID string) error {
	_, err := s.q.ExecContext(ctx,
		`UPDATE book_versions SET is_active = 0 WHERE book_id = ? AND is_active = 1`, bookID)
	return err
}

// SetVersionActive marks one version active. Call DeactivateVersions first
// in the same transaction; the partial unique index rejects a second active row.
func (s *Store) SetVersionActive(ctx context.Context, id string) error {
	res, err := s.q.ExecContext(ctx, `UPDATE book_versions SET is_active = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("activate version: %w", err)
	}
	return expectOne(res)
}

// RenameVersion sets a version's display name.
func (s *Store) RenameVersion(ctx context.Context, id, name string) error {
	res, err := s.q.ExecContext(ctx, `UPDATE book_versions SET version_name = ? WHERE id = ?`, name, id)
	if err != nil {
		return fmt.Errorf("rename version: %w", err)
	}
	return expectOne(res)
}

// SetVersionStats stores cached totals on a version.
func (s *Store) SetVersionStats(ctx context.Context, id string, words, chapters int) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE book_versions SET word_count = ?, chapter_count = ? WHERE id = ?`, words, chapters, id)
	if err != nil {
		return fmt.Errorf("version stats: %w", err)
	}
	return expectOne(res)
}

// MarkVersionCompleted stamps completed_at once.
func (s *Store) MarkVersionCompleted(ctx context.Context, id string) error {
	_, err := s.q.ExecContext(ctx,
		`UPDATE book_versions SET completed_at = ? WHERE id = ? AND completed_at IS NULL`, s.Now(), id)
	return err
}

// DeleteVersion removes a version; its chapters cascade.
func (s *Store) DeleteVersion(ctx context.Context, id string) error {
	res, err := s.q.ExecContext(ctx, `DELETE FROM book_versions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete version: %w", err)
	}
	return expectOne(res)
}

// MostRecentVersion returns the newest version of a book other than
// excludeID, or ErrNotFound.
func (s *Store) MostRecentVersion(ctx context.Context, bookID, excludeID string) (*Version, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+versionColumns+` FROM book_versions
		 WHERE book_id = ? AND id != ? ORDER BY created_at DESC, version_number DESC LIMIT 1`,
		bookID, excludeID)
	v, err := scanVersion(row)
	if err != nil {
		return nil, notFound(err)
	}
	return v, nil
}

func scanVersion(sc rowScanner) (*Version, error) {
	var v Version
	var outline string
	var completed sql.NullInt64
	if err := sc.Scan(&v.ID, &v.BookID, &v.VersionNumber, &v.VersionName, &v.PlotSnapshot, &outline,
		&v.IsActive, &v.AutoCreated, &v.WordCount, &v.ChapterCount, &v.CreatedAt, &completed); err != nil {
		return nil, err
	}
	v.OutlineSnapshot = unmarshalOutline(outline)
	v.CompletedAt = intPtr(completed)
	return &v, nil
}
