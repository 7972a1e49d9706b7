package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hazyhaar/manuscript/idgen"
)

// Chapters are addressed by (book, version). An empty version ID selects
// the legacy rows whose version_id is NULL; "version_id IS ?" matches both.

const chapterColumns = `id, book_id, version_id, chapter_number, title, outline, content, summary,
	word_count, status, created_at, updated_at`

// InsertChapter creates a chapter row.
func (s *Store) InsertChapter(ctx context.Context, c *Chapter) error {
	if c.ID == "" {
		c.ID = s.NewID(idgen.PrefixChapter)
	}
	if c.Status == "" {
		c.Status = ChapterPending
	}
	now := s.Now()
	if c.CreatedAt == 0 {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO chapters (`+chapterColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.BookID, nullString(c.VersionID), c.ChapterNumber, c.Title, c.Outline,
		c.Content, c.Summary, c.WordCount, c.Status, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert chapter %d: %w", c.ChapterNumber, err)
	}
	return nil
}

// GetChapter returns a chapter by ID.
func (s *Store) GetChapter(ctx context.Context, id string) (*Chapter, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+chapterColumns+` FROM chapters WHERE id = ?`, id)
	c, err := scanChapter(row)
	if err != nil {
		return nil, notFound(err)
	}
	return c, nil
}

// GetChapterByNumber returns chapter n of a book version.
func (s *Store) GetChapterByNumber(ctx context.Context, bookID, versionID string, n int) (*Chapter, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+chapterColumns+` FROM chapters
		 WHERE book_id = ? AND version_id IS ? AND chapter_number = ?`,
		bookID, nullString(versionID), n)
	c, err := scanChapter(row)
	if err != nil {
		return nil, notFound(err)
	}
	return c, nil
}

// ListChaptersByVersion returns the chapters of a book version ordered by
// chapter number.
func (s *Store) ListChaptersByVersion(ctx context.Context, bookID, versionID string) ([]*Chapter, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+chapterColumns+` FROM chapters
		 WHERE book_id = ? AND version_id IS ? ORDER BY chapter_number`,
		bookID, nullString(versionID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Chapter
	for rows.Next() {
		c, err := scanChapter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SetChapterStatus moves a chapter to status. When from is non-empty the
// update only applies if the current status is one of them, and
// ErrNotFound reports that no row matched.
func (s *Store) SetChapterStatus(ctx context.Context, id, status string, from ...string) error {
	q := `UPDATE chapters SET status = ?, updated_at = ? WHERE id = ?`
	args := []any{status, s.Now(), id}
	if len(from) > 0 {
		q += ` AND status IN (` + placeholders(len(from)) + `)`
		for _, f := range from {
			args = append(args, f)
		}
	}
	res, err := s.q.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("set chapter status: %w", err)
	}
	return expectOne(res)
}

// UpdateChapterContent stores generated or revised prose and marks the
// chapter completed.
func (s *Store) UpdateChapterContent(ctx context.Context, id, content string, wordCount int) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE chapters SET content = ?, word_count = ?, status = ?, updated_at = ? WHERE id = ?`,
		content, wordCount, ChapterCompleted, s.Now(), id)
	if err != nil {
		return fmt.Errorf("update chapter content: %w", err)
	}
	return expectOne(res)
}

// UpdateChapterSummary stores a chapter's summary.
func (s *Store) UpdateChapterSummary(ctx context.Context, id, summary string) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE chapters SET summary = ?, updated_at = ? WHERE id = ?`, summary, s.Now(), id)
	if err != nil {
		return fmt.Errorf("update chapter summary: %w", err)
	}
	return expectOne(res)
}

// ResetChapter clears prose and summary and puts the chapter back to pending.
func (s *Store) ResetChapter(ctx context.Context, id string) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE chapters SET content = '', summary = '', word_count = 0, status = ?, updated_at = ?
		 WHERE id = ?`, ChapterPending, s.Now(), id)
	if err != nil {
		return fmt.Errorf("reset chapter: %w", err)
	}
	return expectOne(res)
}

// AssignUnversionedChapters attaches every legacy chapter of a book to
// versionID and returns how many moved.
func (s *Store) AssignUnversionedChapters(ctx context.Context, bookID, versionID string) (int64, error) {
	res, err := s.q.ExecContext(ctx,
		`UPDATE chapters SET version_id = ?, updated_at = ? WHERE book_id = ? AND version_id IS NULL`,
		versionID, s.Now(), bookID)
	if err != nil {
		return 0, fmt.Errorf("assign chapters: %w", err)
	}
	return res.RowsAffected()
}

// AssignUnversionedEdits attaches edit history of legacy chapters to versionID.
func (s *Store) AssignUnversionedEdits(ctx context.Context, bookID, versionID string) error {
	_, err := s.q.ExecContext(ctx,
		`UPDATE chapter_edits SET version_id = ?
		 WHERE version_id IS NULL AND chapter_id IN (SELECT id FROM chapters WHERE book_id = ?)`,
		versionID, bookID)
	return err
}

// CountUnversionedChapters returns the number of legacy chapters of a book.
func (s *Store) CountUnversionedChapters(ctx context.Context, bookID string) (int, error) {
	var n int
	err := s.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chapters WHERE book_id = ? AND version_id IS NULL`, bookID).Scan(&n)
	return n, err
}

// ChapterTotals sums words and counts chapters of a book version.
type ChapterTotals struct {
	Chapters  int `json:"chapters"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Words     int `json:"words"`
}

// VersionTotals computes ChapterTotals for a book version.
func (s *Store) VersionTotals(ctx context.Context, bookID, versionID string) (ChapterTotals, error) {
	var t ChapterTotals
	err := s.q.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COALESCE(SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(word_count), 0)
		 FROM chapters WHERE book_id = ? AND version_id IS ?`,
		bookID, nullString(versionID),
	).Scan(&t.Chapters, &t.Completed, &t.Failed, &t.Words)
	return t, err
}

func scanChapter(sc rowScanner) (*Chapter, error) {
	var c Chapter
	var version sql.NullString
	if err := sc.Scan(&c.ID, &c.BookID, &version, &c.ChapterNumber, &c.Title, &c.Outline,
		&c.Content, &c.Summary, &c.WordCount, &c.Status, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.VersionID = version.String
	return &c, nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	b := make([]byte, 0, 2*n-1)
	for i := range n {
		if i > 0 {
			b = append(b, ',')
		}
		b = append(b, '?')
	}
	return string(b)
}
