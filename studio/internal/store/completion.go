package store

import (
	"context"
	"fmt"

	"github.com/hazyhaar/manuscript/idgen"
)

const completionColumns = `id, book_id, project_id, completed_at, total_chapters, total_word_count,
	analytics_status, analytics_job_id, error, updated_at`

// InsertCompletion creates the completion record of a book unless one
// exists. It reports whether this call created it.
func (s *Store) InsertCompletion(ctx context.Context, c *Completion) (bool, error) {
	if c.ID == "" {
		c.ID = s.NewID(idgen.PrefixCompletion)
	}
	if c.AnalyticsStatus == "" {
		c.AnalyticsStatus = AnalyticsPending
	}
	now := s.Now()
	c.CompletedAt, c.UpdatedAt = now, now
	res, err := s.q.ExecContext(ctx,
		`INSERT INTO book_completions (`+completionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(book_id) DO NOTHING`,
		c.ID, c.BookID, c.ProjectID, c.CompletedAt, c.TotalChapters, c.TotalWordCount,
		c.AnalyticsStatus, c.AnalyticsJobID, c.Error, c.UpdatedAt)
	if err != nil {
		return false, fmt.Errorf("insert completion: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// GetCompletion returns the completion record of a book, or ErrNotFound.
func (s *Store) GetCompletion(ctx context.Context, bookID string) (*Completion, error) {
	var c Completion
	err := s.q.QueryRowContext(ctx,
		`SELECT `+completionColumns+` FROM book_completions WHERE book_id = ?`, bookID,
	).Scan(&c.ID, &c.BookID, &c.ProjectID, &c.CompletedAt, &c.TotalChapters, &c.TotalWordCount,
		&c.AnalyticsStatus, &c.AnalyticsJobID, &c.Error, &c.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

// SetAnalyticsStatus moves a book's analytics status when the current one
// is in from (any when from is empty). jobID is kept when empty.
func (s *Store) SetAnalyticsStatus(ctx context.Context, bookID, status, jobID, errMsg string, from ...string) error {
	q := `UPDATE book_completions SET analytics_status = ?,
	          analytics_job_id = CASE WHEN ? = '' THEN analytics_job_id ELSE ? END,
	          error = ?, updated_at = ?
	      WHERE book_id = ?`
	args := []any{status, jobID, jobID, errMsg, s.Now(), bookID}
	if len(from) > 0 {
		q += ` AND analytics_status IN (` + placeholders(len(from)) + `)`
		for _, f := range from {
			args = append(args, f)
		}
	}
	res, err := s.q.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("set analytics status: %w", err)
	}
	return expectOne(res)
}
