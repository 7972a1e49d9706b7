package store

import (
	"context"
	"fmt"
)

// UpsertQuality stores the analysis signals of a chapter.
func (s *Store) UpsertQuality(ctx context.Context, q *ChapterQuality) error {
	q.AnalyzedAt = s.Now()
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO chapter_quality (chapter_id, book_id, scene_not_earned, scene_confidence,
		     exposition_issues, pacing_issues, analyzed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(chapter_id) DO UPDATE SET
		     scene_not_earned = excluded.scene_not_earned,
		     scene_confidence = excluded.scene_confidence,
		     exposition_issues = excluded.exposition_issues,
		     pacing_issues = excluded.pacing_issues,
		     analyzed_at = excluded.analyzed_at`,
		q.ChapterID, q.BookID, q.SceneNotEarned, q.SceneConfidence,
		marshalList(q.ExpositionIssues), marshalList(q.PacingIssues), q.AnalyzedAt)
	if err != nil {
		return fmt.Errorf("upsert quality: %w", err)
	}
	return nil
}

// GetQuality returns the signals for a chapter, or ErrNotFound when the
// chapter was never analysed.
func (s *Store) GetQuality(ctx context.Context, chapterID string) (*ChapterQuality, error) {
	var q ChapterQuality
	var expo, pacing string
	err := s.q.QueryRowContext(ctx,
		`SELECT chapter_id, book_id, scene_not_earned, scene_confidence, exposition_issues,
		        pacing_issues, analyzed_at
		 FROM chapter_quality WHERE chapter_id = ?`, chapterID,
	).Scan(&q.ChapterID, &q.BookID, &q.SceneNotEarned, &q.SceneConfidence, &expo, &pacing, &q.AnalyzedAt)
	if err != nil {
		return nil, notFound(err)
	}
	if q.ExpositionIssues, err = unmarshalList("exposition_issues", expo); err != nil {
		return nil, err
	}
	if q.PacingIssues, err = unmarshalList("pacing_issues", pacing); err != nil {
		return nil, err
	}
	return &q, nil
}
