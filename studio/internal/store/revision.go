package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hazyhaar/manuscript/idgen"
)

const sessionColumns = `id, book_id, source_version_id, target_version_id, original_word_count,
	current_word_count, target_word_count, tolerance_percent, min_acceptable, max_acceptable,
	words_to_cut, status, chapters_reviewed, chapters_total, words_cut_so_far,
	created_at, updated_at, completed_at`

// InsertSession creates a revision session in the calculating state.
func (s *Store) InsertSession(ctx context.Context, r *Session) error {
	if r.ID == "" {
		r.ID = s.NewID(idgen.PrefixRevision)
	}
	if r.Status == "" {
		r.Status = SessionCalculating
	}
	now := s.Now()
	r.CreatedAt, r.UpdatedAt = now, now
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO revision_sessions (`+sessionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.BookID, nullString(r.SourceVersionID), nullString(r.TargetVersionID),
		r.OriginalWordCount, r.CurrentWordCount, r.TargetWordCount, r.TolerancePercent,
		r.MinAcceptable, r.MaxAcceptable, r.WordsToCut, r.Status,
		r.ChaptersReviewed, r.ChaptersTotal, r.WordsCutSoFar,
		r.CreatedAt, r.UpdatedAt, nullInt(r.CompletedAt))
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetSession returns a revision session by ID.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM revision_sessions WHERE id = ?`, id)
	r, err := scanSession(row)
	if err != nil {
		return nil, notFound(err)
	}
	return r, nil
}

// OpenSession returns the non-terminal session of a book, or ErrNotFound.
func (s *Store) OpenSession(ctx context.Context, bookID string) (*Session, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM revision_sessions
		 WHERE book_id = ? AND status IN ('calculating','ready','in_progress')`, bookID)
	r, err := scanSession(row)
	if err != nil {
		return nil, notFound(err)
	}
	return r, nil
}

// SetSessionStatus moves a session to status when its current status is
// one of from. ErrNotFound means no row matched.
func (s *Store) SetSessionStatus(ctx context.Context, id, status string, from ...string) error {
	now := s.Now()
	q := `UPDATE revision_sessions SET status = ?, updated_at = ?,
	          completed_at = CASE WHEN ? IN ('completed','abandoned') THEN ? ELSE completed_at END
	      WHERE id = ?`
	args := []any{status, now, status, now, id}
	if len(from) > 0 {
		q += ` AND status IN (` + placeholders(len(from)) + `)`
		for _, f := range from {
			args = append(args, f)
		}
	}
	res, err := s.q.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("set session status: %w", err)
	}
	return expectOne(res)
}

// SetSessionTargets stores the chapter total once targets are computed.
func (s *Store) SetSessionTargets(ctx context.Context, id string, chaptersTotal int) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE revision_sessions SET chapters_total = ?, updated_at = ? WHERE id = ?`,
		chaptersTotal, s.Now(), id)
	if err != nil {
		return err
	}
	return expectOne(res)
}

// ClaimTargetVersion records versionID as the session's target version if
// none is set yet. It reports whether this call won the claim.
func (s *Store) ClaimTargetVersion(ctx context.Context, sessionID, versionID string) (bool, error) {
	res, err := s.q.ExecContext(ctx,
		`UPDATE revision_sessions SET target_version_id = ?, updated_at = ?
		 WHERE id = ? AND target_version_id IS NULL`,
		versionID, s.Now(), sessionID)
	if err != nil {
		return false, fmt.Errorf("claim target version: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// RefreshSessionProgress recomputes the progress tally from the proposals:
// words cut by applied proposals and chapters with a decision.
func (s *Store) RefreshSessionProgress(ctx context.Context, sessionID string) error {
	_, err := s.q.ExecContext(ctx,
		`UPDATE revision_sessions SET
		     words_cut_so_far = (SELECT COALESCE(SUM(actual_reduction), 0)
		                         FROM chapter_reduction_proposals
		                         WHERE revision_id = revision_sessions.id AND status = 'applied'),
		     chapters_reviewed = (SELECT COUNT(*) FROM chapter_reduction_proposals
		                          WHERE revision_id = revision_sessions.id AND status IN ('applied','rejected')),
		     updated_at = ?
		 WHERE id = ?`, s.Now(), sessionID)
	if err != nil {
		return fmt.Errorf("refresh progress: %w", err)
	}
	_, err = s.q.ExecContext(ctx,
		`UPDATE revision_sessions SET current_word_count = original_word_count - words_cut_so_far
		 WHERE id = ?`, sessionID)
	return err
}

// CompleteIfReviewed closes an open session once every chapter has a
// decision. It reports whether this call closed it.
func (s *Store) CompleteIfReviewed(ctx context.Context, sessionID string) (bool, error) {
	now := s.Now()
	res, err := s.q.ExecContext(ctx,
		`UPDATE revision_sessions SET status = 'completed', completed_at = ?, updated_at = ?
		 WHERE id = ? AND status IN ('ready','in_progress')
		   AND chapters_total > 0 AND chapters_reviewed >= chapters_total`,
		now, now, sessionID)
	if err != nil {
		return false, fmt.Errorf("complete session: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func scanSession(sc rowScanner) (*Session, error) {
	var r Session
	var source, target sql.NullString
	var completed sql.NullInt64
	if err := sc.Scan(&r.ID, &r.BookID, &source, &target, &r.OriginalWordCount,
		&r.CurrentWordCount, &r.TargetWordCount, &r.TolerancePercent, &r.MinAcceptable, &r.MaxAcceptable,
		&r.WordsToCut, &r.Status, &r.ChaptersReviewed, &r.ChaptersTotal, &r.WordsCutSoFar,
		&r.CreatedAt, &r.UpdatedAt, &completed); err != nil {
		return nil, err
	}
	r.SourceVersionID = source.String
	r.TargetVersionID = target.String
	r.CompletedAt = intPtr(completed)
	return &r, nil
}

const proposalColumns = `id, revision_id, chapter_id, chapter_number, original_word_count,
	target_word_count, reduction_percent, priority_score, status, condensed_content,
	condensed_word_count, actual_reduction, cut_rationale, preserved_elements, user_decision,
	error_message, user_notes, created_at, updated_at, decided_at`

// InsertProposal creates a pending proposal.
func (s *Store) InsertProposal(ctx context.Context, p *Proposal) error {
	if p.ID == "" {
		p.ID = s.NewID(idgen.PrefixProposal)
	}
	if p.Status == "" {
		p.Status = ProposalPending
	}
	if p.UserDecision == "" {
		p.UserDecision = DecisionPending
	}
	now := s.Now()
	p.CreatedAt, p.UpdatedAt = now, now
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO chapter_reduction_proposals (`+proposalColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.RevisionID, p.ChapterID, p.ChapterNumber, p.OriginalWordCount,
		p.TargetWordCount, p.ReductionPercent, p.PriorityScore, p.Status, p.CondensedContent,
		p.CondensedWordCount, p.ActualReduction, marshalList(p.CutRationale),
		marshalList(p.PreservedElements), p.UserDecision, p.ErrorMessage, p.UserNotes,
		p.CreatedAt, p.UpdatedAt, nullInt(p.DecidedAt))
	if err != nil {
		return fmt.Errorf("insert proposal for chapter %d: %w", p.ChapterNumber, err)
	}
	return nil
}

// GetProposal returns a proposal by ID.
func (s *Store) GetProposal(ctx context.Context, id string) (*Proposal, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+proposalColumns+` FROM chapter_reduction_proposals WHERE id = ?`, id)
	p, err := scanProposal(row)
	if err != nil {
		return nil, notFound(err)
	}
	return p, nil
}

// GetProposalByChapter returns the proposal for a chapter within a session.
func (s *Store) GetProposalByChapter(ctx context.Context, sessionID, chapterID string) (*Proposal, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+proposalColumns+` FROM chapter_reduction_proposals
		 WHERE revision_id = ? AND chapter_id = ?`, sessionID, chapterID)
	p, err := scanProposal(row)
	if err != nil {
		return nil, notFound(err)
	}
	return p, nil
}

// ListProposals returns a session's proposals by chapter number.
func (s *Store) ListProposals(ctx context.Context, sessionID string) ([]*Proposal, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+proposalColumns+` FROM chapter_reduction_proposals
		 WHERE revision_id = ? ORDER BY chapter_number`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SetProposalStatus moves a proposal to status when its current status is
// one of from. ErrNotFound means no row matched.
func (s *Store) SetProposalStatus(ctx context.Context, id, status string, from ...string) error {
	q := `UPDATE chapter_reduction_proposals SET status = ?, updated_at = ? WHERE id = ?`
	args := []any{status, s.Now(), id}
	if len(from) > 0 {
		q += ` AND status IN (` + placeholders(len(from)) + `)`
		for _, f := range from {
			args = append(args, f)
		}
	}
	res, err := s.q.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("set proposal status: %w", err)
	}
	return expectOne(res)
}

// SetProposalResult stores a condensation and moves generating → ready.
func (s *Store) SetProposalResult(ctx context.Context, id, content string, words, reduction int, rationale, preserved []string) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE chapter_reduction_proposals SET status = 'ready', condensed_content = ?,
		     condensed_word_count = ?, actual_reduction = ?, cut_rationale = ?,
		     preserved_elements = ?, error_message = '', updated_at = ?
		 WHERE id = ? AND status = 'generating'`,
		content, words, reduction, marshalList(rationale), marshalList(preserved), s.Now(), id)
	if err != nil {
		return fmt.Errorf("set proposal result: %w", err)
	}
	return expectOne(res)
}

// SetProposalError moves generating → error with a message.
func (s *Store) SetProposalError(ctx context.Context, id, msg string) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE chapter_reduction_proposals SET status = 'error', error_message = ?, updated_at = ?
		 WHERE id = ? AND status = 'generating'`, msg, s.Now(), id)
	if err != nil {
		return fmt.Errorf("set proposal error: %w", err)
	}
	return expectOne(res)
}

// DecideProposal records the user's decision and moves the proposal to
// status when its current status is one of from.
func (s *Store) DecideProposal(ctx context.Context, id, decision, status, notes string, from ...string) error {
	now := s.Now()
	q := `UPDATE chapter_reduction_proposals SET status = ?, user_decision = ?, user_notes = ?,
	          decided_at = ?, updated_at = ?
	      WHERE id = ? AND status IN (` + placeholders(len(from)) + `)`
	args := []any{status, decision, notes, now, now, id}
	for _, f := range from {
		args = append(args, f)
	}
	res, err := s.q.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("decide proposal: %w", err)
	}
	return expectOne(res)
}

func scanProposal(sc rowScanner) (*Proposal, error) {
	var p Proposal
	var rationale, preserved string
	var decided sql.NullInt64
	if err := sc.Scan(&p.ID, &p.RevisionID, &p.ChapterID, &p.ChapterNumber, &p.OriginalWordCount,
		&p.TargetWordCount, &p.ReductionPercent, &p.PriorityScore, &p.Status, &p.CondensedContent,
		&p.CondensedWordCount, &p.ActualReduction, &rationale, &preserved, &p.UserDecision,
		&p.ErrorMessage, &p.UserNotes, &p.CreatedAt, &p.UpdatedAt, &decided); err != nil {
		return nil, err
	}
	var err error
	if p.CutRationale, err = unmarshalList("cut_rationale", rationale); err != nil {
		return nil, err
	}
	if p.PreservedElements, err = unmarshalList("preserved_elements", preserved); err != nil {
		return nil, err
	}
	p.DecidedAt = intPtr(decided)
	return &p, nil
}
