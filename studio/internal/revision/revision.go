// Package revision runs approval-driven word-count revisions of a book.
//
// A session captures the book's active version and word count as an
// immutable source, spreads the required cut over chapters as proposals,
// and materializes every approved proposal into one target version that
// is cloned from the source on first approval. Abandoning a session never
// rolls back what was applied.
package revision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hazyhaar/manuscript/dbopen"
	"github.com/hazyhaar/manuscript/idgen"
	"github.com/hazyhaar/manuscript/jobq"
	"github.com/hazyhaar/manuscript/llm"
	"github.com/hazyhaar/manuscript/observability"
	"github.com/hazyhaar/manuscript/studio/internal/store"
	"github.com/hazyhaar/manuscript/studio/internal/versions"
	"github.com/hazyhaar/manuscript/wordcount"
)

var (
	ErrNotFound     = store.ErrNotFound
	ErrInvalidState = errors.New("revision: invalid state")
	ErrInvalidInput = errors.New("revision: invalid input")
	ErrNoContent    = errors.New("revision: book has no completed chapters")
)

// Condenser shortens a chapter. *llm.Assistant implements it.
type Condenser interface {
	Condense(ctx context.Context, req llm.CondenseRequest) (*llm.CondenseResult, error)
}

// Service manages revision sessions.
type Service struct {
	store     *store.Store
	condenser Condenser
	events    *observability.EventLogger
	logger    *slog.Logger
}

// NewService creates a revision Service. condenser may be nil when
// proposals are never generated in-process; events may be nil.
func NewService(st *store.Store, condenser Condenser, events *observability.EventLogger, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, condenser: condenser, events: events, logger: logger}
}

// StartRevision opens a revision session for a book, or returns the
// book's open session if there is one.
func (s *Service) StartRevision(ctx context.Context, bookID string, targetWordCount int, tolerancePercent float64) (*store.Session, error) {
	if targetWordCount <= 0 {
		return nil, fmt.Errorf("%w: target word count must be positive", ErrInvalidInput)
	}
	if tolerancePercent < 0 || tolerancePercent >= 100 {
		return nil, fmt.Errorf("%w: tolerance must be in [0,100)", ErrInvalidInput)
	}

	var sess *store.Session
	created := false
	err := s.store.InTx(ctx, func(tx *store.Store) error {
		created = false
		existing, err := tx.OpenSession(ctx, bookID)
		if err == nil {
			sess = existing
			return nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if _, err := tx.GetBook(ctx, bookID); err != nil {
			return fmt.Errorf("book %s: %w", bookID, err)
		}
		if _, err := versions.MigrateTx(ctx, tx, bookID); err != nil {
			return fmt.Errorf("migrate chapters: %w", err)
		}
		scope, err := versions.CurrentScope(ctx, tx, bookID)
		if err != nil {
			return err
		}
		chapters, err := tx.ListChaptersByVersion(ctx, bookID, scope)
		if err != nil {
			return err
		}
		var inputs []ChapterInput
		total := 0
		for _, c := range chapters {
			if c.Status != store.ChapterCompleted || c.WordCount <= 0 {
				continue
			}
			q, err := tx.GetQuality(ctx, c.ID)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return err
			}
			inputs = append(inputs, ChapterInput{Chapter: c, Quality: q})
			total += c.WordCount
		}
		if len(inputs) == 0 {
			return ErrNoContent
		}

		lo, hi := Band(targetWordCount, tolerancePercent)
		sess = &store.Session{
			BookID:            bookID,
			SourceVersionID:   scope,
			OriginalWordCount: total,
			CurrentWordCount:  total,
			TargetWordCount:   targetWordCount,
			TolerancePercent:  tolerancePercent,
			MinAcceptable:     lo,
			MaxAcceptable:     hi,
			WordsToCut:        max(0, total-targetWordCount),
			Status:            store.SessionCalculating,
		}
		if err := tx.InsertSession(ctx, sess); err != nil {
			return err
		}
		targets := CalculateChapterTargets(inputs, sess.WordsToCut, total)
		for _, t := range targets {
			if err := tx.InsertProposal(ctx, &store.Proposal{
				RevisionID:        sess.ID,
				ChapterID:         t.ChapterID,
				ChapterNumber:     t.ChapterNumber,
				OriginalWordCount: t.WordCount,
				TargetWordCount:   t.TargetWordCount,
				ReductionPercent:  t.ReductionPercent,
				PriorityScore:     t.PriorityScore,
			}); err != nil {
				return err
			}
		}
		if err := tx.SetSessionTargets(ctx, sess.ID, len(targets)); err != nil {
			return err
		}
		if err := tx.SetSessionStatus(ctx, sess.ID, store.SessionReady, store.SessionCalculating); err != nil {
			return err
		}
		created = true
		return nil
	})
	if dbopen.IsUniqueViolation(err) {
		// Lost a start race; the winner's session is the answer.
		return s.store.OpenSession(ctx, bookID)
	}
	if err != nil {
		return nil, err
	}
	if created {
		s.logger.Info("revision started", "book_id", bookID, "session_id", sess.ID,
			"current", sess.OriginalWordCount, "target", targetWordCount, "to_cut", sess.WordsToCut)
		s.events.LogEvent(ctx, observability.BusinessEvent{
			EventType: "revision.started", EntityType: "book", EntityID: bookID, Action: "start_revision",
			Details: map[string]any{"session_id": sess.ID, "target": targetWordCount, "tolerance": tolerancePercent},
			Success: true,
		})
	}
	return s.store.GetSession(ctx, sess.ID)
}

// GenerateProposal asks the condenser for a shortened chapter. A malformed
// reply marks only this proposal as error. A rate limit or cancellation
// puts the proposal back where it was and returns the error.
func (s *Service) GenerateProposal(ctx context.Context, sessionID, chapterID string) (*store.Proposal, error) {
	if s.condenser == nil {
		return nil, fmt.Errorf("%w: no condenser configured", ErrInvalidState)
	}

	var (
		p       *store.Proposal
		prev    string
		chapter *store.Chapter
		quality *store.ChapterQuality
	)
	err := s.store.InTx(ctx, func(tx *store.Store) error {
		sess, err := tx.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if !sess.Open() {
			return fmt.Errorf("%w: session is %s", ErrInvalidState, sess.Status)
		}
		p, err = tx.GetProposalByChapter(ctx, sessionID, chapterID)
		if err != nil {
			return err
		}
		switch p.Status {
		case store.ProposalPending, store.ProposalError, store.ProposalReady:
		default:
			return fmt.Errorf("%w: proposal is %s", ErrInvalidState, p.Status)
		}
		prev = p.Status
		if err := tx.SetProposalStatus(ctx, p.ID, store.ProposalGenerating, prev); err != nil {
			return err
		}
		if err := tx.SetSessionStatus(ctx, sessionID, store.SessionInProgress, store.SessionReady); err != nil &&
			!errors.Is(err, store.ErrNotFound) {
			return err
		}
		chapter, err = tx.GetChapter(ctx, chapterID)
		if err != nil {
			return err
		}
		quality, err = tx.GetQuality(ctx, chapterID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	res, cerr := s.condenser.Condense(ctx, llm.CondenseRequest{
		ChapterNumber:    chapter.ChapterNumber,
		Title:            chapter.Title,
		Content:          chapter.Content,
		CurrentWordCount: p.OriginalWordCount,
		TargetWordCount:  p.TargetWordCount,
		Issues:           issueHints(quality),
	})
	wctx := context.WithoutCancel(ctx)
	if cerr != nil {
		log := s.logger.With("session_id", sessionID, "proposal_id", p.ID, "chapter", chapter.ChapterNumber)
		if _, limited := jobq.AsRateLimited(cerr); limited || ctx.Err() != nil {
			if err := s.store.SetProposalStatus(wctx, p.ID, prev, store.ProposalGenerating); err != nil {
				log.Warn("revert proposal status", "error", err)
			}
			log.Warn("proposal generation deferred", "error", cerr)
			return nil, cerr
		}
		if err := s.store.SetProposalError(wctx, p.ID, cerr.Error()); err != nil {
			log.Warn("mark proposal error", "error", err)
		}
		log.Warn("proposal generation failed", "error", cerr)
		failed, _ := s.store.GetProposal(wctx, p.ID)
		return failed, cerr
	}

	res.CondensedContent = wordcount.Normalize(res.CondensedContent)
	words := wordcount.Count(res.CondensedContent)
	reduction := max(0, p.OriginalWordCount-words)
	if err := s.store.SetProposalResult(wctx, p.ID, res.CondensedContent, words, reduction,
		res.CutRationale, res.PreservedElements); err != nil {
		return nil, err
	}
	s.logger.Info("proposal ready", "session_id", sessionID, "proposal_id", p.ID,
		"chapter", chapter.ChapterNumber, "original", p.OriginalWordCount, "condensed", words)
	return s.store.GetProposal(wctx, p.ID)
}

// ApproveProposal applies a ready proposal to the session's target version.
// The first approval of a session claims the target version and clones the
// source into it, all in the same transaction, so concurrent approvals
// share one target version.
func (s *Service) ApproveProposal(ctx context.Context, proposalID, notes string) (*store.Proposal, error) {
	var sess *store.Session
	var p *store.Proposal
	createdVersion := ""
	closed := false
	err := s.store.InTx(ctx, func(tx *store.Store) error {
		createdVersion, closed = "", false
		var err error
		p, err = tx.GetProposal(ctx, proposalID)
		if err != nil {
			return err
		}
		if p.Status != store.ProposalReady {
			return fmt.Errorf("%w: proposal is %s", ErrInvalidState, p.Status)
		}
		sess, err = tx.GetSession(ctx, p.RevisionID)
		if err != nil {
			return err
		}
		if !sess.Open() {
			return fmt.Errorf("%w: session is %s", ErrInvalidState, sess.Status)
		}

		target := sess.TargetVersionID
		if target == "" {
			id := tx.NewID(idgen.PrefixVersion)
			won, err := tx.ClaimTargetVersion(ctx, sess.ID, id)
			if err != nil {
				return err
			}
			if won {
				if _, err := versions.CreateVersionTx(ctx, tx, sess.BookID, versions.CreateOptions{
					ID:            id,
					AutoCreated:   true,
					CloneChapters: true,
					CloneFrom:     sess.SourceVersionID,
				}); err != nil {
					return fmt.Errorf("create target version: %w", err)
				}
				target = id
				createdVersion = id
			} else {
				cur, err := tx.GetSession(ctx, sess.ID)
				if err != nil {
					return err
				}
				target = cur.TargetVersionID
			}
		}

		ch, err := tx.GetChapterByNumber(ctx, sess.BookID, target, p.ChapterNumber)
		if err != nil {
			return fmt.Errorf("target chapter %d: %w", p.ChapterNumber, err)
		}
		if err := tx.InsertEdit(ctx, &store.ChapterEdit{
			ChapterID:       ch.ID,
			VersionID:       target,
			EditType:        store.EditRevision,
			PreviousContent: ch.Content,
			NewContent:      p.CondensedContent,
			Notes:           notes,
		}); err != nil {
			return err
		}
		if err := tx.UpdateChapterContent(ctx, ch.ID, p.CondensedContent, p.CondensedWordCount); err != nil {
			return err
		}
		if err := tx.DecideProposal(ctx, p.ID, store.DecisionApproved, store.ProposalApplied, notes,
			store.ProposalReady); err != nil {
			return err
		}
		if err := tx.SetSessionStatus(ctx, sess.ID, store.SessionInProgress, store.SessionReady); err != nil &&
			!errors.Is(err, store.ErrNotFound) {
			return err
		}
		v, err := tx.GetVersion(ctx, target)
		if err != nil {
			return err
		}
		if err := versions.UpdateStatsTx(ctx, tx, v); err != nil {
			return err
		}
		closed, err = settle(ctx, tx, sess.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if createdVersion != "" {
		s.logger.Info("revision target version created", "session_id", sess.ID, "version_id", createdVersion)
	}
	s.logger.Info("proposal approved", "session_id", sess.ID, "proposal_id", proposalID, "chapter", p.ChapterNumber)
	s.events.LogEvent(ctx, observability.BusinessEvent{
		EventType: "revision.approved", EntityType: "revision", EntityID: sess.ID, Action: "approve_proposal",
		Details: map[string]any{"proposal_id": proposalID, "chapter": p.ChapterNumber, "cut": p.ActualReduction},
		Success: true,
	})
	if closed {
		s.logClosed(ctx, sess.ID)
	}
	return s.store.GetProposal(ctx, proposalID)
}

// RejectProposal records a rejection. Pending, ready and errored proposals
// can be rejected.
func (s *Service) RejectProposal(ctx context.Context, proposalID, notes string) (*store.Proposal, error) {
	var sessionID string
	closed := false
	err := s.store.InTx(ctx, func(tx *store.Store) error {
		closed = false
		p, err := tx.GetProposal(ctx, proposalID)
		if err != nil {
			return err
		}
		sess, err := tx.GetSession(ctx, p.RevisionID)
		if err != nil {
			return err
		}
		if !sess.Open() {
			return fmt.Errorf("%w: session is %s", ErrInvalidState, sess.Status)
		}
		err = tx.DecideProposal(ctx, p.ID, store.DecisionRejected, store.ProposalRejected, notes,
			store.ProposalPending, store.ProposalReady, store.ProposalError)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: proposal is %s", ErrInvalidState, p.Status)
		}
		if err != nil {
			return err
		}
		if err := tx.SetSessionStatus(ctx, sess.ID, store.SessionInProgress, store.SessionReady); err != nil &&
			!errors.Is(err, store.ErrNotFound) {
			return err
		}
		sessionID = sess.ID
		closed, err = settle(ctx, tx, sess.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("proposal rejected", "proposal_id", proposalID)
	if closed {
		s.logClosed(ctx, sessionID)
	}
	return s.store.GetProposal(ctx, proposalID)
}

// AbandonRevision closes an open session. Applied edits stay in the
// target version.
func (s *Service) AbandonRevision(ctx context.Context, sessionID string) (*store.Session, error) {
	return s.finish(ctx, sessionID, store.SessionAbandoned,
		store.SessionCalculating, store.SessionReady, store.SessionInProgress)
}

// CompleteRevision closes a session as completed and stamps its target
// version.
func (s *Service) CompleteRevision(ctx context.Context, sessionID string) (*store.Session, error) {
	return s.finish(ctx, sessionID, store.SessionCompleted, store.SessionReady, store.SessionInProgress)
}

func (s *Service) finish(ctx context.Context, sessionID, status string, from ...string) (*store.Session, error) {
	err := s.store.InTx(ctx, func(tx *store.Store) error {
		sess, err := tx.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		err = tx.SetSessionStatus(ctx, sessionID, status, from...)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: session is %s", ErrInvalidState, sess.Status)
		}
		if err != nil {
			return err
		}
		if status == store.SessionCompleted && sess.TargetVersionID != "" {
			return tx.MarkVersionCompleted(ctx, sess.TargetVersionID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.logClosed(ctx, sessionID)
}

func (s *Service) logClosed(ctx context.Context, sessionID string) (*store.Session, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	s.logger.Info("revision closed", "session_id", sessionID, "status", sess.Status)
	s.events.LogEvent(ctx, observability.BusinessEvent{
		EventType: "revision." + sess.Status, EntityType: "revision", EntityID: sessionID, Action: sess.Status,
		Details: map[string]any{"words_cut": sess.WordsCutSoFar, "reviewed": sess.ChaptersReviewed}, Success: true,
	})
	return sess, nil
}

// settle refreshes the session tally after a decision and closes the
// session as completed once every chapter is reviewed, stamping its target
// version like CompleteRevision does.
func settle(ctx context.Context, tx *store.Store, sessionID string) (bool, error) {
	if err := tx.RefreshSessionProgress(ctx, sessionID); err != nil {
		return false, err
	}
	closed, err := tx.CompleteIfReviewed(ctx, sessionID)
	if err != nil || !closed {
		return false, err
	}
	sess, err := tx.GetSession(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if sess.TargetVersionID != "" {
		if err := tx.MarkVersionCompleted(ctx, sess.TargetVersionID); err != nil {
			return false, err
		}
	}
	return true, nil
}

// GetSession returns a session.
func (s *Service) GetSession(ctx context.Context, sessionID string) (*store.Session, error) {
	return s.store.GetSession(ctx, sessionID)
}

// ListProposals returns a session's proposals by chapter number.
func (s *Service) ListProposals(ctx context.Context, sessionID string) ([]*store.Proposal, error) {
	return s.store.ListProposals(ctx, sessionID)
}
