package studio

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hazyhaar/manuscript/jobq"
	"github.com/hazyhaar/manuscript/observability"
	"github.com/hazyhaar/manuscript/shield"
	"github.com/hazyhaar/manuscript/studio/internal/completion"
	"github.com/hazyhaar/manuscript/studio/internal/revision"
	"github.com/hazyhaar/manuscript/studio/internal/store"
	"github.com/hazyhaar/manuscript/studio/internal/versions"
	"github.com/hazyhaar/manuscript/studio/internal/workflow"
)

// Domain types returned by the service.
type (
	Project          = store.Project
	Book             = store.Book
	Outline          = store.Outline
	OutlineEntry     = store.OutlineEntry
	Chapter          = store.Chapter
	ChapterEdit      = store.ChapterEdit
	Version          = store.Version
	Session          = store.Session
	Proposal         = store.Proposal
	Completion       = store.Completion
	Progress         = revision.Progress
	Validation       = revision.Validation
	BookResult       = workflow.BookResult
	CompletionStatus = completion.Status
	VersionOptions   = versions.CreateOptions
)

// BookInput creates a book.
type BookInput struct {
	ProjectID string  `json:"project_id"`
	Title     string  `json:"title"`
	Plot      string  `json:"plot"`
	Outline   Outline `json:"outline"`
}

// BookView is a book with its current chapters. Chapter content is left
// out; fetch it with GetChapter.
type BookView struct {
	Book          *Book       `json:"book"`
	ActiveVersion *Version    `json:"active_version,omitempty"`
	Chapters      []*Chapter  `json:"chapters"`
	Completion    *Completion `json:"completion,omitempty"`
}

// StatusReport is the service health snapshot.
type StatusReport struct {
	Queue       jobq.Stats                     `json:"queue"`
	Gate        jobq.GateStatus                `json:"gate"`
	Heartbeat   *observability.HeartbeatStatus `json:"heartbeat,omitempty"`
	Maintenance shield.MaintenanceState        `json:"maintenance"`
}

// DefaultTolerancePercent is the tolerance used when none is given.
func (s *Service) DefaultTolerancePercent() float64 { return s.cfg.DefaultTolerancePercent }

// CreateProject creates a project.
func (s *Service) CreateProject(ctx context.Context, title string) (*Project, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, fmt.Errorf("%w: project title is required", ErrInvalidInput)
	}
	return s.store.InsertProject(ctx, title)
}

// CreateBook creates a book with an auto-created first version holding one
// pending chapter per outline entry. Entries without a number take their
// position.
func (s *Service) CreateBook(ctx context.Context, in BookInput) (*BookView, error) {
	in.Title = strings.TrimSpace(in.Title)
	if in.Title == "" {
		return nil, fmt.Errorf("%w: book title is required", ErrInvalidInput)
	}
	seen := make(map[int]bool, len(in.Outline))
	for i := range in.Outline {
		if in.Outline[i].Number == 0 {
			in.Outline[i].Number = i + 1
		}
		n := in.Outline[i].Number
		if n < 0 || seen[n] {
			return nil, fmt.Errorf("%w: duplicate or negative chapter number %d", ErrInvalidInput, n)
		}
		seen[n] = true
	}

	b := &Book{ProjectID: in.ProjectID, Title: in.Title, Plot: in.Plot, Outline: in.Outline}
	var v *Version
	err := s.store.InTx(ctx, func(tx *store.Store) error {
		if _, err := tx.GetProject(ctx, in.ProjectID); err != nil {
			return fmt.Errorf("project %s: %w", in.ProjectID, err)
		}
		if err := tx.InsertBook(ctx, b); err != nil {
			return err
		}
		var err error
		v, err = versions.CreateVersionTx(ctx, tx, b.ID, versions.CreateOptions{AutoCreated: true})
		if err != nil {
			return err
		}
		for _, e := range in.Outline {
			c := &Chapter{BookID: b.ID, VersionID: v.ID, ChapterNumber: e.Number, Title: e.Title, Outline: e.Summary}
			if err := tx.InsertChapter(ctx, c); err != nil {
				return err
			}
		}
		return versions.UpdateStatsTx(ctx, tx, v)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("book created", "book_id", b.ID, "chapters", len(in.Outline))
	s.events.LogEvent(ctx, observability.BusinessEvent{
		EventType: "book.created", EntityType: "book", EntityID: b.ID, Action: "create_book",
		Details: map[string]any{"project_id": b.ProjectID, "chapters": len(in.Outline)}, Success: true,
	})
	return s.GetBook(ctx, b.ID)
}

// GetBook returns a book with the chapters of its active version.
func (s *Service) GetBook(ctx context.Context, bookID string) (*BookView, error) {
	b, err := s.store.GetBook(ctx, bookID)
	if err != nil {
		return nil, err
	}
	view := &BookView{Book: b}
	v, err := s.store.ActiveVersion(ctx, bookID)
	switch {
	case err == nil:
		view.ActiveVersion = v
	case !errors.Is(err, store.ErrNotFound):
		return nil, err
	}
	scope := ""
	if v != nil {
		scope = v.ID
	}
	view.Chapters, err = s.store.ListChaptersByVersion(ctx, bookID, scope)
	if err != nil {
		return nil, err
	}
	for _, c := range view.Chapters {
		c.Content = ""
	}
	c, err := s.store.GetCompletion(ctx, bookID)
	switch {
	case err == nil:
		view.Completion = c
	case !errors.Is(err, store.ErrNotFound):
		return nil, err
	}
	return view, nil
}

// ListBooks returns a project's books.
func (s *Service) ListBooks(ctx context.Context, projectID string) ([]*Book, error) {
	return s.store.ListBooks(ctx, projectID)
}

// GetChapter returns a chapter with its content.
func (s *Service) GetChapter(ctx context.Context, chapterID string) (*Chapter, error) {
	return s.store.GetChapter(ctx, chapterID)
}

// ChapterHistory returns a chapter's edit history, oldest first.
func (s *Service) ChapterHistory(ctx context.Context, chapterID string) ([]*ChapterEdit, error) {
	if _, err := s.store.GetChapter(ctx, chapterID); err != nil {
		return nil, err
	}
	return s.store.ListEdits(ctx, chapterID)
}

// QueueChapter enqueues the writing chain of one chapter.
func (s *Service) QueueChapter(ctx context.Context, chapterID string) ([]string, error) {
	return s.workflow.QueueChapterWorkflow(ctx, chapterID)
}

// QueueBookGeneration enqueues every pending chapter of a book.
func (s *Service) QueueBookGeneration(ctx context.Context, bookID string) (BookResult, error) {
	return s.workflow.QueueBookGeneration(ctx, bookID)
}

// RegenerateChapter discards a chapter's content and writes it again.
func (s *Service) RegenerateChapter(ctx context.Context, chapterID, notes string) ([]string, error) {
	return s.workflow.RegenerateChapter(ctx, chapterID, notes)
}

// ListVersions returns a book's versions.
func (s *Service) ListVersions(ctx context.Context, bookID string) ([]*Version, error) {
	return s.versions.ListVersions(ctx, bookID)
}

// CreateVersion creates a new active version.
func (s *Service) CreateVersion(ctx context.Context, bookID string, opts VersionOptions) (*Version, error) {
	return s.versions.CreateVersion(ctx, bookID, opts)
}

// ActivateVersion switches the book's active version.
func (s *Service) ActivateVersion(ctx context.Context, bookID, versionID string) error {
	return s.versions.ActivateVersion(ctx, bookID, versionID)
}

// DeleteVersion deletes a version and its chapters.
func (s *Service) DeleteVersion(ctx context.Context, bookID, versionID string, force bool) error {
	return s.versions.DeleteVersion(ctx, bookID, versionID, force)
}

// RenameVersion renames a version.
func (s *Service) RenameVersion(ctx context.Context, bookID, versionID, name string) error {
	return s.versions.RenameVersion(ctx, bookID, versionID, name)
}

// MigrateExistingChapters moves legacy chapters into a first version.
func (s *Service) MigrateExistingChapters(ctx context.Context, bookID string) (*Version, error) {
	return s.versions.MigrateExistingChapters(ctx, bookID)
}

// StartRevision opens (or returns) the book's revision session.
func (s *Service) StartRevision(ctx context.Context, bookID string, targetWordCount int, tolerancePercent float64) (*Session, error) {
	return s.revision.StartRevision(ctx, bookID, targetWordCount, tolerancePercent)
}

// QueueProposals enqueues condensation for every pending or failed
// proposal of a session.
func (s *Service) QueueProposals(ctx context.Context, sessionID string) (int, error) {
	return s.workflow.QueueProposalGeneration(ctx, sessionID)
}

// GenerateProposal condenses one chapter synchronously.
func (s *Service) GenerateProposal(ctx context.Context, sessionID, chapterID string) (*Proposal, error) {
	return s.revision.GenerateProposal(ctx, sessionID, chapterID)
}

// ApproveProposal applies a ready proposal.
func (s *Service) ApproveProposal(ctx context.Context, proposalID, notes string) (*Proposal, error) {
	return s.revision.ApproveProposal(ctx, proposalID, notes)
}

// RejectProposal rejects a proposal.
func (s *Service) RejectProposal(ctx context.Context, proposalID, notes string) (*Proposal, error) {
	return s.revision.RejectProposal(ctx, proposalID, notes)
}

// AbandonRevision closes a session, keeping applied edits.
func (s *Service) AbandonRevision(ctx context.Context, sessionID string) (*Session, error) {
	return s.revision.AbandonRevision(ctx, sessionID)
}

// CompleteRevision closes a session as completed.
func (s *Service) CompleteRevision(ctx context.Context, sessionID string) (*Session, error) {
	return s.revision.CompleteRevision(ctx, sessionID)
}

// GetSession returns a revision session.
func (s *Service) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	return s.revision.GetSession(ctx, sessionID)
}

// ListProposals returns a session's proposals by chapter number.
func (s *Service) ListProposals(ctx context.Context, sessionID string) ([]*Proposal, error) {
	return s.revision.ListProposals(ctx, sessionID)
}

// GetProgress reports a session's word-count progress.
func (s *Service) GetProgress(ctx context.Context, sessionID string) (Progress, error) {
	return s.revision.GetProgress(ctx, sessionID)
}

// ValidateCompletion reports whether a session can be completed.
func (s *Service) ValidateCompletion(ctx context.Context, sessionID string) (Validation, error) {
	return s.revision.ValidateCompletion(ctx, sessionID)
}

// CheckBookCompletion reports whether every chapter of a book has content.
func (s *Service) CheckBookCompletion(ctx context.Context, bookID string) (CompletionStatus, error) {
	return s.completion.CheckBookCompletion(ctx, bookID)
}

// GetCompletion returns a book's completion record.
func (s *Service) GetCompletion(ctx context.Context, bookID string) (*Completion, error) {
	return s.completion.GetCompletion(ctx, bookID)
}

// Reanalyse queues a fresh analysis of a completed book.
func (s *Service) Reanalyse(ctx context.Context, bookID string) (string, error) {
	return s.completion.Reanalyse(ctx, bookID)
}

// Jobs returns the jobs of a target in queue order.
func (s *Service) Jobs(ctx context.Context, targetID string) ([]*jobq.Job, error) {
	return s.queue.ListByTarget(ctx, targetID)
}

// Job returns one job.
func (s *Service) Job(ctx context.Context, jobID string) (*jobq.Job, error) {
	return s.queue.Get(ctx, jobID)
}

// RecentEvents returns business events for an entity, newest first.
func (s *Service) RecentEvents(ctx context.Context, entityID string, limit int) ([]observability.Event, error) {
	return s.events.RecentEvents(ctx, entityID, limit)
}

// Status reports queue depth, the rate-limit gate and the worker heartbeat.
func (s *Service) Status(ctx context.Context) (*StatusReport, error) {
	st, err := s.queue.Stats(ctx)
	if err != nil {
		return nil, err
	}
	hb, err := observability.LatestHeartbeat(ctx, s.db, s.cfg.Worker.Name, s.cfg.StaleAfter)
	if err != nil {
		return nil, err
	}
	return &StatusReport{
		Queue:       st,
		Gate:        s.gate.Status(),
		Heartbeat:   hb,
		Maintenance: shield.ReadMaintenance(ctx, s.db),
	}, nil
}

// ProcessPending runs queued jobs in this process until none is eligible
// or limit jobs ran. limit <= 0 means no limit. It is the CLI's one-shot
// alternative to Run.
func (s *Service) ProcessPending(ctx context.Context, limit int) (int, error) {
	if s.assistant == nil {
		return 0, ErrNoAssistant
	}
	n := 0
	for limit <= 0 || n < limit {
		if s.gate.IsLimited() {
			s.logger.Warn("provider rate limited, stopping", "reset_at", s.gate.ResetAt().Format(time.RFC3339))
			return n, nil
		}
		ok, err := s.worker.ProcessOne(ctx)
		if err != nil {
			return n, err
		}
		if !ok {
			return n, nil
		}
		n++
	}
	return n, nil
}
