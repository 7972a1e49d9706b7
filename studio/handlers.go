package studio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/hazyhaar/manuscript/jobq"
	"github.com/hazyhaar/manuscript/llm"
	"github.com/hazyhaar/manuscript/observability"
	"github.com/hazyhaar/manuscript/studio/internal/store"
	"github.com/hazyhaar/manuscript/studio/internal/versions"
	"github.com/hazyhaar/manuscript/studio/internal/workflow"
	"github.com/hazyhaar/manuscript/wordcount"
)

func (s *Service) registerHandlers() {
	s.worker.Handle(workflow.JobGenerateChapter, s.handleGenerateChapter)
	s.worker.Handle(workflow.JobGenerateSummary, s.handleGenerateSummary)
	s.worker.Handle(workflow.JobUpdateStates, s.handleUpdateStates)
	s.worker.Handle(workflow.JobAnalyzeBook, s.handleAnalyzeBook)
	s.worker.Handle(workflow.JobCondenseChapter, s.handleCondenseChapter)

	s.worker.OnFailed(workflow.JobGenerateChapter, s.chapterFailed)
	s.worker.OnFailed(workflow.JobAnalyzeBook, s.analysisFailed)
	s.worker.OnFailed(workflow.JobCondenseChapter, s.jobFailedEvent)
	s.worker.OnFailed(workflow.JobGenerateSummary, s.jobFailedEvent)
	s.worker.OnFailed(workflow.JobUpdateStates, s.jobFailedEvent)
}

// settle maps a handler error onto the queue's failure classes.
func settle(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := jobq.AsRateLimited(err); ok {
		return err
	}
	if errors.Is(err, llm.ErrMalformedResponse) || isPrecondition(err) {
		return jobq.Permanent(err)
	}
	return err
}

func (s *Service) handleGenerateChapter(ctx context.Context, job *jobq.Job) error {
	if s.assistant == nil {
		return jobq.Permanent(ErrNoAssistant)
	}
	ch, err := s.store.GetChapter(ctx, job.TargetID)
	if err != nil {
		return settle(err)
	}
	if ch.Status == store.ChapterCompleted && ch.Content != "" {
		// A recovered lease can replay a chain whose prose already landed.
		return nil
	}
	book, err := s.store.GetBook(ctx, ch.BookID)
	if err != nil {
		return settle(err)
	}
	if err := s.store.SetChapterStatus(ctx, ch.ID, store.ChapterGenerating,
		store.ChapterPending, store.ChapterFailed, store.ChapterGenerating); err != nil {
		return settle(fmt.Errorf("chapter %s is %s: %w", ch.ID, ch.Status, ErrInvalidState))
	}

	brief := llm.ChapterBrief{
		BookTitle:      book.Title,
		Plot:           book.Plot,
		BookOutline:    formatOutline(book.Outline),
		ChapterNumber:  ch.ChapterNumber,
		Title:          ch.Title,
		ChapterOutline: ch.Outline,
		StoryState:     storyState(book.StoryState),
	}
	if ch.ChapterNumber > 1 {
		prev, err := s.store.GetChapterByNumber(ctx, ch.BookID, ch.VersionID, ch.ChapterNumber-1)
		switch {
		case err == nil:
			brief.PreviousSummary = prev.Summary
		case !errors.Is(err, store.ErrNotFound):
			return s.revertChapter(ctx, ch.ID, err)
		}
	}

	content, err := s.assistant.WriteChapter(ctx, brief)
	content = wordcount.Normalize(content)
	if err == nil && content == "" {
		err = fmt.Errorf("%w: empty chapter", llm.ErrMalformedResponse)
	}
	if err != nil {
		return s.revertChapter(ctx, ch.ID, err)
	}

	words := wordcount.Count(content)
	if err := s.store.UpdateChapterContent(ctx, ch.ID, content, words); err != nil {
		return s.revertChapter(ctx, ch.ID, err)
	}
	if ch.VersionID != "" {
		if _, err := s.versions.UpdateVersionStats(ctx, ch.VersionID); err != nil {
			s.logger.Warn("update version stats", "version_id", ch.VersionID, "error", err)
		}
	}
	s.logger.Info("chapter written", "chapter_id", ch.ID, "number", ch.ChapterNumber, "words", words)
	s.events.LogEvent(ctx, observability.BusinessEvent{
		EventType: "chapter.generated", EntityType: "chapter", EntityID: ch.ID, Action: "generate",
		Details: map[string]any{"book_id": ch.BookID, "words": words, "job_id": job.ID}, Success: true,
	})

	// Completion is a side effect of the chapter landing; its failure must
	// not rerun the chapter.
	if _, err := s.completion.CheckAndTriggerCompletion(ctx, ch.ID); err != nil {
		s.logger.Warn("completion check", "book_id", ch.BookID, "error", err)
	}
	return nil
}

// revertChapter puts a generating chapter back to pending and classifies
// cause. The failure hook marks it failed once attempts run out.
func (s *Service) revertChapter(ctx context.Context, chapterID string, cause error) error {
	if err := s.store.SetChapterStatus(context.WithoutCancel(ctx), chapterID,
		store.ChapterPending, store.ChapterGenerating); err != nil {
		s.logger.Warn("revert chapter status", "chapter_id", chapterID, "error", err)
	}
	return settle(cause)
}

func (s *Service) chapterFailed(ctx context.Context, job *jobq.Job, cause error) {
	if err := s.store.SetChapterStatus(ctx, job.TargetID, store.ChapterFailed,
		store.ChapterPending, store.ChapterGenerating); err != nil && !errors.Is(err, store.ErrNotFound) {
		s.logger.Warn("mark chapter failed", "chapter_id", job.TargetID, "error", err)
	}
	s.jobFailedEvent(ctx, job, cause)
}

func (s *Service) handleGenerateSummary(ctx context.Context, job *jobq.Job) error {
	if s.assistant == nil {
		return jobq.Permanent(ErrNoAssistant)
	}
	ch, err := s.store.GetChapter(ctx, job.TargetID)
	if err != nil {
		return settle(err)
	}
	if ch.Content == "" {
		return jobq.Permanent(fmt.Errorf("chapter %s has no content: %w", ch.ID, ErrInvalidState))
	}
	summary, err := s.assistant.Summarize(ctx, ch.ChapterNumber, ch.Content)
	if err != nil {
		return settle(err)
	}
	if err := s.store.UpdateChapterSummary(ctx, ch.ID, summary); err != nil {
		return err
	}
	s.logger.Debug("chapter summarized", "chapter_id", ch.ID, "chars", len(summary))
	return nil
}

func (s *Service) handleUpdateStates(ctx context.Context, job *jobq.Job) error {
	if s.assistant == nil {
		return jobq.Permanent(ErrNoAssistant)
	}
	ch, err := s.store.GetChapter(ctx, job.TargetID)
	if err != nil {
		return settle(err)
	}
	if ch.Summary == "" {
		return jobq.Permanent(fmt.Errorf("chapter %s has no summary: %w", ch.ID, ErrInvalidState))
	}
	book, err := s.store.GetBook(ctx, ch.BookID)
	if err != nil {
		return settle(err)
	}
	state, err := s.assistant.UpdateStoryState(ctx, storyState(book.StoryState), ch.ChapterNumber, ch.Summary)
	if err != nil {
		return settle(err)
	}
	if err := s.store.UpdateStoryState(ctx, book.ID, state); err != nil {
		return err
	}
	s.logger.Debug("story state updated", "book_id", book.ID, "chapter", ch.ChapterNumber)
	return nil
}

func (s *Service) handleAnalyzeBook(ctx context.Context, job *jobq.Job) error {
	if s.assistant == nil {
		return jobq.Permanent(ErrNoAssistant)
	}
	bookID := job.TargetID
	scope, err := versions.CurrentScope(ctx, s.store, bookID)
	if err != nil {
		return err
	}
	chapters, err := s.store.ListChaptersByVersion(ctx, bookID, scope)
	if err != nil {
		return err
	}
	analyzed := 0
	for _, ch := range chapters {
		if ch.Content == "" {
			continue
		}
		sig, err := s.assistant.AnalyzeChapter(ctx, ch.ChapterNumber, ch.Content)
		if err != nil {
			return settle(fmt.Errorf("analyze chapter %d: %w", ch.ChapterNumber, err))
		}
		if err := s.store.UpsertQuality(ctx, &store.ChapterQuality{
			ChapterID:        ch.ID,
			BookID:           bookID,
			SceneNotEarned:   sig.SceneNotEarned,
			SceneConfidence:  sig.SceneConfidence,
			ExpositionIssues: sig.ExpositionIssues,
			PacingIssues:     sig.PacingIssues,
		}); err != nil {
			return err
		}
		analyzed++
	}
	err = s.completion.SetAnalyticsStatus(ctx, bookID, store.AnalyticsCompleted, "")
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	s.logger.Info("book analyzed", "book_id", bookID, "chapters", analyzed)
	s.events.LogEvent(ctx, observability.BusinessEvent{
		EventType: "book.analyzed", EntityType: "book", EntityID: bookID, Action: "analyze",
		Details: map[string]any{"chapters": analyzed, "job_id": job.ID}, Success: true,
	})
	return nil
}

func (s *Service) analysisFailed(ctx context.Context, job *jobq.Job, cause error) {
	err := s.completion.SetAnalyticsStatus(ctx, job.TargetID, store.AnalyticsFailed, cause.Error())
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		s.logger.Warn("mark analytics failed", "book_id", job.TargetID, "error", err)
	}
	s.jobFailedEvent(ctx, job, cause)
}

func (s *Service) handleCondenseChapter(ctx context.Context, job *jobq.Job) error {
	var p workflow.ProposalPayload
	if err := job.DecodePayload(&p); err != nil {
		return jobq.Permanent(fmt.Errorf("decode payload: %w", err))
	}
	if p.SessionID == "" || p.ChapterID == "" {
		return jobq.Permanent(fmt.Errorf("%w: condense job without session or chapter", ErrInvalidInput))
	}
	_, err := s.revision.GenerateProposal(ctx, p.SessionID, p.ChapterID)
	return settle(err)
}

func (s *Service) jobFailedEvent(ctx context.Context, job *jobq.Job, cause error) {
	s.events.LogEvent(ctx, observability.BusinessEvent{
		EventType: "job.failed", EntityType: "job", EntityID: job.ID, Action: job.Type,
		Details: map[string]string{"target_id": job.TargetID, "error": cause.Error()}, Success: false,
	})
}

func formatOutline(o store.Outline) string {
	var b strings.Builder
	for _, e := range o {
		fmt.Fprintf(&b, "%d. %s", e.Number, e.Title)
		if e.Summary != "" {
			fmt.Fprintf(&b, ": %s", e.Summary)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// storyState drops the empty placeholder so the assistant seeds its own.
func storyState(raw json.RawMessage) json.RawMessage {
	if s := strings.TrimSpace(string(raw)); s == "" || s == "{}" || s == "null" {
		return nil
	}
	return raw
}
