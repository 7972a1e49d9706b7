// Package workflow turns user intents into ordered job chains.
//
// A chapter is written by three jobs on the chapter's target: the prose,
// then its summary, then the book's story state. Each job depends on the
// previous one and the queue's per-target ordering keeps them in sequence.
package workflow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hazyhaar/manuscript/dbopen"
	"github.com/hazyhaar/manuscript/jobq"
	"github.com/hazyhaar/manuscript/observability"
	"github.com/hazyhaar/manuscript/studio/internal/store"
	"github.com/hazyhaar/manuscript/studio/internal/versions"
)

// Job types.
const (
	JobGenerateChapter = "generate_chapter"
	JobGenerateSummary = "generate_summary"
	JobUpdateStates    = "update_states"
	JobAnalyzeBook     = "analyze_book"
	JobCondenseChapter = "condense_chapter"
)

// ChapterChain is the job sequence that writes one chapter.
var ChapterChain = []string{JobGenerateChapter, JobGenerateSummary, JobUpdateStates}

// ErrChapterBusy is returned when a chapter still has queued or running jobs.
var ErrChapterBusy = errors.New("workflow: chapter has active jobs")

// ProposalPayload is the payload of a condense_chapter job.
type ProposalPayload struct {
	SessionID string `json:"session_id"`
	ChapterID string `json:"chapter_id"`
}

// BookResult reports what QueueBookGeneration did.
type BookResult struct {
	ChaptersQueued  int `json:"chapters_queued"`
	ChaptersSkipped int `json:"chapters_skipped"`
	JobsCreated     int `json:"jobs_created"`
}

// Orchestrator enqueues workflows.
type Orchestrator struct {
	store  *store.Store
	queue  *jobq.Queue
	events *observability.EventLogger
	logger *slog.Logger
}

// New creates an Orchestrator. store and queue must share a database.
func New(st *store.Store, q *jobq.Queue, events *observability.EventLogger, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{store: st, queue: q, events: events, logger: logger}
}

func (o *Orchestrator) inTx(ctx context.Context, fn func(tx *sql.Tx, st *store.Store) error) error {
	return dbopen.RunTx(ctx, o.store.DB, func(tx *sql.Tx) error {
		return fn(tx, o.store.WithTx(tx))
	})
}

// QueueChapterWorkflow enqueues the chapter chain and returns its job IDs
// in execution order.
func (o *Orchestrator) QueueChapterWorkflow(ctx context.Context, chapterID string) ([]string, error) {
	var ids []string
	err := o.inTx(ctx, func(tx *sql.Tx, st *store.Store) error {
		if _, err := st.GetChapter(ctx, chapterID); err != nil {
			return fmt.Errorf("chapter %s: %w", chapterID, err)
		}
		var err error
		ids, err = o.queue.EnqueueChainTx(ctx, tx, chapterID, ChapterChain...)
		return err
	})
	if err != nil {
		return nil, err
	}
	o.logger.Info("chapter workflow queued", "chapter_id", chapterID, "jobs", ids)
	return ids, nil
}

// QueueBookGeneration queues the chapter chain for every pending chapter
// of the book's current version. Chapters that already have active jobs
// are skipped.
func (o *Orchestrator) QueueBookGeneration(ctx context.Context, bookID string) (BookResult, error) {
	var res BookResult
	err := o.inTx(ctx, func(tx *sql.Tx, st *store.Store) error {
		res = BookResult{}
		if _, err := st.GetBook(ctx, bookID); err != nil {
			return fmt.Errorf("book %s: %w", bookID, err)
		}
		scope, err := versions.CurrentScope(ctx, st, bookID)
		if err != nil {
			return err
		}
		chapters, err := st.ListChaptersByVersion(ctx, bookID, scope)
		if err != nil {
			return err
		}
		for _, c := range chapters {
			if c.Status != store.ChapterPending {
				continue
			}
			busy, err := o.queue.HasActiveTx(ctx, tx, c.ID)
			if err != nil {
				return err
			}
			if busy {
				res.ChaptersSkipped++
				continue
			}
			ids, err := o.queue.EnqueueChainTx(ctx, tx, c.ID, ChapterChain...)
			if err != nil {
				return err
			}
			res.ChaptersQueued++
			res.JobsCreated += len(ids)
		}
		return nil
	})
	if err != nil {
		return BookResult{}, err
	}
	o.logger.Info("book generation queued", "book_id", bookID,
		"queued", res.ChaptersQueued, "skipped", res.ChaptersSkipped, "jobs", res.JobsCreated)
	o.events.LogEvent(ctx, observability.BusinessEvent{
		EventType: "book.generation_queued", EntityType: "book", EntityID: bookID,
		Action: "queue_book", Details: res, Success: true,
	})
	return res, nil
}

// RegenerateChapter records the chapter's current prose as an edit, resets
// it to pending and queues a fresh chain. Earlier job rows stay as history.
func (o *Orchestrator) RegenerateChapter(ctx context.Context, chapterID, notes string) ([]string, error) {
	var ids []string
	err := o.inTx(ctx, func(tx *sql.Tx, st *store.Store) error {
		c, err := st.GetChapter(ctx, chapterID)
		if err != nil {
			return fmt.Errorf("chapter %s: %w", chapterID, err)
		}
		busy, err := o.queue.HasActiveTx(ctx, tx, chapterID)
		if err != nil {
			return err
		}
		if busy {
			return ErrChapterBusy
		}
		if c.Content != "" {
			if err := st.InsertEdit(ctx, &store.ChapterEdit{
				ChapterID:       c.ID,
				VersionID:       c.VersionID,
				EditType:        store.EditRegenerate,
				PreviousContent: c.Content,
				Notes:           notes,
			}); err != nil {
				return err
			}
		}
		if err := st.ResetChapter(ctx, chapterID); err != nil {
			return err
		}
		if err := st.ClearBookComplete(ctx, c.BookID); err != nil {
			return err
		}
		ids, err = o.queue.EnqueueChainTx(ctx, tx, chapterID, ChapterChain...)
		return err
	})
	if err != nil {
		return nil, err
	}
	o.logger.Info("chapter regeneration queued", "chapter_id", chapterID, "jobs", ids)
	o.events.LogEvent(ctx, observability.BusinessEvent{
		EventType: "chapter.regenerate", EntityType: "chapter", EntityID: chapterID,
		Action: "regenerate", Details: map[string]any{"jobs": ids}, Success: true,
	})
	return ids, nil
}

// QueueProposalGeneration queues one condense_chapter job per pending or
// errored proposal of a session and returns how many were queued.
func (o *Orchestrator) QueueProposalGeneration(ctx context.Context, sessionID string) (int, error) {
	queued := 0
	err := o.inTx(ctx, func(tx *sql.Tx, st *store.Store) error {
		queued = 0
		sess, err := st.GetSession(ctx, sessionID)
		if err != nil {
			return fmt.Errorf("session %s: %w", sessionID, err)
		}
		if !sess.Open() {
			return fmt.Errorf("session %s is %s", sessionID, sess.Status)
		}
		props, err := st.ListProposals(ctx, sessionID)
		if err != nil {
			return err
		}
		for _, p := range props {
			if p.Status != store.ProposalPending && p.Status != store.ProposalError {
				continue
			}
			busy, err := o.queue.HasActiveTx(ctx, tx, p.ID)
			if err != nil {
				return err
			}
			if busy {
				continue
			}
			_, err = o.queue.CreateJobTx(ctx, tx, JobCondenseChapter, p.ID,
				jobq.WithPayload(ProposalPayload{SessionID: sessionID, ChapterID: p.ChapterID}))
			if err != nil {
				return err
			}
			queued++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	o.logger.Info("proposal generation queued", "session_id", sessionID, "jobs", queued)
	return queued, nil
}

// QueueAnalysis enqueues analyze_book for a book.
func (o *Orchestrator) QueueAnalysis(ctx context.Context, bookID string) (string, error) {
	return o.queue.CreateJob(ctx, JobAnalyzeBook, bookID)
}

// QueueAnalysisTx is QueueAnalysis inside the caller's transaction.
func (o *Orchestrator) QueueAnalysisTx(ctx context.Context, tx *sql.Tx, bookID string) (string, error) {
	return o.queue.CreateJobTx(ctx, tx, JobAnalyzeBook, bookID)
}
