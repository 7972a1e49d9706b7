// Package completion detects when every chapter of a book has prose and
// starts the book-level analysis exactly once per completion.
package completion

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hazyhaar/manuscript/dbopen"
	"github.com/hazyhaar/manuscript/observability"
	"github.com/hazyhaar/manuscript/studio/internal/store"
	"github.com/hazyhaar/manuscript/studio/internal/versions"
)

var (
	ErrNotComplete    = errors.New("completion: book is not complete")
	ErrAnalysisActive = errors.New("completion: analysis already processing or completed")
	ErrNoRecord       = errors.New("completion: book has no completion record")
)

// Queuer enqueues the book analysis inside a transaction.
type Queuer interface {
	QueueAnalysisTx(ctx context.Context, tx *sql.Tx, bookID string) (string, error)
}

// Status is the outcome of CheckBookCompletion.
type Status struct {
	BookID        string `json:"book_id"`
	Complete      bool   `json:"complete"`
	TotalChapters int    `json:"total_chapters"`
	EmptyChapters int    `json:"empty_chapters"`
	TotalWords    int    `json:"total_words"`
}

// Detector implements the completion checks.
type Detector struct {
	store  *store.Store
	queue  Queuer
	events *observability.EventLogger
	logger *slog.Logger
}

// New creates a Detector. events may be nil.
func New(st *store.Store, q Queuer, events *observability.EventLogger, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{store: st, queue: q, events: events, logger: logger}
}

// CheckBookCompletion reports whether the book's current chapters all have
// content. It writes nothing.
func (d *Detector) CheckBookCompletion(ctx context.Context, bookID string) (Status, error) {
	return check(ctx, d.store, bookID)
}

func check(ctx context.Context, st *store.Store, bookID string) (Status, error) {
	s := Status{BookID: bookID}
	scope, err := versions.CurrentScope(ctx, st, bookID)
	if err != nil {
		return s, err
	}
	chapters, err := st.ListChaptersByVersion(ctx, bookID, scope)
	if err != nil {
		return s, err
	}
	s.TotalChapters = len(chapters)
	for _, c := range chapters {
		if strings.TrimSpace(c.Content) == "" {
			s.EmptyChapters++
		}
		s.TotalWords += c.WordCount
	}
	s.Complete = s.TotalChapters > 0 && s.EmptyChapters == 0
	return s, nil
}

// MarkBookComplete writes the completion record and flips the book's flag.
// It reports whether this call created the record; a second call is a no-op.
func (d *Detector) MarkBookComplete(ctx context.Context, bookID string) (*store.Completion, bool, error) {
	var created bool
	err := d.store.InTx(ctx, func(tx *store.Store) error {
		var err error
		created, err = markTx(ctx, tx, bookID)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	c, err := d.store.GetCompletion(ctx, bookID)
	return c, created, err
}

func markTx(ctx context.Context, tx *store.Store, bookID string) (bool, error) {
	book, err := tx.GetBook(ctx, bookID)
	if err != nil {
		return false, fmt.Errorf("book %s: %w", bookID, err)
	}
	s, err := check(ctx, tx, bookID)
	if err != nil {
		return false, err
	}
	if !s.Complete {
		return false, ErrNotComplete
	}
	created, err := tx.InsertCompletion(ctx, &store.Completion{
		BookID:         bookID,
		ProjectID:      book.ProjectID,
		TotalChapters:  s.TotalChapters,
		TotalWordCount: s.TotalWords,
	})
	if err != nil || !created {
		return false, err
	}
	if _, err := tx.SetBookComplete(ctx, bookID); err != nil {
		return false, err
	}
	if v, err := tx.ActiveVersion(ctx, bookID); err == nil {
		if err := tx.MarkVersionCompleted(ctx, v.ID); err != nil {
			return false, err
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return false, err
	}
	return created, nil
}

// TriggerAutoAnalysis enqueues the book analysis and moves the record to
// processing. A record that is processing or completed is left alone.
func (d *Detector) TriggerAutoAnalysis(ctx context.Context, bookID string) (string, error) {
	var jobID string
	err := dbopen.RunTx(ctx, d.store.DB, func(tx *sql.Tx) error {
		st := d.store.WithTx(tx)
		c, err := st.GetCompletion(ctx, bookID)
		if errors.Is(err, store.ErrNotFound) {
			return ErrNoRecord
		}
		if err != nil {
			return err
		}
		if c.AnalyticsStatus == store.AnalyticsProcessing || c.AnalyticsStatus == store.AnalyticsCompleted {
			return ErrAnalysisActive
		}
		jobID, err = d.queue.QueueAnalysisTx(ctx, tx, bookID)
		if err != nil {
			return fmt.Errorf("enqueue analysis: %w", err)
		}
		return st.SetAnalyticsStatus(ctx, bookID, store.AnalyticsProcessing, jobID, "",
			store.AnalyticsPending, store.AnalyticsFailed)
	})
	if err != nil {
		if !errors.Is(err, ErrAnalysisActive) && !errors.Is(err, ErrNoRecord) {
			if serr := d.store.SetAnalyticsStatus(context.WithoutCancel(ctx), bookID,
				store.AnalyticsFailed, "", err.Error()); serr != nil {
				d.logger.Warn("mark analytics failed", "book_id", bookID, "error", serr)
			}
		}
		return "", err
	}
	d.logger.Info("book analysis queued", "book_id", bookID, "job_id", jobID)
	d.events.LogEvent(ctx, observability.BusinessEvent{
		EventType: "book.analysis_queued", EntityType: "book", EntityID: bookID,
		Action: "trigger_analysis", Details: map[string]string{"job_id": jobID}, Success: true,
	})
	return jobID, nil
}

// Reanalyse resets a completed or failed analysis and triggers it again.
func (d *Detector) Reanalyse(ctx context.Context, bookID string) (string, error) {
	err := d.store.SetAnalyticsStatus(ctx, bookID, store.AnalyticsPending, "", "",
		store.AnalyticsCompleted, store.AnalyticsFailed)
	if errors.Is(err, store.ErrNotFound) {
		c, gerr := d.store.GetCompletion(ctx, bookID)
		if gerr != nil {
			return "", ErrNoRecord
		}
		if c.AnalyticsStatus == store.AnalyticsProcessing {
			return "", ErrAnalysisActive
		}
	} else if err != nil {
		return "", err
	}
	return d.TriggerAutoAnalysis(ctx, bookID)
}

// CheckAndTriggerCompletion runs after a chapter gets content. It marks the
// chapter's book complete and triggers analysis only when this call is the
// one that completes the book for the first time. It reports whether it did.
func (d *Detector) CheckAndTriggerCompletion(ctx context.Context, chapterID string) (bool, error) {
	ch, err := d.store.GetChapter(ctx, chapterID)
	if err != nil {
		return false, err
	}
	if _, err := d.store.GetCompletion(ctx, ch.BookID); err == nil {
		return false, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return false, err
	}
	s, err := d.CheckBookCompletion(ctx, ch.BookID)
	if err != nil || !s.Complete {
		return false, err
	}
	c, created, err := d.MarkBookComplete(ctx, ch.BookID)
	if errors.Is(err, ErrNotComplete) {
		return false, nil
	}
	if err != nil || !created {
		return false, err
	}
	d.logger.Info("book complete", "book_id", ch.BookID, "chapters", c.TotalChapters, "words", c.TotalWordCount)
	d.events.LogEvent(ctx, observability.BusinessEvent{
		EventType: "book.completed", EntityType: "book", EntityID: ch.BookID, Action: "complete",
		Details: map[string]int{"chapters": c.TotalChapters, "words": c.TotalWordCount}, Success: true,
	})
	if _, err := d.TriggerAutoAnalysis(ctx, ch.BookID); err != nil {
		return true, err
	}
	return true, nil
}

// SetAnalyticsStatus records the outcome of a book analysis.
func (d *Detector) SetAnalyticsStatus(ctx context.Context, bookID, status, errMsg string) error {
	return d.store.SetAnalyticsStatus(ctx, bookID, status, "", errMsg)
}

// GetCompletion returns the completion record of a book.
func (d *Detector) GetCompletion(ctx context.Context, bookID string) (*store.Completion, error) {
	return d.store.GetCompletion(ctx, bookID)
}
