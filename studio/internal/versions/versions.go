// Package versions implements copy-on-write version lineage for books.
//
// A version owns its own chapter rows. Creating a version snapshots the
// book's plot and outline by value and can clone every chapter of a source
// version in the same transaction, so no reader ever sees a half-cloned
// version. At most one version per book is active; the schema backs this
// with a partial unique index.
package versions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hazyhaar/manuscript/observability"
	"github.com/hazyhaar/manuscript/studio/internal/store"
)

var (
	ErrNotFound      = store.ErrNotFound
	ErrSoleVersion   = errors.New("versions: cannot delete the only version of a book")
	ErrActiveVersion = errors.New("versions: cannot delete the active version without force")
)

// CreateOptions controls CreateVersion.
type CreateOptions struct {
	// ID is generated when empty.
	ID string
	// Name defaults to "Version N".
	Name        string
	AutoCreated bool
	// CloneChapters copies every chapter of CloneFrom into the new version.
	CloneChapters bool
	// CloneFrom defaults to the active version, or the legacy chapters
	// when the book has no version yet.
	CloneFrom string
}

// Service manages book versions.
type Service struct {
	store  *store.Store
	events *observability.EventLogger
	logger *slog.Logger
}

// NewService creates a version Service. events may be nil.
func NewService(st *store.Store, events *observability.EventLogger, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, events: events, logger: logger}
}

// CreateVersion creates a new active version of a book.
func (s *Service) CreateVersion(ctx context.Context, bookID string, opts CreateOptions) (*store.Version, error) {
	var v *store.Version
	err := s.store.InTx(ctx, func(tx *store.Store) error {
		var err error
		v, err = CreateVersionTx(ctx, tx, bookID, opts)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("version created", "book_id", bookID, "version_id", v.ID,
		"number", v.VersionNumber, "chapters", v.ChapterCount)
	s.events.LogEvent(ctx, observability.BusinessEvent{
		EventType: "version.created", EntityType: "book", EntityID: bookID, Action: "create_version",
		Details: map[string]any{"version_id": v.ID, "number": v.VersionNumber, "auto": v.AutoCreated},
		Success: true,
	})
	return v, nil
}

// CreateVersionTx is CreateVersion inside the caller's transaction; tx
// must be a Store bound with WithTx.
func CreateVersionTx(ctx context.Context, tx *store.Store, bookID string, opts CreateOptions) (*store.Version, error) {
	book, err := tx.GetBook(ctx, bookID)
	if err != nil {
		return nil, fmt.Errorf("book %s: %w", bookID, err)
	}

	var source []*store.Chapter
	if opts.CloneChapters {
		from := opts.CloneFrom
		if from == "" {
			from, err = CurrentScope(ctx, tx, bookID)
			if err != nil {
				return nil, err
			}
		} else if err := belongs(ctx, tx, bookID, from); err != nil {
			return nil, err
		}
		source, err = tx.ListChaptersByVersion(ctx, bookID, from)
		if err != nil {
			return nil, fmt.Errorf("list source chapters: %w", err)
		}
	}

	n, err := tx.NextVersionNumber(ctx, bookID)
	if err != nil {
		return nil, err
	}
	name := opts.Name
	if name == "" {
		name = fmt.Sprintf("Version %d", n)
	}
	if err := tx.DeactivateVersions(ctx, bookID); err != nil {
		return nil, err
	}
	v := &store.Version{
		ID:              opts.ID,
		BookID:          bookID,
		VersionNumber:   n,
		VersionName:     name,
		PlotSnapshot:    book.Plot,
		OutlineSnapshot: append(store.Outline(nil), book.Outline...),
		IsActive:        true,
		AutoCreated:     opts.AutoCreated,
	}
	if err := tx.InsertVersion(ctx, v); err != nil {
		return nil, err
	}

	for _, c := range source {
		clone := *c
		clone.ID = ""
		clone.VersionID = v.ID
		clone.CreatedAt = 0
		if err := tx.InsertChapter(ctx, &clone); err != nil {
			return nil, fmt.Errorf("clone chapter %d: %w", c.ChapterNumber, err)
		}
		v.ChapterCount++
		v.WordCount += c.WordCount
	}
	if len(source) > 0 {
		if err := tx.SetVersionStats(ctx, v.ID, v.WordCount, v.ChapterCount); err != nil {
			return nil, err
		}
	}
	return v, nil
}

// ActivateVersion makes versionID the only active version of the book.
func (s *Service) ActivateVersion(ctx context.Context, bookID, versionID string) error {
	err := s.store.InTx(ctx, func(tx *store.Store) error {
		if err := belongs(ctx, tx, bookID, versionID); err != nil {
			return err
		}
		if err := tx.DeactivateVersions(ctx, bookID); err != nil {
			return err
		}
		return tx.SetVersionActive(ctx, versionID)
	})
	if err != nil {
		return err
	}
	s.logger.Info("version activated", "book_id", bookID, "version_id", versionID)
	s.events.LogEvent(ctx, observability.BusinessEvent{
		EventType: "version.activated", EntityType: "book", EntityID: bookID, Action: "activate_version",
		Details: map[string]string{"version_id": versionID}, Success: true,
	})
	return nil
}

// DeleteVersion removes a version with its chapters and edit history. The
// only version of a book is never deleted. Deleting the active version
// requires force and first activates the most recent remaining version.
func (s *Service) DeleteVersion(ctx context.Context, bookID, versionID string, force bool) error {
	var promoted string
	err := s.store.InTx(ctx, func(tx *store.Store) error {
		v, err := tx.GetVersion(ctx, versionID)
		if err != nil {
			return err
		}
		if v.BookID != bookID {
			return ErrNotFound
		}
		n, err := tx.CountVersions(ctx, bookID)
		if err != nil {
			return err
		}
		if n <= 1 {
			return ErrSoleVersion
		}
		if v.IsActive {
			if !force {
				return ErrActiveVersion
			}
			next, err := tx.MostRecentVersion(ctx, bookID, versionID)
			if err != nil {
				return fmt.Errorf("pick replacement version: %w", err)
			}
			if err := tx.DeactivateVersions(ctx, bookID); err != nil {
				return err
			}
			if err := tx.SetVersionActive(ctx, next.ID); err != nil {
				return err
			}
			promoted = next.ID
		}
		if err := tx.DeleteEditsByVersion(ctx, versionID); err != nil {
			return err
		}
		return tx.DeleteVersion(ctx, versionID)
	})
	if err != nil {
		return err
	}
	s.logger.Info("version deleted", "book_id", bookID, "version_id", versionID, "activated", promoted)
	s.events.LogEvent(ctx, observability.BusinessEvent{
		EventType: "version.deleted", EntityType: "book", EntityID: bookID, Action: "delete_version",
		Details: map[string]any{"version_id": versionID, "force": force, "activated": promoted}, Success: true,
	})
	return nil
}

// MigrateExistingChapters attaches a book's legacy chapters to a
// synthesized "Original" version. It returns nil when there was nothing to
// migrate.
func (s *Service) MigrateExistingChapters(ctx context.Context, bookID string) (*store.Version, error) {
	var v *store.Version
	err := s.store.InTx(ctx, func(tx *store.Store) error {
		var err error
		v, err = MigrateTx(ctx, tx, bookID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if v != nil {
		s.logger.Info("legacy chapters migrated", "book_id", bookID, "version_id", v.ID, "chapters", v.ChapterCount)
	}
	return v, nil
}

// MigrateTx is MigrateExistingChapters inside the caller's transaction.
// The synthesized version is active only when the book had no version.
func MigrateTx(ctx context.Context, tx *store.Store, bookID string) (*store.Version, error) {
	legacy, err := tx.CountUnversionedChapters(ctx, bookID)
	if err != nil {
		return nil, err
	}
	if legacy == 0 {
		return nil, nil
	}
	book, err := tx.GetBook(ctx, bookID)
	if err != nil {
		return nil, fmt.Errorf("book %s: %w", bookID, err)
	}
	existing, err := tx.CountVersions(ctx, bookID)
	if err != nil {
		return nil, err
	}
	n, err := tx.NextVersionNumber(ctx, bookID)
	if err != nil {
		return nil, err
	}
	v := &store.Version{
		BookID:          bookID,
		VersionNumber:   n,
		VersionName:     "Original",
		PlotSnapshot:    book.Plot,
		OutlineSnapshot: book.Outline,
		IsActive:        existing == 0,
		AutoCreated:     true,
	}
	if err := tx.InsertVersion(ctx, v); err != nil {
		return nil, err
	}
	if err := tx.AssignUnversionedEdits(ctx, bookID, v.ID); err != nil {
		return nil, err
	}
	if _, err := tx.AssignUnversionedChapters(ctx, bookID, v.ID); err != nil {
		return nil, err
	}
	if err := UpdateStatsTx(ctx, tx, v); err != nil {
		return nil, err
	}
	return v, nil
}

// UpdateVersionStats recomputes a version's cached chapter and word counts.
func (s *Service) UpdateVersionStats(ctx context.Context, versionID string) (*store.Version, error) {
	v, err := s.store.GetVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}
	if err := UpdateStatsTx(ctx, s.store, v); err != nil {
		return nil, err
	}
	return v, nil
}

// UpdateStatsTx recomputes v's totals through st and updates v in place.
func UpdateStatsTx(ctx context.Context, st *store.Store, v *store.Version) error {
	tot, err := st.VersionTotals(ctx, v.BookID, v.ID)
	if err != nil {
		return err
	}
	if err := st.SetVersionStats(ctx, v.ID, tot.Words, tot.Chapters); err != nil {
		return err
	}
	v.WordCount, v.ChapterCount = tot.Words, tot.Chapters
	return nil
}

// CurrentScope returns the version ID whose chapters make up the book
// right now: the active version, or "" for legacy chapters.
func CurrentScope(ctx context.Context, st *store.Store, bookID string) (string, error) {
	v, err := st.ActiveVersion(ctx, bookID)
	if errors.Is(err, store.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return v.ID, nil
}

// ListVersions returns a book's versions.
func (s *Service) ListVersions(ctx context.Context, bookID string) ([]*store.Version, error) {
	return s.store.ListVersions(ctx, bookID)
}

// GetVersion returns one version.
func (s *Service) GetVersion(ctx context.Context, versionID string) (*store.Version, error) {
	return s.store.GetVersion(ctx, versionID)
}

// ActiveVersion returns the active version of a book.
func (s *Service) ActiveVersion(ctx context.Context, bookID string) (*store.Version, error) {
	return s.store.ActiveVersion(ctx, bookID)
}

// RenameVersion changes a version's display name.
func (s *Service) RenameVersion(ctx context.Context, bookID, versionID, name string) error {
	if name == "" {
		return fmt.Errorf("versions: empty name")
	}
	return s.store.InTx(ctx, func(tx *store.Store) error {
		if err := belongs(ctx, tx, bookID, versionID); err != nil {
			return err
		}
		return tx.RenameVersion(ctx, versionID, name)
	})
}

func belongs(ctx context.Context, st *store.Store, bookID, versionID string) error {
	v, err := st.GetVersion(ctx, versionID)
	if err != nil {
		return fmt.Errorf("version %s: %w", versionID, err)
	}
	if v.BookID != bookID {
		return fmt.Errorf("version %s of book %s: %w", versionID, bookID, ErrNotFound)
	}
	return nil
}
