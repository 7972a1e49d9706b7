package studio

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/manuscript/kit"
)

// RegisterMCP registers every studio tool on an MCP server.
func (s *Service) RegisterMCP(srv *mcp.Server) {
	s.registerBookTools(srv)
	s.registerVersionTools(srv)
	s.registerRevisionTools(srv)
	s.registerOpsTools(srv)
}

// addTool registers one tool whose arguments decode into T. Every call goes
// through the request ID and logging middleware.
func addTool[T any](s *Service, srv *mcp.Server, name, description string, props map[string]any, required []string, fn func(context.Context, *T) (any, error)) {
	tool := &mcp.Tool{
		Name:        name,
		Description: description,
		InputSchema: kit.InputSchema(props, required...),
	}
	mw := kit.Chain(kit.WithRequestIDs(), kit.Logging(s.logger, name))
	endpoint := mw(func(ctx context.Context, r any) (any, error) {
		return fn(ctx, r.(*T))
	})
	kit.RegisterMCPTool[T](srv, tool, endpoint)
}

func str(desc string) map[string]any  { return map[string]any{"type": "string", "description": desc} }
func num(desc string) map[string]any  { return map[string]any{"type": "number", "description": desc} }
func intg(desc string) map[string]any { return map[string]any{"type": "integer", "description": desc} }
func flag(desc string) map[string]any { return map[string]any{"type": "boolean", "description": desc} }

type bookArgs struct {
	BookID string `json:"book_id"`
}

type chapterArgs struct {
	ChapterID string `json:"chapter_id"`
	Notes     string `json:"notes"`
}

type versionArgs struct {
	BookID    string `json:"book_id"`
	VersionID string `json:"version_id"`
	Name      string `json:"name"`
	Force     bool   `json:"force"`
}

type sessionArgs struct {
	SessionID string `json:"session_id"`
}

type proposalArgs struct {
	ProposalID string `json:"proposal_id"`
	Notes      string `json:"notes"`
}

// --- Books and chapters ---

func (s *Service) registerBookTools(srv *mcp.Server) {
	addTool(s, srv, "manuscript_create_project", "Create a project that groups books",
		map[string]any{"title": str("Project title")}, []string{"title"},
		func(ctx context.Context, a *struct {
			Title string `json:"title"`
		}) (any, error) {
			return s.CreateProject(ctx, a.Title)
		})

	addTool(s, srv, "manuscript_create_book",
		"Create a book with one pending chapter per outline entry in an auto-created first version",
		map[string]any{
			"project_id": str("Project ID"),
			"title":      str("Book title"),
			"plot":       str("Plot synopsis"),
			"outline": map[string]any{
				"type":        "array",
				"description": "Planned chapters in reading order",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"number":  intg("Chapter number (defaults to position)"),
						"title":   str("Chapter title"),
						"summary": str("What happens in the chapter"),
					},
					"required": []string{"title"},
				},
			},
		}, []string{"project_id", "title", "outline"},
		func(ctx context.Context, a *BookInput) (any, error) {
			return s.CreateBook(ctx, *a)
		})

	addTool(s, srv, "manuscript_get_book", "Get a book with the chapters of its active version",
		map[string]any{"book_id": str("Book ID")}, []string{"book_id"},
		func(ctx context.Context, a *bookArgs) (any, error) {
			return s.GetBook(ctx, a.BookID)
		})

	addTool(s, srv, "manuscript_list_books", "List the books of a project",
		map[string]any{"project_id": str("Project ID")}, []string{"project_id"},
		func(ctx context.Context, a *struct {
			ProjectID string `json:"project_id"`
		}) (any, error) {
			return s.ListBooks(ctx, a.ProjectID)
		})

	addTool(s, srv, "manuscript_get_chapter", "Get a chapter with its content",
		map[string]any{"chapter_id": str("Chapter ID")}, []string{"chapter_id"},
		func(ctx context.Context, a *chapterArgs) (any, error) {
			return s.GetChapter(ctx, a.ChapterID)
		})

	addTool(s, srv, "manuscript_chapter_history", "List a chapter's edit history",
		map[string]any{"chapter_id": str("Chapter ID")}, []string{"chapter_id"},
		func(ctx context.Context, a *chapterArgs) (any, error) {
			return s.ChapterHistory(ctx, a.ChapterID)
		})

	addTool(s, srv, "manuscript_queue_book", "Queue generation of every pending chapter of a book",
		map[string]any{"book_id": str("Book ID")}, []string{"book_id"},
		func(ctx context.Context, a *bookArgs) (any, error) {
			return s.QueueBookGeneration(ctx, a.BookID)
		})

	addTool(s, srv, "manuscript_queue_chapter", "Queue the write, summarize and story-state jobs of one chapter",
		map[string]any{"chapter_id": str("Chapter ID")}, []string{"chapter_id"},
		func(ctx context.Context, a *chapterArgs) (any, error) {
			ids, err := s.QueueChapter(ctx, a.ChapterID)
			return map[string]any{"job_ids": ids}, err
		})

	addTool(s, srv, "manuscript_regenerate_chapter",
		"Discard a chapter's content (kept in its edit history) and write it again",
		map[string]any{"chapter_id": str("Chapter ID"), "notes": str("Why the chapter is regenerated")},
		[]string{"chapter_id"},
		func(ctx context.Context, a *chapterArgs) (any, error) {
			ids, err := s.RegenerateChapter(ctx, a.ChapterID, a.Notes)
			return map[string]any{"job_ids": ids}, err
		})
}

// --- Versions ---

func (s *Service) registerVersionTools(srv *mcp.Server) {
	addTool(s, srv, "manuscript_list_versions", "List the versions of a book",
		map[string]any{"book_id": str("Book ID")}, []string{"book_id"},
		func(ctx context.Context, a *bookArgs) (any, error) {
			return s.ListVersions(ctx, a.BookID)
		})

	addTool(s, srv, "manuscript_create_version", "Create a new active version, optionally cloning chapters",
		map[string]any{
			"book_id":        str("Book ID"),
			"name":           str("Version name (default: Version N)"),
			"clone_chapters": flag("Copy the chapters of clone_from into the new version"),
			"clone_from":     str("Source version ID (default: the active version)"),
		}, []string{"book_id"},
		func(ctx context.Context, a *struct {
			BookID        string `json:"book_id"`
			Name          string `json:"name"`
			CloneChapters bool   `json:"clone_chapters"`
			CloneFrom     string `json:"clone_from"`
		}) (any, error) {
			return s.CreateVersion(ctx, a.BookID, VersionOptions{
				Name: a.Name, CloneChapters: a.CloneChapters, CloneFrom: a.CloneFrom,
			})
		})

	addTool(s, srv, "manuscript_activate_version", "Make a version the book's active version",
		map[string]any{"book_id": str("Book ID"), "version_id": str("Version ID")},
		[]string{"book_id", "version_id"},
		func(ctx context.Context, a *versionArgs) (any, error) {
			return ok(s.ActivateVersion(ctx, a.BookID, a.VersionID))
		})

	addTool(s, srv, "manuscript_delete_version",
		"Delete a version and its chapters; the active one requires force",
		map[string]any{
			"book_id":    str("Book ID"),
			"version_id": str("Version ID"),
			"force":      flag("Delete the active version after promoting the most recent other one"),
		}, []string{"book_id", "version_id"},
		func(ctx context.Context, a *versionArgs) (any, error) {
			return ok(s.DeleteVersion(ctx, a.BookID, a.VersionID, a.Force))
		})

	addTool(s, srv, "manuscript_rename_version", "Rename a version",
		map[string]any{"book_id": str("Book ID"), "version_id": str("Version ID"), "name": str("New name")},
		[]string{"book_id", "version_id", "name"},
		func(ctx context.Context, a *versionArgs) (any, error) {
			return ok(s.RenameVersion(ctx, a.BookID, a.VersionID, a.Name))
		})
}

// --- Revisions ---

func (s *Service) registerRevisionTools(srv *mcp.Server) {
	addTool(s, srv, "manuscript_start_revision",
		"Start a word-count revision of a book, or return the open one",
		map[string]any{
			"book_id":           str("Book ID"),
			"target_word_count": intg("Target total word count"),
			"tolerance_percent": num("Accepted deviation from the target in percent"),
		}, []string{"book_id", "target_word_count"},
		func(ctx context.Context, a *struct {
			BookID    string   `json:"book_id"`
			Target    int      `json:"target_word_count"`
			Tolerance *float64 `json:"tolerance_percent"`
		}) (any, error) {
			tol := s.DefaultTolerancePercent()
			if a.Tolerance != nil {
				tol = *a.Tolerance
			}
			return s.StartRevision(ctx, a.BookID, a.Target, tol)
		})

	addTool(s, srv, "manuscript_queue_proposals", "Queue condensation of every pending or failed proposal",
		map[string]any{"session_id": str("Revision session ID")}, []string{"session_id"},
		func(ctx context.Context, a *sessionArgs) (any, error) {
			n, err := s.QueueProposals(ctx, a.SessionID)
			return map[string]int{"queued": n}, err
		})

	addTool(s, srv, "manuscript_list_proposals", "List a session's proposals by chapter",
		map[string]any{"session_id": str("Revision session ID")}, []string{"session_id"},
		func(ctx context.Context, a *sessionArgs) (any, error) {
			return s.ListProposals(ctx, a.SessionID)
		})

	addTool(s, srv, "manuscript_approve_proposal", "Apply a ready proposal to the revision's version",
		map[string]any{"proposal_id": str("Proposal ID"), "notes": str("Reviewer notes")},
		[]string{"proposal_id"},
		func(ctx context.Context, a *proposalArgs) (any, error) {
			return s.ApproveProposal(ctx, a.ProposalID, a.Notes)
		})

	addTool(s, srv, "manuscript_reject_proposal", "Reject a proposal",
		map[string]any{"proposal_id": str("Proposal ID"), "notes": str("Reviewer notes")},
		[]string{"proposal_id"},
		func(ctx context.Context, a *proposalArgs) (any, error) {
			return s.RejectProposal(ctx, a.ProposalID, a.Notes)
		})

	addTool(s, srv, "manuscript_revision_progress",
		"Report a revision's progress and whether it can be completed",
		map[string]any{"session_id": str("Revision session ID")}, []string{"session_id"},
		func(ctx context.Context, a *sessionArgs) (any, error) {
			return s.ValidateCompletion(ctx, a.SessionID)
		})

	addTool(s, srv, "manuscript_complete_revision", "Close a revision as completed",
		map[string]any{"session_id": str("Revision session ID")}, []string{"session_id"},
		func(ctx context.Context, a *sessionArgs) (any, error) {
			return s.CompleteRevision(ctx, a.SessionID)
		})

	addTool(s, srv, "manuscript_abandon_revision", "Abandon a revision; applied changes stay",
		map[string]any{"session_id": str("Revision session ID")}, []string{"session_id"},
		func(ctx context.Context, a *sessionArgs) (any, error) {
			return s.AbandonRevision(ctx, a.SessionID)
		})
}

// --- Completion, jobs, status ---

func (s *Service) registerOpsTools(srv *mcp.Server) {
	addTool(s, srv, "manuscript_book_completion", "Report whether a book is fully written and its analysis state",
		map[string]any{"book_id": str("Book ID")}, []string{"book_id"},
		func(ctx context.Context, a *bookArgs) (any, error) {
			st, err := s.CheckBookCompletion(ctx, a.BookID)
			if err != nil {
				return nil, err
			}
			out := map[string]any{"status": st}
			if c, err := s.GetCompletion(ctx, a.BookID); err == nil {
				out["record"] = c
			}
			return out, nil
		})

	addTool(s, srv, "manuscript_reanalyse_book", "Queue a fresh quality analysis of a completed book",
		map[string]any{"book_id": str("Book ID")}, []string{"book_id"},
		func(ctx context.Context, a *bookArgs) (any, error) {
			id, err := s.Reanalyse(ctx, a.BookID)
			return map[string]string{"job_id": id}, err
		})

	addTool(s, srv, "manuscript_jobs", "List the jobs of a chapter, book or proposal in queue order",
		map[string]any{"target_id": str("Chapter, book or proposal ID")}, []string{"target_id"},
		func(ctx context.Context, a *struct {
			TargetID string `json:"target_id"`
		}) (any, error) {
			return s.Jobs(ctx, a.TargetID)
		})

	addTool(s, srv, "manuscript_events", "List recent business events for an entity",
		map[string]any{"entity_id": str("Entity ID (empty for all)"), "limit": intg("Maximum events (default 50)")},
		nil,
		func(ctx context.Context, a *struct {
			EntityID string `json:"entity_id"`
			Limit    int    `json:"limit"`
		}) (any, error) {
			return s.RecentEvents(ctx, a.EntityID, a.Limit)
		})

	addTool(s, srv, "manuscript_status", "Report queue depth, rate-limit state and worker liveness",
		map[string]any{}, nil,
		func(ctx context.Context, _ *struct{}) (any, error) {
			return s.Status(ctx)
		})
}

func ok(err error) (any, error) {
	if err != nil {
		return nil, err
	}
	return map[string]bool{"ok": true}, nil
}
