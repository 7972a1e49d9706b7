package store

import "encoding/json"

// Chapter statuses.
const (
	ChapterPending    = "pending"
	ChapterGenerating = "generating"
	ChapterCompleted  = "completed"
	ChapterFailed     = "failed"
)

// Revision session statuses.
const (
	SessionCalculating = "calculating"
	SessionReady       = "ready"
	SessionInProgress  = "in_progress"
	SessionCompleted   = "completed"
	SessionAbandoned   = "abandoned"
)

// Proposal statuses.
const (
	ProposalPending    = "pending"
	ProposalGenerating = "generating"
	ProposalReady      = "ready"
	ProposalApplied    = "applied"
	ProposalRejected   = "rejected"
	ProposalError      = "error"
)

// Proposal user decisions.
const (
	DecisionPending  = "pending"
	DecisionApproved = "approved"
	DecisionRejected = "rejected"
)

// Analytics statuses of a completion record.
const (
	AnalyticsPending    = "pending"
	AnalyticsProcessing = "processing"
	AnalyticsCompleted  = "completed"
	AnalyticsFailed     = "failed"
)

// Chapter edit types.
const (
	EditRegenerate = "regenerate"
	EditRevision   = "revision"
	EditManual     = "manual"
)

// Project groups books.
type Project struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	CreatedAt int64  `json:"created_at"`
}

// OutlineEntry is one planned chapter of a book outline.
type OutlineEntry struct {
	Number  int    `json:"number"`
	Title   string `json:"title"`
	Summary string `json:"summary"`
}

// Outline is a book's chapter plan.
type Outline []OutlineEntry

// Book is the unit that owns versions and chapters.
type Book struct {
	ID         string          `json:"id"`
	ProjectID  string          `json:"project_id"`
	Title      string          `json:"title"`
	Plot       string          `json:"plot"`
	Outline    Outline         `json:"outline"`
	StoryState json.RawMessage `json:"story_state,omitempty"`
	IsComplete bool            `json:"is_complete"`
	CreatedAt  int64           `json:"created_at"`
	UpdatedAt  int64           `json:"updated_at"`
}

// Chapter is one chapter row. VersionID is empty for legacy rows that
// belong to the implicit version 0.
type Chapter struct {
	ID            string `json:"id"`
	BookID        string `json:"book_id"`
	VersionID     string `json:"version_id,omitempty"`
	ChapterNumber int    `json:"chapter_number"`
	Title         string `json:"title"`
	Outline       string `json:"outline"`
	Content       string `json:"content,omitempty"`
	Summary       string `json:"summary,omitempty"`
	WordCount     int    `json:"word_count"`
	Status        string `json:"status"`
	CreatedAt     int64  `json:"created_at"`
	UpdatedAt     int64  `json:"updated_at"`
}

// ChapterEdit is one entry of a chapter's edit history.
type ChapterEdit struct {
	ID              string `json:"id"`
	ChapterID       string `json:"chapter_id"`
	VersionID       string `json:"version_id,omitempty"`
	EditType        string `json:"edit_type"`
	PreviousContent string `json:"previous_content"`
	NewContent      string `json:"new_content"`
	Notes           string `json:"notes,omitempty"`
	CreatedAt       int64  `json:"created_at"`
}

// ChapterQuality holds the analysis signals for one chapter.
type ChapterQuality struct {
	ChapterID        string   `json:"chapter_id"`
	BookID           string   `json:"book_id"`
	SceneNotEarned   bool     `json:"scene_not_earned"`
	SceneConfidence  float64  `json:"scene_confidence"`
	ExpositionIssues []string `json:"exposition_issues"`
	PacingIssues     []string `json:"pacing_issues"`
	AnalyzedAt       int64    `json:"analyzed_at"`
}

// Version is a lineage snapshot of a book's chapters.
type Version struct {
	ID              string  `json:"id"`
	BookID          string  `json:"book_id"`
	VersionNumber   int     `json:"version_number"`
	VersionName     string  `json:"version_name"`
	PlotSnapshot    string  `json:"plot_snapshot"`
	OutlineSnapshot Outline `json:"outline_snapshot"`
	IsActive        bool    `json:"is_active"`
	AutoCreated     bool    `json:"auto_created"`
	WordCount       int     `json:"word_count"`
	ChapterCount    int     `json:"chapter_count"`
	CreatedAt       int64   `json:"created_at"`
	CompletedAt     *int64  `json:"completed_at,omitempty"`
}

// Session is a revision session row.
type Session struct {
	ID                string  `json:"id"`
	BookID            string  `json:"book_id"`
	SourceVersionID   string  `json:"source_version_id,omitempty"`
	TargetVersionID   string  `json:"target_version_id,omitempty"`
	OriginalWordCount int     `json:"original_word_count"`
	CurrentWordCount  int     `json:"current_word_count"`
	TargetWordCount   int     `json:"target_word_count"`
	TolerancePercent  float64 `json:"tolerance_percent"`
	MinAcceptable     int     `json:"min_acceptable"`
	MaxAcceptable     int     `json:"max_acceptable"`
	WordsToCut        int     `json:"words_to_cut"`
	Status            string  `json:"status"`
	ChaptersReviewed  int     `json:"chapters_reviewed"`
	ChaptersTotal     int     `json:"chapters_total"`
	WordsCutSoFar     int     `json:"words_cut_so_far"`
	CreatedAt         int64   `json:"created_at"`
	UpdatedAt         int64   `json:"updated_at"`
	CompletedAt       *int64  `json:"completed_at,omitempty"`
}

// Open reports whether the session is non-terminal.
func (s *Session) Open() bool {
	switch s.Status {
	case SessionCalculating, SessionReady, SessionInProgress:
		return true
	}
	return false
}

// Proposal is a chapter reduction proposal.
type Proposal struct {
	ID                 string   `json:"id"`
	RevisionID         string   `json:"revision_id"`
	ChapterID          string   `json:"chapter_id"`
	ChapterNumber      int      `json:"chapter_number"`
	OriginalWordCount  int      `json:"original_word_count"`
	TargetWordCount    int      `json:"target_word_count"`
	ReductionPercent   float64  `json:"reduction_percent"`
	PriorityScore      float64  `json:"priority_score"`
	Status             string   `json:"status"`
	CondensedContent   string   `json:"condensed_content,omitempty"`
	CondensedWordCount int      `json:"condensed_word_count"`
	ActualReduction    int      `json:"actual_reduction"`
	CutRationale       []string `json:"cut_rationale"`
	PreservedElements  []string `json:"preserved_elements"`
	UserDecision       string   `json:"user_decision"`
	ErrorMessage       string   `json:"error_message,omitempty"`
	UserNotes          string   `json:"user_notes,omitempty"`
	CreatedAt          int64    `json:"created_at"`
	UpdatedAt          int64    `json:"updated_at"`
	DecidedAt          *int64   `json:"decided_at,omitempty"`
}

// Completion is the durable marker that a book's chapters are all written.
type Completion struct {
	ID              string `json:"id"`
	BookID          string `json:"book_id"`
	ProjectID       string `json:"project_id"`
	CompletedAt     int64  `json:"completed_at"`
	TotalChapters   int    `json:"total_chapters"`
	TotalWordCount  int    `json:"total_word_count"`
	AnalyticsStatus string `json:"analytics_status"`
	AnalyticsJobID  string `json:"analytics_job_id,omitempty"`
	Error           string `json:"error,omitempty"`
	UpdatedAt       int64  `json:"updated_at"`
}
