package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Assistant holds the writing capabilities built on a Completer.
type Assistant struct {
	c Completer
}

// NewAssistant wraps a Completer.
func NewAssistant(c Completer) *Assistant {
	return &Assistant{c: c}
}

// ChapterBrief is everything the writer sees when drafting one chapter.
type ChapterBrief struct {
	BookTitle       string
	Plot            string
	BookOutline     string
	ChapterNumber   int
	Title           string
	ChapterOutline  string
	PreviousSummary string
	StoryState      json.RawMessage
}

// WriteChapter drafts chapter prose in markdown.
func (a *Assistant) WriteChapter(ctx context.Context, b ChapterBrief) (string, error) {
	var u strings.Builder
	fmt.Fprintf(&u, "Book: %s\n\nPlot:\n%s\n\nBook outline:\n%s\n\n", b.BookTitle, b.Plot, b.BookOutline)
	if b.PreviousSummary != "" {
		fmt.Fprintf(&u, "Previously:\n%s\n\n", b.PreviousSummary)
	}
	if len(b.StoryState) > 0 {
		fmt.Fprintf(&u, "Story state:\n%s\n\n", b.StoryState)
	}
	fmt.Fprintf(&u, "Write chapter %d", b.ChapterNumber)
	if b.Title != "" {
		fmt.Fprintf(&u, " (%q)", b.Title)
	}
	fmt.Fprintf(&u, " following this outline:\n%s\n", b.ChapterOutline)

	out, err := a.c.Complete(ctx, promptWriter, u.String())
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// Summarize returns a short summary of chapter content.
func (a *Assistant) Summarize(ctx context.Context, chapterNumber int, content string) (string, error) {
	out, err := a.c.Complete(ctx, promptSummary,
		fmt.Sprintf("Chapter %d:\n\n%s", chapterNumber, content))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

var storyStateSchema = NewSchema("story_state", `{
	"type": "object",
	"required": ["characters", "open_threads"],
	"properties": {
		"characters": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["name"],
				"properties": {
					"name": {"type": "string", "minLength": 1},
					"status": {"type": "string"},
					"location": {"type": "string"}
				}
			}
		},
		"open_threads": {"type": "array", "items": {"type": "string"}},
		"timeline": {"type": "string"}
	}
}`)

// UpdateStoryState folds a chapter summary into the running story state.
func (a *Assistant) UpdateStoryState(ctx context.Context, previous json.RawMessage, chapterNumber int, summary string) (json.RawMessage, error) {
	if len(previous) == 0 {
		previous = json.RawMessage(`{"characters":[],"open_threads":[]}`)
	}
	user := fmt.Sprintf("Current story state:\n%s\n\nSummary of chapter %d:\n%s", previous, chapterNumber, summary)
	var state json.RawMessage
	if err := CompleteJSON(ctx, a.c, promptStoryState, user, storyStateSchema, &state); err != nil {
		return nil, err
	}
	return state, nil
}

// Pacing issue kinds reported by AnalyzeChapter.
const (
	PacingNoPlotAdvancement = "no_plot_advancement"
	PacingTooSlow           = "too_slow"
	PacingRepetitive        = "repetitive"
)

// QualitySignals are the per-chapter signals that feed revision priority.
type QualitySignals struct {
	SceneNotEarned   bool     `json:"scene_not_earned"`
	SceneConfidence  float64  `json:"scene_confidence"`
	ExpositionIssues []string `json:"exposition_issues"`
	PacingIssues     []string `json:"pacing_issues"`
}

var qualitySchema = NewSchema("quality", `{
	"type": "object",
	"required": ["scene_not_earned", "scene_confidence", "exposition_issues", "pacing_issues"],
	"properties": {
		"scene_not_earned": {"type": "boolean"},
		"scene_confidence": {"type": "number", "minimum": 0, "maximum": 1},
		"exposition_issues": {"type": "array", "items": {"type": "string"}},
		"pacing_issues": {"type": "array", "items": {"type": "string"}}
	}
}`)

// AnalyzeChapter reports quality signals for one chapter.
func (a *Assistant) AnalyzeChapter(ctx context.Context, chapterNumber int, content string) (QualitySignals, error) {
	var q QualitySignals
	err := CompleteJSON(ctx, a.c, promptAnalyze,
		fmt.Sprintf("Chapter %d:\n\n%s", chapterNumber, content), qualitySchema, &q)
	return q, err
}

// CondenseRequest asks for a shortened chapter.
type CondenseRequest struct {
	ChapterNumber    int
	Title            string
	Content          string
	CurrentWordCount int
	TargetWordCount  int
	// Issues are quality hints ("exposition: ...", "pacing: too_slow").
	Issues []string
}

// CondenseResult is the validated condensation reply.
type CondenseResult struct {
	CondensedContent  string   `json:"condensed_content"`
	CutRationale      []string `json:"cut_rationale"`
	PreservedElements []string `json:"preserved_elements"`
}

var condenseSchema = NewSchema("condense", `{
	"type": "object",
	"required": ["condensed_content", "cut_rationale", "preserved_elements"],
	"properties": {
		"condensed_content": {"type": "string", "minLength": 1},
		"cut_rationale": {"type": "array", "items": {"type": "string"}},
		"preserved_elements": {"type": "array", "items": {"type": "string"}}
	}
}`)

// Condense shortens a chapter toward a target word count.
func (a *Assistant) Condense(ctx context.Context, req CondenseRequest) (*CondenseResult, error) {
	var u strings.Builder
	fmt.Fprintf(&u, "Chapter %d", req.ChapterNumber)
	if req.Title != "" {
		fmt.Fprintf(&u, " (%q)", req.Title)
	}
	fmt.Fprintf(&u, " has %d words. Condense it to about %d words.\n", req.CurrentWordCount, req.TargetWordCount)
	if len(req.Issues) > 0 {
		u.WriteString("Known issues to address first:\n")
		for _, is := range req.Issues {
			fmt.Fprintf(&u, "- %s\n", is)
		}
	}
	fmt.Fprintf(&u, "\nChapter text:\n%s", req.Content)

	var res CondenseResult
	if err := CompleteJSON(ctx, a.c, promptCondense, u.String(), condenseSchema, &res); err != nil {
		return nil, err
	}
	if strings.TrimSpace(res.CondensedContent) == "" {
		return nil, fmt.Errorf("%w: empty condensed_content", ErrMalformedResponse)
	}
	return &res, nil
}
