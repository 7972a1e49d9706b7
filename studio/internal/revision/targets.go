package revision

import (
	"math"

	"github.com/hazyhaar/manuscript/llm"
	"github.com/hazyhaar/manuscript/studio/internal/store"
)

// Priority weights. Higher scores take a larger share of the cut.
const (
	sceneMax       = 30.0
	expositionEach = 5.0
	expositionMax  = 25.0
	pacingMax      = 25.0
	issuesCap      = 80.0
	noIssueScore   = 20.0

	// A chapter never loses more than 30% of its length.
	minKeepRatio = 0.7
)

var pacingWeights = map[string]float64{
	llm.PacingNoPlotAdvancement: 10,
	llm.PacingTooSlow:           8,
	llm.PacingRepetitive:        7,
}

const pacingOther = 5.0

// ChapterInput is one completed chapter with its optional quality signals.
type ChapterInput struct {
	Chapter *store.Chapter
	Quality *store.ChapterQuality
}

// Target is the computed reduction for one chapter.
type Target struct {
	ChapterID        string  `json:"chapter_id"`
	ChapterNumber    int     `json:"chapter_number"`
	WordCount        int     `json:"word_count"`
	BaseCut          int     `json:"base_cut"`
	PriorityScore    float64 `json:"priority_score"`
	Multiplier       float64 `json:"multiplier"`
	TargetWordCount  int     `json:"target_word_count"`
	ReductionPercent float64 `json:"reduction_percent"`
}

// PriorityScore turns quality signals into a score in [0,100]. A chapter
// without signals, or with none flagged, scores 20.
func PriorityScore(q *store.ChapterQuality) float64 {
	if q == nil {
		return noIssueScore
	}
	score := 0.0
	if q.SceneNotEarned {
		conf := q.SceneConfidence
		if conf <= 0 || conf > 1 {
			conf = 1
		}
		score += sceneMax * conf
	}
	score += math.Min(expositionEach*float64(len(q.ExpositionIssues)), expositionMax)

	pacing := 0.0
	for _, kind := range q.PacingIssues {
		if w, ok := pacingWeights[kind]; ok {
			pacing += w
		} else {
			pacing += pacingOther
		}
	}
	score += math.Min(pacing, pacingMax)

	score = math.Min(score, issuesCap)
	if score == 0 {
		score = noIssueScore
	}
	return math.Max(0, math.Min(100, score))
}

// Multiplier maps a priority score to [0.75, 1.25], 1.0 at score 50.
func Multiplier(score float64) float64 {
	return 0.75 + score/200
}

// CalculateChapterTargets spreads wordsToCut over the chapters in
// proportion to their length, weighted by priority. total is the word
// count the proportions are taken against.
func CalculateChapterTargets(chapters []ChapterInput, wordsToCut, total int) []Target {
	out := make([]Target, 0, len(chapters))
	for _, in := range chapters {
		wc := in.Chapter.WordCount
		t := Target{
			ChapterID:     in.Chapter.ID,
			ChapterNumber: in.Chapter.ChapterNumber,
			WordCount:     wc,
			PriorityScore: PriorityScore(in.Quality),
		}
		t.Multiplier = Multiplier(t.PriorityScore)
		if total > 0 && wordsToCut > 0 {
			t.BaseCut = int(math.Round(float64(wc) * float64(wordsToCut) / float64(total)))
		}
		cut := int(math.Round(float64(t.BaseCut) * t.Multiplier))
		floor := int(math.Ceil(minKeepRatio * float64(wc)))
		t.TargetWordCount = max(wc-cut, floor)
		if wc > 0 {
			t.ReductionPercent = math.Round(float64(wc-t.TargetWordCount)/float64(wc)*1000) / 10
		}
		out = append(out, t)
	}
	return out
}

// Band returns the acceptable word count range for a target and tolerance.
func Band(target int, tolerancePercent float64) (lo, hi int) {
	lo = int(math.Round(float64(target) * (1 - tolerancePercent/100)))
	hi = int(math.Round(float64(target) * (1 + tolerancePercent/100)))
	return lo, hi
}

// Progress classifications.
const (
	UnderTarget     = "under_target"
	WithinTolerance = "within_tolerance"
	OverTarget      = "over_target"
)

// Classify places a word count against an inclusive band.
func Classify(current, lo, hi int) string {
	switch {
	case current < lo:
		return UnderTarget
	case current > hi:
		return OverTarget
	}
	return WithinTolerance
}

func issueHints(q *store.ChapterQuality) []string {
	if q == nil {
		return nil
	}
	var hints []string
	if q.SceneNotEarned {
		hints = append(hints, "scene not earned: the key scene lacks setup")
	}
	for _, e := range q.ExpositionIssues {
		hints = append(hints, "exposition: "+e)
	}
	for _, p := range q.PacingIssues {
		hints = append(hints, "pacing: "+p)
	}
	return hints
}
