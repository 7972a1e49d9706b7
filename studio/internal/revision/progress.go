package revision

import (
	"context"

	"github.com/hazyhaar/manuscript/studio/internal/store"
)

// Progress is a session's standing against its tolerance band.
type Progress struct {
	SessionID         string  `json:"session_id"`
	Status            string  `json:"status"`
	OriginalWordCount int     `json:"original_word_count"`
	CurrentWordCount  int     `json:"current_word_count"`
	TargetWordCount   int     `json:"target_word_count"`
	MinAcceptable     int     `json:"min_acceptable"`
	MaxAcceptable     int     `json:"max_acceptable"`
	WordsToCut        int     `json:"words_to_cut"`
	WordsCutSoFar     int     `json:"words_cut_so_far"`
	WordsRemaining    int     `json:"words_remaining"`
	ChaptersReviewed  int     `json:"chapters_reviewed"`
	ChaptersTotal     int     `json:"chapters_total"`
	PercentComplete   float64 `json:"percent_complete"`
	Classification    string  `json:"classification"`
	IsWithinTolerance bool    `json:"is_within_tolerance"`
}

// ProgressOf derives Progress from a session row.
func ProgressOf(sess *store.Session) Progress {
	current := sess.OriginalWordCount - sess.WordsCutSoFar
	p := Progress{
		SessionID:         sess.ID,
		Status:            sess.Status,
		OriginalWordCount: sess.OriginalWordCount,
		CurrentWordCount:  current,
		TargetWordCount:   sess.TargetWordCount,
		MinAcceptable:     sess.MinAcceptable,
		MaxAcceptable:     sess.MaxAcceptable,
		WordsToCut:        sess.WordsToCut,
		WordsCutSoFar:     sess.WordsCutSoFar,
		WordsRemaining:    max(0, current-sess.TargetWordCount),
		ChaptersReviewed:  sess.ChaptersReviewed,
		ChaptersTotal:     sess.ChaptersTotal,
		Classification:    Classify(current, sess.MinAcceptable, sess.MaxAcceptable),
	}
	p.IsWithinTolerance = p.Classification == WithinTolerance
	if sess.WordsToCut > 0 {
		p.PercentComplete = min(100, float64(sess.WordsCutSoFar)/float64(sess.WordsToCut)*100)
	} else {
		p.PercentComplete = 100
	}
	return p
}

// GetProgress reports where a session stands.
func (s *Service) GetProgress(ctx context.Context, sessionID string) (Progress, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return Progress{}, err
	}
	return ProgressOf(sess), nil
}

// Validation is the verdict of ValidateCompletion.
type Validation struct {
	Progress
	AllReviewed bool   `json:"all_reviewed"`
	Message     string `json:"message"`
}

// ValidateCompletion reports whether the revised book lands in the band.
func (s *Service) ValidateCompletion(ctx context.Context, sessionID string) (Validation, error) {
	p, err := s.GetProgress(ctx, sessionID)
	if err != nil {
		return Validation{}, err
	}
	v := Validation{Progress: p, AllReviewed: p.ChaptersReviewed >= p.ChaptersTotal}
	switch p.Classification {
	case WithinTolerance:
		v.Message = "word count is within tolerance"
	case OverTarget:
		v.Message = "word count is above the acceptable range"
	default:
		v.Message = "word count is below the acceptable range"
	}
	return v, nil
}
