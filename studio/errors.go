package studio

import (
	"errors"

	"github.com/hazyhaar/manuscript/studio/internal/completion"
	"github.com/hazyhaar/manuscript/studio/internal/revision"
	"github.com/hazyhaar/manuscript/studio/internal/store"
	"github.com/hazyhaar/manuscript/studio/internal/versions"
	"github.com/hazyhaar/manuscript/studio/internal/workflow"
)

// Sentinel errors callers can match with errors.Is. The component errors
// are re-exported so users of this package never import internal/.
var (
	ErrNotFound     = store.ErrNotFound
	ErrInvalidInput = errors.New("studio: invalid input")
	ErrNoAssistant  = errors.New("studio: no writing assistant configured")

	ErrChapterBusy    = workflow.ErrChapterBusy
	ErrSoleVersion    = versions.ErrSoleVersion
	ErrActiveVersion  = versions.ErrActiveVersion
	ErrInvalidState   = revision.ErrInvalidState
	ErrNoContent      = revision.ErrNoContent
	ErrNotComplete    = completion.ErrNotComplete
	ErrAnalysisActive = completion.ErrAnalysisActive
	ErrNoRecord       = completion.ErrNoRecord
)

// isPrecondition reports errors that retrying a job cannot fix.
func isPrecondition(err error) bool {
	for _, target := range []error{
		ErrNotFound, ErrInvalidInput, ErrInvalidState, revision.ErrInvalidInput,
		ErrNoContent, ErrNoAssistant, ErrNoRecord,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
