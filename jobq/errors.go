package jobq

import (
	"errors"
	"time"
)

var (
	ErrNotFound          = errors.New("jobq: job not found")
	ErrInvalidTransition = errors.New("jobq: invalid status transition")
	ErrNoHandler         = errors.New("jobq: no handler registered")
)

// RateLimited is implemented by errors that signal the external provider
// refused the call until ResetAt. The worker releases the job without
// charging an attempt and pauses all pickups until then.
type RateLimited interface {
	error
	ResetAt() time.Time
}

// AsRateLimited extracts a RateLimited error from err's chain.
func AsRateLimited(err error) (RateLimited, bool) {
	var rl RateLimited
	if errors.As(err, &rl) {
		return rl, true
	}
	return nil, false
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying: the job fails on this attempt.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
