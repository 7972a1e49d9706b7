package llm

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
)

// ErrMalformedResponse is returned when the provider answered but the
// content is empty, unparseable or does not match the expected structure.
var ErrMalformedResponse = errors.New("llm: malformed response")

// ErrNotConfigured is returned when no API key is available.
var ErrNotConfigured = errors.New("llm: provider not configured")

// RateLimitError reports a provider refusal until a reset time. It
// satisfies jobq.RateLimited.
type RateLimitError struct {
	Message    string
	RetryAfter time.Duration
	StatusCode int
	At         time.Time
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s (retry after %s)", e.Message, e.RetryAfter)
}

// ResetAt is when the provider accepts calls again.
func (e *RateLimitError) ResetAt() time.Time {
	return e.At.Add(e.RetryAfter)
}

// StatusError is a non-rate-limit HTTP failure from the provider.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("llm: provider error (status %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("llm: provider error (status %d)", e.StatusCode)
}

// Retryable reports whether a retry may succeed: server errors and request
// timeouts yes, other client errors no.
func (e *StatusError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusRequestTimeout
}

func mapOpenAIError(err error, defaultRetryAfter time.Duration, now time.Time) error {
	var apiErr *openai.Error
	if !errors.As(err, &apiErr) {
		return err
	}
	if apiErr.StatusCode == http.StatusTooManyRequests {
		retryAfter := time.Duration(0)
		if apiErr.Response != nil {
			retryAfter = parseRetryAfter(apiErr.Response.Header.Get("Retry-After"), now)
		}
		if retryAfter <= 0 {
			retryAfter = defaultRetryAfter
		}
		return &RateLimitError{
			Message:    fmt.Sprintf("provider rate limited: %s", apiErr.Message),
			RetryAfter: retryAfter,
			StatusCode: apiErr.StatusCode,
			At:         now,
		}
	}
	return &StatusError{StatusCode: apiErr.StatusCode, Message: apiErr.Message}
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
