// Package llm is the generation provider boundary: an OpenAI-compatible
// chat client with rate-limit mapping and transient retries, plus the
// writing capabilities the job handlers call (chapter drafting, summaries,
// story state, quality analysis, condensation).
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// Completer sends one system+user exchange and returns the reply text.
type Completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// Limiter is the shared rate-limit state consulted before each call.
type Limiter interface {
	IsLimited() bool
	ResetAt() time.Time
	SetLimited(until time.Time, reason string)
}

// Config configures the provider client.
type Config struct {
	BaseURL           string
	APIKey            string
	Model             string
	Timeout           time.Duration
	// MaxRetries is the total number of attempts for transient failures.
	MaxRetries        int
	RetryDelay        time.Duration
	DefaultRetryAfter time.Duration
	HTTPClient        *http.Client
}

func (c *Config) defaults() {
	if c.Model == "" {
		c.Model = "gpt-4o-mini"
	}
	if c.Timeout <= 0 {
		c.Timeout = 3 * time.Minute
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 2 * time.Second
	}
	if c.DefaultRetryAfter <= 0 {
		c.DefaultRetryAfter = time.Minute
	}
}

// Client is the OpenAI-compatible chat completion client.
type Client struct {
	cfg     Config
	client  openai.Client
	limiter Limiter
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithLimiter shares rate-limit state with the job worker.
func WithLimiter(l Limiter) Option { return func(c *Client) { c.limiter = l } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(c *Client) { c.logger = l } }

// NewClient creates a client. The SDK's own retries are disabled; transient
// failures are retried here so rate limits are never retried blindly.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	cfg.defaults()
	if cfg.APIKey == "" {
		return nil, ErrNotConfigured
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	reqOpts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(httpClient),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	c := &Client{
		cfg:    cfg,
		client: openai.NewClient(reqOpts...),
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Model returns the configured model.
func (c *Client) Model() string { return c.cfg.Model }

// Complete implements Completer.
func (c *Client) Complete(ctx context.Context, system, user string) (string, error) {
	if c.limiter != nil && c.limiter.IsLimited() {
		reset := c.limiter.ResetAt()
		return "", &RateLimitError{
			Message:    "provider rate limited",
			RetryAfter: max(reset.Sub(c.now()), 0),
			StatusCode: http.StatusTooManyRequests,
			At:         c.now(),
		}
	}

	var out string
	err := retry.Do(
		func() error {
			resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
				Model: openai.ChatModel(c.cfg.Model),
				Messages: []openai.ChatCompletionMessageParamUnion{
					openai.SystemMessage(system),
					openai.UserMessage(user),
				},
			})
			if err != nil {
				return mapOpenAIError(err, c.cfg.DefaultRetryAfter, c.now())
			}
			if len(resp.Choices) == 0 {
				return fmt.Errorf("%w: no choices", ErrMalformedResponse)
			}
			out = resp.Choices[0].Message.Content
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(uint(c.cfg.MaxRetries)),
		retry.Delay(c.cfg.RetryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(retryable),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Warn("llm: retrying", "attempt", n+1, "error", err)
		}),
	)
	if err != nil {
		var rl *RateLimitError
		if errors.As(err, &rl) && c.limiter != nil {
			c.limiter.SetLimited(rl.ResetAt(), rl.Message)
		}
		return "", err
	}
	if strings.TrimSpace(out) == "" {
		return "", fmt.Errorf("%w: empty content", ErrMalformedResponse)
	}
	return out, nil
}

func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrMalformedResponse) {
		return false
	}
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Retryable()
	}
	return true
}
