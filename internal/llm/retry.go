package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/sethvargo/go-retry"
)

// StatusError is returned when a provider answers with a non-200 status.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("llm: HTTP %d", e.Code)
	}
	return fmt.Sprintf("llm: HTTP %d: %s", e.Code, e.Message)
}

// RetryConfig controls how WithRetry retries failed model calls.
type RetryConfig struct {
	MaxRetries uint64
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryConfig returns three retries with exponential backoff from 500ms.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   8 * time.Second,
	}
}

// WithRetry wraps a client so transient provider failures (rate limits, 5xx,
// transport errors) are retried with exponential backoff. Other errors are
// returned after the first attempt.
func WithRetry(next Client, cfg RetryConfig) Client {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultRetryConfig().BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultRetryConfig().MaxDelay
	}
	return &retryClient{next: next, cfg: cfg}
}

type retryClient struct {
	next Client
	cfg  RetryConfig
}

func (c *retryClient) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	backoff := retry.NewExponential(c.cfg.BaseDelay)
	backoff = retry.WithCappedDuration(c.cfg.MaxDelay, backoff)
	backoff = retry.WithMaxRetries(c.cfg.MaxRetries, backoff)

	var resp *ChatResponse
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		r, err := c.next.Chat(ctx, req)
		if err != nil {
			if IsRetryable(err) {
				return retry.RetryableError(err)
			}
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// IsRetryable reports whether a model call error is worth another attempt.
func IsRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return retryableStatus(statusErr.Code)
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return retryableStatus(apiErr.StatusCode)
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}
