package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/harunnryd/interviewer/pkg/resilience"
)

type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64
	IsRetryable func(error) bool
}

// OpenStream opens a stream, retrying transient failures. Only opening is
// retried; a stream that already produced text is never replayed.
func OpenStream(ctx context.Context, cfg RetryConfig, adapter LLMAdapter, input Context) (<-chan string, error) {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 100 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 2 * time.Second
	}
	if cfg.IsRetryable == nil {
		cfg.IsRetryable = DefaultIsRetryable
	}
	policy := resilience.RetryPolicy{
		MaxRetries:  cfg.MaxAttempts - 1,
		Backoff:     resilience.NewBackoff(cfg.BaseDelay, cfg.MaxDelay, cfg.Jitter),
		IsRetryable: cfg.IsRetryable,
	}
	var out <-chan string
	err := policy.Do(ctx, func(ctx context.Context) error {
		ch, err := adapter.Stream(ctx, input)
		if err != nil {
			return err
		}
		out = ch
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("llm open stream: %w", err)
	}
	return out, nil
}

// DefaultIsRetryable retries network failures, server errors and rate limits,
// never cancellation.
func DefaultIsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if resilience.IsRateLimit(err) {
		return true
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		return true
	}
	var serr *StatusError
	if errors.As(err, &serr) {
		return serr.Code >= 500
	}
	return !strings.Contains(strings.ToLower(err.Error()), "invalid")
}

// StatusError is a non-2xx provider response.
type StatusError struct {
	Provider string
	Code     int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Provider, e.Code, e.Body)
}
