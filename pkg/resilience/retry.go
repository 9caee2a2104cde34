package resilience

import (
	"context"
	"errors"
	"time"
)

// RetryPolicy defines retry behavior for transient failures.
type RetryPolicy struct {
	MaxRetries  int
	Backoff     *Backoff
	IsRetryable func(error) bool
}

func NewRetryPolicy(maxRetries int, backoff time.Duration) RetryPolicy {
	if maxRetries <= 0 {
		maxRetries = 2
	}
	return RetryPolicy{
		MaxRetries: maxRetries,
		Backoff:    NewBackoff(backoff, 0, 0),
	}
}

// Do runs fn until it succeeds, the error is not retryable, retries are exhausted
// or ctx is done. The last error is returned.
func (r RetryPolicy) Do(ctx context.Context, fn func(context.Context) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	backoff := r.Backoff
	if backoff == nil {
		backoff = NewBackoff(0, 0, 0)
	}
	retryable := r.IsRetryable
	if retryable == nil {
		retryable = DefaultIsRetryable
	}
	var err error
	for i := 0; i <= r.MaxRetries; i++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			if err == nil {
				err = ctxErr
			}
			return err
		}
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if i == r.MaxRetries || !retryable(err) {
			return err
		}
		if !Sleep(ctx, backoff.Delay(i)) {
			return err
		}
	}
	return err
}

// DefaultIsRetryable treats everything except cancellation as transient.
func DefaultIsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// Sleep waits for d or until ctx is done. It returns false when ctx ended first.
func Sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
