package retry

import (
	"context"
	"time"

	goretry "github.com/sethvargo/go-retry"
)

// Policy bounds how often an operation runs and how long it waits between
// runs. The wait doubles after each failure.
type Policy struct {
	Attempts int
	Base     time.Duration
	// Retryable decides whether a failure is worth another attempt. Nil
	// retries every failure.
	Retryable func(error) bool
	// OnRetry runs after a failed attempt that will be retried.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// Do runs fn until it succeeds, fails with a non-retryable error, or the
// attempts run out. It returns the number of attempts made and the last
// error.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) error) (int, error) {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	base := p.Base
	if base <= 0 {
		base = time.Millisecond
	}

	var (
		attempt int
		lastErr error
	)
	inner := goretry.WithMaxRetries(uint64(attempts-1), goretry.NewExponential(base))
	backoff := goretry.BackoffFunc(func() (time.Duration, bool) {
		wait, stop := inner.Next()
		if !stop && p.OnRetry != nil {
			p.OnRetry(attempt, lastErr, wait)
		}
		return wait, stop
	})

	err := goretry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		lastErr = err
		if p.Retryable != nil && !p.Retryable(err) {
			return err
		}
		return goretry.RetryableError(err)
	})
	return attempt, err
}
