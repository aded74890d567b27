package ledger

import (
	"context"
	"time"
)

// RetryPolicy bounds the optimistic-concurrency retry loop.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// DefaultRetryPolicy is 5 attempts with 100ms, 200ms, 300ms... between them.
var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 5, BaseDelay: 100 * time.Millisecond}

// NoRetry runs an operation exactly once.
var NoRetry = RetryPolicy{MaxAttempts: 1}

// Backoff returns the wait after the given failed attempt (1-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return p.BaseDelay * time.Duration(attempt)
}

func (p RetryPolicy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// retry runs op until it succeeds, fails with a non-retryable error, or the
// policy runs out. A retryable failure on the last attempt becomes a
// RetryExhaustedError.
func (e *Engine) retry(ctx context.Context, operation string, op func(attempt int) error) error {
	max := e.Retry.attempts()
	var err error
	for attempt := 1; attempt <= max; attempt++ {
		if err = op(attempt); err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return err
		}
		if attempt == max {
			break
		}

		wait := e.Retry.Backoff(attempt)
		e.Logger.Warn().Err(err).
			Str("operation", operation).
			Int("attempt", attempt).
			Dur("backoff", wait).
			Msg("retrying after conflict")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	e.Logger.Error().Err(err).
		Str("operation", operation).
		Int("attempts", max).
		Msg("retries exhausted")
	return &RetryExhaustedError{Operation: operation, Attempts: max, Err: err}
}
