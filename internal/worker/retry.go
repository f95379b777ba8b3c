package worker

import (
	"fmt"
	"time"
)

// retryPolicy bounds how often a failing operation is attempted
type retryPolicy struct {
	attempts  int
	backoff   time.Duration
	retryable func(error) bool
	onRetry   func(attempt int, err error)
}

// tryRunR attempts to run f up to p.attempts times, sleeping attempt*backoff between attempts.
// It gives up early on errors that are not retryable.
func tryRunR[R any](p retryPolicy, f func() (R, error)) (numAttempts int, result R, lastErr error) {
	attempts := max(p.attempts, 1)
	for attempt := 1; attempt <= attempts; attempt++ {
		res, err := f()
		if err == nil {
			return attempt, res, nil
		}

		lastErr = err
		if p.retryable != nil && !p.retryable(err) {
			return attempt, result, err
		}
		if attempt == attempts {
			break
		}
		if p.onRetry != nil {
			p.onRetry(attempt, err)
		}
		time.Sleep(time.Duration(attempt) * p.backoff) // linear backoff
	}
	return attempts, result, fmt.Errorf("failed after %d attempts: %w", attempts, lastErr)
}

// tryRun is tryRunR for functions without a result
func tryRun(p retryPolicy, f func() error) (numAttempts int, lastErr error) {
	numAttempts, _, lastErr = tryRunR(p, func() (struct{}, error) {
		return struct{}{}, f()
	})
	return numAttempts, lastErr
}
