package remote

import (
	"context"
	"errors"
	"time"

	"github.com/aweris/ocflsync/internal/ocfl"
)

// DefaultRetries is the number of attempts for idempotent metadata fetches.
const DefaultRetries = 3

// retryBase is the first backoff delay; each attempt doubles it.
var retryBase = 500 * time.Millisecond

// retry runs fn up to maxAttempts times with exponential backoff.
// NotFound errors, and any error once ctx is done, are returned
// immediately. A deadline hit by a single attempt is retried.
func retry[T any](ctx context.Context, maxAttempts int, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	for i := range maxAttempts {
		result, err := fn()
		if err == nil {
			return result, nil
		}
		if !retryable(ctx, err) {
			return zero, err
		}
		lastErr = err
		if i < maxAttempts-1 {
			delay := time.Duration(1<<i) * retryBase // 500ms, 1s, 2s, 4s...
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return zero, lastErr
}

func retryable(ctx context.Context, err error) bool {
	switch {
	case ocfl.IsNotFound(err):
		return false
	case ctx.Err() != nil:
		return false
	case errors.Is(err, context.Canceled):
		return false
	}
	return true
}
