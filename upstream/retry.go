package upstream

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Retry calls fn up to maxRetries+1 times with exponential backoff.
// Only transient failures are retried: rate-limit errors wait for the
// provider's Retry-After hint instead of the backoff, auth errors and
// permanent 4xx errors return immediately, and context cancellation stops
// the loop between attempts.
func Retry(ctx context.Context, maxRetries int, baseBackoff time.Duration, logger *slog.Logger, fn func() error) error {
	if logger == nil {
		logger = slog.Default()
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return lastErr
		}
		if !IsTransient(err) {
			return err
		}
		if attempt == maxRetries {
			break
		}

		wait := baseBackoff * (1 << uint(attempt))
		var rl *RateLimitedError
		if errors.As(err, &rl) {
			wait = rl.RetryAfter
		}
		logger.WarnContext(ctx, "retrying upstream call",
			"attempt", attempt+1,
			"max_retries", maxRetries,
			"backoff_ms", wait.Milliseconds(),
			"error", err)

		select {
		case <-ctx.Done():
			return lastErr
		case <-time.After(wait):
		}
	}
	return lastErr
}
