package upstream

import (
	"errors"
	"fmt"
	"time"
)

// AuthError means the upstream rejected our credentials. Fatal for the
// whole run: retrying cannot help and hammering the API risks a ban.
type AuthError struct {
	StatusCode int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("upstream rejected authentication (http %d)", e.StatusCode)
}

// RateLimitedError means the upstream returned 429. Callers should wait
// RetryAfter before retrying the same request.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("upstream rate limited, retry after %s", e.RetryAfter)
}

// TransientError covers 5xx responses and transport failures that are
// worth retrying with backoff.
type TransientError struct {
	StatusCode int // 0 for transport errors
	Cause      error
}

func (e *TransientError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("transient upstream error: %v", e.Cause)
	}
	return fmt.Sprintf("transient upstream error: http %d", e.StatusCode)
}

func (e *TransientError) Unwrap() error { return e.Cause }

// IsTransient reports whether err is retryable (transient or rate-limited).
func IsTransient(err error) bool {
	var te *TransientError
	var rl *RateLimitedError
	return errors.As(err, &te) || errors.As(err, &rl)
}

// IsAuth reports whether err is an authentication failure.
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}
