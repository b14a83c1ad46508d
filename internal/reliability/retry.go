package reliability

import (
	"fmt"
	"math"
	"time"
)

// RetryPolicy decides how often and how late a failed message is retried.
// Attempts are 1-indexed: attempt 1 is the first retry after the initial
// delivery failed.
type RetryPolicy interface {
	// ShouldRetry reports whether the given attempt is still within budget
	ShouldRetry(attempt int) bool
	// MaxRetries returns the maximum number of retries
	MaxRetries() int
	// NextDelay returns the backoff to wait before the given attempt
	NextDelay(attempt int) time.Duration
}

// ExponentialBackoff doubles the delay on every attempt:
// InitialInterval * 2^(attempt-1). There is no jitter. MaxInterval caps the
// delay when non-zero.
type ExponentialBackoff struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxAttempts     int
}

// NewExponentialBackoff creates an uncapped exponential backoff policy
func NewExponentialBackoff(initial time.Duration, maxRetries int) *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialInterval: initial,
		MaxAttempts:     maxRetries,
	}
}

// WithMaxInterval returns a copy of the policy capped at max
func (e *ExponentialBackoff) WithMaxInterval(max time.Duration) *ExponentialBackoff {
	capped := *e
	capped.MaxInterval = max
	return &capped
}

// ShouldRetry implements RetryPolicy
func (e *ExponentialBackoff) ShouldRetry(attempt int) bool {
	return attempt >= 1 && attempt <= e.MaxAttempts
}

// MaxRetries implements RetryPolicy
func (e *ExponentialBackoff) MaxRetries() int {
	return e.MaxAttempts
}

// NextDelay implements RetryPolicy
func (e *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	shift := uint(attempt - 1)

	var delay time.Duration
	if shift >= 63 || e.InitialInterval > time.Duration(math.MaxInt64>>shift) {
		delay = time.Duration(math.MaxInt64)
	} else {
		delay = e.InitialInterval << shift
	}

	if e.MaxInterval > 0 && delay > e.MaxInterval {
		return e.MaxInterval
	}
	return delay
}

// Validate rejects policies that would break the doubling law inside the
// retry budget
func (e *ExponentialBackoff) Validate() error {
	if e.MaxAttempts < 0 {
		return fmt.Errorf("%w: max retries must not be negative", ErrInvalidPolicy)
	}
	if e.InitialInterval <= 0 {
		return fmt.Errorf("%w: initial interval must be positive", ErrInvalidPolicy)
	}
	if e.MaxInterval < 0 {
		return fmt.Errorf("%w: max interval must not be negative", ErrInvalidPolicy)
	}
	if e.MaxInterval > 0 && e.MaxAttempts > 0 {
		uncapped := (&ExponentialBackoff{InitialInterval: e.InitialInterval}).NextDelay(e.MaxAttempts)
		if e.MaxInterval < uncapped {
			return fmt.Errorf("%w: max interval %v is below the last retry delay %v",
				ErrInvalidPolicy, e.MaxInterval, uncapped)
		}
	}
	return nil
}
