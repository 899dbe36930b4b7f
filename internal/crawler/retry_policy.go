package crawler

import (
	"context"
	"errors"
	"time"
)

// LinearRetryPolicy spaces attempts by base + attempt*step.
type LinearRetryPolicy struct {
	maxAttempts int
	baseDelay   time.Duration
	stepDelay   time.Duration
}

// NewLinearRetryPolicy builds a policy, falling back to 3 attempts, 3s base
// and 1s step for non-positive inputs.
func NewLinearRetryPolicy(maxAttempts int, base, step time.Duration) *LinearRetryPolicy {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if base < 0 {
		base = 3 * time.Second
	}
	if step < 0 {
		step = time.Second
	}
	return &LinearRetryPolicy{
		maxAttempts: maxAttempts,
		baseDelay:   base,
		stepDelay:   step,
	}
}

// MaxAttempts reports how many attempts the policy allows.
func (p *LinearRetryPolicy) MaxAttempts() int {
	return p.maxAttempts
}

// ShouldRetry decides whether another attempt follows attempt (zero based).
func (p *LinearRetryPolicy) ShouldRetry(err error, attempt int) bool {
	if attempt+1 >= p.maxAttempts {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

// Backoff returns the wait duration after the failed attempt (zero based).
func (p *LinearRetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	return p.baseDelay + time.Duration(attempt)*p.stepDelay
}
