package sync

import (
	"context"
	"math/rand/v2"
	"time"
)

// jitterFraction spreads retries by ±25% so clients do not stampede a
// recovering server.
const jitterFraction = 0.25

// Default retry policy for queued mutations.
const (
	DefaultMaxRetries     = 5
	DefaultRetryBaseDelay = 2 * time.Second
	DefaultRetryMaxDelay  = 5 * time.Minute
)

// RetryPolicy controls automatic retries of pending operations.
type RetryPolicy struct {
	// MaxRetries is the number of failed attempts after which an operation
	// is marked Failed.
	MaxRetries int
	// BaseDelay is the wait after the first failure. Zero retries on the
	// next flush without waiting.
	BaseDelay time.Duration
	// MaxDelay caps the exponential growth.
	MaxDelay time.Duration
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: DefaultMaxRetries,
		BaseDelay:  DefaultRetryBaseDelay,
		MaxDelay:   DefaultRetryMaxDelay,
	}
}

// delay returns the wait before the next attempt of an operation that has
// failed retryCount times.
func (p RetryPolicy) delay(retryCount int) time.Duration {
	return expBackoff(p.BaseDelay, p.MaxDelay, retryCount-1)
}

// expBackoff computes base * 2^attempt capped at maxDelay, with jitter.
func expBackoff(base, maxDelay time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}

	d := base
	for i := 0; i < attempt && d < maxDelay; i++ {
		d *= 2
	}

	if maxDelay > 0 && d > maxDelay {
		d = maxDelay
	}

	return jittered(d)
}

func jittered(d time.Duration) time.Duration {
	jitter := float64(d) * jitterFraction * (rand.Float64()*2 - 1) //nolint:gosec // jitter does not need crypto rand

	return d + time.Duration(jitter)
}

// timeSleep waits for the given duration or until the context is canceled.
func timeSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
