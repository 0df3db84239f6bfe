package runtime

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// RetryConfig holds configuration for transient-error retry with backoff.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including initial).
	// Default: 3
	MaxAttempts int

	// InitialBackoff is the initial backoff duration.
	// Default: 250ms
	InitialBackoff time.Duration

	// MaxBackoff is the maximum backoff duration.
	// Default: 5s
	MaxBackoff time.Duration

	// BackoffMultiplier is applied to backoff after each attempt.
	// Default: 2.0
	BackoffMultiplier float64

	// JitterFraction is the fraction of backoff to randomize (0.0 to 1.0).
	// Default: 0.1
	JitterFraction float64
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    250 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
		JitterFraction:    0.1,
	}
}

// backoffFor returns the sleep duration before the given retry, with
// jitter applied. attempt is 1-based.
func (c RetryConfig) backoffFor(attempt int) time.Duration {
	backoff := c.InitialBackoff
	for i := 1; i < attempt; i++ {
		backoff = time.Duration(float64(backoff) * c.BackoffMultiplier)
		if backoff > c.MaxBackoff {
			backoff = c.MaxBackoff
			break
		}
	}

	jitter := time.Duration(float64(backoff) * c.JitterFraction * (rand.Float64()*2 - 1))
	sleep := backoff + jitter
	if sleep < 0 {
		sleep = backoff
	}
	return sleep
}

// sleepOrDone waits for d, a cancellation signal, or context expiry.
func sleepOrDone(ctx context.Context, cancelled <-chan struct{}, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-cancelled:
		return errCancelSignalled
	case <-timer.C:
		return nil
	}
}

var errCancelSignalled = errors.New("runtime: cancellation signalled during backoff")
