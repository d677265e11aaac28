package backoff

import (
	"context"
	"math/rand"
	"time"
)

// RetryPolicy computes the wait before the next attempt.
// Attempt numbers start at 1; a negative return means stop retrying.
type RetryPolicy interface {
	NextDelay(attempt int) time.Duration
}

type exponentialRetryPolicy struct {
	initialInterval time.Duration
	maxInterval     time.Duration
	multiplier      float64
	maxAttempts     int
}

// NewExponentialRetryPolicy returns the default policy used for
// contended-lock and stale-config retries: exponential growth with
// full jitter, capped at maxInterval, stopping after maxAttempts.
func NewExponentialRetryPolicy(initialInterval, maxInterval time.Duration, maxAttempts int) RetryPolicy {
	return &exponentialRetryPolicy{
		initialInterval: initialInterval,
		maxInterval:     maxInterval,
		multiplier:      2.0,
		maxAttempts:     maxAttempts,
	}
}

func (p *exponentialRetryPolicy) NextDelay(attempt int) time.Duration {
	if p.maxAttempts > 0 && attempt >= p.maxAttempts {
		return -1
	}
	interval := float64(p.initialInterval)
	for i := 1; i < attempt; i++ {
		interval *= p.multiplier
		if interval >= float64(p.maxInterval) {
			interval = float64(p.maxInterval)
			break
		}
	}
	// full jitter
	return time.Duration(rand.Int63n(int64(interval)) + 1)
}

// Retry runs op until it succeeds, the policy gives up, or ctx is done.
// isRetryable filters which errors are worth another attempt.
func Retry(ctx context.Context, policy RetryPolicy, isRetryable func(error) bool, op func() error) error {
	attempt := 1
	for {
		err := op()
		if err == nil {
			return nil
		}
		if isRetryable != nil && !isRetryable(err) {
			return err
		}
		delay := policy.NextDelay(attempt)
		if delay < 0 {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		attempt++
	}
}
