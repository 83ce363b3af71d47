// Package retry provides the single backoff policy used by source adapters,
// the ingestion batcher, and the job manager. Delays grow exponentially with
// jitter; rate-limited operations honor the source's cooldown hint and are
// retried without an attempt bound.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/medmirror/medmirror/pkg/syncerr"
)

// Policy controls how an operation is retried. The attempt bound applies to
// transient, timeout, and write-conflict errors; rate-limited errors retry
// until the context is cancelled.
type Policy struct {
	// BaseDelay is the first retry delay (doubled each attempt)
	BaseDelay time.Duration

	// MaxDelay caps the computed delay
	MaxDelay time.Duration

	// MaxAttempts bounds retries for bounded error classes.
	// The initial call counts as attempt one.
	MaxAttempts int

	// JitterFraction randomizes each delay to avoid thundering herd
	JitterFraction float64

	// OnRetry, when set, is called before each sleep
	OnRetry func(attempt int, delay time.Duration, err error)
}

// DefaultPolicy returns the policy used when a component supplies none.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:      500 * time.Millisecond,
		MaxDelay:       30 * time.Second,
		MaxAttempts:    5,
		JitterFraction: 0.25,
	}
}

// Delay computes the backoff for a 0-indexed failed attempt.
func (p Policy) Delay(attempt int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	max := p.MaxDelay
	if max <= 0 {
		max = 30 * time.Second
	}
	d := ExponentialBackoff(attempt, base, max)
	return Jitter(d, p.JitterFraction)
}

// Do runs op, retrying according to the policy and the error taxonomy.
// Non-retryable errors return immediately. Rate-limited errors sleep for the
// source's hint (or the computed backoff) and do not consume the attempt
// budget. Cancellation wins over any pending sleep.
func Do(ctx context.Context, p Policy, op func(context.Context) error) error {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultPolicy().MaxAttempts
	}

	attempt := 0   // bounded-class failures so far
	rlAttempt := 0 // rate-limited failures, tracked separately
	for {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if !syncerr.IsRetryable(err) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		var delay time.Duration
		if syncerr.GetErrorCode(err) == syncerr.ErrorCodeRateLimited {
			if hint, ok := syncerr.RetryAfterHint(err); ok {
				delay = hint
			} else {
				delay = p.Delay(rlAttempt)
			}
			rlAttempt++
		} else {
			attempt++
			if attempt >= p.MaxAttempts {
				return err
			}
			delay = p.Delay(attempt - 1)
		}

		if p.OnRetry != nil {
			p.OnRetry(attempt, delay, err)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Jitter adds random jitter to a duration to prevent thundering herd
// jitterFraction is between 0.0 (no jitter) and 1.0 (up to 100% jitter)
func Jitter(duration time.Duration, jitterFraction float64) time.Duration {
	if jitterFraction <= 0 {
		return duration
	}
	if jitterFraction > 1.0 {
		jitterFraction = 1.0
	}

	// Random value between [0, jitterFraction]
	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	jitter := r.Float64() * jitterFraction

	// Apply jitter: duration * (1 ± jitter)
	multiplier := 1.0 + (jitter * 2.0) - jitterFraction
	return time.Duration(float64(duration) * multiplier)
}

// ExponentialBackoff calculates exponential backoff duration
// attempt: number of failed attempts (0-indexed)
// baseDelay: initial delay (e.g., 1 second)
// maxDelay: maximum delay cap (e.g., 60 seconds)
func ExponentialBackoff(attempt int, baseDelay, maxDelay time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	// baseDelay * 2^attempt, capped
	multiplier := math.Pow(2, float64(attempt))
	delay := time.Duration(float64(baseDelay) * multiplier)

	if delay > maxDelay {
		delay = maxDelay
	}

	return delay
}
