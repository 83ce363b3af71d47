package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medmirror/medmirror/pkg/syncerr"
)

func fastPolicy(maxAttempts int) Policy {
	return Policy{
		BaseDelay:      time.Millisecond,
		MaxDelay:       5 * time.Millisecond,
		MaxAttempts:    maxAttempts,
		JitterFraction: 0,
	}
}

// TestDo_SucceedsAfterTransientFailures tests recovery within the attempt budget
func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(5), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return syncerr.ErrTransient("trials", errors.New("HTTP 502"))
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls, "op should run until first success")
}

// TestDo_ExhaustsAttemptBudget tests that bounded classes stop at MaxAttempts
func TestDo_ExhaustsAttemptBudget(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(3), func(ctx context.Context) error {
		calls++
		return syncerr.ErrTransient("trials", errors.New("HTTP 500"))
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls, "initial call plus two retries")
	assert.True(t, syncerr.IsErrorCode(err, syncerr.ErrorCodeTransient))
}

// TestDo_NonRetryableReturnsImmediately tests permanent errors short-circuit
func TestDo_NonRetryableReturnsImmediately(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(5), func(ctx context.Context) error {
		calls++
		return syncerr.ErrPermanentRecord("trials", "page-2", "unparsable container")
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

// TestDo_RateLimitedDoesNotConsumeBudget tests that 429-class errors retry
// past MaxAttempts
func TestDo_RateLimitedDoesNotConsumeBudget(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(2), func(ctx context.Context) error {
		calls++
		if calls < 6 {
			return syncerr.ErrRateLimited("biblio", time.Millisecond)
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 6, calls, "rate-limited retries must not be bounded by MaxAttempts")
}

// TestDo_HonorsRetryAfterHint tests the cooldown hint drives the sleep
func TestDo_HonorsRetryAfterHint(t *testing.T) {
	var delays []time.Duration
	p := fastPolicy(5)
	p.OnRetry = func(attempt int, delay time.Duration, err error) {
		delays = append(delays, delay)
	}

	calls := 0
	err := Do(context.Background(), p, func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return syncerr.ErrRateLimited("biblio", 20*time.Millisecond)
		}
		return nil
	})

	require.NoError(t, err)
	require.Len(t, delays, 1)
	assert.Equal(t, 20*time.Millisecond, delays[0])
}

// TestDo_CancelDuringSleep tests cancellation wins over a pending backoff
func TestDo_CancelDuringSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	p := Policy{BaseDelay: time.Minute, MaxDelay: time.Minute, MaxAttempts: 5}
	done := make(chan error, 1)
	go func() {
		done <- Do(ctx, p, func(ctx context.Context) error {
			return syncerr.ErrTransient("trials", errors.New("HTTP 503"))
		})
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Do did not return after cancellation")
	}
}

func TestPolicy_Delay(t *testing.T) {
	p := Policy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, JitterFraction: 0}

	assert.Equal(t, 100*time.Millisecond, p.Delay(0))
	assert.Equal(t, 200*time.Millisecond, p.Delay(1))
	assert.Equal(t, 400*time.Millisecond, p.Delay(2))
	assert.Equal(t, time.Second, p.Delay(10), "delay should cap at MaxDelay")
}

func TestJitter(t *testing.T) {
	base := 100 * time.Millisecond

	// No jitter returns the duration unchanged
	assert.Equal(t, base, Jitter(base, 0))

	// With jitter the result stays within ±fraction of base
	for i := 0; i < 50; i++ {
		d := Jitter(base, 0.25)
		assert.GreaterOrEqual(t, d, 75*time.Millisecond)
		assert.LessOrEqual(t, d, 125*time.Millisecond)
	}
}

func TestExponentialBackoff(t *testing.T) {
	base := 100 * time.Millisecond
	max := time.Second

	assert.Equal(t, 100*time.Millisecond, ExponentialBackoff(0, base, max))
	assert.Equal(t, 200*time.Millisecond, ExponentialBackoff(1, base, max))
	assert.Equal(t, 800*time.Millisecond, ExponentialBackoff(3, base, max))
	assert.Equal(t, max, ExponentialBackoff(8, base, max))
	assert.Equal(t, base, ExponentialBackoff(-3, base, max), "negative attempts clamp to zero")
}
