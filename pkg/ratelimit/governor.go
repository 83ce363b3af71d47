// Package ratelimit enforces per-source request pacing. Each source adapter
// owns exactly one Governor; nothing is shared across sources.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/medmirror/medmirror/pkg/retry"
	"github.com/medmirror/medmirror/pkg/syncerr"
)

const (
	defaultCooldownBase = 2 * time.Second
	defaultCooldownMax  = 5 * time.Minute
)

// Governor combines a token bucket with a penalty window. The bucket paces
// normal traffic; the penalty window holds all traffic after the source
// answered 429/503, independent of bucket refill.
type Governor struct {
	sourceID string
	limiter  *rate.Limiter

	mu            sync.Mutex
	cooldownUntil time.Time
	penalties     int

	cooldownBase time.Duration
	cooldownMax  time.Duration
}

// NewGovernor creates a governor with the source's configured rate and burst.
func NewGovernor(sourceID string, perSec float64, burst int) *Governor {
	if burst < 1 {
		burst = 1
	}
	return &Governor{
		sourceID:     sourceID,
		limiter:      rate.NewLimiter(rate.Limit(perSec), burst),
		cooldownBase: defaultCooldownBase,
		cooldownMax:  defaultCooldownMax,
	}
}

// Acquire blocks cooperatively until a token is available, any active
// cooldown window has passed, or the context ends. A deadline expiry yields
// a TIMEOUT error; an explicit cancel propagates unchanged.
func (g *Governor) Acquire(ctx context.Context) error {
	for {
		g.mu.Lock()
		wait := time.Until(g.cooldownUntil)
		g.mu.Unlock()

		if wait <= 0 {
			break
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return g.ctxErr(ctx)
		case <-timer.C:
			// Re-check: a concurrent Penalize may have extended the window
		}
	}

	if err := g.limiter.Wait(ctx); err != nil {
		return g.ctxErr(ctx)
	}

	return nil
}

func (g *Governor) ctxErr(ctx context.Context) error {
	if ctx.Err() == context.Canceled {
		return ctx.Err()
	}
	return syncerr.ErrTimeout(g.sourceID, "rate token acquire").WithCause(ctx.Err())
}

// Penalize opens a cooldown window after a 429/503 response. The window is
// the source's retry-after hint when present, otherwise an exponential
// default that doubles with consecutive penalties.
func (g *Governor) Penalize(hint time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()

	d := hint
	if d <= 0 {
		d = retry.ExponentialBackoff(g.penalties, g.cooldownBase, g.cooldownMax)
	}
	g.penalties++

	until := time.Now().Add(d)
	if until.After(g.cooldownUntil) {
		g.cooldownUntil = until
	}
}

// Reset clears the consecutive-penalty counter after a successful fetch.
// An already-open cooldown window still runs out on its own.
func (g *Governor) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.penalties = 0
}

// CooldownRemaining reports how long Acquire would hold a caller in the
// penalty window. Zero when no window is active.
func (g *Governor) CooldownRemaining() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()

	if rem := time.Until(g.cooldownUntil); rem > 0 {
		return rem
	}
	return 0
}
