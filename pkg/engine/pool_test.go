package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestPool_RunsSubmittedTask tests the basic submit and await path.
func TestPool_RunsSubmittedTask(t *testing.T) {
	p := NewPool(2)
	defer p.Close()

	var ran atomic.Bool
	resCh := p.Submit(context.Background(), func(ctx context.Context) error {
		ran.Store(true)
		return nil
	})

	require.NoError(t, <-resCh)
	assert.True(t, ran.Load())
}

// TestPool_BoundsConcurrency tests that no more than size tasks run at once.
func TestPool_BoundsConcurrency(t *testing.T) {
	p := NewPool(2)
	defer p.Close()

	var current, highWater atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resCh := p.Submit(context.Background(), func(ctx context.Context) error {
				n := current.Add(1)
				for {
					hw := highWater.Load()
					if n <= hw || highWater.CompareAndSwap(hw, n) {
						break
					}
				}
				time.Sleep(20 * time.Millisecond)
				current.Add(-1)
				return nil
			})
			<-resCh
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, highWater.Load(), int32(2), "pool must cap parallelism at its size")
}

// TestPool_CanceledSubmitDoesNotRun tests that a dead context resolves the
// task without executing it, even while every worker is busy.
func TestPool_CanceledSubmitDoesNotRun(t *testing.T) {
	p := NewPool(1)
	defer p.Close()

	release := make(chan struct{})
	blocker := p.Submit(context.Background(), func(ctx context.Context) error {
		<-release
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var ran atomic.Bool
	resCh := p.Submit(ctx, func(ctx context.Context) error {
		ran.Store(true)
		return nil
	})

	err := <-resCh
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, ran.Load(), "a canceled task must never execute")

	close(release)
	require.NoError(t, <-blocker)
}

// TestPool_CloseWaitsForRunningTasks tests that Close drains in-flight work.
func TestPool_CloseWaitsForRunningTasks(t *testing.T) {
	p := NewPool(2)

	var done atomic.Bool
	resCh := p.Submit(context.Background(), func(ctx context.Context) error {
		time.Sleep(50 * time.Millisecond)
		done.Store(true)
		return nil
	})

	p.Close()
	assert.True(t, done.Load(), "Close returned before the task finished")
	require.NoError(t, <-resCh)
}

// TestPool_DefaultSize tests that a non-positive size still yields a
// working pool.
func TestPool_DefaultSize(t *testing.T) {
	p := NewPool(0)
	defer p.Close()

	resCh := p.Submit(context.Background(), func(ctx context.Context) error {
		return nil
	})
	require.NoError(t, <-resCh)
}
