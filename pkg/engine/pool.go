package engine

import (
	"context"
	"runtime"
	"sync"
)

// Pool bounds CPU-bound page work (normalize, classify) across all jobs, so
// one slow network source never starves the parsing of another and a burst
// of fetched pages cannot oversubscribe the host. Fetch I/O stays in the job
// goroutines; only the post-fetch phase runs here.
type Pool struct {
	tasks     chan poolTask
	wg        sync.WaitGroup
	closeOnce sync.Once
}

type poolTask struct {
	ctx    context.Context
	fn     func(context.Context) error
	result chan<- error
}

// NewPool starts size workers. A non-positive size uses one worker per CPU.
func NewPool(size int) *Pool {
	if size <= 0 {
		size = runtime.NumCPU()
	}

	p := &Pool{
		tasks: make(chan poolTask),
	}
	for i := 0; i < size; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()

	for t := range p.tasks {
		// A task whose context died while queued is resolved without running
		if err := t.ctx.Err(); err != nil {
			t.result <- err
			continue
		}
		t.result <- t.fn(t.ctx)
	}
}

// Submit hands fn to the pool and returns the channel its result arrives on.
// The call blocks while every worker is busy; a context canceled before the
// task starts resolves the result without running fn.
func (p *Pool) Submit(ctx context.Context, fn func(context.Context) error) <-chan error {
	result := make(chan error, 1)
	t := poolTask{ctx: ctx, fn: fn, result: result}

	select {
	case p.tasks <- t:
	case <-ctx.Done():
		result <- ctx.Err()
	}
	return result
}

// Close stops the workers after the queued tasks finish. Submitting after
// Close panics; the owner must stop producers first.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		close(p.tasks)
		p.wg.Wait()
	})
}
