package crawler

import (
	"context"
	"errors"
	"sync"
)

type job func(ctx context.Context)

// WorkerPool runs frontier tasks on a fixed number of goroutines fed by a
// bounded queue. Jobs already queued when the pool is cancelled still run,
// with a cancelled context, so callers tracking completion never hang.
type WorkerPool struct {
	ctx    context.Context
	cancel context.CancelFunc
	jobs   chan job
	wg     sync.WaitGroup

	closeOnce sync.Once
}

// NewWorkerPool creates a pool with the given concurrency and queue size.
func NewWorkerPool(parent context.Context, concurrency, queueSize int) (*WorkerPool, error) {
	if concurrency <= 0 || queueSize <= 0 {
		return nil, errors.New("worker pool requires positive concurrency and queue size")
	}
	ctx, cancel := context.WithCancel(parent)
	pool := &WorkerPool{
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(chan job, queueSize),
	}
	pool.start(concurrency)
	return pool, nil
}

func (p *WorkerPool) start(concurrency int) {
	for i := 0; i < concurrency; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for job := range p.jobs {
				job(p.ctx)
			}
		}()
	}
}

// Submit schedules a job, blocking while the queue is full. It fails once
// either context is done.
func (p *WorkerPool) Submit(ctx context.Context, fn job) error {
	if err := p.ctx.Err(); err != nil {
		return err
	}
	select {
	case <-p.ctx.Done():
		return p.ctx.Err()
	case <-ctx.Done():
		return ctx.Err()
	case p.jobs <- fn:
		return nil
	}
}

// Close cancels running jobs, drains the queue and stops all workers. Submit
// must not be called concurrently with or after Close.
func (p *WorkerPool) Close() {
	p.closeOnce.Do(func() {
		p.cancel()
		close(p.jobs)
		p.wg.Wait()
	})
}
