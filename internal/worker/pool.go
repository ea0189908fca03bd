package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	ErrQueueFull  = errors.New("worker queue is full")
	ErrPoolClosed = errors.New("worker pool is not running")
)

// Job is a unit of work executed on one of the pool's workers
type Job func(ctx context.Context)

// Pool runs jobs on a fixed number of workers fed by a bounded queue
type Pool struct {
	workers int
	jobs    chan Job
	done    chan struct{}
	logger  *zap.Logger
}

// NewPool creates a pool; call Run to start the workers
func NewPool(workers, queue int, logger *zap.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queue <= 0 {
		queue = workers
	}
	return &Pool{
		workers: workers,
		jobs:    make(chan Job, queue),
		done:    make(chan struct{}),
		logger:  logger,
	}
}

// Run starts the workers and blocks until ctx is cancelled
func (p *Pool) Run(ctx context.Context) error {
	defer close(p.done)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		id := i
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case job := <-p.jobs:
					p.execute(ctx, id, job)
				}
			}
		})
	}
	p.logger.Info("Worker pool started", zap.Int("workers", p.workers), zap.Int("queue", cap(p.jobs)))
	err := g.Wait()
	p.logger.Info("Worker pool stopped")
	return err
}

// Submit queues a job without blocking
func (p *Pool) Submit(job Job) error {
	select {
	case <-p.done:
		return ErrPoolClosed
	default:
	}
	select {
	case p.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

func (p *Pool) execute(ctx context.Context, id int, job Job) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Worker job panicked", zap.Int("worker", id), zap.Any("panic", r))
		}
	}()
	job(ctx)
}

// Call runs fn under timeout and returns as soon as either fn finishes or the
// deadline passes. An fn that ignores its context keeps running in the
// background; its result is dropped.
func Call[T any](ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		value T
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: fmt.Errorf("adapter panicked: %v", r)}
			}
		}()
		v, err := fn(ctx)
		ch <- result{value: v, err: err}
	}()

	select {
	case r := <-ch:
		return r.value, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
