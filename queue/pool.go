package queue

import (
	"context"
	"sync"
)

// Task is a unit of work submitted to the WorkerPool.
type Task func(ctx context.Context)

// WorkerPool runs tasks using a fixed number of goroutines.
type WorkerPool struct {
	tasks   chan Task
	quit    chan struct{}
	wg      sync.WaitGroup
	workers int
	closeMu sync.RWMutex
	closed  bool
	once    sync.Once
}

// NewWorkerPool creates a new worker pool with the specified number of workers
// and task queue capacity.
func NewWorkerPool(workers, queue int) *WorkerPool {
	if workers <= 0 {
		workers = 1
	}
	if queue <= 0 {
		queue = workers * 2
	}
	return &WorkerPool{
		tasks:   make(chan Task, queue),
		quit:    make(chan struct{}),
		workers: workers,
	}
}

// Start begins the worker goroutines and runs tasks until ctx is done or Close is called.
func (p *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case task, ok := <-p.tasks:
					if !ok {
						return
					}
					task(ctx)
				}
			}
		}()
	}
}

// Submit enqueues a task, blocking while the buffer is full. Returns
// ErrPoolClosed once Close has been called.
func (p *WorkerPool) Submit(ctx context.Context, task Task) error {
	p.closeMu.RLock()
	defer p.closeMu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.tasks <- task:
		return nil
	case <-p.quit:
		return ErrPoolClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting new tasks and waits for workers to finish.
func (p *WorkerPool) Close() {
	p.once.Do(func() {
		close(p.quit)
		p.closeMu.Lock()
		p.closed = true
		close(p.tasks)
		p.closeMu.Unlock()
		p.wg.Wait()
	})
}

// ErrPoolClosed is returned if a Submit is attempted after Close.
var ErrPoolClosed = &PoolError{"worker pool closed"}

// PoolError provides a simple typed error for pool operations.
type PoolError struct{ msg string }

func (e *PoolError) Error() string { return e.msg }
