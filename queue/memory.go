package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

const defaultMemoryBuffer = 1024

// ErrQueueFull is returned by Push when a queue's buffer has no room.
var ErrQueueFull = errors.New("queue full")

// MemoryQueue is the in-process backend used when no broker is configured
// and as the test double for the enqueue port. Push never blocks: a full
// buffer rejects the job with ErrQueueFull.
type MemoryQueue struct {
	mu          sync.Mutex
	queues      map[string]chan *Job
	keepHistory bool
	history     []Job
	size        int
}

type MemoryOption func(*MemoryQueue)

// WithHistory records every accepted job for Jobs and JobsOfType. The
// history is unbounded, so only tests should enable it.
func WithHistory() MemoryOption {
	return func(q *MemoryQueue) { q.keepHistory = true }
}

func NewMemoryQueue(size int, opts ...MemoryOption) *MemoryQueue {
	if size <= 0 {
		size = defaultMemoryBuffer
	}
	q := &MemoryQueue{queues: make(map[string]chan *Job), size: size}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *MemoryQueue) channel(name string) chan *Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	ch, ok := q.queues[name]
	if !ok {
		ch = make(chan *Job, q.size)
		q.queues[name] = ch
	}
	return ch
}

func (q *MemoryQueue) Enqueue(ctx context.Context, jobType string, payload any, queue string) error {
	job, err := NewJob(jobType, payload, queue)
	if err != nil {
		return err
	}
	return q.Push(ctx, job)
}

func (q *MemoryQueue) Push(ctx context.Context, job *Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case q.channel(job.Queue) <- job:
	default:
		return fmt.Errorf("%w: %s holds %d jobs", ErrQueueFull, job.Queue, q.size)
	}
	if q.keepHistory {
		q.mu.Lock()
		q.history = append(q.history, *job)
		q.mu.Unlock()
	}
	return nil
}

// Pending counts buffered jobs across all queues.
func (q *MemoryQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, ch := range q.queues {
		n += len(ch)
	}
	return n
}

// Consume delivers jobs to fn until ctx ends.
func (q *MemoryQueue) Consume(ctx context.Context, queue string, fn func(Delivery)) error {
	ch := q.channel(queue)
	for {
		select {
		case <-ctx.Done():
			return nil
		case job := <-ch:
			fn(Delivery{Job: job})
		}
	}
}

// Jobs returns every accepted job, in push order. It is empty unless the
// queue was built WithHistory.
func (q *MemoryQueue) Jobs() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Job(nil), q.history...)
}

// JobsOfType filters Jobs by type.
func (q *MemoryQueue) JobsOfType(jobType string) []Job {
	var out []Job
	for _, j := range q.Jobs() {
		if j.Type == jobType {
			out = append(out, j)
		}
	}
	return out
}

// Drain pops every pending job of a queue without blocking.
func (q *MemoryQueue) Drain(queue string) []*Job {
	ch := q.channel(queue)
	var out []*Job
	for {
		select {
		case job := <-ch:
			out = append(out, job)
		default:
			return out
		}
	}
}

func (q *MemoryQueue) Close() error { return nil }
