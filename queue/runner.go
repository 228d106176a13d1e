package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"mls_sync/metrics"
)

// Handler executes one job. Returning an error counts as an exception.
type Handler func(ctx context.Context, job *Job) error

// Policy bounds how a job type is retried and throttled.
type Policy struct {
	Tries         int           // total attempts, releases included
	MaxExceptions int           // failed handler runs before giving up
	RetryFor      time.Duration // absolute deadline from first enqueue
	Backoff       time.Duration
	PerMinute     int // 0 disables the limiter
}

type Result string

const (
	ResultSuccess  Result = "success"
	ResultRetry    Result = "retry"
	ResultReleased Result = "released"
	ResultFailed   Result = "failed"
)

type registration struct {
	policy  Policy
	handler Handler
	limiter *rate.Limiter
}

// Runner consumes queues and dispatches jobs to registered handlers on a
// worker pool.
type Runner struct {
	queue    Queue
	workers  int
	logger   *slog.Logger
	mu       sync.RWMutex
	handlers map[string]*registration

	// jobs received from a queue but not yet acked, plus releases waiting
	// on their timer
	outstanding atomic.Int64

	now   func() time.Time
	after func(d time.Duration, f func())
}

func NewRunner(q Queue, workers int, logger *slog.Logger) *Runner {
	return &Runner{
		queue:    q,
		workers:  workers,
		logger:   logger,
		handlers: make(map[string]*registration),
		now:      time.Now,
		after: func(d time.Duration, f func()) {
			time.AfterFunc(d, f)
		},
	}
}

// Register binds a handler and its policy to a job type.
func (r *Runner) Register(jobType string, policy Policy, handler Handler) {
	reg := &registration{policy: policy, handler: handler}
	if policy.PerMinute > 0 {
		reg.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(policy.PerMinute)), policy.PerMinute)
	}
	r.mu.Lock()
	r.handlers[jobType] = reg
	r.mu.Unlock()
}

// Run consumes the named queues until ctx is cancelled.
func (r *Runner) Run(ctx context.Context, queues ...string) error {
	pool := NewWorkerPool(r.workers, r.workers*4)
	pool.Start(ctx)
	defer pool.Close()

	var wg sync.WaitGroup
	errs := make(chan error, len(queues))
	for _, name := range queues {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			err := r.queue.Consume(ctx, name, func(d Delivery) {
				r.outstanding.Add(1)
				err := pool.Submit(ctx, func(ctx context.Context) {
					defer r.outstanding.Add(-1)
					r.Process(ctx, d.Job)
					if err := d.Ack(); err != nil {
						r.logger.Warn("ack failed", "job_id", d.Job.ID, "error", err)
					}
				})
				if err != nil {
					r.outstanding.Add(-1)
					r.logger.Warn("job not scheduled", "job_id", d.Job.ID, "error", err)
				}
			})
			if err != nil {
				errs <- fmt.Errorf("queue %s: %w", name, err)
			}
		}(name)
	}
	wg.Wait()
	close(errs)
	return <-errs
}

// Process runs one delivery of a job synchronously and applies the retry
// policy. A retried or released job is pushed back to its queue.
func (r *Runner) Process(ctx context.Context, job *Job) Result {
	r.mu.RLock()
	reg, ok := r.handlers[job.Type]
	r.mu.RUnlock()
	if !ok {
		r.logger.Error("no handler for job", "type", job.Type, "job_id", job.ID)
		return r.finish(job, ResultFailed)
	}
	p := reg.policy
	now := r.now()

	if p.RetryFor > 0 && now.Sub(job.FirstEnqueuedAt) > p.RetryFor {
		r.logger.Warn("job retry deadline passed", "type", job.Type, "job_id", job.ID, "attempts", job.Attempts)
		return r.finish(job, ResultFailed)
	}

	job.Attempts++
	if p.Tries > 0 && job.Attempts > p.Tries {
		r.logger.Warn("job exhausted tries", "type", job.Type, "job_id", job.ID, "attempts", job.Attempts-1, "last_error", job.LastError)
		return r.finish(job, ResultFailed)
	}

	if reg.limiter != nil {
		res := reg.limiter.ReserveN(now, 1)
		if delay := res.DelayFrom(now); delay > 0 {
			res.CancelAt(now)
			r.release(job, delay)
			return r.finish(job, ResultReleased)
		}
	}

	err := reg.handler(ctx, job)
	if err == nil {
		return r.finish(job, ResultSuccess)
	}

	job.Exceptions++
	job.LastError = err.Error()

	if IsPermanent(err) ||
		(p.MaxExceptions > 0 && job.Exceptions >= p.MaxExceptions) ||
		(p.Tries > 0 && job.Attempts >= p.Tries) {
		r.logger.Error("job failed", "type", job.Type, "job_id", job.ID, "attempts", job.Attempts, "exceptions", job.Exceptions, "error", err)
		return r.finish(job, ResultFailed)
	}

	r.logger.Warn("job will retry", "type", job.Type, "job_id", job.ID, "attempts", job.Attempts, "error", err)
	r.release(job, p.Backoff)
	return r.finish(job, ResultRetry)
}

// Busy reports jobs the runner holds: running, waiting for a worker or
// waiting out a release delay.
func (r *Runner) Busy() int64 {
	return r.outstanding.Load()
}

func (r *Runner) release(job *Job, delay time.Duration) {
	r.outstanding.Add(1)
	r.after(delay, func() {
		defer r.outstanding.Add(-1)
		if err := r.queue.Push(context.Background(), job); err != nil {
			r.logger.Error("requeue failed", "type", job.Type, "job_id", job.ID, "error", err)
		}
	})
}

func (r *Runner) finish(job *Job, res Result) Result {
	metrics.JobsProcessed.WithLabelValues(job.Type, string(res)).Inc()
	return res
}
