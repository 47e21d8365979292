// Package httpq provides the bounded HTTP request queue every external pull
// goes through.
//
// At most MaxConcurrency requests run simultaneously. The queue itself is a
// bounded FIFO; when it is full, Do fails immediately with ErrDropped instead
// of blocking the caller, and a drop counter is incremented. This keeps a
// slow upstream from backing up the evaluation loop.
package httpq

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"
)

// ErrDropped is returned when the queue is at capacity and the request was
// rejected without being dispatched.
var ErrDropped = errors.New("httpq: dropped by full queue")

type job struct {
	ctx   context.Context
	fn    func(context.Context) error
	errCh chan error
}

// Queue is a concurrency-limited async dispatcher with a drop-on-overflow
// tail. Create with New, start workers with Run, submit with Do.
type Queue struct {
	jobs    chan job
	workers int
	timeout time.Duration
	dropped atomic.Int64
	logger  *slog.Logger
}

// New creates a queue with the given worker budget and FIFO bound.
func New(maxConcurrency, queueMax int, timeout time.Duration, logger *slog.Logger) *Queue {
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}
	if queueMax <= 0 {
		queueMax = 1
	}
	return &Queue{
		jobs:    make(chan job, queueMax),
		workers: maxConcurrency,
		timeout: timeout,
		logger:  logger.With("component", "httpq"),
	}
}

// Run starts the worker pool. Blocks until ctx is cancelled.
func (q *Queue) Run(ctx context.Context) {
	for i := 0; i < q.workers; i++ {
		go q.worker(ctx)
	}
	<-ctx.Done()
}

func (q *Queue) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-q.jobs:
			q.exec(j)
		}
	}
}

func (q *Queue) exec(j job) {
	ctx := j.ctx
	if q.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.timeout)
		defer cancel()
	}
	err := j.fn(ctx)
	select {
	case j.errCh <- err:
	case <-j.ctx.Done():
	}
}

// Do enqueues fn and waits for it to complete. If the queue is full, it
// returns ErrDropped immediately without dispatching. The per-request
// timeout (if configured) is applied by the worker.
func (q *Queue) Do(ctx context.Context, fn func(context.Context) error) error {
	j := job{ctx: ctx, fn: fn, errCh: make(chan error, 1)}

	select {
	case q.jobs <- j:
	default:
		q.dropped.Add(1)
		return ErrDropped
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-j.errCh:
		return err
	}
}

// Dropped returns the cumulative count of requests rejected by the full queue.
func (q *Queue) Dropped() int64 { return q.dropped.Load() }
