// Package writequeue serializes all store mutations through one worker.
//
// Every mutating path in the service enqueues a closure and waits on its
// future. With exactly one op in flight at a time, write paths are
// serializable without table locks, and a failing op cannot corrupt a
// sibling: errors and panics resolve only the future they belong to.
package writequeue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultCapacity bounds the number of queued ops. Enqueues beyond it block
// the caller, which is the backpressure contract: producers slow down rather
// than the queue growing without bound.
const DefaultCapacity = 500

// ErrClosed is returned by Enqueue after Stop.
var ErrClosed = errors.New("writequeue: closed")

// Op is a single serialized write. It receives the worker's context, so a
// shutdown deadline propagates into slow store calls.
type Op func(ctx context.Context) (any, error)

type task struct {
	op  Op
	fut *Future
}

// Future resolves exactly once with the op's result.
type Future struct {
	once sync.Once
	done chan struct{}
	val  any
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) resolve(v any, err error) {
	f.once.Do(func() {
		f.val = v
		f.err = err
		close(f.done)
	})
}

// Wait blocks until the op ran or ctx is done.
func (f *Future) Wait(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Queue is the single-writer op queue.
type Queue struct {
	logger *slog.Logger
	ops    chan task

	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup

	startOnce  sync.Once
	workerDone chan struct{}

	processed atomic.Int64
	failed    atomic.Int64
}

// New builds a queue with the given capacity (DefaultCapacity when <= 0).
// Call Start exactly once before enqueueing.
func New(capacity int, logger *slog.Logger) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{
		logger:     logger,
		ops:        make(chan task, capacity),
		workerDone: make(chan struct{}),
	}
}

// Start launches the worker goroutine. Ops run with ctx; cancelling it does
// not stop the worker, it only fails ops that respect the context.
func (q *Queue) Start(ctx context.Context) {
	q.startOnce.Do(func() {
		go q.work(ctx)
	})
}

func (q *Queue) work(ctx context.Context) {
	defer close(q.workerDone)
	for t := range q.ops {
		q.run(ctx, t)
	}
}

func (q *Queue) run(ctx context.Context, t task) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			q.failed.Add(1)
			q.logger.Error("write op panicked", "panic", r)
			t.fut.resolve(nil, fmt.Errorf("writequeue: op panic: %v", r))
		}
	}()

	v, err := t.op(ctx)
	if err != nil {
		q.failed.Add(1)
	} else {
		q.processed.Add(1)
	}
	if d := time.Since(start); d > time.Second {
		q.logger.Warn("slow write op", "duration_ms", d.Milliseconds())
	}
	t.fut.resolve(v, err)
}

// Enqueue submits op and returns its future. Blocks while the queue is at
// capacity. Returns ErrClosed after Stop.
func (q *Queue) Enqueue(op Op) (*Future, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrClosed
	}
	q.inflight.Add(1)
	q.mu.Unlock()
	defer q.inflight.Done()

	fut := newFuture()
	q.ops <- task{op: op, fut: fut}
	return fut, nil
}

// Do enqueues op and waits for its result.
func (q *Queue) Do(ctx context.Context, op Op) (any, error) {
	fut, err := q.Enqueue(op)
	if err != nil {
		return nil, err
	}
	return fut.Wait(ctx)
}

// Submit enqueues a typed op on q and waits, sparing callers the assertion.
func Submit[T any](ctx context.Context, q *Queue, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	v, err := q.Do(ctx, func(ctx context.Context) (any, error) {
		return op(ctx)
	})
	if err != nil {
		return zero, err
	}
	if v == nil {
		return zero, nil
	}
	return v.(T), nil
}

// Stop closes the intake and drains queued ops. Blocked enqueuers that
// passed the closed check land before the channel closes, so every accepted
// op runs. Returns ctx.Err if the drain outlives ctx.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	q.inflight.Wait()
	close(q.ops)

	select {
	case <-q.workerDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Depth returns the number of ops waiting to run.
func (q *Queue) Depth() int {
	return len(q.ops)
}

// Processed returns the count of ops that completed without error.
func (q *Queue) Processed() int64 {
	return q.processed.Load()
}

// Failed returns the count of ops that errored or panicked.
func (q *Queue) Failed() int64 {
	return q.failed.Load()
}
