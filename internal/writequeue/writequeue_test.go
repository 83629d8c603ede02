package writequeue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestQueue(t *testing.T, capacity int) *Queue {
	t.Helper()
	q := New(capacity, slog.New(slog.DiscardHandler))
	q.Start(context.Background())
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = q.Stop(stopCtx)
	})
	return q
}

func TestOpsRunInFIFOOrder(t *testing.T) {
	q := newTestQueue(t, 0)

	var mu sync.Mutex
	var order []int
	var futs []*Future
	for i := 0; i < 50; i++ {
		fut, err := q.Enqueue(func(i int) Op {
			return func(context.Context) (any, error) {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return i, nil
			}
		}(i))
		require.NoError(t, err)
		futs = append(futs, fut)
	}
	for i, fut := range futs {
		v, err := fut.Wait(context.Background())
		require.NoError(t, err)
		assert.Equal(t, i, v)
	}
	for i := range order {
		assert.Equal(t, i, order[i], "ops must run in enqueue order")
	}
}

func TestOpErrorIsIsolated(t *testing.T) {
	q := newTestQueue(t, 0)

	boom := errors.New("op failed")
	failed, err := q.Enqueue(func(context.Context) (any, error) { return nil, boom })
	require.NoError(t, err)
	ok, err := q.Enqueue(func(context.Context) (any, error) { return "fine", nil })
	require.NoError(t, err)

	_, werr := failed.Wait(context.Background())
	assert.ErrorIs(t, werr, boom)

	v, werr := ok.Wait(context.Background())
	require.NoError(t, werr, "a failed sibling must not poison the worker")
	assert.Equal(t, "fine", v)

	assert.Equal(t, int64(1), q.Failed())
	assert.Equal(t, int64(1), q.Processed())
}

func TestPanicResolvesOnlyItsFuture(t *testing.T) {
	q := newTestQueue(t, 0)

	panicked, err := q.Enqueue(func(context.Context) (any, error) { panic("kaboom") })
	require.NoError(t, err)
	after, err := q.Enqueue(func(context.Context) (any, error) { return 42, nil })
	require.NoError(t, err)

	_, werr := panicked.Wait(context.Background())
	require.Error(t, werr)
	assert.Contains(t, werr.Error(), "panic")

	v, werr := after.Wait(context.Background())
	require.NoError(t, werr)
	assert.Equal(t, 42, v)
}

func TestEnqueueBlocksAtCapacity(t *testing.T) {
	q := newTestQueue(t, 1)

	gate := make(chan struct{})
	// Occupy the worker.
	running, err := q.Enqueue(func(context.Context) (any, error) {
		<-gate
		return nil, nil
	})
	require.NoError(t, err)
	// Fill the buffer.
	buffered, err := q.Enqueue(func(context.Context) (any, error) { return nil, nil })
	require.NoError(t, err)

	// The next enqueue must block until the worker frees a slot.
	enqueued := make(chan struct{})
	go func() {
		fut, err := q.Enqueue(func(context.Context) (any, error) { return nil, nil })
		assert.NoError(t, err)
		_, _ = fut.Wait(context.Background())
		close(enqueued)
	}()

	select {
	case <-enqueued:
		t.Fatal("enqueue should block while the queue is full")
	case <-time.After(50 * time.Millisecond):
	}

	close(gate)
	_, _ = running.Wait(context.Background())
	_, _ = buffered.Wait(context.Background())

	select {
	case <-enqueued:
	case <-time.After(2 * time.Second):
		t.Fatal("blocked enqueue never completed")
	}
}

func TestStopDrainsAcceptedOps(t *testing.T) {
	q := New(16, slog.New(slog.DiscardHandler))
	q.Start(context.Background())

	var futs []*Future
	var ran sync.Map
	for i := 0; i < 8; i++ {
		fut, err := q.Enqueue(func(i int) Op {
			return func(context.Context) (any, error) {
				ran.Store(i, true)
				return nil, nil
			}
		}(i))
		require.NoError(t, err)
		futs = append(futs, fut)
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, q.Stop(stopCtx))

	for i, fut := range futs {
		_, err := fut.Wait(context.Background())
		require.NoError(t, err)
		_, ok := ran.Load(i)
		assert.True(t, ok, "op %d should have run during drain", i)
	}

	_, err := q.Enqueue(func(context.Context) (any, error) { return nil, nil })
	assert.ErrorIs(t, err, ErrClosed)

	// Stop twice is fine.
	require.NoError(t, q.Stop(context.Background()))
}

func TestSubmitReturnsTypedResult(t *testing.T) {
	q := newTestQueue(t, 0)

	type result struct{ ID string }
	got, err := Submit(context.Background(), q, func(context.Context) (*result, error) {
		return &result{ID: "abc"}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "abc", got.ID)
}

func TestWaitHonorsCallerContext(t *testing.T) {
	q := newTestQueue(t, 0)

	gate := make(chan struct{})
	defer close(gate)
	fut, err := q.Enqueue(func(context.Context) (any, error) {
		<-gate
		return nil, nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, werr := fut.Wait(ctx)
	assert.ErrorIs(t, werr, context.DeadlineExceeded)
}
