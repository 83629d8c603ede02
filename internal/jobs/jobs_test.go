package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnesis-ai/mnesis/internal/model"
	"github.com/mnesis-ai/mnesis/internal/store"
	"github.com/mnesis-ai/mnesis/internal/writequeue"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.DiscardHandler)

	st, err := store.Open(ctx, t.TempDir(), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	writes := writequeue.New(0, logger)
	writes.Start(ctx)
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = writes.Stop(stopCtx)
	})

	q, err := New(ctx, st, writes, logger)
	require.NoError(t, err)
	return q
}

func TestEnqueueDedupesActiveJobs(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	first, dup, err := q.Enqueue(ctx, EnqueueParams{Trigger: "demo", Payload: `{"a": 1, "b": 2}`})
	require.NoError(t, err)
	assert.False(t, dup)
	assert.Equal(t, model.JobPending, first.Status)

	// Same logical payload with different formatting and key order hashes
	// to the same dedupe key.
	second, dup, err := q.Enqueue(ctx, EnqueueParams{Trigger: "demo", Payload: `{"b":2,"a":1}`})
	require.NoError(t, err)
	assert.True(t, dup)
	assert.Equal(t, first.ID, second.ID)

	third, dup, err := q.Enqueue(ctx, EnqueueParams{Trigger: "demo", Payload: `{"a": 1, "b": 3}`})
	require.NoError(t, err)
	assert.False(t, dup)
	assert.NotEqual(t, first.ID, third.ID)

	// A finished job no longer blocks re-enqueueing.
	_, err = q.Cancel(ctx, first.ID)
	require.NoError(t, err)
	fourth, dup, err := q.Enqueue(ctx, EnqueueParams{Trigger: "demo", Payload: `{"a": 1, "b": 2}`})
	require.NoError(t, err)
	assert.False(t, dup)
	assert.NotEqual(t, first.ID, fourth.ID)
}

func TestEnqueueSkipDedupeInsertsAnyway(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	first, _, err := q.Enqueue(ctx, EnqueueParams{Trigger: "demo", Payload: `{"a": 1}`})
	require.NoError(t, err)

	forced, dup, err := q.Enqueue(ctx, EnqueueParams{Trigger: "demo", Payload: `{"a": 1}`, SkipDedupe: true})
	require.NoError(t, err)
	assert.False(t, dup)
	assert.NotEqual(t, first.ID, forced.ID)
	assert.Equal(t, first.DedupeKey, forced.DedupeKey)
}

func TestEnqueueClampsPriorityAndAttempts(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	high, _, err := q.Enqueue(ctx, EnqueueParams{Trigger: "demo", Payload: `{"n": 1}`, Priority: 99, MaxAttempts: 99})
	require.NoError(t, err)
	assert.Equal(t, MaxPriority, high.Priority)
	assert.Equal(t, maxMaxAttempts, high.MaxAttempts)

	low, _, err := q.Enqueue(ctx, EnqueueParams{Trigger: "demo", Payload: `{"n": 2}`, Priority: -99})
	require.NoError(t, err)
	assert.Equal(t, MinPriority, low.Priority)
	assert.Equal(t, defaultMaxAttempts, low.MaxAttempts)

	_, _, err = q.Enqueue(ctx, EnqueueParams{Payload: `{}`})
	assert.Error(t, err)
}

func TestClaimPrefersPriorityThenAge(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	low, _, err := q.Enqueue(ctx, EnqueueParams{Trigger: "demo", Payload: `{"n": 1}`})
	require.NoError(t, err)
	time.Sleep(time.Millisecond)
	highOld, _, err := q.Enqueue(ctx, EnqueueParams{Trigger: "demo", Payload: `{"n": 2}`, Priority: 5})
	require.NoError(t, err)
	time.Sleep(time.Millisecond)
	highNew, _, err := q.Enqueue(ctx, EnqueueParams{Trigger: "demo", Payload: `{"n": 3}`, Priority: 5})
	require.NoError(t, err)

	for i, want := range []string{highOld.ID, highNew.ID, low.ID} {
		claimed, cerr := q.claim(ctx)
		require.NoError(t, cerr)
		require.NotNil(t, claimed, "claim %d", i)
		assert.Equal(t, want, claimed.ID, "claim %d", i)
		assert.Equal(t, model.JobRunning, claimed.Status)
		assert.Equal(t, 1, claimed.AttemptCount)
		require.NotNil(t, claimed.StartedAt)
	}

	empty, err := q.claim(ctx)
	require.NoError(t, err)
	assert.Nil(t, empty)
}

func TestRunNextExecutesHandlerAndStoresResult(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	q.Register("demo", func(_ context.Context, job *model.Job) (any, error) {
		var payload struct {
			N int `json:"n"`
		}
		if err := json.Unmarshal([]byte(job.Payload), &payload); err != nil {
			return nil, err
		}
		return map[string]int{"doubled": payload.N * 2}, nil
	})

	job, _, err := q.Enqueue(ctx, EnqueueParams{Trigger: "demo", Payload: `{"n": 21}`})
	require.NoError(t, err)

	assert.True(t, q.runNext(ctx))
	assert.False(t, q.runNext(ctx))

	got, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobCompleted, got.Status)
	assert.JSONEq(t, `{"doubled": 42}`, got.Result)
	assert.Equal(t, 1, got.AttemptCount)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.CompletedAt)
	assert.Nil(t, got.Error)
}

func TestFailingJobRequeuesUntilAttemptsExhausted(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	calls := 0
	q.Register("flaky", func(context.Context, *model.Job) (any, error) {
		calls++
		return nil, errors.New("downstream unavailable")
	})

	job, _, err := q.Enqueue(ctx, EnqueueParams{Trigger: "flaky", MaxAttempts: 2})
	require.NoError(t, err)

	require.True(t, q.runNext(ctx))
	got, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobPending, got.Status)
	assert.Equal(t, 1, got.AttemptCount)
	require.NotNil(t, got.Error)
	assert.Contains(t, *got.Error, "downstream unavailable")
	assert.Nil(t, got.CompletedAt)

	require.True(t, q.runNext(ctx))
	got, err = q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobFailed, got.Status)
	assert.Equal(t, 2, got.AttemptCount)
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, 2, calls)
}

func TestJobWithoutHandlerFailsWithoutRetry(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	job, _, err := q.Enqueue(ctx, EnqueueParams{Trigger: "orphan", Payload: `{}`})
	require.NoError(t, err)

	assert.True(t, q.runNext(ctx))

	got, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobFailed, got.Status)
	assert.Equal(t, 1, got.AttemptCount)
	require.NotNil(t, got.Error)
	assert.Contains(t, *got.Error, "no handler registered")
}

func TestCancelAffectsOnlyPendingJobs(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	pending, _, err := q.Enqueue(ctx, EnqueueParams{Trigger: "demo", Payload: `{"n": 1}`})
	require.NoError(t, err)

	cancelled, err := q.Cancel(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobCancelled, cancelled.Status)
	require.NotNil(t, cancelled.CompletedAt)

	// Cancelling again is a no-op.
	again, err := q.Cancel(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobCancelled, again.Status)

	running, _, err := q.Enqueue(ctx, EnqueueParams{Trigger: "demo", Payload: `{"n": 2}`})
	require.NoError(t, err)
	claimed, err := q.claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, running.ID, claimed.ID)

	ignored, err := q.Cancel(ctx, running.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobRunning, ignored.Status)

	_, err = q.Cancel(ctx, "no-such-job")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecoverRewindsJobsLeftRunning(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	retry, _, err := q.Enqueue(ctx, EnqueueParams{Trigger: "demo", Payload: `{"n": 1}`})
	require.NoError(t, err)
	time.Sleep(time.Millisecond)
	spent, _, err := q.Enqueue(ctx, EnqueueParams{Trigger: "demo", Payload: `{"n": 2}`, MaxAttempts: 1})
	require.NoError(t, err)

	// Claim both, then pretend the process died before finishing them.
	for i := 0; i < 2; i++ {
		claimed, cerr := q.claim(ctx)
		require.NoError(t, cerr)
		require.NotNil(t, claimed, "claim %d", i)
	}

	n, err := q.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := q.Get(ctx, retry.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobPending, got.Status)
	assert.Equal(t, 1, got.AttemptCount)
	require.NotNil(t, got.Error)
	assert.Contains(t, *got.Error, "recovered after restart")

	got, err = q.Get(ctx, spent.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobFailed, got.Status)
	require.NotNil(t, got.CompletedAt)

	// Nothing left to rewind.
	n, err = q.Recover(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestListAndCountsGroupByStatus(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	oldest, _, err := q.Enqueue(ctx, EnqueueParams{Trigger: "demo", Payload: `{"n": 1}`})
	require.NoError(t, err)
	time.Sleep(time.Millisecond)
	middle, _, err := q.Enqueue(ctx, EnqueueParams{Trigger: "demo", Payload: `{"n": 2}`})
	require.NoError(t, err)
	time.Sleep(time.Millisecond)
	newest, _, err := q.Enqueue(ctx, EnqueueParams{Trigger: "demo", Payload: `{"n": 3}`})
	require.NoError(t, err)

	_, err = q.Cancel(ctx, middle.ID)
	require.NoError(t, err)

	all, err := q.List(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, newest.ID, all[0].ID)
	assert.Equal(t, oldest.ID, all[2].ID)

	pendingOnly, err := q.List(ctx, string(model.JobPending), 1)
	require.NoError(t, err)
	require.Len(t, pendingOnly, 1)
	assert.Equal(t, newest.ID, pendingOnly[0].ID)

	counts, err := q.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[string(model.JobPending)])
	assert.Equal(t, 1, counts[string(model.JobCancelled)])

	n, err := q.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestWorkerLoopDrainsQueue(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	done := make(chan string, 2)
	q.Register("demo", func(_ context.Context, job *model.Job) (any, error) {
		done <- job.ID
		return nil, nil
	})

	first, _, err := q.Enqueue(ctx, EnqueueParams{Trigger: "demo", Payload: `{"n": 1}`})
	require.NoError(t, err)
	second, _, err := q.Enqueue(ctx, EnqueueParams{Trigger: "demo", Payload: `{"n": 2}`})
	require.NoError(t, err)

	q.interval = 10 * time.Millisecond
	q.Start(ctx)
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		q.Stop(stopCtx)
	})

	var ran []string
	for i := 0; i < 2; i++ {
		select {
		case id := <-done:
			ran = append(ran, id)
		case <-time.After(2 * time.Second):
			t.Fatal("worker never ran the queued jobs")
		}
	}
	assert.ElementsMatch(t, []string{first.ID, second.ID}, ran)

	deadline := time.Now().Add(2 * time.Second)
	for {
		got, gerr := q.Get(ctx, second.ID)
		require.NoError(t, gerr)
		if got.Status == model.JobCompleted {
			break
		}
		require.True(t, time.Now().Before(deadline), "job stuck in %s", got.Status)
		time.Sleep(10 * time.Millisecond)
	}
}

type fakeMiner struct {
	params model.MineParams
	report *model.MiningReport
	err    error
}

func (f *fakeMiner) Mine(_ context.Context, params model.MineParams) (*model.MiningReport, error) {
	f.params = params
	return f.report, f.err
}

func TestAnalysisHandlerForwardsParams(t *testing.T) {
	fake := &fakeMiner{report: &model.MiningReport{Status: "completed", Provider: "heuristic"}}
	handler := AnalysisHandler(fake)

	job := &model.Job{Payload: `{"provider": "heuristic", "max_conversations": 3}`}
	result, err := handler(context.Background(), job)
	require.NoError(t, err)

	assert.Equal(t, "heuristic", fake.params.Provider)
	assert.Equal(t, 3, fake.params.MaxConversations)
	assert.True(t, fake.params.WaitIfBusy)

	report, ok := result.(*model.MiningReport)
	require.True(t, ok)
	assert.Equal(t, "completed", report.Status)
}

func TestAnalysisHandlerRejectsBadPayload(t *testing.T) {
	handler := AnalysisHandler(&fakeMiner{})
	_, err := handler(context.Background(), &model.Job{Payload: `not json`})
	assert.Error(t, err)
}
