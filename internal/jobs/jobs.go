// Package jobs is the durable background job queue. Jobs live in a store
// table, so they survive restarts; a single worker claims the
// highest-priority pending row, runs the handler registered for its
// trigger, and records the outcome. Interrupted runs are rewound by
// Recover at startup instead of being lost.
package jobs

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/mnesis-ai/mnesis/internal/model"
	"github.com/mnesis-ai/mnesis/internal/store"
	"github.com/mnesis-ai/mnesis/internal/telemetry"
	"github.com/mnesis-ai/mnesis/internal/writequeue"
)

const (
	// Priority bounds. Enqueue clamps out-of-range values instead of
	// rejecting them.
	MinPriority = -20
	MaxPriority = 20

	minMaxAttempts     = 1
	maxMaxAttempts     = 6
	defaultMaxAttempts = 3

	defaultPollInterval = 2 * time.Second

	// outcomeTimeout bounds the write that records a finished job, so a
	// shutdown that cancels the loop context cannot lose the outcome of a
	// run that already happened.
	outcomeTimeout = 10 * time.Second
)

// ErrNotFound is returned when a job id does not exist.
var ErrNotFound = errors.New("jobs: not found")

// Handler executes one job. A non-nil return value is marshaled into the
// job's result column on success.
type Handler func(ctx context.Context, job *model.Job) (any, error)

// EnqueueParams describes a job to insert. Priority is clamped to
// [MinPriority, MaxPriority] and MaxAttempts to [1, 6], defaulting to 3
// when zero. DedupeKey defaults to a hash of the trigger and normalized
// payload; SkipDedupe inserts even when an equivalent job is already
// queued.
type EnqueueParams struct {
	Trigger     string
	Payload     string
	Priority    int
	MaxAttempts int
	DedupeKey   string
	SkipDedupe  bool
}

// Queue owns the jobs table and the single worker that drains it.
type Queue struct {
	table  *store.Table
	writes *writequeue.Queue
	logger *slog.Logger

	interval time.Duration

	mu       sync.RWMutex
	handlers map[string]Handler

	started    atomic.Bool
	cancelLoop context.CancelFunc
	done       chan struct{}
	once       sync.Once

	outcomes metric.Int64Counter
}

// New ensures the jobs table exists. The worker does not run until Start.
func New(ctx context.Context, st *store.Store, writes *writequeue.Queue, logger *slog.Logger) (*Queue, error) {
	table, err := st.CreateTable(ctx, "jobs", model.JobSchema())
	if err != nil {
		return nil, fmt.Errorf("jobs: ensure table: %w", err)
	}
	meter := telemetry.Meter("mnesis/jobs")
	outcomes, _ := meter.Int64Counter("mnesis.jobs.outcomes",
		metric.WithDescription("Finished job writes by trigger and status"),
	)
	return &Queue{
		table:    table,
		writes:   writes,
		logger:   logger,
		interval: defaultPollInterval,
		handlers: make(map[string]Handler),
		done:     make(chan struct{}),
		outcomes: outcomes,
	}, nil
}

// Register binds a handler to a trigger, replacing any previous one.
func (q *Queue) Register(trigger string, h Handler) {
	q.mu.Lock()
	q.handlers[trigger] = h
	q.mu.Unlock()
}

func (q *Queue) handlerFor(trigger string) (Handler, bool) {
	q.mu.RLock()
	h, ok := q.handlers[trigger]
	q.mu.RUnlock()
	return h, ok
}

// DedupeKey hashes a trigger and payload into the default dedupe key. The
// payload is decoded and re-encoded first so formatting differences
// (whitespace, key order) do not defeat duplicate detection.
func DedupeKey(trigger, payload string) string {
	normalized := payload
	var v any
	if err := json.Unmarshal([]byte(payload), &v); err == nil {
		if b, merr := json.Marshal(v); merr == nil {
			normalized = string(b)
		}
	}
	h := sha1.Sum([]byte(trigger + "|" + normalized))
	return hex.EncodeToString(h[:])
}

// Enqueue inserts a pending job. When a job with the same dedupe key is
// already pending or running, the existing job is returned instead and
// duplicate is true.
func (q *Queue) Enqueue(ctx context.Context, params EnqueueParams) (*model.Job, bool, error) {
	if params.Trigger == "" {
		return nil, false, errors.New("jobs: trigger is required")
	}
	payload := params.Payload
	if payload == "" {
		payload = "{}"
	}
	key := params.DedupeKey
	if key == "" {
		key = DedupeKey(params.Trigger, payload)
	}

	type outcome struct {
		job       *model.Job
		duplicate bool
	}
	res, err := writequeue.Submit(ctx, q.writes, func(ctx context.Context) (outcome, error) {
		if !params.SkipDedupe {
			existing, ferr := q.findActive(ctx, key)
			if ferr != nil {
				return outcome{}, ferr
			}
			if existing != nil {
				return outcome{job: existing, duplicate: true}, nil
			}
		}
		job := &model.Job{
			ID:          uuid.NewString(),
			Trigger:     params.Trigger,
			Status:      model.JobPending,
			Priority:    clamp(params.Priority, MinPriority, MaxPriority),
			DedupeKey:   key,
			Payload:     payload,
			MaxAttempts: clampAttempts(params.MaxAttempts),
			CreatedAt:   time.Now().UTC(),
		}
		if aerr := q.table.Add(ctx, []store.Row{job.ToRow()}); aerr != nil {
			return outcome{}, fmt.Errorf("jobs: insert: %w", aerr)
		}
		return outcome{job: job}, nil
	})
	if err != nil {
		return nil, false, err
	}
	return res.job, res.duplicate, nil
}

// findActive returns a pending or running job with the given dedupe key.
func (q *Queue) findActive(ctx context.Context, key string) (*model.Job, error) {
	rows, err := q.table.Search(nil).
		Where("(status = 'pending' OR status = 'running') AND dedupe_key = '" + store.EscapeString(key) + "'").
		Limit(1).
		ToList(ctx)
	if err != nil {
		return nil, fmt.Errorf("jobs: find by dedupe key: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return model.JobFromRow(rows[0]), nil
}

// Get returns one job.
func (q *Queue) Get(ctx context.Context, id string) (*model.Job, error) {
	row, err := q.table.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("jobs: get %s: %w", id, err)
	}
	return model.JobFromRow(row), nil
}

// List returns jobs newest first. An empty status matches all.
func (q *Queue) List(ctx context.Context, status string, limit int) ([]*model.Job, error) {
	sel := q.table.Search(nil)
	if status != "" {
		sel = sel.Where("status = '" + store.EscapeString(status) + "'")
	}
	rows, err := sel.ToList(ctx)
	if err != nil {
		return nil, fmt.Errorf("jobs: list: %w", err)
	}
	out := make([]*model.Job, 0, len(rows))
	for _, row := range rows {
		out = append(out, model.JobFromRow(row))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CountByStatus returns job counts keyed by status.
func (q *Queue) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := q.table.Search(nil).ToList(ctx)
	if err != nil {
		return nil, fmt.Errorf("jobs: count by status: %w", err)
	}
	out := make(map[string]int, 5)
	for _, row := range rows {
		out[rowStatus(row)]++
	}
	return out, nil
}

// PendingCount reports how many jobs are waiting to run.
func (q *Queue) PendingCount(ctx context.Context) (int, error) {
	rows, err := q.table.Search(nil).Where("status = 'pending'").ToList(ctx)
	if err != nil {
		return 0, fmt.Errorf("jobs: pending count: %w", err)
	}
	return len(rows), nil
}

// Cancel transitions a pending job to cancelled. Running and finished jobs
// are returned unchanged: a running job either completes normally or is
// rewound by Recover after a crash.
func (q *Queue) Cancel(ctx context.Context, id string) (*model.Job, error) {
	return writequeue.Submit(ctx, q.writes, func(ctx context.Context) (*model.Job, error) {
		job, err := q.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if job.Status != model.JobPending {
			return job, nil
		}
		now := time.Now().UTC()
		job.Status = model.JobCancelled
		job.CompletedAt = &now
		if _, uerr := q.table.Update(ctx, idPredicate(id), job.ToRow()); uerr != nil {
			return nil, fmt.Errorf("jobs: cancel %s: %w", id, uerr)
		}
		return job, nil
	})
}

// Recover rewinds jobs left running by a previous process. Rows with
// attempts remaining go back to pending carrying an explanatory error; the
// rest are failed. Returns the number of rows touched. Call before Start.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	return writequeue.Submit(ctx, q.writes, func(ctx context.Context) (int, error) {
		rows, err := q.table.Search(nil).Where("status = 'running'").ToList(ctx)
		if err != nil {
			return 0, fmt.Errorf("jobs: scan orphaned jobs: %w", err)
		}
		recovered := 0
		for _, row := range rows {
			job := model.JobFromRow(row)
			msg := "recovered after restart"
			job.Error = &msg
			if job.AttemptCount < job.MaxAttempts {
				job.Status = model.JobPending
			} else {
				job.Status = model.JobFailed
				now := time.Now().UTC()
				job.CompletedAt = &now
			}
			if _, uerr := q.table.Update(ctx, idPredicate(job.ID), job.ToRow()); uerr != nil {
				return recovered, fmt.Errorf("jobs: rewind %s: %w", job.ID, uerr)
			}
			q.logger.Warn("jobs: rewound orphaned job",
				"id", job.ID,
				"trigger", job.Trigger,
				"status", string(job.Status),
				"attempts", job.AttemptCount)
			recovered++
		}
		return recovered, nil
	})
}

// Start launches the worker loop. It is safe to call only once; subsequent
// calls are no-ops and log a warning.
func (q *Queue) Start(ctx context.Context) {
	if !q.started.CompareAndSwap(false, true) {
		q.logger.Warn("jobs: Start called more than once, ignoring")
		return
	}
	q.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	q.cancelLoop = cancel
	go q.loop(loopCtx)
}

// registerMetrics registers an observable OTEL gauge for queue depth.
func (q *Queue) registerMetrics() {
	meter := telemetry.Meter("mnesis/jobs")

	_, _ = meter.Int64ObservableGauge("mnesis.jobs.depth",
		metric.WithDescription("Number of pending jobs in the queue"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			count, err := q.PendingCount(ctx)
			if err != nil {
				return nil // Non-fatal: just skip this observation.
			}
			o.Observe(int64(count))
			return nil
		}),
	)
}

// Stop halts the worker and waits for an in-flight job to record its
// outcome, or for ctx to expire.
func (q *Queue) Stop(ctx context.Context) {
	if q.cancelLoop != nil {
		q.cancelLoop()
	}
	if !q.started.Load() {
		return
	}
	select {
	case <-q.done:
	case <-ctx.Done():
		q.logger.Warn("jobs: stop timed out")
	}
}

func (q *Queue) loop(ctx context.Context) {
	defer q.once.Do(func() { close(q.done) })
	ticker := time.NewTicker(q.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.drainPending(ctx)
		}
	}
}

// drainPending claims and runs pending jobs until none remain or ctx is
// cancelled.
func (q *Queue) drainPending(ctx context.Context) {
	for ctx.Err() == nil {
		if !q.runNext(ctx) {
			return
		}
	}
}

// runNext claims the best pending job and executes it, reporting whether a
// job was claimed.
func (q *Queue) runNext(ctx context.Context) bool {
	job, err := q.claim(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			q.logger.Error("jobs: claim", "error", err)
		}
		return false
	}
	if job == nil {
		return false
	}
	q.execute(ctx, job)
	return true
}

// claim picks the highest-priority pending row, oldest first on ties, and
// marks it running. The read and the update share one write-queue slot so
// no other writer can claim the same row in between.
func (q *Queue) claim(ctx context.Context) (*model.Job, error) {
	return writequeue.Submit(ctx, q.writes, func(ctx context.Context) (*model.Job, error) {
		rows, err := q.table.Search(nil).Where("status = 'pending'").ToList(ctx)
		if err != nil {
			return nil, fmt.Errorf("jobs: scan pending: %w", err)
		}
		if len(rows) == 0 {
			return nil, nil
		}
		pending := make([]*model.Job, 0, len(rows))
		for _, row := range rows {
			pending = append(pending, model.JobFromRow(row))
		}
		sort.SliceStable(pending, func(i, j int) bool {
			if pending[i].Priority != pending[j].Priority {
				return pending[i].Priority > pending[j].Priority
			}
			return pending[i].CreatedAt.Before(pending[j].CreatedAt)
		})
		job := pending[0]
		now := time.Now().UTC()
		job.Status = model.JobRunning
		job.AttemptCount++
		job.StartedAt = &now
		if _, uerr := q.table.Update(ctx, idPredicate(job.ID), job.ToRow()); uerr != nil {
			return nil, fmt.Errorf("jobs: mark running %s: %w", job.ID, uerr)
		}
		return job, nil
	})
}

// execute runs the handler and records the outcome. A job whose trigger
// has no handler fails immediately: retrying cannot fix a configuration
// gap.
func (q *Queue) execute(ctx context.Context, job *model.Job) {
	handler, ok := q.handlerFor(job.Trigger)
	if !ok {
		q.finish(job, nil, fmt.Errorf("no handler registered for trigger %q", job.Trigger), false)
		return
	}
	result, err := handler(ctx, job)
	q.finish(job, result, err, true)
}

// finish writes the job's terminal or requeued state. The write uses its
// own timeout rather than the loop context so a shutdown mid-run cannot
// lose an outcome that was already produced.
func (q *Queue) finish(job *model.Job, result any, runErr error, retryable bool) {
	ctx, cancel := context.WithTimeout(context.Background(), outcomeTimeout)
	defer cancel()

	now := time.Now().UTC()
	if runErr == nil {
		job.Status = model.JobCompleted
		job.CompletedAt = &now
		job.Error = nil
		if result != nil {
			if b, err := json.Marshal(result); err == nil {
				job.Result = string(b)
			} else {
				q.logger.Warn("jobs: marshal result", "id", job.ID, "error", err)
			}
		}
	} else {
		msg := runErr.Error()
		job.Error = &msg
		if retryable && job.AttemptCount < job.MaxAttempts {
			job.Status = model.JobPending
		} else {
			job.Status = model.JobFailed
			job.CompletedAt = &now
		}
	}

	if _, err := writequeue.Submit(ctx, q.writes, func(ctx context.Context) (struct{}, error) {
		_, uerr := q.table.Update(ctx, idPredicate(job.ID), job.ToRow())
		return struct{}{}, uerr
	}); err != nil {
		q.logger.Error("jobs: record outcome", "id", job.ID, "error", err)
		return
	}

	q.outcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("trigger", job.Trigger),
		attribute.String("status", string(job.Status)),
	))

	switch job.Status {
	case model.JobCompleted:
		q.logger.Info("jobs: completed",
			"id", job.ID, "trigger", job.Trigger, "attempts", job.AttemptCount)
	case model.JobPending:
		q.logger.Warn("jobs: requeued after failure",
			"id", job.ID,
			"trigger", job.Trigger,
			"attempts", job.AttemptCount,
			"max_attempts", job.MaxAttempts,
			"error", *job.Error)
	default:
		q.logger.Error("jobs: failed",
			"id", job.ID, "trigger", job.Trigger, "attempts", job.AttemptCount, "error", *job.Error)
	}
}

func idPredicate(id string) string {
	return "id = '" + store.EscapeString(id) + "'"
}

func rowStatus(row store.Row) string {
	if v, ok := row["status"].(string); ok {
		return v
	}
	return ""
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampAttempts(v int) int {
	if v == 0 {
		return defaultMaxAttempts
	}
	return clamp(v, minMaxAttempts, maxMaxAttempts)
}
