package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnesis-ai/mnesis/internal/jobs"
	"github.com/mnesis-ai/mnesis/internal/memory"
	"github.com/mnesis-ai/mnesis/internal/model"
	"github.com/mnesis-ai/mnesis/internal/writequeue"
)

type fakeSweeps struct {
	decayCalls   int
	sessionCalls int
	sessionAge   time.Duration
	edgeCalls    int
	compactCalls int
	rotateCalls  int
	decayErr     error
}

func (f *fakeSweeps) RunDecaySweep(context.Context) (*memory.DecayStats, error) {
	f.decayCalls++
	if f.decayErr != nil {
		return nil, f.decayErr
	}
	return &memory.DecayStats{Scanned: 1}, nil
}

func (f *fakeSweeps) PruneEnded(_ context.Context, maxAge time.Duration) (int, error) {
	f.sessionCalls++
	f.sessionAge = maxAge
	return 2, nil
}

func (f *fakeSweeps) PruneOrphans(context.Context) (int, error) {
	f.edgeCalls++
	return 1, nil
}

func (f *fakeSweeps) Compact(context.Context) error {
	f.compactCalls++
	return nil
}

func (f *fakeSweeps) Rotate(context.Context) (string, error) {
	f.rotateCalls++
	return "rotated-token", nil
}

type fakeJobs struct {
	enqueued []jobs.EnqueueParams
	dup      bool
}

func (f *fakeJobs) Enqueue(_ context.Context, p jobs.EnqueueParams) (*model.Job, bool, error) {
	f.enqueued = append(f.enqueued, p)
	return &model.Job{ID: "job-1", Trigger: p.Trigger}, f.dup, nil
}

func newTestScheduler(t *testing.T, cfg Config) (*Scheduler, *fakeSweeps, *fakeJobs) {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)

	writes := writequeue.New(0, logger)
	writes.Start(context.Background())
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = writes.Stop(stopCtx)
	})

	sweeps := &fakeSweeps{}
	jq := &fakeJobs{}
	s, err := New(t.TempDir(), Deps{
		Writes:    writes,
		Decay:     sweeps,
		Sessions:  sweeps,
		Edges:     sweeps,
		Compactor: sweeps,
		Rotator:   sweeps,
		Jobs:      jq,
	}, cfg, logger)
	require.NoError(t, err)
	return s, sweeps, jq
}

func TestNewStartsClocksAtNow(t *testing.T) {
	s, _, _ := newTestScheduler(t, Config{})

	_, err := os.Stat(s.statePath())
	require.NoError(t, err)

	now := time.Now().UTC()
	assert.WithinDuration(t, now, s.state.LastDecayAt, time.Minute)
	assert.WithinDuration(t, now, s.state.LastRotationAt, time.Minute)
}

func TestTickSkipsSweepsThatAreNotDue(t *testing.T) {
	s, sweeps, jq := newTestScheduler(t, Config{AutoAnalysis: true})

	s.tick(context.Background())

	assert.Zero(t, sweeps.decayCalls)
	assert.Zero(t, sweeps.sessionCalls)
	assert.Zero(t, sweeps.rotateCalls)
	assert.Empty(t, jq.enqueued)
}

func TestTickRunsOverdueDecaySweep(t *testing.T) {
	s, sweeps, _ := newTestScheduler(t, Config{})
	s.state.LastDecayAt = time.Now().UTC().Add(-21 * time.Hour)

	s.tick(context.Background())

	assert.Equal(t, 1, sweeps.decayCalls)
	assert.Zero(t, sweeps.sessionCalls)
	assert.WithinDuration(t, time.Now().UTC(), s.state.LastDecayAt, time.Minute)

	// The advanced clock is persisted: a new instance in the same dir does
	// not rerun the sweep.
	reloaded, err := New(s.dir, s.deps, s.cfg, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	assert.WithinDuration(t, s.state.LastDecayAt, reloaded.state.LastDecayAt, time.Second)
}

func TestTickRunsOverdueMaintenance(t *testing.T) {
	s, sweeps, _ := newTestScheduler(t, Config{})
	s.state.LastMaintenanceAt = time.Now().UTC().Add(-8 * 24 * time.Hour)

	s.tick(context.Background())

	assert.Equal(t, 1, sweeps.sessionCalls)
	assert.Equal(t, defaultSessionMaxAge, sweeps.sessionAge)
	assert.Equal(t, 1, sweeps.edgeCalls)
	assert.Equal(t, 1, sweeps.compactCalls)
	assert.Zero(t, sweeps.decayCalls)
}

func TestTickRunsOverdueRotation(t *testing.T) {
	s, sweeps, _ := newTestScheduler(t, Config{})
	s.state.LastRotationAt = time.Now().UTC().Add(-91 * 24 * time.Hour)

	s.tick(context.Background())

	assert.Equal(t, 1, sweeps.rotateCalls)
	assert.WithinDuration(t, time.Now().UTC(), s.state.LastRotationAt, time.Minute)
}

func TestFailedSweepRetriesOnNextTick(t *testing.T) {
	s, sweeps, _ := newTestScheduler(t, Config{})
	sweeps.decayErr = errors.New("store unavailable")
	overdue := time.Now().UTC().Add(-21 * time.Hour)
	s.state.LastDecayAt = overdue

	s.tick(context.Background())
	assert.Equal(t, 1, sweeps.decayCalls)
	assert.Equal(t, overdue, s.state.LastDecayAt)

	sweeps.decayErr = nil
	s.tick(context.Background())
	assert.Equal(t, 2, sweeps.decayCalls)
	assert.WithinDuration(t, time.Now().UTC(), s.state.LastDecayAt, time.Minute)
}

func TestAutoAnalysisEnqueuesOncePerInterval(t *testing.T) {
	s, _, jq := newTestScheduler(t, Config{AutoAnalysis: true, AutoAnalysisInterval: 2 * time.Hour})
	s.state.LastAutoMiningAt = time.Now().UTC().Add(-3 * time.Hour)

	s.tick(context.Background())
	require.Len(t, jq.enqueued, 1)
	assert.Equal(t, model.TriggerConversationAnalysis, jq.enqueued[0].Trigger)
	assert.Equal(t, analysisJobPriority, jq.enqueued[0].Priority)

	// Interval restarted; an immediate second tick enqueues nothing.
	s.tick(context.Background())
	assert.Len(t, jq.enqueued, 1)
}

func TestAutoAnalysisDisabledEnqueuesNothing(t *testing.T) {
	s, _, jq := newTestScheduler(t, Config{})
	s.state.LastAutoMiningAt = time.Now().UTC().Add(-24 * time.Hour)

	s.tick(context.Background())
	assert.Empty(t, jq.enqueued)
}

func TestAutoIntervalBounds(t *testing.T) {
	s, _, _ := newTestScheduler(t, Config{})
	assert.Equal(t, defaultAutoInterval, s.autoInterval())

	s.cfg.AutoAnalysisInterval = 10 * time.Minute
	assert.Equal(t, minAutoInterval, s.autoInterval())

	s.cfg.AutoAnalysisInterval = 2 * time.Hour
	assert.Equal(t, 2*time.Hour, s.autoInterval())
}

func TestCorruptStateFileResets(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, stateFile), []byte("{not json"), 0o600))

	s, err := New(dir, Deps{}, Config{}, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().UTC(), s.state.LastDecayAt, time.Minute)
}

func TestStartStopLifecycle(t *testing.T) {
	s, _, _ := newTestScheduler(t, Config{})

	ctx := context.Background()
	s.Start(ctx)
	s.Start(ctx) // second call is ignored

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Stop(stopCtx)
}
