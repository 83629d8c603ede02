// Package scheduler drives the periodic sweeps: retention decay, weekly
// maintenance, snapshot token rotation, and auto-analysis enqueueing. One
// goroutine multiplexes all sweeps; last-run timestamps persist in a state
// file so restarts neither repeat a sweep early nor skip an overdue one.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/mnesis-ai/mnesis/internal/jobs"
	"github.com/mnesis-ai/mnesis/internal/memory"
	"github.com/mnesis-ai/mnesis/internal/model"
	"github.com/mnesis-ai/mnesis/internal/writequeue"
)

const (
	stateFile = "scheduler_state.json"

	decayEvery       = 20 * time.Hour
	maintenanceEvery = 7 * 24 * time.Hour
	rotationEvery    = 90 * 24 * time.Hour

	// checkEvery is how often due times are re-examined. Sweep cadence
	// comes from the persisted timestamps, not from this tick.
	checkEvery = 5 * time.Minute

	defaultSessionMaxAge = 30 * 24 * time.Hour
	defaultAutoInterval  = 6 * time.Hour
	minAutoInterval      = time.Hour

	// analysisJobPriority keeps scheduled mining behind user-requested
	// jobs in the queue.
	analysisJobPriority = -5
)

// DecaySweeper applies retention decay across stored memories.
type DecaySweeper interface {
	RunDecaySweep(ctx context.Context) (*memory.DecayStats, error)
}

// SessionPruner deletes sessions that ended long ago.
type SessionPruner interface {
	PruneEnded(ctx context.Context, maxAge time.Duration) (int, error)
}

// EdgePruner deletes graph edges with archived or missing endpoints. Called
// from inside a write op.
type EdgePruner interface {
	PruneOrphans(ctx context.Context) (int, error)
}

// Compactor reclaims store space. Called from inside a write op so no
// mutation is in flight while it runs.
type Compactor interface {
	Compact(ctx context.Context) error
}

// TokenRotator replaces the local API token.
type TokenRotator interface {
	Rotate(ctx context.Context) (string, error)
}

// Enqueuer inserts background jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, params jobs.EnqueueParams) (*model.Job, bool, error)
}

// Deps are the components the sweeps drive. A nil dependency disables the
// sweeps that need it.
type Deps struct {
	Writes    *writequeue.Queue
	Decay     DecaySweeper
	Sessions  SessionPruner
	Edges     EdgePruner
	Compactor Compactor
	Rotator   TokenRotator
	Jobs      Enqueuer
}

// Config carries the tunables wired from the service configuration.
type Config struct {
	// AutoAnalysis enables the periodic mining job.
	AutoAnalysis bool
	// AutoAnalysisInterval is the gap between scheduled mining runs.
	// Zero means 6h; values under an hour are raised to an hour.
	AutoAnalysisInterval time.Duration
	// SessionMaxAge is how long ended sessions are kept. Zero means 30d.
	SessionMaxAge time.Duration
}

// state is the persisted sweep clock. Fields are owned by the loop
// goroutine after Start; tests drive tick directly instead.
type state struct {
	LastDecayAt       time.Time `json:"last_decay_at"`
	LastMaintenanceAt time.Time `json:"last_maintenance_at"`
	LastRotationAt    time.Time `json:"last_rotation_at"`
	LastAutoMiningAt  time.Time `json:"last_auto_mining_at"`
}

// Scheduler owns the sweep loop and its state file.
type Scheduler struct {
	dir    string
	deps   Deps
	cfg    Config
	logger *slog.Logger

	state state

	started    atomic.Bool
	cancelLoop context.CancelFunc
	done       chan struct{}
}

// New loads or initializes the state file in dir. A fresh install starts
// every clock at now, so the first rotation happens 90 days from install
// instead of immediately replacing the token minted at bootstrap.
func New(dir string, deps Deps, cfg Config, logger *slog.Logger) (*Scheduler, error) {
	s := &Scheduler{
		dir:    dir,
		deps:   deps,
		cfg:    cfg,
		logger: logger,
		done:   make(chan struct{}),
	}
	if err := s.loadState(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Scheduler) statePath() string { return filepath.Join(s.dir, stateFile) }

func (s *Scheduler) loadState() error {
	data, err := os.ReadFile(s.statePath())
	if errors.Is(err, os.ErrNotExist) {
		s.resetState()
		return s.saveState()
	}
	if err != nil {
		return fmt.Errorf("scheduler: read state: %w", err)
	}
	if uerr := json.Unmarshal(data, &s.state); uerr != nil {
		s.logger.Warn("scheduler: state file unreadable, resetting", "error", uerr)
		s.resetState()
		return s.saveState()
	}
	return nil
}

func (s *Scheduler) resetState() {
	now := time.Now().UTC()
	s.state = state{
		LastDecayAt:       now,
		LastMaintenanceAt: now,
		LastRotationAt:    now,
		LastAutoMiningAt:  now,
	}
}

func (s *Scheduler) saveState() error {
	data, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return fmt.Errorf("scheduler: encode state: %w", err)
	}
	if err := os.WriteFile(s.statePath(), data, 0o600); err != nil {
		return fmt.Errorf("scheduler: write state: %w", err)
	}
	return nil
}

func (s *Scheduler) persist() {
	if err := s.saveState(); err != nil {
		s.logger.Error("scheduler: persist state", "error", err)
	}
}

// Start launches the sweep loop. It is safe to call only once; subsequent
// calls are no-ops and log a warning.
func (s *Scheduler) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		s.logger.Warn("scheduler: Start called more than once, ignoring")
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancelLoop = cancel
	go s.loop(loopCtx)
}

// Stop halts the loop and waits for an in-flight sweep to finish, or for
// ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) {
	if s.cancelLoop != nil {
		s.cancelLoop()
	}
	if !s.started.Load() {
		return
	}
	select {
	case <-s.done:
	case <-ctx.Done():
		s.logger.Warn("scheduler: stop timed out")
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(checkEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs every sweep whose interval elapsed. A failed sweep keeps its
// old timestamp, so it retries on the next tick instead of waiting a full
// interval.
func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now().UTC()

	if s.deps.Decay != nil && now.Sub(s.state.LastDecayAt) >= decayEvery {
		if stats, err := s.deps.Decay.RunDecaySweep(ctx); err != nil {
			s.logger.Error("scheduler: decay sweep", "error", err)
		} else {
			s.logger.Info("scheduler: decay sweep done",
				"scanned", stats.Scanned,
				"decayed", stats.Decayed,
				"expired", stats.Expired,
				"archived", stats.Archived)
			s.state.LastDecayAt = now
			s.persist()
		}
	}

	if now.Sub(s.state.LastMaintenanceAt) >= maintenanceEvery {
		if err := s.runMaintenance(ctx); err != nil {
			s.logger.Error("scheduler: maintenance", "error", err)
		} else {
			s.state.LastMaintenanceAt = now
			s.persist()
		}
	}

	if s.deps.Rotator != nil && now.Sub(s.state.LastRotationAt) >= rotationEvery {
		if _, err := s.deps.Rotator.Rotate(ctx); err != nil {
			s.logger.Error("scheduler: token rotation", "error", err)
		} else {
			s.logger.Info("scheduler: rotated api token")
			s.state.LastRotationAt = now
			s.persist()
		}
	}

	if s.cfg.AutoAnalysis && s.deps.Jobs != nil && now.Sub(s.state.LastAutoMiningAt) >= s.autoInterval() {
		job, dup, err := s.deps.Jobs.Enqueue(ctx, jobs.EnqueueParams{
			Trigger:  model.TriggerConversationAnalysis,
			Payload:  "{}",
			Priority: analysisJobPriority,
		})
		if err != nil {
			s.logger.Error("scheduler: enqueue analysis job", "error", err)
		} else {
			if dup {
				s.logger.Debug("scheduler: analysis job already queued", "job_id", job.ID)
			} else {
				s.logger.Info("scheduler: enqueued analysis job", "job_id", job.ID)
			}
			s.state.LastAutoMiningAt = now
			s.persist()
		}
	}
}

// runMaintenance prunes old sessions and orphaned edges, then compacts the
// store. Pruning runs before compaction so the space it frees is reclaimed
// in the same pass.
func (s *Scheduler) runMaintenance(ctx context.Context) error {
	if s.deps.Sessions != nil {
		pruned, err := s.deps.Sessions.PruneEnded(ctx, s.sessionMaxAge())
		if err != nil {
			return fmt.Errorf("prune sessions: %w", err)
		}
		if pruned > 0 {
			s.logger.Info("scheduler: pruned ended sessions", "count", pruned)
		}
	}
	if s.deps.Edges != nil && s.deps.Writes != nil {
		pruned, err := writequeue.Submit(ctx, s.deps.Writes, func(ctx context.Context) (int, error) {
			return s.deps.Edges.PruneOrphans(ctx)
		})
		if err != nil {
			return fmt.Errorf("prune edges: %w", err)
		}
		if pruned > 0 {
			s.logger.Info("scheduler: pruned orphaned edges", "count", pruned)
		}
	}
	if s.deps.Compactor != nil && s.deps.Writes != nil {
		_, err := writequeue.Submit(ctx, s.deps.Writes, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, s.deps.Compactor.Compact(ctx)
		})
		if err != nil {
			return fmt.Errorf("compact: %w", err)
		}
	}
	return nil
}

func (s *Scheduler) autoInterval() time.Duration {
	iv := s.cfg.AutoAnalysisInterval
	if iv <= 0 {
		return defaultAutoInterval
	}
	if iv < minAutoInterval {
		return minAutoInterval
	}
	return iv
}

func (s *Scheduler) sessionMaxAge() time.Duration {
	if s.cfg.SessionMaxAge <= 0 {
		return defaultSessionMaxAge
	}
	return s.cfg.SessionMaxAge
}
