package memory

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/mnesis-ai/mnesis/internal/model"
	"github.com/mnesis-ai/mnesis/internal/store"
	"github.com/mnesis-ai/mnesis/internal/writequeue"
)

// Ebbinghaus decay rates per level, in units of 1/day.
const (
	decaySemanticRate = 0.001
	decayEpisodicRate = 0.05
	decayWorkingRate  = 0.3

	// semanticFloor is the lowest importance decay can push a semantic
	// memory to. The floor clamps decay; it never raises a score.
	semanticFloor = 0.1

	// workingArchiveBelow archives working memories that decayed to noise.
	workingArchiveBelow = 0.05

	// minDecayDelta skips writes for imperceptible changes.
	minDecayDelta = 0.001
)

// DecayStats summarizes one sweep.
type DecayStats struct {
	Scanned  int `json:"scanned"`
	Decayed  int `json:"decayed"`
	Expired  int `json:"expired"`
	Archived int `json:"archived"`
}

// RunDecaySweep applies Ebbinghaus decay to every active memory and archives
// the ones past their expiry. The whole sweep runs as a single write op, so
// it sees a consistent snapshot; memories created mid-sweep are picked up on
// the next cycle.
func (c *Core) RunDecaySweep(ctx context.Context) (*DecayStats, error) {
	return writequeue.Submit(ctx, c.queue, func(ctx context.Context) (*DecayStats, error) {
		rows, err := c.memories.Search(nil).
			Where("status = '" + string(model.StatusActive) + "'").
			ToList(ctx)
		if err != nil {
			return nil, fmt.Errorf("memory: decay scan: %w", err)
		}

		now := time.Now().UTC()
		stats := &DecayStats{}
		for _, row := range rows {
			m := model.MemoryFromRow(row)
			stats.Scanned++

			if m.ExpiresAt != nil && m.ExpiresAt.Before(now) {
				if err := c.archiveInSweep(ctx, m, now, "expired"); err != nil {
					c.logger.Warn("memory: expiry archive failed", "memory_id", m.ID, "error", err)
					continue
				}
				stats.Expired++
				continue
			}

			days := now.Sub(m.LastReferencedAt).Hours() / 24
			if days < 0 {
				days = 0
			}
			retention := math.Exp(-decayRate(m.Level) * days)
			floor := 0.0
			if m.Level == model.LevelSemantic {
				floor = semanticFloor
			}
			target := math.Max(floor, m.ImportanceScore*retention)

			// The archive check runs before the no-progress guard so a
			// working memory already below the floor still transitions
			// even when no time has elapsed since its last reference.
			if m.Level == model.LevelWorking && target < workingArchiveBelow {
				if err := c.archiveInSweep(ctx, m, now, fmt.Sprintf("decayed to %.4f", target)); err != nil {
					c.logger.Warn("memory: decay archive failed", "memory_id", m.ID, "error", err)
					continue
				}
				stats.Archived++
				continue
			}

			if target >= m.ImportanceScore {
				continue
			}
			if m.ImportanceScore-target < minDecayDelta {
				continue
			}
			if _, err := c.memories.Update(ctx, idPredicate(m.ID), store.Row{
				"importance_score": target,
			}); err != nil {
				c.logger.Warn("memory: decay update failed", "memory_id", m.ID, "error", err)
				continue
			}
			stats.Decayed++
		}

		c.logger.Info("decay sweep finished",
			"scanned", stats.Scanned,
			"decayed", stats.Decayed,
			"expired", stats.Expired,
			"archived", stats.Archived)
		return stats, nil
	})
}

// archiveInSweep archives a memory from inside the sweep op, cascading its
// edges the same way Archive does.
func (c *Core) archiveInSweep(ctx context.Context, m *model.Memory, now time.Time, detail string) error {
	if _, err := c.memories.Update(ctx, idPredicate(m.ID), store.Row{
		"status":     string(model.StatusArchived),
		"updated_at": now,
	}); err != nil {
		return err
	}
	if c.graph != nil {
		if _, err := c.graph.DeleteFor(ctx, m.ID); err != nil {
			c.logger.Warn("memory: edge cascade failed", "memory_id", m.ID, "error", err)
		}
	}
	c.voidPendingConflicts(ctx, m.ID, now)
	c.appendEvent(ctx, m.ID, model.EventArchived, detail)
	return nil
}

func decayRate(level model.Level) float64 {
	switch level {
	case model.LevelEpisodic:
		return decayEpisodicRate
	case model.LevelWorking:
		return decayWorkingRate
	default:
		return decaySemanticRate
	}
}
