package conflicts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/mnesis-ai/mnesis/internal/model"
	"github.com/mnesis-ai/mnesis/internal/store"
	"github.com/mnesis-ai/mnesis/internal/writequeue"
)

// TableName is the pending-conflicts table. The memory core stages rows here
// during creates; the workbench owns their review lifecycle.
const TableName = "pending_conflicts"

var (
	ErrNotPending        = errors.New("conflicts: conflict is not pending")
	ErrMissingContent    = errors.New("conflicts: merged resolution requires merged_content")
	ErrUnknownResolution = errors.New("conflicts: unknown resolution")
)

// MemoryMutator is the slice of the memory core the workbench needs. The
// concrete core enqueues its own write ops, so the workbench never reaches
// into the memory table directly.
type MemoryMutator interface {
	Update(ctx context.Context, id, content, sourceLLM string) (*model.WriteResult, error)
	Archive(ctx context.Context, id string) (*model.WriteResult, error)
	RecordEvent(ctx context.Context, memoryID string, kind model.EventKind, detail string) error
}

// Workbench lists and resolves pending conflicts.
type Workbench struct {
	table  *store.Table
	queue  *writequeue.Queue
	core   MemoryMutator
	logger *slog.Logger
}

// NewWorkbench ensures the conflicts table exists and returns the workbench.
func NewWorkbench(ctx context.Context, st *store.Store, queue *writequeue.Queue, core MemoryMutator, logger *slog.Logger) (*Workbench, error) {
	tbl, err := st.CreateTable(ctx, TableName, model.ConflictSchema())
	if err != nil {
		return nil, fmt.Errorf("conflicts: ensure table: %w", err)
	}
	return &Workbench{table: tbl, queue: queue, core: core, logger: logger}, nil
}

// ListPending returns open conflicts, oldest first.
func (w *Workbench) ListPending(ctx context.Context, limit int) ([]*model.PendingConflict, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := w.table.Search(nil).
		Where("status = '" + string(model.ConflictPending) + "'").
		ToList(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*model.PendingConflict, 0, len(rows))
	for _, row := range rows {
		out = append(out, model.ConflictFromRow(row))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DetectedAt.Before(out[j].DetectedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Get returns one conflict by id.
func (w *Workbench) Get(ctx context.Context, id string) (*model.PendingConflict, error) {
	row, err := w.table.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return model.ConflictFromRow(row), nil
}

// CountPending returns the number of open conflicts.
func (w *Workbench) CountPending(ctx context.Context) (int, error) {
	rows, err := w.table.Search(nil).
		Where("status = '" + string(model.ConflictPending) + "'").
		ToList(ctx)
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}

// Resolve settles a pending conflict.
//
//   - kept_existing: no memory changes.
//   - merged: rewrite the existing memory with mergedContent, archive the
//     candidate memory.
//   - versioned: both memories stay active; the conflict row is shelved.
//   - overwritten: archive the existing memory, candidate stays active.
//
// Every path journals a conflict_resolved event against the existing memory.
func (w *Workbench) Resolve(ctx context.Context, conflictID string, resolution model.Resolution, mergedContent, resolver string) (*model.PendingConflict, error) {
	if !model.ValidResolution(string(resolution)) {
		return nil, ErrUnknownResolution
	}
	conflict, err := w.Get(ctx, conflictID)
	if err != nil {
		return nil, err
	}
	if conflict.Status != model.ConflictPending {
		return nil, ErrNotPending
	}

	switch resolution {
	case model.ResolutionKeptExisting:
		// No data change.
	case model.ResolutionMerged:
		if strings.TrimSpace(mergedContent) == "" {
			return nil, ErrMissingContent
		}
		if _, err := w.core.Update(ctx, conflict.MemoryIDExisting, mergedContent, resolver); err != nil {
			return nil, fmt.Errorf("conflicts: merge update: %w", err)
		}
		if conflict.MemoryIDCandidate != "" {
			if _, err := w.core.Archive(ctx, conflict.MemoryIDCandidate); err != nil {
				return nil, fmt.Errorf("conflicts: archive candidate: %w", err)
			}
		}
	case model.ResolutionVersioned:
		// Both memories stay active.
	case model.ResolutionOverwritten:
		if _, err := w.core.Archive(ctx, conflict.MemoryIDExisting); err != nil {
			return nil, fmt.Errorf("conflicts: archive existing: %w", err)
		}
	}

	now := time.Now().UTC()
	status := model.ConflictResolved
	if resolution == model.ResolutionVersioned {
		status = model.ConflictShelved
	}
	res := string(resolution)
	_, err = writequeue.Submit(ctx, w.queue, func(ctx context.Context) (int64, error) {
		return w.table.Update(ctx,
			"id = '"+store.EscapeString(conflictID)+"'",
			store.Row{
				"status":      string(status),
				"resolution":  res,
				"resolved_at": now,
				"resolved_by": resolver,
			})
	})
	if err != nil {
		return nil, fmt.Errorf("conflicts: mark resolved: %w", err)
	}

	detail := fmt.Sprintf("resolution=%s resolver=%s conflict=%s", resolution, resolver, conflictID)
	if err := w.core.RecordEvent(ctx, conflict.MemoryIDExisting, model.EventConflictResolved, detail); err != nil {
		w.logger.Warn("conflict workbench: journal event failed", "conflict_id", conflictID, "error", err)
	}

	conflict.Status = status
	conflict.Resolution = &res
	conflict.ResolvedAt = &now
	conflict.ResolvedBy = &resolver
	w.logger.Info("conflict resolved",
		"conflict_id", conflictID,
		"resolution", resolution,
		"existing", conflict.MemoryIDExisting,
		"candidate", conflict.MemoryIDCandidate)
	return conflict, nil
}
