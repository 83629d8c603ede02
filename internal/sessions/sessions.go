// Package sessions tracks per-client activity: which memories a session
// read, wrote, or marked useful. Sessions are the unit of observability for
// client behavior; nothing else depends on them.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/mnesis-ai/mnesis/internal/model"
	"github.com/mnesis-ai/mnesis/internal/store"
	"github.com/mnesis-ai/mnesis/internal/writequeue"
)

// ErrNotFound is returned when a session id does not exist.
var ErrNotFound = errors.New("sessions: not found")

// Tracker owns the sessions table. All mutations run through the write
// queue so session rows never race with each other.
type Tracker struct {
	table  *store.Table
	queue  *writequeue.Queue
	logger *slog.Logger
}

// NewTracker ensures the sessions table exists.
func NewTracker(ctx context.Context, st *store.Store, queue *writequeue.Queue, logger *slog.Logger) (*Tracker, error) {
	table, err := st.CreateTable(ctx, "sessions", model.SessionSchema())
	if err != nil {
		return nil, fmt.Errorf("sessions: ensure table: %w", err)
	}
	return &Tracker{table: table, queue: queue, logger: logger}, nil
}

// Start opens a new session and returns it. apiKeyID may be empty for
// unauthenticated local clients.
func (t *Tracker) Start(ctx context.Context, sourceLLM, apiKeyID string) (*model.Session, error) {
	if sourceLLM == "" {
		sourceLLM = "unknown"
	}
	s := &model.Session{
		ID:                uuid.New().String(),
		APIKeyID:          apiKeyID,
		SourceLLM:         sourceLLM,
		StartedAt:         time.Now().UTC(),
		MemoryIDsRead:     []string{},
		MemoryIDsWritten:  []string{},
		MemoryIDsFeedback: []string{},
	}
	_, err := writequeue.Submit(ctx, t.queue, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, t.table.Add(ctx, []store.Row{s.ToRow()})
	})
	if err != nil {
		return nil, fmt.Errorf("sessions: start: %w", err)
	}
	return s, nil
}

// RecordActivity merges memory ids into the session's read/write/feedback
// sets. Unknown ids auto-create a session so activity from clients that never
// called Start is still accounted for.
func (t *Tracker) RecordActivity(ctx context.Context, sessionID string, reads, writes, feedback []string) error {
	if sessionID == "" {
		return nil
	}
	_, err := writequeue.Submit(ctx, t.queue, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, t.recordOp(ctx, sessionID, reads, writes, feedback)
	})
	return err
}

func (t *Tracker) recordOp(ctx context.Context, sessionID string, reads, writes, feedback []string) error {
	row, err := t.table.Get(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		s := &model.Session{
			ID:                sessionID,
			SourceLLM:         "unknown",
			StartedAt:         time.Now().UTC(),
			MemoryIDsRead:     unionIDs(nil, reads),
			MemoryIDsWritten:  unionIDs(nil, writes),
			MemoryIDsFeedback: unionIDs(nil, feedback),
		}
		if aerr := t.table.Add(ctx, []store.Row{s.ToRow()}); aerr != nil {
			return fmt.Errorf("sessions: auto-create %s: %w", sessionID, aerr)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("sessions: load %s: %w", sessionID, err)
	}
	s := model.SessionFromRow(row)
	_, err = t.table.Update(ctx, idPredicate(sessionID), store.Row{
		"memory_ids_read":     unionIDs(s.MemoryIDsRead, reads),
		"memory_ids_written":  unionIDs(s.MemoryIDsWritten, writes),
		"memory_ids_feedback": unionIDs(s.MemoryIDsFeedback, feedback),
	})
	if err != nil {
		return fmt.Errorf("sessions: update %s: %w", sessionID, err)
	}
	return nil
}

// End closes the session with a reason. Ending an already-ended session
// keeps the original timestamp and reason.
func (t *Tracker) End(ctx context.Context, sessionID, reason string) error {
	if sessionID == "" {
		return nil
	}
	_, err := writequeue.Submit(ctx, t.queue, func(ctx context.Context) (struct{}, error) {
		row, gerr := t.table.Get(ctx, sessionID)
		if errors.Is(gerr, store.ErrNotFound) {
			return struct{}{}, fmt.Errorf("sessions: end %s: %w", sessionID, ErrNotFound)
		}
		if gerr != nil {
			return struct{}{}, fmt.Errorf("sessions: end %s: %w", sessionID, gerr)
		}
		if model.SessionFromRow(row).EndedAt != nil {
			return struct{}{}, nil
		}
		_, uerr := t.table.Update(ctx, idPredicate(sessionID), store.Row{
			"ended_at":   time.Now().UTC(),
			"end_reason": reason,
		})
		return struct{}{}, uerr
	})
	return err
}

// Get returns one session.
func (t *Tracker) Get(ctx context.Context, sessionID string) (*model.Session, error) {
	row, err := t.table.Get(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sessions: get %s: %w", sessionID, err)
	}
	return model.SessionFromRow(row), nil
}

// List returns sessions newest first.
func (t *Tracker) List(ctx context.Context, limit int) ([]*model.Session, error) {
	rows, err := t.table.Search(nil).ToList(ctx)
	if err != nil {
		return nil, fmt.Errorf("sessions: list: %w", err)
	}
	out := make([]*model.Session, 0, len(rows))
	for _, row := range rows {
		out = append(out, model.SessionFromRow(row))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// PruneEnded deletes sessions that ended more than maxAge ago and returns
// how many were removed. Open sessions are never pruned.
func (t *Tracker) PruneEnded(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-maxAge)
	return writequeue.Submit(ctx, t.queue, func(ctx context.Context) (int, error) {
		rows, err := t.table.Search(nil).Where("ended_at IS NOT NULL").ToList(ctx)
		if err != nil {
			return 0, fmt.Errorf("sessions: prune scan: %w", err)
		}
		pruned := 0
		for _, row := range rows {
			s := model.SessionFromRow(row)
			if s.EndedAt == nil || !s.EndedAt.Before(cutoff) {
				continue
			}
			if _, derr := t.table.Delete(ctx, idPredicate(s.ID)); derr != nil {
				return pruned, fmt.Errorf("sessions: prune %s: %w", s.ID, derr)
			}
			pruned++
		}
		return pruned, nil
	})
}

// unionIDs merges add into base preserving first-seen order.
func unionIDs(base, add []string) []string {
	out := make([]string, 0, len(base)+len(add))
	seen := make(map[string]bool, len(base)+len(add))
	for _, id := range base {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	for _, id := range add {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func idPredicate(id string) string {
	return "id = '" + store.EscapeString(id) + "'"
}
