// Package memory implements the memory lifecycle: creation with dedup and
// conflict staging, versioned updates, soft deletion, ranked retrieval,
// Markdown snapshots, and decay bookkeeping. All table mutations are funneled
// through the shared write queue; reads go straight to the store.
package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/mnesis-ai/mnesis/internal/conflicts"
	"github.com/mnesis-ai/mnesis/internal/embedding"
	"github.com/mnesis-ai/mnesis/internal/graph"
	"github.com/mnesis-ai/mnesis/internal/model"
	"github.com/mnesis-ai/mnesis/internal/store"
	"github.com/mnesis-ai/mnesis/internal/telemetry"
	"github.com/mnesis-ai/mnesis/internal/writequeue"
)

const (
	// MinContentLen and MaxContentLen bound accepted memory content.
	MinContentLen = 20
	MaxContentLen = 1000
	// MaxContentTokens bounds content by tokenizer count.
	MaxContentTokens = 128

	// neighborK is how many active neighbors the write path inspects for
	// dedup, conflicts, and edge derivation.
	neighborK = 10

	// semanticMergeThreshold absorbs near-duplicates into the existing row.
	semanticMergeThreshold = 0.92
	// conflictBandLow opens the similarity band checked for contradictions.
	conflictBandLow = 0.75

	// reviewConfidenceGate sends low-confidence semantic writes to review.
	reviewConfidenceGate = 0.85

	defaultImportance = 0.5
	defaultConfidence = 0.7

	searchOverFetch       = 3
	contextBoost          = 1.3
	recencyHalfLifeFactor = 0.05

	feedbackBump          = 0.05
	updateImportanceFloor = 0.6

	defaultListLimit = 50
	maxListLimit     = 200
)

// ValidationError rejects malformed input before anything is enqueued. Code
// is a stable machine-readable reason.
type ValidationError struct {
	Code   string
	Detail string
}

func (e *ValidationError) Error() string {
	return "memory: " + e.Code + ": " + e.Detail
}

// IsValidation reports whether err is a validation rejection.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

var errQueueRequired = errors.New("memory: write queue is required")

// SessionRecorder receives per-client activity. A nil recorder disables
// tracking; failures are logged, never propagated.
type SessionRecorder interface {
	RecordActivity(ctx context.Context, sessionID string, reads, writes, feedback []string) error
	End(ctx context.Context, sessionID, reason string) error
}

// Core owns the memories, memory_versions, and memory_events tables plus the
// pending-conflict staging done on the write path.
type Core struct {
	memories  *store.Table
	versions  *store.Table
	events    *store.Table
	conflicts *store.Table
	queue     *writequeue.Queue
	embedder  *embedding.Embedder
	graph     *graph.Layer
	sessions  SessionRecorder
	logger    *slog.Logger

	actions        metric.Int64Counter
	searchDuration metric.Float64Histogram
}

// NewCore ensures the owned tables exist. graphLayer and sessions may be nil.
func NewCore(ctx context.Context, st *store.Store, queue *writequeue.Queue, embedder *embedding.Embedder, graphLayer *graph.Layer, sessions SessionRecorder, logger *slog.Logger) (*Core, error) {
	if queue == nil {
		return nil, errQueueRequired
	}
	memories, err := st.CreateTable(ctx, "memories", model.MemorySchema())
	if err != nil {
		return nil, fmt.Errorf("memory: ensure memories table: %w", err)
	}
	versions, err := st.CreateTable(ctx, "memory_versions", model.MemoryVersionSchema())
	if err != nil {
		return nil, fmt.Errorf("memory: ensure versions table: %w", err)
	}
	events, err := st.CreateTable(ctx, "memory_events", model.MemoryEventSchema())
	if err != nil {
		return nil, fmt.Errorf("memory: ensure events table: %w", err)
	}
	pending, err := st.CreateTable(ctx, conflicts.TableName, model.ConflictSchema())
	if err != nil {
		return nil, fmt.Errorf("memory: ensure conflicts table: %w", err)
	}
	meter := telemetry.Meter("mnesis/memory")
	actions, _ := meter.Int64Counter("mnesis.memory.actions",
		metric.WithDescription("Memory write outcomes by action"),
	)
	searchDur, _ := meter.Float64Histogram("mnesis.memory.search.duration",
		metric.WithDescription("Time to embed and rank a search query (ms)"),
		metric.WithUnit("ms"),
	)
	return &Core{
		memories:       memories,
		versions:       versions,
		events:         events,
		conflicts:      pending,
		queue:          queue,
		embedder:       embedder,
		graph:          graphLayer,
		sessions:       sessions,
		logger:         logger,
		actions:        actions,
		searchDuration: searchDur,
	}, nil
}

// Create validates, then runs the insert-or-dedup write op. The returned
// action distinguishes a fresh row (created, created_with_conflict) from a
// dedup outcome (skipped, merged) pointing at the existing row.
func (c *Core) Create(ctx context.Context, req model.CreateRequest) (*model.WriteResult, error) {
	req.Content = strings.TrimSpace(req.Content)
	if err := ValidateContent(req.Content, c.embedder); err != nil {
		return nil, err
	}
	if !model.ValidCategory(string(req.Category)) {
		return nil, &ValidationError{Code: "invalid_category", Detail: string(req.Category)}
	}
	if !model.ValidLevel(string(req.Level)) {
		return nil, &ValidationError{Code: "invalid_level", Detail: string(req.Level)}
	}
	if req.Privacy == "" {
		req.Privacy = model.PrivacyPublic
	}
	if !model.ValidPrivacy(string(req.Privacy)) {
		return nil, &ValidationError{Code: "invalid_privacy", Detail: string(req.Privacy)}
	}
	if req.Importance <= 0 {
		req.Importance = defaultImportance
	}
	if req.Confidence <= 0 {
		req.Confidence = defaultConfidence
	}
	req.Importance = clamp01(req.Importance)
	req.Confidence = clamp01(req.Confidence)

	status := model.StatusActive
	if req.Level == model.LevelSemantic && req.Confidence < reviewConfidenceGate {
		status = model.StatusPendingReview
	}
	if req.ForcedStatus != "" {
		status = req.ForcedStatus
	}

	res, err := writequeue.Submit(ctx, c.queue, func(ctx context.Context) (*model.WriteResult, error) {
		return c.createOp(ctx, req, status)
	})
	if err != nil {
		return nil, err
	}
	c.countAction(ctx, res.Action)
	c.recordActivity(ctx, req.SessionID, nil, []string{res.ID}, nil)
	return res, nil
}

// createOp runs inside the write queue: dedup against nearest neighbors,
// stage conflicts, classify decay, insert, derive edges.
func (c *Core) createOp(ctx context.Context, req model.CreateRequest, status model.Status) (*model.WriteResult, error) {
	now := time.Now().UTC()
	vec, err := c.embedder.Embed(ctx, req.Content)
	if err != nil {
		return nil, fmt.Errorf("memory: embed content: %w", err)
	}

	neighbors, err := c.nearestActive(ctx, vec, neighborK)
	if err != nil {
		return nil, err
	}

	hash := ContentHash(req.Content)
	for _, n := range neighbors {
		if ContentHash(n.Memory.Content) == hash {
			return &model.WriteResult{ID: n.Memory.ID, Status: n.Memory.Status, Action: model.ActionSkipped, Version: n.Memory.Version}, nil
		}
	}

	for _, n := range neighbors {
		if n.Score <= semanticMergeThreshold {
			continue
		}
		importance := math.Max(n.Memory.ImportanceScore, req.Importance)
		_, uerr := c.memories.Update(ctx, idPredicate(n.Memory.ID), store.Row{
			"importance_score":   importance,
			"last_referenced_at": now,
			"updated_at":         now,
		})
		if uerr != nil {
			return nil, fmt.Errorf("memory: merge into %s: %w", n.Memory.ID, uerr)
		}
		c.appendEvent(ctx, n.Memory.ID, model.EventMerged, fmt.Sprintf("absorbed near-duplicate (similarity=%.3f, source=%s)", n.Score, req.SourceLLM))
		return &model.WriteResult{ID: n.Memory.ID, Status: n.Memory.Status, Action: model.ActionMerged, Version: n.Memory.Version}, nil
	}

	// Conflicts are staged before the insert and patched with the new id
	// after it succeeds, so a failed insert leaves no orphan rows.
	var staged []*model.PendingConflict
	for _, n := range neighbors {
		if n.Score < conflictBandLow || n.Score > semanticMergeThreshold {
			continue
		}
		if !conflicts.IsContradiction(n.Memory.Content, req.Content) {
			continue
		}
		staged = append(staged, &model.PendingConflict{
			ID:                uuid.NewString(),
			MemoryIDExisting:  n.Memory.ID,
			CandidateContent:  req.Content,
			CandidateLevel:    req.Level,
			CandidateCategory: req.Category,
			SimilarityScore:   n.Score,
			DetectedAt:        now,
			Status:            model.ConflictPending,
		})
	}

	createdAt := now
	if req.CreatedAt != nil {
		createdAt = req.CreatedAt.UTC()
	}
	cls := Classify(req.Content, req.Category, req.Level, now)
	m := &model.Memory{
		ID:                   uuid.NewString(),
		Content:              req.Content,
		Embedding:            vec,
		Level:                req.Level,
		Category:             req.Category,
		ImportanceScore:      req.Importance,
		ConfidenceScore:      req.Confidence,
		Privacy:              req.Privacy,
		Status:               status,
		Version:              1,
		ReferenceCount:       0,
		CreatedAt:            createdAt,
		UpdatedAt:            now,
		LastReferencedAt:     now,
		SourceLLM:            req.SourceLLM,
		SourceConversationID: req.SourceConversationID,
		SourceMessageID:      req.SourceMessageID,
		SourceExcerpt:        req.SourceExcerpt,
		SuggestionReason:     req.SuggestionReason,
		Tags:                 req.Tags,
		DecayProfile:         cls.Profile,
		ExpiresAt:            cls.ExpiresAt,
		ReviewDueAt:          cls.ReviewDueAt,
		EventDate:            cls.EventDate,
		NeedsReview:          cls.NeedsReview,
	}
	if err := c.insertMemory(ctx, m); err != nil {
		return nil, err
	}

	conflictIDs := make([]string, 0, len(staged))
	for _, pc := range staged {
		pc.MemoryIDCandidate = m.ID
		if aerr := c.conflicts.Add(ctx, []store.Row{pc.ToRow()}); aerr != nil {
			c.logger.Warn("memory: conflict staging failed", "existing", pc.MemoryIDExisting, "error", aerr)
			continue
		}
		conflictIDs = append(conflictIDs, pc.ID)
		c.appendEvent(ctx, m.ID, model.EventConflictOpened, fmt.Sprintf("conflict=%s existing=%s similarity=%.3f", pc.ID, pc.MemoryIDExisting, pc.SimilarityScore))
	}

	if c.graph != nil {
		if _, gerr := c.graph.DeriveEdges(ctx, m, neighbors); gerr != nil {
			c.logger.Warn("memory: edge derivation failed", "memory_id", m.ID, "error", gerr)
		}
	}

	c.appendEvent(ctx, m.ID, model.EventCreated, "source="+req.SourceLLM)

	action := model.ActionCreated
	if len(conflictIDs) > 0 {
		action = model.ActionCreatedWithConflict
	}
	c.logger.Info("memory created",
		"memory_id", m.ID,
		"level", m.Level,
		"category", m.Category,
		"status", m.Status,
		"conflicts", len(conflictIDs))
	return &model.WriteResult{ID: m.ID, Status: m.Status, Action: action, Version: 1, ConflictIDs: conflictIDs}, nil
}

// insertMemory adds the row, falling back to the legacy column subset when
// the stored schema predates the provenance detail columns.
func (c *Core) insertMemory(ctx context.Context, m *model.Memory) error {
	row := m.ToRow()
	err := c.memories.Add(ctx, []store.Row{row})
	if err == nil {
		return nil
	}
	if !store.IsSchemaMismatch(err) {
		return fmt.Errorf("memory: insert: %w", err)
	}
	legacy := make(store.Row, len(row))
	for k, v := range row {
		if model.MemoryBaseColumns[k] {
			legacy[k] = v
		}
	}
	c.logger.Warn("memory: stored schema is behind, retrying with base columns", "memory_id", m.ID)
	if err := c.memories.Add(ctx, []store.Row{legacy}); err != nil {
		return fmt.Errorf("memory: insert with base columns: %w", err)
	}
	return nil
}

// Update rewrites a memory's content, snapshotting the prior version first.
func (c *Core) Update(ctx context.Context, id, content, sourceLLM string) (*model.WriteResult, error) {
	content = strings.TrimSpace(content)
	if err := ValidateContent(content, c.embedder); err != nil {
		return nil, err
	}
	res, err := writequeue.Submit(ctx, c.queue, func(ctx context.Context) (*model.WriteResult, error) {
		return c.updateOp(ctx, id, content, sourceLLM)
	})
	if err != nil {
		return nil, err
	}
	c.countAction(ctx, res.Action)
	return res, nil
}

func (c *Core) updateOp(ctx context.Context, id, content, sourceLLM string) (*model.WriteResult, error) {
	row, err := c.memories.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("memory: load %s: %w", id, err)
	}
	m := model.MemoryFromRow(row)
	now := time.Now().UTC()

	snapshot := &model.MemoryVersion{
		ID:        uuid.NewString(),
		MemoryID:  m.ID,
		Version:   m.Version,
		Content:   m.Content,
		CreatedAt: now,
	}
	if err := c.versions.Add(ctx, []store.Row{snapshot.ToRow()}); err != nil {
		return nil, fmt.Errorf("memory: snapshot version %d: %w", m.Version, err)
	}

	vec, err := c.embedder.Embed(ctx, content)
	if err != nil {
		return nil, fmt.Errorf("memory: embed content: %w", err)
	}
	newVersion := m.Version + 1
	importance := math.Max(m.ImportanceScore, updateImportanceFloor)
	_, err = c.memories.Update(ctx, idPredicate(m.ID), store.Row{
		"content":            content,
		"embedding":          vec,
		"updated_at":         now,
		"last_referenced_at": now,
		"version":            newVersion,
		"importance_score":   importance,
	})
	if err != nil {
		return nil, fmt.Errorf("memory: update %s: %w", m.ID, err)
	}

	if c.graph != nil {
		m.Content = content
		m.Embedding = vec
		m.Version = newVersion
		c.graph.SyncMirror(ctx, m)
	}

	c.appendEvent(ctx, m.ID, model.EventUpdated, fmt.Sprintf("version=%d source=%s", newVersion, sourceLLM))
	return &model.WriteResult{ID: m.ID, Status: m.Status, Action: model.ActionUpdated, Version: newVersion}, nil
}

// Archive soft-deletes a memory, cascades its graph edges, and voids any
// pending conflicts that reference it. Calling it on an already-archived
// memory is a no-op returning the same result.
func (c *Core) Archive(ctx context.Context, id string) (*model.WriteResult, error) {
	res, err := writequeue.Submit(ctx, c.queue, func(ctx context.Context) (*model.WriteResult, error) {
		row, err := c.memories.Get(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("memory: load %s: %w", id, err)
		}
		m := model.MemoryFromRow(row)
		if m.Status == model.StatusArchived {
			return &model.WriteResult{ID: m.ID, Status: m.Status, Action: model.ActionDeleted, Version: m.Version}, nil
		}
		now := time.Now().UTC()
		if _, err := c.memories.Update(ctx, idPredicate(m.ID), store.Row{
			"status":     string(model.StatusArchived),
			"updated_at": now,
		}); err != nil {
			return nil, fmt.Errorf("memory: archive %s: %w", m.ID, err)
		}
		if c.graph != nil {
			if _, gerr := c.graph.DeleteFor(ctx, m.ID); gerr != nil {
				c.logger.Warn("memory: edge cascade failed", "memory_id", m.ID, "error", gerr)
			}
		}
		c.voidPendingConflicts(ctx, m.ID, now)
		c.appendEvent(ctx, m.ID, model.EventArchived, "")
		return &model.WriteResult{ID: m.ID, Status: model.StatusArchived, Action: model.ActionDeleted, Version: m.Version}, nil
	})
	if err != nil {
		return nil, err
	}
	c.countAction(ctx, res.Action)
	return res, nil
}

// voidPendingConflicts shelves pending conflicts that reference the archived
// memory on either side. A pending conflict must point at a reviewable
// memory; once one side is archived there is nothing left to settle.
func (c *Core) voidPendingConflicts(ctx context.Context, memoryID string, now time.Time) {
	escaped := store.EscapeString(memoryID)
	pred := "status = '" + string(model.ConflictPending) + "'" +
		" AND (memory_id_existing = '" + escaped + "' OR memory_id_candidate = '" + escaped + "')"
	n, err := c.conflicts.Update(ctx, pred, store.Row{
		"status":      string(model.ConflictShelved),
		"resolved_at": now,
	})
	if err != nil {
		c.logger.Warn("memory: conflict cascade failed", "memory_id", memoryID, "error", err)
		return
	}
	if n > 0 {
		c.appendEvent(ctx, memoryID, model.EventConflictResolved,
			fmt.Sprintf("voided %d pending conflict(s) on archive", n))
	}
}

// Restore returns an archived memory to active.
func (c *Core) Restore(ctx context.Context, id string) (*model.WriteResult, error) {
	res, err := writequeue.Submit(ctx, c.queue, func(ctx context.Context) (*model.WriteResult, error) {
		row, err := c.memories.Get(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("memory: load %s: %w", id, err)
		}
		m := model.MemoryFromRow(row)
		if m.Status != model.StatusArchived {
			return &model.WriteResult{ID: m.ID, Status: m.Status, Action: model.ActionRestored, Version: m.Version}, nil
		}
		now := time.Now().UTC()
		if _, err := c.memories.Update(ctx, idPredicate(m.ID), store.Row{
			"status":             string(model.StatusActive),
			"updated_at":         now,
			"last_referenced_at": now,
		}); err != nil {
			return nil, fmt.Errorf("memory: restore %s: %w", m.ID, err)
		}
		if c.graph != nil {
			m.Status = model.StatusActive
			c.graph.SyncMirror(ctx, m)
		}
		c.appendEvent(ctx, m.ID, model.EventRestored, "")
		return &model.WriteResult{ID: m.ID, Status: model.StatusActive, Action: model.ActionRestored, Version: m.Version}, nil
	})
	if err != nil {
		return nil, err
	}
	c.countAction(ctx, res.Action)
	return res, nil
}

// Get loads one memory by id.
func (c *Core) Get(ctx context.Context, id string) (*model.Memory, error) {
	row, err := c.memories.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return model.MemoryFromRow(row), nil
}

// Search embeds the query, over-fetches active neighbors, and re-ranks by
// similarity, importance, and recency. Returned memories get a best-effort
// reference bump through the queue.
func (c *Core) Search(ctx context.Context, req model.SearchRequest) ([]model.MemoryView, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, &ValidationError{Code: "missing_query", Detail: "query must not be empty"}
	}
	if req.Limit <= 0 {
		return []model.MemoryView{}, nil
	}
	start := time.Now()
	vec, err := c.embedder.Embed(ctx, req.Query)
	if err != nil {
		return nil, fmt.Errorf("memory: embed query: %w", err)
	}
	neighbors, err := c.nearestActive(ctx, vec, req.Limit*searchOverFetch)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	type ranked struct {
		m     *model.Memory
		score float64
	}
	list := make([]ranked, 0, len(neighbors))
	for _, n := range neighbors {
		days := now.Sub(n.Memory.LastReferencedAt).Hours() / 24
		if days < 0 {
			days = 0
		}
		recency := math.Exp(-recencyHalfLifeFactor * days)
		score := 0.5*n.Score + 0.3*n.Memory.ImportanceScore + 0.2*recency
		if req.Context != "" && hasContextTag(n.Memory.Tags, req.Context) {
			score *= contextBoost
		}
		list = append(list, ranked{m: n.Memory, score: score})
	}
	sort.SliceStable(list, func(i, j int) bool { return list[i].score > list[j].score })
	if len(list) > req.Limit {
		list = list[:req.Limit]
	}

	views := make([]model.MemoryView, 0, len(list))
	ids := make([]string, 0, len(list))
	for _, r := range list {
		views = append(views, r.m.View(r.score))
		ids = append(ids, r.m.ID)
	}
	c.searchDuration.Record(ctx, float64(time.Since(start).Milliseconds()))
	c.bumpReferences(ids)
	c.recordActivity(ctx, req.SessionID, ids, nil, nil)
	return views, nil
}

// List pages memories without ranking, newest first. The returned total
// counts every match before paging.
func (c *Core) List(ctx context.Context, f model.ListFilter) ([]model.MemoryView, int, error) {
	var conds []string
	switch {
	case f.Status != "":
		conds = append(conds, "status = '"+store.EscapeString(f.Status)+"'")
	case !f.IncludeArchived:
		conds = append(conds, "status != '"+string(model.StatusArchived)+"'")
	}
	if f.Category != "" {
		conds = append(conds, "category = '"+store.EscapeString(f.Category)+"'")
	}
	if f.Level != "" {
		conds = append(conds, "level = '"+store.EscapeString(f.Level)+"'")
	}
	q := c.memories.Search(nil)
	if len(conds) > 0 {
		q = q.Where(strings.Join(conds, " AND "))
	}
	rows, err := q.ToList(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("memory: list: %w", err)
	}
	ms := make([]*model.Memory, 0, len(rows))
	for _, row := range rows {
		ms = append(ms, model.MemoryFromRow(row))
	}
	sort.Slice(ms, func(i, j int) bool { return ms[i].CreatedAt.After(ms[j].CreatedAt) })

	total := len(ms)
	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	views := make([]model.MemoryView, 0, end-offset)
	for _, m := range ms[offset:end] {
		views = append(views, m.View(0))
	}
	return views, total, nil
}

// Feedback bumps importance and reference counts for memories a client
// reports as useful, then ends the session. Score-only updates run outside
// the write queue; a concurrent content update may observe the older score.
func (c *Core) Feedback(ctx context.Context, sessionID string, ids []string) (int, error) {
	now := time.Now().UTC()
	updated := 0
	for _, id := range ids {
		row, err := c.memories.Get(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return updated, fmt.Errorf("memory: feedback load %s: %w", id, err)
		}
		m := model.MemoryFromRow(row)
		importance := math.Min(1.0, m.ImportanceScore+feedbackBump)
		if _, err := c.memories.Update(ctx, idPredicate(id), store.Row{
			"importance_score":   importance,
			"reference_count":    m.ReferenceCount + 1,
			"last_referenced_at": now,
		}); err != nil {
			return updated, fmt.Errorf("memory: feedback update %s: %w", id, err)
		}
		updated++
	}
	c.recordActivity(ctx, sessionID, nil, nil, ids)
	if c.sessions != nil && sessionID != "" {
		if err := c.sessions.End(ctx, sessionID, "feedback_called"); err != nil {
			c.logger.Warn("memory: session end failed", "session_id", sessionID, "error", err)
		}
	}
	return updated, nil
}

// RecordEvent appends one journal entry through the write queue. Callers
// already inside a queue op must not use this.
func (c *Core) RecordEvent(ctx context.Context, memoryID string, kind model.EventKind, detail string) error {
	_, err := writequeue.Submit(ctx, c.queue, func(ctx context.Context) (struct{}, error) {
		c.appendEvent(ctx, memoryID, kind, detail)
		return struct{}{}, nil
	})
	return err
}

// Events lists the journal for one memory, newest first.
func (c *Core) Events(ctx context.Context, memoryID string, limit int) ([]*model.MemoryEvent, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := c.events.Search(nil).
		Where("memory_id = '" + store.EscapeString(memoryID) + "'").
		ToList(ctx)
	if err != nil {
		return nil, fmt.Errorf("memory: list events: %w", err)
	}
	out := make([]*model.MemoryEvent, 0, len(rows))
	for _, row := range rows {
		out = append(out, model.MemoryEventFromRow(row))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Versions lists prior content snapshots for one memory, oldest first.
func (c *Core) Versions(ctx context.Context, memoryID string) ([]*model.MemoryVersion, error) {
	rows, err := c.versions.Search(nil).
		Where("memory_id = '" + store.EscapeString(memoryID) + "'").
		ToList(ctx)
	if err != nil {
		return nil, fmt.Errorf("memory: list versions: %w", err)
	}
	out := make([]*model.MemoryVersion, 0, len(rows))
	for _, row := range rows {
		out = append(out, model.MemoryVersionFromRow(row))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// Counts aggregates memory totals for the stats surface.
func (c *Core) Counts(ctx context.Context) (total int, byLevel, byStatus map[string]int, err error) {
	rows, err := c.memories.Search(nil).ToList(ctx)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("memory: count: %w", err)
	}
	byLevel = make(map[string]int)
	byStatus = make(map[string]int)
	for _, row := range rows {
		m := model.MemoryFromRow(row)
		byLevel[string(m.Level)]++
		byStatus[string(m.Status)]++
	}
	return len(rows), byLevel, byStatus, nil
}

// ValidateContent applies the shared content gate: stripped length bounds,
// token budget, and the third-person requirement.
func ValidateContent(content string, embedder *embedding.Embedder) error {
	content = strings.TrimSpace(content)
	if len(content) < MinContentLen || len(content) > MaxContentLen {
		return &ValidationError{Code: "rejected_length", Detail: fmt.Sprintf("content must be %d..%d chars, got %d", MinContentLen, MaxContentLen, len(content))}
	}
	if embedder != nil {
		if n := embedder.CountTokens(content); n > MaxContentTokens {
			return &ValidationError{Code: "rejected_tokens", Detail: fmt.Sprintf("content is %d tokens, max %d", n, MaxContentTokens)}
		}
	}
	if IsFirstPerson(content) {
		return &ValidationError{Code: "rejected_first_person", Detail: "content must be written in third person"}
	}
	return nil
}

// IsFirstPerson reports whether content reads as the speaker rather than a
// fact about the user. Memories store third-person facts.
func IsFirstPerson(content string) bool {
	lower := " " + strings.ToLower(content) + " "
	for _, marker := range []string{" i ", " i'm ", " i've ", " i'll ", " i'd ", " im ", " my ", " me ", " mine "} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// ContentHash is the exact-dedup key: sha256 over lower-cased content.
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(content)))
	return hex.EncodeToString(sum[:])
}

// nearestActive returns up to k active memories ranked by vector distance,
// each paired with its similarity score.
func (c *Core) nearestActive(ctx context.Context, vec []float32, k int) ([]graph.Neighbor, error) {
	rows, err := c.memories.Search(vec).
		Where("status = '" + string(model.StatusActive) + "'").
		Limit(k).
		ToList(ctx)
	if err != nil {
		return nil, fmt.Errorf("memory: neighbor search: %w", err)
	}
	neighbors := make([]graph.Neighbor, 0, len(rows))
	for _, row := range rows {
		score := 0.0
		if d, ok := row["_distance"].(float64); ok {
			score = 1 - d
			if score < 0 {
				score = 0
			}
		}
		neighbors = append(neighbors, graph.Neighbor{Memory: model.MemoryFromRow(row), Score: score})
	}
	return neighbors, nil
}

// appendEvent journals inside an already-running write op. Journal failures
// never fail the surrounding write.
func (c *Core) appendEvent(ctx context.Context, memoryID string, kind model.EventKind, detail string) {
	ev := &model.MemoryEvent{
		ID:        uuid.NewString(),
		MemoryID:  memoryID,
		Kind:      kind,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	}
	if err := c.events.Add(ctx, []store.Row{ev.ToRow()}); err != nil {
		c.logger.Warn("memory: journal append failed", "memory_id", memoryID, "kind", kind, "error", err)
	}
}

// bumpReferences fire-and-forgets a reference-count bump for returned
// search hits. Dropped silently if the queue is shutting down.
func (c *Core) bumpReferences(ids []string) {
	if len(ids) == 0 {
		return
	}
	now := time.Now().UTC()
	_, err := c.queue.Enqueue(func(ctx context.Context) (any, error) {
		for _, id := range ids {
			row, err := c.memories.Get(ctx, id)
			if err != nil {
				continue
			}
			m := model.MemoryFromRow(row)
			if _, uerr := c.memories.Update(ctx, idPredicate(id), store.Row{
				"reference_count":    m.ReferenceCount + 1,
				"last_referenced_at": now,
			}); uerr != nil {
				c.logger.Warn("memory: reference bump failed", "memory_id", id, "error", uerr)
			}
		}
		return nil, nil
	})
	if err != nil {
		c.logger.Debug("memory: reference bump skipped", "error", err)
	}
}

func (c *Core) recordActivity(ctx context.Context, sessionID string, reads, writes, feedback []string) {
	if c.sessions == nil || sessionID == "" {
		return
	}
	if err := c.sessions.RecordActivity(ctx, sessionID, reads, writes, feedback); err != nil {
		c.logger.Warn("memory: session activity failed", "session_id", sessionID, "error", err)
	}
}

func (c *Core) countAction(ctx context.Context, action model.WriteAction) {
	c.actions.Add(ctx, 1, metric.WithAttributes(attribute.String("action", string(action))))
}

func hasContextTag(tags []string, context string) bool {
	for _, t := range tags {
		if t == context || t == "context:"+context {
			return true
		}
	}
	return false
}

func idPredicate(id string) string {
	return "id = '" + store.EscapeString(id) + "'"
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
