// Package candidates is the durable dedup layer between mining and the
// memory store. Every fact a mining run extracts lands here first; repeated
// sightings across runs merge into one row whose evidence count and
// promotion score grow until the miner promotes it.
package candidates

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mnesis-ai/mnesis/internal/embedding"
	"github.com/mnesis-ai/mnesis/internal/model"
	"github.com/mnesis-ai/mnesis/internal/store"
	"github.com/mnesis-ai/mnesis/internal/textutil"
	"github.com/mnesis-ai/mnesis/internal/writequeue"
)

const (
	// DefaultSemanticThreshold merges near-identical candidates at the same
	// level and category.
	DefaultSemanticThreshold = 0.92
	// crossCategoryThreshold is the stricter bar when categories differ.
	crossCategoryThreshold = 0.96
	// A rejected candidate returns to pending only past this score with
	// corroborating evidence.
	revivalScoreGate  = 0.86
	maxProvenanceIDs  = 20
	recencyWindowDays = 60
	scoreCeiling      = 0.99
)

// ErrNotFound is returned when a candidate id does not exist.
var ErrNotFound = errors.New("candidates: not found")

// Input is one extracted fact heading into the store. Provenance slices
// carry the conversations and messages that produced it.
type Input struct {
	Content          string
	Category         model.Category
	Level            model.Level
	Confidence       float64
	ConversationIDs  []string
	SourceMessageIDs []string
	Methods          []string
}

// Store owns the memory_candidates table. Mutations run through the write
// queue.
type Store struct {
	table    *store.Table
	queue    *writequeue.Queue
	embedder *embedding.Embedder
	logger   *slog.Logger
}

// NewStore ensures the candidates table exists. embedder may be nil, which
// disables semantic dedup but keeps canonical-key dedup working.
func NewStore(ctx context.Context, st *store.Store, queue *writequeue.Queue, embedder *embedding.Embedder, logger *slog.Logger) (*Store, error) {
	table, err := st.CreateTable(ctx, "memory_candidates", model.CandidateSchema())
	if err != nil {
		return nil, fmt.Errorf("candidates: ensure table: %w", err)
	}
	return &Store{table: table, queue: queue, embedder: embedder, logger: logger}, nil
}

// CanonicalKey identifies a fact across runs: same category, level, and
// canonicalized content hash to the same key regardless of punctuation,
// case, or spacing.
func CanonicalKey(category model.Category, level model.Level, content string) string {
	h := sha1.Sum([]byte(string(category) + "|" + string(level) + "|" + textutil.Canonicalize(content)))
	return hex.EncodeToString(h[:])
}

// Score is the promotion score: confidence dominates, corroboration across
// sightings and conversations adds, recency keeps stale candidates from
// promoting, and semantic-level facts get a small edge. Clamped below 1 so
// no candidate ever auto-promotes on score alone.
func Score(confidence float64, evidenceCount, conversationCount int, level model.Level, lastSeenAt, now time.Time) float64 {
	evidence := math.Min(float64(evidenceCount), 4) / 4
	conversations := math.Min(float64(conversationCount), 3) / 3
	days := now.Sub(lastSeenAt).Hours() / 24
	recency := math.Max(0, 1-days/recencyWindowDays)
	s := 0.52*confidence + 0.23*evidence + 0.17*conversations + 0.08*recency
	if level == model.LevelSemantic {
		s += 0.04
	}
	return math.Max(0, math.Min(scoreCeiling, s))
}

// Upsert folds a batch of extracted facts into the store: generic content is
// filtered, exact repeats merge by canonical key, near-repeats merge by
// embedding similarity, and the rest insert as pending rows. Embeddings are
// computed before entering the write queue; lookups and writes run inside
// one queue op so concurrent runs cannot double-insert.
func (s *Store) Upsert(ctx context.Context, batch []Input, provider string, threshold float64) (*model.UpsertStats, error) {
	if threshold <= 0 {
		threshold = DefaultSemanticThreshold
	}
	stats := &model.UpsertStats{Touched: []string{}}

	type prepared struct {
		in  Input
		vec []float32
	}
	preps := make([]prepared, 0, len(batch))
	for _, in := range batch {
		in.Content = strings.TrimSpace(in.Content)
		if LooksGenericNonMemory(in.Content) {
			stats.GenericFiltered++
			continue
		}
		var vec []float32
		if s.embedder != nil && s.embedder.Status() == embedding.StatusReady {
			v, err := s.embedder.Embed(ctx, in.Content)
			if err != nil {
				s.logger.Warn("candidates: embed failed, canonical dedup only", "error", err)
			} else {
				vec = v
			}
		}
		preps = append(preps, prepared{in: in, vec: vec})
	}
	if len(preps) == 0 {
		return stats, nil
	}

	_, err := writequeue.Submit(ctx, s.queue, func(ctx context.Context) (struct{}, error) {
		now := time.Now().UTC()
		for _, p := range preps {
			if err := s.upsertOne(ctx, p.in, p.vec, provider, threshold, now, stats); err != nil {
				return struct{}{}, err
			}
		}
		return struct{}{}, nil
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

func (s *Store) upsertOne(ctx context.Context, in Input, vec []float32, provider string, threshold float64, now time.Time, stats *model.UpsertStats) error {
	key := CanonicalKey(in.Category, in.Level, in.Content)
	rows, err := s.table.Search(nil).
		Where("canonical_key = '" + store.EscapeString(key) + "'").
		Limit(1).
		ToList(ctx)
	if err != nil {
		return fmt.Errorf("candidates: canonical lookup: %w", err)
	}
	if len(rows) > 0 {
		existing := model.CandidateFromRow(rows[0])
		if err := s.merge(ctx, existing, in, provider, now); err != nil {
			return err
		}
		stats.Updated++
		stats.Touched = append(stats.Touched, existing.ID)
		return nil
	}

	if vec != nil {
		nearest, score, nerr := s.nearest(ctx, vec)
		if nerr != nil {
			return nerr
		}
		if nearest != nil && score >= threshold && nearest.Level == in.Level &&
			(nearest.Category == in.Category || score >= crossCategoryThreshold) {
			if err := s.merge(ctx, nearest, in, provider, now); err != nil {
				return err
			}
			stats.SemanticMerged++
			stats.Touched = append(stats.Touched, nearest.ID)
			return nil
		}
	}

	cand := &model.Candidate{
		ID:                uuid.NewString(),
		CanonicalKey:      key,
		Content:           in.Content,
		NormalizedContent: textutil.Canonicalize(in.Content),
		Category:          in.Category,
		Level:             in.Level,
		Confidence:        clamp01(in.Confidence),
		EvidenceCount:     1,
		ConversationIDs:   capIDs(unionStrings(nil, in.ConversationIDs)),
		SourceMessageIDs:  capIDs(unionStrings(nil, in.SourceMessageIDs)),
		Methods:           capIDs(withProvider(in.Methods, provider)),
		FirstSeenAt:       now,
		LastSeenAt:        now,
		Status:            model.CandidatePending,
		Embedding:         vec,
	}
	cand.PromotionScore = Score(cand.Confidence, 1, len(cand.ConversationIDs), cand.Level, now, now)
	if err := s.table.Add(ctx, []store.Row{cand.ToRow()}); err != nil {
		return fmt.Errorf("candidates: insert: %w", err)
	}
	stats.Inserted++
	stats.Touched = append(stats.Touched, cand.ID)
	return nil
}

// merge folds a new sighting into an existing row: more evidence, the better
// phrasing, the higher confidence. The canonical key stays anchored to the
// original content so old phrasings keep matching.
func (s *Store) merge(ctx context.Context, existing *model.Candidate, in Input, provider string, now time.Time) error {
	content := existing.Content
	if ContentQuality(in.Content) > ContentQuality(existing.Content) {
		content = in.Content
	}
	conversationIDs := capIDs(unionStrings(existing.ConversationIDs, in.ConversationIDs))
	evidence := existing.EvidenceCount + 1
	confidence := math.Max(existing.Confidence, clamp01(in.Confidence))
	score := Score(confidence, evidence, len(conversationIDs), existing.Level, now, now)

	status := existing.Status
	if status == model.CandidateRejected && score >= revivalScoreGate && evidence >= 2 {
		status = model.CandidatePending
	}

	_, err := s.table.Update(ctx, idPredicate(existing.ID), store.Row{
		"content":            content,
		"normalized_content": textutil.Canonicalize(content),
		"confidence":         confidence,
		"evidence_count":     evidence,
		"conversation_ids":   conversationIDs,
		"source_message_ids": capIDs(unionStrings(existing.SourceMessageIDs, in.SourceMessageIDs)),
		"methods":            capIDs(unionStrings(existing.Methods, withProvider(in.Methods, provider))),
		"last_seen_at":       now,
		"promotion_score":    score,
		"status":             string(status),
	})
	if err != nil {
		return fmt.Errorf("candidates: merge %s: %w", existing.ID, err)
	}
	return nil
}

func (s *Store) nearest(ctx context.Context, vec []float32) (*model.Candidate, float64, error) {
	rows, err := s.table.Search(vec).
		Where("status != '" + string(model.CandidateRejected) + "'").
		Limit(1).
		ToList(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("candidates: semantic lookup: %w", err)
	}
	if len(rows) == 0 {
		return nil, 0, nil
	}
	score := 0.0
	if d, ok := rows[0]["_distance"].(float64); ok {
		score = 1 - d
		if score < 0 {
			score = 0
		}
	}
	return model.CandidateFromRow(rows[0]), score, nil
}

// SetOutcome records what promotion did with a candidate.
func (s *Store) SetOutcome(ctx context.Context, id string, status model.CandidateStatus, promotedMemoryID string) error {
	_, err := writequeue.Submit(ctx, s.queue, func(ctx context.Context) (struct{}, error) {
		values := store.Row{"status": string(status)}
		if promotedMemoryID != "" {
			values["promoted_memory_id"] = promotedMemoryID
		}
		n, uerr := s.table.Update(ctx, idPredicate(id), values)
		if uerr != nil {
			return struct{}{}, fmt.Errorf("candidates: outcome %s: %w", id, uerr)
		}
		if n == 0 {
			return struct{}{}, ErrNotFound
		}
		return struct{}{}, nil
	})
	return err
}

// Get returns one candidate.
func (s *Store) Get(ctx context.Context, id string) (*model.Candidate, error) {
	row, err := s.table.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("candidates: get %s: %w", id, err)
	}
	return model.CandidateFromRow(row), nil
}

// ByIDs returns the candidates that still exist, in input order.
func (s *Store) ByIDs(ctx context.Context, ids []string) ([]*model.Candidate, error) {
	out := make([]*model.Candidate, 0, len(ids))
	for _, id := range ids {
		c, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// List returns candidates ordered by promotion score, best first. An empty
// status matches all.
func (s *Store) List(ctx context.Context, status string, limit int) ([]*model.Candidate, error) {
	q := s.table.Search(nil)
	if status != "" {
		q = q.Where("status = '" + store.EscapeString(status) + "'")
	}
	rows, err := q.ToList(ctx)
	if err != nil {
		return nil, fmt.Errorf("candidates: list: %w", err)
	}
	out := make([]*model.Candidate, 0, len(rows))
	for _, row := range rows {
		out = append(out, model.CandidateFromRow(row))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].PromotionScore > out[j].PromotionScore })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Count returns the total number of candidate rows.
func (s *Store) Count(ctx context.Context) (int, error) {
	return s.table.Count(ctx)
}

func withProvider(methods []string, provider string) []string {
	out := unionStrings(nil, methods)
	if provider != "" {
		out = unionStrings(out, []string{"provider:" + provider})
	}
	return out
}

func unionStrings(base, add []string) []string {
	out := make([]string, 0, len(base)+len(add))
	seen := make(map[string]bool, len(base)+len(add))
	for _, v := range base {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	for _, v := range add {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

func capIDs(ids []string) []string {
	if len(ids) > maxProvenanceIDs {
		return ids[:maxProvenanceIDs]
	}
	return ids
}

func idPredicate(id string) string {
	return "id = '" + store.EscapeString(id) + "'"
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
