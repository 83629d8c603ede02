// Package graph derives typed relations between memories and answers
// neighborhood queries over them.
//
// Edge derivation is pure given a new memory and its scored neighbors; the
// layer persists edges in the store and optionally mirrors memory points to
// an external vector index. The mirror is best-effort: its failure never
// blocks a memory write.
package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mnesis-ai/mnesis/internal/conflicts"
	"github.com/mnesis-ai/mnesis/internal/model"
	"github.com/mnesis-ai/mnesis/internal/store"
	"github.com/mnesis-ai/mnesis/internal/textutil"
)

// EdgeTable is the persisted edge table.
const EdgeTable = "memory_graph_edges"

const (
	// minNeighborScore filters neighbors too far away to relate at all.
	minNeighborScore = 0.65

	belongsToMin  = 0.72
	dependsOnMin  = 0.75
	reinforcesMin = 0.90

	previewChars = 180

	// MaxDepth bounds neighborhood traversal.
	MaxDepth = 5
)

var dependencyMarkers = []string{"depends on", "requires", "after"}

// Neighbor pairs a memory with its similarity score against the new memory,
// where score = max(0, 1 − distance).
type Neighbor struct {
	Memory *model.Memory
	Score  float64
}

// Layer owns the edge table.
type Layer struct {
	edges    *store.Table
	memories *store.Table
	mirror   *Mirror
	logger   *slog.Logger
}

// NewLayer ensures the edge table exists. mirror may be nil.
func NewLayer(ctx context.Context, st *store.Store, mirror *Mirror, logger *slog.Logger) (*Layer, error) {
	edges, err := st.CreateTable(ctx, EdgeTable, model.EdgeSchema())
	if err != nil {
		return nil, fmt.Errorf("graph: ensure edge table: %w", err)
	}
	memories, err := st.CreateTable(ctx, "memories", model.MemorySchema())
	if err != nil {
		return nil, fmt.Errorf("graph: ensure memories table: %w", err)
	}
	return &Layer{edges: edges, memories: memories, mirror: mirror, logger: logger}, nil
}

// DeriveEdges computes and persists edges between m and its neighbors.
// Called from inside the memory write op, after m is inserted. Self pairs,
// weak neighbors, and duplicate (source, target, type) triples are skipped.
func (l *Layer) DeriveEdges(ctx context.Context, m *model.Memory, neighbors []Neighbor) ([]*model.MemoryGraphEdge, error) {
	now := time.Now().UTC()
	seen := make(map[string]bool)
	var derived []*model.MemoryGraphEdge

	add := func(src, dst string, typ model.EdgeType, weight float64) {
		key := src + "|" + dst + "|" + string(typ)
		if seen[key] {
			return
		}
		seen[key] = true
		derived = append(derived, &model.MemoryGraphEdge{
			ID:        uuid.NewString(),
			SourceID:  src,
			TargetID:  dst,
			EdgeType:  typ,
			Weight:    weight,
			CreatedAt: now,
		})
	}

	lowerContent := strings.ToLower(m.Content)
	for _, n := range neighbors {
		if n.Memory == nil || n.Memory.ID == m.ID {
			continue
		}
		if n.Score < minNeighborScore {
			continue
		}

		contradicts := conflicts.IsContradiction(n.Memory.Content, m.Content)
		if contradicts {
			add(m.ID, n.Memory.ID, model.EdgeContradicts, n.Score)
		}
		if m.Category == n.Memory.Category && n.Score >= belongsToMin {
			add(m.ID, n.Memory.ID, model.EdgeBelongsTo, n.Score)
		}
		if !contradicts && n.Score >= reinforcesMin {
			add(m.ID, n.Memory.ID, model.EdgeReinforces, n.Score)
		}
		if m.EventDate != nil && n.Memory.EventDate != nil && !m.EventDate.Equal(*n.Memory.EventDate) {
			if n.Memory.EventDate.Before(*m.EventDate) {
				add(n.Memory.ID, m.ID, model.EdgePrecedes, n.Score)
			} else {
				add(m.ID, n.Memory.ID, model.EdgePrecedes, n.Score)
			}
		}
		if n.Score >= dependsOnMin && containsAny(lowerContent, dependencyMarkers) {
			add(m.ID, n.Memory.ID, model.EdgeDependsOn, n.Score)
		}
		if _, ok := textutil.SharedName(m.Content, n.Memory.Content); ok {
			add(m.ID, n.Memory.ID, model.EdgeInvolvesPerson, n.Score)
		}
	}

	if len(derived) > 0 {
		rows := make([]store.Row, len(derived))
		for i, e := range derived {
			rows[i] = e.ToRow()
		}
		if err := l.edges.Add(ctx, rows); err != nil {
			return nil, fmt.Errorf("graph: persist %d edges: %w", len(derived), err)
		}
	}

	l.mirrorUpsert(ctx, m)
	return derived, nil
}

// SyncMirror refreshes the mirrored point after a content or status change.
// Best-effort like every mirror write.
func (l *Layer) SyncMirror(ctx context.Context, m *model.Memory) {
	l.mirrorUpsert(ctx, m)
}

// mirrorUpsert pushes the memory point to the external index. Failures are
// logged and swallowed.
func (l *Layer) mirrorUpsert(ctx context.Context, m *model.Memory) {
	if l.mirror == nil || m.Embedding == nil {
		return
	}
	if err := l.mirror.UpsertMemories(ctx, []*model.Memory{m}); err != nil {
		l.logger.Warn("graph: mirror upsert failed", "memory_id", m.ID, "error", err)
	}
}

// DeleteFor removes all edges touching memoryID. Called from the archive
// path so archived memories drop out of traversals.
func (l *Layer) DeleteFor(ctx context.Context, memoryID string) (int64, error) {
	id := store.EscapeString(memoryID)
	n, err := l.edges.Delete(ctx, "source_id = '"+id+"' OR target_id = '"+id+"'")
	if err != nil {
		return 0, fmt.Errorf("graph: cascade delete edges: %w", err)
	}
	if l.mirror != nil {
		if merr := l.mirror.DeleteByIDs(ctx, []string{memoryID}); merr != nil {
			l.logger.Warn("graph: mirror delete failed", "memory_id", memoryID, "error", merr)
		}
	}
	return n, nil
}

// EdgeCount returns the total number of stored edges.
func (l *Layer) EdgeCount(ctx context.Context) (int, error) {
	return l.edges.Count(ctx)
}

// PruneOrphans deletes edges whose source or target is archived or gone.
// The archive path cascades edges as it runs; this catches rows the cascade
// missed and edges written before cascading existed. Runs inside a write op.
func (l *Layer) PruneOrphans(ctx context.Context) (int, error) {
	rows, err := l.edges.Search(nil).ToList(ctx)
	if err != nil {
		return 0, fmt.Errorf("graph: orphan scan: %w", err)
	}
	statuses := make(map[string]string)
	pruned := 0
	for _, row := range rows {
		edge := model.EdgeFromRow(row)
		if l.endpointLive(ctx, statuses, edge.SourceID) && l.endpointLive(ctx, statuses, edge.TargetID) {
			continue
		}
		if _, derr := l.edges.Delete(ctx, "id = '"+store.EscapeString(edge.ID)+"'"); derr != nil {
			return pruned, fmt.Errorf("graph: prune edge %s: %w", edge.ID, derr)
		}
		pruned++
	}
	return pruned, nil
}

// endpointLive reports whether the memory id resolves to a non-archived row,
// caching lookups across one scan. Lookup errors other than not-found count
// as live so a transient read failure cannot wipe edges.
func (l *Layer) endpointLive(ctx context.Context, cache map[string]string, id string) bool {
	status, ok := cache[id]
	if !ok {
		row, err := l.memories.Get(ctx, id)
		switch {
		case errors.Is(err, store.ErrNotFound):
			status = "missing"
		case err != nil:
			status = string(model.StatusActive)
		default:
			status, _ = row["status"].(string)
		}
		cache[id] = status
	}
	return status != "missing" && status != string(model.StatusArchived)
}

// Search walks edges breadth-first from startID up to depth hops and returns
// the induced subgraph. Node previews are truncated so clients render lists
// without hydrating full memories.
func (l *Layer) Search(ctx context.Context, startID string, depth int) (*model.GraphResult, error) {
	if depth < 1 {
		depth = 1
	}
	if depth > MaxDepth {
		depth = MaxDepth
	}

	root, err := l.loadNode(ctx, startID, 0)
	if err != nil {
		return nil, err
	}

	result := &model.GraphResult{RootID: startID, Depth: depth}
	result.Nodes = append(result.Nodes, *root)

	visited := map[string]bool{startID: true}
	seenEdges := map[string]bool{}
	frontier := []string{startID}

	for d := 1; d <= depth && len(frontier) > 0; d++ {
		var next []string
		for _, id := range frontier {
			edges, err := l.edgesTouching(ctx, id)
			if err != nil {
				return nil, err
			}
			for _, e := range edges {
				if !seenEdges[e.ID] {
					seenEdges[e.ID] = true
					result.Edges = append(result.Edges, e)
				}
				for _, other := range []string{e.SourceID, e.TargetID} {
					if visited[other] {
						continue
					}
					visited[other] = true
					node, err := l.loadNode(ctx, other, d)
					if err != nil {
						// Edge to a vanished row; traversal continues.
						continue
					}
					result.Nodes = append(result.Nodes, *node)
					next = append(next, other)
				}
			}
		}
		frontier = next
	}

	sort.Slice(result.Nodes, func(i, j int) bool {
		if result.Nodes[i].Depth != result.Nodes[j].Depth {
			return result.Nodes[i].Depth < result.Nodes[j].Depth
		}
		return result.Nodes[i].ID < result.Nodes[j].ID
	})
	return result, nil
}

func (l *Layer) edgesTouching(ctx context.Context, memoryID string) ([]*model.MemoryGraphEdge, error) {
	id := store.EscapeString(memoryID)
	rows, err := l.edges.Search(nil).
		Where("source_id = '" + id + "' OR target_id = '" + id + "'").
		ToList(ctx)
	if err != nil {
		return nil, fmt.Errorf("graph: load edges for %s: %w", memoryID, err)
	}
	out := make([]*model.MemoryGraphEdge, 0, len(rows))
	for _, row := range rows {
		out = append(out, model.EdgeFromRow(row))
	}
	return out, nil
}

func (l *Layer) loadNode(ctx context.Context, memoryID string, depth int) (*model.GraphNode, error) {
	row, err := l.memories.Get(ctx, memoryID)
	if err != nil {
		return nil, err
	}
	m := model.MemoryFromRow(row)
	return &model.GraphNode{
		ID:         m.ID,
		Preview:    truncate(m.Content, previewChars),
		Level:      m.Level,
		Category:   m.Category,
		Importance: m.ImportanceScore,
		Depth:      depth,
	}, nil
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-1]) + "…"
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}
