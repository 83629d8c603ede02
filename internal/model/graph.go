package model

import (
	"time"

	"github.com/mnesis-ai/mnesis/internal/store"
)

// EdgeType classifies a typed relation between two memories.
type EdgeType string

const (
	EdgeBelongsTo      EdgeType = "BELONGS_TO"
	EdgeReinforces     EdgeType = "REINFORCES"
	EdgeContradicts    EdgeType = "CONTRADICTS"
	EdgePrecedes       EdgeType = "PRECEDES"
	EdgeDependsOn      EdgeType = "DEPENDS_ON"
	EdgeInvolvesPerson EdgeType = "INVOLVES_PERSON"
)

// MemoryGraphEdge is a directed, weighted relation between two memories.
type MemoryGraphEdge struct {
	ID        string    `json:"id"`
	SourceID  string    `json:"source_id"`
	TargetID  string    `json:"target_id"`
	EdgeType  EdgeType  `json:"edge_type"`
	Weight    float64   `json:"weight"`
	CreatedAt time.Time `json:"created_at"`
}

func EdgeSchema() store.Schema {
	return store.Schema{
		PrimaryKey: "id",
		Columns: []store.Column{
			{Name: "id", Type: store.TypeText},
			{Name: "source_id", Type: store.TypeText},
			{Name: "target_id", Type: store.TypeText},
			{Name: "edge_type", Type: store.TypeText},
			{Name: "weight", Type: store.TypeReal, Default: 0.0},
			{Name: "created_at", Type: store.TypeTime},
		},
	}
}

func (e *MemoryGraphEdge) ToRow() store.Row {
	return store.Row{
		"id":         e.ID,
		"source_id":  e.SourceID,
		"target_id":  e.TargetID,
		"edge_type":  string(e.EdgeType),
		"weight":     e.Weight,
		"created_at": e.CreatedAt,
	}
}

func EdgeFromRow(row store.Row) *MemoryGraphEdge {
	return &MemoryGraphEdge{
		ID:        rowString(row, "id"),
		SourceID:  rowString(row, "source_id"),
		TargetID:  rowString(row, "target_id"),
		EdgeType:  EdgeType(rowString(row, "edge_type")),
		Weight:    rowFloat(row, "weight"),
		CreatedAt: rowTime(row, "created_at"),
	}
}

// GraphNode is a memory reached during neighborhood traversal, carrying
// a truncated content preview instead of the full record.
type GraphNode struct {
	ID         string   `json:"id"`
	Preview    string   `json:"preview"`
	Level      Level    `json:"level"`
	Category   Category `json:"category"`
	Importance float64  `json:"importance"`
	Depth      int      `json:"depth"`
}

// GraphResult is the neighborhood of a root memory up to a given depth.
type GraphResult struct {
	RootID string             `json:"root_id"`
	Depth  int                `json:"depth"`
	Nodes  []GraphNode        `json:"nodes"`
	Edges  []*MemoryGraphEdge `json:"edges"`
}
