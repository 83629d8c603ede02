package model

import (
	"time"

	"github.com/mnesis-ai/mnesis/internal/store"
)

// ConflictStatus is the lifecycle of a detected contradiction.
type ConflictStatus string

const (
	ConflictPending  ConflictStatus = "pending"
	ConflictResolved ConflictStatus = "resolved"
	ConflictShelved  ConflictStatus = "archived"
)

// Resolution names how a pending conflict was settled.
type Resolution string

const (
	ResolutionKeptExisting Resolution = "kept_existing"
	ResolutionMerged       Resolution = "merged"
	ResolutionVersioned    Resolution = "versioned"
	ResolutionOverwritten  Resolution = "overwritten"
)

// ValidResolution reports whether s names a known resolution.
func ValidResolution(s string) bool {
	switch Resolution(s) {
	case ResolutionKeptExisting, ResolutionMerged, ResolutionVersioned, ResolutionOverwritten:
		return true
	}
	return false
}

// PendingConflict records a contradiction between an existing memory and a
// newly written one. The candidate memory id is patched in after the new row
// is inserted, so both sides can be inspected during review.
type PendingConflict struct {
	ID                string         `json:"id"`
	MemoryIDExisting  string         `json:"memory_id_existing"`
	MemoryIDCandidate string         `json:"memory_id_candidate"`
	CandidateContent  string         `json:"candidate_content"`
	CandidateLevel    Level          `json:"candidate_level"`
	CandidateCategory Category       `json:"candidate_category"`
	SimilarityScore   float64        `json:"similarity_score"`
	DetectedAt        time.Time      `json:"detected_at"`
	ResolvedAt        *time.Time     `json:"resolved_at,omitempty"`
	Resolution        *string        `json:"resolution,omitempty"`
	ResolvedBy        *string        `json:"resolved_by,omitempty"`
	Status            ConflictStatus `json:"status"`
}

func ConflictSchema() store.Schema {
	return store.Schema{
		PrimaryKey: "id",
		Columns: []store.Column{
			{Name: "id", Type: store.TypeText},
			{Name: "memory_id_existing", Type: store.TypeText},
			{Name: "memory_id_candidate", Type: store.TypeText, Default: ""},
			{Name: "candidate_content", Type: store.TypeText, Default: ""},
			{Name: "candidate_level", Type: store.TypeText, Default: ""},
			{Name: "candidate_category", Type: store.TypeText, Default: ""},
			{Name: "similarity_score", Type: store.TypeReal, Default: 0.0},
			{Name: "detected_at", Type: store.TypeTime},
			{Name: "resolved_at", Type: store.TypeTime},
			{Name: "resolution", Type: store.TypeText},
			{Name: "resolved_by", Type: store.TypeText},
			{Name: "status", Type: store.TypeText, Default: string(ConflictPending)},
		},
	}
}

func (c *PendingConflict) ToRow() store.Row {
	row := store.Row{
		"id":                  c.ID,
		"memory_id_existing":  c.MemoryIDExisting,
		"memory_id_candidate": c.MemoryIDCandidate,
		"candidate_content":   c.CandidateContent,
		"candidate_level":     string(c.CandidateLevel),
		"candidate_category":  string(c.CandidateCategory),
		"similarity_score":    c.SimilarityScore,
		"detected_at":         c.DetectedAt,
		"status":              string(c.Status),
	}
	putOptTime(row, "resolved_at", c.ResolvedAt)
	putOptText(row, "resolution", c.Resolution)
	putOptText(row, "resolved_by", c.ResolvedBy)
	return row
}

func ConflictFromRow(row store.Row) *PendingConflict {
	return &PendingConflict{
		ID:                rowString(row, "id"),
		MemoryIDExisting:  rowString(row, "memory_id_existing"),
		MemoryIDCandidate: rowString(row, "memory_id_candidate"),
		CandidateContent:  rowString(row, "candidate_content"),
		CandidateLevel:    Level(rowString(row, "candidate_level")),
		CandidateCategory: Category(rowString(row, "candidate_category")),
		SimilarityScore:   rowFloat(row, "similarity_score"),
		DetectedAt:        rowTime(row, "detected_at"),
		ResolvedAt:        rowOptTime(row, "resolved_at"),
		Resolution:        rowOptString(row, "resolution"),
		ResolvedBy:        rowOptString(row, "resolved_by"),
		Status:            ConflictStatus(rowString(row, "status")),
	}
}
