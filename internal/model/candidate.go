package model

import (
	"time"

	"github.com/mnesis-ai/mnesis/internal/store"
)

// CandidateStatus is the lifecycle of a mined candidate.
type CandidateStatus string

const (
	CandidatePending         CandidateStatus = "pending"
	CandidatePromoted        CandidateStatus = "promoted"
	CandidateMerged          CandidateStatus = "merged"
	CandidateConflictPending CandidateStatus = "conflict_pending"
	CandidateRejected        CandidateStatus = "rejected"
)

// Candidate is a mined fact awaiting promotion into the memory store.
// Evidence accumulates across runs: repeated sightings merge into the same
// row by canonical key or embedding similarity instead of inserting twice.
type Candidate struct {
	ID                string          `json:"id"`
	CanonicalKey      string          `json:"canonical_key"`
	Content           string          `json:"content"`
	NormalizedContent string          `json:"normalized_content"`
	Category          Category        `json:"category"`
	Level             Level           `json:"level"`
	Confidence        float64         `json:"confidence"`
	EvidenceCount     int             `json:"evidence_count"`
	ConversationIDs   []string        `json:"conversation_ids"`
	SourceMessageIDs  []string        `json:"source_message_ids"`
	Methods           []string        `json:"methods"`
	FirstSeenAt       time.Time       `json:"first_seen_at"`
	LastSeenAt        time.Time       `json:"last_seen_at"`
	PromotionScore    float64         `json:"promotion_score"`
	Status            CandidateStatus `json:"status"`
	PromotedMemoryID  *string         `json:"promoted_memory_id,omitempty"`
	Embedding         []float32       `json:"-"`
}

func CandidateSchema() store.Schema {
	return store.Schema{
		PrimaryKey: "id",
		Columns: []store.Column{
			{Name: "id", Type: store.TypeText},
			{Name: "canonical_key", Type: store.TypeText},
			{Name: "content", Type: store.TypeText},
			{Name: "normalized_content", Type: store.TypeText, Default: ""},
			{Name: "category", Type: store.TypeText},
			{Name: "level", Type: store.TypeText},
			{Name: "confidence", Type: store.TypeReal, Default: 0.5},
			{Name: "evidence_count", Type: store.TypeInt, Default: 1},
			{Name: "conversation_ids", Type: store.TypeStrings},
			{Name: "source_message_ids", Type: store.TypeStrings},
			{Name: "methods", Type: store.TypeStrings},
			{Name: "first_seen_at", Type: store.TypeTime},
			{Name: "last_seen_at", Type: store.TypeTime},
			{Name: "promotion_score", Type: store.TypeReal, Default: 0.0},
			{Name: "status", Type: store.TypeText, Default: string(CandidatePending)},
			{Name: "promoted_memory_id", Type: store.TypeText},
			{Name: "embedding", Type: store.TypeVector},
		},
	}
}

func (c *Candidate) ToRow() store.Row {
	row := store.Row{
		"id":                 c.ID,
		"canonical_key":      c.CanonicalKey,
		"content":            c.Content,
		"normalized_content": c.NormalizedContent,
		"category":           string(c.Category),
		"level":              string(c.Level),
		"confidence":         c.Confidence,
		"evidence_count":     c.EvidenceCount,
		"conversation_ids":   emptyIfNil(c.ConversationIDs),
		"source_message_ids": emptyIfNil(c.SourceMessageIDs),
		"methods":            emptyIfNil(c.Methods),
		"first_seen_at":      c.FirstSeenAt,
		"last_seen_at":       c.LastSeenAt,
		"promotion_score":    c.PromotionScore,
		"status":             string(c.Status),
	}
	putOptText(row, "promoted_memory_id", c.PromotedMemoryID)
	if c.Embedding != nil {
		row["embedding"] = c.Embedding
	} else {
		row["embedding"] = nil
	}
	return row
}

func CandidateFromRow(row store.Row) *Candidate {
	c := &Candidate{
		ID:                rowString(row, "id"),
		CanonicalKey:      rowString(row, "canonical_key"),
		Content:           rowString(row, "content"),
		NormalizedContent: rowString(row, "normalized_content"),
		Category:          Category(rowString(row, "category")),
		Level:             Level(rowString(row, "level")),
		Confidence:        rowFloat(row, "confidence"),
		EvidenceCount:     rowInt(row, "evidence_count"),
		ConversationIDs:   rowStrings(row, "conversation_ids"),
		SourceMessageIDs:  rowStrings(row, "source_message_ids"),
		Methods:           rowStrings(row, "methods"),
		FirstSeenAt:       rowTime(row, "first_seen_at"),
		LastSeenAt:        rowTime(row, "last_seen_at"),
		PromotionScore:    rowFloat(row, "promotion_score"),
		Status:            CandidateStatus(rowString(row, "status")),
		PromotedMemoryID:  rowOptString(row, "promoted_memory_id"),
	}
	if v, ok := row["embedding"].([]float32); ok {
		c.Embedding = v
	}
	return c
}

// AnalysisResult summarizes what a mining pass found in one conversation.
type AnalysisResult string

const (
	AnalysisHasMemory AnalysisResult = "has_memory"
	AnalysisNone      AnalysisResult = "none"
	AnalysisError     AnalysisResult = "error"
)

// AnalysisIndex marks a conversation as analyzed so unchanged transcripts
// are skipped on subsequent runs.
type AnalysisIndex struct {
	ConversationID   string         `json:"conversation_id"`
	MessageCount     int            `json:"message_count"`
	ConversationHash string         `json:"conversation_hash"`
	LatestMessageAt  time.Time      `json:"latest_message_at"`
	LastResult       AnalysisResult `json:"last_result"`
	Provider         string         `json:"provider"`
	SignalScore      float64        `json:"signal_score"`
	LastAnalyzedAt   time.Time      `json:"last_analyzed_at"`
}

func AnalysisIndexSchema() store.Schema {
	return store.Schema{
		PrimaryKey: "conversation_id",
		Columns: []store.Column{
			{Name: "conversation_id", Type: store.TypeText},
			{Name: "message_count", Type: store.TypeInt, Default: 0},
			{Name: "conversation_hash", Type: store.TypeText, Default: ""},
			{Name: "latest_message_at", Type: store.TypeTime},
			{Name: "last_result", Type: store.TypeText, Default: string(AnalysisNone)},
			{Name: "provider", Type: store.TypeText, Default: ""},
			{Name: "signal_score", Type: store.TypeReal, Default: 0.0},
			{Name: "last_analyzed_at", Type: store.TypeTime},
		},
	}
}

func (a *AnalysisIndex) ToRow() store.Row {
	return store.Row{
		"conversation_id":   a.ConversationID,
		"message_count":     a.MessageCount,
		"conversation_hash": a.ConversationHash,
		"latest_message_at": a.LatestMessageAt,
		"last_result":       string(a.LastResult),
		"provider":          a.Provider,
		"signal_score":      a.SignalScore,
		"last_analyzed_at":  a.LastAnalyzedAt,
	}
}

func AnalysisIndexFromRow(row store.Row) *AnalysisIndex {
	return &AnalysisIndex{
		ConversationID:   rowString(row, "conversation_id"),
		MessageCount:     rowInt(row, "message_count"),
		ConversationHash: rowString(row, "conversation_hash"),
		LatestMessageAt:  rowTime(row, "latest_message_at"),
		LastResult:       AnalysisResult(rowString(row, "last_result")),
		Provider:         rowString(row, "provider"),
		SignalScore:      rowFloat(row, "signal_score"),
		LastAnalyzedAt:   rowTime(row, "last_analyzed_at"),
	}
}
