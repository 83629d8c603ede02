package model

import "time"

// WriteAction describes what a mutating call actually did. Dedup and merge
// outcomes are successes, not errors; the action tells the caller whether a
// new row exists.
type WriteAction string

const (
	ActionCreated             WriteAction = "created"
	ActionCreatedWithConflict WriteAction = "created_with_conflict"
	ActionMerged              WriteAction = "merged"
	ActionSkipped             WriteAction = "skipped"
	ActionUpdated             WriteAction = "updated"
	ActionDeleted             WriteAction = "deleted"
	ActionRestored            WriteAction = "restored"
)

// WriteResult is the uniform response shape for memory mutations.
type WriteResult struct {
	ID          string      `json:"id"`
	Status      Status      `json:"status"`
	Action      WriteAction `json:"action"`
	Version     int         `json:"version,omitempty"`
	ConflictIDs []string    `json:"conflict_ids,omitempty"`
}

// CreateRequest carries everything create_memory accepts.
type CreateRequest struct {
	Content              string
	Category             Category
	Level                Level
	SourceLLM            string
	Importance           float64
	Confidence           float64
	Privacy              Privacy
	Tags                 []string
	SourceConversationID *string
	SourceMessageID      *string
	SourceExcerpt        *string
	SuggestionReason     *string
	ForcedStatus         Status
	CreatedAt            *time.Time
	SessionID            string
}

// SearchRequest carries the ranked-retrieval inputs.
type SearchRequest struct {
	Query     string
	Limit     int
	Context   string
	SessionID string
}

// ListFilter pages through memories without ranking.
type ListFilter struct {
	Category        string
	Level           string
	Status          string
	Limit           int
	Offset          int
	IncludeArchived bool
}

// MineParams configures one mining run. Zero values fall back to the
// configured defaults.
type MineParams struct {
	MaxConversations  int      `json:"max_conversations"`
	MaxMessagesPer    int      `json:"max_messages_per_conversation"`
	MaxCandidatesPer  int      `json:"max_candidates_per_conversation"`
	MaxNewMemories    int      `json:"max_new_memories"`
	MinConfidence     float64  `json:"min_confidence"`
	Provider          string   `json:"provider"`
	Concurrency       int      `json:"concurrency"`
	DryRun            bool     `json:"dry_run"`
	ForceReanalyze    bool     `json:"force_reanalyze"`
	IncludeAssistant  bool     `json:"include_assistant"`
	WaitIfBusy        bool     `json:"wait_if_busy"`
	ConversationIDs   []string `json:"conversation_ids,omitempty"`
	SourceLLM         string   `json:"source_llm,omitempty"`
	PromotionMinScore float64  `json:"promotion_min_score,omitempty"`
}

// MineWriteStats counts per-candidate promotion outcomes for one run.
type MineWriteStats struct {
	Created       int `json:"created"`
	Merged        int `json:"merged"`
	Skipped       int `json:"skipped"`
	Conflicts     int `json:"conflicts"`
	PendingReview int `json:"pending_review"`
	Rejected      int `json:"rejected"`
	Errors        int `json:"errors"`
}

// CandidatePreview is the dry-run projection of a would-be promotion.
type CandidatePreview struct {
	Content        string  `json:"content"`
	Category       string  `json:"category"`
	Level          string  `json:"level"`
	Confidence     float64 `json:"confidence"`
	PromotionScore float64 `json:"promotion_score"`
	Status         string  `json:"status"`
}

// MiningReport summarizes one mining run.
type MiningReport struct {
	Status          string             `json:"status"`
	Provider        string             `json:"provider"`
	DryRun          bool               `json:"dry_run"`
	Scanned         int                `json:"scanned"`
	SkippedByIndex  int                `json:"skipped_by_index"`
	Analyzed        int                `json:"analyzed"`
	CandidatesTotal int                `json:"candidates_total"`
	GenericFiltered int                `json:"generic_filtered"`
	WriteStats      MineWriteStats     `json:"write_stats"`
	Preview         []CandidatePreview `json:"preview,omitempty"`
	StartedAt       time.Time          `json:"started_at"`
	DurationMS      int64              `json:"duration_ms"`
	Error           string             `json:"error,omitempty"`
}

// UpsertStats summarizes one CandidateStore upsert batch.
type UpsertStats struct {
	Inserted        int      `json:"inserted"`
	Updated         int      `json:"updated"`
	SemanticMerged  int      `json:"semantic_merged"`
	GenericFiltered int      `json:"generic_filtered"`
	Touched         []string `json:"touched"`
}

// Stats is the aggregate service snapshot served by the stats endpoints.
type Stats struct {
	TotalMemories    int            `json:"total_memories"`
	MemoriesByLevel  map[string]int `json:"memories_by_level"`
	MemoriesByStatus map[string]int `json:"memories_by_status"`
	Conversations    int            `json:"conversations"`
	Candidates       int            `json:"candidates"`
	PendingConflicts int            `json:"pending_conflicts"`
	GraphEdges       int            `json:"graph_edges"`
	Sessions         int            `json:"sessions"`
	JobsByStatus     map[string]int `json:"jobs_by_status"`
	EmbedderStatus   string         `json:"embedder_status"`
}
