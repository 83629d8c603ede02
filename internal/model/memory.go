// Package model defines the persisted entities and API shapes shared by the
// core services. Each entity knows how to map itself onto a store row; the
// schema definitions live next to the structs so the column set has a single
// source of truth.
package model

import (
	"time"

	"github.com/mnesis-ai/mnesis/internal/store"
)

// Level classifies how durable a memory is meant to be.
type Level string

const (
	LevelSemantic Level = "semantic"
	LevelEpisodic Level = "episodic"
	LevelWorking  Level = "working"
)

// ValidLevel reports whether s names a known level.
func ValidLevel(s string) bool {
	switch Level(s) {
	case LevelSemantic, LevelEpisodic, LevelWorking:
		return true
	}
	return false
}

// Category groups memories for snapshot assembly and graph derivation.
type Category string

const (
	CategoryIdentity      Category = "identity"
	CategoryPreferences   Category = "preferences"
	CategorySkills        Category = "skills"
	CategoryRelationships Category = "relationships"
	CategoryProjects      Category = "projects"
	CategoryHistory       Category = "history"
	CategoryWorking       Category = "working"
)

// ValidCategory reports whether s names a known category.
func ValidCategory(s string) bool {
	switch Category(s) {
	case CategoryIdentity, CategoryPreferences, CategorySkills,
		CategoryRelationships, CategoryProjects, CategoryHistory, CategoryWorking:
		return true
	}
	return false
}

// Privacy marks how sensitive a memory's content is.
type Privacy string

const (
	PrivacyPublic    Privacy = "public"
	PrivacySensitive Privacy = "sensitive"
	PrivacyPrivate   Privacy = "private"
)

// ValidPrivacy reports whether s names a known privacy class.
func ValidPrivacy(s string) bool {
	switch Privacy(s) {
	case PrivacyPublic, PrivacySensitive, PrivacyPrivate:
		return true
	}
	return false
}

// Status is a memory's lifecycle state. Memories are never physically
// deleted; archived is the terminal state short of an explicit restore.
type Status string

const (
	StatusActive        Status = "active"
	StatusPendingReview Status = "pending_review"
	StatusArchived      Status = "archived"
)

// DecayProfile classifies a memory's temporal validity.
type DecayProfile string

const (
	DecayPermanent  DecayProfile = "permanent"
	DecayStable     DecayProfile = "stable"
	DecaySemiStable DecayProfile = "semi-stable"
	DecayVolatile   DecayProfile = "volatile"
	DecayEventBased DecayProfile = "event-based"
)

// Memory is the central entity.
type Memory struct {
	ID               string    `json:"id"`
	Content          string    `json:"content"`
	Embedding        []float32 `json:"-"`
	Level            Level     `json:"level"`
	Category         Category  `json:"category"`
	ImportanceScore  float64   `json:"importance_score"`
	ConfidenceScore  float64   `json:"confidence_score"`
	Privacy          Privacy   `json:"privacy"`
	Status           Status    `json:"status"`
	Version          int       `json:"version"`
	ReferenceCount   int       `json:"reference_count"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
	LastReferencedAt time.Time `json:"last_referenced_at"`

	// Provenance.
	SourceLLM            string   `json:"source_llm"`
	SourceConversationID *string  `json:"source_conversation_id,omitempty"`
	SourceMessageID      *string  `json:"source_message_id,omitempty"`
	SourceExcerpt        *string  `json:"source_excerpt,omitempty"`
	Tags                 []string `json:"tags"`
	SuggestionReason     *string  `json:"suggestion_reason,omitempty"`
	ReviewNote           *string  `json:"review_note,omitempty"`

	// Decay.
	DecayProfile DecayProfile `json:"decay_profile"`
	ExpiresAt    *time.Time   `json:"expires_at,omitempty"`
	ReviewDueAt  *time.Time   `json:"review_due_at,omitempty"`
	EventDate    *time.Time   `json:"event_date,omitempty"`
	NeedsReview  bool         `json:"needs_review"`
}

// MemorySchema is the current memories table definition.
func MemorySchema() store.Schema {
	return store.Schema{
		PrimaryKey: "id",
		Columns: []store.Column{
			{Name: "id", Type: store.TypeText},
			{Name: "content", Type: store.TypeText},
			{Name: "embedding", Type: store.TypeVector},
			{Name: "level", Type: store.TypeText},
			{Name: "category", Type: store.TypeText},
			{Name: "importance_score", Type: store.TypeReal, Default: 0.5},
			{Name: "confidence_score", Type: store.TypeReal, Default: 0.7},
			{Name: "privacy", Type: store.TypeText, Default: "public"},
			{Name: "status", Type: store.TypeText, Default: "active"},
			{Name: "version", Type: store.TypeInt, Default: 1},
			{Name: "reference_count", Type: store.TypeInt, Default: 0},
			{Name: "created_at", Type: store.TypeTime},
			{Name: "updated_at", Type: store.TypeTime},
			{Name: "last_referenced_at", Type: store.TypeTime},
			{Name: "source_llm", Type: store.TypeText, Default: ""},
			{Name: "source_conversation_id", Type: store.TypeText},
			{Name: "source_message_id", Type: store.TypeText},
			{Name: "source_excerpt", Type: store.TypeText},
			{Name: "tags", Type: store.TypeStrings},
			{Name: "suggestion_reason", Type: store.TypeText},
			{Name: "review_note", Type: store.TypeText},
			{Name: "decay_profile", Type: store.TypeText, Default: "stable"},
			{Name: "expires_at", Type: store.TypeTime},
			{Name: "review_due_at", Type: store.TypeTime},
			{Name: "event_date", Type: store.TypeTime},
			{Name: "needs_review", Type: store.TypeBool, Default: false},
		},
	}
}

// MemoryBaseColumns is the legacy column set predating the provenance
// detail columns. The create path retries with this subset when the stored
// schema rejects the newer columns.
var MemoryBaseColumns = map[string]bool{
	"id": true, "content": true, "embedding": true, "level": true,
	"category": true, "importance_score": true, "confidence_score": true,
	"privacy": true, "status": true, "version": true, "reference_count": true,
	"created_at": true, "updated_at": true, "last_referenced_at": true,
	"source_llm": true, "source_conversation_id": true, "source_message_id": true,
	"tags": true, "decay_profile": true, "expires_at": true,
	"review_due_at": true, "event_date": true, "needs_review": true,
}

// ToRow maps the memory onto a store row.
func (m *Memory) ToRow() store.Row {
	row := store.Row{
		"id":                 m.ID,
		"content":            m.Content,
		"embedding":          m.Embedding,
		"level":              string(m.Level),
		"category":           string(m.Category),
		"importance_score":   m.ImportanceScore,
		"confidence_score":   m.ConfidenceScore,
		"privacy":            string(m.Privacy),
		"status":             string(m.Status),
		"version":            m.Version,
		"reference_count":    m.ReferenceCount,
		"created_at":         m.CreatedAt,
		"updated_at":         m.UpdatedAt,
		"last_referenced_at": m.LastReferencedAt,
		"source_llm":         m.SourceLLM,
		"tags":               m.Tags,
		"decay_profile":      string(m.DecayProfile),
		"needs_review":       m.NeedsReview,
	}
	if m.Embedding == nil {
		row["embedding"] = nil
	}
	if m.Tags == nil {
		row["tags"] = []string{}
	}
	putOptText(row, "source_conversation_id", m.SourceConversationID)
	putOptText(row, "source_message_id", m.SourceMessageID)
	putOptText(row, "source_excerpt", m.SourceExcerpt)
	putOptText(row, "suggestion_reason", m.SuggestionReason)
	putOptText(row, "review_note", m.ReviewNote)
	putOptTime(row, "expires_at", m.ExpiresAt)
	putOptTime(row, "review_due_at", m.ReviewDueAt)
	putOptTime(row, "event_date", m.EventDate)
	return row
}

// MemoryFromRow rebuilds a memory from a store row.
func MemoryFromRow(row store.Row) *Memory {
	m := &Memory{
		ID:               rowString(row, "id"),
		Content:          rowString(row, "content"),
		Level:            Level(rowString(row, "level")),
		Category:         Category(rowString(row, "category")),
		ImportanceScore:  rowFloat(row, "importance_score"),
		ConfidenceScore:  rowFloat(row, "confidence_score"),
		Privacy:          Privacy(rowString(row, "privacy")),
		Status:           Status(rowString(row, "status")),
		Version:          rowInt(row, "version"),
		ReferenceCount:   rowInt(row, "reference_count"),
		CreatedAt:        rowTime(row, "created_at"),
		UpdatedAt:        rowTime(row, "updated_at"),
		LastReferencedAt: rowTime(row, "last_referenced_at"),
		SourceLLM:        rowString(row, "source_llm"),
		Tags:             rowStrings(row, "tags"),
		DecayProfile:     DecayProfile(rowString(row, "decay_profile")),
		NeedsReview:      rowBool(row, "needs_review"),
	}
	if vec, ok := row["embedding"].([]float32); ok {
		m.Embedding = vec
	}
	m.SourceConversationID = rowOptString(row, "source_conversation_id")
	m.SourceMessageID = rowOptString(row, "source_message_id")
	m.SourceExcerpt = rowOptString(row, "source_excerpt")
	m.SuggestionReason = rowOptString(row, "suggestion_reason")
	m.ReviewNote = rowOptString(row, "review_note")
	m.ExpiresAt = rowOptTime(row, "expires_at")
	m.ReviewDueAt = rowOptTime(row, "review_due_at")
	m.EventDate = rowOptTime(row, "event_date")
	return m
}

// View strips the embedding and attaches an optional retrieval score.
func (m *Memory) View(score float64) MemoryView {
	return MemoryView{
		ID:               m.ID,
		Content:          m.Content,
		Level:            m.Level,
		Category:         m.Category,
		ImportanceScore:  m.ImportanceScore,
		ConfidenceScore:  m.ConfidenceScore,
		Privacy:          m.Privacy,
		Status:           m.Status,
		Version:          m.Version,
		ReferenceCount:   m.ReferenceCount,
		CreatedAt:        m.CreatedAt,
		UpdatedAt:        m.UpdatedAt,
		LastReferencedAt: m.LastReferencedAt,
		SourceLLM:        m.SourceLLM,
		Tags:             m.Tags,
		SuggestionReason: m.SuggestionReason,
		DecayProfile:     m.DecayProfile,
		ExpiresAt:        m.ExpiresAt,
		ReviewDueAt:      m.ReviewDueAt,
		EventDate:        m.EventDate,
		NeedsReview:      m.NeedsReview,
		Score:            score,
	}
}

// MemoryView is the projection returned by read APIs: no vector, no
// internal-only fields, plus the retrieval score when ranked.
type MemoryView struct {
	ID               string       `json:"id"`
	Content          string       `json:"content"`
	Level            Level        `json:"level"`
	Category         Category     `json:"category"`
	ImportanceScore  float64      `json:"importance_score"`
	ConfidenceScore  float64      `json:"confidence_score"`
	Privacy          Privacy      `json:"privacy"`
	Status           Status       `json:"status"`
	Version          int          `json:"version"`
	ReferenceCount   int          `json:"reference_count"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
	LastReferencedAt time.Time    `json:"last_referenced_at"`
	SourceLLM        string       `json:"source_llm"`
	Tags             []string     `json:"tags"`
	SuggestionReason *string      `json:"suggestion_reason,omitempty"`
	DecayProfile     DecayProfile `json:"decay_profile"`
	ExpiresAt        *time.Time   `json:"expires_at,omitempty"`
	ReviewDueAt      *time.Time   `json:"review_due_at,omitempty"`
	EventDate        *time.Time   `json:"event_date,omitempty"`
	NeedsReview      bool         `json:"needs_review"`
	Score            float64      `json:"score,omitempty"`
}

// MemoryVersion is an immutable snapshot of prior content, appended before
// every content update.
type MemoryVersion struct {
	ID        string    `json:"id"`
	MemoryID  string    `json:"memory_id"`
	Version   int       `json:"version"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// MemoryVersionSchema is the memory_versions table definition.
func MemoryVersionSchema() store.Schema {
	return store.Schema{
		PrimaryKey: "id",
		Columns: []store.Column{
			{Name: "id", Type: store.TypeText},
			{Name: "memory_id", Type: store.TypeText},
			{Name: "version", Type: store.TypeInt},
			{Name: "content", Type: store.TypeText},
			{Name: "created_at", Type: store.TypeTime},
		},
	}
}

// ToRow maps the version snapshot onto a store row.
func (v *MemoryVersion) ToRow() store.Row {
	return store.Row{
		"id":         v.ID,
		"memory_id":  v.MemoryID,
		"version":    v.Version,
		"content":    v.Content,
		"created_at": v.CreatedAt,
	}
}

// MemoryVersionFromRow rebuilds a version snapshot from a store row.
func MemoryVersionFromRow(row store.Row) *MemoryVersion {
	return &MemoryVersion{
		ID:        rowString(row, "id"),
		MemoryID:  rowString(row, "memory_id"),
		Version:   rowInt(row, "version"),
		Content:   rowString(row, "content"),
		CreatedAt: rowTime(row, "created_at"),
	}
}

// EventKind enumerates the append-only memory journal entries.
type EventKind string

const (
	EventCreated          EventKind = "created"
	EventUpdated          EventKind = "updated"
	EventMerged           EventKind = "merged"
	EventArchived         EventKind = "archived"
	EventRestored         EventKind = "restored"
	EventPromoted         EventKind = "promoted"
	EventConflictOpened   EventKind = "conflict_opened"
	EventConflictResolved EventKind = "conflict_resolved"
)

// MemoryEvent is one entry in the append-only journal.
type MemoryEvent struct {
	ID        string    `json:"id"`
	MemoryID  string    `json:"memory_id"`
	Kind      EventKind `json:"kind"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// MemoryEventSchema is the memory_events table definition.
func MemoryEventSchema() store.Schema {
	return store.Schema{
		PrimaryKey: "id",
		Columns: []store.Column{
			{Name: "id", Type: store.TypeText},
			{Name: "memory_id", Type: store.TypeText},
			{Name: "kind", Type: store.TypeText},
			{Name: "detail", Type: store.TypeText, Default: ""},
			{Name: "created_at", Type: store.TypeTime},
		},
	}
}

// ToRow maps the event onto a store row.
func (e *MemoryEvent) ToRow() store.Row {
	return store.Row{
		"id":         e.ID,
		"memory_id":  e.MemoryID,
		"kind":       string(e.Kind),
		"detail":     e.Detail,
		"created_at": e.CreatedAt,
	}
}

// MemoryEventFromRow rebuilds an event from a store row.
func MemoryEventFromRow(row store.Row) *MemoryEvent {
	return &MemoryEvent{
		ID:        rowString(row, "id"),
		MemoryID:  rowString(row, "memory_id"),
		Kind:      EventKind(rowString(row, "kind")),
		Detail:    rowString(row, "detail"),
		CreatedAt: rowTime(row, "created_at"),
	}
}
