package model

import (
	"time"

	"github.com/mnesis-ai/mnesis/internal/store"
)

// ConversationStatus tracks the lifecycle of an imported transcript.
type ConversationStatus string

const (
	ConversationActive    ConversationStatus = "active"
	ConversationCompleted ConversationStatus = "completed"
	ConversationArchived  ConversationStatus = "archived"
	ConversationDeleted   ConversationStatus = "deleted"
)

// Role identifies the author of a transcript message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Conversation is an imported transcript. Messages live in their own table
// keyed by conversation_id; MemoryIDs accumulates the ids of memories mined
// from this transcript.
type Conversation struct {
	ID           string             `json:"id"`
	Title        string             `json:"title"`
	SourceLLM    string             `json:"source_llm"`
	StartedAt    time.Time          `json:"started_at"`
	EndedAt      *time.Time         `json:"ended_at,omitempty"`
	MessageCount int                `json:"message_count"`
	Summary      string             `json:"summary,omitempty"`
	Status       ConversationStatus `json:"status"`
	Tags         []string           `json:"tags"`
	MemoryIDs    []string           `json:"memory_ids"`
	RawFileHash  string             `json:"raw_file_hash,omitempty"`
	ImportedAt   time.Time          `json:"imported_at"`
}

func ConversationSchema() store.Schema {
	return store.Schema{
		PrimaryKey: "id",
		Columns: []store.Column{
			{Name: "id", Type: store.TypeText},
			{Name: "title", Type: store.TypeText, Default: ""},
			{Name: "source_llm", Type: store.TypeText, Default: ""},
			{Name: "started_at", Type: store.TypeTime},
			{Name: "ended_at", Type: store.TypeTime},
			{Name: "message_count", Type: store.TypeInt, Default: 0},
			{Name: "summary", Type: store.TypeText, Default: ""},
			{Name: "status", Type: store.TypeText, Default: string(ConversationActive)},
			{Name: "tags", Type: store.TypeStrings},
			{Name: "memory_ids", Type: store.TypeStrings},
			{Name: "raw_file_hash", Type: store.TypeText, Default: ""},
			{Name: "imported_at", Type: store.TypeTime},
		},
	}
}

func (c *Conversation) ToRow() store.Row {
	row := store.Row{
		"id":            c.ID,
		"title":         c.Title,
		"source_llm":    c.SourceLLM,
		"started_at":    c.StartedAt,
		"message_count": c.MessageCount,
		"summary":       c.Summary,
		"status":        string(c.Status),
		"tags":          emptyIfNil(c.Tags),
		"memory_ids":    emptyIfNil(c.MemoryIDs),
		"raw_file_hash": c.RawFileHash,
		"imported_at":   c.ImportedAt,
	}
	putOptTime(row, "ended_at", c.EndedAt)
	return row
}

func ConversationFromRow(row store.Row) *Conversation {
	return &Conversation{
		ID:           rowString(row, "id"),
		Title:        rowString(row, "title"),
		SourceLLM:    rowString(row, "source_llm"),
		StartedAt:    rowTime(row, "started_at"),
		EndedAt:      rowOptTime(row, "ended_at"),
		MessageCount: rowInt(row, "message_count"),
		Summary:      rowString(row, "summary"),
		Status:       ConversationStatus(rowString(row, "status")),
		Tags:         rowStrings(row, "tags"),
		MemoryIDs:    rowStrings(row, "memory_ids"),
		RawFileHash:  rowString(row, "raw_file_hash"),
		ImportedAt:   rowTime(row, "imported_at"),
	}
}

// Message is a single transcript turn.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	Timestamp      time.Time `json:"timestamp"`
	Embedding      []float32 `json:"-"`
}

func MessageSchema() store.Schema {
	return store.Schema{
		PrimaryKey: "id",
		Columns: []store.Column{
			{Name: "id", Type: store.TypeText},
			{Name: "conversation_id", Type: store.TypeText},
			{Name: "role", Type: store.TypeText, Default: string(RoleUser)},
			{Name: "content", Type: store.TypeText, Default: ""},
			{Name: "timestamp", Type: store.TypeTime},
			{Name: "vector", Type: store.TypeVector},
		},
	}
}

func (m *Message) ToRow() store.Row {
	row := store.Row{
		"id":              m.ID,
		"conversation_id": m.ConversationID,
		"role":            string(m.Role),
		"content":         m.Content,
		"timestamp":       m.Timestamp,
	}
	if m.Embedding != nil {
		row["vector"] = m.Embedding
	} else {
		row["vector"] = nil
	}
	return row
}

func MessageFromRow(row store.Row) *Message {
	msg := &Message{
		ID:             rowString(row, "id"),
		ConversationID: rowString(row, "conversation_id"),
		Role:           Role(rowString(row, "role")),
		Content:        rowString(row, "content"),
		Timestamp:      rowTime(row, "timestamp"),
	}
	if v, ok := row["vector"].([]float32); ok {
		msg.Embedding = v
	}
	return msg
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
