package model

import (
	"time"

	"github.com/mnesis-ai/mnesis/internal/store"
)

// Session tracks one client connection's reads, writes, and feedback.
// The id lists are sets: repeated activity on the same memory does not grow
// them.
type Session struct {
	ID                string     `json:"id"`
	APIKeyID          string     `json:"api_key_id,omitempty"`
	SourceLLM         string     `json:"source_llm"`
	StartedAt         time.Time  `json:"started_at"`
	EndedAt           *time.Time `json:"ended_at,omitempty"`
	MemoryIDsRead     []string   `json:"memory_ids_read"`
	MemoryIDsWritten  []string   `json:"memory_ids_written"`
	MemoryIDsFeedback []string   `json:"memory_ids_feedback"`
	EndReason         *string    `json:"end_reason,omitempty"`
}

func SessionSchema() store.Schema {
	return store.Schema{
		PrimaryKey: "id",
		Columns: []store.Column{
			{Name: "id", Type: store.TypeText},
			{Name: "api_key_id", Type: store.TypeText, Default: ""},
			{Name: "source_llm", Type: store.TypeText, Default: ""},
			{Name: "started_at", Type: store.TypeTime},
			{Name: "ended_at", Type: store.TypeTime},
			{Name: "memory_ids_read", Type: store.TypeStrings},
			{Name: "memory_ids_written", Type: store.TypeStrings},
			{Name: "memory_ids_feedback", Type: store.TypeStrings},
			{Name: "end_reason", Type: store.TypeText},
		},
	}
}

func (s *Session) ToRow() store.Row {
	row := store.Row{
		"id":                  s.ID,
		"api_key_id":          s.APIKeyID,
		"source_llm":          s.SourceLLM,
		"started_at":          s.StartedAt,
		"memory_ids_read":     emptyIfNil(s.MemoryIDsRead),
		"memory_ids_written":  emptyIfNil(s.MemoryIDsWritten),
		"memory_ids_feedback": emptyIfNil(s.MemoryIDsFeedback),
	}
	putOptTime(row, "ended_at", s.EndedAt)
	putOptText(row, "end_reason", s.EndReason)
	return row
}

func SessionFromRow(row store.Row) *Session {
	return &Session{
		ID:                rowString(row, "id"),
		APIKeyID:          rowString(row, "api_key_id"),
		SourceLLM:         rowString(row, "source_llm"),
		StartedAt:         rowTime(row, "started_at"),
		EndedAt:           rowOptTime(row, "ended_at"),
		MemoryIDsRead:     rowStrings(row, "memory_ids_read"),
		MemoryIDsWritten:  rowStrings(row, "memory_ids_written"),
		MemoryIDsFeedback: rowStrings(row, "memory_ids_feedback"),
		EndReason:         rowOptString(row, "end_reason"),
	}
}
