package mcp

import (
	"fmt"
	"math"
	"time"

	"github.com/mnesis-ai/mnesis/internal/model"
)

const (
	maxCompactReason  = 160
	maxCompactSummary = 240

	wellReferencedCount = 5
)

// compactMemory returns a minimal representation of a memory for MCP
// responses. Drops bookkeeping the client does not act on (privacy,
// reference timestamps, review scheduling internals) and adds a rule-based
// decay note when the memory's lifecycle state matters to the caller.
func compactMemory(v model.MemoryView, now time.Time) map[string]any {
	m := map[string]any{
		"id":         v.ID,
		"content":    v.Content,
		"level":      v.Level,
		"category":   v.Category,
		"importance": round3(v.ImportanceScore),
		"confidence": round3(v.ConfidenceScore),
		"status":     v.Status,
		"version":    v.Version,
		"created_at": v.CreatedAt,
	}
	if v.Score > 0 {
		m["score"] = round3(v.Score)
	}
	if len(v.Tags) > 0 {
		m["tags"] = v.Tags
	}
	if v.SuggestionReason != nil && *v.SuggestionReason != "" {
		m["suggestion_reason"] = truncate(*v.SuggestionReason, maxCompactReason)
	}
	if note := decayNote(v, now); note != "" {
		m["decay_note"] = note
	}
	return m
}

func compactMemories(views []model.MemoryView) []map[string]any {
	now := time.Now().UTC()
	out := make([]map[string]any, 0, len(views))
	for _, v := range views {
		out = append(out, compactMemory(v, now))
	}
	return out
}

// decayNote produces a human-readable lifecycle signal for a memory. Rules
// are evaluated in priority order; first match wins. Returns "" when no rule
// fires.
func decayNote(v model.MemoryView, now time.Time) string {
	switch {
	case v.Status == model.StatusPendingReview:
		return "Awaiting review; excluded from snapshots until approved."

	case v.ExpiresAt != nil && !v.ExpiresAt.After(now):
		return "Expired; the next decay sweep archives it."

	case v.ExpiresAt != nil && v.ExpiresAt.Sub(now) <= 24*time.Hour:
		return fmt.Sprintf("Short-lived; expires in about %s.", roughDuration(v.ExpiresAt.Sub(now)))

	case v.NeedsReview && v.ReviewDueAt != nil && !v.ReviewDueAt.After(now):
		return "Stack-refresh review is due; confirm this is still current before relying on it."

	case v.ReferenceCount >= wellReferencedCount:
		return fmt.Sprintf("Referenced %d times; a well-established fact.", v.ReferenceCount)
	}
	return ""
}

// compactConversation trims a conversation to what a client acts on.
func compactConversation(c *model.Conversation) map[string]any {
	m := map[string]any{
		"id":            c.ID,
		"title":         c.Title,
		"source_llm":    c.SourceLLM,
		"started_at":    c.StartedAt,
		"message_count": c.MessageCount,
		"status":        c.Status,
	}
	if c.Summary != "" {
		m["summary"] = truncate(c.Summary, maxCompactSummary)
	}
	if len(c.Tags) > 0 {
		m["tags"] = c.Tags
	}
	if n := len(c.MemoryIDs); n > 0 {
		m["memory_ids"] = c.MemoryIDs
		m["memories_extracted"] = n
	}
	return m
}

func compactConversations(convs []*model.Conversation) []map[string]any {
	out := make([]map[string]any, 0, len(convs))
	for _, c := range convs {
		out = append(out, compactConversation(c))
	}
	return out
}

// roughDuration renders a duration at hour/minute granularity for notes.
func roughDuration(d time.Duration) string {
	if d < time.Minute {
		d = time.Minute
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	return fmt.Sprintf("%dh", int(math.Round(d.Hours())))
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
