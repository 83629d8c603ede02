package mcp

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/mnesis-ai/mnesis/internal/model"
)

func TestCompactMemoryDropsEmptyFields(t *testing.T) {
	now := time.Now().UTC()
	v := model.MemoryView{
		ID:              "m1",
		Content:         "The user prefers Go for backend services.",
		Level:           model.LevelSemantic,
		Category:        model.CategoryPreferences,
		ImportanceScore: 0.5,
		ConfidenceScore: 0.9,
		Status:          model.StatusActive,
		Version:         1,
		CreatedAt:       now,
	}

	m := compactMemory(v, now)
	assert.Equal(t, "m1", m["id"])
	assert.NotContains(t, m, "score")
	assert.NotContains(t, m, "tags")
	assert.NotContains(t, m, "suggestion_reason")
	assert.NotContains(t, m, "decay_note")

	reason := "mined from conversation"
	v.Score = 0.87654
	v.Tags = []string{"context:homeboard"}
	v.SuggestionReason = &reason

	m = compactMemory(v, now)
	assert.Equal(t, 0.877, m["score"])
	assert.Equal(t, []string{"context:homeboard"}, m["tags"])
	assert.Equal(t, reason, m["suggestion_reason"])
}

func TestCompactMemoryTruncatesReason(t *testing.T) {
	long := strings.Repeat("x", maxCompactReason+40)
	v := model.MemoryView{ID: "m1", SuggestionReason: &long}

	m := compactMemory(v, time.Now().UTC())
	got := m["suggestion_reason"].(string)
	assert.Len(t, got, maxCompactReason)
	assert.True(t, strings.HasSuffix(got, "..."))
}

func TestDecayNotePriorities(t *testing.T) {
	now := time.Now().UTC()
	past := now.Add(-time.Hour)
	soon := now.Add(3 * time.Hour)
	later := now.Add(72 * time.Hour)

	tests := []struct {
		name string
		view model.MemoryView
		want string
	}{
		{
			name: "pending review wins over everything",
			view: model.MemoryView{Status: model.StatusPendingReview, ExpiresAt: &past, ReferenceCount: 9},
			want: "Awaiting review; excluded from snapshots until approved.",
		},
		{
			name: "expired",
			view: model.MemoryView{Status: model.StatusActive, ExpiresAt: &past},
			want: "Expired; the next decay sweep archives it.",
		},
		{
			name: "expiring within a day",
			view: model.MemoryView{Status: model.StatusActive, ExpiresAt: &soon},
			want: "Short-lived; expires in about 3h.",
		},
		{
			name: "distant expiry is quiet",
			view: model.MemoryView{Status: model.StatusActive, ExpiresAt: &later},
			want: "",
		},
		{
			name: "stack refresh due",
			view: model.MemoryView{Status: model.StatusActive, NeedsReview: true, ReviewDueAt: &past},
			want: "Stack-refresh review is due; confirm this is still current before relying on it.",
		},
		{
			name: "review flagged but not due yet",
			view: model.MemoryView{Status: model.StatusActive, NeedsReview: true, ReviewDueAt: &soon},
			want: "",
		},
		{
			name: "well referenced",
			view: model.MemoryView{Status: model.StatusActive, ReferenceCount: 7},
			want: "Referenced 7 times; a well-established fact.",
		},
		{
			name: "nothing notable",
			view: model.MemoryView{Status: model.StatusActive, ReferenceCount: 2},
			want: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, decayNote(tt.view, now))
		})
	}
}

func TestCompactConversationShape(t *testing.T) {
	c := &model.Conversation{
		ID:           "c1",
		Title:        "HomeBoard architecture",
		SourceLLM:    "claude",
		MessageCount: 4,
		Status:       model.ConversationActive,
	}

	m := compactConversation(c)
	assert.Equal(t, "c1", m["id"])
	assert.NotContains(t, m, "summary")
	assert.NotContains(t, m, "memory_ids")

	c.Summary = strings.Repeat("s", maxCompactSummary+10)
	c.MemoryIDs = []string{"m1", "m2"}

	m = compactConversation(c)
	assert.Len(t, m["summary"].(string), maxCompactSummary)
	assert.Equal(t, 2, m["memories_extracted"])
}

func TestRoughDuration(t *testing.T) {
	assert.Equal(t, "1m", roughDuration(10*time.Second))
	assert.Equal(t, "45m", roughDuration(45*time.Minute))
	assert.Equal(t, "2h", roughDuration(90*time.Minute))
	assert.Equal(t, "23h", roughDuration(23*time.Hour))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "exactlyten", truncate("exactlyten", 10))
	assert.Equal(t, "toolon...", truncate("toolongtext", 9))
}
