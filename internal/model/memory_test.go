package model_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnesis-ai/mnesis/internal/model"
)

func TestValidLevelAndCategory(t *testing.T) {
	assert.True(t, model.ValidLevel("semantic"))
	assert.True(t, model.ValidLevel("episodic"))
	assert.True(t, model.ValidLevel("working"))
	assert.False(t, model.ValidLevel("long_term"))
	assert.False(t, model.ValidLevel(""))

	assert.True(t, model.ValidCategory("preferences"))
	assert.True(t, model.ValidCategory("identity"))
	assert.False(t, model.ValidCategory("misc"))

	assert.True(t, model.ValidPrivacy("public"))
	assert.False(t, model.ValidPrivacy("secret"))
}

func TestMemoryRowRoundTripWithOptionals(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	convID := "conv-1"
	expires := now.Add(24 * time.Hour)

	m := &model.Memory{
		ID:                   "mem-1",
		Content:              "The user prefers concise technical answers.",
		Embedding:            []float32{0.6, 0.8},
		Level:                model.LevelSemantic,
		Category:             model.CategoryPreferences,
		ImportanceScore:      0.5,
		ConfidenceScore:      0.9,
		Privacy:              model.PrivacyPublic,
		Status:               model.StatusActive,
		Version:              1,
		CreatedAt:            now,
		UpdatedAt:            now,
		LastReferencedAt:     now,
		SourceLLM:            "claude",
		SourceConversationID: &convID,
		Tags:                 []string{"context:development"},
		DecayProfile:         model.DecayStable,
		ExpiresAt:            &expires,
	}

	got := model.MemoryFromRow(m.ToRow())

	assert.Equal(t, m.ID, got.ID)
	assert.Equal(t, m.Content, got.Content)
	assert.Equal(t, m.Embedding, got.Embedding)
	assert.Equal(t, m.Level, got.Level)
	assert.Equal(t, m.Tags, got.Tags)
	require.NotNil(t, got.SourceConversationID)
	assert.Equal(t, convID, *got.SourceConversationID)
	require.NotNil(t, got.ExpiresAt)
	assert.True(t, expires.Equal(*got.ExpiresAt))

	// Unset optionals stay nil on the way back.
	assert.Nil(t, got.SourceMessageID)
	assert.Nil(t, got.SuggestionReason)
	assert.Nil(t, got.ReviewDueAt)
	assert.Nil(t, got.EventDate)
}

func TestMemoryRowNilCollections(t *testing.T) {
	m := &model.Memory{ID: "mem-2", Content: "x"}
	row := m.ToRow()

	// Nil tags persist as an empty list so list columns are never NULL.
	assert.Equal(t, []string{}, row["tags"])
	assert.Nil(t, row["embedding"])
}

func TestViewStripsEmbedding(t *testing.T) {
	m := &model.Memory{
		ID:        "mem-3",
		Content:   "The user works with Go daily.",
		Embedding: []float32{1, 0},
		Level:     model.LevelSemantic,
	}
	v := m.View(0.87)
	assert.Equal(t, m.ID, v.ID)
	assert.Equal(t, 0.87, v.Score)
}
