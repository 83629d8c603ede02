package conflicts

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsContradiction(t *testing.T) {
	tests := []struct {
		name      string
		existing  string
		candidate string
		want      bool
	}{
		{
			name:      "negated restatement",
			existing:  "Julien prefers Python for backend services.",
			candidate: "Julien does not prefer Python for backend services.",
			want:      true,
		},
		{
			name:      "identical strings never conflict",
			existing:  "The user prefers dark mode.",
			candidate: "The user prefers dark mode.",
			want:      false,
		},
		{
			name:      "case and spacing insensitive identity",
			existing:  "The user prefers  dark mode.",
			candidate: "the user PREFERS dark mode.",
			want:      false,
		},
		{
			name:      "unrelated topics below overlap gate",
			existing:  "The user never eats gluten.",
			candidate: "The user prefers TypeScript for frontend work.",
			want:      false,
		},
		{
			name:      "opposite preference verbs",
			existing:  "The user loves pair programming sessions.",
			candidate: "The user hates pair programming sessions.",
			want:      true,
		},
		{
			name:      "paraphrase with same polarity",
			existing:  "The user prefers concise technical answers.",
			candidate: "The user prefers concise technical responses.",
			want:      false,
		},
		{
			name:      "both negated agree",
			existing:  "The user does not deploy on Fridays.",
			candidate: "The user never deploys on Fridays.",
			want:      false,
		},
		{
			name:      "contraction counts as negation",
			existing:  "The user uses tabs for indentation.",
			candidate: "The user doesn't use tabs for indentation.",
			want:      true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := IsContradiction(tt.existing, tt.candidate)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPolarity(t *testing.T) {
	assert.Equal(t, 1, polarity("the user likes go and loves rust"))
	assert.Equal(t, -1, polarity("the user hates meetings"))
	assert.Equal(t, 0, polarity("the project ships in march"))
	// Negation offsets a single positive verb.
	assert.Equal(t, 0, polarity("the user does not prefer python"))
}
