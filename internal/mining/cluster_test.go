package mining

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnesis-ai/mnesis/internal/candidates"
	"github.com/mnesis-ai/mnesis/internal/model"
)

func input(content string, category model.Category, conf float64, msgIDs ...string) candidates.Input {
	return candidates.Input{
		Content:          content,
		Category:         category,
		Level:            model.LevelSemantic,
		Confidence:       conf,
		ConversationIDs:  []string{"c1"},
		SourceMessageIDs: msgIDs,
		Methods:          []string{methodHeuristic},
	}
}

func TestCondenseDedupsCanonicalRepeats(t *testing.T) {
	a := input("The user prefers dark mode.", model.CategoryPreferences, 0.7, "m1")
	b := input("the user prefers dark mode", model.CategoryPreferences, 0.9, "m2")

	out := condense([]candidates.Input{a, b})
	require.Len(t, out, 1)
	assert.Equal(t, "The user prefers dark mode.", out[0].Content)
	assert.Equal(t, 0.9, out[0].Confidence)
	assert.Equal(t, []string{"m1", "m2"}, out[0].SourceMessageIDs)
	assert.NotContains(t, strings.Join(out[0].Methods, " "), condensedSuffix)
}

func TestCondenseMergesSharedSourceMessage(t *testing.T) {
	a := input("The user runs k3s on three nodes.", model.CategorySkills, 0.7, "m1")
	b := input("The user's cluster lives in the garage.", model.CategorySkills, 0.8, "m1")

	out := condense([]candidates.Input{a, b})
	require.Len(t, out, 1)
	assert.Equal(t, "The user runs k3s on three nodes; The user's cluster lives in the garage.", out[0].Content)
	assert.Equal(t, 0.8, out[0].Confidence)
	assert.Contains(t, out[0].Methods, methodHeuristic+condensedSuffix)
}

func TestCondenseMergesSharedProjectName(t *testing.T) {
	a := input("The user is building HomeBoard for home automation.", model.CategoryProjects, 0.8, "m1")
	b := input("The user plans to ship HomeBoard with offline sync.", model.CategoryProjects, 0.75, "m2")

	out := condense([]candidates.Input{a, b})
	require.Len(t, out, 1)
	assert.Equal(t, []string{"m1", "m2"}, out[0].SourceMessageIDs)
}

func TestCondenseLinksProjectFollowUps(t *testing.T) {
	a := input("The user is writing a sync engine for the dashboard.", model.CategoryProjects, 0.8, "m1")
	b := input("Next step is wiring conflict resolution into replication.", model.CategoryProjects, 0.7, "m2")

	out := condense([]candidates.Input{a, b})
	assert.Len(t, out, 1)
}

func TestCondenseKeepsUnrelatedApart(t *testing.T) {
	a := input("The user prefers dark mode in every editor.", model.CategoryPreferences, 0.7, "m1")
	b := input("The user runs marathons in spring.", model.CategoryHistory, 0.8, "m2")

	out := condense([]candidates.Input{a, b})
	assert.Len(t, out, 2)
}

func TestCondenseRespectsLevelBoundary(t *testing.T) {
	a := input("The user is migrating HomeBoard to Postgres.", model.CategoryProjects, 0.8, "m1")
	b := input("The user needs to finish the HomeBoard migration today.", model.CategoryWorking, 0.6, "m1")
	b.Level = model.LevelWorking

	out := condense([]candidates.Input{a, b})
	assert.Len(t, out, 2)
}

func TestMergeClusterCapsMembersAndLength(t *testing.T) {
	cluster := make([]candidates.Input, 6)
	for i := range cluster {
		cluster[i] = input(
			fmt.Sprintf("The user's garage lab note %d covers the k3s cluster.", i),
			model.CategorySkills, 0.5+float64(i)*0.05, fmt.Sprintf("m%d", i))
	}

	merged := mergeCluster(cluster)
	assert.LessOrEqual(t, len(merged.Content), condensedMaxLen+1)
	assert.Equal(t, condensedMaxMembers, strings.Count(merged.Content, "note"))
	assert.Len(t, merged.SourceMessageIDs, 6)
	assert.InDelta(t, 0.75, merged.Confidence, 1e-9)
	assert.True(t, strings.HasSuffix(merged.Content, "."))
}

func TestTopicTokensExcludeAnchorsAndCalendar(t *testing.T) {
	got := topicTokens("L'utilisateur préfère coder le monday avec HomeBoard.")
	assert.NotContains(t, got, "l'utilisateur")
	assert.NotContains(t, got, "monday")
	assert.Contains(t, got, "homeboard")

	english := topicTokens("The user's name is Julien.")
	assert.NotContains(t, english, "user's")
}
