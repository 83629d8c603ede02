package memory

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnesis-ai/mnesis/internal/model"
)

var classifyNow = time.Date(2026, time.February, 10, 15, 30, 0, 0, time.UTC)

func TestClassifyISODateIsEventBased(t *testing.T) {
	c := Classify("Project review scheduled on 2099-03-10.", model.CategoryProjects, model.LevelEpisodic, classifyNow)

	assert.Equal(t, model.DecayEventBased, c.Profile)
	require.NotNil(t, c.EventDate)
	assert.Equal(t, time.Date(2099, time.March, 10, 9, 0, 0, 0, time.UTC), *c.EventDate)
	require.NotNil(t, c.ExpiresAt)
	assert.Equal(t, c.EventDate.Add(24*time.Hour), *c.ExpiresAt)
	assert.Nil(t, c.ReviewDueAt)
}

func TestClassifyUSDateIsEventBased(t *testing.T) {
	c := Classify("Dentist appointment on 03/15/2099 downtown.", model.CategoryWorking, model.LevelWorking, classifyNow)

	assert.Equal(t, model.DecayEventBased, c.Profile)
	require.NotNil(t, c.EventDate)
	assert.Equal(t, time.Date(2099, time.March, 15, 9, 0, 0, 0, time.UTC), *c.EventDate)
}

func TestClassifyMonthNameWithYear(t *testing.T) {
	c := Classify("The conference keynote is on March 15, 2026.", model.CategoryHistory, model.LevelEpisodic, classifyNow)

	assert.Equal(t, model.DecayEventBased, c.Profile)
	require.NotNil(t, c.EventDate)
	assert.Equal(t, time.Date(2026, time.March, 15, 9, 0, 0, 0, time.UTC), *c.EventDate)
}

func TestClassifyPastMonthWithoutYearRollsForward(t *testing.T) {
	// January 5 has passed relative to classifyNow (Feb 10, 2026).
	c := Classify("The team offsite happens on January 5 every year.", model.CategoryHistory, model.LevelEpisodic, classifyNow)

	assert.Equal(t, model.DecayEventBased, c.Profile)
	require.NotNil(t, c.EventDate)
	assert.Equal(t, time.Date(2027, time.January, 5, 9, 0, 0, 0, time.UTC), *c.EventDate)
}

func TestClassifyTomorrowAnchorsNextDay(t *testing.T) {
	c := Classify("The user must ship the release notes tomorrow.", model.CategoryWorking, model.LevelWorking, classifyNow)

	assert.Equal(t, model.DecayEventBased, c.Profile)
	require.NotNil(t, c.EventDate)
	assert.Equal(t, time.Date(2026, time.February, 11, 9, 0, 0, 0, time.UTC), *c.EventDate)
}

func TestClassifyNextWeek(t *testing.T) {
	c := Classify("The migration window opens next week.", model.CategoryProjects, model.LevelEpisodic, classifyNow)

	assert.Equal(t, model.DecayEventBased, c.Profile)
	require.NotNil(t, c.EventDate)
	assert.Equal(t, time.Date(2026, time.February, 17, 9, 0, 0, 0, time.UTC), *c.EventDate)
}

func TestClassifyInvalidDateFallsThrough(t *testing.T) {
	c := Classify("Build 2026-13-45 of the pipeline failed again.", model.CategoryHistory, model.LevelSemantic, classifyNow)

	assert.NotEqual(t, model.DecayEventBased, c.Profile)
	assert.Nil(t, c.EventDate)
}

func TestClassifyIdentityIsPermanent(t *testing.T) {
	c := Classify("The user's name is Julien and their email is julien@example.com.", model.CategoryIdentity, model.LevelSemantic, classifyNow)

	assert.Equal(t, model.DecayPermanent, c.Profile)
	assert.Nil(t, c.ExpiresAt)
	assert.Nil(t, c.ReviewDueAt)
	assert.False(t, c.NeedsReview)
}

func TestClassifyEventDateBeatsIdentityHint(t *testing.T) {
	c := Classify("The user's passport renewal is booked for 2099-06-01.", model.CategoryIdentity, model.LevelSemantic, classifyNow)

	assert.Equal(t, model.DecayEventBased, c.Profile)
}

func TestClassifyWorkingLevelIsVolatile(t *testing.T) {
	c := Classify("The user is debugging the payment gateway timeout.", model.CategoryWorking, model.LevelWorking, classifyNow)

	assert.Equal(t, model.DecayVolatile, c.Profile)
	require.NotNil(t, c.ExpiresAt)
	assert.Equal(t, classifyNow.Add(24*time.Hour), *c.ExpiresAt)
}

func TestClassifyUrgencyHintIsVolatile(t *testing.T) {
	c := Classify("The user needs the invoice export fixed asap.", model.CategoryPreferences, model.LevelEpisodic, classifyNow)

	assert.Equal(t, model.DecayVolatile, c.Profile)
}

func TestClassifySkillsAreSemiStable(t *testing.T) {
	c := Classify("The user writes production services in Go and Rust.", model.CategorySkills, model.LevelSemantic, classifyNow)

	assert.Equal(t, model.DecaySemiStable, c.Profile)
	require.NotNil(t, c.ReviewDueAt)
	assert.Equal(t, classifyNow.Add(60*24*time.Hour), *c.ReviewDueAt)
	assert.True(t, c.NeedsReview)
	assert.Nil(t, c.ExpiresAt)
}

func TestClassifyStackHintIsSemiStable(t *testing.T) {
	c := Classify("The user standardized on the Echo framework at work.", model.CategoryPreferences, model.LevelSemantic, classifyNow)

	assert.Equal(t, model.DecaySemiStable, c.Profile)
	assert.True(t, c.NeedsReview)
}

func TestClassifyDefaultSemanticIsStable(t *testing.T) {
	c := Classify("The user prefers concise answers with explicit tradeoffs.", model.CategoryPreferences, model.LevelSemantic, classifyNow)

	assert.Equal(t, model.DecayStable, c.Profile)
	assert.Nil(t, c.ExpiresAt)
	assert.Nil(t, c.ReviewDueAt)
}

func TestClassifyDefaultEpisodicIsSemiStable(t *testing.T) {
	c := Classify("The user discussed moving the archive tier to cold storage.", model.CategoryHistory, model.LevelEpisodic, classifyNow)

	assert.Equal(t, model.DecaySemiStable, c.Profile)
	require.NotNil(t, c.ReviewDueAt)
}
