package memory

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/mnesis-ai/mnesis/internal/model"
)

// Classification is the decay verdict for a piece of content. It is computed
// once at write time; the scheduler later acts on the dates.
type Classification struct {
	Profile     model.DecayProfile
	ExpiresAt   *time.Time
	ReviewDueAt *time.Time
	EventDate   *time.Time
	NeedsReview bool
}

// eventHour anchors parsed calendar dates at a stable time of day so the
// same content always classifies to the same instant.
const eventHour = 9

const (
	volatileTTL  = 24 * time.Hour
	eventTTL     = 24 * time.Hour
	reviewWindow = 60 * 24 * time.Hour
)

var (
	isoDateRe   = regexp.MustCompile(`\b(\d{4})-(\d{2})-(\d{2})\b`)
	usDateRe    = regexp.MustCompile(`\b(\d{1,2})/(\d{1,2})/(\d{4})\b`)
	monthDateRe = regexp.MustCompile(`(?i)\b(january|february|march|april|may|june|july|august|september|october|november|december)\s+(\d{1,2})(?:st|nd|rd|th)?(?:,?\s*(\d{4}))?\b`)

	monthsByName = map[string]time.Month{
		"january": time.January, "february": time.February, "march": time.March,
		"april": time.April, "may": time.May, "june": time.June, "july": time.July,
		"august": time.August, "september": time.September, "october": time.October,
		"november": time.November, "december": time.December,
	}

	identityHints   = []string{"name is", "born", "citizen", "email", "phone"}
	volatilityHints = []string{"today", "tomorrow", "asap", "urgent", "for now", "tonight", "right now", "this afternoon"}
	stackHints      = []string{"framework", "library", "stack", "sdk", "api", "toolchain", "runtime"}
)

// Classify infers the decay profile for content. Rules run top-down and the
// first match wins:
//
//  1. a parseable event date makes the memory event-based, expiring 24h
//     after the event;
//  2. identity facts are permanent;
//  3. working-level or explicitly short-lived content is volatile for 24h;
//  4. skills, projects, and stack talk are semi-stable with a 60d review;
//  5. otherwise stable for semantic, semi-stable for episodic.
func Classify(content string, category model.Category, level model.Level, now time.Time) Classification {
	now = now.UTC()
	lower := strings.ToLower(content)

	if event, ok := parseEventDate(lower, now); ok {
		expires := event.Add(eventTTL)
		return Classification{
			Profile:   model.DecayEventBased,
			EventDate: &event,
			ExpiresAt: &expires,
		}
	}

	if containsAny(lower, identityHints) {
		return Classification{Profile: model.DecayPermanent}
	}

	if level == model.LevelWorking || containsAny(lower, volatilityHints) {
		expires := now.Add(volatileTTL)
		return Classification{Profile: model.DecayVolatile, ExpiresAt: &expires}
	}

	if category == model.CategorySkills || category == model.CategoryProjects || containsAny(lower, stackHints) {
		review := now.Add(reviewWindow)
		return Classification{
			Profile:     model.DecaySemiStable,
			ReviewDueAt: &review,
			NeedsReview: true,
		}
	}

	if level == model.LevelSemantic {
		return Classification{Profile: model.DecayStable}
	}
	review := now.Add(reviewWindow)
	return Classification{
		Profile:     model.DecaySemiStable,
		ReviewDueAt: &review,
		NeedsReview: true,
	}
}

// parseEventDate finds the first calendar reference in lower-cased content.
// Explicit forms win over relative ones; a month-day without a year that
// already passed rolls forward to next year.
func parseEventDate(lower string, now time.Time) (time.Time, bool) {
	if m := isoDateRe.FindStringSubmatch(lower); m != nil {
		if d, ok := calendarDay(atoi(m[1]), time.Month(atoi(m[2])), atoi(m[3])); ok {
			return d, true
		}
	}
	if m := usDateRe.FindStringSubmatch(lower); m != nil {
		if d, ok := calendarDay(atoi(m[3]), time.Month(atoi(m[1])), atoi(m[2])); ok {
			return d, true
		}
	}
	if m := monthDateRe.FindStringSubmatch(lower); m != nil {
		month := monthsByName[m[1]]
		day := atoi(m[2])
		if m[3] != "" {
			if d, ok := calendarDay(atoi(m[3]), month, day); ok {
				return d, true
			}
		} else if d, ok := calendarDay(now.Year(), month, day); ok {
			// No explicit year: a date already behind us means next year.
			if d.Before(now) {
				d = d.AddDate(1, 0, 0)
			}
			return d, true
		}
	}
	if strings.Contains(lower, "tomorrow") {
		return anchor(now.AddDate(0, 0, 1)), true
	}
	if strings.Contains(lower, "next week") {
		return anchor(now.AddDate(0, 0, 7)), true
	}
	return time.Time{}, false
}

// calendarDay builds the anchored instant and rejects impossible dates
// (time.Date would silently normalize month 13 or day 40).
func calendarDay(year int, month time.Month, day int) (time.Time, bool) {
	if month < time.January || month > time.December || day < 1 || day > 31 {
		return time.Time{}, false
	}
	d := time.Date(year, month, day, eventHour, 0, 0, 0, time.UTC)
	if d.Month() != month || d.Day() != day {
		return time.Time{}, false
	}
	return d, true
}

func anchor(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), eventHour, 0, 0, 0, time.UTC)
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
