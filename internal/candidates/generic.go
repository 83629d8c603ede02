package candidates

import (
	"math"
	"regexp"
	"strings"
)

// A stored fact must be about the user. Extractions that lost their anchor
// are trivia, not memories.
var userAnchors = []string{
	"the user", "user's", "users'", "l'utilisateur", "l'utilisatrice",
}

// Definition phrasing describes a technology, not the user.
var definitionMarkers = []string{
	" refers to ", " is defined as ", " stands for ", " is a type of ",
	" is an acronym",
}

// definitionNounRe catches "is a/an <modifiers> <technology noun>" with up to
// a few qualifying words in between, so "is a high-performance, compiled
// language" is rejected like the bare "is a language".
var definitionNounRe = regexp.MustCompile(
	`\bis an? (?:[a-z0-9+#-]+,? ){0,4}(?:language|framework|library|tool|database|protocol|compiler|platform|format)\b`)

var questionMarkers = []string{
	" asks ", " asks:", " is asking", " asked whether", " asked if",
}

var vagueCapabilityRe = regexp.MustCompile(
	`the user (?:can|could|may|might)\b.*\b(?:if needed|if necessary|when necessary|when needed|as needed)`)

// Sentences cut off mid-clause end on one of these words.
var danglingTails = map[string]bool{
	"and": true, "or": true, "but": true, "with": true, "to": true,
	"of": true, "for": true, "the": true, "a": true, "an": true,
	"de": true, "et": true, "ou": true, "avec": true,
}

// LooksGenericNonMemory reports whether content reads like trivia, a
// definition, a question, or a truncated extraction rather than a durable
// fact about the user. Applied at normalization time and again at upsert so
// re-mined garbage never accumulates evidence.
func LooksGenericNonMemory(content string) bool {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return true
	}
	lower := strings.ToLower(trimmed)
	if !hasUserAnchor(lower) {
		return true
	}
	for _, m := range definitionMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	if definitionNounRe.MatchString(lower) {
		return true
	}
	if strings.HasSuffix(trimmed, "?") {
		return true
	}
	for _, m := range questionMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	if vagueCapabilityRe.MatchString(lower) {
		return true
	}
	return looksTruncated(trimmed, lower)
}

func hasUserAnchor(lower string) bool {
	for _, a := range userAnchors {
		if strings.Contains(lower, a) {
			return true
		}
	}
	return false
}

func looksTruncated(trimmed, lower string) bool {
	if strings.HasSuffix(trimmed, "...") || strings.HasSuffix(trimmed, "…") {
		return true
	}
	switch trimmed[len(trimmed)-1] {
	case ',', ':', ';', '(':
		return true
	}
	words := strings.Fields(strings.TrimRight(lower, "."))
	if len(words) == 0 {
		return true
	}
	return danglingTails[words[len(words)-1]]
}

var timeWindowRe = regexp.MustCompile(
	`\b\d{1,2}[:h]\d{2}\s*(?:-|–|to|à)\s*\d{1,2}[:h]\d{2}\b`)

var reasonMarkers = []string{
	"because", "so that", "in order to", "need to", "needs to",
	"parce que", "afin de", "pour que",
}

// ContentQuality ranks competing phrasings of the same fact when a merge must
// pick one. Concrete time windows and reason clauses beat hedged capability
// statements. The miner uses the same measure to decide which extractions are
// worth enriching from their source message.
func ContentQuality(content string) float64 {
	lower := strings.ToLower(content)
	score := math.Min(1, float64(len(content))/320)
	if timeWindowRe.MatchString(lower) {
		score += 0.4
	}
	for _, m := range reasonMarkers {
		if strings.Contains(lower, m) {
			score += 0.3
			break
		}
	}
	if vagueCapabilityRe.MatchString(lower) {
		score -= 0.5
	}
	return score
}

// TimeWindow returns the first "09:00-17:00" style range in text, or "".
func TimeWindow(text string) string {
	return timeWindowRe.FindString(text)
}

// ReasonClause returns the first reason fragment in text ("because ...",
// "need to ...") cut at the sentence boundary, or "".
func ReasonClause(text string) string {
	lower := strings.ToLower(text)
	for _, m := range reasonMarkers {
		idx := strings.Index(lower, m)
		if idx < 0 {
			continue
		}
		clause := text[idx:]
		if end := strings.IndexAny(clause, ".!?\n"); end > 0 {
			clause = clause[:end]
		}
		clause = strings.TrimSpace(clause)
		if len(clause) > len(m)+3 {
			return clause
		}
	}
	return ""
}
