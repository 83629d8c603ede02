// Package conflicts provides contradiction detection between memory contents
// and the workbench for reviewing and resolving flagged pairs.
package conflicts

import (
	"strings"

	"github.com/mnesis-ai/mnesis/internal/textutil"
)

// minOverlap is the token-overlap gate below which two texts are considered
// to be about different things and cannot contradict.
const minOverlap = 0.30

var positiveVerbs = []string{
	"prefer", "prefers", "like", "likes", "love", "loves",
	"enjoy", "enjoys", "use", "uses", "want", "wants", "favor", "favors",
}

var negativeVerbs = []string{
	"dislike", "dislikes", "hate", "hates", "avoid", "avoids",
	"reject", "rejects", "refuse", "refuses",
}

// IsContradiction reports whether candidate contradicts existing. The check
// is cheap and false-positive-biased: it flags pairs for human review rather
// than silently dropping either side. Final disposition happens in the
// workbench.
func IsContradiction(existing, candidate string) bool {
	a := normalizeText(existing)
	b := normalizeText(candidate)
	if a == b {
		return false
	}

	setA := textutil.TokenSet(a)
	setB := textutil.TokenSet(b)
	if textutil.OverlapRatio(setA, setB) < minOverlap {
		return false
	}

	negA := textutil.HasNegation(a)
	negB := textutil.HasNegation(b)
	if negA != negB {
		return true
	}
	return polarity(a)*polarity(b) < 0
}

// polarity is the sign of (positive verbs − negative verbs − negation).
func polarity(text string) int {
	padded := " " + text + " "
	score := 0
	for _, v := range positiveVerbs {
		score += strings.Count(padded, " "+v+" ")
	}
	for _, v := range negativeVerbs {
		score -= strings.Count(padded, " "+v+" ")
	}
	if textutil.HasNegation(text) {
		score--
	}
	switch {
	case score > 0:
		return 1
	case score < 0:
		return -1
	}
	return 0
}

func normalizeText(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
