// Package textutil holds the small text primitives shared by conflict
// detection, graph derivation, and conversation mining: tokenization,
// stopword filtering, canonicalization, and set-overlap measures.
package textutil

import (
	"strings"
	"unicode"
)

var stopwords = map[string]struct{}{}

func init() {
	// English function words plus the French equivalents that show up in
	// mined transcripts.
	for _, w := range []string{
		"a", "an", "the", "and", "or", "but", "if", "then", "else", "when",
		"at", "by", "for", "with", "about", "against", "between", "into",
		"through", "during", "before", "after", "above", "below", "to",
		"from", "up", "down", "in", "out", "on", "off", "over", "under",
		"again", "further", "once", "here", "there", "all", "any", "both",
		"each", "few", "more", "most", "other", "some", "such", "only",
		"own", "same", "so", "than", "too", "very", "can", "will", "just",
		"is", "are", "was", "were", "be", "been", "being", "has", "have",
		"had", "do", "does", "did", "of", "as", "it", "its", "this", "that",
		"these", "those", "they", "them", "their", "he", "she", "his", "her",
		"him", "i", "me", "my", "we", "us", "our", "you", "your", "user",
		"le", "la", "les", "un", "une", "des", "de", "du", "et", "ou", "je",
		"mon", "ma", "mes", "est", "sont", "pour", "avec", "dans", "sur",
	} {
		stopwords[w] = struct{}{}
	}
}

var calendarWords = map[string]struct{}{}

func init() {
	for _, w := range []string{
		"monday", "tuesday", "wednesday", "thursday", "friday", "saturday", "sunday",
		"january", "february", "march", "april", "may", "june", "july",
		"august", "september", "october", "november", "december",
	} {
		calendarWords[w] = struct{}{}
	}
}

// IsStopword reports whether the lowercased token is a function word.
func IsStopword(token string) bool {
	_, ok := stopwords[strings.ToLower(token)]
	return ok
}

// IsCalendarWord reports whether the token names a weekday or month.
func IsCalendarWord(token string) bool {
	_, ok := calendarWords[strings.ToLower(token)]
	return ok
}

// Tokenize splits text into lowercase word tokens. Apostrophes stay inside
// tokens so contractions survive as single words.
func Tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r) && r != '\''
	})
}

// ContentTokens returns the stopword-filtered lowercase tokens of text.
func ContentTokens(text string) []string {
	toks := Tokenize(text)
	out := toks[:0]
	for _, t := range toks {
		if _, ok := stopwords[t]; !ok {
			out = append(out, t)
		}
	}
	return out
}

// TokenSet returns ContentTokens as a set.
func TokenSet(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, t := range ContentTokens(text) {
		set[t] = struct{}{}
	}
	return set
}

// OverlapRatio returns |a ∩ b| / min(|a|, |b|), or 0 when either is empty.
func OverlapRatio(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	small, large := a, b
	if len(b) < len(a) {
		small, large = b, a
	}
	shared := 0
	for t := range small {
		if _, ok := large[t]; ok {
			shared++
		}
	}
	return float64(shared) / float64(len(small))
}

// Jaccard returns |a ∩ b| / |a ∪ b|, or 0 when both are empty.
func Jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	shared := 0
	for t := range a {
		if _, ok := b[t]; ok {
			shared++
		}
	}
	union := len(a) + len(b) - shared
	return float64(shared) / float64(union)
}

// HasNegation reports whether text contains a negation marker. The scan is
// space-delimited, so the text is padded before matching and "n't" catches
// contractions.
func HasNegation(text string) bool {
	padded := " " + strings.ToLower(text) + " "
	for _, marker := range []string{" not ", " never ", " no ", "n't "} {
		if strings.Contains(padded, marker) {
			return true
		}
	}
	return false
}

// Canonicalize lowercases text, strips punctuation, and collapses runs of
// whitespace. Two contents that differ only in case, punctuation, or spacing
// canonicalize identically.
func Canonicalize(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	lastSpace := true
	for _, r := range strings.ToLower(text) {
		switch {
		case unicode.IsLetter(r) || unicode.IsNumber(r):
			b.WriteRune(r)
			lastSpace = false
		case !lastSpace:
			b.WriteRune(' ')
			lastSpace = true
		}
	}
	return strings.TrimSpace(b.String())
}

// CapitalizedNames returns the original-case tokens that look like proper
// names: initial uppercase, longer than one rune, not a function or calendar
// word. Brand-style mixed case ("HomeBoard") qualifies.
func CapitalizedNames(text string) []string {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	var names []string
	for _, f := range fields {
		runes := []rune(f)
		if len(runes) < 2 || !unicode.IsUpper(runes[0]) {
			continue
		}
		lower := strings.ToLower(f)
		if _, ok := stopwords[lower]; ok {
			continue
		}
		if _, ok := calendarWords[lower]; ok {
			continue
		}
		names = append(names, f)
	}
	return names
}

// SharedName reports whether a and b mention at least one common proper
// name, compared case-insensitively.
func SharedName(a, b string) (string, bool) {
	bNames := make(map[string]string)
	for _, n := range CapitalizedNames(b) {
		bNames[strings.ToLower(n)] = n
	}
	for _, n := range CapitalizedNames(a) {
		if _, ok := bNames[strings.ToLower(n)]; ok {
			return n, true
		}
	}
	return "", false
}
