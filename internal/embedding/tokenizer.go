package embedding

import "regexp"

// tokenRe approximates a subword tokenizer: a token is either a run of word
// characters (apostrophes included, so "don't" is one token) or a single
// piece of punctuation.
var tokenRe = regexp.MustCompile(`[A-Za-z0-9_']+|[^\sA-Za-z0-9_']`)

// CountTokens returns the token count used by content-length limits.
// Deliberately conservative for prose: it counts punctuation as tokens, so
// real model tokenizers rarely exceed it.
func CountTokens(text string) int {
	return len(tokenRe.FindAllString(text, -1))
}
