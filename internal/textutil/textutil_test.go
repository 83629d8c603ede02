package textutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTokenizeKeepsContractions(t *testing.T) {
	toks := Tokenize("The user doesn't like C++ builds.")
	assert.Contains(t, toks, "doesn't")
	assert.Contains(t, toks, "builds")
	assert.NotContains(t, toks, "C++")
}

func TestContentTokensDropStopwords(t *testing.T) {
	toks := ContentTokens("The user prefers the Python language")
	assert.NotContains(t, toks, "the")
	assert.NotContains(t, toks, "user")
	assert.Contains(t, toks, "prefers")
	assert.Contains(t, toks, "python")
}

func TestOverlapRatio(t *testing.T) {
	a := TokenSet("Julien prefers Python for backend services")
	b := TokenSet("Julien does not prefer Python for backend services")
	// Negation aside, the two sentences share nearly every content word.
	assert.GreaterOrEqual(t, OverlapRatio(a, b), 0.6)

	c := TokenSet("completely unrelated sentence about gardening tulips")
	assert.Less(t, OverlapRatio(a, c), 0.3)

	assert.Zero(t, OverlapRatio(nil, a))
}

func TestJaccard(t *testing.T) {
	a := TokenSet("alpha beta gamma")
	b := TokenSet("beta gamma delta")
	assert.InDelta(t, 0.5, Jaccard(a, b), 1e-9)
	assert.Zero(t, Jaccard(nil, nil))
}

func TestHasNegation(t *testing.T) {
	assert.True(t, HasNegation("Julien does not prefer Python."))
	assert.True(t, HasNegation("The user never deploys on Fridays"))
	assert.True(t, HasNegation("The user doesn't use tabs"))
	assert.True(t, HasNegation("no meetings before ten"))
	assert.False(t, HasNegation("Julien prefers Python for backend services."))
	// "note" and "nothing" must not match the space-delimited markers.
	assert.False(t, HasNegation("The user keeps a notebook for notes"))
}

func TestCanonicalize(t *testing.T) {
	assert.Equal(t,
		Canonicalize("The user prefers   concise, technical answers."),
		Canonicalize("the USER prefers concise technical answers"))
	assert.Equal(t, "a b c", Canonicalize("  a  b   c  "))
}

func TestCapitalizedNames(t *testing.T) {
	names := CapitalizedNames("Julien met Sarah on Monday at the HomeBoard review in March")
	assert.Contains(t, names, "Julien")
	assert.Contains(t, names, "Sarah")
	assert.Contains(t, names, "HomeBoard")
	assert.NotContains(t, names, "Monday")
	assert.NotContains(t, names, "March")
	assert.NotContains(t, names, "The")
}

func TestSharedName(t *testing.T) {
	name, ok := SharedName(
		"Julien prefers Python for backend services.",
		"Julien does not prefer Python for backend services.")
	assert.True(t, ok)
	// Python also qualifies; any shared proper name is enough.
	assert.NotEmpty(t, name)

	_, ok = SharedName("The user enjoys hiking.", "Sarah reviews pull requests on weekdays.")
	assert.False(t, ok)
}
