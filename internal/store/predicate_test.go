package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidatePredicate_Accepts(t *testing.T) {
	valid := []string{
		`status = 'active'`,
		`status != 'archived'`,
		`status <> 'archived'`,
		`importance_score >= 0.5`,
		`priority >= -20 AND priority <= 20`,
		`version > 1`,
		`ended_at IS NULL`,
		`ended_at IS NOT NULL`,
		`status = 'active' AND category = 'identity'`,
		`status = 'pending' OR status = 'running'`,
		`(status = 'active' OR status = 'pending_review') AND level = 'semantic'`,
		`title = 'O''Brien''s notes'`,
		`id = 'a1b2-c3'`,
	}
	for _, pred := range valid {
		assert.NoError(t, ValidatePredicate(pred), "predicate: %s", pred)
	}
}

func TestValidatePredicate_Rejects(t *testing.T) {
	invalid := []string{
		``,
		`status = 'active'; DROP TABLE memories`,
		`name = 'O'Brien'`,
		`status = 'active' --`,
		`status = `,
		`= 'active'`,
		`status LIKE 'a%'`,
		`status IN ('a', 'b')`,
		`status = 'unterminated`,
		`(status = 'active'`,
		`status = 'a') OR (1 = 1`,
		`status == 'active' extra`,
	}
	for _, pred := range invalid {
		assert.Error(t, ValidatePredicate(pred), "predicate: %s", pred)
	}
}

func TestValidatePredicate_UnescapedQuoteMessage(t *testing.T) {
	err := ValidatePredicate(`content = 'it's broken'`)
	require.Error(t, err)
	var pe *PredicateError
	require.ErrorAs(t, err, &pe)
	assert.Contains(t, pe.Reason, "unescaped quote")
}
