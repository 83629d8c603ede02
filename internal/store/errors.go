package store

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a requested row or table does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrClosed is returned when the store has been closed.
var ErrClosed = errors.New("store: closed")

// SchemaMismatchError is returned by Table.Add when a row carries a column
// the stored table does not know about. Callers recover by retrying with
// the legacy column subset.
type SchemaMismatchError struct {
	Table  string
	Column string
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("store: table %q has no column %q", e.Table, e.Column)
}

// IsSchemaMismatch reports whether err is a schema-mismatch error.
func IsSchemaMismatch(err error) bool {
	var sme *SchemaMismatchError
	return errors.As(err, &sme)
}

// PredicateError is returned when a where-clause predicate fails validation.
type PredicateError struct {
	Predicate string
	Reason    string
}

func (e *PredicateError) Error() string {
	return fmt.Sprintf("store: invalid predicate %q: %s", e.Predicate, e.Reason)
}
