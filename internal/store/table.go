package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
)

// Table is a handle on one named table.
type Table struct {
	store  *Store
	name   string
	schema Schema
}

// Name returns the table name.
func (t *Table) Name() string { return t.name }

// Schema returns a copy of the table's registered schema.
func (t *Table) Schema() Schema {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	cols := make([]Column, len(t.schema.Columns))
	copy(cols, t.schema.Columns)
	return Schema{Columns: cols, PrimaryKey: t.schema.PrimaryKey}
}

// Columns returns the current column names. Callers use it to project rows
// onto the stored schema after a schema-mismatch error.
func (t *Table) Columns() []string {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	names := make([]string, len(t.schema.Columns))
	for i, c := range t.schema.Columns {
		names[i] = c.Name
	}
	return names
}

// Add inserts the given rows. Every row key must name a known column;
// an unknown key fails the whole batch with a SchemaMismatchError and
// nothing is written.
func (t *Table) Add(ctx context.Context, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}

	t.store.mu.RLock()
	schema := t.schema
	t.store.mu.RUnlock()

	// Validate all rows before opening the transaction.
	for _, row := range rows {
		for key := range row {
			if _, ok := schema.column(key); !ok {
				return &SchemaMismatchError{Table: t.name, Column: key}
			}
		}
	}

	tx, err := t.store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, row := range rows {
		cols := make([]string, 0, len(row))
		for key := range row {
			cols = append(cols, key)
		}
		sort.Strings(cols)

		args := make([]any, 0, len(cols))
		marks := make([]string, 0, len(cols))
		for _, key := range cols {
			col, _ := schema.column(key)
			enc, err := encodeValue(col, row[key])
			if err != nil {
				return err
			}
			args = append(args, enc)
			marks = append(marks, "?")
		}

		stmt := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`, t.name, strings.Join(cols, ", "), strings.Join(marks, ", "))
		if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
			return fmt.Errorf("store: insert into %q: %w", t.name, err)
		}
	}
	return tx.Commit()
}

// Update applies values to every row matching the predicate and returns the
// number of rows changed.
func (t *Table) Update(ctx context.Context, where string, values Row) (int64, error) {
	if err := ValidatePredicate(where); err != nil {
		return 0, err
	}
	if len(values) == 0 {
		return 0, nil
	}

	t.store.mu.RLock()
	schema := t.schema
	t.store.mu.RUnlock()

	cols := make([]string, 0, len(values))
	for key := range values {
		if _, ok := schema.column(key); !ok {
			return 0, &SchemaMismatchError{Table: t.name, Column: key}
		}
		cols = append(cols, key)
	}
	sort.Strings(cols)

	sets := make([]string, 0, len(cols))
	args := make([]any, 0, len(cols))
	for _, key := range cols {
		col, _ := schema.column(key)
		enc, err := encodeValue(col, values[key])
		if err != nil {
			return 0, err
		}
		sets = append(sets, key+" = ?")
		args = append(args, enc)
	}

	stmt := fmt.Sprintf(`UPDATE %s SET %s WHERE %s`, t.name, strings.Join(sets, ", "), where)
	res, err := t.store.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return 0, fmt.Errorf("store: update %q: %w", t.name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: update %q: %w", t.name, err)
	}
	return n, nil
}

// Delete removes every row matching the predicate and returns the count.
func (t *Table) Delete(ctx context.Context, where string) (int64, error) {
	if err := ValidatePredicate(where); err != nil {
		return 0, err
	}
	res, err := t.store.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE %s`, t.name, where))
	if err != nil {
		return 0, fmt.Errorf("store: delete from %q: %w", t.name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: delete from %q: %w", t.name, err)
	}
	return n, nil
}

// Count returns the number of rows in the table.
func (t *Table) Count(ctx context.Context) (int, error) {
	var n int
	if err := t.store.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+t.name).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count %q: %w", t.name, err)
	}
	return n, nil
}

// Get fetches a single row by primary key. Returns ErrNotFound when absent.
func (t *Table) Get(ctx context.Context, id string) (Row, error) {
	t.store.mu.RLock()
	schema := t.schema
	t.store.mu.RUnlock()
	if schema.PrimaryKey == "" {
		return nil, fmt.Errorf("store: table %q has no primary key", t.name)
	}

	rows, err := t.store.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT * FROM %s WHERE %s = ?`, t.name, schema.PrimaryKey), id)
	if err != nil {
		return nil, fmt.Errorf("store: get from %q: %w", t.name, err)
	}
	defer rows.Close()

	decoded, err := scanRows(rows, schema)
	if err != nil {
		return nil, err
	}
	if len(decoded) == 0 {
		return nil, fmt.Errorf("store: %s %q: %w", t.name, id, ErrNotFound)
	}
	return decoded[0], nil
}

// Search starts a query. A non-nil vector ranks results by cosine distance
// to the table's vector column and attaches a "_distance" field; a nil
// vector scans in insertion order.
func (t *Table) Search(vector []float32) *Query {
	return &Query{table: t, vector: vector}
}

// Query accumulates a predicate and limit before execution.
type Query struct {
	table  *Table
	vector []float32
	where  string
	limit  int
	hasLim bool
}

// Where sets the filter predicate. Only one predicate is supported; callers
// combine clauses with AND/OR inside it.
func (q *Query) Where(pred string) *Query {
	q.where = pred
	return q
}

// Limit caps the number of returned rows. Zero means no rows.
func (q *Query) Limit(n int) *Query {
	q.limit = n
	q.hasLim = true
	return q
}

// ToList executes the query.
func (q *Query) ToList(ctx context.Context) ([]Row, error) {
	if q.hasLim && q.limit <= 0 {
		return nil, nil
	}
	if q.where != "" {
		if err := ValidatePredicate(q.where); err != nil {
			return nil, err
		}
	}

	t := q.table
	t.store.mu.RLock()
	schema := t.schema
	t.store.mu.RUnlock()

	stmt := `SELECT * FROM ` + t.name
	if q.where != "" {
		stmt += ` WHERE ` + q.where
	}
	// Without a vector the limit can be pushed into SQL; with one, every
	// matching row is needed for ranking before the cut.
	if q.vector == nil && q.hasLim {
		stmt += fmt.Sprintf(` LIMIT %d`, q.limit)
	}

	rows, err := t.store.db.QueryContext(ctx, stmt)
	if err != nil {
		return nil, fmt.Errorf("store: query %q: %w", t.name, err)
	}
	defer rows.Close()

	decoded, err := scanRows(rows, schema)
	if err != nil {
		return nil, err
	}
	if q.vector == nil {
		return decoded, nil
	}

	vecCol := schema.vectorColumn()
	if vecCol == "" {
		return nil, fmt.Errorf("store: table %q has no vector column", t.name)
	}

	// Rank by cosine distance; rows without a vector cannot be ranked and
	// are dropped from vector searches.
	ranked := decoded[:0]
	for _, row := range decoded {
		vec, ok := row[vecCol].([]float32)
		if !ok || len(vec) == 0 {
			continue
		}
		row["_distance"] = CosineDistance(q.vector, vec)
		ranked = append(ranked, row)
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i]["_distance"].(float64) < ranked[j]["_distance"].(float64)
	})
	if q.hasLim && len(ranked) > q.limit {
		ranked = ranked[:q.limit]
	}
	return ranked, nil
}

// scanRows decodes a result set into Rows using the schema's column types.
// Columns present in the database but absent from the schema (e.g. after a
// repair left a wider backup) are ignored.
func scanRows(rows *sql.Rows, schema Schema) ([]Row, error) {
	colNames, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("store: columns: %w", err)
	}

	var out []Row
	for rows.Next() {
		raw := make([]any, len(colNames))
		ptrs := make([]any, len(colNames))
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("store: scan: %w", err)
		}

		row := make(Row, len(colNames))
		for i, name := range colNames {
			col, ok := schema.column(name)
			if !ok {
				continue
			}
			v, err := decodeValue(col, raw[i])
			if err != nil {
				return nil, err
			}
			row[name] = v
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
