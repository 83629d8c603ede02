// Package store implements the embedded table store the rest of the core
// writes through: named tables with typed columns, a small predicate
// language for filtering, and in-process vector search over float32
// embedding blobs. Everything persists to a single SQLite file per store
// directory; no external daemon is involved.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// catalogTable records every table's schema so Add can detect unknown
// columns server-side and reads can decode values by type.
const catalogTable = "_tables"

var identRe = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// Store is a handle on one store directory. Safe for concurrent use; all
// mutating callers are expected to serialize through the write queue, and
// WAL mode keeps concurrent readers off the writer's back.
type Store struct {
	db     *sql.DB
	dir    string
	logger *slog.Logger

	mu     sync.RWMutex
	tables map[string]*Table
	closed bool
}

// Open opens (creating if needed) the store rooted at dir.
func Open(ctx context.Context, dir string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("store: create dir: %w", err)
	}

	dsn := filepath.Join(dir, "mnesis.db") +
		"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	// One writer at a time comes from the write queue; a handful of
	// connections lets readers proceed under WAL while a write is in flight.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(4)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	s := &Store{
		db:     db,
		dir:    dir,
		logger: logger,
		tables: make(map[string]*Table),
	}

	if _, err := db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS `+catalogTable+` (name TEXT PRIMARY KEY, schema TEXT NOT NULL, created_at TEXT NOT NULL)`,
	); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: create catalog: %w", err)
	}

	if err := s.loadCatalog(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Dir returns the store directory.
func (s *Store) Dir() string { return s.dir }

// Close releases the underlying database handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *Store) loadCatalog(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `SELECT name, schema FROM `+catalogTable)
	if err != nil {
		return fmt.Errorf("store: load catalog: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var name, schemaJSON string
		if err := rows.Scan(&name, &schemaJSON); err != nil {
			return fmt.Errorf("store: scan catalog: %w", err)
		}
		var schema Schema
		if err := json.Unmarshal([]byte(schemaJSON), &schema); err != nil {
			return fmt.Errorf("store: decode schema for %q: %w", name, err)
		}
		s.tables[name] = &Table{store: s, name: name, schema: schema}
	}
	return rows.Err()
}

// CreateTable creates the named table if missing and returns a handle.
// Calling it for an existing table is a no-op that returns the existing
// handle with its stored schema (the new schema argument is ignored).
func (s *Store) CreateTable(ctx context.Context, name string, schema Schema) (*Table, error) {
	if !identRe.MatchString(name) || strings.HasPrefix(name, "_") {
		return nil, fmt.Errorf("store: invalid table name %q", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if t, ok := s.tables[name]; ok {
		return t, nil
	}

	ddl, err := buildCreateDDL(name, schema)
	if err != nil {
		return nil, err
	}
	schemaJSON, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("store: encode schema: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, ddl); err != nil {
		return nil, fmt.Errorf("store: create table %q: %w", name, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO `+catalogTable+` (name, schema, created_at) VALUES (?, ?, ?)`,
		name, string(schemaJSON), time.Now().UTC().Format(time.RFC3339Nano),
	); err != nil {
		return nil, fmt.Errorf("store: register table %q: %w", name, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: commit: %w", err)
	}

	t := &Table{store: s, name: name, schema: schema}
	s.tables[name] = t
	return t, nil
}

// OpenTable returns a handle on an existing table, or ErrNotFound.
func (s *Store) OpenTable(name string) (*Table, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	t, ok := s.tables[name]
	if !ok {
		return nil, fmt.Errorf("store: table %q: %w", name, ErrNotFound)
	}
	return t, nil
}

// HasTable reports whether the named table exists.
func (s *Store) HasTable(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.tables[name]
	return ok
}

// TableNames returns the registered table names.
func (s *Store) TableNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.tables))
	for name := range s.tables {
		names = append(names, name)
	}
	return names
}

// AddColumn adds a column with a default to an existing table. Idempotent:
// adding a column that already exists is a no-op. Schema evolution is
// additive only; columns are never dropped or renamed.
func (s *Store) AddColumn(ctx context.Context, table string, col Column) error {
	if !identRe.MatchString(col.Name) {
		return fmt.Errorf("store: invalid column name %q", col.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[table]
	if !ok {
		return fmt.Errorf("store: table %q: %w", table, ErrNotFound)
	}
	if _, exists := t.schema.column(col.Name); exists {
		return nil
	}

	ddl := fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s`, table, col.Name, col.Type.sqlType())
	if col.Default != nil {
		lit, err := defaultLiteral(col)
		if err != nil {
			return err
		}
		ddl += " DEFAULT " + lit
	}
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("store: add column %s.%s: %w", table, col.Name, err)
	}

	t.schema.Columns = append(t.schema.Columns, col)
	return s.saveSchema(ctx, table, t.schema)
}

// RenameTable renames a table, keeping its schema registration. Used by the
// migrator to park a backup copy before a rebuild.
func (s *Store) RenameTable(ctx context.Context, oldName, newName string) error {
	if !identRe.MatchString(newName) {
		return fmt.Errorf("store: invalid table name %q", newName)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[oldName]
	if !ok {
		return fmt.Errorf("store: table %q: %w", oldName, ErrNotFound)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`ALTER TABLE %s RENAME TO %s`, oldName, newName)); err != nil {
		return fmt.Errorf("store: rename %s to %s: %w", oldName, newName, err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE `+catalogTable+` SET name = ? WHERE name = ?`, newName, oldName); err != nil {
		return fmt.Errorf("store: rename catalog entry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}

	delete(s.tables, oldName)
	t.name = newName
	s.tables[newName] = t
	return nil
}

// DropTable removes a table and its registration.
func (s *Store) DropTable(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tables[name]; !ok {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DROP TABLE IF EXISTS `+name); err != nil {
		return fmt.Errorf("store: drop table %q: %w", name, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM `+catalogTable+` WHERE name = ?`, name); err != nil {
		return fmt.Errorf("store: unregister table %q: %w", name, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}

	delete(s.tables, name)
	return nil
}

// EnsureIndex creates a single-column index if missing.
func (s *Store) EnsureIndex(ctx context.Context, table, column string) error {
	if !identRe.MatchString(table) || !identRe.MatchString(column) {
		return fmt.Errorf("store: invalid index target %s.%s", table, column)
	}
	name := fmt.Sprintf("idx_%s_%s", table, column)
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (%s)`, name, table, column))
	if err != nil {
		return fmt.Errorf("store: create index %s: %w", name, err)
	}
	return nil
}

// Compact reclaims space and refreshes planner statistics. Called by the
// weekly maintenance sweep.
func (s *Store) Compact(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		return fmt.Errorf("store: checkpoint: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `VACUUM`); err != nil {
		return fmt.Errorf("store: vacuum: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `ANALYZE`); err != nil {
		return fmt.Errorf("store: analyze: %w", err)
	}
	return nil
}

func (s *Store) saveSchema(ctx context.Context, table string, schema Schema) error {
	schemaJSON, err := json.Marshal(schema)
	if err != nil {
		return fmt.Errorf("store: encode schema: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE `+catalogTable+` SET schema = ? WHERE name = ?`, string(schemaJSON), table); err != nil {
		return fmt.Errorf("store: save schema for %q: %w", table, err)
	}
	return nil
}

func buildCreateDDL(name string, schema Schema) (string, error) {
	if len(schema.Columns) == 0 {
		return "", fmt.Errorf("store: table %q needs at least one column", name)
	}
	defs := make([]string, 0, len(schema.Columns))
	for _, col := range schema.Columns {
		if !identRe.MatchString(col.Name) {
			return "", fmt.Errorf("store: invalid column name %q", col.Name)
		}
		def := col.Name + " " + col.Type.sqlType()
		if col.Name == schema.PrimaryKey {
			def += " PRIMARY KEY"
		}
		if col.Default != nil {
			lit, err := defaultLiteral(col)
			if err != nil {
				return "", err
			}
			def += " DEFAULT " + lit
		}
		defs = append(defs, def)
	}
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (%s)`, name, strings.Join(defs, ", ")), nil
}
