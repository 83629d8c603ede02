// Package migrate brings a data directory up to the current schema before
// any component touches it. Migrations are ordered, numbered, and
// idempotent; the last applied version is recorded in a plaintext file next
// to the database so a crash between steps resumes where it stopped.
package migrate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mnesis-ai/mnesis/internal/conflicts"
	"github.com/mnesis-ai/mnesis/internal/graph"
	"github.com/mnesis-ai/mnesis/internal/memory"
	"github.com/mnesis-ai/mnesis/internal/model"
	"github.com/mnesis-ai/mnesis/internal/store"
)

// VersionFile names the plaintext file holding the last applied version.
const VersionFile = "schema_version.txt"

// repairBatch is the insert batch size used when rebuilding a table.
const repairBatch = 1000

// decayColumns are the columns whose absence marks a pre-decay memories
// table. Missing any of them triggers the repair rebuild.
var decayColumns = []string{"decay_profile", "expires_at", "needs_review", "review_due_at", "event_date"}

// A Migration is one numbered schema step. Run must be idempotent: it is
// re-executed when a crash lands between the step and the version write.
type Migration struct {
	Version int
	Name    string
	Run     func(ctx context.Context, st *store.Store, logger *slog.Logger) error
}

// All returns the migration list in apply order.
func All() []Migration {
	return []Migration{
		{Version: 1, Name: "core tables", Run: coreTables},
		{Version: 2, Name: "repair pre-decay memories", Run: repairLegacyMemories},
		{Version: 3, Name: "provenance detail columns", Run: detailColumns},
	}
}

// Migrator applies pending migrations against one store. The version file
// lives in the store's data directory.
type Migrator struct {
	st     *store.Store
	logger *slog.Logger
	list   []Migration
}

func New(st *store.Store, logger *slog.Logger) *Migrator {
	list := All()
	sort.Slice(list, func(i, j int) bool { return list[i].Version < list[j].Version })
	return &Migrator{st: st, logger: logger, list: list}
}

// Apply runs every migration newer than the recorded version, in order,
// recording progress after each step. It returns the number applied.
func (m *Migrator) Apply(ctx context.Context) (int, error) {
	current := m.current()
	applied := 0
	for _, mig := range m.list {
		if mig.Version <= current {
			continue
		}
		m.logger.Info("migrate: applying", "version", mig.Version, "name", mig.Name)
		if err := mig.Run(ctx, m.st, m.logger); err != nil {
			return applied, fmt.Errorf("migrate: %d %s: %w", mig.Version, mig.Name, err)
		}
		if err := m.record(mig.Version); err != nil {
			return applied, err
		}
		current = mig.Version
		applied++
	}
	return applied, nil
}

// Version reports the last applied migration version.
func (m *Migrator) Version() int { return m.current() }

// current reads the version file. A missing or garbled file counts as
// version zero; every migration is idempotent, so replaying from the start
// is safe.
func (m *Migrator) current() int {
	raw, err := os.ReadFile(m.versionPath())
	if errors.Is(err, os.ErrNotExist) {
		return 0
	}
	if err != nil {
		m.logger.Warn("migrate: version file unreadable, replaying from zero", "error", err)
		return 0
	}
	text := strings.TrimSpace(string(raw))
	v, err := strconv.Atoi(text)
	if err != nil || v < 0 {
		m.logger.Warn("migrate: version file garbled, replaying from zero", "raw", text)
		return 0
	}
	return v
}

func (m *Migrator) record(version int) error {
	if err := os.WriteFile(m.versionPath(), []byte(strconv.Itoa(version)+"\n"), 0o644); err != nil {
		return fmt.Errorf("migrate: record version %d: %w", version, err)
	}
	return nil
}

func (m *Migrator) versionPath() string {
	return filepath.Join(m.st.Dir(), VersionFile)
}

// coreTables creates every table the service uses. CreateTable is a no-op
// on tables that already exist, whatever shape they carry; the later steps
// reconcile old shapes.
func coreTables(ctx context.Context, st *store.Store, _ *slog.Logger) error {
	tables := []struct {
		name   string
		schema store.Schema
	}{
		{"memories", model.MemorySchema()},
		{"memory_versions", model.MemoryVersionSchema()},
		{"memory_events", model.MemoryEventSchema()},
		{conflicts.TableName, model.ConflictSchema()},
		{graph.EdgeTable, model.EdgeSchema()},
		{"conversations", model.ConversationSchema()},
		{"conversation_messages", model.MessageSchema()},
		{"memory_candidates", model.CandidateSchema()},
		{"analysis_index", model.AnalysisIndexSchema()},
		{"jobs", model.JobSchema()},
		{"sessions", model.SessionSchema()},
	}
	for _, tbl := range tables {
		if _, err := st.CreateTable(ctx, tbl.name, tbl.schema); err != nil {
			return fmt.Errorf("ensure %s: %w", tbl.name, err)
		}
	}
	return nil
}

// repairLegacyMemories rebuilds a memories table written before decay
// tracking existed. The old rows are parked in a timestamped backup table,
// the table is recreated with the current schema, and every row is
// re-inserted with freshly classified decay fields, a thousand at a time.
func repairLegacyMemories(ctx context.Context, st *store.Store, logger *slog.Logger) error {
	if !st.HasTable("memories") {
		return nil
	}
	table, err := st.OpenTable("memories")
	if err != nil {
		return err
	}
	missing := missingDecayColumns(table.Schema())
	if len(missing) == 0 {
		return nil
	}

	rows, err := table.Search(nil).ToList(ctx)
	if err != nil {
		return fmt.Errorf("read legacy rows: %w", err)
	}

	backup := "memories_backup_" + time.Now().UTC().Format("20060102150405")
	if err := st.RenameTable(ctx, "memories", backup); err != nil {
		return fmt.Errorf("park backup: %w", err)
	}
	fresh, err := st.CreateTable(ctx, "memories", model.MemorySchema())
	if err != nil {
		return fmt.Errorf("recreate memories: %w", err)
	}

	now := time.Now().UTC()
	restored := 0
	batch := make([]store.Row, 0, repairBatch)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := fresh.Add(ctx, batch); err != nil {
			return fmt.Errorf("restore rows %d to %d: %w", restored, restored+len(batch), err)
		}
		restored += len(batch)
		batch = batch[:0]
		return nil
	}
	for _, row := range rows {
		mem := model.MemoryFromRow(row)
		reclassify(mem, now)
		batch = append(batch, mem.ToRow())
		if len(batch) == repairBatch {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := flush(); err != nil {
		return err
	}

	logger.Info("migrate: rebuilt pre-decay memories table",
		"rows", restored,
		"backup", backup,
		"missing_columns", strings.Join(missing, ","))
	return nil
}

// reclassify fills the decay fields a pre-decay row never carried. Relative
// windows anchor at migration time, not at the row's creation, so nothing
// expires retroactively during the rebuild.
func reclassify(mem *model.Memory, now time.Time) {
	if mem.DecayProfile != "" {
		return
	}
	cls := memory.Classify(mem.Content, mem.Category, mem.Level, now)
	mem.DecayProfile = cls.Profile
	mem.ExpiresAt = cls.ExpiresAt
	mem.ReviewDueAt = cls.ReviewDueAt
	mem.EventDate = cls.EventDate
	mem.NeedsReview = cls.NeedsReview
}

func missingDecayColumns(schema store.Schema) []string {
	have := make(map[string]bool, len(schema.Columns))
	for _, col := range schema.Columns {
		have[col.Name] = true
	}
	var missing []string
	for _, name := range decayColumns {
		if !have[name] {
			missing = append(missing, name)
		}
	}
	return missing
}

// detailColumns adds the provenance and review columns that arrived after
// the first release. AddColumn is a no-op when the column already exists,
// so a table recreated by the repair step passes straight through.
func detailColumns(ctx context.Context, st *store.Store, _ *slog.Logger) error {
	cols := []store.Column{
		{Name: "source_excerpt", Type: store.TypeText},
		{Name: "suggestion_reason", Type: store.TypeText},
		{Name: "review_note", Type: store.TypeText},
	}
	for _, col := range cols {
		if err := st.AddColumn(ctx, "memories", col); err != nil {
			return fmt.Errorf("add %s: %w", col.Name, err)
		}
	}
	return nil
}
