package conflicts

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnesis-ai/mnesis/internal/model"
	"github.com/mnesis-ai/mnesis/internal/store"
	"github.com/mnesis-ai/mnesis/internal/writequeue"
)

// fakeMutator records the memory mutations the workbench requests.
type fakeMutator struct {
	updated  []string
	archived []string
	events   []model.EventKind
}

func (f *fakeMutator) Update(_ context.Context, id, content, _ string) (*model.WriteResult, error) {
	f.updated = append(f.updated, id+":"+content)
	return &model.WriteResult{ID: id, Action: model.ActionUpdated}, nil
}

func (f *fakeMutator) Archive(_ context.Context, id string) (*model.WriteResult, error) {
	f.archived = append(f.archived, id)
	return &model.WriteResult{ID: id, Action: model.ActionDeleted}, nil
}

func (f *fakeMutator) RecordEvent(_ context.Context, _ string, kind model.EventKind, _ string) error {
	f.events = append(f.events, kind)
	return nil
}

func newTestWorkbench(t *testing.T) (*Workbench, *fakeMutator) {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.DiscardHandler)

	st, err := store.Open(ctx, t.TempDir(), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	queue := writequeue.New(0, logger)
	queue.Start(ctx)
	t.Cleanup(func() { _ = queue.Stop(context.Background()) })

	mut := &fakeMutator{}
	wb, err := NewWorkbench(ctx, st, queue, mut, logger)
	require.NoError(t, err)
	return wb, mut
}

func stageConflict(t *testing.T, wb *Workbench, existing, candidate string) string {
	t.Helper()
	c := &model.PendingConflict{
		ID:                uuid.NewString(),
		MemoryIDExisting:  existing,
		MemoryIDCandidate: candidate,
		CandidateContent:  "Julien does not prefer Python for backend services.",
		SimilarityScore:   0.81,
		DetectedAt:        time.Now().UTC(),
		Status:            model.ConflictPending,
	}
	require.NoError(t, wb.table.Add(context.Background(), []store.Row{c.ToRow()}))
	return c.ID
}

func TestListPendingOldestFirst(t *testing.T) {
	wb, _ := newTestWorkbench(t)
	ctx := context.Background()

	first := stageConflict(t, wb, "mem-a", "mem-b")
	time.Sleep(5 * time.Millisecond)
	second := stageConflict(t, wb, "mem-c", "mem-d")

	pending, err := wb.ListPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, first, pending[0].ID)
	assert.Equal(t, second, pending[1].ID)

	n, err := wb.CountPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestResolveKeptExisting(t *testing.T) {
	wb, mut := newTestWorkbench(t)
	ctx := context.Background()
	id := stageConflict(t, wb, "mem-a", "mem-b")

	resolved, err := wb.Resolve(ctx, id, model.ResolutionKeptExisting, "", "julien")
	require.NoError(t, err)
	assert.Equal(t, model.ConflictResolved, resolved.Status)
	assert.Empty(t, mut.updated)
	assert.Empty(t, mut.archived)
	assert.Equal(t, []model.EventKind{model.EventConflictResolved}, mut.events)

	got, err := wb.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.ConflictResolved, got.Status)
	require.NotNil(t, got.Resolution)
	assert.Equal(t, string(model.ResolutionKeptExisting), *got.Resolution)
	require.NotNil(t, got.ResolvedBy)
	assert.Equal(t, "julien", *got.ResolvedBy)
}

func TestResolveMergedRewritesExistingAndArchivesCandidate(t *testing.T) {
	wb, mut := newTestWorkbench(t)
	ctx := context.Background()
	id := stageConflict(t, wb, "mem-a", "mem-b")

	_, err := wb.Resolve(ctx, id, model.ResolutionMerged, "Julien prefers Python except for data pipelines.", "julien")
	require.NoError(t, err)
	require.Len(t, mut.updated, 1)
	assert.Contains(t, mut.updated[0], "mem-a:")
	assert.Equal(t, []string{"mem-b"}, mut.archived)
}

func TestResolveMergedRequiresContent(t *testing.T) {
	wb, _ := newTestWorkbench(t)
	id := stageConflict(t, wb, "mem-a", "mem-b")

	_, err := wb.Resolve(context.Background(), id, model.ResolutionMerged, "   ", "julien")
	assert.ErrorIs(t, err, ErrMissingContent)
}

func TestResolveVersionedShelvesConflictOnly(t *testing.T) {
	wb, mut := newTestWorkbench(t)
	ctx := context.Background()
	id := stageConflict(t, wb, "mem-a", "mem-b")

	resolved, err := wb.Resolve(ctx, id, model.ResolutionVersioned, "", "julien")
	require.NoError(t, err)
	assert.Equal(t, model.ConflictShelved, resolved.Status)
	assert.Empty(t, mut.updated)
	assert.Empty(t, mut.archived)
}

func TestResolveOverwrittenArchivesExisting(t *testing.T) {
	wb, mut := newTestWorkbench(t)
	ctx := context.Background()
	id := stageConflict(t, wb, "mem-a", "mem-b")

	_, err := wb.Resolve(ctx, id, model.ResolutionOverwritten, "", "julien")
	require.NoError(t, err)
	assert.Equal(t, []string{"mem-a"}, mut.archived)
}

func TestResolveTwiceFails(t *testing.T) {
	wb, _ := newTestWorkbench(t)
	ctx := context.Background()
	id := stageConflict(t, wb, "mem-a", "mem-b")

	_, err := wb.Resolve(ctx, id, model.ResolutionKeptExisting, "", "julien")
	require.NoError(t, err)
	_, err = wb.Resolve(ctx, id, model.ResolutionKeptExisting, "", "julien")
	assert.ErrorIs(t, err, ErrNotPending)
}

func TestResolveRejectsUnknownResolution(t *testing.T) {
	wb, _ := newTestWorkbench(t)
	_, err := wb.Resolve(context.Background(), "whatever", model.Resolution("split"), "", "julien")
	assert.ErrorIs(t, err, ErrUnknownResolution)
}
