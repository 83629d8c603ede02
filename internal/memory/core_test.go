package memory

import (
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnesis-ai/mnesis/internal/embedding"
	"github.com/mnesis-ai/mnesis/internal/graph"
	"github.com/mnesis-ai/mnesis/internal/model"
	"github.com/mnesis-ai/mnesis/internal/store"
	"github.com/mnesis-ai/mnesis/internal/writequeue"
)

// scriptedProvider returns a fixed vector per exact text, so tests pin
// similarity scores instead of approximating them. Unscripted text (the
// warmup probe) gets a constant filler vector.
type scriptedProvider struct {
	vecs map[string][]float32
}

func (p *scriptedProvider) Dimensions() int { return 4 }

func (p *scriptedProvider) Embed(_ context.Context, text string) ([]float32, error) {
	v, ok := p.vecs[text]
	if !ok {
		v = []float32{0, 0, 0, 1}
	}
	out := make([]float32, len(v))
	copy(out, v)
	return out, nil
}

func (p *scriptedProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec, err := p.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

// fakeRecorder captures session activity the core reports.
type fakeRecorder struct {
	reads    []string
	writes   []string
	feedback []string
	ended    []string
}

func (f *fakeRecorder) RecordActivity(_ context.Context, sessionID string, reads, writes, feedback []string) error {
	for _, id := range reads {
		f.reads = append(f.reads, sessionID+":"+id)
	}
	for _, id := range writes {
		f.writes = append(f.writes, sessionID+":"+id)
	}
	for _, id := range feedback {
		f.feedback = append(f.feedback, sessionID+":"+id)
	}
	return nil
}

func (f *fakeRecorder) End(_ context.Context, sessionID, reason string) error {
	f.ended = append(f.ended, sessionID+":"+reason)
	return nil
}

type coreFixture struct {
	core  *Core
	queue *writequeue.Queue
	graph *graph.Layer
}

func newCoreFixture(t *testing.T, provider embedding.Provider, rec SessionRecorder) *coreFixture {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.DiscardHandler)

	st, err := store.Open(ctx, t.TempDir(), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	queue := writequeue.New(0, logger)
	queue.Start(ctx)
	t.Cleanup(func() { _ = queue.Stop(context.Background()) })

	if provider == nil {
		provider = embedding.NewLocalProvider(0)
	}
	embedder := embedding.NewEmbedder(provider, logger)

	layer, err := graph.NewLayer(ctx, st, nil, logger)
	require.NoError(t, err)

	core, err := NewCore(ctx, st, queue, embedder, layer, rec, logger)
	require.NoError(t, err)
	return &coreFixture{core: core, queue: queue, graph: layer}
}

func newTestCore(t *testing.T) *coreFixture {
	t.Helper()
	return newCoreFixture(t, nil, nil)
}

// flushQueue waits for earlier fire-and-forget ops by riding the FIFO worker.
func (fx *coreFixture) flushQueue(t *testing.T) {
	t.Helper()
	_, err := writequeue.Submit(context.Background(), fx.queue, func(context.Context) (struct{}, error) {
		return struct{}{}, nil
	})
	require.NoError(t, err)
}

func activeRequest(content string, category model.Category) model.CreateRequest {
	return model.CreateRequest{
		Content:    content,
		Category:   category,
		Level:      model.LevelSemantic,
		SourceLLM:  "claude",
		Confidence: 0.9,
	}
}

func TestCreateAppliesDefaultsAndReviewGate(t *testing.T) {
	fx := newTestCore(t)
	ctx := context.Background()

	res, err := fx.core.Create(ctx, model.CreateRequest{
		Content:   "Keiko Tanaka prefers concise answers with explicit tradeoffs.",
		Category:  model.CategoryPreferences,
		Level:     model.LevelSemantic,
		SourceLLM: "claude",
	})
	require.NoError(t, err)
	assert.Equal(t, model.ActionCreated, res.Action)
	assert.Equal(t, model.StatusPendingReview, res.Status)
	assert.Equal(t, 1, res.Version)

	m, err := fx.core.Get(ctx, res.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, m.ImportanceScore, 1e-9)
	assert.InDelta(t, 0.7, m.ConfidenceScore, 1e-9)
	assert.Equal(t, model.PrivacyPublic, m.Privacy)
	assert.Equal(t, model.StatusPendingReview, m.Status)
}

func TestCreateHighConfidenceSemanticIsActive(t *testing.T) {
	fx := newTestCore(t)
	ctx := context.Background()

	res, err := fx.core.Create(ctx, activeRequest(
		"Noor Haddad rides a gravel bike through the coastal hills on weekends.",
		model.CategoryPreferences,
	))
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, res.Status)
	assert.Equal(t, model.ActionCreated, res.Action)

	events, err := fx.core.Events(ctx, res.ID, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, model.EventCreated, events[0].Kind)
}

func TestCreateForcedStatusOverridesGate(t *testing.T) {
	fx := newTestCore(t)
	ctx := context.Background()

	res, err := fx.core.Create(ctx, model.CreateRequest{
		Content:      "Sergei Abramov collects vintage typewriters from flea markets.",
		Category:     model.CategoryPreferences,
		Level:        model.LevelSemantic,
		SourceLLM:    "claude",
		ForcedStatus: model.StatusActive,
	})
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, res.Status)
}

func TestCreateHonorsProvidedCreatedAt(t *testing.T) {
	fx := newTestCore(t)
	ctx := context.Background()

	past := time.Date(2024, time.May, 1, 12, 0, 0, 0, time.UTC)
	res, err := fx.core.Create(ctx, model.CreateRequest{
		Content:    "Helga Jonsdottir rebuilt the greenhouse irrigation controller.",
		Category:   model.CategoryProjects,
		Level:      model.LevelEpisodic,
		SourceLLM:  "claude",
		Confidence: 0.9,
		CreatedAt:  &past,
	})
	require.NoError(t, err)

	m, err := fx.core.Get(ctx, res.ID)
	require.NoError(t, err)
	assert.True(t, m.CreatedAt.Equal(past), "created_at %s, want %s", m.CreatedAt, past)
	assert.WithinDuration(t, time.Now().UTC(), m.UpdatedAt, time.Minute)
}

func TestCreateValidationRejections(t *testing.T) {
	fx := newTestCore(t)
	ctx := context.Background()

	valid := "Nadia Petrova coaches the junior fencing squad on Thursdays."

	cases := []struct {
		name string
		req  model.CreateRequest
		code string
	}{
		{
			name: "too short",
			req:  activeRequest("Tiny note.", model.CategoryWorking),
			code: "rejected_length",
		},
		{
			name: "too long",
			req:  activeRequest(strings.Repeat("a", MaxContentLen+1), model.CategoryWorking),
			code: "rejected_length",
		},
		{
			name: "token budget",
			req:  activeRequest(strings.Repeat("ab ", MaxContentTokens+20), model.CategoryWorking),
			code: "rejected_tokens",
		},
		{
			name: "first person",
			req:  activeRequest("I prefer strong coffee every single morning.", model.CategoryPreferences),
			code: "rejected_first_person",
		},
		{
			name: "first person possessive",
			req:  activeRequest("The playlist reflects my taste in ambient music.", model.CategoryPreferences),
			code: "rejected_first_person",
		},
		{
			name: "invalid category",
			req: model.CreateRequest{
				Content: valid, Category: "nonsense", Level: model.LevelSemantic, SourceLLM: "claude",
			},
			code: "invalid_category",
		},
		{
			name: "invalid level",
			req: model.CreateRequest{
				Content: valid, Category: model.CategoryPreferences, Level: "deep", SourceLLM: "claude",
			},
			code: "invalid_level",
		},
		{
			name: "invalid privacy",
			req: model.CreateRequest{
				Content: valid, Category: model.CategoryPreferences, Level: model.LevelSemantic,
				SourceLLM: "claude", Privacy: "secret",
			},
			code: "invalid_privacy",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := fx.core.Create(ctx, tc.req)
			require.Error(t, err)
			assert.True(t, IsValidation(err), "want validation error, got %v", err)
			assert.ErrorContains(t, err, tc.code)
		})
	}
}

func TestCreateExactDuplicateSkipped(t *testing.T) {
	fx := newTestCore(t)
	ctx := context.Background()

	content := "Nadia Petrova coaches the junior fencing squad on Thursdays."
	first, err := fx.core.Create(ctx, activeRequest(content, model.CategoryRelationships))
	require.NoError(t, err)

	second, err := fx.core.Create(ctx, activeRequest(content, model.CategoryRelationships))
	require.NoError(t, err)
	assert.Equal(t, model.ActionSkipped, second.Action)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, second.Version)

	_, total, err := fx.core.List(ctx, model.ListFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestCreateCaseVariantDuplicateSkipped(t *testing.T) {
	fx := newTestCore(t)
	ctx := context.Background()

	first, err := fx.core.Create(ctx, activeRequest(
		"Nadia Petrova coaches the junior fencing squad on Thursdays.",
		model.CategoryRelationships,
	))
	require.NoError(t, err)

	second, err := fx.core.Create(ctx, activeRequest(
		"NADIA Petrova coaches the junior fencing squad on THURSDAYS.",
		model.CategoryRelationships,
	))
	require.NoError(t, err)
	assert.Equal(t, model.ActionSkipped, second.Action)
	assert.Equal(t, first.ID, second.ID)
}

func TestCreateNearDuplicateMerges(t *testing.T) {
	base := "Marisol Vela keeps a sourdough starter alive on the kitchen windowsill."
	near := "Marisol Vela keeps a rye sourdough starter alive by the kitchen window."
	fx := newCoreFixture(t, &scriptedProvider{vecs: map[string][]float32{
		base: {1, 0, 0, 0},
		near: {0.96, 0.28, 0, 0},
	}}, nil)
	ctx := context.Background()

	first, err := fx.core.Create(ctx, model.CreateRequest{
		Content: base, Category: model.CategoryPreferences, Level: model.LevelSemantic,
		SourceLLM: "claude", Confidence: 0.9, Importance: 0.4,
	})
	require.NoError(t, err)
	require.Equal(t, model.ActionCreated, first.Action)

	second, err := fx.core.Create(ctx, model.CreateRequest{
		Content: near, Category: model.CategoryPreferences, Level: model.LevelSemantic,
		SourceLLM: "claude", Confidence: 0.9, Importance: 0.9,
	})
	require.NoError(t, err)
	assert.Equal(t, model.ActionMerged, second.Action)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, second.Version)

	m, err := fx.core.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, base, m.Content, "merge keeps the existing content")
	assert.InDelta(t, 0.9, m.ImportanceScore, 1e-9, "merge takes the higher importance")

	events, err := fx.core.Events(ctx, first.ID, 10)
	require.NoError(t, err)
	kinds := eventKinds(events)
	assert.Contains(t, kinds, model.EventMerged)

	_, total, err := fx.core.List(ctx, model.ListFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestCreateContradictionOpensConflict(t *testing.T) {
	existing := "Tomasz Brandt prefers dark roast coffee every single morning."
	candidate := "Tomasz Brandt no longer prefers dark roast coffee every single morning."
	fx := newCoreFixture(t, &scriptedProvider{vecs: map[string][]float32{
		existing:  {1, 0, 0, 0},
		candidate: {0.8, 0.6, 0, 0},
	}}, nil)
	ctx := context.Background()

	first, err := fx.core.Create(ctx, activeRequest(existing, model.CategoryPreferences))
	require.NoError(t, err)

	second, err := fx.core.Create(ctx, activeRequest(candidate, model.CategoryPreferences))
	require.NoError(t, err)
	assert.Equal(t, model.ActionCreatedWithConflict, second.Action)
	require.Len(t, second.ConflictIDs, 1)
	require.NotEqual(t, first.ID, second.ID)

	row, err := fx.core.conflicts.Get(ctx, second.ConflictIDs[0])
	require.NoError(t, err)
	pc := model.ConflictFromRow(row)
	assert.Equal(t, first.ID, pc.MemoryIDExisting)
	assert.Equal(t, second.ID, pc.MemoryIDCandidate)
	assert.Equal(t, model.ConflictPending, pc.Status)
	assert.InDelta(t, 0.8, pc.SimilarityScore, 0.01)

	// Both sides stay readable while the conflict waits for review.
	for _, id := range []string{first.ID, second.ID} {
		m, gerr := fx.core.Get(ctx, id)
		require.NoError(t, gerr)
		assert.Equal(t, model.StatusActive, m.Status)
	}

	events, err := fx.core.Events(ctx, second.ID, 10)
	require.NoError(t, err)
	assert.Contains(t, eventKinds(events), model.EventConflictOpened)
}

func TestArchiveCascadesGraphEdges(t *testing.T) {
	existing := "Tomasz Brandt prefers dark roast coffee every single morning."
	candidate := "Tomasz Brandt no longer prefers dark roast coffee every single morning."
	fx := newCoreFixture(t, &scriptedProvider{vecs: map[string][]float32{
		existing:  {1, 0, 0, 0},
		candidate: {0.8, 0.6, 0, 0},
	}}, nil)
	ctx := context.Background()

	_, err := fx.core.Create(ctx, activeRequest(existing, model.CategoryPreferences))
	require.NoError(t, err)
	second, err := fx.core.Create(ctx, activeRequest(candidate, model.CategoryPreferences))
	require.NoError(t, err)

	before, err := fx.graph.EdgeCount(ctx)
	require.NoError(t, err)
	require.Greater(t, before, 0)

	_, err = fx.core.Archive(ctx, second.ID)
	require.NoError(t, err)

	after, err := fx.graph.EdgeCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, after)
}

func TestArchiveVoidsPendingConflicts(t *testing.T) {
	existing := "Tomasz Brandt prefers dark roast coffee every single morning."
	candidate := "Tomasz Brandt no longer prefers dark roast coffee every single morning."
	fx := newCoreFixture(t, &scriptedProvider{vecs: map[string][]float32{
		existing:  {1, 0, 0, 0},
		candidate: {0.8, 0.6, 0, 0},
	}}, nil)
	ctx := context.Background()

	first, err := fx.core.Create(ctx, activeRequest(existing, model.CategoryPreferences))
	require.NoError(t, err)
	second, err := fx.core.Create(ctx, activeRequest(candidate, model.CategoryPreferences))
	require.NoError(t, err)
	require.Len(t, second.ConflictIDs, 1)

	_, err = fx.core.Archive(ctx, first.ID)
	require.NoError(t, err)

	// A pending conflict must reference a reviewable memory; archiving the
	// existing side shelves it.
	row, err := fx.core.conflicts.Get(ctx, second.ConflictIDs[0])
	require.NoError(t, err)
	pc := model.ConflictFromRow(row)
	assert.Equal(t, model.ConflictShelved, pc.Status)
	require.NotNil(t, pc.ResolvedAt)

	events, err := fx.core.Events(ctx, first.ID, 10)
	require.NoError(t, err)
	assert.Contains(t, eventKinds(events), model.EventConflictResolved)
}

func TestArchiveCandidateSideVoidsPendingConflicts(t *testing.T) {
	existing := "Tomasz Brandt prefers dark roast coffee every single morning."
	candidate := "Tomasz Brandt no longer prefers dark roast coffee every single morning."
	fx := newCoreFixture(t, &scriptedProvider{vecs: map[string][]float32{
		existing:  {1, 0, 0, 0},
		candidate: {0.8, 0.6, 0, 0},
	}}, nil)
	ctx := context.Background()

	_, err := fx.core.Create(ctx, activeRequest(existing, model.CategoryPreferences))
	require.NoError(t, err)
	second, err := fx.core.Create(ctx, activeRequest(candidate, model.CategoryPreferences))
	require.NoError(t, err)
	require.Len(t, second.ConflictIDs, 1)

	_, err = fx.core.Archive(ctx, second.ID)
	require.NoError(t, err)

	row, err := fx.core.conflicts.Get(ctx, second.ConflictIDs[0])
	require.NoError(t, err)
	assert.Equal(t, model.ConflictShelved, model.ConflictFromRow(row).Status)
}

func TestArchiveIsIdempotent(t *testing.T) {
	fx := newTestCore(t)
	ctx := context.Background()

	res, err := fx.core.Create(ctx, activeRequest(
		"Beatriz Campos works as a structural engineer in Porto.",
		model.CategoryIdentity,
	))
	require.NoError(t, err)

	first, err := fx.core.Archive(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ActionDeleted, first.Action)
	assert.Equal(t, model.StatusArchived, first.Status)

	second, err := fx.core.Archive(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusArchived, second.Status)
	assert.Equal(t, first.Version, second.Version)

	events, err := fx.core.Events(ctx, res.ID, 20)
	require.NoError(t, err)
	archived := 0
	for _, ev := range events {
		if ev.Kind == model.EventArchived {
			archived++
		}
	}
	assert.Equal(t, 1, archived, "repeat archive must not journal again")
}

func TestRestoreReactivatesArchived(t *testing.T) {
	fx := newTestCore(t)
	ctx := context.Background()

	res, err := fx.core.Create(ctx, activeRequest(
		"Daniyar Seitkali prefers written briefs over long standing meetings.",
		model.CategoryPreferences,
	))
	require.NoError(t, err)

	_, err = fx.core.Archive(ctx, res.ID)
	require.NoError(t, err)

	restored, err := fx.core.Restore(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ActionRestored, restored.Action)
	assert.Equal(t, model.StatusActive, restored.Status)

	m, err := fx.core.Get(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, m.Status)

	// Restoring an active memory is a no-op with the same shape.
	again, err := fx.core.Restore(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, again.Status)

	events, err := fx.core.Events(ctx, res.ID, 20)
	require.NoError(t, err)
	restores := 0
	for _, ev := range events {
		if ev.Kind == model.EventRestored {
			restores++
		}
	}
	assert.Equal(t, 1, restores)
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	fx := newTestCore(t)
	_, err := fx.core.Get(context.Background(), uuid.NewString())
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestUpdateSnapshotsPriorVersions(t *testing.T) {
	fx := newTestCore(t)
	ctx := context.Background()

	orig := "Leena Virtanen maintains the deployment scripts for the data team."
	res, err := fx.core.Create(ctx, model.CreateRequest{
		Content: orig, Category: model.CategoryProjects, Level: model.LevelSemantic,
		SourceLLM: "claude", Confidence: 0.9, Importance: 0.4,
	})
	require.NoError(t, err)

	upd1 := "Leena Virtanen maintains the deployment and rollback scripts for the data team."
	updated, err := fx.core.Update(ctx, res.ID, upd1, "claude")
	require.NoError(t, err)
	assert.Equal(t, model.ActionUpdated, updated.Action)
	assert.Equal(t, 2, updated.Version)

	m, err := fx.core.Get(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, upd1, m.Content)
	assert.Equal(t, 2, m.Version)
	assert.InDelta(t, 0.6, m.ImportanceScore, 1e-9, "update raises importance to the floor")

	upd2 := "Leena Virtanen maintains the deployment, rollback, and alerting scripts."
	_, err = fx.core.Update(ctx, res.ID, upd2, "claude")
	require.NoError(t, err)

	versions, err := fx.core.Versions(ctx, res.ID)
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, 1, versions[0].Version)
	assert.Equal(t, orig, versions[0].Content)
	assert.Equal(t, 2, versions[1].Version)
	assert.Equal(t, upd1, versions[1].Content)
}

func TestUpdateRejectsInvalidContent(t *testing.T) {
	fx := newTestCore(t)
	ctx := context.Background()

	res, err := fx.core.Create(ctx, activeRequest(
		"Amara Diop is migrating the billing exports to the new ledger.",
		model.CategoryProjects,
	))
	require.NoError(t, err)

	_, err = fx.core.Update(ctx, res.ID, "I rewrote everything over the weekend.", "claude")
	require.Error(t, err)
	assert.True(t, IsValidation(err))

	m, err := fx.core.Get(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, m.Version, "rejected update must not touch the row")
}

func TestUpdateMissingReturnsNotFound(t *testing.T) {
	fx := newTestCore(t)
	_, err := fx.core.Update(context.Background(), uuid.NewString(),
		"Ulrike Brandt presented the cost model at the quarterly review.", "claude")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestSearchRanksMatchingContentFirst(t *testing.T) {
	fx := newTestCore(t)
	ctx := context.Background()

	target, err := fx.core.Create(ctx, activeRequest(
		"Noor Haddad rides a gravel bike through the coastal hills on weekends.",
		model.CategoryPreferences,
	))
	require.NoError(t, err)
	_, err = fx.core.Create(ctx, activeRequest(
		"Sergei Abramov collects vintage typewriters from flea markets.",
		model.CategoryPreferences,
	))
	require.NoError(t, err)

	hits, err := fx.core.Search(ctx, model.SearchRequest{
		Query: "Noor Haddad rides a gravel bike through the coastal hills on weekends.",
		Limit: 5,
	})
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, target.ID, hits[0].ID)
	assert.Greater(t, hits[0].Score, 0.0)
}

func TestSearchContextBoostReordersTies(t *testing.T) {
	tagged := "Imre Nagy blocks Tuesday mornings for deep work on the studio roadmap."
	other := "Imre Nagy reviews supplier invoices on Friday afternoons for the studio."
	query := "studio scheduling focus areas"
	fx := newCoreFixture(t, &scriptedProvider{vecs: map[string][]float32{
		tagged: {1, 0, 0, 0},
		other:  {0, 1, 0, 0},
		query:  {1, 1, 0, 0},
	}}, nil)
	ctx := context.Background()

	taggedRes, err := fx.core.Create(ctx, model.CreateRequest{
		Content: tagged, Category: model.CategoryProjects, Level: model.LevelSemantic,
		SourceLLM: "claude", Confidence: 0.9, Importance: 0.5,
		Tags: []string{"context:development"},
	})
	require.NoError(t, err)
	_, err = fx.core.Create(ctx, model.CreateRequest{
		Content: other, Category: model.CategoryProjects, Level: model.LevelSemantic,
		SourceLLM: "claude", Confidence: 0.9, Importance: 0.5,
	})
	require.NoError(t, err)

	hits, err := fx.core.Search(ctx, model.SearchRequest{Query: query, Limit: 2, Context: "development"})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, taggedRes.ID, hits[0].ID, "tagged memory wins the context boost")
	assert.Greater(t, hits[0].Score, hits[1].Score)
}

func TestSearchValidation(t *testing.T) {
	fx := newTestCore(t)
	ctx := context.Background()

	_, err := fx.core.Search(ctx, model.SearchRequest{Query: "   ", Limit: 5})
	require.Error(t, err)
	assert.True(t, IsValidation(err))
	assert.ErrorContains(t, err, "missing_query")

	hits, err := fx.core.Search(ctx, model.SearchRequest{Query: "anything at all", Limit: 0})
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestSearchBumpsReferenceCount(t *testing.T) {
	fx := newTestCore(t)
	ctx := context.Background()

	content := "Rosa Lindqvist works as a marine biologist in Tromsø."
	res, err := fx.core.Create(ctx, activeRequest(content, model.CategoryIdentity))
	require.NoError(t, err)

	_, err = fx.core.Search(ctx, model.SearchRequest{Query: content, Limit: 1})
	require.NoError(t, err)

	// The bump is queued behind the search; a synchronous no-op op flushes it.
	fx.flushQueue(t)

	m, err := fx.core.Get(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, m.ReferenceCount)
	assert.WithinDuration(t, time.Now().UTC(), m.LastReferencedAt, time.Minute)
}

func TestListFiltersAndPages(t *testing.T) {
	fx := newTestCore(t)
	ctx := context.Background()

	l1, err := fx.core.Create(ctx, activeRequest(
		"Beatriz Campos works as a structural engineer in Porto.",
		model.CategoryIdentity,
	))
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	l2, err := fx.core.Create(ctx, activeRequest(
		"Daniyar Seitkali prefers written briefs over long standing meetings.",
		model.CategoryPreferences,
	))
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	l3, err := fx.core.Create(ctx, activeRequest(
		"Helga Jonsdottir is rebuilding the greenhouse irrigation controller.",
		model.CategoryProjects,
	))
	require.NoError(t, err)

	views, total, err := fx.core.List(ctx, model.ListFilter{})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, views, 3)
	assert.Equal(t, l3.ID, views[0].ID, "newest first")

	_, err = fx.core.Archive(ctx, l2.ID)
	require.NoError(t, err)

	_, total, err = fx.core.List(ctx, model.ListFilter{})
	require.NoError(t, err)
	assert.Equal(t, 2, total, "archived rows drop out by default")

	_, total, err = fx.core.List(ctx, model.ListFilter{IncludeArchived: true})
	require.NoError(t, err)
	assert.Equal(t, 3, total)

	views, total, err = fx.core.List(ctx, model.ListFilter{Status: string(model.StatusArchived)})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, views, 1)
	assert.Equal(t, l2.ID, views[0].ID)

	views, total, err = fx.core.List(ctx, model.ListFilter{Category: string(model.CategoryIdentity)})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, views, 1)
	assert.Equal(t, l1.ID, views[0].ID)

	views, total, err = fx.core.List(ctx, model.ListFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, views, 1)
	assert.Equal(t, l1.ID, views[0].ID, "offset lands on the older active row")
}

func TestFeedbackBumpsImportanceAndReferences(t *testing.T) {
	fx := newTestCore(t)
	ctx := context.Background()

	res, err := fx.core.Create(ctx, model.CreateRequest{
		Content: "Noor Haddad rides a gravel bike through the coastal hills on weekends.",
		Category: model.CategoryPreferences, Level: model.LevelSemantic,
		SourceLLM: "claude", Confidence: 0.9, Importance: 0.5,
	})
	require.NoError(t, err)

	updated, err := fx.core.Feedback(ctx, "", []string{res.ID, uuid.NewString()})
	require.NoError(t, err)
	assert.Equal(t, 1, updated, "unknown ids are skipped, not fatal")

	m, err := fx.core.Get(ctx, res.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.55, m.ImportanceScore, 1e-9)
	assert.Equal(t, 1, m.ReferenceCount)
}

func TestFeedbackCapsImportanceAtOne(t *testing.T) {
	fx := newTestCore(t)
	ctx := context.Background()

	res, err := fx.core.Create(ctx, model.CreateRequest{
		Content: "Sergei Abramov collects vintage typewriters from flea markets.",
		Category: model.CategoryPreferences, Level: model.LevelSemantic,
		SourceLLM: "claude", Confidence: 0.9, Importance: 0.98,
	})
	require.NoError(t, err)

	_, err = fx.core.Feedback(ctx, "", []string{res.ID})
	require.NoError(t, err)

	m, err := fx.core.Get(ctx, res.ID)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, m.ImportanceScore, 1e-9)
}

func TestSessionActivityFlows(t *testing.T) {
	rec := &fakeRecorder{}
	fx := newCoreFixture(t, nil, rec)
	ctx := context.Background()

	content := "Rosa Lindqvist works as a marine biologist in Tromsø."
	res, err := fx.core.Create(ctx, model.CreateRequest{
		Content: content, Category: model.CategoryIdentity, Level: model.LevelSemantic,
		SourceLLM: "claude", Confidence: 0.9, SessionID: "sess_w",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"sess_w:" + res.ID}, rec.writes)

	_, err = fx.core.Search(ctx, model.SearchRequest{Query: content, Limit: 1, SessionID: "sess_r"})
	require.NoError(t, err)
	assert.Equal(t, []string{"sess_r:" + res.ID}, rec.reads)

	_, err = fx.core.Feedback(ctx, "sess_f", []string{res.ID})
	require.NoError(t, err)
	assert.Equal(t, []string{"sess_f:" + res.ID}, rec.feedback)
	assert.Equal(t, []string{"sess_f:feedback_called"}, rec.ended)
}

func TestEventsNewestFirstWithLimit(t *testing.T) {
	fx := newTestCore(t)
	ctx := context.Background()

	res, err := fx.core.Create(ctx, activeRequest(
		"Amara Diop is migrating the billing exports to the new ledger.",
		model.CategoryProjects,
	))
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	_, err = fx.core.Update(ctx, res.ID,
		"Amara Diop finished migrating the billing exports to the new ledger.", "claude")
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	_, err = fx.core.Archive(ctx, res.ID)
	require.NoError(t, err)

	events, err := fx.core.Events(ctx, res.ID, 2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, model.EventArchived, events[0].Kind)
	assert.Equal(t, model.EventUpdated, events[1].Kind)

	all, err := fx.core.Events(ctx, res.ID, 10)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, model.EventCreated, all[2].Kind)
}

func TestSnapshotEmptyStore(t *testing.T) {
	fx := newTestCore(t)

	doc, err := fx.core.Snapshot(context.Background(), "")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(doc, "# Memory Snapshot"))
	assert.Contains(t, doc, "_No memories recorded yet._")
}

func TestSnapshotSectionsFollowContextOrder(t *testing.T) {
	fx := newTestCore(t)
	ctx := context.Background()

	_, err := fx.core.Create(ctx, activeRequest(
		"Rosa Lindqvist works as a marine biologist in Tromsø.",
		model.CategoryIdentity,
	))
	require.NoError(t, err)
	_, err = fx.core.Create(ctx, activeRequest(
		"Daniyar Seitkali prefers written briefs over long standing meetings.",
		model.CategoryPreferences,
	))
	require.NoError(t, err)
	_, err = fx.core.Create(ctx, activeRequest(
		"Helga Jonsdottir is rebuilding the greenhouse irrigation controller.",
		model.CategoryProjects,
	))
	require.NoError(t, err)
	_, err = fx.core.Create(ctx, model.CreateRequest{
		Content: "Amara Diop is checking the failing export job right now.",
		Category: model.CategoryWorking, Level: model.LevelWorking,
		SourceLLM: "claude", Confidence: 0.9,
	})
	require.NoError(t, err)

	doc, err := fx.core.Snapshot(ctx, "")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(doc, "# Memory Snapshot"))
	assert.Contains(t, doc, "## Identity")
	assert.Contains(t, doc, "Rosa Lindqvist")
	assert.Contains(t, doc, "## Recent Context (last 72h)")
	assert.Contains(t, doc, "Amara Diop is checking the failing export job right now.")
	assert.Less(t,
		strings.Index(doc, "## Identity"),
		strings.Index(doc, "## Preferences & Working Style"),
		"identity leads in the default order")
	assert.Less(t,
		strings.Index(doc, "## Preferences & Working Style"),
		strings.Index(doc, "## Active Projects"))

	dev, err := fx.core.Snapshot(ctx, "development")
	require.NoError(t, err)
	assert.Less(t,
		strings.Index(dev, "## Active Projects"),
		strings.Index(dev, "## Preferences & Working Style"),
		"development context promotes projects")
}

func TestDecaySweepDecaysStaleMemories(t *testing.T) {
	fx := newTestCore(t)
	ctx := context.Background()

	res, err := fx.core.Create(ctx, model.CreateRequest{
		Content: "Ulrike Brandt presented the cost model at the quarterly review.",
		Category: model.CategoryHistory, Level: model.LevelEpisodic,
		SourceLLM: "claude", Confidence: 0.9, Importance: 0.8,
	})
	require.NoError(t, err)
	backdateLastReference(t, fx.core, res.ID, 30*24*time.Hour)

	stats, err := fx.core.RunDecaySweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Scanned)
	assert.Equal(t, 1, stats.Decayed)
	assert.Equal(t, 0, stats.Expired)
	assert.Equal(t, 0, stats.Archived)

	m, err := fx.core.Get(ctx, res.ID)
	require.NoError(t, err)
	// 0.8 * exp(-0.05 * 30)
	assert.InDelta(t, 0.1785, m.ImportanceScore, 0.01)
	assert.Equal(t, model.StatusActive, m.Status)
}

func TestDecaySweepArchivesExpired(t *testing.T) {
	fx := newTestCore(t)
	ctx := context.Background()

	res, err := fx.core.Create(ctx, model.CreateRequest{
		Content: "Viktor Elo needs the venue booked before the gala event.",
		Category: model.CategoryWorking, Level: model.LevelWorking,
		SourceLLM: "claude", Confidence: 0.9,
	})
	require.NoError(t, err)

	past := time.Now().UTC().Add(-time.Hour)
	_, err = fx.core.memories.Update(ctx, idPredicate(res.ID), store.Row{"expires_at": past})
	require.NoError(t, err)

	stats, err := fx.core.RunDecaySweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Expired)

	m, err := fx.core.Get(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusArchived, m.Status)

	events, err := fx.core.Events(ctx, res.ID, 10)
	require.NoError(t, err)
	assert.Contains(t, eventKinds(events), model.EventArchived)
}

func TestDecaySweepArchivesDecayedWorkingMemory(t *testing.T) {
	fx := newTestCore(t)
	ctx := context.Background()

	res, err := fx.core.Create(ctx, model.CreateRequest{
		Content: "Viktor Elo is comparing caterers for the spring gala.",
		Category: model.CategoryWorking, Level: model.LevelWorking,
		SourceLLM: "claude", Confidence: 0.9, Importance: 0.5,
	})
	require.NoError(t, err)
	backdateLastReference(t, fx.core, res.ID, 30*24*time.Hour)
	// Push the volatile expiry out so the decay path, not expiry, archives it.
	farFuture := time.Now().UTC().Add(365 * 24 * time.Hour)
	_, err = fx.core.memories.Update(ctx, idPredicate(res.ID), store.Row{"expires_at": farFuture})
	require.NoError(t, err)

	stats, err := fx.core.RunDecaySweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Archived)
	assert.Equal(t, 0, stats.Expired)

	m, err := fx.core.Get(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusArchived, m.Status)
}

func TestDecaySweepArchivesSubFloorWorkingMemoryImmediately(t *testing.T) {
	fx := newTestCore(t)
	ctx := context.Background()

	// Importance starts below the working archive floor and no time has
	// elapsed, so the decay target equals the current score. The sweep must
	// still archive it rather than skip it as no-progress.
	res, err := fx.core.Create(ctx, model.CreateRequest{
		Content: "Viktor Elo still needs to confirm the florist for tonight.",
		Category: model.CategoryWorking, Level: model.LevelWorking,
		SourceLLM: "claude", Confidence: 0.9, Importance: 0.03,
	})
	require.NoError(t, err)

	stats, err := fx.core.RunDecaySweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Archived)
	assert.Equal(t, 0, stats.Expired)
	assert.Equal(t, 0, stats.Decayed)

	m, err := fx.core.Get(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusArchived, m.Status)
}

func TestDecaySweepHoldsSemanticFloor(t *testing.T) {
	fx := newTestCore(t)
	ctx := context.Background()

	res, err := fx.core.Create(ctx, model.CreateRequest{
		Content: "Anneli Virtanen prefers espresso over filter coffee.",
		Category: model.CategoryPreferences, Level: model.LevelSemantic,
		SourceLLM: "claude", Confidence: 0.9, Importance: 0.12,
	})
	require.NoError(t, err)
	backdateLastReference(t, fx.core, res.ID, 10*365*24*time.Hour)

	stats, err := fx.core.RunDecaySweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Decayed)

	m, err := fx.core.Get(ctx, res.ID)
	require.NoError(t, err)
	assert.InDelta(t, semanticFloor, m.ImportanceScore, 1e-6)
	assert.Equal(t, model.StatusActive, m.Status, "semantic memories never decay out")
}

func TestContentHashIsCaseInsensitive(t *testing.T) {
	assert.Equal(t, ContentHash("Same Text"), ContentHash("same text"))
	assert.NotEqual(t, ContentHash("same text"), ContentHash("other text"))
}

func TestIsFirstPerson(t *testing.T) {
	cases := []struct {
		content string
		want    bool
	}{
		{"I prefer tea in the morning.", true},
		{"I'm planning a trip to Lisbon.", true},
		{"The schedule works for me today.", true},
		{"The user prefers tea in the morning.", false},
		{"Milo said the fix landed upstream.", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, IsFirstPerson(tc.content), tc.content)
	}
}

func TestHasContextTag(t *testing.T) {
	assert.True(t, hasContextTag([]string{"context:development"}, "development"))
	assert.True(t, hasContextTag([]string{"development"}, "development"))
	assert.False(t, hasContextTag([]string{"context:personal"}, "development"))
	assert.False(t, hasContextTag(nil, "development"))
}

func eventKinds(events []*model.MemoryEvent) []model.EventKind {
	kinds := make([]model.EventKind, 0, len(events))
	for _, ev := range events {
		kinds = append(kinds, ev.Kind)
	}
	return kinds
}

func backdateLastReference(t *testing.T, c *Core, id string, age time.Duration) {
	t.Helper()
	past := time.Now().UTC().Add(-age)
	_, err := c.memories.Update(context.Background(), idPredicate(id), store.Row{"last_referenced_at": past})
	require.NoError(t, err)
}
