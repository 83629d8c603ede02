// Package mining turns imported transcripts into memory candidates and
// promotes the strong ones into pending-review memories. A run selects
// conversations worth analyzing, extracts facts per conversation (LLM when
// one is reachable, regex heuristics otherwise), normalizes and condenses
// them, accumulates evidence in the candidate store, and finally promotes
// the top scorers through the memory core. Runs are single-flight per
// process; the analysis index keeps unchanged transcripts from being
// re-mined.
package mining

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/semaphore"

	"github.com/mnesis-ai/mnesis/internal/candidates"
	"github.com/mnesis-ai/mnesis/internal/conversations"
	"github.com/mnesis-ai/mnesis/internal/memory"
	"github.com/mnesis-ai/mnesis/internal/model"
	"github.com/mnesis-ai/mnesis/internal/provider"
	"github.com/mnesis-ai/mnesis/internal/store"
	"github.com/mnesis-ai/mnesis/internal/telemetry"
	"github.com/mnesis-ai/mnesis/internal/writequeue"
)

// ErrBusy reports that another run holds the single-flight lock and the
// caller declined to wait.
var ErrBusy = errors.New("mining: analysis already running")

const (
	defaultMaxConversations = 10
	defaultMaxMessages      = 40
	defaultMaxCandidates    = 6
	defaultMaxNewMemories   = 12
	defaultMinConfidence    = 0.55
	defaultConcurrency      = 2
	maxConcurrency          = 4

	// DefaultPromotionMinScore is the promotion gate when the caller and
	// config are silent.
	DefaultPromotionMinScore = 0.72

	// scanMultiplier bounds how far past the budget selection scans for
	// analyzable conversations.
	scanMultiplier = 80

	// minMessageLen drops trivial turns ("ok", "thanks") before scoring.
	minMessageLen = 12

	// analysisTagPrefix namespaces the marker tags a run leaves on each
	// analyzed conversation; a re-run replaces the whole namespace.
	analysisTagPrefix = "auto:conversation-analysis"

	excerptMaxLen = 200
)

// Config carries the run defaults wired from the service configuration.
// Zero fields fall back to the package defaults.
type Config struct {
	MaxConversations  int
	MaxMessagesPer    int
	MaxCandidatesPer  int
	MaxNewMemories    int
	MinConfidence     float64
	Concurrency       int
	PromotionMinScore float64
	SemanticThreshold float64
	IncludeAssistant  bool
	DefaultProvider   string
	Provider          provider.Config
}

// Miner owns the analysis_index table and coordinates one mining run at a
// time across selection, extraction, candidate upserts, and promotion.
type Miner struct {
	conversations *conversations.Store
	candidates    *candidates.Store
	core          *memory.Core
	index         *store.Table
	queue         *writequeue.Queue
	cfg           Config
	logger        *slog.Logger

	runDuration metric.Float64Histogram

	mu      sync.Mutex
	running atomic.Bool

	lastMu     sync.Mutex
	lastReport *model.MiningReport
}

// New ensures the analysis_index table exists and returns a ready miner.
func New(ctx context.Context, st *store.Store, queue *writequeue.Queue, convs *conversations.Store, cands *candidates.Store, core *memory.Core, cfg Config, logger *slog.Logger) (*Miner, error) {
	index, err := st.CreateTable(ctx, "analysis_index", model.AnalysisIndexSchema())
	if err != nil {
		return nil, fmt.Errorf("mining: ensure analysis_index table: %w", err)
	}
	meter := telemetry.Meter("mnesis/mining")
	runDur, _ := meter.Float64Histogram("mnesis.mining.run.duration",
		metric.WithDescription("Time to complete one analysis pass (ms)"),
		metric.WithUnit("ms"),
	)
	return &Miner{
		conversations: convs,
		candidates:    cands,
		core:          core,
		index:         index,
		queue:         queue,
		cfg:           cfg,
		logger:        logger,
		runDuration:   runDur,
	}, nil
}

// Mine runs one analysis pass. Concurrent calls either wait for the running
// pass to finish (WaitIfBusy) or fail fast with ErrBusy. When an LLM pass
// writes nothing but rejected extractions, the run repeats once with the
// heuristic extractor and adopts that result if it did better.
func (m *Miner) Mine(ctx context.Context, params model.MineParams) (*model.MiningReport, error) {
	if !m.mu.TryLock() {
		if !params.WaitIfBusy {
			return nil, ErrBusy
		}
		m.mu.Lock()
	}
	defer m.mu.Unlock()
	m.running.Store(true)
	defer m.running.Store(false)

	params = m.fill(params)
	report, err := m.run(ctx, params)
	if err != nil {
		return nil, err
	}
	if !params.DryRun && shouldFallback(report) {
		m.logger.Info("mining: llm pass wrote nothing, retrying with heuristics",
			"provider", report.Provider,
			"rejected", report.WriteStats.Rejected,
			"generic_filtered", report.GenericFiltered)
		retry := params
		retry.Provider = "heuristic"
		retry.ForceReanalyze = true
		second, serr := m.run(ctx, retry)
		if serr != nil {
			m.logger.Warn("mining: heuristic fallback failed", "error", serr)
			return m.remember(report), nil
		}
		if second.WriteStats.Created > report.WriteStats.Created {
			return m.remember(second), nil
		}
	}
	return m.remember(report), nil
}

// Status reports whether a pass is in flight and the last completed report.
// The report is nil until the first run of this process finishes.
func (m *Miner) Status() (bool, *model.MiningReport) {
	m.lastMu.Lock()
	defer m.lastMu.Unlock()
	return m.running.Load(), m.lastReport
}

func (m *Miner) remember(r *model.MiningReport) *model.MiningReport {
	m.lastMu.Lock()
	m.lastReport = r
	m.lastMu.Unlock()
	return r
}

// shouldFallback is true when an LLM pass produced only rejections.
func shouldFallback(r *model.MiningReport) bool {
	if r.Provider == "heuristic" {
		return false
	}
	if r.WriteStats.Created > 0 || r.WriteStats.Merged > 0 {
		return false
	}
	return r.WriteStats.Rejected > 0 || r.GenericFiltered > 0
}

// fill resolves the effective parameters from the call, the config, and the
// package defaults, in that order.
func (m *Miner) fill(p model.MineParams) model.MineParams {
	pick := func(v, cfg, def int) int {
		if v > 0 {
			return v
		}
		if cfg > 0 {
			return cfg
		}
		return def
	}
	pickF := func(v, cfg, def float64) float64 {
		if v > 0 {
			return v
		}
		if cfg > 0 {
			return cfg
		}
		return def
	}
	p.MaxConversations = pick(p.MaxConversations, m.cfg.MaxConversations, defaultMaxConversations)
	p.MaxMessagesPer = pick(p.MaxMessagesPer, m.cfg.MaxMessagesPer, defaultMaxMessages)
	p.MaxCandidatesPer = pick(p.MaxCandidatesPer, m.cfg.MaxCandidatesPer, defaultMaxCandidates)
	p.MaxNewMemories = pick(p.MaxNewMemories, m.cfg.MaxNewMemories, defaultMaxNewMemories)
	p.MinConfidence = pickF(p.MinConfidence, m.cfg.MinConfidence, defaultMinConfidence)
	p.Concurrency = pick(p.Concurrency, m.cfg.Concurrency, defaultConcurrency)
	if p.Concurrency > maxConcurrency {
		p.Concurrency = maxConcurrency
	}
	p.PromotionMinScore = pickF(p.PromotionMinScore, m.cfg.PromotionMinScore, DefaultPromotionMinScore)
	if p.Provider == "" {
		p.Provider = m.cfg.DefaultProvider
	}
	if !p.IncludeAssistant {
		p.IncludeAssistant = m.cfg.IncludeAssistant
	}
	return p
}

func (m *Miner) semanticThreshold() float64 {
	if m.cfg.SemanticThreshold > 0 {
		return m.cfg.SemanticThreshold
	}
	return candidates.DefaultSemanticThreshold
}

// miningContext pairs a conversation with its hydrated, filtered messages.
type miningContext struct {
	conv     *model.Conversation
	messages []*model.Message
	signal   float64
}

// convResult is what one extraction goroutine hands back to the run loop.
type convResult struct {
	mc       *miningContext
	inputs   []candidates.Input
	filtered int
	err      error
}

func (m *Miner) run(ctx context.Context, p model.MineParams) (*model.MiningReport, error) {
	start := time.Now().UTC()
	prov := m.resolveProvider(ctx, p.Provider)
	report := &model.MiningReport{
		Status:    "completed",
		Provider:  prov.Name(),
		DryRun:    p.DryRun,
		StartedAt: start,
	}
	defer func() {
		report.DurationMS = time.Since(start).Milliseconds()
		m.runDuration.Record(ctx, float64(report.DurationMS),
			metric.WithAttributes(attribute.String("provider", prov.Name())))
	}()

	contexts, scanned, skipped, err := m.selectContexts(ctx, p, prov.Name())
	if err != nil {
		return nil, err
	}
	report.Scanned = scanned
	report.SkippedByIndex = skipped
	if len(contexts) == 0 {
		return report, nil
	}

	results := m.extractAll(ctx, prov, p, contexts)
	for _, r := range results {
		if r.err == nil {
			report.Analyzed++
		}
		report.CandidatesTotal += len(r.inputs)
		report.GenericFiltered += r.filtered
	}

	if p.DryRun {
		report.Preview = buildPreview(results, p.PromotionMinScore)
		return report, nil
	}

	touched := m.persist(ctx, prov.Name(), results, report)
	createdByConv, hasMemoryConv := m.promote(ctx, p, prov.Name(), touched, contexts, report)
	m.finalizeConversations(ctx, prov.Name(), results, createdByConv, hasMemoryConv)

	m.logger.Info("mining run finished",
		"provider", report.Provider,
		"scanned", report.Scanned,
		"skipped_by_index", report.SkippedByIndex,
		"analyzed", report.Analyzed,
		"candidates", report.CandidatesTotal,
		"created", report.WriteStats.Created,
		"duration_ms", time.Since(start).Milliseconds())
	return report, nil
}

// resolveProvider builds the requested provider, falling back to heuristics
// when it is unreachable. An empty or "auto" id probes the configured
// providers in order.
func (m *Miner) resolveProvider(ctx context.Context, id string) provider.Provider {
	if id == "" || id == "auto" {
		return provider.Detect(ctx, m.cfg.Provider)
	}
	p, err := provider.New(id, m.cfg.Provider)
	if err != nil {
		m.logger.Warn("mining: unknown provider, using heuristics", "provider", id)
		return provider.Heuristic{}
	}
	if p.Name() != "heuristic" {
		if aerr := p.Available(ctx); aerr != nil {
			m.logger.Warn("mining: provider unavailable, using heuristics", "provider", id, "error", aerr)
			return provider.Heuristic{}
		}
	}
	return p
}

// selectContexts scans recent conversations, skips the ones the analysis
// index marks fresh, hydrates and scores the rest, and keeps the top
// MaxConversations by signal. Conversations with no user signal are indexed
// as analyzed-with-nothing so they do not rescan forever.
func (m *Miner) selectContexts(ctx context.Context, p model.MineParams, providerName string) ([]*miningContext, int, int, error) {
	var convs []*model.Conversation
	if len(p.ConversationIDs) > 0 {
		for _, id := range p.ConversationIDs {
			conv, err := m.conversations.Get(ctx, id)
			if err != nil {
				m.logger.Warn("mining: requested conversation missing", "conversation_id", id)
				continue
			}
			if conv.Status == model.ConversationDeleted {
				continue
			}
			convs = append(convs, conv)
		}
	} else {
		var err error
		convs, _, err = m.conversations.List(ctx, p.SourceLLM, scanMultiplier*p.MaxConversations, 0)
		if err != nil {
			return nil, 0, 0, fmt.Errorf("mining: scan conversations: %w", err)
		}
	}

	skipped := 0
	var contexts []*miningContext
	for _, conv := range convs {
		if !p.ForceReanalyze && m.indexFresh(ctx, conv) {
			skipped++
			continue
		}
		msgs, err := m.conversations.Messages(ctx, conv.ID, 0)
		if err != nil {
			m.logger.Warn("mining: hydrate failed", "conversation_id", conv.ID, "error", err)
			continue
		}
		filtered := filterMessages(msgs, p.IncludeAssistant, p.MaxMessagesPer)
		mc := &miningContext{conv: conv, messages: filtered, signal: signalScore(filtered)}
		if mc.signal <= 0 {
			if !p.DryRun {
				m.writeIndex(ctx, mc, providerName, model.AnalysisNone)
			}
			continue
		}
		contexts = append(contexts, mc)
	}

	sort.SliceStable(contexts, func(i, j int) bool {
		if contexts[i].signal != contexts[j].signal {
			return contexts[i].signal > contexts[j].signal
		}
		return contexts[i].conv.StartedAt.After(contexts[j].conv.StartedAt)
	})
	if len(contexts) > p.MaxConversations {
		contexts = contexts[:p.MaxConversations]
	}
	return contexts, len(convs), skipped, nil
}

// indexFresh reports whether the stored index row proves the conversation is
// unchanged since its last analysis.
func (m *Miner) indexFresh(ctx context.Context, conv *model.Conversation) bool {
	row, err := m.index.Get(ctx, conv.ID)
	if err != nil {
		return false
	}
	idx := model.AnalysisIndexFromRow(row)
	if idx.ConversationHash != conv.RawFileHash {
		return false
	}
	if idx.MessageCount < conv.MessageCount {
		return false
	}
	return idx.LastResult == model.AnalysisHasMemory || idx.LastResult == model.AnalysisNone
}

// filterMessages keeps the analyzable turns: user-authored (plus assistant
// when requested) and long enough to carry a fact. When the transcript is
// over budget the most recent turns win.
func filterMessages(msgs []*model.Message, includeAssistant bool, maxMessages int) []*model.Message {
	var kept []*model.Message
	for _, msg := range msgs {
		if msg.Role != model.RoleUser && !(includeAssistant && msg.Role == model.RoleAssistant) {
			continue
		}
		if len(strings.TrimSpace(msg.Content)) < minMessageLen {
			continue
		}
		kept = append(kept, msg)
	}
	if maxMessages > 0 && len(kept) > maxMessages {
		kept = kept[len(kept)-maxMessages:]
	}
	return kept
}

// extractAll fans extraction out over a bounded semaphore and waits for
// every conversation to finish.
func (m *Miner) extractAll(ctx context.Context, prov provider.Provider, p model.MineParams, contexts []*miningContext) []convResult {
	sem := semaphore.NewWeighted(int64(p.Concurrency))
	results := make([]convResult, len(contexts))
	var wg sync.WaitGroup
	for i, mc := range contexts {
		wg.Add(1)
		go func(i int, mc *miningContext) {
			defer wg.Done()
			if err := sem.Acquire(ctx, 1); err != nil {
				results[i] = convResult{mc: mc, err: err}
				return
			}
			defer sem.Release(1)
			results[i] = m.analyzeOne(ctx, prov, p, mc)
		}(i, mc)
	}
	wg.Wait()
	return results
}

// analyzeOne extracts, normalizes, and condenses the candidates of a single
// conversation.
func (m *Miner) analyzeOne(ctx context.Context, prov provider.Provider, p model.MineParams, mc *miningContext) convResult {
	res := convResult{mc: mc}
	raws := m.extract(ctx, prov, p, mc)
	if len(raws) > p.MaxCandidatesPer {
		raws = raws[:p.MaxCandidatesPer]
	}

	var inputs []candidates.Input
	for _, raw := range raws {
		normalized, filtered := normalizeExtraction(raw, mc, p.MinConfidence)
		inputs = append(inputs, normalized...)
		res.filtered += filtered
	}
	res.inputs = condense(inputs)
	return res
}

// persist upserts every conversation's surviving candidates and returns the
// touched candidate ids in first-seen order.
func (m *Miner) persist(ctx context.Context, providerName string, results []convResult, report *model.MiningReport) []string {
	seen := make(map[string]struct{})
	var touched []string
	for _, res := range results {
		if res.err != nil || len(res.inputs) == 0 {
			continue
		}
		stats, err := m.candidates.Upsert(ctx, res.inputs, providerName, m.semanticThreshold())
		if err != nil {
			m.logger.Warn("mining: candidate upsert failed", "conversation_id", res.mc.conv.ID, "error", err)
			report.WriteStats.Errors++
			continue
		}
		report.GenericFiltered += stats.GenericFiltered
		for _, id := range stats.Touched {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			touched = append(touched, id)
		}
	}
	return touched
}

// promote creates pending-review memories for the strongest candidates and
// records each outcome back on the candidate row. It returns the new memory
// ids per conversation and the set of conversations that yielded a memory.
func (m *Miner) promote(ctx context.Context, p model.MineParams, providerName string, touched []string, contexts []*miningContext, report *model.MiningReport) (map[string][]string, map[string]bool) {
	createdByConv := make(map[string][]string)
	hasMemoryConv := make(map[string]bool)
	if len(touched) == 0 {
		return createdByConv, hasMemoryConv
	}

	cands, err := m.candidates.ByIDs(ctx, touched)
	if err != nil {
		m.logger.Warn("mining: load touched candidates failed", "error", err)
		report.WriteStats.Errors++
		return createdByConv, hasMemoryConv
	}
	sort.SliceStable(cands, func(i, j int) bool {
		return cands[i].PromotionScore > cands[j].PromotionScore
	})

	byConv := make(map[string]*miningContext, len(contexts))
	for _, mc := range contexts {
		byConv[mc.conv.ID] = mc
	}

	promotedCount := 0
	for _, cand := range cands {
		if promotedCount >= p.MaxNewMemories {
			break
		}
		if cand.Status != model.CandidatePending {
			continue
		}
		if !promotable(cand, p.PromotionMinScore) {
			continue
		}
		promotedCount++

		wr, cerr := m.core.Create(ctx, m.createRequest(cand, providerName, byConv))
		switch {
		case cerr != nil && memory.IsValidation(cerr):
			report.WriteStats.Rejected++
			m.setOutcome(ctx, cand.ID, model.CandidateRejected, "")
		case cerr != nil:
			// Transient store failure: the candidate stays pending and the
			// next run retries it.
			report.WriteStats.Errors++
			m.logger.Warn("mining: promotion failed", "candidate_id", cand.ID, "error", cerr)
		default:
			m.tallyPromotion(ctx, cand, wr, report, createdByConv, hasMemoryConv)
		}
	}
	return createdByConv, hasMemoryConv
}

// tallyPromotion folds one write result into the report, the candidate
// outcome, and the per-conversation linking maps.
func (m *Miner) tallyPromotion(ctx context.Context, cand *model.Candidate, wr *model.WriteResult, report *model.MiningReport, createdByConv map[string][]string, hasMemoryConv map[string]bool) {
	markConvs := func(created bool) {
		for _, cid := range cand.ConversationIDs {
			hasMemoryConv[cid] = true
			if created {
				createdByConv[cid] = append(createdByConv[cid], wr.ID)
			}
		}
	}
	switch wr.Action {
	case model.ActionCreated:
		report.WriteStats.Created++
		report.WriteStats.PendingReview++
		m.setOutcome(ctx, cand.ID, model.CandidatePromoted, wr.ID)
		markConvs(true)
	case model.ActionCreatedWithConflict:
		report.WriteStats.Created++
		report.WriteStats.PendingReview++
		report.WriteStats.Conflicts += len(wr.ConflictIDs)
		m.setOutcome(ctx, cand.ID, model.CandidateConflictPending, wr.ID)
		markConvs(true)
	case model.ActionMerged:
		report.WriteStats.Merged++
		m.setOutcome(ctx, cand.ID, model.CandidateMerged, wr.ID)
		markConvs(false)
	case model.ActionSkipped:
		report.WriteStats.Skipped++
		m.setOutcome(ctx, cand.ID, model.CandidateMerged, wr.ID)
		markConvs(false)
	}
}

// promotable applies the score gate: strong score, or very high confidence
// with a score close enough to the gate.
func promotable(cand *model.Candidate, minScore float64) bool {
	if cand.EvidenceCount < 1 || len(cand.ConversationIDs) < 1 {
		return false
	}
	if cand.PromotionScore >= minScore {
		return true
	}
	return cand.Confidence >= 0.93 && cand.PromotionScore >= 0.9*minScore
}

func (m *Miner) createRequest(cand *model.Candidate, providerName string, byConv map[string]*miningContext) model.CreateRequest {
	req := model.CreateRequest{
		Content:      cand.Content,
		Category:     cand.Category,
		Level:        cand.Level,
		Confidence:   cand.Confidence,
		SourceLLM:    "miner:" + providerName,
		ForcedStatus: model.StatusPendingReview,
	}
	reason := fmt.Sprintf("Mined by %s from %d conversation(s); evidence %d, promotion score %.2f.",
		providerName, len(cand.ConversationIDs), cand.EvidenceCount, cand.PromotionScore)
	req.SuggestionReason = &reason

	if len(cand.ConversationIDs) > 0 {
		convID := cand.ConversationIDs[0]
		req.SourceConversationID = &convID
		if mc, ok := byConv[convID]; ok {
			req.SourceLLM = "miner:" + providerName + ":" + mc.conv.SourceLLM
		}
	}
	if len(cand.SourceMessageIDs) > 0 {
		msgID := cand.SourceMessageIDs[0]
		req.SourceMessageID = &msgID
		if msg := findMessage(byConv, cand.ConversationIDs, msgID); msg != nil {
			excerpt := msg.Content
			if len(excerpt) > excerptMaxLen {
				excerpt = excerpt[:excerptMaxLen]
			}
			req.SourceExcerpt = &excerpt
		}
	}
	return req
}

func findMessage(byConv map[string]*miningContext, convIDs []string, msgID string) *model.Message {
	for _, cid := range convIDs {
		mc, ok := byConv[cid]
		if !ok {
			continue
		}
		for _, msg := range mc.messages {
			if msg.ID == msgID {
				return msg
			}
		}
	}
	return nil
}

// finalizeConversations links new memory ids back, replaces the analysis
// marker tags, and refreshes the index row for every analyzed conversation.
func (m *Miner) finalizeConversations(ctx context.Context, providerName string, results []convResult, createdByConv map[string][]string, hasMemoryConv map[string]bool) {
	for _, res := range results {
		conv := res.mc.conv
		result := model.AnalysisNone
		switch {
		case res.err != nil:
			result = model.AnalysisError
		case hasMemoryConv[conv.ID]:
			result = model.AnalysisHasMemory
		}

		if ids := createdByConv[conv.ID]; len(ids) > 0 {
			if err := m.conversations.AppendMemoryIDs(ctx, conv.ID, ids); err != nil {
				m.logger.Warn("mining: link memory ids failed", "conversation_id", conv.ID, "error", err)
			}
		}
		tags := []string{
			analysisTagPrefix,
			analysisTagPrefix + ":provider:" + providerName,
			fmt.Sprintf("%s:msgcount:%d", analysisTagPrefix, len(res.mc.messages)),
			analysisTagPrefix + ":result:" + string(result),
		}
		if err := m.conversations.Tag(ctx, conv.ID, tags, analysisTagPrefix); err != nil {
			m.logger.Warn("mining: tag failed", "conversation_id", conv.ID, "error", err)
		}
		m.writeIndex(ctx, res.mc, providerName, result)
	}
	// Memories may link to conversations seen in earlier runs; those rows
	// still get the id appended even though they were not re-analyzed.
	analyzed := make(map[string]bool, len(results))
	for _, res := range results {
		analyzed[res.mc.conv.ID] = true
	}
	for convID, ids := range createdByConv {
		if analyzed[convID] {
			continue
		}
		if err := m.conversations.AppendMemoryIDs(ctx, convID, ids); err != nil {
			m.logger.Warn("mining: link memory ids failed", "conversation_id", convID, "error", err)
		}
	}
}

// writeIndex upserts the conversation's analysis_index row.
func (m *Miner) writeIndex(ctx context.Context, mc *miningContext, providerName string, result model.AnalysisResult) {
	idx := &model.AnalysisIndex{
		ConversationID:   mc.conv.ID,
		MessageCount:     mc.conv.MessageCount,
		ConversationHash: mc.conv.RawFileHash,
		LastResult:       result,
		Provider:         providerName,
		SignalScore:      mc.signal,
		LastAnalyzedAt:   time.Now().UTC(),
	}
	if n := len(mc.messages); n > 0 {
		idx.LatestMessageAt = mc.messages[n-1].Timestamp
	}
	_, err := writequeue.Submit(ctx, m.queue, func(ctx context.Context) (struct{}, error) {
		row := idx.ToRow()
		n, uerr := m.index.Update(ctx, idPredicate(idx.ConversationID), row)
		if uerr != nil {
			return struct{}{}, uerr
		}
		if n == 0 {
			return struct{}{}, m.index.Add(ctx, []store.Row{row})
		}
		return struct{}{}, nil
	})
	if err != nil {
		m.logger.Warn("mining: index upsert failed", "conversation_id", mc.conv.ID, "error", err)
	}
}

// buildPreview projects what a real run would promote, scored as if each
// candidate were new. Stored evidence from prior runs is not consulted, so
// the preview is a floor, not an exact promise.
func buildPreview(results []convResult, minScore float64) []model.CandidatePreview {
	now := time.Now().UTC()
	var preview []model.CandidatePreview
	for _, res := range results {
		for _, in := range res.inputs {
			score := candidates.Score(in.Confidence, 1, 1, in.Level, now, now)
			status := "pending"
			if score >= minScore || (in.Confidence >= 0.93 && score >= 0.9*minScore) {
				status = "promotable"
			}
			preview = append(preview, model.CandidatePreview{
				Content:        in.Content,
				Category:       string(in.Category),
				Level:          string(in.Level),
				Confidence:     in.Confidence,
				PromotionScore: score,
				Status:         status,
			})
		}
	}
	sort.SliceStable(preview, func(i, j int) bool {
		return preview[i].PromotionScore > preview[j].PromotionScore
	})
	return preview
}

func (m *Miner) setOutcome(ctx context.Context, id string, status model.CandidateStatus, memoryID string) {
	if err := m.candidates.SetOutcome(ctx, id, status, memoryID); err != nil {
		m.logger.Warn("mining: record outcome failed", "candidate_id", id, "status", status, "error", err)
	}
}

func idPredicate(id string) string {
	return fmt.Sprintf("conversation_id = '%s'", store.EscapeString(id))
}
