// Package conversations stores imported transcripts: the conversations
// mining reads, the messages it extracts from, and the back-links to the
// memories each transcript produced. Importers feed transcripts in through
// Ingest; nothing here creates conversations on its own.
package conversations

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mnesis-ai/mnesis/internal/embedding"
	"github.com/mnesis-ai/mnesis/internal/model"
	"github.com/mnesis-ai/mnesis/internal/store"
	"github.com/mnesis-ai/mnesis/internal/writequeue"
)

// ErrNotFound is returned when a conversation id does not exist.
var ErrNotFound = errors.New("conversations: not found")

const searchOverFetch = 6

// Store owns the conversations and conversation_messages tables.
type Store struct {
	conversations *store.Table
	messages      *store.Table
	queue         *writequeue.Queue
	embedder      *embedding.Embedder
	logger        *slog.Logger
}

// NewStore ensures both tables exist. embedder may be nil; search then works
// by text matching only.
func NewStore(ctx context.Context, st *store.Store, queue *writequeue.Queue, embedder *embedding.Embedder, logger *slog.Logger) (*Store, error) {
	conversations, err := st.CreateTable(ctx, "conversations", model.ConversationSchema())
	if err != nil {
		return nil, fmt.Errorf("conversations: ensure table: %w", err)
	}
	messages, err := st.CreateTable(ctx, "conversation_messages", model.MessageSchema())
	if err != nil {
		return nil, fmt.Errorf("conversations: ensure messages table: %w", err)
	}
	return &Store{
		conversations: conversations,
		messages:      messages,
		queue:         queue,
		embedder:      embedder,
		logger:        logger,
	}, nil
}

// Fingerprint hashes a transcript's turns. Ingest stores it as
// raw_file_hash and mining compares it against the analysis index to decide
// whether a conversation changed since its last pass.
func Fingerprint(messages []*model.Message) string {
	h := sha256.New()
	for _, m := range messages {
		h.Write([]byte(string(m.Role)))
		h.Write([]byte{'\n'})
		h.Write([]byte(m.Content))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Ingest persists one transcript. Missing ids and timestamps are filled in,
// messages are embedded when the embedder is warm, and the whole write is
// one queue op so a transcript never lands half-imported.
func (s *Store) Ingest(ctx context.Context, conv *model.Conversation, messages []*model.Message) (*model.Conversation, error) {
	now := time.Now().UTC()
	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	if conv.Status == "" {
		conv.Status = model.ConversationActive
	}
	if conv.StartedAt.IsZero() {
		if len(messages) > 0 && !messages[0].Timestamp.IsZero() {
			conv.StartedAt = messages[0].Timestamp.UTC()
		} else {
			conv.StartedAt = now
		}
	}
	conv.ImportedAt = now
	conv.MessageCount = len(messages)
	if conv.RawFileHash == "" {
		conv.RawFileHash = Fingerprint(messages)
	}

	for i, m := range messages {
		if m.ID == "" {
			m.ID = uuid.NewString()
		}
		m.ConversationID = conv.ID
		if m.Timestamp.IsZero() {
			m.Timestamp = conv.StartedAt.Add(time.Duration(i) * time.Second)
		}
		if m.Role == "" {
			m.Role = model.RoleUser
		}
	}
	s.embedMessages(ctx, messages)

	_, err := writequeue.Submit(ctx, s.queue, func(ctx context.Context) (struct{}, error) {
		if _, gerr := s.conversations.Get(ctx, conv.ID); gerr == nil {
			return struct{}{}, fmt.Errorf("conversations: id %s already ingested", conv.ID)
		} else if !errors.Is(gerr, store.ErrNotFound) {
			return struct{}{}, gerr
		}
		if aerr := s.conversations.Add(ctx, []store.Row{conv.ToRow()}); aerr != nil {
			return struct{}{}, fmt.Errorf("conversations: insert: %w", aerr)
		}
		if len(messages) == 0 {
			return struct{}{}, nil
		}
		rows := make([]store.Row, 0, len(messages))
		for _, m := range messages {
			rows = append(rows, m.ToRow())
		}
		if aerr := s.messages.Add(ctx, rows); aerr != nil {
			return struct{}{}, fmt.Errorf("conversations: insert messages: %w", aerr)
		}
		return struct{}{}, nil
	})
	if err != nil {
		return nil, err
	}
	return conv, nil
}

// embedMessages attaches vectors best-effort before the write op. A cold or
// failing embedder leaves messages unranked, never blocks the import.
func (s *Store) embedMessages(ctx context.Context, messages []*model.Message) {
	if s.embedder == nil || s.embedder.Status() != embedding.StatusReady {
		return
	}
	texts := make([]string, len(messages))
	for i, m := range messages {
		texts[i] = m.Content
	}
	vecs, err := s.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		s.logger.Warn("conversations: message embedding failed", "error", err)
		return
	}
	for i, m := range messages {
		if i < len(vecs) {
			m.Embedding = vecs[i]
		}
	}
}

// Get returns one conversation.
func (s *Store) Get(ctx context.Context, id string) (*model.Conversation, error) {
	row, err := s.conversations.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("conversations: get %s: %w", id, err)
	}
	return model.ConversationFromRow(row), nil
}

// Messages returns a conversation's turns in timestamp order. limit <= 0
// returns all of them.
func (s *Store) Messages(ctx context.Context, conversationID string, limit int) ([]*model.Message, error) {
	rows, err := s.messages.Search(nil).
		Where("conversation_id = '" + store.EscapeString(conversationID) + "'").
		ToList(ctx)
	if err != nil {
		return nil, fmt.Errorf("conversations: messages %s: %w", conversationID, err)
	}
	out := make([]*model.Message, 0, len(rows))
	for _, row := range rows {
		out = append(out, model.MessageFromRow(row))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// List pages conversations newest first, skipping deleted ones. The total
// counts every match before paging.
func (s *Store) List(ctx context.Context, sourceLLM string, limit, offset int) ([]*model.Conversation, int, error) {
	pred := "status != '" + string(model.ConversationDeleted) + "'"
	if sourceLLM != "" {
		pred += " AND source_llm = '" + store.EscapeString(sourceLLM) + "'"
	}
	rows, err := s.conversations.Search(nil).Where(pred).ToList(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("conversations: list: %w", err)
	}
	out := make([]*model.Conversation, 0, len(rows))
	for _, row := range rows {
		out = append(out, model.ConversationFromRow(row))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })

	total := len(out)
	if offset < 0 {
		offset = 0
	}
	if offset > total {
		offset = total
	}
	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}
	return out[offset:end], total, nil
}

// Search finds conversations matching a query: by message embedding when
// the embedder is warm, by title/summary/content text otherwise or when
// vectors find nothing.
func (s *Store) Search(ctx context.Context, query string, limit int, sourceLLM string) ([]*model.Conversation, error) {
	if limit <= 0 {
		limit = 5
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return []*model.Conversation{}, nil
	}

	if s.embedder != nil && s.embedder.Status() == embedding.StatusReady {
		found, err := s.searchByVector(ctx, query, limit, sourceLLM)
		if err != nil {
			s.logger.Warn("conversations: vector search failed, using text", "error", err)
		} else if len(found) > 0 {
			return found, nil
		}
	}
	return s.searchByText(ctx, query, limit, sourceLLM)
}

func (s *Store) searchByVector(ctx context.Context, query string, limit int, sourceLLM string) ([]*model.Conversation, error) {
	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	rows, err := s.messages.Search(vec).Limit(limit * searchOverFetch).ToList(ctx)
	if err != nil {
		return nil, err
	}

	best := make(map[string]float64)
	order := make([]string, 0, len(rows))
	for _, row := range rows {
		m := model.MessageFromRow(row)
		score := 0.0
		if d, ok := row["_distance"].(float64); ok {
			score = 1 - d
		}
		if prev, seen := best[m.ConversationID]; !seen || score > prev {
			if !seen {
				order = append(order, m.ConversationID)
			}
			best[m.ConversationID] = score
		}
	}

	out := make([]*model.Conversation, 0, limit)
	for _, id := range order {
		conv, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if conv.Status == model.ConversationDeleted {
			continue
		}
		if sourceLLM != "" && conv.SourceLLM != sourceLLM {
			continue
		}
		out = append(out, conv)
		if len(out) == limit {
			break
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return best[out[i].ID] > best[out[j].ID] })
	return out, nil
}

func (s *Store) searchByText(ctx context.Context, query string, limit int, sourceLLM string) ([]*model.Conversation, error) {
	all, _, err := s.List(ctx, sourceLLM, 0, 0)
	if err != nil {
		return nil, err
	}
	needle := strings.ToLower(query)

	out := make([]*model.Conversation, 0, limit)
	matched := make(map[string]bool)
	for _, c := range all {
		hay := strings.ToLower(c.Title + " " + c.Summary + " " + strings.Join(c.Tags, " "))
		if strings.Contains(hay, needle) {
			out = append(out, c)
			matched[c.ID] = true
			if len(out) == limit {
				return out, nil
			}
		}
	}

	// Fall through to message contents for conversations without a match in
	// their metadata.
	rows, err := s.messages.Search(nil).ToList(ctx)
	if err != nil {
		return nil, fmt.Errorf("conversations: text search: %w", err)
	}
	byID := make(map[string]*model.Conversation, len(all))
	for _, c := range all {
		byID[c.ID] = c
	}
	for _, row := range rows {
		m := model.MessageFromRow(row)
		if matched[m.ConversationID] {
			continue
		}
		if !strings.Contains(strings.ToLower(m.Content), needle) {
			continue
		}
		conv, ok := byID[m.ConversationID]
		if !ok {
			continue
		}
		matched[m.ConversationID] = true
		out = append(out, conv)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// AppendMemoryIDs links mined memories back to their source conversation.
func (s *Store) AppendMemoryIDs(ctx context.Context, conversationID string, memoryIDs []string) error {
	if len(memoryIDs) == 0 {
		return nil
	}
	_, err := writequeue.Submit(ctx, s.queue, func(ctx context.Context) (struct{}, error) {
		conv, gerr := s.loadForUpdate(ctx, conversationID)
		if gerr != nil {
			return struct{}{}, gerr
		}
		merged := unionStrings(conv.MemoryIDs, memoryIDs)
		if len(merged) == len(conv.MemoryIDs) {
			return struct{}{}, nil
		}
		_, uerr := s.conversations.Update(ctx, idPredicate(conversationID), store.Row{
			"memory_ids": merged,
		})
		return struct{}{}, uerr
	})
	return err
}

// Tag unions tags onto a conversation. A non-empty replacePrefix drops the
// existing tags with that prefix first, so re-analysis replaces its old
// markers instead of accumulating them.
func (s *Store) Tag(ctx context.Context, conversationID string, tags []string, replacePrefix string) error {
	if len(tags) == 0 && replacePrefix == "" {
		return nil
	}
	_, err := writequeue.Submit(ctx, s.queue, func(ctx context.Context) (struct{}, error) {
		conv, gerr := s.loadForUpdate(ctx, conversationID)
		if gerr != nil {
			return struct{}{}, gerr
		}
		kept := conv.Tags
		if replacePrefix != "" {
			kept = make([]string, 0, len(conv.Tags))
			for _, t := range conv.Tags {
				if !strings.HasPrefix(t, replacePrefix) {
					kept = append(kept, t)
				}
			}
		}
		_, uerr := s.conversations.Update(ctx, idPredicate(conversationID), store.Row{
			"tags": unionStrings(kept, tags),
		})
		return struct{}{}, uerr
	})
	return err
}

// Count returns the number of non-deleted conversations.
func (s *Store) Count(ctx context.Context) (int, error) {
	rows, err := s.conversations.Search(nil).
		Where("status != '" + string(model.ConversationDeleted) + "'").
		ToList(ctx)
	if err != nil {
		return 0, fmt.Errorf("conversations: count: %w", err)
	}
	return len(rows), nil
}

func (s *Store) loadForUpdate(ctx context.Context, id string) (*model.Conversation, error) {
	row, err := s.conversations.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("conversations: %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("conversations: load %s: %w", id, err)
	}
	return model.ConversationFromRow(row), nil
}

func unionStrings(base, add []string) []string {
	out := make([]string, 0, len(base)+len(add))
	seen := make(map[string]bool, len(base)+len(add))
	for _, v := range base {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	for _, v := range add {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

func idPredicate(id string) string {
	return "id = '" + store.EscapeString(id) + "'"
}
