package mining

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/mnesis-ai/mnesis/internal/model"
	"github.com/mnesis-ai/mnesis/internal/provider"
)

// extraction is one fact lifted from a transcript before normalization
// settles its final shape.
type extraction struct {
	Content         string
	Category        model.Category
	Level           model.Level
	Confidence      float64
	SourceMessageID string
	Method          string
}

const (
	// promptMessageCap truncates individual transcript turns so one pasted
	// log cannot blow the prompt budget.
	promptMessageCap = 600

	methodHeuristic = "heuristic"
)

// extract asks the provider for candidates, falling back to the regex
// extractor when the provider cannot chat or returns garbage.
func (m *Miner) extract(ctx context.Context, prov provider.Provider, p model.MineParams, mc *miningContext) []extraction {
	if prov.Name() == "heuristic" {
		return heuristicExtract(mc)
	}
	raw, err := prov.Chat(ctx, buildPrompt(mc, p.MaxCandidatesPer))
	if err != nil {
		m.logger.Warn("mining: provider chat failed, using heuristics",
			"provider", prov.Name(), "conversation_id", mc.conv.ID, "error", err)
		return heuristicExtract(mc)
	}
	parsed, err := parseMemoriesJSON(raw)
	if err != nil {
		m.logger.Warn("mining: provider returned unparseable output, using heuristics",
			"provider", prov.Name(), "conversation_id", mc.conv.ID, "error", err)
		return heuristicExtract(mc)
	}

	var out []extraction
	for _, lm := range parsed {
		content := strings.TrimSpace(lm.Content)
		if content == "" {
			continue
		}
		category, ok := normalizeCategory(lm.Category)
		if !ok {
			m.logger.Debug("mining: dropping candidate with unknown category",
				"category", lm.Category, "conversation_id", mc.conv.ID)
			continue
		}
		out = append(out, extraction{
			Content:         content,
			Category:        category,
			Level:           normalizeLevel(lm.Level),
			Confidence:      clamp01(lm.Confidence),
			SourceMessageID: strings.TrimSpace(lm.SourceMessageID),
			Method:          "llm:" + prov.Name(),
		})
	}
	return out
}

// buildPrompt renders the strict-JSON extraction instructions plus the
// transcript, each turn prefixed with its message id so the provider can
// point back at its source.
func buildPrompt(mc *miningContext, maxCandidates int) string {
	var b strings.Builder
	b.WriteString("You extract durable facts about the user from a chat transcript.\n\n")
	b.WriteString("Rules:\n")
	b.WriteString("- Only facts about the user: identity, preferences, skills, relationships, projects, history, or current work.\n")
	b.WriteString("- Write each fact in third person, starting with \"The user\".\n")
	b.WriteString("- Skip questions, technology definitions, and anything not about the user.\n")
	b.WriteString("- category is one of: identity, preferences, skills, relationships, projects, history, working.\n")
	b.WriteString("- level is one of: semantic (durable fact), episodic (dated event), working (short-lived task state).\n")
	b.WriteString("- confidence is your certainty in [0,1].\n")
	b.WriteString("- source_message_id is the id of the transcript message the fact came from.\n")
	fmt.Fprintf(&b, "- Return at most %d facts. If nothing qualifies, return {\"memories\": []}.\n\n", maxCandidates)
	b.WriteString("Respond with JSON only, no prose, exactly this shape:\n")
	b.WriteString(`{"memories": [{"content": "...", "category": "...", "level": "...", "confidence": 0.0, "source_message_id": "..."}]}`)
	b.WriteString("\n\nTranscript:\n")
	for _, msg := range mc.messages {
		content := strings.TrimSpace(msg.Content)
		if len(content) > promptMessageCap {
			content = content[:promptMessageCap] + "…"
		}
		fmt.Fprintf(&b, "[%s] %s: %s\n", msg.ID, msg.Role, content)
	}
	return b.String()
}

type llmMemory struct {
	Content         string  `json:"content"`
	Category        string  `json:"category"`
	Level           string  `json:"level"`
	Confidence      float64 `json:"confidence"`
	SourceMessageID string  `json:"source_message_id"`
}

// parseMemoriesJSON recovers the memories array from a provider reply.
// Providers are told "JSON only" but still wrap output in code fences or
// prose, so the parser peels fences and falls back to brace matching before
// giving up.
func parseMemoriesJSON(raw string) ([]llmMemory, error) {
	cleaned := strings.TrimSpace(raw)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.TrimSpace(cleaned)

	var envelope struct {
		Memories []llmMemory `json:"memories"`
	}
	if err := json.Unmarshal([]byte(cleaned), &envelope); err == nil {
		return envelope.Memories, nil
	}
	// Bare array form.
	var list []llmMemory
	if err := json.Unmarshal([]byte(cleaned), &list); err == nil {
		return list, nil
	}
	// Object buried in prose.
	if obj := extractJSONObject(cleaned); obj != "" {
		if err := json.Unmarshal([]byte(obj), &envelope); err == nil {
			return envelope.Memories, nil
		}
	}
	return nil, fmt.Errorf("mining: no memories JSON in %d-byte reply", len(raw))
}

// extractJSONObject returns the first balanced {...} span in s, ignoring
// braces inside string literals.
func extractJSONObject(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

// normalizeCategory maps provider spellings onto the known categories.
// Unknown categories drop the candidate rather than polluting a bucket.
func normalizeCategory(s string) (model.Category, bool) {
	c := strings.ToLower(strings.TrimSpace(s))
	if model.ValidCategory(c) {
		return model.Category(c), true
	}
	switch {
	case strings.HasPrefix(c, "pref"):
		return model.CategoryPreferences, true
	case strings.HasPrefix(c, "skill"), strings.HasPrefix(c, "tool"), strings.HasPrefix(c, "tech"):
		return model.CategorySkills, true
	case strings.HasPrefix(c, "project"):
		return model.CategoryProjects, true
	case strings.HasPrefix(c, "identit"), strings.HasPrefix(c, "personal"), strings.HasPrefix(c, "bio"):
		return model.CategoryIdentity, true
	case strings.HasPrefix(c, "relation"), strings.HasPrefix(c, "people"):
		return model.CategoryRelationships, true
	case strings.HasPrefix(c, "hist"), strings.HasPrefix(c, "event"):
		return model.CategoryHistory, true
	case strings.HasPrefix(c, "task"), strings.HasPrefix(c, "work"):
		return model.CategoryWorking, true
	}
	return "", false
}

// normalizeLevel maps provider spellings onto the known levels; semantic is
// the safe default since semantic promotions are review-gated anyway.
func normalizeLevel(s string) model.Level {
	l := strings.ToLower(strings.TrimSpace(s))
	if model.ValidLevel(l) {
		return model.Level(l)
	}
	switch {
	case strings.HasPrefix(l, "epis"), strings.HasPrefix(l, "event"):
		return model.LevelEpisodic
	case strings.HasPrefix(l, "work"), strings.HasPrefix(l, "task"), strings.HasPrefix(l, "short"):
		return model.LevelWorking
	}
	return model.LevelSemantic
}

// heuristicRule seeds a candidate from any sentence matching its marker.
type heuristicRule struct {
	re         *regexp.Regexp
	category   model.Category
	level      model.Level
	confidence float64
}

// heuristicRules are the no-LLM extraction markers, English and French.
// Order matters: the first matching rule claims the sentence.
var heuristicRules = []heuristicRule{
	{regexp.MustCompile(`(?i)\b(?:my name is|call me|je m'appelle|mon nom est)\b`), model.CategoryIdentity, model.LevelSemantic, 0.9},
	{regexp.MustCompile(`(?i)\b(?:i work (?:at|for|as)|je travaille (?:chez|comme))\b`), model.CategoryIdentity, model.LevelSemantic, 0.85},
	{regexp.MustCompile(`(?i)\b(?:i live in|i'm based in|j'habite)\b`), model.CategoryIdentity, model.LevelSemantic, 0.85},
	{regexp.MustCompile(`(?i)\b(?:i(?:'m| am) working on|je travaille sur|je bosse sur)\b`), model.CategoryProjects, model.LevelSemantic, 0.8},
	{regexp.MustCompile(`(?i)\b(?:i prefer|je préfère|je prefere)\b`), model.CategoryPreferences, model.LevelSemantic, 0.8},
	{regexp.MustCompile(`(?i)\b(?:my stack|ma stack|my setup)\b`), model.CategorySkills, model.LevelSemantic, 0.75},
	{regexp.MustCompile(`(?i)\b(?:i use|i'm using|i am using|j'utilise)\b`), model.CategorySkills, model.LevelSemantic, 0.7},
	{regexp.MustCompile(`(?i)\bmy (?:wife|husband|partner|girlfriend|boyfriend|daughter|son|kids?|boss|manager|team|cofounder|co-founder)\b`), model.CategoryRelationships, model.LevelSemantic, 0.75},
	{regexp.MustCompile(`(?i)\b(?:i (?:like|love|enjoy|hate|dislike)|j'aime|j'adore|je déteste)\b`), model.CategoryPreferences, model.LevelSemantic, 0.7},
	{regexp.MustCompile(`(?i)\b(?:i need to|i have to|i must|je dois)\b`), model.CategoryWorking, model.LevelWorking, 0.6},
}

// heuristicExtract seeds candidates from marker sentences in the user's
// turns. Each sentence feeds at most one candidate; the first rule wins.
func heuristicExtract(mc *miningContext) []extraction {
	var out []extraction
	seen := make(map[string]struct{})
	for _, msg := range mc.messages {
		if msg.Role != model.RoleUser {
			continue
		}
		for _, sentence := range splitSentences(msg.Content) {
			for _, rule := range heuristicRules {
				if !rule.re.MatchString(sentence) {
					continue
				}
				key := strings.ToLower(strings.TrimSpace(sentence))
				if _, dup := seen[key]; dup {
					break
				}
				seen[key] = struct{}{}
				out = append(out, extraction{
					Content:         strings.TrimSpace(sentence),
					Category:        rule.category,
					Level:           rule.level,
					Confidence:      rule.confidence,
					SourceMessageID: msg.ID,
					Method:          methodHeuristic,
				})
				break
			}
		}
	}
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
