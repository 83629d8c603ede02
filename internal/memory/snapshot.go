package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mnesis-ai/mnesis/internal/model"
)

const (
	// snapshotTokenBudget caps the rendered document.
	snapshotTokenBudget = 800

	recentWindow = 72 * time.Hour
	recentCap    = 10
	recentTitle  = "Recent Context (last 72h)"
)

type snapshotSection struct {
	title    string
	category model.Category
	cap      int
}

var snapshotSections = map[model.Category]snapshotSection{
	model.CategoryIdentity:      {title: "Identity", category: model.CategoryIdentity, cap: 3},
	model.CategoryPreferences:   {title: "Preferences & Working Style", category: model.CategoryPreferences, cap: 5},
	model.CategoryProjects:      {title: "Active Projects", category: model.CategoryProjects, cap: 10},
	model.CategoryRelationships: {title: "Key Relationships", category: model.CategoryRelationships, cap: 5},
	model.CategorySkills:        {title: "Skills & Expertise", category: model.CategorySkills, cap: 5},
}

// sectionOrders rotates section priority per client context. Identity always
// leads.
var sectionOrders = map[string][]model.Category{
	"": {model.CategoryIdentity, model.CategoryPreferences, model.CategoryProjects, model.CategoryRelationships, model.CategorySkills},
	"development": {model.CategoryIdentity, model.CategoryProjects, model.CategorySkills, model.CategoryPreferences, model.CategoryRelationships},
	"personal":    {model.CategoryIdentity, model.CategoryRelationships, model.CategoryPreferences, model.CategoryProjects, model.CategorySkills},
	"creative":    {model.CategoryIdentity, model.CategoryPreferences, model.CategoryProjects, model.CategorySkills, model.CategoryRelationships},
	"business":    {model.CategoryIdentity, model.CategoryProjects, model.CategoryRelationships, model.CategorySkills, model.CategoryPreferences},
}

// sectionDropOrder is the truncation sequence when the document exceeds the
// token budget. Identity is never dropped.
var sectionDropOrder = []string{
	"Skills & Expertise",
	"Key Relationships",
	"Preferences & Working Style",
	"Active Projects",
	recentTitle,
}

// Snapshot renders active memories as a Markdown context document: semantic
// memories grouped by category in a context-dependent section order, plus
// recent working memories. The document is truncated section by section
// until it fits the token budget.
func (c *Core) Snapshot(ctx context.Context, clientContext string) (string, error) {
	rows, err := c.memories.Search(nil).
		Where("status = '" + string(model.StatusActive) + "' AND level = '" + string(model.LevelSemantic) + "'").
		ToList(ctx)
	if err != nil {
		return "", fmt.Errorf("memory: snapshot scan: %w", err)
	}
	byCategory := make(map[model.Category][]*model.Memory)
	for _, row := range rows {
		m := model.MemoryFromRow(row)
		if _, ok := snapshotSections[m.Category]; ok {
			byCategory[m.Category] = append(byCategory[m.Category], m)
		}
	}
	for cat := range byCategory {
		ms := byCategory[cat]
		sort.Slice(ms, func(i, j int) bool { return ms[i].ImportanceScore > ms[j].ImportanceScore })
		if max := snapshotSections[cat].cap; len(ms) > max {
			byCategory[cat] = ms[:max]
		}
	}

	recent, err := c.recentWorking(ctx)
	if err != nil {
		return "", err
	}

	order, ok := sectionOrders[clientContext]
	if !ok {
		order = sectionOrders[""]
	}

	dropped := map[string]bool{}
	doc := c.renderSnapshot(order, byCategory, recent, dropped)
	for _, title := range sectionDropOrder {
		if c.embedder.CountTokens(doc) <= snapshotTokenBudget {
			break
		}
		dropped[title] = true
		doc = c.renderSnapshot(order, byCategory, recent, dropped)
	}
	return doc, nil
}

func (c *Core) renderSnapshot(order []model.Category, byCategory map[model.Category][]*model.Memory, recent []*model.Memory, dropped map[string]bool) string {
	var b strings.Builder
	b.WriteString("# Memory Snapshot\n")

	wrote := false
	for _, cat := range order {
		sec := snapshotSections[cat]
		ms := byCategory[cat]
		if len(ms) == 0 || dropped[sec.title] {
			continue
		}
		b.WriteString("\n## " + sec.title + "\n")
		for _, m := range ms {
			b.WriteString("- " + m.Content + "\n")
		}
		wrote = true
	}

	if len(recent) > 0 && !dropped[recentTitle] {
		b.WriteString("\n## " + recentTitle + "\n")
		for _, m := range recent {
			b.WriteString("- " + m.Content + "\n")
		}
		wrote = true
	}

	if !wrote {
		b.WriteString("\n_No memories recorded yet._\n")
	}
	return b.String()
}

// recentWorking lists active working memories from the last 72 hours,
// newest first.
func (c *Core) recentWorking(ctx context.Context) ([]*model.Memory, error) {
	rows, err := c.memories.Search(nil).
		Where("status = '" + string(model.StatusActive) + "' AND level = '" + string(model.LevelWorking) + "'").
		ToList(ctx)
	if err != nil {
		return nil, fmt.Errorf("memory: snapshot recent scan: %w", err)
	}
	cutoff := time.Now().UTC().Add(-recentWindow)
	var out []*model.Memory
	for _, row := range rows {
		m := model.MemoryFromRow(row)
		if m.CreatedAt.After(cutoff) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > recentCap {
		out = out[:recentCap]
	}
	return out, nil
}
