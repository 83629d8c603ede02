package mining

import (
	"regexp"
	"strings"

	"github.com/mnesis-ai/mnesis/internal/candidates"
	"github.com/mnesis-ai/mnesis/internal/model"
	"github.com/mnesis-ai/mnesis/internal/textutil"
)

const (
	// condensedMaxLen caps the joined content of a merged cluster.
	condensedMaxLen = 420
	// condensedMaxMembers caps how many cluster members contribute content.
	condensedMaxMembers = 4

	// jaccardClusterThreshold relates two candidates by token overlap.
	jaccardClusterThreshold = 0.45
	// minSharedTopicTokens relates two candidates by shared subject matter.
	minSharedTopicTokens = 2

	condensedSuffix = ":condensed"
)

// followUpRe marks project-status phrasing; two project candidates where one
// reads like a follow-up describe the same thread of work.
var followUpRe = regexp.MustCompile(
	`(?i)\b(next step|next up|currently|right now|this week|follow[- ]?up|still working|continues? (?:to|with|on)|prochaine étape)\b`)

// condense dedups one conversation's candidates by canonical content, then
// merges clusters of related candidates into single condensed entries.
func condense(inputs []candidates.Input) []candidates.Input {
	deduped := dedupCanonical(inputs)
	if len(deduped) < 2 {
		return deduped
	}

	parent := make([]int, len(deduped))
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(i int) int {
		if parent[i] != i {
			parent[i] = find(parent[i])
		}
		return parent[i]
	}
	union := func(a, b int) {
		ra, rb := find(a), find(b)
		if ra != rb {
			parent[rb] = ra
		}
	}

	tokens := make([]map[string]struct{}, len(deduped))
	topics := make([]map[string]struct{}, len(deduped))
	for i, in := range deduped {
		tokens[i] = textutil.TokenSet(in.Content)
		topics[i] = topicTokens(in.Content)
	}
	for i := 0; i < len(deduped); i++ {
		for j := i + 1; j < len(deduped); j++ {
			if related(deduped[i], deduped[j], tokens[i], tokens[j], topics[i], topics[j]) {
				union(i, j)
			}
		}
	}

	clusters := make(map[int][]int)
	var order []int
	for i := range deduped {
		root := find(i)
		if _, seen := clusters[root]; !seen {
			order = append(order, root)
		}
		clusters[root] = append(clusters[root], i)
	}

	out := make([]candidates.Input, 0, len(order))
	for _, root := range order {
		members := clusters[root]
		if len(members) == 1 {
			out = append(out, deduped[members[0]])
			continue
		}
		cluster := make([]candidates.Input, len(members))
		for k, idx := range members {
			cluster[k] = deduped[idx]
		}
		out = append(out, mergeCluster(cluster))
	}
	return out
}

// dedupCanonical collapses candidates whose content canonicalizes
// identically, keeping the higher confidence and the union of provenance.
func dedupCanonical(inputs []candidates.Input) []candidates.Input {
	index := make(map[string]int)
	var out []candidates.Input
	for _, in := range inputs {
		key := textutil.Canonicalize(in.Content)
		at, seen := index[key]
		if !seen {
			index[key] = len(out)
			out = append(out, in)
			continue
		}
		kept := &out[at]
		if in.Confidence > kept.Confidence {
			kept.Confidence = in.Confidence
		}
		kept.ConversationIDs = unionStrings(kept.ConversationIDs, in.ConversationIDs)
		kept.SourceMessageIDs = unionStrings(kept.SourceMessageIDs, in.SourceMessageIDs)
		kept.Methods = unionStrings(kept.Methods, in.Methods)
	}
	return out
}

// related reports whether two same-level candidates describe the same fact
// cluster.
func related(a, b candidates.Input, tokensA, tokensB, topicsA, topicsB map[string]struct{}) bool {
	if a.Level != b.Level {
		return false
	}
	if sharesAny(a.SourceMessageIDs, b.SourceMessageIDs) {
		return true
	}
	if _, ok := textutil.SharedName(a.Content, b.Content); ok {
		return true
	}
	if sharedCount(topicsA, topicsB) >= minSharedTopicTokens {
		return true
	}
	if textutil.Jaccard(tokensA, tokensB) >= jaccardClusterThreshold {
		return true
	}
	if a.Category == model.CategoryProjects && b.Category == model.CategoryProjects &&
		(followUpRe.MatchString(a.Content) || followUpRe.MatchString(b.Content)) {
		return true
	}
	return false
}

// mergeCluster joins a cluster into one condensed candidate: contents joined
// with "; " up to the member and length caps, confidence is the max, and the
// method list gains the condensed marker.
func mergeCluster(cluster []candidates.Input) candidates.Input {
	merged := cluster[0]
	var parts []string
	used := 0
	for _, in := range cluster {
		if used >= condensedMaxMembers {
			break
		}
		part := strings.TrimRight(strings.TrimSpace(in.Content), ".")
		joined := len(part)
		for _, p := range parts {
			joined += len(p) + 2
		}
		if len(parts) > 0 && joined+1 > condensedMaxLen {
			break
		}
		parts = append(parts, part)
		used++
	}
	for _, in := range cluster[1:] {
		if in.Confidence > merged.Confidence {
			merged.Confidence = in.Confidence
		}
		merged.ConversationIDs = unionStrings(merged.ConversationIDs, in.ConversationIDs)
		merged.SourceMessageIDs = unionStrings(merged.SourceMessageIDs, in.SourceMessageIDs)
		merged.Methods = unionStrings(merged.Methods, in.Methods)
	}
	merged.Content = strings.Join(parts, "; ") + "."
	merged.Methods = appendCondensedMarker(merged.Methods)
	return merged
}

// appendCondensedMarker suffixes the primary method so reviewers can tell a
// condensed candidate from a single extraction.
func appendCondensedMarker(methods []string) []string {
	if len(methods) == 0 {
		return []string{methodHeuristic + condensedSuffix}
	}
	marker := methods[0] + condensedSuffix
	for _, m := range methods {
		if m == marker {
			return methods
		}
	}
	return append(methods, marker)
}

// topicTokens keeps the substantive tokens: long enough to carry a subject,
// not a calendar word, and not the user anchor itself ("user" is already a
// stopword; the French anchor needs the same treatment or every French
// candidate would share a topic).
func topicTokens(content string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, t := range textutil.ContentTokens(content) {
		if len(t) < 4 || textutil.IsCalendarWord(t) {
			continue
		}
		if t == "user's" || t == "l'utilisateur" || t == "utilisateur" || t == "l'utilisatrice" {
			continue
		}
		set[t] = struct{}{}
	}
	return set
}

func sharedCount(a, b map[string]struct{}) int {
	small, large := a, b
	if len(b) < len(a) {
		small, large = b, a
	}
	n := 0
	for t := range small {
		if _, ok := large[t]; ok {
			n++
		}
	}
	return n
}

func sharesAny(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x != "" && x == y {
				return true
			}
		}
	}
	return false
}

func unionStrings(base, add []string) []string {
	seen := make(map[string]struct{}, len(base))
	out := make([]string, 0, len(base)+len(add))
	for _, s := range base {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	for _, s := range add {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
