package mining

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/mnesis-ai/mnesis/internal/candidates"
	"github.com/mnesis-ai/mnesis/internal/model"
	"github.com/mnesis-ai/mnesis/internal/textutil"
)

const (
	// chunkMaxLen bounds one normalized piece; longer extractions split.
	chunkMaxLen = 320
	// enrichMaxLen bounds a piece after appending context from its source.
	enrichMaxLen = 420
	// minCandidateLen and maxCandidateLen bound what may reach the store.
	minCandidateLen = 20
	maxCandidateLen = 520

	// weakQualityBar marks pieces worth enriching from their source turn.
	weakQualityBar = 0.45

	excerptEnrichMax = 140
)

// normalizeExtraction turns one raw extraction into zero or more candidate
// inputs: third-person rewrite, section splitting, enrichment, then the
// length and generic-content gates. filtered counts the pieces the gates
// rejected.
func normalizeExtraction(raw extraction, mc *miningContext, minConfidence float64) ([]candidates.Input, int) {
	if raw.Confidence < minConfidence {
		return nil, 0
	}
	rewritten := rewriteThirdPerson(raw.Content)

	var inputs []candidates.Input
	filtered := 0
	for _, piece := range splitSections(rewritten) {
		piece = finishSentence(piece)
		source := resolveSource(raw.SourceMessageID, piece, mc.messages)
		piece = enrich(piece, source)

		if len(piece) < minCandidateLen || len(piece) > maxCandidateLen {
			filtered++
			continue
		}
		if candidates.LooksGenericNonMemory(piece) {
			filtered++
			continue
		}
		in := candidates.Input{
			Content:         piece,
			Category:        raw.Category,
			Level:           raw.Level,
			Confidence:      raw.Confidence,
			ConversationIDs: []string{mc.conv.ID},
			Methods:         []string{raw.Method},
		}
		if source != nil {
			in.SourceMessageIDs = []string{source.ID}
		}
		inputs = append(inputs, in)
	}
	return inputs, filtered
}

// phraseRewrites maps first-person phrases onto third-person equivalents.
// Longer phrases run first so "my name is" wins over "my". French first and
// third person singular conjugations coincide for the verbs that matter
// here, so "je" maps straight to "l'utilisateur".
var phraseRewrites = []struct {
	re   *regexp.Regexp
	repl string
}{
	{regexp.MustCompile(`(?i)\bmy name is\b`), "the user's name is"},
	{regexp.MustCompile(`(?i)\bje m'appelle\b`), "l'utilisateur s'appelle"},
	{regexp.MustCompile(`(?i)\bmon nom est\b`), "le nom de l'utilisateur est"},
	{regexp.MustCompile(`(?i)\bi am\b`), "the user is"},
	{regexp.MustCompile(`(?i)\bi'm\b`), "the user is"},
	{regexp.MustCompile(`(?i)\bi was\b`), "the user was"},
	{regexp.MustCompile(`(?i)\bi have been\b`), "the user has been"},
	{regexp.MustCompile(`(?i)\bi have\b`), "the user has"},
	{regexp.MustCompile(`(?i)\bi've\b`), "the user has"},
	{regexp.MustCompile(`(?i)\bi will\b`), "the user will"},
	{regexp.MustCompile(`(?i)\bi'll\b`), "the user will"},
	{regexp.MustCompile(`(?i)\bi'd\b`), "the user would"},
	{regexp.MustCompile(`(?i)\bi do not\b`), "the user does not"},
	{regexp.MustCompile(`(?i)\bi don't\b`), "the user does not"},
	{regexp.MustCompile(`(?i)\bje \b`), "l'utilisateur "},
	{regexp.MustCompile(`(?i)\bj'`), "l'utilisateur "},
	{regexp.MustCompile(`(?i)\bmon \b`), "son "},
	{regexp.MustCompile(`(?i)\bma \b`), "sa "},
	{regexp.MustCompile(`(?i)\bmes \b`), "ses "},
}

// iVerbRe catches the remaining "I <verb>" forms so the verb can be
// conjugated for third person.
var iVerbRe = regexp.MustCompile(`(?i)\bi\s+([a-z][a-z']*)`)

// modalVerbs keep their form in third person.
var modalVerbs = map[string]bool{
	"can": true, "could": true, "will": true, "would": true,
	"may": true, "might": true, "must": true, "should": true,
	"was": true, "did": true,
}

// rewriteThirdPerson converts first-person content into "The user ..."
// statements. The conjugation is rule-based and occasionally imperfect;
// downstream guardrails reject pieces that come out mangled.
func rewriteThirdPerson(content string) string {
	out := content
	for _, p := range phraseRewrites {
		out = p.re.ReplaceAllString(out, p.repl)
	}
	out = iVerbRe.ReplaceAllStringFunc(out, func(match string) string {
		parts := strings.SplitN(match, " ", 2)
		if len(parts) != 2 {
			return match
		}
		verb := strings.ToLower(strings.TrimSpace(parts[1]))
		if modalVerbs[verb] {
			return "the user " + verb
		}
		return "the user " + thirdPersonVerb(verb)
	})
	// Leftover bare pronouns and possessives.
	out = regexp.MustCompile(`(?i)\bi\b`).ReplaceAllString(out, "the user")
	out = regexp.MustCompile(`(?i)\bmy\b`).ReplaceAllString(out, "the user's")
	out = regexp.MustCompile(`(?i)\bmine\b`).ReplaceAllString(out, "the user's")
	out = regexp.MustCompile(`(?i)\bme\b`).ReplaceAllString(out, "the user")
	return capitalizeFirst(strings.TrimSpace(out))
}

// thirdPersonVerb appends the -s suffix with the usual spelling rules.
func thirdPersonVerb(verb string) string {
	switch verb {
	case "am", "are":
		return "is"
	case "have":
		return "has"
	case "do":
		return "does"
	case "don't":
		return "does not"
	}
	switch {
	case strings.HasSuffix(verb, "y") && len(verb) > 1 && !isVowel(verb[len(verb)-2]):
		return verb[:len(verb)-1] + "ies"
	case strings.HasSuffix(verb, "s"), strings.HasSuffix(verb, "sh"),
		strings.HasSuffix(verb, "ch"), strings.HasSuffix(verb, "x"),
		strings.HasSuffix(verb, "z"), strings.HasSuffix(verb, "o"):
		return verb + "es"
	}
	return verb + "s"
}

func isVowel(c byte) bool {
	switch c {
	case 'a', 'e', 'i', 'o', 'u':
		return true
	}
	return false
}

func capitalizeFirst(s string) string {
	if s == "" {
		return s
	}
	runes := []rune(s)
	runes[0] = unicode.ToUpper(runes[0])
	return string(runes)
}

// finishSentence trims and terminates a piece.
func finishSentence(piece string) string {
	piece = strings.TrimSpace(piece)
	if piece == "" {
		return piece
	}
	switch piece[len(piece)-1] {
	case '.', '!', '?':
		return piece
	}
	return piece + "."
}

// splitSections breaks an extraction into independent candidates: bullet
// items first, then colon-headed list sections, then length chunking.
func splitSections(content string) []string {
	var out []string
	for _, part := range splitBullets(content) {
		for _, section := range splitColonSections(part) {
			out = append(out, chunk(section, chunkMaxLen)...)
		}
	}
	return out
}

// splitBullets separates line-leading list items from surrounding prose.
func splitBullets(text string) []string {
	if !strings.ContainsAny(text, "\n") {
		return []string{text}
	}
	var parts []string
	var current strings.Builder
	flush := func() {
		if s := strings.TrimSpace(current.String()); s != "" {
			parts = append(parts, s)
		}
		current.Reset()
	}
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if item, ok := bulletItem(trimmed); ok {
			flush()
			parts = append(parts, item)
			continue
		}
		if current.Len() > 0 {
			current.WriteByte(' ')
		}
		current.WriteString(trimmed)
	}
	flush()
	if len(parts) == 0 {
		return []string{text}
	}
	return parts
}

var numberedItemRe = regexp.MustCompile(`^\d{1,2}[.)]\s+(.+)$`)

func bulletItem(line string) (string, bool) {
	for _, marker := range []string{"- ", "* ", "• "} {
		if strings.HasPrefix(line, marker) && len(line) > len(marker) {
			return strings.TrimSpace(line[len(marker):]), true
		}
	}
	if m := numberedItemRe.FindStringSubmatch(line); m != nil {
		return strings.TrimSpace(m[1]), true
	}
	return "", false
}

// sectionHeaderRe matches "Name:" style section headers inside prose.
var sectionHeaderRe = regexp.MustCompile(`\b([A-Z][A-Za-z0-9_-]{2,}):\s`)

// splitColonSections breaks "intro: A: ... B: ..." enumerations into one
// piece per section, each repeating the intro so the user anchor survives.
func splitColonSections(text string) []string {
	locs := sectionHeaderRe.FindAllStringIndex(text, -1)
	if len(locs) < 2 {
		return []string{text}
	}
	intro := strings.TrimSpace(text[:locs[0][0]])
	if !strings.HasSuffix(intro, ":") {
		return []string{text}
	}
	introBase := strings.TrimSpace(strings.TrimSuffix(intro, ":"))
	var out []string
	for i, loc := range locs {
		end := len(text)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		section := strings.Trim(strings.TrimSpace(text[loc[0]:end]), ",;")
		if section == "" {
			continue
		}
		out = append(out, introBase+": "+section)
	}
	if len(out) == 0 {
		return []string{text}
	}
	return out
}

// chunk splits text into pieces of at most maxLen, preferring sentence
// boundaries, then clause boundaries, then plain spaces.
func chunk(text string, maxLen int) []string {
	text = strings.TrimSpace(text)
	if len(text) <= maxLen {
		return []string{text}
	}
	var chunks []string
	sentences := splitSentences(text)
	var current strings.Builder
	for _, s := range sentences {
		for len(s) > maxLen {
			cut := lastBoundary(s, maxLen)
			head := strings.TrimSpace(s[:cut])
			if current.Len() > 0 {
				chunks = append(chunks, strings.TrimSpace(current.String()))
				current.Reset()
			}
			chunks = append(chunks, head)
			s = strings.TrimSpace(s[cut:])
		}
		if current.Len() > 0 && current.Len()+len(s)+1 > maxLen {
			chunks = append(chunks, strings.TrimSpace(current.String()))
			current.Reset()
		}
		if current.Len() > 0 {
			current.WriteByte(' ')
		}
		current.WriteString(s)
	}
	if s := strings.TrimSpace(current.String()); s != "" {
		chunks = append(chunks, s)
	}
	return chunks
}

// lastBoundary finds the rightmost clause or word boundary at or before max.
func lastBoundary(s string, max int) int {
	for _, sep := range []string{"; ", ", ", " "} {
		if idx := strings.LastIndex(s[:max], sep); idx > 0 {
			return idx + len(sep)
		}
	}
	return max
}

// splitSentences splits text on ., !, ? boundaries followed by whitespace.
// A period glued to the next character ("3.5") does not split.
func splitSentences(text string) []string {
	var sentences []string
	runes := []rune(text)
	start := 0
	for i := 0; i < len(runes); i++ {
		switch runes[i] {
		case '.', '!', '?':
		default:
			continue
		}
		if i+1 < len(runes) && !unicode.IsSpace(runes[i+1]) {
			continue
		}
		if s := strings.TrimSpace(string(runes[start : i+1])); s != "" {
			sentences = append(sentences, s)
		}
		start = i + 1
	}
	if s := strings.TrimSpace(string(runes[start:])); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}

// resolveSource pins a candidate to the transcript turn it came from: the
// extractor's message id when it is real, else the turn sharing the most
// named tokens, else the last user turn.
func resolveSource(sourceID, content string, msgs []*model.Message) *model.Message {
	if sourceID != "" {
		for _, msg := range msgs {
			if msg.ID == sourceID {
				return msg
			}
		}
	}
	names := make(map[string]struct{})
	for _, n := range textutil.CapitalizedNames(content) {
		names[strings.ToLower(n)] = struct{}{}
	}
	var best *model.Message
	bestOverlap := 0
	var lastUser *model.Message
	for _, msg := range msgs {
		if msg.Role == model.RoleUser {
			lastUser = msg
		}
		if len(names) == 0 {
			continue
		}
		overlap := 0
		for _, n := range textutil.CapitalizedNames(msg.Content) {
			if _, ok := names[strings.ToLower(n)]; ok {
				overlap++
			}
		}
		if overlap > bestOverlap {
			bestOverlap = overlap
			best = msg
		}
	}
	if best != nil {
		return best
	}
	return lastUser
}

// enrich appends concrete context from the source turn to a weak piece: a
// time window, a reason clause, or failing those a short excerpt. Strong
// pieces pass through untouched.
func enrich(piece string, source *model.Message) string {
	if source == nil || len(piece) >= enrichMaxLen {
		return piece
	}
	if candidates.ContentQuality(piece) >= weakQualityBar {
		return piece
	}
	base := strings.TrimRight(strings.TrimSpace(piece), ".")
	lowerPiece := strings.ToLower(piece)

	if tw := candidates.TimeWindow(source.Content); tw != "" && !strings.Contains(lowerPiece, strings.ToLower(tw)) {
		if out := base + " (" + tw + ")."; len(out) <= enrichMaxLen {
			return out
		}
	}
	if reason := candidates.ReasonClause(source.Content); reason != "" && !strings.Contains(lowerPiece, strings.ToLower(reason)) {
		if out := base + ", " + lowerFirst(rewriteThirdPerson(reason)) + "."; len(out) <= enrichMaxLen {
			return out
		}
	}
	// Quote the source turn only when it says something the piece does not.
	// A piece that is just the rewritten source sentence gains nothing from
	// carrying the original next to it.
	if excerpt := firstSentence(source.Content); excerpt != "" && len(excerpt) <= excerptEnrichMax &&
		textutil.Jaccard(textutil.TokenSet(piece), textutil.TokenSet(excerpt)) < 0.5 {
		if out := base + ` ("` + excerpt + `").`; len(out) <= enrichMaxLen {
			return out
		}
	}
	return piece
}

func firstSentence(text string) string {
	sentences := splitSentences(text)
	if len(sentences) == 0 {
		return ""
	}
	return strings.TrimSpace(sentences[0])
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	runes := []rune(s)
	runes[0] = unicode.ToLower(runes[0])
	return string(runes)
}

// firstPersonRe marks a turn as spoken about the author themselves.
var firstPersonRe = regexp.MustCompile(`(?i)\b(i|i'm|i've|i'll|my|mine|je|j'ai|j'aime|mon|ma|mes)\b`)

// signalMarkers are the phrasings that make a turn worth mining.
var signalMarkers = []string{
	"prefer", "working on", "i use", "my name", "i need", "i want",
	"i like", "i love", "my stack", "i work", "i live", "deadline",
	"project", "je travaille", "j'utilise", "je préfère", "je dois",
	"m'appelle",
}

// signalScore estimates how much minable first-person content the filtered
// transcript carries. Zero means nothing worth an extraction pass.
func signalScore(msgs []*model.Message) float64 {
	score := 0.0
	for _, msg := range msgs {
		if msg.Role != model.RoleUser {
			continue
		}
		lower := strings.ToLower(msg.Content)
		hit := 0.0
		if firstPersonRe.MatchString(lower) {
			hit += 1.0
		}
		markers := 0.0
		for _, marker := range signalMarkers {
			if strings.Contains(lower, marker) {
				markers += 0.5
				if markers >= 1.5 {
					break
				}
			}
		}
		score += hit + markers
	}
	return score
}
