package embedding

import (
	"context"
	"hash/fnv"
	"strings"
	"unicode"
)

// LocalProvider embeds text by hashing word unigrams, word bigrams, and
// character trigrams into a fixed-size feature vector. Fully deterministic,
// no model files, no network. Retrieval quality is coarser than a trained
// model but stable enough for dedup, conflict banding, and nearest-neighbor
// ranking over short declarative sentences, which is all the memory core
// asks of it.
type LocalProvider struct {
	dims int
}

// NewLocalProvider creates the default on-device provider.
func NewLocalProvider(dims int) *LocalProvider {
	if dims <= 0 {
		dims = DefaultDimensions
	}
	return &LocalProvider{dims: dims}
}

// Dimensions returns the embedding vector size.
func (p *LocalProvider) Dimensions() int {
	return p.dims
}

// Embed generates a deterministic unit vector from text.
func (p *LocalProvider) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, p.dims)
	words := splitWords(text)

	for _, w := range words {
		p.addFeature(vec, "w:"+w, 1.0)
		for _, tri := range charTrigrams(w) {
			p.addFeature(vec, "c:"+tri, 0.35)
		}
	}
	for i := 0; i+1 < len(words); i++ {
		p.addFeature(vec, "b:"+words[i]+" "+words[i+1], 0.6)
	}

	return Normalize(vec), nil
}

// EmbedBatch generates embeddings sequentially; the provider is CPU-bound
// and cheap, so there is nothing to parallelize.
func (p *LocalProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	vecs := make([][]float32, len(texts))
	for i, t := range texts {
		vec, err := p.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		vecs[i] = vec
	}
	return vecs, nil
}

// addFeature hashes the feature into a bucket; a second hash bit picks the
// sign so colliding features tend to cancel instead of compounding.
func (p *LocalProvider) addFeature(vec []float32, feature string, weight float32) {
	h := fnv.New64a()
	_, _ = h.Write([]byte(feature))
	sum := h.Sum64()
	idx := int(sum % uint64(p.dims))
	if (sum>>63)&1 == 1 {
		weight = -weight
	}
	vec[idx] += weight
}

func splitWords(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

func charTrigrams(word string) []string {
	runes := []rune(word)
	if len(runes) < 3 {
		return nil
	}
	grams := make([]string, 0, len(runes)-2)
	for i := 0; i+3 <= len(runes); i++ {
		grams = append(grams, string(runes[i:i+3]))
	}
	return grams
}
