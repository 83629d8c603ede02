package embedding

import (
	"context"
	"math"
	"testing"
)

func cosine(a, b []float32) float64 {
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot
}

func TestLocalProviderDeterministic(t *testing.T) {
	p := NewLocalProvider(0)
	a, err := p.Embed(context.Background(), "The user prefers concise technical answers.")
	if err != nil {
		t.Fatal(err)
	}
	b, err := p.Embed(context.Background(), "The user prefers concise technical answers.")
	if err != nil {
		t.Fatal(err)
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("vectors differ at %d: %f vs %f", i, a[i], b[i])
		}
	}
}

func TestLocalProviderUnitNorm(t *testing.T) {
	p := NewLocalProvider(0)
	if p.Dimensions() != DefaultDimensions {
		t.Fatalf("expected %d dims, got %d", DefaultDimensions, p.Dimensions())
	}
	vec, err := p.Embed(context.Background(), "The user works with Go daily on backend services.")
	if err != nil {
		t.Fatal(err)
	}
	if len(vec) != DefaultDimensions {
		t.Fatalf("expected %d-dim vector, got %d", DefaultDimensions, len(vec))
	}
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if math.Abs(math.Sqrt(sum)-1.0) > 1e-3 {
		t.Errorf("expected unit norm, got %f", math.Sqrt(sum))
	}
}

func TestLocalProviderSimilarityOrdering(t *testing.T) {
	p := NewLocalProvider(0)
	ctx := context.Background()

	base, _ := p.Embed(ctx, "The user prefers concise technical answers.")
	near, _ := p.Embed(ctx, "The user prefers concise technical responses.")
	far, _ := p.Embed(ctx, "Cats sleep for most of the day.")

	simNear := cosine(base, near)
	simFar := cosine(base, far)
	if simNear <= simFar {
		t.Errorf("expected paraphrase (%f) to rank above unrelated text (%f)", simNear, simFar)
	}
	if simNear < 0.5 {
		t.Errorf("expected substantial overlap for paraphrase, got %f", simNear)
	}
}

func TestLocalProviderBatchMatchesSingle(t *testing.T) {
	p := NewLocalProvider(128)
	ctx := context.Background()
	texts := []string{"alpha beta gamma", "delta epsilon"}

	batch, err := p.EmbedBatch(ctx, texts)
	if err != nil {
		t.Fatal(err)
	}
	if len(batch) != 2 {
		t.Fatalf("expected 2 vectors, got %d", len(batch))
	}
	for i, text := range texts {
		single, _ := p.Embed(ctx, text)
		for j := range single {
			if single[j] != batch[i][j] {
				t.Fatalf("batch[%d] differs from single embed at %d", i, j)
			}
		}
	}
}

func TestCountTokens(t *testing.T) {
	tests := []struct {
		text string
		want int
	}{
		{"", 0},
		{"hello", 1},
		{"Hello, world.", 4},
		{"don't worry", 2},
		{"a b c d", 4},
	}
	for _, tt := range tests {
		if got := CountTokens(tt.text); got != tt.want {
			t.Errorf("CountTokens(%q) = %d, want %d", tt.text, got, tt.want)
		}
	}
}
