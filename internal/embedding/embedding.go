// Package embedding provides vector embedding generation for memory storage
// and retrieval.
//
// Defines a Provider interface with local, Ollama, and OpenAI implementations.
// The Embedder facade adds lazy warmup, status reporting, L2 normalization,
// and token counting on top of whichever provider is configured.
package embedding

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultDimensions is the vector size used when the provider does not
// dictate one.
const DefaultDimensions = 384

// Provider generates vector embeddings from text.
type Provider interface {
	// Embed generates a single embedding vector from text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the embedding vector dimensionality.
	Dimensions() int
}

// Status reports whether the embedder is usable yet.
type Status string

const (
	StatusLoading Status = "loading"
	StatusReady   Status = "ready"
	StatusError   Status = "error"
)

// Embedder wraps a Provider with lazy initialization and output hygiene.
// The first call may block for seconds while the provider warms up; callers
// that cannot block check Status first and take a zero-vector path.
type Embedder struct {
	provider Provider
	logger   *slog.Logger

	warmupGroup singleflight.Group
	status      atomic.Value // Status
	warmErr     atomic.Value // *error
}

// NewEmbedder wraps provider. No network or model work happens here; the
// first Embed call (or an explicit Warmup) pays the initialization cost.
func NewEmbedder(provider Provider, logger *slog.Logger) *Embedder {
	e := &Embedder{provider: provider, logger: logger}
	e.status.Store(StatusLoading)
	return e
}

// Status returns the current lifecycle state.
func (e *Embedder) Status() Status {
	return e.status.Load().(Status)
}

// Dimensions returns the provider's vector size.
func (e *Embedder) Dimensions() int {
	return e.provider.Dimensions()
}

// Warmup initializes the provider in the background. Safe to call more than
// once; concurrent warmups collapse into one probe.
func (e *Embedder) Warmup() {
	go func() {
		if err := e.ensureReady(); err != nil {
			e.logger.Warn("embedding warmup failed", "error", err)
		}
	}()
}

// ensureReady probes the provider once and caches the outcome. A failed
// probe leaves status=error; the next call retries.
func (e *Embedder) ensureReady() error {
	if e.Status() == StatusReady {
		return nil
	}
	// Probe on a background context: singleflight reuses the first caller's
	// context, and a cancelled first caller would fail every waiter.
	_, err, _ := e.warmupGroup.Do("warmup", func() (any, error) {
		if e.Status() == StatusReady {
			return nil, nil
		}
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		start := time.Now()
		if _, err := e.provider.Embed(ctx, "warmup probe"); err != nil {
			e.status.Store(StatusError)
			e.warmErr.Store(&err)
			return nil, fmt.Errorf("embedding: warmup: %w", err)
		}
		e.status.Store(StatusReady)
		e.logger.Info("embedding provider ready",
			"dimensions", e.provider.Dimensions(),
			"warmup_ms", time.Since(start).Milliseconds())
		return nil, nil
	})
	return err
}

// Embed generates one unit vector for text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := e.ensureReady(); err != nil {
		return nil, err
	}
	vec, err := e.provider.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	return e.checkAndNormalize(vec)
}

// EmbedBatch generates unit vectors for texts, preserving input order.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if err := e.ensureReady(); err != nil {
		return nil, err
	}
	vecs, err := e.provider.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("embedding: got %d vectors for %d texts", len(vecs), len(texts))
	}
	for i, v := range vecs {
		if vecs[i], err = e.checkAndNormalize(v); err != nil {
			return nil, fmt.Errorf("embedding: batch item %d: %w", i, err)
		}
	}
	return vecs, nil
}

// CountTokens exposes the tokenizer for content-length validation.
func (e *Embedder) CountTokens(text string) int {
	return CountTokens(text)
}

func (e *Embedder) checkAndNormalize(vec []float32) ([]float32, error) {
	if len(vec) != e.provider.Dimensions() {
		return nil, fmt.Errorf("embedding: provider returned %d dims, want %d", len(vec), e.provider.Dimensions())
	}
	return Normalize(vec), nil
}

// Normalize scales vec to unit L2 length in place and returns it. Zero
// vectors are returned unchanged.
func Normalize(vec []float32) []float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return vec
	}
	norm := math.Sqrt(sum)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec
}

// NoopProvider returns zero vectors. Used when embeddings are disabled;
// vector search degrades to recency ordering.
type NoopProvider struct {
	dims int
}

// NewNoopProvider creates a provider that returns zero vectors.
func NewNoopProvider(dims int) *NoopProvider {
	if dims <= 0 {
		dims = DefaultDimensions
	}
	return &NoopProvider{dims: dims}
}

// Dimensions returns the embedding vector size.
func (p *NoopProvider) Dimensions() int {
	return p.dims
}

// Embed returns a zero vector.
func (p *NoopProvider) Embed(_ context.Context, _ string) ([]float32, error) {
	return make([]float32, p.dims), nil
}

// EmbedBatch returns zero vectors.
func (p *NoopProvider) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	vecs := make([][]float32, len(texts))
	for i := range vecs {
		vecs[i] = make([]float32, p.dims)
	}
	return vecs, nil
}
