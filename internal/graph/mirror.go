package graph

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"golang.org/x/sync/singleflight"

	"github.com/mnesis-ai/mnesis/internal/model"
)

// MirrorConfig holds configuration for the optional Qdrant mirror.
type MirrorConfig struct {
	URL        string // e.g. "https://xyz.cloud.qdrant.io:6333" or "http://localhost:6333"
	APIKey     string
	Collection string
	Dims       uint64
}

// Mirror replicates active memory points into a Qdrant collection so external
// tooling can browse the graph's nodes. The local store stays authoritative;
// every mirror call site treats failures as non-fatal.
type Mirror struct {
	client     *qdrant.Client
	collection string
	dims       uint64
	logger     *slog.Logger

	healthGroup singleflight.Group
	healthErr   atomic.Value // stores *error (pointer-to-error, never nil pointer; inner error may be nil)
	healthAt    atomic.Int64 // unix nanos of last check
}

// parseMirrorURL extracts host, port, and TLS flag from a Qdrant URL.
// Accepts forms like "https://host:6333", "http://host:6333", or "host:6334".
func parseMirrorURL(rawURL string) (host string, port int, useTLS bool, err error) {
	u, parseErr := url.Parse(rawURL)
	if parseErr != nil || u.Host == "" {
		return "", 0, false, fmt.Errorf("graph: invalid qdrant URL: %q", rawURL)
	}

	useTLS = u.Scheme == "https"
	host = u.Hostname()

	if portStr := u.Port(); portStr != "" {
		p, err := strconv.Atoi(portStr)
		if err != nil {
			return "", 0, false, fmt.Errorf("graph: invalid port in qdrant URL: %q", portStr)
		}
		// If the user specified the REST port (6333), use the gRPC port (6334).
		if p == 6333 {
			port = 6334
		} else {
			port = p
		}
	} else {
		port = 6334
	}

	return host, port, useTLS, nil
}

// NewMirror connects to the Qdrant server via gRPC.
func NewMirror(cfg MirrorConfig, logger *slog.Logger) (*Mirror, error) {
	host, port, useTLS, err := parseMirrorURL(cfg.URL)
	if err != nil {
		return nil, err
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: cfg.APIKey,
		UseTLS: useTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("graph: connect to qdrant at %s:%d: %w", host, port, err)
	}

	return &Mirror{
		client:     client,
		collection: cfg.Collection,
		dims:       cfg.Dims,
		logger:     logger,
	}, nil
}

// EnsureCollection creates the collection if it doesn't already exist and
// ensures all payload indexes are present. Index creation is always attempted
// regardless of whether the collection pre-existed: CreateFieldIndex is
// idempotent on Qdrant, so indexes added after the collection was first
// created are backfilled on restart.
func (m *Mirror) EnsureCollection(ctx context.Context) error {
	exists, err := m.client.CollectionExists(ctx, m.collection)
	if err != nil {
		return fmt.Errorf("graph: check collection exists: %w", err)
	}

	if !exists {
		hnswM := uint64(16)
		efConstruct := uint64(128)

		if err := m.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: m.collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     m.dims,
				Distance: qdrant.Distance_Cosine,
				HnswConfig: &qdrant.HnswConfigDiff{
					M:           &hnswM,
					EfConstruct: &efConstruct,
				},
			}),
		}); err != nil {
			return fmt.Errorf("graph: create collection %q: %w", m.collection, err)
		}
		m.logger.Info("qdrant: created collection", "collection", m.collection, "dims", m.dims)
	} else {
		m.logger.Info("qdrant: collection already exists", "collection", m.collection)
	}

	keywordType := qdrant.FieldType_FieldTypeKeyword
	for _, field := range []string{"level", "category", "status"} {
		if _, err := m.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: m.collection,
			FieldName:      field,
			FieldType:      &keywordType,
		}); err != nil {
			return fmt.Errorf("graph: ensure index on %q: %w", field, err)
		}
	}

	floatType := qdrant.FieldType_FieldTypeFloat
	for _, field := range []string{"importance", "created_unix"} {
		if _, err := m.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: m.collection,
			FieldName:      field,
			FieldType:      &floatType,
		}); err != nil {
			return fmt.Errorf("graph: ensure index on %q: %w", field, err)
		}
	}

	m.logger.Info("qdrant: payload indexes ensured", "collection", m.collection)
	return nil
}

// UpsertMemories inserts or updates memory points. Memories without an
// embedding are skipped since Qdrant points require a vector.
func (m *Mirror) UpsertMemories(ctx context.Context, memories []*model.Memory) error {
	points := make([]*qdrant.PointStruct, 0, len(memories))
	for _, mem := range memories {
		if len(mem.Embedding) == 0 {
			continue
		}
		payload := map[string]any{
			"level":        string(mem.Level),
			"category":     string(mem.Category),
			"status":       string(mem.Status),
			"importance":   mem.ImportanceScore,
			"created_unix": float64(mem.CreatedAt.Unix()),
		}
		points = append(points, &qdrant.PointStruct{
			Id:      qdrant.NewID(mem.ID),
			Vectors: qdrant.NewVectorsDense(mem.Embedding),
			Payload: qdrant.NewValueMap(payload),
		})
	}
	if len(points) == 0 {
		return nil
	}

	_, err := m.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: m.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("graph: qdrant upsert %d points: %w", len(points), err)
	}
	return nil
}

// DeleteByIDs removes specific points by memory ID.
func (m *Mirror) DeleteByIDs(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	pointIDs := make([]*qdrant.PointId, len(ids))
	for i, id := range ids {
		pointIDs[i] = qdrant.NewID(id)
	}

	_, err := m.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: m.collection,
		Wait:           qdrant.PtrOf(true),
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Points{
				Points: &qdrant.PointsIdsList{
					Ids: pointIDs,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("graph: qdrant delete %d points: %w", len(ids), err)
	}
	return nil
}

// Healthy returns nil if Qdrant is reachable. Results are cached for 5 seconds
// to avoid hammering the health endpoint on every request. Concurrent calls
// after cache expiry are deduplicated via singleflight so only one gRPC call
// is made; all waiters share its result.
func (m *Mirror) Healthy(ctx context.Context) error {
	// Fast path: return the cached result if fresh.
	if time.Since(time.Unix(0, m.healthAt.Load())) < 5*time.Second {
		return m.loadHealthErr()
	}

	// Deduplicate concurrent checks. Use context.Background() instead of the
	// caller's ctx because singleflight reuses the first caller's context;
	// if that caller cancels, all waiters would get a stale error.
	result, _, _ := m.healthGroup.Do("health", func() (any, error) {
		checkCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		_, err := m.client.HealthCheck(checkCtx)
		if err != nil {
			wrapped := fmt.Errorf("graph: qdrant unhealthy: %w", err)
			m.storeHealthErr(wrapped)
		} else {
			m.storeHealthErr(nil)
		}
		m.healthAt.Store(time.Now().UnixNano())
		return m.loadHealthErr(), nil
	})
	if result == nil {
		return nil
	}
	return result.(error)
}

// storeHealthErr stores an error (or nil) in the atomic.Value.
// atomic.Value cannot store nil directly, so we wrap it in a pointer.
func (m *Mirror) storeHealthErr(err error) {
	m.healthErr.Store(&err)
}

// loadHealthErr loads the cached health error.
func (m *Mirror) loadHealthErr() error {
	v := m.healthErr.Load()
	if v == nil {
		return nil
	}
	return *v.(*error)
}

// Close shuts down the Qdrant gRPC connection.
func (m *Mirror) Close() error {
	return m.client.Close()
}
