package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/mnesis-ai/mnesis/internal/auth"
	"github.com/mnesis-ai/mnesis/internal/candidates"
	"github.com/mnesis-ai/mnesis/internal/config"
	"github.com/mnesis-ai/mnesis/internal/conflicts"
	"github.com/mnesis-ai/mnesis/internal/conversations"
	"github.com/mnesis-ai/mnesis/internal/embedding"
	"github.com/mnesis-ai/mnesis/internal/graph"
	"github.com/mnesis-ai/mnesis/internal/jobs"
	"github.com/mnesis-ai/mnesis/internal/mcp"
	"github.com/mnesis-ai/mnesis/internal/memory"
	"github.com/mnesis-ai/mnesis/internal/migrate"
	"github.com/mnesis-ai/mnesis/internal/mining"
	"github.com/mnesis-ai/mnesis/internal/model"
	"github.com/mnesis-ai/mnesis/internal/provider"
	"github.com/mnesis-ai/mnesis/internal/scheduler"
	"github.com/mnesis-ai/mnesis/internal/server"
	"github.com/mnesis-ai/mnesis/internal/sessions"
	"github.com/mnesis-ai/mnesis/internal/store"
	"github.com/mnesis-ai/mnesis/internal/telemetry"
	"github.com/mnesis-ai/mnesis/internal/writequeue"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	stdio := flag.Bool("stdio", false, "serve MCP on stdin/stdout instead of HTTP")
	flag.Parse()
	if os.Getenv("MNESIS_MCP_STDIO") == "1" {
		*stdio = true
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *stdio); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, stdio bool) error {
	// Load .env file if present (non-fatal; installed copies won't have one).
	_ = godotenv.Load()

	dir, err := config.Dir()
	if err != nil {
		return fmt.Errorf("config dir: %w", err)
	}
	if err := config.EnsureDir(dir); err != nil {
		return err
	}
	mgr, err := config.NewManager(dir)
	if err != nil {
		return err
	}
	cfg := mgr.Current()

	logger := newLogger(cfg.Log, stdio)
	slog.SetDefault(logger)

	slog.Info("mnesis starting", "version", version, "dir", dir)

	// Initialize OpenTelemetry. A missing endpoint yields a no-op shutdown.
	otelShutdown, err := telemetry.Init(ctx, cfg.Telemetry.OTLPEndpoint, cfg.Telemetry.ServiceName, version, cfg.Telemetry.Insecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Open the embedded store and bring the schema current before any
	// component touches a table.
	st, err := store.Open(ctx, config.DataDir(dir), logger)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer func() { _ = st.Close() }()

	if applied, err := migrate.New(st, logger).Apply(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	} else if applied > 0 {
		logger.Info("migrations applied", "count", applied)
	}

	// The write queue worker gets a background context so queued ops still
	// land during the shutdown drain after the signal context is cancelled.
	queue := writequeue.New(0, logger)
	queue.Start(context.Background())

	embedder := embedding.NewEmbedder(newEmbeddingProvider(cfg, logger), logger)
	embedder.Warmup()

	// Local API token for the REST surface. MCP stdio is a local pipe and
	// stays exempt.
	var keeper *auth.Keeper
	if cfg.Server.AuthEnabled {
		keeper = auth.NewKeeper(dir, logger)
		_, fresh, err := keeper.Ensure()
		if err != nil {
			return fmt.Errorf("auth: %w", err)
		}
		if fresh {
			logger.Info("api token minted, clients read it from the token file", "path", keeper.TokenPath())
		}
	} else {
		logger.Warn("api auth disabled by configuration")
	}

	// Optional external vector mirror. The local store stays authoritative;
	// a collection check failure is logged and retried by the health probe.
	var mirror *graph.Mirror
	if cfg.Graph.Mirror.URL != "" {
		mirror, err = graph.NewMirror(graph.MirrorConfig{
			URL:        cfg.Graph.Mirror.URL,
			APIKey:     cfg.Graph.Mirror.APIKey,
			Collection: cfg.Graph.Mirror.Collection,
			Dims:       uint64(embedder.Dimensions()), //nolint:gosec // validated positive in config.Validate
		}, logger)
		if err != nil {
			return fmt.Errorf("graph mirror: %w", err)
		}
		defer func() { _ = mirror.Close() }()
		if err := mirror.EnsureCollection(ctx); err != nil {
			logger.Warn("graph mirror collection check failed", "error", err)
		}
		logger.Info("graph mirror: enabled", "collection", cfg.Graph.Mirror.Collection)
	} else {
		logger.Info("graph mirror: disabled (no graph.mirror.url)")
	}

	graphLayer, err := graph.NewLayer(ctx, st, mirror, logger)
	if err != nil {
		return fmt.Errorf("graph: %w", err)
	}
	tracker, err := sessions.NewTracker(ctx, st, queue, logger)
	if err != nil {
		return fmt.Errorf("sessions: %w", err)
	}
	core, err := memory.NewCore(ctx, st, queue, embedder, graphLayer, tracker, logger)
	if err != nil {
		return fmt.Errorf("memory: %w", err)
	}
	cands, err := candidates.NewStore(ctx, st, queue, embedder, logger)
	if err != nil {
		return fmt.Errorf("candidates: %w", err)
	}
	convs, err := conversations.NewStore(ctx, st, queue, embedder, logger)
	if err != nil {
		return fmt.Errorf("conversations: %w", err)
	}
	workbench, err := conflicts.NewWorkbench(ctx, st, queue, core, logger)
	if err != nil {
		return fmt.Errorf("conflicts: %w", err)
	}

	miner, err := mining.New(ctx, st, queue, convs, cands, core, mining.Config{
		MaxConversations: cfg.Mining.MaxConversations,
		MinConfidence:    cfg.Mining.MinConfidence,
		IncludeAssistant: cfg.Mining.IncludeAssistant,
		DefaultProvider:  cfg.Mining.Provider,
		Provider: provider.Config{
			OpenAIKey:      cfg.Providers.OpenAIKey,
			OpenAIModel:    cfg.Providers.OpenAIModel,
			AnthropicKey:   cfg.Providers.AnthropicKey,
			AnthropicModel: cfg.Providers.AnthropicModel,
			OllamaURL:      cfg.Providers.OllamaURL,
			OllamaModel:    cfg.Providers.OllamaModel,
		},
	}, logger)
	if err != nil {
		return fmt.Errorf("mining: %w", err)
	}

	jobQueue, err := jobs.New(ctx, st, queue, logger)
	if err != nil {
		return fmt.Errorf("jobs: %w", err)
	}
	jobQueue.Register(model.TriggerConversationAnalysis, jobs.AnalysisHandler(miner))
	if n, err := jobQueue.Recover(ctx); err != nil {
		logger.Warn("job recovery failed", "error", err)
	} else if n > 0 {
		logger.Info("jobs recovered", "count", n)
	}
	jobQueue.Start(ctx)

	deps := scheduler.Deps{
		Writes:    queue,
		Decay:     core,
		Sessions:  tracker,
		Edges:     graphLayer,
		Compactor: st,
		Jobs:      jobQueue,
	}
	if keeper != nil {
		deps.Rotator = keeper
	}
	sched, err := scheduler.New(dir, deps, scheduler.Config{
		AutoAnalysis:         cfg.Mining.AutoAnalysis,
		AutoAnalysisInterval: cfg.Mining.AutoAnalysisInterval.Std(),
		SessionMaxAge:        cfg.Scheduler.SessionMaxAge.Std(),
	}, logger)
	if err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	sched.Start(ctx)

	mcpSrv := mcp.New(core, convs, version, logger)

	var srv *server.Server
	if stdio {
		// Client-managed subprocess: the MCP stream owns stdout and the
		// process lives as long as the pipe does.
		logger.Info("mcp: serving on stdio")
		if err := mcpSrv.ServeStdio(); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("mcp stdio terminated", "error", err)
		}
	} else {
		srv = server.New(server.Config{
			Core:          core,
			Conversations: convs,
			Embedder:      embedder,
			Logger:        logger,

			Candidates: cands,
			Graph:      graphLayer,
			Miner:      miner,
			Jobs:       jobQueue,
			Workbench:  workbench,
			Sessions:   tracker,
			Keeper:     keeper,
			MCPServer:  mcpSrv.MCPServer(),

			Host:                cfg.Server.Host,
			Port:                cfg.Server.Port,
			ReadTimeout:         cfg.Server.ReadTimeout.Std(),
			WriteTimeout:        cfg.Server.WriteTimeout.Std(),
			Version:             version,
			MaxRequestBodyBytes: cfg.Server.MaxBodyBytes,
		})

		errCh := make(chan error, 1)
		go func() {
			if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()

		select {
		case <-ctx.Done():
		case err := <-errCh:
			return err
		}
	}

	// Graceful shutdown. Each phase gets its own timeout so early completion
	// doesn't steal budget from later phases. Order: stop accepting HTTP
	// requests, halt the sweep loop, stop the job worker, then drain queued
	// writes; the deferred closes handle the mirror, store, and telemetry.
	slog.Info("mnesis shutting down")

	if srv != nil {
		httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := srv.Shutdown(httpCtx); err != nil {
			slog.Error("http shutdown error", "error", err)
		}
		httpCancel()
	}

	schedCtx, schedCancel := context.WithTimeout(context.Background(), 10*time.Second)
	sched.Stop(schedCtx)
	schedCancel()

	jobsCtx, jobsCancel := context.WithTimeout(context.Background(), 10*time.Second)
	jobQueue.Stop(jobsCtx)
	jobsCancel()

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := queue.Stop(drainCtx); err != nil {
		slog.Error("write queue drain error", "error", err)
	}
	drainCancel()

	slog.Info("mnesis stopped")
	return nil
}

// newLogger builds the process logger from config. In stdio mode stdout
// carries the MCP protocol stream, so logs move to stderr.
func newLogger(cfg config.LogConfig, stdio bool) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	out := io.Writer(os.Stdout)
	if stdio {
		out = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(cfg.Format) == "json" {
		return slog.New(slog.NewJSONHandler(out, opts))
	}
	return slog.New(slog.NewTextHandler(out, opts))
}

// newEmbeddingProvider selects the vector provider from configuration.
// Auto mode tries Ollama if reachable, then OpenAI if a key is present, and
// falls back to the deterministic local provider so semantic search always
// works offline.
func newEmbeddingProvider(cfg config.Config, logger *slog.Logger) embedding.Provider {
	dims := cfg.Embedding.Dimensions

	switch cfg.Embedding.Provider {
	case "openai":
		if cfg.Providers.OpenAIKey == "" {
			logger.Error("OPENAI_API_KEY required when embedding.provider is openai, using local")
			return embedding.NewLocalProvider(dims)
		}
		logger.Info("embedding provider: openai", "model", cfg.Embedding.OpenAIModel, "dimensions", dims)
		return embedding.NewOpenAIProvider(cfg.Providers.OpenAIKey, cfg.Embedding.OpenAIModel, dims)

	case "ollama":
		logger.Info("embedding provider: ollama", "url", cfg.Providers.OllamaURL, "model", cfg.Embedding.OllamaModel, "dimensions", dims)
		return embedding.NewOllamaProvider(cfg.Providers.OllamaURL, cfg.Embedding.OllamaModel, dims)

	case "noop":
		logger.Info("embedding provider: noop (semantic search disabled)")
		return embedding.NewNoopProvider(dims)

	case "local":
		logger.Info("embedding provider: local", "dimensions", dims)
		return embedding.NewLocalProvider(dims)

	case "auto":
		fallthrough
	default:
		if ollamaReachable(cfg.Providers.OllamaURL) {
			logger.Info("embedding provider: ollama (auto-detected)", "url", cfg.Providers.OllamaURL, "model", cfg.Embedding.OllamaModel, "dimensions", dims)
			return embedding.NewOllamaProvider(cfg.Providers.OllamaURL, cfg.Embedding.OllamaModel, dims)
		}
		if cfg.Providers.OpenAIKey != "" {
			logger.Info("embedding provider: openai (auto-detected)", "model", cfg.Embedding.OpenAIModel, "dimensions", dims)
			return embedding.NewOpenAIProvider(cfg.Providers.OpenAIKey, cfg.Embedding.OpenAIModel, dims)
		}
		logger.Info("embedding provider: local (auto fallback)", "dimensions", dims)
		return embedding.NewLocalProvider(dims)
	}
}

// ollamaReachable checks if an Ollama server is responding.
func ollamaReachable(baseURL string) bool {
	if baseURL == "" {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
