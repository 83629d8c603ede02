// Package config resolves the service configuration: built-in defaults, an
// optional config.yaml overlaid on top, then MNESIS_* environment overrides.
// The YAML document is unmarshalled over the populated defaults, so only the
// keys present in the file move; everything else keeps its default.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mnesis-ai/mnesis/internal/embedding"
)

// FileName is the configuration file looked up inside the config directory.
const FileName = "config.yaml"

// Duration parses YAML values like "30s" or "6h" into a time.Duration.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("config: duration must be a string like \"30s\": %w", err)
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("config: bad duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config holds the full service configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Mining    MiningConfig    `yaml:"mining"`
	Providers ProvidersConfig `yaml:"providers"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Graph     GraphConfig     `yaml:"graph"`
}

// ServerConfig tunes the local REST/MCP listener.
type ServerConfig struct {
	Host         string   `yaml:"host"`
	Port         int      `yaml:"port"`
	ReadTimeout  Duration `yaml:"read_timeout"`
	WriteTimeout Duration `yaml:"write_timeout"`
	MaxBodyBytes int64    `yaml:"max_body_bytes"`
	AuthEnabled  bool     `yaml:"auth_enabled"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// EmbeddingConfig selects the vector provider. "auto" probes configured
// remote providers and falls back to the local deterministic one.
type EmbeddingConfig struct {
	Provider    string `yaml:"provider"` // auto, local, noop, openai, ollama
	Dimensions  int    `yaml:"dimensions"`
	OpenAIModel string `yaml:"openai_model"`
	OllamaModel string `yaml:"ollama_model"`
}

// MiningConfig tunes conversation analysis. An empty provider means
// auto-detect with the heuristic extractor as the floor.
type MiningConfig struct {
	Provider             string   `yaml:"provider"`
	AutoAnalysis         bool     `yaml:"auto_analysis"`
	AutoAnalysisInterval Duration `yaml:"auto_analysis_interval"`
	MaxConversations     int      `yaml:"max_conversations"`
	MinConfidence        float64  `yaml:"min_confidence"`
	IncludeAssistant     bool     `yaml:"include_assistant"`
}

// ProvidersConfig carries credentials and endpoints shared by the embedder
// and the miner.
type ProvidersConfig struct {
	OpenAIKey      string `yaml:"openai_api_key"`
	OpenAIModel    string `yaml:"openai_model"`
	AnthropicKey   string `yaml:"anthropic_api_key"`
	AnthropicModel string `yaml:"anthropic_model"`
	OllamaURL      string `yaml:"ollama_url"`
	OllamaModel    string `yaml:"ollama_model"`
}

type SchedulerConfig struct {
	SessionMaxAge Duration `yaml:"session_max_age"`
}

// TelemetryConfig enables OTLP export when an endpoint is set. Insecure
// defaults to true: the expected collector is a local plaintext one.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name"`
	Insecure     bool   `yaml:"insecure"`
}

type GraphConfig struct {
	Mirror MirrorConfig `yaml:"mirror"`
}

// MirrorConfig points at an optional external vector mirror. Empty URL
// disables mirroring.
type MirrorConfig struct {
	URL        string `yaml:"url"`
	APIKey     string `yaml:"api_key"`
	Collection string `yaml:"collection"`
}

// DefaultConfig returns the configuration used when no file and no
// environment overrides are present.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Host:         "127.0.0.1",
			Port:         7437,
			ReadTimeout:  Duration(30 * time.Second),
			WriteTimeout: Duration(60 * time.Second),
			MaxBodyBytes: 1 * 1024 * 1024,
			AuthEnabled:  true,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Embedding: EmbeddingConfig{
			Provider:    "auto",
			Dimensions:  embedding.DefaultDimensions,
			OpenAIModel: "text-embedding-3-small",
			OllamaModel: "mxbai-embed-large",
		},
		Mining: MiningConfig{
			Provider:             "",
			AutoAnalysis:         true,
			AutoAnalysisInterval: Duration(6 * time.Hour),
			MaxConversations:     10,
			MinConfidence:        0.55,
			IncludeAssistant:     false,
		},
		Providers: ProvidersConfig{
			OllamaURL: "http://localhost:11434",
		},
		Scheduler: SchedulerConfig{
			SessionMaxAge: Duration(30 * 24 * time.Hour),
		},
		Telemetry: TelemetryConfig{
			ServiceName: "mnesis",
			Insecure:    true,
		},
		Graph: GraphConfig{
			Mirror: MirrorConfig{Collection: "mnesis_memories"},
		},
	}
}

// Load resolves the effective configuration for a config directory.
func Load(dir string) (Config, error) {
	cfg := DefaultConfig()

	path := filepath.Join(dir, FileName)
	raw, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		// Defaults only.
	case err != nil:
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv lays MNESIS_* (and a few conventional provider) variables over the
// resolved configuration. Environment wins over the file.
func (c *Config) applyEnv() {
	c.Server.Host = envStr("MNESIS_HOST", c.Server.Host)
	c.Server.Port = envInt("MNESIS_PORT", c.Server.Port)
	c.Server.AuthEnabled = envBool("MNESIS_AUTH_ENABLED", c.Server.AuthEnabled)
	c.Log.Level = envStr("MNESIS_LOG_LEVEL", c.Log.Level)
	c.Log.Format = envStr("MNESIS_LOG_FORMAT", c.Log.Format)
	c.Embedding.Provider = envStr("MNESIS_EMBEDDING_PROVIDER", c.Embedding.Provider)
	c.Embedding.Dimensions = envInt("MNESIS_EMBEDDING_DIMENSIONS", c.Embedding.Dimensions)
	c.Mining.Provider = envStr("MNESIS_MINING_PROVIDER", c.Mining.Provider)
	c.Mining.AutoAnalysis = envBool("MNESIS_AUTO_ANALYSIS", c.Mining.AutoAnalysis)
	c.Mining.AutoAnalysisInterval = Duration(envDuration("MNESIS_AUTO_ANALYSIS_INTERVAL", c.Mining.AutoAnalysisInterval.Std()))
	c.Providers.OpenAIKey = envStr("OPENAI_API_KEY", c.Providers.OpenAIKey)
	c.Providers.AnthropicKey = envStr("ANTHROPIC_API_KEY", c.Providers.AnthropicKey)
	c.Providers.OllamaURL = envStr("OLLAMA_URL", c.Providers.OllamaURL)
	c.Providers.OllamaModel = envStr("OLLAMA_MODEL", c.Providers.OllamaModel)
	c.Telemetry.OTLPEndpoint = envStr("OTEL_EXPORTER_OTLP_ENDPOINT", c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = envStr("OTEL_SERVICE_NAME", c.Telemetry.ServiceName)
	c.Telemetry.Insecure = envBool("MNESIS_OTLP_INSECURE", c.Telemetry.Insecure)
	c.Graph.Mirror.URL = envStr("MNESIS_MIRROR_URL", c.Graph.Mirror.URL)
	c.Graph.Mirror.APIKey = envStr("MNESIS_MIRROR_API_KEY", c.Graph.Mirror.APIKey)
}

// Validate checks that the resolved configuration is usable.
func (c Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("config: server.port %d out of range", c.Server.Port)
	}
	if c.Server.MaxBodyBytes <= 0 {
		return fmt.Errorf("config: server.max_body_bytes must be positive")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: log.level %q not one of debug, info, warn, error", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("config: log.format %q not one of text, json", c.Log.Format)
	}
	switch c.Embedding.Provider {
	case "auto", "local", "noop", "openai", "ollama":
	default:
		return fmt.Errorf("config: embedding.provider %q unknown", c.Embedding.Provider)
	}
	if c.Embedding.Dimensions <= 0 {
		return fmt.Errorf("config: embedding.dimensions must be positive")
	}
	if c.Mining.MinConfidence < 0 || c.Mining.MinConfidence > 1 {
		return fmt.Errorf("config: mining.min_confidence %v out of [0,1]", c.Mining.MinConfidence)
	}
	if c.Scheduler.SessionMaxAge.Std() <= 0 {
		return fmt.Errorf("config: scheduler.session_max_age must be positive")
	}
	return nil
}

// Dir resolves the configuration directory: $MNESIS_HOME when set, else the
// platform default (%APPDATA%/Mnesis on Windows, ~/.mnesis elsewhere).
func Dir() (string, error) {
	if dir := os.Getenv("MNESIS_HOME"); dir != "" {
		return dir, nil
	}
	if runtime.GOOS == "windows" {
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "Mnesis"), nil
		}
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: resolve home: %w", err)
	}
	return filepath.Join(home, ".mnesis"), nil
}

// EnsureDir creates the configuration directory owner-only. An existing
// directory is re-hardened: MkdirAll alone would leave looser permissions
// in place.
func EnsureDir(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("config: create %s: %w", dir, err)
	}
	if runtime.GOOS != "windows" {
		if err := os.Chmod(dir, 0o700); err != nil {
			return fmt.Errorf("config: harden %s: %w", dir, err)
		}
	}
	return nil
}

// DataDir returns the store directory under the config directory.
func DataDir(dir string) string { return filepath.Join(dir, "data") }

// Manager caches one loaded Config for process-wide reads. Reload is
// explicit; nothing watches the file.
type Manager struct {
	dir string

	mu  sync.RWMutex
	cfg Config
}

func NewManager(dir string) (*Manager, error) {
	cfg, err := Load(dir)
	if err != nil {
		return nil, err
	}
	return &Manager{dir: dir, cfg: cfg}, nil
}

// Current returns the cached configuration.
func (m *Manager) Current() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// ForceReload re-reads the file and environment, swapping the cache only
// when the result validates.
func (m *Manager) ForceReload() (Config, error) {
	cfg, err := Load(m.dir)
	if err != nil {
		return Config{}, err
	}
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
	return cfg, nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
