// Package config provides configuration for the memories service. Settings
// come from three layers: built-in defaults, an optional YAML file, and
// environment variables with the MEMORIES_ prefix. Environment variables win
// over the file, the file wins over defaults.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds all settings for the memories service.
type Config struct {
	Storage       StorageConfig       `yaml:"storage"`
	Embedding     EmbeddingConfig     `yaml:"embedding"`
	Retrieval     RetrievalConfig     `yaml:"retrieval"`
	Worker        WorkerConfig        `yaml:"worker"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// StorageConfig selects and parameterizes the storage backend.
type StorageConfig struct {
	Engine      string `yaml:"engine"`       // sqlite or postgres (default: sqlite)
	DataPath    string `yaml:"data_path"`    // sqlite data directory (default: ./data)
	PostgresDSN string `yaml:"postgres_dsn"` // lib/pq DSN when Engine is postgres
}

// EmbeddingConfig parameterizes the embedding provider and its breaker.
type EmbeddingConfig struct {
	Provider       string `yaml:"provider"`         // openai or none (default: none)
	APIKey         string `yaml:"api_key"`          // provider API key
	Model          string `yaml:"model"`            // default: text-embedding-3-small
	BaseURL        string `yaml:"base_url"`         // override for OpenAI-compatible providers
	Dimension      int    `yaml:"dimension"`        // expected vector dimension (default: 1536)
	TimeoutSeconds int    `yaml:"timeout_seconds"`  // per-request timeout (default: 30)
	MaxFailures    int    `yaml:"max_failures"`     // breaker trip threshold (default: 3)
	BreakerTimeout int    `yaml:"breaker_timeout"`  // seconds the breaker stays open (default: 30)
}

// RetrievalConfig parameterizes context assembly.
type RetrievalConfig struct {
	DefaultLimit     int    `yaml:"default_limit"`      // ranked memories per request (default: 50)
	RuleLimit        int    `yaml:"rule_limit"`         // always-on rules bound (default: 20)
	GraphRolloutMode string `yaml:"graph_rollout_mode"` // off, shadow or canary (default: off)
	GraphDepth       int    `yaml:"graph_depth"`        // max expansion hops, 0-2 (default: 1)
	GraphLimit       int    `yaml:"graph_limit"`        // max expanded memories (default: 10)
}

// WorkerConfig parameterizes the background passes run by memories-worker.
type WorkerConfig struct {
	BatchSize           int `yaml:"batch_size"`            // jobs leased per pass (default: 10)
	LeaseTimeoutMinutes int `yaml:"lease_timeout_minutes"` // stale-lease reclaim threshold (default: 10)
	RatePerSecond       int `yaml:"rate_per_second"`       // embed call pacing (default: 5)
	BackfillBatchLimit  int `yaml:"backfill_batch_limit"`  // rows scanned per backfill batch (default: 100)
	BackfillThrottleMs  int `yaml:"backfill_throttle_ms"`  // delay between backfill rows (default: 0)
	InactivityMinutes   int `yaml:"inactivity_minutes"`    // session compaction threshold (default: 30)
	CompactionLimit     int `yaml:"compaction_limit"`      // sessions compacted per pass (default: 20)
	EventWindow         int `yaml:"event_window"`          // events summarized per session (default: 50)
}

// ObservabilityConfig parameterizes the health snapshot.
type ObservabilityConfig struct {
	WindowHours int `yaml:"window_hours"` // lookback window (default: 24)
}

// Load builds the config from defaults, then the YAML file named by
// MEMORIES_CONFIG_FILE (when set), then MEMORIES_* environment variables.
func Load() (*Config, error) {
	return LoadFile(os.Getenv("MEMORIES_CONFIG_FILE"))
}

// LoadFile is Load with an explicit file path; an empty path skips the file
// layer.
func LoadFile(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: failed to parse %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Storage: StorageConfig{
			Engine:   "sqlite",
			DataPath: "./data",
		},
		Embedding: EmbeddingConfig{
			Provider:       "none",
			Model:          "text-embedding-3-small",
			Dimension:      1536,
			TimeoutSeconds: 30,
			MaxFailures:    3,
			BreakerTimeout: 30,
		},
		Retrieval: RetrievalConfig{
			DefaultLimit:     50,
			RuleLimit:        20,
			GraphRolloutMode: "off",
			GraphDepth:       1,
			GraphLimit:       10,
		},
		Worker: WorkerConfig{
			BatchSize:           10,
			LeaseTimeoutMinutes: 10,
			RatePerSecond:       5,
			BackfillBatchLimit:  100,
			InactivityMinutes:   30,
			CompactionLimit:     20,
			EventWindow:         50,
		},
		Observability: ObservabilityConfig{
			WindowHours: 24,
		},
	}
}

func applyEnv(cfg *Config) {
	cfg.Storage.Engine = getEnv("MEMORIES_STORAGE_ENGINE", cfg.Storage.Engine)
	cfg.Storage.DataPath = getEnv("MEMORIES_DATA_PATH", cfg.Storage.DataPath)
	cfg.Storage.PostgresDSN = getEnv("MEMORIES_POSTGRES_DSN", cfg.Storage.PostgresDSN)

	cfg.Embedding.Provider = getEnv("MEMORIES_EMBEDDING_PROVIDER", cfg.Embedding.Provider)
	cfg.Embedding.APIKey = getEnv("MEMORIES_EMBEDDING_API_KEY", cfg.Embedding.APIKey)
	cfg.Embedding.Model = getEnv("MEMORIES_EMBEDDING_MODEL", cfg.Embedding.Model)
	cfg.Embedding.BaseURL = getEnv("MEMORIES_EMBEDDING_BASE_URL", cfg.Embedding.BaseURL)
	cfg.Embedding.Dimension = getEnvInt("MEMORIES_EMBEDDING_DIMENSION", cfg.Embedding.Dimension)
	cfg.Embedding.TimeoutSeconds = getEnvInt("MEMORIES_EMBEDDING_TIMEOUT_SECONDS", cfg.Embedding.TimeoutSeconds)
	cfg.Embedding.MaxFailures = getEnvInt("MEMORIES_EMBEDDING_MAX_FAILURES", cfg.Embedding.MaxFailures)
	cfg.Embedding.BreakerTimeout = getEnvInt("MEMORIES_EMBEDDING_BREAKER_TIMEOUT", cfg.Embedding.BreakerTimeout)

	cfg.Retrieval.DefaultLimit = getEnvInt("MEMORIES_RETRIEVAL_LIMIT", cfg.Retrieval.DefaultLimit)
	cfg.Retrieval.RuleLimit = getEnvInt("MEMORIES_RULE_LIMIT", cfg.Retrieval.RuleLimit)
	cfg.Retrieval.GraphRolloutMode = getEnv("MEMORIES_GRAPH_ROLLOUT_MODE", cfg.Retrieval.GraphRolloutMode)
	cfg.Retrieval.GraphDepth = getEnvInt("MEMORIES_GRAPH_DEPTH", cfg.Retrieval.GraphDepth)
	cfg.Retrieval.GraphLimit = getEnvInt("MEMORIES_GRAPH_LIMIT", cfg.Retrieval.GraphLimit)

	cfg.Worker.BatchSize = getEnvInt("MEMORIES_WORKER_BATCH_SIZE", cfg.Worker.BatchSize)
	cfg.Worker.LeaseTimeoutMinutes = getEnvInt("MEMORIES_WORKER_LEASE_TIMEOUT_MINUTES", cfg.Worker.LeaseTimeoutMinutes)
	cfg.Worker.RatePerSecond = getEnvInt("MEMORIES_WORKER_RATE_PER_SECOND", cfg.Worker.RatePerSecond)
	cfg.Worker.BackfillBatchLimit = getEnvInt("MEMORIES_BACKFILL_BATCH_LIMIT", cfg.Worker.BackfillBatchLimit)
	cfg.Worker.BackfillThrottleMs = getEnvInt("MEMORIES_BACKFILL_THROTTLE_MS", cfg.Worker.BackfillThrottleMs)
	cfg.Worker.InactivityMinutes = getEnvInt("MEMORIES_COMPACTION_INACTIVITY_MINUTES", cfg.Worker.InactivityMinutes)
	cfg.Worker.CompactionLimit = getEnvInt("MEMORIES_COMPACTION_LIMIT", cfg.Worker.CompactionLimit)
	cfg.Worker.EventWindow = getEnvInt("MEMORIES_COMPACTION_EVENT_WINDOW", cfg.Worker.EventWindow)

	cfg.Observability.WindowHours = getEnvInt("MEMORIES_OBSERVABILITY_WINDOW_HOURS", cfg.Observability.WindowHours)
}

func (c *Config) validate() error {
	switch c.Storage.Engine {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("config: unknown storage engine %q", c.Storage.Engine)
	}
	if c.Storage.Engine == "postgres" && c.Storage.PostgresDSN == "" {
		return fmt.Errorf("config: postgres engine requires MEMORIES_POSTGRES_DSN")
	}
	switch c.Retrieval.GraphRolloutMode {
	case "off", "shadow", "canary":
	default:
		return fmt.Errorf("config: unknown graph rollout mode %q", c.Retrieval.GraphRolloutMode)
	}
	if c.Retrieval.GraphDepth < 0 || c.Retrieval.GraphDepth > 2 {
		return fmt.Errorf("config: graph depth %d out of range [0,2]", c.Retrieval.GraphDepth)
	}
	if c.Embedding.Dimension <= 0 {
		return fmt.Errorf("config: embedding dimension must be positive")
	}
	return nil
}

// getEnv retrieves a string environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns a default
// value. Unparseable values fall back to the default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
