// Package config holds all engram configuration: one struct per concern,
// Default* constructors, a YAML file loader and ENGRAM_* env overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"engram/internal/logging"
)

// Config holds all engram configuration.
type Config struct {
	// DataDir is the root for the SQLite database, logs and scratch state.
	DataDir string `yaml:"data_dir"`

	Graph       GraphConfig       `yaml:"graph"`
	Vector      VectorConfig      `yaml:"vector"`
	Embedding   EmbeddingConfig   `yaml:"embedding"`
	Model       ModelConfig       `yaml:"model"`
	Rerank      RerankConfig      `yaml:"rerank"`
	Queue       QueueConfig       `yaml:"queue"`
	Retrieval   RetrievalConfig   `yaml:"retrieval"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Logging     logging.Config    `yaml:"logging"`
}

// GraphConfig configures the graph store connection.
type GraphConfig struct {
	// Provider: only "sqlite" is built in; the port allows others.
	Provider string `yaml:"provider"`
	// Path of the SQLite database file (":memory:" for tests).
	Path string `yaml:"path"`
	// PoolSize caps open connections. SQLite wants 1 writer.
	PoolSize int `yaml:"pool_size"`
	// ReadReplicaURL is accepted for parity with hosted graph stores and
	// ignored by the SQLite provider.
	ReadReplicaURL string `yaml:"read_replica_url"`
}

// VectorConfig configures the vector index.
type VectorConfig struct {
	// Provider: "sqlite-vec" (built in), "pgvector", "turbopuffer", "qdrant".
	Provider string `yaml:"provider"`
	// Dimension of stored embeddings; must match the embedding model.
	Dimension int `yaml:"dimension"`
	// RequireANN fails startup when the vec0 extension is unavailable
	// instead of falling back to brute-force scans.
	RequireANN bool `yaml:"require_ann"`
}

// EmbeddingConfig configures the vector embedding engine.
// Supports Ollama (local) and GenAI (cloud) backends.
type EmbeddingConfig struct {
	// Provider: "ollama" or "genai"
	Provider string `yaml:"provider"`

	// Ollama Configuration (local embedding server)
	OllamaEndpoint string `yaml:"ollama_endpoint"` // Default: "http://localhost:11434"
	OllamaModel    string `yaml:"ollama_model"`    // Default: "embeddinggemma"

	// GenAI Configuration (Google cloud embedding)
	GenAIAPIKey string `yaml:"genai_api_key"`
	GenAIModel  string `yaml:"genai_model"` // Default: "gemini-embedding-001"

	// TaskType for GenAI embeddings.
	TaskType string `yaml:"task_type"` // Default: "SEMANTIC_SIMILARITY"
}

// ModelConfig configures the structured LLM client used for extraction,
// adjudication and query planning.
type ModelConfig struct {
	Provider    string `yaml:"provider"` // "genai" or "ollama"
	APIKey      string `yaml:"api_key"`
	Model       string `yaml:"model"` // Default: "gemini-2.5-flash"
	OllamaURL   string `yaml:"ollama_url"`
	OllamaModel string `yaml:"ollama_model"`
	// Timeout per call; retries use exponential backoff up to MaxAttempts.
	Timeout     time.Duration `yaml:"timeout"`
	MaxAttempts int           `yaml:"max_attempts"`
}

// RerankConfig configures the optional cross-encoder rerank step.
type RerankConfig struct {
	Provider  string  `yaml:"provider"` // "none", "cohere", "ollama"
	Model     string  `yaml:"model"`
	APIKey    string  `yaml:"api_key"`
	BaseURL   string  `yaml:"base_url"`
	Threshold float64 `yaml:"threshold"` // drop reranked docs below this
	TopM      int     `yaml:"top_m"`     // rerank only the fused top M
}

// QueueSettings are per-queue knobs.
type QueueSettings struct {
	Concurrency int           `yaml:"concurrency"`
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	MaxDepth    int           `yaml:"max_depth"`
}

// QueueConfig configures the queue substrate.
type QueueConfig struct {
	// DedupWindow drops duplicate idempotency keys seen within it.
	DedupWindow time.Duration `yaml:"dedup_window"`
	// Defaults apply to any queue without an explicit entry.
	Defaults QueueSettings            `yaml:"defaults"`
	Queues   map[string]QueueSettings `yaml:"queues"`
}

// Settings returns the effective settings for a named queue.
func (q QueueConfig) Settings(name string) QueueSettings {
	if s, ok := q.Queues[name]; ok {
		if s.Concurrency == 0 {
			s.Concurrency = q.Defaults.Concurrency
		}
		if s.MaxAttempts == 0 {
			s.MaxAttempts = q.Defaults.MaxAttempts
		}
		if s.BaseDelay == 0 {
			s.BaseDelay = q.Defaults.BaseDelay
		}
		if s.MaxDelay == 0 {
			s.MaxDelay = q.Defaults.MaxDelay
		}
		if s.MaxDepth == 0 {
			s.MaxDepth = q.Defaults.MaxDepth
		}
		return s
	}
	return q.Defaults
}

// RetrievalConfig holds search thresholds and limits.
type RetrievalConfig struct {
	EntityThreshold    float64 `yaml:"entity_threshold"`    // θ_entity, default 0.82
	StatementThreshold float64 `yaml:"statement_threshold"` // θ_statement, default 0.90
	SemanticThreshold  float64 `yaml:"semantic_threshold"`  // θ_s, default 0.70
	LabelThreshold     float64 `yaml:"label_threshold"`     // θ_label, default 0.80
	BM25MinScore       float64 `yaml:"bm25_min_score"`      // default 0.5
	StatementLimit     int     `yaml:"statement_limit"`     // default 100
	BFSDepth           int     `yaml:"bfs_depth"`           // default 2
	RRFK               int     `yaml:"rrf_k"`               // default 60
	HydrationWindow    int     `yaml:"hydration_window"`    // adjacent chunks, default 1
	DefaultLimit       int     `yaml:"default_limit"`       // default 20
}

// MaintenanceConfig holds sweep cadence and compaction knobs.
type MaintenanceConfig struct {
	OrphanSweepInterval time.Duration `yaml:"orphan_sweep_interval"`
	// CompactionDelay schedules session compaction this long after the last
	// episode of a session completes.
	CompactionDelay time.Duration `yaml:"compaction_delay"`
	// MinEpisodesForCompaction skips tiny sessions.
	MinEpisodesForCompaction int `yaml:"min_episodes_for_compaction"`
}

// Default returns the full default configuration rooted at dataDir.
func Default(dataDir string) *Config {
	return &Config{
		DataDir: dataDir,
		Graph: GraphConfig{
			Provider: "sqlite",
			Path:     filepath.Join(dataDir, "engram.db"),
			PoolSize: 1,
		},
		Vector: VectorConfig{
			Provider:  "sqlite-vec",
			Dimension: 768,
		},
		Embedding: EmbeddingConfig{
			Provider:       "ollama",
			OllamaEndpoint: "http://localhost:11434",
			OllamaModel:    "embeddinggemma",
			GenAIModel:     "gemini-embedding-001",
			TaskType:       "SEMANTIC_SIMILARITY",
		},
		Model: ModelConfig{
			Provider:    "genai",
			Model:       "gemini-2.5-flash",
			OllamaURL:   "http://localhost:11434",
			OllamaModel: "llama3.1",
			Timeout:     2 * time.Minute,
			MaxAttempts: 3,
		},
		Rerank: RerankConfig{
			Provider:  "none",
			Threshold: 0.1,
			TopM:      25,
		},
		Queue: QueueConfig{
			DedupWindow: 10 * time.Minute,
			Defaults: QueueSettings{
				Concurrency: 4,
				MaxAttempts: 5,
				BaseDelay:   500 * time.Millisecond,
				MaxDelay:    time.Minute,
				MaxDepth:    1024,
			},
			Queues: map[string]QueueSettings{
				"ingest":             {Concurrency: 8},
				"session-compaction": {Concurrency: 1},
			},
		},
		Retrieval: RetrievalConfig{
			EntityThreshold:    0.82,
			StatementThreshold: 0.90,
			SemanticThreshold:  0.70,
			LabelThreshold:     0.80,
			BM25MinScore:       0.5,
			StatementLimit:     100,
			BFSDepth:           2,
			RRFK:               60,
			HydrationWindow:    1,
			DefaultLimit:       20,
		},
		Maintenance: MaintenanceConfig{
			OrphanSweepInterval:      time.Hour,
			CompactionDelay:          30 * time.Minute,
			MinEpisodesForCompaction: 4,
		},
		Logging: logging.Config{Level: "info"},
	}
}

// Load reads the YAML config at path, layering it over defaults and then
// applying environment overrides. A missing file is not an error; defaults
// plus env apply.
func Load(path string, dataDir string) (*Config, error) {
	cfg := Default(dataDir)

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	cfg.applyEnv()
	return cfg, nil
}

// Save writes the config as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// applyEnv overrides select fields from ENGRAM_* environment variables.
// Secrets and connection details belong in the environment, not on disk.
func (c *Config) applyEnv() {
	if v := os.Getenv("ENGRAM_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("ENGRAM_GRAPH_PATH"); v != "" {
		c.Graph.Path = v
	}
	if v := os.Getenv("ENGRAM_GRAPH_READ_REPLICA_URL"); v != "" {
		c.Graph.ReadReplicaURL = v
	}
	if v := os.Getenv("ENGRAM_VECTOR_PROVIDER"); v != "" {
		c.Vector.Provider = v
	}
	if v := os.Getenv("ENGRAM_VECTOR_DIMENSION"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Vector.Dimension = n
		}
	}
	if v := os.Getenv("ENGRAM_EMBEDDING_PROVIDER"); v != "" {
		c.Embedding.Provider = v
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		if c.Embedding.GenAIAPIKey == "" {
			c.Embedding.GenAIAPIKey = v
		}
		if c.Model.APIKey == "" {
			c.Model.APIKey = v
		}
	}
	if v := os.Getenv("ENGRAM_MODEL"); v != "" {
		c.Model.Model = v
	}
	if v := os.Getenv("ENGRAM_RERANK_PROVIDER"); v != "" {
		c.Rerank.Provider = v
	}
	if v := os.Getenv("ENGRAM_RERANK_API_KEY"); v != "" {
		c.Rerank.APIKey = v
	}
	if v := os.Getenv("ENGRAM_DEBUG"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Logging.DebugMode = b
			if b && c.Logging.Level == "info" {
				c.Logging.Level = "debug"
			}
		}
	}
}

// Validate checks cross-field consistency before wiring services.
func (c *Config) Validate() error {
	if c.Graph.Provider != "sqlite" {
		return fmt.Errorf("unsupported graph provider: %s", c.Graph.Provider)
	}
	switch c.Vector.Provider {
	case "sqlite-vec", "pgvector", "turbopuffer", "qdrant":
	default:
		return fmt.Errorf("unsupported vector provider: %s", c.Vector.Provider)
	}
	if c.Vector.Dimension <= 0 {
		return fmt.Errorf("vector dimension must be positive, got %d", c.Vector.Dimension)
	}
	switch c.Rerank.Provider {
	case "none", "cohere", "ollama":
	default:
		return fmt.Errorf("unsupported rerank provider: %s", c.Rerank.Provider)
	}
	if c.Queue.Defaults.Concurrency <= 0 {
		return fmt.Errorf("queue default concurrency must be positive")
	}
	return nil
}
