// Package config loads and validates Vection configuration.
// Configuration is explicit: callers construct a Config (from defaults, a
// YAML file, or environment overrides) and hand it to the engine. There is
// no process-wide singleton.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	verrors "github.com/vection-dev/vection/internal/errors"
)

// EnvPrefix is the prefix for environment variable overrides.
const EnvPrefix = "VECTION_"

// Config is the complete Vection configuration.
type Config struct {
	Embedding    EmbeddingConfig    `yaml:"embedding" json:"embedding"`
	LLM          LLMConfig          `yaml:"llm" json:"llm"`
	Store        StoreConfig        `yaml:"store" json:"store"`
	Chunking     ChunkingConfig     `yaml:"chunking" json:"chunking"`
	Retrieval    RetrievalConfig    `yaml:"retrieval" json:"retrieval"`
	Cache        CacheConfig        `yaml:"cache" json:"cache"`
	Intelligence IntelligenceConfig `yaml:"intelligence" json:"intelligence"`
	Logging      LoggingConfig      `yaml:"logging" json:"logging"`

	// LocalOnly refuses any network endpoint outside local loopback.
	// Must be true; present so misconfiguration fails loudly rather than
	// silently reaching out.
	LocalOnly bool `yaml:"local_only" json:"local_only"`
}

// EmbeddingConfig configures the embedding provider.
type EmbeddingConfig struct {
	Provider string `yaml:"provider" json:"provider"` // ollama, static
	Model    string `yaml:"model" json:"model"`
	BaseURL  string `yaml:"base_url" json:"base_url"`
	// Dimension is the declared embedding dimension (0 = auto-detect).
	Dimension int `yaml:"dimension" json:"dimension"`
	BatchSize int `yaml:"batch_size" json:"batch_size"`
	// MaxConcurrent bounds concurrent embedding batches during indexing.
	MaxConcurrent int           `yaml:"max_concurrent" json:"max_concurrent"`
	Timeout       time.Duration `yaml:"timeout" json:"timeout"`
	CacheSize     int           `yaml:"cache_size" json:"cache_size"`
}

// LLMConfig configures the generation endpoint.
type LLMConfig struct {
	Model   string        `yaml:"model" json:"model"`
	BaseURL string        `yaml:"base_url" json:"base_url"`
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
	// GenerateTimeout applies to long generations (default 30s).
	GenerateTimeout time.Duration `yaml:"generate_timeout" json:"generate_timeout"`
}

// StoreConfig selects and locates the vector store backend.
type StoreConfig struct {
	Provider   string `yaml:"provider" json:"provider"` // in_memory, local_persistent, remote_sql
	Path       string `yaml:"path" json:"path"`
	Collection string `yaml:"collection" json:"collection"`
	// DSN is used by the remote_sql backend (loopback Postgres only).
	DSN string `yaml:"dsn" json:"dsn"`
}

// ChunkingConfig bounds the semantic chunker.
type ChunkingConfig struct {
	ChunkSize    int `yaml:"chunk_size" json:"chunk_size"`
	ChunkOverlap int `yaml:"chunk_overlap" json:"chunk_overlap"`
	MinChunkSize int `yaml:"min_chunk_size" json:"min_chunk_size"`
	MaxChunkSize int `yaml:"max_chunk_size" json:"max_chunk_size"`
}

// RetrievalConfig configures search defaults and feature flags.
type RetrievalConfig struct {
	TopK                int     `yaml:"top_k" json:"top_k"`
	SimilarityThreshold float64 `yaml:"similarity_threshold" json:"similarity_threshold"`
	UseHybrid           bool    `yaml:"use_hybrid" json:"use_hybrid"`
	UseReranker         bool    `yaml:"use_reranker" json:"use_reranker"`
	RerankerTopK        int     `yaml:"reranker_top_k" json:"reranker_top_k"`
	CrossEncoderModel   string  `yaml:"cross_encoder_model" json:"cross_encoder_model"`
	CrossEncoderURL     string  `yaml:"cross_encoder_url" json:"cross_encoder_url"`
	RRFConstant         int     `yaml:"rrf_constant" json:"rrf_constant"`
}

// CacheConfig configures the query cache.
type CacheConfig struct {
	Enabled bool          `yaml:"enabled" json:"enabled"`
	Size    int           `yaml:"size" json:"size"`
	TTL     time.Duration `yaml:"ttl" json:"ttl"`
}

// IntelligenceConfig toggles the orchestrator pipeline.
type IntelligenceConfig struct {
	Enabled             bool `yaml:"enabled" json:"enabled"`
	ConversationEnabled bool `yaml:"conversation_enabled" json:"conversation_enabled"`
	MultiHopEnabled     bool `yaml:"multi_hop_enabled" json:"multi_hop_enabled"`
	MultiHopMaxDepth    int  `yaml:"multi_hop_max_depth" json:"multi_hop_max_depth"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level    string `yaml:"level" json:"level"`
	FilePath string `yaml:"file_path" json:"file_path"`
}

// New returns a Config with sensible defaults.
func New() *Config {
	return &Config{
		Embedding: EmbeddingConfig{
			Provider:      "ollama",
			Model:         "nomic-embed-text",
			BaseURL:       "http://localhost:11434",
			Dimension:     0,
			BatchSize:     32,
			MaxConcurrent: maxConcurrentDefault(),
			Timeout:       10 * time.Second,
			CacheSize:     1000,
		},
		LLM: LLMConfig{
			Model:           "llama3.2",
			BaseURL:         "http://localhost:11434",
			Timeout:         10 * time.Second,
			GenerateTimeout: 30 * time.Second,
		},
		Store: StoreConfig{
			Provider:   "local_persistent",
			Path:       ".vection_db",
			Collection: "default",
		},
		Chunking: ChunkingConfig{
			ChunkSize:    1000,
			ChunkOverlap: 100,
			MinChunkSize: 50,
			MaxChunkSize: 1500,
		},
		Retrieval: RetrievalConfig{
			TopK:                5,
			SimilarityThreshold: 0.0,
			UseHybrid:           true,
			UseReranker:         false,
			RerankerTopK:        20,
			RRFConstant:         60,
		},
		Cache: CacheConfig{
			Enabled: true,
			Size:    100,
			TTL:     5 * time.Minute,
		},
		Intelligence: IntelligenceConfig{
			Enabled:          true,
			MultiHopMaxDepth: 2,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		LocalOnly: true,
	}
}

func maxConcurrentDefault() int {
	n := runtime.NumCPU() / 2
	if n < 1 {
		n = 1
	}
	if n > 4 {
		n = 4
	}
	return n
}

// Load reads configuration from an optional YAML file, applies environment
// overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := New()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, verrors.New(verrors.ErrCodeConfigNotFound,
				fmt.Sprintf("cannot read config file %s", path), err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, verrors.ConfigError(fmt.Sprintf("invalid config file %s", path), err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays recognized environment variables onto the config.
func (c *Config) applyEnv() {
	if v := os.Getenv(EnvPrefix + "EMBEDDING_MODEL"); v != "" {
		c.Embedding.Model = v
	}
	if v := os.Getenv(EnvPrefix + "EMBEDDING_DIM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Embedding.Dimension = n
		}
	}
	if v := os.Getenv(EnvPrefix + "LLM_MODEL"); v != "" {
		c.LLM.Model = v
	}
	if v := os.Getenv(EnvPrefix + "LLM_BASE_URL"); v != "" {
		c.LLM.BaseURL = v
	}
	if v := os.Getenv(EnvPrefix + "STORE_PROVIDER"); v != "" {
		c.Store.Provider = v
	}
	if v := os.Getenv(EnvPrefix + "STORE_PATH"); v != "" {
		c.Store.Path = v
	}
	if v := os.Getenv(EnvPrefix + "USE_HYBRID"); v != "" {
		c.Retrieval.UseHybrid = parseBool(v, c.Retrieval.UseHybrid)
	}
	if v := os.Getenv(EnvPrefix + "USE_RERANKER"); v != "" {
		c.Retrieval.UseReranker = parseBool(v, c.Retrieval.UseReranker)
	}
	if v := os.Getenv(EnvPrefix + "CACHE_ENABLED"); v != "" {
		c.Cache.Enabled = parseBool(v, c.Cache.Enabled)
	}
	if v := os.Getenv(EnvPrefix + "USE_INTELLIGENT_RAG"); v != "" {
		c.Intelligence.Enabled = parseBool(v, c.Intelligence.Enabled)
	}
	if v := os.Getenv(EnvPrefix + "LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

func parseBool(s string, fallback bool) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(s))
	if err != nil {
		return fallback
	}
	return b
}

// Validate checks invariants that must hold before the engine starts.
// Violations are fatal at construction.
func (c *Config) Validate() error {
	if !c.LocalOnly {
		return verrors.ConfigError("local_only must be true: this engine runs against local endpoints only", nil)
	}

	for name, endpoint := range map[string]string{
		"embedding.base_url":           c.Embedding.BaseURL,
		"llm.base_url":                 c.LLM.BaseURL,
		"retrieval.cross_encoder_url":  c.Retrieval.CrossEncoderURL,
	} {
		if endpoint == "" {
			continue
		}
		if err := checkLoopback(endpoint); err != nil {
			return verrors.New(verrors.ErrCodeRemoteEndpoint,
				fmt.Sprintf("%s %q is not a loopback endpoint", name, endpoint), err)
		}
	}

	if c.Store.Provider == "remote_sql" && c.Store.DSN != "" {
		if err := checkLoopbackDSN(c.Store.DSN); err != nil {
			return verrors.New(verrors.ErrCodeRemoteEndpoint,
				fmt.Sprintf("store.dsn %q is not a loopback endpoint", c.Store.DSN), err)
		}
	}

	if c.Chunking.MinChunkSize <= 0 || c.Chunking.MaxChunkSize <= c.Chunking.MinChunkSize {
		return verrors.ConfigError(
			fmt.Sprintf("chunking bounds invalid: min=%d max=%d", c.Chunking.MinChunkSize, c.Chunking.MaxChunkSize), nil)
	}
	if c.Chunking.ChunkOverlap >= c.Chunking.ChunkSize {
		return verrors.ConfigError(
			fmt.Sprintf("chunk_overlap (%d) must be smaller than chunk_size (%d)", c.Chunking.ChunkOverlap, c.Chunking.ChunkSize), nil)
	}
	if c.Retrieval.TopK <= 0 {
		return verrors.ConfigError("top_k must be positive", nil)
	}
	if c.Embedding.BatchSize <= 0 {
		return verrors.ConfigError("embedding batch_size must be positive", nil)
	}

	switch c.Store.Provider {
	case "in_memory", "local_persistent", "remote_sql":
	default:
		return verrors.ConfigError(fmt.Sprintf("unknown vector store provider %q", c.Store.Provider), nil)
	}

	return nil
}

// checkLoopback verifies that an HTTP endpoint resolves to loopback.
func checkLoopback(endpoint string) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return err
	}
	host := u.Hostname()
	return hostIsLoopback(host)
}

// checkLoopbackDSN verifies a postgres DSN points at loopback.
// Accepts both URL (postgres://...) and keyword (host=...) forms.
func checkLoopbackDSN(dsn string) error {
	if strings.Contains(dsn, "://") {
		return checkLoopback(dsn)
	}
	for _, field := range strings.Fields(dsn) {
		if v, ok := strings.CutPrefix(field, "host="); ok {
			return hostIsLoopback(v)
		}
	}
	// No host means unix socket or localhost default.
	return nil
}

func hostIsLoopback(host string) error {
	if host == "" || host == "localhost" {
		return nil
	}
	ip := net.ParseIP(host)
	if ip != nil && ip.IsLoopback() {
		return nil
	}
	return fmt.Errorf("host %q is not loopback", host)
}

// TrackerPath returns the on-disk location of the file tracker manifest.
func (c *Config) TrackerPath() string {
	return filepath.Join(c.Store.Path, "file_tracker.json")
}
