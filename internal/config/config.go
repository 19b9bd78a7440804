package config

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port              string   `mapstructure:"PORT"`
	Env               string   `mapstructure:"ENV"`
	DatabaseURL       string   `mapstructure:"DATABASE_URL"`
	DBMaxConns        int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns        int32    `mapstructure:"DB_MIN_CONNS"`
	DBOverflow        int32    `mapstructure:"DB_POOL_OVERFLOW"`
	DBAcquireTimeoutS int      `mapstructure:"DB_ACQUIRE_TIMEOUT_S"`
	CORSOrigins       []string `mapstructure:"CORS_ORIGINS"`

	EmbedURL         string `mapstructure:"EMBED_URL"`
	EmbedModel       string `mapstructure:"EMBED_MODEL"`
	EmbedDim         int    `mapstructure:"EMBED_DIM"`
	RerankURL        string `mapstructure:"RERANK_URL"`
	ProviderTimeoutS int    `mapstructure:"PROVIDER_TIMEOUT_S"`

	ChunkMinSize int `mapstructure:"CHUNK_MIN_SIZE"`
	ChunkMaxSize int `mapstructure:"CHUNK_MAX_SIZE"`
	ChunkOverlap int `mapstructure:"CHUNK_OVERLAP"`

	QueueCapacity   int    `mapstructure:"QUEUE_CAPACITY"`
	QueueWorkers    int    `mapstructure:"QUEUE_WORKERS"`
	QueueMaxRetries int    `mapstructure:"QUEUE_MAX_RETRIES"`
	RetryBaseDelayS int    `mapstructure:"RETRY_BASE_DELAY_S"`
	RetryMaxDelayS  int    `mapstructure:"RETRY_MAX_DELAY_S"`
	DrainTimeoutS   int    `mapstructure:"DRAIN_TIMEOUT_S"`
	EnqueueWaitMS   int    `mapstructure:"ENQUEUE_WAIT_MS"`
	JournalDir      string `mapstructure:"JOURNAL_DIR"`

	CacheMaxEntries    int     `mapstructure:"CACHE_MAX_ENTRIES"`
	CacheTTLS          int     `mapstructure:"CACHE_TTL_S"`
	HybridKRetrieve    int     `mapstructure:"HYBRID_K_RETRIEVE"`
	HybridWeightSparse float64 `mapstructure:"HYBRID_WEIGHT_SPARSE"`
	HybridWeightDense  float64 `mapstructure:"HYBRID_WEIGHT_DENSE"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("DB_POOL_OVERFLOW", 5)
	v.SetDefault("DB_ACQUIRE_TIMEOUT_S", 30)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("EMBED_URL", "http://localhost:11434")
	v.SetDefault("EMBED_MODEL", "mxbai-embed-large")
	v.SetDefault("EMBED_DIM", 1024)
	v.SetDefault("RERANK_URL", "")
	v.SetDefault("PROVIDER_TIMEOUT_S", 30)
	v.SetDefault("CHUNK_MIN_SIZE", 500)
	v.SetDefault("CHUNK_MAX_SIZE", 1000)
	v.SetDefault("CHUNK_OVERLAP", 200)
	v.SetDefault("QUEUE_CAPACITY", 1000)
	v.SetDefault("QUEUE_WORKERS", 0)
	v.SetDefault("QUEUE_MAX_RETRIES", 5)
	v.SetDefault("RETRY_BASE_DELAY_S", 1)
	v.SetDefault("RETRY_MAX_DELAY_S", 60)
	v.SetDefault("DRAIN_TIMEOUT_S", 30)
	v.SetDefault("ENQUEUE_WAIT_MS", 0)
	v.SetDefault("JOURNAL_DIR", "./data/journal")
	v.SetDefault("CACHE_MAX_ENTRIES", 10000)
	v.SetDefault("CACHE_TTL_S", 3600)
	v.SetDefault("HYBRID_K_RETRIEVE", 50)
	v.SetDefault("HYBRID_WEIGHT_SPARSE", 0.5)
	v.SetDefault("HYBRID_WEIGHT_DENSE", 0.5)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range []string{
		"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
		"DB_POOL_OVERFLOW", "DB_ACQUIRE_TIMEOUT_S", "CORS_ORIGINS",
		"EMBED_URL", "EMBED_MODEL", "EMBED_DIM", "RERANK_URL", "PROVIDER_TIMEOUT_S",
		"CHUNK_MIN_SIZE", "CHUNK_MAX_SIZE", "CHUNK_OVERLAP",
		"QUEUE_CAPACITY", "QUEUE_WORKERS", "QUEUE_MAX_RETRIES",
		"RETRY_BASE_DELAY_S", "RETRY_MAX_DELAY_S", "DRAIN_TIMEOUT_S",
		"ENQUEUE_WAIT_MS", "JOURNAL_DIR",
		"CACHE_MAX_ENTRIES", "CACHE_TTL_S", "HYBRID_K_RETRIEVE",
		"HYBRID_WEIGHT_SPARSE", "HYBRID_WEIGHT_DENSE",
	} {
		v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Workers returns the effective ingestion worker count. A zero or negative
// QUEUE_WORKERS resolves to the number of CPUs with a floor of two.
func (c *Config) Workers() int {
	if c.QueueWorkers > 0 {
		return c.QueueWorkers
	}
	n := runtime.NumCPU()
	if n < 2 {
		n = 2
	}
	return n
}

func (c *Config) ProviderTimeout() time.Duration {
	return time.Duration(c.ProviderTimeoutS) * time.Second
}

func (c *Config) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutS) * time.Second
}

func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLS) * time.Second
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	if c.ChunkMinSize <= 0 || c.ChunkMaxSize <= 0 {
		return fmt.Errorf("chunk sizes must be positive, got min=%d max=%d", c.ChunkMinSize, c.ChunkMaxSize)
	}
	if c.ChunkMinSize > c.ChunkMaxSize {
		return fmt.Errorf("CHUNK_MIN_SIZE (%d) must not exceed CHUNK_MAX_SIZE (%d)", c.ChunkMinSize, c.ChunkMaxSize)
	}
	if c.EmbedDim <= 0 {
		return fmt.Errorf("EMBED_DIM must be positive, got %d", c.EmbedDim)
	}
	if c.QueueCapacity <= 0 {
		return fmt.Errorf("QUEUE_CAPACITY must be positive, got %d", c.QueueCapacity)
	}
	if c.HybridWeightSparse < 0 || c.HybridWeightDense < 0 {
		return fmt.Errorf("hybrid weights must be non-negative")
	}
	if c.HybridWeightSparse+c.HybridWeightDense == 0 {
		return fmt.Errorf("at least one hybrid weight must be positive")
	}
	return nil
}
