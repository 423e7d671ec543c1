// Package config loads the runtime configuration for the search service
// and the indexing pipeline from environment variables, with optional
// .env files for local development.
package config

import (
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Config is built once at startup and handed to every component.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Mongo      MongoConfig      `mapstructure:"mongo"`
	OpenSearch OpenSearchConfig `mapstructure:"opensearch"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Embedding  EmbeddingConfig  `mapstructure:"embedding"`
	Indexer    IndexerConfig    `mapstructure:"indexer"`
	Search     SearchConfig     `mapstructure:"search"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
}

// ServerConfig controls the HTTP surface of the search service.
type ServerConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// Timeout is the edge deadline for a single search request.
func (c ServerConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// MongoConfig points at the authoritative document store.
type MongoConfig struct {
	URI         string `mapstructure:"uri"`
	Collection  string `mapstructure:"collection"`
	MaxPoolSize int    `mapstructure:"max_pool_size"`
	BatchSize   int    `mapstructure:"batch_size"`
	BulkDelayMS int    `mapstructure:"bulk_delay_ms"`
}

// BulkDelay throttles back-sync writes between bulk batches.
func (c MongoConfig) BulkDelay() time.Duration {
	return time.Duration(c.BulkDelayMS) * time.Millisecond
}

// OpenSearchConfig points at the search engine cluster.
type OpenSearchConfig struct {
	Node        string `mapstructure:"node"`
	Hosts       string `mapstructure:"hosts"`
	User        string `mapstructure:"user"`
	Password    string `mapstructure:"password"`
	Index       string `mapstructure:"index"`
	BulkSize    int    `mapstructure:"bulk_size"`
	VerifyCerts bool   `mapstructure:"verify_certs"`
}

// Addresses returns the node list, preferring the comma-separated
// OPENSEARCH_HOSTS over the single OPENSEARCH_NODE.
func (c OpenSearchConfig) Addresses() []string {
	if c.Hosts != "" {
		parts := strings.Split(c.Hosts, ",")
		addrs := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				addrs = append(addrs, trimmed)
			}
		}
		if len(addrs) > 0 {
			return addrs
		}
	}
	return []string{c.Node}
}

// RedisConfig points at the cache store used for query embeddings and
// search results.
type RedisConfig struct {
	URL string `mapstructure:"url"`
}

// EmbeddingConfig controls the remote embedding client.
type EmbeddingConfig struct {
	ServiceURL      string `mapstructure:"service_url"`
	TimeoutSeconds  int    `mapstructure:"timeout_seconds"`
	MaxRetries      int    `mapstructure:"max_retries"`
	BatchSize       int    `mapstructure:"batch_size"`
	CacheTTLSeconds int    `mapstructure:"cache_ttl_seconds"`
}

// Timeout is the per-request deadline for one embedding call.
func (c EmbeddingConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// CacheTTL is the lifetime of cached query vectors.
func (c EmbeddingConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

// IndexerConfig controls the batch pipeline.
type IndexerConfig struct {
	NumWorkers int    `mapstructure:"num_workers"`
	CacheDir   string `mapstructure:"cache_dir"`
}

// SearchConfig controls ranking and result caching.
type SearchConfig struct {
	ResultCacheTTLSeconds int     `mapstructure:"result_cache_ttl_seconds"`
	MinScore              float64 `mapstructure:"min_score"`
	MinScoreFloor         float64 `mapstructure:"min_score_floor"`
	EnableRelatedPeople   bool    `mapstructure:"enable_related_people"`
}

// ResultCacheTTL is the lifetime of cached search responses.
func (c SearchConfig) ResultCacheTTL() time.Duration {
	return time.Duration(c.ResultCacheTTLSeconds) * time.Second
}

// TracingConfig controls the optional OTLP trace export.
type TracingConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
}

// Load reads configuration from the environment. A .env file in the
// working directory is applied first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()

	setDefaults(v)
	bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshaling configuration")
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.timeout_seconds", 15)

	v.SetDefault("mongo.uri", "mongodb://localhost:27017/research_db")
	v.SetDefault("mongo.collection", "researchmetadatascopuses")
	v.SetDefault("mongo.max_pool_size", 20)
	v.SetDefault("mongo.batch_size", 100)
	v.SetDefault("mongo.bulk_delay_ms", 50)

	v.SetDefault("opensearch.node", "https://localhost:9200")
	v.SetDefault("opensearch.hosts", "")
	v.SetDefault("opensearch.user", "admin")
	v.SetDefault("opensearch.password", "admin")
	v.SetDefault("opensearch.index", "research_documents")
	v.SetDefault("opensearch.bulk_size", 100)
	v.SetDefault("opensearch.verify_certs", false)

	v.SetDefault("redis.url", "redis://localhost:6379")

	v.SetDefault("embedding.service_url", "http://localhost:8001")
	v.SetDefault("embedding.timeout_seconds", 60)
	v.SetDefault("embedding.max_retries", 3)
	v.SetDefault("embedding.batch_size", 128)
	v.SetDefault("embedding.cache_ttl_seconds", 86400)

	v.SetDefault("indexer.num_workers", 8)
	v.SetDefault("indexer.cache_dir", ".cache")

	v.SetDefault("search.result_cache_ttl_seconds", 300)
	v.SetDefault("search.min_score", 5.0)
	v.SetDefault("search.min_score_floor", 1.0)
	v.SetDefault("search.enable_related_people", false)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4317")
}

func bindEnvVars(v *viper.Viper) {
	_ = v.BindEnv("server.host", "HOST")
	_ = v.BindEnv("server.port", "PORT")
	_ = v.BindEnv("server.timeout_seconds", "SEARCH_TIMEOUT")

	_ = v.BindEnv("mongo.uri", "MONGODB_URI")
	_ = v.BindEnv("mongo.collection", "MONGODB_COLLECTION")
	_ = v.BindEnv("mongo.max_pool_size", "MONGO_MAX_POOL_SIZE")
	_ = v.BindEnv("mongo.batch_size", "MONGO_BATCH_SIZE")
	_ = v.BindEnv("mongo.bulk_delay_ms", "MONGO_BULK_DELAY_MS")

	_ = v.BindEnv("opensearch.node", "OPENSEARCH_NODE")
	_ = v.BindEnv("opensearch.hosts", "OPENSEARCH_HOSTS")
	_ = v.BindEnv("opensearch.user", "OPENSEARCH_USER")
	_ = v.BindEnv("opensearch.password", "OPENSEARCH_PASSWORD")
	_ = v.BindEnv("opensearch.index", "OPENSEARCH_INDEX")
	_ = v.BindEnv("opensearch.bulk_size", "OPENSEARCH_BULK_SIZE")
	_ = v.BindEnv("opensearch.verify_certs", "OPENSEARCH_VERIFY_CERTS")

	_ = v.BindEnv("redis.url", "REDIS_URL")

	_ = v.BindEnv("embedding.service_url", "EMBEDDING_SERVICE_URL")
	_ = v.BindEnv("embedding.timeout_seconds", "EMBEDDING_TIMEOUT")
	_ = v.BindEnv("embedding.max_retries", "MAX_RETRIES")
	_ = v.BindEnv("embedding.batch_size", "EMBED_BATCH_SIZE")
	_ = v.BindEnv("embedding.cache_ttl_seconds", "EMBED_CACHE_TTL")

	_ = v.BindEnv("indexer.num_workers", "NUM_WORKERS")
	_ = v.BindEnv("indexer.cache_dir", "CACHE_DIR")

	_ = v.BindEnv("search.result_cache_ttl_seconds", "RESULT_CACHE_TTL")
	_ = v.BindEnv("search.min_score", "MIN_SCORE")
	_ = v.BindEnv("search.min_score_floor", "MIN_SCORE_FLOOR")
	_ = v.BindEnv("search.enable_related_people", "ENABLE_RELATED_PEOPLE")

	_ = v.BindEnv("tracing.enabled", "TRACING_ENABLED")
	_ = v.BindEnv("tracing.endpoint", "TRACING_ENDPOINT")
}

// Validate rejects configurations that cannot serve either binary.
func (c *Config) Validate() error {
	if c.Mongo.URI == "" {
		return errors.New("MONGODB_URI is required")
	}
	if c.OpenSearch.Node == "" && c.OpenSearch.Hosts == "" {
		return errors.New("OPENSEARCH_NODE or OPENSEARCH_HOSTS is required")
	}
	if c.Redis.URL == "" {
		return errors.New("REDIS_URL is required")
	}
	if c.Embedding.ServiceURL == "" {
		return errors.New("EMBEDDING_SERVICE_URL is required")
	}
	if c.Mongo.BatchSize <= 0 || c.Embedding.BatchSize <= 0 || c.OpenSearch.BulkSize <= 0 {
		return errors.New("batch sizes must be positive")
	}
	return nil
}
