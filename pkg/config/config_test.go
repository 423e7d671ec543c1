package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, 15*time.Second, cfg.Server.Timeout())

	assert.Equal(t, "research_documents", cfg.OpenSearch.Index)
	assert.Equal(t, 100, cfg.OpenSearch.BulkSize)
	assert.Equal(t, []string{"https://localhost:9200"}, cfg.OpenSearch.Addresses())

	assert.Equal(t, 100, cfg.Mongo.BatchSize)
	assert.Equal(t, 50*time.Millisecond, cfg.Mongo.BulkDelay())

	assert.Equal(t, "http://localhost:8001", cfg.Embedding.ServiceURL)
	assert.Equal(t, 60*time.Second, cfg.Embedding.Timeout())
	assert.Equal(t, 3, cfg.Embedding.MaxRetries)
	assert.Equal(t, 128, cfg.Embedding.BatchSize)
	assert.Equal(t, 24*time.Hour, cfg.Embedding.CacheTTL())

	assert.Equal(t, 8, cfg.Indexer.NumWorkers)
	assert.Equal(t, ".cache", cfg.Indexer.CacheDir)

	assert.Equal(t, 5*time.Minute, cfg.Search.ResultCacheTTL())
	assert.Equal(t, 5.0, cfg.Search.MinScore)
	assert.Equal(t, 1.0, cfg.Search.MinScoreFloor)
	assert.False(t, cfg.Search.EnableRelatedPeople)
	assert.False(t, cfg.Tracing.Enabled)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "8080")
	t.Setenv("OPENSEARCH_INDEX", "papers_test")
	t.Setenv("OPENSEARCH_HOSTS", "https://os1:9200, https://os2:9200")
	t.Setenv("EMBED_BATCH_SIZE", "32")
	t.Setenv("NUM_WORKERS", "4")
	t.Setenv("ENABLE_RELATED_PEOPLE", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "papers_test", cfg.OpenSearch.Index)
	assert.Equal(t, []string{"https://os1:9200", "https://os2:9200"}, cfg.OpenSearch.Addresses())
	assert.Equal(t, 32, cfg.Embedding.BatchSize)
	assert.Equal(t, 4, cfg.Indexer.NumWorkers)
	assert.True(t, cfg.Search.EnableRelatedPeople)
}

func TestValidate(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	t.Run("missing mongo uri", func(t *testing.T) {
		bad := *cfg
		bad.Mongo.URI = ""
		assert.Error(t, bad.Validate())
	})

	t.Run("missing engine nodes", func(t *testing.T) {
		bad := *cfg
		bad.OpenSearch.Node = ""
		bad.OpenSearch.Hosts = ""
		assert.Error(t, bad.Validate())
	})

	t.Run("non-positive batch size", func(t *testing.T) {
		bad := *cfg
		bad.Embedding.BatchSize = 0
		assert.Error(t, bad.Validate())
	})
}
