package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/scholar-search/scholar-search/pkg/cache"
	"github.com/scholar-search/scholar-search/pkg/observability"
)

const (
	queryCachePrefix = "embed:"
	lruSize          = 1024
)

// queryCache is the two-tier store for query vectors: an in-process LRU
// in front of the shared key-value store. Its TTL is independent of the
// result cache.
type queryCache struct {
	local   *lru.Cache[string, []float32]
	kv      cache.Cache
	ttl     time.Duration
	logger  observability.Logger
	metrics observability.MetricsClient
}

func newQueryCache(kv cache.Cache, ttl time.Duration, logger observability.Logger, metrics observability.MetricsClient) (*queryCache, error) {
	local, err := lru.New[string, []float32](lruSize)
	if err != nil {
		return nil, err
	}
	return &queryCache{
		local:   local,
		kv:      kv,
		ttl:     ttl,
		logger:  logger,
		metrics: metrics,
	}, nil
}

// Key returns the shared-store key for a query text.
func Key(text string) string {
	sum := sha256.Sum256([]byte(text))
	return queryCachePrefix + hex.EncodeToString(sum[:])[:16]
}

func (q *queryCache) get(ctx context.Context, text string) ([]float32, bool) {
	if vector, ok := q.local.Get(text); ok {
		q.metrics.IncrementCounterWithLabels("cache_operations_total", 1, map[string]string{"cache": "embed", "result": "hit_local"})
		return vector, true
	}
	if q.kv == nil {
		return nil, false
	}

	var vector []float32
	err := q.kv.Get(ctx, Key(text), &vector)
	if err == nil && len(vector) > 0 {
		q.local.Add(text, vector)
		q.metrics.IncrementCounterWithLabels("cache_operations_total", 1, map[string]string{"cache": "embed", "result": "hit"})
		return vector, true
	}
	if err != nil && err != cache.ErrNotFound {
		q.logger.Warn("Query vector cache read failed", map[string]interface{}{"error": err.Error()})
	}
	q.metrics.IncrementCounterWithLabels("cache_operations_total", 1, map[string]string{"cache": "embed", "result": "miss"})
	return nil, false
}

func (q *queryCache) put(ctx context.Context, text string, vector []float32) {
	q.local.Add(text, vector)
	if q.kv == nil {
		return
	}
	if err := q.kv.Set(ctx, Key(text), vector, q.ttl); err != nil {
		q.logger.Warn("Query vector cache write failed", map[string]interface{}{"error": err.Error()})
	}
}
