package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scholar-search/scholar-search/pkg/cache"
	"github.com/scholar-search/scholar-search/pkg/config"
	"github.com/scholar-search/scholar-search/pkg/observability"
)

// embedServer returns canned vectors and counts embed calls.
func embedServer(t *testing.T, failures *int32, calls *int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		require.Equal(t, "/embed", r.URL.Path)
		atomic.AddInt32(calls, 1)

		if failures != nil && atomic.LoadInt32(failures) > 0 {
			atomic.AddInt32(failures, -1)
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}

		var req embedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		vectors := make([][]float32, len(req.Texts))
		for i := range req.Texts {
			vectors[i] = []float32{float32(i), float32(len(req.Texts[i]))}
		}
		_ = json.NewEncoder(w).Encode(embedResponse{Embeddings: vectors, Dimension: 2})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(t *testing.T, url string, retries int, kv cache.Cache) *Client {
	t.Helper()
	cfg := config.EmbeddingConfig{
		ServiceURL:      url,
		TimeoutSeconds:  5,
		MaxRetries:      retries,
		BatchSize:       128,
		CacheTTLSeconds: 3600,
	}
	c, err := NewClient(cfg, kv, observability.NewNoopLogger(), observability.NewNoopMetricsClient())
	require.NoError(t, err)
	return c
}

func TestEmbedReturnsVectorsInOrder(t *testing.T) {
	var calls int32
	srv := embedServer(t, nil, &calls)
	c := newTestClient(t, srv.URL, 1, nil)

	vectors, err := c.Embed(context.Background(), []string{"alpha", "beta", "gamma"})
	require.NoError(t, err)
	require.Len(t, vectors, 3)
	assert.Equal(t, []float32{0, 5}, vectors[0])
	assert.Equal(t, []float32{1, 4}, vectors[1])
	assert.Equal(t, []float32{2, 5}, vectors[2])
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestEmbedEmptyInput(t *testing.T) {
	var calls int32
	srv := embedServer(t, nil, &calls)
	c := newTestClient(t, srv.URL, 1, nil)

	vectors, err := c.Embed(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, vectors)
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
}

func TestEmbedRetriesThenSucceeds(t *testing.T) {
	failures := int32(1)
	var calls int32
	srv := embedServer(t, &failures, &calls)
	c := newTestClient(t, srv.URL, 3, nil)

	vectors, err := c.Embed(context.Background(), []string{"x"})
	require.NoError(t, err)
	assert.Len(t, vectors, 1)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestEmbedExhaustsRetries(t *testing.T) {
	failures := int32(100)
	var calls int32
	srv := embedServer(t, &failures, &calls)
	c := newTestClient(t, srv.URL, 2, nil)

	_, err := c.Embed(context.Background(), []string{"x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestEmbedVectorCountMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(embedResponse{Embeddings: [][]float32{{1}}})
	}))
	t.Cleanup(srv.Close)
	c := newTestClient(t, srv.URL, 1, nil)

	_, err := c.Embed(context.Background(), []string{"a", "b"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2 texts")
}

func TestEmbedCancelledContext(t *testing.T) {
	var calls int32
	srv := embedServer(t, nil, &calls)
	c := newTestClient(t, srv.URL, 3, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Embed(ctx, []string{"x"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEmbedQueryUsesCacheTiers(t *testing.T) {
	var calls int32
	srv := embedServer(t, nil, &calls)

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	kv := cache.NewRedisCacheFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))

	c := newTestClient(t, srv.URL, 1, kv)
	ctx := context.Background()

	v1, err := c.EmbedQuery(ctx, "carbon nanotubes")
	require.NoError(t, err)
	require.NotEmpty(t, v1)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	// local LRU absorbs the repeat
	v2, err := c.EmbedQuery(ctx, "carbon nanotubes")
	require.NoError(t, err)
	assert.Equal(t, v1, v2)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	// a second client shares the vector through the key-value tier
	c2 := newTestClient(t, srv.URL, 1, kv)
	v3, err := c2.EmbedQuery(ctx, "carbon nanotubes")
	require.NoError(t, err)
	assert.Equal(t, v1, v3)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	// a different query misses
	_, err = c2.EmbedQuery(ctx, "perovskite solar cells")
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestEmbedQueryCacheFailureIsNonFatal(t *testing.T) {
	var calls int32
	srv := embedServer(t, nil, &calls)

	mr, err := miniredis.Run()
	require.NoError(t, err)
	kv := cache.NewRedisCacheFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	mr.Close() // kv calls fail from here on

	c := newTestClient(t, srv.URL, 1, kv)

	vector, err := c.EmbedQuery(context.Background(), "resilient query")
	require.NoError(t, err)
	assert.NotEmpty(t, vector)
}

func TestHealth(t *testing.T) {
	var calls int32
	srv := embedServer(t, nil, &calls)
	c := newTestClient(t, srv.URL, 1, nil)

	assert.NoError(t, c.Health(context.Background()))

	down := newTestClient(t, "http://127.0.0.1:1", 1, nil)
	assert.Error(t, down.Health(context.Background()))
}

func TestBuildEmbeddingText(t *testing.T) {
	assert.Equal(t, "Title [SEP] Abstract", BuildEmbeddingText("Title", "Abstract"))
	assert.Equal(t, "Title", BuildEmbeddingText("Title", ""))
}

func TestKeyShape(t *testing.T) {
	k := Key("some query")
	assert.True(t, strings.HasPrefix(k, "embed:"))
	assert.Len(t, k, len("embed:")+16)
	assert.Equal(t, k, Key("some query"))
	assert.NotEqual(t, k, Key("other query"))
}
