package opensearch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scholar-search/scholar-search/pkg/config"
	"github.com/scholar-search/scholar-search/pkg/models"
	"github.com/scholar-search/scholar-search/pkg/observability"
)

// fakeEngine is a canned OpenSearch endpoint. Handlers may be swapped
// per test; unset routes return 404.
type fakeEngine struct {
	t           *testing.T
	indexExists atomic.Bool

	onBulk   func(body string) string
	onSearch func(body string) string

	lastCreateBody []byte
	searchCalls    int32
}

func (f *fakeEngine) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/":
			_, _ = w.Write([]byte(`{"version":{"number":"2.11.0","distribution":"opensearch"}}`))

		case r.URL.Path == "/_bulk":
			body, _ := io.ReadAll(r.Body)
			assert.Equal(f.t, "true", r.URL.Query().Get("refresh"))
			_, _ = w.Write([]byte(f.onBulk(string(body))))

		case strings.HasSuffix(r.URL.Path, "/_search"):
			atomic.AddInt32(&f.searchCalls, 1)
			body, _ := io.ReadAll(r.Body)
			_, _ = w.Write([]byte(f.onSearch(string(body))))

		case strings.HasSuffix(r.URL.Path, "/_count"):
			_, _ = w.Write([]byte(`{"count":42}`))

		case r.URL.Path == "/_cluster/health":
			_, _ = w.Write([]byte(`{"status":"GREEN"}`))

		case r.Method == http.MethodHead:
			if f.indexExists.Load() {
				w.WriteHeader(http.StatusOK)
			} else {
				w.WriteHeader(http.StatusNotFound)
			}

		case r.Method == http.MethodPut:
			f.lastCreateBody, _ = io.ReadAll(r.Body)
			f.indexExists.Store(true)
			_, _ = w.Write([]byte(`{"acknowledged":true}`))

		case r.Method == http.MethodDelete:
			if !f.indexExists.Load() {
				w.WriteHeader(http.StatusNotFound)
				_, _ = w.Write([]byte(`{"error":"index_not_found_exception"}`))
				return
			}
			f.indexExists.Store(false)
			_, _ = w.Write([]byte(`{"acknowledged":true}`))

		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
}

func setupEngine(t *testing.T) (*Client, *fakeEngine) {
	t.Helper()
	fake := &fakeEngine{t: t}
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)

	cfg := config.OpenSearchConfig{
		Node:     srv.URL,
		Index:    "research_documents",
		BulkSize: 100,
	}
	c, err := NewClient(cfg, observability.NewNoopLogger())
	require.NoError(t, err)
	return c, fake
}

func TestBulkIndexCollectsIDsByItemStatus(t *testing.T) {
	c, fake := setupEngine(t)

	fake.onBulk = func(body string) string {
		// two action+source line pairs per doc
		lines := strings.Split(strings.TrimSpace(body), "\n")
		if assert.Len(t, lines, 4) {
			assert.Contains(t, lines[1], `"mongo_id":"aaa"`)
			assert.Contains(t, lines[3], `"mongo_id":"bbb"`)
		}
		return `{"items":[
			{"index":{"_id":"e1","status":201}},
			{"index":{"_id":"e2","status":429}}
		]}`
	}

	idMap, err := c.BulkIndex(context.Background(), []models.EngineDocument{
		{MongoID: "aaa", Title: "first"},
		{MongoID: "bbb", Title: "second"},
	})
	require.NoError(t, err)

	// only the 2xx item lands in the map
	assert.Equal(t, map[string]string{"aaa": "e1"}, idMap)
}

func TestBulkIndexEmpty(t *testing.T) {
	c, _ := setupEngine(t)
	idMap, err := c.BulkIndex(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, idMap)
}

func TestSearchDecodesHitsAndAggregations(t *testing.T) {
	c, fake := setupEngine(t)

	fake.onSearch = func(body string) string {
		assert.Contains(t, body, `"track_total_hits":true`)
		return `{
			"took": 7,
			"hits": {
				"total": {"value": 2},
				"hits": [
					{"_id": "e1", "_score": 0.72, "_source": {"mongo_id": "aaa"}},
					{"_id": "e2", "_score": 0.41, "_source": {"mongo_id": "bbb"}}
				]
			},
			"aggregations": {"years": {"buckets": [{"key": 2020, "doc_count": 2}]}}
		}`
	}

	res, err := c.Search(context.Background(), map[string]interface{}{
		"track_total_hits": true,
	})
	require.NoError(t, err)

	assert.Equal(t, int64(7), res.TookMS)
	assert.Equal(t, int64(2), res.Total)
	require.Len(t, res.Hits, 2)
	assert.Equal(t, Hit{EngineID: "e1", MongoID: "aaa", Score: 0.72}, res.Hits[0])
	assert.Equal(t, Hit{EngineID: "e2", MongoID: "bbb", Score: 0.41}, res.Hits[1])
	assert.Contains(t, res.Aggregations, "years")
}

func TestSearchEngineFailureWrapsErrEngine(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" {
			_, _ = w.Write([]byte(`{"version":{"number":"2.11.0"}}`))
			return
		}
		http.Error(w, `{"error":"shard failure"}`, http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	cli, err := NewClient(config.OpenSearchConfig{Node: srv.URL, Index: "idx"}, observability.NewNoopLogger())
	require.NoError(t, err)

	_, err = cli.Search(context.Background(), map[string]interface{}{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEngine)
}

func TestFindByMongoID(t *testing.T) {
	c, fake := setupEngine(t)

	fake.onSearch = func(body string) string {
		assert.Contains(t, body, `"mongo_id":"aaa"`)
		assert.Contains(t, body, `"embedding"`)
		return `{
			"hits": {"hits": [{
				"_id": "e9",
				"_source": {
					"mongo_id": "aaa",
					"title": "Graphene oxide membranes",
					"subject_area": ["MATE", "CHEM"],
					"embedding": [0.1, 0.2]
				}
			}]}
		}`
	}

	src, err := c.FindByMongoID(context.Background(), "aaa")
	require.NoError(t, err)
	assert.Equal(t, "e9", src.EngineID)
	assert.Equal(t, "Graphene oxide membranes", src.Title)
	assert.Equal(t, []string{"MATE", "CHEM"}, src.SubjectArea)
	assert.Equal(t, []float32{0.1, 0.2}, src.Embedding)
}

func TestFindByMongoIDNotFound(t *testing.T) {
	c, fake := setupEngine(t)
	fake.onSearch = func(string) string { return `{"hits":{"hits":[]}}` }

	_, err := c.FindByMongoID(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCount(t *testing.T) {
	c, _ := setupEngine(t)
	n, err := c.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)
}

func TestClusterHealthLowercasesStatus(t *testing.T) {
	c, _ := setupEngine(t)
	status, err := c.ClusterHealth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "green", status)
}

func TestEnsureIndexIdempotent(t *testing.T) {
	c, fake := setupEngine(t)

	exists, err := c.IndexExists(context.Background())
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, c.EnsureIndex(context.Background()))
	require.NotEmpty(t, fake.lastCreateBody)

	// second create is a noop: no new mapping upload
	fake.lastCreateBody = nil
	require.NoError(t, c.EnsureIndex(context.Background()))
	assert.Nil(t, fake.lastCreateBody)

	exists, err = c.IndexExists(context.Background())
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestDeleteIndexToleratesMissing(t *testing.T) {
	c, fake := setupEngine(t)

	// deleting a missing index succeeds
	require.NoError(t, c.DeleteIndex(context.Background()))

	fake.indexExists.Store(true)
	require.NoError(t, c.DeleteIndex(context.Background()))
	assert.False(t, fake.indexExists.Load())
}

func TestCreateIndexUploadsFullMapping(t *testing.T) {
	c, fake := setupEngine(t)
	require.NoError(t, c.EnsureIndex(context.Background()))

	var mapping map[string]interface{}
	require.NoError(t, json.Unmarshal(fake.lastCreateBody, &mapping))

	settings := mapping["settings"].(map[string]interface{})
	index := settings["index"].(map[string]interface{})
	assert.Equal(t, true, index["knn"])
	assert.EqualValues(t, 300, index["knn.algo_param.ef_search"])
	assert.EqualValues(t, 3, index["number_of_shards"])

	bm25 := settings["similarity"].(map[string]interface{})["custom_bm25"].(map[string]interface{})
	assert.EqualValues(t, 1.8, bm25["k1"])
	assert.EqualValues(t, 0.6, bm25["b"])

	props := mapping["mappings"].(map[string]interface{})["properties"].(map[string]interface{})
	assert.Equal(t, "nested", props["authors"].(map[string]interface{})["type"])
	assert.Equal(t, "keyword", props["mongo_id"].(map[string]interface{})["type"])

	embedding := props["embedding"].(map[string]interface{})
	assert.Equal(t, "knn_vector", embedding["type"])
	assert.EqualValues(t, EmbeddingDim, embedding["dimension"])

	method := embedding["method"].(map[string]interface{})
	assert.Equal(t, "hnsw", method["name"])
	assert.Equal(t, "cosinesimil", method["space_type"])
	params := method["parameters"].(map[string]interface{})
	assert.EqualValues(t, 512, params["ef_construction"])
	assert.EqualValues(t, 32, params["m"])

	// denormalized author fields carry the ngram sub-field
	authorNames := props["author_names"].(map[string]interface{})
	sub := authorNames["fields"].(map[string]interface{})
	assert.Contains(t, sub, "ngram")
	assert.Contains(t, sub, "keyword")

	// title carries exact and shingles sub-fields with custom BM25
	title := props["title"].(map[string]interface{})
	assert.Equal(t, "custom_bm25", title["similarity"])
	titleSub := title["fields"].(map[string]interface{})
	assert.Contains(t, titleSub, "exact")
	assert.Contains(t, titleSub, "shingles")
}
