package search

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/scholar-search/scholar-search/pkg/cache"
	"github.com/scholar-search/scholar-search/pkg/config"
	"github.com/scholar-search/scholar-search/pkg/embedding"
	"github.com/scholar-search/scholar-search/pkg/models"
	"github.com/scholar-search/scholar-search/pkg/mongodb"
	"github.com/scholar-search/scholar-search/pkg/opensearch"
)

type fakeEmbedder struct {
	vector    []float32
	err       error
	healthErr error
	calls     int32
}

func (f *fakeEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.err != nil {
		return nil, f.err
	}
	return f.vector, nil
}

func (f *fakeEmbedder) Health(ctx context.Context) error { return f.healthErr }

type fakeEngine struct {
	preTotal  int64
	result    *opensearch.Result
	searchErr error
	source    *opensearch.SourceDocument
	sourceErr error
	health    string
	healthErr error

	searchCalls int32
}

// Search tells the size-0 lexical pre-check apart from planned queries:
// facet-carrying bodies and sized pages go to the canned result.
func (f *fakeEngine) Search(ctx context.Context, body map[string]interface{}) (*opensearch.Result, error) {
	atomic.AddInt32(&f.searchCalls, 1)
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	if size, ok := body["size"].(int); ok && size == 0 {
		if _, hasAggs := body["aggs"]; !hasAggs {
			return &opensearch.Result{Total: f.preTotal}, nil
		}
	}
	return f.result, nil
}

func (f *fakeEngine) FindByMongoID(ctx context.Context, mongoID string) (*opensearch.SourceDocument, error) {
	if f.sourceErr != nil {
		return nil, f.sourceErr
	}
	return f.source, nil
}

func (f *fakeEngine) ClusterHealth(ctx context.Context) (string, error) {
	if f.healthErr != nil {
		return "", f.healthErr
	}
	return f.health, nil
}

type fakeStore struct {
	docs     map[string]models.Document
	fetchErr error
	people   []models.Person

	emailQueries [][]string
}

func (f *fakeStore) FetchByIDs(ctx context.Context, hexIDs []string) (map[string]models.Document, error) {
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	out := make(map[string]models.Document, len(hexIDs))
	for _, id := range hexIDs {
		if doc, ok := f.docs[id]; ok {
			out[id] = doc
		}
	}
	return out, nil
}

func (f *fakeStore) GetDocument(ctx context.Context, hexID string) (models.Document, error) {
	doc, ok := f.docs[hexID]
	if !ok {
		return models.Document{}, mongodb.ErrNotFound
	}
	return doc, nil
}

func (f *fakeStore) FindByAuthor(ctx context.Context, authorID string, page, perPage int) ([]models.Document, int64, error) {
	var docs []models.Document
	for _, d := range f.docs {
		docs = append(docs, d)
	}
	return docs, int64(len(docs)), nil
}

func (f *fakeStore) FindPeopleByEmails(ctx context.Context, emails []string) ([]models.Person, error) {
	f.emailQueries = append(f.emailQueries, emails)
	return f.people, nil
}

func setupService(t *testing.T, cfg config.SearchConfig, engine *fakeEngine, embedder *fakeEmbedder, store *fakeStore) (*Service, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rc := cache.NewRedisCacheFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = rc.Close() })

	svc := NewService(cfg, Deps{
		Planner:  NewPlanner(cfg),
		Embedder: embedder,
		Engine:   engine,
		Store:    store,
		Results:  rc,
	})
	return svc, mr
}

func searchConfig() config.SearchConfig {
	return config.SearchConfig{
		ResultCacheTTLSeconds: 300,
		MinScore:              5.0,
		MinScoreFloor:         1.0,
	}
}

func seedDocs(t *testing.T, n int) (map[string]models.Document, []string) {
	t.Helper()
	docs := make(map[string]models.Document, n)
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		id := primitive.NewObjectID()
		docs[id.Hex()] = models.Document{ID: id, Title: "paper " + id.Hex()[:6]}
		ids[i] = id.Hex()
	}
	return docs, ids
}

func TestSearchHydratesInEngineOrder(t *testing.T) {
	docs, ids := seedDocs(t, 3)
	missing := primitive.NewObjectID().Hex()

	engine := &fakeEngine{
		preTotal: 4,
		result: &opensearch.Result{
			TookMS: 3,
			Total:  4,
			Hits: []opensearch.Hit{
				{EngineID: "e2", MongoID: ids[1], Score: 9.1},
				{EngineID: "eX", MongoID: missing, Score: 8.0},
				{EngineID: "e0", MongoID: ids[0], Score: 7.5},
				{EngineID: "e1", MongoID: ids[2], Score: 6.2},
			},
		},
	}
	svc, _ := setupService(t, searchConfig(), engine, &fakeEmbedder{vector: []float32{0.1}}, &fakeStore{docs: docs})

	resp, err := svc.Search(context.Background(), &models.SearchRequest{Query: "graphene"})
	require.NoError(t, err)

	// the record missing from the store is dropped, order is untouched
	require.Len(t, resp.Results, 3)
	assert.Equal(t, ids[1], resp.Results[0].ID.Hex())
	assert.Equal(t, ids[0], resp.Results[1].ID.Hex())
	assert.Equal(t, ids[2], resp.Results[2].ID.Hex())
	assert.Equal(t, 9.1, resp.Results[0].Score)
	assert.Equal(t, int64(4), resp.Pagination.Total)
	assert.False(t, resp.Meta.CacheHit)
	assert.Empty(t, resp.Message)
}

func TestSearchPreCheckShortCircuits(t *testing.T) {
	engine := &fakeEngine{preTotal: 0}
	embedder := &fakeEmbedder{vector: []float32{0.1}}
	svc, mr := setupService(t, searchConfig(), engine, embedder, &fakeStore{})

	resp, err := svc.Search(context.Background(), &models.SearchRequest{Query: "zxqv nonexistent"})
	require.NoError(t, err)

	assert.Equal(t, NoResultsMessage, resp.Message)
	assert.Empty(t, resp.Results)
	assert.NotNil(t, resp.Facets.Years)
	assert.False(t, resp.Meta.CacheHit)

	// only the pre-check reached the engine, and nothing was cached
	assert.Equal(t, int32(1), atomic.LoadInt32(&engine.searchCalls))
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, mr.Keys())
}

func TestSearchCachesAndServesHit(t *testing.T) {
	docs, ids := seedDocs(t, 1)
	engine := &fakeEngine{
		preTotal: 1,
		result: &opensearch.Result{
			Total: 1,
			Hits:  []opensearch.Hit{{EngineID: "e0", MongoID: ids[0], Score: 4.2}},
		},
	}
	embedder := &fakeEmbedder{vector: []float32{0.1}}
	svc, mr := setupService(t, searchConfig(), engine, embedder, &fakeStore{docs: docs})

	req := &models.SearchRequest{Query: "graphene"}
	first, err := svc.Search(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, first.Meta.CacheHit)

	require.Eventually(t, func() bool {
		return len(mr.Keys()) == 1
	}, time.Second, 10*time.Millisecond, "cache write never landed")

	second, err := svc.Search(context.Background(), &models.SearchRequest{Query: "graphene"})
	require.NoError(t, err)
	assert.True(t, second.Meta.CacheHit)
	require.Len(t, second.Results, 1)
	assert.Equal(t, ids[0], second.Results[0].ID.Hex())

	// the hit never touched embedding or the engine again
	assert.Equal(t, int32(1), atomic.LoadInt32(&embedder.calls))
	assert.Equal(t, int32(2), atomic.LoadInt32(&engine.searchCalls))
}

func TestSearchNoCacheBypass(t *testing.T) {
	docs, ids := seedDocs(t, 1)
	engine := &fakeEngine{
		preTotal: 1,
		result: &opensearch.Result{
			Total: 1,
			Hits:  []opensearch.Hit{{EngineID: "e0", MongoID: ids[0], Score: 4.2}},
		},
	}
	embedder := &fakeEmbedder{vector: []float32{0.1}}
	svc, mr := setupService(t, searchConfig(), engine, embedder, &fakeStore{docs: docs})

	for i := 0; i < 2; i++ {
		resp, err := svc.Search(context.Background(), &models.SearchRequest{Query: "graphene", NoCache: true})
		require.NoError(t, err)
		assert.False(t, resp.Meta.CacheHit)
	}

	assert.Equal(t, int32(2), atomic.LoadInt32(&embedder.calls))
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, mr.Keys())
}

func TestSearchEmbeddingFailurePropagates(t *testing.T) {
	embedder := &fakeEmbedder{err: embedding.ErrUnavailable}
	svc, _ := setupService(t, searchConfig(), &fakeEngine{}, embedder, &fakeStore{})

	_, err := svc.Search(context.Background(), &models.SearchRequest{Query: "graphene"})
	require.Error(t, err)
	assert.ErrorIs(t, err, embedding.ErrUnavailable)
}

func TestSearchEngineFailurePropagates(t *testing.T) {
	engine := &fakeEngine{searchErr: opensearch.ErrEngine}
	svc, _ := setupService(t, searchConfig(), engine, &fakeEmbedder{vector: []float32{0.1}}, &fakeStore{})

	_, err := svc.Search(context.Background(), &models.SearchRequest{Query: "graphene"})
	assert.ErrorIs(t, err, opensearch.ErrEngine)
}

func TestSearchDecodesFacets(t *testing.T) {
	docs, ids := seedDocs(t, 1)
	engine := &fakeEngine{
		preTotal: 1,
		result: &opensearch.Result{
			Total: 1,
			Hits:  []opensearch.Hit{{EngineID: "e0", MongoID: ids[0], Score: 4.2}},
			Aggregations: map[string]json.RawMessage{
				"years":       json.RawMessage(`{"buckets":[{"key":2021,"doc_count":7},{"key":2019,"doc_count":2}]}`),
				"year_ranges": json.RawMessage(`{"buckets":[{"key":"2020-Present","doc_count":7}]}`),
				"fields":      json.RawMessage(`{"buckets":[{"key":"Engineering","doc_count":9}]}`),
			},
		},
	}
	svc, _ := setupService(t, searchConfig(), engine, &fakeEmbedder{vector: []float32{0.1}}, &fakeStore{docs: docs})

	resp, err := svc.Search(context.Background(), &models.SearchRequest{Query: "graphene", NoCache: true})
	require.NoError(t, err)

	// numeric bucket keys come back as strings
	require.Len(t, resp.Facets.Years, 2)
	assert.Equal(t, models.FacetBucket{Key: "2021", Count: 7}, resp.Facets.Years[0])
	assert.Equal(t, models.FacetBucket{Key: "2020-Present", Count: 7}, resp.Facets.YearRanges[0])
	assert.Equal(t, models.FacetBucket{Key: "Engineering", Count: 9}, resp.Facets.Fields[0])
	assert.Empty(t, resp.Facets.DocumentTypes)
	assert.NotNil(t, resp.Facets.DocumentTypes)
}

func TestSearchRelatedPeople(t *testing.T) {
	id := primitive.NewObjectID()
	doc := models.Document{
		ID:    id,
		Title: "Matched paper",
		Authors: []models.Author{
			{AuthorID: "a1", AuthorName: "R. Sharma", AuthorEmail: "RSharma@example.edu", MatchedUserID: "u1"},
			{AuthorID: "a2", AuthorName: "Unmatched", AuthorEmail: "other@example.edu"},
			{AuthorID: "a3", AuthorName: "No email", MatchedUserID: "u3"},
		},
	}
	person := models.Person{ID: primitive.NewObjectID(), Name: "Rakesh Sharma", Email: "rsharma@example.edu"}
	store := &fakeStore{
		docs:   map[string]models.Document{id.Hex(): doc},
		people: []models.Person{person, person}, // duplicate collapses
	}
	engine := &fakeEngine{
		preTotal: 1,
		result: &opensearch.Result{
			Total: 1,
			Hits:  []opensearch.Hit{{EngineID: "e0", MongoID: id.Hex(), Score: 4.2}},
		},
	}

	cfg := searchConfig()
	cfg.EnableRelatedPeople = true
	svc, _ := setupService(t, cfg, engine, &fakeEmbedder{vector: []float32{0.1}}, store)

	resp, err := svc.Search(context.Background(), &models.SearchRequest{Query: "graphene", NoCache: true})
	require.NoError(t, err)

	require.Len(t, resp.RelatedPeople, 1)
	assert.Equal(t, "Rakesh Sharma", resp.RelatedPeople[0].Name)

	// only matched-profile authors with emails are looked up, lowercased
	require.Len(t, store.emailQueries, 1)
	assert.Equal(t, []string{"rsharma@example.edu"}, store.emailQueries[0])
}

func TestSearchRelatedPeopleDisabledByDefault(t *testing.T) {
	docs, ids := seedDocs(t, 1)
	engine := &fakeEngine{
		preTotal: 1,
		result: &opensearch.Result{
			Total: 1,
			Hits:  []opensearch.Hit{{EngineID: "e0", MongoID: ids[0], Score: 4.2}},
		},
	}
	store := &fakeStore{docs: docs}
	svc, _ := setupService(t, searchConfig(), engine, &fakeEmbedder{vector: []float32{0.1}}, store)

	resp, err := svc.Search(context.Background(), &models.SearchRequest{Query: "graphene", NoCache: true})
	require.NoError(t, err)
	assert.Nil(t, resp.RelatedPeople)
	assert.Empty(t, store.emailQueries)
}

func TestSimilarDocuments(t *testing.T) {
	docs, ids := seedDocs(t, 3)
	source := primitive.NewObjectID().Hex()

	engine := &fakeEngine{
		source: &opensearch.SourceDocument{
			EngineID:    "e-src",
			MongoID:     source,
			Title:       "Source paper",
			SubjectArea: []string{"COMP"},
			Embedding:   []float32{0.1, 0.2},
		},
		result: &opensearch.Result{
			Total: 4,
			Hits: []opensearch.Hit{
				{EngineID: "e-src", MongoID: source, Score: 1.0}, // engine returned the source anyway
				{EngineID: "e1", MongoID: ids[0], Score: 0.93},
				{EngineID: "e2", MongoID: ids[1], Score: 0.88},
				{EngineID: "e3", MongoID: ids[2], Score: 0.71},
			},
		},
	}
	svc, _ := setupService(t, searchConfig(), engine, &fakeEmbedder{}, &fakeStore{docs: docs})

	resp, err := svc.SimilarDocuments(context.Background(), source, 2)
	require.NoError(t, err)

	assert.Equal(t, source, resp.Source.ID)
	assert.Equal(t, "Source paper", resp.Source.Title)
	assert.Equal(t, []string{"COMP"}, resp.Source.SubjectAreas)

	require.Len(t, resp.Similar, 2)
	assert.Equal(t, ids[0], resp.Similar[0].ID.Hex())
	assert.Equal(t, 0.93, resp.Similar[0].SimilarityScore)
	assert.Equal(t, ids[1], resp.Similar[1].ID.Hex())
}

func TestSimilarDocumentsUnknownSource(t *testing.T) {
	engine := &fakeEngine{sourceErr: opensearch.ErrNotFound}
	svc, _ := setupService(t, searchConfig(), engine, &fakeEmbedder{}, &fakeStore{})

	_, err := svc.SimilarDocuments(context.Background(), primitive.NewObjectID().Hex(), 5)
	assert.ErrorIs(t, err, opensearch.ErrNotFound)
}

func TestCollaborators(t *testing.T) {
	aggs := `{
		"collaborators": {
			"buckets": [
				{
					"key": "57200001",
					"doc_count": 12,
					"info": {"hits": {"hits": [{"_source": {"author_name": "A. Gupta", "author_affiliation": "IIT Delhi"}}]}}
				},
				{
					"key": "57200002",
					"doc_count": 4,
					"info": {"hits": {"hits": [{"_source": {"author_name": "B. Verma"}}]}}
				}
			]
		}
	}`
	engine := &fakeEngine{
		result: &opensearch.Result{
			Total:        23,
			Aggregations: map[string]json.RawMessage{"authors": json.RawMessage(aggs)},
		},
	}
	svc, _ := setupService(t, searchConfig(), engine, &fakeEmbedder{}, &fakeStore{})

	resp, err := svc.Collaborators(context.Background(), "57196278648")
	require.NoError(t, err)

	assert.Equal(t, "57196278648", resp.AuthorID)
	assert.Equal(t, int64(23), resp.TotalPapers)
	require.Len(t, resp.Collaborators, 2)
	assert.Equal(t, models.Collaborator{AuthorID: "57200001", Name: "A. Gupta", Affiliation: "IIT Delhi", PaperCount: 12}, resp.Collaborators[0])
	assert.Equal(t, "B. Verma", resp.Collaborators[1].Name)
}

func TestHealthAggregatesComponents(t *testing.T) {
	engine := &fakeEngine{health: "green"}
	svc, _ := setupService(t, searchConfig(), engine, &fakeEmbedder{}, &fakeStore{})

	resp := svc.Health(context.Background())
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "up", resp.Components["engine"].Status)
	assert.Equal(t, "up", resp.Components["embedding"].Status)
	assert.Equal(t, "up", resp.Components["cache"].Status)
}

func TestHealthDegraded(t *testing.T) {
	engine := &fakeEngine{health: "red"}
	embedder := &fakeEmbedder{healthErr: embedding.ErrUnavailable}
	svc, _ := setupService(t, searchConfig(), engine, embedder, &fakeStore{})

	resp := svc.Health(context.Background())
	assert.Equal(t, "degraded", resp.Status)
	assert.Equal(t, "degraded", resp.Components["engine"].Status)
	assert.Equal(t, "down", resp.Components["embedding"].Status)
	assert.Equal(t, "up", resp.Components["cache"].Status)
}

func TestDocumentsByAuthorClampsPaging(t *testing.T) {
	docs, _ := seedDocs(t, 2)
	svc, _ := setupService(t, searchConfig(), &fakeEngine{}, &fakeEmbedder{}, &fakeStore{docs: docs})

	page, err := svc.DocumentsByAuthor(context.Background(), "a1", 0, 500)
	require.NoError(t, err)
	assert.Equal(t, 1, page.Pagination.Page)
	assert.Equal(t, 100, page.Pagination.PerPage)
	assert.Len(t, page.Documents, 2)
}
