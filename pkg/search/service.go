// Package search is the query side of the platform: it plans engine
// queries from search requests, orchestrates embedding, retrieval,
// hydration and enrichment, and caches shaped responses.
package search

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/scholar-search/scholar-search/pkg/cache"
	"github.com/scholar-search/scholar-search/pkg/config"
	"github.com/scholar-search/scholar-search/pkg/embedding"
	"github.com/scholar-search/scholar-search/pkg/models"
	"github.com/scholar-search/scholar-search/pkg/observability"
	"github.com/scholar-search/scholar-search/pkg/opensearch"
	"github.com/scholar-search/scholar-search/pkg/resilience"
)

// NoResultsMessage is returned when the lexical pre-check finds nothing.
const NoResultsMessage = "No relevant results found for your query"

const cacheWriteTimeout = 2 * time.Second

// Embedder produces query vectors.
type Embedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	Health(ctx context.Context) error
}

// Engine executes planned query bodies against the search index.
type Engine interface {
	Search(ctx context.Context, body map[string]interface{}) (*opensearch.Result, error)
	FindByMongoID(ctx context.Context, mongoID string) (*opensearch.SourceDocument, error)
	ClusterHealth(ctx context.Context) (string, error)
}

// DocumentStore reads authoritative records for hydration and lookups.
type DocumentStore interface {
	FetchByIDs(ctx context.Context, hexIDs []string) (map[string]models.Document, error)
	GetDocument(ctx context.Context, hexID string) (models.Document, error)
	FindByAuthor(ctx context.Context, authorID string, page, perPage int) ([]models.Document, int64, error)
	FindPeopleByEmails(ctx context.Context, emails []string) ([]models.Person, error)
}

// Deps bundles the orchestrator's collaborators.
type Deps struct {
	Planner  *Planner
	Embedder Embedder
	Engine   Engine
	Store    DocumentStore
	Results  cache.Cache
	Breaker  *resilience.CircuitBreaker
	Logger   observability.Logger
	Metrics  observability.MetricsClient
}

// Service runs the search flow end to end.
type Service struct {
	cfg      config.SearchConfig
	planner  *Planner
	embedder Embedder
	engine   Engine
	store    DocumentStore
	results  cache.Cache
	breaker  *resilience.CircuitBreaker
	logger   observability.Logger
	metrics  observability.MetricsClient
}

func NewService(cfg config.SearchConfig, deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	return &Service{
		cfg:      cfg,
		planner:  deps.Planner,
		embedder: deps.Embedder,
		engine:   deps.Engine,
		store:    deps.Store,
		results:  deps.Results,
		breaker:  deps.Breaker,
		logger:   logger,
		metrics:  metrics,
	}
}

// Search answers one search request: cache lookup, query embedding,
// lexical pre-check, planned retrieval, hydration in engine order,
// optional people enrichment, then a best-effort cache write.
func (s *Service) Search(ctx context.Context, req *models.SearchRequest) (*models.SearchResponse, error) {
	ctx, span := observability.StartSpan(ctx, "search.request")
	defer span.End()

	started := time.Now()
	req.Normalize()

	key := CacheKey(req)
	if !req.NoCache {
		if resp := s.cachedResult(ctx, key); resp != nil {
			resp.Meta.CacheHit = true
			resp.Meta.TookMS = time.Since(started).Milliseconds()
			s.recordSearch(req.Sort, "hit", started)
			return resp, nil
		}
	}

	vector, err := s.embedQuery(ctx, req.Query)
	if err != nil {
		s.recordSearch(req.Sort, "error", started)
		return nil, err
	}

	// Lexical existence probe: without it the vector clause surfaces
	// semantically-near items for queries the corpus knows nothing about.
	pre, err := s.engine.Search(ctx, s.planner.PreCheckQuery(req.Query))
	if err != nil {
		s.recordSearch(req.Sort, "error", started)
		return nil, err
	}
	if pre.Total == 0 {
		s.recordSearch(req.Sort, "empty", started)
		return &models.SearchResponse{
			Results:    []models.SearchResult{},
			Facets:     models.EmptyFacets(),
			Pagination: models.Pagination{Page: req.Page, PerPage: req.PerPage},
			Meta:       models.Meta{TookMS: time.Since(started).Milliseconds()},
			Message:    NoResultsMessage,
		}, nil
	}

	body, err := s.planner.Plan(req, vector, s.cfg.MinScoreFloor)
	if err != nil {
		s.recordSearch(req.Sort, "error", started)
		return nil, err
	}
	res, err := s.engine.Search(ctx, body)
	if err != nil {
		s.recordSearch(req.Sort, "error", started)
		return nil, err
	}

	results, err := s.hydrate(ctx, res.Hits)
	if err != nil {
		s.recordSearch(req.Sort, "error", started)
		return nil, err
	}

	resp := &models.SearchResponse{
		Results:    results,
		Facets:     decodeFacets(res.Aggregations),
		Pagination: paginate(req.Page, req.PerPage, res.Total),
		Meta:       models.Meta{TookMS: time.Since(started).Milliseconds()},
	}
	if s.cfg.EnableRelatedPeople {
		resp.RelatedPeople = s.relatedPeople(ctx, results)
	}

	if !req.NoCache {
		s.storeResult(key, resp)
	}
	s.recordSearch(req.Sort, "ok", started)
	return resp, nil
}

// GetDocument returns the authoritative record by id.
func (s *Service) GetDocument(ctx context.Context, hexID string) (models.Document, error) {
	return s.store.GetDocument(ctx, hexID)
}

// DocumentsByAuthor pages an author's records, newest first.
func (s *Service) DocumentsByAuthor(ctx context.Context, authorID string, page, perPage int) (*models.DocumentsPage, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 20
	}
	if perPage > 100 {
		perPage = 100
	}

	docs, total, err := s.store.FindByAuthor(ctx, authorID, page, perPage)
	if err != nil {
		return nil, err
	}
	return &models.DocumentsPage{
		Documents:  docs,
		Pagination: paginate(page, perPage, total),
	}, nil
}

// SimilarDocuments finds the nearest neighbors of a document's stored
// vector. The engine is over-asked by a margin so dropped hydrations
// and the source itself do not shrink the page.
func (s *Service) SimilarDocuments(ctx context.Context, hexID string, limit int) (*models.SimilarResponse, error) {
	ctx, span := observability.StartSpan(ctx, "search.similar")
	defer span.End()

	if limit < 1 {
		limit = 5
	}
	if limit > 50 {
		limit = 50
	}

	src, err := s.engine.FindByMongoID(ctx, hexID)
	if err != nil {
		return nil, err
	}

	res, err := s.engine.Search(ctx, s.planner.SimilarQuery(src.Embedding, src.EngineID, limit+5))
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(res.Hits))
	for _, h := range res.Hits {
		if h.MongoID != "" && h.MongoID != hexID {
			ids = append(ids, h.MongoID)
		}
	}
	docs := map[string]models.Document{}
	if len(ids) > 0 {
		docs, err = s.store.FetchByIDs(ctx, ids)
		if err != nil {
			return nil, err
		}
	}

	similar := []models.SimilarDocument{}
	for _, h := range res.Hits {
		if h.MongoID == hexID {
			continue
		}
		doc, ok := docs[h.MongoID]
		if !ok {
			continue
		}
		similar = append(similar, models.SimilarDocument{Document: doc, SimilarityScore: h.Score})
		if len(similar) == limit {
			break
		}
	}

	return &models.SimilarResponse{
		Source: models.SimilarSource{
			ID:           hexID,
			Title:        src.Title,
			SubjectAreas: src.SubjectArea,
		},
		Similar: similar,
	}, nil
}

// Collaborators aggregates co-authors across the corpus for one author.
func (s *Service) Collaborators(ctx context.Context, authorID string) (*models.CollaboratorsResponse, error) {
	ctx, span := observability.StartSpan(ctx, "search.collaborators")
	defer span.End()

	res, err := s.engine.Search(ctx, s.planner.CollaboratorsQuery(authorID))
	if err != nil {
		return nil, err
	}

	resp := &models.CollaboratorsResponse{
		AuthorID:      authorID,
		TotalPapers:   res.Total,
		Collaborators: []models.Collaborator{},
	}
	raw, ok := res.Aggregations["authors"]
	if !ok {
		return resp, nil
	}

	var decoded struct {
		Collaborators struct {
			Buckets []struct {
				Key      string `json:"key"`
				DocCount int64  `json:"doc_count"`
				Info     struct {
					Hits struct {
						Hits []struct {
							Source struct {
								AuthorName        string `json:"author_name"`
								AuthorAffiliation string `json:"author_affiliation"`
							} `json:"_source"`
						} `json:"hits"`
					} `json:"hits"`
				} `json:"info"`
			} `json:"buckets"`
		} `json:"collaborators"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, errors.Wrap(err, "decoding collaborators aggregation")
	}

	for _, b := range decoded.Collaborators.Buckets {
		c := models.Collaborator{AuthorID: b.Key, PaperCount: b.DocCount}
		if len(b.Info.Hits.Hits) > 0 {
			c.Name = b.Info.Hits.Hits[0].Source.AuthorName
			c.Affiliation = b.Info.Hits.Hits[0].Source.AuthorAffiliation
		}
		resp.Collaborators = append(resp.Collaborators, c)
	}
	return resp, nil
}

// Health probes the engine, the embedding service, and the cache.
func (s *Service) Health(ctx context.Context) *models.HealthResponse {
	components := make(map[string]models.ComponentHealth, 3)
	healthy := true

	if status, err := s.engine.ClusterHealth(ctx); err != nil {
		components["engine"] = models.ComponentHealth{Status: "down", Detail: err.Error()}
		healthy = false
	} else if status == "red" {
		components["engine"] = models.ComponentHealth{Status: "degraded", Detail: "cluster status red"}
		healthy = false
	} else {
		components["engine"] = models.ComponentHealth{Status: "up", Detail: "cluster status " + status}
	}

	if err := s.embedder.Health(ctx); err != nil {
		components["embedding"] = models.ComponentHealth{Status: "down", Detail: err.Error()}
		healthy = false
	} else {
		components["embedding"] = models.ComponentHealth{Status: "up"}
	}

	if err := s.results.Ping(ctx); err != nil {
		components["cache"] = models.ComponentHealth{Status: "down", Detail: err.Error()}
		healthy = false
	} else {
		components["cache"] = models.ComponentHealth{Status: "up"}
	}

	status := "healthy"
	if !healthy {
		status = "degraded"
	}
	return &models.HealthResponse{Status: status, Components: components}
}

// embedQuery runs the embedding call through the circuit breaker. An
// open breaker presents the same way as an exhausted client so the HTTP
// edge maps both to 503.
func (s *Service) embedQuery(ctx context.Context, text string) ([]float32, error) {
	ctx, span := observability.StartSpan(ctx, "search.embed_query")
	defer span.End()

	if s.breaker == nil {
		return s.embedder.EmbedQuery(ctx, text)
	}
	out, err := s.breaker.Execute(func() (interface{}, error) {
		return s.embedder.EmbedQuery(ctx, text)
	})
	if err != nil {
		if resilience.IsOpen(err) {
			return nil, errors.Wrap(embedding.ErrUnavailable, "circuit open")
		}
		return nil, err
	}
	return out.([]float32), nil
}

func (s *Service) cachedResult(ctx context.Context, key string) *models.SearchResponse {
	var cached models.SearchResponse
	err := s.results.Get(ctx, key, &cached)
	if err == nil {
		s.metrics.IncrementCounterWithLabels("cache_operations_total", 1, map[string]string{"cache": "result", "result": "hit"})
		return &cached
	}
	if !errors.Is(err, cache.ErrNotFound) {
		s.logger.Warn("result cache read failed", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
	}
	s.metrics.IncrementCounterWithLabels("cache_operations_total", 1, map[string]string{"cache": "result", "result": "miss"})
	return nil
}

// storeResult writes the shaped response off the request path. The
// request context is already done by the time the write lands, so the
// goroutine gets its own deadline.
func (s *Service) storeResult(key string, resp *models.SearchResponse) {
	snapshot := *resp
	ttl := s.cfg.ResultCacheTTL()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), cacheWriteTimeout)
		defer cancel()
		if err := s.results.Set(ctx, key, snapshot, ttl); err != nil {
			s.logger.Warn("result cache write failed", map[string]interface{}{
				"key":   key,
				"error": err.Error(),
			})
		}
	}()
}

// hydrate swaps engine hits for authoritative records, preserving the
// engine's ranking order exactly. Hits whose record is gone are dropped
// without disturbing the order of the rest.
func (s *Service) hydrate(ctx context.Context, hits []opensearch.Hit) ([]models.SearchResult, error) {
	if len(hits) == 0 {
		return []models.SearchResult{}, nil
	}

	ids := make([]string, 0, len(hits))
	for _, h := range hits {
		if h.MongoID != "" {
			ids = append(ids, h.MongoID)
		}
	}
	docs, err := s.store.FetchByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	results := make([]models.SearchResult, 0, len(hits))
	dropped := 0
	for _, h := range hits {
		doc, ok := docs[h.MongoID]
		if !ok {
			dropped++
			continue
		}
		results = append(results, models.SearchResult{Document: doc, Score: h.Score})
	}
	if dropped > 0 {
		s.logger.Warn("hits dropped during hydration", map[string]interface{}{"dropped": dropped})
		s.metrics.IncrementCounter("search_hydration_dropped_total", float64(dropped))
	}
	return results, nil
}

// relatedPeople maps matched-profile author emails on the current page
// to institutional people records. Failures degrade to no enrichment.
func (s *Service) relatedPeople(ctx context.Context, results []models.SearchResult) []models.Person {
	seen := make(map[string]struct{})
	var emails []string
	for _, r := range results {
		for _, a := range r.Authors {
			if !a.HasMatchedProfile() || a.AuthorEmail == "" {
				continue
			}
			email := strings.ToLower(a.AuthorEmail)
			if _, ok := seen[email]; ok {
				continue
			}
			seen[email] = struct{}{}
			emails = append(emails, email)
		}
	}
	if len(emails) == 0 {
		return nil
	}

	people, err := s.store.FindPeopleByEmails(ctx, emails)
	if err != nil {
		s.logger.Warn("related people lookup failed", map[string]interface{}{"error": err.Error()})
		return nil
	}

	unique := make([]models.Person, 0, len(people))
	ids := make(map[string]struct{}, len(people))
	for _, p := range people {
		id := p.ID.Hex()
		if _, ok := ids[id]; ok {
			continue
		}
		ids[id] = struct{}{}
		unique = append(unique, p)
	}
	return unique
}

func (s *Service) recordSearch(mode, status string, started time.Time) {
	s.metrics.IncrementCounterWithLabels("search_requests_total", 1, map[string]string{"mode": mode, "status": status})
	s.metrics.RecordHistogram("search_duration_seconds", time.Since(started).Seconds(), map[string]string{"mode": mode})
}

func paginate(page, perPage int, total int64) models.Pagination {
	pages := 0
	if perPage > 0 {
		pages = int((total + int64(perPage) - 1) / int64(perPage))
	}
	return models.Pagination{Page: page, PerPage: perPage, Total: total, TotalPages: pages}
}

type aggBucket struct {
	Key      interface{} `json:"key"`
	DocCount int64       `json:"doc_count"`
}

func bucketKey(key interface{}) string {
	switch k := key.(type) {
	case string:
		return k
	case float64:
		return strconv.FormatInt(int64(k), 10)
	default:
		return ""
	}
}

func decodeBuckets(raw json.RawMessage) []models.FacetBucket {
	buckets := []models.FacetBucket{}
	if len(raw) == 0 {
		return buckets
	}
	var decoded struct {
		Buckets []aggBucket `json:"buckets"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return buckets
	}
	for _, b := range decoded.Buckets {
		buckets = append(buckets, models.FacetBucket{Key: bucketKey(b.Key), Count: b.DocCount})
	}
	return buckets
}

func decodeFacets(aggs map[string]json.RawMessage) models.Facets {
	return models.Facets{
		Years:         decodeBuckets(aggs["years"]),
		YearRanges:    decodeBuckets(aggs["year_ranges"]),
		DocumentTypes: decodeBuckets(aggs["document_types"]),
		Fields:        decodeBuckets(aggs["fields"]),
		SubjectAreas:  decodeBuckets(aggs["subject_areas"]),
	}
}
