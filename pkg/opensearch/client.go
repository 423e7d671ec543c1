// Package opensearch is the search-engine client: bulk indexing for the
// pipeline, query execution for the search service, and index schema
// management.
package opensearch

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"net/http"
	"strings"

	opensearchclient "github.com/opensearch-project/opensearch-go/v2"
	"github.com/opensearch-project/opensearch-go/v2/opensearchapi"
	"github.com/pkg/errors"

	"github.com/scholar-search/scholar-search/pkg/config"
	"github.com/scholar-search/scholar-search/pkg/models"
	"github.com/scholar-search/scholar-search/pkg/observability"
)

// ErrEngine marks any failed engine request. The HTTP edge maps it to a
// bad-gateway response; the pipeline maps it to an error counter.
var ErrEngine = errors.New("search engine request failed")

// ErrNotFound is returned when a lookup by id resolves to nothing.
var ErrNotFound = errors.New("engine document not found")

// Hit is one search hit, carrying the engine id, the authoritative id
// from _source, and the engine score.
type Hit struct {
	EngineID string
	MongoID  string
	Score    float64
}

// Result is a decoded search response. Aggregations stay raw so each
// caller can decode the shapes it asked for.
type Result struct {
	TookMS       int64
	Total        int64
	Hits         []Hit
	Aggregations map[string]json.RawMessage
}

// SourceDocument is the engine-side view of one document, fetched when
// the similar-documents flow needs the stored vector.
type SourceDocument struct {
	EngineID    string
	MongoID     string
	Title       string
	SubjectArea []string
	Embedding   []float32
}

// Client wraps the engine connection and the configured index.
type Client struct {
	client *opensearchclient.Client
	index  string
	logger observability.Logger
}

// NewClient connects to the cluster and verifies it with an info call.
func NewClient(cfg config.OpenSearchConfig, logger observability.Logger) (*Client, error) {
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: !cfg.VerifyCerts,
		},
	}

	cli, err := opensearchclient.NewClient(opensearchclient.Config{
		Addresses: cfg.Addresses(),
		Username:  cfg.User,
		Password:  cfg.Password,
		Transport: transport,
	})
	if err != nil {
		return nil, errors.Wrap(err, "creating engine client")
	}

	res, err := cli.Info()
	if err != nil {
		return nil, errors.Wrap(err, "engine info")
	}
	defer func() { _ = res.Body.Close() }()
	if res.IsError() {
		return nil, errors.Wrapf(ErrEngine, "info: %s", res.String())
	}

	return &Client{client: cli, index: cfg.Index, logger: logger}, nil
}

// Index returns the configured index name.
func (c *Client) Index() string { return c.index }

// BulkIndex sends one bulk request with immediate refresh and returns
// the map of authoritative id to engine id for every item the engine
// acknowledged with a 2xx status. Rejected items are simply absent.
func (c *Client) BulkIndex(ctx context.Context, docs []models.EngineDocument) (map[string]string, error) {
	if len(docs) == 0 {
		return map[string]string{}, nil
	}

	var buf bytes.Buffer
	for _, doc := range docs {
		action := map[string]interface{}{
			"index": map[string]interface{}{"_index": c.index},
		}
		actionBytes, err := json.Marshal(action)
		if err != nil {
			return nil, errors.Wrap(err, "marshaling bulk action")
		}
		docBytes, err := json.Marshal(doc)
		if err != nil {
			return nil, errors.Wrap(err, "marshaling engine document")
		}
		buf.Write(actionBytes)
		buf.WriteByte('\n')
		buf.Write(docBytes)
		buf.WriteByte('\n')
	}

	req := opensearchapi.BulkRequest{
		Body:    bytes.NewReader(buf.Bytes()),
		Refresh: "true",
	}
	res, err := req.Do(ctx, c.client)
	if err != nil {
		return nil, errors.Wrapf(ErrEngine, "bulk: %v", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.IsError() {
		return nil, errors.Wrapf(ErrEngine, "bulk: %s", res.String())
	}

	var bulkRes struct {
		Items []struct {
			Index struct {
				ID     string `json:"_id"`
				Status int    `json:"status"`
			} `json:"index"`
		} `json:"items"`
	}
	if err := json.NewDecoder(res.Body).Decode(&bulkRes); err != nil {
		return nil, errors.Wrap(err, "decoding bulk response")
	}

	idMap := make(map[string]string, len(docs))
	for i, item := range bulkRes.Items {
		if i >= len(docs) {
			break
		}
		if item.Index.Status >= 200 && item.Index.Status < 300 {
			idMap[docs[i].MongoID] = item.Index.ID
		}
	}
	return idMap, nil
}

// searchResponse mirrors the engine's search reply. Hit sources carry
// just the authoritative id; scores are null under field sorts and
// decode to zero.
type searchResponse struct {
	Took int64 `json:"took"`
	Hits struct {
		Total struct {
			Value int64 `json:"value"`
		} `json:"total"`
		Hits []struct {
			ID     string  `json:"_id"`
			Score  float64 `json:"_score"`
			Source struct {
				MongoID string `json:"mongo_id"`
			} `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
	Aggregations map[string]json.RawMessage `json:"aggregations"`
}

// Search executes a query body against the index.
func (c *Client) Search(ctx context.Context, body map[string]interface{}) (*Result, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, errors.Wrap(err, "marshaling query")
	}

	req := opensearchapi.SearchRequest{
		Index: []string{c.index},
		Body:  bytes.NewReader(payload),
	}
	res, err := req.Do(ctx, c.client)
	if err != nil {
		return nil, errors.Wrapf(ErrEngine, "search: %v", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.IsError() {
		return nil, errors.Wrapf(ErrEngine, "search: %s", res.String())
	}

	var decoded searchResponse
	if err := json.NewDecoder(res.Body).Decode(&decoded); err != nil {
		return nil, errors.Wrap(err, "decoding search response")
	}

	result := &Result{
		TookMS:       decoded.Took,
		Total:        decoded.Hits.Total.Value,
		Hits:         make([]Hit, len(decoded.Hits.Hits)),
		Aggregations: decoded.Aggregations,
	}
	for i, h := range decoded.Hits.Hits {
		result.Hits[i] = Hit{EngineID: h.ID, MongoID: h.Source.MongoID, Score: h.Score}
	}
	return result, nil
}

// FindByMongoID fetches the engine document carrying the authoritative
// id, including its stored embedding.
func (c *Client) FindByMongoID(ctx context.Context, mongoID string) (*SourceDocument, error) {
	body := map[string]interface{}{
		"size":    1,
		"query":   map[string]interface{}{"term": map[string]interface{}{"mongo_id": mongoID}},
		"_source": []string{"mongo_id", "title", "subject_area", "embedding"},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, errors.Wrap(err, "marshaling lookup query")
	}

	req := opensearchapi.SearchRequest{
		Index: []string{c.index},
		Body:  bytes.NewReader(payload),
	}
	res, err := req.Do(ctx, c.client)
	if err != nil {
		return nil, errors.Wrapf(ErrEngine, "lookup: %v", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.IsError() {
		return nil, errors.Wrapf(ErrEngine, "lookup: %s", res.String())
	}

	var decoded struct {
		Hits struct {
			Hits []struct {
				ID     string `json:"_id"`
				Source struct {
					MongoID     string    `json:"mongo_id"`
					Title       string    `json:"title"`
					SubjectArea []string  `json:"subject_area"`
					Embedding   []float32 `json:"embedding"`
				} `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&decoded); err != nil {
		return nil, errors.Wrap(err, "decoding lookup response")
	}
	if len(decoded.Hits.Hits) == 0 {
		return nil, ErrNotFound
	}

	h := decoded.Hits.Hits[0]
	return &SourceDocument{
		EngineID:    h.ID,
		MongoID:     h.Source.MongoID,
		Title:       h.Source.Title,
		SubjectArea: h.Source.SubjectArea,
		Embedding:   h.Source.Embedding,
	}, nil
}

// Count returns the number of documents in the index.
func (c *Client) Count(ctx context.Context) (int64, error) {
	req := opensearchapi.CountRequest{Index: []string{c.index}}
	res, err := req.Do(ctx, c.client)
	if err != nil {
		return 0, errors.Wrapf(ErrEngine, "count: %v", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.IsError() {
		return 0, errors.Wrapf(ErrEngine, "count: %s", res.String())
	}

	var decoded struct {
		Count int64 `json:"count"`
	}
	if err := json.NewDecoder(res.Body).Decode(&decoded); err != nil {
		return 0, errors.Wrap(err, "decoding count response")
	}
	return decoded.Count, nil
}

// ClusterHealth returns the cluster status string (green/yellow/red).
func (c *Client) ClusterHealth(ctx context.Context) (string, error) {
	req := opensearchapi.ClusterHealthRequest{}
	res, err := req.Do(ctx, c.client)
	if err != nil {
		return "", errors.Wrapf(ErrEngine, "cluster health: %v", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.IsError() {
		return "", errors.Wrapf(ErrEngine, "cluster health: %s", res.String())
	}

	var decoded struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(res.Body).Decode(&decoded); err != nil {
		return "", errors.Wrap(err, "decoding cluster health")
	}
	return strings.ToLower(decoded.Status), nil
}
