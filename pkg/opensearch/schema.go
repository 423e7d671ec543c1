package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"

	"github.com/opensearch-project/opensearch-go/v2/opensearchapi"
	"github.com/pkg/errors"
)

// EmbeddingDim is the fixed dimensionality of the document vectors.
// It must match the inference model across the whole index.
const EmbeddingDim = 768

// textField builds a text mapping with .keyword and .ngram sub-fields,
// the shape shared by author and subject fields.
func textField() map[string]interface{} {
	return map[string]interface{}{
		"type":     "text",
		"analyzer": "standard",
		"fields": map[string]interface{}{
			"keyword": map[string]interface{}{"type": "keyword"},
			"ngram": map[string]interface{}{
				"type":     "text",
				"analyzer": "ngram_analyzer",
			},
		},
	}
}

// IndexMapping is the index schema: custom BM25 tuned for academic
// text, n-gram and shingle analyzers, nested authors, and the HNSW
// vector field.
func IndexMapping() map[string]interface{} {
	return map[string]interface{}{
		"settings": map[string]interface{}{
			"index": map[string]interface{}{
				"knn":                      true,
				"knn.algo_param.ef_search": 300,
				"number_of_shards":         3,
				"number_of_replicas":       1,
				"max_ngram_diff":           2,
				"max_shingle_diff":         2,
			},
			"similarity": map[string]interface{}{
				"custom_bm25": map[string]interface{}{
					"type": "BM25",
					"k1":   1.8,
					"b":    0.6,
				},
			},
			"analysis": map[string]interface{}{
				"filter": map[string]interface{}{
					"ngram_filter": map[string]interface{}{
						"type":     "ngram",
						"min_gram": 2,
						"max_gram": 4,
					},
					"shingle_filter": map[string]interface{}{
						"type":             "shingle",
						"min_shingle_size": 2,
						"max_shingle_size": 3,
						"output_unigrams":  true,
					},
				},
				"analyzer": map[string]interface{}{
					"ngram_analyzer": map[string]interface{}{
						"type":      "custom",
						"tokenizer": "standard",
						"filter":    []string{"lowercase", "ngram_filter"},
					},
					"shingle_analyzer": map[string]interface{}{
						"type":      "custom",
						"tokenizer": "standard",
						"filter":    []string{"lowercase", "shingle_filter"},
					},
				},
			},
		},
		"mappings": map[string]interface{}{
			"properties": map[string]interface{}{
				"mongo_id": map[string]interface{}{
					"type":       "keyword",
					"doc_values": true,
				},
				"title": map[string]interface{}{
					"type":       "text",
					"analyzer":   "english",
					"similarity": "custom_bm25",
					"fields": map[string]interface{}{
						"exact": map[string]interface{}{"type": "keyword"},
						"shingles": map[string]interface{}{
							"type":     "text",
							"analyzer": "shingle_analyzer",
						},
					},
				},
				"abstract": map[string]interface{}{
					"type":       "text",
					"analyzer":   "english",
					"similarity": "custom_bm25",
					"fields": map[string]interface{}{
						"shingles": map[string]interface{}{
							"type":     "text",
							"analyzer": "shingle_analyzer",
						},
					},
				},
				"authors": map[string]interface{}{
					"type": "nested",
					"properties": map[string]interface{}{
						"author_id":            map[string]interface{}{"type": "keyword"},
						"author_name":          textField(),
						"author_name_variants": textField(),
						"author_position":      map[string]interface{}{"type": "integer"},
						"author_affiliation": map[string]interface{}{
							"type": "text",
							"fields": map[string]interface{}{
								"keyword": map[string]interface{}{"type": "keyword"},
							},
						},
						"author_email":        map[string]interface{}{"type": "keyword"},
						"has_matched_profile": map[string]interface{}{"type": "boolean"},
					},
				},
				"author_names":         textField(),
				"author_name_variants": textField(),
				"publication_year":     map[string]interface{}{"type": "integer"},
				"field_associated":     textField(),
				"document_type":        map[string]interface{}{"type": "keyword"},
				"subject_area":         textField(),
				"subject_area_count":   map[string]interface{}{"type": "integer"},
				"citation_count":       map[string]interface{}{"type": "integer"},
				"reference_count":      map[string]interface{}{"type": "integer"},
				"embedding": map[string]interface{}{
					"type":      "knn_vector",
					"dimension": EmbeddingDim,
					"method": map[string]interface{}{
						"name":       "hnsw",
						"space_type": "cosinesimil",
						"engine":     "faiss",
						"parameters": map[string]interface{}{
							"ef_construction": 512,
							"m":               32,
						},
					},
				},
			},
		},
	}
}

// IndexExists reports whether the configured index is present.
func (c *Client) IndexExists(ctx context.Context) (bool, error) {
	req := opensearchapi.IndicesExistsRequest{Index: []string{c.index}}
	res, err := req.Do(ctx, c.client)
	if err != nil {
		return false, errors.Wrapf(ErrEngine, "index exists: %v", err)
	}
	defer func() { _ = res.Body.Close() }()

	switch res.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, errors.Wrapf(ErrEngine, "index exists: %s", res.String())
	}
}

// EnsureIndex creates the index with the full mapping. Creating an
// index that already exists is a noop.
func (c *Client) EnsureIndex(ctx context.Context) error {
	exists, err := c.IndexExists(ctx)
	if err != nil {
		return err
	}
	if exists {
		c.logger.Info("Index already exists", map[string]interface{}{"index": c.index})
		return nil
	}

	payload, err := json.Marshal(IndexMapping())
	if err != nil {
		return errors.Wrap(err, "marshaling index mapping")
	}

	req := opensearchapi.IndicesCreateRequest{
		Index: c.index,
		Body:  bytes.NewReader(payload),
	}
	res, err := req.Do(ctx, c.client)
	if err != nil {
		return errors.Wrapf(ErrEngine, "create index: %v", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.IsError() {
		return errors.Wrapf(ErrEngine, "create index: %s", res.String())
	}

	c.logger.Info("Created index", map[string]interface{}{"index": c.index})
	return nil
}

// DeleteIndex drops the index. A missing index is not an error.
func (c *Client) DeleteIndex(ctx context.Context) error {
	req := opensearchapi.IndicesDeleteRequest{Index: []string{c.index}}
	res, err := req.Do(ctx, c.client)
	if err != nil {
		return errors.Wrapf(ErrEngine, "delete index: %v", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.IsError() && res.StatusCode != http.StatusNotFound {
		return errors.Wrapf(ErrEngine, "delete index: %s", res.String())
	}

	c.logger.Info("Deleted index", map[string]interface{}{"index": c.index})
	return nil
}
