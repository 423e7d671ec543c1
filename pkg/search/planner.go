package search

import (
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/scholar-search/scholar-search/pkg/config"
	"github.com/scholar-search/scholar-search/pkg/models"
)

const (
	knnK               = 100
	normalizedMinScore = 0.3
	bm25Weight         = 0.4
	knnWeight          = 0.6
	citationFactor     = 0.3
)

// normalizedScript squashes BM25 into (0,1), maps cosine similarity from
// [-1,1] into [0,1], and blends the two on a shared scale.
const normalizedScript = `double bm25 = _score / (1.0 + _score); ` +
	`double knn = (cosineSimilarity(params.query_vector, doc['embedding']) + 1.0) / 2.0; ` +
	`return params.bm25_weight * bm25 + params.knn_weight * knn;`

type fieldBoost struct {
	field string
	boost float64
}

// Per-logical-field boost tables. Narrowing search_in multiplies the
// listed boosts by 1.5; the default set keeps base weights so that an
// explicit full set and an absent one produce identical queries.
var fieldBoosts = map[string][]fieldBoost{
	models.FieldTitle: {
		{"title", 4},
		{"title.exact", 5},
	},
	models.FieldAbstract: {
		{"abstract", 1.5},
	},
	models.FieldAuthor: {
		{"author_names", 2},
		{"author_names.ngram", 1.5},
		{"author_name_variants", 2.5},
		{"author_name_variants.ngram", 1.5},
	},
	models.FieldSubjectArea: {
		{"subject_area", 3},
		{"subject_area.ngram", 2},
	},
	models.FieldField: {
		{"field_associated", 2.5},
		{"field_associated.ngram", 1.5},
	},
}

// Planner compiles search requests into engine query bodies. Each sort
// mode produces a different ranking structure; filters, facets, and
// pagination are shared.
type Planner struct {
	cfg config.SearchConfig
}

func NewPlanner(cfg config.SearchConfig) *Planner {
	return &Planner{cfg: cfg}
}

// Plan builds the engine query for the request's sort mode. minScore
// overrides the configured default when positive; the normalized mode
// scores on a (0,1) scale and keeps its own threshold.
func (p *Planner) Plan(req *models.SearchRequest, queryVector []float32, minScore float64) (map[string]interface{}, error) {
	if minScore <= 0 {
		minScore = p.cfg.MinScore
	}

	switch req.Sort {
	case models.SortRelevance, models.SortDate, models.SortCitations, "":
		return p.hybridQuery(req, queryVector, minScore), nil
	case models.SortImpact:
		return p.impactQuery(req, minScore), nil
	case models.SortNormalized:
		return p.normalizedQuery(req, queryVector), nil
	default:
		return nil, errors.Wrapf(models.ErrValidation, "unsupported sort mode %q", req.Sort)
	}
}

// hybridQuery unions lexical clauses with a k-NN clause so either signal
// can surface a hit, then sorts by the requested mode.
func (p *Planner) hybridQuery(req *models.SearchRequest, queryVector []float32, minScore float64) map[string]interface{} {
	should := lexicalClauses(req)
	should = append(should, map[string]interface{}{
		"knn": map[string]interface{}{
			"embedding": map[string]interface{}{
				"vector": queryVector,
				"k":      knnK,
			},
		},
	})

	boolQuery := map[string]interface{}{
		"should":               should,
		"minimum_should_match": 1,
	}
	if filters := compileFilters(req.Filters); len(filters) > 0 {
		boolQuery["filter"] = filters
	}

	body := baseBody(req)
	body["query"] = map[string]interface{}{"bool": boolQuery}
	body["min_score"] = minScore

	switch req.Sort {
	case models.SortDate:
		body["sort"] = []map[string]interface{}{
			{"publication_year": map[string]interface{}{"order": "desc"}},
			{"_score": map[string]interface{}{"order": "desc"}},
		}
	case models.SortCitations:
		body["sort"] = []map[string]interface{}{
			{"citation_count": map[string]interface{}{"order": "desc"}},
			{"_score": map[string]interface{}{"order": "desc"}},
		}
	}
	return body
}

// impactQuery requires a keyword match and rescales by citations and
// recency. The k-NN clause is deliberately absent: citation boosting on
// top of loose vector recall drifts into unrelated highly-cited work.
func (p *Planner) impactQuery(req *models.SearchRequest, minScore float64) map[string]interface{} {
	clauses := lexicalClauses(req)

	inner := map[string]interface{}{
		"must":   clauses[:1],
		"should": clauses[1:],
	}
	if filters := compileFilters(req.Filters); len(filters) > 0 {
		inner["filter"] = filters
	}

	functions := []map[string]interface{}{
		{
			"field_value_factor": map[string]interface{}{
				"field":    "citation_count",
				"modifier": "log1p",
				"factor":   citationFactor,
				"missing":  0,
			},
			"weight": 1.2,
		},
		{
			"gauss": map[string]interface{}{
				"publication_year": map[string]interface{}{
					"origin": time.Now().Year(),
					"scale":  5,
					"decay":  0.5,
				},
			},
			"weight": 0.8,
		},
	}

	body := baseBody(req)
	body["query"] = map[string]interface{}{
		"function_score": map[string]interface{}{
			"query":      map[string]interface{}{"bool": inner},
			"functions":  functions,
			"score_mode": "sum",
			"boost_mode": "multiply",
		},
	}
	body["min_score"] = minScore
	return body
}

// normalizedQuery rescores lexical recall with a script that puts BM25
// and cosine similarity on the same (0,1) scale before blending.
func (p *Planner) normalizedQuery(req *models.SearchRequest, queryVector []float32) map[string]interface{} {
	boolQuery := map[string]interface{}{
		"should":               lexicalClauses(req),
		"minimum_should_match": 1,
	}
	if filters := compileFilters(req.Filters); len(filters) > 0 {
		boolQuery["filter"] = filters
	}

	body := baseBody(req)
	body["query"] = map[string]interface{}{
		"script_score": map[string]interface{}{
			"query": map[string]interface{}{"bool": boolQuery},
			"script": map[string]interface{}{
				"source": normalizedScript,
				"params": map[string]interface{}{
					"query_vector": queryVector,
					"bm25_weight":  bm25Weight,
					"knn_weight":   knnWeight,
				},
			},
		},
	}
	body["min_score"] = normalizedMinScore
	return body
}

// PreCheckQuery is the cheap lexical existence probe run before the
// vector path: size 0, hit count only.
func (p *Planner) PreCheckQuery(query string) map[string]interface{} {
	return map[string]interface{}{
		"size": 0,
		"query": map[string]interface{}{
			"multi_match": map[string]interface{}{
				"query":  query,
				"fields": []string{"title", "abstract", "author_names", "subject_area"},
			},
		},
	}
}

// SimilarQuery finds the k nearest neighbors of a stored vector,
// excluding the source document itself.
func (p *Planner) SimilarQuery(vector []float32, excludeEngineID string, k int) map[string]interface{} {
	return map[string]interface{}{
		"size":    k,
		"_source": []string{"mongo_id"},
		"query": map[string]interface{}{
			"bool": map[string]interface{}{
				"must": []map[string]interface{}{
					{
						"knn": map[string]interface{}{
							"embedding": map[string]interface{}{
								"vector": vector,
								"k":      k,
							},
						},
					},
				},
				"must_not": []map[string]interface{}{
					{"ids": map[string]interface{}{"values": []string{excludeEngineID}}},
				},
			},
		},
	}
}

// CollaboratorsQuery aggregates co-authors across every paper carrying
// the given author, excluding the author themselves.
func (p *Planner) CollaboratorsQuery(authorID string) map[string]interface{} {
	return map[string]interface{}{
		"size":             0,
		"track_total_hits": true,
		"query": map[string]interface{}{
			"nested": map[string]interface{}{
				"path":  "authors",
				"query": termClause("authors.author_id", authorID),
			},
		},
		"aggs": map[string]interface{}{
			"authors": map[string]interface{}{
				"nested": map[string]interface{}{"path": "authors"},
				"aggs": map[string]interface{}{
					"collaborators": map[string]interface{}{
						"terms": map[string]interface{}{
							"field":   "authors.author_id",
							"size":    50,
							"exclude": []string{authorID},
						},
						"aggs": map[string]interface{}{
							"info": map[string]interface{}{
								"top_hits": map[string]interface{}{
									"size":    1,
									"_source": []string{"authors.author_name", "authors.author_affiliation"},
								},
							},
						},
					},
				},
			},
		},
	}
}

// lexicalClauses builds the shared BM25 clause list: the boosted
// multi-match first, then subject and field matches, then the optional
// phrase boost.
func lexicalClauses(req *models.SearchRequest) []map[string]interface{} {
	clauses := []map[string]interface{}{
		{
			"multi_match": map[string]interface{}{
				"query":       req.Query,
				"fields":      compileSearchFields(req.EffectiveSearchIn()),
				"type":        "best_fields",
				"tie_breaker": 0.3,
				"fuzziness":   "AUTO",
			},
		},
		{
			"match": map[string]interface{}{
				"subject_area": map[string]interface{}{"query": req.Query, "boost": 2.0},
			},
		},
		{
			"match": map[string]interface{}{
				"field_associated": map[string]interface{}{"query": req.Query, "boost": 1.5},
			},
		},
	}
	if phrase := phraseBoost(req); phrase != nil {
		clauses = append(clauses, phrase)
	}
	return clauses
}

// compileSearchFields expands logical search_in entries into concrete
// boosted engine fields.
func compileSearchFields(searchIn []string) []string {
	multiplier := 1.0
	if !isDefaultFieldSet(searchIn) {
		multiplier = 1.5
	}

	var fields []string
	for _, logical := range searchIn {
		for _, fb := range fieldBoosts[logical] {
			fields = append(fields, fmt.Sprintf("%s^%g", fb.field, fb.boost*multiplier))
		}
	}
	return fields
}

func isDefaultFieldSet(searchIn []string) bool {
	if len(searchIn) != len(models.DefaultSearchFields) {
		return false
	}
	seen := make(map[string]struct{}, len(searchIn))
	for _, f := range searchIn {
		seen[f] = struct{}{}
	}
	for _, f := range models.DefaultSearchFields {
		if _, ok := seen[f]; !ok {
			return false
		}
	}
	return true
}

// compileFilters maps the filter block onto engine filter clauses. The
// author-scoped options share one nested clause so they constrain the
// same author entry rather than matching across different authors.
func compileFilters(f *models.SearchFilters) []map[string]interface{} {
	if f.IsZero() {
		return nil
	}

	var clauses []map[string]interface{}
	if f.YearFrom != nil || f.YearTo != nil {
		yearRange := map[string]interface{}{}
		if f.YearFrom != nil {
			yearRange["gte"] = *f.YearFrom
		}
		if f.YearTo != nil {
			yearRange["lte"] = *f.YearTo
		}
		clauses = append(clauses, map[string]interface{}{
			"range": map[string]interface{}{"publication_year": yearRange},
		})
	}
	if f.FieldAssociated != "" {
		clauses = append(clauses, termClause("field_associated.keyword", f.FieldAssociated))
	}
	if f.DocumentType != "" {
		clauses = append(clauses, termClause("document_type", f.DocumentType))
	}
	if len(f.DocumentTypes) > 0 {
		clauses = append(clauses, map[string]interface{}{
			"terms": map[string]interface{}{"document_type": f.DocumentTypes},
		})
	}
	if len(f.SubjectArea) > 0 {
		clauses = append(clauses, map[string]interface{}{
			"terms": map[string]interface{}{"subject_area.keyword": f.SubjectArea},
		})
	}
	if nested := nestedAuthorFilter(f); nested != nil {
		clauses = append(clauses, nested)
	}
	if f.Interdisciplinary {
		clauses = append(clauses, map[string]interface{}{
			"range": map[string]interface{}{"subject_area_count": map[string]interface{}{"gte": 3}},
		})
	}
	return clauses
}

func nestedAuthorFilter(f *models.SearchFilters) map[string]interface{} {
	var conditions []map[string]interface{}
	if f.AuthorID != "" {
		conditions = append(conditions, termClause("authors.author_id", f.AuthorID))
	}
	if f.Affiliation != "" {
		conditions = append(conditions, map[string]interface{}{
			"match": map[string]interface{}{"authors.author_affiliation": f.Affiliation},
		})
	}
	if f.FirstAuthorOnly {
		conditions = append(conditions, termClause("authors.author_position", 1))
	}

	if len(conditions) == 0 {
		return nil
	}
	var query interface{}
	if len(conditions) == 1 {
		query = conditions[0]
	} else {
		query = map[string]interface{}{"bool": map[string]interface{}{"must": conditions}}
	}
	return map[string]interface{}{
		"nested": map[string]interface{}{"path": "authors", "query": query},
	}
}

// phraseBoost rewards near-exact title or abstract phrasing. Single-token
// queries cannot form a phrase, so it only applies to multi-word input.
func phraseBoost(req *models.SearchRequest) map[string]interface{} {
	if len(req.QueryTokens()) < 2 {
		return nil
	}
	return map[string]interface{}{
		"multi_match": map[string]interface{}{
			"query":  req.Query,
			"type":   "phrase",
			"fields": []string{"title^5", "abstract^2"},
			"slop":   2,
			"boost":  2.5,
		},
	}
}

func aggregations() map[string]interface{} {
	return map[string]interface{}{
		"years": map[string]interface{}{
			"terms": map[string]interface{}{
				"field": "publication_year",
				"size":  30,
				"order": map[string]interface{}{"_key": "desc"},
			},
		},
		"year_ranges": map[string]interface{}{
			"range": map[string]interface{}{
				"field": "publication_year",
				"ranges": []map[string]interface{}{
					{"key": "<2000", "to": 2000},
					{"key": "2000-2009", "from": 2000, "to": 2010},
					{"key": "2010-2019", "from": 2010, "to": 2020},
					{"key": "2020-Present", "from": 2020},
				},
			},
		},
		"document_types": map[string]interface{}{
			"terms": map[string]interface{}{"field": "document_type", "size": 15},
		},
		"fields": map[string]interface{}{
			"terms": map[string]interface{}{"field": "field_associated.keyword", "size": 30},
		},
		"subject_areas": map[string]interface{}{
			"terms": map[string]interface{}{"field": "subject_area.keyword", "size": 50},
		},
	}
}

func baseBody(req *models.SearchRequest) map[string]interface{} {
	return map[string]interface{}{
		"from":             (req.Page - 1) * req.PerPage,
		"size":             req.PerPage,
		"_source":          []string{"mongo_id"},
		"track_total_hits": true,
		"aggs":             aggregations(),
	}
}

func termClause(field string, value interface{}) map[string]interface{} {
	return map[string]interface{}{
		"term": map[string]interface{}{field: value},
	}
}
