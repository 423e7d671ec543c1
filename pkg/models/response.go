package models

// SearchResult is one hydrated hit, in engine ranking order.
type SearchResult struct {
	Document
	Score float64 `json:"score"`
}

// FacetBucket is one aggregation bucket.
type FacetBucket struct {
	Key   string `json:"key"`
	Count int64  `json:"count"`
}

// Facets are always present on a search response, possibly with empty
// bucket lists.
type Facets struct {
	Years         []FacetBucket `json:"years"`
	YearRanges    []FacetBucket `json:"year_ranges"`
	DocumentTypes []FacetBucket `json:"document_types"`
	Fields        []FacetBucket `json:"fields"`
	SubjectAreas  []FacetBucket `json:"subject_areas"`
}

// EmptyFacets returns a facet set with empty (non-nil) bucket lists.
func EmptyFacets() Facets {
	return Facets{
		Years:         []FacetBucket{},
		YearRanges:    []FacetBucket{},
		DocumentTypes: []FacetBucket{},
		Fields:        []FacetBucket{},
		SubjectAreas:  []FacetBucket{},
	}
}

// Pagination echoes the requested page and reports engine totals.
type Pagination struct {
	Page       int   `json:"page"`
	PerPage    int   `json:"per_page"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
}

// Meta carries per-request bookkeeping.
type Meta struct {
	TookMS   int64 `json:"took_ms"`
	CacheHit bool  `json:"cache_hit"`
}

// SearchResponse is the body of POST /search.
type SearchResponse struct {
	Results       []SearchResult `json:"results"`
	RelatedPeople []Person       `json:"related_people,omitempty"`
	Facets        Facets         `json:"facets"`
	Pagination    Pagination     `json:"pagination"`
	Meta          Meta           `json:"meta"`
	Message       string         `json:"message,omitempty"`
}

// SimilarSource identifies the document a similarity search started from.
type SimilarSource struct {
	ID           string   `json:"id"`
	Title        string   `json:"title"`
	SubjectAreas []string `json:"subject_areas"`
}

// SimilarDocument is one nearest-neighbor hit.
type SimilarDocument struct {
	Document
	SimilarityScore float64 `json:"similarity_score"`
}

// SimilarResponse is the body of GET /document/:id/similar.
type SimilarResponse struct {
	Source  SimilarSource     `json:"source"`
	Similar []SimilarDocument `json:"similar"`
}

// Collaborator is one co-author aggregated across the corpus.
type Collaborator struct {
	AuthorID    string `json:"author_id"`
	Name        string `json:"name"`
	Affiliation string `json:"affiliation,omitempty"`
	PaperCount  int64  `json:"paper_count"`
}

// CollaboratorsResponse is the body of GET /author/:id/collaborators.
type CollaboratorsResponse struct {
	AuthorID      string         `json:"author_id"`
	TotalPapers   int64          `json:"total_papers"`
	Collaborators []Collaborator `json:"collaborators"`
}

// DocumentsPage is a paged list of authoritative records.
type DocumentsPage struct {
	Documents  []Document `json:"documents"`
	Pagination Pagination `json:"pagination"`
}

// ComponentHealth is the probe result for one dependency.
type ComponentHealth struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// HealthResponse is the body of GET /search/health.
type HealthResponse struct {
	Status     string                     `json:"status"`
	Components map[string]ComponentHealth `json:"components"`
}
