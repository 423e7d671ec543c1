package models

import (
	"strings"

	"github.com/pkg/errors"
)

// ErrValidation marks request input the API cannot serve. The HTTP edge
// maps it to 400.
var ErrValidation = errors.New("invalid request")

// Sort modes accepted by the search endpoint.
const (
	SortRelevance  = "relevance"
	SortDate       = "date"
	SortCitations  = "citations"
	SortImpact     = "impact"
	SortNormalized = "normalized"
)

var validSortModes = map[string]struct{}{
	SortRelevance:  {},
	SortDate:       {},
	SortCitations:  {},
	SortImpact:     {},
	SortNormalized: {},
}

// IsValidSortMode reports whether s names a sort mode.
func IsValidSortMode(s string) bool {
	_, ok := validSortModes[s]
	return ok
}

// Logical search fields accepted in search_in. Each expands to one or
// more concrete engine fields with its own boost table.
const (
	FieldTitle       = "title"
	FieldAbstract    = "abstract"
	FieldAuthor      = "author"
	FieldSubjectArea = "subject_area"
	FieldField       = "field"
)

// DefaultSearchFields is used when search_in is absent or empty.
var DefaultSearchFields = []string{
	FieldTitle, FieldAbstract, FieldAuthor, FieldSubjectArea, FieldField,
}

var validSearchFields = map[string]struct{}{
	FieldTitle:       {},
	FieldAbstract:    {},
	FieldAuthor:      {},
	FieldSubjectArea: {},
	FieldField:       {},
}

// IsValidSearchField reports whether s names a logical search field.
func IsValidSearchField(s string) bool {
	_, ok := validSearchFields[s]
	return ok
}

// SearchFilters enumerates the supported filter options. Zero values
// mean "not set" and are dropped from cache keys and engine queries.
type SearchFilters struct {
	YearFrom          *int     `json:"year_from,omitempty"`
	YearTo            *int     `json:"year_to,omitempty"`
	FieldAssociated   string   `json:"field_associated,omitempty"`
	DocumentType      string   `json:"document_type,omitempty"`
	DocumentTypes     []string `json:"document_types,omitempty"`
	SubjectArea       []string `json:"subject_area,omitempty"`
	AuthorID          string   `json:"author_id,omitempty"`
	Affiliation       string   `json:"affiliation,omitempty"`
	FirstAuthorOnly   bool     `json:"first_author_only,omitempty"`
	Interdisciplinary bool     `json:"interdisciplinary,omitempty"`
}

// IsZero reports whether no filter option is set.
func (f *SearchFilters) IsZero() bool {
	if f == nil {
		return true
	}
	return f.YearFrom == nil && f.YearTo == nil &&
		f.FieldAssociated == "" && f.DocumentType == "" &&
		len(f.DocumentTypes) == 0 && len(f.SubjectArea) == 0 &&
		f.AuthorID == "" && f.Affiliation == "" &&
		!f.FirstAuthorOnly && !f.Interdisciplinary
}

// SearchRequest is the body of POST /search.
type SearchRequest struct {
	Query    string         `json:"query" binding:"required,min=1,max=500"`
	Filters  *SearchFilters `json:"filters,omitempty"`
	Sort     string         `json:"sort,omitempty" binding:"omitempty,sortmode"`
	Page     int            `json:"page,omitempty" binding:"omitempty,min=1"`
	PerPage  int            `json:"per_page,omitempty" binding:"omitempty,min=1,max=100"`
	SearchIn []string       `json:"search_in,omitempty" binding:"omitempty,dive,searchfield"`
	NoCache  bool           `json:"no_cache,omitempty"`
}

// Normalize fills defaults and trims the query. Call after binding.
func (r *SearchRequest) Normalize() {
	r.Query = strings.TrimSpace(r.Query)
	if r.Sort == "" {
		r.Sort = SortRelevance
	}
	if r.Page < 1 {
		r.Page = 1
	}
	if r.PerPage < 1 {
		r.PerPage = 20
	}
}

// EffectiveSearchIn returns search_in or the default field set.
func (r *SearchRequest) EffectiveSearchIn() []string {
	if len(r.SearchIn) == 0 {
		return DefaultSearchFields
	}
	return r.SearchIn
}

// QueryTokens splits the trimmed query on whitespace.
func (r *SearchRequest) QueryTokens() []string {
	return strings.Fields(r.Query)
}
