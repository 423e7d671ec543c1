package search

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/scholar-search/scholar-search/pkg/models"
)

// CacheKey derives the redis key for a normalized search request.
// Requests that differ only in field order or in unset filter slots map
// to the same key: the payload is a key-sorted JSON object, search_in is
// sorted, and zero-valued filters are dropped.
func CacheKey(req *models.SearchRequest) string {
	fields := append([]string(nil), req.EffectiveSearchIn()...)
	sort.Strings(fields)

	payload := map[string]interface{}{
		"query":     req.Query,
		"sort":      req.Sort,
		"page":      req.Page,
		"per_page":  req.PerPage,
		"search_in": fields,
	}
	if !req.Filters.IsZero() {
		payload["filters"] = filterPayload(req.Filters)
	}

	raw, _ := json.Marshal(payload) // map keys marshal sorted
	sum := sha256.Sum256(raw)
	return "search:" + hex.EncodeToString(sum[:])[:16]
}

func filterPayload(f *models.SearchFilters) map[string]interface{} {
	m := make(map[string]interface{})
	if f.YearFrom != nil {
		m["year_from"] = *f.YearFrom
	}
	if f.YearTo != nil {
		m["year_to"] = *f.YearTo
	}
	if f.FieldAssociated != "" {
		m["field_associated"] = f.FieldAssociated
	}
	if f.DocumentType != "" {
		m["document_type"] = f.DocumentType
	}
	if len(f.DocumentTypes) > 0 {
		types := append([]string(nil), f.DocumentTypes...)
		sort.Strings(types)
		m["document_types"] = types
	}
	if len(f.SubjectArea) > 0 {
		areas := append([]string(nil), f.SubjectArea...)
		sort.Strings(areas)
		m["subject_area"] = areas
	}
	if f.AuthorID != "" {
		m["author_id"] = f.AuthorID
	}
	if f.Affiliation != "" {
		m["affiliation"] = f.Affiliation
	}
	if f.FirstAuthorOnly {
		m["first_author_only"] = true
	}
	if f.Interdisciplinary {
		m["interdisciplinary"] = true
	}
	return m
}
