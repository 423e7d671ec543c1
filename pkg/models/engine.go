package models

// EngineAuthor is the nested per-author projection stored in the search
// engine. Position is an integer here; the parse happens in the mapper.
type EngineAuthor struct {
	AuthorID           string   `json:"author_id"`
	AuthorName         string   `json:"author_name"`
	AuthorNameVariants []string `json:"author_name_variants"`
	AuthorPosition     int      `json:"author_position"`
	AuthorAffiliation  string   `json:"author_affiliation"`
	AuthorEmail        string   `json:"author_email"`
	HasMatchedProfile  bool     `json:"has_matched_profile"`
}

// EngineDocument is the engine-side projection of an authoritative
// record. MongoID is a plain keyword field; the engine assigns its own
// document id on index.
type EngineDocument struct {
	MongoID            string         `json:"mongo_id"`
	Title              string         `json:"title"`
	Abstract           string         `json:"abstract"`
	Authors            []EngineAuthor `json:"authors"`
	AuthorNames        []string       `json:"author_names"`
	AuthorNameVariants []string       `json:"author_name_variants"`
	PublicationYear    int            `json:"publication_year"`
	FieldAssociated    string         `json:"field_associated"`
	DocumentType       string         `json:"document_type"`
	SubjectArea        []string       `json:"subject_area"`
	SubjectAreaCount   int            `json:"subject_area_count"`
	CitationCount      int            `json:"citation_count"`
	ReferenceCount     int            `json:"reference_count"`
	Embedding          []float32      `json:"embedding"`
}
