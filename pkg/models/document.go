// Package models holds the shared data types crossing component
// boundaries: authoritative records, search requests, and response
// shapes.
package models

import (
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Author is one author entry on an authoritative record. Position is
// stored as a string in the document store and parsed when projected
// into the engine.
type Author struct {
	AuthorID             string   `bson:"author_id" json:"author_id"`
	AuthorPosition       string   `bson:"author_position" json:"author_position"`
	AuthorName           string   `bson:"author_name" json:"author_name"`
	AuthorEmail          string   `bson:"author_email,omitempty" json:"author_email,omitempty"`
	AuthorAvailableNames []string `bson:"author_available_names,omitempty" json:"author_available_names,omitempty"`
	AuthorAffiliation    string   `bson:"author_affiliation,omitempty" json:"author_affiliation,omitempty"`
	MatchedUserID        string   `bson:"matched_user_id,omitempty" json:"matched_user_id,omitempty"`
}

// HasMatchedProfile reports whether the author is linked to an
// institutional user record.
func (a Author) HasMatchedProfile() bool {
	return a.MatchedUserID != ""
}

// Document is the authoritative paper record. The system reads it and
// writes back only the open_search_id cross-reference.
type Document struct {
	ID              primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	DocumentEID     string             `bson:"document_eid,omitempty" json:"document_eid,omitempty"`
	Title           string             `bson:"title" json:"title"`
	Abstract        string             `bson:"abstract,omitempty" json:"abstract,omitempty"`
	Authors         []Author           `bson:"authors,omitempty" json:"authors,omitempty"`
	PublicationYear int                `bson:"publication_year,omitempty" json:"publication_year,omitempty"`
	FieldAssociated string             `bson:"field_associated,omitempty" json:"field_associated,omitempty"`
	DocumentType    string             `bson:"document_type,omitempty" json:"document_type,omitempty"`
	SubjectArea     []string           `bson:"subject_area,omitempty" json:"subject_area,omitempty"`
	CitationCount   int                `bson:"citation_count,omitempty" json:"citation_count,omitempty"`
	ReferenceCount  int                `bson:"reference_count,omitempty" json:"reference_count,omitempty"`
	OpenSearchID    string             `bson:"open_search_id,omitempty" json:"open_search_id,omitempty"`
}

// Person is an institutional user record, surfaced as a related-people
// enrichment on search responses.
type Person struct {
	ID          primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	Name        string             `bson:"name" json:"name"`
	Email       string             `bson:"email" json:"email"`
	Department  string             `bson:"department,omitempty" json:"department,omitempty"`
	Designation string             `bson:"designation,omitempty" json:"designation,omitempty"`
}
