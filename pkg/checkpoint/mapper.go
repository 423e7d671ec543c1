package checkpoint

import (
	"strconv"

	"github.com/scholar-search/scholar-search/pkg/models"
)

// EngineDocument projects the entry into its engine-side shape. The
// flattened name lists are derived from the nested authors so the two
// views can never disagree.
func (e Entry) EngineDocument() models.EngineDocument {
	authors := make([]models.EngineAuthor, len(e.Authors))
	names := make([]string, len(e.Authors))
	variants := make([]string, 0, len(e.Authors))
	for i, a := range e.Authors {
		position, err := strconv.Atoi(a.AuthorPosition)
		if err != nil {
			position = 0
		}
		authors[i] = models.EngineAuthor{
			AuthorID:           a.AuthorID,
			AuthorName:         a.AuthorName,
			AuthorNameVariants: a.AuthorAvailableNames,
			AuthorPosition:     position,
			AuthorAffiliation:  a.AuthorAffiliation,
			AuthorEmail:        a.AuthorEmail,
			HasMatchedProfile:  a.HasMatchedProfile,
		}
		names[i] = a.AuthorName
		variants = append(variants, a.AuthorAvailableNames...)
	}

	return models.EngineDocument{
		MongoID:            e.MongoID.Hex(),
		Title:              e.Title,
		Abstract:           e.Abstract,
		Authors:            authors,
		AuthorNames:        names,
		AuthorNameVariants: variants,
		PublicationYear:    e.PublicationYear,
		FieldAssociated:    e.FieldAssociated,
		DocumentType:       e.DocumentType,
		SubjectArea:        e.SubjectArea,
		SubjectAreaCount:   len(e.SubjectArea),
		CitationCount:      e.CitationCount,
		ReferenceCount:     e.ReferenceCount,
		Embedding:          e.Embedding,
	}
}
