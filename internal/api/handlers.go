package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/scholar-search/scholar-search/pkg/models"
)

// SearchService is the slice of the search layer the HTTP edge uses.
type SearchService interface {
	Search(ctx context.Context, req *models.SearchRequest) (*models.SearchResponse, error)
	GetDocument(ctx context.Context, hexID string) (models.Document, error)
	DocumentsByAuthor(ctx context.Context, authorID string, page, perPage int) (*models.DocumentsPage, error)
	SimilarDocuments(ctx context.Context, hexID string, limit int) (*models.SimilarResponse, error)
	Collaborators(ctx context.Context, authorID string) (*models.CollaboratorsResponse, error)
	Health(ctx context.Context) *models.HealthResponse
}

func (s *Server) handleSearch(c *gin.Context) {
	var req models.SearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err)
		return
	}

	resp, err := s.service.Search(c.Request.Context(), &req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleGetDocument(c *gin.Context) {
	doc, err := s.service.GetDocument(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"document": doc})
}

func (s *Server) handleDocumentsByAuthor(c *gin.Context) {
	page := queryInt(c, "page", 1)
	perPage := queryInt(c, "per_page", 20)

	resp, err := s.service.DocumentsByAuthor(c.Request.Context(), c.Param("authorId"), page, perPage)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleSimilarDocuments(c *gin.Context) {
	limit := queryInt(c, "limit", 5)

	resp, err := s.service.SimilarDocuments(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleCollaborators(c *gin.Context) {
	resp, err := s.service.Collaborators(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleHealth(c *gin.Context) {
	resp := s.service.Health(c.Request.Context())
	status := http.StatusOK
	if resp.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, resp)
}

func queryInt(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 1 {
		return fallback
	}
	return v
}
