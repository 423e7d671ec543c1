package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"

	"github.com/scholar-search/scholar-search/pkg/embedding"
	"github.com/scholar-search/scholar-search/pkg/models"
	"github.com/scholar-search/scholar-search/pkg/mongodb"
	"github.com/scholar-search/scholar-search/pkg/opensearch"
)

// ErrorCode is a machine-readable error class carried on every error
// response next to the human-readable message.
type ErrorCode string

const (
	ErrBadRequest           ErrorCode = "BAD_REQUEST"
	ErrNotFound             ErrorCode = "NOT_FOUND"
	ErrEmbeddingUnavailable ErrorCode = "EMBEDDING_UNAVAILABLE"
	ErrEngineError          ErrorCode = "ENGINE_ERROR"
	ErrInternalServer       ErrorCode = "INTERNAL_SERVER_ERROR"
)

// ErrorResponse is the standard error body.
type ErrorResponse struct {
	Code      ErrorCode   `json:"code"`
	Message   string      `json:"message"`
	Details   interface{} `json:"details,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
}

// respondError translates service-layer sentinels into HTTP statuses.
// Validation sentinels keep their wrapped message on a 400, unavailable
// embeddings are the caller's signal to retry later (503), engine
// failures surface as a bad gateway (502), and missing records map to
// 404. Anything unrecognized is a 500 with no internals leaked.
func respondError(c *gin.Context, err error) {
	requestID := c.GetString(requestIDKey)

	switch {
	case errors.Is(err, models.ErrValidation):
		c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{
			Code:      ErrBadRequest,
			Message:   err.Error(),
			RequestID: requestID,
		})
	case errors.Is(err, embedding.ErrUnavailable):
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, ErrorResponse{
			Code:      ErrEmbeddingUnavailable,
			Message:   "embedding service unavailable",
			RequestID: requestID,
		})
	case errors.Is(err, opensearch.ErrEngine):
		c.AbortWithStatusJSON(http.StatusBadGateway, ErrorResponse{
			Code:      ErrEngineError,
			Message:   "bad gateway",
			RequestID: requestID,
		})
	case errors.Is(err, mongodb.ErrNotFound), errors.Is(err, opensearch.ErrNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, ErrorResponse{
			Code:      ErrNotFound,
			Message:   "not found",
			RequestID: requestID,
		})
	default:
		_ = c.Error(err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, ErrorResponse{
			Code:      ErrInternalServer,
			Message:   "internal server error",
			RequestID: requestID,
		})
	}
}

// respondBadRequest reports binding and validation failures with the
// validator's message as detail.
func respondBadRequest(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{
		Code:      ErrBadRequest,
		Message:   "invalid request",
		Details:   err.Error(),
		RequestID: c.GetString(requestIDKey),
	})
}
