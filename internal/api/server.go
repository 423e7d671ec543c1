// Package api is the HTTP edge of the search service: routing,
// middleware, request validation, and the mapping from service-layer
// errors to response statuses.
package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/scholar-search/scholar-search/pkg/config"
	"github.com/scholar-search/scholar-search/pkg/models"
	"github.com/scholar-search/scholar-search/pkg/observability"
)

var validatorOnce sync.Once

// registerValidators teaches gin's binding layer the request-level
// vocabulary: search_in entries must name a logical search field and
// sort must name a ranking mode.
func registerValidators() {
	validatorOnce.Do(func() {
		if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
			_ = v.RegisterValidation("searchfield", func(fl validator.FieldLevel) bool {
				return models.IsValidSearchField(fl.Field().String())
			})
			_ = v.RegisterValidation("sortmode", func(fl validator.FieldLevel) bool {
				return models.IsValidSortMode(fl.Field().String())
			})
		}
	})
}

// Server owns the router and the http.Server around it.
type Server struct {
	router  *gin.Engine
	server  *http.Server
	service SearchService
	logger  observability.Logger
}

// NewServer wires middleware and routes. registry may be nil when no
// Prometheus endpoint should be exposed (tests, embedded use).
func NewServer(cfg config.ServerConfig, service SearchService, logger observability.Logger, metrics observability.MetricsClient, registry *prometheus.Registry) *Server {
	registerValidators()

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(RequestID())
	router.Use(RequestLogger(logger))
	router.Use(Metrics(metrics))
	router.Use(CORS())

	s := &Server{
		router:  router,
		service: service,
		logger:  logger,
		server: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Handler:      router,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: cfg.Timeout() + 5*time.Second,
			IdleTimeout:  60 * time.Second,
		},
	}
	s.setupRoutes(cfg, registry)
	return s
}

func (s *Server) setupRoutes(cfg config.ServerConfig, registry *prometheus.Registry) {
	// liveness only; readiness lives under /api/v1/search/health
	s.router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if registry != nil {
		s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	}

	v1 := s.router.Group("/api/v1")
	v1.Use(Timeout(cfg.Timeout()))

	v1.POST("/search", s.handleSearch)
	v1.GET("/search/health", s.handleHealth)
	v1.GET("/document/:id", s.handleGetDocument)
	v1.GET("/document/:id/similar", s.handleSimilarDocuments)
	v1.GET("/documents/by-author/:authorId", s.handleDocumentsByAuthor)
	v1.GET("/author/:id/collaborators", s.handleCollaborators)
}

// Start serves HTTP until the listener closes.
func (s *Server) Start() error {
	s.logger.Info("http server listening", map[string]interface{}{"addr": s.server.Addr})
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "http server")
	}
	return nil
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Router exposes the handler, mainly for httptest.
func (s *Server) Router() http.Handler {
	return s.router
}
