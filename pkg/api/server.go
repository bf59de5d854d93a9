package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"syndicate/pkg/federation"
)

// Server exposes the federation service over HTTP: follow management,
// session inspection, index queries, and content publishing.
type Server struct {
	svc      *federation.Service
	logger   *zap.Logger
	gatherer prometheus.Gatherer
	validate *validator.Validate
}

// NewServer creates an HTTP server around a federation service. The
// gatherer backs /metrics; nil disables the endpoint.
func NewServer(svc *federation.Service, logger *zap.Logger, gatherer prometheus.Gatherer) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		svc:      svc,
		logger:   logger,
		gatherer: gatherer,
		validate: validator.New(),
	}
}

// Router configures all routes and middleware.
func (s *Server) Router() http.Handler {
	router := chi.NewRouter()

	router.Use(chimiddleware.RequestID)
	router.Use(chimiddleware.RealIP)
	router.Use(chimiddleware.Recoverer)
	router.Use(requestLogger(s.logger))

	router.Get("/healthz", s.handleHealth)
	if s.gatherer != nil {
		router.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	router.Route("/v1", func(r chi.Router) {
		r.Route("/follows", func(r chi.Router) {
			r.Post("/", s.handleCreateFollow)
			r.Get("/", s.handleListFollows)
			r.Get("/{edgeID}", s.handleGetFollow)
			r.Delete("/{edgeID}", s.handleDeleteFollow)
		})

		r.Get("/sessions", s.handleSessions)

		r.Route("/content", func(r chi.Router) {
			r.Post("/", s.handlePublishContent)
			r.Delete("/{contentID}", s.handleRetractContent)
		})

		r.Route("/index", func(r chi.Router) {
			r.Get("/recent", s.handleIndexRecent)
			r.Get("/category/{categoryID}", s.handleIndexCategory)
			r.Get("/tags", s.handleIndexTags)
			r.Get("/search", s.handleIndexSearch)
			r.Get("/featured", s.handleIndexFeatured)
			r.Get("/promoted", s.handleIndexPromoted)
			r.Get("/stats", s.handleIndexStats)
			r.Post("/query", s.handleIndexQuery)
			r.Post("/entries/{entryID}/feature", s.handleFeature)
			r.Post("/entries/{entryID}/promote", s.handlePromote)
		})
	})

	return router
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"healthy"}`))
}
