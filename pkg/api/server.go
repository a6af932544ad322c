// Package api exposes the registry over HTTP.
package api

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/bifrost-registry/bifrost/pkg/cache"
	"github.com/bifrost-registry/bifrost/pkg/registry"
	"github.com/bifrost-registry/bifrost/pkg/storage"
)

// Route paths.
const (
	PackagesPath   = "/api/packages/"
	NewVersionPath = "/api/packages/versions/new"
	UploadPath     = "/api/packages/versions/newUpload"
	FinishPath     = "/api/packages/versions/newUploadFinish"
)

// readinessCheck is a named backend probed by /readyz.
type readinessCheck struct {
	name   string
	pinger storage.Pinger
}

// Server routes registry requests to the registry services.
type Server struct {
	publisher   *registry.Publisher
	query       *registry.QueryService
	resolver    *registry.DownloadResolver
	cache       *cache.Manager
	blobHandler http.Handler
	checks      []readinessCheck
	publicURL   string
	logger      *slog.Logger
	startedAt   time.Time
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithPublicURL sets the externally visible base URL used in upload links.
// When empty, links are derived from the request.
func WithPublicURL(u string) ServerOption {
	return func(s *Server) {
		s.publicURL = strings.TrimRight(u, "/")
	}
}

// WithCache serves package metadata through m.
func WithCache(m *cache.Manager) ServerOption {
	return func(s *Server) {
		s.cache = m
	}
}

// WithBlobHandler mounts h under /blobs/ for signed archive downloads.
func WithBlobHandler(h http.Handler) ServerOption {
	return func(s *Server) {
		s.blobHandler = h
	}
}

// WithReadinessCheck adds a backend probed by /readyz.
func WithReadinessCheck(name string, p storage.Pinger) ServerOption {
	return func(s *Server) {
		if p != nil {
			s.checks = append(s.checks, readinessCheck{name: name, pinger: p})
		}
	}
}

// NewServer creates a Server.
func NewServer(publisher *registry.Publisher, query *registry.QueryService, resolver *registry.DownloadResolver, logger *slog.Logger, opts ...ServerOption) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		publisher: publisher,
		query:     query,
		resolver:  resolver,
		logger:    logger,
		startedAt: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes builds the HTTP router.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(s.logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Location", "X-Cache"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", s.healthHandler)
	r.Get("/livez", s.healthHandler)
	r.Get("/readyz", s.readyHandler)

	r.Route("/api/packages", func(r chi.Router) {
		// Static upload routes take precedence over {name}.
		r.Get("/versions/new", s.newVersionHandler)
		r.Post("/versions/newUpload", s.uploadHandler)
		r.Get("/versions/newUploadFinish", s.uploadFinishHandler)

		r.Group(func(r chi.Router) {
			r.Use(s.cache.Middleware())
			r.Get("/{name}", s.packageHandler)
			r.Get("/{name}/versions/{version}", s.versionHandler)
		})
		r.Get("/{name}/download", s.downloadHandler)
	})

	if s.blobHandler != nil {
		r.Handle("/blobs/*", s.blobHandler)
	}

	if s.cache != nil {
		s.logger.Info("package metadata caching enabled")
	}
	return r
}
