// Package api is the dashboard HTTP server: resource queries, manual
// resource deletion, the pipeline event feed and Prometheus metrics.
package api

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/geogate/geogate/internal/config"
	"github.com/geogate/geogate/internal/events"
	"github.com/geogate/geogate/internal/log"
	"github.com/geogate/geogate/internal/model"
	"github.com/geogate/geogate/internal/repo"
)

// ResourceLister queries the record store.
type ResourceLister interface {
	Resources(ctx context.Context, f repo.Filter) ([]model.ResourceRecord, error)
}

// Retirer removes published resources on request.
type Retirer interface {
	Retire(ctx context.Context, records []model.ResourceRecord)
}

// CatalogDeleter propagates a deletion to the upstream data catalog.
type CatalogDeleter interface {
	DeleteResource(ctx context.Context, resourceID, metadataID string) error
}

// Server is the dashboard HTTP server.
type Server struct {
	cfg       config.APIConfig
	resources ResourceLister
	retirer   Retirer
	catalog   CatalogDeleter
	hub       *events.Hub
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
	broker    func() string
}

// New builds the server. brokerState reports the consumer state for the
// health endpoint; catalog may be nil when catalog write-back is disabled.
func New(cfg config.APIConfig, resources ResourceLister, retirer Retirer, catalog CatalogDeleter, hub *events.Hub, brokerState func() string) *Server {
	return &Server{
		cfg:       cfg,
		resources: resources,
		retirer:   retirer,
		catalog:   catalog,
		hub:       hub,
		logger:    log.WithComponent("api"),
		startedAt: time.Now(),
		broker:    brokerState,
	}
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.cfg.Listen,
		Handler:      s.routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("Dashboard server starting", "listen", s.cfg.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("Dashboard server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

func (s *Server) routes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Get("/resources", s.handleListResources)
	r.Get("/events", s.handleEvents)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Delete("/resources/{resourceID}", s.handleDeleteResource)
	})

	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// authMiddleware enforces the configured bearer token on mutating routes.
// With no token configured, mutation is open; intended for trusted networks.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Token == "" {
			next.ServeHTTP(w, r)
			return
		}
		got := r.Header.Get("Authorization")
		want := "Bearer " + s.cfg.Token
		if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
			s.writeError(w, http.StatusUnauthorized, "invalid or missing token")
			return
		}
		next.ServeHTTP(w, r)
	})
}
