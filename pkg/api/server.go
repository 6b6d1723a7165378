// Package api is the SkaldDB REST API: table definitions, row reads and
// writes, multi-operation transactions, BSON export/import and API key
// management over one engine.Database.
//
// Every route under /api/v1 requires an X-API-Key header carrying either
// the admin key from the server configuration or a token issued through
// /api/v1/keys. Rows travel as relaxed Extended JSON objects keyed by
// field name.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ssargent/skalddb/pkg/engine"
	"github.com/ssargent/skalddb/pkg/metrics"
)

const shutdownTimeout = 10 * time.Second

// Server holds the API server state
type Server struct {
	db      *engine.Database
	keys    *KeyStore
	config  ServerConfig
	metrics *metrics.Metrics
	log     *zap.Logger

	// Gatherer backs /metrics; nil means prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer
}

// NewServer creates a new API server. keys, metrics and log may be nil.
func NewServer(db *engine.Database, keys *KeyStore, config ServerConfig, m *metrics.Metrics, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		db:      db,
		keys:    keys,
		config:  config,
		metrics: m,
		log:     log,
	}
}

// Router builds the HTTP handler with all routes configured.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(requestLogger(s.log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Prometheus metrics endpoint (unprotected for scraping)
	gatherer := s.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.metrics.InstrumentAuthMiddleware(apiKeyMiddleware(s.config.APIKey, s.keys, s.log)))

		r.Get("/health", s.instrument("GET", "/health", s.handleHealth))
		r.Get("/stats", s.instrument("GET", "/stats", s.handleStats))

		r.Get("/tables", s.instrument("GET", "/tables", s.handleListTables))
		r.Post("/tables", s.instrument("POST", "/tables", s.handleCreateTable))
		r.Get("/tables/{table}", s.instrument("GET", "/tables/{table}", s.handleGetTable))
		r.Get("/tables/{table}/rows", s.instrument("GET", "/tables/{table}/rows", s.handleScanRows))
		r.Get("/tables/{table}/rows/{key}", s.instrument("GET", "/tables/{table}/rows/{key}", s.handleGetRow))
		r.Put("/tables/{table}/rows/{key}", s.instrument("PUT", "/tables/{table}/rows/{key}", s.handlePutRow))
		r.Delete("/tables/{table}/rows/{key}", s.instrument("DELETE", "/tables/{table}/rows/{key}", s.handleDeleteRow))
		r.Get("/tables/{table}/export", s.instrument("GET", "/tables/{table}/export", s.handleExport))
		r.Post("/tables/{table}/import", s.instrument("POST", "/tables/{table}/import", s.handleImport))

		r.Post("/transactions", s.instrument("POST", "/transactions", s.handleTransaction))

		r.Route("/keys", func(r chi.Router) {
			r.Use(adminOnly)
			r.Post("/", s.instrument("POST", "/keys", s.handleCreateAPIKey))
			r.Get("/", s.instrument("GET", "/keys", s.handleListAPIKeys))
			r.Get("/{id}", s.instrument("GET", "/keys/{id}", s.handleGetAPIKey))
			r.Post("/{id}/revoke", s.instrument("POST", "/keys/{id}/revoke", s.handleRevokeAPIKey))
			r.Delete("/{id}", s.instrument("DELETE", "/keys/{id}", s.handleDeleteAPIKey))
		})
	})

	return r
}

func (s *Server) instrument(method, pattern string, h http.HandlerFunc) http.HandlerFunc {
	return s.metrics.InstrumentHandler(method, "/api/v1"+pattern, h)
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              net.JoinHostPort(s.config.Bind, strconv.Itoa(s.config.Port)),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("starting SkaldDB REST API server", zap.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.log.Info("server stopped")
	return nil
}
