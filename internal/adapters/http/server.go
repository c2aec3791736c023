// Package http provides the HTTP server and handlers.
package http //nolint:revive // package name conflicts with stdlib but is acceptable in this context

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/tomfumb/BVSAR-map-data-provisioner/internal/application"
	"github.com/tomfumb/BVSAR-map-data-provisioner/internal/config"
	"github.com/tomfumb/BVSAR-map-data-provisioner/internal/ports/input"
)

// SyncTrigger starts an on-demand archive sync.
type SyncTrigger interface {
	TriggerSync(ctx context.Context) (application.SyncResult, error)
}

// Services bundles the driving ports the server exposes.
type Services struct {
	Tiles  input.TileService
	Layers input.LayerRegistry
	Export input.ExportService
	Health input.HealthChecker
	Sync   SyncTrigger // optional
}

// Options holds optional server collaborators.
type Options struct {
	Placeholder       []byte                          // miss tile; a blank 256px PNG when nil
	MetricsMiddleware func(http.Handler) http.Handler // optional
	MetricsHandler    http.Handler                    // optional, served at MetricsPath
	MetricsPath       string
	Version           string
}

// Server wraps the HTTP server with application handlers.
type Server struct {
	server      *http.Server
	router      *mux.Router
	services    Services
	placeholder []byte
	opts        Options
	logger      *slog.Logger
	config      config.ServerConfig
}

// NewServer creates a new HTTP server.
func NewServer(
	cfg config.ServerConfig,
	services Services,
	logger *slog.Logger,
	opts Options,
) *Server {
	s := &Server{
		services:    services,
		placeholder: opts.Placeholder,
		opts:        opts,
		logger:      logger,
		config:      cfg,
	}
	if len(s.placeholder) == 0 {
		s.placeholder = blankTile()
	}

	s.router = s.setupRoutes()

	s.server = &http.Server{
		Addr:         cfg.Address(),
		Handler:      s.router,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.WriteTimeout,
	}

	return s
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() *mux.Router {
	r := mux.NewRouter()

	// Add middleware
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	if s.opts.MetricsMiddleware != nil {
		r.Use(s.opts.MetricsMiddleware)
	}

	// Add CORS middleware if configured
	if s.config.CORS.Enabled() {
		r.Use(s.corsMiddleware)
	}

	// Health endpoints
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/health/live", s.handleLiveness).Methods(http.MethodGet)
	r.HandleFunc("/health/ready", s.handleReadiness).Methods(http.MethodGet)

	// Tiles
	tiles := r.PathPrefix("/tile").Subrouter()
	tiles.HandleFunc("/list", s.handleListLayers).Methods(http.MethodGet)
	tiles.HandleFunc("/{layer}/{z:[0-9]+}/{x:[0-9]+}/{y:[0-9]+}.png", s.handleTile).Methods(http.MethodGet)

	// Export
	bounds := "/{zoom:[0-9]+}/{x_min}/{y_min}/{x_max}/{y_max}/{layer}"
	export := r.PathPrefix("/export").Subrouter()
	export.HandleFunc("/info"+bounds, s.handleExportInfo).Methods(http.MethodGet)
	export.HandleFunc("/png"+bounds, s.handleExportPNG).Methods(http.MethodGet)

	// Sync endpoint (only if sync service is configured)
	if s.services.Sync != nil {
		api := r.PathPrefix("/api/v1").Subrouter()
		api.HandleFunc("/sync", s.handleSync).Methods(http.MethodPost)
	}

	if s.opts.MetricsHandler != nil {
		path := s.opts.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.Handle(path, s.opts.MetricsHandler).Methods(http.MethodGet)
	}

	// OpenAPI spec and Swagger UI
	r.HandleFunc("/openapi.json", s.handleOpenAPI).Methods(http.MethodGet)
	r.HandleFunc("/docs", s.handleSwaggerUI).Methods(http.MethodGet)
	r.HandleFunc("/swagger", s.handleSwaggerUI).Methods(http.MethodGet)

	// Layer viewer (if enabled)
	if s.config.FrontendEnabled {
		r.HandleFunc("/", s.handleFrontend).Methods(http.MethodGet)
	}

	r.NotFoundHandler = http.HandlerFunc(s.handleNotFound)

	return r
}

// Router returns the mux router.
func (s *Server) Router() *mux.Router {
	return s.router
}

// Start serves until Shutdown. With a non-nil tlsConfig the server speaks
// HTTPS using its certificates.
func (s *Server) Start(tlsConfig *tls.Config) error {
	if tlsConfig == nil {
		s.logger.Info("starting HTTP server", "address", s.config.Address())
		return s.server.ListenAndServe()
	}

	s.logger.Info("starting HTTPS server", "address", s.config.Address())
	s.server.TLSConfig = tlsConfig
	return s.server.ListenAndServeTLS("", "")
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// loggingMiddleware logs incoming requests. Successful tile requests are
// logged at debug level.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Wrap response writer to capture status code
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		level := slog.LevelInfo
		if strings.HasPrefix(r.URL.Path, "/tile/") && wrapped.statusCode < http.StatusBadRequest {
			level = slog.LevelDebug
		}
		s.logger.Log(r.Context(), level, "request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration", time.Since(start),
			"remote_addr", r.RemoteAddr,
		)
	})
}

// recoveryMiddleware recovers from panics.
func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				s.logger.Error("panic recovered", "error", err, "path", r.URL.Path)
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
