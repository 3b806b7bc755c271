package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/exteriorp/designex/internal/pipeline"
	"github.com/exteriorp/designex/internal/styles"
	"github.com/exteriorp/designex/internal/workspace"
)

// DesignPipeline defines the interface for design generation.
type DesignPipeline interface {
	Generate(ctx context.Context, req pipeline.Request) (*pipeline.Response, error)
}

// Config holds API server configuration
type Config struct {
	Listen string
	// MaxUploadBytes caps the multipart request body. Zero means the
	// default of 32 MiB.
	MaxUploadBytes int64
	// WorkerTimeout is the configured bound on one worker execution.
	// The HTTP write timeout is derived from it so a slow render is
	// never cut off mid-response.
	WorkerTimeout time.Duration
}

// Server represents the HTTP API server
type Server struct {
	config    Config
	pipeline  DesignPipeline
	index     *styles.Index
	alloc     *workspace.Allocator
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

const defaultMaxUploadBytes = 32 << 20

const (
	defaultWriteTimeout = 10 * time.Minute
	// writeTimeoutHeadroom covers upload parsing and response encoding
	// on top of the worker's own bound.
	writeTimeoutHeadroom = time.Minute
)

// writeTimeout returns the worker timeout plus headroom, or the default
// when no worker timeout is configured.
func (s *Server) writeTimeout() time.Duration {
	if s.config.WorkerTimeout <= 0 {
		return defaultWriteTimeout
	}
	return s.config.WorkerTimeout + writeTimeoutHeadroom
}

// New creates a new API server instance
func New(config Config, p DesignPipeline, index *styles.Index, alloc *workspace.Allocator, logger *slog.Logger) *Server {
	if config.MaxUploadBytes <= 0 {
		config.MaxUploadBytes = defaultMaxUploadBytes
	}
	return &Server{
		config:    config,
		pipeline:  p,
		index:     index,
		alloc:     alloc,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Start starts the HTTP server (blocking)
func (s *Server) Start(ctx context.Context) error {
	router := s.setupRoutes()

	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: s.writeTimeout(), // Design generation waits on the worker
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
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

// setupRoutes configures the HTTP router
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoint.
	r.Get("/healthz", s.handleHealthz)

	r.Route("/api", func(r chi.Router) {
		r.Post("/designs", s.handleCreateDesign)
		r.Get("/designs/images/{filename}", s.handleGetImage)
		r.Get("/styles", s.handleListStyles)
		r.Get("/styles/regions", s.handleListRegions)
		r.Get("/styles/{style}/regions/{region}", s.handleRegionRecommendations)
	})

	return r
}

// loggingMiddleware logs HTTP requests
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
