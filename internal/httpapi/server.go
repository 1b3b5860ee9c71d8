// Package httpapi is the network-facing ingestion endpoint.
//
//	POST /log                  ingest one entry (200, 400, 429, 503)
//	GET  /logs?trace_id=ID     correlated entries of one trace
//	GET  /traces/recent?limit= recent trace summaries
//	POST /admin/clear          delete every stored trace
//	GET  /health               liveness, never rate limited
//	GET  /metrics              Prometheus exposition
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"cdr.dev/slog/v3"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"

	"github.com/manenim/logquota/pkg/correlate"
	"github.com/manenim/logquota/pkg/ingest"
)

// Clearer deletes every stored trace.
type Clearer interface {
	ClearAll(ctx context.Context) (int64, error)
}

// ServerConfig holds API server configuration.
type ServerConfig struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	// ReadRateLimitPerMinute limits GET /logs and GET /traces/recent per
	// client IP. Zero disables it.
	ReadRateLimitPerMinute int
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:                   ":8080",
		ReadTimeout:            10 * time.Second,
		WriteTimeout:           15 * time.Second,
		IdleTimeout:            60 * time.Second,
		ReadRateLimitPerMinute: 600,
	}
}

// Deps are the components the server routes to.
type Deps struct {
	Facade  *ingest.Facade
	Engine  *correlate.Engine
	Store   Clearer
	Metrics http.Handler
	Logger  slog.Logger
}

// Server is the HTTP API server.
type Server struct {
	deps       Deps
	logger     slog.Logger
	router     *chi.Mux
	httpServer *http.Server
	now        func() time.Time
}

// NewServer creates a new API server.
func NewServer(config ServerConfig, deps Deps) *Server {
	r := chi.NewRouter()
	s := &Server{
		deps:   deps,
		logger: deps.Logger.Named("http"),
		router: r,
		now:    time.Now,
	}

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	s.registerRoutes(config)

	s.httpServer = &http.Server{
		Addr:         config.Addr,
		Handler:      r,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}
	return s
}

func (s *Server) registerRoutes(config ServerConfig) {
	s.router.Get("/health", s.handleHealth)
	if s.deps.Metrics != nil {
		s.router.Method(http.MethodGet, "/metrics", s.deps.Metrics)
	}

	s.router.Post("/log", s.handleLog)

	s.router.Group(func(r chi.Router) {
		if config.ReadRateLimitPerMinute > 0 {
			r.Use(httprate.Limit(
				config.ReadRateLimitPerMinute,
				time.Minute,
				httprate.WithKeyFuncs(httprate.KeyByIP),
				httprate.WithLimitHandler(func(w http.ResponseWriter, _ *http.Request) {
					writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "read rate limit exceeded"})
				}),
			))
		}
		r.Get("/logs", s.handleLogs)
		r.Get("/traces/recent", s.handleRecentTraces)
	})

	s.router.Post("/admin/clear", s.handleClear)
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Shutdown is called. It returns nil after a clean
// shutdown.
func (s *Server) Start() error {
	s.logger.Info(context.Background(), "http server listening", slog.F("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// loggingMiddleware logs all HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug(r.Context(), "http request",
			slog.F("method", r.Method),
			slog.F("path", r.URL.Path),
			slog.F("status", ww.Status()),
			slog.F("duration", time.Since(start)),
			slog.F("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
