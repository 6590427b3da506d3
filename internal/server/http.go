package server

import (
	"context"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"aiorch/config"
)

// Server wraps the Echo server
type Server struct {
	echo    *echo.Echo
	handler *Handler
}

// Config holds server configuration options
type Config struct {
	MasterKey       string       // Optional: bearer key required on /api/ai/*
	MetricsEnabled  bool         // Whether to expose the Prometheus endpoint
	MetricsEndpoint string       // HTTP path for metrics (default: /metrics)
	MetricsHandler  http.Handler // Serves the metrics registry
	BodySizeLimit   string       // Max request body size, e.g. "10M" (default: 10M)
	IngressRPS      float64      // Caller-facing requests per second (0 disables)
	IngressBurst    int          // Token bucket size for the ingress limiter
}

const (
	defaultMetricsPath = "/metrics"
	apiPrefix          = "/api/"
)

// metricsPath normalizes the configured endpoint. Paths that would shadow the
// API fall back to the default.
func metricsPath(endpoint string) string {
	if endpoint == "" {
		return defaultMetricsPath
	}
	p := path.Clean("/" + endpoint)
	if p == "/" || p == "/health" || strings.HasPrefix(p+"/", apiPrefix) {
		return defaultMetricsPath
	}
	return p
}

// New creates the HTTP server over svc
func New(svc Service, cfg *Config) *Server {
	if cfg == nil {
		cfg = &Config{}
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	handler := NewHandler(svc)

	// Global middleware stack (order matters)
	e.Use(RequestIDMiddleware())
	e.Use(middleware.RequestLoggerWithConfig(requestLoggerConfig()))
	e.Use(middleware.Recover())

	// Config.Validate rejects bad limits; anything unparseable here falls back to the default
	bodySizeLimit, err := config.ParseBodySizeLimit(cfg.BodySizeLimit)
	if err != nil {
		bodySizeLimit, _ = config.ParseBodySizeLimit("")
	}
	e.Use(middleware.BodyLimit(strconv.FormatInt(bodySizeLimit, 10)))

	// Public routes
	e.GET("/health", handler.Health)
	if cfg.MetricsEnabled && cfg.MetricsHandler != nil {
		e.GET(metricsPath(cfg.MetricsEndpoint), echo.WrapHandler(cfg.MetricsHandler))
	}

	// API routes
	api := e.Group("/api/ai", AuthMiddleware(cfg.MasterKey))
	api.POST("/complete", handler.Complete, IngressLimiter(cfg.IngressRPS, cfg.IngressBurst))

	api.GET("/providers", handler.Providers)
	api.GET("/providers/health", handler.ProvidersHealth)
	api.POST("/providers/health/check", handler.CheckHealth)
	api.POST("/providers/:name/reset", handler.ResetProvider)
	api.POST("/cache/clear", handler.ClearCache)
	api.GET("/cache/stats", handler.CacheStats)

	return &Server{
		echo:    e,
		handler: handler,
	}
}

// Start starts the HTTP server on the given address
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// ServeHTTP implements the http.Handler interface, allowing Server to be used with httptest
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}
