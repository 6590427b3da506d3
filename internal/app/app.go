// Package app provides the main application struct for centralized dependency management
// and lifecycle control of the orchestrator server.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"aiorch/config"
	"aiorch/internal/cache"
	"aiorch/internal/circuit"
	"aiorch/internal/health"
	"aiorch/internal/httpclient"
	"aiorch/internal/observability"
	"aiorch/internal/orchestrator"
	"aiorch/internal/providers"
	"aiorch/internal/providers/anthropic"
	"aiorch/internal/providers/gemini"
	"aiorch/internal/providers/openai"
	"aiorch/internal/server"
)

// App represents the main application with all its dependencies.
// It provides centralized lifecycle management for all components.
type App struct {
	config       *config.Config
	cache        cache.ResponseCache
	metrics      *observability.Metrics
	orchestrator *orchestrator.Orchestrator
	server       *server.Server

	shutdownMu sync.Mutex
	shutdown   bool
}

// Config holds the configuration options for creating an App.
type Config struct {
	// AppConfig is the validated configuration produced by config.Load.
	AppConfig *config.Config

	// Factory builds provider instances. Nil means DefaultFactory.
	Factory *providers.ProviderFactory
}

// DefaultFactory returns a factory with every built-in provider type registered
// and the shared pooled HTTP client.
func DefaultFactory(httpCfg config.HTTPConfig) *providers.ProviderFactory {
	factory := providers.NewProviderFactory()
	factory.Add(openai.Registration)
	factory.Add(anthropic.Registration)
	factory.Add(gemini.Registration)

	clientCfg := httpclient.DefaultConfig()
	if httpCfg.Timeout > 0 {
		clientCfg.Timeout = time.Duration(httpCfg.Timeout) * time.Second
	}
	if httpCfg.ResponseHeaderTimeout > 0 {
		clientCfg.ResponseHeaderTimeout = time.Duration(httpCfg.ResponseHeaderTimeout) * time.Second
	}
	factory.SetHTTPClient(httpclient.NewHTTPClient(&clientCfg))
	return factory
}

// New creates a new App with all dependencies initialized.
// The caller must call Shutdown to release resources.
func New(cfg Config) (*App, error) {
	if cfg.AppConfig == nil {
		return nil, fmt.Errorf("app config is required")
	}
	appCfg := cfg.AppConfig
	if err := appCfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	factory := cfg.Factory
	if factory == nil {
		factory = DefaultFactory(appCfg.HTTP)
	}

	targets, err := buildTargets(appCfg, factory)
	if err != nil {
		return nil, err
	}

	responses, err := cache.New(appCfg.Cache)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize response cache: %w", err)
	}

	app := &App{
		config:  appCfg,
		cache:   responses,
		metrics: observability.NewMetrics(),
	}
	for _, t := range targets {
		app.metrics.InitProvider(t.Provider.Name())
	}

	orch, err := orchestrator.New(targets, responses, orchestratorOptions(appCfg, app.metrics))
	if err != nil {
		_ = responses.Close()
		return nil, fmt.Errorf("failed to initialize orchestrator: %w", err)
	}
	app.orchestrator = orch

	app.logStartupInfo()

	app.server = server.New(orch, &server.Config{
		MasterKey:       appCfg.Server.MasterKey,
		MetricsEnabled:  appCfg.Metrics.Enabled,
		MetricsEndpoint: appCfg.Metrics.Endpoint,
		MetricsHandler:  app.metrics.Handler(),
		BodySizeLimit:   appCfg.Server.BodySizeLimit,
		IngressRPS:      appCfg.Ingress.RequestsPerSecond,
		IngressBurst:    appCfg.Ingress.Burst,
	})

	return app, nil
}

// buildTargets creates one provider per fallback entry, in fallback order.
func buildTargets(cfg *config.Config, factory *providers.ProviderFactory) ([]orchestrator.Target, error) {
	targets := make([]orchestrator.Target, 0, len(cfg.Fallback.Order))
	for _, name := range cfg.Fallback.Order {
		pc := cfg.Providers[name]
		p, err := factory.Create(name, pc)
		if err != nil {
			return nil, fmt.Errorf("failed to create provider %q: %w", name, err)
		}
		targets = append(targets, orchestrator.Target{
			Provider:    p,
			Concurrency: pc.RateLimitConcurrency,
			Interval:    time.Duration(pc.RateLimitIntervalMs) * time.Millisecond,
			Timeout:     time.Duration(pc.TimeoutMs) * time.Millisecond,
		})
		slog.Info("provider configured",
			"provider", name,
			"type", pc.Type,
			"base_url", pc.BaseURL,
			"rate_limit_concurrency", pc.RateLimitConcurrency,
			"rate_limit_interval_ms", pc.RateLimitIntervalMs,
		)
	}
	return targets, nil
}

func orchestratorOptions(cfg *config.Config, observer orchestrator.Observer) orchestrator.Options {
	return orchestrator.Options{
		Strategy:       orchestrator.Strategy(cfg.Fallback.Strategy),
		AttemptTimeout: time.Duration(cfg.Fallback.AttemptTimeoutMs) * time.Millisecond,
		CacheTTL:       time.Duration(cfg.Cache.TTLSeconds) * time.Second,
		Circuit: circuit.Config{
			FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
			SuccessThreshold: cfg.CircuitBreaker.SuccessThreshold,
			ResetTimeout:     time.Duration(cfg.CircuitBreaker.ResetTimeoutMs) * time.Millisecond,
			TestRequestLimit: cfg.CircuitBreaker.TestRequestLimit,
		},
		Health: health.Config{
			WindowSize:       cfg.Health.WindowSize,
			SuccessThreshold: cfg.Health.SuccessThreshold,
			LatencyCeiling:   time.Duration(cfg.Health.LatencyCeilingMs) * time.Millisecond,
		},
		Observer: observer,
		Logger:   slog.Default(),
	}
}

// Orchestrator returns the fallback orchestrator.
func (a *App) Orchestrator() *orchestrator.Orchestrator {
	return a.orchestrator
}

// Handler returns the HTTP surface, for embedding or tests.
func (a *App) Handler() http.Handler {
	return a.server
}

// CheckCredentials validates every provider once and logs the outcome.
// Failures are recorded in health but never abort startup.
func (a *App) CheckCredentials(ctx context.Context) {
	results := a.orchestrator.CheckHealth(ctx)
	for _, p := range a.orchestrator.Providers() {
		if results[p.Name] {
			slog.Info("provider credentials verified", "provider", p.Name)
		} else {
			slog.Warn("provider credential check failed", "provider", p.Name)
		}
	}
}

// Start starts the HTTP server on the given address.
// This is a blocking call that returns when the server stops.
func (a *App) Start(addr string) error {
	if a.server == nil {
		return fmt.Errorf("server is not initialized")
	}
	slog.Info("starting server", "address", addr)
	if err := a.server.Start(addr); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			slog.Info("server stopped gracefully")
			return nil
		}
		return fmt.Errorf("server failed to start: %w", err)
	}
	return nil
}

// Shutdown stops the HTTP server, honoring ctx, and then closes the response cache.
// It is idempotent; every step runs and failures are joined.
func (a *App) Shutdown(ctx context.Context) error {
	a.shutdownMu.Lock()
	if a.shutdown {
		a.shutdownMu.Unlock()
		return nil
	}
	a.shutdown = true
	a.shutdownMu.Unlock()

	slog.Info("shutting down application...")

	var errs []error
	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			slog.Error("server shutdown error", "error", err)
			errs = append(errs, fmt.Errorf("server shutdown: %w", err))
		}
	}
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			slog.Error("response cache close error", "error", err)
			errs = append(errs, fmt.Errorf("cache close: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}

	slog.Info("application shutdown complete")
	return nil
}

// logStartupInfo logs the application configuration on startup.
func (a *App) logStartupInfo() {
	cfg := a.config

	if cfg.Server.MasterKey == "" {
		slog.Warn("SECURITY WARNING: AIORCH_MASTER_KEY not set - server running in UNSAFE MODE",
			"security_risk", "unauthenticated access allowed",
			"recommendation", "set AIORCH_MASTER_KEY environment variable to secure the API")
	} else {
		slog.Info("authentication enabled", "mode", "master_key")
	}

	slog.Info("fallback configured",
		"order", cfg.Fallback.Order,
		"strategy", cfg.Fallback.Strategy,
		"attempt_timeout_ms", cfg.Fallback.AttemptTimeoutMs,
	)
	slog.Info("response cache configured",
		"type", cfg.Cache.Type,
		"ttl_seconds", cfg.Cache.TTLSeconds,
	)

	if cfg.Metrics.Enabled {
		slog.Info("prometheus metrics enabled", "endpoint", cfg.Metrics.Endpoint)
	} else {
		slog.Info("prometheus metrics disabled")
	}

	if cfg.Ingress.RequestsPerSecond > 0 {
		slog.Info("ingress rate limit enabled", "rps", cfg.Ingress.RequestsPerSecond, "burst", cfg.Ingress.Burst)
	}
}
