package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/require"

	"aiorch/internal/cache"
	"aiorch/internal/circuit"
	"aiorch/internal/core"
	"aiorch/internal/orchestrator"
)

type mockProvider struct {
	name     string
	calls    atomic.Int32
	content  string
	err      error
	validate error
}

func (m *mockProvider) Name() string { return m.name }

func (m *mockProvider) Complete(_ context.Context, req *core.CompletionRequest) (*core.CompletionResponse, error) {
	m.calls.Add(1)
	if m.err != nil {
		return nil, m.err
	}
	return &core.CompletionResponse{
		ID:           "cmpl-" + m.name,
		Content:      m.content,
		ModelUsed:    "test-model",
		FinishReason: "stop",
		Usage:        core.TokenUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
		Created:      1700000000,
	}, nil
}

func (m *mockProvider) StreamComplete(context.Context, *core.CompletionRequest) (io.ReadCloser, error) {
	m.calls.Add(1)
	if m.err != nil {
		return nil, m.err
	}
	return io.NopCloser(strings.NewReader("data: {\"choices\":[{\"delta\":{\"content\":\"" + m.content + "\"}}]}\n\ndata: [DONE]\n\n")), nil
}

func (m *mockProvider) Capabilities() core.Capabilities {
	return core.Capabilities{MaxTokens: 1000, ContextWindow: 8000, SupportsStreaming: true}
}

func (m *mockProvider) EstimateTokens(*core.CompletionRequest) int { return 1 }

func (m *mockProvider) ValidateCredentials(context.Context) error { return m.validate }

var errUpstream = core.NewProviderError("", 503, "upstream unavailable", errors.New("503"))

// newTestService builds a real orchestrator over providers with an in-memory cache
func newTestService(t *testing.T, providers ...core.Provider) *orchestrator.Orchestrator {
	t.Helper()
	targets := make([]orchestrator.Target, 0, len(providers))
	for _, p := range providers {
		targets = append(targets, orchestrator.Target{Provider: p})
	}
	responses := cache.NewMemoryCache(0)
	t.Cleanup(func() { _ = responses.Close() })

	orch, err := orchestrator.New(targets, responses, orchestrator.Options{
		AttemptTimeout: time.Second,
		CacheTTL:       time.Minute,
		Circuit:        circuit.Config{FailureThreshold: 5, SuccessThreshold: 1, ResetTimeout: time.Minute, TestRequestLimit: 1},
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	return orch
}

func newTestServer(t *testing.T, cfg *Config, providers ...core.Provider) *Server {
	t.Helper()
	if len(providers) == 0 {
		providers = []core.Provider{&mockProvider{name: "primary", content: "hi"}}
	}
	return New(newTestService(t, providers...), cfg)
}

func metricsHandler() *Config {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{Name: "aiorch_test_total", Help: "test"}))
	return &Config{
		MetricsEnabled: true,
		MetricsHandler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	}
}

const helloBody = `{"messages":[{"role":"user","content":"Hello"}]}`
