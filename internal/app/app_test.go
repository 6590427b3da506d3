package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aiorch/config"
)

func testConfig(anthropicURL, openaiURL string) *config.Config {
	return &config.Config{
		Server: config.ServerConfig{Port: "0", BodySizeLimit: "1M"},
		Providers: map[string]config.ProviderConfig{
			"anthropic": {Type: "anthropic", APIKey: "sk-ant-test", BaseURL: anthropicURL},
			"openai":    {Type: "openai", APIKey: "sk-openai-test", BaseURL: openaiURL, RateLimitConcurrency: 2},
		},
		Fallback: config.FallbackConfig{
			Order:            []string{"anthropic", "openai"},
			Strategy:         config.StrategySequential,
			AttemptTimeoutMs: 2000,
		},
		Cache: config.CacheConfig{Type: config.CacheTypeMemory, TTLSeconds: 60, MaxEntries: 100},
		CircuitBreaker: config.CircuitBreakerConfig{
			FailureThreshold: 5, SuccessThreshold: 3, ResetTimeoutMs: 60000, TestRequestLimit: 3,
		},
		Health:  config.HealthConfig{WindowSize: 20, SuccessThreshold: 0.5, LatencyCeilingMs: 10000},
		Metrics: config.MetricsConfig{Enabled: true, Endpoint: "/metrics"},
		HTTP:    config.HTTPConfig{Timeout: 10, ResponseHeaderTimeout: 10},
	}
}

func newUpstreams(t *testing.T) (anthropic, openai *httptest.Server, openaiCalls *atomic.Int32) {
	t.Helper()
	anthropic = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"api_error","message":"overloaded"}}`))
	}))
	t.Cleanup(anthropic.Close)

	openaiCalls = &atomic.Int32{}
	openai = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk-openai-test", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Path == "/models" {
			_, _ = w.Write([]byte(`{"object":"list","data":[]}`))
			return
		}
		openaiCalls.Add(1)
		assert.Equal(t, "/chat/completions", r.URL.Path)
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-1",
			"model": "gpt-4o-mini",
			"created": 1700000000,
			"choices": [{"message": {"role": "assistant", "content": "hi from openai"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 3, "completion_tokens": 4}
		}`))
	}))
	t.Cleanup(openai.Close)
	return anthropic, openai, openaiCalls
}

func TestApp_FallbackEndToEnd(t *testing.T) {
	anthropicSrv, openaiSrv, openaiCalls := newUpstreams(t)

	a, err := New(Config{AppConfig: testConfig(anthropicSrv.URL, openaiSrv.URL)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })

	complete := func() map[string]interface{} {
		req := httptest.NewRequest(http.MethodPost, "/api/ai/complete",
			strings.NewReader(`{"messages":[{"role":"user","content":"Hello"}]}`))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		a.Handler().ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var body map[string]interface{}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		return body
	}

	first := complete()
	assert.Equal(t, "openai", first["provider"])
	assert.Equal(t, false, first["cached"])

	second := complete()
	assert.Equal(t, true, second["cached"])
	assert.Equal(t, int32(1), openaiCalls.Load())

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	metrics := rec.Body.String()
	assert.Contains(t, metrics, `aiorch_provider_attempts_total{outcome="success",provider="openai"} 1`)
	assert.Contains(t, metrics, `aiorch_cache_lookups_total{result="hit"} 1`)
	assert.Contains(t, metrics, `aiorch_circuit_state{provider="anthropic"} 0`)
}

func TestApp_ProvidersInFallbackOrder(t *testing.T) {
	anthropicSrv, openaiSrv, _ := newUpstreams(t)

	a, err := New(Config{AppConfig: testConfig(anthropicSrv.URL, openaiSrv.URL)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })

	infos := a.Orchestrator().Providers()
	require.Len(t, infos, 2)
	assert.Equal(t, "anthropic", infos[0].Name)
	assert.Equal(t, "openai", infos[1].Name)
	assert.Equal(t, 2, infos[1].RateLimitConcurrent)
	assert.Equal(t, int64(2000), infos[0].TimeoutMs)
}

func TestApp_CheckCredentials(t *testing.T) {
	anthropicSrv, openaiSrv, _ := newUpstreams(t)

	a, err := New(Config{AppConfig: testConfig(anthropicSrv.URL, openaiSrv.URL)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	a.CheckCredentials(ctx)

	byName := map[string]string{}
	for _, h := range a.Orchestrator().Health() {
		byName[h.Name] = h.Status
	}
	assert.Equal(t, "unhealthy", byName["anthropic"])
	assert.Equal(t, "healthy", byName["openai"])
}

func TestApp_New_Errors(t *testing.T) {
	t.Run("nil config", func(t *testing.T) {
		_, err := New(Config{})
		assert.Error(t, err)
	})

	t.Run("invalid config", func(t *testing.T) {
		cfg := testConfig("http://127.0.0.1:1", "http://127.0.0.1:1")
		cfg.Fallback.Strategy = "round-robin"
		_, err := New(Config{AppConfig: cfg})
		assert.ErrorContains(t, err, "unknown fallback strategy")
	})

	t.Run("unknown provider type", func(t *testing.T) {
		cfg := testConfig("http://127.0.0.1:1", "http://127.0.0.1:1")
		p := cfg.Providers["openai"]
		p.Type = "mystery"
		cfg.Providers["openai"] = p
		_, err := New(Config{AppConfig: cfg})
		assert.ErrorContains(t, err, "unknown provider type: mystery")
	})
}

func TestApp_ShutdownIsIdempotent(t *testing.T) {
	anthropicSrv, openaiSrv, _ := newUpstreams(t)

	a, err := New(Config{AppConfig: testConfig(anthropicSrv.URL, openaiSrv.URL)})
	require.NoError(t, err)

	require.NoError(t, a.Shutdown(context.Background()))
	require.NoError(t, a.Shutdown(context.Background()))
}
