package openai

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"aiorch/config"
	"aiorch/internal/core"
	"aiorch/internal/providers"
)

func newTestProvider(baseURL string, cfg config.ProviderConfig) *Provider {
	cfg.APIKey = "test-api-key"
	cfg.BaseURL = baseURL
	return newProvider(providers.ProviderOptions{Name: "openai-test", Config: cfg})
}

func floatPtr(f float64) *float64 { return &f }

func TestNew_ReturnsProvider(t *testing.T) {
	provider := New(providers.ProviderOptions{Config: config.ProviderConfig{APIKey: "k"}})

	if provider == nil {
		t.Fatal("provider should not be nil")
	}
	if provider.Name() != "openai" {
		t.Errorf("Name() = %q, want %q", provider.Name(), "openai")
	}
}

func TestComplete(t *testing.T) {
	tests := []struct {
		name          string
		statusCode    int
		responseBody  string
		wantErrType   core.ErrorType
		checkResponse func(*testing.T, *core.CompletionResponse)
	}{
		{
			name:       "successful request",
			statusCode: http.StatusOK,
			responseBody: `{
				"id": "chatcmpl-123",
				"object": "chat.completion",
				"created": 1677652288,
				"model": "gpt-4o",
				"choices": [{
					"index": 0,
					"message": {"role": "assistant", "content": "Hello! How can I help you today?"},
					"finish_reason": "stop"
				}],
				"usage": {"prompt_tokens": 10, "completion_tokens": 20, "total_tokens": 30}
			}`,
			checkResponse: func(t *testing.T, resp *core.CompletionResponse) {
				if resp.ID != "chatcmpl-123" {
					t.Errorf("ID = %q, want %q", resp.ID, "chatcmpl-123")
				}
				if resp.ModelUsed != "gpt-4o" {
					t.Errorf("ModelUsed = %q, want %q", resp.ModelUsed, "gpt-4o")
				}
				if resp.Content != "Hello! How can I help you today?" {
					t.Errorf("Content = %q", resp.Content)
				}
				if resp.Provider != "openai-test" {
					t.Errorf("Provider = %q, want %q", resp.Provider, "openai-test")
				}
				if resp.Usage.PromptTokens != 10 || resp.Usage.CompletionTokens != 20 || resp.Usage.TotalTokens != 30 {
					t.Errorf("Usage = %+v", resp.Usage)
				}
				if resp.Usage.EstimatedCost <= 0 {
					t.Errorf("EstimatedCost = %v, want > 0", resp.Usage.EstimatedCost)
				}
			},
		},
		{
			name:       "missing usage degrades to zero",
			statusCode: http.StatusOK,
			responseBody: `{
				"choices": [{"message": {"role": "assistant", "content": "partial"}}]
			}`,
			checkResponse: func(t *testing.T, resp *core.CompletionResponse) {
				if resp.Content != "partial" {
					t.Errorf("Content = %q, want %q", resp.Content, "partial")
				}
				if resp.Usage != (core.TokenUsage{}) {
					t.Errorf("Usage = %+v, want zero", resp.Usage)
				}
				if !strings.HasPrefix(resp.ID, "cmpl-") {
					t.Errorf("ID = %q, want synthesized cmpl- prefix", resp.ID)
				}
				if resp.ModelUsed != defaultModel {
					t.Errorf("ModelUsed = %q, want request model %q", resp.ModelUsed, defaultModel)
				}
			},
		},
		{
			name:         "no choices is malformed",
			statusCode:   http.StatusOK,
			responseBody: `{"id": "x", "choices": []}`,
			wantErrType:  core.ErrorTypeMalformedResponse,
		},
		{
			name:         "invalid json is malformed",
			statusCode:   http.StatusOK,
			responseBody: `<html>`,
			wantErrType:  core.ErrorTypeMalformedResponse,
		},
		{
			name:         "API error",
			statusCode:   http.StatusUnauthorized,
			responseBody: `{"error": {"message": "Invalid API key"}}`,
			wantErrType:  core.ErrorTypeUnauthorized,
		},
		{
			name:         "rate limit error",
			statusCode:   http.StatusTooManyRequests,
			responseBody: `{"error": {"message": "Rate limit exceeded"}}`,
			wantErrType:  core.ErrorTypeVendorRateLimit,
		},
		{
			name:         "server error",
			statusCode:   http.StatusInternalServerError,
			responseBody: `{"error": {"message": "Internal server error"}}`,
			wantErrType:  core.ErrorTypeProviderUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/chat/completions" {
					t.Errorf("Path = %q, want /chat/completions", r.URL.Path)
				}
				if r.Header.Get("Authorization") != "Bearer test-api-key" {
					t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
				}
				w.WriteHeader(tt.statusCode)
				_, _ = w.Write([]byte(tt.responseBody))
			}))
			defer server.Close()

			provider := newTestProvider(server.URL, config.ProviderConfig{})
			resp, err := provider.Complete(context.Background(), &core.CompletionRequest{
				Messages: []core.Message{{Role: core.RoleUser, Content: "Hello"}},
			})

			if tt.wantErrType != "" {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				if got := core.ErrorTypeOf(err); got != tt.wantErrType {
					t.Errorf("error type = %q, want %q (%v)", got, tt.wantErrType, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			tt.checkResponse(t, resp)
		})
	}
}

func TestComplete_RequestBody(t *testing.T) {
	var captured map[string]any

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &captured)
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}]}`))
	}))
	defer server.Close()

	provider := newTestProvider(server.URL, config.ProviderConfig{
		DefaultModel: "gpt-4o",
		MaxTokens:    1000,
		Temperature:  floatPtr(0.3),
	})

	_, err := provider.Complete(context.Background(), &core.CompletionRequest{
		Messages: []core.Message{
			{Role: core.RoleSystem, Content: "Be brief"},
			{Role: core.RoleUser, Content: "Hello"},
		},
		MaxTokens: 50000,
		Stop:      []string{"END"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if captured["model"] != "gpt-4o" {
		t.Errorf("model = %v, want configured default gpt-4o", captured["model"])
	}
	if captured["max_tokens"] != float64(1000) {
		t.Errorf("max_tokens = %v, want clamped 1000", captured["max_tokens"])
	}
	if captured["temperature"] != 0.3 {
		t.Errorf("temperature = %v, want configured 0.3", captured["temperature"])
	}
	messages, _ := captured["messages"].([]any)
	if len(messages) != 2 {
		t.Fatalf("len(messages) = %d, want 2 (system stays inline)", len(messages))
	}
	if first, _ := messages[0].(map[string]any); first["role"] != "system" {
		t.Errorf("first message role = %v, want system", first["role"])
	}
	if stop, _ := captured["stop"].([]any); len(stop) != 1 || stop[0] != "END" {
		t.Errorf("stop = %v, want [END]", captured["stop"])
	}
}

func TestBuildChatRequest_OSeries(t *testing.T) {
	provider := newTestProvider("http://unused", config.ProviderConfig{})

	req := provider.buildChatRequest(&core.CompletionRequest{
		Model:       "o3-mini",
		Messages:    []core.Message{{Role: core.RoleUser, Content: "hi"}},
		MaxTokens:   200,
		Temperature: floatPtr(0.5),
	})

	if req.MaxTokens != nil {
		t.Errorf("MaxTokens = %v, want nil for o-series", *req.MaxTokens)
	}
	if req.MaxCompletionTokens == nil || *req.MaxCompletionTokens != 200 {
		t.Errorf("MaxCompletionTokens = %v, want 200", req.MaxCompletionTokens)
	}
	if req.Temperature != nil {
		t.Error("Temperature should be dropped for o-series models")
	}
}

func TestIsOSeriesModel(t *testing.T) {
	tests := []struct {
		model    string
		expected bool
	}{
		{"o1", true},
		{"o3-mini", true},
		{"o4-mini", true},
		{"O3", true},
		{"gpt-4o", false},
		{"gpt-4o-mini", false},
		{"omni", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			if got := isOSeriesModel(tt.model); got != tt.expected {
				t.Errorf("isOSeriesModel(%q) = %v, want %v", tt.model, got, tt.expected)
			}
		})
	}
}

func TestSetHeaders_ClientRequestID(t *testing.T) {
	provider := newTestProvider("http://unused", config.ProviderConfig{})

	tests := []struct {
		name      string
		requestID string
		want      string
	}{
		{"ascii id forwarded", "req-123", "req-123"},
		{"non-ascii id dropped", "req-é", ""},
		{"oversized id dropped", strings.Repeat("a", 513), ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := core.WithRequestID(context.Background(), tt.requestID)
			req, _ := http.NewRequestWithContext(ctx, http.MethodPost, "http://unused", nil)
			provider.setHeaders(req)
			if got := req.Header.Get("X-Client-Request-Id"); got != tt.want {
				t.Errorf("X-Client-Request-Id = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestStreamComplete(t *testing.T) {
	var captured map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &captured)
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"Hi\"}}]}\n\ndata: [DONE]\n\n"))
	}))
	defer server.Close()

	provider := newTestProvider(server.URL, config.ProviderConfig{})
	stream, err := provider.StreamComplete(context.Background(), &core.CompletionRequest{
		Messages: []core.Message{{Role: core.RoleUser, Content: "Hello"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer stream.Close()

	data, _ := io.ReadAll(stream)
	if !strings.Contains(string(data), `"content":"Hi"`) || !strings.Contains(string(data), "[DONE]") {
		t.Errorf("unexpected stream body: %s", data)
	}
	if captured["stream"] != true {
		t.Errorf("stream = %v, want true", captured["stream"])
	}
}

func TestValidateCredentials(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/models" {
			t.Errorf("unexpected call %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") == "Bearer test-api-key" {
			_, _ = w.Write([]byte(`{"data":[]}`))
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	provider := newTestProvider(server.URL, config.ProviderConfig{})
	if err := provider.ValidateCredentials(context.Background()); err != nil {
		t.Errorf("ValidateCredentials() = %v, want nil", err)
	}

	provider.apiKey = "wrong"
	if err := provider.ValidateCredentials(context.Background()); core.ErrorTypeOf(err) != core.ErrorTypeUnauthorized {
		t.Errorf("ValidateCredentials() = %v, want unauthorized", err)
	}
}

func TestCapabilities_ConfiguredCeiling(t *testing.T) {
	provider := newTestProvider("http://unused", config.ProviderConfig{MaxTokens: 2048})
	caps := provider.Capabilities()
	if caps.MaxTokens != 2048 {
		t.Errorf("MaxTokens = %d, want 2048", caps.MaxTokens)
	}
	if caps.ContextWindow != 128000 {
		t.Errorf("ContextWindow = %d, want 128000", caps.ContextWindow)
	}
}
