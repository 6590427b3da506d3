// Package openai provides the OpenAI chat completions backend.
package openai

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"aiorch/config"
	"aiorch/internal/core"
	"aiorch/internal/llmclient"
	"aiorch/internal/providers"
)

// Registration provides factory registration for the OpenAI provider.
var Registration = providers.Registration{
	Type: "openai",
	New:  New,
}

const (
	defaultBaseURL = "https://api.openai.com/v1"
	defaultModel   = "gpt-4o-mini"
)

var defaultCapabilities = core.Capabilities{
	MaxTokens:          4096,
	ContextWindow:      128000,
	SupportsStreaming:  true,
	SupportsFunctions:  true,
	SupportsVision:     true,
	InputCostPerToken:  0.00001,
	OutputCostPerToken: 0.00003,
}

// Provider implements core.Provider for OpenAI. Messages are sent inline,
// system prompts included.
type Provider struct {
	name   string
	cfg    config.ProviderConfig
	caps   core.Capabilities
	client *llmclient.Client
	apiKey string
}

// New creates a new OpenAI provider.
func New(opts providers.ProviderOptions) core.Provider {
	return newProvider(opts)
}

func newProvider(opts providers.ProviderOptions) *Provider {
	name := opts.Name
	if name == "" {
		name = "openai"
	}
	p := &Provider{
		name:   name,
		cfg:    opts.Config,
		caps:   providers.ResolveCapabilities(defaultCapabilities, opts.Config),
		apiKey: opts.Config.APIKey,
	}

	baseURL := opts.Config.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	clientCfg := llmclient.DefaultConfig(name, strings.TrimRight(baseURL, "/"))
	clientCfg.MaxRetries = opts.Config.MaxRetries
	p.client = llmclient.NewWithHTTPClient(opts.HTTPClient, clientCfg, p.setHeaders)
	return p
}

// Name returns the configured provider name
func (p *Provider) Name() string { return p.name }

// Capabilities returns the provider limits and pricing
func (p *Provider) Capabilities() core.Capabilities { return p.caps }

// EstimateTokens approximates the prompt token count
func (p *Provider) EstimateTokens(req *core.CompletionRequest) int {
	return providers.EstimateTokens(req)
}

// setHeaders sets the required headers for OpenAI API requests
func (p *Provider) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	// OpenAI rejects non-ASCII or oversized client request IDs with a 400.
	if requestID := core.GetRequestID(req.Context()); requestID != "" && isValidClientRequestID(requestID) {
		req.Header.Set("X-Client-Request-Id", requestID)
	}
}

// isValidClientRequestID checks if the request ID is valid for OpenAI's X-Client-Request-Id header.
// OpenAI requires: ASCII characters only, max 512 characters.
func isValidClientRequestID(id string) bool {
	if len(id) > 512 {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] > 127 {
			return false
		}
	}
	return true
}

// isOSeriesModel reports whether the model is an OpenAI o-series model
// (o1, o3, o4) that requires max_completion_tokens instead of max_tokens
// and does not support the temperature parameter.
func isOSeriesModel(model string) bool {
	m := strings.ToLower(model)
	return len(m) >= 2 && m[0] == 'o' && m[1] >= '0' && m[1] <= '9'
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// chatRequest is the /chat/completions body
type chatRequest struct {
	Model               string         `json:"model"`
	Messages            []chatMessage  `json:"messages"`
	MaxTokens           *int           `json:"max_tokens,omitempty"`
	MaxCompletionTokens *int           `json:"max_completion_tokens,omitempty"`
	Temperature         *float64       `json:"temperature,omitempty"`
	TopP                *float64       `json:"top_p,omitempty"`
	Stop                []string       `json:"stop,omitempty"`
	Stream              bool           `json:"stream,omitempty"`
	StreamOptions       *streamOptions `json:"stream_options,omitempty"`
}

// buildChatRequest converts the canonical request. o-series models get
// max_completion_tokens and no temperature.
func (p *Provider) buildChatRequest(req *core.CompletionRequest) *chatRequest {
	prepared := providers.PrepareRequest(req, p.cfg, p.caps, defaultModel, 0)

	out := &chatRequest{
		Model:       prepared.Model,
		Messages:    make([]chatMessage, 0, len(prepared.Messages)),
		Temperature: prepared.Temperature,
		TopP:        prepared.TopP,
		Stop:        prepared.Stop,
	}
	for _, m := range prepared.Messages {
		out.Messages = append(out.Messages, chatMessage{Role: string(m.Role), Content: m.Content})
	}

	if prepared.MaxTokens > 0 {
		maxTokens := prepared.MaxTokens
		if isOSeriesModel(prepared.Model) {
			out.MaxCompletionTokens = &maxTokens
		} else {
			out.MaxTokens = &maxTokens
		}
	}
	if isOSeriesModel(prepared.Model) {
		out.Temperature = nil
	}
	return out
}

// Complete sends a chat completion request to OpenAI
func (p *Provider) Complete(ctx context.Context, req *core.CompletionRequest) (*core.CompletionResponse, error) {
	body := p.buildChatRequest(req)
	resp, err := p.client.DoRaw(ctx, llmclient.Request{
		Method:   http.MethodPost,
		Endpoint: "/chat/completions",
		Body:     body,
	})
	if err != nil {
		return nil, err
	}
	return p.parseChatResponse(resp.Body, body.Model)
}

// parseChatResponse translates a /chat/completions body. Missing usage is
// tolerated and reported as zero; a missing choice is not.
func (p *Provider) parseChatResponse(body []byte, requestedModel string) (*core.CompletionResponse, error) {
	if !gjson.ValidBytes(body) {
		return nil, core.NewMalformedResponseError(p.name, "response is not valid JSON", nil)
	}
	parsed := gjson.ParseBytes(body)

	choice := parsed.Get("choices.0")
	if !choice.Exists() {
		return nil, core.NewMalformedResponseError(p.name, "response contains no choices", nil)
	}
	content := choice.Get("message.content")
	if content.Exists() && content.Type != gjson.String && content.Type != gjson.Null {
		return nil, core.NewMalformedResponseError(p.name, "choice content is not a string", nil)
	}

	id := parsed.Get("id").String()
	if id == "" {
		id = providers.NewResponseID()
	}
	model := parsed.Get("model").String()
	if model == "" {
		model = requestedModel
	}
	created := parsed.Get("created").Int()
	if created == 0 {
		created = time.Now().Unix()
	}

	return &core.CompletionResponse{
		ID:           id,
		Content:      content.String(),
		ModelUsed:    model,
		FinishReason: choice.Get("finish_reason").String(),
		Usage: core.NewTokenUsage(
			int(parsed.Get("usage.prompt_tokens").Int()),
			int(parsed.Get("usage.completion_tokens").Int()),
			p.caps,
		),
		Provider: p.name,
		Created:  created,
	}, nil
}

// StreamComplete returns the OpenAI SSE stream unchanged (caller must close)
func (p *Provider) StreamComplete(ctx context.Context, req *core.CompletionRequest) (io.ReadCloser, error) {
	body := p.buildChatRequest(req)
	body.Stream = true
	body.StreamOptions = &streamOptions{IncludeUsage: true}
	return p.client.DoStream(ctx, llmclient.Request{
		Method:   http.MethodPost,
		Endpoint: "/chat/completions",
		Body:     body,
	})
}

// ValidateCredentials lists models, which costs no tokens
func (p *Provider) ValidateCredentials(ctx context.Context) error {
	_, err := p.client.DoRaw(ctx, llmclient.Request{
		Method:   http.MethodGet,
		Endpoint: "/models",
	})
	return err
}
