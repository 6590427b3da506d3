// Package anthropic provides the Anthropic Messages API backend.
package anthropic

import (
	"context"
	"encoding/json"
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

// Registration provides factory registration for the Anthropic provider.
var Registration = providers.Registration{
	Type: "anthropic",
	New:  New,
}

const (
	defaultBaseURL      = "https://api.anthropic.com/v1"
	anthropicAPIVersion = "2023-06-01"
	defaultModel        = "claude-3-5-sonnet-20241022"
	// The Messages API requires max_tokens on every request
	defaultMaxTokens = 4096
)

var defaultCapabilities = core.Capabilities{
	MaxTokens:          100000,
	ContextWindow:      200000,
	SupportsStreaming:  true,
	SupportsFunctions:  true,
	SupportsVision:     true,
	InputCostPerToken:  0.00001,
	OutputCostPerToken: 0.00003,
}

// Provider implements core.Provider for Anthropic
type Provider struct {
	name   string
	cfg    config.ProviderConfig
	caps   core.Capabilities
	client *llmclient.Client
	apiKey string
}

// New creates a new Anthropic provider
func New(opts providers.ProviderOptions) core.Provider {
	return newProvider(opts)
}

func newProvider(opts providers.ProviderOptions) *Provider {
	name := opts.Name
	if name == "" {
		name = "anthropic"
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

func (p *Provider) setHeaders(req *http.Request) {
	req.Header.Set("x-api-key", p.apiKey)
	req.Header.Set("anthropic-version", anthropicAPIVersion)
}

// Name returns the configured provider name
func (p *Provider) Name() string { return p.name }

// Capabilities returns the provider limits and pricing
func (p *Provider) Capabilities() core.Capabilities { return p.caps }

// EstimateTokens approximates the prompt token count
func (p *Provider) EstimateTokens(req *core.CompletionRequest) int {
	return providers.EstimateTokens(req)
}

// anthropicRequest represents the Anthropic API request format
type anthropicRequest struct {
	Model         string             `json:"model"`
	Messages      []anthropicMessage `json:"messages"`
	MaxTokens     int                `json:"max_tokens"`
	Temperature   *float64           `json:"temperature,omitempty"`
	TopP          *float64           `json:"top_p,omitempty"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
	System        string             `json:"system,omitempty"`
	Stream        bool               `json:"stream,omitempty"`
}

// anthropicMessage represents a message in Anthropic format
type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// convertToAnthropicRequest moves system messages into the top-level system
// field and keeps user/assistant turns in order.
func (p *Provider) convertToAnthropicRequest(req *core.CompletionRequest) *anthropicRequest {
	prepared := providers.PrepareRequest(req, p.cfg, p.caps, defaultModel, defaultMaxTokens)

	out := &anthropicRequest{
		Model:         prepared.Model,
		Messages:      make([]anthropicMessage, 0, len(prepared.Messages)),
		MaxTokens:     prepared.MaxTokens,
		Temperature:   prepared.Temperature,
		TopP:          prepared.TopP,
		StopSequences: prepared.Stop,
	}

	var system []string
	for _, msg := range prepared.Messages {
		if msg.Role == core.RoleSystem {
			system = append(system, msg.Content)
			continue
		}
		out.Messages = append(out.Messages, anthropicMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		})
	}
	out.System = strings.Join(system, "\n\n")

	return out
}

// Complete sends a completion request to the Messages API
func (p *Provider) Complete(ctx context.Context, req *core.CompletionRequest) (*core.CompletionResponse, error) {
	body := p.convertToAnthropicRequest(req)
	resp, err := p.client.DoRaw(ctx, llmclient.Request{
		Method:   http.MethodPost,
		Endpoint: "/messages",
		Body:     body,
	})
	if err != nil {
		return nil, err
	}
	return p.convertFromAnthropicResponse(resp.Body, body.Model)
}

// convertFromAnthropicResponse joins every text block. Missing usage degrades to zero.
func (p *Provider) convertFromAnthropicResponse(body []byte, requestedModel string) (*core.CompletionResponse, error) {
	if !gjson.ValidBytes(body) {
		return nil, core.NewMalformedResponseError(p.name, "response is not valid JSON", nil)
	}
	parsed := gjson.ParseBytes(body)

	blocks := parsed.Get("content")
	if !blocks.IsArray() {
		return nil, core.NewMalformedResponseError(p.name, "response has no content blocks", nil)
	}
	var text strings.Builder
	blocks.ForEach(func(_, block gjson.Result) bool {
		if block.Get("type").String() == "text" {
			text.WriteString(block.Get("text").String())
		}
		return true
	})

	id := parsed.Get("id").String()
	if id == "" {
		id = providers.NewResponseID()
	}
	model := parsed.Get("model").String()
	if model == "" {
		model = requestedModel
	}
	finishReason := parsed.Get("stop_reason").String()
	if finishReason == "" {
		finishReason = "stop"
	}

	return &core.CompletionResponse{
		ID:           id,
		Content:      text.String(),
		ModelUsed:    model,
		FinishReason: finishReason,
		Usage: core.NewTokenUsage(
			int(parsed.Get("usage.input_tokens").Int()),
			int(parsed.Get("usage.output_tokens").Int()),
			p.caps,
		),
		Provider: p.name,
		Created:  time.Now().Unix(),
	}, nil
}

// StreamComplete returns the Anthropic event stream converted to OpenAI SSE (caller must close)
func (p *Provider) StreamComplete(ctx context.Context, req *core.CompletionRequest) (io.ReadCloser, error) {
	body := p.convertToAnthropicRequest(req)
	body.Stream = true

	stream, err := p.client.DoStream(ctx, llmclient.Request{
		Method:   http.MethodPost,
		Endpoint: "/messages",
		Body:     body,
	})
	if err != nil {
		return nil, err
	}
	return providers.NewSSEConverter(stream, newEventConverter(body.Model)), nil
}

// anthropicStreamEvent represents a streaming event from Anthropic
type anthropicStreamEvent struct {
	Type    string `json:"type"`
	Message *struct {
		ID string `json:"id"`
	} `json:"message,omitempty"`
	Delta *struct {
		Type       string `json:"type"`
		Text       string `json:"text,omitempty"`
		StopReason string `json:"stop_reason,omitempty"`
	} `json:"delta,omitempty"`
}

// newEventConverter keeps the message ID from message_start and emits content
// and finish chunks for text deltas and message_delta.
func newEventConverter(model string) providers.EventConverter {
	msgID := providers.NewResponseID()
	return func(data []byte) []byte {
		var event anthropicStreamEvent
		if err := json.Unmarshal(data, &event); err != nil {
			return nil
		}
		switch event.Type {
		case "message_start":
			if event.Message != nil && event.Message.ID != "" {
				msgID = event.Message.ID
			}
		case "content_block_delta":
			if event.Delta != nil && event.Delta.Text != "" {
				return providers.FormatChunk(msgID, model, event.Delta.Text, "")
			}
		case "message_delta":
			if event.Delta != nil && event.Delta.StopReason != "" {
				return providers.FormatChunk(msgID, model, "", event.Delta.StopReason)
			}
		}
		return nil
	}
}

// ValidateCredentials runs a one-token completion
func (p *Provider) ValidateCredentials(ctx context.Context) error {
	return providers.ValidateWithProbe(ctx, p)
}
