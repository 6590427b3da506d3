// Package gemini provides Google Gemini generateContent integration.
package gemini

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

// Registration provides factory registration for the Gemini provider.
var Registration = providers.Registration{
	Type: "gemini",
	New:  New,
}

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	defaultModel   = "gemini-1.5-flash"
)

var defaultCapabilities = core.Capabilities{
	MaxTokens:          8192,
	ContextWindow:      1000000,
	SupportsStreaming:  true,
	SupportsFunctions:  true,
	SupportsVision:     true,
	InputCostPerToken:  0.00000125,
	OutputCostPerToken: 0.000005,
}

// Provider implements core.Provider for Google Gemini
type Provider struct {
	name   string
	cfg    config.ProviderConfig
	caps   core.Capabilities
	client *llmclient.Client
	apiKey string
}

// New creates a new Gemini provider
func New(opts providers.ProviderOptions) core.Provider {
	return newProvider(opts)
}

func newProvider(opts providers.ProviderOptions) *Provider {
	name := opts.Name
	if name == "" {
		name = "gemini"
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

// setHeaders authenticates with a header so the key never appears in URLs or logs
func (p *Provider) setHeaders(req *http.Request) {
	req.Header.Set("x-goog-api-key", p.apiKey)
}

// Name returns the configured provider name
func (p *Provider) Name() string { return p.name }

// Capabilities returns the provider limits and pricing
func (p *Provider) Capabilities() core.Capabilities { return p.caps }

// EstimateTokens approximates the prompt token count
func (p *Provider) EstimateTokens(req *core.CompletionRequest) int {
	return providers.EstimateTokens(req)
}

type part struct {
	Text string `json:"text"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type generationConfig struct {
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

// generateRequest is the generateContent body
type generateRequest struct {
	SystemInstruction *content         `json:"systemInstruction,omitempty"`
	Contents          []content        `json:"contents"`
	GenerationConfig  generationConfig `json:"generationConfig"`
}

// buildRequest returns the resolved model and the native body. System messages
// become systemInstruction and the assistant role is renamed to "model".
func (p *Provider) buildRequest(req *core.CompletionRequest) (string, *generateRequest) {
	prepared := providers.PrepareRequest(req, p.cfg, p.caps, defaultModel, 0)

	out := &generateRequest{
		Contents: make([]content, 0, len(prepared.Messages)),
		GenerationConfig: generationConfig{
			MaxOutputTokens: prepared.MaxTokens,
			Temperature:     prepared.Temperature,
			TopP:            prepared.TopP,
			StopSequences:   prepared.Stop,
		},
	}

	var system []part
	for _, msg := range prepared.Messages {
		switch msg.Role {
		case core.RoleSystem:
			system = append(system, part{Text: msg.Content})
		case core.RoleAssistant:
			out.Contents = append(out.Contents, content{Role: "model", Parts: []part{{Text: msg.Content}}})
		default:
			out.Contents = append(out.Contents, content{Role: "user", Parts: []part{{Text: msg.Content}}})
		}
	}
	if len(system) > 0 {
		out.SystemInstruction = &content{Parts: system}
	}
	return prepared.Model, out
}

// Complete calls models/{model}:generateContent
func (p *Provider) Complete(ctx context.Context, req *core.CompletionRequest) (*core.CompletionResponse, error) {
	model, body := p.buildRequest(req)
	resp, err := p.client.DoRaw(ctx, llmclient.Request{
		Method:   http.MethodPost,
		Endpoint: "/models/" + model + ":generateContent",
		Body:     body,
	})
	if err != nil {
		return nil, err
	}
	return p.parseResponse(resp.Body, model)
}

// parseResponse reads the first candidate. Missing usage is reported as zero.
func (p *Provider) parseResponse(body []byte, requestedModel string) (*core.CompletionResponse, error) {
	if !gjson.ValidBytes(body) {
		return nil, core.NewMalformedResponseError(p.name, "response is not valid JSON", nil)
	}
	parsed := gjson.ParseBytes(body)

	candidate := parsed.Get("candidates.0")
	if !candidate.Exists() {
		reason := parsed.Get("promptFeedback.blockReason").String()
		if reason != "" {
			return nil, core.NewMalformedResponseError(p.name, "prompt blocked: "+reason, nil)
		}
		return nil, core.NewMalformedResponseError(p.name, "response contains no candidates", nil)
	}

	id := parsed.Get("responseId").String()
	if id == "" {
		id = providers.NewResponseID()
	}
	model := parsed.Get("modelVersion").String()
	if model == "" {
		model = requestedModel
	}

	return &core.CompletionResponse{
		ID:           id,
		Content:      joinParts(candidate),
		ModelUsed:    model,
		FinishReason: normalizeFinishReason(candidate.Get("finishReason").String()),
		Usage: core.NewTokenUsage(
			int(parsed.Get("usageMetadata.promptTokenCount").Int()),
			int(parsed.Get("usageMetadata.candidatesTokenCount").Int()),
			p.caps,
		),
		Provider: p.name,
		Created:  time.Now().Unix(),
	}, nil
}

func joinParts(candidate gjson.Result) string {
	var text strings.Builder
	candidate.Get("content.parts").ForEach(func(_, part gjson.Result) bool {
		text.WriteString(part.Get("text").String())
		return true
	})
	return text.String()
}

// normalizeFinishReason maps Gemini's upper-case reasons onto OpenAI vocabulary
func normalizeFinishReason(reason string) string {
	switch reason {
	case "", "STOP":
		return "stop"
	case "MAX_TOKENS":
		return "length"
	case "SAFETY", "RECITATION", "BLOCKLIST", "PROHIBITED_CONTENT":
		return "content_filter"
	default:
		return strings.ToLower(reason)
	}
}

// StreamComplete calls streamGenerateContent in SSE mode and converts each
// event to an OpenAI chunk (caller must close)
func (p *Provider) StreamComplete(ctx context.Context, req *core.CompletionRequest) (io.ReadCloser, error) {
	model, body := p.buildRequest(req)
	stream, err := p.client.DoStream(ctx, llmclient.Request{
		Method:   http.MethodPost,
		Endpoint: "/models/" + model + ":streamGenerateContent?alt=sse",
		Body:     body,
	})
	if err != nil {
		return nil, err
	}
	return providers.NewSSEConverter(stream, newEventConverter(model)), nil
}

func newEventConverter(model string) providers.EventConverter {
	id := providers.NewResponseID()
	return func(data []byte) []byte {
		if !gjson.ValidBytes(data) {
			return nil
		}
		candidate := gjson.GetBytes(data, "candidates.0")
		if !candidate.Exists() {
			return nil
		}
		var out []byte
		if text := joinParts(candidate); text != "" {
			out = append(out, providers.FormatChunk(id, model, text, "")...)
		}
		if reason := candidate.Get("finishReason").String(); reason != "" {
			out = append(out, providers.FormatChunk(id, model, "", normalizeFinishReason(reason))...)
		}
		return out
	}
}

// ValidateCredentials lists models, which costs no tokens
func (p *Provider) ValidateCredentials(ctx context.Context) error {
	_, err := p.client.DoRaw(ctx, llmclient.Request{
		Method:   http.MethodGet,
		Endpoint: "/models?pageSize=1",
	})
	return err
}
