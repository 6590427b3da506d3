package core

import "fmt"

// Role identifies the author of a message
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the supported roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// Message represents a single message in the conversation
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest is the canonical, vendor-neutral completion request.
// Adapters must not mutate it; use Clone when a modified copy is needed.
type CompletionRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
	TopP        *float64  `json:"top_p,omitempty"`
	Stop        []string  `json:"stop,omitempty"`
}

// Clone returns a deep copy of the request.
func (r *CompletionRequest) Clone() *CompletionRequest {
	out := &CompletionRequest{
		Model:     r.Model,
		MaxTokens: r.MaxTokens,
	}
	if r.Messages != nil {
		out.Messages = append([]Message(nil), r.Messages...)
	}
	if r.Stop != nil {
		out.Stop = append([]string(nil), r.Stop...)
	}
	if r.Temperature != nil {
		t := *r.Temperature
		out.Temperature = &t
	}
	if r.TopP != nil {
		p := *r.TopP
		out.TopP = &p
	}
	return out
}

// Validate checks the request for values no provider could accept. An empty model
// is allowed; adapters substitute their configured default.
func (r *CompletionRequest) Validate() error {
	if len(r.Messages) == 0 {
		return NewInvalidRequestError("messages must contain at least one message", nil)
	}
	for i, m := range r.Messages {
		if !m.Role.Valid() {
			return NewInvalidRequestError(fmt.Sprintf("messages[%d]: unsupported role %q", i, m.Role), nil)
		}
	}
	if r.MaxTokens < 0 {
		return NewInvalidRequestError("max_tokens must not be negative", nil)
	}
	if r.Temperature != nil && (*r.Temperature < 0 || *r.Temperature > 2) {
		return NewInvalidRequestError("temperature must be between 0 and 2", nil)
	}
	if r.TopP != nil && (*r.TopP <= 0 || *r.TopP > 1) {
		return NewInvalidRequestError("top_p must be in (0, 1]", nil)
	}
	return nil
}

// TokenUsage is the canonical token accounting for one completion
type TokenUsage struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	EstimatedCost    float64 `json:"estimated_cost"`
}

// NewTokenUsage builds a TokenUsage and prices it with the given capabilities.
func NewTokenUsage(prompt, completion int, caps Capabilities) TokenUsage {
	if prompt < 0 {
		prompt = 0
	}
	if completion < 0 {
		completion = 0
	}
	return TokenUsage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
		EstimatedCost:    float64(prompt)*caps.InputCostPerToken + float64(completion)*caps.OutputCostPerToken,
	}
}

// CompletionResponse is the canonical completion result
type CompletionResponse struct {
	ID           string     `json:"id"`
	Content      string     `json:"content"`
	ModelUsed    string     `json:"model_used"`
	FinishReason string     `json:"finish_reason,omitempty"`
	Usage        TokenUsage `json:"usage"`
	Provider     string     `json:"provider"`
	Cached       bool       `json:"cached"`
	Created      int64      `json:"created"`
}

// Capabilities describes the static limits and pricing of a provider
type Capabilities struct {
	MaxTokens          int     `json:"max_tokens"`
	ContextWindow      int     `json:"context_window"`
	SupportsStreaming  bool    `json:"supports_streaming"`
	SupportsFunctions  bool    `json:"supports_functions"`
	SupportsVision     bool    `json:"supports_vision"`
	InputCostPerToken  float64 `json:"input_cost_per_token"`
	OutputCostPerToken float64 `json:"output_cost_per_token"`
}

// ClampMaxTokens returns the requested token budget limited to the capability ceiling.
func (c Capabilities) ClampMaxTokens(requested int) int {
	if c.MaxTokens > 0 && requested > c.MaxTokens {
		return c.MaxTokens
	}
	return requested
}
