// Package core defines the canonical types, error taxonomy and provider contract
// shared by every part of the orchestration core.
package core

import (
	"context"
	"io"
)

// Provider is a single AI backend. Implementations translate the canonical
// request into their vendor wire format and back.
type Provider interface {
	// Name returns the configured provider name (e.g. "anthropic", "openai-backup")
	Name() string

	// Complete executes one completion call
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error)

	// StreamComplete returns an OpenAI-style SSE stream (caller must close)
	StreamComplete(ctx context.Context, req *CompletionRequest) (io.ReadCloser, error)

	// Capabilities returns the static limits and pricing of the backend
	Capabilities() Capabilities

	// EstimateTokens approximates the prompt token count of req
	EstimateTokens(req *CompletionRequest) int
}

// CredentialValidator is implemented by providers that can cheaply verify their credential.
type CredentialValidator interface {
	ValidateCredentials(ctx context.Context) error
}
