// Package server provides the HTTP surface of the orchestrator.
package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"aiorch/internal/cache"
	"aiorch/internal/core"
	"aiorch/internal/orchestrator"
)

// statusClientClosedRequest is written when the caller went away before a result existed
const statusClientClosedRequest = 499

// Service is the orchestrator surface the handlers depend on
type Service interface {
	Complete(ctx context.Context, req *core.CompletionRequest) (*core.CompletionResponse, error)
	Stream(ctx context.Context, req *core.CompletionRequest) (*orchestrator.Stream, error)
	Providers() []orchestrator.ProviderInfo
	Health() []orchestrator.ProviderHealth
	CheckHealth(ctx context.Context) map[string]bool
	Reset(name string) error
	CacheStats(ctx context.Context) (cache.Stats, error)
	ClearCache(ctx context.Context) (int64, error)
}

// Handler holds the HTTP handlers
type Handler struct {
	svc Service
	now func() time.Time
}

// NewHandler creates a new handler over svc
func NewHandler(svc Service) *Handler {
	return &Handler{
		svc: svc,
		now: time.Now,
	}
}

// completionBody is the POST /api/ai/complete request
type completionBody struct {
	Model       string         `json:"model"`
	Messages    []core.Message `json:"messages"`
	MaxTokens   int            `json:"max_tokens"`
	Temperature *float64       `json:"temperature"`
	TopP        *float64       `json:"top_p"`
	Stop        []string       `json:"stop"`
	Stream      bool           `json:"stream"`
}

func (b *completionBody) request() *core.CompletionRequest {
	return &core.CompletionRequest{
		Model:       b.Model,
		Messages:    b.Messages,
		MaxTokens:   b.MaxTokens,
		Temperature: b.Temperature,
		TopP:        b.TopP,
		Stop:        b.Stop,
	}
}

type completionMessage struct {
	Role    core.Role `json:"role"`
	Content string    `json:"content"`
}

type completionChoice struct {
	Index        int               `json:"index"`
	Message      completionMessage `json:"message"`
	FinishReason string            `json:"finish_reason"`
}

// completionResponse is the OpenAI-compatible result body with the serving
// provider and cache flag added.
type completionResponse struct {
	ID       string             `json:"id"`
	Object   string             `json:"object"`
	Created  int64              `json:"created"`
	Model    string             `json:"model"`
	Choices  []completionChoice `json:"choices"`
	Usage    core.TokenUsage    `json:"usage"`
	Provider string             `json:"provider"`
	Cached   bool               `json:"cached"`
}

func newCompletionResponse(resp *core.CompletionResponse) completionResponse {
	return completionResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: resp.Created,
		Model:   resp.ModelUsed,
		Choices: []completionChoice{{
			Index:        0,
			Message:      completionMessage{Role: core.RoleAssistant, Content: resp.Content},
			FinishReason: resp.FinishReason,
		}},
		Usage:    resp.Usage,
		Provider: resp.Provider,
		Cached:   resp.Cached,
	}
}

// Complete handles POST /api/ai/complete
func (h *Handler) Complete(c echo.Context) error {
	var body completionBody
	if err := c.Bind(&body); err != nil {
		return handleError(c, core.NewInvalidRequestError("invalid request body: "+err.Error(), err))
	}
	req := body.request()
	ctx := c.Request().Context()

	if body.Stream {
		return h.stream(c, req)
	}

	resp, err := h.svc.Complete(ctx, req)
	if err != nil {
		return handleError(c, err)
	}
	c.Response().Header().Set(HeaderProvider, resp.Provider)
	return c.JSON(http.StatusOK, newCompletionResponse(resp))
}

// stream proxies the normalized SSE stream of the first provider that opens one
func (h *Handler) stream(c echo.Context, req *core.CompletionRequest) error {
	stream, err := h.svc.Stream(c.Request().Context(), req)
	if err != nil {
		return handleError(c, err)
	}
	defer func() {
		_ = stream.Body.Close() //nolint:errcheck
	}()

	header := c.Response().Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set(HeaderProvider, stream.Provider)
	c.Response().WriteHeader(http.StatusOK)

	if err := copyFlushing(c.Response(), stream.Body); err != nil {
		// Headers are already sent
		slog.Warn("stream interrupted",
			"provider", stream.Provider,
			"request_id", core.GetRequestID(c.Request().Context()),
			"error", err,
		)
	}
	return nil
}

// copyFlushing copies src to the response, flushing after every read so SSE
// chunks reach the caller as they arrive.
func copyFlushing(w *echo.Response, src io.Reader) error {
	buf := make([]byte, 4096)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
			w.Flush()
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// Health handles GET /health
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// Providers handles GET /api/ai/providers
func (h *Handler) Providers(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"providers": h.svc.Providers(),
	})
}

// ProvidersHealth handles GET /api/ai/providers/health
func (h *Handler) ProvidersHealth(c echo.Context) error {
	statuses := h.svc.Health()
	out := make(map[string]orchestrator.ProviderHealth, len(statuses))
	for _, s := range statuses {
		out[s.Name] = s
	}
	return c.JSON(http.StatusOK, out)
}

// CheckHealth handles POST /api/ai/providers/health/check
func (h *Handler) CheckHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, h.svc.CheckHealth(c.Request().Context()))
}

// ResetProvider handles POST /api/ai/providers/:name/reset
func (h *Handler) ResetProvider(c echo.Context) error {
	name := c.Param("name")
	if err := h.svc.Reset(name); err != nil {
		return handleError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"reset":     true,
		"provider":  name,
		"timestamp": h.now().UTC().Format(time.RFC3339),
	})
}

// ClearCache handles POST /api/ai/cache/clear
func (h *Handler) ClearCache(c echo.Context) error {
	removed, err := h.svc.ClearCache(c.Request().Context())
	if err != nil {
		slog.Error("cache clear failed", "error", err)
		return handleError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"cleared":   true,
		"removed":   removed,
		"timestamp": h.now().UTC().Format(time.RFC3339),
	})
}

// CacheStats handles GET /api/ai/cache/stats
func (h *Handler) CacheStats(c echo.Context) error {
	stats, err := h.svc.CacheStats(c.Request().Context())
	if err != nil {
		slog.Error("cache stats failed", "error", err)
		return handleError(c, err)
	}
	return c.JSON(http.StatusOK, stats)
}

// handleError converts gateway errors to appropriate HTTP responses
func handleError(c echo.Context, err error) error {
	var aggErr *core.AllProvidersFailedError
	if errors.As(err, &aggErr) {
		slog.Warn("all providers failed",
			"request_id", core.GetRequestID(c.Request().Context()),
			"error", aggErr.Error(),
		)
		gatewayErr := aggErr.GatewayError()
		return c.JSON(gatewayErr.HTTPStatusCode(), gatewayErr.ToJSON())
	}

	var gatewayErr *core.GatewayError
	if errors.As(err, &gatewayErr) {
		return c.JSON(gatewayErr.HTTPStatusCode(), gatewayErr.ToJSON())
	}

	if errors.Is(err, context.Canceled) {
		return c.NoContent(statusClientClosedRequest)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return c.JSON(http.StatusGatewayTimeout, map[string]interface{}{
			"error": map[string]interface{}{
				"type":    string(core.ErrorTypeTimeout),
				"message": "request deadline exceeded",
			},
		})
	}

	// Fallback for unexpected errors
	return c.JSON(http.StatusInternalServerError, map[string]interface{}{
		"error": map[string]interface{}{
			"type":    "internal_error",
			"message": "an unexpected error occurred",
		},
	})
}
