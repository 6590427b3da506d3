package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
)

// ErrorType represents the type of error that occurred
type ErrorType string

const (
	// ErrorTypeProviderUnavailable indicates the backend could not serve the call (5xx, auth, transport)
	ErrorTypeProviderUnavailable ErrorType = "provider_unavailable"
	// ErrorTypeTimeout indicates the per-call deadline elapsed
	ErrorTypeTimeout ErrorType = "provider_timeout"
	// ErrorTypeUnauthorized indicates the vendor rejected the credential (401/403)
	ErrorTypeUnauthorized ErrorType = "unauthorized"
	// ErrorTypeVendorRateLimit indicates the vendor answered 429
	ErrorTypeVendorRateLimit ErrorType = "vendor_rate_limited"
	// ErrorTypeTransport indicates the request never produced an HTTP response
	ErrorTypeTransport ErrorType = "transport_error"
	// ErrorTypeMalformedResponse indicates the vendor payload could not be translated
	ErrorTypeMalformedResponse ErrorType = "malformed_response"
	// ErrorTypeRateLimited indicates the caller exceeded the ingress limit (429)
	ErrorTypeRateLimited ErrorType = "rate_limited"
	// ErrorTypeCircuitOpen indicates a fast-fail without contacting the provider
	ErrorTypeCircuitOpen ErrorType = "circuit_open"
	// ErrorTypeAllProvidersFailed is the aggregate returned once every provider was exhausted
	ErrorTypeAllProvidersFailed ErrorType = "all_providers_failed"
	// ErrorTypeInvalidRequest indicates a client error (4xx)
	ErrorTypeInvalidRequest ErrorType = "invalid_request"
	// ErrorTypeNotFound indicates a not found error (404)
	ErrorTypeNotFound ErrorType = "not_found"
)

// GatewayError is the base error type for all orchestration errors
type GatewayError struct {
	Type       ErrorType `json:"type"`
	Message    string    `json:"message"`
	StatusCode int       `json:"status_code"`
	Provider   string    `json:"provider,omitempty"`
	// Original error for debugging (not exposed to clients)
	Err error `json:"-"`
}

// Error implements the error interface
func (e *GatewayError) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Provider, e.Type, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap implements the error unwrapping interface
func (e *GatewayError) Unwrap() error {
	return e.Err
}

// HTTPStatusCode returns the status code the HTTP surface answers with
func (e *GatewayError) HTTPStatusCode() int {
	switch e.Type {
	case ErrorTypeRateLimited:
		return http.StatusTooManyRequests
	case ErrorTypeInvalidRequest:
		if e.StatusCode >= 400 && e.StatusCode < 500 {
			return e.StatusCode
		}
		return http.StatusBadRequest
	case ErrorTypeNotFound:
		return http.StatusNotFound
	case ErrorTypeAllProvidersFailed, ErrorTypeMalformedResponse, ErrorTypeProviderUnavailable,
		ErrorTypeTransport, ErrorTypeUnauthorized, ErrorTypeVendorRateLimit:
		return http.StatusBadGateway
	case ErrorTypeTimeout:
		return http.StatusGatewayTimeout
	case ErrorTypeCircuitOpen:
		return http.StatusServiceUnavailable
	}
	if e.StatusCode != 0 {
		return e.StatusCode
	}
	return http.StatusInternalServerError
}

// ToJSON converts the error to a JSON-compatible map
func (e *GatewayError) ToJSON() map[string]interface{} {
	return map[string]interface{}{
		"error": map[string]interface{}{
			"type":    e.Type,
			"message": e.Message,
		},
	}
}

// Retryable reports whether the fallback loop may try another provider.
func (e *GatewayError) Retryable() bool {
	return e.Type != ErrorTypeInvalidRequest && e.Type != ErrorTypeNotFound
}

// NewProviderError creates an upstream failure (5xx or unclassified)
func NewProviderError(provider string, statusCode int, message string, err error) *GatewayError {
	return &GatewayError{
		Type:       ErrorTypeProviderUnavailable,
		Message:    message,
		StatusCode: statusCode,
		Provider:   provider,
		Err:        err,
	}
}

// NewTimeoutError creates a per-call deadline failure
func NewTimeoutError(provider string, err error) *GatewayError {
	return &GatewayError{
		Type:       ErrorTypeTimeout,
		Message:    "provider call timed out",
		StatusCode: http.StatusGatewayTimeout,
		Provider:   provider,
		Err:        err,
	}
}

// NewUnauthorizedError creates a credential rejection from the vendor
func NewUnauthorizedError(provider string, statusCode int, message string) *GatewayError {
	return &GatewayError{
		Type:       ErrorTypeUnauthorized,
		Message:    message,
		StatusCode: statusCode,
		Provider:   provider,
	}
}

// NewVendorRateLimitError creates a 429 answered by the vendor
func NewVendorRateLimitError(provider string, message string) *GatewayError {
	return &GatewayError{
		Type:       ErrorTypeVendorRateLimit,
		Message:    message,
		StatusCode: http.StatusTooManyRequests,
		Provider:   provider,
	}
}

// NewTransportError creates a failure that produced no HTTP response
func NewTransportError(provider string, message string, err error) *GatewayError {
	return &GatewayError{
		Type:       ErrorTypeTransport,
		Message:    message,
		StatusCode: http.StatusBadGateway,
		Provider:   provider,
		Err:        err,
	}
}

// NewMalformedResponseError creates a failure to translate a vendor payload
func NewMalformedResponseError(provider string, message string, err error) *GatewayError {
	return &GatewayError{
		Type:       ErrorTypeMalformedResponse,
		Message:    message,
		StatusCode: http.StatusBadGateway,
		Provider:   provider,
		Err:        err,
	}
}

// NewRateLimitError creates a caller-facing ingress limit error (429)
func NewRateLimitError(message string) *GatewayError {
	return &GatewayError{
		Type:       ErrorTypeRateLimited,
		Message:    message,
		StatusCode: http.StatusTooManyRequests,
	}
}

// NewCircuitOpenError creates a fast-fail for a provider whose circuit is open
func NewCircuitOpenError(provider string) *GatewayError {
	return &GatewayError{
		Type:       ErrorTypeCircuitOpen,
		Message:    "circuit breaker is open - provider temporarily unavailable",
		StatusCode: http.StatusServiceUnavailable,
		Provider:   provider,
	}
}

// NewInvalidRequestError creates a new invalid request error (400)
func NewInvalidRequestError(message string, err error) *GatewayError {
	return NewInvalidRequestErrorWithStatus(http.StatusBadRequest, message, err)
}

// NewInvalidRequestErrorWithStatus creates a new invalid request error with a specific status code
func NewInvalidRequestErrorWithStatus(statusCode int, message string, err error) *GatewayError {
	return &GatewayError{
		Type:       ErrorTypeInvalidRequest,
		Message:    message,
		StatusCode: statusCode,
		Err:        err,
	}
}

// NewNotFoundError creates a new not found error (404)
func NewNotFoundError(message string) *GatewayError {
	return &GatewayError{
		Type:       ErrorTypeNotFound,
		Message:    message,
		StatusCode: http.StatusNotFound,
	}
}

// ParseProviderError classifies a non-2xx vendor response into a typed error
func ParseProviderError(provider string, statusCode int, body []byte, originalErr error) *GatewayError {
	message := strings.TrimSpace(string(body))
	if gjson.ValidBytes(body) {
		for _, path := range []string{"error.message", "message", "error"} {
			if v := gjson.GetBytes(body, path); v.Type == gjson.String && v.Str != "" {
				message = v.Str
				break
			}
		}
	}
	if message == "" {
		message = http.StatusText(statusCode)
	}

	switch {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return NewUnauthorizedError(provider, statusCode, message)
	case statusCode == http.StatusTooManyRequests:
		return NewVendorRateLimitError(provider, message)
	case statusCode == http.StatusRequestTimeout || statusCode == http.StatusGatewayTimeout:
		return NewTimeoutError(provider, originalErr)
	case statusCode >= 400 && statusCode < 500:
		// The vendor rejected the payload shape; another vendor may still accept it.
		return NewProviderError(provider, statusCode, message, originalErr)
	default:
		return NewProviderError(provider, http.StatusBadGateway, message, originalErr)
	}
}

// Attempt summarises one provider attempt inside a Complete call
type Attempt struct {
	Provider  string    `json:"provider"`
	ErrorType ErrorType `json:"error_type"`
	Message   string    `json:"message"`
}

// AllProvidersFailedError is returned once every configured provider was exhausted.
// Unwrap yields the last concrete cause.
type AllProvidersFailedError struct {
	Attempts []Attempt
	Last     error
}

func (e *AllProvidersFailedError) Error() string {
	names := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		names = append(names, a.Provider)
	}
	last := "no providers available"
	if e.Last != nil {
		last = e.Last.Error()
	}
	return fmt.Sprintf("all providers failed (tried: %s): %s", strings.Join(names, ", "), last)
}

func (e *AllProvidersFailedError) Unwrap() error {
	return e.Last
}

// GatewayError converts the aggregate into the client-facing form. Only the
// last cause's type is exposed; provider names and upstream messages stay in
// Attempts for logs.
func (e *AllProvidersFailedError) GatewayError() *GatewayError {
	msg := "all providers failed"
	if lastType := ErrorTypeOf(e.Last); lastType != "" {
		msg += "; last error: " + string(lastType)
	}
	return &GatewayError{
		Type:       ErrorTypeAllProvidersFailed,
		Message:    msg,
		StatusCode: http.StatusBadGateway,
		Err:        e,
	}
}

// ErrorTypeOf returns the ErrorType carried by err, or "" when err is untyped.
func ErrorTypeOf(err error) ErrorType {
	var agg *AllProvidersFailedError
	if errors.As(err, &agg) {
		return ErrorTypeAllProvidersFailed
	}
	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		return gwErr.Type
	}
	return ""
}

// IsRetryable reports whether a failed attempt should fall through to the next provider.
func IsRetryable(err error) bool {
	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		return gwErr.Retryable()
	}
	return true
}

// IsCallerCancelled reports whether the caller abandoned the request, in which case
// the failure must not be charged to the provider.
func IsCallerCancelled(ctx context.Context) bool {
	return ctx.Err() != nil
}
