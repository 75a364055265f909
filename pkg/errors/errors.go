// Package errors defines the error taxonomy of the routing engine.
// Provider adapters translate vendor failures into LLMError values, and the
// engine uses the Type of an error to decide between retry, failover and
// returning to the caller.
package errors

import (
	"fmt"
	"net/http"
	"time"
)

// LLMError is a normalised failure from a provider or from the engine itself.
type LLMError struct {
	StatusCode int           `json:"status_code"`
	Message    string        `json:"message"`
	Type       string        `json:"type"`
	Code       string        `json:"code,omitempty"`
	Provider   string        `json:"provider,omitempty"`
	Model      string        `json:"model,omitempty"`
	Retryable  bool          `json:"-"`
	RetryAfter time.Duration `json:"-"`
}

// Error implements the error interface.
func (e *LLMError) Error() string {
	return fmt.Sprintf("[%s] %s (provider=%s, model=%s, code=%d)",
		e.Type, e.Message, e.Provider, e.Model, e.StatusCode)
}

// HTTPStatusCode returns the status to report to the client.
func (e *LLMError) HTTPStatusCode() int {
	if e.StatusCode > 0 {
		return e.StatusCode
	}
	return http.StatusInternalServerError
}

// Error types. The first group comes from providers, the second from the
// engine.
const (
	TypeAuthentication     = "authentication_error"
	TypePermission         = "permission_error"
	TypeRateLimit          = "rate_limit_error"
	TypeInvalidRequest     = "invalid_request_error"
	TypeNotFound           = "not_found_error"
	TypeTimeout            = "timeout_error"
	TypeServiceUnavailable = "service_unavailable_error"
	TypeInternalError      = "internal_error"
	TypeContextLength      = "context_length_exceeded"
	TypeContentPolicy      = "content_policy_violation"

	TypeQuotaExceeded          = "quota_exceeded_error"
	TypeNoProviders            = "no_providers_available"
	TypeAllProvidersExhausted  = "all_providers_exhausted"
	TypeStreamInterrupted      = "stream_interrupted_error"
	TypeRequestCanceled        = "request_canceled"
	CodeModelNotFound          = "model_not_found"
	CodeNoHealthyProviders     = "no_healthy_providers"
	CodeProviderQuotaExhausted = "provider_quota_exhausted"
)

// NewAuthenticationError creates an authentication error (401).
func NewAuthenticationError(provider, model, message string) *LLMError {
	return &LLMError{
		StatusCode: http.StatusUnauthorized,
		Message:    message,
		Type:       TypeAuthentication,
		Provider:   provider,
		Model:      model,
	}
}

// NewPermissionError creates a permission error (403).
func NewPermissionError(provider, model, message string) *LLMError {
	return &LLMError{
		StatusCode: http.StatusForbidden,
		Message:    message,
		Type:       TypePermission,
		Provider:   provider,
		Model:      model,
	}
}

// NewRateLimitError creates a provider-side rate limit error (429).
func NewRateLimitError(provider, model, message string) *LLMError {
	return &LLMError{
		StatusCode: http.StatusTooManyRequests,
		Message:    message,
		Type:       TypeRateLimit,
		Provider:   provider,
		Model:      model,
		Retryable:  true,
	}
}

// NewInvalidRequestError creates an invalid request error (400).
func NewInvalidRequestError(provider, model, message string) *LLMError {
	return &LLMError{
		StatusCode: http.StatusBadRequest,
		Message:    message,
		Type:       TypeInvalidRequest,
		Provider:   provider,
		Model:      model,
	}
}

// NewNotFoundError creates a not found error (404).
func NewNotFoundError(provider, model, message string) *LLMError {
	return &LLMError{
		StatusCode: http.StatusNotFound,
		Message:    message,
		Type:       TypeNotFound,
		Provider:   provider,
		Model:      model,
	}
}

// NewTimeoutError creates a timeout error (408).
func NewTimeoutError(provider, model, message string) *LLMError {
	return &LLMError{
		StatusCode: http.StatusRequestTimeout,
		Message:    message,
		Type:       TypeTimeout,
		Provider:   provider,
		Model:      model,
		Retryable:  true,
	}
}

// NewServiceUnavailableError creates a service unavailable error (503).
func NewServiceUnavailableError(provider, model, message string) *LLMError {
	return &LLMError{
		StatusCode: http.StatusServiceUnavailable,
		Message:    message,
		Type:       TypeServiceUnavailable,
		Provider:   provider,
		Model:      model,
		Retryable:  true,
	}
}

// NewInternalError creates a provider internal error (500). Upstream 5xx
// responses are usually transient, so the error is retryable.
func NewInternalError(provider, model, message string) *LLMError {
	return &LLMError{
		StatusCode: http.StatusInternalServerError,
		Message:    message,
		Type:       TypeInternalError,
		Provider:   provider,
		Model:      model,
		Retryable:  true,
	}
}

// NewQuotaExceededError reports that the gateway's own quota for a provider
// is used up. retryAfter is the time until capacity frees up.
func NewQuotaExceededError(provider, model string, retryAfter time.Duration) *LLMError {
	return &LLMError{
		StatusCode: http.StatusTooManyRequests,
		Message:    "local quota exhausted for every eligible provider",
		Type:       TypeQuotaExceeded,
		Code:       CodeProviderQuotaExhausted,
		Provider:   provider,
		Model:      model,
		RetryAfter: retryAfter,
	}
}

// NewModelNotFoundError reports that no provider serves the model.
func NewModelNotFoundError(model string) *LLMError {
	return &LLMError{
		StatusCode: http.StatusNotFound,
		Message:    fmt.Sprintf("no provider is configured for model %q", model),
		Type:       TypeNoProviders,
		Code:       CodeModelNotFound,
		Model:      model,
	}
}

// NewNoHealthyProvidersError reports that every provider of the model is
// cooling down.
func NewNoHealthyProvidersError(model string) *LLMError {
	return &LLMError{
		StatusCode: http.StatusServiceUnavailable,
		Message:    fmt.Sprintf("all providers for model %q are cooling down", model),
		Type:       TypeNoProviders,
		Code:       CodeNoHealthyProviders,
		Model:      model,
	}
}

// NewStreamInterruptedError reports an upstream failure after output was
// already forwarded to the client.
func NewStreamInterruptedError(provider, model string, cause error) *LLMError {
	msg := "upstream stream interrupted"
	if cause != nil {
		msg = fmt.Sprintf("upstream stream interrupted: %v", cause)
	}
	return &LLMError{
		StatusCode: http.StatusBadGateway,
		Message:    msg,
		Type:       TypeStreamInterrupted,
		Provider:   provider,
		Model:      model,
	}
}

// FromStatus maps an upstream HTTP status to an LLMError.
func FromStatus(status int, provider, model, message string) *LLMError {
	switch {
	case status == http.StatusUnauthorized:
		return NewAuthenticationError(provider, model, message)
	case status == http.StatusForbidden:
		return NewPermissionError(provider, model, message)
	case status == http.StatusNotFound:
		return NewNotFoundError(provider, model, message)
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		e := NewTimeoutError(provider, model, message)
		e.StatusCode = status
		return e
	case status == http.StatusTooManyRequests:
		return NewRateLimitError(provider, model, message)
	case status == http.StatusRequestEntityTooLarge:
		e := NewInvalidRequestError(provider, model, message)
		e.Type = TypeContextLength
		e.StatusCode = status
		return e
	case status == http.StatusUnprocessableEntity || status == http.StatusBadRequest:
		e := NewInvalidRequestError(provider, model, message)
		e.StatusCode = status
		return e
	case status == http.StatusServiceUnavailable || status == http.StatusBadGateway:
		e := NewServiceUnavailableError(provider, model, message)
		e.StatusCode = status
		return e
	case status >= 500:
		e := NewInternalError(provider, model, message)
		e.StatusCode = status
		return e
	default:
		e := NewInvalidRequestError(provider, model, message)
		e.StatusCode = status
		return e
	}
}
