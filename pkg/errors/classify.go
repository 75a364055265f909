package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Kind groups error types by how the engine reacts to them.
type Kind int

const (
	// KindTransient covers timeouts, upstream 5xx and unclassified transport
	// failures. Retried, then failed over.
	KindTransient Kind = iota
	// KindValidation is a malformed or unacceptable request. Returned as is.
	KindValidation
	// KindRateLimited is a 429 from the provider itself.
	KindRateLimited
	// KindQuotaExceeded is the gateway's own quota for a provider.
	KindQuotaExceeded
	// KindProviderFault is a provider misconfiguration (bad key, unknown
	// model). Not retried on the same provider but failed over.
	KindProviderFault
	// KindNoProviders means nothing could be dispatched at all.
	KindNoProviders
	// KindExhausted means every candidate was tried and failed.
	KindExhausted
	// KindStreamInterrupted is an upstream failure after output was sent.
	KindStreamInterrupted
	// KindCanceled is caller cancellation or deadline expiry.
	KindCanceled
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindValidation:
		return "validation"
	case KindRateLimited:
		return "rate_limited"
	case KindQuotaExceeded:
		return "quota_exceeded"
	case KindProviderFault:
		return "provider_fault"
	case KindNoProviders:
		return "no_providers"
	case KindExhausted:
		return "exhausted"
	case KindStreamInterrupted:
		return "stream_interrupted"
	case KindCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// KindOf classifies err. Errors that are not LLMError values are treated as
// transient transport failures unless they come from context cancellation.
func KindOf(err error) Kind {
	if err == nil {
		return KindTransient
	}
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return KindCanceled
	}
	var exhausted *ExhaustedError
	if stderrors.As(err, &exhausted) {
		return KindExhausted
	}
	var llmErr *LLMError
	if !stderrors.As(err, &llmErr) {
		return KindTransient
	}
	switch llmErr.Type {
	case TypeInvalidRequest, TypeContextLength, TypeContentPolicy:
		return KindValidation
	case TypeRateLimit:
		return KindRateLimited
	case TypeQuotaExceeded:
		return KindQuotaExceeded
	case TypeAuthentication, TypePermission, TypeNotFound:
		return KindProviderFault
	case TypeNoProviders:
		return KindNoProviders
	case TypeAllProvidersExhausted:
		return KindExhausted
	case TypeStreamInterrupted:
		return KindStreamInterrupted
	case TypeRequestCanceled:
		return KindCanceled
	default:
		return KindTransient
	}
}

// IsRetryable reports whether the same provider may be called again.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var llmErr *LLMError
	if stderrors.As(err, &llmErr) {
		return llmErr.Retryable
	}
	switch KindOf(err) {
	case KindTransient:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether err must go straight back to the caller without
// trying another provider.
func IsTerminal(err error) bool {
	switch KindOf(err) {
	case KindValidation, KindCanceled:
		return true
	default:
		return false
	}
}

// IsCooldownRequired reports whether a failure counts against provider
// health. Validation errors are the caller's fault, cancellations are nobody's,
// and local quota throttles never reached the provider.
func IsCooldownRequired(err error) bool {
	switch KindOf(err) {
	case KindValidation, KindCanceled, KindQuotaExceeded:
		return false
	default:
		return err != nil
	}
}

// Attempt records the outcome of trying one candidate.
type Attempt struct {
	Provider   string        `json:"provider"`
	Model      string        `json:"model"`
	Tier       int           `json:"tier"`
	Type       string        `json:"type"`
	Message    string        `json:"message"`
	StatusCode int           `json:"status_code,omitempty"`
	Latency    time.Duration `json:"-"`
	Skipped    bool          `json:"skipped,omitempty"`
	RetryAfter time.Duration `json:"-"`
	Err        error         `json:"-"`
}

// NewAttempt builds an Attempt from the error a candidate returned.
func NewAttempt(provider, model string, tier int, err error, latency time.Duration) Attempt {
	a := Attempt{
		Provider: provider,
		Model:    model,
		Tier:     tier,
		Latency:  latency,
		Err:      err,
		Type:     TypeInternalError,
	}
	if err == nil {
		return a
	}
	a.Message = err.Error()
	var llmErr *LLMError
	if stderrors.As(err, &llmErr) {
		a.Type = llmErr.Type
		a.Message = llmErr.Message
		a.StatusCode = llmErr.StatusCode
		a.RetryAfter = llmErr.RetryAfter
		a.Skipped = llmErr.Type == TypeQuotaExceeded
	}
	return a
}

// ExhaustedError is returned when every candidate for a model failed. It
// keeps one Attempt per candidate in the order they were tried.
type ExhaustedError struct {
	Model    string
	Attempts []Attempt
}

// Error implements the error interface.
func (e *ExhaustedError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "all %d providers failed for model %s", len(e.Attempts), e.Model)
	for i, a := range e.Attempts {
		if i == 0 {
			b.WriteString(": ")
		} else {
			b.WriteString("; ")
		}
		fmt.Fprintf(&b, "%s: %s", a.Provider, a.Message)
	}
	return b.String()
}

// Unwrap exposes the per-attempt errors to errors.Is and errors.As.
func (e *ExhaustedError) Unwrap() []error {
	errs := make([]error, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		if a.Err != nil {
			errs = append(errs, a.Err)
		}
	}
	return errs
}

// HTTPStatusCode returns 502: every upstream failed.
func (e *ExhaustedError) HTTPStatusCode() int {
	return http.StatusBadGateway
}

// StatusClientClosedRequest is reported when the caller went away.
const StatusClientClosedRequest = 499

// ToLLMError converts any error returned by the engine into an LLMError for
// rendering to clients. The result always carries a Code.
func ToLLMError(err error) *LLMError {
	if err == nil {
		return nil
	}
	var exhausted *ExhaustedError
	if stderrors.As(err, &exhausted) {
		return &LLMError{
			StatusCode: exhausted.HTTPStatusCode(),
			Message:    exhausted.Error(),
			Type:       TypeAllProvidersExhausted,
			Code:       TypeAllProvidersExhausted,
			Model:      exhausted.Model,
		}
	}
	// Checked before context errors: adapters may wrap a deadline inside an
	// LLMError timeout.
	var llmErr *LLMError
	if stderrors.As(err, &llmErr) {
		if llmErr.Code != "" {
			return llmErr
		}
		// Copy: adapters may share error values across requests.
		out := *llmErr
		out.Code = codeFor(&out)
		return &out
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return &LLMError{
			StatusCode: http.StatusGatewayTimeout,
			Message:    "request deadline exceeded",
			Type:       TypeTimeout,
			Code:       "timeout",
		}
	}
	if stderrors.Is(err, context.Canceled) {
		return &LLMError{
			StatusCode: StatusClientClosedRequest,
			Message:    "request canceled",
			Type:       TypeRequestCanceled,
			Code:       TypeRequestCanceled,
		}
	}
	return &LLMError{
		StatusCode: http.StatusInternalServerError,
		Message:    err.Error(),
		Type:       TypeInternalError,
		Code:       TypeInternalError,
	}
}

// codeFor derives a machine-readable code from the error type, falling back
// to the status text.
func codeFor(e *LLMError) string {
	if e.Type != "" {
		return strings.TrimSuffix(e.Type, "_error")
	}
	text := http.StatusText(e.HTTPStatusCode())
	if text == "" {
		return TypeInternalError
	}
	return strings.ToLower(strings.ReplaceAll(text, " ", "_"))
}
