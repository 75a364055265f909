// Package openai provides the adapter for OpenAI and OpenAI-compatible chat
// completion APIs. Compatible vendors differ only in their Info.
package openai

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/tiergate/internal/streaming"
	"github.com/blueberrycongee/tiergate/pkg/errors"
	"github.com/blueberrycongee/tiergate/pkg/provider"
	"github.com/blueberrycongee/tiergate/pkg/types"
)

const (
	// ProviderName is the identifier for this provider.
	ProviderName = "openai"

	// DefaultBaseURL is the default OpenAI API endpoint.
	DefaultBaseURL = "https://api.openai.com/v1"

	// DefaultTimeout bounds a non-streaming call, and the wait for response
	// headers of a streaming one.
	DefaultTimeout = 60 * time.Second

	maxErrorBody = 64 << 10
)

// Info describes an OpenAI-compatible API.
type Info struct {
	Name           string
	DefaultBaseURL string
	// APIKeyHeader defaults to Authorization with a "Bearer " prefix.
	APIKeyHeader string
	APIKeyPrefix string
	// ChatEndpoint defaults to /chat/completions.
	ChatEndpoint string
	ExtraHeaders map[string]string
}

// OpenAI is the Info for api.openai.com.
var OpenAI = Info{Name: ProviderName, DefaultBaseURL: DefaultBaseURL}

// Adapter implements provider.Adapter over HTTP.
type Adapter struct {
	info    Info
	apiKey  string
	baseURL string
	headers map[string]string
	client  *http.Client
	timeout time.Duration
}

// New creates an adapter for the API described by info.
func New(info Info, opts ...Option) *Adapter {
	a := &Adapter{
		info:    info,
		baseURL: info.DefaultBaseURL,
		headers: make(map[string]string),
		client:  http.DefaultClient,
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// NewFromConfig creates an OpenAI adapter from a Config struct.
func NewFromConfig(cfg provider.Config) (provider.Adapter, error) {
	return FromConfig(OpenAI, cfg)
}

// Factory returns a provider.Factory for an OpenAI-compatible API.
func Factory(info Info) provider.Factory {
	return func(cfg provider.Config) (provider.Adapter, error) {
		return FromConfig(info, cfg)
	}
}

// FromConfig creates an adapter for info from a Config struct.
func FromConfig(info Info, cfg provider.Config) (*Adapter, error) {
	if cfg.BaseURL != "" {
		if err := provider.ValidateBaseURL(cfg.BaseURL, cfg.AllowPrivateBaseURL); err != nil {
			return nil, fmt.Errorf("%s: %w", info.Name, err)
		}
	}
	a := New(info,
		WithAPIKey(cfg.APIKey),
		WithBaseURL(cfg.BaseURL),
		WithTimeout(cfg.Timeout),
	)
	for k, v := range cfg.Headers {
		a.headers[k] = v
	}
	return a, nil
}

// Name returns the API identifier.
func (a *Adapter) Name() string {
	return a.info.Name
}

// BuildRequest creates an HTTP request for the chat completions endpoint.
func (a *Adapter) BuildRequest(ctx context.Context, req *types.ChatRequest) (*http.Request, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	endpoint := a.info.ChatEndpoint
	if endpoint == "" {
		endpoint = "/chat/completions"
	}
	url := strings.TrimSuffix(a.baseURL, "/") + endpoint
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if req.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	if a.apiKey != "" {
		header := a.info.APIKeyHeader
		prefix := a.info.APIKeyPrefix
		if header == "" {
			header = "Authorization"
			if prefix == "" {
				prefix = "Bearer "
			}
		}
		httpReq.Header.Set(header, prefix+a.apiKey)
	}
	for k, v := range a.info.ExtraHeaders {
		httpReq.Header.Set(k, v)
	}
	for k, v := range a.headers {
		httpReq.Header.Set(k, v)
	}
	return httpReq, nil
}

// Complete implements provider.Adapter.
func (a *Adapter) Complete(ctx context.Context, c provider.Candidate, req *types.ChatRequest) (*types.ChatResponse, error) {
	callCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	r := *req
	r.Stream = false
	resp, err := a.send(callCtx, ctx, c, &r)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, a.transportError(ctx, c, fmt.Errorf("read response: %w", err))
	}
	var out types.ChatResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, errors.NewServiceUnavailableError(a.label(c), c.Model, fmt.Sprintf("malformed response: %v", err))
	}
	return &out, nil
}

// Stream implements provider.Adapter. The timeout covers the wait for
// response headers only.
func (a *Adapter) Stream(ctx context.Context, c provider.Candidate, req *types.ChatRequest) (provider.ChunkStream, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	timer := time.AfterFunc(a.timeout, cancel)

	r := *req
	r.Stream = true
	resp, err := a.send(streamCtx, ctx, c, &r)
	if !timer.Stop() && err == nil {
		// Headers arrived just as the timer fired; the body is unusable.
		resp.Body.Close()
		err = errors.NewTimeoutError(a.label(c), c.Model, "timed out waiting for stream")
	}
	if err != nil {
		cancel()
		return nil, err
	}

	parser := &streaming.OpenAIParser{Provider: a.label(c), Model: c.Model}
	return &stream{Reader: streaming.NewReader(resp.Body, parser), cancel: cancel}, nil
}

// stream cancels the request context when closed so that a blocked body
// read returns.
type stream struct {
	*streaming.Reader
	cancel context.CancelFunc
}

func (s *stream) Close() error {
	s.cancel()
	return s.Reader.Close()
}

// send performs the request and maps non-2xx responses. callCtx carries the
// adapter's timeout; parent is the caller's context.
func (a *Adapter) send(callCtx, parent context.Context, c provider.Candidate, req *types.ChatRequest) (*http.Response, error) {
	httpReq, err := a.BuildRequest(callCtx, req)
	if err != nil {
		return nil, errors.NewInvalidRequestError(a.label(c), c.Model, err.Error())
	}
	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, a.transportError(parent, c, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, a.MapError(c, resp.StatusCode, resp.Header, body)
	}
	return resp, nil
}

// transportError classifies a failure to talk to the API. Caller
// cancellation is passed through unchanged.
func (a *Adapter) transportError(parent context.Context, c provider.Candidate, err error) error {
	if parentErr := parent.Err(); parentErr != nil {
		return parentErr
	}
	if stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(err, context.Canceled) {
		return errors.NewTimeoutError(a.label(c), c.Model, fmt.Sprintf("request timed out after %s", a.timeout))
	}
	return fmt.Errorf("%s: %w", a.label(c), err)
}

// MapError converts an error response to an LLMError.
func (a *Adapter) MapError(c provider.Candidate, statusCode int, header http.Header, body []byte) error {
	var errResp struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}

	message := http.StatusText(statusCode)
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		message = errResp.Error.Message
	}

	llmErr := errors.FromStatus(statusCode, a.label(c), c.Model, message)
	if statusCode == http.StatusTooManyRequests {
		llmErr.RetryAfter = retryAfter(header.Get("Retry-After"))
	}
	return llmErr
}

func (a *Adapter) label(c provider.Candidate) string {
	if id := c.ID(); id != "" {
		return id
	}
	return a.info.Name
}

// retryAfter parses a Retry-After header in seconds or HTTP-date form.
func retryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
