// Package api provides the OpenAI-compatible HTTP surface of the gateway.
package api //nolint:revive // package name is intentional

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/tiergate"
	"github.com/blueberrycongee/tiergate/internal/observability"
	"github.com/blueberrycongee/tiergate/internal/streaming"
	llmerrors "github.com/blueberrycongee/tiergate/pkg/errors"
)

// Handler serves chat completions through a tiergate.Client.
type Handler struct {
	client      *tiergate.Client
	logger      *slog.Logger
	maxBodySize int64
}

// Config contains configuration for Handler.
type Config struct {
	MaxBodySize int64 // Maximum request body size in bytes
}

// NewHandler creates a handler backed by client.
func NewHandler(client *tiergate.Client, logger *slog.Logger, cfg *Config) *Handler {
	maxBodySize := int64(DefaultMaxBodySize)
	if cfg != nil && cfg.MaxBodySize > 0 {
		maxBodySize = cfg.MaxBodySize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		client:      client,
		logger:      logger,
		maxBodySize: maxBodySize,
	}
}

// RegisterRoutes registers the API routes on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/chat/completions", h.ChatCompletions)
	mux.HandleFunc("GET /v1/models", h.ListModels)
	mux.HandleFunc("GET /v1/providers/health", h.ProviderHealth)
	mux.HandleFunc("GET /health/live", h.Live)
	mux.HandleFunc("GET /health/ready", h.Ready)
}

// ChatCompletions handles POST /v1/chat/completions requests.
func (h *Handler) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	defer func() { _ = r.Body.Close() }()

	// Limit request body size to prevent OOM
	body, err := io.ReadAll(io.LimitReader(r.Body, h.maxBodySize+1))
	if err != nil {
		h.writeError(w, llmerrors.NewInvalidRequestError("", "", "failed to read request body"))
		return
	}
	if int64(len(body)) > h.maxBodySize {
		tooLarge := llmerrors.NewInvalidRequestError("", "", "request body too large")
		tooLarge.StatusCode = http.StatusRequestEntityTooLarge
		h.writeError(w, tooLarge)
		return
	}

	var req tiergate.ChatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.writeError(w, llmerrors.NewInvalidRequestError("", "", "invalid JSON: "+err.Error()))
		return
	}

	if req.Stream {
		h.stream(w, r, &req)
		return
	}

	res, err := h.client.Complete(r.Context(), &req)
	if err != nil {
		h.logFailure(r, req.Model, err)
		h.writeError(w, err)
		return
	}

	w.Header().Set(HeaderProvider, res.Provider)
	w.Header().Set(HeaderAttempts, strconv.Itoa(len(res.Attempts)+1))
	h.writeJSON(w, http.StatusOK, res.Response)
}

func (h *Handler) stream(w http.ResponseWriter, r *http.Request, req *tiergate.ChatRequest) {
	fw, err := streaming.NewForwarder(w)
	if err != nil {
		h.writeError(w, llmerrors.NewInternalError("", req.Model, "streaming not supported"))
		return
	}

	stream, err := h.client.ChatCompletionStream(r.Context(), req)
	if err != nil {
		h.logFailure(r, req.Model, err)
		h.writeError(w, err)
		return
	}
	defer func() { _ = stream.Close() }()

	// Headers go out with the first write, so they are set before Forward.
	w.Header().Set(HeaderProvider, stream.Provider())
	w.Header().Set(HeaderAttempts, strconv.Itoa(len(stream.Attempts())+1))

	start := time.Now()
	n, err := fw.Forward(r.Context(), stream)
	switch {
	case err == nil:
	case r.Context().Err() != nil:
		h.logger.Debug("client disconnected during stream",
			"model", req.Model, "provider", stream.Provider(), "chunks", n)
	default:
		h.logger.Warn("stream ended with error",
			"model", req.Model, "provider", stream.Provider(), "chunks", n,
			"duration", time.Since(start), "error", err)
	}
}

// ListModels handles GET /v1/models.
func (h *Handler) ListModels(w http.ResponseWriter, r *http.Request) {
	models := h.client.Models()
	data := make([]map[string]any, 0, len(models))
	for _, m := range models {
		data = append(data, map[string]any{
			"id":       m,
			"object":   "model",
			"owned_by": "tiergate",
		})
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"object": "list",
		"data":   data,
	})
}

// ProviderHealth handles GET /v1/providers/health.
func (h *Handler) ProviderHealth(w http.ResponseWriter, r *http.Request) {
	statuses, err := h.client.ProviderHealth(r.Context())
	if err != nil {
		h.logger.Warn("reading provider health failed", "error", err)
		h.writeError(w, llmerrors.NewServiceUnavailableError("", "", "health store unavailable"))
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"providers": statuses})
}

// Live handles GET /health/live.
func (h *Handler) Live(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready handles GET /health/ready. The gateway is ready while at least one
// provider can take traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	statuses, err := h.client.ProviderHealth(r.Context())
	if err != nil {
		h.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "health store unavailable"})
		return
	}
	for _, s := range statuses {
		if s.Available {
			h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
			return
		}
	}
	h.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "no available providers"})
}

func (h *Handler) logFailure(r *http.Request, model string, err error) {
	if r.Context().Err() != nil {
		return
	}
	h.logger.Info("chat completion failed",
		"request_id", observability.RequestIDFromContext(r.Context()),
		"model", model,
		"error", err)
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	llmErr := llmerrors.ToLLMError(err)

	var attempts []llmerrors.Attempt
	var exhausted *llmerrors.ExhaustedError
	if errors.As(err, &exhausted) {
		attempts = exhausted.Attempts
	}
	if llmErr.RetryAfter > 0 {
		secs := int((llmErr.RetryAfter + time.Second - 1) / time.Second)
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	h.writeJSON(w, llmErr.HTTPStatusCode(), streaming.ErrorBody(llmErr, attempts))
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Debug("failed to encode response", "error", err)
	}
}
