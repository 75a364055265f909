// Package tiergate routes chat completion requests across many interchangeable
// providers. Providers are tried in priority tiers; free ones ahead of paid,
// cheaper paid ones ahead of dearer. Each is skipped while cooling down after
// failures or once its quota is spent. Failures fail over to the next provider,
// and streams fail over only until the first chunk reaches the caller.
//
// tiergate can be used in two modes:
//   - Library Mode: Import and use directly in your Go application
//   - Gateway Mode: Run cmd/server as an OpenAI-compatible HTTP proxy
//
// Basic usage:
//
//	client, err := tiergate.New(
//	    tiergate.WithProvider(tiergate.ProviderConfig{
//	        Name:   "groq-free",
//	        Type:   "groq",
//	        APIKey: os.Getenv("GROQ_API_KEY"),
//	        Models: []string{"llama-3.1-8b-instant"},
//	        Tier:   1,
//	        Cost:   tiergate.Cost{Class: tiergate.CostFree},
//	        Limits: tiergate.Limits{Requests: 30, Window: time.Minute},
//	    }),
//	    tiergate.WithProvider(tiergate.ProviderConfig{
//	        Name:   "together",
//	        Type:   "together",
//	        APIKey: os.Getenv("TOGETHER_API_KEY"),
//	        Models: []string{"llama-3.1-8b-instant"},
//	        Tier:   2,
//	        Cost:   tiergate.Cost{Class: tiergate.CostPaid, PerThousandTokens: 0.18},
//	    }),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	resp, err := client.ChatCompletion(ctx, &tiergate.ChatRequest{
//	    Model:    "llama-3.1-8b-instant",
//	    Messages: []tiergate.ChatMessage{tiergate.NewTextMessage("user", "Hello!")},
//	})
package tiergate

import (
	"github.com/blueberrycongee/tiergate/internal/health"
	"github.com/blueberrycongee/tiergate/internal/quota"
	"github.com/blueberrycongee/tiergate/internal/registry"
	"github.com/blueberrycongee/tiergate/internal/resilience"
	"github.com/blueberrycongee/tiergate/internal/routing"
	"github.com/blueberrycongee/tiergate/pkg/errors"
	"github.com/blueberrycongee/tiergate/pkg/provider"
	"github.com/blueberrycongee/tiergate/pkg/types"
)

// Version is the current version of tiergate.
const Version = "0.3.0"

// Re-export core request/response types for convenience.
type (
	// ChatRequest represents an OpenAI-compatible chat completion request.
	ChatRequest = types.ChatRequest

	// ChatResponse represents an OpenAI-compatible chat completion response.
	ChatResponse = types.ChatResponse

	// ChatMessage represents a single message in the conversation.
	ChatMessage = types.ChatMessage

	// StreamChunk represents a single chunk in a streaming response.
	StreamChunk = types.StreamChunk

	// Tool represents a function that the model can call.
	Tool = types.Tool

	// Usage contains token usage statistics for the request.
	Usage = types.Usage

	// StreamOptions controls streaming behaviour.
	StreamOptions = types.StreamOptions
)

// Provider description and extension points.
type (
	// Provider describes a provider's tier, cost, limits and models.
	Provider = provider.Provider

	// Cost is a provider's price class.
	Cost = provider.Cost

	// Limits is a provider's request/token quota.
	Limits = provider.Limits

	// Adapter talks to one provider API.
	Adapter = provider.Adapter

	// ChunkStream is an upstream stream returned by an Adapter.
	ChunkStream = provider.ChunkStream

	// Candidate is a provider chosen to serve a model.
	Candidate = provider.Candidate

	// ProviderFactory builds an Adapter from configuration.
	ProviderFactory = provider.Factory

	// ProviderEntry pairs a provider with its adapter.
	ProviderEntry = registry.Entry
)

// Cost classes and window modes.
const (
	CostFree      = provider.CostFree
	CostPaid      = provider.CostPaid
	WindowFixed   = provider.WindowFixed
	WindowSliding = provider.WindowSliding
)

// Errors.
type (
	// LLMError is a normalised failure.
	LLMError = errors.LLMError

	// ExhaustedError is returned when every candidate failed.
	ExhaustedError = errors.ExhaustedError

	// Attempt records one candidate's failure or skip.
	Attempt = errors.Attempt
)

// Policies, stores and routing results.
type (
	// RetryPolicy governs retries against one provider.
	RetryPolicy = resilience.Policy

	// HealthPolicy governs cooldown growth.
	HealthPolicy = health.Policy

	// HealthStore holds provider health.
	HealthStore = health.Store

	// HealthRecord is one provider's health.
	HealthRecord = health.Record

	// HealthEvent is a cooldown or recovery notification.
	HealthEvent = health.Event

	// Notifier receives health events.
	Notifier = health.Notifier

	// QuotaTracker enforces provider limits.
	QuotaTracker = quota.Tracker

	// Result is a completion together with its route.
	Result = routing.Result
)

// NewTextMessage builds a message with plain text content.
func NewTextMessage(role, text string) ChatMessage {
	return types.NewTextMessage(role, text)
}
