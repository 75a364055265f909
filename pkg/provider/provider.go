// Package provider describes upstream inference backends and the adapter
// contract the routing engine uses to call them.
package provider

import (
	"context"
	"time"

	"github.com/blueberrycongee/tiergate/pkg/types"
)

// CostClass tells whether calls to a provider are billed.
type CostClass string

const (
	CostFree CostClass = "free"
	CostPaid CostClass = "paid"
)

// Cost describes what a provider charges.
type Cost struct {
	Class CostClass `json:"class" yaml:"class"`
	// PerThousandTokens orders paid providers against each other. Ignored
	// for free providers.
	PerThousandTokens float64 `json:"per_1k_tokens,omitempty" yaml:"per_1k_tokens"`
}

// IsFree reports whether the provider costs nothing to call.
func (c Cost) IsFree() bool {
	return c.Class == CostFree
}

// WindowMode selects how quota windows are counted.
type WindowMode string

const (
	// WindowFixed resets counters at wall-clock window boundaries.
	WindowFixed WindowMode = "fixed"
	// WindowSliding counts usage in the trailing window ending now.
	WindowSliding WindowMode = "sliding"
)

// Limits is the gateway-side quota for a provider. A zero limit is unlimited.
type Limits struct {
	Requests int           `json:"requests,omitempty" yaml:"requests"`
	Tokens   int           `json:"tokens,omitempty" yaml:"tokens"`
	Window   time.Duration `json:"window,omitempty" yaml:"window"`
	Mode     WindowMode    `json:"mode,omitempty" yaml:"mode"`
}

// MinWindow is the smallest window a limit can be counted over. Counters
// are keyed by millisecond, so shorter windows leave the limit unenforced.
const MinWindow = time.Millisecond

// Unlimited reports whether no quota applies.
func (l Limits) Unlimited() bool {
	return (l.Requests <= 0 && l.Tokens <= 0) || l.Window < MinWindow
}

// Provider is one configured upstream endpoint. Values are immutable for the
// lifetime of a request and replaced wholesale when configuration reloads.
type Provider struct {
	ID     string   `json:"id"`
	Type   string   `json:"type"`
	Models []string `json:"models"`
	// ModelAliases maps a requested model name to the name this provider
	// uses for it.
	ModelAliases map[string]string `json:"model_aliases,omitempty"`
	// Tier orders providers; lower tiers are tried first.
	Tier    int    `json:"tier"`
	Cost    Cost   `json:"cost"`
	Enabled bool   `json:"enabled"`
	Limits  Limits `json:"limits"`
}

// Resolve returns the upstream model name used for a requested model and
// whether the provider serves it at all.
func (p Provider) Resolve(model string) (string, bool) {
	if upstream, ok := p.ModelAliases[model]; ok {
		return upstream, true
	}
	for _, m := range p.Models {
		if m == model {
			return m, true
		}
	}
	return "", false
}

// Candidate is a provider resolved for one request.
type Candidate struct {
	Provider Provider
	// Model is the upstream model name to send.
	Model   string
	Adapter Adapter
}

// ID returns the provider identifier.
func (c Candidate) ID() string {
	return c.Provider.ID
}

// Adapter talks to one upstream provider. Implementations translate the
// vendor-neutral request into the provider's wire format and normalise every
// failure into an *errors.LLMError; anything else is treated as a transient
// transport error.
type Adapter interface {
	// Name returns the adapter type, e.g. "openai".
	Name() string

	// Complete performs a non-streaming completion.
	Complete(ctx context.Context, c Candidate, req *types.ChatRequest) (*types.ChatResponse, error)

	// Stream opens a streamed completion.
	Stream(ctx context.Context, c Candidate, req *types.ChatRequest) (ChunkStream, error)
}

// ChunkStream iterates over the chunks of an upstream stream.
type ChunkStream interface {
	// Next returns the next chunk, or io.EOF once the stream completed.
	Next() (*types.StreamChunk, error)

	// Close releases the upstream connection. It is safe to call more than
	// once and concurrently with Next.
	Close() error
}

// Config carries what an adapter needs to reach a provider.
type Config struct {
	Name                string
	Type                string
	APIKey              string
	BaseURL             string
	Timeout             time.Duration
	Headers             map[string]string
	AllowPrivateBaseURL bool
}

// Factory builds an adapter from configuration.
type Factory func(cfg Config) (Adapter, error)
