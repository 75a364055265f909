package tiergate

import (
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"

	"github.com/blueberrycongee/tiergate/internal/health"
	"github.com/blueberrycongee/tiergate/internal/resilience"
	"github.com/blueberrycongee/tiergate/pkg/provider"
)

// ProviderConfig describes a provider and how to reach it. The adapter is
// created from Type (see providers.List for the built-in types).
type ProviderConfig struct {
	Name    string
	Type    string
	APIKey  string
	BaseURL string
	Models  []string
	// ModelAliases maps a client-facing model name to this provider's name
	// for it.
	ModelAliases map[string]string
	Tier         int
	Cost         Cost
	Limits       Limits
	Disabled     bool
	Timeout      time.Duration
	Headers      map[string]string
	// AllowPrivateBaseURL permits loopback and private network base URLs.
	AllowPrivateBaseURL bool
}

func (p ProviderConfig) provider() provider.Provider {
	cost := p.Cost
	if cost.Class == "" {
		cost.Class = provider.CostPaid
	}
	return provider.Provider{
		ID:           p.Name,
		Type:         p.Type,
		Models:       p.Models,
		ModelAliases: p.ModelAliases,
		Tier:         p.Tier,
		Cost:         cost,
		Enabled:      !p.Disabled,
		Limits:       p.Limits,
	}
}

func (p ProviderConfig) adapterConfig() provider.Config {
	return provider.Config{
		Name:                p.Name,
		Type:                p.Type,
		APIKey:              p.APIKey,
		BaseURL:             p.BaseURL,
		Timeout:             p.Timeout,
		Headers:             p.Headers,
		AllowPrivateBaseURL: p.AllowPrivateBaseURL,
	}
}

// ClientConfig holds all configuration for the client.
type ClientConfig struct {
	// Providers configuration
	Providers []ProviderConfig

	// Custom provider instances (for advanced use)
	ProviderInstances []ProviderEntry

	// Shared state. Redis, when set, backs both stores.
	Redis          redis.UniversalClient
	RedisKeyPrefix string
	HealthStore    HealthStore
	QuotaTracker   QuotaTracker

	// Routing
	Retry                   RetryPolicy
	HealthPolicy            HealthPolicy
	CostMargin              float64
	PinnedTiers             []int
	QuotaFailOpen           bool
	StreamReleaseTimeout    time.Duration
	DefaultCompletionTokens int

	// Health notifications
	Notifiers      []Notifier
	NotifyInterval time.Duration
	NotifyBurst    int

	// Observability
	Logger *slog.Logger
	Tracer trace.Tracer
}

// Option is a function that configures the Client.
type Option func(*ClientConfig)

// defaultConfig returns sensible defaults.
func defaultConfig() *ClientConfig {
	return &ClientConfig{
		Retry:                   resilience.DefaultPolicy(),
		HealthPolicy:            health.DefaultPolicy(),
		CostMargin:              0.1,
		QuotaFailOpen:           true,
		StreamReleaseTimeout:    100 * time.Millisecond,
		DefaultCompletionTokens: 256,
		NotifyInterval:          time.Minute,
		NotifyBurst:             1,
		Logger:                  slog.Default(),
	}
}

// WithProvider adds a provider configuration.
// The adapter will be created automatically based on the Type field.
func WithProvider(cfg ProviderConfig) Option {
	return func(c *ClientConfig) {
		c.Providers = append(c.Providers, cfg)
	}
}

// WithProviderInstance adds a provider with a ready-made adapter.
func WithProviderInstance(p Provider, a Adapter) Option {
	return func(c *ClientConfig) {
		c.ProviderInstances = append(c.ProviderInstances, ProviderEntry{Provider: p, Adapter: a})
	}
}

// WithRedis shares health and quota state through Redis so that several
// instances make consistent decisions. keyPrefix may be empty.
func WithRedis(client redis.UniversalClient, keyPrefix string) Option {
	return func(c *ClientConfig) {
		c.Redis = client
		c.RedisKeyPrefix = keyPrefix
	}
}

// WithHealthStore sets a custom health store.
func WithHealthStore(s HealthStore) Option {
	return func(c *ClientConfig) {
		c.HealthStore = s
	}
}

// WithQuotaTracker sets a custom quota tracker.
func WithQuotaTracker(t QuotaTracker) Option {
	return func(c *ClientConfig) {
		c.QuotaTracker = t
	}
}

// WithRetry sets the retry policy applied to each provider.
func WithRetry(p RetryPolicy) Option {
	return func(c *ClientConfig) {
		c.Retry = p
	}
}

// WithHealthPolicy sets cooldown growth.
func WithHealthPolicy(p HealthPolicy) Option {
	return func(c *ClientConfig) {
		c.HealthPolicy = p
	}
}

// WithCostMargin sets the relative price difference under which paid
// providers are treated as equally priced.
func WithCostMargin(margin float64) Option {
	return func(c *ClientConfig) {
		c.CostMargin = margin
	}
}

// WithPinnedTiers keeps the listed tiers in registration order, without
// shuffling or promotion.
func WithPinnedTiers(tiers ...int) Option {
	return func(c *ClientConfig) {
		c.PinnedTiers = append(c.PinnedTiers, tiers...)
	}
}

// WithQuotaFailOpen sets whether an unreachable quota store admits requests.
func WithQuotaFailOpen(open bool) Option {
	return func(c *ClientConfig) {
		c.QuotaFailOpen = open
	}
}

// WithStreamReleaseTimeout bounds how long releasing an abandoned upstream
// stream may take.
func WithStreamReleaseTimeout(d time.Duration) Option {
	return func(c *ClientConfig) {
		c.StreamReleaseTimeout = d
	}
}

// WithDefaultCompletionTokens sets the completion allowance charged to token
// quotas when a request has no max_tokens.
func WithDefaultCompletionTokens(n int) Option {
	return func(c *ClientConfig) {
		c.DefaultCompletionTokens = n
	}
}

// WithNotifier adds a receiver of cooldown and recovery events.
func WithNotifier(n Notifier) Option {
	return func(c *ClientConfig) {
		c.Notifiers = append(c.Notifiers, n)
	}
}

// WithNotifyRate limits notifications to one per interval per provider,
// with the given burst.
func WithNotifyRate(interval time.Duration, burst int) Option {
	return func(c *ClientConfig) {
		c.NotifyInterval = interval
		c.NotifyBurst = burst
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *ClientConfig) {
		if logger != nil {
			c.Logger = logger
		}
	}
}

// WithTracer sets the tracer.
func WithTracer(t trace.Tracer) Option {
	return func(c *ClientConfig) {
		c.Tracer = t
	}
}

func (c *ClientConfig) notifier() Notifier {
	notifiers := append(health.Notifiers{health.LogNotifier{Logger: c.Logger}}, c.Notifiers...)
	if c.NotifyInterval <= 0 {
		return notifiers
	}
	return health.NewThrottledNotifier(notifiers, c.NotifyInterval, c.NotifyBurst)
}
