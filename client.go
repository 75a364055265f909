package tiergate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/blueberrycongee/tiergate/internal/health"
	"github.com/blueberrycongee/tiergate/internal/quota"
	"github.com/blueberrycongee/tiergate/internal/registry"
	"github.com/blueberrycongee/tiergate/internal/routing"
	"github.com/blueberrycongee/tiergate/providers"
	"github.com/blueberrycongee/tiergate/routers"
)

// Client routes chat completions across the configured providers.
// It is safe for concurrent use.
type Client struct {
	registry *registry.Registry
	engine   *routing.Engine
	health   health.Store
	logger   *slog.Logger
}

// New creates a client.
func New(opts ...Option) (*Client, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	entries, err := buildEntries(cfg.Providers, cfg.ProviderInstances)
	if err != nil {
		return nil, err
	}
	reg, err := registry.New(entries...)
	if err != nil {
		return nil, fmt.Errorf("register providers: %w", err)
	}

	store, tracker := cfg.stores()

	engineOpts := []routing.Option{
		routing.WithHealthStore(store),
		routing.WithQuotaTracker(tracker),
		routing.WithSelector(routers.NewTierSelector(
			routers.WithCostMargin(cfg.CostMargin),
			routers.WithPinnedTiers(cfg.PinnedTiers...),
		)),
		routing.WithRetryPolicy(cfg.Retry),
		routing.WithLogger(cfg.Logger),
		routing.WithQuotaFailOpen(cfg.QuotaFailOpen),
		routing.WithStreamReleaseTimeout(cfg.StreamReleaseTimeout),
		routing.WithDefaultCompletionTokens(cfg.DefaultCompletionTokens),
	}
	if cfg.Tracer != nil {
		engineOpts = append(engineOpts, routing.WithTracer(cfg.Tracer))
	}

	return &Client{
		registry: reg,
		engine:   routing.New(reg, engineOpts...),
		health:   store,
		logger:   cfg.Logger,
	}, nil
}

func (c *ClientConfig) stores() (health.Store, quota.Tracker) {
	store, tracker := c.HealthStore, c.QuotaTracker
	notifier := c.notifier()

	if store == nil {
		if c.Redis != nil {
			hopts := []health.RedisOption{
				health.WithRedisPolicy(c.HealthPolicy),
				health.WithRedisNotifier(notifier),
			}
			if c.RedisKeyPrefix != "" {
				hopts = append(hopts, health.WithRedisKeyPrefix(c.RedisKeyPrefix+":health"))
			}
			store = health.NewRedisStore(c.Redis, hopts...)
		} else {
			store = health.NewMemoryStore(
				health.WithMemoryPolicy(c.HealthPolicy),
				health.WithMemoryNotifier(notifier),
			)
		}
	}

	if tracker == nil {
		if c.Redis != nil {
			var qopts []quota.RedisOption
			if c.RedisKeyPrefix != "" {
				qopts = append(qopts, quota.WithRedisKeyPrefix(c.RedisKeyPrefix+":quota"))
			}
			tracker = quota.NewRedisTracker(c.Redis, qopts...)
		} else {
			tracker = quota.NewMemoryTracker()
		}
	}
	return store, tracker
}

func buildEntries(configs []ProviderConfig, instances []ProviderEntry) ([]ProviderEntry, error) {
	entries := make([]ProviderEntry, 0, len(configs)+len(instances))
	for _, pc := range configs {
		adapter, err := providers.Create(pc.adapterConfig())
		if err != nil {
			return nil, fmt.Errorf("create provider %q: %w", pc.Name, err)
		}
		entries = append(entries, ProviderEntry{Provider: pc.provider(), Adapter: adapter})
	}
	return append(entries, instances...), nil
}

// ChatCompletion sends a chat completion request.
func (c *Client) ChatCompletion(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	res, err := c.engine.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	return res.Response, nil
}

// Complete is ChatCompletion that also reports which provider answered and
// which candidates failed or were skipped first.
func (c *Client) Complete(ctx context.Context, req *ChatRequest) (*Result, error) {
	return c.engine.Complete(ctx, req)
}

// ChatCompletionStream sends a streaming chat completion request.
// The returned StreamReader must be closed.
func (c *Client) ChatCompletionStream(ctx context.Context, req *ChatRequest) (*StreamReader, error) {
	relay, err := c.engine.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	return newStreamReader(relay), nil
}

// ProviderStatus is a provider's configuration and current health.
type ProviderStatus struct {
	ID                  string    `json:"id"`
	Type                string    `json:"type"`
	Tier                int       `json:"tier"`
	Cost                Cost      `json:"cost"`
	Enabled             bool      `json:"enabled"`
	Models              []string  `json:"models"`
	State               string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	CooldownUntil       time.Time `json:"cooldown_until,omitempty"`
	Available           bool      `json:"available"`
}

// ProviderHealth reports every registered provider's health.
func (c *Client) ProviderHealth(ctx context.Context) ([]ProviderStatus, error) {
	provs := c.registry.Providers()
	out := make([]ProviderStatus, 0, len(provs))
	now := time.Now()
	for _, p := range provs {
		rec, err := c.health.Get(ctx, p.ID)
		if err != nil {
			return nil, fmt.Errorf("read health of %s: %w", p.ID, err)
		}
		out = append(out, ProviderStatus{
			ID:                  p.ID,
			Type:                p.Type,
			Tier:                p.Tier,
			Cost:                p.Cost,
			Enabled:             p.Enabled,
			Models:              p.Models,
			State:               string(rec.State),
			ConsecutiveFailures: rec.ConsecutiveFailures,
			CooldownUntil:       rec.CooldownUntil,
			Available:           p.Enabled && rec.AvailableAt(now),
		})
	}
	return out, nil
}

// Models lists the model names clients may request, aliases included.
func (c *Client) Models() []string {
	return c.registry.Models()
}

// Providers lists the registered providers.
func (c *Client) Providers() []Provider {
	return c.registry.Providers()
}

// ReplaceProviders swaps the whole provider set. Requests already in flight
// finish on the providers they started with. On error the current set is
// kept.
func (c *Client) ReplaceProviders(entries []ProviderEntry) error {
	if err := c.registry.Replace(entries); err != nil {
		return err
	}
	c.logger.Info("providers replaced", "count", len(entries))
	return nil
}

// ReplaceProviderConfigs is ReplaceProviders for provider configurations.
func (c *Client) ReplaceProviderConfigs(configs []ProviderConfig) error {
	entries, err := buildEntries(configs, nil)
	if err != nil {
		return err
	}
	return c.ReplaceProviders(entries)
}

// Close releases resources. A Redis client passed to WithRedis is owned by
// the caller and stays open.
func (c *Client) Close() error {
	return nil
}
