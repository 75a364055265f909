package main

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"

	"github.com/blueberrycongee/tiergate"
	"github.com/blueberrycongee/tiergate/internal/config"
	"github.com/blueberrycongee/tiergate/providers"
)

// clientOptions maps the file configuration onto client options.
func clientOptions(cfg *config.Config, rdb redis.UniversalClient, logger *slog.Logger, tracer trace.Tracer) ([]tiergate.Option, error) {
	entries, err := providerEntries(cfg)
	if err != nil {
		return nil, err
	}

	opts := []tiergate.Option{
		tiergate.WithRetry(cfg.Routing.RetryPolicy()),
		tiergate.WithHealthPolicy(cfg.Health.Policy()),
		tiergate.WithCostMargin(cfg.Routing.CostMargin),
		tiergate.WithPinnedTiers(cfg.Routing.PinnedTiers...),
		tiergate.WithQuotaFailOpen(cfg.Routing.QuotaFailOpen),
		tiergate.WithStreamReleaseTimeout(cfg.Routing.StreamReleaseTimeout),
		tiergate.WithDefaultCompletionTokens(cfg.Routing.DefaultCompletionTokens),
		tiergate.WithNotifyRate(cfg.Health.NotifyInterval, cfg.Health.NotifyBurst),
		tiergate.WithLogger(logger),
	}
	if tracer != nil {
		opts = append(opts, tiergate.WithTracer(tracer))
	}
	if rdb != nil {
		opts = append(opts, tiergate.WithRedis(rdb, cfg.Redis.KeyPrefix))
	}
	for _, e := range entries {
		opts = append(opts, tiergate.WithProviderInstance(e.Provider, e.Adapter))
	}
	return opts, nil
}

func providerEntries(cfg *config.Config) ([]tiergate.ProviderEntry, error) {
	entries := make([]tiergate.ProviderEntry, 0, len(cfg.Providers))
	for _, pc := range cfg.Providers {
		adapter, err := providers.Create(pc.AdapterConfig())
		if err != nil {
			return nil, fmt.Errorf("create provider %q: %w", pc.Name, err)
		}
		entries = append(entries, tiergate.ProviderEntry{Provider: pc.Provider(), Adapter: adapter})
	}
	return entries, nil
}

// providerReloader swaps the client's provider set when the configuration
// file changes. Routing, health and Redis settings need a restart.
type providerReloader struct {
	client     *tiergate.Client
	logger     *slog.Logger
	inProgress atomic.Bool
}

func newProviderReloader(client *tiergate.Client, logger *slog.Logger) *providerReloader {
	if logger == nil {
		logger = slog.Default()
	}
	return &providerReloader{client: client, logger: logger}
}

func (r *providerReloader) Reload(cfg *config.Config) {
	if !r.inProgress.CompareAndSwap(false, true) {
		r.logger.Warn("provider reload already in progress")
		return
	}
	defer r.inProgress.Store(false)

	entries, err := providerEntries(cfg)
	if err != nil {
		r.logger.Error("failed to rebuild providers, keeping current set", "error", err)
		return
	}
	if err := r.client.ReplaceProviders(entries); err != nil {
		r.logger.Error("failed to replace providers, keeping current set", "error", err)
		return
	}
	logWarnings(r.logger, cfg)
}
