// Package config provides configuration management with hot-reload support.
// It uses fsnotify to watch for file changes and atomic pointer swaps for zero-downtime updates.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/blueberrycongee/tiergate/internal/health"
	"github.com/blueberrycongee/tiergate/internal/resilience"
	"github.com/blueberrycongee/tiergate/pkg/provider"
)

// Config represents the complete gateway configuration.
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Redis     RedisConfig      `yaml:"redis"`
	Providers []ProviderConfig `yaml:"providers"`
	Routing   RoutingConfig    `yaml:"routing"`
	Health    HealthConfig     `yaml:"health"`
	Logging   LoggingConfig    `yaml:"logging"`
	Metrics   MetricsConfig    `yaml:"metrics"`
	Tracing   TracingConfig    `yaml:"tracing"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
}

// RedisConfig selects the shared store. With Enabled false health and quota
// state live in process memory and are not shared between instances.
type RedisConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Addrs     []string `yaml:"addrs"`
	Username  string   `yaml:"username"`
	Password  string   `yaml:"password"`
	DB        int      `yaml:"db"`
	KeyPrefix string   `yaml:"key_prefix"`
}

// ProviderConfig defines a single provider.
type ProviderConfig struct {
	Name         string            `yaml:"name"`
	Type         string            `yaml:"type"`
	APIKey       string            `yaml:"api_key"`
	BaseURL      string            `yaml:"base_url"`
	Models       []string          `yaml:"models"`
	ModelAliases map[string]string `yaml:"model_aliases"`
	Tier         int               `yaml:"tier"`
	Cost         provider.Cost     `yaml:"cost"`
	Limits       LimitsConfig      `yaml:"limits"`
	// Enabled defaults to true when omitted.
	Enabled             *bool             `yaml:"enabled"`
	Timeout             time.Duration     `yaml:"timeout"`
	Headers             map[string]string `yaml:"headers"`
	AllowPrivateBaseURL bool              `yaml:"allow_private_base_url"`
}

// LimitsConfig is a provider's quota.
type LimitsConfig struct {
	Requests int           `yaml:"requests"`
	Tokens   int           `yaml:"tokens"`
	Window   time.Duration `yaml:"window"`
	Mode     string        `yaml:"mode"` // fixed, sliding
}

// RoutingConfig contains routing and failover settings.
type RoutingConfig struct {
	Retry                   RetryConfig   `yaml:"retry"`
	CostMargin              float64       `yaml:"cost_margin"`
	PinnedTiers             []int         `yaml:"pinned_tiers"`
	StreamReleaseTimeout    time.Duration `yaml:"stream_release_timeout"`
	QuotaFailOpen           bool          `yaml:"quota_fail_open"`
	DefaultCompletionTokens int           `yaml:"default_completion_tokens"`
}

// RetryConfig is the per-provider retry policy.
type RetryConfig struct {
	MaxRetries   int           `yaml:"max_retries"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Jitter       float64       `yaml:"jitter"`
}

// HealthConfig controls cooldowns and failure notifications.
type HealthConfig struct {
	BaseCooldown time.Duration `yaml:"base_cooldown"`
	MaxCooldown  time.Duration `yaml:"max_cooldown"`
	Retention    time.Duration `yaml:"retention"`
	NotifyEvery  int           `yaml:"notify_every"`
	// NotifyInterval is the minimum spacing of notifications per provider.
	NotifyInterval time.Duration `yaml:"notify_interval"`
	NotifyBurst    int           `yaml:"notify_burst"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level     string `yaml:"level"`  // debug, info, warn, error
	Format    string `yaml:"format"` // json, text
	AddSource bool   `yaml:"add_source"`
}

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// TracingConfig contains OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`     // OTLP endpoint (e.g., "localhost:4317")
	ServiceName string  `yaml:"service_name"` // Service name for traces
	SampleRate  float64 `yaml:"sample_rate"`  // Sampling rate (0.0 to 1.0)
	Insecure    bool    `yaml:"insecure"`     // Use insecure connection (no TLS)
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	retry := resilience.DefaultPolicy()
	hp := health.DefaultPolicy()
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    300 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			MaxBodyBytes:    10 << 20,
		},
		Redis: RedisConfig{
			Addrs: []string{"localhost:6379"},
		},
		Routing: RoutingConfig{
			Retry: RetryConfig{
				MaxRetries:   retry.MaxRetries,
				InitialDelay: retry.InitialDelay,
				Multiplier:   retry.Multiplier,
				MaxDelay:     retry.MaxDelay,
				Jitter:       0.2,
			},
			CostMargin:              0.1,
			StreamReleaseTimeout:    100 * time.Millisecond,
			QuotaFailOpen:           true,
			DefaultCompletionTokens: 256,
		},
		Health: HealthConfig{
			BaseCooldown:   hp.BaseCooldown,
			MaxCooldown:    hp.MaxCooldown,
			Retention:      hp.Retention,
			NotifyEvery:    hp.NotifyEvery,
			NotifyInterval: time.Minute,
			NotifyBurst:    1,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			Endpoint:    "localhost:4317",
			ServiceName: "tiergate",
			SampleRate:  1.0,
			Insecure:    true,
		},
	}
}

// LoadFromFile reads and parses a YAML configuration file.
// Environment variables in the format ${VAR_NAME} are expanded.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML configuration on top of DefaultConfig.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if len(c.Providers) == 0 {
		return fmt.Errorf("at least one provider must be configured")
	}

	seen := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("provider[%d]: name is required", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("provider[%d] %q: duplicate name", i, p.Name)
		}
		seen[p.Name] = true
		if err := p.validate(); err != nil {
			return fmt.Errorf("provider[%d] %q: %w", i, p.Name, err)
		}
	}

	if c.Redis.Enabled && len(c.Redis.Addrs) == 0 {
		return fmt.Errorf("redis.addrs is required when redis is enabled")
	}

	r := c.Routing
	if r.Retry.MaxRetries < 0 {
		return fmt.Errorf("routing.retry.max_retries cannot be negative")
	}
	if r.Retry.InitialDelay < 0 || r.Retry.MaxDelay < 0 {
		return fmt.Errorf("routing.retry delays cannot be negative")
	}
	if r.Retry.Jitter < 0 || r.Retry.Jitter > 1 {
		return fmt.Errorf("routing.retry.jitter must be between 0 and 1")
	}
	if r.CostMargin < 0 {
		return fmt.Errorf("routing.cost_margin cannot be negative")
	}
	if r.StreamReleaseTimeout < 0 {
		return fmt.Errorf("routing.stream_release_timeout cannot be negative")
	}
	if r.DefaultCompletionTokens < 0 {
		return fmt.Errorf("routing.default_completion_tokens cannot be negative")
	}

	h := c.Health
	if h.BaseCooldown < 0 || h.MaxCooldown < 0 || h.Retention < 0 {
		return fmt.Errorf("health durations cannot be negative")
	}
	if h.BaseCooldown > 0 && h.MaxCooldown > 0 && h.BaseCooldown > h.MaxCooldown {
		return fmt.Errorf("health.base_cooldown %v exceeds health.max_cooldown %v", h.BaseCooldown, h.MaxCooldown)
	}

	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing.sample_rate must be between 0 and 1")
	}

	return nil
}

func (p ProviderConfig) validate() error {
	if p.Type == "" {
		return fmt.Errorf("type is required")
	}
	if len(p.Models) == 0 && len(p.ModelAliases) == 0 {
		return fmt.Errorf("at least one model must be configured")
	}
	if p.Tier < 0 {
		return fmt.Errorf("tier cannot be negative")
	}
	switch p.Cost.Class {
	case "", provider.CostFree, provider.CostPaid:
	default:
		return fmt.Errorf("unknown cost class %q", p.Cost.Class)
	}
	if p.Cost.PerThousandTokens < 0 {
		return fmt.Errorf("cost.per_1k_tokens cannot be negative")
	}
	if p.Timeout < 0 {
		return fmt.Errorf("timeout cannot be negative")
	}

	l := p.Limits
	if l.Requests < 0 || l.Tokens < 0 || l.Window < 0 {
		return fmt.Errorf("limits cannot be negative")
	}
	if (l.Requests > 0 || l.Tokens > 0) && l.Window == 0 {
		return fmt.Errorf("limits.window is required when a limit is set")
	}
	if l.Window > 0 && l.Window < provider.MinWindow {
		return fmt.Errorf("limits.window must be at least %s", provider.MinWindow)
	}
	switch provider.WindowMode(l.Mode) {
	case "", provider.WindowFixed, provider.WindowSliding:
	default:
		return fmt.Errorf("unknown limits.mode %q", l.Mode)
	}

	if p.BaseURL != "" {
		if err := provider.ValidateBaseURL(p.BaseURL, p.AllowPrivateBaseURL); err != nil {
			return err
		}
	}
	return nil
}

// IsEnabled reports whether the provider takes traffic.
func (p ProviderConfig) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// Provider converts the entry to the registry's provider description.
func (p ProviderConfig) Provider() provider.Provider {
	cost := p.Cost
	if cost.Class == "" {
		cost.Class = provider.CostPaid
	}
	mode := provider.WindowMode(p.Limits.Mode)
	if mode == "" {
		mode = provider.WindowFixed
	}
	return provider.Provider{
		ID:           p.Name,
		Type:         p.Type,
		Models:       p.Models,
		ModelAliases: p.ModelAliases,
		Tier:         p.Tier,
		Cost:         cost,
		Enabled:      p.IsEnabled(),
		Limits: provider.Limits{
			Requests: p.Limits.Requests,
			Tokens:   p.Limits.Tokens,
			Window:   p.Limits.Window,
			Mode:     mode,
		},
	}
}

// AdapterConfig returns the settings used to build the provider's adapter.
func (p ProviderConfig) AdapterConfig() provider.Config {
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

// RetryPolicy converts the retry settings.
func (r RoutingConfig) RetryPolicy() resilience.Policy {
	return resilience.Policy{
		MaxRetries:   r.Retry.MaxRetries,
		InitialDelay: r.Retry.InitialDelay,
		Multiplier:   r.Retry.Multiplier,
		MaxDelay:     r.Retry.MaxDelay,
		Jitter:       r.Retry.Jitter,
	}
}

// Policy converts the health settings.
func (h HealthConfig) Policy() health.Policy {
	return health.Policy{
		BaseCooldown: h.BaseCooldown,
		MaxCooldown:  h.MaxCooldown,
		Retention:    h.Retention,
		NotifyEvery:  h.NotifyEvery,
	}
}
