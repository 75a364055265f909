// Package providers maps provider types to adapter factories. Every built-in
// type speaks the OpenAI chat completions protocol and differs only in its
// default endpoint.
package providers

import (
	"fmt"
	"sort"
	"sync"

	"github.com/blueberrycongee/tiergate/pkg/provider"
	"github.com/blueberrycongee/tiergate/providers/openai"
)

// Presets are the built-in OpenAI-compatible APIs.
var Presets = []openai.Info{
	openai.OpenAI,
	{Name: "groq", DefaultBaseURL: "https://api.groq.com/openai/v1"},
	{Name: "cerebras", DefaultBaseURL: "https://api.cerebras.ai/v1"},
	{Name: "sambanova", DefaultBaseURL: "https://api.sambanova.ai/v1"},
	{Name: "openrouter", DefaultBaseURL: "https://openrouter.ai/api/v1"},
	{Name: "together", DefaultBaseURL: "https://api.together.xyz/v1"},
	{Name: "fireworks", DefaultBaseURL: "https://api.fireworks.ai/inference/v1"},
	{Name: "deepinfra", DefaultBaseURL: "https://api.deepinfra.com/v1/openai"},
	{Name: "deepseek", DefaultBaseURL: "https://api.deepseek.com"},
	{Name: "mistral", DefaultBaseURL: "https://api.mistral.ai/v1"},
	{Name: "perplexity", DefaultBaseURL: "https://api.perplexity.ai"},
	{Name: "hyperbolic", DefaultBaseURL: "https://api.hyperbolic.xyz/v1"},
	{Name: "ollama", DefaultBaseURL: "http://localhost:11434/v1"},
	// Any other compatible server; base_url is required.
	{Name: "openai_compatible"},
}

var (
	registry     = make(map[string]provider.Factory)
	registryOnce sync.Once
	registryMu   sync.RWMutex
)

// Register registers a provider factory with the given type name.
func Register(providerType string, factory provider.Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[providerType] = factory
}

// Get returns the factory for the given provider type.
func Get(providerType string) (provider.Factory, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	f, ok := registry[providerType]
	return f, ok
}

// Create builds an adapter from configuration.
func Create(cfg provider.Config) (provider.Adapter, error) {
	factory, ok := Get(cfg.Type)
	if !ok {
		return nil, fmt.Errorf("unknown provider type: %s (available: %v)", cfg.Type, List())
	}
	return factory(cfg)
}

// List returns all registered provider type names, sorted.
func List() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RegisterBuiltins registers all built-in provider factories.
// This is called automatically on first use.
func RegisterBuiltins() {
	registryOnce.Do(func() {
		for _, info := range Presets {
			info := info
			if info.DefaultBaseURL == "" {
				Register(info.Name, requireBaseURL(openai.Factory(info)))
				continue
			}
			Register(info.Name, openai.Factory(info))
		}
	})
}

func requireBaseURL(next provider.Factory) provider.Factory {
	return func(cfg provider.Config) (provider.Adapter, error) {
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("provider %q: base_url is required for type %s", cfg.Name, cfg.Type)
		}
		return next(cfg)
	}
}

func init() {
	RegisterBuiltins()
}
