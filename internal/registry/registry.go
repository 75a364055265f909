// Package registry holds the set of configured providers and resolves the
// candidates that can serve a requested model.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/blueberrycongee/tiergate/pkg/provider"
)

// Entry pairs a provider definition with the adapter that calls it.
type Entry struct {
	Provider provider.Provider
	Adapter  provider.Adapter
}

// Registry is safe for concurrent use. Reads never block each other; a
// configuration reload swaps the whole set under the write lock.
type Registry struct {
	mu      sync.RWMutex
	entries []Entry
	index   map[string]int
}

// New creates a registry holding entries in the given order.
func New(entries ...Entry) (*Registry, error) {
	r := &Registry{index: make(map[string]int)}
	if err := r.Replace(entries); err != nil {
		return nil, err
	}
	return r, nil
}

// Register adds a provider. Registration order breaks ties inside a tier.
func (r *Registry) Register(p provider.Provider, a provider.Adapter) error {
	if err := validateEntry(Entry{Provider: p, Adapter: a}); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.index[p.ID]; exists {
		return fmt.Errorf("provider %q already registered", p.ID)
	}
	r.index[p.ID] = len(r.entries)
	r.entries = append(r.entries, Entry{Provider: p, Adapter: a})
	return nil
}

// Remove drops a provider. Removing an unknown ID is a no-op.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pos, ok := r.index[id]
	if !ok {
		return
	}
	r.entries = append(r.entries[:pos:pos], r.entries[pos+1:]...)
	r.reindex()
}

// Replace atomically swaps the full provider set. On error the previous set
// stays in place.
func (r *Registry) Replace(entries []Entry) error {
	index := make(map[string]int, len(entries))
	for i, e := range entries {
		if err := validateEntry(e); err != nil {
			return err
		}
		if _, dup := index[e.Provider.ID]; dup {
			return fmt.Errorf("duplicate provider id %q", e.Provider.ID)
		}
		index[e.Provider.ID] = i
	}
	copied := append([]Entry(nil), entries...)

	r.mu.Lock()
	r.entries = copied
	r.index = index
	r.mu.Unlock()
	return nil
}

func (r *Registry) reindex() {
	r.index = make(map[string]int, len(r.entries))
	for i, e := range r.entries {
		r.index[e.Provider.ID] = i
	}
}

func validateEntry(e Entry) error {
	if e.Provider.ID == "" {
		return fmt.Errorf("provider id is required")
	}
	if e.Adapter == nil {
		return fmt.Errorf("provider %q has no adapter", e.Provider.ID)
	}
	return nil
}

// ResolveCandidates returns every enabled provider serving model, ordered by
// tier ascending and registration order within a tier. An unknown model
// yields an empty slice.
func (r *Registry) ResolveCandidates(model string) []provider.Candidate {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []provider.Candidate
	for _, e := range r.entries {
		if !e.Provider.Enabled {
			continue
		}
		upstream, ok := e.Provider.Resolve(model)
		if !ok {
			continue
		}
		out = append(out, provider.Candidate{
			Provider: e.Provider,
			Model:    upstream,
			Adapter:  e.Adapter,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Provider.Tier < out[j].Provider.Tier
	})
	return out
}

// Get returns the provider with the given ID.
func (r *Registry) Get(id string) (provider.Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pos, ok := r.index[id]
	if !ok {
		return provider.Provider{}, false
	}
	return r.entries[pos].Provider, true
}

// Providers returns a snapshot of all registered providers, enabled or not.
func (r *Registry) Providers() []provider.Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]provider.Provider, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.Provider
	}
	return out
}

// Models lists the model names (including aliases) served by at least one
// enabled provider, sorted.
func (r *Registry) Models() []string {
	r.mu.RLock()
	seen := make(map[string]struct{})
	for _, e := range r.entries {
		if !e.Provider.Enabled {
			continue
		}
		for _, m := range e.Provider.Models {
			seen[m] = struct{}{}
		}
		for alias := range e.Provider.ModelAliases {
			seen[alias] = struct{}{}
		}
	}
	r.mu.RUnlock()

	out := make([]string, 0, len(seen))
	for m := range seen {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}
