package health

import (
	"context"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

// MemoryStore keeps health records in process memory.
//
// Characteristics:
//   - Single instance only; records are not shared across gateways
//   - Records expire after cooldown + retention, like the Redis store
//
// Use Cases:
//   - Development and tests
//   - Single-node deployments without Redis
type MemoryStore struct {
	mu       sync.Mutex
	records  *cache.Cache
	policy   Policy
	notifier Notifier
	now      func() time.Time
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithMemoryPolicy sets the cooldown policy.
func WithMemoryPolicy(p Policy) MemoryOption {
	return func(s *MemoryStore) {
		s.policy = p.withDefaults()
	}
}

// WithMemoryNotifier sets the health-changed notifier.
func WithMemoryNotifier(n Notifier) MemoryOption {
	return func(s *MemoryStore) {
		s.notifier = n
	}
}

// WithMemoryClock overrides the time source.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		s.now = now
	}
}

// NewMemoryStore creates an in-memory health store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		policy:   DefaultPolicy(),
		notifier: NopNotifier{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.records = cache.New(s.policy.Retention, 10*time.Minute)
	return s
}

func (s *MemoryStore) load(providerID string) Record {
	if v, ok := s.records.Get(providerID); ok {
		if rec, ok := v.(Record); ok {
			return rec
		}
	}
	return Record{ProviderID: providerID, State: StateHealthy}
}

// IsAvailable implements Store.
func (s *MemoryStore) IsAvailable(_ context.Context, providerID string) (bool, error) {
	s.mu.Lock()
	rec := s.load(providerID)
	s.mu.Unlock()
	return rec.AvailableAt(s.now()), nil
}

// Available implements Store.
func (s *MemoryStore) Available(_ context.Context, providerIDs []string) (map[string]bool, error) {
	now := s.now()
	out := make(map[string]bool, len(providerIDs))
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range providerIDs {
		out[id] = s.load(id).AvailableAt(now)
	}
	return out, nil
}

// RecordSuccess implements Store.
func (s *MemoryStore) RecordSuccess(ctx context.Context, providerID string) error {
	now := s.now()

	s.mu.Lock()
	previous := s.load(providerID).ConsecutiveFailures
	s.records.Set(providerID, Record{
		ProviderID:  providerID,
		State:       StateHealthy,
		LastChecked: now,
	}, s.policy.Retention)
	s.mu.Unlock()

	if previous > 0 {
		s.notifier.Notify(ctx, Event{
			ProviderID: providerID,
			Kind:       EventRecovered,
			Failures:   previous,
			At:         now,
		})
	}
	return nil
}

// RecordFailure implements Store.
func (s *MemoryStore) RecordFailure(ctx context.Context, providerID string) (Record, error) {
	now := s.now()

	s.mu.Lock()
	rec := s.load(providerID)
	rec.ConsecutiveFailures++
	cooldown := s.policy.Cooldown(rec.ConsecutiveFailures)
	rec.State = StateCooling
	rec.CooldownUntil = now.Add(cooldown)
	rec.LastChecked = now
	s.records.Set(providerID, rec, cooldown+s.policy.Retention)
	s.mu.Unlock()

	notifyFailure(ctx, s.notifier, s.policy, rec)
	return rec, nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, providerID string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(providerID).asOf(s.now()), nil
}
