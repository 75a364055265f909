package quota

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/blueberrycongee/tiergate/pkg/provider"
)

// MemoryTracker keeps quota counters in process memory.
//
// Characteristics:
//   - Counters are local to one gateway instance
//   - Same window semantics as RedisTracker
//
// Use Cases:
//   - Development and tests
//   - Single-node deployments without Redis
type MemoryTracker struct {
	mu       sync.Mutex
	counters *cache.Cache
	now      func() time.Time
}

type slidingEntry struct {
	at     time.Time
	amount int64
}

// MemoryOption configures a MemoryTracker.
type MemoryOption func(*MemoryTracker)

// WithMemoryClock overrides the time source.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(t *MemoryTracker) {
		t.now = now
	}
}

// NewMemoryTracker creates an in-memory quota tracker.
func NewMemoryTracker(opts ...MemoryOption) *MemoryTracker {
	t := &MemoryTracker{
		counters: cache.New(time.Hour, 5*time.Minute),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// TryReserve implements Tracker.
func (t *MemoryTracker) TryReserve(ctx context.Context, providerID string, limits provider.Limits, metric Metric, amount int64) (Decision, error) {
	return t.Reserve(ctx, providerID, limits, []Request{{Metric: metric, Amount: amount}})
}

// Reserve implements Tracker.
func (t *MemoryTracker) Reserve(_ context.Context, providerID string, limits provider.Limits, reqs []Request) (Decision, error) {
	checks := applicable(limits, reqs)
	if len(checks) == 0 {
		return Allow, nil
	}

	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()

	if limits.Mode == provider.WindowSliding {
		return t.reserveSliding(providerID, limits.Window, now, checks), nil
	}
	return t.reserveFixed(providerID, limits.Window, now, checks), nil
}

func (t *MemoryTracker) reserveFixed(providerID string, window time.Duration, now time.Time, checks []bounded) Decision {
	start := windowStart(now, window)
	end := start.Add(window)
	keys := make([]string, len(checks))
	for i, c := range checks {
		keys[i] = fmt.Sprintf("%s:%s:%d", providerID, c.Metric, start.UnixMilli())
		used := t.fixedCount(keys[i])
		if used+c.Amount > c.limit {
			return Decision{Metric: c.Metric, Used: used, Limit: c.limit, RetryAfter: end.Sub(now)}
		}
	}
	for i, c := range checks {
		// Expiry runs on wall time; the key already pins the window, so a
		// generous TTL is enough to bound memory.
		t.counters.Set(keys[i], t.fixedCount(keys[i])+c.Amount, window+time.Minute)
	}
	return Allow
}

func (t *MemoryTracker) fixedCount(key string) int64 {
	if v, ok := t.counters.Get(key); ok {
		if n, ok := v.(int64); ok {
			return n
		}
	}
	return 0
}

func (t *MemoryTracker) reserveSliding(providerID string, window time.Duration, now time.Time, checks []bounded) Decision {
	cutoff := now.Add(-window)
	keys := make([]string, len(checks))
	live := make([][]slidingEntry, len(checks))
	for i, c := range checks {
		keys[i] = fmt.Sprintf("%s:%s:sliding", providerID, c.Metric)
		live[i] = t.slidingEntries(keys[i], cutoff)

		var used int64
		for _, e := range live[i] {
			used += e.amount
		}
		if used+c.Amount <= c.limit {
			continue
		}

		retry := window
		if c.Amount <= c.limit {
			excess := used + c.Amount - c.limit
			var freed int64
			for _, e := range live[i] {
				freed += e.amount
				if freed >= excess {
					retry = e.at.Add(window).Sub(now)
					break
				}
			}
		}
		return Decision{Metric: c.Metric, Used: used, Limit: c.limit, RetryAfter: retry}
	}
	for i, c := range checks {
		t.counters.Set(keys[i], append(live[i], slidingEntry{at: now, amount: c.Amount}), window+time.Minute)
	}
	return Allow
}

// slidingEntries returns the entries newer than cutoff, oldest first.
func (t *MemoryTracker) slidingEntries(key string, cutoff time.Time) []slidingEntry {
	v, ok := t.counters.Get(key)
	if !ok {
		return nil
	}
	entries, _ := v.([]slidingEntry)
	out := make([]slidingEntry, 0, len(entries))
	for _, e := range entries {
		if e.at.After(cutoff) {
			out = append(out, e)
		}
	}
	return out
}
