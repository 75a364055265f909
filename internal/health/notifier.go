package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// EventKind distinguishes health notifications.
type EventKind string

const (
	// EventCooling is emitted on the first failure of a streak and on every
	// Policy.NotifyEvery-th failure after it.
	EventCooling EventKind = "cooling"
	// EventRecovered is emitted when a provider with a failure streak
	// succeeds again.
	EventRecovered EventKind = "recovered"
)

// Event describes a health change.
type Event struct {
	ProviderID    string
	Kind          EventKind
	Failures      int
	CooldownUntil time.Time
	At            time.Time
}

// Notifier receives health-changed events. Notify must not block for long;
// it runs on the request path.
type Notifier interface {
	Notify(ctx context.Context, ev Event)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, ev Event)

// Notify implements Notifier.
func (f NotifierFunc) Notify(ctx context.Context, ev Event) { f(ctx, ev) }

// NopNotifier drops every event.
type NopNotifier struct{}

// Notify implements Notifier.
func (NopNotifier) Notify(context.Context, Event) {}

// Notifiers fans an event out to several notifiers in order.
type Notifiers []Notifier

// Notify implements Notifier.
func (ns Notifiers) Notify(ctx context.Context, ev Event) {
	for _, n := range ns {
		n.Notify(ctx, ev)
	}
}

func notifyFailure(ctx context.Context, n Notifier, p Policy, rec Record) {
	if !p.ShouldNotify(rec.ConsecutiveFailures) {
		return
	}
	n.Notify(ctx, Event{
		ProviderID:    rec.ProviderID,
		Kind:          EventCooling,
		Failures:      rec.ConsecutiveFailures,
		CooldownUntil: rec.CooldownUntil,
		At:            rec.LastChecked,
	})
}

// LogNotifier writes events to a structured logger.
type LogNotifier struct {
	Logger *slog.Logger
}

// Notify implements Notifier.
func (l LogNotifier) Notify(ctx context.Context, ev Event) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	switch ev.Kind {
	case EventRecovered:
		logger.InfoContext(ctx, "provider recovered",
			"provider", ev.ProviderID,
			"previous_failures", ev.Failures,
		)
	default:
		logger.WarnContext(ctx, "provider cooling down",
			"provider", ev.ProviderID,
			"consecutive_failures", ev.Failures,
			"cooldown_until", ev.CooldownUntil,
		)
	}
}

// ThrottledNotifier forwards at most a bounded rate of events per provider
// so a flapping provider cannot flood the alerting channel.
type ThrottledNotifier struct {
	next  Notifier
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	dropped  map[string]int
}

// NewThrottledNotifier allows every events per provider, with the given burst.
func NewThrottledNotifier(next Notifier, every time.Duration, burst int) *ThrottledNotifier {
	if burst <= 0 {
		burst = 1
	}
	return &ThrottledNotifier{
		next:     next,
		limit:    rate.Every(every),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
		dropped:  make(map[string]int),
	}
}

// Notify implements Notifier.
func (t *ThrottledNotifier) Notify(ctx context.Context, ev Event) {
	t.mu.Lock()
	lim, ok := t.limiters[ev.ProviderID]
	if !ok {
		lim = rate.NewLimiter(t.limit, t.burst)
		t.limiters[ev.ProviderID] = lim
	}
	allowed := lim.AllowN(ev.At, 1)
	if !allowed {
		t.dropped[ev.ProviderID]++
	}
	t.mu.Unlock()

	if allowed {
		t.next.Notify(ctx, ev)
	}
}

// Dropped returns how many events for a provider were suppressed.
func (t *ThrottledNotifier) Dropped(providerID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dropped[providerID]
}
