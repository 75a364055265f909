package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/blueberrycongee/tiergate/pkg/provider"
)

// RedisTracker shares quota counters across gateway instances through Redis.
// Fixed windows use one INCRBY counter per window; sliding windows keep a
// sorted set of "<amount>:<id>" members scored by reservation time.
type RedisTracker struct {
	client    redis.UniversalClient
	keyPrefix string
	now       func() time.Time
	script    *redis.Script
}

// RedisOption configures a RedisTracker.
type RedisOption func(*RedisTracker)

// WithRedisKeyPrefix sets the key prefix (default: "tiergate:quota").
func WithRedisKeyPrefix(prefix string) RedisOption {
	return func(t *RedisTracker) {
		t.keyPrefix = prefix
	}
}

// WithRedisClock overrides the time source.
func WithRedisClock(now func() time.Time) RedisOption {
	return func(t *RedisTracker) {
		t.now = now
	}
}

// NewRedisTracker creates a Redis-backed quota tracker.
func NewRedisTracker(client redis.UniversalClient, opts ...RedisOption) *RedisTracker {
	t := &RedisTracker{
		client:    client,
		keyPrefix: "tiergate:quota",
		now:       time.Now,
		script:    redis.NewScript(reserveScript),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *RedisTracker) key(providerID string, m Metric, mode provider.WindowMode, start time.Time) string {
	if mode == provider.WindowSliding {
		return fmt.Sprintf("%s:{%s}:%s:sliding", t.keyPrefix, providerID, m)
	}
	return fmt.Sprintf("%s:{%s}:%s:%d", t.keyPrefix, providerID, m, start.UnixMilli())
}

// TryReserve implements Tracker.
func (t *RedisTracker) TryReserve(ctx context.Context, providerID string, limits provider.Limits, metric Metric, amount int64) (Decision, error) {
	return t.Reserve(ctx, providerID, limits, []Request{{Metric: metric, Amount: amount}})
}

// Reserve implements Tracker.
func (t *RedisTracker) Reserve(ctx context.Context, providerID string, limits provider.Limits, reqs []Request) (Decision, error) {
	checks := applicable(limits, reqs)
	if len(checks) == 0 {
		return Allow, nil
	}

	now := t.now()
	start := windowStart(now, limits.Window)
	mode := limits.Mode
	if mode == "" {
		mode = provider.WindowFixed
	}

	keys := make([]string, len(checks))
	args := make([]interface{}, 0, 5+2*len(checks))
	args = append(args, now.UnixMilli(), limits.Window.Milliseconds(), string(mode), uuid.NewString(), start.UnixMilli())
	for i, c := range checks {
		keys[i] = t.key(providerID, c.Metric, mode, start)
		args = append(args, c.Amount, c.limit)
	}

	res, err := t.script.Run(ctx, t.client, keys, args...).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("quota reserve %s: %w", providerID, err)
	}
	if len(res) != 4 {
		return Decision{}, fmt.Errorf("quota reserve %s: unexpected script result %v", providerID, res)
	}
	if res[0] == 1 {
		return Allow, nil
	}

	idx := int(res[1]) - 1
	if idx < 0 || idx >= len(checks) {
		return Decision{}, fmt.Errorf("quota reserve %s: bad counter index %d", providerID, res[1])
	}
	return Decision{
		Metric:     checks[idx].Metric,
		Used:       res[2],
		Limit:      checks[idx].limit,
		RetryAfter: time.Duration(res[3]) * time.Millisecond,
	}, nil
}
