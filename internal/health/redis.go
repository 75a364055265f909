package health

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps health records in Redis so every gateway instance sees
// the same cooldowns. Writes run as Lua scripts; reads are plain HGET/HMGET.
//
// Keys are "<prefix>:{<provider>}" hashes with fields failures, state,
// cooldown_until and last_checked (unix ms). The hash tag pins each provider
// to one cluster slot.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
	policy    Policy
	notifier  Notifier
	now       func() time.Time

	failureScript *redis.Script
	successScript *redis.Script
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithRedisKeyPrefix sets the key prefix (default: "tiergate:health").
func WithRedisKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		s.keyPrefix = prefix
	}
}

// WithRedisPolicy sets the cooldown policy.
func WithRedisPolicy(p Policy) RedisOption {
	return func(s *RedisStore) {
		s.policy = p.withDefaults()
	}
}

// WithRedisNotifier sets the health-changed notifier.
func WithRedisNotifier(n Notifier) RedisOption {
	return func(s *RedisStore) {
		s.notifier = n
	}
}

// WithRedisClock overrides the time source.
func WithRedisClock(now func() time.Time) RedisOption {
	return func(s *RedisStore) {
		s.now = now
	}
}

// NewRedisStore creates a Redis-backed health store.
func NewRedisStore(client redis.UniversalClient, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client:        client,
		keyPrefix:     "tiergate:health",
		policy:        DefaultPolicy(),
		notifier:      NopNotifier{},
		now:           time.Now,
		failureScript: redis.NewScript(recordFailureScript),
		successScript: redis.NewScript(recordSuccessScript),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) key(providerID string) string {
	return fmt.Sprintf("%s:{%s}", s.keyPrefix, providerID)
}

// IsAvailable implements Store.
func (s *RedisStore) IsAvailable(ctx context.Context, providerID string) (bool, error) {
	raw, err := s.client.HGet(ctx, s.key(providerID), "cooldown_until").Result()
	if errors.Is(err, redis.Nil) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("health read %s: %w", providerID, err)
	}
	until, _ := strconv.ParseInt(raw, 10, 64)
	return s.now().UnixMilli() >= until, nil
}

// Available implements Store with one pipelined round trip.
func (s *RedisStore) Available(ctx context.Context, providerIDs []string) (map[string]bool, error) {
	out := make(map[string]bool, len(providerIDs))
	if len(providerIDs) == 0 {
		return out, nil
	}

	cmds := make([]*redis.StringCmd, len(providerIDs))
	pipe := s.client.Pipeline()
	for i, id := range providerIDs {
		cmds[i] = pipe.HGet(ctx, s.key(id), "cooldown_until")
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("health batch read: %w", err)
	}

	now := s.now().UnixMilli()
	for i, id := range providerIDs {
		raw, err := cmds[i].Result()
		if errors.Is(err, redis.Nil) {
			out[id] = true
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("health read %s: %w", id, err)
		}
		until, _ := strconv.ParseInt(raw, 10, 64)
		out[id] = now >= until
	}
	return out, nil
}

// RecordSuccess implements Store.
func (s *RedisStore) RecordSuccess(ctx context.Context, providerID string) error {
	now := s.now()
	previous, err := s.successScript.Run(ctx, s.client,
		[]string{s.key(providerID)},
		now.UnixMilli(),
		s.policy.Retention.Milliseconds(),
	).Int()
	if err != nil {
		return fmt.Errorf("health success %s: %w", providerID, err)
	}
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
func (s *RedisStore) RecordFailure(ctx context.Context, providerID string) (Record, error) {
	now := s.now()
	res, err := s.failureScript.Run(ctx, s.client,
		[]string{s.key(providerID)},
		now.UnixMilli(),
		s.policy.BaseCooldown.Milliseconds(),
		s.policy.MaxCooldown.Milliseconds(),
		s.policy.Retention.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return Record{}, fmt.Errorf("health failure %s: %w", providerID, err)
	}
	if len(res) != 2 {
		return Record{}, fmt.Errorf("health failure %s: unexpected script result %v", providerID, res)
	}

	rec := Record{
		ProviderID:          providerID,
		State:               StateCooling,
		ConsecutiveFailures: int(res[0]),
		CooldownUntil:       time.UnixMilli(res[1]),
		LastChecked:         now,
	}
	notifyFailure(ctx, s.notifier, s.policy, rec)
	return rec, nil
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, providerID string) (Record, error) {
	vals, err := s.client.HMGet(ctx, s.key(providerID), "failures", "state", "cooldown_until", "last_checked").Result()
	if err != nil {
		return Record{}, fmt.Errorf("health read %s: %w", providerID, err)
	}
	rec := Record{ProviderID: providerID, State: StateHealthy}
	if f, ok := vals[0].(string); ok {
		rec.ConsecutiveFailures, _ = strconv.Atoi(f)
	}
	if st, ok := vals[1].(string); ok && st != "" {
		rec.State = State(st)
	}
	if u, ok := vals[2].(string); ok {
		if ms, _ := strconv.ParseInt(u, 10, 64); ms > 0 {
			rec.CooldownUntil = time.UnixMilli(ms)
		}
	}
	if lc, ok := vals[3].(string); ok {
		if ms, _ := strconv.ParseInt(lc, 10, 64); ms > 0 {
			rec.LastChecked = time.UnixMilli(ms)
		}
	}
	return rec.asOf(s.now()), nil
}
