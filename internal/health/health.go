// Package health tracks per-provider failure streaks and cooldown windows.
//
// A provider that fails is excluded from routing until its cooldown lapses.
// Each consecutive failure doubles the cooldown, up to a ceiling, and any
// success resets the streak. There is no terminal state: once the cooldown
// expires the next request may try the provider again, and a failure simply
// extends the cooldown.
package health

import (
	"context"
	"time"
)

// State is the coarse health of a provider.
type State string

const (
	StateHealthy State = "healthy"
	StateCooling State = "cooling"
)

// Record is a snapshot of a provider's health.
type Record struct {
	ProviderID          string    `json:"provider_id"`
	State               State     `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	CooldownUntil       time.Time `json:"cooldown_until,omitempty"`
	LastChecked         time.Time `json:"last_checked,omitempty"`
}

// AvailableAt reports whether the provider may be dispatched to at now.
func (r Record) AvailableAt(now time.Time) bool {
	return !now.Before(r.CooldownUntil)
}

// asOf reports the record as seen at now: a lapsed cooldown reads as healthy.
// The failure streak is kept until a success resets it.
func (r Record) asOf(now time.Time) Record {
	if r.State == StateCooling && r.AvailableAt(now) {
		r.State = StateHealthy
	}
	return r
}

// Store is the shared health state. Implementations must make every
// read-modify-write atomic across all gateway instances sharing the store.
type Store interface {
	// IsAvailable reports whether the provider is outside its cooldown.
	IsAvailable(ctx context.Context, providerID string) (bool, error)

	// Available is the batch form of IsAvailable.
	Available(ctx context.Context, providerIDs []string) (map[string]bool, error)

	// RecordSuccess resets the failure streak.
	RecordSuccess(ctx context.Context, providerID string) error

	// RecordFailure extends the failure streak and the cooldown, returning
	// the updated record.
	RecordFailure(ctx context.Context, providerID string) (Record, error)

	// Get returns the current record. Unknown providers are healthy.
	Get(ctx context.Context, providerID string) (Record, error)
}

// Policy controls cooldown growth and notification cadence.
type Policy struct {
	// BaseCooldown is doubled once per consecutive failure.
	BaseCooldown time.Duration
	// MaxCooldown caps the cooldown.
	MaxCooldown time.Duration
	// Retention is how long a record outlives its cooldown before the
	// shared store lets it expire.
	Retention time.Duration
	// NotifyEvery emits a notification on the first failure and on every
	// NotifyEvery-th consecutive failure after it.
	NotifyEvery int
}

// DefaultPolicy returns cooldowns of 2, 4, 8, ... minutes capped at one hour.
func DefaultPolicy() Policy {
	return Policy{
		BaseCooldown: time.Minute,
		MaxCooldown:  time.Hour,
		Retention:    24 * time.Hour,
		NotifyEvery:  5,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.BaseCooldown <= 0 {
		p.BaseCooldown = d.BaseCooldown
	}
	if p.MaxCooldown <= 0 {
		p.MaxCooldown = d.MaxCooldown
	}
	if p.Retention <= 0 {
		p.Retention = d.Retention
	}
	if p.NotifyEvery <= 0 {
		p.NotifyEvery = d.NotifyEvery
	}
	return p
}

// Cooldown returns min(BaseCooldown * 2^failures, MaxCooldown).
func (p Policy) Cooldown(failures int) time.Duration {
	d := p.BaseCooldown
	for i := 0; i < failures; i++ {
		d *= 2
		if d >= p.MaxCooldown {
			return p.MaxCooldown
		}
	}
	if d > p.MaxCooldown {
		return p.MaxCooldown
	}
	return d
}

// ShouldNotify reports whether a streak of the given length is announced.
func (p Policy) ShouldNotify(failures int) bool {
	if failures <= 0 {
		return false
	}
	return failures == 1 || failures%p.NotifyEvery == 0
}
