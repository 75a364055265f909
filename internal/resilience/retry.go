// Package resilience contains the retry policy applied to each provider call.
package resilience

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Policy is an exponential backoff policy.
type Policy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	// InitialDelay is the wait before the first retry.
	InitialDelay time.Duration
	// Multiplier scales the delay for each further retry.
	Multiplier float64
	// MaxDelay caps a single delay. Zero means uncapped.
	MaxDelay time.Duration
	// Jitter randomises each delay by up to this fraction in either
	// direction. Zero disables it.
	Jitter float64
}

// DefaultPolicy retries twice, after 200ms and 400ms.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:   2,
		InitialDelay: 200 * time.Millisecond,
		Multiplier:   2,
		MaxDelay:     5 * time.Second,
	}
}

// Delay returns the wait before retry n (0-based), before jitter.
func (p Policy) Delay(n int) time.Duration {
	mult := p.Multiplier
	if mult <= 0 {
		mult = 1
	}
	d := float64(p.InitialDelay) * math.Pow(mult, float64(n))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

func (p Policy) jittered(n int) time.Duration {
	d := p.Delay(n)
	if p.Jitter <= 0 || d <= 0 {
		return d
	}
	spread := float64(d) * p.Jitter
	return time.Duration(float64(d) - spread + rand.Float64()*2*spread) //nolint:gosec // jitter only
}

// RetryFunc reports whether an error may be retried.
type RetryFunc func(err error) bool

// Hook observes a scheduled retry. attempt is the 1-based retry number.
type Hook func(attempt int, delay time.Duration, err error)

// Execute runs action until it succeeds, fails with an error shouldRetry
// rejects, or the retry budget is spent. It returns the last error. A
// cancelled context stops it before the next attempt and during a delay, in
// which case the context error is returned.
func Execute[T any](ctx context.Context, p Policy, shouldRetry RetryFunc, action func(ctx context.Context) (T, error), hooks ...Hook) (T, error) {
	var zero T
	for n := 0; ; n++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		out, err := action(ctx)
		if err == nil {
			return out, nil
		}
		if n >= p.MaxRetries || !shouldRetry(err) {
			return zero, err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, ctxErr
		}

		delay := p.jittered(n)
		for _, h := range hooks {
			h(n+1, delay, err)
		}
		if delay <= 0 {
			continue
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}
}
