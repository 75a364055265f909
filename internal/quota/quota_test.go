package quota

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/tiergate/pkg/provider"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

// newClock starts 30 seconds into a minute so fixed windows have a known end.
func newClock() *clock {
	return &clock{now: time.Date(2026, 3, 1, 9, 0, 30, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func runTrackerContract(t *testing.T, newTracker func(c *clock) Tracker) {
	ctx := context.Background()

	t.Run("unlimited never touches counters", func(t *testing.T) {
		tr := newTracker(newClock())
		for i := 0; i < 100; i++ {
			d, err := tr.TryReserve(ctx, "a", provider.Limits{}, MetricRequests, 1)
			require.NoError(t, err)
			assert.True(t, d.Allowed)
		}
		d, err := tr.TryReserve(ctx, "a", provider.Limits{Tokens: 10, Window: time.Minute}, MetricRequests, 1)
		require.NoError(t, err)
		assert.True(t, d.Allowed, "request metric has no limit")
	})

	t.Run("fixed window throttles and resets at boundary", func(t *testing.T) {
		c := newClock()
		tr := newTracker(c)
		limits := provider.Limits{Requests: 2, Window: time.Minute}

		for i := 0; i < 2; i++ {
			d, err := tr.TryReserve(ctx, "a", limits, MetricRequests, 1)
			require.NoError(t, err)
			assert.True(t, d.Allowed)
		}
		d, err := tr.TryReserve(ctx, "a", limits, MetricRequests, 1)
		require.NoError(t, err)
		assert.False(t, d.Allowed)
		assert.Equal(t, MetricRequests, d.Metric)
		assert.Equal(t, int64(2), d.Used)
		assert.Equal(t, int64(2), d.Limit)
		assert.Equal(t, 30*time.Second, d.RetryAfter)

		d, _ = tr.TryReserve(ctx, "b", limits, MetricRequests, 1)
		assert.True(t, d.Allowed, "counters are per provider")

		c.Advance(30 * time.Second)
		d, err = tr.TryReserve(ctx, "a", limits, MetricRequests, 1)
		require.NoError(t, err)
		assert.True(t, d.Allowed, "new window")
	})

	t.Run("batch is all or nothing", func(t *testing.T) {
		tr := newTracker(newClock())
		limits := provider.Limits{Requests: 2, Tokens: 100, Window: time.Minute}

		d, err := tr.Reserve(ctx, "a", limits, []Request{{MetricRequests, 1}, {MetricTokens, 60}})
		require.NoError(t, err)
		assert.True(t, d.Allowed)

		d, err = tr.Reserve(ctx, "a", limits, []Request{{MetricRequests, 1}, {MetricTokens, 60}})
		require.NoError(t, err)
		assert.False(t, d.Allowed)
		assert.Equal(t, MetricTokens, d.Metric)
		assert.Equal(t, int64(60), d.Used)

		d, err = tr.Reserve(ctx, "a", limits, []Request{{MetricRequests, 1}, {MetricTokens, 40}})
		require.NoError(t, err)
		assert.True(t, d.Allowed, "the refused batch must not have consumed a request")

		d, _ = tr.Reserve(ctx, "a", limits, []Request{{MetricRequests, 1}, {MetricTokens, 0}})
		assert.False(t, d.Allowed)
		assert.Equal(t, MetricRequests, d.Metric)
	})

	t.Run("sliding window frees oldest usage", func(t *testing.T) {
		c := newClock()
		tr := newTracker(c)
		limits := provider.Limits{Requests: 3, Window: time.Minute, Mode: provider.WindowSliding}

		for i := 0; i < 3; i++ {
			d, err := tr.TryReserve(ctx, "a", limits, MetricRequests, 1)
			require.NoError(t, err)
			assert.True(t, d.Allowed)
			c.Advance(20 * time.Second)
		}
		c.Advance(-10 * time.Second) // t = 50s

		d, err := tr.TryReserve(ctx, "a", limits, MetricRequests, 1)
		require.NoError(t, err)
		assert.False(t, d.Allowed)
		assert.Equal(t, int64(3), d.Used)
		assert.Equal(t, 10*time.Second, d.RetryAfter)

		c.Advance(10 * time.Second) // t = 60s, first entry leaves the window
		d, err = tr.TryReserve(ctx, "a", limits, MetricRequests, 1)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	})

	t.Run("sliding window retry covers the excess", func(t *testing.T) {
		c := newClock()
		tr := newTracker(c)
		limits := provider.Limits{Tokens: 100, Window: time.Minute, Mode: provider.WindowSliding}

		d, _ := tr.TryReserve(ctx, "a", limits, MetricTokens, 30)
		require.True(t, d.Allowed)
		c.Advance(10 * time.Second)
		d, _ = tr.TryReserve(ctx, "a", limits, MetricTokens, 50)
		require.True(t, d.Allowed)
		c.Advance(10 * time.Second)

		// 80 used, asking 70: 50 must free, which needs both entries gone.
		d, err := tr.TryReserve(ctx, "a", limits, MetricTokens, 70)
		require.NoError(t, err)
		assert.False(t, d.Allowed)
		assert.Equal(t, 50*time.Second, d.RetryAfter)
	})

	t.Run("oversized request is refused for a full window", func(t *testing.T) {
		tr := newTracker(newClock())
		limits := provider.Limits{Tokens: 100, Window: time.Minute, Mode: provider.WindowSliding}

		d, err := tr.TryReserve(ctx, "a", limits, MetricTokens, 150)
		require.NoError(t, err)
		assert.False(t, d.Allowed)
		assert.Equal(t, time.Minute, d.RetryAfter)
	})

	t.Run("exactly one winner for the last unit", func(t *testing.T) {
		tr := newTracker(newClock())
		limits := provider.Limits{Requests: 1, Window: time.Minute}

		var allowed atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				d, err := tr.TryReserve(ctx, "a", limits, MetricRequests, 1)
				assert.NoError(t, err)
				if d.Allowed {
					allowed.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), allowed.Load())
	})
}

func TestMemoryTracker(t *testing.T) {
	runTrackerContract(t, func(c *clock) Tracker {
		return NewMemoryTracker(WithMemoryClock(c.Now))
	})
}

func TestWindowStart(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 7, 42, 0, time.UTC)
	assert.True(t, windowStart(now, time.Minute).Equal(time.Date(2026, 3, 1, 9, 7, 0, 0, time.UTC)))
	assert.True(t, windowStart(now, time.Hour).Equal(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)))
}

func TestReserve_SubMillisecondWindowIsUnlimited(t *testing.T) {
	limits := provider.Limits{Requests: 1, Tokens: 10, Window: 500 * time.Microsecond}
	reqs := []Request{{Metric: MetricRequests, Amount: 1}, {Metric: MetricTokens, Amount: 100}}

	assert.Nil(t, applicable(limits, reqs))

	tr := NewMemoryTracker(WithMemoryClock(newClock().Now))
	for i := 0; i < 3; i++ {
		var d Decision
		require.NotPanics(t, func() {
			var err error
			d, err = tr.Reserve(context.Background(), "a", limits, reqs)
			require.NoError(t, err)
		})
		assert.True(t, d.Allowed)
	}
}
