// Package quota enforces the gateway's own per-provider usage limits.
//
// Every provider may carry a request and a token limit over a window. Before
// a candidate is called the engine reserves the request's usage; a throttled
// reservation means the candidate is skipped for that request without any
// effect on its health.
package quota

import (
	"context"
	"time"

	"github.com/blueberrycongee/tiergate/pkg/provider"
)

// Metric is the unit a limit counts.
type Metric string

const (
	MetricRequests Metric = "requests"
	MetricTokens   Metric = "tokens"
)

// Request is one metric's share of a reservation.
type Request struct {
	Metric Metric
	Amount int64
}

// Decision is the outcome of a reservation.
type Decision struct {
	Allowed bool
	// Metric, Used and Limit describe the counter that refused the
	// reservation. Empty when Allowed.
	Metric Metric
	Used   int64
	Limit  int64
	// RetryAfter is the time until enough capacity frees up.
	RetryAfter time.Duration
}

// Allow is the decision for an unlimited or admitted reservation.
var Allow = Decision{Allowed: true}

// Tracker reserves usage against provider limits. Implementations check and
// increment atomically: when two callers race for the last unit exactly one
// is allowed.
type Tracker interface {
	// TryReserve reserves amount of a single metric.
	TryReserve(ctx context.Context, providerID string, limits provider.Limits, metric Metric, amount int64) (Decision, error)

	// Reserve reserves several metrics all-or-nothing: either every counter
	// is incremented or none is.
	Reserve(ctx context.Context, providerID string, limits provider.Limits, reqs []Request) (Decision, error)
}

// limitFor returns the configured limit of a metric, 0 meaning unlimited.
func limitFor(l provider.Limits, m Metric) int64 {
	switch m {
	case MetricRequests:
		return int64(l.Requests)
	case MetricTokens:
		return int64(l.Tokens)
	default:
		return 0
	}
}

// bounded is a request paired with its limit.
type bounded struct {
	Request
	limit int64
}

// applicable drops requests whose metric has no limit. A nil result means
// the reservation is unconditionally allowed, including for windows too short
// to count.
func applicable(l provider.Limits, reqs []Request) []bounded {
	if l.Window < provider.MinWindow {
		return nil
	}
	var out []bounded
	for _, r := range reqs {
		limit := limitFor(l, r.Metric)
		if limit <= 0 || r.Amount <= 0 {
			continue
		}
		out = append(out, bounded{Request: r, limit: limit})
	}
	return out
}

// windowStart returns the start of the fixed window containing now.
func windowStart(now time.Time, window time.Duration) time.Time {
	ms := now.UnixMilli()
	w := window.Milliseconds()
	return time.UnixMilli(ms - ms%w)
}
