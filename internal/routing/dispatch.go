package routing

import (
	"context"
	"time"

	"github.com/blueberrycongee/tiergate/internal/metrics"
	"github.com/blueberrycongee/tiergate/internal/observability"
	"github.com/blueberrycongee/tiergate/internal/resilience"
	llmerrors "github.com/blueberrycongee/tiergate/pkg/errors"
	"github.com/blueberrycongee/tiergate/pkg/provider"
	"github.com/blueberrycongee/tiergate/pkg/types"
	"github.com/blueberrycongee/tiergate/routers"
)

const (
	resultSuccess   = "success"
	resultFailure   = "failure"
	resultThrottled = "throttled"
)

// callFunc performs one call against a candidate.
type callFunc[T any] func(ctx context.Context, c provider.Candidate, req *types.ChatRequest) (T, error)

// dispatched is the outcome of a successful walk.
type dispatched[T any] struct {
	value     T
	candidate provider.Candidate
	attempts  []llmerrors.Attempt
}

// dispatch walks the candidate groups in order until one call succeeds.
func dispatch[T any](ctx context.Context, e *Engine, req *types.ChatRequest, stream bool, groups []routers.Group, call callFunc[T]) (dispatched[T], error) {
	var (
		out      dispatched[T]
		attempts []llmerrors.Attempt
		logger   = observability.LoggerWithRequestID(ctx, e.logger)
	)

	for _, g := range groups {
		for _, c := range g.Candidates {
			if err := ctx.Err(); err != nil {
				return out, err
			}

			tier := c.Provider.Tier
			if d := e.reserve(ctx, c, req); !d.Allowed {
				metrics.QuotaThrottled.WithLabelValues(c.ID(), string(d.Metric)).Inc()
				metrics.RecordAttempt(c.ID(), tier, resultThrottled, 0)
				attempts = append(attempts, llmerrors.NewAttempt(c.ID(), c.Model, tier,
					llmerrors.NewQuotaExceededError(c.ID(), c.Model, d.RetryAfter), 0))
				logger.DebugContext(ctx, "provider quota exhausted, skipping",
					"provider", c.ID(),
					"metric", string(d.Metric),
					"retry_after", d.RetryAfter,
				)
				continue
			}

			r := requestFor(c, req, stream)
			attemptCtx, span := observability.StartAttemptSpan(ctx, e.tracer, c.ID(), c.Model, tier)
			start := e.now()
			value, err := resilience.Execute(attemptCtx, e.retry, llmerrors.IsRetryable,
				func(ctx context.Context) (T, error) {
					return call(ctx, c, r)
				},
				e.retryHook(ctx, c),
			)
			took := e.now().Sub(start)

			if err == nil {
				span.End()
				metrics.RecordAttempt(c.ID(), tier, resultSuccess, took)
				e.recordSuccess(ctx, c)
				if len(attempts) > 0 {
					logger.InfoContext(ctx, "request served after failover",
						"provider", c.ID(),
						"failed_attempts", len(attempts),
					)
				}
				out.value = value
				out.candidate = c
				out.attempts = attempts
				return out, nil
			}
			observability.RecordError(span, err)
			span.End()

			// The caller went away: nobody is to blame.
			if ctxErr := ctx.Err(); ctxErr != nil {
				return out, ctxErr
			}
			if llmerrors.IsTerminal(err) {
				metrics.RecordAttempt(c.ID(), tier, resultFailure, took)
				return out, err
			}

			metrics.RecordAttempt(c.ID(), tier, resultFailure, took)
			e.recordFailure(ctx, c, err)
			a := llmerrors.NewAttempt(c.ID(), c.Model, tier, err, took)
			attempts = append(attempts, a)
			metrics.RecordFailover(req.Model, c.ID(), a.Type)
			logger.WarnContext(ctx, "provider failed, failing over",
				"provider", c.ID(),
				"tier", tier,
				"error_type", a.Type,
				"latency", took,
				"error", err,
			)
		}
	}

	return out, exhausted(req.Model, attempts)
}

// retryHook counts and logs retries of a single candidate.
func (e *Engine) retryHook(ctx context.Context, c provider.Candidate) resilience.Hook {
	return func(attempt int, delay time.Duration, err error) {
		errType := llmerrors.NewAttempt(c.ID(), c.Model, c.Provider.Tier, err, 0).Type
		metrics.ProviderRetries.WithLabelValues(c.ID(), errType).Inc()
		observability.LoggerWithRequestID(ctx, e.logger).DebugContext(ctx, "retrying provider",
			"provider", c.ID(),
			"retry", attempt,
			"delay", delay,
			"error", err,
		)
	}
}

// exhausted builds the error for a walk that found no answer. When every
// candidate was skipped for quota the caller gets a 429 with the earliest
// time capacity frees up.
func exhausted(model string, attempts []llmerrors.Attempt) error {
	if len(attempts) == 0 {
		return llmerrors.NewNoHealthyProvidersError(model)
	}
	var retryAfter time.Duration
	for i, a := range attempts {
		if !a.Skipped {
			return &llmerrors.ExhaustedError{Model: model, Attempts: attempts}
		}
		if i == 0 || a.RetryAfter < retryAfter {
			retryAfter = a.RetryAfter
		}
	}
	return llmerrors.NewQuotaExceededError("", model, retryAfter)
}
