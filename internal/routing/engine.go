// Package routing is the tiered routing and failover engine.
//
// For each request the engine resolves the providers serving the model,
// drops those cooling down, orders the rest by tier and cost, and walks them
// in that order. Each candidate must first pass its local quota, is then
// called under the retry policy, and on failure is penalised in the health
// store before the engine moves on. The first success ends the walk.
package routing

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/blueberrycongee/tiergate/internal/health"
	"github.com/blueberrycongee/tiergate/internal/metrics"
	"github.com/blueberrycongee/tiergate/internal/observability"
	"github.com/blueberrycongee/tiergate/internal/quota"
	"github.com/blueberrycongee/tiergate/internal/resilience"
	llmerrors "github.com/blueberrycongee/tiergate/pkg/errors"
	"github.com/blueberrycongee/tiergate/pkg/provider"
	"github.com/blueberrycongee/tiergate/pkg/types"
	"github.com/blueberrycongee/tiergate/routers"
)

// Resolver finds the candidates serving a model, sorted by tier.
type Resolver interface {
	ResolveCandidates(model string) []provider.Candidate
}

// Orderer turns tier-sorted candidates into the groups to walk.
type Orderer interface {
	Order(requestID string, candidates []provider.Candidate) []routers.Group
}

const (
	defaultReleaseTimeout    = 100 * time.Millisecond
	defaultCompletionTokens  = 256
	outcomeSuccess           = "success"
	outcomeExhausted         = "exhausted"
	outcomeNoProviders       = "no_providers"
	outcomeQuotaExceeded     = "quota_exceeded"
	outcomeInvalid           = "invalid_request"
	outcomeCanceled          = "canceled"
	outcomeStreamInterrupted = "stream_interrupted"
)

// Engine routes requests across providers. It is safe for concurrent use.
type Engine struct {
	resolver Resolver
	health   health.Store
	quota    quota.Tracker
	selector Orderer
	retry    resilience.Policy
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time

	quotaFailOpen    bool
	releaseTimeout   time.Duration
	completionTokens int
}

// Option configures an Engine.
type Option func(*Engine)

// WithHealthStore sets the health store (default: in-memory).
func WithHealthStore(s health.Store) Option {
	return func(e *Engine) {
		e.health = s
	}
}

// WithQuotaTracker sets the quota tracker (default: in-memory).
func WithQuotaTracker(t quota.Tracker) Option {
	return func(e *Engine) {
		e.quota = t
	}
}

// WithSelector sets the candidate orderer (default: routers.NewTierSelector()).
func WithSelector(o Orderer) Option {
	return func(e *Engine) {
		e.selector = o
	}
}

// WithRetryPolicy sets the per-candidate retry policy.
func WithRetryPolicy(p resilience.Policy) Option {
	return func(e *Engine) {
		e.retry = p
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithTracer sets the tracer.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) {
		e.tracer = t
	}
}

// WithClock overrides the time source used for latency accounting.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithQuotaFailOpen decides what happens when the quota store is
// unreachable: true admits the candidate, false skips it.
func WithQuotaFailOpen(open bool) Option {
	return func(e *Engine) {
		e.quotaFailOpen = open
	}
}

// WithStreamReleaseTimeout bounds how long closing an upstream stream may
// block a cancelled caller.
func WithStreamReleaseTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.releaseTimeout = d
		}
	}
}

// WithDefaultCompletionTokens sets the completion allowance charged to the
// token quota when a request has no max_tokens.
func WithDefaultCompletionTokens(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.completionTokens = n
		}
	}
}

// New creates an engine over the given resolver.
func New(resolver Resolver, opts ...Option) *Engine {
	e := &Engine{
		resolver:         resolver,
		health:           health.NewMemoryStore(),
		quota:            quota.NewMemoryTracker(),
		selector:         routers.NewTierSelector(),
		retry:            resilience.DefaultPolicy(),
		logger:           slog.Default(),
		tracer:           otel.Tracer(observability.TracerName),
		now:              time.Now,
		quotaFailOpen:    true,
		releaseTimeout:   defaultReleaseTimeout,
		completionTokens: defaultCompletionTokens,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Result is a successful non-streaming completion.
type Result struct {
	Response *types.ChatResponse
	// Provider is the ID of the provider that answered.
	Provider string
	// Attempts lists the candidates that failed or were skipped first.
	Attempts []llmerrors.Attempt
}

// Complete routes a non-streaming request.
func (e *Engine) Complete(ctx context.Context, req *types.ChatRequest) (*Result, error) {
	ctx, requestID := observability.EnsureRequestID(ctx)
	start := e.now()

	groups, err := e.plan(ctx, requestID, req)
	if err != nil {
		e.finish(ctx, req, false, start, err)
		return nil, err
	}

	ctx, span := observability.StartRouteSpan(ctx, e.tracer, req.Model, false, countCandidates(groups))
	defer span.End()

	d, err := dispatch(ctx, e, req, false, groups, func(ctx context.Context, c provider.Candidate, r *types.ChatRequest) (*types.ChatResponse, error) {
		return c.Adapter.Complete(ctx, c, r)
	})
	if err != nil {
		observability.RecordError(span, err)
		e.finish(ctx, req, false, start, err)
		return nil, err
	}

	resp := d.value
	if resp.ID == "" {
		resp.ID = "chatcmpl-" + uuid.NewString()
	}
	if resp.Model == "" {
		resp.Model = d.candidate.Model
	}
	if resp.Object == "" {
		resp.Object = "chat.completion"
	}
	e.finish(ctx, req, false, start, nil)
	return &Result{Response: resp, Provider: d.candidate.ID(), Attempts: d.attempts}, nil
}

// plan validates the request and produces the ordered candidate groups.
func (e *Engine) plan(ctx context.Context, requestID string, req *types.ChatRequest) ([]routers.Group, error) {
	if err := req.Validate(); err != nil {
		model := ""
		if req != nil {
			model = req.Model
		}
		return nil, llmerrors.NewInvalidRequestError("", model, err.Error())
	}

	candidates := e.resolver.ResolveCandidates(req.Model)
	if len(candidates) == 0 {
		return nil, llmerrors.NewModelNotFoundError(req.Model)
	}

	healthy := e.filterHealthy(ctx, candidates)
	if len(healthy) == 0 {
		return nil, llmerrors.NewNoHealthyProvidersError(req.Model)
	}
	return e.selector.Order(requestID, healthy), nil
}

// filterHealthy drops candidates in cooldown. If the health store cannot be
// read every candidate is kept.
func (e *Engine) filterHealthy(ctx context.Context, candidates []provider.Candidate) []provider.Candidate {
	ids := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i] = c.ID()
	}
	available, err := e.health.Available(ctx, ids)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("health").Inc()
		observability.LoggerWithRequestID(ctx, e.logger).WarnContext(ctx, "health store unavailable, routing to all candidates",
			"error", err,
		)
		return candidates
	}

	out := make([]provider.Candidate, 0, len(candidates))
	for _, c := range candidates {
		if available[c.ID()] {
			out = append(out, c)
		}
	}
	return out
}

// reserve charges the request against a candidate's quota.
func (e *Engine) reserve(ctx context.Context, c provider.Candidate, req *types.ChatRequest) quota.Decision {
	limits := c.Provider.Limits
	if limits.Unlimited() {
		return quota.Allow
	}
	d, err := e.quota.Reserve(ctx, c.ID(), limits, []quota.Request{
		{Metric: quota.MetricRequests, Amount: 1},
		{Metric: quota.MetricTokens, Amount: int64(req.EstimateTokens(e.completionTokens))},
	})
	if err != nil {
		metrics.StoreErrors.WithLabelValues("quota").Inc()
		observability.LoggerWithRequestID(ctx, e.logger).WarnContext(ctx, "quota store unavailable",
			"provider", c.ID(),
			"fail_open", e.quotaFailOpen,
			"error", err,
		)
		if e.quotaFailOpen {
			return quota.Allow
		}
		return quota.Decision{}
	}
	return d
}

func (e *Engine) recordSuccess(ctx context.Context, c provider.Candidate) {
	if err := e.health.RecordSuccess(ctx, c.ID()); err != nil {
		metrics.StoreErrors.WithLabelValues("health").Inc()
		observability.LoggerWithRequestID(ctx, e.logger).WarnContext(ctx, "failed to record provider success",
			"provider", c.ID(),
			"error", err,
		)
		return
	}
	metrics.RecordHealth(c.ID(), 0, false)
}

func (e *Engine) recordFailure(ctx context.Context, c provider.Candidate, cause error) {
	if !llmerrors.IsCooldownRequired(cause) {
		return
	}
	// The request context may already be done (stream aborted by the
	// upstream while the client is leaving); the penalty must still land.
	ctx = context.WithoutCancel(ctx)
	rec, err := e.health.RecordFailure(ctx, c.ID())
	if err != nil {
		metrics.StoreErrors.WithLabelValues("health").Inc()
		observability.LoggerWithRequestID(ctx, e.logger).WarnContext(ctx, "failed to record provider failure",
			"provider", c.ID(),
			"error", err,
		)
		return
	}
	metrics.RecordHealth(c.ID(), rec.ConsecutiveFailures, true)
}

// requestFor rewrites the model to the provider's name for it.
func requestFor(c provider.Candidate, req *types.ChatRequest, stream bool) *types.ChatRequest {
	r := req.Clone()
	r.Model = c.Model
	r.Stream = stream
	return r
}

// finish records the route outcome.
func (e *Engine) finish(ctx context.Context, req *types.ChatRequest, stream bool, start time.Time, err error) {
	model := ""
	if req != nil {
		model = req.Model
	}
	outcome := outcomeFor(err)
	metrics.RecordRoute(model, stream, outcome, e.now().Sub(start))
	if err != nil && outcome != outcomeCanceled {
		observability.LoggerWithRequestID(ctx, e.logger).InfoContext(ctx, "request not served",
			"model", model,
			"stream", stream,
			"outcome", outcome,
			"error", err,
		)
	}
}

func outcomeFor(err error) string {
	if err == nil {
		return outcomeSuccess
	}
	switch llmerrors.KindOf(err) {
	case llmerrors.KindValidation:
		return outcomeInvalid
	case llmerrors.KindCanceled:
		return outcomeCanceled
	case llmerrors.KindNoProviders:
		return outcomeNoProviders
	case llmerrors.KindQuotaExceeded:
		return outcomeQuotaExceeded
	case llmerrors.KindStreamInterrupted:
		return outcomeStreamInterrupted
	default:
		return outcomeExhausted
	}
}

func countCandidates(groups []routers.Group) int {
	n := 0
	for _, g := range groups {
		n += len(g.Candidates)
	}
	return n
}
