package routing

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/tiergate/internal/health"
	"github.com/blueberrycongee/tiergate/internal/quota"
	"github.com/blueberrycongee/tiergate/internal/registry"
	"github.com/blueberrycongee/tiergate/internal/resilience"
	llmerrors "github.com/blueberrycongee/tiergate/pkg/errors"
	"github.com/blueberrycongee/tiergate/pkg/provider"
	"github.com/blueberrycongee/tiergate/pkg/types"
)

// fakeAdapter answers from scripted functions and counts calls.
type fakeAdapter struct {
	name     string
	complete func(ctx context.Context, c provider.Candidate, req *types.ChatRequest) (*types.ChatResponse, error)
	stream   func(ctx context.Context, c provider.Candidate, req *types.ChatRequest) (provider.ChunkStream, error)

	calls atomic.Int64
	mu    sync.Mutex
	seen  []string
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Complete(ctx context.Context, c provider.Candidate, req *types.ChatRequest) (*types.ChatResponse, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.seen = append(f.seen, req.Model)
	f.mu.Unlock()
	if f.complete == nil {
		return reply(c.ID()), nil
	}
	return f.complete(ctx, c, req)
}

func (f *fakeAdapter) Stream(ctx context.Context, c provider.Candidate, req *types.ChatRequest) (provider.ChunkStream, error) {
	f.calls.Add(1)
	if f.stream == nil {
		return &fakeStream{chunks: chunks(c.ID(), "a", "b")}, nil
	}
	return f.stream(ctx, c, req)
}

func (f *fakeAdapter) models() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.seen...)
}

func reply(from string) *types.ChatResponse {
	return &types.ChatResponse{
		ID:    "resp-" + from,
		Model: from,
		Choices: []types.Choice{{
			Message:      types.NewTextMessage("assistant", "hi from "+from),
			FinishReason: "stop",
		}},
	}
}

func failWith(err error) func(context.Context, provider.Candidate, *types.ChatRequest) (*types.ChatResponse, error) {
	return func(context.Context, provider.Candidate, *types.ChatRequest) (*types.ChatResponse, error) {
		return nil, err
	}
}

// paid builds an enabled paid provider. Distinct tiers keep walk order
// deterministic regardless of the request ID.
func paid(id string, tier int, models ...string) provider.Provider {
	if len(models) == 0 {
		models = []string{"llama-3"}
	}
	return provider.Provider{
		ID:      id,
		Tier:    tier,
		Models:  models,
		Enabled: true,
		Cost:    provider.Cost{Class: provider.CostPaid, PerThousandTokens: 1},
	}
}

type fixture struct {
	engine *Engine
	health health.Store
	quota  quota.Tracker
}

func newFixture(t *testing.T, entries []registry.Entry, opts ...Option) *fixture {
	t.Helper()
	reg, err := registry.New(entries...)
	require.NoError(t, err)

	f := &fixture{
		health: health.NewMemoryStore(),
		quota:  quota.NewMemoryTracker(),
	}
	base := []Option{
		WithHealthStore(f.health),
		WithQuotaTracker(f.quota),
		WithRetryPolicy(resilience.Policy{}),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
	f.engine = New(reg, append(base, opts...)...)
	return f
}

func (f *fixture) failures(t *testing.T, id string) int {
	t.Helper()
	rec, err := f.health.Get(context.Background(), id)
	require.NoError(t, err)
	return rec.ConsecutiveFailures
}

func chatRequest(model string) *types.ChatRequest {
	return &types.ChatRequest{
		Model:    model,
		Messages: []types.ChatMessage{types.NewTextMessage("user", "hello")},
	}
}

func TestComplete_FirstCandidateServes(t *testing.T) {
	a, b := &fakeAdapter{name: "a"}, &fakeAdapter{name: "b"}
	f := newFixture(t, []registry.Entry{
		{Provider: paid("a", 1), Adapter: a},
		{Provider: paid("b", 2), Adapter: b},
	})

	res, err := f.engine.Complete(context.Background(), chatRequest("llama-3"))
	require.NoError(t, err)

	assert.Equal(t, "a", res.Provider)
	assert.Empty(t, res.Attempts)
	assert.Equal(t, "resp-a", res.Response.ID)
	assert.Equal(t, int64(1), a.calls.Load())
	assert.Zero(t, b.calls.Load())
}

func TestComplete_FailsOverToNextTierAndPenalises(t *testing.T) {
	a := &fakeAdapter{name: "a", complete: failWith(llmerrors.NewServiceUnavailableError("a", "llama-3", "overloaded"))}
	b := &fakeAdapter{name: "b"}
	f := newFixture(t, []registry.Entry{
		{Provider: paid("a", 1), Adapter: a},
		{Provider: paid("b", 2), Adapter: b},
	})

	res, err := f.engine.Complete(context.Background(), chatRequest("llama-3"))
	require.NoError(t, err)

	assert.Equal(t, "b", res.Provider)
	require.Len(t, res.Attempts, 1)
	assert.Equal(t, "a", res.Attempts[0].Provider)
	assert.Equal(t, llmerrors.TypeServiceUnavailable, res.Attempts[0].Type)
	assert.False(t, res.Attempts[0].Skipped)

	assert.Equal(t, 1, f.failures(t, "a"))
	assert.Equal(t, 0, f.failures(t, "b"))

	// a is cooling now, so the next request goes straight to b.
	_, err = f.engine.Complete(context.Background(), chatRequest("llama-3"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), a.calls.Load())
	assert.Equal(t, int64(2), b.calls.Load())
}

func TestComplete_RetriesSameProviderBeforeFailover(t *testing.T) {
	var n atomic.Int64
	a := &fakeAdapter{name: "a", complete: func(_ context.Context, c provider.Candidate, _ *types.ChatRequest) (*types.ChatResponse, error) {
		if n.Add(1) < 3 {
			return nil, llmerrors.NewTimeoutError("a", "llama-3", "slow")
		}
		return reply(c.ID()), nil
	}}
	b := &fakeAdapter{name: "b"}
	f := newFixture(t, []registry.Entry{
		{Provider: paid("a", 1), Adapter: a},
		{Provider: paid("b", 2), Adapter: b},
	}, WithRetryPolicy(resilience.Policy{MaxRetries: 2, InitialDelay: time.Millisecond}))

	res, err := f.engine.Complete(context.Background(), chatRequest("llama-3"))
	require.NoError(t, err)

	assert.Equal(t, "a", res.Provider)
	assert.Equal(t, int64(3), a.calls.Load())
	assert.Zero(t, b.calls.Load())
	assert.Equal(t, 0, f.failures(t, "a"))
}

func TestComplete_NonRetryableErrorFailsOverImmediately(t *testing.T) {
	a := &fakeAdapter{name: "a", complete: failWith(llmerrors.NewAuthenticationError("a", "llama-3", "bad key"))}
	b := &fakeAdapter{name: "b"}
	f := newFixture(t, []registry.Entry{
		{Provider: paid("a", 1), Adapter: a},
		{Provider: paid("b", 2), Adapter: b},
	}, WithRetryPolicy(resilience.Policy{MaxRetries: 3, InitialDelay: time.Millisecond}))

	res, err := f.engine.Complete(context.Background(), chatRequest("llama-3"))
	require.NoError(t, err)

	assert.Equal(t, "b", res.Provider)
	assert.Equal(t, int64(1), a.calls.Load())
	assert.Equal(t, 1, f.failures(t, "a"))
}

func TestComplete_QuotaSkipDoesNotPenalise(t *testing.T) {
	limited := paid("a", 1)
	limited.Limits = provider.Limits{Requests: 1, Window: time.Minute}
	a, b := &fakeAdapter{name: "a"}, &fakeAdapter{name: "b"}
	f := newFixture(t, []registry.Entry{
		{Provider: limited, Adapter: a},
		{Provider: paid("b", 2), Adapter: b},
	})

	res, err := f.engine.Complete(context.Background(), chatRequest("llama-3"))
	require.NoError(t, err)
	assert.Equal(t, "a", res.Provider)

	res, err = f.engine.Complete(context.Background(), chatRequest("llama-3"))
	require.NoError(t, err)
	assert.Equal(t, "b", res.Provider)
	require.Len(t, res.Attempts, 1)
	assert.True(t, res.Attempts[0].Skipped)
	assert.Equal(t, llmerrors.TypeQuotaExceeded, res.Attempts[0].Type)

	assert.Equal(t, int64(1), a.calls.Load())
	assert.Equal(t, 0, f.failures(t, "a"))
}

func TestComplete_TokenQuotaUsesEstimate(t *testing.T) {
	limited := paid("a", 1)
	limited.Limits = provider.Limits{Tokens: 100, Window: time.Minute}
	a, b := &fakeAdapter{name: "a"}, &fakeAdapter{name: "b"}
	f := newFixture(t, []registry.Entry{
		{Provider: limited, Adapter: a},
		{Provider: paid("b", 2), Adapter: b},
	}, WithDefaultCompletionTokens(500))

	res, err := f.engine.Complete(context.Background(), chatRequest("llama-3"))
	require.NoError(t, err)
	assert.Equal(t, "b", res.Provider)

	req := chatRequest("llama-3")
	req.MaxTokens = 10
	res, err = f.engine.Complete(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "a", res.Provider)
}

func TestComplete_AllCandidatesThrottledReturns429(t *testing.T) {
	limited := paid("a", 1)
	limited.Limits = provider.Limits{Requests: 1, Window: time.Minute}
	f := newFixture(t, []registry.Entry{{Provider: limited, Adapter: &fakeAdapter{name: "a"}}})

	_, err := f.engine.Complete(context.Background(), chatRequest("llama-3"))
	require.NoError(t, err)

	_, err = f.engine.Complete(context.Background(), chatRequest("llama-3"))
	var llmErr *llmerrors.LLMError
	require.ErrorAs(t, err, &llmErr)
	assert.Equal(t, 429, llmErr.StatusCode)
	assert.Equal(t, llmerrors.TypeQuotaExceeded, llmErr.Type)
	assert.Greater(t, llmErr.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, llmErr.RetryAfter, time.Minute)
}

func TestComplete_ProviderValidationErrorIsTerminal(t *testing.T) {
	a := &fakeAdapter{name: "a", complete: failWith(llmerrors.NewInvalidRequestError("a", "llama-3", "bad tool schema"))}
	b := &fakeAdapter{name: "b"}
	f := newFixture(t, []registry.Entry{
		{Provider: paid("a", 1), Adapter: a},
		{Provider: paid("b", 2), Adapter: b},
	})

	_, err := f.engine.Complete(context.Background(), chatRequest("llama-3"))
	var llmErr *llmerrors.LLMError
	require.ErrorAs(t, err, &llmErr)
	assert.Equal(t, 400, llmErr.StatusCode)
	assert.Zero(t, b.calls.Load())
	assert.Equal(t, 0, f.failures(t, "a"))
}

func TestComplete_InvalidRequestRejectedBeforeDispatch(t *testing.T) {
	a := &fakeAdapter{name: "a"}
	f := newFixture(t, []registry.Entry{{Provider: paid("a", 1), Adapter: a}})

	req := chatRequest("llama-3")
	req.Messages = nil
	_, err := f.engine.Complete(context.Background(), req)

	var llmErr *llmerrors.LLMError
	require.ErrorAs(t, err, &llmErr)
	assert.Equal(t, 400, llmErr.StatusCode)
	assert.Zero(t, a.calls.Load())
}

func TestComplete_UnknownModel(t *testing.T) {
	f := newFixture(t, []registry.Entry{{Provider: paid("a", 1), Adapter: &fakeAdapter{name: "a"}}})

	_, err := f.engine.Complete(context.Background(), chatRequest("gpt-9"))
	var llmErr *llmerrors.LLMError
	require.ErrorAs(t, err, &llmErr)
	assert.Equal(t, 404, llmErr.StatusCode)
	assert.Equal(t, llmerrors.CodeModelNotFound, llmErr.Code)
}

func TestComplete_AllCoolingReturns503(t *testing.T) {
	a := &fakeAdapter{name: "a"}
	f := newFixture(t, []registry.Entry{{Provider: paid("a", 1), Adapter: a}})
	_, err := f.health.RecordFailure(context.Background(), "a")
	require.NoError(t, err)

	_, err = f.engine.Complete(context.Background(), chatRequest("llama-3"))
	var llmErr *llmerrors.LLMError
	require.ErrorAs(t, err, &llmErr)
	assert.Equal(t, 503, llmErr.StatusCode)
	assert.Equal(t, llmerrors.CodeNoHealthyProviders, llmErr.Code)
	assert.Zero(t, a.calls.Load())
}

func TestComplete_ExhaustedListsAttemptsInOrder(t *testing.T) {
	f := newFixture(t, []registry.Entry{
		{Provider: paid("a", 1), Adapter: &fakeAdapter{name: "a", complete: failWith(errors.New("connection reset"))}},
		{Provider: paid("b", 2), Adapter: &fakeAdapter{name: "b", complete: failWith(llmerrors.NewRateLimitError("b", "llama-3", "slow down"))}},
	})

	_, err := f.engine.Complete(context.Background(), chatRequest("llama-3"))
	var exhausted *llmerrors.ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	require.Len(t, exhausted.Attempts, 2)
	assert.Equal(t, "a", exhausted.Attempts[0].Provider)
	assert.Equal(t, "b", exhausted.Attempts[1].Provider)
	assert.Equal(t, llmerrors.TypeRateLimit, exhausted.Attempts[1].Type)
	assert.Equal(t, 502, llmerrors.ToLLMError(err).StatusCode)

	assert.Equal(t, 1, f.failures(t, "a"))
	assert.Equal(t, 1, f.failures(t, "b"))
}

func TestComplete_CancellationIsNotPenalised(t *testing.T) {
	started := make(chan struct{})
	a := &fakeAdapter{name: "a", complete: func(ctx context.Context, _ provider.Candidate, _ *types.ChatRequest) (*types.ChatResponse, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	b := &fakeAdapter{name: "b"}
	f := newFixture(t, []registry.Entry{
		{Provider: paid("a", 1), Adapter: a},
		{Provider: paid("b", 2), Adapter: b},
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	_, err := f.engine.Complete(ctx, chatRequest("llama-3"))
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, b.calls.Load())
	assert.Equal(t, 0, f.failures(t, "a"))
}

func TestComplete_RewritesAliasWithoutTouchingCallerRequest(t *testing.T) {
	p := paid("a", 1, "llama-3.1-8b-instant")
	p.ModelAliases = map[string]string{"fast": "llama-3.1-8b-instant"}
	a := &fakeAdapter{name: "a"}
	f := newFixture(t, []registry.Entry{{Provider: p, Adapter: a}})

	req := chatRequest("fast")
	_, err := f.engine.Complete(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, []string{"llama-3.1-8b-instant"}, a.models())
	assert.Equal(t, "fast", req.Model)
}

// brokenHealth fails every call.
type brokenHealth struct{}

func (brokenHealth) IsAvailable(context.Context, string) (bool, error) {
	return false, errors.New("store down")
}

func (brokenHealth) Available(context.Context, []string) (map[string]bool, error) {
	return nil, errors.New("store down")
}

func (brokenHealth) RecordSuccess(context.Context, string) error {
	return errors.New("store down")
}

func (brokenHealth) RecordFailure(context.Context, string) (health.Record, error) {
	return health.Record{}, errors.New("store down")
}

func (brokenHealth) Get(context.Context, string) (health.Record, error) {
	return health.Record{}, errors.New("store down")
}

// brokenQuota fails every reservation.
type brokenQuota struct{}

func (brokenQuota) TryReserve(context.Context, string, provider.Limits, quota.Metric, int64) (quota.Decision, error) {
	return quota.Decision{}, errors.New("store down")
}

func (brokenQuota) Reserve(context.Context, string, provider.Limits, []quota.Request) (quota.Decision, error) {
	return quota.Decision{}, errors.New("store down")
}

func TestComplete_HealthStoreOutageFailsOpen(t *testing.T) {
	a := &fakeAdapter{name: "a", complete: failWith(errors.New("boom"))}
	b := &fakeAdapter{name: "b"}
	f := newFixture(t, []registry.Entry{
		{Provider: paid("a", 1), Adapter: a},
		{Provider: paid("b", 2), Adapter: b},
	}, WithHealthStore(brokenHealth{}))

	res, err := f.engine.Complete(context.Background(), chatRequest("llama-3"))
	require.NoError(t, err)
	assert.Equal(t, "b", res.Provider)
}

func TestComplete_QuotaStoreOutage(t *testing.T) {
	limited := paid("a", 1)
	limited.Limits = provider.Limits{Requests: 10, Window: time.Minute}
	entries := func() []registry.Entry {
		return []registry.Entry{
			{Provider: limited, Adapter: &fakeAdapter{name: "a"}},
			{Provider: paid("b", 2), Adapter: &fakeAdapter{name: "b"}},
		}
	}

	t.Run("fail open", func(t *testing.T) {
		f := newFixture(t, entries(), WithQuotaTracker(brokenQuota{}))
		res, err := f.engine.Complete(context.Background(), chatRequest("llama-3"))
		require.NoError(t, err)
		assert.Equal(t, "a", res.Provider)
	})

	t.Run("fail closed", func(t *testing.T) {
		f := newFixture(t, entries(), WithQuotaTracker(brokenQuota{}), WithQuotaFailOpen(false))
		res, err := f.engine.Complete(context.Background(), chatRequest("llama-3"))
		require.NoError(t, err)
		assert.Equal(t, "b", res.Provider)
		require.Len(t, res.Attempts, 1)
		assert.True(t, res.Attempts[0].Skipped)
	})
}

func TestComplete_SharedRedisState(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	limited := paid("b", 2)
	limited.Limits = provider.Limits{Requests: 1, Window: time.Minute}
	entries := []registry.Entry{
		{Provider: paid("a", 1), Adapter: &fakeAdapter{name: "a", complete: failWith(errors.New("boom"))}},
		{Provider: limited, Adapter: &fakeAdapter{name: "b"}},
	}
	store := health.NewRedisStore(client)
	tracker := quota.NewRedisTracker(client)

	// Two engines share one Redis, as two gateway instances would.
	first := newFixture(t, entries, WithHealthStore(store), WithQuotaTracker(tracker))
	second := newFixture(t, entries, WithHealthStore(store), WithQuotaTracker(tracker))

	res, err := first.engine.Complete(context.Background(), chatRequest("llama-3"))
	require.NoError(t, err)
	assert.Equal(t, "b", res.Provider)
	assert.Equal(t, "1", mr.HGet("tiergate:health:{a}", "failures"))

	// a is cooling and b's single request is spent.
	_, err = second.engine.Complete(context.Background(), chatRequest("llama-3"))
	var llmErr *llmerrors.LLMError
	require.ErrorAs(t, err, &llmErr)
	assert.Equal(t, 429, llmErr.StatusCode)
}
