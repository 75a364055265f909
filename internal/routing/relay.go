package routing

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/blueberrycongee/tiergate/internal/metrics"
	"github.com/blueberrycongee/tiergate/internal/observability"
	llmerrors "github.com/blueberrycongee/tiergate/pkg/errors"
	"github.com/blueberrycongee/tiergate/pkg/provider"
	"github.com/blueberrycongee/tiergate/pkg/types"
)

const (
	abortUpstream = "upstream_error"
	abortCanceled = "client_canceled"
	abortClosed   = "closed"
)

// Stream routes a streaming request. Candidates are walked exactly as for
// Complete until one produces its first chunk (or ends cleanly without any).
// From then on the returned Relay is committed to that provider: a later
// upstream failure ends the stream instead of failing over.
func (e *Engine) Stream(ctx context.Context, req *types.ChatRequest) (*Relay, error) {
	ctx, requestID := observability.EnsureRequestID(ctx)
	start := e.now()

	groups, err := e.plan(ctx, requestID, req)
	if err != nil {
		e.finish(ctx, req, true, start, err)
		return nil, err
	}

	ctx, span := observability.StartRouteSpan(ctx, e.tracer, req.Model, true, countCandidates(groups))

	d, err := dispatch(ctx, e, req, true, groups, func(ctx context.Context, c provider.Candidate, r *types.ChatRequest) (*opened, error) {
		return e.open(ctx, c, r)
	})
	if err != nil {
		observability.RecordError(span, err)
		span.End()
		e.finish(ctx, req, true, start, err)
		return nil, err
	}

	r := &Relay{
		engine:    e,
		ctx:       ctx,
		req:       req,
		candidate: d.candidate,
		attempts:  d.attempts,
		pump:      d.value.pump,
		pending:   d.value.first,
		started:   start,
		span:      span,
		closed:    make(chan struct{}),
	}
	if d.value.first == nil {
		// Upstream ended without output; that still counts as served.
		r.finishLocked(io.EOF, "")
		return r, nil
	}
	r.id = d.value.first.ID
	if r.id == "" {
		r.id = "chatcmpl-" + uuid.NewString()
	}
	r.model = d.value.first.Model
	if r.model == "" {
		r.model = d.candidate.Model
	}
	r.stopRelease = context.AfterFunc(ctx, func() {
		r.abort(abortCanceled)
	})
	return r, nil
}

// opened is an upstream stream that has produced its first chunk. first is
// nil when the stream ended before producing anything.
type opened struct {
	pump  *pump
	first *types.StreamChunk
}

// open starts an upstream stream and waits for its first chunk.
func (e *Engine) open(ctx context.Context, c provider.Candidate, req *types.ChatRequest) (*opened, error) {
	s, err := c.Adapter.Stream(ctx, c, req)
	if err != nil {
		return nil, err
	}
	p := startPump(s)

	select {
	case res := <-p.results:
		if errors.Is(res.err, io.EOF) {
			p.stop(e.releaseTimeout)
			return &opened{pump: p}, nil
		}
		if res.err != nil {
			p.stop(e.releaseTimeout)
			return nil, res.err
		}
		return &opened{pump: p, first: res.chunk}, nil
	case <-ctx.Done():
		p.stop(e.releaseTimeout)
		return nil, ctx.Err()
	}
}

// StreamCursor reports how far a Relay has progressed.
type StreamCursor struct {
	forwarded atomic.Int64
	done      atomic.Bool
}

// Forwarded is the number of chunks handed to the caller.
func (c *StreamCursor) Forwarded() int64 {
	return c.forwarded.Load()
}

// Started reports whether any chunk has been handed to the caller. After
// that point the stream can no longer fail over.
func (c *StreamCursor) Started() bool {
	return c.forwarded.Load() > 0
}

// Done reports whether the relay has ended.
func (c *StreamCursor) Done() bool {
	return c.done.Load()
}

// Relay forwards chunks from the chosen provider to the caller. Recv must
// not be called concurrently; Close may be called from any goroutine.
type Relay struct {
	engine    *Engine
	ctx       context.Context
	req       *types.ChatRequest
	candidate provider.Candidate
	attempts  []llmerrors.Attempt
	pump      *pump
	started   time.Time
	span      trace.Span

	id    string
	model string

	cursor      StreamCursor
	pending     *types.StreamChunk
	stopRelease func() bool

	mu       sync.Mutex
	finished bool
	err      error
	// closed is closed once the relay has finished, releasing a blocked Recv.
	closed chan struct{}
}

// Provider is the ID of the provider serving the stream.
func (r *Relay) Provider() string {
	return r.candidate.ID()
}

// Attempts lists the candidates that failed or were skipped before the
// stream was established.
func (r *Relay) Attempts() []llmerrors.Attempt {
	return r.attempts
}

// Cursor exposes the relay's progress.
func (r *Relay) Cursor() *StreamCursor {
	return &r.cursor
}

// Recv returns the next chunk. It returns io.EOF when the upstream finished
// cleanly, the context error when the caller went away, and a
// stream_interrupted error when the upstream failed mid-stream.
func (r *Relay) Recv() (*types.StreamChunk, error) {
	r.mu.Lock()
	if r.finished {
		err := r.err
		r.mu.Unlock()
		return nil, err
	}
	r.mu.Unlock()

	if chunk := r.pending; chunk != nil {
		r.pending = nil
		return r.forward(chunk), nil
	}

	select {
	case res := <-r.pump.results:
		switch {
		case res.err == nil:
			return r.forward(res.chunk), nil
		case errors.Is(res.err, io.EOF):
			return nil, r.finish(io.EOF, "")
		default:
			if ctxErr := r.ctx.Err(); ctxErr != nil {
				return nil, r.finish(ctxErr, abortCanceled)
			}
			return nil, r.finish(res.err, abortUpstream)
		}
	case <-r.ctx.Done():
		return nil, r.finish(r.ctx.Err(), abortCanceled)
	case <-r.closed:
		r.mu.Lock()
		defer r.mu.Unlock()
		return nil, r.err
	}
}

// Close releases the upstream. Closing a relay that has not reached its end
// is treated as the caller abandoning it.
func (r *Relay) Close() error {
	r.abort(abortClosed)
	return nil
}

func (r *Relay) abort(reason string) {
	err := r.ctx.Err()
	if err == nil {
		err = context.Canceled
	}
	r.finish(err, reason)
}

// forward normalises a chunk to the stream's identity.
func (r *Relay) forward(chunk *types.StreamChunk) *types.StreamChunk {
	chunk.ID = r.id
	chunk.Model = r.model
	if chunk.Object == "" {
		chunk.Object = "chat.completion.chunk"
	}
	r.cursor.forwarded.Add(1)
	return chunk
}

// finish ends the relay once and returns the error Recv reports from now on.
func (r *Relay) finish(cause error, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return r.err
	}
	return r.finishLocked(cause, reason)
}

func (r *Relay) finishLocked(cause error, reason string) error {
	e := r.engine
	r.finished = true
	r.cursor.done.Store(true)
	defer close(r.closed)
	if r.stopRelease != nil {
		r.stopRelease()
	}
	if r.pump != nil {
		if !r.pump.stop(e.releaseTimeout) {
			observability.LoggerWithRequestID(r.ctx, e.logger).WarnContext(r.ctx, "upstream stream did not close in time",
				"provider", r.candidate.ID(),
				"timeout", e.releaseTimeout,
			)
		}
	}

	ctx := r.ctx
	switch {
	case errors.Is(cause, io.EOF):
		r.err = io.EOF
		e.finish(ctx, r.req, true, r.started, nil)
	case reason == abortUpstream:
		r.err = llmerrors.NewStreamInterruptedError(r.candidate.ID(), r.candidate.Model, cause)
		metrics.StreamAborts.WithLabelValues(r.candidate.ID(), reason).Inc()
		e.recordFailure(ctx, r.candidate, cause)
		observability.LoggerWithRequestID(ctx, e.logger).WarnContext(ctx, "upstream failed mid-stream",
			"provider", r.candidate.ID(),
			"chunks_forwarded", r.cursor.Forwarded(),
			"error", cause,
		)
		e.finish(ctx, r.req, true, r.started, r.err)
	default:
		r.err = cause
		metrics.StreamAborts.WithLabelValues(r.candidate.ID(), reason).Inc()
		e.finish(ctx, r.req, true, r.started, cause)
	}
	if r.span != nil {
		r.span.End()
	}
	return r.err
}
