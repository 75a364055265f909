package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	llmerrors "github.com/blueberrycongee/tiergate/pkg/errors"
	"github.com/blueberrycongee/tiergate/pkg/provider"
	"github.com/blueberrycongee/tiergate/pkg/types"
)

func chatRequest() *types.ChatRequest {
	return &types.ChatRequest{
		Model:    "llama-3.1-8b-instant",
		Messages: []types.ChatMessage{types.NewTextMessage("user", "hi")},
	}
}

func candidate(a *Adapter) provider.Candidate {
	return provider.Candidate{
		Provider: provider.Provider{ID: "groq-free", Tier: 1},
		Model:    "llama-3.1-8b-instant",
		Adapter:  a,
	}
}

func newTestAdapter(t *testing.T, h http.HandlerFunc, opts ...Option) *Adapter {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(OpenAI, append([]Option{WithAPIKey("test-key"), WithBaseURL(srv.URL)}, opts...)...)
}

func TestBuildRequest_MergesExtraWithoutOverwriting(t *testing.T) {
	temp := 0.2
	req := &types.ChatRequest{
		Model:       "gpt-4",
		Messages:    []types.ChatMessage{{Role: "user", Content: json.RawMessage(`"hi"`)}},
		Temperature: &temp,
		Extra: map[string]json.RawMessage{
			"foo":         json.RawMessage(`"bar"`),
			"model":       json.RawMessage(`"override"`),
			"temperature": json.RawMessage(`0.9`),
		},
	}

	a := New(OpenAI, WithAPIKey("test-key"), WithBaseURL("https://api.test.com"))
	httpReq, err := a.BuildRequest(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, "https://api.test.com/chat/completions", httpReq.URL.String())
	assert.Equal(t, "Bearer test-key", httpReq.Header.Get("Authorization"))

	body, err := io.ReadAll(httpReq.Body)
	require.NoError(t, err)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(body, &payload))
	assert.Equal(t, "gpt-4", payload["model"])
	assert.InDelta(t, 0.2, payload["temperature"].(float64), 0.0001)
	assert.Equal(t, "bar", payload["foo"])
}

func TestBuildRequest_CustomKeyHeader(t *testing.T) {
	info := Info{Name: "azure-like", DefaultBaseURL: "https://example.com/v1", APIKeyHeader: "api-key", ExtraHeaders: map[string]string{"X-Vendor": "1"}}
	a := New(info, WithAPIKey("k"), WithHeader("X-Team", "core"))

	httpReq, err := a.BuildRequest(context.Background(), chatRequest())
	require.NoError(t, err)
	assert.Equal(t, "k", httpReq.Header.Get("api-key"))
	assert.Empty(t, httpReq.Header.Get("Authorization"))
	assert.Equal(t, "1", httpReq.Header.Get("X-Vendor"))
	assert.Equal(t, "core", httpReq.Header.Get("X-Team"))
}

func TestComplete(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "llama-3.1-8b-instant", body["model"])
		assert.Nil(t, body["stream"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"chatcmpl-1","object":"chat.completion","model":"llama-3.1-8b-instant",
			"choices":[{"index":0,"message":{"role":"assistant","content":"hello"},"finish_reason":"stop"}],
			"usage":{"prompt_tokens":3,"completion_tokens":1,"total_tokens":4}}`)
	})

	resp, err := a.Complete(context.Background(), candidate(a), chatRequest())
	require.NoError(t, err)
	assert.Equal(t, "chatcmpl-1", resp.ID)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "hello", resp.Choices[0].Message.Text())
	require.NotNil(t, resp.Usage)
	assert.Equal(t, 4, resp.Usage.TotalTokens)
}

func TestComplete_MapsErrors(t *testing.T) {
	tests := []struct {
		status    int
		wantType  string
		retryable bool
	}{
		{http.StatusUnauthorized, llmerrors.TypeAuthentication, false},
		{http.StatusBadRequest, llmerrors.TypeInvalidRequest, false},
		{http.StatusTooManyRequests, llmerrors.TypeRateLimit, true},
		{http.StatusServiceUnavailable, llmerrors.TypeServiceUnavailable, true},
		{http.StatusInternalServerError, llmerrors.TypeInternalError, true},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.status), func(t *testing.T) {
			a := newTestAdapter(t, func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Retry-After", "7")
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, `{"error":{"message":"upstream said no","type":"x"}}`)
			})

			_, err := a.Complete(context.Background(), candidate(a), chatRequest())
			var llmErr *llmerrors.LLMError
			require.ErrorAs(t, err, &llmErr)
			assert.Equal(t, tt.wantType, llmErr.Type)
			assert.Equal(t, tt.retryable, llmErr.Retryable)
			assert.Equal(t, "upstream said no", llmErr.Message)
			assert.Equal(t, "groq-free", llmErr.Provider)
			if tt.status == http.StatusTooManyRequests {
				assert.Equal(t, 7*time.Second, llmErr.RetryAfter)
			}
		})
	}
}

func TestComplete_Timeout(t *testing.T) {
	release := make(chan struct{})
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}, WithTimeout(50*time.Millisecond))
	t.Cleanup(func() { close(release) })

	_, err := a.Complete(context.Background(), candidate(a), chatRequest())
	var llmErr *llmerrors.LLMError
	require.ErrorAs(t, err, &llmErr)
	assert.Equal(t, llmerrors.TypeTimeout, llmErr.Type)
}

func TestComplete_CallerCancellationPassesThrough(t *testing.T) {
	release := make(chan struct{})
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	t.Cleanup(func() { close(release) })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := a.Complete(ctx, candidate(a), chatRequest())
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
}

func TestStream(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, true, body["stream"])

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, text := range []string{"hel", "lo"} {
			fmt.Fprintf(w, "data: {\"id\":\"c1\",\"model\":\"m\",\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n", text)
			flusher.Flush()
		}
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
	})

	s, err := a.Stream(context.Background(), candidate(a), chatRequest())
	require.NoError(t, err)
	defer s.Close()

	var got string
	for {
		chunk, err := s.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		got += chunk.Text()
	}
	assert.Equal(t, "hello", got)
}

func TestStream_ErrorStatusBeforeBody(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := a.Stream(context.Background(), candidate(a), chatRequest())
	var llmErr *llmerrors.LLMError
	require.ErrorAs(t, err, &llmErr)
	assert.Equal(t, llmerrors.TypeServiceUnavailable, llmErr.Type)
}

func TestStream_CloseUnblocksNext(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "data: {\"id\":\"c1\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"a\"}}]}\n\n")
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})

	s, err := a.Stream(context.Background(), candidate(a), chatRequest())
	require.NoError(t, err)
	_, err = s.Next()
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() {
		_, err := s.Next()
		errc <- err
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, s.Close())

	select {
	case err := <-errc:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("Next did not return after Close")
	}
}
