package streaming

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	llmerrors "github.com/blueberrycongee/tiergate/pkg/errors"
	"github.com/blueberrycongee/tiergate/pkg/types"
)

type sliceSource struct {
	chunks []*types.StreamChunk
	err    error
}

func (s *sliceSource) Recv() (*types.StreamChunk, error) {
	if len(s.chunks) == 0 {
		if s.err != nil {
			return nil, s.err
		}
		return nil, io.EOF
	}
	c := s.chunks[0]
	s.chunks = s.chunks[1:]
	return c, nil
}

func textChunk(text string) *types.StreamChunk {
	return &types.StreamChunk{
		ID:      "chatcmpl-1",
		Object:  "chat.completion.chunk",
		Model:   "llama-3",
		Choices: []types.StreamChoice{{Delta: types.StreamDelta{Content: text}}},
	}
}

// events splits an SSE body into its events.
func events(body string) []string {
	var out []string
	for _, ev := range strings.Split(body, "\n\n") {
		if ev != "" {
			out = append(out, ev)
		}
	}
	return out
}

func TestNewForwarder_RequiresFlusher(t *testing.T) {
	_, err := NewForwarder(struct{ http.ResponseWriter }{httptest.NewRecorder()})
	assert.Error(t, err)

	_, err = NewForwarder(httptest.NewRecorder())
	assert.NoError(t, err)
}

func TestForward_CleanEndWritesDone(t *testing.T) {
	rec := httptest.NewRecorder()
	f, err := NewForwarder(rec)
	require.NoError(t, err)

	n, err := f.Forward(context.Background(), &sliceSource{chunks: []*types.StreamChunk{textChunk("he"), textChunk("llo")}})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	assert.True(t, rec.Flushed)

	evs := events(rec.Body.String())
	require.Len(t, evs, 3)
	assert.Equal(t, "data: [DONE]", evs[2])

	var chunk types.StreamChunk
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(evs[0], SSEDataPrefix)), &chunk))
	assert.Equal(t, "he", chunk.Text())
	assert.Equal(t, "chatcmpl-1", chunk.ID)
}

func TestForward_UpstreamFailureWritesErrorEventWithoutDone(t *testing.T) {
	rec := httptest.NewRecorder()
	f, err := NewForwarder(rec)
	require.NoError(t, err)

	cause := llmerrors.NewStreamInterruptedError("groq", "llama-3", errors.New("connection reset"))
	n, err := f.Forward(context.Background(), &sliceSource{chunks: []*types.StreamChunk{textChunk("partial")}, err: cause})
	require.ErrorIs(t, err, cause)
	assert.Equal(t, 1, n)

	body := rec.Body.String()
	assert.NotContains(t, body, SSEDone)

	evs := events(body)
	require.Len(t, evs, 2)
	require.True(t, strings.HasPrefix(evs[1], "event: error\n"+SSEDataPrefix), evs[1])

	var env ErrorEnvelope
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(evs[1], "event: error\n"+SSEDataPrefix)), &env))
	assert.Equal(t, llmerrors.TypeStreamInterrupted, env.Error.Type)
	assert.Equal(t, "stream_interrupted", env.Error.Code)
	assert.Equal(t, "groq", env.Error.Provider)
}

func TestForward_ClientGoneWritesNothingMore(t *testing.T) {
	rec := httptest.NewRecorder()
	f, err := NewForwarder(rec)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = f.Forward(ctx, &sliceSource{err: context.Canceled})
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, rec.Body.String())
}
