// Package streaming relays chat completion streams as Server-Sent Events.
// It decodes upstream SSE bodies into chunks and writes chunks back out to
// clients, flushing each event and ending with the [DONE] sentinel or an
// error event.
package streaming

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/goccy/go-json"

	llmerrors "github.com/blueberrycongee/tiergate/pkg/errors"
	"github.com/blueberrycongee/tiergate/pkg/types"
)

const (
	// DefaultBufferSize is the initial size of SSE buffers.
	DefaultBufferSize = 4096

	// SSEDataPrefix is the prefix for SSE data lines.
	SSEDataPrefix = "data: "

	// SSEDone is the marker for stream completion.
	SSEDone = "[DONE]"
)

var bufferPool = sync.Pool{
	New: func() any {
		return bytes.NewBuffer(make([]byte, 0, DefaultBufferSize))
	},
}

func getBuffer() *bytes.Buffer {
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

func putBuffer(buf *bytes.Buffer) {
	if buf.Cap() > MaxLineSize {
		return
	}
	bufferPool.Put(buf)
}

// ChunkSource yields chunks until it returns an error. io.EOF marks a clean
// end.
type ChunkSource interface {
	Recv() (*types.StreamChunk, error)
}

// Forwarder writes a chunk stream to an HTTP client as SSE.
type Forwarder struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

// NewForwarder wraps w. It fails if w cannot flush.
func NewForwarder(w http.ResponseWriter) (*Forwarder, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support flushing")
	}
	return &Forwarder{w: w, flusher: flusher}, nil
}

// Start writes the SSE headers and status. It is called implicitly by the
// first write.
func (f *Forwarder) Start() {
	if f.started {
		return
	}
	f.started = true
	h := f.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no") // Disable nginx buffering
	f.w.WriteHeader(http.StatusOK)
}

// WriteChunk writes one chunk as a data event.
func (f *Forwarder) WriteChunk(chunk *types.StreamChunk) error {
	data, err := json.Marshal(chunk)
	if err != nil {
		return fmt.Errorf("marshal chunk: %w", err)
	}
	return f.writeEvent("", data)
}

// WriteDone writes the [DONE] sentinel.
func (f *Forwarder) WriteDone() error {
	return f.writeEvent("", []byte(SSEDone))
}

// WriteError writes an error event. No [DONE] follows it: clients must see
// the stream as failed, not finished.
func (f *Forwarder) WriteError(err *llmerrors.LLMError) error {
	data, mErr := json.Marshal(ErrorBody(err, nil))
	if mErr != nil {
		return fmt.Errorf("marshal error event: %w", mErr)
	}
	return f.writeEvent("error", data)
}

func (f *Forwarder) writeEvent(event string, data []byte) error {
	f.Start()
	buf := getBuffer()
	defer putBuffer(buf)
	if event != "" {
		buf.WriteString("event: ")
		buf.WriteString(event)
		buf.WriteByte('\n')
	}
	buf.WriteString(SSEDataPrefix)
	buf.Write(data)
	buf.WriteString("\n\n")
	if _, err := f.w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("write sse event: %w", err)
	}
	f.flusher.Flush()
	return nil
}

// Forward copies src to the client until src ends. A clean end writes
// [DONE]; an upstream failure writes an error event. It returns the number of
// chunks written and nil on a clean end, or the error that stopped it.
// Client disconnects are reported as the context error and write nothing.
func (f *Forwarder) Forward(ctx context.Context, src ChunkSource) (int, error) {
	f.Start()
	n := 0
	for {
		chunk, err := src.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return n, f.WriteDone()
			}
			if ctx.Err() != nil {
				return n, ctx.Err()
			}
			_ = f.WriteError(llmerrors.ToLLMError(err))
			return n, err
		}
		if err := f.WriteChunk(chunk); err != nil {
			return n, err
		}
		n++
	}
}

// ErrorEnvelope is the JSON body of an error response.
type ErrorEnvelope struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes an error to clients.
type ErrorDetail struct {
	Message  string              `json:"message"`
	Type     string              `json:"type"`
	Code     string              `json:"code"`
	Provider string              `json:"provider,omitempty"`
	Attempts []llmerrors.Attempt `json:"attempts,omitempty"`
}

// ErrorBody builds the client-facing body for err.
func ErrorBody(err *llmerrors.LLMError, attempts []llmerrors.Attempt) ErrorEnvelope {
	return ErrorEnvelope{Error: ErrorDetail{
		Message:  err.Message,
		Type:     err.Type,
		Code:     err.Code,
		Provider: err.Provider,
		Attempts: attempts,
	}}
}
