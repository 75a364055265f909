package streaming

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/goccy/go-json"

	llmerrors "github.com/blueberrycongee/tiergate/pkg/errors"
	"github.com/blueberrycongee/tiergate/pkg/types"
)

// MaxLineSize bounds a single upstream SSE line.
const MaxLineSize = 1 << 20

// ChunkParser turns the payload of one upstream SSE data line into a chunk.
// It returns nil, nil for payloads that carry no content.
type ChunkParser interface {
	ParseChunk(data []byte) (*types.StreamChunk, error)
}

// OpenAIParser parses OpenAI-compatible chunks:
// data: {"id":"...","object":"chat.completion.chunk",...}
type OpenAIParser struct {
	// Provider and Model label errors reported inside the stream.
	Provider string
	Model    string
}

type streamErrorEnvelope struct {
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    any    `json:"code"`
	} `json:"error"`
}

// ParseChunk implements ChunkParser.
func (p *OpenAIParser) ParseChunk(data []byte) (*types.StreamChunk, error) {
	if len(data) == 0 {
		return nil, nil
	}
	if bytes.HasPrefix(data, []byte(`{"error"`)) {
		var env streamErrorEnvelope
		if err := json.Unmarshal(data, &env); err == nil && env.Error != nil {
			return nil, llmerrors.NewServiceUnavailableError(p.Provider, p.Model, env.Error.Message)
		}
	}

	var chunk types.StreamChunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		return nil, fmt.Errorf("unmarshal openai chunk: %w", err)
	}
	return &chunk, nil
}

// Reader decodes an upstream SSE body into chunks. It implements
// provider.ChunkStream: Next returns io.EOF after the [DONE] sentinel or
// when the body ends, and Close may be called while Next is blocked.
type Reader struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	parser  ChunkParser

	done      bool
	closeOnce sync.Once
	closeErr  error
}

// NewReader wraps an upstream body.
func NewReader(body io.ReadCloser, parser ChunkParser) *Reader {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, DefaultBufferSize), MaxLineSize)
	return &Reader{
		body:    body,
		scanner: scanner,
		parser:  parser,
	}
}

// Next returns the next content chunk.
func (r *Reader) Next() (*types.StreamChunk, error) {
	if r.done {
		return nil, io.EOF
	}
	for r.scanner.Scan() {
		line := bytes.TrimSpace(r.scanner.Bytes())
		// Blank lines end events; comments are keep-alives.
		if len(line) == 0 || line[0] == ':' {
			continue
		}
		if !bytes.HasPrefix(line, []byte("data:")) {
			continue
		}
		payload := bytes.TrimSpace(line[len("data:"):])
		if bytes.Equal(payload, []byte(SSEDone)) {
			r.done = true
			return nil, io.EOF
		}

		chunk, err := r.parser.ParseChunk(payload)
		if err != nil {
			return nil, err
		}
		if chunk != nil {
			return chunk, nil
		}
	}
	if err := r.scanner.Err(); err != nil {
		return nil, fmt.Errorf("read upstream stream: %w", err)
	}
	r.done = true
	return nil, io.EOF
}

// Close closes the upstream body.
func (r *Reader) Close() error {
	r.closeOnce.Do(func() {
		r.closeErr = r.body.Close()
	})
	return r.closeErr
}
