package tiergate

import (
	"github.com/blueberrycongee/tiergate/internal/routing"
	"github.com/blueberrycongee/tiergate/pkg/types"
)

// StreamReader provides an iterator interface for streaming responses.
//
// Example:
//
//	stream, err := client.ChatCompletionStream(ctx, req)
//	if err != nil {
//	    return err
//	}
//	defer stream.Close()
//
//	for {
//	    chunk, err := stream.Recv()
//	    if err == io.EOF {
//	        break
//	    }
//	    if err != nil {
//	        return err
//	    }
//	    fmt.Print(chunk.Text())
//	}
//
// Once a chunk has been received the stream is bound to its provider: an
// upstream failure after that point is returned from Recv as a
// stream_interrupted LLMError rather than retried elsewhere.
type StreamReader struct {
	relay *routing.Relay
}

func newStreamReader(relay *routing.Relay) *StreamReader {
	return &StreamReader{relay: relay}
}

// Recv returns the next chunk from the stream.
// Returns io.EOF when the stream is complete.
func (s *StreamReader) Recv() (*types.StreamChunk, error) {
	return s.relay.Recv()
}

// Close releases the upstream connection. It is safe to call more than once.
func (s *StreamReader) Close() error {
	return s.relay.Close()
}

// Provider is the ID of the provider serving the stream.
func (s *StreamReader) Provider() string {
	return s.relay.Provider()
}

// Attempts lists the candidates that failed or were skipped before the
// stream was established.
func (s *StreamReader) Attempts() []Attempt {
	return s.relay.Attempts()
}

// Forwarded is the number of chunks received so far.
func (s *StreamReader) Forwarded() int64 {
	return s.relay.Cursor().Forwarded()
}
