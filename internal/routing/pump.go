package routing

import (
	"sync"
	"time"

	"github.com/blueberrycongee/tiergate/pkg/provider"
	"github.com/blueberrycongee/tiergate/pkg/types"
)

type pumpResult struct {
	chunk *types.StreamChunk
	err   error
}

// pump reads an upstream stream on its own goroutine so that readers can
// select on it together with their context.
type pump struct {
	stream  provider.ChunkStream
	results chan pumpResult
	done    chan struct{}

	once   sync.Once
	closed bool
}

func startPump(s provider.ChunkStream) *pump {
	p := &pump{
		stream:  s,
		results: make(chan pumpResult),
		done:    make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *pump) run() {
	for {
		chunk, err := p.stream.Next()
		select {
		case p.results <- pumpResult{chunk: chunk, err: err}:
		case <-p.done:
			return
		}
		if err != nil {
			return
		}
	}
}

// stop closes the upstream and waits up to timeout for it. It reports
// whether the close finished in time; later calls report the first result.
func (p *pump) stop(timeout time.Duration) bool {
	p.once.Do(func() {
		close(p.done)
		closed := make(chan struct{})
		go func() {
			_ = p.stream.Close()
			close(closed)
		}()
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-closed:
			p.closed = true
		case <-timer.C:
		}
	})
	return p.closed
}
