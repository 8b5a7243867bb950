// Package mock provides a test double for the [processor.Processor] interface.
//
// Set ProcessFunc to script responses, or leave it nil to echo the input
// chunk back unchanged. Every call is recorded for later inspection.
//
// Example:
//
//	p := &mock.Processor{Block: make(chan struct{})}
//	// ... submit work; it parks until Block is closed ...
//	close(p.Block)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/callbridge/pkg/audio"
	"github.com/MrWong99/callbridge/pkg/processor"
)

var (
	_ processor.Processor     = (*Processor)(nil)
	_ processor.SessionCloser = (*Processor)(nil)
	_ processor.Namer         = (*Processor)(nil)
)

// Processor is a mock implementation of [processor.Processor] and
// [processor.SessionCloser].
type Processor struct {
	mu sync.Mutex

	// ProcessFunc, if set, computes the response. Otherwise the input chunk is
	// echoed (the samples are copied).
	ProcessFunc func(ctx context.Context, req processor.Request) (audio.Chunk, error)

	// Block, if non-nil, makes Process wait until the channel is closed or ctx
	// is done before producing a response.
	Block chan struct{}

	// Started receives req.Seq (non-blocking) whenever a call enters Process.
	Started chan uint64

	// CloseSessionErr is returned by CloseSession.
	CloseSessionErr error

	// NameValue is returned by Name. Defaults to "mock".
	NameValue string

	// Requests records every request passed to Process in arrival order.
	Requests []processor.Request

	// ClosedTokens records every token passed to CloseSession.
	ClosedTokens []string
}

// Process records the request and returns the scripted response.
func (p *Processor) Process(ctx context.Context, req processor.Request) (audio.Chunk, error) {
	p.mu.Lock()
	p.Requests = append(p.Requests, req)
	block := p.Block
	fn := p.ProcessFunc
	started := p.Started
	p.mu.Unlock()

	if started != nil {
		select {
		case started <- req.Seq:
		default:
		}
	}

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return audio.Chunk{}, ctx.Err()
		}
	}
	if fn != nil {
		return fn(ctx, req)
	}
	return audio.Chunk{
		Format:  req.Chunk.Format,
		Samples: append([]int16(nil), req.Chunk.Samples...),
	}, nil
}

// CloseSession records token and returns CloseSessionErr.
func (p *Processor) CloseSession(token string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ClosedTokens = append(p.ClosedTokens, token)
	return p.CloseSessionErr
}

// Name returns NameValue or "mock".
func (p *Processor) Name() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.NameValue == "" {
		return "mock"
	}
	return p.NameValue
}

// RequestCount returns the number of recorded Process calls. Thread-safe.
func (p *Processor) RequestCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Requests)
}

// Closed returns a copy of the tokens passed to CloseSession. Thread-safe.
func (p *Processor) Closed() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.ClosedTokens...)
}
