// Package echo provides a [processor.Processor] that returns its input after
// a fixed delay. It stands in for a real processing service during
// development and in end-to-end tests: a caller hears their own voice played
// back roughly one chunk plus one delay later.
package echo

import (
	"context"
	"time"

	"github.com/MrWong99/callbridge/pkg/audio"
	"github.com/MrWong99/callbridge/pkg/processor"
)

// DefaultDelay is the simulated processing latency.
const DefaultDelay = 500 * time.Millisecond

var _ processor.Processor = (*Processor)(nil)

// Option configures a [Processor].
type Option func(*Processor)

// WithDelay sets the simulated latency. Zero or negative means respond
// immediately.
func WithDelay(d time.Duration) Option {
	return func(p *Processor) { p.delay = d }
}

// WithGain scales every sample by g before returning it. Results are clamped
// to the int16 range.
func WithGain(g float64) Option {
	return func(p *Processor) { p.gain = g }
}

// Processor echoes captured audio back after a delay.
type Processor struct {
	delay time.Duration
	gain  float64
}

// New returns an echo processor with [DefaultDelay] and unity gain unless
// overridden by opts.
func New(opts ...Option) *Processor {
	p := &Processor{delay: DefaultDelay, gain: 1}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Name implements [processor.Namer].
func (p *Processor) Name() string { return "echo" }

// Process waits for the configured delay and returns a copy of the input.
// It returns ctx.Err() if ctx is done first.
func (p *Processor) Process(ctx context.Context, req processor.Request) (audio.Chunk, error) {
	if p.delay > 0 {
		t := time.NewTimer(p.delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return audio.Chunk{}, ctx.Err()
		}
	} else if err := ctx.Err(); err != nil {
		return audio.Chunk{}, err
	}

	out := make([]int16, len(req.Chunk.Samples))
	if p.gain == 1 {
		copy(out, req.Chunk.Samples)
	} else {
		for i, s := range req.Chunk.Samples {
			out[i] = scale(s, p.gain)
		}
	}
	return audio.Chunk{Format: req.Chunk.Format, Samples: out}, nil
}

func scale(s int16, g float64) int16 {
	v := float64(s) * g
	switch {
	case v > 32767:
		return 32767
	case v < -32768:
		return -32768
	}
	return int16(v)
}
