package resilience

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MrWong99/callbridge/pkg/audio"
	"github.com/MrWong99/callbridge/pkg/processor"
)

// ProcessorFallback implements [processor.Processor] with failover across
// several processing services. Each service has its own circuit breaker; when
// the primary fails or its breaker is open, the next healthy fallback gets the
// chunk.
type ProcessorFallback struct {
	group *FallbackGroup[processor.Processor]
}

var (
	_ processor.Processor     = (*ProcessorFallback)(nil)
	_ processor.SessionCloser = (*ProcessorFallback)(nil)
	_ processor.Namer         = (*ProcessorFallback)(nil)
)

// NewProcessorFallback creates a [ProcessorFallback] with primary as the
// preferred service.
func NewProcessorFallback(primary processor.Processor, cfg FallbackConfig) *ProcessorFallback {
	return &ProcessorFallback{
		group: NewFallbackGroup(primary, processor.Name(primary), cfg),
	}
}

// AddFallback registers an additional service.
func (f *ProcessorFallback) AddFallback(p processor.Processor) {
	f.group.AddFallback(processor.Name(p), p)
}

// Process sends the chunk to the first healthy service.
func (f *ProcessorFallback) Process(ctx context.Context, req processor.Request) (audio.Chunk, error) {
	resp, err := ExecuteWithResult(f.group, func(p processor.Processor) (audio.Chunk, error) {
		return p.Process(ctx, req)
	})
	if err != nil {
		return audio.Chunk{}, fmt.Errorf("resilience: process: %w", err)
	}
	return resp, nil
}

// CloseSession forwards to every service that keeps per-session state, since
// any of them may have served the session.
func (f *ProcessorFallback) CloseSession(token string) error {
	var errs []error
	f.group.Each(func(name string, p processor.Processor) {
		c, ok := p.(processor.SessionCloser)
		if !ok {
			return
		}
		if err := c.CloseSession(token); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	})
	return errors.Join(errs...)
}

// Name joins the service names in failover order, e.g. "realtime>http".
func (f *ProcessorFallback) Name() string {
	return strings.Join(f.group.Names(), ">")
}

// Available reports whether any service would accept a request now.
func (f *ProcessorFallback) Available() bool {
	return f.group.Available()
}

// States returns each service's breaker state keyed by name.
func (f *ProcessorFallback) States() map[string]State {
	return f.group.States()
}
