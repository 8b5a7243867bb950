package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/MrWong99/callbridge/internal/observe"
	"github.com/MrWong99/callbridge/pkg/audio"
)

// CaptureConfig configures a [CaptureAdapter].
type CaptureConfig struct {
	// Format is the session format. Required.
	Format audio.Format

	// ChunkSamples is the target chunk length in interleaved samples. It must
	// be positive and a whole number of frames. See [audio.Format.SamplesFor].
	ChunkSamples int

	// Submitter receives every completed chunk. Required.
	Submitter Submitter

	// Handle identifies the owning session. Required.
	Handle *Handle

	// Metrics receives capture counters. Defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Logger defaults to [slog.Default].
	Logger *slog.Logger
}

// CaptureStats is a snapshot of a capture adapter's counters.
type CaptureStats struct {
	FramesReceived   uint64 `json:"frames_received"`
	SamplesReceived  uint64 `json:"samples_received"`
	ChunksEmitted    uint64 `json:"chunks_emitted"`
	DispatchFailures uint64 `json:"dispatch_failures"`
	Panics           uint64 `json:"panics"`
	Buffered         int    `json:"buffered"`
}

// CaptureAdapter is the [audio.FrameSink] that cuts captured call audio into
// fixed-length chunks and hands them to a [Submitter].
//
// The accumulation buffer belongs to the media clock goroutine: only
// OnFrameReceived touches it. Everything readable from other goroutines is
// atomic.
type CaptureAdapter struct {
	format    audio.Format
	target    int
	submitter Submitter
	handle    *Handle
	metrics   *observe.Metrics
	log       *slog.Logger

	buf []int16

	closed   atomic.Bool
	buffered atomic.Int64

	frames      atomic.Uint64
	samples     atomic.Uint64
	chunks      atomic.Uint64
	failures    atomic.Uint64
	panics      atomic.Uint64
	failureOnce atomic.Bool
}

var _ audio.FrameSink = (*CaptureAdapter)(nil)

// NewCaptureAdapter validates cfg and returns an adapter with an empty buffer.
func NewCaptureAdapter(cfg CaptureConfig) (*CaptureAdapter, error) {
	if err := cfg.Format.Validate(); err != nil {
		return nil, fmt.Errorf("bridge: capture: %w", err)
	}
	if cfg.ChunkSamples <= 0 || cfg.ChunkSamples%cfg.Format.Channels != 0 {
		return nil, fmt.Errorf("bridge: capture: chunk length %d is not a positive number of %d-channel frames",
			cfg.ChunkSamples, cfg.Format.Channels)
	}
	if cfg.Submitter == nil {
		return nil, errors.New("bridge: capture: submitter is required")
	}
	if cfg.Handle == nil {
		return nil, errors.New("bridge: capture: handle is required")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &CaptureAdapter{
		format:    cfg.Format,
		target:    cfg.ChunkSamples,
		submitter: cfg.Submitter,
		handle:    cfg.Handle,
		metrics:   cfg.Metrics,
		log:       cfg.Logger,
		buf:       make([]int16, 0, cfg.ChunkSamples*2),
	}, nil
}

// OnFrameReceived appends frame to the buffer and submits one chunk for every
// full target length accumulated, oldest samples first. Leftover samples stay
// buffered for the next call. Submission failures are counted, never
// returned; panics are recovered and counted.
func (c *CaptureAdapter) OnFrameReceived(frame []int16) {
	defer func() {
		if r := recover(); r != nil {
			c.panics.Add(1)
			c.metrics.RecordRealtimePanic(context.Background(), "capture")
		}
	}()

	if len(frame) == 0 || c.closed.Load() {
		return
	}
	c.frames.Add(1)
	c.samples.Add(uint64(len(frame)))

	c.buf = append(c.buf, frame...)
	for len(c.buf) >= c.target {
		chunk := make([]int16, c.target)
		copy(chunk, c.buf[:c.target])
		rest := copy(c.buf, c.buf[c.target:])
		c.buf = c.buf[:rest]
		c.emit(chunk)
	}
	c.buffered.Store(int64(len(c.buf)))
}

func (c *CaptureAdapter) emit(samples []int16) {
	c.chunks.Add(1)
	c.metrics.ChunksCaptured.Add(context.Background(), 1)

	err := c.submitter.Submit(audio.Chunk{Format: c.format, Samples: samples}, c.handle)
	if err == nil {
		return
	}
	c.failures.Add(1)
	if c.failureOnce.CompareAndSwap(false, true) {
		c.log.Debug("bridge: chunk dropped", "token", c.handle.Token(), "err", err)
	}
}

// Buffered returns the number of samples waiting for the next chunk.
func (c *CaptureAdapter) Buffered() int { return int(c.buffered.Load()) }

// ChunkSamples returns the target chunk length.
func (c *CaptureAdapter) ChunkSamples() int { return c.target }

// Stats returns a snapshot of the adapter's counters.
func (c *CaptureAdapter) Stats() CaptureStats {
	return CaptureStats{
		FramesReceived:   c.frames.Load(),
		SamplesReceived:  c.samples.Load(),
		ChunksEmitted:    c.chunks.Load(),
		DispatchFailures: c.failures.Load(),
		Panics:           c.panics.Load(),
		Buffered:         c.Buffered(),
	}
}

// Close makes the adapter ignore further frames. The partial chunk still in
// the buffer is discarded. Idempotent.
func (c *CaptureAdapter) Close() {
	c.closed.Store(true)
}
