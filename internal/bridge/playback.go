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

// tryLockAttempts bounds how often a playback pull retries the queue lock
// before giving up and playing silence.
const tryLockAttempts = 3

// PlaybackConfig configures a [PlaybackAdapter].
type PlaybackConfig struct {
	// Format is the session format. Required.
	Format audio.Format

	// QueueLimit caps the queued response audio in samples. Zero means
	// unbounded. Responses that would exceed it are dropped.
	QueueLimit int

	// Metrics receives playback counters. Defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Logger defaults to [slog.Default].
	Logger *slog.Logger
}

// PlaybackStats is a snapshot of a playback adapter's counters.
type PlaybackStats struct {
	FramesServed   uint64 `json:"frames_served"`
	Underruns      uint64 `json:"underruns"`
	Contention     uint64 `json:"contention"`
	Panics         uint64 `json:"panics"`
	ChunksQueued   uint64 `json:"chunks_queued"`
	ChunksRejected uint64 `json:"chunks_rejected"`
	QueuedSamples  int    `json:"queued_samples"`
}

// PlaybackAdapter is the [audio.FrameSource] that plays processed audio into
// the call. Responses are appended from any goroutine with
// [PlaybackAdapter.AddAudioChunk]; the media clock drains them oldest first
// and gets silence for whatever is missing.
type PlaybackAdapter struct {
	format  audio.Format
	queue   *audio.FrameQueue
	metrics *observe.Metrics
	log     *slog.Logger

	closed atomic.Bool

	frames         atomic.Uint64
	underruns      atomic.Uint64
	contention     atomic.Uint64
	panics         atomic.Uint64
	queued         atomic.Uint64
	rejected       atomic.Uint64
	underrunLogged atomic.Bool
}

var _ audio.FrameSource = (*PlaybackAdapter)(nil)

// NewPlaybackAdapter validates cfg and returns an empty adapter.
func NewPlaybackAdapter(cfg PlaybackConfig) (*PlaybackAdapter, error) {
	if err := cfg.Format.Validate(); err != nil {
		return nil, fmt.Errorf("bridge: playback: %w", err)
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &PlaybackAdapter{
		format:  cfg.Format,
		queue:   audio.NewFrameQueue(cfg.QueueLimit),
		metrics: cfg.Metrics,
		log:     cfg.Logger,
	}, nil
}

// OnFrameRequested fills frame with queued response audio followed by
// silence. It never blocks and never panics; on lock contention or after
// Close the whole frame is silence.
func (p *PlaybackAdapter) OnFrameRequested(frame []int16) {
	defer func() {
		if r := recover(); r != nil {
			audio.Silence(frame)
			p.panics.Add(1)
			p.metrics.RecordRealtimePanic(context.Background(), "playback")
		}
	}()

	if len(frame) == 0 {
		return
	}
	p.frames.Add(1)
	if p.closed.Load() {
		audio.Silence(frame)
		return
	}

	var (
		n  int
		ok bool
	)
	for range tryLockAttempts {
		if n, ok = p.queue.ReadInto(frame); ok {
			break
		}
	}
	if !ok {
		audio.Silence(frame)
		p.contention.Add(1)
		p.metrics.PlaybackContention.Add(context.Background(), 1)
		return
	}
	if n < len(frame) {
		audio.Silence(frame[n:])
		p.underruns.Add(1)
		p.metrics.PlaybackUnderruns.Add(context.Background(), 1)
		if n > 0 && p.underrunLogged.CompareAndSwap(false, true) {
			p.log.Debug("bridge: playback underrun", "format", p.format.String(), "missing", len(frame)-n)
		}
	}
}

// AddAudioChunk appends a response chunk to the playback queue. It reports
// false if the adapter is closed or the queue limit would be exceeded; the
// chunk is dropped in both cases. Chunks in another format are converted to
// the session format first. Safe to call from any goroutine.
func (p *PlaybackAdapter) AddAudioChunk(c audio.Chunk) bool {
	if p.closed.Load() {
		return false
	}
	if c.Len() == 0 {
		return true
	}
	if c.Format != (audio.Format{}) && c.Format != p.format {
		c = audio.ConvertChunk(c, p.format)
	}

	err := p.queue.Push(c.Samples)
	switch {
	case err == nil:
		p.queued.Add(1)
		return true
	case errors.Is(err, audio.ErrQueueFull):
		p.rejected.Add(1)
		p.metrics.RecordDispatchFailure(context.Background(), observe.ReasonQueueFull)
		return false
	default:
		return false
	}
}

// Queued returns the number of samples waiting to be played.
func (p *PlaybackAdapter) Queued() int { return p.queue.Samples() }

// Format returns the session format.
func (p *PlaybackAdapter) Format() audio.Format { return p.format }

// Closed reports whether Close has been called.
func (p *PlaybackAdapter) Closed() bool { return p.closed.Load() }

// Stats returns a snapshot of the adapter's counters.
func (p *PlaybackAdapter) Stats() PlaybackStats {
	return PlaybackStats{
		FramesServed:   p.frames.Load(),
		Underruns:      p.underruns.Load(),
		Contention:     p.contention.Load(),
		Panics:         p.panics.Load(),
		ChunksQueued:   p.queued.Load(),
		ChunksRejected: p.rejected.Load(),
		QueuedSamples:  p.queue.Samples(),
	}
}

// Close discards queued audio and makes further AddAudioChunk calls fail.
// Pulls after Close return silence. Idempotent.
func (p *PlaybackAdapter) Close() {
	p.closed.Store(true)
	p.queue.Close()
}
