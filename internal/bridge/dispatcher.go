package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/callbridge/internal/observe"
	"github.com/MrWong99/callbridge/pkg/audio"
	"github.com/MrWong99/callbridge/pkg/processor"
)

// DispatcherConfig configures a [Dispatcher].
type DispatcherConfig struct {
	// Processor is the external processing collaborator. Required.
	Processor processor.Processor

	// MaxInFlight caps concurrent processing requests across all sessions.
	// Zero means unbounded. Submissions over the cap are dropped with
	// [ErrBackpressure].
	MaxInFlight int

	// Timeout bounds each processing round trip. Zero means no timeout; a
	// stalled service then only costs playback silence.
	Timeout time.Duration

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Logger defaults to [slog.Default].
	Logger *slog.Logger
}

// Dispatcher runs processing requests asynchronously and routes each
// response to its session's playback queue through the session [Handle].
//
// Requests are neither retried nor reordered: a failed request is lost audio,
// and responses are enqueued in completion order. Closing a session does not
// cancel its in-flight requests; their responses are dropped as stale when
// they complete. Only [Dispatcher.Shutdown] cancels and joins outstanding
// work.
type Dispatcher struct {
	proc    processor.Processor
	name    string
	timeout time.Duration
	metrics *observe.Metrics
	log     *slog.Logger

	group  errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc

	// mu orders Submit against Shutdown: Submit holds it for reading while it
	// starts a worker, so Wait never races a new Go call.
	mu     sync.RWMutex
	closed bool

	inFlight atomic.Int64
}

var _ Submitter = (*Dispatcher)(nil)

// NewDispatcher validates cfg and returns a running dispatcher.
func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Processor == nil {
		return nil, errors.New("bridge: dispatcher: processor is required")
	}
	if cfg.MaxInFlight < 0 {
		return nil, fmt.Errorf("bridge: dispatcher: max in flight must be >= 0, got %d", cfg.MaxInFlight)
	}
	if cfg.Timeout < 0 {
		return nil, fmt.Errorf("bridge: dispatcher: timeout must be >= 0, got %s", cfg.Timeout)
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	d := &Dispatcher{
		proc:    cfg.Processor,
		name:    processor.Name(cfg.Processor),
		timeout: cfg.Timeout,
		metrics: cfg.Metrics,
		log:     cfg.Logger,
	}
	if cfg.MaxInFlight > 0 {
		d.group.SetLimit(cfg.MaxInFlight)
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	return d, nil
}

// Submit starts processing chunk for the session behind h and returns
// immediately. It never blocks: if shutdown holds the lock or the in-flight
// cap is reached, the chunk is dropped and an error returned.
func (d *Dispatcher) Submit(chunk audio.Chunk, h *Handle) error {
	ctx := context.Background()
	if h == nil || !h.Live() {
		d.metrics.RecordDispatchFailure(ctx, observe.ReasonReleased)
		return ErrSessionReleased
	}
	if !d.mu.TryRLock() {
		d.metrics.RecordDispatchFailure(ctx, observe.ReasonClosed)
		return ErrDispatcherClosed
	}
	defer d.mu.RUnlock()
	if d.closed {
		d.metrics.RecordDispatchFailure(ctx, observe.ReasonClosed)
		return ErrDispatcherClosed
	}

	req := processor.Request{Token: h.Token(), Seq: h.nextSeq(), Chunk: chunk}
	d.inFlight.Add(1)
	if !d.group.TryGo(func() error {
		d.run(h, req)
		return nil
	}) {
		d.inFlight.Add(-1)
		h.failed.Add(1)
		d.metrics.RecordDispatchFailure(ctx, observe.ReasonBackpressure)
		return ErrBackpressure
	}
	h.submitted.Add(1)
	d.metrics.ChunksDispatched.Add(ctx, 1)
	d.metrics.InFlightRequests.Add(ctx, 1)
	return nil
}

// run performs one processing round trip on a worker goroutine.
func (d *Dispatcher) run(h *Handle, req processor.Request) {
	ctx := d.ctx
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	ctx, span := observe.StartProcessSpan(ctx, d.name, req.Token, req.Seq)

	start := time.Now()
	resp, err := d.process(ctx, req)
	elapsed := time.Since(start)

	observe.EndSpan(span, err)
	d.inFlight.Add(-1)
	d.metrics.InFlightRequests.Add(ctx, -1)

	if err != nil {
		reason := observe.ReasonProcessor
		switch {
		case d.ctx.Err() != nil:
			reason = observe.ReasonClosed
		case errors.Is(err, context.DeadlineExceeded):
			reason = observe.ReasonTimeout
		}
		h.failed.Add(1)
		d.metrics.RecordProcessing(ctx, d.name, "error", elapsed.Seconds())
		d.metrics.RecordDispatchFailure(ctx, reason)
		observe.Logger(ctx).Debug("bridge: processing failed",
			"token", req.Token, "seq", req.Seq, "reason", reason, "err", err)
		return
	}
	d.metrics.RecordProcessing(ctx, d.name, "ok", elapsed.Seconds())

	if resp.Len() == 0 {
		return
	}
	pb := h.Playback()
	if pb == nil || !pb.AddAudioChunk(resp) {
		if pb == nil || pb.Closed() {
			h.stale.Add(1)
			d.metrics.ResponsesStale.Add(ctx, 1)
		} else {
			h.failed.Add(1)
		}
		return
	}
	h.delivered.Add(1)
	d.metrics.ResponsesDelivered.Add(ctx, 1)
}

// process calls the processor, converting a panic into an error so one bad
// response cannot take the process down.
func (d *Dispatcher) process(ctx context.Context, req processor.Request) (resp audio.Chunk, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("bridge: processor %s panicked: %v", d.name, r)
		}
	}()
	return d.proc.Process(ctx, req)
}

// InFlight returns the number of outstanding processing requests.
func (d *Dispatcher) InFlight() int { return int(d.inFlight.Load()) }

// Processor returns the label of the configured processor.
func (d *Dispatcher) Processor() string { return d.name }

// Shutdown stops accepting chunks, cancels outstanding requests, and waits
// for every worker to return or ctx to end. Safe to call more than once.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.cancel()

	done := make(chan struct{})
	go func() {
		_ = d.group.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.log.Debug("bridge: dispatcher drained")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("bridge: dispatcher shutdown: %w", ctx.Err())
	}
}
