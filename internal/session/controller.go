// Package session maps call lifecycle notifications onto bridge sessions.
//
// A [Controller] keeps the registry of live sessions keyed by call ID. On
// media-active it builds the capture and playback adapters for the negotiated
// format and connects them to the call; on media-inactive, media-error,
// disconnect or hangup it disconnects both directions and releases the
// adapters. Bridging failures never fail the call: setup errors leave the call
// unbridged and teardown errors are logged.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/callbridge/internal/bridge"
	"github.com/MrWong99/callbridge/internal/observe"
	"github.com/MrWong99/callbridge/pkg/audio"
	"github.com/MrWong99/callbridge/pkg/processor"
)

// DefaultChunkDuration is the capture chunk length used when none is configured.
const DefaultChunkDuration = 500 * time.Millisecond

var (
	// ErrBusy is returned when a new session would exceed the session limit.
	ErrBusy = errors.New("session: busy")

	// ErrExists is returned when the call already has a session.
	ErrExists = errors.New("session: call already bridged")

	// ErrNoSession is returned when no session exists for a call ID.
	ErrNoSession = errors.New("session: no session for call")

	// ErrConnect wraps a failure to wire an adapter into the call.
	ErrConnect = errors.New("session: connect media")

	// ErrClosed is returned by MediaActive after Shutdown.
	ErrClosed = errors.New("session: controller closed")
)

// Config holds the dependencies of a [Controller].
type Config struct {
	// Submitter receives captured chunks. Required; normally a [bridge.Dispatcher].
	Submitter bridge.Submitter

	// Closer, if set, is told when a session's token is retired.
	Closer processor.SessionCloser

	// ChunkDuration is the capture chunk length. Defaults to
	// [DefaultChunkDuration].
	ChunkDuration time.Duration

	// MaxSessions caps concurrent sessions. Zero means unlimited.
	MaxSessions int

	// QueueLimit caps each session's playback queue as audio duration. Zero
	// means unbounded.
	QueueLimit time.Duration

	Metrics *observe.Metrics
	Logger  *slog.Logger
}

// Controller owns every live [Session]. All methods are safe for concurrent
// use.
type Controller struct {
	submitter  bridge.Submitter
	closer     processor.SessionCloser
	queueLimit time.Duration
	metrics    *observe.Metrics
	log        *slog.Logger

	chunkDuration atomic.Int64
	maxSessions   atomic.Int64

	mu       sync.Mutex
	sessions map[string]*Session
	pending  map[string]struct{} // call IDs being connected
	closed   bool
}

// NewController validates cfg and returns an empty controller.
func NewController(cfg Config) (*Controller, error) {
	if cfg.Submitter == nil {
		return nil, errors.New("session: submitter is required")
	}
	if cfg.ChunkDuration == 0 {
		cfg.ChunkDuration = DefaultChunkDuration
	}
	if cfg.ChunkDuration < 0 {
		return nil, fmt.Errorf("session: chunk duration must be positive, got %s", cfg.ChunkDuration)
	}
	if cfg.MaxSessions < 0 {
		return nil, fmt.Errorf("session: max sessions must be >= 0, got %d", cfg.MaxSessions)
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	c := &Controller{
		submitter:  cfg.Submitter,
		closer:     cfg.Closer,
		queueLimit: cfg.QueueLimit,
		metrics:    cfg.Metrics,
		log:        cfg.Logger,
		sessions:   make(map[string]*Session),
		pending:    make(map[string]struct{}),
	}
	c.chunkDuration.Store(int64(cfg.ChunkDuration))
	c.maxSessions.Store(int64(cfg.MaxSessions))
	return c, nil
}

// SetChunkDuration changes the chunk length for sessions created afterwards.
func (c *Controller) SetChunkDuration(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("session: chunk duration must be positive, got %s", d)
	}
	c.chunkDuration.Store(int64(d))
	return nil
}

// SetMaxSessions changes the session limit. Existing sessions are kept even
// if they exceed the new limit.
func (c *Controller) SetMaxSessions(n int) error {
	if n < 0 {
		return fmt.Errorf("session: max sessions must be >= 0, got %d", n)
	}
	c.maxSessions.Store(int64(n))
	return nil
}

// MaxSessions returns the current session limit. Zero means unlimited.
func (c *Controller) MaxSessions() int { return int(c.maxSessions.Load()) }

// HandleEvent dispatches a lifecycle notification to the matching transition.
// Errors from media-active are returned so the media engine can reject the
// call; they never need to end it.
func (c *Controller) HandleEvent(ctx context.Context, ev Event) error {
	switch ev.Kind {
	case EventMediaActive:
		if ev.Media == nil {
			return fmt.Errorf("session: media-active event for call %q without media", ev.CallID)
		}
		_, err := c.MediaActive(ctx, ev.Media, ev.Format)
		return err
	case EventMediaInactive, EventDisconnected:
		c.closeEvent(ev)
	case EventMediaError:
		c.log.Warn("session: media error", "call_id", ev.CallID, "err", ev.Err)
		c.closeEvent(ev)
	default:
		return fmt.Errorf("session: unknown event kind %d", ev.Kind)
	}
	return nil
}

// MediaActive creates the session for media's call and connects its adapters.
//
// It returns [ErrExists] if the call is already bridged, [ErrBusy] if the
// session limit is reached, an error wrapping [audio.ErrFormatMismatch] for an
// unusable format, and [ErrConnect] if either direction cannot be wired. On
// any error nothing stays connected and the call continues unbridged.
func (c *Controller) MediaActive(ctx context.Context, media CallMedia, format audio.Format) (*Session, error) {
	callID := media.CallID()

	s, err := c.reserve(ctx, media, format)
	if err != nil {
		return nil, err
	}

	// The call ID stays reserved while connecting, so the registry lock is
	// not held across calls into the media engine.
	err = c.connect(s)

	c.mu.Lock()
	delete(c.pending, callID)
	closed := c.closed
	if err == nil && !closed {
		c.sessions[callID] = s
	}
	c.mu.Unlock()

	if err != nil {
		c.metrics.RecordSetupFailure(ctx, observe.ReasonConnect)
		c.log.Warn("session: wiring failed, call continues unbridged", "call_id", callID, "err", err)
		return nil, err
	}
	if closed {
		// Shutdown ran while connecting.
		s.close(c.log)
		if c.closer != nil {
			_ = c.closer.CloseSession(s.Token())
		}
		return nil, ErrClosed
	}

	c.metrics.ActiveSessions.Add(ctx, 1)
	c.log.Info("session: started",
		"call_id", callID,
		"session_id", s.id,
		"format", format.String(),
		"chunk_samples", s.capture.Load().ChunkSamples(),
	)
	return s, nil
}

// reserve checks admission for media's call, builds its session and marks
// the call ID as pending.
func (c *Controller) reserve(ctx context.Context, media CallMedia, format audio.Format) (*Session, error) {
	callID := media.CallID()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	if _, ok := c.sessions[callID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrExists, callID)
	}
	if _, ok := c.pending[callID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrExists, callID)
	}
	if n, limit := len(c.sessions)+len(c.pending), int(c.maxSessions.Load()); limit > 0 && n >= limit {
		c.metrics.SessionsRejected.Add(ctx, 1)
		c.log.Info("session: rejecting call, session limit reached", "call_id", callID, "limit", limit)
		return nil, fmt.Errorf("%w: %d of %d sessions active", ErrBusy, n, limit)
	}

	s, err := c.build(media, format)
	if err != nil {
		c.metrics.RecordSetupFailure(ctx, observe.ReasonFormat)
		c.log.Warn("session: unusable media format, call continues unbridged",
			"call_id", callID, "format", format.String(), "err", err)
		return nil, err
	}
	c.pending[callID] = struct{}{}
	return s, nil
}

// build constructs a session and its adapters without touching the call.
func (c *Controller) build(media CallMedia, format audio.Format) (*Session, error) {
	if err := format.Validate(); err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}

	var queueLimit int
	if c.queueLimit > 0 {
		queueLimit = format.SamplesFor(c.queueLimit)
	}
	pb, err := bridge.NewPlaybackAdapter(bridge.PlaybackConfig{
		Format:     format,
		QueueLimit: queueLimit,
		Metrics:    c.metrics,
		Logger:     c.log,
	})
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}

	h := bridge.NewHandle(uuid.NewString())
	h.Attach(pb)

	capture, err := bridge.NewCaptureAdapter(bridge.CaptureConfig{
		Format:       format,
		ChunkSamples: format.SamplesFor(time.Duration(c.chunkDuration.Load())),
		Submitter:    c.submitter,
		Handle:       h,
		Metrics:      c.metrics,
		Logger:       c.log,
	})
	if err != nil {
		h.Release()
		return nil, fmt.Errorf("session: %w", err)
	}

	s := &Session{
		id:        uuid.NewString(),
		callID:    media.CallID(),
		format:    format,
		startedAt: time.Now().UTC(),
		media:     media,
		handle:    h,
		playback:  pb,
	}
	s.capture.Store(capture)
	s.state.Store(int32(StateNoMedia))
	return s, nil
}

// connect wires both directions. If the second fails the first is undone.
func (c *Controller) connect(s *Session) error {
	undo := func(cause error) error {
		s.close(c.log)
		return fmt.Errorf("%w: %w", ErrConnect, cause)
	}
	if err := s.media.ConnectCapture(s.capture.Load()); err != nil {
		return undo(fmt.Errorf("capture: %w", err))
	}
	if err := s.media.ConnectPlayback(s.playback); err != nil {
		return undo(fmt.Errorf("playback: %w", err))
	}
	s.state.Store(int32(StateMediaActive))
	return nil
}

// MediaInactive closes the session for callID, if any.
func (c *Controller) MediaInactive(callID string) {
	c.CloseSession(callID)
}

// Disconnected closes the session for callID, if any.
func (c *Controller) Disconnected(callID string) {
	c.CloseSession(callID)
}

// CloseSession tears down the session for callID. It reports whether this
// call performed the teardown; closing an unknown or already closed session is
// a no-op.
func (c *Controller) CloseSession(callID string) bool {
	return c.closeMatching(callID, nil)
}

// closeEvent closes the session an inactive, error or disconnect event refers
// to. When the event names its media, a session bridged over other media for
// the same call ID is left alone.
func (c *Controller) closeEvent(ev Event) {
	c.closeMatching(ev.CallID, ev.Media)
}

func (c *Controller) closeMatching(callID string, media CallMedia) bool {
	c.mu.Lock()
	s, ok := c.sessions[callID]
	if ok && media != nil && s.media != media {
		ok = false
	}
	if ok {
		delete(c.sessions, callID)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	return c.release(s)
}

// release closes s and retires its processor token.
func (c *Controller) release(s *Session) bool {
	if !s.close(c.log) {
		return false
	}
	c.metrics.ActiveSessions.Add(context.Background(), -1)
	if c.closer != nil {
		if err := c.closer.CloseSession(s.Token()); err != nil {
			c.log.Warn("session: processor close failed", "session_id", s.id, "err", err)
		}
	}
	st := s.handle.Stats()
	c.log.Info("session: closed",
		"call_id", s.callID,
		"session_id", s.id,
		"duration", time.Since(s.startedAt).Round(time.Millisecond),
		"submitted", st.Submitted,
		"delivered", st.Delivered,
		"stale", st.Stale,
		"failed", st.Failed,
	)
	return true
}

// Hangup ends the call behind callID and closes its session. A hangup failure
// is logged and the session is closed anyway.
func (c *Controller) Hangup(ctx context.Context, callID string) error {
	c.mu.Lock()
	s, ok := c.sessions[callID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSession, callID)
	}
	if err := s.media.Hangup(ctx); err != nil {
		c.log.Warn("session: hangup failed", "call_id", callID, "err", err)
	}

	c.mu.Lock()
	if c.sessions[callID] == s {
		delete(c.sessions, callID)
	}
	c.mu.Unlock()
	c.release(s)
	return nil
}

// Session returns the live session for callID.
func (c *Controller) Session(callID string) (*Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[callID]
	return s, ok
}

// Sessions returns a snapshot of every live session, oldest first.
func (c *Controller) Sessions() []Info {
	c.mu.Lock()
	list := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		list = append(list, s)
	}
	c.mu.Unlock()

	infos := make([]Info, 0, len(list))
	for _, s := range list {
		infos = append(infos, s.Info())
	}
	slices.SortFunc(infos, func(a, b Info) int { return a.StartedAt.Compare(b.StartedAt) })
	return infos
}

// Len returns the number of live sessions.
func (c *Controller) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

// Shutdown refuses new sessions, hangs up every bridged call and closes its
// session. It returns ctx's error if ctx ends before every call is handled.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	list := make([]*Session, 0, len(c.sessions))
	for id, s := range c.sessions {
		list = append(list, s)
		delete(c.sessions, id)
	}
	c.mu.Unlock()

	for _, s := range list {
		if ctx.Err() == nil {
			if err := s.media.Hangup(ctx); err != nil {
				c.log.Warn("session: hangup on shutdown failed", "call_id", s.callID, "err", err)
			}
		}
		c.release(s)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("session: shutdown: %w", err)
	}
	return nil
}
