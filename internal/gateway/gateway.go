// Package gateway is the production media engine of the call bridge: a
// WebSocket endpoint that carries one call's audio per connection.
//
// A peer (a SIP media server, a softphone bridge, a test client) opens a
// connection and sends a JSON start message naming the call and its PCM
// format. Binary messages from the peer are captured frames; the gateway
// pushes them into the connected [audio.FrameSink]. A per-connection ticker
// at the negotiated packet time pulls frames from the connected
// [audio.FrameSource] and sends them back as binary messages. A stop message
// ends the media stream; closing the socket ends the call.
//
//	peer                                gateway
//	 │ {"event":"start",...}  ───────►  EventMediaActive
//	 │ ◄───────  {"event":"started"}
//	 │ binary PCM16 frames    ───────►  FrameSink.OnFrameReceived
//	 │ ◄───────  binary PCM16 frames    FrameSource.OnFrameRequested (every ptime)
//	 │ {"event":"stop"}       ───────►  EventMediaInactive
//	 │ close                  ───────►  EventDisconnected
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/callbridge/internal/session"
	"github.com/MrWong99/callbridge/pkg/audio"
)

const (
	defaultStartTimeout = 10 * time.Second
	defaultWriteTimeout = 2 * time.Second
	readLimit           = 1 << 20
)

// EventHandler receives call lifecycle events. [*session.Controller]
// implements it.
type EventHandler interface {
	HandleEvent(ctx context.Context, ev session.Event) error
}

// Config configures a [Server].
type Config struct {
	// Events receives lifecycle events for every call. Required.
	Events EventHandler

	// OriginPatterns lists host patterns allowed to connect from browsers.
	// Empty means same-origin only.
	OriginPatterns []string

	// StartTimeout bounds the wait for the start message. Defaults to 10s.
	StartTimeout time.Duration

	// Logger defaults to [slog.Default].
	Logger *slog.Logger
}

// Server is the [http.Handler] for the media endpoint.
type Server struct {
	events       EventHandler
	origins      []string
	startTimeout time.Duration
	log          *slog.Logger

	mu     sync.Mutex
	calls  map[*call]struct{}
	closed bool
	wg     sync.WaitGroup
}

var _ http.Handler = (*Server)(nil)

// New validates cfg and returns a server.
func New(cfg Config) (*Server, error) {
	if cfg.Events == nil {
		return nil, errors.New("gateway: event handler is required")
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = defaultStartTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{
		events:       cfg.Events,
		origins:      cfg.OriginPatterns,
		startTimeout: cfg.StartTimeout,
		log:          cfg.Logger,
		calls:        make(map[*call]struct{}),
	}, nil
}

// ServeHTTP upgrades the request and runs the call until the peer or the
// server closes the connection.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.origins})
	if err != nil {
		s.log.Debug("gateway: upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	conn.SetReadLimit(readLimit)

	c := &call{conn: conn, log: s.log}
	if !s.track(c) {
		conn.Close(websocket.StatusGoingAway, "shutting down")
		return
	}
	defer s.untrack(c)

	s.serve(r.Context(), c)
}

// serve reads the start message, then runs the read loop until the
// connection ends.
func (s *Server) serve(ctx context.Context, c *call) {
	startCtx, cancel := context.WithTimeout(ctx, s.startTimeout)
	first, err := c.readControl(startCtx)
	cancel()
	if err != nil || first.Event != eventStart || first.CallID == "" {
		s.log.Debug("gateway: bad start message", "event", first.Event, "err", err)
		c.conn.Close(websocket.StatusPolicyViolation, "expected start message")
		return
	}
	c.id = first.CallID
	log := s.log.With("call_id", c.id)

	ctx, stop := context.WithCancel(ctx)
	defer stop()

	s.activate(ctx, c, first)

	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status == -1 && ctx.Err() == nil {
				log.Debug("gateway: read failed", "err", err)
			}
			break
		}
		if typ == websocket.MessageBinary {
			c.capture(data)
			continue
		}

		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Debug("gateway: ignoring malformed control message", "err", err)
			continue
		}
		switch msg.Event {
		case eventStart:
			msg.CallID = c.id
			s.activate(ctx, c, msg)
		case eventStop:
			c.stopPlayback()
			if !c.bridged.Swap(false) {
				continue
			}
			if err := s.events.HandleEvent(ctx, session.Event{Kind: session.EventMediaInactive, CallID: c.id, Media: c}); err != nil {
				log.Warn("gateway: media inactive", "err", err)
			}
		default:
			log.Debug("gateway: ignoring control message", "event", msg.Event)
		}
	}

	c.stopPlayback()
	if c.bridged.Swap(false) {
		if err := s.events.HandleEvent(context.WithoutCancel(ctx), session.Event{Kind: session.EventDisconnected, CallID: c.id, Media: c}); err != nil {
			log.Warn("gateway: disconnected", "err", err)
		}
	}
	c.conn.CloseNow()
}

// activate reports media-active for msg and starts the playback clock. A busy
// rejection closes the connection; any other setup failure leaves the call
// open but unbridged. Only an accepted start marks the connection bridged, so
// a rejected duplicate never reports inactive or disconnected for the call.
func (s *Server) activate(ctx context.Context, c *call, msg message) {
	format, ptime, err := msg.media()
	if err == nil {
		err = s.events.HandleEvent(ctx, session.Event{
			Kind:   session.EventMediaActive,
			CallID: c.id,
			Media:  c,
			Format: format,
		})
	}

	switch {
	case err == nil:
		c.bridged.Store(true)
		c.startPlayback(ctx, format, ptime)
		_ = c.writeControl(ctx, message{Event: eventStarted, CallID: c.id})
	case errors.Is(err, session.ErrBusy):
		s.log.Info("gateway: call rejected, bridge busy", "call_id", c.id)
		_ = c.writeControl(ctx, message{Event: eventRejected, CallID: c.id, Reason: "busy"})
		c.conn.Close(websocket.StatusTryAgainLater, "busy")
	default:
		s.log.Warn("gateway: call continues unbridged", "call_id", c.id, "err", err)
		_ = c.writeControl(ctx, message{Event: eventRejected, CallID: c.id, Reason: rejectReason(err)})
	}
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, audio.ErrFormatMismatch):
		return "format"
	case errors.Is(err, session.ErrConnect):
		return "connect"
	case errors.Is(err, session.ErrExists):
		return "exists"
	case errors.Is(err, session.ErrClosed):
		return "closed"
	default:
		return "invalid"
	}
}

func (s *Server) track(c *call) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.calls[c] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(c *call) {
	s.mu.Lock()
	delete(s.calls, c)
	s.mu.Unlock()
	s.wg.Done()
}

// Calls returns the number of open media connections.
func (s *Server) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// Shutdown refuses new connections, closes every open one and waits for their
// handlers to finish or ctx to end.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	open := make([]*call, 0, len(s.calls))
	for c := range s.calls {
		open = append(open, c)
	}
	s.mu.Unlock()

	for _, c := range open {
		c.conn.CloseNow()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("gateway: shutdown: %w", ctx.Err())
	}
}
