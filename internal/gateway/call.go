package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/callbridge/internal/session"
	"github.com/MrWong99/callbridge/pkg/audio"
)

// call is one media connection. It implements [session.CallMedia]: the
// session controller connects its adapters here and the connection's read
// loop and playback ticker drive them.
type call struct {
	id   string
	conn *websocket.Conn
	log  *slog.Logger

	sink   atomic.Pointer[audio.FrameSink]
	source atomic.Pointer[audio.FrameSource]

	// bridged is set while the controller holds a session over this
	// connection.
	bridged atomic.Bool

	mu       sync.Mutex
	stopTick context.CancelFunc
	ticking  sync.WaitGroup
}

var _ session.CallMedia = (*call)(nil)

func (c *call) CallID() string { return c.id }

func (c *call) ConnectCapture(sink audio.FrameSink) error {
	if sink == nil {
		return fmt.Errorf("gateway: call %s: nil sink", c.id)
	}
	c.sink.Store(&sink)
	return nil
}

func (c *call) ConnectPlayback(src audio.FrameSource) error {
	if src == nil {
		return fmt.Errorf("gateway: call %s: nil source", c.id)
	}
	c.source.Store(&src)
	return nil
}

func (c *call) DisconnectCapture() error {
	c.sink.Store(nil)
	return nil
}

func (c *call) DisconnectPlayback() error {
	c.source.Store(nil)
	return nil
}

// Hangup tells the peer the call is over and closes the connection.
func (c *call) Hangup(ctx context.Context) error {
	_ = c.writeControl(ctx, message{Event: eventHangup, CallID: c.id})
	if err := c.conn.Close(websocket.StatusNormalClosure, "hangup"); err != nil {
		return fmt.Errorf("gateway: hangup %s: %w", c.id, err)
	}
	return nil
}

// capture pushes one binary message into the connected sink. A trailing odd
// byte is dropped.
func (c *call) capture(data []byte) {
	p := c.sink.Load()
	if p == nil || len(data) < 2 {
		return
	}
	(*p).OnFrameReceived(audio.BytesToSamples(data))
}

// startPlayback starts the media clock that pulls one ptime frame of format
// from the connected source per tick. A running clock is replaced.
func (c *call) startPlayback(ctx context.Context, format audio.Format, ptime time.Duration) {
	c.stopPlayback()

	c.mu.Lock()
	defer c.mu.Unlock()
	frame := make([]int16, format.SamplesFor(ptime))
	tickCtx, cancel := context.WithCancel(ctx)
	c.stopTick = cancel
	c.ticking.Go(func() { c.tick(tickCtx, ptime, frame) })
}

func (c *call) tick(ctx context.Context, ptime time.Duration, frame []int16) {
	ticker := time.NewTicker(ptime)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		p := c.source.Load()
		if p == nil {
			continue
		}
		(*p).OnFrameRequested(frame)

		wctx, cancel := context.WithTimeout(ctx, defaultWriteTimeout)
		err := c.conn.Write(wctx, websocket.MessageBinary, audio.SamplesToBytes(frame))
		cancel()
		if err != nil {
			if ctx.Err() == nil {
				c.log.Debug("gateway: playback write failed", "call_id", c.id, "err", err)
			}
			return
		}
	}
}

// stopPlayback stops the media clock and waits for it to exit.
func (c *call) stopPlayback() {
	c.mu.Lock()
	cancel := c.stopTick
	c.stopTick = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.ticking.Wait()
}

func (c *call) readControl(ctx context.Context) (message, error) {
	var msg message
	typ, data, err := c.conn.Read(ctx)
	if err != nil {
		return msg, err
	}
	if typ != websocket.MessageText {
		return msg, fmt.Errorf("gateway: expected text control message, got %v", typ)
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, fmt.Errorf("gateway: decode control message: %w", err)
	}
	return msg, nil
}

func (c *call) writeControl(ctx context.Context, msg message) error {
	ctx, cancel := context.WithTimeout(ctx, defaultWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, c.conn, msg)
}
