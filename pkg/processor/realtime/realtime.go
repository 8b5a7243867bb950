// Package realtime implements [processor.Processor] on top of a realtime
// speech-to-speech WebSocket API (the OpenAI Realtime protocol).
//
// Each session token gets its own WebSocket connection, dialled lazily on the
// first request and kept open until [Processor.CloseSession]. Server-side
// voice activity detection is disabled: every captured chunk is appended to
// the input buffer, committed, and answered by an explicit response.create.
// Audio deltas are accumulated until response.done and returned as the
// response chunk for the oldest outstanding request on that connection. Server
// errors only fail a request when they name its response.create event; other
// errors are logged and the response still completes through response.done.
//
// Audio crosses the wire as base64 PCM16 at 24 kHz mono; chunks are converted
// to and from the session format on the way through.
package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"sync"

	"github.com/coder/websocket"

	"github.com/MrWong99/callbridge/pkg/audio"
	"github.com/MrWong99/callbridge/pkg/processor"
)

var (
	_ processor.Processor     = (*Processor)(nil)
	_ processor.SessionCloser = (*Processor)(nil)
)

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	// wireRate is the PCM16 sample rate used on the realtime connection.
	wireRate = 24000
)

// ErrSessionClosed is returned for requests still outstanding when their
// connection is closed.
var ErrSessionClosed = errors.New("realtime: session closed")

var wireFormat = audio.Format{SampleRate: wireRate, Channels: 1, BitDepth: 16}

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Processor.
type Option func(*Processor)

// WithModel sets the model used for sessions.
func WithModel(model string) Option {
	return func(p *Processor) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Processor) { p.baseURL = url }
}

// WithVoice sets the voice used for synthesised output.
func WithVoice(voice string) Option {
	return func(p *Processor) { p.voice = voice }
}

// WithInstructions sets the system instructions sent on every new connection.
func WithInstructions(instructions string) Option {
	return func(p *Processor) { p.instructions = instructions }
}

// ── Processor ──────────────────────────────────────────────────────────────────

// Processor relays audio chunks through a realtime speech API.
type Processor struct {
	apiKey       string
	model        string
	baseURL      string
	voice        string
	instructions string

	mu       sync.Mutex
	sessions map[string]*conn
}

// New creates a realtime Processor with the given API key and options.
func New(apiKey string, opts ...Option) *Processor {
	p := &Processor{
		apiKey:   apiKey,
		model:    defaultModel,
		baseURL:  defaultBaseURL,
		sessions: make(map[string]*conn),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Name implements [processor.Namer].
func (p *Processor) Name() string { return "realtime" }

// Process sends req.Chunk over the token's connection and waits for the
// matching response. If ctx ends first the request is abandoned; its
// response, when it arrives, is discarded.
func (p *Processor) Process(ctx context.Context, req processor.Request) (audio.Chunk, error) {
	c, err := p.conn(ctx, req.Token)
	if err != nil {
		return audio.Chunk{}, err
	}

	wire := audio.ConvertChunk(req.Chunk, wireFormat)
	done, err := c.submit(audio.SamplesToBytes(wire.Samples))
	if err != nil {
		p.drop(req.Token, c)
		return audio.Chunk{}, err
	}

	select {
	case res := <-done:
		if res.err != nil {
			return audio.Chunk{}, res.err
		}
		out := audio.Chunk{Format: wireFormat, Samples: audio.BytesToSamples(res.pcm)}
		return audio.ConvertChunk(out, req.Chunk.Format), nil
	case <-ctx.Done():
		return audio.Chunk{}, ctx.Err()
	}
}

// CloseSession closes the connection belonging to token, if any. Outstanding
// requests fail with [ErrSessionClosed].
func (p *Processor) CloseSession(token string) error {
	p.mu.Lock()
	c, ok := p.sessions[token]
	delete(p.sessions, token)
	p.mu.Unlock()
	if !ok {
		return nil
	}
	c.close(ErrSessionClosed)
	return nil
}

// Close closes every open connection.
func (p *Processor) Close() error {
	p.mu.Lock()
	all := p.sessions
	p.sessions = make(map[string]*conn)
	p.mu.Unlock()
	for _, c := range all {
		c.close(ErrSessionClosed)
	}
	return nil
}

// conn returns the connection for token, dialling it on first use.
func (p *Processor) conn(ctx context.Context, token string) (*conn, error) {
	p.mu.Lock()
	c, ok := p.sessions[token]
	var dialCtx context.Context
	if !ok {
		c = &conn{ready: make(chan struct{})}
		dialCtx, c.abort = context.WithCancel(ctx)
		p.sessions[token] = c
	}
	p.mu.Unlock()

	if !ok {
		c.err = p.dial(dialCtx, c)
		c.abort()
		close(c.ready)
		if c.err != nil {
			p.drop(token, c)
			return nil, c.err
		}
		go c.receiveLoop(func() { p.drop(token, c) })
		return c, nil
	}

	select {
	case <-c.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if c.err != nil {
		return nil, c.err
	}
	return c, nil
}

// drop removes c from the registry if it is still the entry for token.
func (p *Processor) drop(token string, c *conn) {
	p.mu.Lock()
	if p.sessions[token] == c {
		delete(p.sessions, token)
	}
	p.mu.Unlock()
}

func (p *Processor) dial(ctx context.Context, c *conn) error {
	url := fmt.Sprintf("%s?model=%s", p.baseURL, p.model)
	ws, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + p.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return fmt.Errorf("realtime: dial: %w", err)
	}
	ws.SetReadLimit(-1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		ws.CloseNow()
		return ErrSessionClosed
	}
	c.ws = ws
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.mu.Unlock()

	update := sessionUpdateMessage{
		Type: "session.update",
		Session: sessionParams{
			Voice:             p.voice,
			Instructions:      p.instructions,
			InputAudioFormat:  "pcm16",
			OutputAudioFormat: "pcm16",
		},
	}
	if err := c.writeJSON(update); err != nil {
		c.cancel()
		ws.Close(websocket.StatusInternalError, "session update failed")
		return fmt.Errorf("realtime: session update: %w", err)
	}
	return nil
}

// ── Protocol message types ─────────────────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Voice             string    `json:"voice,omitempty"`
	Instructions      string    `json:"instructions,omitempty"`
	InputAudioFormat  string    `json:"input_audio_format"`
	OutputAudioFormat string    `json:"output_audio_format"`
	TurnDetection     *struct{} `json:"turn_detection"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

type clientEvent struct {
	Type    string `json:"type"`
	EventID string `json:"event_id,omitempty"`
}

type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	EventID string `json:"event_id,omitempty"` // client event that caused the error
}

type responseDetail struct {
	Status string `json:"status"`
}

type serverEvent struct {
	Type     string             `json:"type"`
	Delta    string             `json:"delta,omitempty"`
	Error    *serverErrorDetail `json:"error,omitempty"`
	Response *responseDetail    `json:"response,omitempty"`
}

// ── conn ───────────────────────────────────────────────────────────────────────

type result struct {
	pcm []byte
	err error
}

// request is one outstanding response.create, identified on the wire by its
// event ID.
type request struct {
	eventID string
	done    chan result
}

// conn is one realtime WebSocket connection. Requests are answered strictly in
// the order their response.create was written, so pending is a FIFO.
type conn struct {
	ready chan struct{} // closed once dialling finished
	err   error         // dial error, valid after ready
	abort context.CancelFunc

	// ws, ctx and cancel are set under mu by dial and read-only afterwards.
	ws     *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc

	// sendMu keeps the pending FIFO in the same order as the requests on the wire.
	sendMu sync.Mutex
	nextID uint64

	mu      sync.Mutex
	pending []request
	current []byte
	closed  bool
}

func (c *conn) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("realtime: marshal: %w", err)
	}
	return c.ws.Write(c.ctx, websocket.MessageText, data)
}

// submit writes one request and returns the channel its result arrives on.
func (c *conn) submit(pcm []byte) (<-chan result, error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	c.nextID++
	req := request{eventID: "cb_resp_" + strconv.FormatUint(c.nextID, 10), done: make(chan result, 1)}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrSessionClosed
	}
	c.pending = append(c.pending, req)
	c.mu.Unlock()

	msgs := []any{
		appendAudioMessage{Type: "input_audio_buffer.append", Audio: base64.StdEncoding.EncodeToString(pcm)},
		clientEvent{Type: "input_audio_buffer.commit"},
		clientEvent{Type: "response.create", EventID: req.eventID},
	}
	for _, m := range msgs {
		if err := c.writeJSON(m); err != nil {
			err = fmt.Errorf("realtime: send: %w", err)
			c.close(err)
			return nil, err
		}
	}
	return req.done, nil
}

// receiveLoop reads server events until the connection fails or is closed.
// onExit is called when the loop ends because of a read error.
func (c *conn) receiveLoop(onExit func()) {
	for {
		_, data, err := c.ws.Read(c.ctx)
		if err != nil {
			if c.ctx.Err() == nil {
				slog.Warn("realtime: connection lost", "err", err)
				c.close(fmt.Errorf("realtime: read: %w", err))
				onExit()
			}
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}
		c.handleServerEvent(&evt)
	}
}

func (c *conn) handleServerEvent(evt *serverEvent) {
	switch evt.Type {
	case "response.audio.delta":
		if evt.Delta == "" {
			return
		}
		pcm, err := base64.StdEncoding.DecodeString(evt.Delta)
		if err != nil {
			return
		}
		c.mu.Lock()
		c.current = append(c.current, pcm...)
		c.mu.Unlock()

	case "response.done":
		if evt.Response != nil && evt.Response.Status == "failed" {
			c.complete(result{err: errors.New("realtime: response failed")})
			return
		}
		c.complete(result{})

	case "error":
		msg := "unknown error"
		var eventID string
		if evt.Error != nil {
			if evt.Error.Message != "" {
				msg = evt.Error.Message
			}
			eventID = evt.Error.EventID
		}
		if !c.fail(eventID, fmt.Errorf("realtime: server error: %s", msg)) {
			slog.Warn("realtime: server error", "msg", msg, "event_id", eventID)
		}
	}
}

// complete resolves the oldest pending request. A successful result carries
// the audio accumulated since the previous completion.
func (c *conn) complete(res result) {
	c.mu.Lock()
	pcm := c.current
	c.current = nil
	if len(c.pending) == 0 {
		c.mu.Unlock()
		return
	}
	req := c.pending[0]
	c.pending[0] = request{}
	c.pending = c.pending[1:]
	c.mu.Unlock()

	if res.err == nil {
		res.pcm = pcm
	}
	req.done <- res
}

// fail resolves the pending request whose response.create carried eventID.
// A rejected response.create produces no response, so the request leaves the
// FIFO without consuming any audio. Reports whether a request matched.
func (c *conn) fail(eventID string, err error) bool {
	if eventID == "" {
		return false
	}
	c.mu.Lock()
	i := slices.IndexFunc(c.pending, func(r request) bool { return r.eventID == eventID })
	if i < 0 {
		c.mu.Unlock()
		return false
	}
	req := c.pending[i]
	c.pending = slices.Delete(c.pending, i, i+1)
	c.mu.Unlock()

	req.done <- result{err: err}
	return true
}

// close fails all pending requests with cause and shuts the socket. Idempotent.
func (c *conn) close(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	pending := c.pending
	c.pending = nil
	c.current = nil
	ws, cancel, abort := c.ws, c.cancel, c.abort
	c.mu.Unlock()

	for _, req := range pending {
		req.done <- result{err: cause}
	}
	if ws == nil {
		// Still dialling: abort it and let dial report the closed session.
		if abort != nil {
			abort()
		}
		return
	}
	cancel()
	ws.Close(websocket.StatusNormalClosure, "session closed")
}
