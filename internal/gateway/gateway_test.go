package gateway_test

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/callbridge/internal/bridge"
	"github.com/MrWong99/callbridge/internal/gateway"
	"github.com/MrWong99/callbridge/internal/observe"
	"github.com/MrWong99/callbridge/internal/session"
	"github.com/MrWong99/callbridge/pkg/audio"
	procmock "github.com/MrWong99/callbridge/pkg/processor/mock"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

type harness struct {
	srv        *httptest.Server
	gw         *gateway.Server
	controller *session.Controller
}

func newHarness(t *testing.T, maxSessions int) *harness {
	t.Helper()
	metrics, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	d, err := bridge.NewDispatcher(bridge.DispatcherConfig{Processor: &procmock.Processor{}, Metrics: metrics})
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}
	c, err := session.NewController(session.Config{
		Submitter:     d,
		ChunkDuration: 10 * time.Millisecond,
		MaxSessions:   maxSessions,
		Metrics:       metrics,
	})
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	gw, err := gateway.New(gateway.Config{Events: c})
	if err != nil {
		t.Fatalf("gateway.New: %v", err)
	}
	srv := httptest.NewServer(gw)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = gw.Shutdown(ctx)
		srv.Close()
		_ = c.Shutdown(ctx)
		_ = d.Shutdown(ctx)
	})
	return &harness{srv: srv, gw: gw, controller: c}
}

func (h *harness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(h.srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	conn.SetReadLimit(-1)
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	data, _ := json.Marshal(v)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write control: %v", err)
	}
}

func start(callID string, sampleRate int) map[string]any {
	return map[string]any{"event": "start", "call_id": callID, "sample_rate": sampleRate, "channels": 1, "bit_depth": 16, "ptime_ms": 20}
}

type control struct {
	Event  string `json:"event"`
	CallID string `json:"call_id"`
	Reason string `json:"reason"`
}

// nextControl reads until the next text message, skipping audio.
func nextControl(t *testing.T, conn *websocket.Conn) control {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read control: %v", err)
		}
		if typ != websocket.MessageText {
			continue
		}
		var c control
		if err := json.Unmarshal(data, &c); err != nil {
			t.Fatalf("decode control: %v", err)
		}
		return c
	}
}

// readUntilClosed drains the connection and returns the close error.
func readUntilClosed(t *testing.T, conn *websocket.Conn) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return err
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// ── Tests ─────────────────────────────────────────────────────────────────────

func TestGateway_EchoRoundTrip(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 0)
	conn := h.dial(t)

	send(t, conn, start("call-1", 8000))
	if got := nextControl(t, conn); got.Event != "started" || got.CallID != "call-1" {
		t.Fatalf("got %+v, want started", got)
	}

	want := make([]int16, 80)
	for i := range want {
		want[i] = int16(i + 1)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageBinary, audio.SamplesToBytes(want)); err != nil {
		t.Fatalf("write audio: %v", err)
	}

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read audio: %v", err)
		}
		if typ != websocket.MessageBinary {
			continue
		}
		frame := audio.BytesToSamples(data)
		if len(frame) != 160 {
			t.Fatalf("frame length: got %d, want 160 (20ms at 8kHz)", len(frame))
		}
		if frame[0] == 0 {
			continue
		}
		for i := range want {
			if frame[i] != want[i] {
				t.Fatalf("sample %d: got %d, want %d", i, frame[i], want[i])
			}
		}
		for i := len(want); i < len(frame); i++ {
			if frame[i] != 0 {
				t.Fatalf("sample %d: got %d, want silence", i, frame[i])
			}
		}
		return
	}
}

func TestGateway_BusyRejection(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1)
	first := h.dial(t)
	send(t, first, start("call-1", 8000))
	if got := nextControl(t, first); got.Event != "started" {
		t.Fatalf("first call: got %+v, want started", got)
	}

	second := h.dial(t)
	send(t, second, start("call-2", 8000))
	if got := nextControl(t, second); got.Event != "rejected" || got.Reason != "busy" {
		t.Fatalf("second call: got %+v, want rejected busy", got)
	}
	err := readUntilClosed(t, second)
	if status := websocket.CloseStatus(err); status != websocket.StatusTryAgainLater {
		t.Errorf("close status: got %v, want StatusTryAgainLater", status)
	}
	if h.controller.Len() != 1 {
		t.Errorf("sessions: got %d, want 1", h.controller.Len())
	}
}

func TestGateway_StopAndClose(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 0)
	conn := h.dial(t)
	send(t, conn, start("call-1", 8000))
	nextControl(t, conn)

	send(t, conn, map[string]string{"event": "stop"})
	waitFor(t, "session close on stop", func() bool { return h.controller.Len() == 0 })

	send(t, conn, start("call-1", 16000))
	if got := nextControl(t, conn); got.Event != "started" {
		t.Fatalf("restart: got %+v, want started", got)
	}
	s, ok := h.controller.Session("call-1")
	if !ok || s.Format().SampleRate != 16000 {
		t.Fatalf("restarted session: ok=%v", ok)
	}

	conn.Close(websocket.StatusNormalClosure, "bye")
	waitFor(t, "session close on disconnect", func() bool { return h.controller.Len() == 0 })
	waitFor(t, "connection untracked", func() bool { return h.gw.Calls() == 0 })
}

// awaitAudio reads until a binary frame arrives and returns its sample count.
func awaitAudio(t *testing.T, conn *websocket.Conn) int {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read audio: %v", err)
		}
		if typ == websocket.MessageBinary {
			return len(audio.BytesToSamples(data))
		}
	}
}

func TestGateway_DuplicateCallLeavesFirstConnection(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 0)
	first := h.dial(t)
	send(t, first, start("call-1", 8000))
	if got := nextControl(t, first); got.Event != "started" {
		t.Fatalf("first connection: got %+v, want started", got)
	}
	live, _ := h.controller.Session("call-1")

	second := h.dial(t)
	send(t, second, start("call-1", 8000))
	if got := nextControl(t, second); got.Event != "rejected" || got.Reason != "exists" {
		t.Fatalf("second connection: got %+v, want rejected exists", got)
	}
	send(t, second, map[string]string{"event": "stop"})
	second.Close(websocket.StatusNormalClosure, "bye")
	waitFor(t, "duplicate connection untracked", func() bool { return h.gw.Calls() == 1 })

	s, ok := h.controller.Session("call-1")
	if !ok || s != live {
		t.Fatal("duplicate connection tore down the live session")
	}
	if n := awaitAudio(t, first); n != 160 {
		t.Errorf("frame length: got %d, want 160", n)
	}

	first.Close(websocket.StatusNormalClosure, "bye")
	waitFor(t, "session close on disconnect", func() bool { return h.controller.Len() == 0 })
}

func TestGateway_RejectedRestartKeepsMedia(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 0)
	conn := h.dial(t)
	send(t, conn, start("call-1", 8000))
	nextControl(t, conn)

	send(t, conn, start("call-1", 16000))
	if got := nextControl(t, conn); got.Event != "rejected" || got.Reason != "exists" {
		t.Fatalf("got %+v, want rejected exists", got)
	}
	s, ok := h.controller.Session("call-1")
	if !ok || s.Format().SampleRate != 8000 {
		t.Fatalf("session after rejected restart: ok=%v", ok)
	}
	for range 3 {
		if n := awaitAudio(t, conn); n != 160 {
			t.Fatalf("frame length: got %d, want 160 (20ms at 8kHz)", n)
		}
	}

	send(t, conn, map[string]string{"event": "stop"})
	waitFor(t, "session close on stop", func() bool { return h.controller.Len() == 0 })
}

func TestGateway_FormatMismatchLeavesCallOpen(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 0)
	conn := h.dial(t)
	send(t, conn, map[string]any{"event": "start", "call_id": "call-1", "sample_rate": 8000, "bit_depth": 24})
	if got := nextControl(t, conn); got.Event != "rejected" || got.Reason != "format" {
		t.Fatalf("got %+v, want rejected format", got)
	}
	if h.controller.Len() != 0 {
		t.Errorf("sessions: got %d, want 0", h.controller.Len())
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageBinary, make([]byte, 160)); err != nil {
		t.Fatalf("unbridged audio write: %v", err)
	}
	if h.gw.Calls() != 1 {
		t.Errorf("calls: got %d, want 1", h.gw.Calls())
	}
}

func TestGateway_BadStart(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 0)
	conn := h.dial(t)
	send(t, conn, map[string]string{"event": "stop"})

	err := readUntilClosed(t, conn)
	if status := websocket.CloseStatus(err); status != websocket.StatusPolicyViolation {
		t.Errorf("close status: got %v, want StatusPolicyViolation", status)
	}
}

func TestGateway_HangupFromController(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 0)
	conn := h.dial(t)
	send(t, conn, start("call-1", 8000))
	nextControl(t, conn)

	errCh := make(chan error, 1)
	go func() { errCh <- h.controller.Hangup(context.Background(), "call-1") }()

	if got := nextControl(t, conn); got.Event != "hangup" {
		t.Fatalf("got %+v, want hangup", got)
	}
	err := readUntilClosed(t, conn)
	if status := websocket.CloseStatus(err); status != websocket.StatusNormalClosure {
		t.Errorf("close status: got %v, want StatusNormalClosure", status)
	}
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Hangup: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Hangup did not return")
	}
	if h.controller.Len() != 0 {
		t.Errorf("sessions: got %d, want 0", h.controller.Len())
	}
}

func TestGateway_Shutdown(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 0)
	conn := h.dial(t)
	send(t, conn, start("call-1", 8000))
	nextControl(t, conn)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := h.gw.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := readUntilClosed(t, conn); err == nil {
		t.Fatal("connection still open after shutdown")
	}
	if h.controller.Len() != 0 {
		t.Errorf("sessions: got %d, want 0", h.controller.Len())
	}
}

func TestNew_RequiresEvents(t *testing.T) {
	t.Parallel()

	if _, err := gateway.New(gateway.Config{}); err == nil {
		t.Fatal("expected error without event handler")
	}
}
