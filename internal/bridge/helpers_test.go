package bridge_test

import (
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/callbridge/internal/bridge"
	"github.com/MrWong99/callbridge/internal/observe"
	"github.com/MrWong99/callbridge/pkg/audio"
)

var mono8k = audio.Format{SampleRate: 8000, Channels: 1, BitDepth: 16}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

// ramp returns n consecutive sample values starting at start.
func ramp(start, n int) []int16 {
	out := make([]int16, n)
	for i := range out {
		out[i] = int16(start + i)
	}
	return out
}

// waitFor polls cond until it holds or the deadline passes.
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

// recordingSubmitter records submitted chunks and returns Err.
type recordingSubmitter struct {
	mu     sync.Mutex
	chunks []audio.Chunk
	Err    error
	Panic  bool
}

func (s *recordingSubmitter) Submit(c audio.Chunk, _ *bridge.Handle) error {
	if s.Panic {
		panic("submit exploded")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = append(s.chunks, c)
	return s.Err
}

func (s *recordingSubmitter) Chunks() []audio.Chunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audio.Chunk(nil), s.chunks...)
}

func newPlayback(t *testing.T, limit int) *bridge.PlaybackAdapter {
	t.Helper()
	p, err := bridge.NewPlaybackAdapter(bridge.PlaybackConfig{Format: mono8k, QueueLimit: limit, Metrics: testMetrics(t)})
	if err != nil {
		t.Fatalf("NewPlaybackAdapter: %v", err)
	}
	return p
}
