// Package mock provides in-memory implementations of the [audio.FrameSink] and
// [audio.FrameSource] ports for use in unit tests.
//
// All mocks are safe for concurrent use. They record every call so that tests
// can assert on call counts and received audio, and they expose exported
// fields that the test can set to control behaviour.
//
// Typical usage:
//
//	sink := &mock.Sink{}
//	media.ConnectCapture(sink)
//	// ... drive the media clock ...
//	if got := sink.Samples(); len(got) != want { ... }
package mock

import (
	"sync"

	"github.com/MrWong99/callbridge/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.FrameSink   = (*Sink)(nil)
	_ audio.FrameSource = (*Source)(nil)
)

// ─── Sink ─────────────────────────────────────────────────────────────────────

// Sink is a mock [audio.FrameSink] that records a copy of every pushed frame.
type Sink struct {
	mu sync.Mutex

	// Frames holds copies of all frames received, in order.
	Frames [][]int16

	// CallCountOnFrameReceived records how many times OnFrameReceived was called.
	CallCountOnFrameReceived int
}

// OnFrameReceived implements [audio.FrameSink]. The frame is copied.
func (s *Sink) OnFrameReceived(frame []int16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountOnFrameReceived++
	s.Frames = append(s.Frames, append([]int16(nil), frame...))
}

// Samples returns all received frames concatenated.
func (s *Sink) Samples() []int16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []int16
	for _, f := range s.Frames {
		out = append(out, f...)
	}
	return out
}

// Calls returns the number of OnFrameReceived invocations.
func (s *Sink) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCountOnFrameReceived
}

// ─── Source ───────────────────────────────────────────────────────────────────

// Source is a mock [audio.FrameSource] that plays back Script sample by sample
// and fills with Fill once the script is exhausted.
type Source struct {
	mu  sync.Mutex
	pos int

	// Script is the sample sequence handed out across successive requests.
	Script []int16

	// Fill is written once Script is exhausted. Zero means silence.
	Fill int16

	// RequestedSizes records the length of every requested frame.
	RequestedSizes []int
}

// OnFrameRequested implements [audio.FrameSource].
func (s *Source) OnFrameRequested(frame []int16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.RequestedSizes = append(s.RequestedSizes, len(frame))
	n := copy(frame, s.Script[s.pos:])
	s.pos += n
	for i := n; i < len(frame); i++ {
		frame[i] = s.Fill
	}
}

// Calls returns the number of OnFrameRequested invocations.
func (s *Source) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.RequestedSizes)
}
