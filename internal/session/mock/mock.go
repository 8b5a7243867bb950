// Package mock provides a test double for [session.CallMedia].
//
// The mock records every connect, disconnect and hangup call and keeps the
// connected sink and source so a test can act as the media clock with
// [CallMedia.Push] and [CallMedia.Pull].
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/callbridge/internal/session"
	"github.com/MrWong99/callbridge/pkg/audio"
)

var _ session.CallMedia = (*CallMedia)(nil)

// CallMedia is a scriptable [session.CallMedia].
type CallMedia struct {
	mu sync.Mutex

	// ID is returned by CallID.
	ID string

	// Error fields are returned by the matching method.
	ConnectCaptureErr     error
	ConnectPlaybackErr    error
	DisconnectCaptureErr  error
	DisconnectPlaybackErr error
	HangupErr             error

	sink   audio.FrameSink
	source audio.FrameSource

	captureConnects     int
	playbackConnects    int
	captureDisconnects  int
	playbackDisconnects int
	hangups             int
}

// New returns a mock for callID.
func New(callID string) *CallMedia {
	return &CallMedia{ID: callID}
}

func (m *CallMedia) CallID() string { return m.ID }

func (m *CallMedia) ConnectCapture(sink audio.FrameSink) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.captureConnects++
	if m.ConnectCaptureErr != nil {
		return m.ConnectCaptureErr
	}
	m.sink = sink
	return nil
}

func (m *CallMedia) ConnectPlayback(src audio.FrameSource) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.playbackConnects++
	if m.ConnectPlaybackErr != nil {
		return m.ConnectPlaybackErr
	}
	m.source = src
	return nil
}

func (m *CallMedia) DisconnectCapture() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.captureDisconnects++
	m.sink = nil
	return m.DisconnectCaptureErr
}

func (m *CallMedia) DisconnectPlayback() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.playbackDisconnects++
	m.source = nil
	return m.DisconnectPlaybackErr
}

func (m *CallMedia) Hangup(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hangups++
	return m.HangupErr
}

// Push delivers frame to the connected sink. It reports false when no sink is
// connected.
func (m *CallMedia) Push(frame []int16) bool {
	m.mu.Lock()
	sink := m.sink
	m.mu.Unlock()
	if sink == nil {
		return false
	}
	sink.OnFrameReceived(frame)
	return true
}

// Pull requests n samples from the connected source. It returns nil when no
// source is connected.
func (m *CallMedia) Pull(n int) []int16 {
	m.mu.Lock()
	src := m.source
	m.mu.Unlock()
	if src == nil {
		return nil
	}
	frame := make([]int16, n)
	src.OnFrameRequested(frame)
	return frame
}

// Connected reports whether a sink and a source are connected.
func (m *CallMedia) Connected() (capture, playback bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sink != nil, m.source != nil
}

// Counts returns how often each operation was called.
type Counts struct {
	CaptureConnects     int
	PlaybackConnects    int
	CaptureDisconnects  int
	PlaybackDisconnects int
	Hangups             int
}

// Counts returns a snapshot of the call counters.
func (m *CallMedia) Counts() Counts {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Counts{
		CaptureConnects:     m.captureConnects,
		PlaybackConnects:    m.playbackConnects,
		CaptureDisconnects:  m.captureDisconnects,
		PlaybackDisconnects: m.playbackDisconnects,
		Hangups:             m.hangups,
	}
}
