// Package bridge implements the real-time audio path between a call's media
// clock and the external processing service.
//
// Data flows in one direction around a loop:
//
//	media clock ─▶ CaptureAdapter ─▶ Dispatcher ─▶ processor.Processor
//	                                    │
//	media clock ◀─ PlaybackAdapter ◀────┘ (completion, any goroutine, any order)
//
// [CaptureAdapter] and [PlaybackAdapter] are driven by the media engine's
// real-time goroutine and never block: capture only appends to a buffer owned
// by that goroutine, and playback reads the response queue with a try-lock,
// substituting silence whenever audio is missing or the lock is busy.
//
// The [Dispatcher] runs each processing request on a bounded, joinable worker
// group. A completion reaches playback only through the session's [Handle];
// once the session releases its handle, late completions are counted as stale
// and dropped.
package bridge

import (
	"errors"

	"github.com/MrWong99/callbridge/pkg/audio"
)

var (
	// ErrDispatcherClosed is returned by [Dispatcher.Submit] once shutdown has
	// begun.
	ErrDispatcherClosed = errors.New("bridge: dispatcher closed")

	// ErrSessionReleased is returned by [Dispatcher.Submit] when the session
	// handle has already been released.
	ErrSessionReleased = errors.New("bridge: session released")

	// ErrBackpressure is returned by [Dispatcher.Submit] when the in-flight
	// limit is reached. The chunk is dropped.
	ErrBackpressure = errors.New("bridge: too many requests in flight")
)

// Submitter accepts completed capture chunks. [Dispatcher] is the production
// implementation. Submit must not block.
type Submitter interface {
	Submit(chunk audio.Chunk, h *Handle) error
}
