// Package audio defines the PCM primitives and the media-clock ports of the
// call bridge.
//
// The two port abstractions mirror the media engine's periodic callbacks:
//
//   - [FrameSink] receives frames pushed by the media clock (captured call audio).
//   - [FrameSource] supplies frames pulled by the media clock (audio played into the call).
//
// Both are invoked from the media engine's real-time goroutine: implementations
// must return within the clock period, must never block on I/O, and must never
// panic across the call boundary.
//
// This package lives under pkg/ because media-engine adapters outside the
// module are expected to drive these ports.
package audio

// FrameSink accepts audio frames pushed by the media clock.
type FrameSink interface {
	// OnFrameReceived delivers one frame of interleaved PCM16 samples. The
	// slice is only valid for the duration of the call; implementations that
	// keep the data must copy it.
	OnFrameReceived(frame []int16)
}

// FrameSource supplies audio frames pulled by the media clock.
type FrameSource interface {
	// OnFrameRequested fills frame completely with interleaved PCM16 samples.
	// It must never leave a frame partially written and must never wait for
	// data to arrive; missing audio is replaced by silence.
	OnFrameRequested(frame []int16)
}

// FrameSinkFunc adapts a plain function to [FrameSink].
type FrameSinkFunc func(frame []int16)

// OnFrameReceived calls f(frame).
func (f FrameSinkFunc) OnFrameReceived(frame []int16) { f(frame) }

// FrameSourceFunc adapts a plain function to [FrameSource].
type FrameSourceFunc func(frame []int16)

// OnFrameRequested calls f(frame).
func (f FrameSourceFunc) OnFrameRequested(frame []int16) { f(frame) }

// Silence zeroes every sample in frame.
func Silence(frame []int16) {
	clear(frame)
}
