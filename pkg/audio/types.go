package audio

import (
	"errors"
	"fmt"
	"time"
)

// ErrFormatMismatch is returned when a negotiated media format cannot be used
// to build bridge adapters (unsupported bit depth, rate, or channel count).
var ErrFormatMismatch = errors.New("audio: unsupported media format")

// maxSampleRate bounds the sample rates accepted by [Format.Validate].
const maxSampleRate = 192000

// maxChannels bounds the channel counts accepted by [Format.Validate].
const maxChannels = 8

// Format describes the PCM layout of a session's audio. It is fixed for the
// lifetime of a session and established once from the negotiated call media.
type Format struct {
	// SampleRate in Hz (e.g., 8000 for narrowband telephony, 16000 for wideband).
	SampleRate int

	// Channels is the number of interleaved channels (1 = mono, 2 = stereo).
	Channels int

	// BitDepth is the number of bits per sample. Only 16 is supported.
	BitDepth int
}

// Validate reports whether f can be bridged. The returned error wraps
// [ErrFormatMismatch].
func (f Format) Validate() error {
	if f.BitDepth != 16 {
		return fmt.Errorf("%w: bit depth %d (want 16)", ErrFormatMismatch, f.BitDepth)
	}
	if f.SampleRate <= 0 || f.SampleRate > maxSampleRate {
		return fmt.Errorf("%w: sample rate %d", ErrFormatMismatch, f.SampleRate)
	}
	if f.Channels < 1 || f.Channels > maxChannels {
		return fmt.Errorf("%w: %d channels", ErrFormatMismatch, f.Channels)
	}
	return nil
}

// SamplesFor returns the number of interleaved samples covering d. The result
// is always a whole number of sample frames, so chunks cut at this length never
// split a multi-channel frame. Any positive duration yields at least one frame.
func (f Format) SamplesFor(d time.Duration) int {
	if d <= 0 || f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	frames := int(int64(f.SampleRate) * int64(d) / int64(time.Second))
	if frames < 1 {
		frames = 1
	}
	return frames * f.Channels
}

// DurationOf returns the playback duration of n interleaved samples.
func (f Format) DurationOf(n int) time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	frames := int64(n / f.Channels)
	return time.Duration(frames * int64(time.Second) / int64(f.SampleRate))
}

// String returns a human-readable form, e.g. "8000Hz mono s16".
func (f Format) String() string {
	return fmt.Sprintf("%s s%d", formatString(f.SampleRate, f.Channels), f.BitDepth)
}

// Chunk is the unit of audio exchanged with the external processing service.
// Capture chunks have a fixed policy length; response chunks are opaque units
// of whatever length the service returned.
type Chunk struct {
	// Format is the PCM layout of Samples. Every chunk of a session shares it.
	Format Format

	// Samples holds interleaved signed 16-bit PCM.
	Samples []int16
}

// Len returns the number of interleaved samples in the chunk.
func (c Chunk) Len() int { return len(c.Samples) }

// Duration returns the playback duration of the chunk.
func (c Chunk) Duration() time.Duration { return c.Format.DurationOf(len(c.Samples)) }
