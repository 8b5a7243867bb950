package audio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"sync"
)

// BytesToSamples decodes little-endian PCM16 bytes into samples. A trailing
// odd byte is ignored.
func BytesToSamples(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}

// SamplesToBytes encodes samples as little-endian PCM16 bytes.
func SamplesToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// Converter converts chunks to a target sample rate and channel count. It logs
// a warning on the first mismatch it sees. Create one per stream; it is safe
// for concurrent use, but shares the one-shot warning between callers.
type Converter struct {
	Target         Format
	warnedMismatch sync.Once
}

// Convert returns c in the target format. If the formats already match, c is
// returned unchanged (zero allocation). Conversion order: resample first, then
// channel convert, which avoids resampling stereo when the target is mono.
func (cv *Converter) Convert(c Chunk) Chunk {
	if c.Format.SampleRate == cv.Target.SampleRate && c.Format.Channels == cv.Target.Channels {
		return c
	}

	cv.warnedMismatch.Do(func() {
		slog.Warn("audio format mismatch: converting",
			"from", formatString(c.Format.SampleRate, c.Format.Channels),
			"to", formatString(cv.Target.SampleRate, cv.Target.Channels),
		)
	})
	return ConvertChunk(c, cv.Target)
}

// ConvertChunk resamples and channel-converts c to target. Only mono and
// stereo channel conversions are supported; other channel layouts keep their
// channel count.
func ConvertChunk(c Chunk, target Format) Chunk {
	samples := c.Samples
	rate := c.Format.SampleRate
	channels := c.Format.Channels

	if rate != target.SampleRate {
		samples = Resample(samples, channels, rate, target.SampleRate)
		rate = target.SampleRate
	}

	if channels != target.Channels {
		switch {
		case channels == 1 && target.Channels == 2:
			samples = MonoToStereo(samples)
			channels = 2
		case channels == 2 && target.Channels == 1:
			samples = StereoToMono(samples)
			channels = 1
		}
	}

	return Chunk{
		Format:  Format{SampleRate: rate, Channels: channels, BitDepth: c.Format.BitDepth},
		Samples: samples,
	}
}

// MonoToStereo duplicates each mono sample into an L+R pair.
func MonoToStereo(mono []int16) []int16 {
	out := make([]int16, len(mono)*2)
	for i, s := range mono {
		out[i*2] = s
		out[i*2+1] = s
	}
	return out
}

// StereoToMono averages each L+R pair. Uses int32 arithmetic to prevent
// overflow.
func StereoToMono(stereo []int16) []int16 {
	frames := len(stereo) / 2
	out := make([]int16, frames)
	for i := range frames {
		avg := (int32(stereo[i*2]) + int32(stereo[i*2+1])) / 2
		out[i] = clamp16(avg)
	}
	return out
}

// Resample converts interleaved samples with the given channel count from
// srcRate to dstRate using linear interpolation per channel. If the rates are
// equal or invalid, the input is returned unchanged.
func Resample(samples []int16, channels, srcRate, dstRate int) []int16 {
	if srcRate <= 0 || dstRate <= 0 || channels <= 0 {
		return samples
	}
	srcFrames := len(samples) / channels
	if srcRate == dstRate || srcFrames < 1 {
		return samples
	}
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	out := make([]int16, dstFrames*channels)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstFrames {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)
		next := srcIdx + 1
		if next >= srcFrames {
			next = srcIdx
		}
		for ch := range channels {
			s0 := float64(samples[srcIdx*channels+ch])
			s1 := float64(samples[next*channels+ch])
			out[i*channels+ch] = int16(math.Round(s0*(1-frac) + s1*frac))
		}
	}
	return out
}

func clamp16(v int32) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}

// formatString returns a human-readable string for a sample rate and channel count,
// e.g. "8000Hz mono".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
