package audio

import (
	"encoding/binary"
	"fmt"
	"math"
)

// int16Scale is the divisor used to map int16 samples onto [-1.0, 1.0).
const int16Scale = 32768.0

// Float32ToInt16 quantizes a single sample. The input is clamped to
// [-1.0, 1.0] first; this is the only lossy step in the uplink path.
func Float32ToInt16(s float32) int16 {
	if s > 1 {
		s = 1
	} else if s < -1 {
		s = -1
	}
	v := math.Round(float64(s) * int16Scale)
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}

// Int16ToFloat32 maps int16 samples onto [-1.0, 1.0).
func Int16ToFloat32(pcm []int16) []float32 {
	out := make([]float32, len(pcm))
	for i, s := range pcm {
		out[i] = float32(s) / int16Scale
	}
	return out
}

// PCM16ToInt16 decodes little-endian PCM16 bytes. A trailing odd byte is
// ignored.
func PCM16ToInt16(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return pcm
}

// Int16ToPCM16 encodes samples as little-endian PCM16 bytes.
func Int16ToPCM16(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		binary.LittleEndian.PutUint16(b[i*2:], uint16(s))
	}
	return b
}

// MonoToStereo duplicates each mono sample into an interleaved L+R pair.
func MonoToStereo(mono []float32) []float32 {
	out := make([]float32, len(mono)*2)
	for i, s := range mono {
		out[i*2] = s
		out[i*2+1] = s
	}
	return out
}

// StereoToMono averages each interleaved L+R pair.
func StereoToMono(stereo []float32) []float32 {
	return Downmix(stereo, 2)
}

// Downmix averages interleaved frames of the given channel count into mono.
// Trailing samples that do not form a complete frame are dropped. A channel
// count of 1 or less returns the input unchanged.
func Downmix(interleaved []float32, channels int) []float32 {
	if channels <= 1 {
		return interleaved
	}
	frames := len(interleaved) / channels
	out := make([]float32, frames)
	for i := range frames {
		var sum float32
		for c := range channels {
			sum += interleaved[i*channels+c]
		}
		out[i] = sum / float32(channels)
	}
	return out
}

// RMS returns the root-mean-square energy of pcm in raw int16 units
// (0 for silence, 32768 for a full-scale square wave).
func RMS(pcm []int16) float64 {
	if len(pcm) == 0 {
		return 0
	}
	var sum float64
	for _, s := range pcm {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(pcm)))
}

// formatString returns a human-readable string for a sample rate and channel count,
// e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
