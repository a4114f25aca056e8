package audio

import (
	"encoding/binary"
	"time"
)

// SampleBlock is one batch of mono float32 samples delivered by a capture
// [Source]. Samples are nominally in [-1.0, 1.0]; values outside that range are
// clamped only when a [Frame] is quantized.
type SampleBlock struct {
	// Samples holds the mono PCM samples in capture order.
	Samples []float32

	// SampleRate is the native rate of the capture device in Hz.
	SampleRate int
}

// Duration returns the playback length of the block.
func (b SampleBlock) Duration() time.Duration {
	if b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(b.Samples)) * time.Second / time.Duration(b.SampleRate)
}

// Frame is a fixed-length block of 16-bit mono samples at the uplink target
// rate. Frames are immutable once emitted and are handed from stage to stage
// without sharing.
type Frame struct {
	// Samples holds exactly FrameSize samples.
	Samples []int16

	// SampleRate is the uplink target rate in Hz (e.g. 16000).
	SampleRate int

	// Seq is the zero-based index of the frame within its capture session.
	Seq uint64
}

// Duration returns the playback length of the frame.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(f.Samples)) * time.Second / time.Duration(f.SampleRate)
}

// DurationMs returns the frame length in whole milliseconds.
func (f Frame) DurationMs() int {
	if f.SampleRate <= 0 {
		return 0
	}
	return len(f.Samples) * 1000 / f.SampleRate
}

// Bytes returns the frame as little-endian PCM16, the uplink wire format.
func (f Frame) Bytes() []byte {
	buf := make([]byte, len(f.Samples)*2)
	for i, s := range f.Samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// PlaybackBuffer is a decoded downlink chunk that the playback scheduler has
// placed on its timeline. Sinks must begin rendering it at StartAt.
type PlaybackBuffer struct {
	// Samples are interleaved float32 samples.
	Samples []float32

	// SampleRate is the declared rate of the chunk in Hz.
	SampleRate int

	// Channels is the interleaved channel count.
	Channels int

	// StartAt is the wall-clock instant the first sample should be heard.
	StartAt time.Time

	// Duration is the exact length of the chunk.
	Duration time.Duration

	// Seq is the arrival order of the chunk within its utterance.
	Seq uint64
}

// End returns the instant the last sample of the buffer finishes playing.
func (b PlaybackBuffer) End() time.Time {
	return b.StartAt.Add(b.Duration)
}

// Format describes the sample encoding, rate and channel count of a stream.
type Format struct {
	Encoding   string
	SampleRate int
	Channels   int
}

// String returns a human-readable description such as "pcm16 16000Hz mono".
func (f Format) String() string {
	enc := f.Encoding
	if enc == "" {
		enc = "pcm16"
	}
	return enc + " " + formatString(f.SampleRate, f.Channels)
}
