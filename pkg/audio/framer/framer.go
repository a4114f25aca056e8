// Package framer slices the resampled uplink stream into fixed-duration
// PCM16 frames.
package framer

import (
	"errors"
	"fmt"

	"github.com/MrWong99/voxlink/pkg/audio"
)

// ErrInvalidFrame is returned by [New] when the rate and duration do not yield
// a positive whole number of samples per frame.
var ErrInvalidFrame = errors.New("framer: invalid frame geometry")

// Framer accumulates float32 samples and emits a [audio.Frame] every
// FrameSize samples. Frames are never shorter than FrameSize; a partial tail
// is held until more samples arrive or the session ends.
//
// Not safe for concurrent use; the capture flow is its only caller.
type Framer struct {
	sampleRate int
	frameMs    int
	size       int

	pending  []float32
	seq      uint64
	received uint64
	emitted  uint64
}

// New creates a Framer producing frameMs-long frames at sampleRate.
func New(sampleRate, frameMs int) (*Framer, error) {
	if sampleRate <= 0 || frameMs <= 0 {
		return nil, fmt.Errorf("%w: rate=%d frame_ms=%d", ErrInvalidFrame, sampleRate, frameMs)
	}
	if (sampleRate*frameMs)%1000 != 0 {
		return nil, fmt.Errorf("%w: %d Hz × %d ms is not a whole number of samples", ErrInvalidFrame, sampleRate, frameMs)
	}
	size := sampleRate * frameMs / 1000
	return &Framer{
		sampleRate: sampleRate,
		frameMs:    frameMs,
		size:       size,
		pending:    make([]float32, 0, size),
	}, nil
}

// FrameSize returns the number of samples per frame.
func (f *Framer) FrameSize() int { return f.size }

// FrameMs returns the frame duration in milliseconds.
func (f *Framer) FrameMs() int { return f.frameMs }

// SampleRate returns the frame sample rate in Hz.
func (f *Framer) SampleRate() int { return f.sampleRate }

// Pending returns the number of samples held for the next frame.
func (f *Framer) Pending() int { return len(f.pending) }

// Received returns the total number of samples pushed so far.
func (f *Framer) Received() uint64 { return f.received }

// Emitted returns the total number of samples emitted inside frames.
func (f *Framer) Emitted() uint64 { return f.emitted }

// Push appends samples and returns every frame completed by them, in order.
func (f *Framer) Push(samples []float32) []audio.Frame {
	f.received += uint64(len(samples))

	var frames []audio.Frame
	for len(samples) > 0 {
		need := f.size - len(f.pending)
		if need > len(samples) {
			need = len(samples)
		}
		f.pending = append(f.pending, samples[:need]...)
		samples = samples[need:]

		if len(f.pending) == f.size {
			frames = append(frames, f.emit(f.pending))
			f.pending = f.pending[:0]
		}
	}
	return frames
}

// Flush zero-pads the held tail into one last full-length frame. It is meant
// for session end only; ok is false when nothing is held.
func (f *Framer) Flush() (frame audio.Frame, ok bool) {
	if len(f.pending) == 0 {
		return audio.Frame{}, false
	}
	padded := make([]float32, f.size)
	copy(padded, f.pending)
	// Padding does not count as emitted.
	held := uint64(len(f.pending))
	frame = f.emit(padded)
	f.emitted -= uint64(f.size) - held
	f.pending = f.pending[:0]
	return frame, true
}

// Reset drops the held tail and restarts sequence numbering.
func (f *Framer) Reset() {
	f.pending = f.pending[:0]
	f.seq = 0
	f.received = 0
	f.emitted = 0
}

func (f *Framer) emit(samples []float32) audio.Frame {
	pcm := make([]int16, len(samples))
	for i, s := range samples {
		pcm[i] = audio.Float32ToInt16(s)
	}
	frame := audio.Frame{Samples: pcm, SampleRate: f.sampleRate, Seq: f.seq}
	f.seq++
	f.emitted += uint64(len(samples))
	return frame
}
