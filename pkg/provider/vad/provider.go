// Package vad defines the Engine interface for Voice Activity Detection backends
// and the barge-in accumulator that turns per-frame speech decisions into an
// interruption edge.
//
// A VAD engine wraps a frame-level speech detector and surfaces it as a
// stateful, per-stream session. Each session owns its own detection state
// (noise floor, speech run) so that concurrent streams never share it.
//
// VAD is synchronous: ProcessFrame returns immediately with a detection result
// and is called on every capture tick, so it must finish well within one frame
// duration.
package vad

import (
	"errors"
	"fmt"
	"math"

	"github.com/MrWong99/voxlink/pkg/audio"
)

// LevelCurve selects how RMS energy is mapped onto the cosmetic 0..1 meter
// level.
type LevelCurve string

const (
	// LevelLinear scales RMS linearly against int16 full scale.
	LevelLinear LevelCurve = "linear"

	// LevelPower applies a square-root (power-law) curve, which lifts quiet
	// input so the meter moves visibly at conversational volume.
	LevelPower LevelCurve = "power"
)

// Level maps rms (raw int16 units) onto [0, 1]. The result is monotonic in rms
// and saturates at 1. It never feeds back into classification.
func (c LevelCurve) Level(rms, gain float64) float64 {
	if rms <= 0 || gain <= 0 {
		return 0
	}
	v := rms / 32768 * gain
	if c == LevelPower {
		v = math.Sqrt(v)
	}
	if v > 1 {
		return 1
	}
	return v
}

// Config holds the parameters for a VAD session. Energy thresholds are in raw
// int16 RMS units (0 for digital silence, ~23170 for a full-scale sine).
type Config struct {
	// SampleRate is the audio sample rate in Hz. Must match the rate of the
	// frames passed to ProcessFrame.
	SampleRate int

	// FrameSizeMs is the duration of each audio frame in milliseconds.
	// ProcessFrame returns an error if a frame does not match this size.
	FrameSizeMs int

	// Decay multiplies the noise floor once per frame before any blending.
	// Range: (0, 1]. Values below 1 let the floor sink slowly when the room gets
	// quieter.
	Decay float64

	// Rise is the blend weight applied when a frame's RMS falls below the
	// floor: floor = floor*(1-Rise) + rms*Rise. Range: [0, 1].
	Rise float64

	// SpeechFactor is the multiple of the noise floor at or above which a frame
	// is speech. Must be > 1.
	SpeechFactor float64

	// Epsilon is the lower bound on the noise floor. Must be > 0.
	Epsilon float64

	// InitialFloor seeds the noise floor for a new session. Must be ≥ Epsilon.
	InitialFloor float64

	// HoldMs is how much net speech, in milliseconds, must accumulate during
	// remote playback before a barge-in fires. See [BargeIn].
	HoldMs int

	// LevelCurve selects the meter curve. Empty means [LevelLinear].
	LevelCurve LevelCurve

	// LevelGain scales RMS before the curve is applied. Zero means 1.
	LevelGain float64
}

// DefaultConfig returns the tuning used when nothing is configured: 16 kHz,
// 20 ms frames, a slowly sinking floor and a 2.5× speech margin.
func DefaultConfig() Config {
	return Config{
		SampleRate:   16000,
		FrameSizeMs:  20,
		Decay:        0.9995,
		Rise:         0.1,
		SpeechFactor: 2.5,
		Epsilon:      1,
		InitialFloor: 300,
		HoldMs:       240,
		LevelCurve:   LevelLinear,
		LevelGain:    4,
	}
}

// Validate reports every out-of-range field at once.
func (c Config) Validate() error {
	var errs []error
	if c.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("vad: sample rate must be positive, got %d", c.SampleRate))
	}
	if c.FrameSizeMs <= 0 {
		errs = append(errs, fmt.Errorf("vad: frame size must be positive, got %d ms", c.FrameSizeMs))
	}
	if c.Decay <= 0 || c.Decay > 1 {
		errs = append(errs, fmt.Errorf("vad: decay must be in (0, 1], got %v", c.Decay))
	}
	if c.Rise < 0 || c.Rise > 1 {
		errs = append(errs, fmt.Errorf("vad: rise must be in [0, 1], got %v", c.Rise))
	}
	if c.SpeechFactor <= 1 {
		errs = append(errs, fmt.Errorf("vad: speech factor must be > 1, got %v", c.SpeechFactor))
	}
	if c.Epsilon <= 0 {
		errs = append(errs, fmt.Errorf("vad: epsilon must be positive, got %v", c.Epsilon))
	}
	if c.InitialFloor < c.Epsilon {
		errs = append(errs, fmt.Errorf("vad: initial floor %v is below epsilon %v", c.InitialFloor, c.Epsilon))
	}
	if c.HoldMs < 0 {
		errs = append(errs, fmt.Errorf("vad: hold must not be negative, got %d ms", c.HoldMs))
	}
	switch c.LevelCurve {
	case "", LevelLinear, LevelPower:
	default:
		errs = append(errs, fmt.Errorf("vad: unknown level curve %q", c.LevelCurve))
	}
	if c.LevelGain < 0 {
		errs = append(errs, fmt.Errorf("vad: level gain must not be negative, got %v", c.LevelGain))
	}
	return errors.Join(errs...)
}

// FrameSamples returns the expected number of samples per frame.
func (c Config) FrameSamples() int {
	return c.SampleRate * c.FrameSizeMs / 1000
}

// SessionHandle represents an active VAD session for a single audio stream. It
// is an interface so that test code can supply mock implementations without a
// live engine.
//
// A SessionHandle is not safe for concurrent use; the capture flow owns it.
type SessionHandle interface {
	// ProcessFrame analyses a single frame and returns the detection result.
	// The frame must match the SampleRate and FrameSizeMs the session was
	// created with.
	ProcessFrame(frame audio.Frame) (VADEvent, error)

	// Reset clears all accumulated detection state without closing the
	// session.
	Reset()

	// Close releases the session. After Close, ProcessFrame returns
	// [ErrClosed]. Calling Close more than once is safe and returns nil.
	Close() error
}

// Engine is the factory for VAD sessions.
//
// Implementations must be safe for concurrent use.
type Engine interface {
	// NewSession creates a new VAD session with the given configuration.
	// Returns an error if the configuration is invalid.
	NewSession(cfg Config) (SessionHandle, error)
}

// ErrClosed is returned by ProcessFrame after the session has been closed.
var ErrClosed = errors.New("vad: session closed")

// ErrFrameSize is returned by ProcessFrame when a frame does not match the
// session's configured geometry.
var ErrFrameSize = errors.New("vad: unexpected frame size")
