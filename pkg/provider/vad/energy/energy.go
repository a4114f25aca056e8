// Package energy implements an adaptive noise-floor VAD.
//
// Each frame's RMS is compared against a floor that sinks toward quiet input
// but never rises on loud frames, so sustained speech is not learned as noise.
// The engine has no model weights and costs one pass over the frame.
package energy

import (
	"fmt"
	"sync"

	"github.com/MrWong99/voxlink/pkg/audio"
	"github.com/MrWong99/voxlink/pkg/provider/vad"
)

// Engine creates energy VAD sessions.
type Engine struct{}

// New returns an energy VAD engine.
func New() *Engine { return &Engine{} }

// NewSession validates cfg and returns a fresh session seeded with
// cfg.InitialFloor.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("energy: new session: %w", err)
	}
	if cfg.LevelCurve == "" {
		cfg.LevelCurve = vad.LevelLinear
	}
	if cfg.LevelGain == 0 {
		cfg.LevelGain = 1
	}
	return &Session{
		cfg:   cfg,
		size:  cfg.FrameSamples(),
		floor: cfg.InitialFloor,
	}, nil
}

var _ vad.Engine = (*Engine)(nil)

// Session is a single-stream energy detector.
type Session struct {
	cfg  vad.Config
	size int

	mu        sync.Mutex
	floor     float64
	wasSpeech bool
	closed    bool
}

// ProcessFrame updates the noise floor and classifies frame.
func (s *Session) ProcessFrame(frame audio.Frame) (vad.VADEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return vad.VADEvent{}, vad.ErrClosed
	}
	if len(frame.Samples) != s.size {
		return vad.VADEvent{}, fmt.Errorf("%w: got %d samples, want %d", vad.ErrFrameSize, len(frame.Samples), s.size)
	}

	rms := audio.RMS(frame.Samples)
	s.floor = max(s.cfg.Epsilon, s.floor*s.cfg.Decay)
	if rms < s.floor {
		s.floor = s.floor*(1-s.cfg.Rise) + rms*s.cfg.Rise
	}
	speech := rms >= s.floor*s.cfg.SpeechFactor

	ev := vad.VADEvent{
		Type:   vad.NextEventType(s.wasSpeech, speech),
		Speech: speech,
		RMS:    rms,
		Floor:  s.floor,
		Level:  s.cfg.LevelCurve.Level(rms, s.cfg.LevelGain),
	}
	s.wasSpeech = speech
	return ev, nil
}

// Floor returns the current noise floor.
func (s *Session) Floor() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.floor
}

// Reset restores the initial floor and forgets the previous classification.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.floor = s.cfg.InitialFloor
	s.wasSpeech = false
}

// Close marks the session closed. Safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

var _ vad.SessionHandle = (*Session)(nil)
