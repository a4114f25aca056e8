// Package mock provides in-memory implementations of the [audio.Source] and
// [audio.Sink] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	src := mock.NewSource(48000)
//	sink := &mock.Sink{}
//	// ... start the session ...
//	src.Emit(audio.SampleBlock{Samples: make([]float32, 960), SampleRate: 48000})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voxlink/pkg/audio"
)

// ─── Source ───────────────────────────────────────────────────────────────────

// Source is a mock implementation of [audio.Source]. Tests feed capture
// blocks with [Source.Emit]; the channel returned by Start is closed by Stop.
type Source struct {
	mu sync.Mutex

	// Rate is returned by [Source.SampleRate].
	Rate int

	// StartErr, if non-nil, is returned by Start and no channel is opened.
	StartErr error

	// StopErr is returned by Stop.
	StopErr error

	// Buffer is the capacity of the block channel. Zero means 64.
	Buffer int

	// CallCountStart records how many times Start was called.
	CallCountStart int

	// CallCountStop records how many times Stop was called.
	CallCountStop int

	ch      chan audio.SampleBlock
	running bool
}

// NewSource returns a Source reporting the given native rate.
func NewSource(rate int) *Source {
	return &Source{Rate: rate}
}

// Start implements [audio.Source].
func (s *Source) Start(_ context.Context) (<-chan audio.SampleBlock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountStart++
	if s.StartErr != nil {
		return nil, s.StartErr
	}
	size := s.Buffer
	if size == 0 {
		size = 64
	}
	s.ch = make(chan audio.SampleBlock, size)
	s.running = true
	return s.ch, nil
}

// Emit delivers one block to the consumer. It reports false when the source
// is not running or the buffer is full.
func (s *Source) Emit(b audio.SampleBlock) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return false
	}
	select {
	case s.ch <- b:
		return true
	default:
		return false
	}
}

// Stop implements [audio.Source]. It closes the block channel; repeated calls
// are no-ops apart from the call count.
func (s *Source) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountStop++
	if s.running {
		close(s.ch)
		s.running = false
	}
	return s.StopErr
}

// SampleRate implements [audio.Source].
func (s *Source) SampleRate() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Rate
}

// Running reports whether Start succeeded and Stop has not been called since.
func (s *Source) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Stops returns the number of Stop calls.
func (s *Source) Stops() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCountStop
}

var _ audio.Source = (*Source)(nil)

// ─── Sink ─────────────────────────────────────────────────────────────────────

// Sink is a mock implementation of [audio.Sink]. It records every buffer
// handed to Play without rendering anything.
type Sink struct {
	mu sync.Mutex

	// StartErr is returned by Start.
	StartErr error

	// PlayErr is returned by Play.
	PlayErr error

	// MuteErr is returned by Mute.
	MuteErr error

	// StopErr is returned by Stop.
	StopErr error

	// Played records every buffer passed to Play, in order.
	Played []audio.PlaybackBuffer

	// CallCountStart records how many times Start was called.
	CallCountStart int

	// CallCountMute records how many times Mute was called.
	CallCountMute int

	// CallCountStop records how many times Stop was called.
	CallCountStop int
}

// Start implements [audio.Sink].
func (s *Sink) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountStart++
	return s.StartErr
}

// Play implements [audio.Sink].
func (s *Sink) Play(buf audio.PlaybackBuffer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Played = append(s.Played, buf)
	return s.PlayErr
}

// Mute implements [audio.Sink].
func (s *Sink) Mute() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountMute++
	return s.MuteErr
}

// Stop implements [audio.Sink].
func (s *Sink) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountStop++
	return s.StopErr
}

// Buffers returns a copy of the buffers played so far.
func (s *Sink) Buffers() []audio.PlaybackBuffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]audio.PlaybackBuffer, len(s.Played))
	copy(out, s.Played)
	return out
}

// Mutes returns the number of Mute calls.
func (s *Sink) Mutes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCountMute
}

// Stops returns the number of Stop calls.
func (s *Sink) Stops() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCountStop
}

var _ audio.Sink = (*Sink)(nil)
