// Package playback schedules decoded downlink audio onto a virtual clock for
// gap-free output.
//
// A [Scheduler] never sleeps. Scheduling a chunk records its start time,
// advances the clock by the chunk's exact duration and hands the chunk to the
// [audio.Sink], which renders it when the wall clock reaches the start time.
// Consecutive chunks therefore play back to back. When the clock has fallen
// behind real time by more than the catch-up margin it snaps forward to
// now + lookahead, trading one audible gap for bounded latency.
package playback

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/voxlink/pkg/audio"
)

// ErrInactive is returned by Schedule outside an utterance, e.g. for audio
// that is still in flight after a cancellation.
var ErrInactive = errors.New("playback: no active utterance")

// ErrFormat is returned by Schedule when the chunk format cannot be resolved.
var ErrFormat = errors.New("playback: invalid chunk format")

// Config holds the scheduler timing.
type Config struct {
	// Lookahead is the prebuffer added to the clock at utterance start and on
	// catch-up.
	Lookahead time.Duration

	// CatchupMargin is how close to real time the clock may get before it is
	// snapped forward.
	CatchupMargin time.Duration
}

// DefaultConfig returns a 60 ms lookahead and a 20 ms catch-up margin.
func DefaultConfig() Config {
	return Config{
		Lookahead:     60 * time.Millisecond,
		CatchupMargin: 20 * time.Millisecond,
	}
}

// Validate checks the timing fields.
func (c Config) Validate() error {
	var errs []error
	if c.Lookahead <= 0 {
		errs = append(errs, fmt.Errorf("playback: lookahead must be positive, got %s", c.Lookahead))
	}
	if c.CatchupMargin < 0 {
		errs = append(errs, fmt.Errorf("playback: catch-up margin must not be negative, got %s", c.CatchupMargin))
	}
	if c.CatchupMargin >= c.Lookahead && c.Lookahead > 0 {
		errs = append(errs, fmt.Errorf("playback: catch-up margin %s must be below lookahead %s", c.CatchupMargin, c.Lookahead))
	}
	return errors.Join(errs...)
}

// Scheduled describes where a chunk landed on the timeline.
type Scheduled struct {
	// Seq is the chunk's arrival order within the scheduler's lifetime.
	Seq uint64

	// Start is the wall-clock time the chunk begins playing.
	Start time.Time

	// Duration is the chunk's exact playback length.
	Duration time.Duration

	// Lead is Start minus the time of scheduling.
	Lead time.Duration

	// CaughtUp is true when the clock was snapped forward for this chunk.
	CaughtUp bool
}

// Stats are cumulative scheduler counters.
type Stats struct {
	Utterances uint64
	Scheduled  uint64
	CatchUps   uint64
	Cancelled  uint64
	Rejected   uint64
}

// Option configures a [Scheduler].
type Option func(*Scheduler)

// WithClock replaces time.Now. Tests use it to drive the virtual clock.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// Scheduler owns the virtual playback clock. All methods are safe for
// concurrent use: the downlink flow schedules while the capture flow may
// cancel.
type Scheduler struct {
	sink audio.Sink
	now  func() time.Time

	mu       sync.Mutex
	cfg      Config
	clock    time.Time
	active   bool
	rate     int
	channels int
	seq      uint64
	timeline []audio.PlaybackBuffer
	stats    Stats
}

// New returns a Scheduler writing to sink. An invalid cfg falls back to
// [DefaultConfig].
func New(sink audio.Sink, cfg Config, opts ...Option) *Scheduler {
	if cfg.Validate() != nil {
		cfg = DefaultConfig()
	}
	s := &Scheduler{
		sink: sink,
		cfg:  cfg,
		now:  time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// BeginUtterance opens a new utterance: the clock restarts at
// now + lookahead and rate/channels become the defaults for chunks that do
// not declare their own format.
func (s *Scheduler) BeginUtterance(rate, channels int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = s.now().Add(s.cfg.Lookahead)
	s.active = true
	s.rate = rate
	s.channels = channels
	s.stats.Utterances++
}

// Schedule places samples (interleaved when channels > 1) on the timeline and
// hands them to the sink. Zero rate or channels inherit the utterance format.
func (s *Scheduler) Schedule(samples []float32, rate, channels int) (Scheduled, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.active {
		s.stats.Rejected++
		return Scheduled{}, ErrInactive
	}
	if rate <= 0 {
		rate = s.rate
	}
	if channels <= 0 {
		channels = s.channels
	}
	if rate <= 0 || channels <= 0 {
		s.stats.Rejected++
		return Scheduled{}, fmt.Errorf("%w: rate=%d channels=%d", ErrFormat, rate, channels)
	}

	now := s.now()
	frames := len(samples) / channels
	dur := time.Duration(frames) * time.Second / time.Duration(rate)

	caughtUp := false
	if s.clock.Before(now.Add(s.cfg.CatchupMargin)) {
		s.clock = now.Add(s.cfg.Lookahead)
		caughtUp = true
	}

	buf := audio.PlaybackBuffer{
		Samples:    samples,
		SampleRate: rate,
		Channels:   channels,
		StartAt:    s.clock,
		Duration:   dur,
		Seq:        s.seq,
	}
	if frames > 0 {
		if err := s.sink.Play(buf); err != nil {
			s.stats.Rejected++
			return Scheduled{}, fmt.Errorf("playback: play chunk %d: %w", buf.Seq, err)
		}
	}

	out := Scheduled{
		Seq:      buf.Seq,
		Start:    buf.StartAt,
		Duration: dur,
		Lead:     buf.StartAt.Sub(now),
		CaughtUp: caughtUp,
	}
	if caughtUp {
		s.stats.CatchUps++
	}
	s.seq++
	s.stats.Scheduled++
	s.clock = s.clock.Add(dur)
	s.prune(now)
	s.timeline = append(s.timeline, buf)
	return out, nil
}

// EndUtterance marks remote playback inactive. Chunks already scheduled
// still play to completion.
func (s *Scheduler) EndUtterance() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = false
}

// Cancel discards every chunk that has not started yet, mutes the sink and
// ends the utterance. It returns the number of discarded chunks.
func (s *Scheduler) Cancel() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	discarded := 0
	for _, b := range s.timeline {
		if b.StartAt.After(now) {
			discarded++
		}
	}
	s.timeline = s.timeline[:0]
	s.stats.Cancelled += uint64(discarded)
	s.active = false
	s.clock = time.Time{}

	if err := s.sink.Mute(); err != nil {
		return discarded, fmt.Errorf("playback: mute: %w", err)
	}
	return discarded, nil
}

// SetConfig replaces the timing used from the next BeginUtterance on.
func (s *Scheduler) SetConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	return nil
}

// Config returns the current timing.
func (s *Scheduler) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Active reports whether an utterance is open.
func (s *Scheduler) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// NextStart returns the virtual clock: the start time of the next chunk
// absent a catch-up. It is the zero time after Cancel.
func (s *Scheduler) NextStart() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clock
}

// Pending returns the number of scheduled chunks that have not finished
// playing at now.
func (s *Scheduler) Pending(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prune(now)
	return len(s.timeline)
}

// Stats returns a snapshot of the counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// prune drops chunks that finished before now. The timeline is ordered, so
// finished chunks are always at the front.
func (s *Scheduler) prune(now time.Time) {
	i := 0
	for i < len(s.timeline) && !s.timeline[i].End().After(now) {
		i++
	}
	if i > 0 {
		s.timeline = append(s.timeline[:0], s.timeline[i:]...)
	}
}
