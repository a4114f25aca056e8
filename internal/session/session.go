// Package session implements the voxlink streaming session: the state machine
// that owns one capture device, one transport channel and one playback
// scheduler, and the two flows that move audio between them.
//
// The capture flow resamples and frames microphone audio, runs the VAD and the
// barge-in accumulator, and uploads frames while the upload gate is open. The
// downlink flow consumes transport events, drives the playback scheduler and
// applies control messages to the state machine. The flows share no lock:
// they meet only at the atomic state and gate, and at the scheduler.
//
// Only [Session.transition] and its variants change state or the upload gate.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxlink/internal/observe"
	"github.com/MrWong99/voxlink/pkg/audio"
	"github.com/MrWong99/voxlink/pkg/audio/framer"
	"github.com/MrWong99/voxlink/pkg/audio/resample"
	"github.com/MrWong99/voxlink/pkg/playback"
	"github.com/MrWong99/voxlink/pkg/protocol"
	"github.com/MrWong99/voxlink/pkg/provider/vad"
	"github.com/MrWong99/voxlink/pkg/transport"
	"github.com/MrWong99/voxlink/pkg/transport/codec"
)

// Defaults applied by [New] for zero-valued [Config] fields.
const (
	DefaultTargetSampleRate   = 16000
	DefaultFrameMs            = 20
	DefaultDownlinkSampleRate = 24000
	DefaultDialTimeout        = 10 * time.Second

	// stopGrace bounds how long Stop waits for the capture flow to flush the
	// held tail frame.
	stopGrace = 200 * time.Millisecond
)

var (
	// ErrNotIdle is returned by Start when a session is already running.
	ErrNotIdle = errors.New("session: not idle")

	// ErrNotRunning is returned by operations that need an open session.
	ErrNotRunning = errors.New("session: not running")

	// ErrCaptureEnded is the cause recorded when the capture device stops
	// delivering audio without a Stop request.
	ErrCaptureEnded = errors.New("session: capture ended")

	// ErrChannelClosed is the cause recorded when the transport closes its
	// event stream without reporting an error.
	ErrChannelClosed = errors.New("session: channel closed")
)

// RemoteError is the cause recorded when the remote sends a fatal error
// control message.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string { return "session: remote error: " + e.Message }

// Config holds the per-session audio parameters.
type Config struct {
	// TargetSampleRate is the uplink rate frames are produced at.
	TargetSampleRate int

	// FrameMs is the uplink frame duration.
	FrameMs int

	// DownlinkEncoding names the downlink payload encoding ("pcm16", "opus").
	DownlinkEncoding string

	// DownlinkSampleRate and DownlinkChannels are used until the remote
	// announces a format with utterance.start.
	DownlinkSampleRate int
	DownlinkChannels   int

	// DialTimeout bounds opening the transport.
	DialTimeout time.Duration

	// VAD tunes the energy detector and the barge-in hold. SampleRate and
	// FrameSizeMs are overridden from TargetSampleRate and FrameMs.
	VAD vad.Config

	// Playback tunes the jitter buffer.
	Playback playback.Config
}

func (c *Config) applyDefaults() {
	if c.TargetSampleRate <= 0 {
		c.TargetSampleRate = DefaultTargetSampleRate
	}
	if c.FrameMs <= 0 {
		c.FrameMs = DefaultFrameMs
	}
	if c.DownlinkEncoding == "" {
		c.DownlinkEncoding = codec.EncodingPCM16
	}
	if c.DownlinkSampleRate <= 0 {
		c.DownlinkSampleRate = DefaultDownlinkSampleRate
	}
	if c.DownlinkChannels <= 0 {
		c.DownlinkChannels = 1
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.VAD == (vad.Config{}) {
		c.VAD = vad.DefaultConfig()
	}
	if c.Playback == (playback.Config{}) {
		c.Playback = playback.DefaultConfig()
	}
}

// Deps are the collaborators a [Session] drives. Source, Sink, Dialer and VAD
// are required.
type Deps struct {
	Source audio.Source
	Sink   audio.Sink
	Dialer transport.Dialer
	VAD    vad.Engine

	// Metrics defaults to observe.DefaultMetrics().
	Metrics *observe.Metrics

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Now overrides the playback clock. Nil uses time.Now.
	Now func() time.Time
}

// Status is a point-in-time snapshot of a [Session].
type Status struct {
	State           State
	SessionID       string
	ServerSessionID string
	StartedAt       time.Time

	// LastError is the cause of the most recent session end, nil after a
	// clean stop.
	LastError error

	FramesSent     uint64
	FramesDropped  uint64
	FramesWithheld uint64
	BargeIns       uint64

	// MicLevel and RemoteLevel are cosmetic meters in [0, 1].
	MicLevel    float64
	RemoteLevel float64

	Playback playback.Stats
}

// Session is a single-use-at-a-time streaming session. Start and Stop may be
// called repeatedly; all methods are safe for concurrent use.
type Session struct {
	deps    Deps
	log     *slog.Logger
	metrics *observe.Metrics

	// lifeMu serialises Start and Stop.
	lifeMu sync.Mutex

	// state and gate are written only by transition and read lock-free by
	// the flows.
	state atomic.Int32
	gate  atomic.Bool

	sent, dropped, withheld, bargeIns atomic.Uint64
	micLevel, remoteLevel             atomic.Uint64

	mu            sync.Mutex
	cfg           Config
	run           *run
	id            string
	serverID      string
	startedAt     time.Time
	lastErr       error
	lastPlayback  playback.Stats
	onStateChange []func(from, to State)
	onTranscript  func(text string, final bool)
	onMeter       func(level float64)
	onHello       func(sessionID, message string)
}

// New returns an idle Session. It returns an error when a required
// dependency is missing or cfg is invalid.
func New(cfg Config, deps Deps) (*Session, error) {
	var errs []error
	if deps.Source == nil {
		errs = append(errs, errors.New("source is required"))
	}
	if deps.Sink == nil {
		errs = append(errs, errors.New("sink is required"))
	}
	if deps.Dialer == nil {
		errs = append(errs, errors.New("dialer is required"))
	}
	if deps.VAD == nil {
		errs = append(errs, errors.New("vad engine is required"))
	}
	cfg.applyDefaults()
	if err := cfg.Playback.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("session: new: %w", err)
	}

	if deps.Metrics == nil {
		deps.Metrics = observe.DefaultMetrics()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Session{
		deps:    deps,
		log:     deps.Logger.With("component", "session"),
		metrics: deps.Metrics,
		cfg:     cfg,
	}, nil
}

// run holds everything owned by one Start..Stop span.
type run struct {
	id     string
	cfg    Config
	log    *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	span   trace.Span

	ch    transport.Channel
	sched *playback.Scheduler

	// Owned by the capture flow.
	vad       vad.SessionHandle
	resampler *resample.Resampler
	framer    *framer.Framer
	bargeIn   *vad.BargeIn

	// Owned by the downlink flow.
	decoder    codec.Decoder
	decRate    int
	decChannel int

	closers     []func() error
	stopping    atomic.Bool
	captureDone chan struct{}
	done        chan struct{}
	once        sync.Once
	releaseErr  error
}

// release runs the closers in reverse acquisition order.
func (r *run) release() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	return errors.Join(errs...)
}

// Start acquires the capture device, opens the transport, sends the
// handshake, starts playback and launches both flows. ctx bounds the setup
// only; the session runs until [Session.Stop] or a fatal error.
//
// A capture failure is returned as an [*audio.DeviceError]. On any failure
// everything acquired so far is released and the session is back in Idle.
func (s *Session) Start(ctx context.Context) error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	begin := time.Now()
	id := uuid.NewString()

	s.mu.Lock()
	if State(s.state.Load()) != Idle {
		s.mu.Unlock()
		return ErrNotIdle
	}
	cfg := s.cfg
	s.id = id
	s.serverID = ""
	s.startedAt = begin
	s.lastErr = nil
	s.lastPlayback = playback.Stats{}
	s.resetCounters()
	notify, _ := s.transitionLocked(Idle, Connecting, "start")
	s.mu.Unlock()
	notify()
	s.metrics.ActiveSessions.Add(ctx, 1)

	runCtx, cancel := context.WithCancel(context.Background())
	runCtx, span := observe.SessionSpan(runCtx, id)
	r := &run{
		id:          id,
		cfg:         cfg,
		log:         observe.Logger(runCtx, s.log).With("session_id", id),
		ctx:         runCtx,
		cancel:      cancel,
		span:        span,
		captureDone: make(chan struct{}),
		done:        make(chan struct{}),
	}

	setupCtx, setupSpan := observe.StartSpan(trace.ContextWithSpan(ctx, span), "voxlink.session.start")
	blocks, err := s.open(setupCtx, r)
	if err != nil {
		setupSpan.RecordError(err)
		setupSpan.SetStatus(codes.Error, "session start failed")
		setupSpan.End()
		s.abort(ctx, r, err)
		return err
	}
	setupSpan.End()

	s.mu.Lock()
	s.run = r
	notify, _ = s.transitionLocked(Connecting, Capturing, "handshake")
	s.mu.Unlock()
	notify()

	s.metrics.SessionStartDuration.Record(ctx, time.Since(begin).Seconds())
	r.log.Info("session started",
		"target_rate", cfg.TargetSampleRate,
		"frame_ms", cfg.FrameMs,
		"device_rate", s.deps.Source.SampleRate(),
		"startup", time.Since(begin),
	)

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		defer close(r.captureDone)
		return s.capture(gctx, r, blocks)
	})
	g.Go(func() error { return s.downlink(gctx, r) })
	go func() {
		err := g.Wait()
		s.finish(r, err)
		close(r.done)
	}()
	return nil
}

// open performs the acquisition sequence for r. Every acquired resource is
// appended to r.closers before the next step runs.
func (s *Session) open(ctx context.Context, r *run) (<-chan audio.SampleBlock, error) {
	cfg := r.cfg

	vcfg := cfg.VAD
	vcfg.SampleRate = cfg.TargetSampleRate
	vcfg.FrameSizeMs = cfg.FrameMs
	handle, err := s.deps.VAD.NewSession(vcfg)
	if err != nil {
		return nil, fmt.Errorf("session: start vad: %w", err)
	}
	r.vad = handle
	r.closers = append(r.closers, handle.Close)
	r.bargeIn = vad.NewBargeIn(vcfg.HoldMs)

	if r.framer, err = framer.New(cfg.TargetSampleRate, cfg.FrameMs); err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	if r.resampler, err = resample.New(s.deps.Source.SampleRate(), cfg.TargetSampleRate); err != nil {
		return nil, audio.NewDeviceError("capture", audio.ReasonUnsupported, err)
	}
	if r.decoder, err = codec.New(cfg.DownlinkEncoding, cfg.DownlinkSampleRate, cfg.DownlinkChannels); err != nil {
		return nil, fmt.Errorf("session: downlink decoder: %w", err)
	}
	r.decRate, r.decChannel = cfg.DownlinkSampleRate, cfg.DownlinkChannels

	blocks, err := s.deps.Source.Start(r.ctx)
	if err != nil {
		var de *audio.DeviceError
		if !errors.As(err, &de) {
			err = audio.NewDeviceError("capture", audio.ReasonUnknown, err)
		}
		return nil, err
	}
	r.closers = append(r.closers, s.deps.Source.Stop)

	dialCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	ch, err := s.deps.Dialer(dialCtx)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("session: dial: %w", err)
	}
	r.ch = ch
	r.closers = append(r.closers, ch.Close)

	hs := protocol.Handshake{
		Encoding:   codec.EncodingPCM16,
		SampleRate: cfg.TargetSampleRate,
		Channels:   1,
		FrameMs:    cfg.FrameMs,
	}
	if err := ch.Handshake(ctx, hs); err != nil {
		return nil, fmt.Errorf("session: handshake: %w", err)
	}

	if err := s.deps.Sink.Start(r.ctx); err != nil {
		return nil, fmt.Errorf("session: start playback: %w", err)
	}
	r.closers = append(r.closers, s.deps.Sink.Stop)

	var opts []playback.Option
	if s.deps.Now != nil {
		opts = append(opts, playback.WithClock(s.deps.Now))
	}
	r.sched = playback.New(s.deps.Sink, cfg.Playback, opts...)
	return blocks, nil
}

// abort unwinds a failed Start.
func (s *Session) abort(ctx context.Context, r *run, cause error) {
	r.cancel()
	if err := r.release(); err != nil {
		r.log.Warn("release after failed start", "err", err)
	}
	r.span.RecordError(cause)
	r.span.SetStatus(codes.Error, "start failed")
	r.span.End()

	s.mu.Lock()
	s.lastErr = cause
	notify, _ := s.transitionLocked(Connecting, Idle, "start failed")
	s.mu.Unlock()
	notify()

	s.metrics.ActiveSessions.Add(ctx, -1)
	s.metrics.RecordSessionError(ctx, errorKind(cause))
	r.log.Error("session start failed", "err", cause)
}

// finish ends r with cause (nil for an explicit stop). It is idempotent per
// run and safe to call from the flows.
func (s *Session) finish(r *run, cause error) {
	r.once.Do(func() {
		r.cancel()

		// The state must not read Idle while the device is still held.
		r.releaseErr = r.release()
		if r.releaseErr != nil {
			r.log.Warn("session release", "err", r.releaseErr)
		}

		s.mu.Lock()
		notify := func() {}
		if s.run == r {
			s.run = nil
			s.lastErr = cause
			s.lastPlayback = r.sched.Stats()
			event := "stop"
			if cause != nil {
				event = "error"
			}
			notify, _ = s.transitionLocked(State(s.state.Load()), Idle, event)
		}
		s.mu.Unlock()

		ctx := context.Background()
		s.metrics.ActiveSessions.Add(ctx, -1)
		if cause != nil {
			s.metrics.RecordSessionError(ctx, errorKind(cause))
			r.span.RecordError(cause)
			r.span.SetStatus(codes.Error, "session failed")
			r.log.Error("session ended", "err", cause)
		} else {
			r.log.Info("session stopped",
				"frames_sent", s.sent.Load(),
				"frames_withheld", s.withheld.Load(),
				"barge_ins", s.bargeIns.Load(),
			)
		}
		r.span.End()
		notify()
	})
}

// Stop ends the running session: the capture device is stopped first so the
// held tail frame can be flushed, then transport and playback are released.
// Stop on an idle session is a no-op.
//
// Stop must not be called from a state-change or message callback.
func (s *Session) Stop() error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	s.mu.Lock()
	r := s.run
	s.mu.Unlock()
	if r == nil {
		return nil
	}

	r.stopping.Store(true)
	if err := s.deps.Source.Stop(); err != nil {
		r.log.Debug("stop capture", "err", err)
	}
	select {
	case <-r.captureDone:
	case <-time.After(stopGrace):
	}
	s.finish(r, nil)
	<-r.done
	return r.releaseErr
}

// Wait blocks until the running session ends and returns its cause. It
// returns nil immediately when idle.
func (s *Session) Wait(ctx context.Context) error {
	s.mu.Lock()
	r := s.run
	s.mu.Unlock()
	if r == nil {
		return nil
	}
	select {
	case <-r.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// State returns the current state.
func (s *Session) State() State { return State(s.state.Load()) }

// Status returns a snapshot of the session.
func (s *Session) Status() Status {
	s.mu.Lock()
	st := Status{
		State:           State(s.state.Load()),
		SessionID:       s.id,
		ServerSessionID: s.serverID,
		StartedAt:       s.startedAt,
		LastError:       s.lastErr,
		Playback:        s.lastPlayback,
	}
	if s.run != nil && s.run.sched != nil {
		st.Playback = s.run.sched.Stats()
	}
	s.mu.Unlock()

	st.FramesSent = s.sent.Load()
	st.FramesDropped = s.dropped.Load()
	st.FramesWithheld = s.withheld.Load()
	st.BargeIns = s.bargeIns.Load()
	st.MicLevel = math.Float64frombits(s.micLevel.Load())
	st.RemoteLevel = math.Float64frombits(s.remoteLevel.Load())
	return st
}

// OnStateChange registers fn to be called after every transition. Callbacks
// run on the goroutine that caused the transition and must not block.
func (s *Session) OnStateChange(fn func(from, to State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onStateChange = append(s.onStateChange, fn)
}

// OnTranscript sets the handler for transcript messages.
func (s *Session) OnTranscript(fn func(text string, final bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onTranscript = fn
}

// OnMeter sets the handler for remote playback level updates.
func (s *Session) OnMeter(fn func(level float64)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onMeter = fn
}

// OnHello sets the handler for the server greeting.
func (s *Session) OnHello(fn func(sessionID, message string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onHello = fn
}

// SetVADConfig replaces the VAD tuning used from the next Start on.
func (s *Session) SetVADConfig(cfg vad.Config) error {
	check := cfg
	s.mu.Lock()
	defer s.mu.Unlock()
	check.SampleRate = s.cfg.TargetSampleRate
	check.FrameSizeMs = s.cfg.FrameMs
	if err := check.Validate(); err != nil {
		return fmt.Errorf("session: set vad config: %w", err)
	}
	s.cfg.VAD = cfg
	return nil
}

// SetPlaybackConfig replaces the jitter-buffer timing used from the next
// Start on.
func (s *Session) SetPlaybackConfig(cfg playback.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("session: set playback config: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.Playback = cfg
	return nil
}

// Config returns the configuration the next Start will use.
func (s *Session) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Commit asks the remote to treat the uploaded audio as a complete turn.
func (s *Session) Commit() error {
	return s.sendControl(protocol.InputCommit{})
}

// ClearInput asks the remote to discard uploaded audio not yet committed.
func (s *Session) ClearInput() error {
	return s.sendControl(protocol.InputClear{})
}

func (s *Session) sendControl(msg protocol.Message) error {
	s.mu.Lock()
	r := s.run
	s.mu.Unlock()
	if r == nil {
		return ErrNotRunning
	}
	if err := r.ch.SendControl(msg); err != nil {
		return fmt.Errorf("session: send %s: %w", msg.MessageType(), err)
	}
	return nil
}

// transition moves from → to for event. It reports false, and logs, when the
// session is not in from or the edge is not allowed.
func (s *Session) transition(from, to State, event string) bool {
	s.mu.Lock()
	notify, ok := s.transitionLocked(from, to, event)
	s.mu.Unlock()
	notify()
	return ok
}

// transitionFrom moves to `to` from whichever of froms the session is in. It
// returns the state it found and whether the move happened.
func (s *Session) transitionFrom(to State, event string, froms ...State) (State, bool) {
	s.mu.Lock()
	cur := State(s.state.Load())
	if !slices.Contains(froms, cur) {
		s.mu.Unlock()
		return cur, false
	}
	notify, ok := s.transitionLocked(cur, to, event)
	s.mu.Unlock()
	notify()
	return cur, ok
}

// transitionLocked is transition with s.mu held. The returned function runs
// the callbacks and must be called after s.mu is released.
func (s *Session) transitionLocked(from, to State, event string) (func(), bool) {
	cur := State(s.state.Load())
	if cur != from || !canTransition(from, to) {
		s.log.Debug("transition rejected",
			"current", cur.String(), "from", from.String(), "to", to.String(), "event", event)
		return func() {}, false
	}
	s.state.Store(int32(to))
	s.gate.Store(to == Capturing)
	s.metrics.RecordTransition(context.Background(), from.String(), to.String())
	s.log.Debug("state transition", "from", from.String(), "to", to.String(), "event", event)

	cbs := append([]func(from, to State){}, s.onStateChange...)
	return func() {
		for _, fn := range cbs {
			fn(from, to)
		}
	}, true
}

func (s *Session) resetCounters() {
	s.sent.Store(0)
	s.dropped.Store(0)
	s.withheld.Store(0)
	s.bargeIns.Store(0)
	s.micLevel.Store(0)
	s.remoteLevel.Store(0)
}

// errorKind labels a session end cause for metrics.
func errorKind(err error) string {
	var (
		de *audio.DeviceError
		re *RemoteError
	)
	switch {
	case errors.As(err, &de):
		return "device"
	case errors.As(err, &re):
		return "remote"
	case errors.Is(err, ErrCaptureEnded):
		return "capture"
	default:
		return "transport"
	}
}
