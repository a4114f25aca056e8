package session

import (
	"context"
	"math"

	"github.com/MrWong99/voxlink/pkg/audio"
	"github.com/MrWong99/voxlink/pkg/audio/resample"
	"github.com/MrWong99/voxlink/pkg/protocol"
)

// capture is the uplink flow. It returns nil when the session is stopping and
// ErrCaptureEnded when the device closes its stream on its own.
func (s *Session) capture(ctx context.Context, r *run, blocks <-chan audio.SampleBlock) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case b, ok := <-blocks:
			if !ok {
				if r.stopping.Load() {
					s.flushTail(r)
					return nil
				}
				if ctx.Err() != nil {
					return nil
				}
				return ErrCaptureEnded
			}
			s.processBlock(ctx, r, b)
		}
	}
}

// processBlock runs one device callback's worth of audio through resampler,
// framer, VAD, barge-in and the upload gate.
func (s *Session) processBlock(ctx context.Context, r *run, b audio.SampleBlock) {
	if b.SampleRate > 0 && b.SampleRate != r.resampler.InRate() {
		rs, err := resample.New(b.SampleRate, r.cfg.TargetSampleRate)
		if err != nil {
			r.log.Warn("dropping block with unusable rate", "rate", b.SampleRate, "err", err)
			return
		}
		r.log.Debug("capture rate changed", "from", r.resampler.InRate(), "to", b.SampleRate)
		r.resampler = rs
	}

	for _, f := range r.framer.Push(r.resampler.Process(b.Samples)) {
		s.processFrame(ctx, r, f)
	}
}

func (s *Session) processFrame(ctx context.Context, r *run, f audio.Frame) {
	ev, err := r.vad.ProcessFrame(f)
	if err != nil {
		r.log.Debug("vad failed", "seq", f.Seq, "err", err)
	}
	s.micLevel.Store(math.Float64bits(ev.Level))

	remoteActive := s.State() == RemoteSpeaking
	if r.bargeIn.Observe(ev.Speech, r.cfg.FrameMs, remoteActive) {
		s.bargeIn(ctx, r, f)
	}
	s.upload(ctx, r, f)
}

// bargeIn handles the accumulator edge: RemoteSpeaking → BargeInPending,
// one cancellation message, and an immediate playback cancel.
func (s *Session) bargeIn(ctx context.Context, r *run, f audio.Frame) {
	if !s.transition(RemoteSpeaking, BargeInPending, "barge_in") {
		return
	}
	if err := r.ch.SendControl(protocol.BargeIn{}); err != nil {
		r.log.Warn("send barge_in", "err", err)
	}
	discarded, err := r.sched.Cancel()
	if err != nil {
		r.log.Warn("cancel playback", "err", err)
	}

	s.bargeIns.Add(1)
	s.metrics.BargeIns.Add(ctx, 1)
	s.metrics.ChunksCancelled.Add(ctx, int64(discarded))
	r.log.Info("barge-in",
		"seq", f.Seq, "held_ms", r.bargeIn.Millis(), "discarded_chunks", discarded)
}

// upload sends f when the gate is open and counts it as withheld otherwise.
func (s *Session) upload(ctx context.Context, r *run, f audio.Frame) {
	if !s.gate.Load() {
		s.withheld.Add(1)
		s.metrics.FramesWithheld.Add(ctx, 1)
		return
	}
	if r.ch.SendFrame(f) {
		s.sent.Add(1)
		s.metrics.FramesSent.Add(ctx, 1)
		return
	}
	s.dropped.Add(1)
	s.metrics.FramesDropped.Add(ctx, 1)
}

// flushTail uploads the zero-padded remainder held by the framer. It only
// runs on an explicit stop, while the transport is still open.
func (s *Session) flushTail(r *run) {
	f, ok := r.framer.Flush()
	if !ok {
		return
	}
	s.upload(context.Background(), r, f)
}
