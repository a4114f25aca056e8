package session

import (
	"context"
	"errors"
	"fmt"
	"math"

	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/voxlink/internal/observe"
	"github.com/MrWong99/voxlink/pkg/playback"
	"github.com/MrWong99/voxlink/pkg/protocol"
	"github.com/MrWong99/voxlink/pkg/transport"
	"github.com/MrWong99/voxlink/pkg/transport/codec"
)

// downlink is the network-to-playback flow. Its error, if any, becomes the
// session's end cause.
func (s *Session) downlink(ctx context.Context, r *run) error {
	events := r.ch.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return ErrChannelClosed
			}
			if err := s.handleEvent(ctx, r, ev); err != nil {
				return err
			}
		}
	}
}

func (s *Session) handleEvent(ctx context.Context, r *run, ev transport.Event) error {
	switch {
	case ev.Err != nil:
		var de *protocol.DecodeError
		if errors.As(ev.Err, &de) {
			r.log.Warn("ignoring malformed control message", "code", de.Code, "err", de)
			s.metrics.RecordMalformed(ctx, string(de.Code))
			return nil
		}
		return fmt.Errorf("session: transport: %w", ev.Err)
	case ev.Control != nil:
		return s.handleControl(ctx, r, ev.Control)
	default:
		s.handleAudio(ctx, r, ev.Binary)
		return nil
	}
}

func (s *Session) handleControl(ctx context.Context, r *run, msg protocol.Message) error {
	switch m := msg.(type) {
	case protocol.UtteranceStart:
		if !s.transition(Capturing, RemoteSpeaking, string(m.MessageType())) {
			r.log.Warn("utterance start ignored", "state", s.State().String())
			return nil
		}
		s.useFormat(r, m.SampleRate, m.Channels)
		r.sched.BeginUtterance(r.decRate, r.decChannel)

	case protocol.UtteranceEnd:
		// The capture flow may move RemoteSpeaking to BargeInPending at any
		// moment, so the source state is resolved under the same lock.
		from, ok := s.transitionFrom(Capturing, string(m.MessageType()), RemoteSpeaking, BargeInPending)
		if !ok {
			r.log.Debug("utterance end ignored", "state", from.String())
			return nil
		}
		r.sched.EndUtterance()

	case protocol.Meter:
		s.remoteLevel.Store(math.Float64bits(m.Level))
		s.mu.Lock()
		fn := s.onMeter
		s.mu.Unlock()
		if fn != nil {
			fn(m.Level)
		}

	case protocol.Error:
		if m.Fatal {
			return &RemoteError{Message: m.Message}
		}
		r.log.Warn("remote error", "message", m.Message)

	case protocol.Info:
		r.log.Debug("remote info", "message", m.Message)

	case protocol.Transcript:
		s.mu.Lock()
		fn := s.onTranscript
		s.mu.Unlock()
		if fn != nil {
			fn(m.Text, m.Final)
		}

	case protocol.Hello:
		s.mu.Lock()
		s.serverID = m.SessionID
		fn := s.onHello
		s.mu.Unlock()
		r.log.Info("remote hello", "server_session_id", m.SessionID, "message", m.Message)
		if fn != nil {
			fn(m.SessionID, m.Message)
		}

	default:
		r.log.Debug("ignoring client-bound control message", "type", msg.MessageType())
	}
	return nil
}

// useFormat switches the downlink decoder to the announced format. Zero
// values keep the current one.
func (s *Session) useFormat(r *run, rate, channels int) {
	if rate <= 0 {
		rate = r.decRate
	}
	if channels <= 0 {
		channels = r.decChannel
	}
	if rate == r.decRate && channels == r.decChannel {
		return
	}
	dec, err := codec.New(r.cfg.DownlinkEncoding, rate, channels)
	if err != nil {
		r.log.Warn("keeping downlink format", "rate", rate, "channels", channels, "err", err)
		return
	}
	r.decoder, r.decRate, r.decChannel = dec, rate, channels
}

func (s *Session) handleAudio(ctx context.Context, r *run, payload []byte) {
	s.metrics.DownlinkBytes.Add(ctx, int64(len(payload)))

	samples, err := r.decoder.Decode(payload)
	if err != nil {
		r.log.Warn("dropping undecodable chunk", "bytes", len(payload), "err", err)
		return
	}
	sc, err := r.sched.Schedule(samples, 0, 0)
	if err != nil {
		if errors.Is(err, playback.ErrInactive) {
			r.log.Debug("dropping chunk outside utterance", "bytes", len(payload))
			return
		}
		r.log.Warn("schedule chunk", "err", err)
		return
	}

	s.metrics.ChunksScheduled.Add(ctx, 1)
	s.metrics.ScheduleLead.Record(ctx, sc.Lead.Seconds())
	if sc.CaughtUp {
		s.metrics.PlaybackCatchUps.Add(ctx, 1, metric.WithAttributes(observe.Attr("state", s.State().String())))
		r.log.Debug("playback caught up", "seq", sc.Seq, "start", sc.Start)
	}
}
