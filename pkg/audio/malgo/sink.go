package malgo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	ma "github.com/gen2brain/malgo"

	"github.com/MrWong99/voxlink/pkg/audio"
	"github.com/MrWong99/voxlink/pkg/audio/resample"
)

// ErrNotStarted is returned by Play before Start.
var ErrNotStarted = errors.New("malgo: sink not started")

// Sink plays scheduled buffers on a speaker. Buffers are resampled to the
// device rate and downmixed to mono on Play, then rendered at their StartAt
// instant from the device callback.
type Sink struct {
	opts Options
	log  *slog.Logger

	// lifeMu serialises Start and Stop; mu guards the timeline, which the
	// device callback reads.
	lifeMu sync.Mutex
	mctx   *ma.AllocatedContext
	dev    *ma.Device

	mu        sync.Mutex
	tl        timeline
	resampler *resample.Resampler
	// next is where the previous buffer ended; a buffer starting anywhere
	// else begins a new stream for the resampler.
	next    time.Time
	scratch []float32
	now     func() time.Time
}

// Start implements [audio.Sink].
func (s *Sink) Start(_ context.Context) error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if s.dev != nil {
		return nil
	}

	mctx, err := initContext(s.log)
	if err != nil {
		return audio.NewDeviceError("playback", classify(err), err)
	}

	cfg := ma.DefaultDeviceConfig(ma.Playback)
	cfg.Playback.Format = ma.FormatF32
	cfg.Playback.Channels = 1
	cfg.SampleRate = uint32(s.opts.PlaybackSampleRate)
	cfg.PeriodSizeInMilliseconds = uint32(s.opts.PeriodMs)
	if s.opts.PlaybackDevice != "" {
		id, err := findDevice(mctx, ma.Playback, s.opts.PlaybackDevice)
		if err != nil {
			freeContext(mctx)
			return audio.NewDeviceError("playback", audio.ReasonUnknown, err)
		}
		cfg.Playback.DeviceID = id.Pointer()
	}

	dev, err := ma.InitDevice(mctx.Context, cfg, ma.DeviceCallbacks{Data: s.onData})
	if err != nil {
		freeContext(mctx)
		return audio.NewDeviceError("playback", classify(err), err)
	}

	s.mu.Lock()
	s.tl = timeline{rate: int(dev.SampleRate())}
	s.resampler = nil
	s.next = time.Time{}
	if s.now == nil {
		s.now = time.Now
	}
	s.mu.Unlock()

	if err := dev.Start(); err != nil {
		dev.Uninit()
		freeContext(mctx)
		return audio.NewDeviceError("playback", classify(err), err)
	}
	s.mctx, s.dev = mctx, dev
	s.log.Info("playback started", "device", nameOrDefault(s.opts.PlaybackDevice), "rate", dev.SampleRate())
	return nil
}

// Play implements [audio.Sink]. It never blocks on the device.
func (s *Sink) Play(buf audio.PlaybackBuffer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tl.rate == 0 {
		return ErrNotStarted
	}
	samples, err := s.convertLocked(buf)
	if err != nil {
		return err
	}
	s.tl.push(buf.StartAt, samples)
	s.next = buf.End()
	return nil
}

// convertLocked downmixes buf and brings it to the device rate. The resampler
// is kept across contiguous chunks so they join without a seam, and reset when
// buf does not start where the previous one ended, such as at the first chunk
// of a new utterance.
func (s *Sink) convertLocked(buf audio.PlaybackBuffer) ([]float32, error) {
	mono := buf.Samples
	if buf.Channels > 1 {
		mono = audio.Downmix(buf.Samples, buf.Channels)
	}
	if buf.SampleRate <= 0 || buf.SampleRate == s.tl.rate {
		return append([]float32(nil), mono...), nil
	}
	if s.resampler == nil || s.resampler.InRate() != buf.SampleRate {
		r, err := resample.New(buf.SampleRate, s.tl.rate)
		if err != nil {
			return nil, fmt.Errorf("malgo: play: %w", err)
		}
		s.resampler = r
	} else if !buf.StartAt.Equal(s.next) {
		s.resampler.Reset()
	}
	return s.resampler.Process(mono), nil
}

// Mute implements [audio.Sink]. Everything queued is dropped; the next
// callback renders silence.
func (s *Sink) Mute() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dropped := s.tl.pending()
	s.tl.reset()
	s.next = time.Time{}
	if s.resampler != nil {
		s.resampler.Reset()
	}
	if dropped > 0 {
		s.log.Debug("playback muted", "dropped_samples", dropped)
	}
	return nil
}

// Stop implements [audio.Sink]. It is idempotent.
func (s *Sink) Stop() error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if s.dev == nil {
		return nil
	}
	err := s.dev.Stop()
	s.dev.Uninit()
	freeContext(s.mctx)
	s.dev, s.mctx = nil, nil

	s.mu.Lock()
	s.tl = timeline{}
	s.resampler = nil
	s.next = time.Time{}
	s.mu.Unlock()

	if err != nil {
		return fmt.Errorf("malgo: stop playback: %w", err)
	}
	return nil
}

// onData is the device callback.
func (s *Sink) onData(out, _ []byte, frames uint32) {
	n := int(frames)
	if len(out) < n*4 {
		n = len(out) / 4
	}

	s.mu.Lock()
	if cap(s.scratch) < n {
		s.scratch = make([]float32, n)
	}
	block := s.scratch[:n]
	s.tl.render(block, s.now())
	s.mu.Unlock()

	encodeF32(out, block)
}
