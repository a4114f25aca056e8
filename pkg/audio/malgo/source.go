// Package malgo binds [audio.Source] and [audio.Sink] to the system's audio
// devices through miniaudio.
//
// Both devices are opened as float32 mono. Capture blocks are delivered at the
// device's period; playback renders the scheduler's timeline inside the
// device callback.
package malgo

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"sync/atomic"

	ma "github.com/gen2brain/malgo"

	"github.com/MrWong99/voxlink/pkg/audio"
)

var (
	_ audio.Source = (*Source)(nil)
	_ audio.Sink   = (*Sink)(nil)
)

// Defaults applied for zero-valued [Options] fields.
const (
	DefaultSampleRate = 48000
	DefaultPeriodMs   = 10
	DefaultBuffer     = 64
)

// Options configures a device pair.
type Options struct {
	// CaptureDevice and PlaybackDevice select devices by name. Empty selects
	// the system default.
	CaptureDevice  string
	PlaybackDevice string

	CaptureSampleRate  int
	PlaybackSampleRate int

	// PeriodMs is the callback period requested from the backend.
	PeriodMs int

	// Buffer is the capture channel depth in blocks.
	Buffer int

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

func (o *Options) applyDefaults() {
	if o.CaptureSampleRate <= 0 {
		o.CaptureSampleRate = DefaultSampleRate
	}
	if o.PlaybackSampleRate <= 0 {
		o.PlaybackSampleRate = DefaultSampleRate
	}
	if o.PeriodMs <= 0 {
		o.PeriodMs = DefaultPeriodMs
	}
	if o.Buffer <= 0 {
		o.Buffer = DefaultBuffer
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// New returns an unopened capture/playback pair.
func New(opts Options) (*Source, *Sink) {
	opts.applyDefaults()
	return &Source{opts: opts, log: opts.Logger.With("component", "malgo.source")},
		&Sink{opts: opts, log: opts.Logger.With("component", "malgo.sink")}
}

// Source captures float32 mono audio from a microphone.
type Source struct {
	opts Options
	log  *slog.Logger

	mu     sync.Mutex
	mctx   *ma.AllocatedContext
	dev    *ma.Device
	ch     chan audio.SampleBlock
	rate   int
	cancel context.CancelFunc

	live     atomic.Bool
	overruns atomic.Uint64
}

// Start implements [audio.Source]. The device is released when ctx ends or
// Stop is called.
func (s *Source) Start(ctx context.Context) (<-chan audio.SampleBlock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dev != nil {
		return nil, audio.NewDeviceError("capture", audio.ReasonDeviceBusy, errors.New("already started"))
	}

	mctx, err := initContext(s.log)
	if err != nil {
		return nil, audio.NewDeviceError("capture", classify(err), err)
	}

	cfg := ma.DefaultDeviceConfig(ma.Capture)
	cfg.Capture.Format = ma.FormatF32
	cfg.Capture.Channels = 1
	cfg.SampleRate = uint32(s.opts.CaptureSampleRate)
	cfg.PeriodSizeInMilliseconds = uint32(s.opts.PeriodMs)
	if s.opts.CaptureDevice != "" {
		id, err := findDevice(mctx, ma.Capture, s.opts.CaptureDevice)
		if err != nil {
			freeContext(mctx)
			return nil, audio.NewDeviceError("capture", audio.ReasonUnknown, err)
		}
		cfg.Capture.DeviceID = id.Pointer()
	}

	ch := make(chan audio.SampleBlock, s.opts.Buffer)
	var rate atomic.Int64
	onData := func(_, in []byte, _ uint32) {
		if !s.live.Load() {
			return
		}
		b := audio.SampleBlock{Samples: decodeF32(in), SampleRate: int(rate.Load())}
		select {
		case ch <- b:
		default:
			if s.overruns.Add(1) == 1 {
				s.log.Warn("capture consumer falling behind, dropping blocks")
			}
		}
	}

	dev, err := ma.InitDevice(mctx.Context, cfg, ma.DeviceCallbacks{Data: onData})
	if err != nil {
		freeContext(mctx)
		return nil, audio.NewDeviceError("capture", classify(err), err)
	}
	rate.Store(int64(dev.SampleRate()))

	s.live.Store(true)
	if err := dev.Start(); err != nil {
		s.live.Store(false)
		dev.Uninit()
		freeContext(mctx)
		return nil, audio.NewDeviceError("capture", classify(err), err)
	}

	s.mctx, s.dev, s.ch, s.rate = mctx, dev, ch, int(dev.SampleRate())
	s.overruns.Store(0)

	watchCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go func() {
		<-watchCtx.Done()
		s.mu.Lock()
		same := s.dev == dev
		s.mu.Unlock()
		if same {
			_ = s.Stop()
		}
	}()

	s.log.Info("capture started", "device", nameOrDefault(s.opts.CaptureDevice), "rate", s.rate)
	return ch, nil
}

// Stop implements [audio.Source]. It is idempotent.
func (s *Source) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dev == nil {
		return nil
	}
	s.live.Store(false)
	err := s.dev.Stop()
	// Uninit waits for any running callback, so the channel can be closed
	// afterwards.
	s.dev.Uninit()
	freeContext(s.mctx)
	close(s.ch)
	if s.cancel != nil {
		s.cancel()
	}
	if n := s.overruns.Load(); n > 0 {
		s.log.Warn("capture stopped with overruns", "dropped_blocks", n)
	}
	s.dev, s.mctx, s.ch, s.cancel = nil, nil, nil, nil
	if err != nil {
		return fmt.Errorf("malgo: stop capture: %w", err)
	}
	return nil
}

// SampleRate implements [audio.Source]. Before Start it returns the
// requested rate.
func (s *Source) SampleRate() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rate > 0 {
		return s.rate
	}
	return s.opts.CaptureSampleRate
}

// Overruns returns the number of blocks dropped because the consumer fell
// behind since the last Start.
func (s *Source) Overruns() uint64 { return s.overruns.Load() }

// ─── helpers ─────────────────────────────────────────────────────────────────

func initContext(log *slog.Logger) (*ma.AllocatedContext, error) {
	return ma.InitContext(nil, ma.ContextConfig{}, func(msg string) {
		log.Debug("miniaudio", "msg", strings.TrimSpace(msg))
	})
}

func freeContext(c *ma.AllocatedContext) {
	if c == nil {
		return
	}
	_ = c.Uninit()
	c.Free()
}

// findDevice returns the ID of the first device of kind whose name contains
// name, case-insensitively.
func findDevice(c *ma.AllocatedContext, kind ma.DeviceType, name string) (ma.DeviceID, error) {
	infos, err := c.Devices(kind)
	if err != nil {
		return ma.DeviceID{}, fmt.Errorf("malgo: enumerate devices: %w", err)
	}
	want := strings.ToLower(name)
	for _, info := range infos {
		if strings.Contains(strings.ToLower(info.Name()), want) {
			return info.ID, nil
		}
	}
	return ma.DeviceID{}, fmt.Errorf("malgo: no device matching %q", name)
}

func nameOrDefault(name string) string {
	if name == "" {
		return "default"
	}
	return name
}

// decodeF32 converts little-endian float32 bytes into samples.
func decodeF32(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}

// encodeF32 writes samples into b as little-endian float32.
func encodeF32(b []byte, samples []float32) {
	for i, s := range samples {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(s))
	}
}

// classify maps a backend error onto a device error reason. miniaudio reports
// results as text, so the classification is by message.
func classify(err error) audio.DeviceErrorReason {
	if err == nil {
		return audio.ReasonUnknown
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "access denied"), strings.Contains(msg, "permission"):
		return audio.ReasonPermissionDenied
	case strings.Contains(msg, "busy"), strings.Contains(msg, "in use"):
		return audio.ReasonDeviceBusy
	case strings.Contains(msg, "not supported"), strings.Contains(msg, "no backend"), strings.Contains(msg, "no device"):
		return audio.ReasonUnsupported
	default:
		return audio.ReasonUnknown
	}
}

// DeviceNames lists the capture and playback devices the backend reports.
func DeviceNames(log *slog.Logger) (capture, playback []string, err error) {
	if log == nil {
		log = slog.Default()
	}
	mctx, err := initContext(log)
	if err != nil {
		return nil, nil, fmt.Errorf("malgo: init context: %w", err)
	}
	defer freeContext(mctx)

	names := func(kind ma.DeviceType) ([]string, error) {
		infos, err := mctx.Devices(kind)
		if err != nil {
			return nil, fmt.Errorf("malgo: enumerate devices: %w", err)
		}
		out := make([]string, 0, len(infos))
		for _, info := range infos {
			out = append(out, info.Name())
		}
		return out, nil
	}
	if capture, err = names(ma.Capture); err != nil {
		return nil, nil, err
	}
	if playback, err = names(ma.Playback); err != nil {
		return nil, nil, err
	}
	return capture, playback, nil
}
