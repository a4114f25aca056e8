// Package config provides the configuration schema, loader, hot-reload watcher
// and backend registry for voxlink.
package config

import (
	"log/slog"
	"time"

	"github.com/MrWong99/voxlink/pkg/playback"
	"github.com/MrWong99/voxlink/pkg/provider/vad"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level converts l to a [slog.Level]. Unknown values map to Info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LogFormat selects the slog handler.
type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// IsValid reports whether f is a recognised log format.
func (f LogFormat) IsValid() bool {
	return f == LogFormatText || f == LogFormatJSON
}

// Config is the root configuration structure for voxlink.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Transport TransportConfig `yaml:"transport"`
	Audio     AudioConfig     `yaml:"audio"`
	VAD       VADConfig       `yaml:"vad"`
	Playback  PlaybackConfig  `yaml:"playback"`
}

// ServerConfig holds the admin HTTP server and logging settings.
type ServerConfig struct {
	// ListenAddr is the admin listener (/metrics, /healthz, /readyz, /status).
	// Empty disables the admin server.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`

	// LogFormat is "text" or "json".
	LogFormat LogFormat `yaml:"log_format"`

	// TraceSampleRatio is the fraction of session traces sampled, in [0, 1].
	// Zero samples every trace.
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
}

// TransportConfig describes the remote speech service endpoint.
type TransportConfig struct {
	// URL is the ws:// or wss:// endpoint. Required.
	URL string `yaml:"url"`

	// FallbackURLs are dialed in order when URL cannot be reached. Each
	// endpoint has its own circuit breaker.
	FallbackURLs []string `yaml:"fallback_urls"`

	// BreakerFailures is the number of consecutive dial failures that open an
	// endpoint's breaker; BreakerCooldown is how long it then stays open.
	BreakerFailures int           `yaml:"breaker_failures"`
	BreakerCooldown time.Duration `yaml:"breaker_cooldown"`

	// APIKey is sent as a bearer token when set.
	APIKey string `yaml:"api_key"`

	// Headers are added to the upgrade request.
	Headers map[string]string `yaml:"headers"`

	DialTimeout  time.Duration `yaml:"dial_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	PingInterval time.Duration `yaml:"ping_interval"`

	// SendBufferCeiling is the outbound audio occupancy in bytes above which
	// frames are dropped.
	SendBufferCeiling int `yaml:"send_buffer_ceiling"`

	// DownlinkEncoding is "pcm16" or "opus".
	DownlinkEncoding string `yaml:"downlink_encoding"`

	// DownlinkSampleRate and DownlinkChannels apply until the remote
	// announces a format.
	DownlinkSampleRate int `yaml:"downlink_sample_rate"`
	DownlinkChannels   int `yaml:"downlink_channels"`
}

// AudioConfig selects the device backend and uplink format.
type AudioConfig struct {
	// Backend names a registered audio backend (see [Registry]).
	Backend string `yaml:"backend"`

	// CaptureDevice and PlaybackDevice select devices by name; empty uses
	// the system default.
	CaptureDevice  string `yaml:"capture_device"`
	PlaybackDevice string `yaml:"playback_device"`

	// CaptureSampleRate is the native rate requested from the microphone.
	CaptureSampleRate int `yaml:"capture_sample_rate"`

	// PlaybackSampleRate is the rate the output device is opened at.
	PlaybackSampleRate int `yaml:"playback_sample_rate"`

	// TargetSampleRate is the uplink rate.
	TargetSampleRate int `yaml:"target_sample_rate"`

	// FrameMs is the uplink frame duration; rate*frame_ms must be a whole
	// number of milliseconds' worth of samples.
	FrameMs int `yaml:"frame_ms"`

	// CapturePeriodMs is the device callback period.
	CapturePeriodMs int `yaml:"capture_period_ms"`
}

// VADConfig tunes the energy detector and barge-in hold. Hot-reloadable; the
// new values apply at the next session start.
type VADConfig struct {
	// Engine names a registered VAD engine. Default "energy".
	Engine string `yaml:"engine"`

	Decay        float64 `yaml:"decay"`
	Rise         float64 `yaml:"rise"`
	SpeechFactor float64 `yaml:"speech_factor"`
	Epsilon      float64 `yaml:"epsilon"`
	InitialFloor float64 `yaml:"initial_floor"`
	HoldMs       int     `yaml:"hold_ms"`
	LevelCurve   string  `yaml:"level_curve"`
	LevelGain    float64 `yaml:"level_gain"`
}

// Tuning converts c to a [vad.Config] for the given uplink format.
func (c VADConfig) Tuning(sampleRate, frameMs int) vad.Config {
	return vad.Config{
		SampleRate:   sampleRate,
		FrameSizeMs:  frameMs,
		Decay:        c.Decay,
		Rise:         c.Rise,
		SpeechFactor: c.SpeechFactor,
		Epsilon:      c.Epsilon,
		InitialFloor: c.InitialFloor,
		HoldMs:       c.HoldMs,
		LevelCurve:   vad.LevelCurve(c.LevelCurve),
		LevelGain:    c.LevelGain,
	}
}

// PlaybackConfig tunes the jitter buffer. Hot-reloadable; the new values
// apply at the next session start.
type PlaybackConfig struct {
	Lookahead     time.Duration `yaml:"lookahead"`
	CatchupMargin time.Duration `yaml:"catchup_margin"`
}

// Timing converts c to a [playback.Config].
func (c PlaybackConfig) Timing() playback.Config {
	return playback.Config{Lookahead: c.Lookahead, CatchupMargin: c.CatchupMargin}
}

// Defaults for zero-valued fields, applied by [ApplyDefaults].
const (
	DefaultBackend            = "malgo"
	DefaultVADEngine          = "energy"
	DefaultCaptureSampleRate  = 48000
	DefaultPlaybackSampleRate = 48000
	DefaultTargetSampleRate   = 16000
	DefaultFrameMs            = 20
	DefaultCapturePeriodMs    = 10
	DefaultDownlinkSampleRate = 24000
	DefaultSendBufferCeiling  = 32 * 1024
	DefaultDialTimeout        = 10 * time.Second
	DefaultWriteTimeout       = 5 * time.Second
	DefaultBreakerFailures    = 3
	DefaultBreakerCooldown    = 30 * time.Second
)

// ApplyDefaults fills every zero-valued field with its default.
func ApplyDefaults(cfg *Config) {
	s := &cfg.Server
	if s.LogLevel == "" {
		s.LogLevel = LogInfo
	}
	if s.LogFormat == "" {
		s.LogFormat = LogFormatText
	}

	t := &cfg.Transport
	if t.DialTimeout == 0 {
		t.DialTimeout = DefaultDialTimeout
	}
	if t.WriteTimeout == 0 {
		t.WriteTimeout = DefaultWriteTimeout
	}
	if t.SendBufferCeiling == 0 {
		t.SendBufferCeiling = DefaultSendBufferCeiling
	}
	if t.BreakerFailures == 0 {
		t.BreakerFailures = DefaultBreakerFailures
	}
	if t.BreakerCooldown == 0 {
		t.BreakerCooldown = DefaultBreakerCooldown
	}
	if t.DownlinkEncoding == "" {
		t.DownlinkEncoding = "pcm16"
	}
	if t.DownlinkSampleRate == 0 {
		t.DownlinkSampleRate = DefaultDownlinkSampleRate
	}
	if t.DownlinkChannels == 0 {
		t.DownlinkChannels = 1
	}

	a := &cfg.Audio
	if a.Backend == "" {
		a.Backend = DefaultBackend
	}
	if a.CaptureSampleRate == 0 {
		a.CaptureSampleRate = DefaultCaptureSampleRate
	}
	if a.PlaybackSampleRate == 0 {
		a.PlaybackSampleRate = DefaultPlaybackSampleRate
	}
	if a.TargetSampleRate == 0 {
		a.TargetSampleRate = DefaultTargetSampleRate
	}
	if a.FrameMs == 0 {
		a.FrameMs = DefaultFrameMs
	}
	if a.CapturePeriodMs == 0 {
		a.CapturePeriodMs = DefaultCapturePeriodMs
	}

	d := vad.DefaultConfig()
	v := &cfg.VAD
	if v.Engine == "" {
		v.Engine = DefaultVADEngine
	}
	if v.Decay == 0 {
		v.Decay = d.Decay
	}
	if v.Rise == 0 {
		v.Rise = d.Rise
	}
	if v.SpeechFactor == 0 {
		v.SpeechFactor = d.SpeechFactor
	}
	if v.Epsilon == 0 {
		v.Epsilon = d.Epsilon
	}
	if v.InitialFloor == 0 {
		v.InitialFloor = d.InitialFloor
	}
	if v.HoldMs == 0 {
		v.HoldMs = d.HoldMs
	}
	if v.LevelCurve == "" {
		v.LevelCurve = string(d.LevelCurve)
	}
	if v.LevelGain == 0 {
		v.LevelGain = d.LevelGain
	}

	p := playback.DefaultConfig()
	if cfg.Playback.Lookahead == 0 {
		cfg.Playback.Lookahead = p.Lookahead
	}
	if cfg.Playback.CatchupMargin == 0 {
		cfg.Playback.CatchupMargin = p.CatchupMargin
	}
}
