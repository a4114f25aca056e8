package config

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/voxlink/pkg/audio/framer"
)

// KnownEncodings lists the downlink encodings a session can decode.
var KnownEncodings = []string{"pcm16", "pcm", "s16le", "opus"}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. Unknown keys are rejected. An empty document yields
// the defaults, which still fail validation without transport.url.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.LogFormat != "" && !cfg.Server.LogFormat.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_format %q is invalid; valid values: text, json", cfg.Server.LogFormat))
	}
	if r := cfg.Server.TraceSampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("server.trace_sample_ratio must be in [0, 1], got %v", r))
	}

	// Transport
	t := cfg.Transport
	if t.URL == "" {
		errs = append(errs, errors.New("transport.url is required"))
	} else if err := validateWSURL("transport.url", t.URL); err != nil {
		errs = append(errs, err)
	}
	for i, raw := range t.FallbackURLs {
		if err := validateWSURL(fmt.Sprintf("transport.fallback_urls[%d]", i), raw); err != nil {
			errs = append(errs, err)
		}
	}
	if t.BreakerFailures < 0 || t.BreakerCooldown < 0 {
		errs = append(errs, errors.New("transport breaker settings must not be negative"))
	}
	if t.SendBufferCeiling < 0 {
		errs = append(errs, fmt.Errorf("transport.send_buffer_ceiling %d must not be negative", t.SendBufferCeiling))
	}
	if t.DialTimeout < 0 || t.WriteTimeout < 0 || t.PingInterval < 0 {
		errs = append(errs, errors.New("transport timeouts must not be negative"))
	}
	if t.DownlinkEncoding != "" && !slices.Contains(KnownEncodings, t.DownlinkEncoding) {
		errs = append(errs, fmt.Errorf("transport.downlink_encoding %q is invalid; valid values: %v", t.DownlinkEncoding, KnownEncodings))
	}
	if t.DownlinkSampleRate < 0 {
		errs = append(errs, fmt.Errorf("transport.downlink_sample_rate %d must not be negative", t.DownlinkSampleRate))
	}
	if t.DownlinkChannels < 0 || t.DownlinkChannels > 2 {
		errs = append(errs, fmt.Errorf("transport.downlink_channels %d is out of range [1, 2]", t.DownlinkChannels))
	}

	// Audio
	a := cfg.Audio
	if a.CaptureSampleRate < 0 || a.PlaybackSampleRate < 0 {
		errs = append(errs, errors.New("audio sample rates must not be negative"))
	}
	if a.TargetSampleRate > 0 && a.FrameMs > 0 {
		if _, err := framer.New(a.TargetSampleRate, a.FrameMs); err != nil {
			errs = append(errs, fmt.Errorf("audio.frame_ms: %w", err))
		}
	}
	if a.CapturePeriodMs < 0 {
		errs = append(errs, fmt.Errorf("audio.capture_period_ms %d must not be negative", a.CapturePeriodMs))
	}

	// VAD
	if a.TargetSampleRate > 0 && a.FrameMs > 0 {
		if err := cfg.VAD.Tuning(a.TargetSampleRate, a.FrameMs).Validate(); err != nil {
			errs = append(errs, fmt.Errorf("vad: %w", err))
		}
	}

	// Playback
	if err := cfg.Playback.Timing().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("playback: %w", err))
	}

	return errors.Join(errs...)
}

func validateWSURL(field, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("%s scheme %q is invalid; valid values: ws, wss", field, u.Scheme)
	}
	return nil
}
