package config

import (
	"maps"
	"slices"
)

// ConfigDiff describes what changed between two configs.
//
// LogLevel applies immediately; VAD and Playback apply at the next session
// start. Anything listed in RestartRequired needs a process restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	VADChanged      bool
	PlaybackChanged bool

	// RestartRequired names the changed keys that are not hot-reloadable,
	// e.g. "transport.url" or "audio.backend".
	RestartRequired []string
}

// Empty reports whether d carries no changes at all.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.VADChanged && !d.PlaybackChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	d.VADChanged = old.VAD != new.VAD
	d.PlaybackChanged = old.Playback != new.Playback

	restart := func(key string, changed bool) {
		if changed {
			d.RestartRequired = append(d.RestartRequired, key)
		}
	}

	restart("server.listen_addr", old.Server.ListenAddr != new.Server.ListenAddr)
	restart("server.log_format", old.Server.LogFormat != new.Server.LogFormat)
	restart("server.trace_sample_ratio", old.Server.TraceSampleRatio != new.Server.TraceSampleRatio)

	ot, nt := old.Transport, new.Transport
	restart("transport.url", ot.URL != nt.URL)
	restart("transport.fallback_urls", !slices.Equal(ot.FallbackURLs, nt.FallbackURLs))
	restart("transport.breaker_failures", ot.BreakerFailures != nt.BreakerFailures)
	restart("transport.breaker_cooldown", ot.BreakerCooldown != nt.BreakerCooldown)
	restart("transport.api_key", ot.APIKey != nt.APIKey)
	restart("transport.headers", !maps.Equal(ot.Headers, nt.Headers))
	restart("transport.dial_timeout", ot.DialTimeout != nt.DialTimeout)
	restart("transport.write_timeout", ot.WriteTimeout != nt.WriteTimeout)
	restart("transport.ping_interval", ot.PingInterval != nt.PingInterval)
	restart("transport.send_buffer_ceiling", ot.SendBufferCeiling != nt.SendBufferCeiling)
	restart("transport.downlink_encoding", ot.DownlinkEncoding != nt.DownlinkEncoding)
	restart("transport.downlink_sample_rate", ot.DownlinkSampleRate != nt.DownlinkSampleRate)
	restart("transport.downlink_channels", ot.DownlinkChannels != nt.DownlinkChannels)

	if old.Audio != new.Audio {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	return d
}
