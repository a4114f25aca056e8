package config_test

import (
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/voxlink/internal/config"
)

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	old := validConfig(t)
	new := validConfig(t)

	d := config.Diff(old, new)
	if !d.Empty() {
		t.Errorf("expected empty diff, got %+v", d)
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old := validConfig(t)
	new := validConfig(t)
	new.Server.LogLevel = config.LogDebug

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("NewLogLevel: got %q", d.NewLogLevel)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("log level is hot-reloadable, got restart keys %v", d.RestartRequired)
	}
}

func TestDiff_VADAndPlayback(t *testing.T) {
	t.Parallel()
	old := validConfig(t)
	new := validConfig(t)
	new.VAD.HoldMs = 400
	new.Playback.Lookahead = 100 * time.Millisecond

	d := config.Diff(old, new)
	if !d.VADChanged {
		t.Error("expected VADChanged=true")
	}
	if !d.PlaybackChanged {
		t.Error("expected PlaybackChanged=true")
	}
	if d.LogLevelChanged || len(d.RestartRequired) != 0 {
		t.Errorf("unexpected extra changes: %+v", d)
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()
	old := validConfig(t)
	new := validConfig(t)
	new.Transport.URL = "wss://other.example.com/stream"
	new.Transport.Headers = map[string]string{"X-Tenant": "b"}
	new.Transport.FallbackURLs = []string{"wss://backup.example.com/stream"}
	new.Audio.CaptureDevice = "Headset"
	new.Server.TraceSampleRatio = 0.5

	d := config.Diff(old, new)
	for _, key := range []string{"transport.url", "transport.fallback_urls", "transport.headers", "audio", "server.trace_sample_ratio"} {
		if !slices.Contains(d.RestartRequired, key) {
			t.Errorf("RestartRequired %v missing %q", d.RestartRequired, key)
		}
	}
	if d.VADChanged || d.PlaybackChanged {
		t.Errorf("unexpected hot-reload changes: %+v", d)
	}
}
