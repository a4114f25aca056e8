// Command voxlink streams the microphone to a remote speech service and plays
// the synthesized replies, with barge-in.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/MrWong99/voxlink/internal/app"
	"github.com/MrWong99/voxlink/internal/config"
	"github.com/MrWong99/voxlink/internal/observe"
	"github.com/MrWong99/voxlink/pkg/audio/malgo"
	"github.com/MrWong99/voxlink/pkg/provider/vad"
	"github.com/MrWong99/voxlink/pkg/provider/vad/energy"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	listDevices := flag.Bool("list-devices", false, "print the audio devices and exit")
	flag.Parse()

	if *listDevices {
		return printDevices(os.Stdout)
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxlink: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxlink: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.Level())
	logger := newLogger(os.Stderr, cfg.Server.LogFormat, level)
	slog.SetDefault(logger)

	slog.Info("voxlink starting",
		"version", version,
		"config", *configPath,
		"transport", cfg.Transport.URL,
		"audio_backend", cfg.Audio.Backend,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	promReg := prometheus.NewRegistry()
	tel, err := observe.InitProvider(context.Background(), observe.ProviderConfig{
		ServiceVersion: version,
		SampleRatio:    cfg.Server.TraceSampleRatio,
		Registerer:     promReg,
		Attributes: []attribute.KeyValue{
			observe.AttrAudioBackend.String(cfg.Audio.Backend),
			observe.AttrVADEngine.String(cfg.VAD.Engine),
			observe.AttrEndpoints.StringSlice(append([]string{cfg.Transport.URL}, cfg.Transport.FallbackURLs...)),
		},
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(ctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Backend registry ──────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinBackends(reg, logger)

	application, err := app.New(cfg, reg,
		app.WithLogger(logger),
		app.WithLevelVar(level),
		app.WithGatherer(promReg),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Hot reload ────────────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, application.ApplyConfig, config.WithLogger(logger))
	if err != nil {
		slog.Error("failed to start config watcher", "err", err)
		return 1
	}
	defer watcher.Stop()

	printStartupSummary(os.Stdout, cfg)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("streaming; press Ctrl+C to stop")

	code := 0
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		code = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		code = 1
	}
	slog.Info("goodbye")
	return code
}

// registerBuiltinBackends wires the audio backends and VAD engines that ship
// with voxlink into reg.
func registerBuiltinBackends(reg *config.Registry, log *slog.Logger) {
	reg.RegisterAudio("malgo", func(c config.AudioConfig) (config.Devices, error) {
		src, sink := malgo.New(malgo.Options{
			CaptureDevice:      c.CaptureDevice,
			PlaybackDevice:     c.PlaybackDevice,
			CaptureSampleRate:  c.CaptureSampleRate,
			PlaybackSampleRate: c.PlaybackSampleRate,
			PeriodMs:           c.CapturePeriodMs,
			Logger:             log,
		})
		return config.Devices{Source: src, Sink: sink}, nil
	})

	reg.RegisterVAD("energy", func(config.VADConfig) (vad.Engine, error) {
		return energy.New(), nil
	})

	audioNames, vadNames := reg.Backends()
	slog.Debug("registered backends", "audio", audioNames, "vad", vadNames)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(w io.Writer, format config.LogFormat, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == config.LogFormatJSON {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(w io.Writer, cfg *config.Config) {
	fmt.Fprintln(w, "╔═══════════════════════════════════════╗")
	fmt.Fprintln(w, "║         voxlink: startup summary      ║")
	fmt.Fprintln(w, "╠═══════════════════════════════════════╣")
	printRow(w, "Transport", cfg.Transport.URL)
	printRow(w, "Audio", cfg.Audio.Backend)
	printRow(w, "Capture", orDefault(cfg.Audio.CaptureDevice))
	printRow(w, "Playback", orDefault(cfg.Audio.PlaybackDevice))
	printRow(w, "Uplink", fmt.Sprintf("%dHz / %dms", cfg.Audio.TargetSampleRate, cfg.Audio.FrameMs))
	printRow(w, "VAD", cfg.VAD.Engine)
	if cfg.Server.ListenAddr != "" {
		printRow(w, "Admin addr", cfg.Server.ListenAddr)
	} else {
		printRow(w, "Admin addr", "(disabled)")
	}
	fmt.Fprintln(w, "╚═══════════════════════════════════════╝")
}

func printRow(w io.Writer, label, value string) {
	if r := []rune(value); len(r) > 19 {
		value = string(r[:18]) + "…"
	}
	fmt.Fprintf(w, "║  %-12s    : %-19s ║\n", label, value)
}

func orDefault(name string) string {
	if name == "" {
		return "(system default)"
	}
	return name
}

func printDevices(w io.Writer) int {
	capture, playback, err := malgo.DeviceNames(nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "voxlink: %v\n", err)
		return 1
	}
	fmt.Fprintln(w, "Capture devices:")
	for _, n := range capture {
		fmt.Fprintf(w, "  %s\n", n)
	}
	fmt.Fprintln(w, "Playback devices:")
	for _, n := range playback {
		fmt.Fprintf(w, "  %s\n", n)
	}
	if len(capture)+len(playback) == 0 {
		fmt.Fprintln(w, "  (none)")
	}
	return 0
}
