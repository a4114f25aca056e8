// Package app wires the voxlink subsystems into a running application.
//
// The App struct owns the full lifecycle: New builds devices, the VAD engine,
// the transport dialer and the session from the config; Run starts the admin
// server and the session and blocks until either ends; Shutdown tears
// everything down in reverse order.
//
// For testing, inject doubles via functional options (WithDevices, WithDialer,
// etc.). When an option is not provided, New creates real implementations from
// the config and registry.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/voxlink/internal/config"
	"github.com/MrWong99/voxlink/internal/health"
	"github.com/MrWong99/voxlink/internal/observe"
	"github.com/MrWong99/voxlink/internal/resilience"
	"github.com/MrWong99/voxlink/internal/session"
	"github.com/MrWong99/voxlink/pkg/provider/vad"
	"github.com/MrWong99/voxlink/pkg/transport"
	"github.com/MrWong99/voxlink/pkg/transport/ws"
)

// readHeaderTimeout bounds slow admin clients.
const readHeaderTimeout = 5 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	cfg      *config.Config
	log      *slog.Logger
	level    *slog.LevelVar
	metrics  *observe.Metrics
	gatherer prometheus.Gatherer

	devices  config.Devices
	engine   vad.Engine
	dialer   transport.Dialer
	failover *resilience.Failover
	session  *session.Session

	server   *http.Server
	listener net.Listener
	serveErr chan error

	// closers are called in reverse order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithDevices injects the capture/playback pair instead of creating it from
// the audio registry.
func WithDevices(d config.Devices) Option {
	return func(a *App) { a.devices = d }
}

// WithVADEngine injects a VAD engine instead of creating one from the registry.
func WithVADEngine(e vad.Engine) Option {
	return func(a *App) { a.engine = e }
}

// WithDialer injects a transport dialer instead of dialing transport.url.
func WithDialer(d transport.Dialer) Option {
	return func(a *App) { a.dialer = d }
}

// WithMetrics sets the metric instruments. Defaults to observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithGatherer sets what /metrics exposes. Defaults to
// prometheus.DefaultGatherer.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(a *App) { a.gatherer = g }
}

// WithLogger sets the application logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithLevelVar lets [App.ApplyConfig] change the log level of the handler
// that was built around v.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App. reg may be nil when both devices and the VAD engine are
// injected.
func New(cfg *config.Config, reg *config.Registry, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.gatherer == nil {
		a.gatherer = prometheus.DefaultGatherer
	}

	// ── 1. Devices ───────────────────────────────────────────────────────
	if a.devices.Source == nil || a.devices.Sink == nil {
		if reg == nil {
			return nil, errors.New("app: no audio devices and no registry")
		}
		d, err := reg.CreateAudio(cfg.Audio)
		if err != nil {
			return nil, fmt.Errorf("app: create audio backend: %w", err)
		}
		a.devices = d
		a.log.Info("audio backend created", "backend", cfg.Audio.Backend)
	}

	// ── 2. VAD engine ────────────────────────────────────────────────────
	if a.engine == nil {
		if reg == nil {
			return nil, errors.New("app: no vad engine and no registry")
		}
		e, err := reg.CreateVAD(cfg.VAD)
		if err != nil {
			return nil, fmt.Errorf("app: create vad engine: %w", err)
		}
		a.engine = e
	}

	// ── 3. Transport ─────────────────────────────────────────────────────
	if a.dialer == nil {
		f, err := newFailover(cfg.Transport, a.log)
		if err != nil {
			return nil, fmt.Errorf("app: create transport: %w", err)
		}
		a.failover = f
		a.dialer = f.Dial
	}

	// ── 4. Session ───────────────────────────────────────────────────────
	sess, err := session.New(SessionConfig(cfg), session.Deps{
		Source:  a.devices.Source,
		Sink:    a.devices.Sink,
		Dialer:  a.dialer,
		VAD:     a.engine,
		Metrics: a.metrics,
		Logger:  a.log,
	})
	if err != nil {
		return nil, fmt.Errorf("app: create session: %w", err)
	}
	a.session = sess
	a.session.OnStateChange(func(from, to session.State) {
		a.log.Debug("session state", "from", from.String(), "to", to.String())
	})
	a.session.OnTranscript(func(text string, final bool) {
		if final {
			a.log.Info("transcript", "text", text)
		}
	})

	return a, nil
}

// SessionConfig derives the per-session parameters from cfg.
func SessionConfig(cfg *config.Config) session.Config {
	a, t := cfg.Audio, cfg.Transport
	return session.Config{
		TargetSampleRate:   a.TargetSampleRate,
		FrameMs:            a.FrameMs,
		DownlinkEncoding:   t.DownlinkEncoding,
		DownlinkSampleRate: t.DownlinkSampleRate,
		DownlinkChannels:   t.DownlinkChannels,
		DialTimeout:        t.DialTimeout,
		VAD:                cfg.VAD.Tuning(a.TargetSampleRate, a.FrameMs),
		Playback:           cfg.Playback.Timing(),
	}
}

// newFailover dials t.URL first and then each of t.FallbackURLs. The dial
// timeout covers the whole sequence, so each endpoint gets an equal share.
func newFailover(t config.TransportConfig, log *slog.Logger) (*resilience.Failover, error) {
	urls := append([]string{t.URL}, t.FallbackURLs...)
	eps := make([]resilience.Endpoint, len(urls))
	for i, u := range urls {
		eps[i] = resilience.Endpoint{Name: u, Dial: wsDialer(u, t, log)}
	}
	attempt := t.DialTimeout / time.Duration(len(urls))
	return resilience.NewFailover(resilience.FailoverConfig{
		Breaker: resilience.BreakerConfig{
			MaxFailures: t.BreakerFailures,
			Cooldown:    t.BreakerCooldown,
		},
		AttemptTimeout: attempt,
		Logger:         log,
	}, eps...)
}

// wsDialer returns a dialer opening a WebSocket to url.
func wsDialer(url string, t config.TransportConfig, log *slog.Logger) transport.Dialer {
	header := make(http.Header, len(t.Headers))
	for k, v := range t.Headers {
		header.Set(k, v)
	}
	opts := ws.Options{
		Header:            header,
		APIKey:            t.APIKey,
		SendBufferCeiling: t.SendBufferCeiling,
		WriteTimeout:      t.WriteTimeout,
		PingInterval:      t.PingInterval,
		Logger:            log,
	}
	return func(ctx context.Context) (transport.Channel, error) {
		return ws.Dial(ctx, url, opts)
	}
}

// Session returns the managed session.
func (a *App) Session() *session.Session { return a.session }

// ─── Admin HTTP ──────────────────────────────────────────────────────────────

// Handler returns the admin mux: /metrics, /healthz, /readyz, /status and the
// input buffer controls, wrapped in the observe middleware.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{}))
	checks := []health.Checker{health.SessionChecker(a.session)}
	if a.failover != nil {
		checks = append(checks, health.Checker{Name: "transport", Check: a.failover.Check})
	}
	health.New(checks...).Register(mux)
	mux.HandleFunc("GET /status", a.handleStatus)
	mux.HandleFunc("POST /input/commit", a.handleInput(a.session.Commit))
	mux.HandleFunc("POST /input/clear", a.handleInput(a.session.ClearInput))
	return observe.Middleware(a.metrics, a.log)(mux)
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the admin server (when server.listen_addr is set) and the
// session, then blocks until ctx is cancelled or the session ends on its own.
// A session ending with an error is returned; there is no reconnection.
func (a *App) Run(ctx context.Context) error {
	if addr := a.cfg.Server.ListenAddr; addr != "" {
		if err := a.serve(addr); err != nil {
			return err
		}
	}

	if err := a.session.Start(ctx); err != nil {
		return fmt.Errorf("app: start session: %w", err)
	}
	a.closers = append(a.closers, a.session.Stop)
	st := a.session.Status()
	a.log.Info("app running", "session_id", st.SessionID, "url", a.cfg.Transport.URL)

	waitErr := make(chan error, 1)
	go func() { waitErr <- a.session.Wait(ctx) }()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-waitErr:
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil {
			// The session may have ended before Wait was entered.
			err = a.session.Status().LastError
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("app: session ended: %w", err)
		}
		return nil
	case err := <-a.serveErr:
		return fmt.Errorf("app: admin server: %w", err)
	}
}

// serve starts the admin listener. Listen errors are returned directly.
func (a *App) serve(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("app: listen %q: %w", addr, err)
	}
	a.listener = ln
	a.server = &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	a.serveErr = make(chan error, 1)
	go func() {
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.serveErr <- err
		}
	}()
	a.log.Info("admin server listening", "addr", ln.Addr().String())
	return nil
}

// AdminAddr returns the bound admin address, or "" when the server is off.
func (a *App) AdminAddr() string {
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

// ─── Hot reload ──────────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable differences between old and new. It
// has the signature of a [config.Watcher] callback.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.Empty() {
		return
	}

	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.Level())
		a.log.Info("log level changed", "level", d.NewLogLevel)
	}

	au := new.Audio
	if d.VADChanged {
		if err := a.session.SetVADConfig(new.VAD.Tuning(au.TargetSampleRate, au.FrameMs)); err != nil {
			a.log.Warn("rejecting vad config", "err", err)
		} else {
			a.log.Info("vad config updated; applies at next session start")
		}
	}
	if d.PlaybackChanged {
		if err := a.session.SetPlaybackConfig(new.Playback.Timing()); err != nil {
			a.log.Warn("rejecting playback config", "err", err)
		} else {
			a.log.Info("playback config updated; applies at next session start")
		}
	}
	if len(d.RestartRequired) > 0 {
		a.log.Warn("config changes need a restart", "keys", d.RestartRequired)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the session and the admin server. It respects the context
// deadline: if ctx expires before all closers finish, the remaining closers
// are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "closers", len(a.closers))

		for i := len(a.closers) - 1; i >= 0; i-- {
			if err := ctx.Err(); err != nil {
				a.log.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = err
				return
			}
			if err := a.closers[i](); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
			}
		}

		if a.server != nil {
			if err := a.server.Shutdown(ctx); err != nil {
				shutdownErr = fmt.Errorf("app: admin server shutdown: %w", err)
				return
			}
		}
		a.log.Info("shutdown complete")
	})
	return shutdownErr
}
