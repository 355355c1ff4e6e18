// Package app wires the Aura subsystems into a running service.
//
// An [App] owns the audio device, a [SessionManager] holding the single live
// session, and an HTTP control surface:
//
//	GET  /healthz              liveness
//	GET  /readyz               ready while the session is open
//	GET  /metrics              Prometheus scrape endpoint
//	GET  /v1/session           current session state as JSON
//	POST /v1/session/start     start a session if none is running
//	POST /v1/session/restart   replace the current session
//	POST /v1/session/stop      close the current session
//	POST /v1/session/mic       {"enabled": bool}
//	GET  /v1/session/events    WebSocket stream of state updates
//
// Shutdown tears everything down in reverse-init order.
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

	"golang.org/x/sync/errgroup"

	"github.com/hawkfranklin/aura/internal/config"
	"github.com/hawkfranklin/aura/internal/health"
	"github.com/hawkfranklin/aura/internal/observe"
	"github.com/hawkfranklin/aura/internal/resilience"
	"github.com/hawkfranklin/aura/pkg/audio"
)

// readHeaderTimeout bounds how long a client may take to send request headers.
const readHeaderTimeout = 10 * time.Second

// App is the top-level application object.
type App struct {
	cfg      *config.Config
	device   audio.Device
	sessions *SessionManager
	metrics  *observe.Metrics

	metricsHandler http.Handler
	levelVar       *slog.LevelVar
	breaker        *resilience.CircuitBreaker
	handler        http.Handler
	server         *http.Server

	// closers are called in reverse order during Shutdown.
	closers  []func() error
	stopOnce sync.Once
}

// Option configures an [App] during construction.
type Option func(*App)

// WithDevice overrides the audio device created from the registry.
func WithDevice(d audio.Device) Option {
	return func(a *App) { a.device = d }
}

// WithMetrics sets the instruments used by sessions and the HTTP middleware.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler mounts h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithLevelVar lets config reloads change the log level of the handler that
// reads lv.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.levelVar = lv }
}

// WithBreaker replaces the default handshake circuit breaker.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(a *App) { a.breaker = cb }
}

// New creates an App from cfg. The audio device is created through reg unless
// [WithDevice] supplies one; transports are created through reg once per
// session. The HTTP server is not started until [App.Run].
func New(ctx context.Context, cfg *config.Config, reg *config.Registry, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.breaker == nil {
		a.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "live-handshake"})
	}
	if a.levelVar == nil {
		a.levelVar = new(slog.LevelVar)
		a.levelVar.Set(cfg.Server.LogLevel.Level())
	}

	// ── 1. Audio device ──────────────────────────────────────────────────────
	if a.device == nil {
		dev, err := reg.CreateAudio(cfg.Audio)
		if err != nil {
			return nil, fmt.Errorf("app: create audio device %q: %w", cfg.Audio.Name, err)
		}
		a.device = dev
	}

	// ── 2. Transport check ───────────────────────────────────────────────────
	// Fail at startup rather than on the first session.
	if _, err := reg.CreateTransport(cfg.Live); err != nil {
		return nil, fmt.Errorf("app: create transport %q: %w", cfg.Live.Name, err)
	}

	// ── 3. Session manager ───────────────────────────────────────────────────
	sm, err := NewSessionManager(SessionManagerConfig{
		Config:     cfg,
		Transports: reg,
		Device:     a.device,
		Metrics:    a.metrics,
		Breaker:    a.breaker,
	})
	if err != nil {
		return nil, err
	}
	a.sessions = sm
	a.closers = append(a.closers, sm.Close)

	// ── 4. HTTP surface ──────────────────────────────────────────────────────
	a.handler = observe.Middleware(a.metrics)(a.routes())

	observe.Logger(ctx).Info("app initialised",
		"transport", cfg.Live.Name,
		"audio", cfg.Audio.Name,
		"model", cfg.Live.Agent().Model,
	)
	return a, nil
}

// Handler returns the instrumented HTTP handler of the control surface.
func (a *App) Handler() http.Handler { return a.handler }

// Sessions returns the session manager.
func (a *App) Sessions() *SessionManager { return a.sessions }

func (a *App) routes() *http.ServeMux {
	mux := http.NewServeMux()
	health.New(
		health.Checker{Name: "session", Check: a.sessions.Ready},
		health.Checker{Name: "live-handshake", Check: a.breakerReady, Advisory: true},
	).Register(mux)
	if a.metricsHandler != nil {
		mux.Handle("GET /metrics", a.metricsHandler)
	}
	mux.HandleFunc("GET /v1/session", a.handleGetSession)
	mux.HandleFunc("POST /v1/session/start", a.handleStart)
	mux.HandleFunc("POST /v1/session/restart", a.handleRestart)
	mux.HandleFunc("POST /v1/session/stop", a.handleStop)
	mux.HandleFunc("POST /v1/session/mic", a.handleMic)
	mux.HandleFunc("GET /v1/session/events", a.handleEvents)
	return mux
}

// breakerReady fails while the handshake breaker rejects new sessions.
func (a *App) breakerReady(context.Context) error {
	if st := a.breaker.State(); st == resilience.StateOpen {
		return fmt.Errorf("%w: %s", resilience.ErrCircuitOpen, st)
	}
	return nil
}

// ── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP on cfg.Server.ListenAddr and, if configured, starts the
// first session. It blocks until ctx is cancelled or the server fails, then
// stops the HTTP server. Call [App.Shutdown] afterwards to release the session.
func (a *App) Run(ctx context.Context) error {
	a.server = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("http server listening", "addr", a.cfg.Server.ListenAddr)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return a.server.Shutdown(shutdownCtx)
	})
	if a.cfg.Session.Autostart {
		g.Go(func() error {
			if _, err := a.sessions.Start(gctx); err != nil {
				// A failed session is visible through /v1/session; the
				// server keeps running so it can be restarted.
				slog.Error("autostart session failed", "err", err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// ── Config reload ───────────────────────────────────────────────────────────

// ApplyConfig reacts to a config file change. It is shaped to be passed to
// [config.NewWatcher]. The log level changes immediately; live and session
// settings apply to the next session; everything else is logged as needing
// a restart.
func (a *App) ApplyConfig(old, new *config.Config) {
	a.metrics.RecordConfigReload(context.Background(), observe.OutcomeApplied)
	d := config.Diff(old, new)
	if d.Empty() {
		return
	}
	if d.LogLevelChanged {
		a.levelVar.Set(d.NewLogLevel.Level())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.LiveChanged || d.SessionChanged {
		// The device was built from the startup audio section.
		next := *new
		next.Audio = a.cfg.Audio
		a.sessions.UpdateConfig(&next)
		slog.Info("config updated; applies to the next session",
			"live_changed", d.LiveChanged,
			"session_changed", d.SessionChanged,
		)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes need a process restart", "keys", d.RestartRequired)
	}
}

// RejectConfig records a config edit that failed to load. It is shaped to be
// passed to [config.WithRejectHandler]; the running config is unaffected.
func (a *App) RejectConfig(err error) {
	a.metrics.RecordConfigReload(context.Background(), observe.OutcomeRejected)
	slog.Error("config edit ignored; fix the file to apply changes", "err", err)
}

// ── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
