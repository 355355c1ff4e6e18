// Command aura is the entry point for the Aura live voice service.
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

	"github.com/hawkfranklin/aura/internal/app"
	"github.com/hawkfranklin/aura/internal/config"
	"github.com/hawkfranklin/aura/internal/observe"
	"github.com/hawkfranklin/aura/pkg/audio"
	"github.com/hawkfranklin/aura/pkg/audio/portaudio"
	"github.com/hawkfranklin/aura/pkg/provider/live"
	"github.com/hawkfranklin/aura/pkg/provider/live/gemini"
	"github.com/hawkfranklin/aura/pkg/provider/live/genai"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "aura.yaml", "path to the YAML configuration file")
	watch := flag.Bool("watch", true, "reload the configuration file when it changes")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "aura: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "aura: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.Level())
	slog.SetDefault(newLogger(os.Stderr, cfg.Server.LogFormat, level))

	slog.Info("aura starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"transport", cfg.Live.Name,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	telemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	application, err := app.New(ctx, cfg, reg,
		app.WithMetrics(telemetry.Metrics),
		app.WithMetricsHandler(telemetry.Handler),
		app.WithLevelVar(level),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	if *watch {
		watcher, err := config.NewWatcher(*configPath, application.ApplyConfig,
			config.WithRejectHandler(application.RejectConfig),
		)
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			defer watcher.Stop()
		}
	}

	slog.Info("server ready; press Ctrl+C to shut down")

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires the transports and audio devices that ship
// with Aura into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── Live transports ───────────────────────────────────────────────────────

	reg.RegisterTransport("gemini-live", func(entry config.LiveConfig) (live.Transport, error) {
		var opts []gemini.Option
		if entry.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(entry.BaseURL))
		}
		switch {
		case entry.Keepalive > 0:
			opts = append(opts, gemini.WithKeepalive(entry.Keepalive))
		case entry.Keepalive < 0:
			opts = append(opts, gemini.WithKeepalive(0))
		}
		if entry.SendQueue > 0 {
			opts = append(opts, gemini.WithSendQueue(entry.SendQueue))
		}
		return gemini.New(entry.APIKey, opts...), nil
	})

	reg.RegisterTransport("genai", func(entry config.LiveConfig) (live.Transport, error) {
		var opts []genai.Option
		if entry.BaseURL != "" {
			opts = append(opts, genai.WithBaseURL(entry.BaseURL))
		}
		if entry.SendQueue > 0 {
			opts = append(opts, genai.WithSendQueue(entry.SendQueue))
		}
		return genai.New(entry.APIKey, opts...), nil
	})

	// ── Audio ─────────────────────────────────────────────────────────────────

	reg.RegisterAudio("portaudio", func(entry config.AudioConfig) (audio.Device, error) {
		var opts []portaudio.Option
		if entry.StallTimeout > 0 {
			opts = append(opts, portaudio.WithStallTimeout(entry.StallTimeout))
		}
		return portaudio.New(opts...), nil
	})

	slog.Debug("registered transports", "names", reg.TransportNames())
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(w io.Writer, format config.LogFormat, level slog.Leveler) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == config.LogFormatJSON {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
