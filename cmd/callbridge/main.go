// Command callbridge is the main entry point for the call bridge server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/callbridge/internal/app"
	"github.com/MrWong99/callbridge/internal/config"
	"github.com/MrWong99/callbridge/internal/observe"
	"github.com/MrWong99/callbridge/pkg/processor"
	"github.com/MrWong99/callbridge/pkg/processor/echo"
	"github.com/MrWong99/callbridge/pkg/processor/httpapi"
	"github.com/MrWong99/callbridge/pkg/processor/realtime"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	envPath := flag.String("env", ".env", "optional .env file loaded before the config")
	watch := flag.Duration("watch", 5*time.Second, "config reload poll interval (0 disables reloading)")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	if err := config.LoadEnv(*envPath); err != nil {
		fmt.Fprintf(os.Stderr, "callbridge: %v\n", err)
		return 1
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "callbridge: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "callbridge: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	logger := newLogger(cfg.Server.LogLevel, level)
	slog.SetDefault(logger)

	slog.Info("callbridge starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	telemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetry.Shutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Processors ────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProcessors(reg)

	processors, err := buildProcessors(cfg, reg)
	if err != nil {
		slog.Error("failed to build processors", "err", err)
		return 1
	}

	application, err := app.New(cfg, processors, app.WithMetrics(telemetry.Metrics), app.WithLevelVar(level))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	if *watch > 0 {
		w, err := config.NewWatcher(*configPath, application.Reload, config.WithInterval(*watch))
		if err != nil {
			slog.Warn("config reloading disabled", "err", err)
		} else {
			defer w.Stop()
		}
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil {
		slog.Error("run error", "err", err)
		stop()
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Processor wiring ──────────────────────────────────────────────────────────

// registerBuiltinProcessors wires all built-in processor factories into reg.
func registerBuiltinProcessors(reg *config.Registry) {
	reg.RegisterProcessor("echo", func(entry config.ProviderEntry) (processor.Processor, error) {
		delay, err := entry.OptionDuration("delay", echo.DefaultDelay)
		if err != nil {
			return nil, err
		}
		gain, err := entry.OptionFloat("gain", 1)
		if err != nil {
			return nil, err
		}
		return echo.New(echo.WithDelay(delay), echo.WithGain(gain)), nil
	})

	reg.RegisterProcessor("realtime", func(entry config.ProviderEntry) (processor.Processor, error) {
		var opts []realtime.Option
		if entry.Model != "" {
			opts = append(opts, realtime.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, realtime.WithBaseURL(entry.BaseURL))
		}
		if voice := entry.OptionString("voice", ""); voice != "" {
			opts = append(opts, realtime.WithVoice(voice))
		}
		if instr := entry.OptionString("instructions", ""); instr != "" {
			opts = append(opts, realtime.WithInstructions(instr))
		}
		return realtime.New(entry.APIKey, opts...), nil
	})

	reg.RegisterProcessor("http", func(entry config.ProviderEntry) (processor.Processor, error) {
		var opts []httpapi.Option
		if entry.APIKey != "" {
			opts = append(opts, httpapi.WithAPIKey(entry.APIKey))
		}
		timeout, err := entry.OptionDuration("timeout", 0)
		if err != nil {
			return nil, err
		}
		if timeout > 0 {
			opts = append(opts, httpapi.WithTimeout(timeout))
		}
		return httpapi.New(entry.BaseURL, opts...)
	})

	for _, name := range reg.Processors() {
		slog.Debug("registered processor", "name", name)
	}
}

// buildProcessors instantiates the primary processor and its fallbacks.
func buildProcessors(cfg *config.Config, reg *config.Registry) (*app.Processors, error) {
	primary, err := reg.CreateProcessor(cfg.Processor.ProviderEntry)
	if err != nil {
		return nil, err
	}
	slog.Info("processor created", "name", cfg.Processor.Name, "model", cfg.Processor.Model)

	ps := &app.Processors{Primary: primary}
	for _, entry := range cfg.Processor.Fallbacks {
		p, err := reg.CreateProcessor(entry)
		if err != nil {
			return nil, err
		}
		ps.Fallbacks = append(ps.Fallbacks, p)
		slog.Info("fallback processor created", "name", entry.Name, "model", entry.Model)
	}
	return ps, nil
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel, v *slog.LevelVar) *slog.Logger {
	v.Set(level.Level())
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: v}))
}
