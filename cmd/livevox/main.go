// Command livevox runs a live voice session server: it captures the
// microphone, streams it to a live conversational model and plays the
// model's speech back, with an HTTP control plane for starting and stopping
// sessions.
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

	"go.opentelemetry.io/otel"

	"github.com/MrWong99/livevox/internal/app"
	"github.com/MrWong99/livevox/internal/config"
	"github.com/MrWong99/livevox/internal/history"
	"github.com/MrWong99/livevox/internal/history/postgres"
	"github.com/MrWong99/livevox/internal/history/sqlite"
	"github.com/MrWong99/livevox/internal/observe"
	"github.com/MrWong99/livevox/pkg/audio/capture"
	"github.com/MrWong99/livevox/pkg/audio/playback"
	"github.com/MrWong99/livevox/pkg/provider/live"
	"github.com/MrWong99/livevox/pkg/provider/live/gemini"
	"github.com/MrWong99/livevox/pkg/provider/live/genailive"
	"github.com/MrWong99/livevox/pkg/provider/live/openairealtime"
)

// Environment variables read when a transport entry carries no api_key.
const (
	apiKeyEnv       = "GEMINI_API_KEY"
	openAIAPIKeyEnv = "OPENAI_API_KEY"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	// ── Load configuration ────────────────────────────────────────────────────
	// The watcher's callback needs the app, which needs the config the
	// watcher loads; application is assigned before the watcher runs.
	var application *app.App
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		application.ApplyConfig(old, new)
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "livevox: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "livevox: %v\n", err)
		}
		return 1
	}
	cfg := watcher.Current()
	level.Set(cfg.Server.LogLevel.Slog())

	slog.Info("livevox starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "livevox"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Backend registry ──────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltins(reg)

	printStartupSummary(cfg)

	application, err = app.New(ctx, cfg, reg,
		app.WithMetrics(metrics),
		app.WithLevelVar(&level),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	runErr := application.Run(ctx, watcher.Run)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	slog.Info("stopping")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	watcher.Stop()
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

// ── Builtins ──────────────────────────────────────────────────────────────────

// registerBuiltins registers every transport, audio and history backend this
// binary ships with.
func registerBuiltins(reg *config.Registry) {
	reg.RegisterLive("gemini-live", func(entry config.ProviderEntry) (live.Provider, error) {
		opts := []gemini.Option{gemini.WithLogger(slog.Default())}
		if entry.Model != "" {
			opts = append(opts, gemini.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(entry.BaseURL))
		}
		if n := optInt(entry.Options, "outbox_size"); n > 0 {
			opts = append(opts, gemini.WithOutboxSize(n))
		}
		return gemini.New(apiKey(entry), opts...), nil
	})

	reg.RegisterLive("gemini-genai", func(entry config.ProviderEntry) (live.Provider, error) {
		opts := []genailive.Option{genailive.WithLogger(slog.Default())}
		if entry.Model != "" {
			opts = append(opts, genailive.WithModel(entry.Model))
		}
		if n := optInt(entry.Options, "outbox_size"); n > 0 {
			opts = append(opts, genailive.WithOutboxSize(n))
		}
		return genailive.New(apiKey(entry), opts...), nil
	})

	reg.RegisterLive("openai-realtime", func(entry config.ProviderEntry) (live.Provider, error) {
		opts := []openairealtime.Option{openairealtime.WithLogger(slog.Default())}
		if entry.Model != "" {
			opts = append(opts, openairealtime.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, openairealtime.WithBaseURL(entry.BaseURL))
		}
		if v, ok := entry.Options["voice"].(string); ok && v != "" {
			opts = append(opts, openairealtime.WithVoice(v))
		}
		if n := optInt(entry.Options, "outbox_size"); n > 0 {
			opts = append(opts, openairealtime.WithOutboxSize(n))
		}
		key := entry.APIKey
		if key == "" {
			key = os.Getenv(openAIAPIKeyEnv)
		}
		return openairealtime.New(key, opts...), nil
	})

	reg.RegisterCapture("malgo", func(ac config.AudioConfig) (capture.Opener, error) {
		return capture.MalgoOpener(capture.MalgoConfig{DeviceName: ac.CaptureDevice}), nil
	})

	reg.RegisterOutput("oto", func(ac config.AudioConfig) (playback.Opener, error) {
		return playback.OtoOpener(playback.OtoConfig{
			BufferSize: time.Duration(ac.OutputBufferMs) * time.Millisecond,
		}), nil
	})

	reg.RegisterHistory(config.HistoryMemory, func(context.Context, config.HistoryConfig) (history.Store, error) {
		return history.NewMemStore(), nil
	})
	reg.RegisterHistory(config.HistorySQLite, func(ctx context.Context, hc config.HistoryConfig) (history.Store, error) {
		return sqlite.Open(ctx, hc.SQLitePath)
	})
	reg.RegisterHistory(config.HistoryPostgres, func(ctx context.Context, hc config.HistoryConfig) (history.Store, error) {
		return postgres.NewStore(ctx, hc.PostgresDSN)
	})
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         livevox · startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Transport", cfg.Live.Primary.Name, cfg.Live.Primary.Model)
	for _, fb := range cfg.Live.Fallbacks {
		printRow("  fallback", fb.Name, fb.Model)
	}
	printRow("Capture", cfg.Audio.Capture, cfg.Audio.CaptureDevice)
	printRow("Output", cfg.Audio.Output, "")
	printRow("History", string(cfg.History.Backend), "")
	switch {
	case cfg.Bus.Embedded:
		printRow("Bus", "embedded", "")
	case len(cfg.Bus.Servers) > 0:
		printRow("Bus", cfg.Bus.Servers[0], "")
	default:
		printRow("Bus", "", "")
	}
	printRow("Voice", cfg.Session.Voice, "")
	printRow("Listen addr", cfg.Server.ListenAddr, "")
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(kind, name, detail string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if detail != "" {
		value = name + " / " + detail
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// apiKey returns the entry's key or, when empty, the environment fallback.
func apiKey(entry config.ProviderEntry) string {
	if entry.APIKey != "" {
		return entry.APIKey
	}
	return os.Getenv(apiKeyEnv)
}

// optInt extracts an integer from a provider Options map. YAML numbers
// decode as int; JSON-style float64 values are truncated. Returns 0 when the
// key is absent or not numeric.
func optInt(opts map[string]any, key string) int {
	switch v := opts[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return 0
	}
}
