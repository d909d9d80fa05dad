// Command echolex is the main entry point for the echolex transcription daemon.
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

	"github.com/MrWong99/echolex/internal/app"
	"github.com/MrWong99/echolex/internal/config"
	"github.com/MrWong99/echolex/internal/observe"
	"github.com/MrWong99/echolex/internal/transcript"
	"github.com/MrWong99/echolex/pkg/audio"
	audiomock "github.com/MrWong99/echolex/pkg/audio/mock"
	"github.com/MrWong99/echolex/pkg/audio/pulse"
	"github.com/MrWong99/echolex/pkg/audio/wavfile"
	"github.com/MrWong99/echolex/pkg/provider/stt"
	"github.com/MrWong99/echolex/pkg/provider/stt/deepgram"
	sttmock "github.com/MrWong99/echolex/pkg/provider/stt/mock"
	"github.com/MrWong99/echolex/pkg/provider/stt/whisper"
	"github.com/MrWong99/echolex/pkg/types"
)

// version is stamped at release time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("echolex", version)
		return 0
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "echolex: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "echolex: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	// The level lives in a LevelVar so the config watcher can adjust verbosity
	// without a restart.
	logLevel := new(slog.LevelVar)
	logLevel.Set(cfg.Server.LogLevel.Level())
	slog.SetDefault(newLogger(cfg.Server.LogFormat, logLevel))

	slog.Info("echolex starting",
		"version", version,
		"config", *configPath,
		"source", cfg.Audio.Source,
		"backend", cfg.STT.Provider,
		"listen_addr", cfg.Server.ListenAddr,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "echolex",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	// ── Application ───────────────────────────────────────────────────────────
	application, err := app.New(ctx, cfg, reg)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// Stream recognised text to stdout for the lifetime of the process.
	sub := application.Subscribe()
	defer sub.Cancel()
	go printTranscripts(sub)

	// ── Config hot-reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		d := config.Diff(old, new)
		if d.Empty() {
			return
		}
		if d.LogLevelChanged {
			logLevel.Set(d.NewLogLevel.Level())
			slog.Info("log level changed", "level", d.NewLogLevel)
		}
		if err := application.Apply(ctx, d); err != nil {
			slog.Warn("config reload partially applied", "err", err)
		}
	}, config.WithInterval(cfg.Watcher.PollInterval()))
	if err != nil {
		slog.Warn("config watcher unavailable — hot reload disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)
	slog.Info("ready — press Ctrl+C to stop")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		shutdownQuietly(application)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// shutdownQuietly tears the application down after a run failure, logging
// rather than propagating any secondary error.
func shutdownQuietly(application *app.App) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Warn("shutdown after run failure", "err", err)
	}
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// builtinProviders maps registry kinds to the implementations that ship with
// echolex. Used for startup logging.
var builtinProviders = map[string][]string{
	"source": {"pulse", "wavfile", "mock"},
	"stt":    {"deepgram", "whisper", "whisper-native", "mock"},
}

// registerBuiltinProviders wires all built-in capture and recognition
// factories into reg. Each factory reads its settings from the loaded
// [config.Config]; the "mock" entries exist so a config can be smoke-tested
// without audio hardware or a backend credential.
func registerBuiltinProviders(reg *config.Registry) {
	// ── Capture sources ───────────────────────────────────────────────────────

	reg.RegisterSource("pulse", func(cfg *config.Config, pool *audio.Pool) (audio.Source, error) {
		var opts []pulse.Option
		if cfg.Audio.Device != "" {
			opts = append(opts, pulse.WithDevice(cfg.Audio.Device))
		}
		return pulse.New(pool, opts...)
	})

	reg.RegisterSource("wavfile", func(cfg *config.Config, pool *audio.Pool) (audio.Source, error) {
		opts := []wavfile.Option{wavfile.WithLoop(cfg.Audio.Loop)}
		if cfg.Audio.Backpressure == config.BackpressureBlock {
			opts = append(opts, wavfile.WithAcquireWait(cfg.Audio.BlockTimeout()))
		} else {
			opts = append(opts, wavfile.WithAcquireWait(0))
		}
		return wavfile.New(pool, cfg.Audio.Path, opts...)
	})

	reg.RegisterSource("mock", func(cfg *config.Config, pool *audio.Pool) (audio.Source, error) {
		return audiomock.NewSource(), nil
	})

	// ── Recognition backends ──────────────────────────────────────────────────

	reg.RegisterSTT("deepgram", func(cfg *config.Config) (stt.Provider, error) {
		opts := []deepgram.Option{
			deepgram.WithSampleRate(cfg.Audio.SampleRate),
			deepgram.WithEncoding(deepgram.Encoding(cfg.STT.Encoding)),
		}
		if cfg.STT.Model != "" {
			opts = append(opts, deepgram.WithModel(cfg.STT.Model))
		}
		if cfg.STT.Language != "" {
			opts = append(opts, deepgram.WithLanguage(cfg.STT.Language))
		}
		return deepgram.New(cfg.STT.ResolveAPIKey(), opts...)
	})

	reg.RegisterSTT("whisper", func(cfg *config.Config) (stt.Provider, error) {
		opts := []whisper.Option{whisper.WithSampleRate(cfg.Audio.SampleRate)}
		if cfg.STT.Model != "" {
			opts = append(opts, whisper.WithModel(cfg.STT.Model))
		}
		if cfg.STT.Language != "" {
			opts = append(opts, whisper.WithLanguage(cfg.STT.Language))
		}
		return whisper.New(cfg.STT.ServerURL, opts...)
	})

	reg.RegisterSTT("whisper-native", func(cfg *config.Config) (stt.Provider, error) {
		opts := []whisper.NativeOption{whisper.WithNativeSampleRate(cfg.Audio.SampleRate)}
		if cfg.STT.Language != "" {
			opts = append(opts, whisper.WithNativeLanguage(cfg.STT.Language))
		}
		return whisper.NewNative(cfg.STT.ModelPath, opts...)
	})

	reg.RegisterSTT("mock", func(cfg *config.Config) (stt.Provider, error) {
		return &sttmock.Provider{Offline: true}, nil
	})

	// Debug log of all registered providers.
	for kind, names := range builtinProviders {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// ── Transcript output ─────────────────────────────────────────────────────────

// printTranscripts writes recognition updates to stdout until the
// subscription is cancelled. Finals print as plain lines, corrections reprint
// the amended text prefixed with "*", and partials stay at debug level so the
// terminal remains readable.
func printTranscripts(sub *transcript.Subscription) {
	for u := range sub.Updates() {
		switch u.Type {
		case types.UpdateFinal:
			fmt.Println(u.Text)
		case types.UpdateCorrection:
			fmt.Printf("* %s\n", u.Text)
		default:
			slog.Debug("partial", "text", u.Text, "confidence", u.Confidence)
		}
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         EchoLex — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printEntry("Source", sourceSummary(cfg))
	printEntry("Backend", backendSummary(cfg))
	if cfg.STT.Offline != "" {
		printEntry("Offline", cfg.STT.Offline)
	} else {
		printEntry("Offline", "(disabled)")
	}
	if cfg.STT.Language != "" {
		printEntry("Language", cfg.STT.Language)
	} else {
		printEntry("Language", "(auto-detect)")
	}
	printEntry("Context", string(cfg.Context.AppContext().Kind))
	printEntry("Vocabulary", fmt.Sprintf("%d terms", len(cfg.Context.Vocabulary)))
	if cfg.Server.ListenAddr != "" {
		printEntry("Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func sourceSummary(cfg *config.Config) string {
	switch cfg.Audio.Source {
	case "pulse":
		if cfg.Audio.Device != "" {
			return "pulse / " + cfg.Audio.Device
		}
	case "wavfile":
		return "wavfile / " + cfg.Audio.Path
	}
	return cfg.Audio.Source
}

func backendSummary(cfg *config.Config) string {
	if cfg.STT.Model != "" {
		return cfg.STT.Provider + " / " + cfg.STT.Model
	}
	return cfg.STT.Provider
}

func printEntry(label, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-16s: %-19s ║\n", label, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(format config.LogFormat, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == config.LogJSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
