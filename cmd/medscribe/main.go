// Command medscribe joins a telehealth conversation as patient or doctor,
// streams microphone audio to the recognition backend and surfaces live
// transcripts, generated questions and chat history.
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

	"github.com/MrWong99/medscribe/internal/app"
	"github.com/MrWong99/medscribe/internal/config"
	"github.com/MrWong99/medscribe/internal/observe"
	"github.com/MrWong99/medscribe/internal/protocol"
)

var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	envPath := flag.String("env", ".env", "path to a dotenv file with backend overrides")
	user := flag.String("user", "", "username to join as (overrides user.name)")
	mode := flag.String("mode", "", "viewing party: patient or doctor (overrides user.mode)")
	record := flag.Bool("record", false, "start recording as soon as the client is up")
	flag.Parse()

	if err := config.LoadEnvFile(*envPath); err != nil {
		fmt.Fprintf(os.Stderr, "medscribe: %v\n", err)
		return 1
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, watch, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "medscribe: %v\n", err)
		return 1
	}
	if *user != "" {
		cfg.User.Name = *user
	}
	if *mode != "" {
		cfg.User.Mode = protocol.Role(*mode)
	}
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "medscribe: invalid configuration:\n%v\n", err)
		return 1
	}
	if cfg.User.Name == "" {
		fmt.Fprintln(os.Stderr, "medscribe: no user configured; set user.name or pass -user")
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(app.SlogLevel(cfg.Server.LogLevel))
	slog.SetDefault(newLogger(level))

	slog.Info("medscribe starting",
		"version", version,
		"config", *configPath,
		"user", cfg.User.Name,
		"mode", cfg.User.Mode,
		"listen_addr", cfg.Server.ListenAddr,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion: version,
		Role:           string(cfg.User.Mode),
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	application, err := app.New(cfg, app.WithLogLevel(level))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	if watch {
		w, err := config.NewWatcher(*configPath, application.ApplyConfig)
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			defer w.Stop()
		}
	}

	printStartupSummary(cfg, application)

	if *record {
		id, err := application.StartRecording(ctx)
		if err != nil {
			slog.Error("failed to start recording", "err", err)
			return 1
		}
		slog.Info("recording", "session_id", id)
	}

	slog.Info("client ready, press Ctrl+C to shut down")

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping")
	code := 0
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		code = 1
	}
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		code = 1
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return code
}

// loadConfig reads path, or falls back to defaults plus environment
// overrides when the file does not exist. watch reports whether the file
// exists and should be watched for changes.
func loadConfig(path string) (cfg *config.Config, watch bool, err error) {
	cfg, err = config.Load(path)
	switch {
	case err == nil:
		return cfg, true, nil
	case errors.Is(err, os.ErrNotExist):
		fmt.Fprintf(os.Stderr, "medscribe: config file %q not found, using defaults (see configs/example.yaml)\n", path)
		cfg = config.Default()
		config.ApplyEnv(cfg, os.LookupEnv)
		return cfg, false, nil
	default:
		return nil, false, err
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, a *app.App) {
	source := cfg.Audio.Source
	if source == "" {
		source = "(none)"
	}
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        medscribe: startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("User", cfg.User.Name)
	printRow("Mode", string(cfg.User.Mode))
	printRow("Patient", cfg.PatientKey())
	printRow("Audio source", source)
	printRow("RAG type", cfg.Coordinator.RagType)
	printRow("Recognize", a.SocketURL(app.SocketRecognize))
	if cfg.Server.ListenAddr != "" {
		printRow("Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	if len(value) > 19 {
		value = "…" + value[len(value)-18:]
	}
	fmt.Printf("║  %-14s  : %-19s ║\n", label, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level slog.Leveler) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
