package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lutaSci/VoxCPM/internal/artifact"
	"github.com/lutaSci/VoxCPM/internal/bus"
	"github.com/lutaSci/VoxCPM/internal/config"
	"github.com/lutaSci/VoxCPM/internal/natsserver"
	"github.com/lutaSci/VoxCPM/internal/pipeline"
	"github.com/lutaSci/VoxCPM/internal/runtime"
	"github.com/lutaSci/VoxCPM/internal/service"
	"github.com/lutaSci/VoxCPM/internal/status"
	"github.com/lutaSci/VoxCPM/internal/synth"
	"github.com/lutaSci/VoxCPM/internal/transcribe"
	"github.com/lutaSci/VoxCPM/internal/voice"
)

var version = "0.1.0-dev"

func main() {
	var (
		configPath  string
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "voxcpm.yaml", "Path to configuration file")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		bootstrap := slog.New(slog.NewJSONHandler(os.Stdout, nil))
		bootstrap.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.Telemetry.LogLevel),
	}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("daemon exited with error", slog.String("error", err.Error()))
		time.Sleep(1 * time.Second)
		os.Exit(1)
	}

	logger.Info("shutdown complete")
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	embedded, err := natsserver.Start(cfg.Bus, logger)
	if err != nil {
		return fmt.Errorf("start embedded bus: %w", err)
	}
	defer embedded.Shutdown()
	if embedded != nil {
		cfg.Bus.Servers = []string{embedded.ClientURL()}
	}

	busClient, err := bus.Connect(ctx, cfg.Bus, logger)
	if err != nil {
		return fmt.Errorf("connect bus: %w", err)
	}
	defer busClient.Close()

	registry, err := voice.Open(ctx, cfg.Voices, logger)
	if err != nil {
		return fmt.Errorf("open voice registry: %w", err)
	}
	defer registry.Close()

	store, err := artifact.Open(ctx, cfg.Artifacts, logger)
	if err != nil {
		return fmt.Errorf("open artifact store: %w", err)
	}
	defer store.Close()

	synthesizer, err := buildSynthesizer(cfg.Model)
	if err != nil {
		return err
	}
	transcriber, err := buildTranscriber(cfg.Transcriber)
	if err != nil {
		return err
	}

	coordinator := pipeline.New(cfg, registry, store, synthesizer, transcriber, logger)

	svc := service.NewService(ctx, busClient, registry, store, coordinator, logger)
	if err := svc.Start(); err != nil {
		return fmt.Errorf("start service: %w", err)
	}
	defer svc.Close()

	nodes, err := status.NewRegistry(ctx, cfg.Node, cfg.Model, busClient, logger)
	if err != nil {
		return fmt.Errorf("start status registry: %w", err)
	}
	defer nodes.Close()

	go runReclaimer(ctx, cfg.Artifacts, store, logger)

	rt := runtime.New(cfg, logger)
	return rt.Start(ctx)
}

// runReclaimer drops expired artifacts on the configured cadence.
func runReclaimer(ctx context.Context, cfg config.ArtifactsConfig, store *artifact.Store, logger *slog.Logger) {
	interval := time.Duration(cfg.CleanupIntervalMinutes) * time.Minute
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reclaimed, err := store.Reclaim(ctx, time.Now().UTC(), store.MaxAge())
			if err != nil {
				logger.Warn("artifact reclaim failed", slog.String("error", err.Error()))
				continue
			}
			if reclaimed > 0 {
				logger.Info("reclaimed expired artifacts", slog.Int("count", reclaimed))
			}
		}
	}
}

func buildSynthesizer(cfg config.ModelConfig) (synth.Synthesizer, error) {
	switch cfg.Mode {
	case "exec":
		s, err := synth.NewExecSynthesizer(cfg.Command, cfg.SampleRate, cfg.Channels)
		if err != nil {
			return nil, fmt.Errorf("build synthesizer: %w", err)
		}
		return s, nil
	default:
		return synth.NewMockSynthesizer(cfg.SampleRate, cfg.Channels, 250*time.Millisecond), nil
	}
}

func buildTranscriber(cfg config.TranscriberConfig) (transcribe.Transcriber, error) {
	switch cfg.Mode {
	case "exec":
		t, err := transcribe.NewExecTranscriber(cfg.Command)
		if err != nil {
			return nil, fmt.Errorf("build transcriber: %w", err)
		}
		return t, nil
	default:
		return transcribe.NewMockTranscriber(), nil
	}
}

func logLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
