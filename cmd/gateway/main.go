package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/tjfontaine/polyglot-cgi-gateway/internal/telemetry"
	"github.com/tjfontaine/polyglot-cgi-gateway/pkg/gateway"
)

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	configPath := os.Getenv("CGI_GATEWAY_CONFIG")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg, err := gateway.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize structured logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.Log.Level),
	}))
	slog.SetDefault(logger)

	// Initialize OpenTelemetry
	shutdown, err := telemetry.InitTracer("polyglot-cgi-gateway", cfg.Telemetry, os.Stderr, logger)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
		}
	}()

	// Storage, events, exit policy and admin keys all come from the config
	// file, which is watched for changes.
	gw, err := gateway.New(
		gateway.WithFileConfig(configPath),
		gateway.WithLogger(logger),
	)
	if err != nil {
		log.Fatalf("Failed to create gateway: %v", err)
	}

	// Start gateway
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := gw.Start(ctx); err != nil {
		log.Fatalf("Failed to start gateway: %v", err)
	}

	logger.Info("Gateway started successfully",
		slog.String("config", configPath),
		slog.String("addr", gw.Addr()),
		slog.String("exit_policy", cfg.CGI.ExitPolicy),
		slog.String("storage", cfg.Storage.Type),
		slog.Bool("sessions", cfg.Session.Enabled),
		slog.Bool("control_plane", cfg.Admin.Enabled))

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutdown signal received, stopping gateway...")

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := gw.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("Gateway shutdown complete")
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
