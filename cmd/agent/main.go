package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/speechengine/dataplane-agent/config"
	"github.com/speechengine/dataplane-agent/internal/command"
	"github.com/speechengine/dataplane-agent/internal/connstate"
	"github.com/speechengine/dataplane-agent/internal/consumer"
	"github.com/speechengine/dataplane-agent/internal/controlplane"
	"github.com/speechengine/dataplane-agent/internal/health"
	"github.com/speechengine/dataplane-agent/internal/queue"
	"github.com/speechengine/dataplane-agent/internal/server"
	"github.com/speechengine/dataplane-agent/internal/tracing"
)

const (
	startupQueueCheckTimeout = 10 * time.Second
	serviceStopTimeout       = 15 * time.Second
	serverShutdownTimeout    = 10 * time.Second
)

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		color.Red("Configuration error: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Monitoring.LogLevel)
	logger.Info("starting dataplane agent",
		"server_id", cfg.Server.ServerID,
		"region", cfg.Server.Region,
		"version", cfg.Server.Version,
	)

	shutdownTracing, err := tracing.Init(cfg.Tracing, cfg.Server.Version, logger)
	if err != nil {
		logger.Error("tracing initialization failed", "error", err.Error())
		os.Exit(1)
	}

	state := connstate.New(
		cfg.ControlPlane.InitialErrorDelay,
		cfg.ControlPlane.BackoffMultiplier,
		cfg.ControlPlane.MaxBackoff,
		logger,
	)

	queueClient := queue.New(cfg.Redis, logger)
	defer queueClient.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pingCtx, pingCancel := context.WithTimeout(ctx, startupQueueCheckTimeout)
	if err := queueClient.Ping(pingCtx); err != nil {
		pingCancel()
		color.Red("Queue store unreachable at %s: %v\n", cfg.Redis.Addr(), err)
		os.Exit(1)
	}
	pingCancel()
	logger.Info("queue store connected", "addr", cfg.Redis.Addr())

	remote := controlplane.New(cfg.ControlPlane, cfg.Server.Version, state, logger)

	healthService := health.New(cfg, queueClient, remote, state, logger)
	consumerService := consumer.New(cfg, queueClient, remote, logger)
	commandProcessor := command.New(cfg, queueClient, remote, healthService, logger)
	httpServer := server.New(cfg, healthService, logger)

	healthService.Start(ctx)
	consumerService.Start(ctx)
	commandProcessor.Start(ctx)
	httpServer.Start()

	color.Green("DataPlane agent %s running (server %s, region %s)\n",
		cfg.Server.Version, cfg.Server.ServerID, cfg.Server.Region)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("shutdown signal received", "signal", sig.String())

	// Stop intake first, then the loops that talk to the control plane, then
	// the HTTP surface. The health service notifies the control plane last.
	consumerService.Stop(serviceStopTimeout)
	commandProcessor.Stop(serviceStopTimeout)
	healthService.Stop(serviceStopTimeout)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "error", err.Error())
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("tracing shutdown failed", "error", err.Error())
	}

	logger.Info("dataplane agent stopped")
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN", "WARNING":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
