// Package main implements the entry point for permstream, the unused-app
// permission auto-revocation daemon. It watches package, permission, and
// app-op state through an observable cache graph and periodically revokes
// runtime permissions from apps that have gone unused past a threshold.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/c360/permstream/config"
	"github.com/c360/permstream/eventbus"
	"github.com/c360/permstream/platnats"
	"github.com/c360/permstream/schedule"
	"github.com/c360/permstream/service"
)

// Build information constants.
const (
	Version = "0.1.0"
	appName = "permstream"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("application failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)
	logger.Info("starting permstream", "config_path", cliCfg.ConfigPath)

	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if cliCfg.Validate {
		logger.Info("configuration is valid")
		return nil
	}

	// The bus carries change events, the platform RPC, and the config KV;
	// the controller owns connecting and closing it.
	bus, err := eventbus.New(cfg.NATS.URL, eventbus.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("create event bus: %w", err)
	}

	scheduler := schedule.New(logger)
	defer func() { _ = scheduler.Stop(cliCfg.ShutdownTimeout) }()

	rpc := platnats.New(bus, platnats.WithLogger(logger))
	svc := rpc.Services(scheduler)

	ctrl, err := service.New(cfg, svc,
		service.WithLogger(logger),
		service.WithBus(bus))
	if err != nil {
		return fmt.Errorf("create controller: %w", err)
	}
	if err := ctrl.Initialize(); err != nil {
		return fmt.Errorf("initialize controller: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := ctrl.Start(ctx); err != nil {
		return fmt.Errorf("start controller: %w", err)
	}
	defer func() {
		if err := ctrl.Stop(cliCfg.ShutdownTimeout); err != nil {
			logger.Warn("controller shutdown reported errors", "error", err)
		}
	}()

	if cliCfg.Regrant {
		logger.Info("running re-grant sweep")
		return ctrl.RunRegrant(ctx)
	}
	if cliCfg.RunNow {
		if err := ctrl.TriggerRun(ctx); err != nil {
			logger.Error("immediate engine run failed", "error", err)
		}
	}

	return waitForShutdown(ctx, logger)
}

// waitForShutdown blocks until a termination signal arrives.
func waitForShutdown(ctx context.Context, logger *slog.Logger) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		logger.Info("context canceled")
	}

	// Give in-flight work a moment to notice cancellation before deferred
	// Stop calls run.
	time.Sleep(100 * time.Millisecond)
	return nil
}
