package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/accountorch/orchestrator/internal/breaker"
	"github.com/accountorch/orchestrator/internal/config"
	"github.com/accountorch/orchestrator/internal/dispatcher"
	"github.com/accountorch/orchestrator/internal/driver"
	"github.com/accountorch/orchestrator/internal/events"
	"github.com/accountorch/orchestrator/internal/gate"
	"github.com/accountorch/orchestrator/internal/health"
	"github.com/accountorch/orchestrator/internal/proxypool"
	"github.com/accountorch/orchestrator/internal/registry"
)

var version = "dev"

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		slog.Error("config validation failed", "error", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logHandler := events.NewLogHandler(level, 1000)
	slog.SetDefault(slog.New(logHandler))
	slog.Info("account orchestrator starting", "version", version)

	crypto := registry.NewCrypto(cfg.EncryptionKey)
	reg := registry.New(cfg.RegistryPath, crypto)
	if err := reg.Load(); err != nil {
		slog.Error("registry load failed", "error", err)
		os.Exit(1)
	}
	slog.Info("account registry ready", "path", cfg.RegistryPath, "accounts", len(reg.List()))

	proxies := proxypool.New(cfg.ProxyPath, cfg.ProxyMinSpacing)
	if err := proxies.Load(); err != nil {
		slog.Error("proxy pool load failed", "error", err)
		os.Exit(1)
	}
	slog.Info("proxy pool ready", "path", cfg.ProxyPath)

	healthTracker := health.NewTracker(cfg, reg)
	br := breaker.New(cfg.BreakerFailureThreshold, cfg.BreakerOpenDuration)
	concurrencyGate := gate.New(
		gate.Capacity(cfg.GateCapacity),
		cfg.GateBaseBackoff, cfg.GateMaxBackoff, cfg.GateBackoffFactor, cfg.GateAcquireCeiling,
	)

	transportProvider := driver.NewTransportProvider(cfg.RequestTimeout)
	defer transportProvider.Close()

	bus := events.NewBus(200)
	statsStore, err := events.NewStatsStore(cfg.StatsDBPath)
	if err != nil {
		slog.Error("stats store init failed", "error", err)
		os.Exit(1)
	}
	defer statsStore.Close()
	slog.Info("stats store ready", "path", cfg.StatsDBPath)

	disp := dispatcher.New(cfg, reg, proxies, healthTracker, br, concurrencyGate, transportProvider, bus, statsStore, cfg.UpstreamBaseURL)

	// The Health Tracker's background sweep reactivates idle accounts with
	// a dry-run login, routed back through the Dispatcher it would
	// otherwise depend on directly (setter-injected to avoid the import
	// cycle — see health.Reactivator).
	healthTracker.SetReactivator(disp)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	disp.Start(ctx)
	go transportProvider.RunCleanup(ctx)

	slog.Info("account orchestrator ready")
	<-ctx.Done()

	slog.Info("shutting down")
	disp.Stop()
}
