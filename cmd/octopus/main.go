// Octopus edge daemon -- bridges a local DIM station to its neighbors.
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

	"github.com/coreos/go-systemd/v22/daemon"
	"golang.org/x/sync/errgroup"

	"github.com/dim-network/godim/internal/config"
	"github.com/dim-network/godim/internal/octopus"
	"github.com/dim-network/godim/internal/station"
	"github.com/dim-network/godim/internal/store"
	appversion "github.com/dim-network/godim/internal/version"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to configuration file (YAML)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()),
		)
		return 1
	}

	logger := newLogger(cfg.Log)

	local, err := cfg.Station.EntityID()
	if err != nil {
		logger.Error("invalid station identity", slog.String("error", err.Error()))
		return 1
	}

	logger.Info("octopus starting",
		slog.String("version", appversion.Version),
		slog.String("station", local.String()),
		slog.String("station_host", cfg.Station.Host),
		slog.Int("station_port", cfg.Station.Port),
	)

	if err := runBridge(cfg, logger); err != nil {
		logger.Error("octopus exited with error", slog.String("error", err.Error()))
		return 1
	}

	logger.Info("octopus stopped")
	return 0
}

// runBridge builds the bridge over the neighbor tables and drives it until
// a termination signal arrives.
func runBridge(cfg *config.Config, logger *slog.Logger) error {
	local, err := cfg.Station.EntityID()
	if err != nil {
		return err
	}
	if cfg.Station.Host == "" || cfg.Station.Port == 0 {
		return errors.New("station.host and station.port must point at the local station")
	}

	db := store.NewDatabase(cfg.Database.Root, cfg.Database.Public, cfg.Database.Private)
	neighbors := store.NewNeighborStore(db, logger)
	seedNeighbors(cfg.Neighbors, neighbors, logger)

	bridge := octopus.New(octopus.Config{
		Local:             local,
		LocalHost:         cfg.Station.Host,
		LocalPort:         cfg.Station.Port,
		Crypto:            station.DigestCrypto{},
		Neighbors:         neighbors,
		ReconcileInterval: cfg.Octopus.ReconcileInterval,
		KeepAliveInterval: cfg.Octopus.KeepAliveInterval,
	}, logger)

	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := bridge.Run(gCtx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		return runWatchdog(gCtx, logger)
	})

	notifyReady(logger)

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run bridge: %w", err)
	}
	return nil
}

// seedNeighbors loads pre-configured neighbor stations into the neighbor
// store so the reconciler can pick them up.
func seedNeighbors(entries []config.NeighborConfig, neighbors *store.NeighborStore, logger *slog.Logger) {
	for _, nc := range entries {
		id, err := nc.EntityID()
		if err != nil {
			logger.Warn("neighbor entry skipped", slog.String("id", nc.ID), slog.Any("error", err))
			continue
		}
		if nc.Provider == "" {
			logger.Warn("neighbor entry has no provider, skipped", slog.String("id", nc.ID))
			continue
		}
		provider, err := nc.ProviderID()
		if err != nil {
			logger.Warn("neighbor entry skipped", slog.String("id", nc.ID), slog.Any("error", err))
			continue
		}
		if err := neighbors.AddProvider(store.ProviderInfo{ID: provider}); err != nil {
			logger.Warn("provider record not persisted", slog.Any("error", err))
		}
		err = neighbors.UpdateStation(store.StationInfo{
			ID:       id,
			Host:     nc.Host,
			Port:     nc.Port,
			Provider: provider,
			Chosen:   nc.Chosen,
		})
		if err != nil {
			logger.Warn("neighbor record not persisted", slog.Any("error", err))
		}
	}
}

// notifyReady sends READY=1 to systemd once the bridge is running.
func notifyReady(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		logger.Warn("failed to notify systemd readiness", slog.String("error", err.Error()))
		return
	}
	if sent {
		logger.Info("notified systemd: READY")
	}
}

// runWatchdog sends periodic watchdog keepalives to systemd.
func runWatchdog(ctx context.Context, logger *slog.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		return nil
	}

	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, wdErr := daemon.SdNotify(false, daemon.SdNotifyWatchdog); wdErr != nil {
				logger.Warn("failed to send watchdog keepalive",
					slog.String("error", wdErr.Error()),
				)
			}
		}
	}
}

// loadConfig loads configuration from a file path or falls back to the
// validated defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		cfg, err := config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
		return cfg, nil
	}
	cfg := config.DefaultConfig()
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate default config: %w", err)
	}
	return cfg, nil
}

// newLogger builds the process logger from the log section.
func newLogger(cfg config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: config.ParseLogLevel(cfg.Level)}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
