// GoDIM station daemon -- decentralized instant messaging relay.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"

	"github.com/dim-network/godim/internal/config"
	"github.com/dim-network/godim/internal/dim"
	"github.com/dim-network/godim/internal/gate"
	dimmetrics "github.com/dim-network/godim/internal/metrics"
	"github.com/dim-network/godim/internal/push"
	"github.com/dim-network/godim/internal/server"
	"github.com/dim-network/godim/internal/session"
	"github.com/dim-network/godim/internal/station"
	"github.com/dim-network/godim/internal/store"
	appversion "github.com/dim-network/godim/internal/version"
)

// shutdownTimeout is the maximum time to wait for HTTP servers to drain
// active connections during graceful shutdown.
const shutdownTimeout = 10 * time.Second

// framingPollInterval is how often a fresh session is polled for its
// sniffed framing before the session gauge is incremented.
const framingPollInterval = 100 * time.Millisecond

func main() {
	os.Exit(run())
}

func run() int {
	// 1. Parse flags.
	configPath := flag.String("config", "", "path to configuration file (YAML)")
	flag.Parse()

	// 2. Load config.
	cfg, err := loadConfig(*configPath)
	if err != nil {
		// Logger is not set up yet; use a temporary stderr logger.
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()),
		)
		return 1
	}

	// 3. Set up logger with dynamic level support for SIGHUP reload.
	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLoggerWithLevel(cfg.Log, logLevel)

	local, err := cfg.Station.EntityID()
	if err != nil {
		logger.Error("invalid station identity", slog.String("error", err.Error()))
		return 1
	}

	logger.Info("godim starting",
		slog.String("version", appversion.Version),
		slog.String("station", local.String()),
		slog.String("client_addr", clientAddr(cfg)),
		slog.String("admin_addr", cfg.Admin.Addr),
		slog.String("metrics_addr", cfg.Metrics.Addr),
	)

	// 4. Run the station.
	if err := runStation(cfg, local, logger, *configPath, logLevel); err != nil {
		logger.Error("godim exited with error", slog.String("error", err.Error()))
		return 1
	}

	logger.Info("godim stopped")
	return 0
}

// runStation wires the stores, the routing core and the listeners, then
// drives everything under an errgroup with a signal-aware context.
func runStation(
	cfg *config.Config,
	local dim.ID,
	logger *slog.Logger,
	configPath string,
	logLevel *slog.LevelVar,
) error {
	// Prometheus metrics.
	reg := prometheus.NewRegistry()
	collector := dimmetrics.NewCollector(reg)

	// Stores over the file database layout.
	db := store.NewDatabase(cfg.Database.Root, cfg.Database.Public, cfg.Database.Private)
	offline := store.NewOfflineStore(cfg.Limits.OfflineCap, collector, logger)
	logins := store.NewLoginStore(db, logger)
	accounts := store.NewAccountStore(db, logger)
	neighbors := store.NewNeighborStore(db, logger)
	seedNeighbors(cfg.Neighbors, neighbors, logger)

	// Routing core.
	center := session.NewCenter(logger)
	ans := station.NewANS(cfg.ANS, logger)
	pushCenter := push.NewCenter(cfg.Limits.PushQueueCap, cfg.Limits.PushQueueWarn, collector, logger)

	dispatcher := station.NewDispatcher(station.DispatcherConfig{
		Local:     local,
		Center:    center,
		Offline:   offline,
		Logins:    logins,
		Accounts:  accounts,
		Neighbors: neighbors,
		ANS:       ans,
		Push:      pushCenter,
		Bots:      dim.ConvertIDs(cfg.Bots),
		Metrics:   collector,
		Logger:    logger,
	})
	if bot, ok := ans.Resolve("apns"); ok {
		pushCenter.AddService(station.NewBotPushService(local, bot, station.DigestCrypto{}, dispatcher, logger))
	} else {
		logger.Info("no apns record in ans, push notifications disabled")
	}
	processor := station.NewProcessor(local, logins, accounts, ans, dispatcher, logger)
	filter := station.NewFilter(local, neighbors, logger)
	messenger := station.NewMessenger(
		local, station.DigestCrypto{}, filter, processor, dispatcher,
		accounts, offline, collector, logger,
	)

	adminSrv := newAdminServer(cfg.Admin, center, logger)
	metricsSrv := newMetricsServer(cfg.Metrics, reg)

	// errgroup with signal-aware context.
	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	// Background loops: roaming replay and push dispatch.
	g.Go(func() error {
		return ignoreCanceled(dispatcher.Run(gCtx))
	})
	g.Go(func() error {
		return ignoreCanceled(pushCenter.Run(gCtx))
	})

	// Client gate listener.
	lc := net.ListenConfig{}
	clientLn, err := lc.Listen(gCtx, "tcp", clientAddr(cfg))
	if err != nil {
		return fmt.Errorf("listen client port %s: %w", clientAddr(cfg), err)
	}
	g.Go(func() error {
		logger.Info("client gate listening", slog.String("addr", clientAddr(cfg)))
		return acceptClients(gCtx, clientLn, center, messenger, collector, logger)
	})

	startHTTPServers(gCtx, g, cfg, adminSrv, metricsSrv, logger)
	startDaemonGoroutines(gCtx, g, configPath, logLevel, logger)

	notifyReady(logger)

	// Shutdown goroutine: waits for context cancellation.
	g.Go(func() error {
		<-gCtx.Done()
		_ = clientLn.Close()
		return gracefulShutdown(gCtx, logger, adminSrv, metricsSrv)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run station: %w", err)
	}
	return nil
}

// clientAddr renders the client gate listen address.
func clientAddr(cfg *config.Config) string {
	return net.JoinHostPort(cfg.Server.Host, fmt.Sprint(cfg.Server.Port))
}

// seedNeighbors loads pre-configured neighbor stations into the neighbor
// store. Entries without a provider cannot be placed in the provider
// tables and are skipped.
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
			continue
		}
		logger.Info("neighbor station configured",
			slog.String("id", id.Bare().String()),
			slog.String("host", nc.Host),
			slog.Int("port", nc.Port),
		)
	}
}

// -------------------------------------------------------------------------
// Client Accept Loop
// -------------------------------------------------------------------------

// acceptClients runs the client gate accept loop until the listener is
// closed. Each connection becomes one session wired to the messenger.
func acceptClients(
	ctx context.Context,
	ln net.Listener,
	center *session.Center,
	messenger *station.Messenger,
	collector *dimmetrics.Collector,
	logger *slog.Logger,
) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept client: %w", err)
		}

		s := session.NewSession(conn, center, logger, 0)
		s.SetHandler(messenger)
		s.SetActivatedCallback(messenger.ReloadOffline)

		wg.Add(1)
		go func() {
			defer wg.Done()
			runSession(ctx, s, collector)
		}()
	}
}

// runSession drives one session and keeps the framing-labelled session
// gauge in step: the gauge is incremented once the framing is sniffed and
// decremented with the same label when the session ends.
func runSession(ctx context.Context, s *session.Session, collector *dimmetrics.Collector) {
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		_ = s.Run(ctx)
	}()

	tick := time.NewTicker(framingPollInterval)
	defer tick.Stop()
	for {
		select {
		case <-finished:
			return
		case <-tick.C:
			if f := s.Gate().Framing(); f != gate.FramingUnknown {
				collector.SessionOpened(f.String())
				defer collector.SessionClosed(f.String())
				<-finished
				return
			}
		}
	}
}

// -------------------------------------------------------------------------
// HTTP Servers — admin API + metrics
// -------------------------------------------------------------------------

// startHTTPServers registers the admin and metrics HTTP server goroutines.
func startHTTPServers(
	ctx context.Context,
	g *errgroup.Group,
	cfg *config.Config,
	adminSrv *http.Server,
	metricsSrv *http.Server,
	logger *slog.Logger,
) {
	lc := net.ListenConfig{}

	g.Go(func() error {
		logger.Info("admin server listening", slog.String("addr", cfg.Admin.Addr))
		return listenAndServe(ctx, &lc, adminSrv, cfg.Admin.Addr)
	})

	g.Go(func() error {
		logger.Info("metrics server listening",
			slog.String("addr", cfg.Metrics.Addr),
			slog.String("path", cfg.Metrics.Path),
		)
		return listenAndServe(ctx, &lc, metricsSrv, cfg.Metrics.Addr)
	})
}

// startDaemonGoroutines registers the watchdog and SIGHUP reload goroutines.
func startDaemonGoroutines(
	ctx context.Context,
	g *errgroup.Group,
	configPath string,
	logLevel *slog.LevelVar,
	logger *slog.Logger,
) {
	g.Go(func() error {
		return runWatchdog(ctx, logger)
	})

	sigHUP := make(chan os.Signal, 1)
	signal.Notify(sigHUP, syscall.SIGHUP)
	g.Go(func() error {
		defer signal.Stop(sigHUP)
		handleSIGHUP(ctx, sigHUP, configPath, logLevel, logger)
		return nil
	})
}

// listenAndServe creates a TCP listener using the ListenConfig and serves
// HTTP requests until the server is shut down.
func listenAndServe(ctx context.Context, lc *net.ListenConfig, srv *http.Server, addr string) error {
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve on %s: %w", addr, err)
	}
	return nil
}

// newAdminServer creates the admin API server. The handler is wrapped with
// h2c so CLI clients can multiplex over plaintext HTTP/2.
func newAdminServer(cfg config.AdminConfig, center *session.Center, logger *slog.Logger) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           h2c.NewHandler(server.New(center, logger), &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// newMetricsServer creates an HTTP server for the Prometheus metrics endpoint.
func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// -------------------------------------------------------------------------
// Systemd Integration — sd_notify + watchdog
// -------------------------------------------------------------------------

// notifyReady sends READY=1 to systemd, indicating the daemon has
// completed initialization and is ready to serve.
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

// notifyStopping sends STOPPING=1 to systemd, indicating the daemon is
// beginning graceful shutdown.
func notifyStopping(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		logger.Warn("failed to notify systemd stopping", slog.String("error", err.Error()))
		return
	}
	if sent {
		logger.Info("notified systemd: STOPPING")
	}
}

// runWatchdog sends periodic watchdog keepalives to systemd. The interval
// is WatchdogSec/2 as recommended by the systemd documentation. If the
// watchdog is not configured, the goroutine exits immediately.
func runWatchdog(ctx context.Context, logger *slog.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		logger.Warn("failed to check systemd watchdog", slog.String("error", err.Error()))
		return nil
	}
	if interval == 0 {
		logger.Debug("systemd watchdog not configured, skipping keepalive")
		return nil
	}

	tickInterval := interval / 2
	logger.Info("systemd watchdog enabled",
		slog.Duration("watchdog_sec", interval),
		slog.Duration("keepalive_interval", tickInterval),
	)

	ticker := time.NewTicker(tickInterval)
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

// -------------------------------------------------------------------------
// SIGHUP Reload — log level
// -------------------------------------------------------------------------

// handleSIGHUP listens for SIGHUP signals and reloads the configuration.
// Only the log level is applied dynamically; everything else needs a
// restart. Blocks until the context is cancelled.
func handleSIGHUP(
	ctx context.Context,
	sigHUP <-chan os.Signal,
	configPath string,
	logLevel *slog.LevelVar,
	logger *slog.Logger,
) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigHUP:
			logger.Info("received SIGHUP, reloading configuration")
			reloadLogLevel(configPath, logLevel, logger)
		}
	}
}

// reloadLogLevel loads a fresh configuration and applies the log level.
// Errors are logged but do not stop the daemon; the previous configuration
// remains in effect.
func reloadLogLevel(configPath string, logLevel *slog.LevelVar, logger *slog.Logger) {
	newCfg, err := loadConfig(configPath)
	if err != nil {
		logger.Error("failed to reload configuration, keeping current settings",
			slog.String("error", err.Error()),
		)
		return
	}

	oldLevel := logLevel.Level()
	newLevel := config.ParseLogLevel(newCfg.Log.Level)
	logLevel.Set(newLevel)

	logger.Info("configuration reloaded",
		slog.String("old_log_level", oldLevel.String()),
		slog.String("new_log_level", newLevel.String()),
	)
}

// -------------------------------------------------------------------------
// Graceful Shutdown
// -------------------------------------------------------------------------

// gracefulShutdown signals systemd and drains the HTTP servers. Sessions
// unwind with the group context; stored messages stay for the next login.
//
// The parent context is already cancelled when this function is called. A
// fresh timeout context is created internally for server drain.
func gracefulShutdown(ctx context.Context, logger *slog.Logger, servers ...*http.Server) error {
	logger.Info("initiating graceful shutdown")
	notifyStopping(logger)

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	var shutdownErr error
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("shutdown server: %w", err))
		}
	}
	return shutdownErr
}

// ignoreCanceled filters the expected context error out of a background
// loop's return value.
func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
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

// newLoggerWithLevel creates a structured logger using a shared LevelVar
// for dynamic log level changes via SIGHUP reload.
func newLoggerWithLevel(cfg config.LogConfig, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
