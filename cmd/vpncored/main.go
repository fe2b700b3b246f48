// Package main provides the entry point for the vpncored daemon.
// vpncored supervises an external sing-box engine process, collects its
// traffic statistics, and keeps the tunnel alive across network changes.
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

	"golang.org/x/sync/errgroup"

	"github.com/tunnelmax/vpncore/internal/config"
	"github.com/tunnelmax/vpncore/internal/engine"
	"github.com/tunnelmax/vpncore/internal/logging"
	"github.com/tunnelmax/vpncore/internal/netmon"
	"github.com/tunnelmax/vpncore/internal/stats"
)

func main() {
	logging.SetupFromEnv()

	configPath := flag.String("config", "", "daemon configuration file (default: XDG config)")
	engineConfigPath := flag.String("engine-config", "", "engine configuration file (JSON, required)")
	flag.Parse()

	if err := run(*configPath, *engineConfigPath); err != nil {
		slog.Error("Daemon failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath, engineConfigPath string) error {
	if engineConfigPath == "" {
		return fmt.Errorf("missing required -engine-config flag")
	}

	mgr, err := newConfigManager(configPath)
	if err != nil {
		return err
	}
	cfg := mgr.GetConfig()

	engineConfig, err := os.ReadFile(engineConfigPath)
	if err != nil {
		return fmt.Errorf("reading engine config: %w", err)
	}
	if err := engine.ValidateConfig(engineConfig); err != nil {
		return fmt.Errorf("engine config %s: %w", engineConfigPath, err)
	}

	supervisor := engine.New(engine.Options{
		ExecutablePath: cfg.Engine.ExecutablePath,
		APIPort:        cfg.Engine.APIPort,
		RuntimeDir:     mgr.GetRuntimeDir(),
		Elevate:        cfg.Engine.Elevate,
		StartTimeout:   time.Duration(cfg.Engine.StartTimeoutSec) * time.Second,
		StopGrace:      time.Duration(cfg.Engine.StopGraceSec) * time.Second,
	})
	if err := supervisor.Initialize(); err != nil {
		return err
	}

	collector := stats.NewCollector(supervisor)
	monitor := netmon.NewMonitor(supervisor, netmon.Options{
		Prober:              newProber(cfg.Monitor),
		PollInterval:        time.Duration(cfg.Monitor.PollIntervalSec) * time.Second,
		HealthCheckInterval: time.Duration(cfg.Monitor.HealthCheckIntervalSec) * time.Second,
		InitialRetryDelay:   time.Duration(cfg.Monitor.InitialRetryDelayMs) * time.Millisecond,
		MaxRetryDelay:       time.Duration(cfg.Monitor.MaxRetryDelaySec) * time.Second,
		BackoffMultiplier:   cfg.Monitor.BackoffMultiplier,
		MaxRetryAttempts:    cfg.Monitor.MaxRetryAttempts,
	})
	if cfg.Monitor.ReconnectEnabled != nil {
		monitor.SetReconnectionEnabled(*cfg.Monitor.ReconnectEnabled)
	}

	unsubscribe := wireLogging(supervisor, collector, monitor)
	defer unsubscribe()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := supervisor.Start(ctx, engineConfig); err != nil {
			return fmt.Errorf("starting engine: %w", err)
		}
		if err := collector.Start(cfg.StatsInterval()); err != nil {
			return fmt.Errorf("starting stats collector: %w", err)
		}
		if err := monitor.StartMonitoring(engineConfig); err != nil {
			return fmt.Errorf("starting network monitor: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		slog.Info("Shutting down")

		// Stop the monitor first so the shutdown is not mistaken for an
		// engine crash worth reconnecting from.
		monitor.StopMonitoring()
		collector.Stop()

		stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return supervisor.Stop(stopCtx)
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// newConfigManager builds the manager from an explicit config file when one
// is given, otherwise from the XDG default locations.
func newConfigManager(configPath string) (*config.Manager, error) {
	if configPath == "" {
		return config.NewManager()
	}
	paths, err := config.GetPaths()
	if err != nil {
		return nil, err
	}
	paths.ConfigFile = configPath
	return config.NewManagerWithPaths(paths)
}

func newProber(cfg config.MonitorConfig) netmon.Prober {
	if cfg.Probe == "stun" {
		return netmon.NewSTUNProber(cfg.STUNServers)
	}
	return netmon.NewHTTPProber(cfg.ProbeURL)
}

// wireLogging subscribes the daemon's log output to the component
// callbacks. Returns a function removing all subscriptions.
func wireLogging(supervisor *engine.Supervisor, collector *stats.Collector, monitor *netmon.Monitor) func() {
	unsubs := []func(){
		supervisor.OnStatus(func(st engine.Status) {
			if st.LastError != engine.ErrNone {
				slog.Warn("Engine status changed",
					"state", st.State, "error", st.LastError, "message", st.ErrorMessage)
				return
			}
			slog.Info("Engine status changed", "state", st.State, "session", st.SessionID)
		}),
		collector.OnStats(func(s stats.NetworkStats) {
			slog.Debug("Traffic sample",
				"down", stats.FormatSpeed(s.DownloadSpeed),
				"up", stats.FormatSpeed(s.UploadSpeed),
				"received", stats.FormatBytes(s.BytesReceived),
				"sent", stats.FormatBytes(s.BytesSent),
				"duration", stats.FormatDuration(s.ConnectionDuration))
		}),
		collector.OnError(func(info stats.ErrorInfo) {
			if info.Kind == stats.ErrEngineNotRunning {
				return
			}
			slog.Warn("Stats collection issue",
				"kind", info.Kind, "message", info.Message, "retries", info.RetryCount)
		}),
		monitor.OnNetworkState(func(s netmon.NetworkState) {
			slog.Info("Network state changed", "state", s)
		}),
		monitor.OnHealth(func(h netmon.ConnectionHealth) {
			slog.Info("Connection health changed", "health", h)
		}),
		monitor.OnReconnection(func(status netmon.ReconnectionStatus, attempt int) {
			slog.Info("Reconnection status changed", "status", status, "attempt", attempt)
		}),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}
