// preevy-agent keeps SSH remote port forwards in sync with the services
// published by running Docker containers. It watches Docker for container
// events, derives the set of tunnels the environment should expose, and
// reconciles them over a single multiplexed SSH connection to the tunnel
// server.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/keshavkumarhembram/preevy/internal/config"
	"github.com/keshavkumarhembram/preevy/internal/docker"
	"github.com/keshavkumarhembram/preevy/internal/metrics"
	"github.com/keshavkumarhembram/preevy/internal/status"
	"github.com/keshavkumarhembram/preevy/internal/tunnel"
	"github.com/keshavkumarhembram/preevy/internal/watcher"
	"github.com/keshavkumarhembram/preevy/pkg/sshtunnel"
)

// Version and BuildDate are set via ldflags during build.
// Example: -ldflags="-X main.Version=v1.0.0 -X main.BuildDate=2026-08-25"
var (
	Version   = "dev"
	BuildDate = "unknown"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run() error {
	checkFlag := flag.Bool("check", false, "verify connectivity to the tunnel server, print the result as JSON, and exit")
	flag.Parse()

	// Load configuration first (fail fast)
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	// Set up structured logging. Logs go to stderr: stdout carries the
	// tunnel state stream and the -check result document.
	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *checkFlag || cfg.CheckOnly {
		return runCheck(ctx, cfg)
	}

	// Set build info metrics
	metrics.SetBuildInfo(Version, runtime.Version())

	logger.Info("preevy agent starting",
		slog.String("version", Version),
		slog.String("build_date", BuildDate),
		slog.String("go_version", runtime.Version()),
		slog.String("endpoint", cfg.Endpoint.Address()),
		slog.Bool("tls", cfg.Endpoint.TLS),
		slog.String("compose_project", cfg.ComposeProject),
	)

	// Initialize Docker client
	dockerClient, err := docker.NewClient(ctx,
		docker.WithHost(cfg.DockerHost),
		docker.WithProject(cfg.ComposeProject),
		docker.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("creating docker client: %w", err)
	}
	defer dockerClient.Close()

	logger.Info("docker client connected",
		slog.String("host", dockerClient.RawClient().DaemonHost()),
	)

	sshCfg, err := cfg.SSHConfig()
	if err != nil {
		return fmt.Errorf("building ssh configuration: %w", err)
	}

	// The SSH client reports connection transitions to the reconciler, and
	// the reconciler drives tunnel operations through the client. The
	// listener closure breaks the construction cycle; it only fires after
	// Connect, by which time rec is assigned.
	var rec *tunnel.Reconciler
	sshClient, err := sshtunnel.NewClient(sshCfg,
		sshtunnel.WithLogger(logger),
		sshtunnel.WithStateListener(func(connected bool) {
			if rec != nil {
				rec.ConnectionStateChanged(connected)
			}
		}),
	)
	if err != nil {
		return fmt.Errorf("creating ssh tunnel client: %w", err)
	}
	defer sshClient.Close()

	store := tunnel.NewStore()

	reconcilerCfg := tunnel.DefaultConfig()
	reconcilerCfg.ResyncInterval = cfg.ResyncInterval
	reconcilerCfg.BindHost = cfg.BindHost
	rec = tunnel.New(sshClient, store,
		tunnel.WithConfig(reconcilerCfg),
		tunnel.WithLogger(logger),
		tunnel.WithStateWriter(os.Stdout),
	)

	// The initial connection is fatal: an agent that cannot reach its
	// tunnel server has nothing to offer. Later drops are handled by the
	// client's reconnect loop.
	if err := sshClient.Connect(ctx); err != nil {
		return fmt.Errorf("connecting to tunnel server %s: %w", cfg.Endpoint.Address(), err)
	}

	logger.Info("ssh connection established",
		slog.String("endpoint", cfg.Endpoint.Address()),
		slog.String("user", cfg.Endpoint.User),
	)

	// Initialize Docker event watcher
	watcherCfg := watcher.DefaultConfig()
	watcherCfg.DebounceInterval = cfg.DebounceInterval
	dockerWatcher := watcher.New(dockerClient, rec.Submit,
		watcher.WithConfig(watcherCfg),
		watcher.WithLogger(logger),
	)

	// Start status server with readiness checkers
	statusServer := status.New(cfg.StatusPort, store,
		status.WithLogger(logger),
	)
	statusServer.RegisterChecker("docker", func(ctx context.Context) error {
		return dockerClient.Ping(ctx)
	})
	statusServer.RegisterDegradedChecker("ssh", func(_ context.Context) (bool, string) {
		if !sshClient.IsConnected() {
			return true, "ssh connection down, reconnecting"
		}
		return false, ""
	})

	if err := statusServer.Start(); err != nil {
		return fmt.Errorf("starting status server: %w", err)
	}

	rec.Start(ctx)

	if err := dockerWatcher.Start(ctx); err != nil {
		return fmt.Errorf("starting docker watcher: %w", err)
	}

	// Deliver the initial snapshot so tunnels for already-running
	// containers come up without waiting for an event.
	logger.Info("requesting initial service snapshot")
	dockerWatcher.TriggerNow()

	logger.Info("preevy agent initialized, watching for changes",
		slog.Int("status_port", cfg.StatusPort),
		slog.Duration("debounce", cfg.DebounceInterval),
		slog.Duration("resync", cfg.ResyncInterval),
	)

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Wait for shutdown signal
	sig := <-sigChan
	logger.Info("received shutdown signal", slog.String("signal", sig.String()))

	// Graceful shutdown
	logger.Info("shutting down...")
	cancel()

	dockerWatcher.Stop()
	rec.Stop()

	// Shutdown status server with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := statusServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("status server shutdown error", slog.String("error", err.Error()))
	}

	// Closing the SSH connection tears down all remote forwards server
	// side; the deferred Close handles it.
	logger.Info("preevy agent shutdown complete")
	return nil
}

// runCheck performs a one-shot connectivity check and prints the result
// document to stdout. The exit code is zero regardless of the check
// outcome; only configuration errors are fatal.
func runCheck(ctx context.Context, cfg *config.Config) error {
	sshCfg, err := cfg.SSHConfig()
	if err != nil {
		return fmt.Errorf("building ssh configuration: %w", err)
	}

	result := sshtunnel.Check(ctx, sshCfg)

	out, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encoding check result: %w", err)
	}
	fmt.Println(string(out))
	return nil
}

func setupLogger(level, format string) *slog.Logger {
	logLevel := parseLogLevel(level)

	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})
	}

	return slog.New(handler)
}

// parseLogLevel converts a string log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch level {
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
