package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nugget/mcphost/internal/buildinfo"
	"github.com/nugget/mcphost/internal/config"
	"github.com/nugget/mcphost/internal/connwatch"
	"github.com/nugget/mcphost/internal/events"
	"github.com/nugget/mcphost/internal/ipc"
	"github.com/nugget/mcphost/internal/mcp"
	"github.com/nugget/mcphost/internal/statuspub"
)

// callLogRetention is how long call records are kept.
const callLogRetention = 30 * 24 * time.Hour

// runServe handles "mcphost serve". It starts every configured server,
// answers control requests on the socket, and blocks until SIGINT or
// SIGTERM (or ctx) ends it.
//
// The shutdown sequence is:
//  1. The signal cancels ctx; the control socket stops accepting and
//     open client connections are closed
//  2. The MQTT publisher marks the host offline
//  3. Every server gets the shutdown handshake and stdio processes are
//     terminated
//  4. The state database is closed via defer
func runServe(ctx context.Context, stdout io.Writer, opts options) error {
	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}

	logger, err := config.NewLogger(stdout, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	logger.Info("starting mcphost", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	socket := opts.socket
	if socket == "" {
		socket = cfg.Daemon.Socket
	}
	logger.Info("config loaded",
		"path", cfg.Path(),
		"servers", len(cfg.Servers),
		"socket", socket,
		"state", cfg.State.Path,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := openState(cfg.State.Path)
	if err != nil {
		return err
	}
	if st != nil {
		defer st.Close()
		if n, err := st.calls.Prune(ctx, time.Now().Add(-callLogRetention)); err != nil {
			logger.Warn("call log prune failed", "error", err)
		} else if n > 0 {
			logger.Info("call log pruned", "removed", n)
		}
	}

	bus := events.New()
	host, err := mcp.NewHost(cfg.Servers, hostOptions(cfg, logger, bus, st))
	if err != nil {
		return err
	}

	// Bind before launching anything so a second daemon fails fast.
	ln, err := ipc.Listen(socket)
	if err != nil {
		return fmt.Errorf("control socket: %w", err)
	}

	if err := host.StartAll(ctx); err != nil {
		ln.Close()
		return err
	}
	for _, line := range strings.Split(strings.TrimSpace(host.Summary()), "\n") {
		logger.Info(line)
	}

	connMgr := connwatch.NewManager(logger)
	defer connMgr.Stop()

	if cfg.Host.RestartDegraded {
		host.Supervise(ctx, connMgr, connwatch.DefaultBackoffConfig())
		logger.Info("degraded server supervision enabled")
	}

	var pub *statuspub.Publisher
	if cfg.MQTT.Configured() {
		pub = statuspub.New(cfg.MQTT, host, bus, logger)
		go func() {
			if err := pub.Start(ctx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
		}()

		connMgr.Watch(ctx, connwatch.WatcherConfig{
			Name: "mqtt",
			Probe: func(pCtx context.Context) error {
				awaitCtx, awaitCancel := context.WithTimeout(pCtx, 2*time.Second)
				defer awaitCancel()
				return pub.AwaitConnection(awaitCtx)
			},
			Backoff: connwatch.DefaultBackoffConfig(),
			Logger:  logger,
		})
		logger.Info("mqtt status publishing enabled", "broker", cfg.MQTT.Broker, "topic_prefix", cfg.MQTT.TopicPrefix)
	} else {
		logger.Info("mqtt status publishing disabled (not configured)")
	}

	srv := ipc.NewServer(host, ipc.ServerOptions{
		Logger:         logger,
		MaxConnections: cfg.Daemon.MaxConnections,
	})
	serveErr := srv.Serve(ctx, ln)
	if serveErr != nil {
		logger.Error("control socket failed", "error", serveErr)
	} else {
		logger.Info("shutdown signal received")
	}

	shutdown(logger, host, pub, cfg.Host.ShutdownTimeout)
	logger.Info("mcphost stopped")
	return serveErr
}

// shutdown tells servers the host is going away, then stops the
// publisher and the host. It uses a fresh context: the serving one is
// already cancelled.
func shutdown(logger *slog.Logger, host *mcp.Host, pub *statuspub.Publisher, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout+5*time.Second)
	defer cancel()

	if err := host.LogToServers(ctx, slog.LevelInfo, "mcphost shutting down"); err != nil {
		logger.Debug("shutdown notice not delivered", "error", err)
	}

	if pub != nil {
		offlineCtx, offlineCancel := context.WithTimeout(ctx, 5*time.Second)
		if err := pub.Stop(offlineCtx); err != nil {
			logger.Error("mqtt shutdown failed", "error", err)
		}
		offlineCancel()
	}

	if err := host.Shutdown(ctx); err != nil {
		logger.Error("host shutdown incomplete", "error", err)
	}
}
