package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql

	"github.com/nugget/mcphost/internal/approvals"
	"github.com/nugget/mcphost/internal/calllog"
	"github.com/nugget/mcphost/internal/config"
	"github.com/nugget/mcphost/internal/events"
	"github.com/nugget/mcphost/internal/ipc"
	"github.com/nugget/mcphost/internal/mcp"
)

// daemonDialTimeout bounds the probe for a running daemon.
const daemonDialTimeout = time.Second

// hostClient is what the CLI commands need from a host, whether it is
// the daemon behind the control socket or one started in-process.
type hostClient interface {
	GetAllCapabilities(ctx context.Context) (mcp.ServerCapabilities, error)
	Status(ctx context.Context) ([]mcp.ServerStatus, error)
	ExecuteTool(ctx context.Context, qualified string, args any) (json.RawMessage, error)
	GetResource(ctx context.Context, qualified string, params any) (json.RawMessage, error)
	IsAutoExecute(ctx context.Context, qualified string) bool
	ApproveAutoExecute(ctx context.Context, qualified string) error
	Close(ctx context.Context) error
}

// daemonClient adapts an ipc.Client.
type daemonClient struct {
	*ipc.Client
}

func (d daemonClient) Close(context.Context) error {
	return d.Client.Close()
}

// localHost runs the servers inside this process for one command.
type localHost struct {
	host  *mcp.Host
	state *stateStores
}

func (l *localHost) GetAllCapabilities(context.Context) (mcp.ServerCapabilities, error) {
	return l.host.GetAllCapabilities(), nil
}

func (l *localHost) Status(context.Context) ([]mcp.ServerStatus, error) {
	return l.host.Status(), nil
}

func (l *localHost) ExecuteTool(ctx context.Context, qualified string, args any) (json.RawMessage, error) {
	return l.host.ExecuteTool(ctx, qualified, args)
}

func (l *localHost) GetResource(ctx context.Context, qualified string, params any) (json.RawMessage, error) {
	return l.host.GetResource(ctx, qualified, params)
}

func (l *localHost) IsAutoExecute(ctx context.Context, qualified string) bool {
	return l.host.IsAutoExecute(ctx, qualified)
}

func (l *localHost) ApproveAutoExecute(ctx context.Context, qualified string) error {
	return l.host.ApproveAutoExecute(ctx, qualified)
}

func (l *localHost) Close(ctx context.Context) error {
	err := l.host.Shutdown(ctx)
	if l.state != nil {
		err = errors.Join(err, l.state.Close())
	}
	return err
}

// connect returns the running daemon when one answers on the control
// socket, and otherwise starts the configured servers in-process.
func connect(ctx context.Context, stderr io.Writer, opts options) (hostClient, error) {
	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return nil, err
	}

	if !opts.local {
		socket := opts.socket
		if socket == "" {
			socket = cfg.Daemon.Socket
		}
		if c := dialDaemon(ctx, socket); c != nil {
			return daemonClient{c}, nil
		}
	}

	level := cfg.LogLevel
	if level == "" {
		level = "warn"
	}
	logger, err := config.NewLogger(stderr, level, cfg.LogFormat)
	if err != nil {
		return nil, err
	}

	st, err := openState(cfg.State.Path)
	if err != nil {
		return nil, err
	}
	host, err := mcp.Start(ctx, cfg.Servers, hostOptions(cfg, logger, nil, st))
	if err != nil {
		if st != nil {
			st.Close()
		}
		return nil, err
	}
	return &localHost{host: host, state: st}, nil
}

// dialDaemon connects to socket and pings it. It returns nil when no
// daemon answers.
func dialDaemon(ctx context.Context, socket string) *ipc.Client {
	dctx, cancel := context.WithTimeout(ctx, daemonDialTimeout)
	defer cancel()

	c, err := ipc.Dial(dctx, socket)
	if err != nil {
		return nil
	}
	if err := c.Ping(dctx); err != nil {
		c.Close()
		return nil
	}
	return c
}

// hostOptions maps configuration onto mcp.Options. bus and st may be
// nil.
func hostOptions(cfg *config.Config, logger *slog.Logger, bus *events.Bus, st *stateStores) mcp.Options {
	opts := mcp.Options{
		Logger: logger,
		Sink: mcp.MultiSink{
			mcp.LogSink{Logger: logger},
			mcp.EventSink{Bus: bus},
		},
		Transport: mcp.TransportOptions{
			Logger:    logger,
			KillGrace: cfg.Host.KillGrace,
		},
		InitTimeout:      cfg.InitTimeout(),
		CallTimeout:      cfg.ToolTimeout,
		ShutdownTimeout:  cfg.Host.ShutdownTimeout,
		Sequential:       cfg.Host.Startup == config.StartupSequential,
		StartConcurrency: cfg.Host.StartConcurrency,
	}

	switch {
	case st != nil:
		opts.Approvals = st.approvals
		opts.Recorder = st.calls
	case cfg.Path() != "":
		opts.Approvals = config.FileApprovals{Path: cfg.Path()}
	}
	return opts
}

// stateStores holds the stores backed by the state database.
type stateStores struct {
	db        *sql.DB
	calls     *calllog.Store
	approvals *approvals.Store
}

// openState opens the state database at path, creating it and its
// directory if needed. An empty path returns nil.
func openState(path string) (*stateStores, error) {
	if path == "" {
		return nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open state database: %w", err)
	}

	calls, err := calllog.NewStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	appr, err := approvals.NewStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &stateStores{db: db, calls: calls, approvals: appr}, nil
}

// requireState opens the state database for commands that only read
// it, failing when none is configured.
func requireState(opts options) (*stateStores, error) {
	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return nil, err
	}
	if cfg.State.Path == "" {
		return nil, fmt.Errorf("no state database configured (set state.path)")
	}
	return openState(cfg.State.Path)
}

func (s *stateStores) Close() error {
	return s.db.Close()
}
