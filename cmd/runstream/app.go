package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/c360studio/runstream/config"
	"github.com/c360studio/runstream/eventlog"
	"github.com/c360studio/runstream/publisher"
	"github.com/c360studio/runstream/registry"
	"github.com/c360studio/runstream/runapi"
	"github.com/c360studio/runstream/runner"
)

// App is the main application that wires together all components.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	// NATS
	embeddedServer *server.Server
	natsConn       *nats.Conn

	// Core components
	log      *eventlog.Log
	registry *registry.Registry
	watcher  *registry.Watcher

	httpServer *http.Server
}

// NewApp creates a new application instance.
func NewApp(cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	return &App{cfg: cfg, logger: logger, registry: registry.New(logger)}, nil
}

// Registry exposes the workflow registry so embedders can register node
// handlers before Start.
func (a *App) Registry() *registry.Registry {
	return a.registry
}

// Start initializes and starts all components.
func (a *App) Start(ctx context.Context) error {
	if err := os.MkdirAll(a.cfg.Data.Dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	// Start NATS (embedded or connect to external)
	if err := a.startNATS(); err != nil {
		return fmt.Errorf("start NATS: %w", err)
	}

	// Open the event log
	log, err := eventlog.Open(a.cfg.Data.DatabasePath(), a.logger)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	a.log = log

	// Workflow definitions, with optional hot reload
	if a.cfg.Workflows.Watch {
		watcher, err := registry.NewWatcher(a.registry, a.cfg.Workflows.Path, a.logger)
		if err != nil {
			return fmt.Errorf("create workflow watcher: %w", err)
		}
		if err := watcher.Start(ctx); err != nil {
			return fmt.Errorf("start workflow watcher: %w", err)
		}
		a.watcher = watcher
	} else {
		if err := a.registry.LoadFile(a.cfg.Workflows.Path); err != nil {
			return fmt.Errorf("load workflow definitions: %w", err)
		}
	}

	// Wire the execution path: log -> publisher -> runner -> API
	pub := publisher.New(a.log, a.natsConn, a.logger)
	rnr := runner.New(a.log, pub, a.logger)
	api := runapi.New(a.log, rnr, a.registry, a.logger)

	mux := http.NewServeMux()
	api.RegisterHTTPHandlers(a.cfg.HTTP.Prefix, mux)
	mux.Handle("/metrics", promhttp.Handler())

	a.httpServer = &http.Server{
		Addr:    a.cfg.HTTP.Addr,
		Handler: mux,
	}
	go func() {
		a.logger.Info("HTTP API listening", "addr", a.cfg.HTTP.Addr)
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("HTTP server failed", "error", err)
		}
	}()

	a.logger.Info("Components initialized",
		"database", a.cfg.Data.DatabasePath(),
		"workflows", a.cfg.Workflows.Path,
		"embedded_nats", a.embeddedServer != nil,
	)
	return nil
}

func (a *App) startNATS() error {
	if a.cfg.NATS.URL != "" && !a.cfg.NATS.Embedded {
		// Connect to external NATS
		a.logger.Info("Connecting to NATS", "url", a.cfg.NATS.URL)
		conn, err := nats.Connect(a.cfg.NATS.URL)
		if err != nil {
			return fmt.Errorf("connect to NATS: %w", err)
		}
		a.natsConn = conn
		return nil
	}

	// Start embedded NATS server
	a.logger.Info("Starting embedded NATS server")
	opts := &server.Options{
		Port:   -1, // Random available port
		NoLog:  true,
		NoSigs: true,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return fmt.Errorf("create embedded NATS server: %w", err)
	}

	go ns.Start()

	// Wait for server to be ready
	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		return fmt.Errorf("embedded NATS server failed to start")
	}

	a.embeddedServer = ns

	// Connect to embedded server
	conn, err := nats.Connect(ns.ClientURL())
	if err != nil {
		ns.Shutdown()
		return fmt.Errorf("connect to embedded NATS: %w", err)
	}
	a.natsConn = conn
	return nil
}

// Shutdown gracefully stops all components.
func (a *App) Shutdown(timeout time.Duration) {
	a.logger.Info("Shutting down")

	if a.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := a.httpServer.Shutdown(ctx); err != nil {
			a.logger.Warn("HTTP shutdown incomplete", "error", err)
		}
	}

	if a.watcher != nil {
		_ = a.watcher.Stop()
	}

	// Close NATS connection
	if a.natsConn != nil {
		a.natsConn.Drain()
		a.natsConn.Close()
	}

	// Shutdown embedded server
	if a.embeddedServer != nil {
		a.embeddedServer.Shutdown()
		a.embeddedServer.WaitForShutdown()
	}

	if a.log != nil {
		if err := a.log.Close(); err != nil {
			a.logger.Warn("Event log close failed", "error", err)
		}
	}
}
