// Command sprintloopd runs the orchestration daemon: it wires the store,
// bus, delegation engine, selector, orchestrator and task queue, then
// serves until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sprintloop/sprintloop/pkg/bus"
	"github.com/sprintloop/sprintloop/pkg/cache"
	"github.com/sprintloop/sprintloop/pkg/config"
	"github.com/sprintloop/sprintloop/pkg/delegation"
	"github.com/sprintloop/sprintloop/pkg/logging"
	"github.com/sprintloop/sprintloop/pkg/orchestrator"
	"github.com/sprintloop/sprintloop/pkg/queue"
	"github.com/sprintloop/sprintloop/pkg/selector"
	"github.com/sprintloop/sprintloop/pkg/session"
	"github.com/sprintloop/sprintloop/pkg/storage"
	"github.com/sprintloop/sprintloop/pkg/worker"
)

// Version information - set via ldflags during build
var (
	version   = "1.0.0-dev"
	commit    = "unknown"
	buildDate = "unknown"
)

var (
	configPath  string
	showVersion bool
)

func main() {
	flag.StringVar(&configPath, "config", "", "path to config file")
	flag.BoolVar(&showVersion, "version", false, "print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("sprintloopd %s (%s, built %s)\n", version, commit, buildDate)
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "sprintloopd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.LogDir, logging.LevelInfo)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer logger.Close()

	store, err := storage.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	messageBus := connectBus(cfg, logger)
	defer messageBus.Close()

	contextCache := cache.New(cfg.Cache.TTL)
	defer contextCache.Close()

	engine := delegation.NewEngine(store, logger, cfg.Delegation)
	sel := selector.New(store, engine, logger)
	sessions := session.NewManager(store, logger, cfg.Session.TTL)

	registry := worker.NewRegistry()
	if err := registry.Register(worker.CategoryUniversal, worker.NewFallbackExecutor()); err != nil {
		return err
	}

	orch := orchestrator.New(orchestrator.Options{
		Selector:       sel,
		Engine:         engine,
		Registry:       registry,
		Store:          store,
		Cache:          contextCache,
		Sessions:       sessions,
		Logger:         logger,
		Production:     cfg.IsProduction(),
		ExecuteTimeout: cfg.Orchestra.ExecuteTimeout,
	})

	taskQueue := queue.New(store, orch, messageBus, logger, cfg.Queue)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	taskQueue.Start(ctx)
	defer taskQueue.Stop()

	go runSweeps(ctx, cfg, engine, sessions, logger)

	logger.Info(logging.CategoryOrchestrator, "daemon_started", "sprintloopd running", map[string]any{
		"version":     version,
		"environment": cfg.Environment,
		"database":    cfg.Database.Path,
	})

	<-ctx.Done()
	logger.Info(logging.CategoryOrchestrator, "daemon_stopping", "shutdown signal received", nil)
	return nil
}

// connectBus prefers NATS and falls back to the in-process bus when the
// server is unreachable or the config forces memory mode.
func connectBus(cfg *config.Config, logger *logging.Logger) bus.MessageBus {
	if cfg.Bus.InMemory {
		return bus.NewMemoryBus()
	}
	natsBus, err := bus.NewNATSBus(bus.Config{
		URL:     cfg.Bus.URL,
		Name:    cfg.Bus.Name,
		Timeout: cfg.Bus.Timeout,
	})
	if err != nil {
		logger.Warn(logging.CategoryBus, "nats_unavailable", "falling back to in-memory bus", map[string]any{
			"url":   cfg.Bus.URL,
			"error": err.Error(),
		})
		return bus.NewMemoryBus()
	}
	return natsBus
}

// runSweeps expires stale delegations and sessions on their configured
// intervals until the context is cancelled.
func runSweeps(ctx context.Context, cfg *config.Config, engine *delegation.Engine, sessions *session.Manager, logger *logging.Logger) {
	delegationTicker := time.NewTicker(cfg.Delegation.SweepInterval)
	sessionTicker := time.NewTicker(cfg.Session.SweepInterval)
	defer delegationTicker.Stop()
	defer sessionTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-delegationTicker.C:
			if _, err := engine.ExpireOldDelegations(); err != nil {
				logger.Error(logging.CategoryDelegation, "sweep_failed", "delegation sweep failed", map[string]any{
					"error": err.Error(),
				})
			}
		case <-sessionTicker.C:
			if _, err := sessions.ExpireSessions(); err != nil {
				logger.Error(logging.CategorySession, "sweep_failed", "session sweep failed", map[string]any{
					"error": err.Error(),
				})
			}
		}
	}
}
