package main

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/basket/go-duet/internal/bus"
	"github.com/basket/go-duet/internal/checkpoint"
	"github.com/basket/go-duet/internal/config"
	"github.com/basket/go-duet/internal/coordinator"
	"github.com/basket/go-duet/internal/gateway"
	otelPkg "github.com/basket/go-duet/internal/otel"
	"github.com/basket/go-duet/internal/persistence"
	"github.com/basket/go-duet/internal/pool"
	"github.com/basket/go-duet/internal/remote"
	"github.com/basket/go-duet/internal/residency"
	"github.com/basket/go-duet/internal/runtime"
	"github.com/basket/go-duet/internal/telemetry"
)

// runDaemon wires the full scheduler and blocks until a shutdown signal.
func runDaemon(ctx context.Context) int {
	homeDir := config.DefaultHomeDir()
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		fatalStartup("E_HOME_CREATE", err)
	}

	cfg, err := config.Load(homeDir)
	if err != nil {
		fatalStartup("E_CONFIG_LOAD", err)
	}

	logger, closer, err := telemetry.NewLogger(homeDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup("E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", homeDir)

	eventBus := bus.New()

	otelProvider, err := otelPkg.Init(ctx, cfg.Otel)
	if err != nil {
		fatalStartup("E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup("E_METRICS_INIT", err)
	}

	// Pool load/eviction events feed the model metrics through the bus so the
	// pool itself stays free of telemetry plumbing.
	go func() {
		sub := eventBus.Subscribe("model.")
		defer eventBus.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.Ch():
				if !ok {
					return
				}
				payload, isModel := ev.Payload.(bus.ModelEvent)
				if !isModel {
					continue
				}
				attrs := metric.WithAttributes(
					otelPkg.AttrRole.String(payload.Role),
					otelPkg.AttrModelID.String(payload.ModelID),
				)
				switch ev.Topic {
				case bus.TopicModelLoaded:
					metrics.ModelLoads.Add(ctx, 1, attrs)
				case bus.TopicModelEvicted:
					metrics.ModelEvictions.Add(ctx, 1, attrs)
				}
			}
		}
	}()

	store, err := persistence.Open(persistence.DefaultDBPath(homeDir), eventBus)
	if err != nil {
		fatalStartup("E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "schema_migrated")

	// A crash mid-dispatch leaves tasks in running with nobody driving them.
	recovered, err := store.RecoverOrphanedTasks(ctx)
	if err != nil {
		fatalStartup("E_TASK_RECOVERY", err)
	}
	logger.Info("startup phase", "phase", "recovery_scan_completed", "orphans_failed", recovered)

	rt := runtime.NewHTTPRuntime(cfg.Runtime.BaseURL)
	modelPool := pool.New(pool.Config{
		Runtime:        rt,
		Logger:         logger,
		Bus:            eventBus,
		MemoryBudgetMB: cfg.Pool.MemoryBudgetMB,
		LoadTimeout:    cfg.LoadTimeout(),
	})
	// Fail fast: the interactive worker must be confirmed resident before
	// anything is served.
	if err := modelPool.Initialize(ctx, cfg.Roles); err != nil {
		fatalStartup("E_POOL_INIT", err)
	}
	logger.Info("startup phase", "phase", "pool_initialized")

	checkpoints := checkpoint.New(store)
	executor := &coordinator.LocalExecutor{Pool: modelPool}

	coord := coordinator.New(coordinator.Config{
		Store:       store,
		Checkpoints: checkpoints,
		Executor:    executor,
		Remote:      remote.NewClient(logger),
		PeerAddr:    cfg.Remote.PeerAddr,
		Bus:         eventBus,
		Logger:      logger,
		Metrics:     metrics,
		Tracer:      otelProvider.Tracer,

		DispatchTimeout:    cfg.DispatchTimeout(),
		ConnectAttempts:    cfg.Dispatch.ConnectAttempts,
		ConnectDelay:       cfg.ConnectDelay(),
		CheckpointInterval: cfg.CheckpointInterval(),
		MaxTextLen:         cfg.Dispatch.MaxTaskTextLen,
	})

	// Pending tasks from before the restart never got a dispatch goroutine.
	pending, err := store.PendingTaskIDs(ctx)
	if err != nil {
		fatalStartup("E_PENDING_SCAN", err)
	}
	if len(pending) > 0 {
		logger.Info("re-dispatching pending tasks from previous run", "count", len(pending))
		go func() {
			for _, id := range pending {
				if err := coord.Dispatch(context.WithoutCancel(ctx), id); err != nil {
					logger.Error("re-dispatch failed", "task_id", id, "error", err)
				}
			}
		}()
	}

	validator, err := residency.NewValidator(residency.Config{
		Pool:     modelPool,
		Bus:      eventBus,
		Logger:   logger,
		Metrics:  metrics,
		Schedule: cfg.Residency.Schedule,
	})
	if err != nil {
		fatalStartup("E_RESIDENCY_SCHEDULE", err)
	}
	validator.Start(ctx)
	defer validator.Stop()

	authToken, err := loadAuthToken(homeDir)
	if err != nil {
		fatalStartup("E_AUTH_TOKEN_WRITE", err)
	}

	gw, err := gateway.New(gateway.Config{
		Coordinator: coord,
		Store:       store,
		Checkpoints: checkpoints,
		Pool:        modelPool,
		Bus:         eventBus,
		Logger:      logger,
		Executor:    executor,
		AuthToken:   authToken,
	})
	if err != nil {
		fatalStartup("E_GATEWAY_INIT", err)
	}

	confWatcher := config.NewWatcher(homeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		fatalStartup("E_CONFIG_WATCHER_START", err)
	}
	go func() {
		for ev := range confWatcher.Events() {
			if filepath.Base(ev.Path) != "config.yaml" {
				continue
			}
			newCfg, err := config.Load(homeDir)
			if err != nil {
				logger.Error("config.yaml reload failed", "error", err)
				continue
			}
			// Role bindings and budgets are fixed for the process lifetime.
			if !rolesEqual(cfg.Roles, newCfg.Roles) || cfg.Pool != newCfg.Pool {
				logger.Warn("role bindings or pool budget changed on disk; restart required to apply")
			}
			logger.Info("config.yaml hot-reloaded", "log_level", newCfg.LogLevel)
		}
	}()

	server := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: gw.Handler(),
	}
	serverErr := make(chan error, 1)
	lc := &net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
		},
	}
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		fatalStartup("E_LISTENER_BIND", err)
	}
	logger.Info("startup phase", "phase", "listener_bound", "addr", cfg.BindAddr)
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr, "ws", "/ws")
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	// Shutdown order: stop intake, drain in-flight dispatches, close clients,
	// then the deferred store.Close flushes the DB.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	if !coord.Drain(10 * time.Second) {
		logger.Warn("dispatch drain timed out; some tasks may be recovered as orphans on next start")
	}
	gw.Shutdown(shutdownCtx)
	logger.Info("shutdown complete")
	return 0
}

func rolesEqual(a, b []config.RoleBinding) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
