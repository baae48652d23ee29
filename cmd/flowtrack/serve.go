package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/rendis/flowtrack/internal/engine"
	"github.com/rendis/flowtrack/internal/expressions"
	"github.com/rendis/flowtrack/internal/logging"
	"github.com/rendis/flowtrack/internal/scheduler"
	"github.com/rendis/flowtrack/internal/store"
	"github.com/rendis/flowtrack/internal/streaming"
	"github.com/rendis/flowtrack/internal/validation"
	flowmcp "github.com/rendis/flowtrack/pkg/mcp"
)

// hubBuffer is the per-subscriber event buffer of the in-process hub.
const hubBuffer = 256

func runServe() error {
	cfg := loadConfig()
	if err := cfg.validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	level := new(slog.LevelVar)
	lvl, _ := parseLevel(cfg.LogLevel)
	level.Set(lvl)
	// stdout carries the MCP stream, so logs go to stderr.
	logger := slog.New(logging.NewCorrelationHandler(
		slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}),
	))

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := st.Migrate(ctx); err != nil {
		return err
	}

	cel, err := expressions.NewCELEngine()
	if err != nil {
		return err
	}
	exprEngine := expressions.NewExprEngine()
	validator, err := validation.NewWorkflowValidator(cel, exprEngine)
	if err != nil {
		return err
	}

	pool := engine.NewWorkerPool(cfg.PoolSize, logger)
	defer pool.Shutdown()

	hub := streaming.NewMemoryHub(hubBuffer)
	timeout, _ := cfg.defaultTimeout()
	svc := engine.NewService(engine.ServiceDeps{
		Store:      st,
		Validator:  validator,
		Conditions: cel,
		Outputs:    exprEngine,
		Queries:    expressions.NewGoJQEngine(),
		Hub:        hub,
		Pool:       pool,
		Logger:     logger,
	}, engine.ServiceConfig{
		Tracker:        cfg.trackerOptions(),
		DefaultTimeout: timeout,
	})
	defer svc.Close()

	watchdog, err := scheduler.NewWatchdog(svc, cfg.SweepSchedule, logger)
	if err != nil {
		return err
	}
	if err := watchdog.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = watchdog.Stop() }()

	if err := writePID(); err != nil {
		logger.Warn("pid file not written, install cannot signal this server", "error", err)
	} else {
		defer func() { _ = os.Remove(pidPath()) }()
	}

	go watchReload(ctx, cfg, level, logger)

	srv := flowmcp.NewFlowtrackServer(flowmcp.FlowtrackServerDeps{
		Service: svc,
		Hub:     hub,
		Logger:  logger,
	})
	logger.Info("flowtrack serving on stdio", "version", version, "db_path", cfg.DBPath)

	if err := srv.Serve(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	logger.Info("flowtrack shutting down", "live_executions", svc.Live())
	return nil
}

// watchReload re-reads the configuration on SIGHUP. Only the log level is
// applied live; other changes are reported as needing a restart.
func watchReload(ctx context.Context, current Config, level *slog.LevelVar, logger *slog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			next := loadConfig()
			if err := next.validate(); err != nil {
				logger.Error("configuration reload rejected", "error", err)
				continue
			}
			current = applyReload(current, next, level, logger)
		}
	}
}

// applyReload applies the live-reloadable part of next and returns the
// configuration now in effect.
func applyReload(current, next Config, level *slog.LevelVar, logger *slog.Logger) Config {
	diff := diffConfigs(current, next)
	if diff.LogLevelChanged {
		lvl, _ := parseLevel(next.LogLevel)
		level.Set(lvl)
		current.LogLevel = next.LogLevel
		logger.Info("log level changed", "level", next.LogLevel)
	}
	if len(diff.RestartNeeded) > 0 {
		logger.Warn("configuration changes need a restart", "fields", diff.RestartNeeded)
	}
	return current
}

func writePID() error {
	if err := os.MkdirAll(flowtrackDir(), 0o700); err != nil {
		return err
	}
	return os.WriteFile(pidPath(), []byte(strconv.Itoa(os.Getpid())), 0o644)
}
