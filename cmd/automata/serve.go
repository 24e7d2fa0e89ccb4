package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rendis/automata/internal/engine"
	"github.com/rendis/automata/internal/scheduler"
	"github.com/rendis/automata/internal/service"
	"github.com/rendis/automata/pkg/mcp"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the MCP tools over stdio and run the scheduler",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runServe(ctx, loadConfig())
	},
}

func runServe(ctx context.Context, cfg Config) error {
	logger := newLogger(cfg)

	var pool *engine.WorkerPool
	a, err := openApp(ctx, cfg, logger, func(in *engine.Interpreter) service.Dispatcher {
		pool = engine.NewWorkerPool(in, cfg.PoolSize, logger)
		return pool
	})
	if err != nil {
		return err
	}
	defer a.Close()
	defer pool.Shutdown()

	srv := mcp.NewAutomataServer(mcp.AutomataServerDeps{
		Backend: a.service,
		Logger:  logger,
	})
	pool.OnFinish = srv.ExecutionFinished

	sched := scheduler.NewScheduler(a.store, a.service, cfg.schedulerInterval(), logger)
	if err := sched.RecoverMissed(ctx); err != nil {
		logger.Warn("missed schedule recovery failed", "error", err)
	}
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer sched.Stop()

	if n, err := a.service.RecoverInFlight(ctx); err != nil {
		logger.Warn("in-flight recovery failed", "error", err)
	} else if n > 0 {
		logger.Info("resumed in-flight executions", "count", n)
	}

	logger.Info("automata serving", "db", cfg.DBPath, "pool_size", cfg.PoolSize)
	return srv.Serve(ctx)
}
