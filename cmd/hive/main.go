package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/floraldo/hive-sub004/internal/autoscale"
	"github.com/floraldo/hive-sub004/internal/health"
	"github.com/floraldo/hive-sub004/internal/logging"
	"github.com/floraldo/hive-sub004/internal/metrics"
	"github.com/floraldo/hive-sub004/internal/pool"
	"github.com/floraldo/hive-sub004/internal/resilience"
	"github.com/floraldo/hive-sub004/internal/store"
	"github.com/floraldo/hive-sub004/internal/supervise"
	"github.com/floraldo/hive-sub004/internal/workflow"
	"github.com/floraldo/hive-sub004/pkg/schema"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "hive:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if cfg.WorkerCommand == "" {
		return fmt.Errorf("worker_command is required (settings.json or HIVE_WORKER_COMMAND)")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.NewLibSQLStore(cfg.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	executor, err := workflow.NewSubprocessExecutor(workflow.SubprocessConfig{
		Command: cfg.WorkerCommand,
		Args:    cfg.WorkerArgs,
	})
	if err != nil {
		return err
	}

	collector := metrics.NewCollector(0)
	execPool, err := pool.NewExecutionPool(pool.Config{
		MaxConcurrent: cfg.PoolSize,
		MaxIterations: cfg.MaxIterations,
		Retry:         resilience.DefaultRetryConfig(),
		Breaker:       resilience.DefaultCircuitBreakerConfig(),
	}, st, executor, collector, logger)
	if err != nil {
		return err
	}

	scaler, err := autoscale.NewAutoscaler(autoscale.DefaultConfig())
	if err != nil {
		return err
	}
	monitor, err := health.NewMonitor(health.DefaultConfig())
	if err != nil {
		return err
	}
	supervisor, err := supervise.NewSupervisor(supervise.Config{
		ReportCron: cfg.ReportCron,
	}, execPool, scaler, monitor, logger)
	if err != nil {
		return err
	}

	execPool.Start()
	if err := supervisor.Start(ctx); err != nil {
		return err
	}

	pump(ctx, st, execPool, time.Duration(cfg.PumpInterval), logger)

	// Shutdown: stop accepting, await in-flight work, then halt supervision.
	execPool.Stop(context.WithoutCancel(ctx))
	if err := supervisor.Stop(); err != nil {
		logger.Error("supervisor stop failed", slog.String("error", err.Error()))
	}
	return nil
}

// pump leases queued tasks from the store and submits them, self-throttling
// on the pool's available slots so active work stays within capacity.
func pump(ctx context.Context, st store.Store, execPool *pool.ExecutionPool, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		slots := execPool.AvailableSlots()
		if slots <= 0 {
			continue
		}
		queued := schema.TaskStatusQueued
		tasks, err := st.ListTasks(ctx, store.TaskFilter{Status: &queued, Limit: slots})
		if err != nil {
			logger.Error("list queued tasks failed", slog.String("error", err.Error()))
			continue
		}
		for _, task := range tasks {
			if err := st.MarkRunning(ctx, task.ID); err != nil {
				logger.Error("lease task failed", slog.String("task_id", task.ID), slog.String("error", err.Error()))
				continue
			}
			if err := execPool.Submit(ctx, task); err != nil {
				logger.Error("submit failed", slog.String("task_id", task.ID), slog.String("error", err.Error()))
			}
		}
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(handler))
}
