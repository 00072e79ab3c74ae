// Package main is the entrypoint for the rgd-jobs worker. It consumes queued
// algorithm and score jobs and runs them in Docker containers.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/resonantgeodata/rgd-jobs/internal/artifact"
	"github.com/resonantgeodata/rgd-jobs/internal/cache"
	"github.com/resonantgeodata/rgd-jobs/internal/config"
	"github.com/resonantgeodata/rgd-jobs/internal/container"
	"github.com/resonantgeodata/rgd-jobs/internal/jobs"
	"github.com/resonantgeodata/rgd-jobs/internal/queue"
	"github.com/resonantgeodata/rgd-jobs/internal/store"
	"github.com/resonantgeodata/rgd-jobs/internal/worker"
)

// shutdownTimeout bounds how long running jobs may drain after a signal.
const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("worker failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "env", cfg.Server.Env, "concurrency", cfg.Worker.Concurrency)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	taskQueue, err := queue.NewRedisQueue(cfg.Redis.URL, cfg.Redis.QueueKey)
	if err != nil {
		return fmt.Errorf("create task queue: %w", err)
	}
	defer taskQueue.Close()

	artifacts, err := artifact.FromConfig(ctx, cfg.Storage, cfg.Worker.WorkDir)
	if err != nil {
		return fmt.Errorf("open artifact store: %w", err)
	}

	engine, err := container.NewDockerEngine(cfg.Docker.APITimeout)
	if err != nil {
		return fmt.Errorf("create docker client: %w", err)
	}
	defer engine.Close()

	if err := engine.Ping(ctx); err != nil {
		return fmt.Errorf("ping docker daemon: %w", err)
	}
	slog.Info("docker daemon reachable")

	pgStore := store.NewPostgresStore(pool)
	executor := jobs.NewExecutor(
		pgStore,
		redisCache,
		artifacts,
		jobs.NewResolver(engine, artifacts),
		container.NewCLIRunner(cfg.Docker.Binary),
		cfg.Worker.WorkDir,
	)
	reaper := jobs.NewReaper(pgStore, redisCache, cfg.Worker.StuckAfter)

	workers, err := worker.NewPool(poolConfig(cfg.Worker), taskQueue, executor, reaper)
	if err != nil {
		return fmt.Errorf("create worker pool: %w", err)
	}

	// Tasks outlive the signal context so Stop can let them drain.
	workers.Start(context.Background())
	logQueueDepth(ctx, taskQueue, "worker started")

	<-ctx.Done()
	slog.Info("shutdown signal received, waiting for running jobs...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := workers.Stop(shutdownCtx); err != nil {
		slog.Warn("running jobs cancelled at shutdown; the reaper will fail them", "error", err)
	}

	logQueueDepth(shutdownCtx, taskQueue, "tasks left in queue")

	m := workers.Metrics()
	slog.Info("worker stopped",
		"completed_tasks", m.CompletedTasks,
		"failed_tasks", m.FailedTasks,
		"reaped_jobs", m.ReapedJobs,
	)
	return nil
}

func logQueueDepth(ctx context.Context, q queue.Inspector, msg string) {
	depth, err := q.Len(ctx)
	if err != nil {
		slog.Warn("read queue length", "error", err)
		return
	}
	slog.Info(msg, "queue_depth", depth)
}

func poolConfig(w config.WorkerConfig) worker.Config {
	return worker.Config{
		Concurrency:    w.Concurrency,
		TaskTimeLimit:  w.TaskTimeLimit,
		PollWait:       w.PollWait,
		ReaperInterval: w.ReaperInterval,
	}
}
