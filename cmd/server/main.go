// Package main is the entrypoint for the rgd-jobs API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/resonantgeodata/rgd-jobs/internal/api"
	"github.com/resonantgeodata/rgd-jobs/internal/api/handler"
	mw "github.com/resonantgeodata/rgd-jobs/internal/api/middleware"
	"github.com/resonantgeodata/rgd-jobs/internal/api/response"
	"github.com/resonantgeodata/rgd-jobs/internal/artifact"
	"github.com/resonantgeodata/rgd-jobs/internal/cache"
	"github.com/resonantgeodata/rgd-jobs/internal/config"
	"github.com/resonantgeodata/rgd-jobs/internal/jobs"
	"github.com/resonantgeodata/rgd-jobs/internal/queue"
	"github.com/resonantgeodata/rgd-jobs/internal/store"
	"github.com/resonantgeodata/rgd-jobs/pkg/models"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config, failing fast when invalid
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "env", cfg.Server.Env, "storage_backend", cfg.Storage.Backend)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL, cfg.Database.MigrationsDir); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 4. Create Redis cache and task queue
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	taskQueue, err := queue.NewRedisQueue(cfg.Redis.URL, cfg.Redis.QueueKey)
	if err != nil {
		return fmt.Errorf("create task queue: %w", err)
	}
	defer taskQueue.Close()

	// 5. Open artifact storage
	artifacts, err := artifact.FromConfig(ctx, cfg.Storage, cfg.Worker.WorkDir)
	if err != nil {
		return fmt.Errorf("open artifact store: %w", err)
	}
	slog.Info("artifact store ready", "backend", cfg.Storage.Backend)

	// 6. Create store and services
	pgStore := store.NewPostgresStore(pool)
	svc := jobs.NewService(pgStore, redisCache, taskQueue)

	// 7. Build router with dependencies
	maxUpload := cfg.Server.MaxUploadBytes
	deps := api.Dependencies{
		Auth:      mw.NewAuth(pgStore),
		RateLimit: mw.NewRateLimit(redisCache, cfg.Server.RateLimitPerMin),

		HealthHandler: healthHandler(pgStore, redisCache, taskQueue),

		CreateAlgorithm:      handler.NewCreateAlgorithmHandler(pgStore, artifacts, maxUpload),
		CreateScoreAlgorithm: handler.NewCreateScoreAlgorithmHandler(pgStore, artifacts, maxUpload),
		CreateDataset:        handler.NewCreateDatasetHandler(pgStore, artifacts, maxUpload),
		CreateGroundtruth:    handler.NewCreateGroundtruthHandler(pgStore, artifacts, maxUpload),

		SubmitAlgorithmJob: handler.NewSubmitAlgorithmJobHandler(svc),
		GetAlgorithmJob:    handler.NewGetAlgorithmJobHandler(pgStore),
		AlgorithmJobStatus: handler.NewJobStatusHandler(svc, models.JobKindAlgorithm),
		AlgorithmResult:    handler.NewAlgorithmResultHandler(pgStore, artifacts),

		SubmitScoreJob: handler.NewSubmitScoreJobHandler(svc),
		GetScoreJob:    handler.NewGetScoreJobHandler(pgStore),
		ScoreJobStatus: handler.NewJobStatusHandler(svc, models.JobKindScore),
		ScoreResult:    handler.NewScoreResultHandler(pgStore, artifacts),

		CreateKeyHandler: handler.NewCreateKeyHandler(pgStore),
		ListKeysHandler:  handler.NewListKeysHandler(pgStore),
		RevokeKeyHandler: handler.NewRevokeKeyHandler(pgStore),
	}

	router := api.NewRouter(deps)

	// 8. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:        addr,
		Handler:     router,
		ReadTimeout: 15 * time.Minute,
		// Result downloads stream whole artifacts.
		WriteTimeout: 15 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in background
	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error
	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

// healthHandler checks database, cache and queue connectivity and reports
// the number of tasks waiting for a worker.
func healthHandler(s store.Store, c cache.Cache, q queue.Inspector) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"cache":    "ok",
			"queue":    "ok",
		}

		if err := s.Ping(r.Context()); err != nil {
			slog.Warn("health check: database ping failed", "error", err)
			checks["database"] = "degraded"
		}
		if err := c.Ping(r.Context()); err != nil {
			slog.Warn("health check: redis ping failed", "error", err)
			checks["cache"] = "degraded"
		}
		depth, err := q.Len(r.Context())
		if err != nil {
			slog.Warn("health check: queue length failed", "error", err)
			checks["queue"] = "degraded"
		}

		degraded := checks["database"] != "ok" || checks["cache"] != "ok" || checks["queue"] != "ok"
		if degraded {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", checks)
			return
		}

		response.JSON(w, map[string]any{
			"status":      "ok",
			"services":    checks,
			"queue_depth": depth,
		})
	}
}
