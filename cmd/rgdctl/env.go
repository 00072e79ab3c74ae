package main

import (
	"context"
	"fmt"

	"github.com/resonantgeodata/rgd-jobs/internal/artifact"
	"github.com/resonantgeodata/rgd-jobs/internal/cache"
	"github.com/resonantgeodata/rgd-jobs/internal/config"
	"github.com/resonantgeodata/rgd-jobs/internal/container"
	"github.com/resonantgeodata/rgd-jobs/internal/jobs"
	"github.com/resonantgeodata/rgd-jobs/internal/store"
)

// env holds the connections a command opened. close releases them in reverse.
type env struct {
	cfg     *config.Config
	store   store.Store
	cache   *cache.RedisCache
	closers []func()
}

func openEnv(ctx context.Context) (*env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	e := &env{cfg: cfg, store: store.NewPostgresStore(pool)}
	e.closers = append(e.closers, pool.Close)
	return e, nil
}

func (e *env) close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
}

func (e *env) redis() (*cache.RedisCache, error) {
	if e.cache != nil {
		return e.cache, nil
	}
	c, err := cache.NewRedisCache(e.cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("create redis cache: %w", err)
	}
	e.cache = c
	e.closers = append(e.closers, func() { _ = c.Close() })
	return c, nil
}

// executor wires the Docker engine, artifact store and CLI runner.
func (e *env) executor(ctx context.Context) (*jobs.Executor, error) {
	c, err := e.redis()
	if err != nil {
		return nil, err
	}
	artifacts, err := artifact.FromConfig(ctx, e.cfg.Storage, e.cfg.Worker.WorkDir)
	if err != nil {
		return nil, fmt.Errorf("open artifact store: %w", err)
	}
	engine, err := container.NewDockerEngine(e.cfg.Docker.APITimeout)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	e.closers = append(e.closers, func() { _ = engine.Close() })

	return jobs.NewExecutor(
		e.store,
		c,
		artifacts,
		jobs.NewResolver(engine, artifacts),
		container.NewCLIRunner(e.cfg.Docker.Binary),
		e.cfg.Worker.WorkDir,
	), nil
}
