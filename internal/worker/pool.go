// Package worker pulls job tasks off the queue and runs them with a fixed
// number of goroutines, each task under a hard time limit.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/resonantgeodata/rgd-jobs/internal/jobs"
	"github.com/resonantgeodata/rgd-jobs/internal/queue"
	"github.com/resonantgeodata/rgd-jobs/pkg/models"
)

// Runner executes job bodies. *jobs.Executor satisfies it.
type Runner interface {
	RunAlgorithmJob(ctx context.Context, id int64, opts jobs.Options) (*jobs.Outcome, error)
	RunScoreJob(ctx context.Context, id int64, opts jobs.Options) (*jobs.Outcome, error)
}

// Sweeper reconciles jobs left running. *jobs.Reaper satisfies it.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// Config represents pool configuration.
type Config struct {
	Concurrency    int           // number of worker goroutines
	TaskTimeLimit  time.Duration // hard limit for one task
	PollWait       time.Duration // how long one dequeue blocks
	ReaperInterval time.Duration // 0 disables the reaper loop
}

// Validate validates configuration.
func (cfg Config) Validate() error {
	if cfg.Concurrency < 1 {
		return errors.New("concurrency must be greater than 0")
	}
	if cfg.TaskTimeLimit <= 0 {
		return errors.New("task time limit must be greater than 0")
	}
	if cfg.PollWait <= 0 {
		return errors.New("poll wait must be greater than 0")
	}
	if cfg.ReaperInterval < 0 {
		return errors.New("reaper interval must be greater than or equal to 0")
	}
	return nil
}

// Metrics tracks the pool's operational counters.
type Metrics struct {
	ActiveTasks    atomic.Int64
	CompletedTasks atomic.Int64 // tasks that reached a terminal status
	FailedTasks    atomic.Int64 // tasks that returned an error
	ReapedJobs     atomic.Int64
	ProcessingTime atomic.Int64 // nanoseconds
}

// Snapshot is a point-in-time copy of Metrics.
type Snapshot struct {
	ActiveTasks    int64         `json:"active_tasks"`
	CompletedTasks int64         `json:"completed_tasks"`
	FailedTasks    int64         `json:"failed_tasks"`
	ReapedJobs     int64         `json:"reaped_jobs"`
	ProcessingTime time.Duration `json:"processing_time"`
}

// Pool consumes tasks from a queue.
type Pool struct {
	cfg     Config
	queue   queue.Queue
	runner  Runner
	reaper  Sweeper
	metrics *Metrics

	// pollCancel stops dequeuing; taskCancel aborts tasks already running.
	pollCancel context.CancelFunc
	taskCancel context.CancelFunc
	wg         sync.WaitGroup
	started    atomic.Bool
}

// NewPool creates a pool. reaper may be nil.
func NewPool(cfg Config, q queue.Queue, runner Runner, reaper Sweeper) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid worker config: %w", err)
	}
	if q == nil || runner == nil {
		return nil, errors.New("worker pool requires a queue and a runner")
	}
	return &Pool{cfg: cfg, queue: q, runner: runner, reaper: reaper, metrics: &Metrics{}}, nil
}

// Start launches the workers and, when configured, the reaper loop.
// ctx bounds the whole pool's lifetime.
func (p *Pool) Start(ctx context.Context) {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	taskCtx, taskCancel := context.WithCancel(ctx)
	pollCtx, pollCancel := context.WithCancel(taskCtx)
	p.taskCancel, p.pollCancel = taskCancel, pollCancel

	slog.Info("starting worker pool",
		"concurrency", p.cfg.Concurrency,
		"task_time_limit", p.cfg.TaskTimeLimit.String(),
		"reaper_interval", p.cfg.ReaperInterval.String(),
	)

	for i := 0; i < p.cfg.Concurrency; i++ {
		p.wg.Add(1)
		go p.workerLoop(pollCtx, taskCtx, i)
	}
	if p.reaper != nil && p.cfg.ReaperInterval > 0 {
		p.wg.Add(1)
		go p.reaperLoop(pollCtx)
	}
}

// Stop stops dequeuing and waits for running tasks. When ctx ends first the
// running tasks are cancelled; their jobs stay running until reaped.
func (p *Pool) Stop(ctx context.Context) error {
	if !p.started.Load() {
		return nil
	}
	p.pollCancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.taskCancel()
		slog.Info("worker pool stopped")
		return nil
	case <-ctx.Done():
		p.taskCancel()
		<-done
		slog.Warn("worker pool stop timed out, running tasks were cancelled")
		return ctx.Err()
	}
}

// Metrics returns a snapshot of the pool's counters.
func (p *Pool) Metrics() Snapshot {
	return Snapshot{
		ActiveTasks:    p.metrics.ActiveTasks.Load(),
		CompletedTasks: p.metrics.CompletedTasks.Load(),
		FailedTasks:    p.metrics.FailedTasks.Load(),
		ReapedJobs:     p.metrics.ReapedJobs.Load(),
		ProcessingTime: time.Duration(p.metrics.ProcessingTime.Load()),
	}
}

func (p *Pool) workerLoop(pollCtx, taskCtx context.Context, id int) {
	defer p.wg.Done()
	slog.Debug("worker started", "worker", id)
	for {
		if pollCtx.Err() != nil {
			slog.Debug("worker stopping", "worker", id)
			return
		}

		task, ok, err := p.queue.Dequeue(pollCtx, p.cfg.PollWait)
		if err != nil {
			if pollCtx.Err() != nil {
				continue
			}
			slog.Error("dequeue failed", "worker", id, "error", err)
			sleep(pollCtx, p.cfg.PollWait)
			continue
		}
		if !ok {
			continue
		}

		if _, err := p.Process(taskCtx, task); err != nil {
			slog.Error("task failed", "worker", id, "kind", task.Kind, "job_id", task.JobID, "error", err)
		}
	}
}

// Process runs one task under the task time limit.
func (p *Pool) Process(ctx context.Context, task queue.Task) (*jobs.Outcome, error) {
	if err := task.Validate(); err != nil {
		p.metrics.FailedTasks.Add(1)
		return nil, err
	}

	p.metrics.ActiveTasks.Add(1)
	start := time.Now()
	defer func() {
		p.metrics.ActiveTasks.Add(-1)
		p.metrics.ProcessingTime.Add(int64(time.Since(start)))
	}()

	ctx, cancel := context.WithTimeout(ctx, p.cfg.TaskTimeLimit)
	defer cancel()

	var (
		out *jobs.Outcome
		err error
	)
	switch task.Kind {
	case models.JobKindAlgorithm:
		out, err = p.runner.RunAlgorithmJob(ctx, task.JobID, jobs.Options{})
	case models.JobKindScore:
		out, err = p.runner.RunScoreJob(ctx, task.JobID, jobs.Options{})
	}

	if err != nil {
		p.metrics.FailedTasks.Add(1)
		if errors.Is(err, context.DeadlineExceeded) {
			return out, fmt.Errorf("%s job %d exceeded the task time limit of %s: %w",
				task.Kind, task.JobID, p.cfg.TaskTimeLimit, err)
		}
		return out, err
	}
	p.metrics.CompletedTasks.Add(1)
	return out, nil
}

func (p *Pool) reaperLoop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.ReaperInterval)
	defer ticker.Stop()

	for {
		p.sweep(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *Pool) sweep(ctx context.Context) {
	n, err := p.reaper.Sweep(ctx)
	p.metrics.ReapedJobs.Add(int64(n))
	if err != nil && ctx.Err() == nil {
		slog.Error("reaper sweep failed", "error", err)
	}
	if n > 0 {
		slog.Warn("reaper marked stuck jobs as failed", "count", n)
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
