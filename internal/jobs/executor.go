package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"time"

	"github.com/resonantgeodata/rgd-jobs/internal/artifact"
	"github.com/resonantgeodata/rgd-jobs/internal/cache"
	"github.com/resonantgeodata/rgd-jobs/internal/container"
	"github.com/resonantgeodata/rgd-jobs/internal/store"
	"github.com/resonantgeodata/rgd-jobs/pkg/models"
)

// groundtruthMountPath is where score containers find the groundtruth file.
const groundtruthMountPath = "/groundtruth.dat"

// Artifact key prefixes for captured output.
const (
	algorithmResultPrefix = "algorithm-results"
	scoreResultPrefix     = "score-results"
)

// Executor runs one job body to completion.
type Executor struct {
	store     store.Store
	cache     cache.Cache
	artifacts artifact.Store
	resolver  *Resolver
	runner    container.Runner
	workDir   string
	now       func() time.Time
}

// NewExecutor creates an Executor. c may be nil to skip status caching.
// workDir is the parent of per-run temp directories ("" for the OS default).
func NewExecutor(s store.Store, c cache.Cache, artifacts artifact.Store, resolver *Resolver, runner container.Runner, workDir string) *Executor {
	return &Executor{
		store:     s,
		cache:     c,
		artifacts: artifacts,
		resolver:  resolver,
		runner:    runner,
		workDir:   workDir,
		now:       time.Now,
	}
}

// ContainerName returns a container name unique across reruns of one job.
func ContainerName(kind models.JobKind, jobID int64, at time.Time) string {
	return fmt.Sprintf("%s_job_%d_%d", kind, jobID, at.UnixNano())
}

// RunAlgorithmJob runs an algorithm job. The returned error is non-nil only when
// the job could not be started, its terminal state could not be written, or
// ctx ended mid-run; in the last case the job is left running.
func (e *Executor) RunAlgorithmJob(ctx context.Context, id int64, opts Options) (*Outcome, error) {
	job, err := e.store.GetAlgorithmJob(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load algorithm job %d: %w", id, err)
	}
	out := &Outcome{Kind: models.JobKindAlgorithm, JobID: id, DryRun: opts.DryRun}
	if err := e.begin(ctx, out.Kind, id, opts); err != nil {
		return nil, err
	}

	run := &jobRun{out: out}
	runErr := guard(func() error { return e.runAlgorithm(ctx, job, opts, run) })
	defer run.ws.remove()
	ws := run.ws

	if aborted(ctx, runErr) {
		slog.Error("algorithm job aborted, leaving it running", "job_id", id, "error", runErr)
		return out, fmt.Errorf("algorithm job %d aborted: %w", id, runErr)
	}

	out.Status, out.FailReason = Classify(runErr)
	if ws != nil {
		out.DataBytes, out.LogBytes = ws.sizes()
	}

	var result *models.AlgorithmResult
	if out.Status != models.JobStatusInternalFailure && !opts.DryRun {
		dataKey, logKey, err := e.saveOutput(ctx, ws, algorithmResultPrefix)
		if err != nil {
			out.Status, out.FailReason = Classify(err)
		} else {
			result = &models.AlgorithmResult{DataKey: dataKey, LogKey: logKey}
		}
	}

	if opts.DryRun {
		logOutcome(out)
		return out, nil
	}

	if err := e.store.CompleteAlgorithmJob(ctx, id, out.Status, out.FailReason, result); err != nil {
		if result != nil {
			e.discard(result.DataKey, result.LogKey)
		}
		return out, fmt.Errorf("complete algorithm job %d: %w", id, err)
	}
	out.AlgorithmResult = result
	e.cacheStatus(ctx, out.Kind, id, out.Status)
	logOutcome(out)
	return out, nil
}

// jobRun carries what a job body produced so far, including after a panic.
type jobRun struct {
	out *Outcome
	ws  *workspace
}

func (e *Executor) runAlgorithm(ctx context.Context, job *models.AlgorithmJob, opts Options, run *jobRun) error {
	alg, err := e.store.GetAlgorithm(ctx, job.AlgorithmID)
	if err != nil {
		return fmt.Errorf("load algorithm %d: %w", job.AlgorithmID, err)
	}
	ds, err := e.store.GetDataset(ctx, job.DatasetID)
	if err != nil {
		return fmt.Errorf("load dataset %d: %w", job.DatasetID, err)
	}

	src := AlgorithmImage(e.store, alg)
	if opts.DryRun {
		src.Persist = nil
	}
	imageID, err := e.resolver.Resolve(ctx, src)
	if err != nil {
		return err
	}
	run.out.ImageID = imageID

	input, err := e.artifacts.Open(ctx, ds.DataKey)
	if err != nil {
		return fmt.Errorf("open dataset %q: %w", ds.Name, err)
	}
	defer input.Close()

	if run.ws, err = newWorkspace(e.workDir); err != nil {
		return err
	}
	run.out.ContainerName = ContainerName(models.JobKindAlgorithm, job.ID, e.now())

	spec := container.RunSpec{Image: imageID, Name: run.out.ContainerName}
	return e.runContainer(ctx, run.ws, spec, input.Path)
}

// RunScoreJob runs a score job. It behaves like RunAlgorithmJob, and in addition
// mounts the groundtruth read-only and parses the score from the first token
// of stdout. A score that does not parse makes the job an internal failure.
func (e *Executor) RunScoreJob(ctx context.Context, id int64, opts Options) (*Outcome, error) {
	job, err := e.store.GetScoreJob(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load score job %d: %w", id, err)
	}
	out := &Outcome{Kind: models.JobKindScore, JobID: id, DryRun: opts.DryRun}
	if err := e.begin(ctx, out.Kind, id, opts); err != nil {
		return nil, err
	}

	run := &jobRun{out: out}
	runErr := guard(func() error { return e.runScore(ctx, job, opts, run) })
	defer run.ws.remove()
	ws := run.ws

	if aborted(ctx, runErr) {
		slog.Error("score job aborted, leaving it running", "job_id", id, "error", runErr)
		return out, fmt.Errorf("score job %d aborted: %w", id, runErr)
	}

	out.Status, out.FailReason = Classify(runErr)
	if ws != nil {
		out.DataBytes, out.LogBytes = ws.sizes()
	}

	if out.Status != models.JobStatusInternalFailure {
		score, err := ParseScoreFile(ws.dataPath())
		if err != nil {
			out.Status, out.FailReason = Classify(err)
		} else {
			out.OverallScore = &score
		}
	}

	var result *models.ScoreResult
	if out.Status != models.JobStatusInternalFailure && !opts.DryRun {
		dataKey, logKey, err := e.saveOutput(ctx, ws, scoreResultPrefix)
		if err != nil {
			out.Status, out.FailReason = Classify(err)
			out.OverallScore = nil
		} else {
			result = &models.ScoreResult{
				DataKey:      dataKey,
				LogKey:       logKey,
				OverallScore: *out.OverallScore,
				ResultType:   models.ResultTypeSimple,
			}
		}
	}

	if opts.DryRun {
		logOutcome(out)
		return out, nil
	}

	if err := e.store.CompleteScoreJob(ctx, id, out.Status, out.FailReason, result); err != nil {
		if result != nil {
			e.discard(result.DataKey, result.LogKey)
		}
		return out, fmt.Errorf("complete score job %d: %w", id, err)
	}
	out.ScoreResult = result
	e.cacheStatus(ctx, out.Kind, id, out.Status)
	logOutcome(out)
	return out, nil
}

func (e *Executor) runScore(ctx context.Context, job *models.ScoreJob, opts Options, run *jobRun) error {
	sa, err := e.store.GetScoreAlgorithm(ctx, job.ScoreAlgorithmID)
	if err != nil {
		return fmt.Errorf("load score algorithm %d: %w", job.ScoreAlgorithmID, err)
	}
	res, err := e.store.GetAlgorithmResult(ctx, job.AlgorithmResultID)
	if err != nil {
		return fmt.Errorf("load algorithm result %d: %w", job.AlgorithmResultID, err)
	}
	gt, err := e.store.GetGroundtruth(ctx, job.GroundtruthID)
	if err != nil {
		return fmt.Errorf("load groundtruth %d: %w", job.GroundtruthID, err)
	}

	src := ScoreAlgorithmImage(e.store, sa)
	if opts.DryRun {
		src.Persist = nil
	}
	imageID, err := e.resolver.Resolve(ctx, src)
	if err != nil {
		return err
	}
	run.out.ImageID = imageID

	input, err := e.artifacts.Open(ctx, res.DataKey)
	if err != nil {
		return fmt.Errorf("open algorithm result %d data: %w", res.ID, err)
	}
	defer input.Close()

	truth, err := e.artifacts.Open(ctx, gt.DataKey)
	if err != nil {
		return fmt.Errorf("open groundtruth %q: %w", gt.Name, err)
	}
	defer truth.Close()

	if run.ws, err = newWorkspace(e.workDir); err != nil {
		return err
	}
	run.out.ContainerName = ContainerName(models.JobKindScore, job.ID, e.now())

	spec := container.RunSpec{
		Image: imageID,
		Name:  run.out.ContainerName,
		Mounts: []container.Mount{
			{HostPath: truth.Path, ContainerPath: groundtruthMountPath, ReadOnly: true},
		},
	}
	return e.runContainer(ctx, run.ws, spec, input.Path)
}

// begin moves the job to running and commits that before any container work.
func (e *Executor) begin(ctx context.Context, kind models.JobKind, id int64, opts Options) error {
	if opts.DryRun {
		return nil
	}
	if err := e.store.UpdateJobStatus(ctx, kind, id, models.JobStatusRunning); err != nil {
		return fmt.Errorf("start %s job %d: %w", kind, id, err)
	}
	e.cacheStatus(ctx, kind, id, models.JobStatusRunning)
	slog.Info("job started", "kind", kind, "job_id", id)
	return nil
}

// runContainer wires stdinPath to the container's stdin and captures stdout and
// stderr into the workspace.
func (e *Executor) runContainer(ctx context.Context, ws *workspace, spec container.RunSpec, stdinPath string) error {
	stdin, err := os.Open(stdinPath)
	if err != nil {
		return fmt.Errorf("open container input: %w", err)
	}
	defer stdin.Close()

	stdout, err := os.Create(ws.dataPath())
	if err != nil {
		return fmt.Errorf("create %s: %w", outputFileName, err)
	}
	defer stdout.Close()

	stderr, err := os.Create(ws.logPath())
	if err != nil {
		return fmt.Errorf("create %s: %w", stderrFileName, err)
	}
	defer stderr.Close()

	spec.Stdin, spec.Stdout, spec.Stderr = stdin, stdout, stderr
	runErr := e.runner.Run(ctx, spec)

	if err := stdout.Sync(); err != nil && runErr == nil {
		return fmt.Errorf("flush %s: %w", outputFileName, err)
	}
	if err := stderr.Sync(); err != nil && runErr == nil {
		return fmt.Errorf("flush %s: %w", stderrFileName, err)
	}
	return runErr
}

// saveOutput uploads the captured stdout and stderr and returns their keys.
func (e *Executor) saveOutput(ctx context.Context, ws *workspace, prefix string) (dataKey, logKey string, err error) {
	dataKey, err = e.saveFile(ctx, prefix, ws.dataPath())
	if err != nil {
		return "", "", fmt.Errorf("save %s: %w", outputFileName, err)
	}
	logKey, err = e.saveFile(ctx, prefix, ws.logPath())
	if err != nil {
		e.discard(dataKey)
		return "", "", fmt.Errorf("save %s: %w", stderrFileName, err)
	}
	return dataKey, logKey, nil
}

func (e *Executor) saveFile(ctx context.Context, prefix, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return e.artifacts.Save(ctx, prefix, f.Name(), f)
}

// discard best-effort deletes artifacts that no committed record references.
func (e *Executor) discard(keys ...string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	for _, key := range keys {
		if err := e.artifacts.Delete(ctx, key); err != nil {
			slog.Warn("failed to delete orphaned artifact", "key", key, "error", err)
		}
	}
}

func (e *Executor) cacheStatus(ctx context.Context, kind models.JobKind, id int64, status models.JobStatus) {
	if e.cache == nil {
		return
	}
	if err := e.cache.SetJobStatus(ctx, kind, id, status, StatusCacheTTL); err != nil {
		slog.Warn("failed to cache job status", "kind", kind, "job_id", id, "status", status, "error", err)
	}
}

// guard runs fn and turns a panic into an error.
func guard(fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("panic in job body", "panic", rec, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return fn()
}

// aborted reports whether err came from ctx ending, such as the task time limit.
func aborted(ctx context.Context, err error) bool {
	if err == nil || ctx.Err() == nil {
		return false
	}
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}

func logOutcome(out *Outcome) {
	attrs := []any{
		"kind", out.Kind,
		"job_id", out.JobID,
		"status", out.Status,
		"image_id", out.ImageID,
		"container", out.ContainerName,
		"dry_run", out.DryRun,
	}
	if out.FailReason != "" {
		attrs = append(attrs, "fail_reason", out.FailReason)
	}
	if out.OverallScore != nil {
		attrs = append(attrs, "overall_score", *out.OverallScore)
	}
	if out.Status == models.JobStatusInternalFailure {
		slog.Error("job finished", attrs...)
		return
	}
	slog.Info("job finished", attrs...)
}
