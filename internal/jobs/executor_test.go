package jobs_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/resonantgeodata/rgd-jobs/internal/container"
	containermock "github.com/resonantgeodata/rgd-jobs/internal/container/mock"
	"github.com/resonantgeodata/rgd-jobs/internal/jobs"
	"github.com/resonantgeodata/rgd-jobs/internal/store"
	"github.com/resonantgeodata/rgd-jobs/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunAlgorithmJob_LoadsImageAndSucceeds(t *testing.T) {
	f := newFixture(t, containermock.NewEchoRunner(0), "sha256:abc")
	alg := f.algorithm(t, "A", "")
	ds := f.dataset(t, "D", "pixel data\n")
	job := f.algorithmJob(t, 42, alg, ds)
	ctx := context.Background()

	out, err := f.executor.RunAlgorithmJob(ctx, job.ID, jobs.Options{})
	require.NoError(t, err)

	assert.Equal(t, models.JobStatusSuccess, out.Status)
	assert.Equal(t, "sha256:abc", out.ImageID)
	assert.Equal(t, 1, f.engine.Loads())

	stored, err := f.store.GetAlgorithm(ctx, alg.ID)
	require.NoError(t, err)
	assert.Equal(t, "sha256:abc", stored.CachedImageID())

	spec := f.runner.LastSpec()
	assert.Equal(t, "sha256:abc", spec.Image)
	assert.True(t, strings.HasPrefix(spec.Name, "algorithm_job_42_"), spec.Name)
	assert.Empty(t, spec.Mounts)
	assert.Equal(t, "pixel data\n", string(f.runner.Inputs[0]))

	got, err := f.store.GetAlgorithmJob(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusSuccess, got.Status)
	assert.Equal(t, "", got.FailReason)
	assert.NotNil(t, got.StartedAt)
	assert.NotNil(t, got.CompletedAt)

	results := f.store.AlgorithmResultsFor(42)
	require.Len(t, results, 1)
	assert.Equal(t, "pixel data\n", f.read(t, results[0].DataKey))
	assert.Equal(t, "read 11 bytes\n", f.read(t, results[0].LogKey))
	require.NotNil(t, out.AlgorithmResult)
	assert.Equal(t, results[0].ID, out.AlgorithmResult.ID)

	status, ok, err := f.cache.GetJobStatus(ctx, models.JobKindAlgorithm, 42)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, models.JobStatusSuccess, status)

	assert.Empty(t, f.workDirEntries(t))
}

func TestRunAlgorithmJob_ObservesRunningDuringExecution(t *testing.T) {
	f := newFixture(t, nil, "sha256:abc")
	var seen models.JobStatus
	f.runner = &containermock.Runner{RunFunc: func(ctx context.Context, spec container.RunSpec, _ []byte) error {
		job, err := f.store.GetAlgorithmJob(ctx, 1)
		if err != nil {
			return err
		}
		seen = job.Status
		return nil
	}}
	f.executor = jobs.NewExecutor(f.store, f.cache, f.artifacts, f.resolver, f.runner, f.workDir)
	job := f.algorithmJob(t, 1, f.algorithm(t, "A", ""), f.dataset(t, "D", "x"))

	_, err := f.executor.RunAlgorithmJob(context.Background(), job.ID, jobs.Options{})
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, seen)
}

func TestRunAlgorithmJob_NonZeroExitFails(t *testing.T) {
	f := newFixture(t, containermock.NewEchoRunner(17), "sha256:abc")
	job := f.algorithmJob(t, 0, f.algorithm(t, "A", ""), f.dataset(t, "D", "input"))
	ctx := context.Background()

	out, err := f.executor.RunAlgorithmJob(ctx, job.ID, jobs.Options{})
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, out.Status)

	got, err := f.store.GetAlgorithmJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	assert.Contains(t, got.FailReason, "17")
	assert.True(t, strings.HasPrefix(got.FailReason, "Return code: 17\nException:\n"), got.FailReason)

	// A failed run still records its output.
	results := f.store.AlgorithmResultsFor(job.ID)
	require.Len(t, results, 1)
	assert.Equal(t, "input", f.read(t, results[0].DataKey))
}

func TestRunAlgorithmJob_EngineConnectionErrorIsInternalFailure(t *testing.T) {
	f := newFixture(t, containermock.NewEchoRunner(0), "sha256:abc")
	f.engine.GetErr = errors.New("ConnectionError: daemon unreachable")
	job := f.algorithmJob(t, 0, f.algorithm(t, "A", "sha256:cached"), f.dataset(t, "D", "x"))
	ctx := context.Background()

	out, err := f.executor.RunAlgorithmJob(ctx, job.ID, jobs.Options{})
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusInternalFailure, out.Status)

	got, err := f.store.GetAlgorithmJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusInternalFailure, got.Status)
	assert.Contains(t, got.FailReason, "daemon unreachable")
	assert.Empty(t, f.store.AlgorithmResultsFor(job.ID))
	assert.Empty(t, f.runner.Specs)
}

func TestRunAlgorithmJob_RunnerSetupErrorIsInternalFailure(t *testing.T) {
	runner := &containermock.Runner{RunFunc: func(context.Context, container.RunSpec, []byte) error {
		return fmt.Errorf("run container: %w", errors.New(`exec: "docker": executable file not found in $PATH`))
	}}
	f := newFixture(t, runner, "sha256:abc")
	job := f.algorithmJob(t, 0, f.algorithm(t, "A", ""), f.dataset(t, "D", "x"))

	out, err := f.executor.RunAlgorithmJob(context.Background(), job.ID, jobs.Options{})
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusInternalFailure, out.Status)
	assert.Contains(t, out.FailReason, "executable file not found")
	assert.Empty(t, f.store.AlgorithmResultsFor(job.ID))
	assert.Empty(t, f.workDirEntries(t))
}

func TestRunAlgorithmJob_PanicIsInternalFailure(t *testing.T) {
	runner := &containermock.Runner{RunFunc: func(context.Context, container.RunSpec, []byte) error {
		panic("boom")
	}}
	f := newFixture(t, runner, "sha256:abc")
	job := f.algorithmJob(t, 0, f.algorithm(t, "A", ""), f.dataset(t, "D", "x"))

	out, err := f.executor.RunAlgorithmJob(context.Background(), job.ID, jobs.Options{})
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusInternalFailure, out.Status)
	assert.Contains(t, out.FailReason, "boom")
	assert.Empty(t, f.workDirEntries(t))
}

func TestRunAlgorithmJob_AbortLeavesJobRunning(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	runner := &containermock.Runner{RunFunc: func(context.Context, container.RunSpec, []byte) error {
		cancel()
		return fmt.Errorf("run container x: %w", context.Canceled)
	}}
	f := newFixture(t, runner, "sha256:abc")
	job := f.algorithmJob(t, 0, f.algorithm(t, "A", ""), f.dataset(t, "D", "x"))

	_, err := f.executor.RunAlgorithmJob(ctx, job.ID, jobs.Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)

	got, err := f.store.GetAlgorithmJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, got.Status)
	assert.Empty(t, f.store.AlgorithmResultsFor(job.ID))
	assert.Empty(t, f.workDirEntries(t))
}

func TestRunAlgorithmJob_DryRunPersistsNothing(t *testing.T) {
	f := newFixture(t, containermock.NewEchoRunner(0), "sha256:abc")
	alg := f.algorithm(t, "A", "")
	job := f.algorithmJob(t, 0, alg, f.dataset(t, "D", "hello"))
	ctx := context.Background()

	out, err := f.executor.RunAlgorithmJob(ctx, job.ID, jobs.Options{DryRun: true})
	require.NoError(t, err)
	assert.True(t, out.DryRun)
	assert.Equal(t, models.JobStatusSuccess, out.Status)
	assert.Equal(t, int64(5), out.DataBytes)
	assert.Nil(t, out.AlgorithmResult)

	got, err := f.store.GetAlgorithmJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, got.Status)
	assert.Empty(t, f.store.AlgorithmResultsFor(job.ID))
	assert.Equal(t, 0, f.store.ImageIDWrites)
}

func TestRunAlgorithmJob_RejectsTerminalJob(t *testing.T) {
	f := newFixture(t, containermock.NewEchoRunner(0), "sha256:abc")
	job := f.algorithmJob(t, 0, f.algorithm(t, "A", ""), f.dataset(t, "D", "x"))
	ctx := context.Background()

	_, err := f.executor.RunAlgorithmJob(ctx, job.ID, jobs.Options{})
	require.NoError(t, err)

	_, err = f.executor.RunAlgorithmJob(ctx, job.ID, jobs.Options{})
	assert.ErrorIs(t, err, store.ErrInvalidTransition)
	assert.Len(t, f.runner.Specs, 1)
	assert.Len(t, f.store.AlgorithmResultsFor(job.ID), 1)
}

func TestRunAlgorithmJob_NotFound(t *testing.T) {
	f := newFixture(t, containermock.NewEchoRunner(0))

	_, err := f.executor.RunAlgorithmJob(context.Background(), 404, jobs.Options{})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRunAlgorithmJob_CompleteFailureDiscardsArtifacts(t *testing.T) {
	f := newFixture(t, containermock.NewEchoRunner(0), "sha256:abc")
	job := f.algorithmJob(t, 0, f.algorithm(t, "A", ""), f.dataset(t, "D", "x"))
	f.store.CompleteErr = errors.New("db down")

	out, err := f.executor.RunAlgorithmJob(context.Background(), job.ID, jobs.Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db down")
	assert.Nil(t, out.AlgorithmResult)
	assert.Empty(t, f.workDirEntries(t))
}

// --- Score jobs ---

func TestRunScoreJob_ParsesScore(t *testing.T) {
	f := newFixture(t, containermock.NewPrintRunner("0.875\nper-class: 0.9 0.85\n"), "sha256:scorer")
	sa := f.scoreAlgorithm(t, "S", "")
	res := f.algorithmResult(t, "predictions")
	gt := f.groundtruth(t, "G", "truth")
	job := f.scoreJob(t, sa, res, gt)
	ctx := context.Background()

	out, err := f.executor.RunScoreJob(ctx, job.ID, jobs.Options{})
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusSuccess, out.Status)
	require.NotNil(t, out.OverallScore)
	assert.InDelta(t, 0.875, *out.OverallScore, 1e-12)

	results := f.store.ScoreResultsFor(job.ID)
	require.Len(t, results, 1)
	assert.InDelta(t, 0.875, results[0].OverallScore, 1e-12)
	assert.Equal(t, models.ResultTypeSimple, results[0].ResultType)
	assert.Equal(t, "0.875\nper-class: 0.9 0.85\n", f.read(t, results[0].DataKey))

	spec := f.runner.LastSpec()
	assert.True(t, strings.HasPrefix(spec.Name, fmt.Sprintf("score_job_%d_", job.ID)), spec.Name)
	require.Len(t, spec.Mounts, 1)
	assert.Equal(t, "/groundtruth.dat", spec.Mounts[0].ContainerPath)
	assert.True(t, spec.Mounts[0].ReadOnly)
	assert.Equal(t, "predictions", string(f.runner.Inputs[0]))

	got, err := f.store.GetScoreJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusSuccess, got.Status)

	stored, err := f.store.GetScoreAlgorithm(ctx, sa.ID)
	require.NoError(t, err)
	assert.Equal(t, "sha256:scorer", stored.CachedImageID())
}

func TestRunScoreJob_GroundtruthIsMounted(t *testing.T) {
	f := newFixture(t, nil, "sha256:scorer")
	var mounted string
	f.runner = &containermock.Runner{RunFunc: func(_ context.Context, spec container.RunSpec, _ []byte) error {
		b, err := readFile(spec.Mounts[0].HostPath)
		if err != nil {
			return err
		}
		mounted = b
		_, err = spec.Stdout.Write([]byte("1\n"))
		return err
	}}
	f.executor = jobs.NewExecutor(f.store, f.cache, f.artifacts, f.resolver, f.runner, f.workDir)
	job := f.scoreJob(t, f.scoreAlgorithm(t, "S", ""), f.algorithmResult(t, "p"), f.groundtruth(t, "G", "the truth"))

	out, err := f.executor.RunScoreJob(context.Background(), job.ID, jobs.Options{})
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusSuccess, out.Status)
	assert.Equal(t, "the truth", mounted)
}

func TestRunScoreJob_UnparseableScoreIsInternalFailure(t *testing.T) {
	f := newFixture(t, containermock.NewPrintRunner("accuracy=high\n"), "sha256:scorer")
	job := f.scoreJob(t, f.scoreAlgorithm(t, "S", ""), f.algorithmResult(t, "p"), f.groundtruth(t, "G", "g"))
	ctx := context.Background()

	out, err := f.executor.RunScoreJob(ctx, job.ID, jobs.Options{})
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusInternalFailure, out.Status)
	assert.Contains(t, out.FailReason, "accuracy=high")

	got, err := f.store.GetScoreJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusInternalFailure, got.Status)
	assert.Empty(t, f.store.ScoreResultsFor(job.ID))
}

func TestRunScoreJob_ScoreIsFirstToken(t *testing.T) {
	f := newFixture(t, containermock.NewPrintRunner("\n0.875\tacc 0.91\n"), "sha256:scorer")
	job := f.scoreJob(t, f.scoreAlgorithm(t, "S", ""), f.algorithmResult(t, "p"), f.groundtruth(t, "G", "g"))

	out, err := f.executor.RunScoreJob(context.Background(), job.ID, jobs.Options{})
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusSuccess, out.Status)

	results := f.store.ScoreResultsFor(job.ID)
	require.Len(t, results, 1)
	assert.InDelta(t, 0.875, results[0].OverallScore, 1e-12)
}

func TestRunScoreJob_NonZeroExitStillScores(t *testing.T) {
	runner := &containermock.Runner{RunFunc: func(_ context.Context, spec container.RunSpec, _ []byte) error {
		_, _ = spec.Stdout.Write([]byte("0.5\n"))
		return &container.ExitError{Code: 3, Err: errors.New("exit status 3")}
	}}
	f := newFixture(t, runner, "sha256:scorer")
	job := f.scoreJob(t, f.scoreAlgorithm(t, "S", ""), f.algorithmResult(t, "p"), f.groundtruth(t, "G", "g"))

	out, err := f.executor.RunScoreJob(context.Background(), job.ID, jobs.Options{})
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, out.Status)
	assert.Contains(t, out.FailReason, "Return code: 3")

	results := f.store.ScoreResultsFor(job.ID)
	require.Len(t, results, 1)
	assert.InDelta(t, 0.5, results[0].OverallScore, 1e-12)
}

func TestRunScoreJob_DryRun(t *testing.T) {
	f := newFixture(t, containermock.NewPrintRunner("0.25"), "sha256:scorer")
	job := f.scoreJob(t, f.scoreAlgorithm(t, "S", ""), f.algorithmResult(t, "p"), f.groundtruth(t, "G", "g"))
	ctx := context.Background()

	out, err := f.executor.RunScoreJob(ctx, job.ID, jobs.Options{DryRun: true})
	require.NoError(t, err)
	require.NotNil(t, out.OverallScore)
	assert.InDelta(t, 0.25, *out.OverallScore, 1e-12)
	assert.Nil(t, out.ScoreResult)

	got, err := f.store.GetScoreJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, got.Status)
	assert.Empty(t, f.store.ScoreResultsFor(job.ID))
}

func TestContainerName(t *testing.T) {
	at := time.Unix(1700000000, 123)
	assert.Equal(t, "algorithm_job_42_1700000000000000123", jobs.ContainerName(models.JobKindAlgorithm, 42, at))
	assert.Equal(t, "score_job_7_1700000000000000123", jobs.ContainerName(models.JobKindScore, 7, at))
}
