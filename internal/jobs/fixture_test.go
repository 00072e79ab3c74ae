package jobs_test

import (
	"context"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/resonantgeodata/rgd-jobs/internal/artifact"
	cachemock "github.com/resonantgeodata/rgd-jobs/internal/cache/mock"
	containermock "github.com/resonantgeodata/rgd-jobs/internal/container/mock"
	"github.com/resonantgeodata/rgd-jobs/internal/jobs"
	storemock "github.com/resonantgeodata/rgd-jobs/internal/store/mock"
	"github.com/resonantgeodata/rgd-jobs/pkg/models"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store     *storemock.Store
	cache     *cachemock.Cache
	artifacts *artifact.DiskStore
	engine    *containermock.Engine
	runner    *containermock.Runner
	workDir   string
	executor  *jobs.Executor
	resolver  *jobs.Resolver
}

func newFixture(t *testing.T, runner *containermock.Runner, loadIDs ...string) *fixture {
	t.Helper()
	artifacts, err := artifact.NewDiskStore(t.TempDir())
	require.NoError(t, err)

	f := &fixture{
		store:     storemock.NewStore(),
		cache:     cachemock.NewCache(),
		artifacts: artifacts,
		engine:    containermock.NewEngine(loadIDs...),
		runner:    runner,
		workDir:   t.TempDir(),
	}
	f.resolver = jobs.NewResolver(f.engine, f.artifacts)
	f.executor = jobs.NewExecutor(f.store, f.cache, f.artifacts, f.resolver, f.runner, f.workDir)
	return f
}

func (f *fixture) save(t *testing.T, prefix, name, content string) string {
	t.Helper()
	key, err := f.artifacts.Save(context.Background(), prefix, name, strings.NewReader(content))
	require.NoError(t, err)
	return key
}

func (f *fixture) read(t *testing.T, key string) string {
	t.Helper()
	rc, err := f.artifacts.Reader(context.Background(), key)
	require.NoError(t, err)
	defer rc.Close()
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(b)
}

func (f *fixture) algorithm(t *testing.T, name, cachedImageID string) *models.Algorithm {
	t.Helper()
	alg := &models.Algorithm{Executable: models.Executable{
		Name:    name,
		Creator: "alice",
		Active:  true,
		DataKey: f.save(t, "algorithms", name+".tar", "tarball:"+name),
	}}
	if cachedImageID != "" {
		alg.DockerImageID = &cachedImageID
	}
	require.NoError(t, f.store.CreateAlgorithm(context.Background(), alg))
	return alg
}

func (f *fixture) scoreAlgorithm(t *testing.T, name, cachedImageID string) *models.ScoreAlgorithm {
	t.Helper()
	sa := &models.ScoreAlgorithm{Executable: models.Executable{
		Name:    name,
		Creator: "alice",
		Active:  true,
		DataKey: f.save(t, "score-algorithms", name+".tar", "tarball:"+name),
	}}
	if cachedImageID != "" {
		sa.DockerImageID = &cachedImageID
	}
	require.NoError(t, f.store.CreateScoreAlgorithm(context.Background(), sa))
	return sa
}

func (f *fixture) dataset(t *testing.T, name, content string) *models.Dataset {
	t.Helper()
	ds := &models.Dataset{DataFile: models.DataFile{
		Name:    name,
		DataKey: f.save(t, "datasets", name+".dat", content),
	}}
	require.NoError(t, f.store.CreateDataset(context.Background(), ds))
	return ds
}

func (f *fixture) groundtruth(t *testing.T, name, content string) *models.Groundtruth {
	t.Helper()
	gt := &models.Groundtruth{DataFile: models.DataFile{
		Name:    name,
		DataKey: f.save(t, "groundtruths", name+".dat", content),
	}}
	require.NoError(t, f.store.CreateGroundtruth(context.Background(), gt))
	return gt
}

// algorithmJob creates a queued job with the given id (0 for the next free one).
func (f *fixture) algorithmJob(t *testing.T, id int64, alg *models.Algorithm, ds *models.Dataset) *models.AlgorithmJob {
	t.Helper()
	job := &models.AlgorithmJob{ID: id, AlgorithmID: alg.ID, DatasetID: ds.ID, Creator: "alice"}
	require.NoError(t, f.store.CreateAlgorithmJob(context.Background(), job))
	return job
}

// algorithmResult creates a finished algorithm job whose result data is content.
func (f *fixture) algorithmResult(t *testing.T, content string) *models.AlgorithmResult {
	t.Helper()
	ctx := context.Background()
	job := f.algorithmJob(t, 0, f.algorithm(t, "upstream", "sha256:up"), f.dataset(t, "upstream-ds", "in"))
	require.NoError(t, f.store.UpdateJobStatus(ctx, models.JobKindAlgorithm, job.ID, models.JobStatusRunning))
	res := &models.AlgorithmResult{
		DataKey: f.save(t, "algorithm-results", "output.dat", content),
		LogKey:  f.save(t, "algorithm-results", "stderr.dat", ""),
	}
	require.NoError(t, f.store.CompleteAlgorithmJob(ctx, job.ID, models.JobStatusSuccess, "", res))
	return res
}

func (f *fixture) scoreJob(t *testing.T, sa *models.ScoreAlgorithm, res *models.AlgorithmResult, gt *models.Groundtruth) *models.ScoreJob {
	t.Helper()
	job := &models.ScoreJob{ScoreAlgorithmID: sa.ID, AlgorithmResultID: res.ID, GroundtruthID: gt.ID, Creator: "bob"}
	require.NoError(t, f.store.CreateScoreJob(context.Background(), job))
	return job
}

// workDirEntries lists what job runs left behind in the work dir.
func (f *fixture) workDirEntries(t *testing.T) []string {
	t.Helper()
	entries, err := os.ReadDir(f.workDir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}
