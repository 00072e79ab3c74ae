package jobs_test

import (
	"context"
	"errors"
	"testing"

	"github.com/resonantgeodata/rgd-jobs/internal/container"
	containermock "github.com/resonantgeodata/rgd-jobs/internal/container/mock"
	"github.com/resonantgeodata/rgd-jobs/internal/jobs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolver_CachedImageSkipsLoad(t *testing.T) {
	f := newFixture(t, containermock.NewEchoRunner(0), "sha256:new")
	f.engine.Images["sha256:cached"] = "sha256:cached"
	alg := f.algorithm(t, "cached", "sha256:cached")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		id, err := f.resolver.Resolve(ctx, jobs.AlgorithmImage(f.store, alg))
		require.NoError(t, err)
		assert.Equal(t, "sha256:cached", id)
	}

	assert.Equal(t, 0, f.engine.Loads())
	assert.Equal(t, 2, f.engine.GetCalls)
	assert.Equal(t, 0, f.store.ImageIDWrites)
}

func TestResolver_LoadsAndPersistsWhenUncached(t *testing.T) {
	f := newFixture(t, containermock.NewEchoRunner(0), "sha256:abc")
	alg := f.algorithm(t, "fresh", "")
	ctx := context.Background()

	id, err := f.resolver.Resolve(ctx, jobs.AlgorithmImage(f.store, alg))
	require.NoError(t, err)
	assert.Equal(t, "sha256:abc", id)
	assert.Equal(t, 1, f.engine.Loads())
	assert.Equal(t, "sha256:abc", alg.CachedImageID())

	stored, err := f.store.GetAlgorithm(ctx, alg.ID)
	require.NoError(t, err)
	assert.Equal(t, "sha256:abc", stored.CachedImageID())

	// The second call takes the fast path.
	_, err = f.resolver.Resolve(ctx, jobs.AlgorithmImage(f.store, stored))
	require.NoError(t, err)
	assert.Equal(t, 1, f.engine.Loads())
}

func TestResolver_ReloadsWhenCachedImageGone(t *testing.T) {
	f := newFixture(t, containermock.NewEchoRunner(0), "sha256:reloaded")
	alg := f.algorithm(t, "pruned", "sha256:pruned")

	id, err := f.resolver.Resolve(context.Background(), jobs.AlgorithmImage(f.store, alg))
	require.NoError(t, err)
	assert.Equal(t, "sha256:reloaded", id)
	assert.Equal(t, 1, f.engine.Loads())
	assert.Equal(t, 1, f.store.ImageIDWrites)
}

func TestResolver_MultipleImagesLeavesCacheUnset(t *testing.T) {
	f := newFixture(t, containermock.NewEchoRunner(0), "sha256:one", "sha256:two")
	alg := f.algorithm(t, "bundle", "")
	ctx := context.Background()

	_, err := f.resolver.Resolve(ctx, jobs.AlgorithmImage(f.store, alg))
	require.Error(t, err)
	var multi *container.MultipleImagesError
	require.ErrorAs(t, err, &multi)
	assert.Contains(t, err.Error(), "more than one image")

	stored, err := f.store.GetAlgorithm(ctx, alg.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.DockerImageID)
	assert.Nil(t, alg.DockerImageID)
}

func TestResolver_NoImages(t *testing.T) {
	f := newFixture(t, containermock.NewEchoRunner(0))
	alg := f.algorithm(t, "empty", "")

	_, err := f.resolver.Resolve(context.Background(), jobs.AlgorithmImage(f.store, alg))
	assert.ErrorIs(t, err, container.ErrNoImages)
}

func TestResolver_EngineErrorIsNotTreatedAsMissing(t *testing.T) {
	f := newFixture(t, containermock.NewEchoRunner(0), "sha256:abc")
	f.engine.GetErr = errors.New("connection refused")
	alg := f.algorithm(t, "unreachable", "sha256:cached")

	_, err := f.resolver.Resolve(context.Background(), jobs.AlgorithmImage(f.store, alg))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Equal(t, 0, f.engine.Loads())
}

func TestResolver_NilPersistKeepsStoreUntouched(t *testing.T) {
	f := newFixture(t, containermock.NewEchoRunner(0), "sha256:abc")
	sa := f.scoreAlgorithm(t, "scorer", "")
	src := jobs.ScoreAlgorithmImage(f.store, sa)
	src.Persist = nil

	id, err := f.resolver.Resolve(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, "sha256:abc", id)
	assert.Equal(t, 0, f.store.ImageIDWrites)
}

func TestResolver_MissingTarball(t *testing.T) {
	f := newFixture(t, containermock.NewEchoRunner(0), "sha256:abc")
	alg := f.algorithm(t, "lost", "")
	require.NoError(t, f.artifacts.Delete(context.Background(), alg.DataKey))

	_, err := f.resolver.Resolve(context.Background(), jobs.AlgorithmImage(f.store, alg))
	require.Error(t, err)
	assert.Equal(t, 0, f.engine.Loads())
}
