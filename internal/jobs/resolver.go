package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/resonantgeodata/rgd-jobs/internal/artifact"
	"github.com/resonantgeodata/rgd-jobs/internal/container"
	"github.com/resonantgeodata/rgd-jobs/internal/store"
	"github.com/resonantgeodata/rgd-jobs/pkg/models"
)

// ImageSource is a catalog entry whose image tarball can be loaded into the engine.
type ImageSource struct {
	Executable *models.Executable
	// Persist records a newly loaded image ID on the catalog entry. When nil the
	// ID is only set on Executable in memory.
	Persist func(ctx context.Context, id int64, imageID string) error
}

// AlgorithmImage returns the ImageSource for an Algorithm.
func AlgorithmImage(s store.Store, a *models.Algorithm) ImageSource {
	return ImageSource{Executable: &a.Executable, Persist: s.SetAlgorithmImageID}
}

// ScoreAlgorithmImage returns the ImageSource for a ScoreAlgorithm.
func ScoreAlgorithmImage(s store.Store, a *models.ScoreAlgorithm) ImageSource {
	return ImageSource{Executable: &a.Executable, Persist: s.SetScoreAlgorithmImageID}
}

// Resolver maps catalog entries to image IDs on the local engine, loading the
// tarball only when the cached ID is absent or no longer present.
//
// No lock is taken. Concurrent first runs of one entry may each load the
// tarball; the engine is content addressed so they agree on the ID and the
// last write wins.
type Resolver struct {
	engine    container.Engine
	artifacts artifact.Store
}

func NewResolver(engine container.Engine, artifacts artifact.Store) *Resolver {
	return &Resolver{engine: engine, artifacts: artifacts}
}

// Resolve returns the image ID for src.
func (r *Resolver) Resolve(ctx context.Context, src ImageSource) (string, error) {
	exe := src.Executable
	if exe == nil {
		return "", fmt.Errorf("resolve image: no catalog entry")
	}

	if cached := exe.CachedImageID(); cached != "" {
		id, err := r.engine.GetImage(ctx, cached)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, container.ErrImageNotFound) {
			return "", fmt.Errorf("inspect cached image %s: %w", cached, err)
		}
		slog.Info("cached image missing from engine, reloading tarball",
			"executable_id", exe.ID, "name", exe.Name, "image_id", cached)
	}

	id, err := r.load(ctx, exe)
	if err != nil {
		return "", err
	}

	if src.Persist != nil {
		if err := src.Persist(ctx, exe.ID, id); err != nil {
			return "", fmt.Errorf("save image id for %q: %w", exe.Name, err)
		}
	}
	exe.DockerImageID = &id
	slog.Info("image loaded", "executable_id", exe.ID, "name", exe.Name, "image_id", id)
	return id, nil
}

func (r *Resolver) load(ctx context.Context, exe *models.Executable) (string, error) {
	archive, err := r.artifacts.Reader(ctx, exe.DataKey)
	if err != nil {
		return "", fmt.Errorf("open image tarball for %q: %w", exe.Name, err)
	}
	defer archive.Close()

	ids, err := r.engine.LoadImage(ctx, archive)
	if err != nil {
		return "", fmt.Errorf("load image tarball for %q: %w", exe.Name, err)
	}
	switch len(ids) {
	case 0:
		return "", container.ErrNoImages
	case 1:
		return ids[0], nil
	default:
		return "", &container.MultipleImagesError{IDs: ids}
	}
}
