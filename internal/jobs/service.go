package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/resonantgeodata/rgd-jobs/internal/cache"
	"github.com/resonantgeodata/rgd-jobs/internal/queue"
	"github.com/resonantgeodata/rgd-jobs/internal/store"
	"github.com/resonantgeodata/rgd-jobs/pkg/models"
)

// ErrInactive is returned when a job names a deactivated algorithm.
var ErrInactive = errors.New("algorithm is not active")

// Service creates jobs and hands them to the task queue.
type Service struct {
	store store.Store
	cache cache.Cache
	queue queue.Queue
}

// NewService creates a Service. c may be nil.
func NewService(s store.Store, c cache.Cache, q queue.Queue) *Service {
	return &Service{store: s, cache: c, queue: q}
}

// SubmitAlgorithmJob records a queued algorithm job and enqueues it.
func (s *Service) SubmitAlgorithmJob(ctx context.Context, algorithmID, datasetID int64, creator string) (*models.AlgorithmJob, error) {
	alg, err := s.store.GetAlgorithm(ctx, algorithmID)
	if err != nil {
		return nil, fmt.Errorf("algorithm %d: %w", algorithmID, err)
	}
	if !alg.Active {
		return nil, fmt.Errorf("algorithm %q: %w", alg.Name, ErrInactive)
	}
	if _, err := s.store.GetDataset(ctx, datasetID); err != nil {
		return nil, fmt.Errorf("dataset %d: %w", datasetID, err)
	}

	job := &models.AlgorithmJob{
		AlgorithmID: algorithmID,
		DatasetID:   datasetID,
		Creator:     creator,
		JobState:    models.JobState{Status: models.JobStatusQueued},
	}
	if err := s.store.CreateAlgorithmJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create algorithm job: %w", err)
	}
	if err := s.enqueue(ctx, models.JobKindAlgorithm, job.ID); err != nil {
		return job, err
	}
	return job, nil
}

// SubmitScoreJob records a queued score job and enqueues it.
func (s *Service) SubmitScoreJob(ctx context.Context, scoreAlgorithmID, algorithmResultID, groundtruthID int64, creator string) (*models.ScoreJob, error) {
	sa, err := s.store.GetScoreAlgorithm(ctx, scoreAlgorithmID)
	if err != nil {
		return nil, fmt.Errorf("score algorithm %d: %w", scoreAlgorithmID, err)
	}
	if !sa.Active {
		return nil, fmt.Errorf("score algorithm %q: %w", sa.Name, ErrInactive)
	}
	if _, err := s.store.GetAlgorithmResult(ctx, algorithmResultID); err != nil {
		return nil, fmt.Errorf("algorithm result %d: %w", algorithmResultID, err)
	}
	if _, err := s.store.GetGroundtruth(ctx, groundtruthID); err != nil {
		return nil, fmt.Errorf("groundtruth %d: %w", groundtruthID, err)
	}

	job := &models.ScoreJob{
		ScoreAlgorithmID:  scoreAlgorithmID,
		AlgorithmResultID: algorithmResultID,
		GroundtruthID:     groundtruthID,
		Creator:           creator,
		JobState:          models.JobState{Status: models.JobStatusQueued},
	}
	if err := s.store.CreateScoreJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create score job: %w", err)
	}
	if err := s.enqueue(ctx, models.JobKindScore, job.ID); err != nil {
		return job, err
	}
	return job, nil
}

// JobStatus returns the cached status when present, falling back to the database.
func (s *Service) JobStatus(ctx context.Context, kind models.JobKind, id int64) (models.JobStatus, error) {
	if s.cache != nil {
		status, ok, err := s.cache.GetJobStatus(ctx, kind, id)
		if err == nil && ok {
			return status, nil
		}
		if err != nil {
			slog.Warn("job status cache read failed", "kind", kind, "job_id", id, "error", err)
		}
	}

	switch kind {
	case models.JobKindAlgorithm:
		job, err := s.store.GetAlgorithmJob(ctx, id)
		if err != nil {
			return "", err
		}
		return job.Status, nil
	case models.JobKindScore:
		job, err := s.store.GetScoreJob(ctx, id)
		if err != nil {
			return "", err
		}
		return job.Status, nil
	}
	return "", fmt.Errorf("unknown job kind %q", kind)
}

func (s *Service) enqueue(ctx context.Context, kind models.JobKind, id int64) error {
	if s.cache != nil {
		if err := s.cache.SetJobStatus(ctx, kind, id, models.JobStatusQueued, StatusCacheTTL); err != nil {
			slog.Warn("failed to cache job status", "kind", kind, "job_id", id, "error", err)
		}
	}
	if err := s.queue.Enqueue(ctx, queue.Task{Kind: kind, JobID: id}); err != nil {
		slog.Error("job created but not enqueued", "kind", kind, "job_id", id, "error", err)
		return fmt.Errorf("enqueue %s job %d: %w", kind, id, err)
	}
	slog.Info("job queued", "kind", kind, "job_id", id)
	return nil
}
