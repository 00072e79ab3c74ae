package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/resonantgeodata/rgd-jobs/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")
var ErrInvalidTransition = errors.New("invalid job status transition")

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID) error

	CreateAlgorithm(ctx context.Context, a *models.Algorithm) error
	GetAlgorithm(ctx context.Context, id int64) (*models.Algorithm, error)
	SetAlgorithmImageID(ctx context.Context, id int64, imageID string) error
	CreateScoreAlgorithm(ctx context.Context, a *models.ScoreAlgorithm) error
	GetScoreAlgorithm(ctx context.Context, id int64) (*models.ScoreAlgorithm, error)
	SetScoreAlgorithmImageID(ctx context.Context, id int64, imageID string) error
	CreateDataset(ctx context.Context, d *models.Dataset) error
	GetDataset(ctx context.Context, id int64) (*models.Dataset, error)
	CreateGroundtruth(ctx context.Context, g *models.Groundtruth) error
	GetGroundtruth(ctx context.Context, id int64) (*models.Groundtruth, error)

	CreateAlgorithmJob(ctx context.Context, job *models.AlgorithmJob) error
	GetAlgorithmJob(ctx context.Context, id int64) (*models.AlgorithmJob, error)
	CreateScoreJob(ctx context.Context, job *models.ScoreJob) error
	GetScoreJob(ctx context.Context, id int64) (*models.ScoreJob, error)
	UpdateJobStatus(ctx context.Context, kind models.JobKind, id int64, status models.JobStatus, opts ...JobUpdateOption) error
	// CompleteAlgorithmJob writes the terminal status and, when result is non-nil,
	// inserts it in the same transaction.
	CompleteAlgorithmJob(ctx context.Context, id int64, status models.JobStatus, failReason string, result *models.AlgorithmResult) error
	CompleteScoreJob(ctx context.Context, id int64, status models.JobStatus, failReason string, result *models.ScoreResult) error
	ListStuckJobs(ctx context.Context, kind models.JobKind, startedBefore time.Time) ([]int64, error)

	GetAlgorithmResult(ctx context.Context, id int64) (*models.AlgorithmResult, error)
	GetAlgorithmResultByJob(ctx context.Context, jobID int64) (*models.AlgorithmResult, error)
	GetScoreResultByJob(ctx context.Context, jobID int64) (*models.ScoreResult, error)
}

var validTransitions = map[models.JobStatus][]models.JobStatus{
	models.JobStatusQueued:  {models.JobStatusRunning},
	models.JobStatusRunning: {models.JobStatusSuccess, models.JobStatusFailed, models.JobStatusInternalFailure},
}

// ValidTransition reports whether a job may move from one status to another.
func ValidTransition(from, to models.JobStatus) bool {
	for _, a := range validTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

type jobUpdateParams struct {
	FailReason *string
}

type JobUpdateOption func(*jobUpdateParams)

func WithFailReason(reason string) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.FailReason = &reason
	}
}

// ApplyJobUpdateOptions resolves options into the fail reason to write, if any.
// It exists for alternate Store implementations.
func ApplyJobUpdateOptions(opts ...JobUpdateOption) (failReason *string) {
	params := &jobUpdateParams{}
	for _, opt := range opts {
		opt(params)
	}
	return params.FailReason
}
