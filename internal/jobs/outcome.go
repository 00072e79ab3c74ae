// Package jobs runs algorithm and score jobs: it resolves the image, runs the
// container with the input on stdin, stores the captured output and moves the
// job through queued, running and a terminal status.
package jobs

import (
	"errors"
	"time"

	"github.com/resonantgeodata/rgd-jobs/internal/container"
	"github.com/resonantgeodata/rgd-jobs/pkg/models"
)

// StatusCacheTTL bounds how long a cached job status outlives its last write.
const StatusCacheTTL = 24 * time.Hour

// Options control a single job run.
type Options struct {
	// DryRun computes the outcome without writing job status, results,
	// artifacts or the image ID cache.
	DryRun bool
}

// Outcome describes what a job run did.
type Outcome struct {
	Kind          models.JobKind   `json:"kind"`
	JobID         int64            `json:"job_id"`
	DryRun        bool             `json:"dry_run"`
	Status        models.JobStatus `json:"status"`
	FailReason    string           `json:"fail_reason"`
	ImageID       string           `json:"image_id,omitempty"`
	ContainerName string           `json:"container_name,omitempty"`
	DataBytes     int64            `json:"data_bytes"`
	LogBytes      int64            `json:"log_bytes"`
	// OverallScore is set for score jobs whose output parsed.
	OverallScore    *float64                `json:"overall_score,omitempty"`
	AlgorithmResult *models.AlgorithmResult `json:"algorithm_result,omitempty"`
	ScoreResult     *models.ScoreResult     `json:"score_result,omitempty"`
}

// Classify maps the error from a job body to a terminal status and fail reason.
// A non-zero container exit is a business failure; anything else went wrong
// around the container and is an internal failure. The fail reason is the
// error message, or "" when there is none.
func Classify(err error) (models.JobStatus, string) {
	if err == nil {
		return models.JobStatusSuccess, ""
	}
	var exitErr *container.ExitError
	if errors.As(err, &exitErr) {
		return models.JobStatusFailed, exitErr.Error()
	}
	return models.JobStatusInternalFailure, err.Error()
}
