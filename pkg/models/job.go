package models

import (
	"time"
)

// JobStatus is the lifecycle state of an algorithm or score job.
type JobStatus string

const (
	JobStatusQueued          JobStatus = "queued"
	JobStatusRunning         JobStatus = "running"
	JobStatusInternalFailure JobStatus = "internal_failure"
	JobStatusFailed          JobStatus = "failed"
	JobStatusSuccess         JobStatus = "success"
)

// Terminal reports whether no further transition is defined out of s.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusSuccess, JobStatusFailed, JobStatusInternalFailure:
		return true
	}
	return false
}

// Valid reports whether s is one of the known statuses.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusQueued, JobStatusRunning, JobStatusInternalFailure, JobStatusFailed, JobStatusSuccess:
		return true
	}
	return false
}

// JobKind distinguishes the two job tables on the task queue and in the status cache.
type JobKind string

const (
	JobKindAlgorithm JobKind = "algorithm"
	JobKindScore     JobKind = "score"
)

// JobState holds the lifecycle columns shared by AlgorithmJob and ScoreJob.
type JobState struct {
	Status      JobStatus  `db:"status"       json:"status"`
	FailReason  string     `db:"fail_reason"  json:"fail_reason"`
	StartedAt   *time.Time `db:"started_at"   json:"started_at,omitempty"`
	CompletedAt *time.Time `db:"completed_at" json:"completed_at,omitempty"`
}

// AlgorithmJob is a request to run an Algorithm against a Dataset.
// Callers create it queued; the worker moves it to running and then to a terminal status.
type AlgorithmJob struct {
	ID          int64     `db:"id"           json:"id"`
	AlgorithmID int64     `db:"algorithm_id" json:"algorithm_id"`
	DatasetID   int64     `db:"dataset_id"   json:"dataset_id"`
	Creator     string    `db:"creator"      json:"creator"`
	JobState
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// ScoreJob is a request to score an AlgorithmResult against a Groundtruth using a ScoreAlgorithm.
type ScoreJob struct {
	ID                int64     `db:"id"                  json:"id"`
	ScoreAlgorithmID  int64     `db:"score_algorithm_id"  json:"score_algorithm_id"`
	AlgorithmResultID int64     `db:"algorithm_result_id" json:"algorithm_result_id"`
	GroundtruthID     int64     `db:"groundtruth_id"      json:"groundtruth_id"`
	Creator           string    `db:"creator"             json:"creator"`
	JobState
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}
