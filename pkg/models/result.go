package models

import "time"

// ResultType names the format of a score container's output.
type ResultType string

// ResultTypeSimple is a single float on the first line of stdout.
const ResultTypeSimple ResultType = "simple"

// AlgorithmResult holds the captured stdout (data) and stderr (log) of one algorithm job run.
// AlgorithmJobID is nil once the owning job record is gone.
type AlgorithmResult struct {
	ID             int64     `db:"id"               json:"id"`
	AlgorithmJobID *int64    `db:"algorithm_job_id" json:"algorithm_job_id,omitempty"`
	DataKey        string    `db:"data_key"         json:"data_key"`
	LogKey         string    `db:"log_key"          json:"log_key"`
	CreatedAt      time.Time `db:"created_at"       json:"created_at"`
}

// ScoreResult is the output of a score job run.
type ScoreResult struct {
	ID           int64      `db:"id"            json:"id"`
	ScoreJobID   *int64     `db:"score_job_id"  json:"score_job_id,omitempty"`
	DataKey      string     `db:"data_key"      json:"data_key"`
	LogKey       string     `db:"log_key"       json:"log_key"`
	OverallScore float64    `db:"overall_score" json:"overall_score"`
	ResultType   ResultType `db:"result_type"   json:"result_type"`
	CreatedAt    time.Time  `db:"created_at"    json:"created_at"`
}
