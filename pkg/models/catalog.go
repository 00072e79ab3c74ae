// Package models contains the records persisted by the job runner.
package models

import "time"

// Executable is the catalog shape shared by Algorithm and ScoreAlgorithm: a named
// Docker image tarball plus the image ID it resolved to on this host.
type Executable struct {
	ID          int64  `db:"id"          json:"id"`
	Name        string `db:"name"        json:"name"`
	Description string `db:"description" json:"description"`
	Creator     string `db:"creator"     json:"creator"`
	Active      bool   `db:"active"      json:"active"`
	// DockerImageID is filled lazily on first run and treated as a durable cache key.
	DockerImageID *string   `db:"docker_image_id" json:"docker_image_id,omitempty"`
	DataKey       string    `db:"data_key"        json:"data_key"`
	CreatedAt     time.Time `db:"created_at"      json:"created_at"`
	UpdatedAt     time.Time `db:"updated_at"      json:"updated_at"`
}

// CachedImageID returns the cached Docker image ID, or "" when none is recorded.
func (e *Executable) CachedImageID() string {
	if e.DockerImageID == nil {
		return ""
	}
	return *e.DockerImageID
}

// Algorithm is a runnable Docker image that reads a Dataset on stdin.
type Algorithm struct {
	Executable
}

// ScoreAlgorithm compares an AlgorithmResult (stdin) against a Groundtruth mounted
// at /groundtruth.dat and prints a score.
type ScoreAlgorithm struct {
	Executable
}

// DataFile is the catalog shape shared by Dataset and Groundtruth.
type DataFile struct {
	ID          int64     `db:"id"          json:"id"`
	Name        string    `db:"name"        json:"name"`
	Description string    `db:"description" json:"description"`
	Creator     string    `db:"creator"     json:"creator"`
	DataKey     string    `db:"data_key"    json:"data_key"`
	CreatedAt   time.Time `db:"created_at"  json:"created_at"`
}

// Dataset is the input piped to an algorithm container.
type Dataset struct {
	DataFile
}

// Groundtruth is reference data used only by scoring.
type Groundtruth struct {
	DataFile
}
