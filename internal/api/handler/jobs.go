package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	mw "github.com/resonantgeodata/rgd-jobs/internal/api/middleware"
	"github.com/resonantgeodata/rgd-jobs/internal/api/response"
	"github.com/resonantgeodata/rgd-jobs/internal/artifact"
	"github.com/resonantgeodata/rgd-jobs/internal/jobs"
	"github.com/resonantgeodata/rgd-jobs/internal/store"
	"github.com/resonantgeodata/rgd-jobs/pkg/models"
)

// JobService defines what the job handlers need from jobs.Service.
type JobService interface {
	SubmitAlgorithmJob(ctx context.Context, algorithmID, datasetID int64, creator string) (*models.AlgorithmJob, error)
	SubmitScoreJob(ctx context.Context, scoreAlgorithmID, algorithmResultID, groundtruthID int64, creator string) (*models.ScoreJob, error)
	JobStatus(ctx context.Context, kind models.JobKind, id int64) (models.JobStatus, error)
}

type algorithmJobResponse struct {
	*models.AlgorithmJob
	Result *models.AlgorithmResult `json:"result,omitempty"`
}

type scoreJobResponse struct {
	*models.ScoreJob
	Result *models.ScoreResult `json:"result,omitempty"`
}

type jobStatusResponse struct {
	Kind   models.JobKind   `json:"kind"`
	JobID  int64            `json:"job_id"`
	Status models.JobStatus `json:"status"`
}

// NewSubmitAlgorithmJobHandler returns an http.HandlerFunc for POST /api/v1/algorithm-jobs.
func NewSubmitAlgorithmJobHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		creator, ok := mw.GetCreator(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing creator", nil)
			return
		}

		var req struct {
			AlgorithmID int64 `json:"algorithm_id"`
			DatasetID   int64 `json:"dataset_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if req.AlgorithmID <= 0 {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "algorithm_id is required", nil)
			return
		}
		if req.DatasetID <= 0 {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "dataset_id is required", nil)
			return
		}

		job, err := svc.SubmitAlgorithmJob(r.Context(), req.AlgorithmID, req.DatasetID, creator)
		if err != nil {
			var id int64
			if job != nil {
				id = job.ID
			}
			submitError(w, models.JobKindAlgorithm, id, err)
			return
		}
		response.Accepted(w, job)
	}
}

// NewSubmitScoreJobHandler returns an http.HandlerFunc for POST /api/v1/score-jobs.
func NewSubmitScoreJobHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		creator, ok := mw.GetCreator(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing creator", nil)
			return
		}

		var req struct {
			ScoreAlgorithmID  int64 `json:"score_algorithm_id"`
			AlgorithmResultID int64 `json:"algorithm_result_id"`
			GroundtruthID     int64 `json:"groundtruth_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		switch {
		case req.ScoreAlgorithmID <= 0:
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "score_algorithm_id is required", nil)
			return
		case req.AlgorithmResultID <= 0:
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "algorithm_result_id is required", nil)
			return
		case req.GroundtruthID <= 0:
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "groundtruth_id is required", nil)
			return
		}

		job, err := svc.SubmitScoreJob(r.Context(), req.ScoreAlgorithmID, req.AlgorithmResultID, req.GroundtruthID, creator)
		if err != nil {
			var id int64
			if job != nil {
				id = job.ID
			}
			submitError(w, models.JobKindScore, id, err)
			return
		}
		response.Accepted(w, job)
	}
}

// submitError maps a submission error to a response. A non-zero id means the
// job was recorded but could not be enqueued.
func submitError(w http.ResponseWriter, kind models.JobKind, id int64, err error) {
	switch {
	case id != 0:
		response.Error(w, http.StatusServiceUnavailable, "QUEUE_UNAVAILABLE",
			"The job was recorded but could not be queued", map[string]any{"kind": kind, "job_id": id})
	case errors.Is(err, store.ErrNotFound):
		response.Error(w, http.StatusNotFound, "RESOURCE_NOT_FOUND", err.Error(), nil)
	case errors.Is(err, jobs.ErrInactive):
		response.Error(w, http.StatusConflict, "ALGORITHM_INACTIVE", err.Error(), nil)
	default:
		slog.Error("job submission failed", "kind", kind, "error", err)
		internalError(w)
	}
}

// NewGetAlgorithmJobHandler returns an http.HandlerFunc for GET /api/v1/algorithm-jobs/{jobID}.
func NewGetAlgorithmJobHandler(s store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "jobID")
		if !ok {
			return
		}
		job, err := s.GetAlgorithmJob(r.Context(), id)
		if err != nil {
			notFoundOrInternal(w, err, "Algorithm job not found")
			return
		}

		resp := algorithmJobResponse{AlgorithmJob: job}
		if job.Status.Terminal() {
			res, err := s.GetAlgorithmResultByJob(r.Context(), id)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				slog.Error("failed to load algorithm result", "job_id", id, "error", err)
				internalError(w)
				return
			}
			resp.Result = res
		}
		response.JSON(w, resp)
	}
}

// NewGetScoreJobHandler returns an http.HandlerFunc for GET /api/v1/score-jobs/{jobID}.
func NewGetScoreJobHandler(s store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "jobID")
		if !ok {
			return
		}
		job, err := s.GetScoreJob(r.Context(), id)
		if err != nil {
			notFoundOrInternal(w, err, "Score job not found")
			return
		}

		resp := scoreJobResponse{ScoreJob: job}
		if job.Status.Terminal() {
			res, err := s.GetScoreResultByJob(r.Context(), id)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				slog.Error("failed to load score result", "job_id", id, "error", err)
				internalError(w)
				return
			}
			resp.Result = res
		}
		response.JSON(w, resp)
	}
}

// NewJobStatusHandler returns an http.HandlerFunc for GET /api/v1/{kind}-jobs/{jobID}/status.
// It answers from the status cache when it can.
func NewJobStatusHandler(svc JobService, kind models.JobKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "jobID")
		if !ok {
			return
		}
		status, err := svc.JobStatus(r.Context(), kind, id)
		if err != nil {
			notFoundOrInternal(w, err, "Job not found")
			return
		}
		response.JSON(w, jobStatusResponse{Kind: kind, JobID: id, Status: status})
	}
}

// resultFiles names the downloadable artifacts of a result.
var resultFiles = map[string]string{
	"data": "output.dat",
	"log":  "stderr.dat",
}

// NewAlgorithmResultHandler returns an http.HandlerFunc for
// GET /api/v1/algorithm-jobs/{jobID}/result/{artifact}.
func NewAlgorithmResultHandler(s store.Store, artifacts artifact.Store) http.HandlerFunc {
	return newResultHandler(artifacts, func(ctx context.Context, id int64) (string, string, error) {
		res, err := s.GetAlgorithmResultByJob(ctx, id)
		if err != nil {
			return "", "", err
		}
		return res.DataKey, res.LogKey, nil
	})
}

// NewScoreResultHandler returns an http.HandlerFunc for
// GET /api/v1/score-jobs/{jobID}/result/{artifact}.
func NewScoreResultHandler(s store.Store, artifacts artifact.Store) http.HandlerFunc {
	return newResultHandler(artifacts, func(ctx context.Context, id int64) (string, string, error) {
		res, err := s.GetScoreResultByJob(ctx, id)
		if err != nil {
			return "", "", err
		}
		return res.DataKey, res.LogKey, nil
	})
}

func newResultHandler(artifacts artifact.Store, keys func(ctx context.Context, jobID int64) (dataKey, logKey string, err error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "jobID")
		if !ok {
			return
		}
		which := chi.URLParam(r, "artifact")
		filename, ok := resultFiles[which]
		if !ok {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "artifact must be data or log", nil)
			return
		}

		dataKey, logKey, err := keys(r.Context(), id)
		if err != nil {
			notFoundOrInternal(w, err, "Result not found")
			return
		}
		key := dataKey
		if which == "log" {
			key = logKey
		}

		rc, err := artifacts.Reader(r.Context(), key)
		if err != nil {
			if errors.Is(err, artifact.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "RESOURCE_NOT_FOUND", "Result file is missing", nil)
				return
			}
			slog.Error("failed to open result artifact", "job_id", id, "key", key, "error", err)
			internalError(w)
			return
		}
		defer rc.Close()
		response.Stream(w, filename, -1, rc)
	}
}

func notFoundOrInternal(w http.ResponseWriter, err error, msg string) {
	if errors.Is(err, store.ErrNotFound) {
		response.Error(w, http.StatusNotFound, "RESOURCE_NOT_FOUND", msg, nil)
		return
	}
	slog.Error("store lookup failed", "error", err)
	internalError(w)
}
