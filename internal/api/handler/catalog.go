package handler

import (
	"context"
	"errors"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"

	mw "github.com/resonantgeodata/rgd-jobs/internal/api/middleware"
	"github.com/resonantgeodata/rgd-jobs/internal/api/response"
	"github.com/resonantgeodata/rgd-jobs/internal/artifact"
	"github.com/resonantgeodata/rgd-jobs/internal/store"
	"github.com/resonantgeodata/rgd-jobs/pkg/models"
)

// Artifact key prefixes for uploaded catalog files.
const (
	algorithmPrefix      = "algorithms"
	scoreAlgorithmPrefix = "score-algorithms"
	datasetPrefix        = "datasets"
	groundtruthPrefix    = "groundtruths"
)

// multipartMemory is how much of an upload is held in memory before spooling to disk.
const multipartMemory = 32 << 20

const maxNameLen = 255

// upload is a validated catalog upload whose file has been stored.
type upload struct {
	Name        string
	Description string
	Creator     string
	DataKey     string
}

// createFunc persists the record for an upload and returns it.
type createFunc func(ctx context.Context, up upload) (any, error)

// NewCreateAlgorithmHandler returns an http.HandlerFunc for POST /api/v1/algorithms.
func NewCreateAlgorithmHandler(s store.Store, artifacts artifact.Store, maxBytes int64) http.HandlerFunc {
	return newUploadHandler(artifacts, maxBytes, algorithmPrefix, func(ctx context.Context, up upload) (any, error) {
		a := &models.Algorithm{Executable: executable(up)}
		return a, s.CreateAlgorithm(ctx, a)
	})
}

// NewCreateScoreAlgorithmHandler returns an http.HandlerFunc for POST /api/v1/score-algorithms.
func NewCreateScoreAlgorithmHandler(s store.Store, artifacts artifact.Store, maxBytes int64) http.HandlerFunc {
	return newUploadHandler(artifacts, maxBytes, scoreAlgorithmPrefix, func(ctx context.Context, up upload) (any, error) {
		a := &models.ScoreAlgorithm{Executable: executable(up)}
		return a, s.CreateScoreAlgorithm(ctx, a)
	})
}

// NewCreateDatasetHandler returns an http.HandlerFunc for POST /api/v1/datasets.
func NewCreateDatasetHandler(s store.Store, artifacts artifact.Store, maxBytes int64) http.HandlerFunc {
	return newUploadHandler(artifacts, maxBytes, datasetPrefix, func(ctx context.Context, up upload) (any, error) {
		d := &models.Dataset{DataFile: dataFile(up)}
		return d, s.CreateDataset(ctx, d)
	})
}

// NewCreateGroundtruthHandler returns an http.HandlerFunc for POST /api/v1/groundtruths.
func NewCreateGroundtruthHandler(s store.Store, artifacts artifact.Store, maxBytes int64) http.HandlerFunc {
	return newUploadHandler(artifacts, maxBytes, groundtruthPrefix, func(ctx context.Context, up upload) (any, error) {
		g := &models.Groundtruth{DataFile: dataFile(up)}
		return g, s.CreateGroundtruth(ctx, g)
	})
}

func executable(up upload) models.Executable {
	return models.Executable{
		Name:        up.Name,
		Description: up.Description,
		Creator:     up.Creator,
		Active:      true,
		DataKey:     up.DataKey,
	}
}

func dataFile(up upload) models.DataFile {
	return models.DataFile{
		Name:        up.Name,
		Description: up.Description,
		Creator:     up.Creator,
		DataKey:     up.DataKey,
	}
}

// newUploadHandler reads a multipart form with name, description and file
// fields, stores the file under prefix and then creates the record. The stored
// file is deleted again when the record cannot be created.
func newUploadHandler(artifacts artifact.Store, maxBytes int64, prefix string, create createFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		creator, ok := mw.GetCreator(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing creator", nil)
			return
		}

		if maxBytes > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		}
		if err := r.ParseMultipartForm(multipartMemory); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				response.Error(w, http.StatusRequestEntityTooLarge, "UPLOAD_TOO_LARGE", "Upload exceeds the size limit", nil)
				return
			}
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Expected a multipart/form-data body", nil)
			return
		}
		defer r.MultipartForm.RemoveAll()

		name := strings.TrimSpace(r.FormValue("name"))
		if name == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "name is required", nil)
			return
		}
		if len(name) > maxNameLen {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "name must be at most 255 characters", nil)
			return
		}

		file, header, err := r.FormFile("file")
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "file is required", nil)
			return
		}
		defer file.Close()

		key, err := saveUpload(r.Context(), artifacts, prefix, header, file)
		if err != nil {
			slog.Error("failed to store upload", "prefix", prefix, "name", name, "error", err)
			internalError(w)
			return
		}

		record, err := create(r.Context(), upload{
			Name:        name,
			Description: strings.TrimSpace(r.FormValue("description")),
			Creator:     creator,
			DataKey:     key,
		})
		if err != nil {
			if delErr := artifacts.Delete(context.WithoutCancel(r.Context()), key); delErr != nil {
				slog.Warn("failed to delete orphaned upload", "key", key, "error", delErr)
			}
			if errors.Is(err, store.ErrDuplicateKey) {
				response.Error(w, http.StatusConflict, "DUPLICATE_NAME", "A record with this name already exists", nil)
				return
			}
			slog.Error("failed to create catalog record", "prefix", prefix, "name", name, "error", err)
			internalError(w)
			return
		}

		slog.Info("catalog record created", "prefix", prefix, "name", name, "creator", creator, "data_key", key)
		response.Created(w, record)
	}
}

func saveUpload(ctx context.Context, artifacts artifact.Store, prefix string, header *multipart.FileHeader, file multipart.File) (string, error) {
	filename := header.Filename
	if filename == "" {
		filename = "data"
	}
	return artifacts.Save(ctx, prefix, filename, file)
}
