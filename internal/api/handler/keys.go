package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	mw "github.com/resonantgeodata/rgd-jobs/internal/api/middleware"
	"github.com/resonantgeodata/rgd-jobs/internal/api/response"
	"github.com/resonantgeodata/rgd-jobs/internal/store"
	"github.com/resonantgeodata/rgd-jobs/pkg/models"
)

type createdKeyResponse struct {
	*models.APIKey
	// Key is the raw API key. It is only ever returned here.
	Key string `json:"key"`
}

// NewCreateKeyHandler returns an http.HandlerFunc for POST /api/v1/admin/keys.
func NewCreateKeyHandler(s store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Name   string   `json:"name"`
			Scopes []string `json:"scopes"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		for _, scope := range req.Scopes {
			if !mw.ValidScope(scope) {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
					"scopes must be read, write or admin", map[string]string{"scope": scope})
				return
			}
		}

		raw, key, err := mw.NewAPIKey(req.Name, req.Scopes)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
			return
		}
		if err := s.CreateAPIKey(r.Context(), key); err != nil {
			if errors.Is(err, store.ErrDuplicateKey) {
				response.Error(w, http.StatusConflict, "DUPLICATE_KEY", "API key already exists", nil)
				return
			}
			slog.Error("failed to create api key", "name", key.Name, "error", err)
			internalError(w)
			return
		}

		slog.Info("api key created", "name", key.Name, "key_prefix", key.KeyPrefix, "scopes", key.Scopes)
		response.Created(w, createdKeyResponse{APIKey: key, Key: raw})
	}
}

// NewListKeysHandler returns an http.HandlerFunc for GET /api/v1/admin/keys.
func NewListKeysHandler(s store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		keys, err := s.ListAPIKeys(r.Context())
		if err != nil {
			slog.Error("failed to list api keys", "error", err)
			internalError(w)
			return
		}
		if keys == nil {
			keys = []*models.APIKey{}
		}
		response.List(w, keys, len(keys))
	}
}

// NewRevokeKeyHandler returns an http.HandlerFunc for DELETE /api/v1/admin/keys/{keyID}.
func NewRevokeKeyHandler(s store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "keyID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "keyID must be a UUID", nil)
			return
		}
		if err := s.RevokeAPIKey(r.Context(), id); err != nil {
			notFoundOrInternal(w, err, "API key not found")
			return
		}
		slog.Info("api key revoked", "key_id", id)
		response.NoContent(w)
	}
}
