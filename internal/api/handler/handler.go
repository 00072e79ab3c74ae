// Package handler implements the HTTP endpoints of the job runner API.
package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/resonantgeodata/rgd-jobs/internal/api/response"
)

// pathID parses a positive integer URL parameter, writing a 400 when it is not one.
func pathID(w http.ResponseWriter, r *http.Request, param string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, param), 10, 64)
	if err != nil || id <= 0 {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", param+" must be a positive integer", nil)
		return 0, false
	}
	return id, true
}

func internalError(w http.ResponseWriter) {
	response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
}
