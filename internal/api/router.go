package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	mw "github.com/resonantgeodata/rgd-jobs/internal/api/middleware"
	"github.com/resonantgeodata/rgd-jobs/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	HealthHandler http.HandlerFunc

	CreateAlgorithm      http.HandlerFunc
	CreateScoreAlgorithm http.HandlerFunc
	CreateDataset        http.HandlerFunc
	CreateGroundtruth    http.HandlerFunc

	SubmitAlgorithmJob http.HandlerFunc
	GetAlgorithmJob    http.HandlerFunc
	AlgorithmJobStatus http.HandlerFunc
	AlgorithmResult    http.HandlerFunc

	SubmitScoreJob http.HandlerFunc
	GetScoreJob    http.HandlerFunc
	ScoreJobStatus http.HandlerFunc
	ScoreResult    http.HandlerFunc

	CreateKeyHandler http.HandlerFunc
	ListKeysHandler  http.HandlerFunc
	RevokeKeyHandler http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	// Public health check
	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope(mw.ScopeRead))

			r.Get("/api/v1/algorithm-jobs/{jobID}", orNotImplemented(deps.GetAlgorithmJob))
			r.Get("/api/v1/algorithm-jobs/{jobID}/status", orNotImplemented(deps.AlgorithmJobStatus))
			r.Get("/api/v1/algorithm-jobs/{jobID}/result/{artifact}", orNotImplemented(deps.AlgorithmResult))

			r.Get("/api/v1/score-jobs/{jobID}", orNotImplemented(deps.GetScoreJob))
			r.Get("/api/v1/score-jobs/{jobID}/status", orNotImplemented(deps.ScoreJobStatus))
			r.Get("/api/v1/score-jobs/{jobID}/result/{artifact}", orNotImplemented(deps.ScoreResult))
		})

		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope(mw.ScopeWrite))

			r.Post("/api/v1/algorithms", orNotImplemented(deps.CreateAlgorithm))
			r.Post("/api/v1/score-algorithms", orNotImplemented(deps.CreateScoreAlgorithm))
			r.Post("/api/v1/datasets", orNotImplemented(deps.CreateDataset))
			r.Post("/api/v1/groundtruths", orNotImplemented(deps.CreateGroundtruth))

			r.Post("/api/v1/algorithm-jobs", orNotImplemented(deps.SubmitAlgorithmJob))
			r.Post("/api/v1/score-jobs", orNotImplemented(deps.SubmitScoreJob))
		})

		// Admin routes
		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope(mw.ScopeAdmin))

			r.Post("/api/v1/admin/keys", orNotImplemented(deps.CreateKeyHandler))
			r.Get("/api/v1/admin/keys", orNotImplemented(deps.ListKeysHandler))
			r.Delete("/api/v1/admin/keys/{keyID}", orNotImplemented(deps.RevokeKeyHandler))
		})
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
