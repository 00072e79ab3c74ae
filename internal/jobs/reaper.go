package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/resonantgeodata/rgd-jobs/internal/cache"
	"github.com/resonantgeodata/rgd-jobs/internal/store"
	"github.com/resonantgeodata/rgd-jobs/pkg/models"
)

// Reaper fails jobs left running after their worker was killed or timed out.
type Reaper struct {
	store      store.Store
	cache      cache.Cache
	stuckAfter time.Duration
	now        func() time.Time
}

// NewReaper creates a Reaper for jobs running longer than stuckAfter. c may be nil.
func NewReaper(s store.Store, c cache.Cache, stuckAfter time.Duration) *Reaper {
	return &Reaper{store: s, cache: c, stuckAfter: stuckAfter, now: time.Now}
}

// Sweep marks every stuck job internal_failure and returns how many it marked.
// Jobs that finish between the listing and the update are skipped.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	cutoff := r.now().Add(-r.stuckAfter)
	reason := fmt.Sprintf("reaped: running for longer than %s", r.stuckAfter)

	var errs []error
	reaped := 0
	for _, kind := range []models.JobKind{models.JobKindAlgorithm, models.JobKindScore} {
		ids, err := r.store.ListStuckJobs(ctx, kind, cutoff)
		if err != nil {
			errs = append(errs, fmt.Errorf("list stuck %s jobs: %w", kind, err))
			continue
		}
		for _, id := range ids {
			err := r.store.UpdateJobStatus(ctx, kind, id, models.JobStatusInternalFailure, store.WithFailReason(reason))
			if errors.Is(err, store.ErrInvalidTransition) || errors.Is(err, store.ErrNotFound) {
				continue
			}
			if err != nil {
				errs = append(errs, fmt.Errorf("reap %s job %d: %w", kind, id, err))
				continue
			}
			reaped++
			slog.Warn("reaped stuck job", "kind", kind, "job_id", id, "stuck_after", r.stuckAfter.String())
			if r.cache != nil {
				if err := r.cache.SetJobStatus(ctx, kind, id, models.JobStatusInternalFailure, StatusCacheTTL); err != nil {
					slog.Warn("failed to cache job status", "kind", kind, "job_id", id, "error", err)
				}
			}
		}
	}
	return reaped, errors.Join(errs...)
}
