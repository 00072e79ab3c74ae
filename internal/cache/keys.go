package cache

import (
	"fmt"

	"github.com/resonantgeodata/rgd-jobs/pkg/models"
)

func JobStatusKey(kind models.JobKind, jobID int64) string {
	return fmt.Sprintf("job:%s:%d", kind, jobID)
}

func RateLimitKey(keyPrefix string) string {
	return fmt.Sprintf("ratelimit:%s", keyPrefix)
}
