// Package mock provides an in-memory cache.Cache for unit tests.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/resonantgeodata/rgd-jobs/internal/cache"
	"github.com/resonantgeodata/rgd-jobs/pkg/models"
)

// Cache ignores TTLs. Err, when set, is returned by every call.
type Cache struct {
	mu       sync.Mutex
	statuses map[string]models.JobStatus
	counters map[string]int64
	Err      error
}

func NewCache() *Cache {
	return &Cache{statuses: map[string]models.JobStatus{}, counters: map[string]int64{}}
}

func (c *Cache) Ping(context.Context) error {
	return c.Err
}

func (c *Cache) SetJobStatus(_ context.Context, kind models.JobKind, jobID int64, status models.JobStatus, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return c.Err
	}
	c.statuses[cache.JobStatusKey(kind, jobID)] = status
	return nil
}

func (c *Cache) GetJobStatus(_ context.Context, kind models.JobKind, jobID int64) (models.JobStatus, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return "", false, c.Err
	}
	status, ok := c.statuses[cache.JobStatusKey(kind, jobID)]
	return status, ok, nil
}

func (c *Cache) IncrWithExpiry(_ context.Context, key string, _ time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return 0, c.Err
	}
	c.counters[key]++
	return c.counters[key], nil
}

var _ cache.Cache = (*Cache)(nil)
