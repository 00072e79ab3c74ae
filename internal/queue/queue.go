// Package queue carries job tasks from the API to workers over a Redis list.
// Delivery is at-most-once: a task popped by a worker that then dies is lost,
// and the job stays queued or running until an operator or the reaper acts.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/resonantgeodata/rgd-jobs/pkg/models"
)

// DefaultKey is the Redis list used when none is configured.
const DefaultKey = "rgd:tasks"

// Task asks a worker to run one job.
type Task struct {
	Kind  models.JobKind `json:"kind"`
	JobID int64          `json:"job_id"`
}

func (t Task) Validate() error {
	if t.Kind != models.JobKindAlgorithm && t.Kind != models.JobKindScore {
		return fmt.Errorf("unknown task kind %q", t.Kind)
	}
	if t.JobID <= 0 {
		return fmt.Errorf("invalid job id %d", t.JobID)
	}
	return nil
}

// Queue is implemented by RedisQueue and by test fakes.
type Queue interface {
	Enqueue(ctx context.Context, task Task) error
	// Dequeue blocks up to wait for a task. ok is false when none arrived.
	Dequeue(ctx context.Context, wait time.Duration) (task Task, ok bool, err error)
}

// Inspector reports a queue's backlog. RedisQueue and MemoryQueue satisfy it.
type Inspector interface {
	Len(ctx context.Context) (int64, error)
}

// RedisQueue is a FIFO on a Redis list: LPUSH to enqueue, BRPOP to dequeue.
type RedisQueue struct {
	client *redis.Client
	key    string
}

// NewRedisQueue creates a queue from a Redis URL.
func NewRedisQueue(redisURL, key string) (*RedisQueue, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	if key == "" {
		key = DefaultKey
	}
	return &RedisQueue{client: redis.NewClient(opts), key: key}, nil
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}

func (q *RedisQueue) Enqueue(ctx context.Context, task Task) error {
	if err := task.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	if err := q.client.LPush(ctx, q.key, payload).Err(); err != nil {
		return fmt.Errorf("enqueue task: %w", err)
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context, wait time.Duration) (Task, bool, error) {
	res, err := q.client.BRPop(ctx, wait, q.key).Result()
	if errors.Is(err, redis.Nil) {
		return Task{}, false, nil
	}
	if err != nil {
		return Task{}, false, fmt.Errorf("dequeue task: %w", err)
	}
	// res is [key, value].
	if len(res) != 2 {
		return Task{}, false, fmt.Errorf("dequeue task: unexpected reply %v", res)
	}

	var task Task
	if err := json.Unmarshal([]byte(res[1]), &task); err != nil {
		return Task{}, false, fmt.Errorf("decode task %q: %w", res[1], err)
	}
	if err := task.Validate(); err != nil {
		return Task{}, false, fmt.Errorf("decode task %q: %w", res[1], err)
	}
	return task, true, nil
}

// Len reports the number of waiting tasks.
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.key).Result()
}

var (
	_ Queue     = (*RedisQueue)(nil)
	_ Inspector = (*RedisQueue)(nil)
)
