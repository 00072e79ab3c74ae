package queue_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/resonantgeodata/rgd-jobs/internal/queue"
	"github.com/resonantgeodata/rgd-jobs/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupRedisQueue(t *testing.T) *queue.RedisQueue {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, container.Terminate(ctx)) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	q, err := queue.NewRedisQueue("redis://"+host+":"+port.Port(), "test:tasks:"+uuid.NewString()[:8])
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func TestRedisQueue_FIFO(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	q := setupRedisQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, queue.Task{Kind: models.JobKindAlgorithm, JobID: 1}))
	require.NoError(t, q.Enqueue(ctx, queue.Task{Kind: models.JobKindScore, JobID: 2}))

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	task, ok, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, queue.Task{Kind: models.JobKindAlgorithm, JobID: 1}, task)

	task, ok, err = q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, queue.Task{Kind: models.JobKindScore, JobID: 2}, task)
}

func TestRedisQueue_DequeueTimesOut(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	q := setupRedisQueue(t)

	_, ok, err := q.Dequeue(context.Background(), time.Second)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisQueue_RejectsInvalidTask(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	q := setupRedisQueue(t)

	err := q.Enqueue(context.Background(), queue.Task{Kind: "thumbnail", JobID: 1})
	assert.Error(t, err)
}

func TestTask_Validate(t *testing.T) {
	assert.NoError(t, queue.Task{Kind: models.JobKindAlgorithm, JobID: 1}.Validate())
	assert.NoError(t, queue.Task{Kind: models.JobKindScore, JobID: 9}.Validate())
	assert.Error(t, queue.Task{Kind: models.JobKindScore}.Validate())
	assert.Error(t, queue.Task{Kind: "other", JobID: 3}.Validate())
}

func TestMemoryQueue_FIFOAndTimeout(t *testing.T) {
	q := queue.NewMemoryQueue()
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, queue.Task{Kind: models.JobKindAlgorithm, JobID: 1}))
	require.NoError(t, q.Enqueue(ctx, queue.Task{Kind: models.JobKindAlgorithm, JobID: 2}))
	assert.Len(t, q.Pending(), 2)
	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	task, ok, err := q.Dequeue(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(1), task.JobID)

	task, ok, err = q.Dequeue(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(2), task.JobID)

	_, ok, err = q.Dequeue(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryQueue_WakesBlockedDequeue(t *testing.T) {
	q := queue.NewMemoryQueue()
	ctx := context.Background()

	got := make(chan queue.Task, 1)
	go func() {
		task, ok, _ := q.Dequeue(ctx, 5*time.Second)
		if ok {
			got <- task
		}
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, q.Enqueue(ctx, queue.Task{Kind: models.JobKindScore, JobID: 7}))

	select {
	case task := <-got:
		assert.Equal(t, int64(7), task.JobID)
	case <-time.After(2 * time.Second):
		t.Fatal("dequeue was not woken")
	}
}

func TestMemoryQueue_ContextCancel(t *testing.T) {
	q := queue.NewMemoryQueue()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, ok, err := q.Dequeue(ctx, time.Second)
	assert.False(t, ok)
	assert.ErrorIs(t, err, context.Canceled)
}
