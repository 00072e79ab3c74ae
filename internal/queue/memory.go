package queue

import (
	"context"
	"sync"
	"time"
)

// MemoryQueue is an in-process Queue for tests of the producers and the worker pool.
type MemoryQueue struct {
	mu    sync.Mutex
	tasks []Task
	ready chan struct{}
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{ready: make(chan struct{}, 1)}
}

func (q *MemoryQueue) Enqueue(_ context.Context, task Task) error {
	if err := task.Validate(); err != nil {
		return err
	}
	q.mu.Lock()
	q.tasks = append(q.tasks, task)
	q.mu.Unlock()
	select {
	case q.ready <- struct{}{}:
	default:
	}
	return nil
}

func (q *MemoryQueue) Dequeue(ctx context.Context, wait time.Duration) (Task, bool, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		q.mu.Lock()
		if len(q.tasks) > 0 {
			task := q.tasks[0]
			q.tasks = q.tasks[1:]
			more := len(q.tasks) > 0
			q.mu.Unlock()
			if more {
				select {
				case q.ready <- struct{}{}:
				default:
				}
			}
			return task, true, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return Task{}, false, ctx.Err()
		case <-timer.C:
			return Task{}, false, nil
		case <-q.ready:
		}
	}
}

// Pending returns a copy of the waiting tasks.
func (q *MemoryQueue) Pending() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Task(nil), q.tasks...)
}

// Len reports the number of waiting tasks.
func (q *MemoryQueue) Len(context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.tasks)), nil
}

var (
	_ Queue     = (*MemoryQueue)(nil)
	_ Inspector = (*MemoryQueue)(nil)
)
