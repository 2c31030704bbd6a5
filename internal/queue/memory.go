package queue

import (
	"context"
	"sync"
	"time"
)

// MemoryQueue is an in-process Queue with the same lease semantics as RedisQueue.
type MemoryQueue struct {
	mu  sync.Mutex
	due map[Job]time.Time
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{due: map[Job]time.Time{}}
}

func (q *MemoryQueue) Enqueue(_ context.Context, job Job, runAt time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.due[job] = runAt
	return nil
}

func (q *MemoryQueue) Claim(_ context.Context, now time.Time, lease time.Duration) (Job, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var (
		best   Job
		bestAt time.Time
		found  bool
	)
	for job, at := range q.due {
		if at.After(now) {
			continue
		}
		if !found || at.Before(bestAt) || (at.Equal(bestAt) && job.String() < best.String()) {
			best, bestAt, found = job, at, true
		}
	}
	if !found {
		return Job{}, false, nil
	}
	q.due[best] = now.Add(lease)
	return best, true, nil
}

func (q *MemoryQueue) Ack(_ context.Context, job Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.due, job)
	return nil
}

func (q *MemoryQueue) Depth(_ context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.due)), nil
}

// Scheduled returns the due time of job, if queued. Intended for tests.
func (q *MemoryQueue) Scheduled(job Job) (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	at, ok := q.due[job]
	return at, ok
}
