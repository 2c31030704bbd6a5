package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"recording-reconciler/internal/queue"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func newTestPool(q queue.Queue) *Pool {
	p := NewPool(q, Config{Concurrency: 3, PollInterval: time.Millisecond, Lease: time.Minute, ErrorBackoff: 30 * time.Second}, nil)
	p.clock = func() time.Time { return t0 }
	return p
}

func TestRunOnce_AcksDoneJobs(t *testing.T) {
	q := queue.NewMemoryQueue()
	p := newTestPool(q)
	var got []string
	p.Register(queue.KindMigrate, func(_ context.Context, ref string) (time.Time, error) {
		got = append(got, ref)
		return time.Time{}, nil
	})
	job := queue.Job{Kind: queue.KindMigrate, Ref: "r1"}
	require.NoError(t, q.Enqueue(context.Background(), job, t0))

	worked, err := p.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, worked)
	assert.Equal(t, []string{"r1"}, got)
	_, queued := q.Scheduled(job)
	assert.False(t, queued)

	worked, err = p.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, worked)
}

func TestRunOnce_ReschedulesRetries(t *testing.T) {
	q := queue.NewMemoryQueue()
	p := newTestPool(q)
	retryAt := t0.Add(2 * time.Minute)
	p.Register(queue.KindCleanup, func(context.Context, string) (time.Time, error) { return retryAt, nil })
	job := queue.Job{Kind: queue.KindCleanup, Ref: "r1"}
	require.NoError(t, q.Enqueue(context.Background(), job, t0))

	_, err := p.RunOnce(context.Background())
	require.NoError(t, err)
	at, queued := q.Scheduled(job)
	require.True(t, queued)
	assert.Equal(t, retryAt, at)
}

func TestRunOnce_ErrorsBackOff(t *testing.T) {
	q := queue.NewMemoryQueue()
	p := newTestPool(q)
	p.Register(queue.KindProcessEvent, func(context.Context, string) (time.Time, error) {
		return time.Time{}, errors.New("db down")
	})
	job := queue.Job{Kind: queue.KindProcessEvent, Ref: "ev-1"}
	require.NoError(t, q.Enqueue(context.Background(), job, t0))

	_, err := p.RunOnce(context.Background())
	require.NoError(t, err)
	at, queued := q.Scheduled(job)
	require.True(t, queued)
	assert.Equal(t, t0.Add(30*time.Second), at)
}

func TestRunOnce_RecoversPanics(t *testing.T) {
	q := queue.NewMemoryQueue()
	p := newTestPool(q)
	p.Register(queue.KindMigrate, func(context.Context, string) (time.Time, error) { panic("boom") })
	job := queue.Job{Kind: queue.KindMigrate, Ref: "r1"}
	require.NoError(t, q.Enqueue(context.Background(), job, t0))

	_, err := p.RunOnce(context.Background())
	require.NoError(t, err)
	_, queued := q.Scheduled(job)
	assert.True(t, queued)
}

func TestRunOnce_DropsUnknownKinds(t *testing.T) {
	q := queue.NewMemoryQueue()
	p := newTestPool(q)
	job := queue.Job{Kind: "mystery", Ref: "x"}
	require.NoError(t, q.Enqueue(context.Background(), job, t0))

	worked, err := p.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, worked)
	_, queued := q.Scheduled(job)
	assert.False(t, queued)
}

func TestRun_ProcessesConcurrentlyAndStops(t *testing.T) {
	q := queue.NewMemoryQueue()
	p := newTestPool(q)

	const jobs = 20
	var done atomic.Int32
	var mu sync.Mutex
	seen := map[string]int{}
	p.Register(queue.KindMigrate, func(_ context.Context, ref string) (time.Time, error) {
		mu.Lock()
		seen[ref]++
		mu.Unlock()
		done.Add(1)
		return time.Time{}, nil
	})
	for i := 0; i < jobs; i++ {
		require.NoError(t, q.Enqueue(context.Background(), queue.Job{Kind: queue.KindMigrate, Ref: string(rune('a' + i))}, t0))
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- p.Run(ctx) }()

	require.Eventually(t, func() bool { return done.Load() == jobs }, 5*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-errCh)

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, seen, jobs)
	for ref, n := range seen {
		assert.Equal(t, 1, n, "job %s ran more than once", ref)
	}
}
