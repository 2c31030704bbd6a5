// Package worker runs queue handlers on a fixed pool of goroutines.
package worker

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"recording-reconciler/internal/metrics"
	"recording-reconciler/internal/queue"
	"recording-reconciler/pkg/logger"
)

// Handler processes the row referenced by a job. A non-zero retryAt re-schedules the
// job; an error is treated as an infrastructure failure and retried after the pool's
// error backoff.
type Handler func(ctx context.Context, ref string) (retryAt time.Time, err error)

type Config struct {
	Concurrency  int
	PollInterval time.Duration
	Lease        time.Duration
	ErrorBackoff time.Duration
}

type Pool struct {
	queue    queue.Queue
	handlers map[queue.Kind]Handler
	cfg      Config
	metrics  *metrics.Metrics
	clock    func() time.Time
}

func NewPool(q queue.Queue, cfg Config, m *metrics.Metrics) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 5 * time.Minute
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = 30 * time.Second
	}
	return &Pool{
		queue:    q,
		handlers: map[queue.Kind]Handler{},
		cfg:      cfg,
		metrics:  m,
		clock:    time.Now,
	}
}

// Register binds a handler to a job kind. Not safe to call once Run has started.
func (p *Pool) Register(kind queue.Kind, h Handler) {
	p.handlers[kind] = h
}

// Run blocks until ctx is cancelled. In-flight jobs finish before it returns; a job
// interrupted by shutdown becomes due again when its lease expires.
func (p *Pool) Run(ctx context.Context) error {
	logger.From(ctx).Info("worker pool started", "concurrency", p.cfg.Concurrency)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Concurrency; i++ {
		slot := i
		g.Go(func() error {
			p.loop(logger.WithAttrs(gctx, "worker", slot))
			return nil
		})
	}
	err := g.Wait()
	logger.From(ctx).Info("worker pool stopped")
	return err
}

func (p *Pool) loop(ctx context.Context) {
	for ctx.Err() == nil {
		worked, err := p.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			logger.From(ctx).Error("claim job failed", "err", err)
		}
		if !worked {
			sleep(ctx, p.cfg.PollInterval)
		}
	}
}

// RunOnce claims and processes at most one due job. worked reports whether a job ran.
func (p *Pool) RunOnce(ctx context.Context) (worked bool, err error) {
	job, ok, err := p.queue.Claim(ctx, p.clock(), p.cfg.Lease)
	if err != nil || !ok {
		return false, err
	}

	ctx = logger.WithAttrs(ctx, "job", job.String())
	log := logger.From(ctx)

	h, ok := p.handlers[job.Kind]
	if !ok {
		log.Error("no handler for job kind; dropping")
		return true, p.queue.Ack(ctx, job)
	}

	start := time.Now()
	retryAt, herr := invoke(ctx, h, job.Ref)
	result := "done"

	switch {
	case herr != nil:
		result = "error"
		if ctx.Err() != nil {
			log.Warn("job interrupted by shutdown", "err", herr)
			break
		}
		at := p.clock().Add(p.cfg.ErrorBackoff)
		log.Error("job failed", "err", herr, "retry_at", at)
		err = p.queue.Enqueue(ctx, job, at)
	case !retryAt.IsZero():
		result = "retry"
		err = p.queue.Enqueue(ctx, job, retryAt)
	default:
		err = p.queue.Ack(ctx, job)
	}
	p.metrics.ObserveJob(ctx, string(job.Kind), result, time.Since(start))
	return true, err
}

func invoke(ctx context.Context, h Handler, ref string) (retryAt time.Time, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, ref)
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
