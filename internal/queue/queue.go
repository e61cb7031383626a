// Package queue drains the durable job queue: a fixed number of workers
// claim pending index jobs, throttled by a shared token bucket, and run
// each one to a terminal phase.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/jward/arbor/internal/index"
)

// Source is the durable queue.
type Source interface {
	ClaimJob(ctx context.Context) (index.Job, bool, error)
	FinishJob(ctx context.Context, id string) error
	RequeueStale(ctx context.Context) (int64, error)
}

// Creator persists new jobs.
type Creator interface {
	CreateJob(ctx context.Context, job index.Job) error
}

// Runner executes one job to a terminal phase.
type Runner interface {
	Run(ctx context.Context, job index.Job) (index.Status, error)
}

type Config struct {
	Concurrency   int
	PollInterval  time.Duration
	RatePerSecond float64 // job starts per second across all workers; <= 0 is unlimited
	Burst         int
}

func DefaultConfig() Config {
	return Config{Concurrency: 2, PollInterval: 2 * time.Second, RatePerSecond: 1, Burst: 2}
}

type Option func(*Worker)

func WithLogger(l *slog.Logger) Option {
	return func(w *Worker) { w.logger = l }
}

// Worker pulls jobs from a Source and hands them to a Runner.
type Worker struct {
	src     Source
	runner  Runner
	cfg     Config
	limiter *rate.Limiter
	logger  *slog.Logger
	wake    chan struct{}

	running   atomic.Int32
	completed atomic.Int64
	failed    atomic.Int64
}

func NewWorker(src Source, r Runner, cfg Config, opts ...Option) *Worker {
	def := DefaultConfig()
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	if cfg.Burst <= 0 {
		cfg.Burst = cfg.Concurrency
	}
	w := &Worker{
		src:     src,
		runner:  r,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, cfg.Burst),
		logger:  slog.Default(),
		wake:    make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Notify wakes an idle worker immediately instead of at its next poll.
func (w *Worker) Notify() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Stats is a snapshot of worker activity.
type Stats struct {
	Running   int   `json:"running"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

func (w *Worker) Stats() Stats {
	return Stats{
		Running:   int(w.running.Load()),
		Completed: w.completed.Load(),
		Failed:    w.failed.Load(),
	}
}

// Start requeues jobs left claimed by a previous process and then runs the
// workers until ctx is done. Running jobs see the cancelled ctx at their
// next checkpoint.
func (w *Worker) Start(ctx context.Context) error {
	n, err := w.src.RequeueStale(ctx)
	if err != nil {
		return fmt.Errorf("queue: requeue stale: %w", err)
	}
	if n > 0 {
		w.logger.Info("queue.requeued", "jobs", n)
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := range w.cfg.Concurrency {
		g.Go(func() error { return w.loop(gctx, i) })
	}
	err = g.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return err
}

func (w *Worker) loop(ctx context.Context, id int) error {
	for {
		if err := w.limiter.Wait(ctx); err != nil {
			return ctx.Err()
		}
		job, ok, err := w.src.ClaimJob(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Warn("queue.claim", "worker", id, "err", err)
		}
		if !ok {
			if err := w.idle(ctx); err != nil {
				return err
			}
			continue
		}
		w.run(ctx, id, job)
	}
}

func (w *Worker) idle(ctx context.Context) error {
	t := time.NewTimer(w.cfg.PollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-w.wake:
		return nil
	case <-t.C:
		return nil
	}
}

func (w *Worker) run(ctx context.Context, id int, job index.Job) {
	w.running.Add(1)
	defer w.running.Add(-1)

	st, err := w.runner.Run(ctx, job)
	if err != nil {
		w.failed.Add(1)
		w.logger.Warn("queue.job_failed", "worker", id, "job", job.ID, "phase", st.Phase, "cancelled", st.Cancelled, "err", err)
	} else {
		w.completed.Add(1)
	}
	if err := w.src.FinishJob(context.WithoutCancel(ctx), job.ID); err != nil {
		w.logger.Warn("queue.finish", "job", job.ID, "err", err)
	}
}

// Enqueue persists job, assigning a random id when it has none.
func Enqueue(ctx context.Context, c Creator, job index.Job) (index.Job, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if err := c.CreateJob(ctx, job); err != nil {
		return index.Job{}, fmt.Errorf("queue: enqueue: %w", err)
	}
	return job, nil
}
