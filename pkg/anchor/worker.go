package anchor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"

	"github.com/gatelog/gatelog/pkg/store"
)

// WorkerConfig tunes the outbox worker.
type WorkerConfig struct {
	ID           string
	PollInterval time.Duration
	Concurrency  int
	BatchSize    int
	Lease        time.Duration
	MaxAttempts  int
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
}

func (c *WorkerConfig) applyDefaults() {
	if c.ID == "" {
		c.ID = "worker-" + uuid.NewString()
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 4 * c.Concurrency
	}
	if c.Lease <= 0 {
		c.Lease = 5 * time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 8
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Minute
	}
}

// Worker drains the anchoring outbox: it claims due jobs, runs each through
// the relay on a bounded pool, and completes, reschedules or buries them.
type Worker struct {
	outbox    store.Outbox
	relay     *Relay
	cfg       WorkerConfig
	scheduler gocron.Scheduler
	logger    *slog.Logger
	clock     func() time.Time
}

// NewWorker returns a stopped worker.
func NewWorker(outbox store.Outbox, relay *Relay, cfg WorkerConfig) (*Worker, error) {
	cfg.applyDefaults()
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}
	return &Worker{
		outbox:    outbox,
		relay:     relay,
		cfg:       cfg,
		scheduler: s,
		logger:    slog.Default().With("component", "anchor-worker", "worker_id", cfg.ID),
		clock:     time.Now,
	}, nil
}

// ID returns the lease holder name used by this worker.
func (w *Worker) ID() string { return w.cfg.ID }

// Start schedules a drain every PollInterval. Overlapping drains are skipped.
func (w *Worker) Start(ctx context.Context) error {
	_, err := w.scheduler.NewJob(
		gocron.DurationJob(w.cfg.PollInterval),
		gocron.NewTask(func() { w.tick(ctx) }),
		gocron.WithName("anchor-outbox-drain"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("failed to schedule outbox drain: %w", err)
	}
	w.logger.InfoContext(ctx, "starting outbox worker",
		"interval", w.cfg.PollInterval, "concurrency", w.cfg.Concurrency, "max_attempts", w.cfg.MaxAttempts)
	w.scheduler.Start()
	return nil
}

// Stop waits for the running drain and stops scheduling.
func (w *Worker) Stop() error {
	w.logger.Info("stopping outbox worker")
	return w.scheduler.Shutdown()
}

func (w *Worker) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if _, err := w.Drain(ctx); err != nil {
		w.logger.ErrorContext(ctx, "outbox drain failed", "error", err)
	}
}

// JobBudget is how long a claimed job may run under a lease of the given
// length. The remainder of the lease is kept for settling the job, so no
// other worker can reclaim it while a target call is still in flight.
func JobBudget(lease time.Duration) time.Duration {
	margin := lease / 10
	if margin < time.Second {
		margin = min(time.Second, lease/2)
	}
	return lease - margin
}

// Drain claims one batch of due jobs and settles each. It returns how many
// jobs were claimed. Every job in the batch must finish its target call
// within JobBudget of the claim.
func (w *Worker) Drain(ctx context.Context) (int, error) {
	deadline := time.Now().Add(JobBudget(w.cfg.Lease))
	jobs, err := w.outbox.ClaimJobs(ctx, w.cfg.ID, w.cfg.BatchSize, w.cfg.Lease)
	if err != nil {
		return 0, err
	}
	if len(jobs) == 0 {
		return 0, nil
	}

	sem := make(chan struct{}, w.cfg.Concurrency)
	var wg sync.WaitGroup
	for _, job := range jobs {
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer func() {
				<-sem
				wg.Done()
			}()
			w.process(ctx, job, deadline)
		}()
	}
	wg.Wait()
	return len(jobs), nil
}

func (w *Worker) process(ctx context.Context, job store.OutboxJob, deadline time.Time) {
	logger := w.logger.With("job_id", job.ID, "event_id", job.EventID, "target", job.Target, "attempt", job.Attempts)

	if !time.Now().Before(deadline) {
		// Left for the lease to expire; another drain picks it up.
		logger.WarnContext(ctx, "lease budget spent before job started")
		return
	}
	jctx, cancel := context.WithDeadline(ctx, deadline)
	_, err := w.relay.AnchorTarget(jctx, job.Target, job.EventID, job.Digest)
	cancel()
	if err == nil {
		w.settle(ctx, logger, "complete", w.outbox.CompleteJob(ctx, job.ID, w.cfg.ID))
		return
	}

	if errors.Is(err, ErrUnknownTarget) || job.Attempts >= w.cfg.MaxAttempts {
		logger.ErrorContext(ctx, "burying anchor job", "error", err)
		w.settle(ctx, logger, "bury", w.outbox.BuryJob(ctx, job.ID, w.cfg.ID, err.Error()))
		return
	}

	next := w.clock().Add(w.backoff(job.Attempts))
	logger.WarnContext(ctx, "anchor job failed, rescheduling", "next_attempt_at", next, "error", err)
	w.settle(ctx, logger, "retry", w.outbox.RetryJob(ctx, job.ID, w.cfg.ID, next, err.Error()))
}

func (w *Worker) settle(ctx context.Context, logger *slog.Logger, op string, err error) {
	switch {
	case err == nil:
	case errors.Is(err, store.ErrLeaseLost):
		logger.WarnContext(ctx, "lease expired before job settled", "op", op)
	default:
		logger.ErrorContext(ctx, "failed to settle anchor job", "op", op, "error", err)
	}
}

// backoff returns BaseBackoff doubled per previous attempt, capped at MaxBackoff.
func (w *Worker) backoff(attempts int) time.Duration {
	d := w.cfg.BaseBackoff
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= w.cfg.MaxBackoff {
			return w.cfg.MaxBackoff
		}
	}
	return d
}
