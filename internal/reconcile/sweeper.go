// Package reconcile re-enqueues jobs whose work item never reached the queue.
package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/dontdude/usersearch/internal/domain"
)

type Config struct {
	Interval time.Duration `yaml:"interval"`
	// Grace skips jobs young enough that their submission may still be enqueueing.
	Grace time.Duration `yaml:"grace"`
	Batch int           `yaml:"batch"`
}

func DefaultConfig() Config {
	return Config{
		Interval: time.Minute,
		Grace:    time.Minute,
		Batch:    100,
	}
}

func (c Config) Validate() error {
	if c.Interval <= 0 {
		return errors.New("reconcile.interval must be positive")
	}
	if c.Grace < 0 {
		return errors.New("reconcile.grace must not be negative")
	}
	if c.Batch < 1 {
		return errors.New("reconcile.batch must be >= 1")
	}
	return nil
}

type Sweeper struct {
	cfg    Config
	store  domain.JobStore
	queue  domain.WorkQueue
	logger *slog.Logger
	now    func() time.Time
}

func NewSweeper(cfg Config, store domain.JobStore, queue domain.WorkQueue, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{cfg: cfg, store: store, queue: queue, logger: logger, now: time.Now}
}

// Run sweeps once per interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("Reconcile sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Sweep enqueues one batch of orphaned jobs and returns how many were requeued.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.cfg.Grace)
	jobs, err := s.store.ListUnenqueued(ctx, cutoff, s.cfg.Batch)
	if err != nil {
		return 0, err
	}

	requeued := 0
	for _, job := range jobs {
		if job.Status != domain.StatusCreated || job.Enqueued {
			continue
		}
		if err := s.queue.Enqueue(ctx, domain.WorkItemFor(job)); err != nil {
			// The queue is likely down; the next sweep retries the whole batch.
			return requeued, err
		}
		if err := s.store.MarkEnqueued(ctx, job.ID); err != nil {
			s.logger.Warn("Failed to mark requeued job", "jobID", job.ID, "error", err)
		}
		s.logger.Info("Requeued orphaned job", "jobID", job.ID, "age", s.now().Sub(job.CreatedAt))
		requeued++
	}
	return requeued, nil
}
