// Package consumer runs the poll, process and commit loop that turns work
// items into completed jobs.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dontdude/usersearch/internal/domain"
	"github.com/dontdude/usersearch/internal/retry"
	"github.com/dontdude/usersearch/internal/workitem"
)

// Config tunes one consumer loop.
type Config struct {
	BatchSize     int           `yaml:"batch_size"`
	WaitTime      time.Duration `yaml:"wait_time"`
	Visibility    time.Duration `yaml:"visibility_timeout"`
	LookupTimeout time.Duration `yaml:"lookup_timeout"`
	// MaxAttempts moves a job to FAILED after this many deliveries. Zero retries forever.
	MaxAttempts  int          `yaml:"max_attempts"`
	ErrorBackoff retry.Config `yaml:"error_backoff"`
}

// DefaultConfig returns the settings used when the config file omits them.
func DefaultConfig() Config {
	return Config{
		BatchSize:     1,
		WaitTime:      10 * time.Second,
		Visibility:    5 * time.Minute,
		LookupTimeout: 4 * time.Minute,
		MaxAttempts:   5,
		ErrorBackoff: retry.Config{
			Base:   500 * time.Millisecond,
			Max:    30 * time.Second,
			Jitter: 0.2,
		},
	}
}

func (c Config) Validate() error {
	if c.BatchSize < 1 {
		return errors.New("batch_size must be >= 1")
	}
	if c.WaitTime < 0 {
		return errors.New("wait_time must not be negative")
	}
	if c.LookupTimeout <= 0 {
		return errors.New("lookup_timeout must be positive")
	}
	if c.Visibility <= c.LookupTimeout {
		return fmt.Errorf("visibility_timeout (%s) must exceed lookup_timeout (%s)", c.Visibility, c.LookupTimeout)
	}
	if c.MaxAttempts < 0 {
		return errors.New("max_attempts must not be negative")
	}
	return c.ErrorBackoff.Validate()
}

// Consumer polls the work queue and runs one lookup per delivered job.
type Consumer struct {
	cfg         Config
	store       domain.JobStore
	queue       domain.WorkQueue
	lookup      domain.Lookup
	notifier    domain.Notifier
	deadLetters domain.DeadLetterPublisher
	logger      *slog.Logger
	now         func() time.Time
}

// Option configures optional collaborators of a Consumer.
type Option func(*Consumer)

func WithNotifier(n domain.Notifier) Option {
	return func(c *Consumer) { c.notifier = n }
}

func WithDeadLetters(p domain.DeadLetterPublisher) Option {
	return func(c *Consumer) { c.deadLetters = p }
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Consumer) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New validates cfg and builds a consumer over the given store, queue and lookup.
func New(cfg Config, store domain.JobStore, queue domain.WorkQueue, lookup domain.Lookup, opts ...Option) (*Consumer, error) {
	if store == nil {
		return nil, errors.New("job store is required")
	}
	if queue == nil {
		return nil, errors.New("work queue is required")
	}
	if lookup == nil {
		return nil, errors.New("lookup is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid consumer config: %w", err)
	}
	c := &Consumer{
		cfg:    cfg,
		store:  store,
		queue:  queue,
		lookup: lookup,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Run polls until ctx is cancelled. Receive errors back off and never end the loop.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("Consumer started", "batchSize", c.cfg.BatchSize, "maxAttempts", c.cfg.MaxAttempts)
	failures := 0
	for {
		if ctx.Err() != nil {
			c.logger.Info("Consumer stopped")
			return nil
		}

		if _, err := c.Poll(ctx); err != nil {
			if ctx.Err() != nil {
				continue
			}
			failures++
			delay, derr := retry.NextDelay(c.cfg.ErrorBackoff, failures, nil)
			if derr != nil {
				delay = time.Second
			}
			c.logger.Error("Failed to receive work items", "error", err, "failures", failures, "backoff", delay)
			_ = retry.Sleep(ctx, delay)
			continue
		}
		failures = 0
	}
}

// Poll receives one batch and handles it. Deliveries left over after ctx is
// cancelled are not touched and reappear once their visibility lapses.
func (c *Consumer) Poll(ctx context.Context) (int, error) {
	deliveries, err := c.queue.Receive(ctx, c.cfg.BatchSize, c.cfg.WaitTime, c.cfg.Visibility)
	if err != nil {
		return 0, err
	}
	if len(deliveries) == 0 {
		c.logger.Debug("No work items to consume")
		return 0, nil
	}

	handled := 0
	for _, d := range deliveries {
		if ctx.Err() != nil {
			break
		}
		// An item already started finishes its write and ack even during shutdown.
		outcome := c.Handle(context.WithoutCancel(ctx), d)
		c.logger.Debug("Delivery handled", "outcome", outcome, "attempt", d.Attempt)
		handled++
	}
	return handled, nil
}

// Handle processes one delivery and reports what happened to it.
func (c *Consumer) Handle(ctx context.Context, d domain.Delivery) Outcome {
	item, err := workitem.Decode(d.Raw)
	if err != nil {
		c.logger.Error("Discarding malformed work item", "error", err, "attempt", d.Attempt)
		return c.deadLetter(ctx, d, "", err.Error())
	}
	log := c.logger.With("jobID", item.JobID, "attempt", d.Attempt)

	job, err := c.store.Get(ctx, item.JobID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		log.Warn("Job not found, dropping work item")
		return c.ackSkipped(ctx, d, log)
	case err != nil:
		log.Error("Failed to read job", "error", err)
		return OutcomeRetry
	case job.Status.IsTerminal():
		log.Info("Job already terminal, dropping duplicate", "status", job.Status)
		return c.ackSkipped(ctx, d, log)
	}

	if c.exhausted(d.Attempt, false) {
		return c.fail(ctx, d, job, fmt.Errorf("gave up after %d deliveries", d.Attempt-1), log)
	}

	log.Info("Running lookup", "submitterID", job.SubmitterID)
	report, err := c.runLookup(ctx, job.SubmitterID)
	if err != nil {
		if c.exhausted(d.Attempt, true) {
			return c.fail(ctx, d, job, err, log)
		}
		log.Warn("Lookup failed, leaving for redelivery", "error", err)
		return OutcomeRetry
	}
	result := Render(report)

	// The job may have moved while the lookup ran.
	current, err := c.store.Get(ctx, job.ID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		log.Warn("Job vanished during lookup")
		return c.ackSkipped(ctx, d, log)
	case err != nil:
		log.Error("Failed to re-read job", "error", err)
		return OutcomeRetry
	case current.Status.IsTerminal():
		log.Info("Job finished elsewhere during lookup", "status", current.Status)
		return c.ackSkipped(ctx, d, log)
	}

	current.Status = domain.StatusCompleted
	current.Result = result
	current.Attempts = d.Attempt
	current.UpdatedAt = c.now().UTC()
	if err := c.store.Update(ctx, current); err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			log.Info("Job finished elsewhere before update", "error", err)
			return c.ackSkipped(ctx, d, log)
		}
		log.Error("Failed to update job", "error", err)
		return OutcomeRetry
	}

	if err := c.queue.Acknowledge(ctx, d.Receipt); err != nil {
		// The job is COMPLETED; the redelivery will be skipped as terminal.
		log.Error("Failed to acknowledge work item", "error", err)
		return OutcomeRetry
	}
	log.Info("Job completed")
	c.broadcast(ctx, current, log)
	return OutcomeCompleted
}

// exhausted reports whether this delivery is past the retry budget. Before
// the lookup runs the current delivery still has a chance; after a failed
// lookup it counts as spent.
func (c *Consumer) exhausted(attempt int, spent bool) bool {
	if c.cfg.MaxAttempts <= 0 {
		return false
	}
	if spent {
		return attempt >= c.cfg.MaxAttempts
	}
	return attempt > c.cfg.MaxAttempts
}

// runLookup bounds the lookup with the configured timeout and returns at the
// deadline even if the collaborator ignores its context.
func (c *Consumer) runLookup(ctx context.Context, submitterID string) (domain.Report, error) {
	lctx, cancel := context.WithTimeout(ctx, c.cfg.LookupTimeout)
	defer cancel()

	type result struct {
		report domain.Report
		err    error
	}
	done := make(chan result, 1)
	go func() {
		report, err := c.lookup.Lookup(lctx, submitterID)
		done <- result{report: report, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			if errors.Is(lctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w after %s: %v", domain.ErrLookupTimeout, c.cfg.LookupTimeout, res.err)
			}
			if errors.Is(res.err, domain.ErrLookup) {
				return nil, res.err
			}
			return nil, fmt.Errorf("%w: %v", domain.ErrLookup, res.err)
		}
		return res.report, nil
	case <-lctx.Done():
		return nil, fmt.Errorf("%w after %s", domain.ErrLookupTimeout, c.cfg.LookupTimeout)
	}
}

// fail parks the item on the dead-letter sink, marks the job FAILED and acknowledges.
func (c *Consumer) fail(ctx context.Context, d domain.Delivery, job domain.Job, cause error, log *slog.Logger) Outcome {
	log.Error("Retry budget exhausted, failing job", "error", cause, "maxAttempts", c.cfg.MaxAttempts)

	if err := c.publishDeadLetter(ctx, d, job.ID, cause.Error()); err != nil {
		log.Error("Failed to publish dead letter", "error", err)
		return OutcomeRetry
	}

	job.Status = domain.StatusFailed
	job.Result = fmt.Sprintf("search failed after %d attempts: %v", d.Attempt, cause)
	job.Attempts = d.Attempt
	job.UpdatedAt = c.now().UTC()
	if err := c.store.Update(ctx, job); err != nil && !errors.Is(err, domain.ErrInvalidTransition) {
		log.Error("Failed to mark job failed", "error", err)
		return OutcomeRetry
	}

	if err := c.queue.Acknowledge(ctx, d.Receipt); err != nil {
		log.Error("Failed to acknowledge work item", "error", err)
		return OutcomeRetry
	}
	c.broadcast(ctx, job, log)
	return OutcomeDeadLettered
}

// deadLetter handles payloads that can never be processed.
func (c *Consumer) deadLetter(ctx context.Context, d domain.Delivery, jobID, reason string) Outcome {
	if err := c.publishDeadLetter(ctx, d, jobID, reason); err != nil {
		c.logger.Error("Failed to publish dead letter", "error", err)
		return OutcomeRetry
	}
	if err := c.queue.Acknowledge(ctx, d.Receipt); err != nil {
		c.logger.Error("Failed to acknowledge dead letter", "error", err)
		return OutcomeRetry
	}
	return OutcomeDeadLettered
}

func (c *Consumer) publishDeadLetter(ctx context.Context, d domain.Delivery, jobID, reason string) error {
	if c.deadLetters == nil {
		c.logger.Warn("No dead-letter sink configured, dropping item", "jobID", jobID, "reason", reason)
		return nil
	}
	return c.deadLetters.PublishDeadLetter(ctx, domain.DeadLetter{
		JobID:   jobID,
		Payload: d.Raw,
		Reason:  reason,
		Attempt: d.Attempt,
	})
}

func (c *Consumer) ackSkipped(ctx context.Context, d domain.Delivery, log *slog.Logger) Outcome {
	if err := c.queue.Acknowledge(ctx, d.Receipt); err != nil {
		log.Error("Failed to acknowledge work item", "error", err)
		return OutcomeRetry
	}
	return OutcomeSkipped
}

// broadcast is best-effort; listeners can always re-read the store.
func (c *Consumer) broadcast(ctx context.Context, job domain.Job, log *slog.Logger) {
	if c.notifier == nil {
		return
	}
	event := domain.JobEvent{
		JobID:       job.ID,
		SubmitterID: job.SubmitterID,
		Status:      job.Status,
		Result:      job.Result,
	}
	if err := c.notifier.Broadcast(ctx, event); err != nil {
		log.Warn("Failed to broadcast job event", "error", err)
	}
}
