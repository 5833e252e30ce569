// Package submission accepts search requests, deduplicates them per submitter
// and hands new jobs to the work queue.
package submission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dontdude/usersearch/internal/domain"
	"github.com/dontdude/usersearch/internal/retry"
)

// maxSubmitterIDLen bounds the identity accepted from callers.
const maxSubmitterIDLen = 256

// SubmitResult reports the job a submission resolved to.
// Created is false when an existing active job was returned instead.
type SubmitResult struct {
	JobID   string `json:"job_id"`
	Created bool   `json:"created"`
}

// Service creates and lists search jobs on behalf of submitters.
type Service struct {
	store  domain.JobStore
	queue  domain.WorkQueue
	retry  retry.Config
	logger *slog.Logger
	newID  func() string
	now    func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithRetry sets the backoff used when enqueueing a new job.
func WithRetry(cfg retry.Config) Option {
	return func(s *Service) { s.retry = cfg }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func withClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func withIDs(newID func() string) Option {
	return func(s *Service) { s.newID = newID }
}

// NewService builds a Service with uuid job ids and the default retry policy.
func NewService(store domain.JobStore, queue domain.WorkQueue, opts ...Option) *Service {
	s := &Service{
		store:  store,
		queue:  queue,
		retry:  retry.DefaultConfig(),
		logger: slog.Default(),
		newID:  uuid.NewString,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit returns the submitter's active job if one exists; otherwise it
// creates a job, enqueues its work item and returns the new id.
func (s *Service) Submit(ctx context.Context, submitterID string) (SubmitResult, error) {
	submitterID, err := normalize(submitterID)
	if err != nil {
		return SubmitResult{}, err
	}

	active, err := s.store.FindActiveBySubmitter(ctx, submitterID)
	if err != nil {
		s.logger.Error("Failed to look up active jobs", "submitterID", submitterID, "error", err)
		return SubmitResult{}, domain.ErrInternal
	}
	if len(active) > 0 {
		s.logger.Info("Returning existing active job", "submitterID", submitterID, "jobID", active[0].ID)
		return SubmitResult{JobID: active[0].ID}, nil
	}

	job, existing, err := s.create(ctx, submitterID)
	if err != nil {
		return SubmitResult{}, err
	}
	if existing != "" {
		return SubmitResult{JobID: existing}, nil
	}

	item := domain.WorkItemFor(job)
	err = retry.Do(ctx, s.retry, func(ctx context.Context) error {
		return s.queue.Enqueue(ctx, item)
	})
	if err != nil {
		// The job stays CREATED with enqueued=false; the reconcile sweep picks it up.
		s.logger.Error("Failed to enqueue job", "jobID", job.ID, "error", err)
		return SubmitResult{}, domain.ErrInternal
	}

	if err := s.store.MarkEnqueued(ctx, job.ID); err != nil {
		// The item is on the queue; a missed flag only costs a duplicate delivery later.
		s.logger.Warn("Failed to mark job enqueued", "jobID", job.ID, "error", err)
	}

	s.logger.Info("Job submitted", "submitterID", submitterID, "jobID", job.ID)
	return SubmitResult{JobID: job.ID, Created: true}, nil
}

// create writes a new job for the submitter. When the conditional create loses
// to a concurrent submission it returns the winner's id instead. If the winner
// already finished by the time it is re-read, the slot is free and the create
// is tried once more.
func (s *Service) create(ctx context.Context, submitterID string) (domain.Job, string, error) {
	for attempt := 0; ; attempt++ {
		now := s.now().UTC()
		job := domain.Job{
			ID:          s.newID(),
			SubmitterID: submitterID,
			Status:      domain.StatusCreated,
			CreatedAt:   now,
			UpdatedAt:   now,
		}

		err := s.store.Create(ctx, job)
		if err == nil {
			return job, "", nil
		}
		if !errors.Is(err, domain.ErrActiveJobExists) {
			s.logger.Error("Failed to create job", "submitterID", submitterID, "jobID", job.ID, "error", err)
			return domain.Job{}, "", domain.ErrInternal
		}

		active, err := s.store.FindActiveBySubmitter(ctx, submitterID)
		if err != nil {
			s.logger.Error("Failed to re-read active job after conflict", "submitterID", submitterID, "error", err)
			return domain.Job{}, "", domain.ErrInternal
		}
		if len(active) > 0 {
			s.logger.Info("Lost submission race, returning winner", "submitterID", submitterID, "jobID", active[0].ID)
			return domain.Job{}, active[0].ID, nil
		}
		if attempt > 0 {
			s.logger.Error("Active job slot still contended", "submitterID", submitterID)
			return domain.Job{}, "", domain.ErrInternal
		}
		s.logger.Warn("Active job finished during submission, retrying create", "submitterID", submitterID)
	}
}

// ListJobs returns the submitter's job history, newest first.
func (s *Service) ListJobs(ctx context.Context, submitterID string) ([]domain.Job, error) {
	submitterID, err := normalize(submitterID)
	if err != nil {
		return nil, err
	}
	jobs, err := s.store.ListBySubmitter(ctx, submitterID)
	if err != nil {
		s.logger.Error("Failed to list jobs", "submitterID", submitterID, "error", err)
		return nil, domain.ErrInternal
	}
	if jobs == nil {
		jobs = []domain.Job{}
	}
	return jobs, nil
}

func normalize(submitterID string) (string, error) {
	submitterID = strings.TrimSpace(submitterID)
	if submitterID == "" {
		return "", fmt.Errorf("%w: submitter id is required", domain.ErrValidation)
	}
	if len(submitterID) > maxSubmitterIDLen {
		return "", fmt.Errorf("%w: submitter id exceeds %d bytes", domain.ErrValidation, maxSubmitterIDLen)
	}
	return submitterID, nil
}
