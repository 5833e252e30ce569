package domain

import (
	"context"
	"time"
)

// JobStore is the durable record of jobs, keyed by job id with a secondary
// lookup by submitter.
//
// Implementations must offer read-your-writes within one process. Errors that
// are not one of the domain sentinels are wrapped with ErrStoreUnavailable.
type JobStore interface {
	// FindActiveBySubmitter returns the submitter's non-terminal jobs.
	FindActiveBySubmitter(ctx context.Context, submitterID string) ([]Job, error)

	// ListBySubmitter returns the submitter's full history, newest first.
	ListBySubmitter(ctx context.Context, submitterID string) ([]Job, error)

	// Create inserts a new job. It fails with ErrConflict if the id exists and,
	// for an active job, with ErrActiveJobExists if the submitter already holds one.
	Create(ctx context.Context, job Job) error

	// Get returns the job or ErrNotFound.
	Get(ctx context.Context, jobID string) (Job, error)

	// Update overwrites the stored record. Applying the same terminal update twice is harmless.
	// A terminal job releases its submitter's active slot.
	Update(ctx context.Context, job Job) error

	// MarkEnqueued records that the job's work item was accepted by the queue.
	MarkEnqueued(ctx context.Context, jobID string) error

	// ListUnenqueued returns up to limit jobs created before the cutoff whose
	// work item was never accepted by the queue.
	ListUnenqueued(ctx context.Context, createdBefore time.Time, limit int) ([]Job, error)
}
