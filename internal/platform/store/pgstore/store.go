// Package pgstore implements domain.JobStore on PostgreSQL using pgx.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dontdude/usersearch/internal/domain"
)

const uniqueViolation = "23505"

type Store struct {
	pool *pgxpool.Pool
}

var _ domain.JobStore = (*Store)(nil)

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate jobs schema: %w", err)
	}
	return nil
}

func (s *Store) FindActiveBySubmitter(ctx context.Context, submitterID string) ([]domain.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE submitter_id = $1 AND status = $2`,
		submitterID, domain.StatusCreated)
	if err != nil {
		return nil, unavailable(err)
	}
	return collectJobs(rows)
}

func (s *Store) ListBySubmitter(ctx context.Context, submitterID string) ([]domain.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE submitter_id = $1 ORDER BY created_at DESC, job_id DESC`,
		submitterID)
	if err != nil {
		return nil, unavailable(err)
	}
	return collectJobs(rows)
}

func (s *Store) Create(ctx context.Context, job domain.Job) error {
	if job.ID == "" {
		return fmt.Errorf("%w: job id is required", domain.ErrValidation)
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO jobs (`+jobColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		job.ID, job.SubmitterID, job.Status, job.Result, job.Attempts, job.Enqueued, job.CreatedAt, job.UpdatedAt)
	if err == nil {
		return nil
	}
	return mapWriteError(err)
}

func (s *Store) Get(ctx context.Context, jobID string) (domain.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_id = $1`, jobID)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Job{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Job{}, unavailable(err)
	}
	return job, nil
}

// Update locks the row, checks the transition and writes the new record in one transaction.
func (s *Store) Update(ctx context.Context, job domain.Job) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return unavailable(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var current domain.JobStatus
	err = tx.QueryRow(ctx, `SELECT status FROM jobs WHERE job_id = $1 FOR UPDATE`, job.ID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrNotFound
	}
	if err != nil {
		return unavailable(err)
	}
	if !domain.CanTransition(current, job.Status) {
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, current, job.Status)
	}

	_, err = tx.Exec(ctx,
		`UPDATE jobs SET status = $2, result = $3, attempts = $4, enqueued = $5, updated_at = $6 WHERE job_id = $1`,
		job.ID, job.Status, job.Result, job.Attempts, job.Enqueued, job.UpdatedAt)
	if err != nil {
		return mapWriteError(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return unavailable(err)
	}
	return nil
}

func (s *Store) MarkEnqueued(ctx context.Context, jobID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET enqueued = TRUE, updated_at = $2 WHERE job_id = $1`,
		jobID, time.Now().UTC())
	if err != nil {
		return unavailable(err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *Store) ListUnenqueued(ctx context.Context, createdBefore time.Time, limit int) ([]domain.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE status = $1 AND NOT enqueued AND created_at < $2
		 ORDER BY created_at, job_id
		 LIMIT $3`,
		domain.StatusCreated, createdBefore, limit)
	if err != nil {
		return nil, unavailable(err)
	}
	return collectJobs(rows)
}

func scanJob(row pgx.Row) (domain.Job, error) {
	var job domain.Job
	err := row.Scan(&job.ID, &job.SubmitterID, &job.Status, &job.Result,
		&job.Attempts, &job.Enqueued, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return domain.Job{}, err
	}
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	return job, nil
}

func collectJobs(rows pgx.Rows) ([]domain.Job, error) {
	jobs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Job, error) {
		return scanJob(row)
	})
	if err != nil {
		return nil, unavailable(err)
	}
	return jobs, nil
}

// mapWriteError turns unique violations into the store's conflict sentinels.
func mapWriteError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		switch pgErr.ConstraintName {
		case activeConstraint:
			return domain.ErrActiveJobExists
		case pkeyConstraint:
			return domain.ErrConflict
		}
		return fmt.Errorf("%w: %s", domain.ErrConflict, pgErr.ConstraintName)
	}
	return unavailable(err)
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
}
