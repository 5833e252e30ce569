// Package memstore is an in-memory implementation of domain.JobStore.
package memstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dontdude/usersearch/internal/domain"
)

// Store keeps jobs in maps guarded by a single RWMutex.
type Store struct {
	mu          sync.RWMutex
	jobs        map[string]domain.Job
	bySubmitter map[string][]string
	// active maps a submitter to its single non-terminal job.
	active map[string]string
}

var _ domain.JobStore = (*Store)(nil)

func New() *Store {
	return &Store{
		jobs:        make(map[string]domain.Job),
		bySubmitter: make(map[string][]string),
		active:      make(map[string]string),
	}
}

func (s *Store) FindActiveBySubmitter(ctx context.Context, submitterID string) ([]domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.active[submitterID]
	if !ok {
		return nil, nil
	}
	job, ok := s.jobs[id]
	if !ok || !job.IsActive() {
		return nil, nil
	}
	return []domain.Job{job}, nil
}

func (s *Store) ListBySubmitter(ctx context.Context, submitterID string) ([]domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.bySubmitter[submitterID]
	out := make([]domain.Job, 0, len(ids))
	for _, id := range ids {
		if job, ok := s.jobs[id]; ok {
			out = append(out, job)
		}
	}
	domain.SortNewestFirst(out)
	return out, nil
}

func (s *Store) Create(ctx context.Context, job domain.Job) error {
	if job.ID == "" {
		return fmt.Errorf("%w: job id is required", domain.ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return domain.ErrConflict
	}
	if job.IsActive() {
		if holder, exists := s.active[job.SubmitterID]; exists {
			// The marker only counts while its job is still present and active.
			if current, ok := s.jobs[holder]; ok && current.IsActive() {
				return domain.ErrActiveJobExists
			}
		}
		s.active[job.SubmitterID] = job.ID
	}
	s.jobs[job.ID] = job
	s.bySubmitter[job.SubmitterID] = append(s.bySubmitter[job.SubmitterID], job.ID)
	return nil
}

func (s *Store) Get(ctx context.Context, jobID string) (domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}
	return job, nil
}

func (s *Store) Update(ctx context.Context, job domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.jobs[job.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if !domain.CanTransition(current.Status, job.Status) {
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, current.Status, job.Status)
	}

	s.jobs[job.ID] = job
	if job.Status.IsTerminal() && s.active[job.SubmitterID] == job.ID {
		delete(s.active, job.SubmitterID)
	}
	return nil
}

func (s *Store) MarkEnqueued(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return domain.ErrNotFound
	}
	job.Enqueued = true
	job.UpdatedAt = time.Now().UTC()
	s.jobs[jobID] = job
	return nil
}

func (s *Store) ListUnenqueued(ctx context.Context, createdBefore time.Time, limit int) ([]domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Job
	for _, job := range s.jobs {
		if job.Enqueued || job.Status != domain.StatusCreated || !job.CreatedAt.Before(createdBefore) {
			continue
		}
		out = append(out, job)
	}
	domain.SortOldestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
