// Package storetest holds the behaviour every domain.JobStore backend must share.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dontdude/usersearch/internal/domain"
)

// Factory returns an empty store for one subtest.
type Factory func(t *testing.T) domain.JobStore

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newJob(id, submitter string, offset time.Duration) domain.Job {
	created := base.Add(offset)
	return domain.Job{
		ID:          id,
		SubmitterID: submitter,
		Status:      domain.StatusCreated,
		CreatedAt:   created,
		UpdatedAt:   created,
	}
}

// Run executes the conformance suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, newStore(t)) })
	t.Run("CreateDuplicateID", func(t *testing.T) { testCreateDuplicateID(t, newStore(t)) })
	t.Run("ActiveMarker", func(t *testing.T) { testActiveMarker(t, newStore(t)) })
	t.Run("TerminalReleasesActive", func(t *testing.T) { testTerminalReleasesActive(t, newStore(t)) })
	t.Run("UpdateIdempotent", func(t *testing.T) { testUpdateIdempotent(t, newStore(t)) })
	t.Run("NoRegression", func(t *testing.T) { testNoRegression(t, newStore(t)) })
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, newStore(t)) })
	t.Run("ListBySubmitter", func(t *testing.T) { testListBySubmitter(t, newStore(t)) })
	t.Run("Unenqueued", func(t *testing.T) { testUnenqueued(t, newStore(t)) })
}

func testCreateAndGet(t *testing.T, s domain.JobStore) {
	ctx := context.Background()
	job := newJob("job-1", "alice", 0)
	if err := s.Create(ctx, job); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := s.Get(ctx, "job-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ID != job.ID || got.SubmitterID != "alice" || got.Status != domain.StatusCreated {
		t.Fatalf("unexpected job: %+v", got)
	}
	if !got.CreatedAt.Equal(job.CreatedAt) {
		t.Fatalf("created_at = %v, want %v", got.CreatedAt, job.CreatedAt)
	}

	active, err := s.FindActiveBySubmitter(ctx, "alice")
	if err != nil {
		t.Fatalf("find active: %v", err)
	}
	if len(active) != 1 || active[0].ID != "job-1" {
		t.Fatalf("active = %+v, want job-1", active)
	}
}

func testCreateDuplicateID(t *testing.T, s domain.JobStore) {
	ctx := context.Background()
	job := newJob("job-1", "alice", 0)
	if err := s.Create(ctx, job); err != nil {
		t.Fatalf("create: %v", err)
	}
	job.SubmitterID = "bob"
	if err := s.Create(ctx, job); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func testActiveMarker(t *testing.T, s domain.JobStore) {
	ctx := context.Background()
	if err := s.Create(ctx, newJob("job-1", "alice", 0)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.Create(ctx, newJob("job-2", "alice", time.Second)); !errors.Is(err, domain.ErrActiveJobExists) {
		t.Fatalf("expected ErrActiveJobExists, got %v", err)
	}
	if err := s.Create(ctx, newJob("job-3", "bob", time.Second)); err != nil {
		t.Fatalf("create for another submitter: %v", err)
	}
	if _, err := s.Get(ctx, "job-2"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("rejected job must not be stored, got %v", err)
	}
}

func testTerminalReleasesActive(t *testing.T, s domain.JobStore) {
	ctx := context.Background()
	job := newJob("job-1", "alice", 0)
	if err := s.Create(ctx, job); err != nil {
		t.Fatalf("create: %v", err)
	}

	job.Status = domain.StatusCompleted
	job.Result = "[GitHub](https://github.com/alice)"
	if err := s.Update(ctx, job); err != nil {
		t.Fatalf("update: %v", err)
	}

	active, err := s.FindActiveBySubmitter(ctx, "alice")
	if err != nil {
		t.Fatalf("find active: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("expected no active jobs, got %+v", active)
	}
	if err := s.Create(ctx, newJob("job-2", "alice", time.Minute)); err != nil {
		t.Fatalf("resubmission after completion: %v", err)
	}
}

func testUpdateIdempotent(t *testing.T, s domain.JobStore) {
	ctx := context.Background()
	job := newJob("job-1", "alice", 0)
	if err := s.Create(ctx, job); err != nil {
		t.Fatalf("create: %v", err)
	}
	job.Status = domain.StatusCompleted
	job.Result = "report"
	for i := 0; i < 2; i++ {
		if err := s.Update(ctx, job); err != nil {
			t.Fatalf("update #%d: %v", i+1, err)
		}
	}
	got, err := s.Get(ctx, "job-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.StatusCompleted || got.Result != "report" {
		t.Fatalf("unexpected job: %+v", got)
	}
}

func testNoRegression(t *testing.T, s domain.JobStore) {
	ctx := context.Background()
	job := newJob("job-1", "alice", 0)
	if err := s.Create(ctx, job); err != nil {
		t.Fatalf("create: %v", err)
	}
	job.Status = domain.StatusCompleted
	if err := s.Update(ctx, job); err != nil {
		t.Fatalf("update: %v", err)
	}
	job.Status = domain.StatusCreated
	if err := s.Update(ctx, job); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if err := s.Update(ctx, newJob("missing", "alice", 0)); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func testGetMissing(t *testing.T, s domain.JobStore) {
	if _, err := s.Get(context.Background(), "nope"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	active, err := s.FindActiveBySubmitter(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("find active: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("expected no active jobs, got %d", len(active))
	}
}

func testListBySubmitter(t *testing.T, s domain.JobStore) {
	ctx := context.Background()
	first := newJob("job-1", "alice", 0)
	if err := s.Create(ctx, first); err != nil {
		t.Fatalf("create: %v", err)
	}
	first.Status = domain.StatusCompleted
	if err := s.Update(ctx, first); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := s.Create(ctx, newJob("job-2", "alice", time.Hour)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.Create(ctx, newJob("job-3", "bob", 0)); err != nil {
		t.Fatalf("create: %v", err)
	}

	jobs, err := s.ListBySubmitter(ctx, "alice")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("jobs = %d, want 2", len(jobs))
	}
	if jobs[0].ID != "job-2" || jobs[1].ID != "job-1" {
		t.Fatalf("expected newest first, got %s, %s", jobs[0].ID, jobs[1].ID)
	}

	none, err := s.ListBySubmitter(ctx, "carol")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("expected empty history, got %d", len(none))
	}
}

func testUnenqueued(t *testing.T, s domain.JobStore) {
	ctx := context.Background()
	if err := s.Create(ctx, newJob("old", "alice", 0)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.Create(ctx, newJob("new", "bob", time.Hour)); err != nil {
		t.Fatalf("create: %v", err)
	}
	enqueued := newJob("done", "carol", 0)
	enqueued.Enqueued = true
	if err := s.Create(ctx, enqueued); err != nil {
		t.Fatalf("create: %v", err)
	}

	cutoff := base.Add(time.Minute)
	jobs, err := s.ListUnenqueued(ctx, cutoff, 10)
	if err != nil {
		t.Fatalf("list unenqueued: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != "old" {
		t.Fatalf("unenqueued = %+v, want [old]", jobs)
	}

	if err := s.MarkEnqueued(ctx, "old"); err != nil {
		t.Fatalf("mark enqueued: %v", err)
	}
	jobs, err = s.ListUnenqueued(ctx, cutoff, 10)
	if err != nil {
		t.Fatalf("list unenqueued: %v", err)
	}
	if len(jobs) != 0 {
		t.Fatalf("expected none after mark, got %+v", jobs)
	}
	got, err := s.Get(ctx, "old")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.Enqueued {
		t.Fatalf("expected enqueued flag to be set")
	}
	if err := s.MarkEnqueued(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

// Dropper deletes a job out of band, leaving any marker or index entries
// the backend keeps for it in place.
type Dropper func(t *testing.T, jobID string)

// StaleMarker checks that a submitter whose active job was removed out of
// band can create a new job, and that the new job then holds the slot.
func StaleMarker(t *testing.T, s domain.JobStore, drop Dropper) {
	t.Helper()
	ctx := context.Background()
	if err := s.Create(ctx, newJob("job-1", "alice", 0)); err != nil {
		t.Fatalf("create: %v", err)
	}
	drop(t, "job-1")

	active, err := s.FindActiveBySubmitter(ctx, "alice")
	if err != nil {
		t.Fatalf("find active: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("removed job still reported active: %+v", active)
	}

	if err := s.Create(ctx, newJob("job-2", "alice", time.Minute)); err != nil {
		t.Fatalf("create after removal: %v", err)
	}
	active, err = s.FindActiveBySubmitter(ctx, "alice")
	if err != nil {
		t.Fatalf("find active: %v", err)
	}
	if len(active) != 1 || active[0].ID != "job-2" {
		t.Fatalf("active = %+v, want job-2", active)
	}
	if err := s.Create(ctx, newJob("job-3", "alice", 2*time.Minute)); !errors.Is(err, domain.ErrActiveJobExists) {
		t.Fatalf("expected ErrActiveJobExists for the new holder, got %v", err)
	}
}
