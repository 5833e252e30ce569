package submission

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dontdude/usersearch/internal/domain"
	"github.com/dontdude/usersearch/internal/platform/queue"
	"github.com/dontdude/usersearch/internal/platform/store/memstore"
	"github.com/dontdude/usersearch/internal/retry"
)

var fastRetry = retry.Config{Base: time.Millisecond, Max: 2 * time.Millisecond, Attempts: 3}

type failingQueue struct {
	calls atomic.Int32
	err   error
}

func (q *failingQueue) Enqueue(ctx context.Context, item domain.WorkItem) error {
	q.calls.Add(1)
	return q.err
}

func (q *failingQueue) Receive(ctx context.Context, maxItems int, wait, visibility time.Duration) ([]domain.Delivery, error) {
	return nil, nil
}

func (q *failingQueue) Acknowledge(ctx context.Context, receipt string) error { return nil }

// blindStore hides active jobs from the first lookup to force the create race.
type blindStore struct {
	*memstore.Store
	blind atomic.Bool
}

func (s *blindStore) FindActiveBySubmitter(ctx context.Context, submitterID string) ([]domain.Job, error) {
	if s.blind.CompareAndSwap(true, false) {
		return nil, nil
	}
	return s.Store.FindActiveBySubmitter(ctx, submitterID)
}

// finishedWinnerStore rejects the first create as if a concurrent submission
// held the slot, while that job has already finished by the re-read.
type finishedWinnerStore struct {
	*memstore.Store
	reject  atomic.Int32
	creates atomic.Int32
}

func (s *finishedWinnerStore) Create(ctx context.Context, job domain.Job) error {
	s.creates.Add(1)
	if s.reject.Add(-1) >= 0 {
		return domain.ErrActiveJobExists
	}
	return s.Store.Create(ctx, job)
}

type brokenStore struct {
	*memstore.Store
}

func (brokenStore) FindActiveBySubmitter(ctx context.Context, submitterID string) ([]domain.Job, error) {
	return nil, fmt.Errorf("%w: connection refused", domain.ErrStoreUnavailable)
}

func (brokenStore) ListBySubmitter(ctx context.Context, submitterID string) ([]domain.Job, error) {
	return nil, fmt.Errorf("%w: connection refused", domain.ErrStoreUnavailable)
}

func newService(t *testing.T) (*Service, *memstore.Store, *queue.MemoryQueue) {
	t.Helper()
	store := memstore.New()
	q := queue.NewMemoryQueue()
	return NewService(store, q, WithRetry(fastRetry)), store, q
}

func TestSubmit_CreatesAndEnqueues(t *testing.T) {
	svc, store, q := newService(t)
	ctx := context.Background()

	res, err := svc.Submit(ctx, "alice")
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	if !res.Created || res.JobID == "" {
		t.Fatalf("unexpected result: %+v", res)
	}

	job, err := store.Get(ctx, res.JobID)
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if job.Status != domain.StatusCreated || job.SubmitterID != "alice" || !job.Enqueued {
		t.Fatalf("unexpected job: %+v", job)
	}
	if q.Len() != 1 {
		t.Fatalf("queue length = %d, want 1", q.Len())
	}
}

func TestSubmit_Idempotent(t *testing.T) {
	svc, _, q := newService(t)
	ctx := context.Background()

	first, err := svc.Submit(ctx, "alice")
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	second, err := svc.Submit(ctx, "alice")
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	if second.JobID != first.JobID || second.Created {
		t.Fatalf("expected existing job %s, got %+v", first.JobID, second)
	}
	if q.Len() != 1 {
		t.Fatalf("queue length = %d, want 1", q.Len())
	}
}

func TestSubmit_DedupBoundary(t *testing.T) {
	svc, store, _ := newService(t)
	ctx := context.Background()

	alice, err := svc.Submit(ctx, "alice")
	if err != nil {
		t.Fatalf("Submit alice: %v", err)
	}
	bob, err := svc.Submit(ctx, "bob")
	if err != nil {
		t.Fatalf("Submit bob: %v", err)
	}
	if alice.JobID == bob.JobID || !bob.Created {
		t.Fatalf("bob must get his own job: alice=%+v bob=%+v", alice, bob)
	}

	job, err := store.Get(ctx, alice.JobID)
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	job.Status = domain.StatusCompleted
	if err := store.Update(ctx, job); err != nil {
		t.Fatalf("Update error: %v", err)
	}

	again, err := svc.Submit(ctx, "alice")
	if err != nil {
		t.Fatalf("resubmit alice: %v", err)
	}
	if !again.Created || again.JobID == alice.JobID {
		t.Fatalf("expected a new job after completion, got %+v", again)
	}
}

func TestSubmit_Validation(t *testing.T) {
	svc, _, q := newService(t)
	long := make([]byte, maxSubmitterIDLen+1)
	for i := range long {
		long[i] = 'a'
	}

	for _, id := range []string{"", "   ", string(long)} {
		if _, err := svc.Submit(context.Background(), id); !errors.Is(err, domain.ErrValidation) {
			t.Fatalf("Submit(%q) error = %v, want ErrValidation", id, err)
		}
	}
	if _, err := svc.ListJobs(context.Background(), ""); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("ListJobs error = %v, want ErrValidation", err)
	}
	if q.Len() != 0 {
		t.Fatalf("nothing should be enqueued")
	}
}

func TestSubmit_TrimsSubmitter(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	first, err := svc.Submit(ctx, "  alice ")
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	second, err := svc.Submit(ctx, "alice")
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	if first.JobID != second.JobID {
		t.Fatalf("trimmed identities should share the active job")
	}
}

func TestSubmit_EnqueueFailure(t *testing.T) {
	store := memstore.New()
	q := &failingQueue{err: fmt.Errorf("%w: broker down", domain.ErrQueueUnavailable)}
	svc := NewService(store, q, WithRetry(fastRetry))
	ctx := context.Background()

	_, err := svc.Submit(ctx, "alice")
	if !errors.Is(err, domain.ErrInternal) {
		t.Fatalf("expected ErrInternal, got %v", err)
	}
	if got := q.calls.Load(); got != int32(fastRetry.Attempts) {
		t.Fatalf("enqueue attempts = %d, want %d", got, fastRetry.Attempts)
	}

	// The job is left for the reconcile sweep.
	orphans, err := store.ListUnenqueued(ctx, time.Now().Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("ListUnenqueued error: %v", err)
	}
	if len(orphans) != 1 || orphans[0].SubmitterID != "alice" {
		t.Fatalf("expected one unenqueued job, got %+v", orphans)
	}
}

func TestSubmit_StoreUnavailable(t *testing.T) {
	svc := NewService(brokenStore{memstore.New()}, queue.NewMemoryQueue(), WithRetry(fastRetry))
	_, err := svc.Submit(context.Background(), "alice")
	if !errors.Is(err, domain.ErrInternal) {
		t.Fatalf("expected ErrInternal, got %v", err)
	}
	if errors.Is(err, domain.ErrStoreUnavailable) {
		t.Fatalf("infrastructure detail leaked to caller: %v", err)
	}
	if _, err := svc.ListJobs(context.Background(), "alice"); !errors.Is(err, domain.ErrInternal) {
		t.Fatalf("expected ErrInternal from ListJobs, got %v", err)
	}
}

func TestSubmit_LostRaceReturnsWinner(t *testing.T) {
	store := &blindStore{Store: memstore.New()}
	q := queue.NewMemoryQueue()
	svc := NewService(store, q, WithRetry(fastRetry))
	ctx := context.Background()

	winner, err := svc.Submit(ctx, "alice")
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}

	store.blind.Store(true)
	loser, err := svc.Submit(ctx, "alice")
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	if loser.JobID != winner.JobID || loser.Created {
		t.Fatalf("expected winner %s, got %+v", winner.JobID, loser)
	}
	if q.Len() != 1 {
		t.Fatalf("queue length = %d, want 1", q.Len())
	}
}

func TestSubmit_RetriesCreateWhenWinnerFinished(t *testing.T) {
	store := &finishedWinnerStore{Store: memstore.New()}
	store.reject.Store(1)
	q := queue.NewMemoryQueue()
	svc := NewService(store, q, WithRetry(fastRetry))

	res, err := svc.Submit(context.Background(), "alice")
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	if !res.Created || res.JobID == "" {
		t.Fatalf("expected a new job, got %+v", res)
	}
	if got := store.creates.Load(); got != 2 {
		t.Fatalf("creates = %d, want 2", got)
	}
	if q.Len() != 1 {
		t.Fatalf("queue length = %d, want 1", q.Len())
	}
}

func TestSubmit_SlotStillContended(t *testing.T) {
	store := &finishedWinnerStore{Store: memstore.New()}
	store.reject.Store(5)
	svc := NewService(store, queue.NewMemoryQueue(), WithRetry(fastRetry))

	_, err := svc.Submit(context.Background(), "alice")
	if !errors.Is(err, domain.ErrInternal) {
		t.Fatalf("expected ErrInternal, got %v", err)
	}
	if got := store.creates.Load(); got != 2 {
		t.Fatalf("creates = %d, want 2", got)
	}
}

func TestSubmit_ConcurrentSameSubmitter(t *testing.T) {
	svc, store, q := newService(t)
	ctx := context.Background()

	const n = 16
	results := make([]SubmitResult, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = svc.Submit(ctx, "alice")
		}(i)
	}
	wg.Wait()

	created := 0
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("Submit #%d error: %v", i, errs[i])
		}
		if results[i].JobID != results[0].JobID {
			t.Fatalf("submissions resolved to different jobs: %s vs %s", results[i].JobID, results[0].JobID)
		}
		if results[i].Created {
			created++
		}
	}
	if created != 1 {
		t.Fatalf("created = %d, want exactly 1", created)
	}

	jobs, err := store.ListBySubmitter(ctx, "alice")
	if err != nil {
		t.Fatalf("ListBySubmitter error: %v", err)
	}
	if len(jobs) != 1 || q.Len() != 1 {
		t.Fatalf("jobs = %d, queued = %d, want 1 and 1", len(jobs), q.Len())
	}
}

func TestListJobs(t *testing.T) {
	store := memstore.New()
	tick := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		tick = tick.Add(time.Second)
		return tick
	}
	svc := NewService(store, queue.NewMemoryQueue(), WithRetry(fastRetry), withClock(clock))
	ctx := context.Background()

	first, err := svc.Submit(ctx, "alice")
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	job, _ := store.Get(ctx, first.JobID)
	job.Status = domain.StatusFailed
	job.Result = "lookup failed after 5 attempts"
	if err := store.Update(ctx, job); err != nil {
		t.Fatalf("Update error: %v", err)
	}
	second, err := svc.Submit(ctx, "alice")
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}

	jobs, err := svc.ListJobs(ctx, "alice")
	if err != nil {
		t.Fatalf("ListJobs error: %v", err)
	}
	if len(jobs) != 2 || jobs[0].ID != second.JobID || jobs[1].ID != first.JobID {
		t.Fatalf("unexpected history: %+v", jobs)
	}
	if jobs[1].Status != domain.StatusFailed {
		t.Fatalf("failed job should be visible, got %s", jobs[1].Status)
	}

	none, err := svc.ListJobs(ctx, "nobody")
	if err != nil {
		t.Fatalf("ListJobs error: %v", err)
	}
	if none == nil || len(none) != 0 {
		t.Fatalf("expected empty non-nil history, got %#v", none)
	}
}

func TestSubmit_UsesInjectedIDs(t *testing.T) {
	store := memstore.New()
	svc := NewService(store, queue.NewMemoryQueue(), withIDs(func() string { return "job-fixed" }))
	res, err := svc.Submit(context.Background(), "alice")
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	if res.JobID != "job-fixed" {
		t.Fatalf("JobID = %q", res.JobID)
	}
}
