// Package etcdstore implements domain.JobStore on etcd.
//
// Key schema:
//
//	/usersearch/jobs/<job_id>                 job document (JSON)
//	/usersearch/active/<submitter_id>         id of the submitter's non-terminal job
//	/usersearch/submitters/<submitter_id>/<job_id>
//	/usersearch/unenqueued/<job_id>           creation time of a job not yet on the queue
package etcdstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/dontdude/usersearch/internal/domain"
)

const (
	JobKeyPrefix        = "/usersearch/jobs/"
	ActiveKeyPrefix     = "/usersearch/active/"
	SubmitterKeyPrefix  = "/usersearch/submitters/"
	UnenqueuedKeyPrefix = "/usersearch/unenqueued/"
)

const maxTxnRetries = 5

type Config struct {
	Endpoints   []string      `yaml:"endpoints"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

func (c Config) Validate() error {
	if len(c.Endpoints) == 0 {
		return fmt.Errorf("store.etcd.endpoints is required")
	}
	return nil
}

type Store struct {
	client *clientv3.Client
}

var _ domain.JobStore = (*Store)(nil)

// Open dials the cluster.
func Open(cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("connect etcd: %w", err)
	}
	return &Store{client: cli}, nil
}

func NewWithClient(client *clientv3.Client) *Store {
	return &Store{client: client}
}

func (s *Store) Close() error {
	return s.client.Close()
}

func jobKey(id string) string             { return JobKeyPrefix + id }
func activeKey(submitterID string) string { return ActiveKeyPrefix + submitterID }
func unenqueuedKey(id string) string      { return UnenqueuedKeyPrefix + id }
func submitterPrefix(submitterID string) string {
	return SubmitterKeyPrefix + submitterID + "/"
}

func (s *Store) FindActiveBySubmitter(ctx context.Context, submitterID string) ([]domain.Job, error) {
	resp, err := s.client.Get(ctx, activeKey(submitterID))
	if err != nil {
		return nil, unavailable(err)
	}
	if len(resp.Kvs) == 0 {
		return nil, nil
	}

	job, err := s.Get(ctx, string(resp.Kvs[0].Value))
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !job.IsActive() {
		return nil, nil
	}
	return []domain.Job{job}, nil
}

func (s *Store) ListBySubmitter(ctx context.Context, submitterID string) ([]domain.Job, error) {
	prefix := submitterPrefix(submitterID)
	resp, err := s.client.Get(ctx, prefix, clientv3.WithPrefix(), clientv3.WithKeysOnly())
	if err != nil {
		return nil, unavailable(err)
	}

	ids := make([]string, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		ids = append(ids, strings.TrimPrefix(string(kv.Key), prefix))
	}
	jobs, err := s.loadMany(ctx, ids)
	if err != nil {
		return nil, err
	}
	domain.SortNewestFirst(jobs)
	return jobs, nil
}

// Create writes the job and its index keys in one transaction guarded by
// CreateRevision == 0 on the job key. For an active job the marker key must
// be absent, or unchanged since it was found pointing at a removed or
// finished job.
func (s *Store) Create(ctx context.Context, job domain.Job) error {
	if job.ID == "" {
		return fmt.Errorf("%w: job id is required", domain.ErrValidation)
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}

	jKey := jobKey(job.ID)
	aKey := activeKey(job.SubmitterID)

	for i := 0; i < maxTxnRetries; i++ {
		cmps := []clientv3.Cmp{clientv3.Compare(clientv3.CreateRevision(jKey), "=", 0)}
		ops := []clientv3.Op{
			clientv3.OpPut(jKey, string(data)),
			clientv3.OpPut(submitterPrefix(job.SubmitterID)+job.ID, ""),
		}
		if job.IsActive() {
			slot, err := s.slotGuard(ctx, aKey)
			if err != nil {
				return err
			}
			cmps = append(cmps, slot...)
			ops = append(ops, clientv3.OpPut(aKey, job.ID))
			if !job.Enqueued {
				ops = append(ops, clientv3.OpPut(unenqueuedKey(job.ID), job.CreatedAt.UTC().Format(time.RFC3339Nano)))
			}
		}

		resp, err := s.client.Txn(ctx).If(cmps...).Then(ops...).Else(clientv3.OpGet(jKey, clientv3.WithCountOnly())).Commit()
		if err != nil {
			return unavailable(err)
		}
		if resp.Succeeded {
			return nil
		}
		if resp.Responses[0].GetResponseRange().Count > 0 {
			return domain.ErrConflict
		}
		// The marker moved; the next pass re-reads its holder.
	}
	return domain.ErrActiveJobExists
}

// slotGuard returns the comparisons under which the submitter's active slot
// is free, or ErrActiveJobExists when the marker names a live active job.
func (s *Store) slotGuard(ctx context.Context, aKey string) ([]clientv3.Cmp, error) {
	resp, err := s.client.Get(ctx, aKey)
	if err != nil {
		return nil, unavailable(err)
	}
	if len(resp.Kvs) == 0 {
		return []clientv3.Cmp{clientv3.Compare(clientv3.CreateRevision(aKey), "=", 0)}, nil
	}

	holder := string(resp.Kvs[0].Value)
	job, rev, err := s.get(ctx, holder)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		rev = 0
	case err != nil:
		return nil, err
	case job.IsActive():
		return nil, domain.ErrActiveJobExists
	}
	return []clientv3.Cmp{
		clientv3.Compare(clientv3.Value(aKey), "=", holder),
		clientv3.Compare(clientv3.ModRevision(aKey), "=", resp.Kvs[0].ModRevision),
		clientv3.Compare(clientv3.ModRevision(jobKey(holder)), "=", rev),
	}, nil
}

func (s *Store) Get(ctx context.Context, jobID string) (domain.Job, error) {
	job, _, err := s.get(ctx, jobID)
	return job, err
}

func (s *Store) get(ctx context.Context, jobID string) (domain.Job, int64, error) {
	resp, err := s.client.Get(ctx, jobKey(jobID))
	if err != nil {
		return domain.Job{}, 0, unavailable(err)
	}
	if len(resp.Kvs) == 0 {
		return domain.Job{}, 0, domain.ErrNotFound
	}
	job, err := decodeJob(resp.Kvs[0])
	if err != nil {
		return domain.Job{}, 0, err
	}
	return job, resp.Kvs[0].ModRevision, nil
}

// Update is a compare-and-swap on the job key's ModRevision. A terminal update
// deletes the active marker only if it still points at this job.
func (s *Store) Update(ctx context.Context, job domain.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	jKey := jobKey(job.ID)
	aKey := activeKey(job.SubmitterID)

	for i := 0; i < maxTxnRetries; i++ {
		current, rev, err := s.get(ctx, job.ID)
		if err != nil {
			return err
		}
		if !domain.CanTransition(current.Status, job.Status) {
			return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, current.Status, job.Status)
		}

		ops := []clientv3.Op{clientv3.OpPut(jKey, string(data))}
		if job.Status.IsTerminal() {
			release := clientv3.OpTxn(
				[]clientv3.Cmp{clientv3.Compare(clientv3.Value(aKey), "=", job.ID)},
				[]clientv3.Op{clientv3.OpDelete(aKey)},
				nil,
			)
			ops = append(ops, release, clientv3.OpDelete(unenqueuedKey(job.ID)))
		} else if job.Enqueued {
			ops = append(ops, clientv3.OpDelete(unenqueuedKey(job.ID)))
		}

		resp, err := s.client.Txn(ctx).
			If(clientv3.Compare(clientv3.ModRevision(jKey), "=", rev)).
			Then(ops...).
			Commit()
		if err != nil {
			return unavailable(err)
		}
		if resp.Succeeded {
			return nil
		}
	}
	return fmt.Errorf("%w: contended update of %s", domain.ErrConflict, job.ID)
}

func (s *Store) MarkEnqueued(ctx context.Context, jobID string) error {
	jKey := jobKey(jobID)
	for i := 0; i < maxTxnRetries; i++ {
		job, rev, err := s.get(ctx, jobID)
		if err != nil {
			return err
		}
		job.Enqueued = true
		job.UpdatedAt = time.Now().UTC()
		data, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("encode job: %w", err)
		}

		resp, err := s.client.Txn(ctx).
			If(clientv3.Compare(clientv3.ModRevision(jKey), "=", rev)).
			Then(clientv3.OpPut(jKey, string(data)), clientv3.OpDelete(unenqueuedKey(jobID))).
			Commit()
		if err != nil {
			return unavailable(err)
		}
		if resp.Succeeded {
			return nil
		}
	}
	return fmt.Errorf("%w: contended update of %s", domain.ErrConflict, jobID)
}

func (s *Store) ListUnenqueued(ctx context.Context, createdBefore time.Time, limit int) ([]domain.Job, error) {
	resp, err := s.client.Get(ctx, UnenqueuedKeyPrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, unavailable(err)
	}

	var ids []string
	for _, kv := range resp.Kvs {
		created, err := time.Parse(time.RFC3339Nano, string(kv.Value))
		if err != nil || !created.Before(createdBefore) {
			continue
		}
		ids = append(ids, strings.TrimPrefix(string(kv.Key), UnenqueuedKeyPrefix))
	}

	jobs, err := s.loadMany(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := jobs[:0]
	for _, job := range jobs {
		if job.Status == domain.StatusCreated && !job.Enqueued {
			out = append(out, job)
		}
	}
	domain.SortOldestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) loadMany(ctx context.Context, ids []string) ([]domain.Job, error) {
	jobs := make([]domain.Job, 0, len(ids))
	for _, id := range ids {
		job, err := s.Get(ctx, id)
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func decodeJob(kv *mvccpb.KeyValue) (domain.Job, error) {
	var job domain.Job
	if err := json.Unmarshal(kv.Value, &job); err != nil {
		return domain.Job{}, fmt.Errorf("%w: decode %s: %v", domain.ErrStoreUnavailable, kv.Key, err)
	}
	return job, nil
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
}
