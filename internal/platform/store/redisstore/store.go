// Package redisstore implements domain.JobStore on Redis.
//
// Each job is a JSON document under its own key. A per-submitter marker key
// holds the active job id and is written in the same MULTI as the job, under
// WATCH, so two concurrent submissions cannot both create an active job.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dontdude/usersearch/internal/domain"
)

// maxTxRetries bounds optimistic retries when a watched key changes mid-transaction.
const maxTxRetries = 5

type Store struct {
	client *redis.Client
}

var _ domain.JobStore = (*Store)(nil)

func New(opts *redis.Options) *Store {
	return &Store{client: redis.NewClient(opts)}
}

func NewWithClient(client *redis.Client) *Store {
	return &Store{client: client}
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) FindActiveBySubmitter(ctx context.Context, submitterID string) ([]domain.Job, error) {
	id, err := s.client.Get(ctx, activeKey(submitterID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable(err)
	}

	job, err := s.Get(ctx, id)
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
	ids, err := s.client.ZRevRange(ctx, submitterJobsKey(submitterID), 0, -1).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	jobs, err := s.loadMany(ctx, ids)
	if err != nil {
		return nil, err
	}
	domain.SortNewestFirst(jobs)
	return jobs, nil
}

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
	txf := func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, jKey).Result()
		if err != nil {
			return err
		}
		if exists > 0 {
			return domain.ErrConflict
		}
		if job.IsActive() {
			if err := checkSlot(ctx, tx, aKey); err != nil {
				return err
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, jKey, data, 0)
			pipe.ZAdd(ctx, submitterJobsKey(job.SubmitterID), redis.Z{Score: score(job.CreatedAt), Member: job.ID})
			if job.IsActive() {
				pipe.Set(ctx, aKey, job.ID, 0)
			}
			if !job.Enqueued && job.IsActive() {
				pipe.ZAdd(ctx, unenqueuedKey, redis.Z{Score: score(job.CreatedAt), Member: job.ID})
			}
			return nil
		})
		return err
	}

	return s.watch(ctx, txf, jKey, aKey)
}

func (s *Store) Get(ctx context.Context, jobID string) (domain.Job, error) {
	data, err := s.client.Get(ctx, jobKey(jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Job{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Job{}, unavailable(err)
	}
	return decodeJob(data)
}

func (s *Store) Update(ctx context.Context, job domain.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}

	jKey := jobKey(job.ID)
	aKey := activeKey(job.SubmitterID)
	txf := func(tx *redis.Tx) error {
		current, err := getJob(ctx, tx, jKey)
		if err != nil {
			return err
		}
		if !domain.CanTransition(current.Status, job.Status) {
			return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, current.Status, job.Status)
		}

		holder, err := tx.Get(ctx, aKey).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, jKey, data, 0)
			if job.Status.IsTerminal() {
				if holder == job.ID {
					pipe.Del(ctx, aKey)
				}
				pipe.ZRem(ctx, unenqueuedKey, job.ID)
			} else if job.Enqueued {
				pipe.ZRem(ctx, unenqueuedKey, job.ID)
			}
			return nil
		})
		return err
	}

	return s.watch(ctx, txf, jKey, aKey)
}

func (s *Store) MarkEnqueued(ctx context.Context, jobID string) error {
	jKey := jobKey(jobID)
	txf := func(tx *redis.Tx) error {
		job, err := getJob(ctx, tx, jKey)
		if err != nil {
			return err
		}
		job.Enqueued = true
		job.UpdatedAt = time.Now().UTC()
		data, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("encode job: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, jKey, data, 0)
			pipe.ZRem(ctx, unenqueuedKey, jobID)
			return nil
		})
		return err
	}

	return s.watch(ctx, txf, jKey)
}

func (s *Store) ListUnenqueued(ctx context.Context, createdBefore time.Time, limit int) ([]domain.Job, error) {
	// Scores are whole milliseconds, so the bound is inclusive and the exact
	// cutoff is applied to CreatedAt below.
	by := &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(createdBefore.UnixMilli(), 10),
	}
	if limit > 0 {
		by.Count = int64(limit)
	}
	ids, err := s.client.ZRangeByScore(ctx, unenqueuedKey, by).Result()
	if err != nil {
		return nil, unavailable(err)
	}

	jobs, err := s.loadMany(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := jobs[:0]
	for _, job := range jobs {
		if job.Status == domain.StatusCreated && !job.Enqueued && job.CreatedAt.Before(createdBefore) {
			out = append(out, job)
		}
	}
	domain.SortOldestFirst(out)
	return out, nil
}

// watch runs txf under WATCH, retrying when a watched key changed before EXEC.
func (s *Store) watch(ctx context.Context, txf func(*redis.Tx) error, keys ...string) error {
	var err error
	for i := 0; i < maxTxRetries; i++ {
		err = s.client.Watch(ctx, txf, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrConflict),
		errors.Is(err, domain.ErrActiveJobExists),
		errors.Is(err, domain.ErrNotFound),
		errors.Is(err, domain.ErrInvalidTransition):
		return err
	case errors.Is(err, redis.TxFailedErr):
		return fmt.Errorf("%w: contended write", domain.ErrConflict)
	default:
		return unavailable(err)
	}
}

func (s *Store) loadMany(ctx context.Context, ids []string) ([]domain.Job, error) {
	if len(ids) == 0 {
		return []domain.Job{}, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = jobKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, unavailable(err)
	}

	jobs := make([]domain.Job, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			// Index entry outlived its job document.
			continue
		}
		job, err := decodeJob([]byte(raw))
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// checkSlot fails with ErrActiveJobExists while the marker names a job that
// still exists and is not terminal. A marker left behind by a removed or
// finished job is overwritten by the caller's transaction. The holder's key is
// watched so a concurrent change to it aborts the EXEC.
func checkSlot(ctx context.Context, tx *redis.Tx, aKey string) error {
	holder, err := tx.Get(ctx, aKey).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return err
	}

	hKey := jobKey(holder)
	if err := tx.Watch(ctx, hKey).Err(); err != nil {
		return err
	}
	job, err := getJob(ctx, tx, hKey)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if job.IsActive() {
		return domain.ErrActiveJobExists
	}
	return nil
}

func getJob(ctx context.Context, tx *redis.Tx, key string) (domain.Job, error) {
	data, err := tx.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Job{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Job{}, err
	}
	return decodeJob(data)
}

func decodeJob(data []byte) (domain.Job, error) {
	var job domain.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return domain.Job{}, fmt.Errorf("%w: decode job: %v", domain.ErrStoreUnavailable, err)
	}
	return job, nil
}

// score is the creation time in milliseconds, exact in a float64.
func score(t time.Time) float64 {
	return float64(t.UnixMilli())
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
}
