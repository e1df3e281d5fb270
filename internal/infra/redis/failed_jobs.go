package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/vietddude/keywatcher/internal/core/domain"
)

const failedJobTTL = 24 * time.Hour

// FailedJobRepo implements storage.FailedJobRepository using Redis.
// IDs live in a sorted set scored by retry count; payloads are JSON strings.
type FailedJobRepo struct {
	rdb       *redis.Client
	namespace string
}

// NewFailedJobRepo creates a new Redis-backed failed job repository.
func NewFailedJobRepo(client *Client) *FailedJobRepo {
	return &FailedJobRepo{
		rdb:       client.rdb,
		namespace: client.namespace,
	}
}

func (r *FailedJobRepo) queueKey() string {
	return fmt.Sprintf("%s:failed_jobs", r.namespace)
}

func (r *FailedJobRepo) jobKey(id string) string {
	return fmt.Sprintf("%s:failed_job:%s", r.namespace, id)
}

func (r *FailedJobRepo) save(ctx context.Context, fj *domain.FailedJob) error {
	data, err := json.Marshal(fj)
	if err != nil {
		return fmt.Errorf("failed to marshal failed job: %w", err)
	}

	pipe := r.rdb.TxPipeline()
	pipe.Set(ctx, r.jobKey(fj.ID), data, failedJobTTL)
	pipe.ZAdd(ctx, r.queueKey(), redis.Z{
		Score:  float64(fj.RetryCount),
		Member: fj.ID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store failed job: %w", err)
	}
	return nil
}

func (r *FailedJobRepo) load(ctx context.Context, id string) (*domain.FailedJob, error) {
	data, err := r.rdb.Get(ctx, r.jobKey(id)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get failed job: %w", err)
	}

	var fj domain.FailedJob
	if err := json.Unmarshal(data, &fj); err != nil {
		return nil, fmt.Errorf("failed to unmarshal failed job: %w", err)
	}
	return &fj, nil
}

// Add adds a failed job to the queue.
func (r *FailedJobRepo) Add(ctx context.Context, fj *domain.FailedJob) error {
	if fj.ID == "" {
		fj.ID = uuid.NewString()
	}
	now := time.Now().Unix()
	if fj.CreatedAt == 0 {
		fj.CreatedAt = now
	}
	if fj.LastAttempt == 0 {
		fj.LastAttempt = now
	}
	return r.save(ctx, fj)
}

// GetNext retrieves the failed job with the lowest retry count.
func (r *FailedJobRepo) GetNext(ctx context.Context) (*domain.FailedJob, error) {
	for {
		ids, err := r.rdb.ZRange(ctx, r.queueKey(), 0, 0).Result()
		if err != nil {
			return nil, fmt.Errorf("zrange failed: %w", err)
		}
		if len(ids) == 0 {
			return nil, nil
		}

		fj, err := r.load(ctx, ids[0])
		if err != nil {
			return nil, err
		}
		if fj != nil {
			return fj, nil
		}
		// payload expired while the id was still queued
		if err := r.rdb.ZRem(ctx, r.queueKey(), ids[0]).Err(); err != nil {
			return nil, fmt.Errorf("zrem failed: %w", err)
		}
	}
}

// IncrementRetry increments retry count and updates last attempt.
func (r *FailedJobRepo) IncrementRetry(ctx context.Context, id string) error {
	fj, err := r.load(ctx, id)
	if err != nil {
		return err
	}
	if fj == nil {
		return fmt.Errorf("failed job %s not found", id)
	}

	fj.RetryCount++
	fj.LastAttempt = time.Now().Unix()
	return r.save(ctx, fj)
}

// MarkResolved removes a failed job.
func (r *FailedJobRepo) MarkResolved(ctx context.Context, id string) error {
	pipe := r.rdb.TxPipeline()
	pipe.ZRem(ctx, r.queueKey(), id)
	pipe.Del(ctx, r.jobKey(id))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to resolve failed job: %w", err)
	}
	return nil
}

// GetAll retrieves all failed jobs.
func (r *FailedJobRepo) GetAll(ctx context.Context) ([]*domain.FailedJob, error) {
	ids, err := r.rdb.ZRange(ctx, r.queueKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("zrange failed: %w", err)
	}

	jobs := make([]*domain.FailedJob, 0, len(ids))
	for _, id := range ids {
		fj, err := r.load(ctx, id)
		if err != nil {
			return nil, err
		}
		if fj != nil {
			jobs = append(jobs, fj)
		}
	}
	return jobs, nil
}

// Count returns the count of failed jobs.
func (r *FailedJobRepo) Count(ctx context.Context) (int, error) {
	count, err := r.rdb.ZCard(ctx, r.queueKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("zcard failed: %w", err)
	}
	return int(count), nil
}
