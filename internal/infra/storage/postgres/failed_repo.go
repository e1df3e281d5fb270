package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/keywatcher/internal/core/domain"
)

// FailedJobRepo implements storage.FailedJobRepository using PostgreSQL.
type FailedJobRepo struct {
	db *DB
}

// NewFailedJobRepo creates a new PostgreSQL failed job repository.
func NewFailedJobRepo(db *DB) *FailedJobRepo {
	return &FailedJobRepo{db: db}
}

type failedRow struct {
	ID          string `db:"id"`
	Version     int64  `db:"version"`
	BlockNumber int64  `db:"block_number"`
	ErrorMsg    string `db:"error_msg"`
	RetryCount  int    `db:"retry_count"`
	LastAttempt int64  `db:"last_attempt"`
	CreatedAt   int64  `db:"created_at"`
}

func (r failedRow) job() *domain.FailedJob {
	return &domain.FailedJob{
		ID:          r.ID,
		Version:     domain.Version(r.Version),
		BlockNumber: uint64(r.BlockNumber),
		Error:       r.ErrorMsg,
		RetryCount:  r.RetryCount,
		LastAttempt: r.LastAttempt,
		CreatedAt:   r.CreatedAt,
	}
}

// Add adds a failed job.
func (r *FailedJobRepo) Add(ctx context.Context, fj *domain.FailedJob) error {
	if fj.ID == "" {
		fj.ID = uuid.New().String()
	}
	now := time.Now().Unix()
	if fj.CreatedAt == 0 {
		fj.CreatedAt = now
	}
	if fj.LastAttempt == 0 {
		fj.LastAttempt = now
	}

	query := `
		INSERT INTO failed_jobs (id, version, block_number, error_msg, retry_count, last_attempt, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := r.db.ExecContext(ctx, query,
		fj.ID,
		int64(fj.Version),
		int64(fj.BlockNumber),
		fj.Error,
		fj.RetryCount,
		fj.LastAttempt,
		fj.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to add failed job: %w", err)
	}
	return nil
}

// GetNext returns the failed job with the oldest attempt.
func (r *FailedJobRepo) GetNext(ctx context.Context) (*domain.FailedJob, error) {
	query := `
		SELECT id, version, block_number, error_msg, retry_count, last_attempt, created_at
		FROM failed_jobs
		ORDER BY last_attempt ASC
		LIMIT 1
	`

	var row failedRow
	err := r.db.GetContext(ctx, &row, query)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get failed job: %w", err)
	}
	return row.job(), nil
}

// IncrementRetry increments retry count and updates the attempt timestamp.
func (r *FailedJobRepo) IncrementRetry(ctx context.Context, id string) error {
	query := `
		UPDATE failed_jobs
		SET retry_count = retry_count + 1, last_attempt = $2
		WHERE id = $1
	`
	_, err := r.db.ExecContext(ctx, query, id, time.Now().Unix())
	return err
}

// MarkResolved removes a failed job.
func (r *FailedJobRepo) MarkResolved(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM failed_jobs WHERE id = $1`, id)
	return err
}

// GetAll returns all failed jobs.
func (r *FailedJobRepo) GetAll(ctx context.Context) ([]*domain.FailedJob, error) {
	query := `
		SELECT id, version, block_number, error_msg, retry_count, last_attempt, created_at
		FROM failed_jobs
		ORDER BY last_attempt ASC
	`

	var rows []failedRow
	if err := r.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("failed to get all failed jobs: %w", err)
	}

	jobs := make([]*domain.FailedJob, 0, len(rows))
	for _, row := range rows {
		jobs = append(jobs, row.job())
	}
	return jobs, nil
}

// Count returns the number of failed jobs.
func (r *FailedJobRepo) Count(ctx context.Context) (int, error) {
	var count int
	if err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM failed_jobs`); err != nil {
		return 0, fmt.Errorf("failed to count failed jobs: %w", err)
	}
	return count, nil
}
