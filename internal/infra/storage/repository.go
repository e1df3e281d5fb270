package storage

import (
	"context"
	"errors"

	"github.com/vietddude/keywatcher/internal/core/domain"
)

var (
	// ErrNotFound is returned when a requested record doesn't exist
	ErrNotFound = errors.New("record not found")
)

// BlockRecordRepository stores canonical blocks tagged with their key-set version
type BlockRecordRepository interface {
	// Upsert saves a block record, replacing any record at the same number
	Upsert(ctx context.Context, record *domain.BlockRecord) error

	// GetByNumber retrieves a block record by number
	GetByNumber(ctx context.Context, blockNumber uint64) (*domain.BlockRecord, error)

	// GetLatest retrieves the highest stored block record
	GetLatest(ctx context.Context) (*domain.BlockRecord, error)

	// DeleteFrom deletes every record with number >= blockNumber (reorg rollback)
	DeleteFrom(ctx context.Context, blockNumber uint64) (int64, error)

	// DeleteBelow deletes every record with number < blockNumber (finalized pruning)
	DeleteBelow(ctx context.Context, blockNumber uint64) (int64, error)

	// Count returns the number of stored block records
	Count(ctx context.Context) (int64, error)
}

// KeyRecordRepository stores one signing-key set per version
type KeyRecordRepository interface {
	// Upsert saves the key set of a version
	Upsert(ctx context.Context, record *domain.KeyRecord) error

	// GetByVersion retrieves the key set of a version
	GetByVersion(ctx context.Context, version domain.Version) (*domain.KeyRecord, error)

	// GetLatest retrieves the key set with the highest version
	GetLatest(ctx context.Context) (*domain.KeyRecord, error)

	// DeleteVersions deletes the key sets of the given versions
	DeleteVersions(ctx context.Context, versions []domain.Version) (int64, error)

	// DeleteAll removes every key set
	DeleteAll(ctx context.Context) (int64, error)

	// Count returns the number of stored key sets
	Count(ctx context.Context) (int64, error)
}

// FailedJobRepository handles the failed key job queue
type FailedJobRepository interface {
	// Add adds a failed job
	Add(ctx context.Context, job *domain.FailedJob) error

	// GetNext retrieves the next failed job to retry, or nil when the queue is empty
	GetNext(ctx context.Context) (*domain.FailedJob, error)

	// IncrementRetry increments retry count
	IncrementRetry(ctx context.Context, id string) error

	// MarkResolved removes a failed job (successfully retried or abandoned)
	MarkResolved(ctx context.Context, id string) error

	// GetAll retrieves all failed jobs
	GetAll(ctx context.Context) ([]*domain.FailedJob, error)

	// Count returns the count of failed jobs
	Count(ctx context.Context) (int, error)
}
