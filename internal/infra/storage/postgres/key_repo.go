package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/vietddude/keywatcher/internal/core/domain"
	"github.com/vietddude/keywatcher/internal/infra/storage"
)

// KeyRecordRepo implements storage.KeyRecordRepository using PostgreSQL.
type KeyRecordRepo struct {
	db *DB
}

// NewKeyRecordRepo creates a new PostgreSQL key record repository.
func NewKeyRecordRepo(db *DB) *KeyRecordRepo {
	return &KeyRecordRepo{db: db}
}

type keyRow struct {
	Version     int64  `db:"version"`
	BlockNumber int64  `db:"block_number"`
	Keys        []byte `db:"keys"`
}

func (r keyRow) record() *domain.KeyRecord {
	return &domain.KeyRecord{
		Version:     domain.Version(r.Version),
		BlockNumber: uint64(r.BlockNumber),
		Keys:        r.Keys,
	}
}

// Upsert saves the key set of a version.
func (r *KeyRecordRepo) Upsert(ctx context.Context, rec *domain.KeyRecord) error {
	query := `
		INSERT INTO key_records (version, block_number, keys)
		VALUES ($1, $2, $3)
		ON CONFLICT (version) DO UPDATE SET
			block_number = EXCLUDED.block_number,
			keys = EXCLUDED.keys
	`

	_, err := r.db.ExecContext(ctx, query,
		int64(rec.Version),
		int64(rec.BlockNumber),
		string(rec.Keys),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert key record %d: %w", rec.Version, err)
	}
	return nil
}

// GetByVersion retrieves the key set of a version.
func (r *KeyRecordRepo) GetByVersion(ctx context.Context, version domain.Version) (*domain.KeyRecord, error) {
	query := `
		SELECT version, block_number, keys
		FROM key_records
		WHERE version = $1
	`

	var row keyRow
	err := r.db.GetContext(ctx, &row, query, int64(version))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get key record %d: %w", version, err)
	}
	return row.record(), nil
}

// GetLatest retrieves the key set with the highest version.
func (r *KeyRecordRepo) GetLatest(ctx context.Context) (*domain.KeyRecord, error) {
	query := `
		SELECT version, block_number, keys
		FROM key_records
		ORDER BY version DESC
		LIMIT 1
	`

	var row keyRow
	err := r.db.GetContext(ctx, &row, query)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest key record: %w", err)
	}
	return row.record(), nil
}

// DeleteVersions deletes the key sets of the given versions.
func (r *KeyRecordRepo) DeleteVersions(ctx context.Context, versions []domain.Version) (int64, error) {
	if len(versions) == 0 {
		return 0, nil
	}

	ids := make([]int64, len(versions))
	for i, v := range versions {
		ids[i] = int64(v)
	}

	res, err := r.db.ExecContext(ctx,
		`DELETE FROM key_records WHERE version = ANY($1)`, pq.Array(ids))
	if err != nil {
		return 0, fmt.Errorf("failed to delete key records: %w", err)
	}
	return res.RowsAffected()
}

// DeleteAll removes every key set.
func (r *KeyRecordRepo) DeleteAll(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM key_records`)
	if err != nil {
		return 0, fmt.Errorf("failed to delete key records: %w", err)
	}
	return res.RowsAffected()
}

// Count returns the number of stored key sets.
func (r *KeyRecordRepo) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM key_records`); err != nil {
		return 0, fmt.Errorf("failed to count key records: %w", err)
	}
	return count, nil
}

var _ storage.KeyRecordRepository = (*KeyRecordRepo)(nil)
