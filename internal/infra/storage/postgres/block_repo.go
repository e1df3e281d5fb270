package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/vietddude/keywatcher/internal/core/domain"
	"github.com/vietddude/keywatcher/internal/infra/storage"
)

// BlockRecordRepo implements storage.BlockRecordRepository using PostgreSQL.
type BlockRecordRepo struct {
	db *DB
}

// NewBlockRecordRepo creates a new PostgreSQL block record repository.
func NewBlockRecordRepo(db *DB) *BlockRecordRepo {
	return &BlockRecordRepo{db: db}
}

type blockRow struct {
	Number     int64  `db:"block_number"`
	Hash       string `db:"block_hash"`
	ParentHash string `db:"parent_hash"`
	Version    int64  `db:"version"`
	Payload    []byte `db:"payload"`
}

func (r blockRow) record() *domain.BlockRecord {
	return &domain.BlockRecord{
		Number:     uint64(r.Number),
		Hash:       r.Hash,
		ParentHash: r.ParentHash,
		Version:    domain.Version(r.Version),
		Raw:        r.Payload,
	}
}

// Upsert saves a block record, replacing any record at the same number.
func (r *BlockRecordRepo) Upsert(ctx context.Context, rec *domain.BlockRecord) error {
	query := `
		INSERT INTO block_records (block_number, block_hash, parent_hash, version, payload)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (block_number) DO UPDATE SET
			block_hash = EXCLUDED.block_hash,
			parent_hash = EXCLUDED.parent_hash,
			version = EXCLUDED.version,
			payload = EXCLUDED.payload
	`

	var payload any
	if len(rec.Raw) > 0 {
		payload = string(rec.Raw)
	}

	_, err := r.db.ExecContext(ctx, query,
		int64(rec.Number),
		rec.Hash,
		rec.ParentHash,
		int64(rec.Version),
		payload,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert block record %d: %w", rec.Number, err)
	}
	return nil
}

// GetByNumber retrieves a block record by number.
func (r *BlockRecordRepo) GetByNumber(ctx context.Context, blockNumber uint64) (*domain.BlockRecord, error) {
	query := `
		SELECT block_number, block_hash, parent_hash, version, payload
		FROM block_records
		WHERE block_number = $1
	`

	var row blockRow
	err := r.db.GetContext(ctx, &row, query, int64(blockNumber))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get block record %d: %w", blockNumber, err)
	}
	return row.record(), nil
}

// GetLatest retrieves the highest stored block record.
func (r *BlockRecordRepo) GetLatest(ctx context.Context) (*domain.BlockRecord, error) {
	query := `
		SELECT block_number, block_hash, parent_hash, version, payload
		FROM block_records
		ORDER BY block_number DESC
		LIMIT 1
	`

	var row blockRow
	err := r.db.GetContext(ctx, &row, query)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest block record: %w", err)
	}
	return row.record(), nil
}

// DeleteFrom deletes every record with number >= blockNumber.
func (r *BlockRecordRepo) DeleteFrom(ctx context.Context, blockNumber uint64) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM block_records WHERE block_number >= $1`, int64(blockNumber))
	if err != nil {
		return 0, fmt.Errorf("failed to delete block records from %d: %w", blockNumber, err)
	}
	return res.RowsAffected()
}

// DeleteBelow deletes every record with number < blockNumber.
func (r *BlockRecordRepo) DeleteBelow(ctx context.Context, blockNumber uint64) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM block_records WHERE block_number < $1`, int64(blockNumber))
	if err != nil {
		return 0, fmt.Errorf("failed to delete block records below %d: %w", blockNumber, err)
	}
	return res.RowsAffected()
}

// Count returns the number of stored block records.
func (r *BlockRecordRepo) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM block_records`); err != nil {
		return 0, fmt.Errorf("failed to count block records: %w", err)
	}
	return count, nil
}

var _ storage.BlockRecordRepository = (*BlockRecordRepo)(nil)
