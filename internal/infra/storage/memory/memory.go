package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/keywatcher/internal/core/domain"
	"github.com/vietddude/keywatcher/internal/infra/storage"
)

// MemoryStorage backs every repository when no database is configured.
type MemoryStorage struct {
	blocks map[uint64]*domain.BlockRecord
	keys   map[domain.Version]*domain.KeyRecord
	failed map[string]*domain.FailedJob
	mu     sync.RWMutex
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		blocks: make(map[uint64]*domain.BlockRecord),
		keys:   make(map[domain.Version]*domain.KeyRecord),
		failed: make(map[string]*domain.FailedJob),
	}
}

// -----------------------------------------------------------------------------
// Block Record Repository
// -----------------------------------------------------------------------------

type BlockRecordRepo struct {
	store *MemoryStorage
}

func NewBlockRecordRepo(store *MemoryStorage) *BlockRecordRepo {
	return &BlockRecordRepo{store: store}
}

func (r *BlockRecordRepo) Upsert(ctx context.Context, rec *domain.BlockRecord) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	cp := *rec
	r.store.blocks[rec.Number] = &cp
	return nil
}

func (r *BlockRecordRepo) GetByNumber(ctx context.Context, num uint64) (*domain.BlockRecord, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	rec, ok := r.store.blocks[num]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (r *BlockRecordRepo) GetLatest(ctx context.Context) (*domain.BlockRecord, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var max *domain.BlockRecord
	for _, rec := range r.store.blocks {
		if max == nil || rec.Number > max.Number {
			max = rec
		}
	}
	if max == nil {
		return nil, storage.ErrNotFound
	}
	cp := *max
	return &cp, nil
}

func (r *BlockRecordRepo) DeleteFrom(ctx context.Context, num uint64) (int64, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	var n int64
	for k := range r.store.blocks {
		if k >= num {
			delete(r.store.blocks, k)
			n++
		}
	}
	return n, nil
}

func (r *BlockRecordRepo) DeleteBelow(ctx context.Context, num uint64) (int64, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	var n int64
	for k := range r.store.blocks {
		if k < num {
			delete(r.store.blocks, k)
			n++
		}
	}
	return n, nil
}

func (r *BlockRecordRepo) Count(ctx context.Context) (int64, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	return int64(len(r.store.blocks)), nil
}

// -----------------------------------------------------------------------------
// Key Record Repository
// -----------------------------------------------------------------------------

type KeyRecordRepo struct {
	store *MemoryStorage
}

func NewKeyRecordRepo(store *MemoryStorage) *KeyRecordRepo {
	return &KeyRecordRepo{store: store}
}

func (r *KeyRecordRepo) Upsert(ctx context.Context, rec *domain.KeyRecord) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	cp := *rec
	r.store.keys[rec.Version] = &cp
	return nil
}

func (r *KeyRecordRepo) GetByVersion(ctx context.Context, v domain.Version) (*domain.KeyRecord, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	rec, ok := r.store.keys[v]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (r *KeyRecordRepo) GetLatest(ctx context.Context) (*domain.KeyRecord, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var max *domain.KeyRecord
	for _, rec := range r.store.keys {
		if max == nil || rec.Version > max.Version {
			max = rec
		}
	}
	if max == nil {
		return nil, storage.ErrNotFound
	}
	cp := *max
	return &cp, nil
}

func (r *KeyRecordRepo) DeleteVersions(ctx context.Context, versions []domain.Version) (int64, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	var n int64
	for _, v := range versions {
		if _, ok := r.store.keys[v]; ok {
			delete(r.store.keys, v)
			n++
		}
	}
	return n, nil
}

func (r *KeyRecordRepo) DeleteAll(ctx context.Context) (int64, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	n := int64(len(r.store.keys))
	r.store.keys = make(map[domain.Version]*domain.KeyRecord)
	return n, nil
}

func (r *KeyRecordRepo) Count(ctx context.Context) (int64, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	return int64(len(r.store.keys)), nil
}

// -----------------------------------------------------------------------------
// Failed Job Repository
// -----------------------------------------------------------------------------

type FailedJobRepo struct{ store *MemoryStorage }

func NewFailedJobRepo(s *MemoryStorage) *FailedJobRepo { return &FailedJobRepo{store: s} }

func (r *FailedJobRepo) Add(ctx context.Context, f *domain.FailedJob) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	now := time.Now().Unix()
	if f.CreatedAt == 0 {
		f.CreatedAt = now
	}
	if f.LastAttempt == 0 {
		f.LastAttempt = now
	}
	cp := *f
	r.store.failed[f.ID] = &cp
	return nil
}

// sorted returns the queue ordered by retry count, then age. Caller holds the lock.
func (r *FailedJobRepo) sorted() []*domain.FailedJob {
	jobs := make([]*domain.FailedJob, 0, len(r.store.failed))
	for _, f := range r.store.failed {
		cp := *f
		jobs = append(jobs, &cp)
	}
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].RetryCount != jobs[j].RetryCount {
			return jobs[i].RetryCount < jobs[j].RetryCount
		}
		if jobs[i].LastAttempt != jobs[j].LastAttempt {
			return jobs[i].LastAttempt < jobs[j].LastAttempt
		}
		return jobs[i].ID < jobs[j].ID
	})
	return jobs
}

func (r *FailedJobRepo) GetNext(ctx context.Context) (*domain.FailedJob, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	jobs := r.sorted()
	if len(jobs) == 0 {
		return nil, nil
	}
	return jobs[0], nil
}

func (r *FailedJobRepo) IncrementRetry(ctx context.Context, id string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	f, ok := r.store.failed[id]
	if !ok {
		return fmt.Errorf("failed job %s not found", id)
	}
	f.RetryCount++
	f.LastAttempt = time.Now().Unix()
	return nil
}

func (r *FailedJobRepo) MarkResolved(ctx context.Context, id string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	delete(r.store.failed, id)
	return nil
}

func (r *FailedJobRepo) GetAll(ctx context.Context) ([]*domain.FailedJob, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	return r.sorted(), nil
}

func (r *FailedJobRepo) Count(ctx context.Context) (int, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	return len(r.store.failed), nil
}

var (
	_ storage.BlockRecordRepository = (*BlockRecordRepo)(nil)
	_ storage.KeyRecordRepository   = (*KeyRecordRepo)(nil)
	_ storage.FailedJobRepository   = (*FailedJobRepo)(nil)
)
