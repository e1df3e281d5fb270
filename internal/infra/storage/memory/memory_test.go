package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/vietddude/keywatcher/internal/core/domain"
	"github.com/vietddude/keywatcher/internal/infra/storage"
)

func TestBlockRecordRepo(t *testing.T) {
	ctx := context.Background()
	repo := NewBlockRecordRepo(NewMemoryStorage())

	if _, err := repo.GetLatest(ctx); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on empty store, got %v", err)
	}

	for n := uint64(10); n <= 15; n++ {
		if err := repo.Upsert(ctx, &domain.BlockRecord{Number: n, Hash: "0xa", Version: 1}); err != nil {
			t.Fatalf("upsert %d: %v", n, err)
		}
	}
	if err := repo.Upsert(ctx, &domain.BlockRecord{Number: 12, Hash: "0xb", Version: 2}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	rec, err := repo.GetByNumber(ctx, 12)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Hash != "0xb" || rec.Version != 2 {
		t.Errorf("expected replaced record, got %+v", rec)
	}

	latest, err := repo.GetLatest(ctx)
	if err != nil || latest.Number != 15 {
		t.Fatalf("expected latest 15, got %+v (%v)", latest, err)
	}

	n, _ := repo.DeleteFrom(ctx, 14)
	if n != 2 {
		t.Errorf("expected 2 deleted from 14, got %d", n)
	}
	n, _ = repo.DeleteBelow(ctx, 11)
	if n != 1 {
		t.Errorf("expected 1 deleted below 11, got %d", n)
	}
	count, _ := repo.Count(ctx)
	if count != 3 {
		t.Errorf("expected 3 remaining, got %d", count)
	}
	if _, err := repo.GetByNumber(ctx, 10); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected block 10 pruned, got %v", err)
	}
}

func TestBlockRecordRepo_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	repo := NewBlockRecordRepo(NewMemoryStorage())
	rec := &domain.BlockRecord{Number: 1, Hash: "0xa"}
	_ = repo.Upsert(ctx, rec)
	rec.Hash = "0xmutated"

	got, _ := repo.GetByNumber(ctx, 1)
	if got.Hash != "0xa" {
		t.Errorf("stored record aliased caller value: %s", got.Hash)
	}
}

func TestKeyRecordRepo(t *testing.T) {
	ctx := context.Background()
	repo := NewKeyRecordRepo(NewMemoryStorage())

	for v := domain.Version(1); v <= 4; v++ {
		rec, err := domain.NewKeyRecord(v, uint64(v)*10, domain.KeySet{{OperatorID: 0, Complete: true}})
		if err != nil {
			t.Fatalf("new record: %v", err)
		}
		if err := repo.Upsert(ctx, rec); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}

	latest, err := repo.GetLatest(ctx)
	if err != nil || latest.Version != 4 {
		t.Fatalf("expected latest version 4, got %+v (%v)", latest, err)
	}

	n, _ := repo.DeleteVersions(ctx, []domain.Version{3, 4, 9})
	if n != 2 {
		t.Errorf("expected 2 deleted, got %d", n)
	}
	if _, err := repo.GetByVersion(ctx, 3); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected version 3 gone, got %v", err)
	}
	rec, err := repo.GetByVersion(ctx, 2)
	if err != nil || rec.BlockNumber != 20 {
		t.Errorf("expected version 2 at block 20, got %+v (%v)", rec, err)
	}

	n, _ = repo.DeleteAll(ctx)
	if n != 2 {
		t.Errorf("expected 2 deleted by DeleteAll, got %d", n)
	}
	count, _ := repo.Count(ctx)
	if count != 0 {
		t.Errorf("expected empty repo, got %d", count)
	}
}

func TestFailedJobRepo_Ordering(t *testing.T) {
	ctx := context.Background()
	repo := NewFailedJobRepo(NewMemoryStorage())

	next, err := repo.GetNext(ctx)
	if err != nil || next != nil {
		t.Fatalf("expected nil on empty queue, got %+v (%v)", next, err)
	}

	_ = repo.Add(ctx, &domain.FailedJob{ID: "a", Version: 1, RetryCount: 2, LastAttempt: 100})
	_ = repo.Add(ctx, &domain.FailedJob{ID: "b", Version: 2, RetryCount: 1, LastAttempt: 200})
	_ = repo.Add(ctx, &domain.FailedJob{Version: 3, RetryCount: 1, LastAttempt: 150})

	next, _ = repo.GetNext(ctx)
	if next.Version != 3 {
		t.Fatalf("expected version 3 first, got %d", next.Version)
	}
	if next.ID == "" {
		t.Error("expected generated id")
	}

	if err := repo.IncrementRetry(ctx, next.ID); err != nil {
		t.Fatalf("increment: %v", err)
	}
	next, _ = repo.GetNext(ctx)
	if next.ID != "b" {
		t.Errorf("expected b after retry bump, got %s", next.ID)
	}

	if err := repo.IncrementRetry(ctx, "missing"); err == nil {
		t.Error("expected error for unknown id")
	}

	_ = repo.MarkResolved(ctx, "b")
	count, _ := repo.Count(ctx)
	if count != 2 {
		t.Errorf("expected 2 queued, got %d", count)
	}
	all, _ := repo.GetAll(ctx)
	if len(all) != 2 {
		t.Errorf("expected 2 jobs, got %d", len(all))
	}
}
