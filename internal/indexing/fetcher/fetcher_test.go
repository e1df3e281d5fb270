package fetcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/keywatcher/internal/core/domain"
)

type page struct {
	operator, offset, limit uint64
}

// fakeRegistry serves keys named "op<id>-<index>" and rejects pages above maxLimit.
type fakeRegistry struct {
	mu        sync.Mutex
	totals    map[uint64]uint64
	maxLimit  uint64
	failOps   map[uint64]bool
	count     uint64
	countErr  error
	pages     []page
	pageCalls map[uint64]int
}

func newFakeRegistry(totals map[uint64]uint64) *fakeRegistry {
	return &fakeRegistry{
		totals:    totals,
		maxLimit:  1 << 20,
		failOps:   map[uint64]bool{},
		pageCalls: map[uint64]int{},
	}
}

func (r *fakeRegistry) OperatorsCount(ctx context.Context, height uint64) (uint64, error) {
	if r.countErr != nil {
		return 0, r.countErr
	}
	if r.count > 0 {
		return r.count, nil
	}
	return uint64(len(r.totals)), nil
}

func (r *fakeRegistry) TotalSigningKeyCount(ctx context.Context, height, operatorID uint64) (uint64, error) {
	return r.totals[operatorID], nil
}

func (r *fakeRegistry) SigningKeys(ctx context.Context, height, operatorID, offset, limit uint64) ([]domain.SigningKey, error) {
	r.mu.Lock()
	r.pages = append(r.pages, page{operatorID, offset, limit})
	r.pageCalls[operatorID]++
	r.mu.Unlock()

	if r.failOps[operatorID] {
		return nil, errors.New("header not found")
	}
	if limit > r.maxLimit {
		return nil, errors.New("response size exceeded")
	}
	if offset+limit > r.totals[operatorID] {
		return nil, errors.New("execution reverted: OUT_OF_RANGE")
	}
	keys := make([]domain.SigningKey, limit)
	for i := range keys {
		keys[i] = domain.SigningKey{Pubkey: fmt.Sprintf("op%d-%d", operatorID, offset+uint64(i))}
	}
	return keys, nil
}

func (r *fakeRegistry) pagesFor(operatorID uint64) []page {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []page
	for _, p := range r.pages {
		if p.operator == operatorID {
			out = append(out, p)
		}
	}
	return out
}

func TestFetchKeySet_Pagination(t *testing.T) {
	t.Parallel()

	reg := newFakeRegistry(map[uint64]uint64{0: 5, 1: 0, 2: 7})
	f := New(reg, Config{}, nil)

	set, err := f.FetchKeySet(context.Background(), 100, 3)
	require.NoError(t, err)
	require.Len(t, set, 3)

	assert.Equal(t, []page{{0, 0, 3}, {0, 3, 2}}, reg.pagesFor(0))
	assert.Empty(t, reg.pagesFor(1))
	assert.Equal(t, []page{{2, 0, 3}, {2, 3, 3}, {2, 6, 1}}, reg.pagesFor(2))

	for id, op := range set {
		assert.Equal(t, uint64(id), op.OperatorID)
		assert.True(t, op.Complete)
		for i, k := range op.Keys {
			assert.Equal(t, fmt.Sprintf("op%d-%d", id, i), k.Pubkey)
		}
	}
	assert.Equal(t, 12, set.TotalKeys())
}

func TestFetchKeySet_ExactMultipleOfPageSize(t *testing.T) {
	t.Parallel()

	reg := newFakeRegistry(map[uint64]uint64{0: 6})
	f := New(reg, Config{}, nil)

	set, err := f.FetchKeySet(context.Background(), 1, 3)
	require.NoError(t, err)
	assert.Equal(t, []page{{0, 0, 3}, {0, 3, 3}}, reg.pagesFor(0))
	assert.Len(t, set[0].Keys, 6)
}

func TestFetchKeySet_PartialOperator(t *testing.T) {
	t.Parallel()

	reg := newFakeRegistry(map[uint64]uint64{0: 4, 1: 4, 2: 4})
	reg.failOps[1] = true
	f := New(reg, Config{MaxRetries: 3}, nil)

	set, err := f.FetchKeySet(context.Background(), 1, 2)
	require.NoError(t, err)
	require.Len(t, set, 3)

	assert.True(t, set[0].Complete)
	assert.False(t, set[1].Complete)
	assert.True(t, set[2].Complete)
	assert.Equal(t, 3, reg.pageCalls[1], "failing page retried MaxRetries times then abandoned")
}

func TestFetchKeySet_NoOperatorCompletes(t *testing.T) {
	t.Parallel()

	reg := newFakeRegistry(map[uint64]uint64{0: 1, 1: 1})
	reg.failOps[0] = true
	reg.failOps[1] = true
	f := New(reg, Config{MaxRetries: 1}, nil)

	_, err := f.FetchKeySet(context.Background(), 1, 10)
	require.ErrorIs(t, err, ErrNoOperatorKeys)
}

func TestFetchKeySet_OperatorCountFailure(t *testing.T) {
	t.Parallel()

	boom := errors.New("connection refused")
	reg := newFakeRegistry(nil)
	reg.countErr = boom
	f := New(reg, Config{MaxRetries: 2}, nil)

	_, err := f.FetchKeySet(context.Background(), 1, 10)
	require.ErrorIs(t, err, boom)
}

func TestFetchKeySet_NoOperators(t *testing.T) {
	t.Parallel()

	f := New(newFakeRegistry(map[uint64]uint64{}), Config{}, nil)
	set, err := f.FetchKeySet(context.Background(), 1, 10)
	require.NoError(t, err)
	assert.Empty(t, set)
}

func TestFetchKeySet_OperatorCountOutOfRange(t *testing.T) {
	t.Parallel()

	reg := newFakeRegistry(map[uint64]uint64{0: 1})
	reg.count = 1 << 62
	f := New(reg, Config{}, nil)

	_, err := f.FetchKeySet(context.Background(), 1, 10)
	require.ErrorIs(t, err, ErrCountTooLarge)
	assert.Empty(t, reg.pagesFor(0))
}

func TestFetchKeySet_KeyCountOutOfRange(t *testing.T) {
	t.Parallel()

	reg := newFakeRegistry(map[uint64]uint64{0: MaxKeysPerOperator + 1, 1: 2})
	f := New(reg, Config{}, nil)

	set, err := f.FetchKeySet(context.Background(), 1, 10)
	require.NoError(t, err)
	require.Len(t, set, 2)
	assert.False(t, set[0].Complete)
	assert.Empty(t, reg.pagesFor(0), "no page is requested for an out-of-range operator")
	assert.True(t, set[1].Complete)
}
