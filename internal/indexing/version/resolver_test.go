package version

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/keywatcher/internal/core/domain"
)

type nonceTable struct {
	mu       sync.Mutex
	versions map[uint64]domain.Version
	fail     map[uint64]error
	calls    int
}

func (n *nonceTable) Nonce(ctx context.Context, height uint64) (domain.Version, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls++
	if err := n.fail[height]; err != nil {
		return 0, err
	}
	return n.versions[height], nil
}

func TestResolveVersions_PreservesOrder(t *testing.T) {
	t.Parallel()

	table := &nonceTable{versions: map[uint64]domain.Version{50: 7, 51: 7, 52: 8, 53: 8, 54: 9}}
	r := NewResolver(table, 2, nil)

	got, err := r.ResolveVersions(context.Background(), []uint64{54, 50, 52, 51, 53})
	require.NoError(t, err)
	assert.Equal(t, []Resolved{
		{Number: 54, Version: 9},
		{Number: 50, Version: 7},
		{Number: 52, Version: 8},
		{Number: 51, Version: 7},
		{Number: 53, Version: 8},
	}, got)
	assert.Equal(t, 5, table.calls)
}

func TestResolveVersions_FailureFailsBatch(t *testing.T) {
	t.Parallel()

	boom := errors.New("execution reverted")
	table := &nonceTable{
		versions: map[uint64]domain.Version{1: 1, 3: 1},
		fail:     map[uint64]error{2: boom},
	}
	r := NewResolver(table, 1, nil)

	got, err := r.ResolveVersions(context.Background(), []uint64{1, 2, 3})
	require.ErrorIs(t, err, boom)
	assert.Nil(t, got)
}

func TestResolveVersions_Empty(t *testing.T) {
	t.Parallel()

	r := NewResolver(&nonceTable{}, 0, nil)
	got, err := r.ResolveVersions(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestResolveVersion(t *testing.T) {
	t.Parallel()

	r := NewResolver(&nonceTable{versions: map[uint64]domain.Version{100: 5}}, 1, nil)
	v, err := r.ResolveVersion(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, domain.Version(5), v)
}
