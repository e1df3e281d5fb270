package lock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitForWaiters(t *testing.T, m *Mutex, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return m.Waiting() == n }, time.Second, time.Millisecond)
}

func TestMutex_UncontendedLock(t *testing.T) {
	t.Parallel()
	var m Mutex
	require.NoError(t, m.Lock(context.Background()))
	require.False(t, m.TryLock())
	m.Unlock()
	require.True(t, m.TryLock())
	m.Unlock()
}

func TestMutex_FIFOHandoff(t *testing.T) {
	t.Parallel()
	var m Mutex
	ctx := context.Background()
	require.NoError(t, m.Lock(ctx))

	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if !assert.NoError(t, m.Lock(ctx)) {
				return
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			m.Unlock()
		}(i)
		// enqueue strictly one after another
		waitForWaiters(t, &m, i+1)
	}

	m.Unlock()
	wg.Wait()
	require.Equal(t, []int{0, 1, 2, 3, 4}, order)
	require.True(t, m.TryLock())
}

func TestMutex_NoBargingWhileQueued(t *testing.T) {
	t.Parallel()
	var m Mutex
	require.NoError(t, m.Lock(context.Background()))

	acquired := make(chan struct{})
	go func() {
		_ = m.Lock(context.Background())
		close(acquired)
	}()
	waitForWaiters(t, &m, 1)

	m.Unlock()
	<-acquired
	// ownership moved to the waiter, not released
	require.False(t, m.TryLock())
	m.Unlock()
}

func TestMutex_CancelledWaiterLeavesQueue(t *testing.T) {
	t.Parallel()
	var m Mutex
	require.NoError(t, m.Lock(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- m.Lock(ctx) }()
	waitForWaiters(t, &m, 1)

	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)
	require.Equal(t, 0, m.Waiting())

	m.Unlock()
	require.True(t, m.TryLock())
	m.Unlock()
}

func TestMutex_UnlockOfUnlockedPanics(t *testing.T) {
	t.Parallel()
	var m Mutex
	require.Panics(t, func() { m.Unlock() })
}

func TestMutex_SerializesCriticalSections(t *testing.T) {
	t.Parallel()
	var m Mutex
	ctx := context.Background()
	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !assert.NoError(t, m.Lock(ctx)) {
				return
			}
			v := counter
			time.Sleep(10 * time.Microsecond)
			counter = v + 1
			m.Unlock()
		}()
	}
	wg.Wait()
	require.Equal(t, 50, counter)
}
