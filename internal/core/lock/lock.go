// Package lock provides a FIFO mutual-exclusion lock whose acquisition can be
// abandoned through a context.
//
// Ownership is handed directly from Unlock to the oldest waiter, so waiters are
// served strictly in arrival order and a newcomer can never barge ahead of the
// queue. The lock is not re-entrant.
package lock

import (
	"container/list"
	"context"
	"sync"
)

// Mutex is a FIFO lock. The zero value is an unlocked Mutex.
type Mutex struct {
	mu      sync.Mutex
	locked  bool
	waiters list.List // of chan struct{}
}

// Lock acquires the lock, suspending while another owner holds it.
// If ctx is done before ownership is granted, Lock returns ctx.Err() and the
// caller does not own the lock.
func (m *Mutex) Lock(ctx context.Context) error {
	m.mu.Lock()
	if !m.locked {
		m.locked = true
		m.mu.Unlock()
		return nil
	}
	ready := make(chan struct{})
	elem := m.waiters.PushBack(ready)
	m.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		m.mu.Lock()
		select {
		case <-ready:
			// Ownership was handed over while we were cancelling; pass it on.
			m.mu.Unlock()
			m.Unlock()
		default:
			m.waiters.Remove(elem)
			m.mu.Unlock()
		}
		return ctx.Err()
	}
}

// TryLock acquires the lock only if it is free.
func (m *Mutex) TryLock() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locked {
		return false
	}
	m.locked = true
	return true
}

// Unlock releases the lock, handing it to the next queued waiter if any.
// It panics if the lock is not held.
func (m *Mutex) Unlock() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.locked {
		panic("lock: unlock of unlocked mutex")
	}
	front := m.waiters.Front()
	if front == nil {
		m.locked = false
		return
	}
	m.waiters.Remove(front)
	close(front.Value.(chan struct{}))
}

// Waiting returns the number of queued waiters.
func (m *Mutex) Waiting() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.waiters.Len()
}
