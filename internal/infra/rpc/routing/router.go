// Package routing handles provider selection and failover logic.
//
// This package contains:
//   - Router: ordered provider list with a consecutive-failure circuit breaker
//   - Retry: retry logic with exponential backoff and failover
package routing

import (
	"sync"
	"time"

	"github.com/vietddude/keywatcher/internal/infra/rpc/provider"
)

const (
	circuitThreshold = 5
	circuitCooldown  = 30 * time.Second
)

type providerMetrics struct {
	successCount     int
	failureCount     int
	totalLatency     time.Duration
	lastSuccessAt    time.Time
	lastFailureAt    time.Time
	consecutiveFails int
	circuitOpenUntil time.Time
}

// Router keeps the configured providers in priority order and tracks their health.
type Router struct {
	mu        sync.RWMutex
	providers []provider.Provider
	health    map[string]*providerMetrics
	now       func() time.Time
}

// NewRouter creates a router over providers, first entry preferred.
func NewRouter(providers ...provider.Provider) *Router {
	r := &Router{
		health: make(map[string]*providerMetrics),
		now:    time.Now,
	}
	for _, p := range providers {
		r.AddProvider(p)
	}
	return r
}

// AddProvider registers a provider at the lowest priority.
func (r *Router) AddProvider(p provider.Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.providers = append(r.providers, p)
	r.health[p.GetName()] = &providerMetrics{lastSuccessAt: r.now()}
}

// Providers returns providers in the order they should be tried.
// Providers with an open circuit are moved to the end rather than dropped,
// so a call still has somewhere to go when every circuit is open.
func (r *Router) Providers() []provider.Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.now()
	closed := make([]provider.Provider, 0, len(r.providers))
	var open []provider.Provider
	for _, p := range r.providers {
		if m := r.health[p.GetName()]; m != nil && now.Before(m.circuitOpenUntil) {
			open = append(open, p)
			continue
		}
		closed = append(closed, p)
	}
	return append(closed, open...)
}

// RecordSuccess records a successful call.
func (r *Router) RecordSuccess(providerName string, latency time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	metrics, ok := r.health[providerName]
	if !ok {
		return
	}

	metrics.successCount++
	metrics.totalLatency += latency
	metrics.lastSuccessAt = r.now()
	metrics.consecutiveFails = 0
	metrics.circuitOpenUntil = time.Time{}
}

// RecordFailure records a failed call.
func (r *Router) RecordFailure(providerName string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	metrics, ok := r.health[providerName]
	if !ok {
		return
	}

	metrics.failureCount++
	metrics.lastFailureAt = r.now()
	metrics.consecutiveFails++

	if metrics.consecutiveFails >= circuitThreshold {
		metrics.circuitOpenUntil = metrics.lastFailureAt.Add(circuitCooldown)
	}
}

// CircuitOpen reports whether calls to the named provider are currently deprioritized.
func (r *Router) CircuitOpen(providerName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.health[providerName]
	return ok && r.now().Before(m.circuitOpenUntil)
}
