package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/vietddude/keywatcher/internal/core/domain"
	"github.com/vietddude/keywatcher/internal/indexing/keys"
	"github.com/vietddude/keywatcher/internal/indexing/window"
	"github.com/vietddude/keywatcher/internal/infra/rpc/provider"
)

// =============================================================================
// Stubs
// =============================================================================

type stubWindow struct{ state window.State }

func (s *stubWindow) Snapshot() window.State { return s.state }

type stubScheduler struct{ stats keys.Stats }

func (s *stubScheduler) Stats(ctx context.Context) keys.Stats { return s.stats }

type stubProviders struct{ stats map[string]provider.HealthStatus }

func (s *stubProviders) ProviderStats() map[string]provider.HealthStatus { return s.stats }

type stubHeads struct {
	height uint64
	err    error
}

func (s *stubHeads) GetBlockByTag(ctx context.Context, tag string) (*domain.Block, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &domain.Block{Number: s.height}, nil
}

type stubFailed struct{ count int }

func (s *stubFailed) Count(ctx context.Context) (int, error) { return s.count, nil }

func newMonitor(tip, head uint64, failed int, providers map[string]provider.HealthStatus) *Monitor {
	m := NewMonitor(
		&stubWindow{state: window.State{Phase: window.PhaseNormal, Size: 16, Tip: tip}},
		&stubScheduler{},
		&stubProviders{stats: providers},
		&stubHeads{height: head},
		&stubFailed{count: failed},
	)
	m.cacheTTL = 0
	return m
}

func healthyProviders() map[string]provider.HealthStatus {
	return map[string]provider.HealthStatus{"primary": {Available: true}}
}

// =============================================================================
// Tests
// =============================================================================

func TestMonitor_Healthy(t *testing.T) {
	report := newMonitor(995, 1000, 0, healthyProviders()).CheckHealth(context.Background())

	if report.SystemStatus != StatusHealthy {
		t.Errorf("expected healthy, got %s (%v)", report.SystemStatus, report.Reasons)
	}
	if report.BlockLag != 5 {
		t.Errorf("expected lag 5, got %d", report.BlockLag)
	}
}

func TestMonitor_Degraded(t *testing.T) {
	tests := []struct {
		name    string
		monitor *Monitor
	}{
		{"lag", newMonitor(950, 1000, 0, healthyProviders())},
		{"failed jobs", newMonitor(1000, 1000, 3, healthyProviders())},
		{"one provider down", newMonitor(1000, 1000, 0, map[string]provider.HealthStatus{
			"primary":  {Available: true},
			"fallback": {Available: false},
		})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report := tt.monitor.CheckHealth(context.Background())
			if report.SystemStatus != StatusDegraded {
				t.Errorf("expected degraded, got %s (%v)", report.SystemStatus, report.Reasons)
			}
		})
	}
}

func TestMonitor_Critical(t *testing.T) {
	tests := []struct {
		name    string
		monitor *Monitor
	}{
		{"lag", newMonitor(800, 1000, 0, healthyProviders())},
		{"failed jobs", newMonitor(1000, 1000, 51, healthyProviders())},
		{"no providers", newMonitor(1000, 1000, 0, map[string]provider.HealthStatus{
			"primary": {Available: false},
		})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report := tt.monitor.CheckHealth(context.Background())
			if report.SystemStatus != StatusCritical {
				t.Errorf("expected critical, got %s (%v)", report.SystemStatus, report.Reasons)
			}
		})
	}
}

func TestMonitor_WindowSignals(t *testing.T) {
	m := NewMonitor(
		&stubWindow{state: window.State{ReorgInProgress: true, LastError: "reorg deeper than window"}},
		&stubScheduler{stats: keys.Stats{Failed: 1}},
		nil,
		&stubHeads{err: errors.New("timeout")},
		nil,
	)
	m.cacheTTL = 0

	report := m.CheckHealth(context.Background())
	if report.SystemStatus != StatusDegraded {
		t.Errorf("expected degraded, got %s", report.SystemStatus)
	}
	if len(report.Reasons) != 4 {
		t.Errorf("expected 4 reasons, got %v", report.Reasons)
	}
}

func TestMonitor_CachesReport(t *testing.T) {
	failed := &stubFailed{count: 0}
	m := NewMonitor(nil, nil, nil, nil, failed)

	first := m.CheckHealth(context.Background())
	failed.count = 100
	second := m.CheckHealth(context.Background())

	if first.SystemStatus != StatusHealthy || second.SystemStatus != StatusHealthy {
		t.Errorf("expected cached healthy report, got %s then %s", first.SystemStatus, second.SystemStatus)
	}
}

func TestServer_Endpoints(t *testing.T) {
	srv := NewServer(newMonitor(800, 1000, 0, healthyProviders()), 0)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 for critical, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/detailed", nil))
	var report HealthReport
	if err := json.NewDecoder(rec.Body).Decode(&report); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if report.ChainHead != 1000 || report.Window.Tip != 800 {
		t.Errorf("unexpected detailed report: %+v", report)
	}

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("expected metrics 200, got %d", rec.Code)
	}
}
