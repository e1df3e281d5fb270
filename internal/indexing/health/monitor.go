package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vietddude/keywatcher/internal/core/domain"
	"github.com/vietddude/keywatcher/internal/indexing/keys"
	"github.com/vietddude/keywatcher/internal/indexing/window"
	"github.com/vietddude/keywatcher/internal/infra/chain"
	"github.com/vietddude/keywatcher/internal/infra/rpc/provider"
)

const (
	lagDegraded    = 10
	lagCritical    = 100
	failedCritical = 50
)

// WindowSnapshotter exposes the block window state.
type WindowSnapshotter interface {
	Snapshot() window.State
}

// SchedulerStats exposes job counts of the keys manager.
type SchedulerStats interface {
	Stats(ctx context.Context) keys.Stats
}

// ProviderStatter exposes per-provider RPC health.
type ProviderStatter interface {
	ProviderStats() map[string]provider.HealthStatus
}

// HeadFetcher fetches the chain head.
type HeadFetcher interface {
	GetBlockByTag(ctx context.Context, tag string) (*domain.Block, error)
}

// FailedCounter counts queued failed jobs.
type FailedCounter interface {
	Count(ctx context.Context) (int, error)
}

// Monitor aggregates health status from various system components.
// Any component may be nil.
type Monitor struct {
	window    WindowSnapshotter
	scheduler SchedulerStats
	providers ProviderStatter
	heads     HeadFetcher
	failed    FailedCounter

	cacheTTL   time.Duration
	lastCheck  time.Time
	lastReport *HealthReport
	mu         sync.Mutex
}

// NewMonitor creates a new health monitor.
func NewMonitor(
	win WindowSnapshotter,
	scheduler SchedulerStats,
	providers ProviderStatter,
	heads HeadFetcher,
	failed FailedCounter,
) *Monitor {
	return &Monitor{
		window:    win,
		scheduler: scheduler,
		providers: providers,
		heads:     heads,
		failed:    failed,
		cacheTTL:  10 * time.Second,
	}
}

// CheckHealth builds a report, reusing the previous one for cacheTTL so
// probes don't spam the node.
func (m *Monitor) CheckHealth(ctx context.Context) HealthReport {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.lastReport != nil && time.Since(m.lastCheck) < m.cacheTTL {
		return *m.lastReport
	}

	report := HealthReport{
		SystemStatus: StatusHealthy,
		CheckedAt:    time.Now(),
	}
	degrade := func(reason string) {
		report.Reasons = append(report.Reasons, reason)
		if report.SystemStatus == StatusHealthy {
			report.SystemStatus = StatusDegraded
		}
	}
	critical := func(reason string) {
		report.Reasons = append(report.Reasons, reason)
		report.SystemStatus = StatusCritical
	}

	if m.window != nil {
		report.Window = m.window.Snapshot()
		if report.Window.ReorgInProgress {
			degrade("reorg repair in progress")
		}
		if report.Window.LastError != "" {
			degrade("window: " + report.Window.LastError)
		}
	}

	if m.scheduler != nil {
		report.Scheduler = m.scheduler.Stats(ctx)
		if report.Scheduler.Failed > 0 {
			degrade(fmt.Sprintf("%d failed jobs in scheduler", report.Scheduler.Failed))
		}
	}

	if m.heads != nil {
		head, err := m.heads.GetBlockByTag(ctx, chain.TagLatest)
		if err != nil {
			degrade("chain head unavailable: " + err.Error())
		} else {
			report.ChainHead = head.Number
			if head.Number > report.Window.Tip && report.Window.Size > 0 {
				report.BlockLag = head.Number - report.Window.Tip
			}
		}
	}
	switch {
	case report.BlockLag > lagCritical:
		critical(fmt.Sprintf("block lag %d", report.BlockLag))
	case report.BlockLag > lagDegraded:
		degrade(fmt.Sprintf("block lag %d", report.BlockLag))
	}

	if m.failed != nil {
		if count, err := m.failed.Count(ctx); err == nil {
			report.FailedJobs = count
		}
		switch {
		case report.FailedJobs > failedCritical:
			critical(fmt.Sprintf("%d queued failed jobs", report.FailedJobs))
		case report.FailedJobs > 0:
			degrade(fmt.Sprintf("%d queued failed jobs", report.FailedJobs))
		}
	}

	if m.providers != nil {
		report.Providers = m.providers.ProviderStats()
		available := 0
		for _, h := range report.Providers {
			if h.Available {
				available++
			}
		}
		switch {
		case len(report.Providers) > 0 && available == 0:
			critical("no rpc provider available")
		case available < len(report.Providers):
			degrade(fmt.Sprintf("%d/%d rpc providers available", available, len(report.Providers)))
		}
	}

	m.lastCheck = time.Now()
	m.lastReport = &report
	return report
}
