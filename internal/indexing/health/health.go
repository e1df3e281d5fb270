// Package health provides system health monitoring and status reporting.
package health

import (
	"time"

	"github.com/vietddude/keywatcher/internal/indexing/keys"
	"github.com/vietddude/keywatcher/internal/indexing/window"
	"github.com/vietddude/keywatcher/internal/infra/rpc/provider"
)

// SystemStatus represents the overall health state of the system or a component.
type SystemStatus string

const (
	StatusHealthy  SystemStatus = "healthy"
	StatusDegraded SystemStatus = "degraded"
	StatusCritical SystemStatus = "critical"
)

// HealthReport contains the full system health report.
type HealthReport struct {
	SystemStatus SystemStatus                     `json:"system_status"`
	Reasons      []string                         `json:"reasons,omitempty"`
	BlockLag     uint64                           `json:"block_lag"`
	ChainHead    uint64                           `json:"chain_head"`
	FailedJobs   int                              `json:"failed_jobs"`
	Window       window.State                     `json:"window"`
	Scheduler    keys.Stats                       `json:"scheduler"`
	Providers    map[string]provider.HealthStatus `json:"providers,omitempty"`
	CheckedAt    time.Time                        `json:"checked_at"`
}
