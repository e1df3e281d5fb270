package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RPCCallsTotal tracks RPC calls per provider and method
	RPCCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keywatcher_rpc_calls_total",
			Help: "Total number of RPC calls",
		},
		[]string{"provider", "method"},
	)

	// RPCErrorsTotal tracks RPC errors per provider
	RPCErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keywatcher_rpc_errors_total",
			Help: "Total number of RPC errors",
		},
		[]string{"provider", "error_type"},
	)

	// RPCLatency tracks RPC call latency
	RPCLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "keywatcher_rpc_latency_seconds",
			Help:    "RPC call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider", "method"},
	)

	// ChainLatestBlock tracks the tip of the block window
	ChainLatestBlock = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "keywatcher_window_tip_block",
			Help: "Highest block number held in the block window",
		},
	)

	// FinalizedBlock tracks the finalized boundary
	FinalizedBlock = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "keywatcher_finalized_block",
			Help: "Finalized boundary as last observed from the node",
		},
	)

	// WindowSize tracks how many blocks the window retains
	WindowSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "keywatcher_window_blocks",
			Help: "Number of blocks retained in the block window",
		},
	)

	// HeadsRejected counts duplicate or out-of-order heads
	HeadsRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "keywatcher_heads_rejected_total",
			Help: "Heads dropped because they were not above the window tip",
		},
	)

	// ReorgsDetected counts repaired reorganizations
	ReorgsDetected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "keywatcher_reorgs_total",
			Help: "Total number of reorganizations repaired",
		},
	)

	// ReorgDepth observes how many blocks each repair replaced
	ReorgDepth = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "keywatcher_reorg_depth_blocks",
			Help:    "Number of blocks replaced by a reorg repair",
			Buckets: []float64{1, 2, 3, 5, 8, 13, 21, 34, 64},
		},
	)

	// ReorgTooDeep counts repairs that walked off the retained window
	ReorgTooDeep = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "keywatcher_reorg_too_deep_total",
			Help: "Reorg repairs that found no common ancestor inside the window",
		},
	)

	// BlocksPruned counts blocks dropped below the finalized cutoff
	BlocksPruned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "keywatcher_blocks_pruned_total",
			Help: "Blocks removed from the window after finalization",
		},
	)

	// Jobs tracks key jobs by status
	Jobs = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "keywatcher_jobs",
			Help: "Tracked key jobs by status",
		},
		[]string{"status"},
	)

	// JobsStarted counts key fetch jobs started
	JobsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "keywatcher_jobs_started_total",
			Help: "Key fetch jobs started",
		},
	)

	// JobsDiscarded counts fetch results dropped because the job was superseded
	JobsDiscarded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "keywatcher_jobs_discarded_total",
			Help: "Key fetch results discarded after supersession",
		},
	)

	// JobsFailed counts key fetches that failed, by reason
	JobsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keywatcher_jobs_failed_total",
			Help: "Key jobs that ended in the failed state",
		},
		[]string{"reason"},
	)

	// JobFetchDuration observes how long a full key set fetch takes
	JobFetchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "keywatcher_job_fetch_seconds",
			Help:    "Duration of key set fetches",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
	)

	// RecordsPersisted counts persisted rows by table
	RecordsPersisted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keywatcher_records_persisted_total",
			Help: "Rows written to the persistence sink",
		},
		[]string{"table"},
	)

	// PersistErrors counts failed sink writes by table
	PersistErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keywatcher_persist_errors_total",
			Help: "Failed writes to the persistence sink",
		},
		[]string{"table"},
	)

	// DBConnectionPoolUsage tracks database pool usage percentage
	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "keywatcher_db_pool_usage_percent",
			Help: "Database connection pool usage",
		},
	)
)
