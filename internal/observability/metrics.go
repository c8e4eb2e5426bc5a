package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the vault engine.
type Metrics struct {
	// --- Command processing ---
	CommandsApplied  *prometheus.CounterVec
	CommandsRejected *prometheus.CounterVec
	CommandDuration  *prometheus.HistogramVec
	JournalsWritten  *prometheus.CounterVec
	CoreSequence     prometheus.Gauge

	// --- Vault state ---
	ShareSupply        prometheus.Gauge
	TotalAssets        prometheus.Gauge
	WithdrawableAssets prometheus.Gauge
	ActivePositions    *prometheus.GaugeVec
	OracleUnsafe       prometheus.Gauge

	// --- Flows ---
	DepositsTotal    prometheus.Counter
	DepositVolume    prometheus.Counter
	WithdrawalsTotal prometheus.Counter
	WithdrawalVolume prometheus.Counter

	// --- Rebalancing ---
	BatchesExecuted   prometheus.Counter
	BatchesRolledBack *prometheus.CounterVec
	BatchOps          prometheus.Histogram
	BatchDeviation    prometheus.Histogram
	AdvancesDrawn     prometheus.Counter

	// --- Channel & backpressure ---
	ChannelSize        *prometheus.GaugeVec
	ChannelCapacity    *prometheus.GaugeVec
	ChannelUtilization *prometheus.GaugeVec
	PublishDrops       prometheus.Counter

	// --- Idempotency & ordering ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupTier2Duration    prometheus.Histogram
	CommandSequenceGap    *prometheus.CounterVec
	CommandOutOfOrder     *prometheus.CounterVec

	// --- Persistence ---
	PersistCommandsWritten prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistBatchSize       prometheus.Histogram
	PersistBatchDur        prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistLastSequence    prometheus.Gauge

	// --- Projections ---
	ProjectionLastSeq prometheus.Gauge

	// --- Snapshot & replay ---
	SnapshotTaken       prometheus.Counter
	SnapshotDuration    prometheus.Histogram
	SnapshotSizeBytes   prometheus.Gauge
	SnapshotLastSeq     prometheus.Gauge
	ReplayCommandsTotal prometheus.Counter
	ReplayDuration      prometheus.Gauge

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		// Command processing
		CommandsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_commands_applied_total",
			Help: "Commands successfully applied by core",
		}, []string{"command_type"}),

		CommandsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_commands_rejected_total",
			Help: "Commands rejected (dedup, gap, validation, rollback)",
		}, []string{"command_type", "reason"}),

		CommandDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vault_command_apply_duration_seconds",
			Help:    "Time to apply a single command in core",
			Buckets: latencyBuckets,
		}, []string{"command_type"}),

		JournalsWritten: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_journals_generated_total",
			Help: "Custody journal entries generated",
		}, []string{"journal_type"}),

		CoreSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_core_sequence",
			Help: "Current global sequence number",
		}),

		// Vault state
		ShareSupply: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_share_supply",
			Help: "Total shares outstanding",
		}),

		TotalAssets: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_total_assets",
			Help: "Fund valuation in reserve asset units",
		}),

		WithdrawableAssets: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_withdrawable_assets",
			Help: "Immediately withdrawable valuation in reserve asset units",
		}),

		ActivePositions: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vault_active_positions",
			Help: "Active positions by side",
		}, []string{"side"}),

		OracleUnsafe: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_oracle_unsafe",
			Help: "1 when any position asset has a stale price",
		}),

		// Flows
		DepositsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_deposits_total",
			Help: "Completed deposits",
		}),

		DepositVolume: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_deposit_volume",
			Help: "Total deposited reserve asset units",
		}),

		WithdrawalsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_withdrawals_total",
			Help: "Completed withdrawals and redemptions",
		}),

		WithdrawalVolume: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_withdrawal_volume",
			Help: "Total withdrawn reserve asset units",
		}),

		// Rebalancing
		BatchesExecuted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_rebalance_batches_total",
			Help: "Rebalance batches executed successfully",
		}),

		BatchesRolledBack: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_rebalance_rollbacks_total",
			Help: "Batches rewound (deviation, advance, op failure)",
		}, []string{"reason"}),

		BatchOps: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "vault_rebalance_batch_ops",
			Help:    "Operations per batch",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100},
		}),

		BatchDeviation: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "vault_rebalance_deviation",
			Help:    "Valuation deviation per batch (fraction of before)",
			Buckets: []float64{0.00001, 0.0001, 0.0005, 0.001, 0.0025, 0.005, 0.01},
		}),

		AdvancesDrawn: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_advances_drawn_total",
			Help: "Temporary capital advances drawn inside batches",
		}),

		// Channel & backpressure
		ChannelSize: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vault_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vault_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vault_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		PublishDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_publish_drops_total",
			Help: "Outbound events dropped due to full publish channel",
		}),

		// Idempotency & ordering
		IdempotencyDuplicates: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_idempotency_duplicates_total",
			Help: "Duplicates caught (lru/postgres)",
		}, []string{"command_type", "tier"}),

		DedupLRUSize: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_dedup_lru_size",
			Help: "Current LRU occupancy",
		}),

		DedupTier2Duration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "vault_dedup_tier2_duration_seconds",
			Help:    "Postgres dedup lookup latency",
			Buckets: latencyBuckets,
		}),

		CommandSequenceGap: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_command_sequence_gap_total",
			Help: "Source sequence gaps",
		}, []string{"partition"}),

		CommandOutOfOrder: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_command_out_of_order_total",
			Help: "Out-of-order rejections",
		}, []string{"partition"}),

		// Persistence
		PersistCommandsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_persist_commands_written_total",
			Help: "Operation records written to Postgres",
		}),

		PersistJournalsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_persist_journals_written_total",
			Help: "Journal entries written to Postgres",
		}),

		PersistBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "vault_persist_batch_size",
			Help:    "Records per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "vault_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistLastSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		// Projections
		ProjectionLastSeq: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_projection_last_sequence",
			Help: "Last sequence applied to projection tables",
		}),

		// Snapshot & replay
		SnapshotTaken: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_snapshot_taken_total",
			Help: "Snapshots created",
		}),

		SnapshotDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "vault_snapshot_duration_seconds",
			Help:    "Snapshot creation time",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
		}),

		SnapshotSizeBytes: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_snapshot_size_bytes",
			Help: "Last snapshot size",
		}),

		SnapshotLastSeq: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_snapshot_last_sequence",
			Help: "Sequence of last snapshot",
		}),

		ReplayCommandsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_replay_commands_total",
			Help: "Operations replayed on startup",
		}),

		ReplayDuration: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_replay_duration_seconds",
			Help: "Total replay time",
		}),

		// Query API
		QueryRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vault_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),

		QueryErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_query_errors_total",
			Help: "Query errors",
		}, []string{"endpoint", "code"}),
	}
}

// SetChannelMetrics updates channel utilization metrics.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
	if capacity > 0 {
		m.ChannelUtilization.WithLabelValues(name).Set(float64(size) / float64(capacity))
	}
}
