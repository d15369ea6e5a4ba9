package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for BatchVault.
type Metrics struct {
	// --- Core processing ---
	CommandsApplied  *prometheus.CounterVec
	CommandsRejected *prometheus.CounterVec
	CommandDuration  *prometheus.HistogramVec
	CoreJournals     *prometheus.CounterVec
	CoreEvents       *prometheus.CounterVec
	CoreStateHashDur prometheus.Histogram
	CoreSequence     prometheus.Gauge

	// --- Latency ---
	IngestToApply       *prometheus.HistogramVec
	ApplyToPersist      prometheus.Histogram
	NATSPullLatency     *prometheus.HistogramVec
	PersistBatchDur     prometheus.Histogram
	ProjectionUpdateDur *prometheus.HistogramVec

	// --- Channels & backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	ChannelUtilization  *prometheus.GaugeVec
	ProjectionDrops     *prometheus.CounterVec
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Idempotency ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupLRUEvictions     prometheus.Counter
	DedupTier2Duration    prometheus.Histogram
	DedupTier2Errors      prometheus.Counter

	// --- Pool ---
	PoolTotalAssets  prometheus.Gauge
	PoolTotalSupply  prometheus.Gauge
	PoolSharePrice   prometheus.Gauge
	PoolWatermark    prometheus.Gauge
	PoolAccruedFees  prometheus.Gauge
	BatchesSettled   prometheus.Counter
	FeesCharged      *prometheus.CounterVec
	RequestsCreated  *prometheus.CounterVec
	ClaimsProcessed  *prometheus.CounterVec
	SettlementsTotal *prometheus.CounterVec

	// --- Persistence ---
	PersistCommandsWritten prometheus.Counter
	PersistEventsWritten   prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistBatchSize       prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistRetry           prometheus.Counter
	PersistLastSequence    prometheus.Gauge

	// --- Checkpoints & replay ---
	CheckpointTaken    prometheus.Counter
	CheckpointDuration prometheus.Histogram
	CheckpointLastSeq  prometheus.Gauge
	ReplayCommands     prometheus.Counter
	ReplayDuration     prometheus.Gauge

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec

	// --- Event stream ---
	StreamClients prometheus.Gauge
	StreamDrops   prometheus.Counter
}

// NewMetrics creates all metrics and registers them with reg. Tests pass a
// fresh prometheus.NewRegistry() so repeated construction does not panic.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	ingestBuckets := []float64{
		0.00001, 0.000025, 0.00005, 0.0001, 0.00025,
		0.0005, 0.001, 0.002, 0.005, 0.01, 0.05,
	}

	return &Metrics{
		// Core processing
		CommandsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "batchvault_core_commands_applied_total",
			Help: "Commands successfully applied by core",
		}, []string{"kind"}),

		CommandsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "batchvault_core_commands_rejected_total",
			Help: "Commands rejected (duplicate, error kind)",
		}, []string{"kind", "reason"}),

		CommandDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "batchvault_core_command_apply_duration_seconds",
			Help:    "Time to apply a single command in core",
			Buckets: latencyBuckets,
		}, []string{"kind"}),

		CoreJournals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "batchvault_core_journals_generated_total",
			Help: "Journal entries generated",
		}, []string{"journal_type"}),

		CoreEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "batchvault_core_events_emitted_total",
			Help: "Domain events emitted",
		}, []string{"event_type"}),

		CoreStateHashDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "batchvault_core_state_hash_duration_seconds",
			Help:    "Time to compute state hash",
			Buckets: latencyBuckets,
		}),

		CoreSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "batchvault_core_sequence",
			Help: "Last applied command sequence",
		}),

		// Latency
		IngestToApply: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "batchvault_ingest_to_apply_seconds",
			Help:    "Command receipt to core apply complete",
			Buckets: ingestBuckets,
		}, []string{"kind"}),

		ApplyToPersist: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "batchvault_apply_to_persist_seconds",
			Help:    "Core emit to Postgres commit",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1},
		}),

		NATSPullLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "batchvault_nats_pull_latency_seconds",
			Help:    "NATS fetch latency",
			Buckets: ingestBuckets,
		}, []string{"subject"}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "batchvault_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		ProjectionUpdateDur: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "batchvault_projection_update_duration_seconds",
			Help:    "Projection table update duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1},
		}, []string{"projection"}),

		// Channels & backpressure
		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "batchvault_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "batchvault_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "batchvault_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		ProjectionDrops: f.NewCounterVec(prometheus.CounterOpts{
			Name: "batchvault_projection_drops_total",
			Help: "Outputs dropped due to full projection channel",
		}, []string{"projection"}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "batchvault_publish_drops_total",
			Help: "Events dropped due to full publish channel",
		}),

		PersistBackpressure: f.NewCounter(prometheus.CounterOpts{
			Name: "batchvault_persist_backpressure_total",
			Help: "Times core blocked on persist channel",
		}),

		// Idempotency
		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "batchvault_idempotency_duplicates_total",
			Help: "Duplicates caught (lru/postgres)",
		}, []string{"kind", "tier"}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "batchvault_dedup_lru_size",
			Help: "Current LRU occupancy",
		}),

		DedupLRUEvictions: f.NewCounter(prometheus.CounterOpts{
			Name: "batchvault_dedup_lru_evictions_total",
			Help: "LRU evictions",
		}),

		DedupTier2Duration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "batchvault_dedup_tier2_duration_seconds",
			Help:    "Postgres dedup lookup latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
		}),

		DedupTier2Errors: f.NewCounter(prometheus.CounterOpts{
			Name: "batchvault_dedup_tier2_errors_total",
			Help: "Postgres dedup lookups that failed",
		}),

		// Pool
		PoolTotalAssets: f.NewGauge(prometheus.GaugeOpts{
			Name: "batchvault_pool_total_assets",
			Help: "Pool total assets after the last settlement (asset units)",
		}),

		PoolTotalSupply: f.NewGauge(prometheus.GaugeOpts{
			Name: "batchvault_pool_total_supply",
			Help: "Share supply",
		}),

		PoolSharePrice: f.NewGauge(prometheus.GaugeOpts{
			Name: "batchvault_pool_share_price",
			Help: "Gross share price",
		}),

		PoolWatermark: f.NewGauge(prometheus.GaugeOpts{
			Name: "batchvault_pool_share_price_watermark",
			Help: "Share price high-water mark",
		}),

		PoolAccruedFees: f.NewGauge(prometheus.GaugeOpts{
			Name: "batchvault_pool_accrued_fees",
			Help: "Fees charged but not yet collected (asset units)",
		}),

		BatchesSettled: f.NewCounter(prometheus.CounterOpts{
			Name: "batchvault_batches_settled_total",
			Help: "Batches settled",
		}),

		FeesCharged: f.NewCounterVec(prometheus.CounterOpts{
			Name: "batchvault_fees_charged_total",
			Help: "Fees charged at settlement (asset units)",
		}, []string{"fee"}),

		RequestsCreated: f.NewCounterVec(prometheus.CounterOpts{
			Name: "batchvault_requests_created_total",
			Help: "Stake and unstake requests recorded",
		}, []string{"kind"}),

		ClaimsProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "batchvault_claims_processed_total",
			Help: "Requests claimed",
		}, []string{"kind"}),

		SettlementsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "batchvault_settlement_operations_total",
			Help: "Settlement operations by vault type and outcome",
		}, []string{"vault_type", "outcome"}),

		// Persistence
		PersistCommandsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "batchvault_persist_commands_written_total",
			Help: "Commands written to Postgres",
		}),

		PersistEventsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "batchvault_persist_events_written_total",
			Help: "Events written to Postgres",
		}),

		PersistJournalsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "batchvault_persist_journals_written_total",
			Help: "Journal entries written to Postgres",
		}),

		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "batchvault_persist_batch_size",
			Help:    "Commands per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "batchvault_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "batchvault_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "batchvault_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		// Checkpoints & replay
		CheckpointTaken: f.NewCounter(prometheus.CounterOpts{
			Name: "batchvault_checkpoint_taken_total",
			Help: "Checkpoints written",
		}),

		CheckpointDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "batchvault_checkpoint_duration_seconds",
			Help:    "Checkpoint creation time",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
		}),

		CheckpointLastSeq: f.NewGauge(prometheus.GaugeOpts{
			Name: "batchvault_checkpoint_last_sequence",
			Help: "Sequence of last checkpoint",
		}),

		ReplayCommands: f.NewCounter(prometheus.CounterOpts{
			Name: "batchvault_replay_commands_total",
			Help: "Commands replayed on startup",
		}),

		ReplayDuration: f.NewGauge(prometheus.GaugeOpts{
			Name: "batchvault_replay_duration_seconds",
			Help: "Total replay time",
		}),

		// Query API
		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "batchvault_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "batchvault_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),

		QueryErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "batchvault_query_errors_total",
			Help: "Query errors",
		}, []string{"endpoint", "code"}),

		// Event stream
		StreamClients: f.NewGauge(prometheus.GaugeOpts{
			Name: "batchvault_stream_clients",
			Help: "Connected websocket clients",
		}),

		StreamDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "batchvault_stream_drops_total",
			Help: "Events dropped for slow websocket clients",
		}),
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
