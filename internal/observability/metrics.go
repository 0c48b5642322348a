package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the clearinghouse.
type Metrics struct {
	// --- Dispatch ---
	CommandsApplied  *prometheus.CounterVec
	CommandsRejected *prometheus.CounterVec
	CommandDuration  *prometheus.HistogramVec
	BatchesFatal     *prometheus.CounterVec
	Sequence         prometheus.Gauge

	// --- Matching ---
	OrdersMatched      *prometheus.CounterVec
	LiquidationMatches *prometheus.CounterVec

	// --- Funding & Insurance ---
	FundingUpdates       *prometheus.CounterVec
	InsuranceFundBalance *prometheus.GaugeVec
	LossesCovered        prometheus.Counter

	// --- Liquidation ---
	LiquidationEntries *prometheus.CounterVec
	SwapEntries        *prometheus.CounterVec

	// --- Channel & Backpressure ---
	ProjectionDrops     prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Persistence ---
	PersistOutcomesWritten prometheus.Counter
	PersistBatchDur        prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistLastSequence    prometheus.Gauge

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		CommandsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "clearing_commands_applied_total",
			Help: "Commands that consumed their sequence slot",
		}, []string{"opcode"}),

		CommandsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "clearing_commands_rejected_total",
			Help: "Commands rejected after consuming their slot",
		}, []string{"opcode", "reason"}),

		CommandDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "clearing_command_apply_duration_seconds",
			Help:    "Time to apply a single command",
			Buckets: latencyBuckets,
		}, []string{"opcode"}),

		BatchesFatal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "clearing_batches_fatal_total",
			Help: "Batches aborted (sequence gap, unknown opcode, paused)",
		}, []string{"reason"}),

		Sequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "clearing_sequence",
			Help: "Next expected command sequence number",
		}),

		OrdersMatched: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "clearing_orders_matched_total",
			Help: "Matched maker/taker pairs",
		}, []string{"market"}),

		LiquidationMatches: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "clearing_liquidation_matches_total",
			Help: "Liquidation matches settled",
		}, []string{"market"}),

		FundingUpdates: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "clearing_funding_updates_total",
			Help: "Funding premium accruals",
		}, []string{"market"}),

		InsuranceFundBalance: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "clearing_insurance_fund_balance",
			Help: "Insurance fund balance per asset (wad, float approximation)",
		}, []string{"asset"}),

		LossesCovered: promauto.NewCounter(prometheus.CounterOpts{
			Name: "clearing_losses_covered_total",
			Help: "Insurance fund loss coverage draws",
		}),

		LiquidationEntries: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "clearing_liquidation_entries_total",
			Help: "Liquidation batch entries by terminal status",
		}, []string{"status"}),

		SwapEntries: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "clearing_swap_entries_total",
			Help: "Collateral swap entries by terminal status",
		}, []string{"status"}),

		ProjectionDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "clearing_projection_drops_total",
			Help: "Outcomes dropped due to full projection channel",
		}),

		PersistBackpressure: promauto.NewCounter(prometheus.CounterOpts{
			Name: "clearing_persist_backpressure_total",
			Help: "Times dispatch blocked on persist channel",
		}),

		PersistOutcomesWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "clearing_persist_outcomes_written_total",
			Help: "Outcome rows written to Postgres",
		}),

		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "clearing_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "clearing_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistLastSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "clearing_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		QueryRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "clearing_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "clearing_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),
	}
}
