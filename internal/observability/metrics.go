package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for SynthVault. Injected
// nil-safely: components skip recording when the pointer is nil.
type Metrics struct {
	// --- Engine operations ---
	OpsApplied     *prometheus.CounterVec
	OpsRejected    *prometheus.CounterVec
	OpDuration     *prometheus.HistogramVec
	EngineSequence prometheus.Gauge

	// --- Oracle ---
	OracleLookups      *prometheus.CounterVec
	OracleStaleRejects *prometheus.CounterVec

	// --- Liquidation ---
	Liquidations        prometheus.Counter
	LiquidationRejected *prometheus.CounterVec

	// --- Persistence ---
	PersistEventsWritten prometheus.Counter
	PersistBatchSize     prometheus.Histogram
	PersistBatchDur      prometheus.Histogram
	PersistErrors        *prometheus.CounterVec
	PersistLastSequence  prometheus.Gauge

	// --- Outbound publishing ---
	PublishDrops  prometheus.Counter
	PublishErrors prometheus.Counter

	// --- HTTP API ---
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	opBuckets := []float64{
		0.00001, 0.000025, 0.00005, 0.0001, 0.00025,
		0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	httpBuckets := []float64{
		0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1,
	}

	return &Metrics{
		OpsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "synth_engine_ops_applied_total",
			Help: "Engine operations that completed and emitted an event",
		}, []string{"op"}),

		OpsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "synth_engine_ops_rejected_total",
			Help: "Engine operations rejected (validation, solvency, collaborator)",
		}, []string{"op", "reason"}),

		OpDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "synth_engine_op_duration_seconds",
			Help:    "Time to execute a single engine operation",
			Buckets: opBuckets,
		}, []string{"op"}),

		EngineSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "synth_engine_sequence",
			Help: "Current engine event sequence number",
		}),

		OracleLookups: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "synth_oracle_lookups_total",
			Help: "Price lookups by asset",
		}, []string{"asset"}),

		OracleStaleRejects: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "synth_oracle_stale_rejects_total",
			Help: "Price lookups rejected for staleness",
		}, []string{"asset"}),

		Liquidations: promauto.NewCounter(prometheus.CounterOpts{
			Name: "synth_liquidations_total",
			Help: "Completed liquidations",
		}),

		LiquidationRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "synth_liquidations_rejected_total",
			Help: "Liquidation attempts rejected",
		}, []string{"reason"}),

		PersistEventsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "synth_persist_events_written_total",
			Help: "Events written to the Postgres event log",
		}),

		PersistBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "synth_persist_batch_size",
			Help:    "Events per persisted batch",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100},
		}),

		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "synth_persist_batch_duration_seconds",
			Help:    "Time to flush one batch to Postgres",
			Buckets: httpBuckets,
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "synth_persist_errors_total",
			Help: "Persistence failures by stage",
		}, []string{"stage"}),

		PersistLastSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "synth_persist_last_sequence",
			Help: "Highest event sequence confirmed durable",
		}),

		PublishDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "synth_publish_drops_total",
			Help: "Outbound events dropped on full publish channel",
		}),

		PublishErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "synth_publish_errors_total",
			Help: "Outbound publish failures",
		}),

		HTTPRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "synth_http_requests_total",
			Help: "HTTP API requests by route and status",
		}, []string{"route", "status"}),

		HTTPDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "synth_http_request_duration_seconds",
			Help:    "HTTP API request latency",
			Buckets: httpBuckets,
		}, []string{"route"}),
	}
}
