package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for PegLedger.
type Metrics struct {
	// --- Ledger operations ---
	OpsApplied  *prometheus.CounterVec
	OpsRejected *prometheus.CounterVec
	OpDuration  *prometheus.HistogramVec
	Sequence    prometheus.Gauge

	// --- Ledger state ---
	LegacySupply    prometheus.Gauge
	ReserveOwned    prometheus.Gauge
	ReserveManaged  prometheus.Gauge
	NavValue        prometheus.Gauge
	UnderCollateral prometheus.Gauge
	MarketManaged   *prometheus.GaugeVec

	// --- Channels & backpressure ---
	ChannelSize        *prometheus.GaugeVec
	ChannelCapacity    *prometheus.GaugeVec
	ChannelUtilization *prometheus.GaugeVec
	PublishDrops       prometheus.Counter

	// --- Health signals ---
	SignalsApplied  *prometheus.CounterVec
	SignalsRejected *prometheus.CounterVec
	SignalAge       *prometheus.GaugeVec

	// --- Persistence ---
	PersistEventsWritten prometheus.Counter
	PersistBatchSize     prometheus.Histogram
	PersistBatchDur      prometheus.Histogram
	PersistErrors        *prometheus.CounterVec
	PersistRetry         prometheus.Counter
	PersistLastSequence  prometheus.Gauge

	// --- Snapshot & replay ---
	SnapshotTaken     prometheus.Counter
	SnapshotLastSeq   prometheus.Gauge
	ReplayEventsTotal prometheus.Counter

	// --- HTTP API ---
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		OpsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "peg_ops_applied_total",
			Help: "Ledger operations successfully applied",
		}, []string{"op"}),

		OpsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "peg_ops_rejected_total",
			Help: "Ledger operations rejected (validation, gating, collaborator failure)",
		}, []string{"op", "reason"}),

		OpDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "peg_op_apply_duration_seconds",
			Help:    "Time to apply a single ledger operation",
			Buckets: latencyBuckets,
		}, []string{"op"}),

		Sequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "peg_sequence",
			Help: "Current global sequence number",
		}),

		LegacySupply: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "peg_legacy_supply",
			Help: "Collateral-backed stable supply",
		}),

		ReserveOwned: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "peg_reserve_owned",
			Help: "Stable reserve owned collateral",
		}),

		ReserveManaged: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "peg_reserve_managed",
			Help: "Stable reserve managed liability",
		}),

		NavValue: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "peg_nav",
			Help: "Supply-weighted net asset value (1e18 fixed point)",
		}),

		UnderCollateral: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "peg_under_collateral",
			Help: "1 when any market reports under-collateralization",
		}),

		MarketManaged: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "peg_market_managed",
			Help: "Per-market managed stable backing",
		}, []string{"market"}),

		ChannelSize: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "peg_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "peg_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "peg_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		PublishDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "peg_publish_drops_total",
			Help: "Events dropped due to full publish channel",
		}),

		SignalsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "peg_signals_applied_total",
			Help: "Market health signals applied to the cache",
		}, []string{"market"}),

		SignalsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "peg_signals_rejected_total",
			Help: "Health signals rejected (parse, validation)",
		}, []string{"reason"}),

		SignalAge: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "peg_signal_age_seconds",
			Help: "Age of the freshest health signal per market",
		}, []string{"market"}),

		PersistEventsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "peg_persist_events_written_total",
			Help: "Events written to Postgres",
		}),

		PersistBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "peg_persist_batch_size",
			Help:    "Events per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "peg_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "peg_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: promauto.NewCounter(prometheus.CounterOpts{
			Name: "peg_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "peg_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		SnapshotTaken: promauto.NewCounter(prometheus.CounterOpts{
			Name: "peg_snapshot_taken_total",
			Help: "Snapshots created",
		}),

		SnapshotLastSeq: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "peg_snapshot_last_sequence",
			Help: "Sequence of last snapshot",
		}),

		ReplayEventsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "peg_replay_events_total",
			Help: "Events replayed on startup",
		}),

		HTTPRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "peg_http_requests_total",
			Help: "HTTP API requests",
		}, []string{"route", "status"}),

		HTTPDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "peg_http_request_duration_seconds",
			Help:    "HTTP API request latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"route"}),
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
