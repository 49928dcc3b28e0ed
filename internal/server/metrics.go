package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes the server-side netcode gauges and counters.
type Metrics struct {
	TickDuration     prometheus.Histogram
	SnapshotBytes    prometheus.Histogram
	ConnectedClients prometheus.Gauge
	InputsReceived   prometheus.Counter
	InputsRejected   prometheus.Counter
	ActionsReceived  prometheus.Counter
	ActionsRejected  prometheus.Counter
	RewindMs         prometheus.Histogram
	ClientRTT        *prometheus.GaugeVec
}

// NewMetrics registers the netcode metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TickDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "netstep_tick_duration_seconds",
			Help:    "Wall time of one simulation tick.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12),
		}),
		SnapshotBytes: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "netstep_snapshot_bytes",
			Help:    "Encoded snapshot broadcast size.",
			Buckets: prometheus.ExponentialBuckets(64, 2, 14),
		}),
		ConnectedClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "netstep_connected_clients",
			Help: "Currently connected clients.",
		}),
		InputsReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "netstep_inputs_received_total",
			Help: "Input messages accepted into the queue.",
		}),
		InputsRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "netstep_inputs_rejected_total",
			Help: "Input messages dropped as stale or duplicate.",
		}),
		ActionsReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "netstep_actions_received_total",
			Help: "Action messages accepted into the queue.",
		}),
		ActionsRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "netstep_actions_rejected_total",
			Help: "Action messages dropped as duplicates.",
		}),
		RewindMs: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "netstep_lagcomp_rewind_ms",
			Help:    "Distance in milliseconds lag compensation rewound.",
			Buckets: prometheus.LinearBuckets(0, 25, 9),
		}),
		ClientRTT: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "netstep_client_rtt_ms",
			Help: "Latest reported round-trip time per client.",
		}, []string{"client"}),
	}
}
