package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "onceview_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "onceview_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Store connection metrics
	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "onceview_store_connections",
			Help: "Currently open store connections",
		},
	)

	StoreOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "onceview_store_ops_total",
			Help: "Store operations by op and outcome",
		},
		[]string{"op", "outcome"}, // outcome: "ok" or "error"
	)

	DisconnectMergesApplied = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "onceview_disconnect_merges_applied_total",
			Help: "Armed disconnect merges applied on connection loss",
		},
	)

	// Business metrics
	MessagesAppended = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "onceview_messages_appended_total",
			Help: "Total messages appended to rooms",
		},
	)

	SendsDenied = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "onceview_sends_denied_total",
			Help: "Sends rejected by client-side admission control",
		},
	)

	MessagesPruned = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "onceview_messages_pruned_total",
			Help: "Messages removed by retention",
		},
		[]string{"reason"}, // "age", "count", "sweep"
	)

	// Sweep metrics
	SweepRuns = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "onceview_sweep_runs_total",
			Help: "Total retention sweeps executed",
		},
	)

	SweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "onceview_sweep_duration_seconds",
			Help:    "Retention sweep duration",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 30},
		},
	)
)
