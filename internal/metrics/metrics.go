// Package metrics exposes Prometheus instruments for the stream engine and
// the development backend.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Engine metrics
	EventsRouted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasklink_events_routed_total",
			Help: "Transport events applied to a task",
		},
		[]string{"kind"},
	)

	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasklink_events_dropped_total",
			Help: "Transport events dropped before reaching a task",
		},
		[]string{"kind", "reason"}, // reason: "unknown_task", "unknown_execution", "invalid_transition", "decode"
	)

	ReconcileRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasklink_reconcile_records_total",
			Help: "Authoritative records processed by the reconciler",
		},
		[]string{"outcome"},
	)

	Recoveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasklink_recoveries_total",
			Help: "Recovery passes by trigger and outcome",
		},
		[]string{"trigger", "outcome"},
	)

	HistoryPages = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tasklink_history_pages_total",
			Help: "Older history pages fetched",
		},
	)

	SendLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tasklink_send_latency_seconds",
			Help:    "Round trip of send_message requests",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
	)

	// Backend metrics
	ExecutionsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tasklink_backend_executions_started_total",
			Help: "Simulated executions started by the development backend",
		},
	)

	ExecutionsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasklink_backend_executions_finished_total",
			Help: "Simulated executions finished by the development backend",
		},
		[]string{"status"},
	)

	ConnectedClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tasklink_backend_ws_clients",
			Help: "Websocket clients connected to the development backend",
		},
	)
)
