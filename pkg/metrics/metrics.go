// Package metrics holds the process-wide prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	EventsAppended = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomlog_events_appended_total",
			Help: "Events appended to the log, by event type.",
		},
		[]string{"type"},
	)

	AppendErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "roomlog_append_errors_total",
			Help: "Failed event appends.",
		},
	)

	EventsDelivered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomlog_events_delivered_total",
			Help: "Events committed by the dispatch pipeline, by outcome.",
		},
		[]string{"outcome"},
	)

	DispatchLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "roomlog_dispatch_seconds",
			Help:    "Time from enqueue to commit of a dispatched event.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		},
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "roomlog_dispatch_queue_depth",
			Help: "Events waiting in the dispatch queue.",
		},
	)

	Operations = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "roomlog_operation_seconds",
			Help:    "Collection operation latency, by operation and outcome.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op", "outcome"},
	)

	Redelivered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "roomlog_redelivered_total",
			Help: "Events re-dispatched by the redelivery sweeper.",
		},
	)

	DiskPressure = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "roomlog_disk_pressure",
			Help: "1 while the data volume is above the high watermark.",
		},
	)

	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomlog_http_requests_total",
			Help: "HTTP requests, by route and status class.",
		},
		[]string{"route", "status"},
	)
)

func init() {
	prometheus.MustRegister(
		EventsAppended,
		AppendErrors,
		EventsDelivered,
		DispatchLatency,
		QueueDepth,
		Operations,
		Redelivered,
		DiskPressure,
		HTTPRequests,
	)
}
