package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "privchat_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "privchat_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 5},
		},
		[]string{"method", "route"},
	)

	// Write path
	MessagesAppended = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "privchat_messages_appended_total",
			Help: "Messages durably appended",
		},
	)

	WriteFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "privchat_write_failures_total",
			Help: "Rejected or failed message submissions",
		},
		[]string{"code"},
	)

	AttachmentsStored = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "privchat_attachments_stored_total",
			Help: "Attachments written to the blob store",
		},
		[]string{"kind"},
	)

	AttachmentBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "privchat_attachment_bytes_total",
			Help: "Bytes written to the blob store",
		},
	)

	// Delivery
	Deliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "privchat_deliveries_total",
			Help: "Push deliveries by outcome",
		},
		[]string{"outcome"}, // "delivered" or "dropped"
	)

	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "privchat_ws_connections",
			Help: "Open websocket connections",
		},
	)

	ActiveRooms = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "privchat_rooms",
			Help: "Rooms with at least one subscriber",
		},
	)

	// Infrastructure
	StoreLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "privchat_store_latency_seconds",
			Help:    "Message store operation latency",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .5},
		},
		[]string{"op"},
	)
)
