package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MessagesReceived tracks inbound protocol messages by kind and outcome.
	MessagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ota_messages_received_total",
		Help: "Inbound protocol messages by kind and outcome",
	}, []string{"kind", "outcome"}) // outcome: handled, rejected, dropped

	// MessageHandleDuration tracks time spent handling one inbound message.
	MessageHandleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ota_message_handle_duration_seconds",
		Help:    "Duration of inbound message handling",
		Buckets: prometheus.DefBuckets,
	})

	// MessagesRateLimited tracks messages shed by the per-tenant limiter.
	MessagesRateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ota_messages_rate_limited_total",
		Help: "Inbound messages shed by the per-tenant rate limiter",
	}, []string{"tenant"})

	// StatusTransitions tracks applied action status transitions.
	StatusTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ota_action_status_transitions_total",
		Help: "Action status transitions applied",
	}, []string{"status"})

	// AssignmentsPublished tracks published assignment notifications.
	AssignmentsPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ota_assignments_published_total",
		Help: "Assignment notifications published to the event channel",
	})

	// TokensIssued tracks download tokens minted by the auth handler.
	TokensIssued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ota_download_tokens_issued_total",
		Help: "Download tokens issued after successful authentication",
	})

	// AuthFailures tracks failed download authentication attempts.
	AuthFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ota_auth_failures_total",
		Help: "Download authentication failures by reason",
	}, []string{"reason"}) // bad_credentials, not_found

	// DownloadsServed tracks completed artifact downloads by delivery mode.
	DownloadsServed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ota_downloads_served_total",
		Help: "Artifact downloads served by delivery mode",
	}, []string{"mode"}) // full, range, multipart

	// DownloadBytes tracks artifact bytes streamed to devices.
	DownloadBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ota_download_bytes_total",
		Help: "Artifact payload bytes streamed to devices",
	})

	// DownloadFailures tracks downloads aborted by transfer errors.
	DownloadFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ota_download_failures_total",
		Help: "Downloads aborted by a transfer failure mid-stream",
	})

	// RangeNotSatisfiable tracks 416 responses. These are client errors,
	// counted but never logged at error level.
	RangeNotSatisfiable = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ota_range_not_satisfiable_total",
		Help: "Range requests rejected as not satisfiable",
	})

	// ConnectedDevices tracks devices currently attached to the websocket
	// channel.
	ConnectedDevices = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ota_connected_devices",
		Help: "Devices currently connected to the websocket channel",
	})

	// BusQueueLag tracks the depth of the inbound redis queue as observed
	// by the consumer.
	BusQueueLag = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ota_bus_queue_depth",
		Help: "Messages waiting in the inbound bus queue",
	})
)
