package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Capsule lifecycle
	CapsulesCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "timecapsule_capsules_created_total",
		Help: "Number of capsules created.",
	})

	CapsulesDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "timecapsule_capsules_delivered_total",
		Help: "Number of capsules delivered to every recipient.",
	})

	CapsulesFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "timecapsule_capsules_failed_total",
		Help: "Number of capsules that exhausted their delivery retries.",
	})

	CapsulesRequeued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "timecapsule_capsules_requeued_total",
		Help: "Number of delivery passes that ended with a scheduled retry.",
	})

	CapsulesTransferred = promauto.NewCounter(prometheus.CounterOpts{
		Name: "timecapsule_capsules_transferred_total",
		Help: "Number of capsules released early because their owner went inactive.",
	})

	// Delivery worker
	DeliveryAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "timecapsule_delivery_attempts_total",
		Help: "Per-recipient delivery attempts, partitioned by channel and outcome.",
	}, []string{"method", "status"})

	ClaimedBatchSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "timecapsule_delivery_claimed_batch_size",
		Help: "Capsules claimed by the most recent delivery pass.",
	})

	DeliveryPassDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "timecapsule_delivery_pass_duration_seconds",
		Help:    "Duration of one delivery pass.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	})

	// Housekeeping
	NotificationsPruned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "timecapsule_notifications_pruned_total",
		Help: "Read notifications deleted by retention.",
	})

	// HTTP
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "timecapsule_http_requests_total",
		Help: "HTTP requests, partitioned by route and status code.",
	}, []string{"method", "route", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "timecapsule_http_request_duration_seconds",
		Help:    "HTTP request latency by route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})
)
