package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Connection Metrics
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mailhop_active_connections",
		Help: "Number of active inbound SMTP connections",
	})

	TotalConnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mailhop_connections_total",
		Help: "Total number of inbound SMTP connections",
	})

	ConnectionsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailhop_connections_rejected_total",
		Help: "Connections rejected before the SMTP dialogue",
	}, []string{"reason"}) // pregreet, dnsbl, ratelimit, maxconn

	// SMTP Metrics
	MessagesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mailhop_messages_received_total",
		Help: "Total number of messages accepted via SMTP",
	})

	MessagesRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailhop_messages_rejected_total",
		Help: "Total number of messages rejected during the SMTP dialogue",
	}, []string{"reason"})

	// Forwarding Metrics
	MessagesCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailhop_messages_completed_total",
		Help: "Messages reaching a terminal status",
	}, []string{"status"}) // delivered, bounced, failed, rejected

	ForwardAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mailhop_forward_attempts_total",
		Help: "Total number of forwarding delivery attempts",
	})

	ForwardRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mailhop_forward_retries_total",
		Help: "Forwarding attempts rescheduled after a transient failure",
	})

	BouncesGenerated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mailhop_bounces_generated_total",
		Help: "DSN messages generated for failed forwards",
	})

	// Delivery Metrics
	DeliveryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mailhop_delivery_duration_seconds",
		Help:    "Time taken per outbound delivery attempt",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 0.1s to ~100s
	}, []string{"route"}) // direct, relay

	// Queue Metrics
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mailhop_queue_depth",
		Help: "Current number of entries in the forwarding queue",
	})

	// DNS Metrics
	DNSCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mailhop_dns_cache_hits_total",
		Help: "Resolver queries answered from cache",
	})

	DNSCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mailhop_dns_cache_misses_total",
		Help: "Resolver queries that went to the wire",
	})

	DNSCacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mailhop_dns_cache_evictions_total",
		Help: "Cache entries evicted to stay within the size bound",
	})

	// Verification Metrics
	VerificationRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailhop_verification_runs_total",
		Help: "Domain verification runs by resulting state",
	}, []string{"state"}) // verified, partial, unverified

	// DKIM Metrics
	DKIMSignatures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mailhop_dkim_signatures_total",
		Help: "Messages signed with a service DKIM key",
	})

	DKIMFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mailhop_dkim_failures_total",
		Help: "Signing failures (message forwarded unsigned)",
	})

	// Quota Metrics
	QuotaExceeded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mailhop_quota_exceeded_total",
		Help: "Total number of messages denied due to quota",
	})

	// System Metrics
	Uptime = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mailhop_uptime_seconds",
		Help: "Server uptime in seconds",
	})

	// Error Metrics
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailhop_errors_total",
		Help: "Total errors by component",
	}, []string{"component", "type"})
)

// RecordConnection records a new inbound connection
func RecordConnection() {
	ActiveConnections.Inc()
	TotalConnections.Inc()
}

// ReleaseConnection records a connection closing
func ReleaseConnection() {
	ActiveConnections.Dec()
}

// RecordConnectionRejected records a connection dropped at the gate
func RecordConnectionRejected(reason string) {
	ConnectionsRejected.WithLabelValues(reason).Inc()
}

// RecordRejection records a message rejection with reason
func RecordRejection(reason string) {
	MessagesRejected.WithLabelValues(reason).Inc()
}

// RecordCompletion records a message reaching a terminal status
func RecordCompletion(status string) {
	MessagesCompleted.WithLabelValues(status).Inc()
}

// RecordDelivery records a delivery attempt with its duration
func RecordDelivery(route string, durationSeconds float64) {
	ForwardAttempts.Inc()
	DeliveryDuration.WithLabelValues(route).Observe(durationSeconds)
}

// RecordVerification records a verification run's resulting state
func RecordVerification(state string) {
	VerificationRuns.WithLabelValues(state).Inc()
}

// RecordError records an error
func RecordError(component, errorType string) {
	Errors.WithLabelValues(component, errorType).Inc()
}
