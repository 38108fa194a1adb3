// Package metrics registers the broker's Prometheus collectors in an
// init() and serves them on the configured admin listener alongside the
// operator live-stats feed (internal/adminfeed).
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SessionsActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "psmb_sessions_active",
		Help: "Current number of active sessions by role",
	}, []string{"role"})

	SessionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "psmb_sessions_total",
		Help: "Total sessions accepted by role",
	}, []string{"role"})

	HandshakeRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "psmb_handshake_rejections_total",
		Help: "Handshake rejections by reason",
	}, []string{"reason"})

	MessagesPublished = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "psmb_messages_published_total",
		Help: "Total messages accepted via MSG from publishers",
	})

	MessagesDelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "psmb_messages_delivered_total",
		Help: "Total messages queued to subscriber inboxes",
	})

	DispatcherRegistrySize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "psmb_dispatcher_registry_size",
		Help: "Current number of registered subscriptions",
	})

	InboxDepth = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "psmb_inbox_depth",
		Help:    "Distribution of inbox entries drained per subscriber wakeup",
		Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100, 500},
	})

	KeepaliveTimeouts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "psmb_keepalive_timeouts_total",
		Help: "Keepalive timeouts observed by role",
	}, []string{"role"})

	InsensibleDisconnects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "psmb_insensible_disconnects_total",
		Help: "Sessions terminated for exceeding the outstanding-keepalive ceiling",
	}, []string{"role"})

	WorkerQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "psmb_worker_queue_depth",
		Help: "Pending connections waiting for a free worker",
	})

	WorkerQueueCapacity = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "psmb_worker_queue_capacity",
		Help: "Configured worker queue capacity",
	})

	ConnectionAdmissionRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "psmb_connection_admission_rejections_total",
		Help: "Connections rejected before reaching the worker pool, by reason",
	}, []string{"reason"})

	ResourceGuardCPUPercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "psmb_resource_guard_cpu_percent",
		Help: "Resource-guard CPU sample, percentage of allocation",
	})

	ResourceGuardMemoryBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "psmb_resource_guard_memory_bytes",
		Help: "Resource-guard memory sample in bytes",
	})

	ResourceGuardGoroutines = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "psmb_resource_guard_goroutines",
		Help: "Current goroutine count sampled by the resource guard",
	})
)

func init() {
	prometheus.MustRegister(
		SessionsActive,
		SessionsTotal,
		HandshakeRejections,
		MessagesPublished,
		MessagesDelivered,
		DispatcherRegistrySize,
		InboxDepth,
		KeepaliveTimeouts,
		InsensibleDisconnects,
		WorkerQueueDepth,
		WorkerQueueCapacity,
		ConnectionAdmissionRejections,
		ResourceGuardCPUPercent,
		ResourceGuardMemoryBytes,
		ResourceGuardGoroutines,
	)
}

// Handler returns the standard promhttp handler for mounting on the
// admin listener's /metrics route.
func Handler() http.Handler {
	return promhttp.Handler()
}
