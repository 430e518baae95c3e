package obs

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the register's collectors on a private registry so several
// containers (and tests) can coexist in one process.
type Metrics struct {
	Registry *prometheus.Registry

	OrdersSynced   prometheus.Counter
	OrdersFailed   prometheus.Counter
	OrdersRetrying prometheus.Counter

	OutboxSent     prometheus.Counter
	OutboxDropped  prometheus.Counter
	OutboxDeferred prometheus.Counter

	PollErrors    prometheus.Counter
	EventsApplied prometheus.Counter

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics registers all collectors on a fresh registry
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		OrdersSynced: f.NewCounter(prometheus.CounterOpts{
			Name: "possync_orders_synced_total",
			Help: "Orders successfully pushed to the platform",
		}),
		OrdersFailed: f.NewCounter(prometheus.CounterOpts{
			Name: "possync_orders_failed_total",
			Help: "Orders marked sync-failed permanently",
		}),
		OrdersRetrying: f.NewCounter(prometheus.CounterOpts{
			Name: "possync_orders_retrying_total",
			Help: "Retryable order sync failures",
		}),
		OutboxSent: f.NewCounter(prometheus.CounterOpts{
			Name: "possync_outbox_sent_total",
			Help: "Outbox requests delivered",
		}),
		OutboxDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "possync_outbox_dropped_total",
			Help: "Outbox requests dropped after a client error",
		}),
		OutboxDeferred: f.NewCounter(prometheus.CounterOpts{
			Name: "possync_outbox_deferred_total",
			Help: "Outbox requests rescheduled after a retryable failure",
		}),
		PollErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "possync_poll_errors_total",
			Help: "Failed sync event polls",
		}),
		EventsApplied: f.NewCounter(prometheus.CounterOpts{
			Name: "possync_events_applied_total",
			Help: "Sync events applied by the poller",
		}),
		HTTPRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"path"},
		),
	}
}

// Handler exposes the registry in the prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
