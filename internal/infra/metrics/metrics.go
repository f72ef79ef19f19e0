package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "linkedge"

var (
	// once guards registration; the default registry panics on duplicates.
	once sync.Once

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status.",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distributions.",
			Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"method", "route"},
	)

	HTTPInflightRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	// RedirectsTotal counts resolver outcomes: direct, mobile, restricted,
	// not_found, bad_request, error.
	RedirectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "redirects_total",
			Help:      "Redirect decisions by outcome.",
		},
		[]string{"outcome"},
	)

	CacheOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_operations_total",
			Help:      "Redirect cache operations by layer and result.",
		},
		[]string{"layer", "result"},
	)

	ClickPublishTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "click_publish_total",
			Help:      "Click publish attempts by driver and result.",
		},
		[]string{"driver", "result"},
	)

	ClickDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "click_deliveries_total",
			Help:      "Queue push deliveries by result (ack, retry, term).",
		},
		[]string{"result"},
	)

	ClickConsumerTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "click_consumer_total",
			Help:      "Click consumer outcomes.",
		},
		[]string{"outcome"},
	)

	ClickIncrementFallbacks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "click_increment_fallbacks_total",
			Help:      "Times the timestamped counter increment failed and the plain increment was used.",
		},
	)

	SyncKeysTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_keys_total",
			Help:      "Cache keys written by full sync, by result.",
		},
		[]string{"result"},
	)

	GuestLinksDeleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "guest_links_deleted_total",
			Help:      "Expired guest links removed by the sweep.",
		},
	)
)

// Init registers all collectors with the default registry exactly once.
func Init() {
	once.Do(func() {
		prometheus.MustRegister(
			HTTPRequestsTotal,
			HTTPRequestDurationSeconds,
			HTTPInflightRequests,
			RedirectsTotal,
			CacheOperations,
			ClickPublishTotal,
			ClickDeliveriesTotal,
			ClickConsumerTotal,
			ClickIncrementFallbacks,
			SyncKeysTotal,
			GuestLinksDeleted,
		)
	})
}
