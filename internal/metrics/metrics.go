// Package metrics exposes Prometheus collectors for the catalog
// crawler service.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	crawlItemsTotal        *prometheus.CounterVec
	crawlSessionsTotal     *prometheus.CounterVec
	crawlFetchSeconds      *prometheus.HistogramVec
	proxyAcquisitionsTotal *prometheus.CounterVec
	proxySpendTotal        *prometheus.CounterVec
	queuePendingItems      *prometheus.GaugeVec
	activeStageWorkers     prometheus.Gauge

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		crawlItemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_items_total",
				Help: "Total queue items processed, labeled by stage and outcome.",
			},
			[]string{"stage", "outcome"},
		)

		crawlSessionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_sessions_total",
				Help: "Total crawl sessions finished, labeled by stage and status.",
			},
			[]string{"stage", "status"},
		)

		crawlFetchSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_fetch_duration_seconds",
				Help:    "Histogram of page fetch latencies, labeled by stage.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"stage"},
		)

		proxyAcquisitionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_proxy_acquisitions_total",
				Help: "Total proxy acquisitions, labeled by provider and tier.",
			},
			[]string{"provider", "tier"},
		)

		proxySpendTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_proxy_spend_usd_total",
				Help: "Accumulated proxy spend in USD, labeled by provider.",
			},
			[]string{"provider"},
		)

		queuePendingItems = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "crawler_queue_pending_items",
				Help: "Pending items per stage queue.",
			},
			[]string{"stage"},
		)

		activeStageWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_active_stage_workers",
				Help: "Number of stage workers with a running session.",
			},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveItem increments the item counter for a stage and outcome.
func ObserveItem(stage, outcome string) {
	crawlItemsTotal.WithLabelValues(stage, outcome).Inc()
}

// ObserveSession increments the session counter for a terminal status.
func ObserveSession(stage, status string) {
	crawlSessionsTotal.WithLabelValues(stage, status).Inc()
}

// ObserveFetch records the duration of one page fetch.
func ObserveFetch(stage string, duration time.Duration) {
	crawlFetchSeconds.WithLabelValues(stage).Observe(duration.Seconds())
}

// ObserveProxyAcquisition counts one successful proxy acquisition.
func ObserveProxyAcquisition(provider, tier string) {
	proxyAcquisitionsTotal.WithLabelValues(provider, tier).Inc()
}

// ObserveProxySpend adds a charge to the provider spend counter.
func ObserveProxySpend(provider string, amount float64) {
	if amount > 0 {
		proxySpendTotal.WithLabelValues(provider).Add(amount)
	}
}

// SetQueuePending records the pending depth for a stage queue.
func SetQueuePending(stage string, pending int) {
	queuePendingItems.WithLabelValues(stage).Set(float64(pending))
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	activeStageWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	activeStageWorkers.Dec()
}
