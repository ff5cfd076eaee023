// Package mgmt exposes the engine's Prometheus metrics for an optional
// management endpoint a frontend can serve.
package mgmt

import (
	"log"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsConfig holds top-level switches for metrics collection.
type MetricsConfig struct {
	Namespace string // prometheus metric namespace, defaults to "urlclean"
}

// Metrics provides registration and update helpers for the counters and
// histograms described in the domain-stack metrics plan: tasks
// processed/failed, cache hit/miss/single-flight-wait, and
// redirect-expansion latency.
type Metrics struct {
	tasksTotal     *prometheus.CounterVec
	cacheTotal     *prometheus.CounterVec
	redirectHops   prometheus.Histogram
	redirectErrors *prometheus.CounterVec
}

// NewMetrics creates the metrics object with all counters registered.
func NewMetrics(cfg MetricsConfig) *Metrics {
	ns := cfg.Namespace
	if ns == "" {
		ns = "urlclean"
	}

	res := &Metrics{}

	res.tasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Name:      "tasks_total",
			Help:      "Number of tasks processed, by outcome.",
		},
		[]string{"outcome"}, // "ok" or "error"
	)

	res.cacheTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Name:      "cache_lookups_total",
			Help:      "Cache lookups, by category and result.",
		},
		[]string{"category", "result"}, // result: "hit", "miss", "wait"
	)

	res.redirectHops = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: ns,
		Name:      "redirect_expansion_duration_seconds",
		Help:      "Duration of a redirect expansion, including its cache lookup.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	})

	res.redirectErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Name:      "redirect_expansion_errors_total",
			Help:      "Redirect-expansion failures, by reason.",
		},
		[]string{"reason"},
	)

	for name, c := range map[string]prometheus.Collector{
		"tasksTotal": res.tasksTotal, "cacheTotal": res.cacheTotal,
		"redirectHops": res.redirectHops, "redirectErrors": res.redirectErrors,
	} {
		if err := prometheus.Register(c); err != nil {
			log.Printf("[WARN] can't register prometheus %s, %v", name, err)
		}
	}

	return res
}

// TaskDone records a finished task's outcome.
func (m *Metrics) TaskDone(ok bool) {
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	m.tasksTotal.WithLabelValues(outcome).Inc()
}

// CacheLookup records a cache lookup result: "hit", "miss", or "wait"
// (the caller blocked on another goroutine's in-flight producer).
func (m *Metrics) CacheLookup(category, result string) {
	m.cacheTotal.WithLabelValues(category, result).Inc()
}

// RedirectExpansion records how long a redirect expansion took (the
// cache lookup plus, on a miss, the fetch itself, or the wait on another
// caller's fetch), and, on failure, why. errReason must come from a bounded label set
// (the caller collapses free-form messages first) so the counter's
// cardinality stays fixed.
func (m *Metrics) RedirectExpansion(seconds float64, errReason string) {
	m.redirectHops.Observe(seconds)
	if errReason != "" {
		m.redirectErrors.WithLabelValues(errReason).Inc()
	}
}
