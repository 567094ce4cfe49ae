package httpx

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var histogramBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10}

type httpMetrics struct {
	requestTotal   *prometheus.CounterVec
	requestLatency *prometheus.HistogramVec
	rateLimitHits  *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metrics     httpMetrics
)

// routerMetrics registers the HTTP collectors once per process; routers built
// in tests share them.
func routerMetrics() httpMetrics {
	metricsOnce.Do(func() {
		metrics.requestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ntando",
			Subsystem: "api",
			Name:      "http_requests_total",
			Help:      "Count of processed HTTP requests",
		}, []string{"method", "route", "status"})
		metrics.requestLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ntando",
			Subsystem: "api",
			Name:      "http_request_duration_seconds",
			Help:      "Latency distribution of HTTP handlers",
			Buckets:   histogramBuckets,
		}, []string{"method", "route", "status"})
		metrics.rateLimitHits = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ntando",
			Subsystem: "api",
			Name:      "rate_limit_hits_total",
			Help:      "Number of rate-limited responses",
		}, []string{"route", "key"})

		for _, collector := range []*prometheus.CounterVec{metrics.requestTotal, metrics.rateLimitHits} {
			if err := prometheus.Register(collector); err != nil {
				if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
					if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
						if collector == metrics.requestTotal {
							metrics.requestTotal = existing
						} else {
							metrics.rateLimitHits = existing
						}
					}
				}
			}
		}
		if err := prometheus.Register(metrics.requestLatency); err != nil {
			if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
				if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
					metrics.requestLatency = existing
				}
			}
		}
	})
	return metrics
}

func (r *Router) recordRequestMetrics(method, route string, status int, duration time.Duration) {
	labels := prometheus.Labels{
		"method": method,
		"route":  route,
		"status": strconv.Itoa(status),
	}
	r.metrics.requestTotal.With(labels).Inc()
	r.metrics.requestLatency.With(labels).Observe(duration.Seconds())
}

func (r *Router) recordRateLimitHit(route, key string) {
	r.metrics.rateLimitHits.With(prometheus.Labels{"route": route, "key": key}).Inc()
}
