package deploy

import (
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var durationBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300}

type metrics struct {
	total    *prometheus.CounterVec
	duration *prometheus.HistogramVec
	inFlight prometheus.Gauge
}

var (
	metricsOnce sync.Once
	shared      *metrics
)

func deploymentMetrics() *metrics {
	metricsOnce.Do(func() {
		shared = &metrics{
			total: register(prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "ntando",
				Name:      "deployments_total",
				Help:      "Finished deployments by terminal status",
			}, []string{"status"})),
			duration: register(prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "ntando",
				Name:      "deployment_duration_seconds",
				Help:      "Time from start to terminal status",
				Buckets:   durationBuckets,
			}, []string{"status"})),
			inFlight: register(prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "ntando",
				Name:      "deployments_in_flight",
				Help:      "Deployments currently running",
			})),
		}
	})
	return shared
}

func register[C prometheus.Collector](c C) C {
	if err := prometheus.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return c
}
