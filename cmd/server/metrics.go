package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics are the Prometheus collectors served on /metrics.
type metrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	asks     *prometheus.CounterVec
	tokens   prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kgrag",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kgrag",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
		}, []string{"method", "path"}),
		asks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kgrag",
			Name:      "ask_total",
			Help:      "Answer streams by requested mode and outcome",
		}, []string{"mode", "outcome"}),
		tokens: f.NewCounter(prometheus.CounterOpts{
			Namespace: "kgrag",
			Name:      "ask_token_events_total",
			Help:      "Token events written to answer streams",
		}),
	}
}
